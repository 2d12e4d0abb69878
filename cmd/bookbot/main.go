package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bookbot/internal/app"
	"bookbot/internal/config"
	"bookbot/internal/util"
	"bookbot/pkg/storage"
)

type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		util.Fatal("bookbot failed", "err", err)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "bookbot",
		Short:         "BookBot catalog, reading lists and recommendation chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.ConfigPath, "path to config.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	return cmd
}

// loadApp reads configuration, sets up logging and builds the application.
func loadApp(opts *rootOptions) (config.FileConfig, *app.App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	logger := util.InitLogger(cfg.LogLevel)
	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		NotifyPrefix:      cfg.NotifyPrefix,
		LocalStorePath:    cfg.LocalStorePath,
		CompletionBaseURL: cfg.CompletionBaseURL,
		CompletionAPIKey:  cfg.CompletionAPIKey,
		CompletionModel:   cfg.CompletionModel,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		Logger: logger,
	})
	if err != nil {
		return cfg, nil, fmt.Errorf("init app: %w", err)
	}
	return cfg, appCore, nil
}
