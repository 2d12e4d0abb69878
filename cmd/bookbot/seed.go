package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bookbot/internal/app"
)

type seedOptions struct {
	*rootOptions
	File string
}

type seedFile struct {
	Books []app.SeedEntry `yaml:"books"`
}

func newSeedCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &seedOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "seed-catalog",
		Short: "Load catalog books from a YAML file",
		Long: `Insert the books listed in a YAML file into the catalog. Titles already
in the catalog are skipped. cover_file paths are relative to the YAML file
and are uploaded to object storage.

Example:
  bookbot seed-catalog --file ./books.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.File, "file", "", "path to the catalog YAML file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadSeedFile(path string) ([]app.SeedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return f.Books, nil
}

func runSeed(cmd *cobra.Command, opts *seedOptions) error {
	entries, err := loadSeedFile(opts.File)
	if err != nil {
		return err
	}
	_, appCore, err := loadApp(opts.rootOptions)
	if err != nil {
		return err
	}
	defer appCore.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := appCore.Catalog.SeedBooks(ctx, entries, filepath.Dir(opts.File))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %d books, skipped %d already in catalog\n", res.Added, res.Skipped)
	return nil
}
