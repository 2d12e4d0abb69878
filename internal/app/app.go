package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bookbot/pkg/ai"
	"bookbot/pkg/docstore"
	"bookbot/pkg/kv"
	"bookbot/pkg/storage"
)

// Config holds runtime configuration for the core application. Store,
// Local, Completer and Objects override the backends built from the other
// fields; tests set them directly.
type Config struct {
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	NotifyPrefix   string
	LocalStorePath string

	CompletionBaseURL string
	CompletionAPIKey  string
	CompletionModel   string

	Minio storage.MinioConfig

	Store     docstore.Store
	Local     kv.Store
	Completer ai.ChatCompleter
	Objects   storage.ObjectStore
	Logger    *slog.Logger
}

// App wires the document store, local persistence and completion client into
// the BookBot components.
type App struct {
	Store    docstore.Store
	Guard    *DuplicateGuard
	Sync     *SyncEngine
	Status   *StatusManager
	Chat     *ChatPipeline
	Library  *Library
	Accounts *Accounts
	Catalog  *Catalog

	closers []func() error
}

// New constructs the application. Without a database URL documents live in
// memory for the life of the process.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	docs := cfg.Store
	if docs == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			logger.Warn("no database configured, using in-memory document store")
			docs = docstore.NewMemoryStore()
		} else {
			notifier, err := docstore.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, cfg.NotifyPrefix)
			if err != nil {
				return nil, fmt.Errorf("init change notifier: %w", err)
			}
			a.closers = append(a.closers, notifier.Close)
			gormStore, err := docstore.NewGormStore(cfg.DatabaseURL, notifier)
			if err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			a.closers = append(a.closers, gormStore.Close)
			docs = gormStore
		}
	}

	local := cfg.Local
	if local == nil {
		sqlite, err := kv.NewSQLiteStore(cfg.LocalStorePath)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("init local store: %w", err)
		}
		a.closers = append(a.closers, sqlite.Close)
		local = sqlite
	}

	completer := cfg.Completer
	if completer == nil {
		if strings.TrimSpace(cfg.CompletionModel) == "" {
			_ = a.Close()
			return nil, errors.New("completion model required")
		}
		completer = ai.NewOpenAICompatClient(cfg.CompletionBaseURL, cfg.CompletionAPIKey, cfg.CompletionModel)
	}

	objects := cfg.Objects
	if objects == nil && strings.TrimSpace(cfg.Minio.Endpoint) != "" {
		minio, err := storage.NewMinioStore(cfg.Minio)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		objects = minio
	}

	a.Store = docs
	a.Guard = NewDuplicateGuard(docs, logger)
	a.Sync = NewSyncEngine(docs, logger)
	a.Status = NewStatusManager(docs, logger)
	a.Chat = NewChatPipeline(docs, completer, a.Sync, logger)
	a.Library = NewLibrary(docs, a.Guard, a.Sync, logger)
	a.Accounts = NewAccounts(docs, a.Guard, local, logger)
	a.Catalog = NewCatalog(docs, a.Guard, objects, logger)
	return a, nil
}

// Close releases backends opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
