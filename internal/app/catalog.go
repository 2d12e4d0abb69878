package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
	"bookbot/pkg/storage"
)

const coverURLExpiry = 15 * time.Minute

// SeedEntry is one book in a catalog seed file.
type SeedEntry struct {
	Title        string `yaml:"title"`
	Author       string `yaml:"author"`
	Description  string `yaml:"description"`
	ThumbnailURL string `yaml:"thumbnail_url"`
	CoverFile    string `yaml:"cover_file"`
}

// SeedResult counts what SeedBooks did.
type SeedResult struct {
	Added   int
	Skipped int
}

// Catalog is the read-only book catalog. objects may be nil, in which case
// covers are served from their stored thumbnail URL only.
type Catalog struct {
	store   docstore.Store
	guard   *DuplicateGuard
	objects storage.ObjectStore
	logger  *slog.Logger
}

func NewCatalog(store docstore.Store, guard *DuplicateGuard, objects storage.ObjectStore, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, guard: guard, objects: objects, logger: logger}
}

// ListBooks returns the catalog ordered by title.
func (c *Catalog) ListBooks(ctx context.Context) ([]domain.CatalogBook, error) {
	docs, err := c.store.Query(ctx, domain.CollectionCatalog, docstore.Query{OrderBy: fieldTitle})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	books := decodeAll(c.logger, domain.CollectionCatalog, docs, decodeCatalogBook)
	for i := range books {
		c.resolveCover(ctx, &books[i])
	}
	return books, nil
}

// GetBook returns one catalog entry.
func (c *Catalog) GetBook(ctx context.Context, id string) (domain.CatalogBook, error) {
	doc, ok, err := c.store.Get(ctx, domain.CollectionCatalog, id)
	if err != nil {
		return domain.CatalogBook{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return domain.CatalogBook{}, ErrBookNotFound
	}
	book, err := decodeCatalogBook(doc)
	if err != nil {
		c.logger.Warn("invalid catalog document", "id", id, "err", err)
		return domain.CatalogBook{}, ErrBookNotFound
	}
	c.resolveCover(ctx, &book)
	return book, nil
}

func (c *Catalog) resolveCover(ctx context.Context, book *domain.CatalogBook) {
	if c.objects == nil || book.ThumbnailKey == "" {
		return
	}
	url, err := c.objects.PresignGet(ctx, book.ThumbnailKey, coverURLExpiry)
	if err != nil {
		c.logger.Warn("presign cover failed", "book_id", book.ID, "key", book.ThumbnailKey, "err", err)
		return
	}
	book.ThumbnailURL = url
}

// SeedBooks inserts entries whose title is not yet in the catalog. Relative
// cover files are resolved against baseDir and uploaded before the insert.
func (c *Catalog) SeedBooks(ctx context.Context, entries []SeedEntry, baseDir string) (SeedResult, error) {
	var res SeedResult
	for _, e := range entries {
		title := strings.TrimSpace(e.Title)
		if title == "" {
			return res, ErrTitleRequired
		}
		if c.guard.Exists(ctx, domain.CollectionCatalog, title) {
			res.Skipped++
			continue
		}
		book := domain.CatalogBook{
			Title:        title,
			Author:       strings.TrimSpace(e.Author),
			Description:  strings.TrimSpace(e.Description),
			ThumbnailURL: strings.TrimSpace(e.ThumbnailURL),
		}
		if cover := strings.TrimSpace(e.CoverFile); cover != "" {
			if c.objects == nil {
				return res, fmt.Errorf("book %q has a cover file but no object storage is configured", title)
			}
			if !filepath.IsAbs(cover) {
				cover = filepath.Join(baseDir, cover)
			}
			key, err := storage.UploadCover(ctx, c.objects, cover)
			if err != nil {
				return res, fmt.Errorf("upload cover for %q: %w", title, err)
			}
			book.ThumbnailKey = key
		}
		if _, err := c.store.Insert(ctx, domain.CollectionCatalog, catalogFields(book)); err != nil {
			if book.ThumbnailKey != "" {
				if delErr := c.objects.Delete(ctx, book.ThumbnailKey); delErr != nil {
					c.logger.Warn("remove orphaned cover failed", "key", book.ThumbnailKey, "err", delErr)
				}
			}
			return res, fmt.Errorf("insert %q: %w", title, err)
		}
		res.Added++
		c.logger.Info("catalog book added", "title", title)
	}
	return res, nil
}
