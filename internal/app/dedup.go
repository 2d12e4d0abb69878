package app

import (
	"context"
	"log/slog"

	"bookbot/pkg/docstore"
)

// DuplicateGuard checks whether an equivalent record already exists before an
// insert. The check and the following insert are not atomic: two concurrent
// inserts of the same title can both pass.
type DuplicateGuard struct {
	store  docstore.Store
	logger *slog.Logger
}

func NewDuplicateGuard(store docstore.Store, logger *slog.Logger) *DuplicateGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateGuard{store: store, logger: logger}
}

// Exists reports whether collection holds a record titled title.
func (g *DuplicateGuard) Exists(ctx context.Context, collection, title string) bool {
	return g.ExistsBy(ctx, collection, "title", title)
}

// ExistsBy reports whether collection holds a record with field equal to
// value. Query failures are logged and reported as false (fails open).
func (g *DuplicateGuard) ExistsBy(ctx context.Context, collection, field string, value any) bool {
	q := docstore.Where(field, value)
	q.Limit = 1
	docs, err := g.store.Query(ctx, collection, q)
	if err != nil {
		g.logger.Warn("duplicate check failed, allowing write",
			"collection", collection,
			"field", field,
			"err", err,
		)
		return false
	}
	exists := len(docs) > 0
	g.logger.Debug("duplicate check", "collection", collection, "field", field, "exists", exists)
	return exists
}
