package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
)

// Library owns the per-user favorites and pending lists.
type Library struct {
	store   docstore.Store
	guard   *DuplicateGuard
	sync    *SyncEngine
	flights *flightGroup
	logger  *slog.Logger
	now     func() time.Time
}

func NewLibrary(store docstore.Store, guard *DuplicateGuard, sync *SyncEngine, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		store:   store,
		guard:   guard,
		sync:    sync,
		flights: newFlightGroup(),
		logger:  logger,
		now:     time.Now,
	}
}

// AddFavorite copies book into the user's favorites.
func (l *Library) AddFavorite(ctx context.Context, sess domain.Session, book domain.CatalogBook) (domain.LibraryRecord, error) {
	return l.add(ctx, sess, domain.KindFavorite, book)
}

// AddPending copies book into the user's reading list with status pending.
func (l *Library) AddPending(ctx context.Context, sess domain.Session, book domain.CatalogBook) (domain.LibraryRecord, error) {
	return l.add(ctx, sess, domain.KindPending, book)
}

func (l *Library) add(ctx context.Context, sess domain.Session, kind domain.RecordKind, book domain.CatalogBook) (domain.LibraryRecord, error) {
	if !sess.Valid() {
		return domain.LibraryRecord{}, ErrNoActiveUser
	}
	title := strings.TrimSpace(book.Title)
	if title == "" {
		return domain.LibraryRecord{}, ErrTitleRequired
	}
	// Both add buttons live on the book detail view and share one flag.
	release, ok := l.flights.begin(sess.UserID + "/detail")
	if !ok {
		return domain.LibraryRecord{}, ErrBusy
	}
	defer release()

	collection := kind.Collection(sess.UserID)
	if l.guard.Exists(ctx, collection, title) {
		if kind == domain.KindPending {
			return domain.LibraryRecord{}, ErrAlreadyInPending
		}
		return domain.LibraryRecord{}, ErrAlreadyInFavorites
	}

	rec := domain.LibraryRecord{
		Kind:           kind,
		Title:          title,
		Author:         book.Author,
		Description:    book.Description,
		ThumbnailURL:   book.ThumbnailURL,
		UserID:         sess.UserID,
		OriginalBookID: book.ID,
		AddedAt:        l.now().UTC(),
	}
	if kind == domain.KindPending {
		rec.Status = domain.StatusPending
	}
	id, err := l.store.Insert(ctx, collection, libraryFields(rec))
	if err != nil {
		l.logger.Error("add to list failed", "user_id", sess.UserID, "kind", kind, "err", err)
		return domain.LibraryRecord{}, fmt.Errorf("add %s: %w", kind, err)
	}
	rec.ID = id
	l.logger.Info("book added to list", "user_id", sess.UserID, "kind", kind, "record_id", id)
	return rec, nil
}

// Favorites returns the user's favorites, oldest first.
func (l *Library) Favorites(ctx context.Context, sess domain.Session) ([]domain.LibraryRecord, error) {
	return l.list(ctx, sess, domain.KindFavorite)
}

// Pending returns the user's reading list, oldest first.
func (l *Library) Pending(ctx context.Context, sess domain.Session) ([]domain.LibraryRecord, error) {
	return l.list(ctx, sess, domain.KindPending)
}

func (l *Library) list(ctx context.Context, sess domain.Session, kind domain.RecordKind) ([]domain.LibraryRecord, error) {
	if !sess.Valid() {
		return nil, ErrNoActiveUser
	}
	collection := kind.Collection(sess.UserID)
	docs, err := l.store.Query(ctx, collection, docstore.Query{OrderBy: fieldAddedAt})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return decodeAll(l.logger, collection, docs, kindDecoder(kind)), nil
}

// WatchFavorites delivers the user's favorites on every change.
func (l *Library) WatchFavorites(ctx context.Context, sess domain.Session, onChange func([]domain.LibraryRecord)) (*Subscription, error) {
	return l.watch(ctx, sess, domain.KindFavorite, onChange)
}

// WatchPending delivers the user's reading list on every change.
func (l *Library) WatchPending(ctx context.Context, sess domain.Session, onChange func([]domain.LibraryRecord)) (*Subscription, error) {
	return l.watch(ctx, sess, domain.KindPending, onChange)
}

func (l *Library) watch(ctx context.Context, sess domain.Session, kind domain.RecordKind, onChange func([]domain.LibraryRecord)) (*Subscription, error) {
	if !sess.Valid() {
		return nil, ErrNoActiveUser
	}
	if l.sync == nil {
		return nil, errors.New("sync engine not configured")
	}
	return watchDecoded(ctx, l.sync, kind.Collection(sess.UserID), docstore.Query{OrderBy: fieldAddedAt}, kindDecoder(kind), onChange)
}

func kindDecoder(kind domain.RecordKind) func(docstore.Document) (domain.LibraryRecord, error) {
	return func(doc docstore.Document) (domain.LibraryRecord, error) {
		return decodeLibraryRecord(kind, doc)
	}
}

// ComputePendingStats counts a reading list by status.
func ComputePendingStats(records []domain.LibraryRecord) domain.PendingStats {
	stats := domain.PendingStats{Total: len(records)}
	for _, rec := range records {
		if rec.Status == domain.StatusRead {
			stats.Read++
		} else {
			stats.Pending++
		}
	}
	return stats
}
