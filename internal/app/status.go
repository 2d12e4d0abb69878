package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bookbot/pkg/docstore"
	"bookbot/pkg/domain"
)

// StatusManager applies pending/read transitions, favorite ratings and
// removals. Writes are last-write-wins: the record is never re-read first.
type StatusManager struct {
	store   docstore.Store
	flights *flightGroup
	logger  *slog.Logger
	now     func() time.Time
}

func NewStatusManager(store docstore.Store, logger *slog.Logger) *StatusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusManager{
		store:   store,
		flights: newFlightGroup(),
		logger:  logger,
		now:     time.Now,
	}
}

// surfaceKey names the list screen an operation is issued from.
func surfaceKey(sess domain.Session, kind domain.RecordKind) string {
	return sess.UserID + "/" + string(kind)
}

// Toggle flips a pending record from current to the opposite status and
// returns the written status.
func (m *StatusManager) Toggle(ctx context.Context, sess domain.Session, recordID string, current domain.PendingStatus) (domain.PendingStatus, error) {
	if !sess.Valid() {
		return "", ErrNoActiveUser
	}
	if !current.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, current)
	}
	release, ok := m.flights.begin(surfaceKey(sess, domain.KindPending))
	if !ok {
		return "", ErrBusy
	}
	defer release()

	next := current.Toggle()
	err := m.store.Update(ctx, domain.PendingCollection(sess.UserID), recordID, docstore.Fields{
		fieldStatus:    string(next),
		fieldUpdatedAt: docstore.FormatTime(m.now()),
	})
	if err != nil {
		return "", m.writeError("toggle status", recordID, err)
	}
	m.logger.Info("reading status changed", "user_id", sess.UserID, "record_id", recordID, "status", next)
	return next, nil
}

// Rate marks a favorite as recommended with the fixed rating. Repeating the
// call writes the same values again.
func (m *StatusManager) Rate(ctx context.Context, sess domain.Session, recordID string) error {
	if !sess.Valid() {
		return ErrNoActiveUser
	}
	release, ok := m.flights.begin(surfaceKey(sess, domain.KindFavorite))
	if !ok {
		return ErrBusy
	}
	defer release()

	err := m.store.Update(ctx, domain.FavoritesCollection(sess.UserID), recordID, docstore.Fields{
		fieldRecommended: true,
		fieldRating:      domain.RecommendedRating,
		fieldRatedAt:     docstore.FormatTime(m.now()),
	})
	if err != nil {
		return m.writeError("rate favorite", recordID, err)
	}
	m.logger.Info("favorite rated", "user_id", sess.UserID, "record_id", recordID)
	return nil
}

// Remove permanently deletes a record from the given list.
func (m *StatusManager) Remove(ctx context.Context, sess domain.Session, kind domain.RecordKind, recordID string) error {
	if !sess.Valid() {
		return ErrNoActiveUser
	}
	if !kind.Valid() {
		return ErrInvalidKind
	}
	release, ok := m.flights.begin(surfaceKey(sess, kind))
	if !ok {
		return ErrBusy
	}
	defer release()

	if err := m.store.Delete(ctx, kind.Collection(sess.UserID), recordID); err != nil {
		return m.writeError("remove record", recordID, err)
	}
	m.logger.Info("record removed", "user_id", sess.UserID, "kind", kind, "record_id", recordID)
	return nil
}

func (m *StatusManager) writeError(op, recordID string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrRecordNotFound
	}
	m.logger.Error(op+" failed", "record_id", recordID, "err", err)
	return fmt.Errorf("%s: %w", op, err)
}
