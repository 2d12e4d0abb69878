package app

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNoActiveUser       = errors.New("no active user")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already registered")

	// ErrBusy is returned when another operation is already in flight on the
	// same surface. The request is dropped, not queued.
	ErrBusy = errors.New("operation already in progress")

	ErrTitleRequired      = errors.New("book title required")
	ErrAlreadyInFavorites = errors.New("book already in favorites")
	ErrAlreadyInPending   = errors.New("book already in reading list")
	ErrRecordNotFound     = errors.New("record not found")
	ErrInvalidStatus      = errors.New("invalid reading status")
	ErrInvalidKind        = errors.New("invalid list kind")
	ErrBookNotFound       = errors.New("book not found")

	ErrEmptyMessage      = errors.New("message is empty")
	ErrSendInFlight      = errors.New("a message is already being sent")
	ErrStoreUnavailable  = errors.New("document store unavailable")
	ErrReplyNotPersisted = errors.New("assistant reply not persisted")

	ErrSubscribe = errors.New("subscribe failed")
)

// ValidationError reports per-field input problems. Nothing is written when
// it is returned.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}
