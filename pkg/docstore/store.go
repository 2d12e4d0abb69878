package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Update when the document does not exist.
var ErrNotFound = errors.New("document not found")

// TimeLayout is a fixed-width UTC layout so stored timestamps sort
// lexicographically in the same order as chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a schema-less document database organized into named collections.
type Store interface {
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	Insert(ctx context.Context, collection string, fields Fields) (string, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields Fields) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Watch signals on the returned Watch after every mutation of collection.
	Watch(ctx context.Context, collection string) (*Watch, error)
}

// Document is a stored record. Seq is the store insertion order.
type Document struct {
	ID     string `json:"id"`
	Seq    int64  `json:"-"`
	Fields Fields `json:"fields"`
}

// Filter is an equality condition on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents. Results are ordered by OrderBy (when set) and then
// by insertion order; Descending reverses both.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Where returns a query with a single equality filter.
func Where(field string, value any) Query {
	return Query{Filters: []Filter{{Field: field, Value: value}}}
}

func validateCollection(collection string) error {
	if strings.TrimSpace(collection) == "" {
		return errors.New("collection required")
	}
	return nil
}

func validateField(field string) error {
	if field == "" {
		return errors.New("field name required")
	}
	for _, r := range field {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("invalid field name %q", field)
		}
	}
	return nil
}

// Watch delivers change notifications for one collection. Notifications are
// coalesced: C holds at most one pending signal.
type Watch struct {
	C    <-chan struct{}
	stop func()
	once sync.Once
}

func newWatch(c <-chan struct{}, stop func()) *Watch {
	return &Watch{C: c, stop: stop}
}

// Stop releases the watch. Safe to call more than once.
func (w *Watch) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if w.stop != nil {
			w.stop()
		}
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// FormatTime renders t with TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
