package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"bookbot/pkg/docstore"
)

// SyncEngine keeps a live, ordered view of a collection. Every change
// notification triggers a fresh full snapshot read; subscribers always get
// the whole list, never a diff.
type SyncEngine struct {
	store  docstore.Store
	logger *slog.Logger
}

func NewSyncEngine(store docstore.Store, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{store: store, logger: logger}
}

// Subscription is the cancellation handle of one live view.
type Subscription struct {
	collection string
	cancel     context.CancelFunc
	stopped    atomic.Bool
	done       chan struct{}

	// deliverMu is held from the stop check until onChange returns.
	deliverMu  sync.Mutex
	delivering atomic.Bool

	mu  sync.Mutex
	err error
}

// Unsubscribe stops delivery: no onChange call begins after it returns. It is
// safe to call more than once and from inside onChange. A call already
// running when Unsubscribe is invoked from another goroutine may still be
// finishing; wait on Done for the delivery goroutine to exit.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.stopped.Store(true)
	s.cancel()
	if s.delivering.Load() {
		return
	}
	// Wait out a delivery that is between its stop check and onChange.
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Done is closed when the delivery goroutine exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports the terminal error that ended the subscription, or nil when it
// is still running or was unsubscribed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe watches collection and calls onChange with the full snapshot
// selected by q: once right after the subscription is established and again
// after every remote change. All calls come from one goroutine, in order.
// When the watch or the first read fails, Subscribe returns an error wrapping
// ErrSubscribe and onChange is never called. Cancelling ctx has the same
// effect as Unsubscribe.
func (e *SyncEngine) Subscribe(ctx context.Context, collection string, q docstore.Query, onChange func([]docstore.Document)) (*Subscription, error) {
	if onChange == nil {
		return nil, fmt.Errorf("%w: onChange required", ErrSubscribe)
	}
	ctx, cancel := context.WithCancel(ctx)

	// The watch is registered before the first read so a write landing in
	// between still produces a notification.
	watch, err := e.store.Watch(ctx, collection)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: watch %s: %w", ErrSubscribe, collection, err)
	}
	initial, err := e.store.Query(ctx, collection, q)
	if err != nil {
		watch.Stop()
		cancel()
		return nil, fmt.Errorf("%w: initial snapshot %s: %w", ErrSubscribe, collection, err)
	}

	sub := &Subscription{
		collection: collection,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go e.run(ctx, sub, watch, q, initial, onChange)
	e.logger.Debug("subscribed", "collection", collection)
	return sub, nil
}

func (e *SyncEngine) run(ctx context.Context, sub *Subscription, watch *docstore.Watch, q docstore.Query, initial []docstore.Document, onChange func([]docstore.Document)) {
	defer close(sub.done)
	defer watch.Stop()

	deliver := func(docs []docstore.Document) bool {
		sub.deliverMu.Lock()
		defer sub.deliverMu.Unlock()
		if sub.stopped.Load() || ctx.Err() != nil {
			return false
		}
		sub.delivering.Store(true)
		defer sub.delivering.Store(false)
		onChange(docs)
		return true
	}

	if !deliver(initial) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-watch.C:
		}
		docs, err := e.store.Query(ctx, sub.collection, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("snapshot read failed, closing subscription", "collection", sub.collection, "err", err)
			sub.fail(fmt.Errorf("snapshot %s: %w", sub.collection, err))
			return
		}
		if !deliver(docs) {
			return
		}
	}
}

// watchDecoded subscribes and decodes each snapshot into typed values.
// Documents that fail decoding are skipped with a warning.
func watchDecoded[T any](ctx context.Context, e *SyncEngine, collection string, q docstore.Query, decode func(docstore.Document) (T, error), onChange func([]T)) (*Subscription, error) {
	return e.Subscribe(ctx, collection, q, func(docs []docstore.Document) {
		onChange(decodeAll(e.logger, collection, docs, decode))
	})
}

func decodeAll[T any](logger *slog.Logger, collection string, docs []docstore.Document, decode func(docstore.Document) (T, error)) []T {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decode(doc)
		if err != nil {
			logger.Warn("skipping invalid document", "collection", collection, "id", doc.ID, "err", err)
			continue
		}
		out = append(out, v)
	}
	return out
}
