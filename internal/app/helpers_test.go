package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookbot/pkg/ai"
	"bookbot/pkg/docstore"
)

var errStoreDown = errors.New("store down")

// flakyStore wraps a MemoryStore and fails selected operations on demand.
type flakyStore struct {
	*docstore.MemoryStore
	failQuery  atomic.Bool
	failWatch  atomic.Bool
	inserts    atomic.Int32
	failInsert func(n int32) bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: docstore.NewMemoryStore()}
}

func (s *flakyStore) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if s.failQuery.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.Query(ctx, collection, q)
}

func (s *flakyStore) Insert(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	n := s.inserts.Add(1)
	if s.failInsert != nil && s.failInsert(n) {
		return "", errStoreDown
	}
	return s.MemoryStore.Insert(ctx, collection, fields)
}

func (s *flakyStore) Watch(ctx context.Context, collection string) (*docstore.Watch, error) {
	if s.failWatch.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.Watch(ctx, collection)
}

// memLocal is an in-memory kv.Store.
type memLocal struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemLocal() *memLocal {
	return &memLocal{data: map[string]string{}}
}

func (m *memLocal) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memLocal) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memLocal) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// stubCompleter records every request and answers with reply/err.
type stubCompleter struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	messages [][]ai.Message
	sampling ai.Sampling
	entered  chan struct{}
	release  chan struct{}
}

func (c *stubCompleter) CompleteChat(ctx context.Context, _ string, messages []ai.Message, sampling ai.Sampling) (string, error) {
	c.mu.Lock()
	c.calls++
	c.messages = append(c.messages, messages)
	c.sampling = sampling
	entered, release := c.entered, c.release
	c.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return c.reply, c.err
}

func (c *stubCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingObjects is an in-memory storage.ObjectStore.
type recordingObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newRecordingObjects() *recordingObjects {
	return &recordingObjects{objects: map[string][]byte{}}
}

func (o *recordingObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.objects[key] = data
	o.mu.Unlock()
	return nil
}

func (o *recordingObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key + "?signed=1", nil
}

func (o *recordingObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	delete(o.objects, key)
	o.mu.Unlock()
	return nil
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	var zero T
	return zero
}
