package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps collections in-process. It backs tests and single-node
// runs without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	docs     map[string]map[string]Document // collection -> id -> doc
	watchers map[string]map[int64]chan struct{}
	nextW    int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]map[string]Document),
		watchers: make(map[string]map[int64]chan struct{}),
	}
}

// Query returns matching documents ordered by q.OrderBy then insertion order.
func (m *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	filters := make([]Filter, 0, len(q.Filters))
	for _, f := range q.Filters {
		if err := validateField(f.Field); err != nil {
			return nil, err
		}
		v, err := normalizeValue(f.Value)
		if err != nil {
			return nil, err
		}
		filters = append(filters, Filter{Field: f.Field, Value: v})
	}
	if q.OrderBy != "" {
		if err := validateField(q.OrderBy); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	res := make([]Document, 0, len(m.docs[collection]))
	for _, doc := range m.docs[collection] {
		if matches(doc, filters) {
			res = append(res, Document{ID: doc.ID, Seq: doc.Seq, Fields: doc.Fields.clone()})
		}
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(res[i].Fields[q.OrderBy], res[j].Fields[q.OrderBy])
			if q.Descending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		if q.Descending {
			return res[i].Seq > res[j].Seq
		}
		return res[i].Seq < res[j].Seq
	})
	if q.Limit > 0 && len(res) > q.Limit {
		res = res[:q.Limit]
	}
	return res, nil
}

// Get returns a document by ID.
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return Document{}, false, nil
	}
	return Document{ID: doc.ID, Seq: doc.Seq, Fields: doc.Fields.clone()}, true, nil
}

// Insert stores a new document under a generated ID.
func (m *MemoryStore) Insert(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	normalized, err := normalize(fields)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.seq++
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]Document)
	}
	m.docs[collection][id] = Document{ID: id, Seq: m.seq, Fields: normalized}
	m.notifyLocked(collection)
	m.mu.Unlock()
	return id, nil
}

// Update merges fields into an existing document.
func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := normalize(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	merged := doc.Fields.clone()
	for k, v := range normalized {
		merged[k] = v
	}
	doc.Fields = merged
	m.docs[collection][id] = doc
	m.notifyLocked(collection)
	return nil
}

// Delete removes a document if present.
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return nil
	}
	delete(m.docs[collection], id)
	m.notifyLocked(collection)
	return nil
}

// Watch registers a change listener for collection.
func (m *MemoryStore) Watch(ctx context.Context, collection string) (*Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.nextW++
	key := m.nextW
	if m.watchers[collection] == nil {
		m.watchers[collection] = make(map[int64]chan struct{})
	}
	m.watchers[collection][key] = ch
	m.mu.Unlock()
	return newWatch(ch, func() {
		m.mu.Lock()
		delete(m.watchers[collection], key)
		m.mu.Unlock()
	}), nil
}

func (m *MemoryStore) notifyLocked(collection string) {
	for _, ch := range m.watchers[collection] {
		signal(ch)
	}
}

func matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !equalValues(doc.Fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode filter value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode filter value: %w", err)
	}
	return out, nil
}
