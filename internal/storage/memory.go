package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Values are round-tripped through the
// JSON codec so callers see the same shapes as with persistent backends.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]memoryRecord
	closed  bool
}

type memoryRecord struct {
	value     string
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]memoryRecord)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, namespace, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	rec, ok := m.records[namespace][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	value, err := decodeValue(rec.value)
	if err != nil {
		return Record{}, err
	}
	return Record{Namespace: namespace, Key: key, Value: value, UpdatedAt: rec.updatedAt}, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	encoded, err := encodeValue(rec.Value)
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	ns, ok := m.records[rec.Namespace]
	if !ok {
		ns = make(map[string]memoryRecord)
		m.records[rec.Namespace] = ns
	}
	ns[rec.Key] = memoryRecord{value: encoded, updatedAt: rec.UpdatedAt}
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
