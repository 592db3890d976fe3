package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory idempotency store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.Key]; ok && time.Now().Before(existing.ExpiresAt) {
		return ErrKeyExists
	}
	cp := *rec
	m.records[rec.Key] = &cp
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.Key]; ok && time.Now().Before(existing.ExpiresAt) {
		if existing.Success || existing.InFlight() {
			return ErrKeyExists
		}
	}
	cp := *rec
	m.records[rec.Key] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.records[rec.Key] = &cp
	return nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for key, rec := range m.records {
		if now.After(rec.ExpiresAt) {
			delete(m.records, key)
			purged++
		}
	}
	return purged, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
