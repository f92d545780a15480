// Package idempotency remembers client-supplied request keys so a retried request is
// not applied twice.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store marks keys as processed.
type Store interface {
	// MarkProcessed returns true if key was newly marked, false if it was already
	// marked and has not expired.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key, so a request that failed can be retried with it.
	Release(ctx context.Context, key string) error
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)

	// Drop expired keys as we go so the map does not grow without bound.
	for k, expires := range m.entries {
		if !now.Before(expires) {
			delete(m.entries, k)
		}
	}
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
