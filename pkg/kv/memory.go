package kv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a thread-safe in-memory Store. Expired entries are removed
// lazily on access.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Get retrieves the value for key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(e) {
		// A Put may have landed between the two locks; only delete the
		// entry that is still expired.
		m.mu.Lock()
		e, ok = m.entries[key]
		if ok && m.expired(e) {
			delete(m.entries, key)
			ok = false
		}
		m.mu.Unlock()
		if !ok {
			return nil, ErrNotFound
		}
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

// Put adds or replaces the value for key.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("kv: key cannot be empty")
	}
	if ttl < 0 {
		return fmt.Errorf("kv: negative ttl %s", ttl)
	}

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
	return nil
}

// Delete removes key from the store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of entries, including ones not yet swept.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
