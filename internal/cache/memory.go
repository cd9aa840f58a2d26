package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryProvider is an in-process TTL cache. Expired entries are reaped
// lazily on read and opportunistically on write.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemoryProvider constructs an empty cache.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{entries: map[string]entry{}}
}

// Get returns the cached value or ErrCacheMiss when absent or expired.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, ErrCacheMiss
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores the value. A non-positive ttl stores it without expiry.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry{value: stored, expiresAt: expires}
	m.reapLocked()
	m.mu.Unlock()
	return nil
}

// Del removes the key if present.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Close drops all entries.
func (m *MemoryProvider) Close() error {
	m.mu.Lock()
	m.entries = map[string]entry{}
	m.mu.Unlock()
	return nil
}

// reapLocked drops expired entries. Caller holds the write lock.
func (m *MemoryProvider) reapLocked() {
	now := time.Now()
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
