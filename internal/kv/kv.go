// Package kv abstracts the key-value backend shared by the per-domain rate
// limiter and the response cache. Two implementations are provided: a
// Badger-backed store with native TTL support for deployments, and an
// in-process map for single-node runs and tests. Callers are unaware which
// is in use.
package kv

import (
	"context"
	"sync"
	"time"
)

// Store is a minimal TTL-aware key-value store.
type Store interface {
	// Get returns the value and whether the key exists and is unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores a value with a TTL only if the key is absent, returning
	// whether the key was acquired. The check and write are atomic.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of a key; zero or negative means
	// the key is absent or expired.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}

// Memory is an in-process Store guarded by a mutex.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

func (m *Memory) live(it memItem) bool {
	return it.expires.IsZero() || m.now().Before(it.expires)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || !m.live(it) {
		delete(m.items, key)
		return nil, false, nil
	}
	cp := make([]byte, len(it.value))
	copy(cp, it.value)
	return cp, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.newItem(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && m.live(it) {
		return false, nil
	}
	m.items[key] = m.newItem(value, ttl)
	return true, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || !m.live(it) {
		return 0, nil
	}
	if it.expires.IsZero() {
		return 0, nil
	}
	return it.expires.Sub(m.now()), nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) newItem(value []byte, ttl time.Duration) memItem {
	cp := make([]byte, len(value))
	copy(cp, value)
	it := memItem{value: cp}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	return it
}
