package settings

import (
	"context"
	"sync"
	"time"
)

type cached struct {
	value   string
	expires time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]cached
	now   Clock
}

// NewMemoryCache creates a cache driven by clock.
func NewMemoryCache(clock Clock) *MemoryCache {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCache{items: make(map[string]cached), now: clock}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(it.expires) {
		delete(m.items, key)
		return "", false, nil
	}
	return it.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = cached{value: value, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// MemorySource is a writable in-memory source.
type MemorySource struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemorySource creates a source seeded with initial.
func NewMemorySource(initial map[string]string) *MemorySource {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemorySource{values: values}
}

func (m *MemorySource) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemorySource) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
