// Package cache is the best-effort verdict cache of the detectors. A miss or
// a backend error only ever costs a recomputation.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores opaque values under string keys with a time to live.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Nop never stores anything.
type Nop struct{}

// Get implements Cache.
func (Nop) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set implements Cache.
func (Nop) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process TTL map. Expired entries are dropped lazily on
// read and swept on write once the map grows past its sweep threshold.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	sweepAt int
	now     func() time.Time
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		sweepAt: 1024,
		now:     time.Now,
	}
}

// Get implements Cache.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements Cache.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e

	if len(m.entries) >= m.sweepAt {
		for k, v := range m.entries {
			if m.expired(v) {
				delete(m.entries, k)
			}
		}
		m.sweepAt = 2 * len(m.entries)
		if m.sweepAt < 1024 {
			m.sweepAt = 1024
		}
	}
	return nil
}

// Len returns the number of entries, including ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

var (
	_ Cache = Nop{}
	_ Cache = (*Memory)(nil)
)
