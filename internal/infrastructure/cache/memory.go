package cache

import (
	"context"
	"sync"
	"time"

	"github.com/apascualco/edgeway/internal/domain"
)

const defaultMaxEntries = 10000

// MemoryStore is a process-local CacheStore. Expired entries are dropped on
// read and whenever the store grows past its bound.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

type memoryEntry struct {
	entry     *domain.CacheEntry
	expiresAt time.Time
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, domain.ErrCacheMiss
	}
	return e.entry.Clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, entry *domain.CacheEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key] = memoryEntry{entry: entry.Clone(), expiresAt: now.Add(ttl)}
	if len(m.entries) > m.maxEntries {
		m.evictLocked(now)
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) evictLocked(now time.Time) {
	var soonestKey string
	var soonest time.Time
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		if soonestKey == "" || e.expiresAt.Before(soonest) {
			soonestKey, soonest = k, e.expiresAt
		}
	}
	if len(m.entries) > m.maxEntries && soonestKey != "" {
		delete(m.entries, soonestKey)
	}
}
