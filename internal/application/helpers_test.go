package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apascualco/edgeway/internal/domain"
)

type fakeDirectory struct {
	mu        sync.Mutex
	instances map[string][]domain.DiscoveredInstance
	err       error
	calls     int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{instances: make(map[string][]domain.DiscoveredInstance)}
}

func (d *fakeDirectory) set(service string, instances ...domain.DiscoveredInstance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances[service] = instances
}

func (d *fakeDirectory) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDirectory) FetchInstances(ctx context.Context, service string) ([]domain.DiscoveredInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return append([]domain.DiscoveredInstance(nil), d.instances[service]...), nil
}

func healthy(id string, port int) domain.DiscoveredInstance {
	return domain.DiscoveredInstance{ID: id, Host: "10.0.0.1", Port: port, Health: domain.StatusHealthy, Weight: 1}
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count(name domain.EventName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (s *recordingSink) named(name domain.EventName) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
	err     error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*domain.CacheEntry)}
}

func (m *memStore) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return e.Clone(), nil
}

func (m *memStore) Set(ctx context.Context, key string, entry *domain.CacheEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries[key] = entry.Clone()
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.entries, key)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var errStoreDown = errors.New("store unavailable")
