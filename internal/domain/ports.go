package domain

import (
	"context"
	"time"
)

// DiscoveredInstance is one raw entry returned by a ServiceDirectory, before
// the registry turns it into a ServiceInstance.
type DiscoveredInstance struct {
	ID       string
	Host     string
	Port     int
	Health   ServiceStatus
	Weight   int
	Metadata map[string]string
}

// ServiceDirectory is the output port the registry refreshes from.
type ServiceDirectory interface {
	FetchInstances(ctx context.Context, serviceName string) ([]DiscoveredInstance, error)
}

// CacheStore is the key-value backend behind the response cache. Get returns
// ErrCacheMiss when the key is absent or expired.
type CacheStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// EventSink receives structured gateway events. Implementations must not block:
// Emit is called from request paths and from inside circuit breaker transitions.
type EventSink interface {
	Emit(event Event)
}
