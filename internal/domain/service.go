package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "healthy"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusUnknown   ServiceStatus = "unknown"
)

type BalancerPolicy string

const (
	RoundRobin       BalancerPolicy = "round_robin"
	LeastConnections BalancerPolicy = "least_connections"
	WeightedRandom   BalancerPolicy = "weighted_random"
)

func (p BalancerPolicy) Valid() bool {
	switch p {
	case RoundRobin, LeastConnections, WeightedRandom:
		return true
	}
	return false
}

type CacheKeyStrategy string

const (
	// KeyFull caches per method, path and the canonical (sorted) query string.
	KeyFull CacheKeyStrategy = "full"
	// KeyPath ignores the query string so every variant of a resource shares one entry.
	KeyPath CacheKeyStrategy = "path"
	// KeyParams only keeps the query parameters listed in CachePolicy.QueryParams.
	KeyParams CacheKeyStrategy = "params"
)

type BreakerPolicy struct {
	Threshold    int           `json:"threshold"`
	Window       time.Duration `json:"window"`
	ResetTimeout time.Duration `json:"reset_timeout"`
}

type CachePolicy struct {
	TTL         time.Duration    `json:"ttl"`
	Key         CacheKeyStrategy `json:"key"`
	QueryParams []string         `json:"query_params,omitempty"`
	Headers     []string         `json:"headers,omitempty"`
}

// ServiceDefinition is the static routing and resilience configuration of one
// upstream service. It must not be mutated once registered.
type ServiceDefinition struct {
	Name         string         `json:"name"`
	PathPrefix   string         `json:"path_prefix"`
	Timeout      time.Duration  `json:"timeout"`
	MaxRetries   int            `json:"max_retries"`
	Balancer     BalancerPolicy `json:"balancer"`
	Breaker      *BreakerPolicy `json:"circuit_breaker,omitempty"`
	Cache        *CachePolicy   `json:"cache,omitempty"`
	AuthRequired bool           `json:"auth_required"`
	HealthPath   string         `json:"health_path"`
}

func (d *ServiceDefinition) Validate() error {
	if d.Name == "" {
		return &ConfigError{Field: "name", Reason: "is required"}
	}
	if !strings.HasPrefix(d.PathPrefix, "/") {
		return &ConfigError{Service: d.Name, Field: "path_prefix", Reason: "must start with /"}
	}
	if d.Timeout <= 0 {
		return &ConfigError{Service: d.Name, Field: "timeout", Reason: "must be positive"}
	}
	if d.MaxRetries < 0 {
		return &ConfigError{Service: d.Name, Field: "max_retries", Reason: "must not be negative"}
	}
	if d.Balancer != "" && !d.Balancer.Valid() {
		return &ConfigError{Service: d.Name, Field: "balancer", Reason: fmt.Sprintf("unknown policy %q", d.Balancer)}
	}
	if b := d.Breaker; b != nil {
		if b.Threshold <= 0 {
			return &ConfigError{Service: d.Name, Field: "circuit_breaker.threshold", Reason: "must be positive"}
		}
		if b.ResetTimeout <= 0 {
			return &ConfigError{Service: d.Name, Field: "circuit_breaker.reset_timeout", Reason: "must be positive"}
		}
		if b.Window < 0 {
			return &ConfigError{Service: d.Name, Field: "circuit_breaker.window", Reason: "must not be negative"}
		}
	}
	if c := d.Cache; c != nil {
		if c.TTL <= 0 {
			return &ConfigError{Service: d.Name, Field: "cache.ttl", Reason: "must be positive"}
		}
		switch c.Key {
		case "", KeyFull, KeyPath:
		case KeyParams:
			if len(c.QueryParams) == 0 {
				return &ConfigError{Service: d.Name, Field: "cache.query_params", Reason: "required for the params key strategy"}
			}
		default:
			return &ConfigError{Service: d.Name, Field: "cache.key", Reason: fmt.Sprintf("unknown strategy %q", c.Key)}
		}
	}
	return nil
}

// Equal reports whether two definitions describe the same configuration, which
// makes re-registration of an identical definition a no-op.
func (d *ServiceDefinition) Equal(o *ServiceDefinition) bool {
	if d.Name != o.Name || d.PathPrefix != o.PathPrefix || d.Timeout != o.Timeout ||
		d.MaxRetries != o.MaxRetries || d.BalancerPolicy() != o.BalancerPolicy() ||
		d.AuthRequired != o.AuthRequired || d.HealthPath != o.HealthPath {
		return false
	}
	if (d.Breaker == nil) != (o.Breaker == nil) || (d.Breaker != nil && *d.Breaker != *o.Breaker) {
		return false
	}
	if (d.Cache == nil) != (o.Cache == nil) {
		return false
	}
	if d.Cache != nil {
		if d.Cache.TTL != o.Cache.TTL || d.Cache.Key != o.Cache.Key ||
			!equalStrings(d.Cache.QueryParams, o.Cache.QueryParams) ||
			!equalStrings(d.Cache.Headers, o.Cache.Headers) {
			return false
		}
	}
	return true
}

func (d *ServiceDefinition) BalancerPolicy() BalancerPolicy {
	if d.Balancer == "" {
		return RoundRobin
	}
	return d.Balancer
}

func (d *ServiceDefinition) Cacheable() bool {
	return d.Cache != nil && d.Cache.TTL > 0
}

// Matches reports whether path falls under the definition's prefix on a
// segment boundary: /api/users matches /api/users and /api/users/1 but not
// /api/usersx.
func (d *ServiceDefinition) Matches(path string) bool {
	prefix := strings.TrimSuffix(d.PathPrefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

type ServiceInstance struct {
	ID          string            `json:"id"`
	ServiceName string            `json:"service_name"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Status      ServiceStatus     `json:"status"`
	Weight      int               `json:"weight"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
}

func (i *ServiceInstance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func (i *ServiceInstance) IsHealthy() bool {
	return i.Status == StatusHealthy
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
