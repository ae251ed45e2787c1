package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apascualco/edgeway/internal/domain"
)

const defaultRefreshInterval = 30 * time.Second

type RegistryConfig struct {
	RefreshInterval time.Duration
}

type serviceEntry struct {
	def       *domain.ServiceDefinition
	instances atomic.Pointer[[]*domain.ServiceInstance]
	refreshMu sync.Mutex
}

func (e *serviceEntry) snapshot() []*domain.ServiceInstance {
	p := e.instances.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Registry owns service definitions and the last known instance set of each
// service. Snapshots are replaced wholesale on refresh, so readers never see a
// partially updated list.
type Registry struct {
	config    RegistryConfig
	directory domain.ServiceDirectory
	events    domain.EventSink

	mu       sync.RWMutex
	services map[string]*serviceEntry

	loopMu  sync.Mutex
	loopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRegistry(cfg RegistryConfig, directory domain.ServiceDirectory, events domain.EventSink) *Registry {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if events == nil {
		events = noopSink{}
	}
	return &Registry{
		config:    cfg,
		directory: directory,
		events:    events,
		services:  make(map[string]*serviceEntry),
	}
}

func (r *Registry) Register(def *domain.ServiceDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if existing, ok := r.services[def.Name]; ok {
		r.mu.Unlock()
		if existing.def.Equal(def) {
			return nil
		}
		return &domain.ConfigError{Service: def.Name, Field: "name", Reason: "already registered with a different definition"}
	}

	prefix := normalizePrefix(def.PathPrefix)
	for name, e := range r.services {
		if normalizePrefix(e.def.PathPrefix) == prefix {
			r.mu.Unlock()
			return &domain.ConfigError{Service: def.Name, Field: "path_prefix", Reason: fmt.Sprintf("%s already owned by %s", def.PathPrefix, name)}
		}
	}

	cp := *def
	entry := &serviceEntry{def: &cp}
	r.services[def.Name] = entry
	r.mu.Unlock()

	slog.Info("service registered",
		"service", def.Name,
		"path_prefix", def.PathPrefix,
		"balancer", def.BalancerPolicy(),
	)

	r.loopMu.Lock()
	if r.loopCtx != nil {
		r.startLoop(r.loopCtx, entry)
	}
	r.loopMu.Unlock()

	return nil
}

// RefreshInstances pulls the current instance list for a service from the
// directory. On error the previous snapshot stays in place and is returned
// together with the error.
func (r *Registry) RefreshInstances(ctx context.Context, name string) ([]*domain.ServiceInstance, error) {
	entry := r.entry(name)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, name)
	}

	entry.refreshMu.Lock()
	defer entry.refreshMu.Unlock()

	discovered, err := r.directory.FetchInstances(ctx, name)
	if err != nil {
		slog.Warn("instance refresh failed, keeping last known instances",
			"service", name,
			"instances", len(entry.snapshot()),
			"error", err,
		)
		r.events.Emit(domain.Event{Name: domain.EventRegistryRefreshError, Service: name, Err: err})
		return entry.snapshot(), fmt.Errorf("refreshing %s: %w", name, err)
	}

	now := time.Now()
	instances := make([]*domain.ServiceInstance, 0, len(discovered))
	for _, d := range discovered {
		instances = append(instances, toInstance(name, d, now))
	}
	entry.instances.Store(&instances)

	slog.Debug("instances refreshed", "service", name, "instances", len(instances))
	return instances, nil
}

func toInstance(service string, d domain.DiscoveredInstance, seen time.Time) *domain.ServiceInstance {
	inst := &domain.ServiceInstance{
		ID:          d.ID,
		ServiceName: service,
		Host:        d.Host,
		Port:        d.Port,
		Status:      d.Health,
		Weight:      d.Weight,
		Metadata:    d.Metadata,
		LastSeen:    seen,
	}
	if inst.ID == "" {
		inst.ID = inst.Address()
	}
	switch inst.Status {
	case domain.StatusHealthy, domain.StatusUnhealthy:
	default:
		inst.Status = domain.StatusUnknown
	}
	return inst
}

// HealthyInstances never returns an error: an unknown service or one with no
// healthy instances yields an empty list.
func (r *Registry) HealthyInstances(name string) []*domain.ServiceInstance {
	entry := r.entry(name)
	if entry == nil {
		return nil
	}

	var healthy []*domain.ServiceInstance
	for _, inst := range entry.snapshot() {
		if inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

func (r *Registry) Instances(name string) []*domain.ServiceInstance {
	entry := r.entry(name)
	if entry == nil {
		return nil
	}
	return entry.snapshot()
}

func (r *Registry) Definition(name string) (*domain.ServiceDefinition, bool) {
	entry := r.entry(name)
	if entry == nil {
		return nil, false
	}
	return entry.def, true
}

func (r *Registry) ListServices() []*domain.ServiceDefinition {
	r.mu.RLock()
	defs := make([]*domain.ServiceDefinition, 0, len(r.services))
	for _, e := range r.services {
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Resolve returns the service whose prefix is the longest match for path.
func (r *Registry) Resolve(path string) (*domain.ServiceDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.ServiceDefinition
	bestLen := -1
	for _, e := range r.services {
		if !e.def.Matches(path) {
			continue
		}
		if l := len(normalizePrefix(e.def.PathPrefix)); l > bestLen {
			best, bestLen = e.def, l
		}
	}
	return best, best != nil
}

func (r *Registry) entry(name string) *serviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[name]
}

// Start refreshes every registered service once, then keeps one refresh loop
// per service running until Stop or ctx cancellation.
func (r *Registry) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopCtx != nil {
		return
	}

	r.loopCtx, r.cancel = context.WithCancel(ctx)

	r.mu.RLock()
	entries := make([]*serviceEntry, 0, len(r.services))
	for _, e := range r.services {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		r.startLoop(r.loopCtx, e)
	}
}

func (r *Registry) Stop() {
	r.loopMu.Lock()
	cancel := r.cancel
	r.loopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Registry) startLoop(ctx context.Context, e *serviceEntry) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.refreshLoop(ctx, e.def.Name)
	}()
}

func (r *Registry) refreshLoop(ctx context.Context, name string) {
	_, _ = r.RefreshInstances(ctx, name)

	ticker := time.NewTicker(r.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = r.RefreshInstances(ctx, name)
		case <-ctx.Done():
			return
		}
	}
}

func normalizePrefix(p string) string {
	return strings.TrimSuffix(p, "/")
}
