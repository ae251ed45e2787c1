package heartbeat

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apascualco/edgeway/internal/domain"
)

// ServiceSource tells which services may self-register.
type ServiceSource interface {
	Definition(name string) (*domain.ServiceDefinition, bool)
}

type Config struct {
	ServiceToken string
	HeartbeatTTL time.Duration
}

type instance struct {
	id            string
	serviceName   string
	host          string
	port          int
	weight        int
	version       string
	metadata      map[string]string
	status        domain.ServiceStatus
	registeredAt  time.Time
	lastHeartbeat time.Time
}

// Directory holds instances that announce themselves over the registry
// endpoints. Instances missing heartbeats for one TTL turn unhealthy and are
// dropped after two.
type Directory struct {
	config   Config
	services ServiceSource

	mu        sync.RWMutex
	instances map[string]*instance
	byService map[string][]string

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, services ServiceSource) *Directory {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	return &Directory{
		config:    cfg,
		services:  services,
		instances: make(map[string]*instance),
		byService: make(map[string][]string),
		stopCh:    make(chan struct{}),
	}
}

func (d *Directory) ValidateToken(token string) bool {
	if d.config.ServiceToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(d.config.ServiceToken), []byte(token)) == 1
}

func (d *Directory) Register(req *domain.RegisterRequest) (*domain.RegisterResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if d.services != nil {
		if _, ok := d.services.Definition(req.ServiceName); !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, req.ServiceName)
		}
	}

	now := time.Now()
	inst := &instance{
		id:            uuid.New().String(),
		serviceName:   req.ServiceName,
		host:          req.Host,
		port:          req.Port,
		weight:        req.Weight,
		version:       req.Version,
		metadata:      req.Metadata,
		status:        domain.StatusHealthy,
		registeredAt:  now,
		lastHeartbeat: now,
	}

	d.mu.Lock()
	d.instances[inst.id] = inst
	d.byService[inst.serviceName] = append(d.byService[inst.serviceName], inst.id)
	d.mu.Unlock()

	slog.Info("instance registered",
		"instance_id", inst.id,
		"service", inst.serviceName,
		"address", fmt.Sprintf("%s:%d", inst.host, inst.port),
		"version", inst.version,
	)

	return &domain.RegisterResponse{
		InstanceID:        inst.id,
		HeartbeatInterval: int(d.config.HeartbeatTTL.Seconds()),
		HeartbeatURL:      "/internal/registry/heartbeat",
	}, nil
}

func (d *Directory) Heartbeat(instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, exists := d.instances[instanceID]
	if !exists {
		return domain.ErrInstanceNotFound
	}

	inst.lastHeartbeat = time.Now()
	if inst.status != domain.StatusHealthy {
		inst.status = domain.StatusHealthy
		slog.Info("instance recovered", "instance_id", instanceID, "service", inst.serviceName)
	}
	return nil
}

func (d *Directory) Deregister(instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.instances[instanceID]; !exists {
		return domain.ErrInstanceNotFound
	}
	d.removeLocked(instanceID)
	return nil
}

// FetchInstances returns an empty list for a service nobody registered yet.
func (d *Directory) FetchInstances(ctx context.Context, service string) ([]domain.DiscoveredInstance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.byService[service]
	out := make([]domain.DiscoveredInstance, 0, len(ids))
	for _, id := range ids {
		inst := d.instances[id]
		if inst == nil {
			continue
		}
		meta := make(map[string]string, len(inst.metadata)+1)
		for k, v := range inst.metadata {
			meta[k] = v
		}
		if inst.version != "" {
			meta["version"] = inst.version
		}
		out = append(out, domain.DiscoveredInstance{
			ID:       inst.id,
			Host:     inst.host,
			Port:     inst.port,
			Health:   inst.status,
			Weight:   inst.weight,
			Metadata: meta,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Directory) Start() {
	go d.cleanupLoop()
}

func (d *Directory) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Directory) cleanupLoop() {
	interval := d.config.HeartbeatTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup(time.Now())
		case <-d.stopCh:
			return
		}
	}
}

func (d *Directory) cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var toRemove []string
	for id, inst := range d.instances {
		elapsed := now.Sub(inst.lastHeartbeat)

		if elapsed > d.config.HeartbeatTTL*2 {
			toRemove = append(toRemove, id)
			slog.Info("removing expired instance",
				"instance_id", id,
				"service", inst.serviceName,
				"last_heartbeat", inst.lastHeartbeat,
			)
		} else if elapsed > d.config.HeartbeatTTL && inst.status == domain.StatusHealthy {
			inst.status = domain.StatusUnhealthy
			slog.Warn("marking instance unhealthy",
				"instance_id", id,
				"service", inst.serviceName,
				"elapsed", elapsed,
			)
		}
	}

	for _, id := range toRemove {
		d.removeLocked(id)
	}
}

func (d *Directory) removeLocked(instanceID string) {
	inst, exists := d.instances[instanceID]
	if !exists {
		return
	}

	ids := d.byService[inst.serviceName]
	for i, id := range ids {
		if id == instanceID {
			d.byService[inst.serviceName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(d.byService[inst.serviceName]) == 0 {
		delete(d.byService, inst.serviceName)
	}
	delete(d.instances, instanceID)
}
