package static

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/apascualco/edgeway/internal/domain"
)

// PathSource resolves the health path probed for a service.
type PathSource interface {
	Definition(name string) (*domain.ServiceDefinition, bool)
}

// Directory serves instances listed in the services file. When a service has
// a health path, every fetch probes its instances over HTTP; otherwise they
// are reported healthy as configured.
type Directory struct {
	instances map[string][]domain.DiscoveredInstance
	paths     PathSource
	client    *http.Client
}

func New(instances map[string][]domain.DiscoveredInstance, paths PathSource, probeTimeout time.Duration) *Directory {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Directory{
		instances: instances,
		paths:     paths,
		client:    &http.Client{Timeout: probeTimeout},
	}
}

func (d *Directory) FetchInstances(ctx context.Context, service string) ([]domain.DiscoveredInstance, error) {
	configured, ok := d.instances[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, service)
	}

	out := make([]domain.DiscoveredInstance, len(configured))
	copy(out, configured)

	healthPath := ""
	if d.paths != nil {
		if def, ok := d.paths.Definition(service); ok {
			healthPath = def.HealthPath
		}
	}
	if healthPath == "" {
		for i := range out {
			out[i].Health = domain.StatusHealthy
		}
		return out, nil
	}

	var wg sync.WaitGroup
	for i := range out {
		wg.Add(1)
		go func(inst *domain.DiscoveredInstance) {
			defer wg.Done()
			inst.Health = d.probe(ctx, service, inst, healthPath)
		}(&out[i])
	}
	wg.Wait()
	return out, nil
}

func (d *Directory) probe(ctx context.Context, service string, inst *domain.DiscoveredInstance, path string) domain.ServiceStatus {
	target := (&domain.ServiceInstance{Host: inst.Host, Port: inst.Port}).Address()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+target+path, nil)
	if err != nil {
		return domain.StatusUnknown
	}

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Debug("health probe failed", "service", service, "instance", target, "error", err)
		return domain.StatusUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.StatusHealthy
	}
	slog.Debug("health probe returned non-2xx", "service", service, "instance", target, "status", resp.StatusCode)
	return domain.StatusUnhealthy
}
