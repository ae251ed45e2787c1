package consul

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/apascualco/edgeway/internal/domain"
)

func NewClient(addr string) (*consulapi.Client, error) {
	cfg := consulapi.DefaultConfig()
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	cfg.Address = addr
	cfg.HttpClient = &http.Client{Transport: http.DefaultTransport}
	return consulapi.NewClient(cfg)
}

// Directory reads instances and their aggregated check status from the
// Consul health endpoint.
type Directory struct {
	client *consulapi.Client
}

func New(client *consulapi.Client) *Directory {
	return &Directory{client: client}
}

func (d *Directory) FetchInstances(ctx context.Context, service string) ([]domain.DiscoveredInstance, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := d.client.Health().Service(service, "", false, q)
	if err != nil {
		return nil, fmt.Errorf("consul health query for %s: %w", service, err)
	}

	instances := make([]domain.DiscoveredInstance, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		if addr == "" {
			continue
		}

		health, weight := mapStatus(e.Checks.AggregatedStatus(), e.Service.Weights)
		instances = append(instances, domain.DiscoveredInstance{
			ID:       e.Service.ID,
			Host:     addr,
			Port:     e.Service.Port,
			Health:   health,
			Weight:   weight,
			Metadata: e.Service.Meta,
		})
	}
	return instances, nil
}

// Warning instances stay routable at their warning weight, the way Consul DNS
// treats them.
func mapStatus(status string, weights consulapi.AgentWeights) (domain.ServiceStatus, int) {
	switch status {
	case consulapi.HealthPassing:
		return domain.StatusHealthy, weights.Passing
	case consulapi.HealthWarning:
		return domain.StatusHealthy, weights.Warning
	case consulapi.HealthCritical, consulapi.HealthMaint:
		return domain.StatusUnhealthy, 0
	default:
		return domain.StatusUnknown, 0
	}
}
