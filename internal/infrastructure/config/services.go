package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/apascualco/edgeway/internal/domain"
)

// ServiceFile is the on-disk list of upstream services.
type ServiceFile struct {
	Services []ServiceEntry `yaml:"services"`
}

type ServiceEntry struct {
	Name         string          `yaml:"name"`
	PathPrefix   string          `yaml:"path_prefix"`
	Timeout      time.Duration   `yaml:"timeout"`
	MaxRetries   *int            `yaml:"max_retries"`
	Balancer     string          `yaml:"balancer"`
	AuthRequired bool            `yaml:"auth_required"`
	HealthPath   string          `yaml:"health_path"`
	Breaker      *BreakerEntry   `yaml:"circuit_breaker"`
	Cache        *CacheEntry     `yaml:"cache"`
	Instances    []InstanceEntry `yaml:"instances"`
}

type BreakerEntry struct {
	Threshold    int           `yaml:"threshold"`
	Window       time.Duration `yaml:"window"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type CacheEntry struct {
	TTL         time.Duration `yaml:"ttl"`
	Key         string        `yaml:"key"`
	QueryParams []string      `yaml:"query_params"`
	Headers     []string      `yaml:"headers"`
}

type InstanceEntry struct {
	ID     string            `yaml:"id"`
	Host   string            `yaml:"host"`
	Port   int               `yaml:"port"`
	Weight int               `yaml:"weight"`
	Meta   map[string]string `yaml:"meta"`
}

func LoadServiceFile(path string) (*ServiceFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading services file: %w", err)
	}

	var file ServiceFile
	if err := yaml.UnmarshalStrict(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing services file %s: %w", path, err)
	}

	slog.Info("loaded services file", "path", path, "count", len(file.Services))
	return &file, nil
}

// Definitions converts file entries into service definitions, filling unset
// timeouts, retries and breaker fields from the process defaults.
func (f *ServiceFile) Definitions(cfg *Config) []*domain.ServiceDefinition {
	defs := make([]*domain.ServiceDefinition, 0, len(f.Services))
	for _, s := range f.Services {
		def := &domain.ServiceDefinition{
			Name:         s.Name,
			PathPrefix:   s.PathPrefix,
			Timeout:      s.Timeout,
			MaxRetries:   cfg.DefaultMaxRetries,
			Balancer:     domain.BalancerPolicy(s.Balancer),
			AuthRequired: s.AuthRequired,
			HealthPath:   s.HealthPath,
		}
		if def.Timeout == 0 {
			def.Timeout = cfg.DefaultTimeout
		}
		if s.MaxRetries != nil {
			def.MaxRetries = *s.MaxRetries
		}
		if b := s.Breaker; b != nil {
			def.Breaker = &domain.BreakerPolicy{
				Threshold:    b.Threshold,
				Window:       b.Window,
				ResetTimeout: b.ResetTimeout,
			}
			if def.Breaker.Threshold == 0 {
				def.Breaker.Threshold = cfg.BreakerThreshold
			}
			if def.Breaker.Window == 0 {
				def.Breaker.Window = cfg.BreakerWindow
			}
			if def.Breaker.ResetTimeout == 0 {
				def.Breaker.ResetTimeout = cfg.BreakerResetTimeout
			}
		}
		if c := s.Cache; c != nil {
			def.Cache = &domain.CachePolicy{
				TTL:         c.TTL,
				Key:         domain.CacheKeyStrategy(c.Key),
				QueryParams: c.QueryParams,
				Headers:     c.Headers,
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// StaticInstances returns the instances listed in the file, keyed by service.
func (f *ServiceFile) StaticInstances() map[string][]domain.DiscoveredInstance {
	out := make(map[string][]domain.DiscoveredInstance, len(f.Services))
	for _, s := range f.Services {
		instances := make([]domain.DiscoveredInstance, 0, len(s.Instances))
		for _, inst := range s.Instances {
			instances = append(instances, domain.DiscoveredInstance{
				ID:       inst.ID,
				Host:     inst.Host,
				Port:     inst.Port,
				Weight:   inst.Weight,
				Metadata: inst.Meta,
			})
		}
		out[s.Name] = instances
	}
	return out
}
