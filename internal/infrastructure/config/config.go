package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DirectoryStatic    = "static"
	DirectoryConsul    = "consul"
	DirectoryHeartbeat = "heartbeat"

	CacheMemory = "memory"
	CacheRedis  = "redis"

	TraceExporterNone = "none"
	TraceExporterOTLP = "otlp"
)

type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	Env      string `envconfig:"ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`

	ServicesFile    string        `envconfig:"SERVICES_FILE" default:"services.yaml"`
	Directory       string        `envconfig:"DIRECTORY" default:"static"`
	ConsulAddr      string        `envconfig:"CONSUL_ADDR" default:"127.0.0.1:8500"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"30s"`
	ProbeTimeout    time.Duration `envconfig:"PROBE_TIMEOUT" default:"2s"`

	DefaultTimeout      time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"10s"`
	DefaultMaxRetries   int           `envconfig:"DEFAULT_MAX_RETRIES" default:"2"`
	BreakerThreshold    int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerWindow       time.Duration `envconfig:"BREAKER_WINDOW" default:"60s"`
	BreakerResetTimeout time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	MaxBodyBytes        int64         `envconfig:"MAX_BODY_BYTES" default:"10485760"`

	CacheBackend  string `envconfig:"CACHE_BACKEND" default:"memory"`
	RedisURL      string `envconfig:"REDIS_URL" default:""`
	CacheCollapse bool   `envconfig:"CACHE_COLLAPSE" default:"false"`
	CacheMaxItems int    `envconfig:"CACHE_MAX_ITEMS" default:"10000"`

	ServiceToken string        `envconfig:"SERVICE_TOKEN"`
	HeartbeatTTL time.Duration `envconfig:"HEARTBEAT_TTL" default:"30s"`

	JWTPublicKey      string   `envconfig:"JWT_PUBLIC_KEY"`
	JWTAllowedIssuers []string `envconfig:"JWT_ALLOWED_ISSUERS" default:"auth-service"`

	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	TraceExporter     string `envconfig:"TRACE_EXPORTER" default:"none"`
	TraceOTLPEndpoint string `envconfig:"TRACE_OTLP_ENDPOINT" default:""`
	TraceServiceName  string `envconfig:"TRACE_SERVICE_NAME" default:"edgeway"`

	Version, Commit, BuildDate string
}

func Load(version, commit, buildDate string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Version, cfg.Commit, cfg.BuildDate = version, commit, buildDate
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Directory {
	case DirectoryStatic, DirectoryConsul, DirectoryHeartbeat:
	default:
		return fmt.Errorf("DIRECTORY must be one of static, consul, heartbeat: got %q", c.Directory)
	}
	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory or redis: got %q", c.CacheBackend)
	}
	switch c.TraceExporter {
	case TraceExporterNone, TraceExporterOTLP:
	default:
		return fmt.Errorf("TRACE_EXPORTER must be none or otlp: got %q", c.TraceExporter)
	}
	if c.Directory == DirectoryHeartbeat && c.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN is required when DIRECTORY=heartbeat")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
