package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/application"
	"github.com/apascualco/edgeway/internal/domain"
	"github.com/apascualco/edgeway/internal/infrastructure/cache"
	"github.com/apascualco/edgeway/internal/infrastructure/config"
	"github.com/apascualco/edgeway/internal/infrastructure/directory/consul"
	"github.com/apascualco/edgeway/internal/infrastructure/directory/heartbeat"
	"github.com/apascualco/edgeway/internal/infrastructure/directory/static"
	"github.com/apascualco/edgeway/internal/infrastructure/http/handler"
	"github.com/apascualco/edgeway/internal/infrastructure/http/middleware"
	"github.com/apascualco/edgeway/internal/infrastructure/jwt"
	"github.com/apascualco/edgeway/internal/infrastructure/observability"
	"github.com/apascualco/edgeway/internal/infrastructure/proxy"
	"github.com/apascualco/edgeway/internal/infrastructure/redis"
	"github.com/apascualco/edgeway/internal/infrastructure/tracing"
)

type Server struct {
	router      *gin.Engine
	config      *config.Config
	httpServer  *http.Server
	startTime   time.Time
	registry    *application.Registry
	breakers    *application.Breakers
	cache       *application.ResponseCache
	pipeline    *application.Pipeline
	heartbeat   *heartbeat.Directory
	validator   *jwt.Validator
	metrics     *observability.Metrics
	redisClient *redis.Client
	exporter    tracing.SpanExporter
}

// definitionIndex answers definition lookups for directories, which are
// built before the registry that will own the same definitions.
type definitionIndex map[string]*domain.ServiceDefinition

func (d definitionIndex) Definition(name string) (*domain.ServiceDefinition, bool) {
	def, ok := d[name]
	return def, ok
}

func NewServer(ctx context.Context, cfg *config.Config, services *config.ServiceFile) (*Server, error) {
	s := &Server{
		config:    cfg,
		startTime: time.Now(),
	}

	var events domain.EventSink = observability.NewLogSink(slog.Default())
	if cfg.MetricsEnabled {
		s.metrics = observability.NewMetrics(nil)
		events = observability.Fanout{events, s.metrics}
	}

	defs := services.Definitions(cfg)
	index := make(definitionIndex, len(defs))
	for _, def := range defs {
		index[def.Name] = def
	}

	directory, err := s.newDirectory(services, index)
	if err != nil {
		return nil, err
	}

	slog.Debug("new application registry",
		slog.String("directory", cfg.Directory),
		slog.Duration("refresh_interval", cfg.RefreshInterval),
	)
	s.registry = application.NewRegistry(application.RegistryConfig{
		RefreshInterval: cfg.RefreshInterval,
	}, directory, events)
	for _, def := range defs {
		if err := s.registry.Register(def); err != nil {
			return nil, err
		}
	}

	s.breakers = application.NewBreakers(domain.BreakerPolicy{
		Threshold:    cfg.BreakerThreshold,
		Window:       cfg.BreakerWindow,
		ResetTimeout: cfg.BreakerResetTimeout,
	}, s.registry, events)

	if err := s.newCache(ctx); err != nil {
		return nil, err
	}

	s.pipeline = application.NewPipeline(
		s.registry,
		application.NewBalancer(),
		s.breakers,
		s.cache,
		proxy.NewForwarder(cfg.MaxBodyBytes),
		events,
	)

	if cfg.JWTPublicKey != "" {
		s.validator, err = jwt.NewValidator(cfg.JWTPublicKey, cfg.JWTAllowedIssuers)
		if err != nil {
			return nil, fmt.Errorf("failed to create token validator: %w", err)
		}
		slog.Info("jwt authentication enabled", slog.Any("allowed_issuers", cfg.JWTAllowedIssuers))
	} else {
		slog.Warn("JWT public key not configured, authentication disabled")
	}

	s.exporter = tracing.NewExporter(cfg)

	s.setupRouter()
	return s, nil
}

func (s *Server) newDirectory(services *config.ServiceFile, index definitionIndex) (domain.ServiceDirectory, error) {
	switch s.config.Directory {
	case config.DirectoryConsul:
		client, err := consul.NewClient(s.config.ConsulAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create consul client: %w", err)
		}
		slog.Info("using consul directory", slog.String("addr", s.config.ConsulAddr))
		return consul.New(client), nil
	case config.DirectoryHeartbeat:
		s.heartbeat = heartbeat.New(heartbeat.Config{
			ServiceToken: s.config.ServiceToken,
			HeartbeatTTL: s.config.HeartbeatTTL,
		}, index)
		slog.Info("using heartbeat directory", slog.Duration("heartbeat_ttl", s.config.HeartbeatTTL))
		return s.heartbeat, nil
	default:
		slog.Info("using static directory", slog.Duration("probe_timeout", s.config.ProbeTimeout))
		return static.New(services.StaticInstances(), index, s.config.ProbeTimeout), nil
	}
}

func (s *Server) newCache(ctx context.Context) error {
	var opts []application.CacheOption
	if s.config.CacheCollapse {
		opts = append(opts, application.WithCollapse())
	}

	switch s.config.CacheBackend {
	case config.CacheRedis:
		client, err := redis.NewClient(ctx, s.config.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to create redis client: %w", err)
		}
		s.redisClient = client
		s.cache = application.NewResponseCache(cache.NewRedisStore(client.Client), opts...)
		slog.Info("response cache backed by redis")
	default:
		s.cache = application.NewResponseCache(cache.NewMemoryStore(s.config.CacheMaxItems), opts...)
		slog.Debug("response cache in memory", slog.Int("max_items", s.config.CacheMaxItems))
	}
	return nil
}

func (s *Server) setupRouter() {
	if s.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.TraceMiddleware(middleware.NewW3CTraceProvider(), s.exporter))
	s.router.Use(middleware.Logger())

	deps := map[string]handler.Pinger{}
	if s.redisClient != nil {
		deps["redis"] = s.redisClient
	}
	s.router.GET("/health", handler.HealthHandler(s.startTime, s.config.Version))
	s.router.GET("/ready", handler.ReadyHandler(s.registry, deps))
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.setupOperatorRoutes()
	if s.heartbeat != nil {
		s.setupRegistryRoutes()
	}
	s.setupGatewayRoute()
}

func (s *Server) setupOperatorRoutes() {
	h := handler.NewServicesHandler(s.registry, s.breakers, s.cache)
	guard := middleware.NewServiceAuthMiddleware(middleware.SharedToken(s.config.ServiceToken)).Authenticate()

	internal := s.router.Group("/internal")
	{
		internal.GET("/services", h.ListServices)
		internal.GET("/circuits", h.ListCircuits)
		internal.POST("/services/:name/refresh", guard, h.Refresh)
		internal.DELETE("/cache", guard, h.InvalidateCache)
	}
}

func (s *Server) setupRegistryRoutes() {
	registryHandler := handler.NewRegistryHandler(s.heartbeat)

	internal := s.router.Group("/internal/registry")
	internal.Use(middleware.NewServiceAuthMiddleware(s.heartbeat).Authenticate())
	{
		internal.POST("/register", registryHandler.Register)
		internal.POST("/heartbeat", registryHandler.Heartbeat)
		internal.POST("/deregister", registryHandler.Deregister)
	}
}

func (s *Server) setupGatewayRoute() {
	var validator middleware.TokenValidator
	if s.validator != nil {
		validator = s.validator
	}
	identity := middleware.NewIdentityMiddleware(validator, s.registry)
	gateway := handler.NewGatewayHandler(s.pipeline, s.config.MaxBodyBytes)
	s.router.NoRoute(identity.Authenticate(), gateway.Handle)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	s.registry.Start(ctx)
	if s.heartbeat != nil {
		s.heartbeat.Start()
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.registry.Stop()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	if xerr := s.exporter.Shutdown(ctx); xerr != nil && err == nil {
		err = xerr
	}
	if s.redisClient != nil {
		if cerr := s.redisClient.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
