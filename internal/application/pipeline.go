package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apascualco/edgeway/internal/domain"
)

type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

var identityHeaders = []string{"X-User-ID", "X-User-Email", "X-User-Scopes"}

// Request is an inbound call as seen by the pipeline. Header is the client's
// header set; the pipeline never mutates it.
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	ClientIP  string
	Host      string
	Proto     string
	RequestID string
	Identity  *domain.Identity
}

type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Service  string
	Instance string
	Cache    CacheStatus
	Duration time.Duration
}

func (r *Response) clone() *Response {
	out := *r
	out.Header = r.Header.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Forwarder performs a single upstream call. Implementations honour ctx for
// the per-attempt timeout and wrap failures with ErrUpstreamTimeout or
// ErrUpstreamError.
type Forwarder interface {
	Forward(ctx context.Context, target *domain.ServiceInstance, req *Request) (*Response, error)
}

type Pipeline struct {
	registry  *Registry
	balancer  LoadBalancer
	breakers  *Breakers
	cache     *ResponseCache
	forwarder Forwarder
	events    domain.EventSink
}

// NewPipeline wires the request path. cache may be nil to disable response
// caching entirely.
func NewPipeline(registry *Registry, balancer LoadBalancer, breakers *Breakers, cache *ResponseCache, forwarder Forwarder, events domain.EventSink) *Pipeline {
	if events == nil {
		events = noopSink{}
	}
	return &Pipeline{
		registry:  registry,
		balancer:  balancer,
		breakers:  breakers,
		cache:     cache,
		forwarder: forwarder,
		events:    events,
	}
}

// Handle routes one request. A non-nil error is always a *domain.GatewayError.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	def, ok := p.registry.Resolve(req.Path)
	if !ok {
		return nil, domain.NewUnknownRoute(req.Path)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	outbound := p.outboundHeader(def, req)

	if p.cache == nil || !def.Cacheable() || req.Method != http.MethodGet {
		resp, err := p.forward(ctx, def, req, outbound)
		if err != nil {
			return nil, err
		}
		return p.finish(def, req, resp, "", start), nil
	}

	// The cache is consulted before the breaker so warm entries keep serving
	// while a service's circuit is open.
	key := p.cache.Key(def, req.Method, req.Path, req.RawQuery, outbound)
	if entry, ok := p.cache.Get(ctx, key); ok {
		p.events.Emit(domain.Event{Name: domain.EventCacheHit, Service: def.Name, Status: entry.Status})
		resp := &Response{Status: entry.Status, Header: entry.Header.Clone(), Body: entry.Body}
		return p.finish(def, req, resp, CacheHit, start), nil
	}
	p.events.Emit(domain.Event{Name: domain.EventCacheMiss, Service: def.Name})

	resp, err := p.cache.Collapse(ctx, key, fetchBudget(def), func(fctx context.Context) (*Response, error) {
		resp, err := p.forward(fctx, def, req, outbound)
		if err != nil {
			return nil, err
		}
		if resp.Status >= 200 && resp.Status < 300 {
			p.cache.Set(context.WithoutCancel(fctx), key, &domain.CacheEntry{
				Status: resp.Status,
				Header: cacheableHeader(resp.Header),
				Body:   resp.Body,
			}, def.Cache.TTL)
		}
		return resp, nil
	})
	if err != nil {
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) {
			return nil, domain.NewUpstreamUnavailable(def.Name, err)
		}
		return nil, err
	}
	return p.finish(def, req, resp, CacheMiss, start), nil
}

func (p *Pipeline) forward(ctx context.Context, def *domain.ServiceDefinition, req *Request, header http.Header) (*Response, error) {
	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt <= def.MaxRetries; attempt++ {
		if attempt > 0 {
			p.events.Emit(domain.Event{Name: domain.EventRequestRetried, Service: def.Name, Attempt: attempt, Err: lastErr})
			slog.Info("retrying upstream request",
				"service", def.Name,
				"attempt", attempt,
				"request_id", req.RequestID,
				"error", lastErr,
			)
		}

		if !p.breakers.CanRequest(def.Name) {
			return nil, domain.NewCircuitOpen(def.Name)
		}

		healthy := p.registry.HealthyInstances(def.Name)
		if len(healthy) == 0 {
			return nil, domain.NewNoInstances(def.Name)
		}

		inst, err := p.balancer.Select(def.Name, def.BalancerPolicy(), untried(healthy, tried))
		if err != nil {
			return nil, domain.NewNoInstances(def.Name)
		}

		permit, err := p.breakers.Allow(def.Name)
		if err != nil {
			p.balancer.Release(def.Name, inst)
			return nil, domain.NewCircuitOpen(def.Name)
		}

		resp, err := p.attempt(ctx, def, inst, req, header)
		p.balancer.Release(def.Name, inst)

		if err == nil && resp.Status < http.StatusInternalServerError {
			permit.Success()
			p.events.Emit(domain.Event{
				Name:     domain.EventUpstreamCompleted,
				Service:  def.Name,
				Instance: inst.ID,
				Status:   resp.Status,
				Attempt:  attempt,
				Duration: resp.Duration,
			})
			resp.Instance = inst.ID
			return resp, nil
		}

		// The caller went away; the upstream did nothing wrong.
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			permit.Abandon()
			slog.Debug("upstream attempt abandoned by caller",
				"service", def.Name,
				"instance", inst.Address(),
				"request_id", req.RequestID,
			)
			return nil, domain.NewUpstreamUnavailable(def.Name, err)
		}

		permit.Failure()
		var status int
		if err == nil {
			status = resp.Status
			err = fmt.Errorf("%w: status %d", domain.ErrUpstreamError, resp.Status)
		}
		lastErr = err
		tried[inst.ID] = true

		p.events.Emit(domain.Event{
			Name:     domain.EventUpstreamFailed,
			Service:  def.Name,
			Instance: inst.ID,
			Status:   status,
			Attempt:  attempt,
			Err:      err,
		})
		slog.Warn("upstream attempt failed",
			"service", def.Name,
			"instance", inst.Address(),
			"attempt", attempt,
			"request_id", req.RequestID,
			"error", err,
		)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, domain.NewUpstreamUnavailable(def.Name, lastErr)
}

// fetchBudget bounds a shared cache fill that no longer follows any one
// caller's context.
func fetchBudget(def *domain.ServiceDefinition) time.Duration {
	return def.Timeout * time.Duration(def.MaxRetries+1)
}

func (p *Pipeline) attempt(ctx context.Context, def *domain.ServiceDefinition, inst *domain.ServiceInstance, req *Request, header http.Header) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	start := time.Now()
	out := *req
	out.Header = header
	resp, err := p.forwarder.Forward(actx, inst, &out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrUpstreamTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		return nil, err
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

func (p *Pipeline) finish(def *domain.ServiceDefinition, req *Request, resp *Response, cache CacheStatus, start time.Time) *Response {
	resp.Service = def.Name
	resp.Cache = cache
	resp.Duration = time.Since(start)

	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	for _, h := range hopByHopHeaders {
		resp.Header.Del(h)
	}
	resp.Header.Set("X-Service-Name", def.Name)
	resp.Header.Set("X-Request-ID", req.RequestID)
	resp.Header.Set("X-Response-Time", resp.Duration.String())
	if cache != "" {
		resp.Header.Set("X-Cache", string(cache))
	}
	return resp
}

func (p *Pipeline) outboundHeader(def *domain.ServiceDefinition, req *Request) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}

	h.Set("X-Request-ID", req.RequestID)

	if req.ClientIP != "" {
		clientIP := req.ClientIP
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
	proto := req.Proto
	if proto == "" {
		proto = "http"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Service-Name", def.Name)

	// Identity headers are only ever set from a verified principal.
	for _, name := range identityHeaders {
		h.Del(name)
	}
	if id := req.Identity; id != nil {
		h.Set("X-User-ID", id.Subject)
		if id.Email != "" {
			h.Set("X-User-Email", id.Email)
		}
		if len(id.Scopes) > 0 {
			h.Set("X-User-Scopes", strings.Join(id.Scopes, " "))
		}
	}
	return h
}

func cacheableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Set-Cookie")
	out.Del("X-Request-ID")
	return out
}

// untried drops instances that already failed this request, unless that
// would leave nothing to pick from.
func untried(instances []*domain.ServiceInstance, tried map[string]bool) []*domain.ServiceInstance {
	if len(tried) == 0 {
		return instances
	}
	out := make([]*domain.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if !tried[inst.ID] {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return instances
	}
	return out
}
