package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apascualco/edgeway/internal/domain"
)

// Metrics turns gateway events into Prometheus series on its own registry.
type Metrics struct {
	handler http.Handler

	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	refreshFailures  *prometheus.CounterVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	m := &Metrics{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeway",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream attempts by service and outcome.",
		}, []string{"service", "outcome", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgeway",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Latency of successful upstream attempts.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"service"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeway",
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Retried upstream attempts by service.",
		}, []string{"service"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeway",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by service and result.",
		}, []string{"service", "result"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgeway",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit state per service: 0 closed, 1 half open, 2 open.",
		}, []string{"service"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeway",
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Circuit state transitions by target state.",
		}, []string{"service", "to"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeway",
			Subsystem: "registry",
			Name:      "refresh_failures_total",
			Help:      "Failed instance refreshes by service.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		m.upstreamRequests,
		m.upstreamLatency,
		m.retries,
		m.cacheLookups,
		m.circuitState,
		m.transitions,
		m.refreshFailures,
	)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

func (m *Metrics) Emit(e domain.Event) {
	switch e.Name {
	case domain.EventUpstreamCompleted:
		m.upstreamRequests.WithLabelValues(e.Service, "success", strconv.Itoa(e.Status)).Inc()
		m.upstreamLatency.WithLabelValues(e.Service).Observe(e.Duration.Seconds())
	case domain.EventUpstreamFailed:
		m.upstreamRequests.WithLabelValues(e.Service, "failure", statusLabel(e.Status)).Inc()
	case domain.EventRequestRetried:
		m.retries.WithLabelValues(e.Service).Inc()
	case domain.EventCacheHit:
		m.cacheLookups.WithLabelValues(e.Service, "hit").Inc()
	case domain.EventCacheMiss:
		m.cacheLookups.WithLabelValues(e.Service, "miss").Inc()
	case domain.EventCircuitClosed:
		m.circuitState.WithLabelValues(e.Service).Set(0)
		m.transitions.WithLabelValues(e.Service, string(domain.CircuitClosed)).Inc()
	case domain.EventCircuitHalfOpened:
		m.circuitState.WithLabelValues(e.Service).Set(1)
		m.transitions.WithLabelValues(e.Service, string(domain.CircuitHalfOpen)).Inc()
	case domain.EventCircuitOpened:
		m.circuitState.WithLabelValues(e.Service).Set(2)
		m.transitions.WithLabelValues(e.Service, string(domain.CircuitOpen)).Inc()
	case domain.EventRegistryRefreshError:
		m.refreshFailures.WithLabelValues(e.Service).Inc()
	}
}

func statusLabel(status int) string {
	if status <= 0 {
		return "none"
	}
	return strconv.Itoa(status)
}
