package application

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/apascualco/edgeway/internal/domain"
)

var DefaultBreakerPolicy = domain.BreakerPolicy{
	Threshold:    5,
	Window:       60 * time.Second,
	ResetTimeout: 30 * time.Second,
}

// DefinitionSource looks up per-service configuration. Registry implements it.
type DefinitionSource interface {
	Definition(name string) (*domain.ServiceDefinition, bool)
}

type serviceBreaker struct {
	cb             *gobreaker.TwoStepCircuitBreaker
	trippedAt      atomic.Uint32
	lastTransition atomic.Int64
}

// Breakers holds one two-step breaker per service. A breaker is created the
// first time its service is seen and lives for the life of the process.
type Breakers struct {
	defaults domain.BreakerPolicy
	defs     DefinitionSource
	events   domain.EventSink

	mu       sync.RWMutex
	breakers map[string]*serviceBreaker
}

func NewBreakers(defaults domain.BreakerPolicy, defs DefinitionSource, events domain.EventSink) *Breakers {
	if defaults.Threshold <= 0 {
		defaults.Threshold = DefaultBreakerPolicy.Threshold
	}
	if defaults.ResetTimeout <= 0 {
		defaults.ResetTimeout = DefaultBreakerPolicy.ResetTimeout
	}
	if events == nil {
		events = noopSink{}
	}
	return &Breakers{
		defaults: defaults,
		defs:     defs,
		events:   events,
		breakers: make(map[string]*serviceBreaker),
	}
}

// CanRequest reports whether a request would currently be admitted without
// claiming anything: true when closed, or half-open with no trial in flight.
func (b *Breakers) CanRequest(name string) bool {
	sb := b.get(name)
	switch sb.cb.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		return sb.cb.Counts().Requests == 0
	default:
		return true
	}
}

// Allow claims admission for one request. The returned Permit must be resolved
// with Success, Failure or Abandon once the outcome is known.
func (b *Breakers) Allow(name string) (*Permit, error) {
	sb := b.get(name)
	done, err := sb.cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCircuitOpen, name, err)
	}
	return &Permit{done: done, cb: sb.cb}, nil
}

func (b *Breakers) Status(name string) domain.CircuitStatus {
	return b.get(name).status(name)
}

// Statuses lists the breakers created so far, sorted by service name.
func (b *Breakers) Statuses() []domain.CircuitStatus {
	b.mu.RLock()
	names := make([]string, 0, len(b.breakers))
	for name := range b.breakers {
		names = append(names, name)
	}
	b.mu.RUnlock()

	sort.Strings(names)
	out := make([]domain.CircuitStatus, 0, len(names))
	for _, name := range names {
		out = append(out, b.get(name).status(name))
	}
	return out
}

func (b *Breakers) get(name string) *serviceBreaker {
	b.mu.RLock()
	sb := b.breakers[name]
	b.mu.RUnlock()
	if sb != nil {
		return sb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sb = b.breakers[name]; sb == nil {
		sb = b.newBreaker(name, b.policyFor(name))
		b.breakers[name] = sb
	}
	return sb
}

func (b *Breakers) policyFor(name string) domain.BreakerPolicy {
	if b.defs != nil {
		if def, ok := b.defs.Definition(name); ok && def.Breaker != nil {
			return *def.Breaker
		}
	}
	return b.defaults
}

func (b *Breakers) newBreaker(name string, policy domain.BreakerPolicy) *serviceBreaker {
	sb := &serviceBreaker{}
	sb.lastTransition.Store(time.Now().UnixNano())

	threshold := uint32(policy.Threshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    policy.Window,
		Timeout:     policy.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= threshold {
				sb.trippedAt.Store(counts.ConsecutiveFailures)
				return true
			}
			return false
		},
		// Runs under the breaker's lock; must not call back into it.
		OnStateChange: func(name string, from, to gobreaker.State) {
			sb.lastTransition.Store(time.Now().UnixNano())
			if to == gobreaker.StateClosed {
				sb.trippedAt.Store(0)
			}

			slog.Info("circuit breaker state change",
				"service", name,
				"from", from.String(),
				"to", to.String(),
			)
			b.events.Emit(domain.Event{Name: transitionEvent(to), Service: name})
		},
	}

	sb.cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	return sb
}

func (sb *serviceBreaker) status(name string) domain.CircuitStatus {
	state := toCircuitState(sb.cb.State())
	failures := int(sb.cb.Counts().ConsecutiveFailures)
	if state != domain.CircuitClosed {
		failures = int(sb.trippedAt.Load())
	}
	return domain.CircuitStatus{
		Service:        name,
		State:          state,
		FailureCount:   failures,
		LastTransition: time.Unix(0, sb.lastTransition.Load()),
	}
}

func toCircuitState(s gobreaker.State) domain.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

func transitionEvent(to gobreaker.State) domain.EventName {
	switch to {
	case gobreaker.StateOpen:
		return domain.EventCircuitOpened
	case gobreaker.StateHalfOpen:
		return domain.EventCircuitHalfOpened
	default:
		return domain.EventCircuitClosed
	}
}

// Permit is one admitted request. Only the first resolution counts.
type Permit struct {
	done func(success bool)
	cb   *gobreaker.TwoStepCircuitBreaker
	once sync.Once
}

func (p *Permit) Success() {
	p.once.Do(func() { p.done(true) })
}

func (p *Permit) Failure() {
	p.once.Do(func() { p.done(false) })
}

// Abandon resolves a request the caller gave up on without recording an
// outcome. A half-open trial still has to release its slot, so it reopens the
// circuit and a fresh trial is scheduled after the reset timeout. Permits from
// an older generation are ignored by the breaker either way.
func (p *Permit) Abandon() {
	p.once.Do(func() {
		if p.cb.State() == gobreaker.StateHalfOpen {
			p.done(false)
		}
	})
}
