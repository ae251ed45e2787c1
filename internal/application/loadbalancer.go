package application

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/apascualco/edgeway/internal/domain"
)

type LoadBalancer interface {
	Select(service string, policy domain.BalancerPolicy, instances []*domain.ServiceInstance) (*domain.ServiceInstance, error)
	Release(service string, instance *domain.ServiceInstance)
}

type balancerState struct {
	counter uint64

	mu       sync.Mutex
	inflight map[string]int
}

// Balancer keeps one selection state per service, created on first use.
type Balancer struct {
	mu     sync.RWMutex
	states map[string]*balancerState
	intn   func(n int) int
}

func NewBalancer() *Balancer {
	return &Balancer{
		states: make(map[string]*balancerState),
		intn:   rand.IntN,
	}
}

func (b *Balancer) Select(service string, policy domain.BalancerPolicy, instances []*domain.ServiceInstance) (*domain.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, domain.ErrNoInstances
	}

	st := b.state(service)
	switch policy {
	case domain.LeastConnections:
		return st.leastConnections(instances), nil
	case domain.WeightedRandom:
		return weightedRandom(instances, b.intn), nil
	default:
		return st.roundRobin(instances), nil
	}
}

// Release marks a request to instance as finished. Only least connections
// tracks in-flight requests; for other policies it is a no-op.
func (b *Balancer) Release(service string, instance *domain.ServiceInstance) {
	if instance == nil {
		return
	}

	b.mu.RLock()
	st := b.states[service]
	b.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if n, ok := st.inflight[instance.ID]; ok {
		if n <= 1 {
			delete(st.inflight, instance.ID)
		} else {
			st.inflight[instance.ID] = n - 1
		}
	}
}

// InFlight reports the number of unreleased selections of an instance under
// least connections.
func (b *Balancer) InFlight(service, instanceID string) int {
	b.mu.RLock()
	st := b.states[service]
	b.mu.RUnlock()
	if st == nil {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inflight[instanceID]
}

func (b *Balancer) state(service string) *balancerState {
	b.mu.RLock()
	st := b.states[service]
	b.mu.RUnlock()
	if st != nil {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st = b.states[service]; st == nil {
		st = &balancerState{inflight: make(map[string]int)}
		b.states[service] = st
	}
	return st
}

func (s *balancerState) roundRobin(instances []*domain.ServiceInstance) *domain.ServiceInstance {
	n := atomic.AddUint64(&s.counter, 1)
	idx := (n - 1) % uint64(len(instances))
	return instances[idx]
}

// Counters drop to zero on release and are deleted, so instances that leave
// the registry leave nothing behind once their requests finish.
func (s *balancerState) leastConnections(instances []*domain.ServiceInstance) *domain.ServiceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := instances[0]
	min := s.inflight[best.ID]
	for _, inst := range instances[1:] {
		if n := s.inflight[inst.ID]; n < min {
			best, min = inst, n
		}
	}
	s.inflight[best.ID]++
	return best
}

func weightedRandom(instances []*domain.ServiceInstance, intn func(int) int) *domain.ServiceInstance {
	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}

	pick := intn(total)
	for _, inst := range instances {
		pick -= weightOf(inst)
		if pick < 0 {
			return inst
		}
	}
	return instances[len(instances)-1]
}

func weightOf(inst *domain.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
