package domain

import "time"

type EventName string

const (
	EventCircuitOpened        EventName = "circuit.opened"
	EventCircuitHalfOpened    EventName = "circuit.half_opened"
	EventCircuitClosed        EventName = "circuit.closed"
	EventRequestRetried       EventName = "request.retried"
	EventCacheHit             EventName = "cache.hit"
	EventCacheMiss            EventName = "cache.miss"
	EventUpstreamFailed       EventName = "upstream.failed"
	EventUpstreamCompleted    EventName = "upstream.completed"
	EventRegistryRefreshError EventName = "registry.refresh_failed"
)

type Event struct {
	Name     EventName
	Service  string
	Instance string
	Status   int
	Attempt  int
	Duration time.Duration
	Err      error
}
