package domain

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

type CircuitStatus struct {
	Service        string       `json:"service"`
	State          CircuitState `json:"state"`
	FailureCount   int          `json:"failure_count"`
	LastTransition time.Time    `json:"last_transition"`
}
