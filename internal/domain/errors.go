package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnknownRoute    = errors.New("unknown route")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrNoInstances     = errors.New("no healthy instances available")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamError   = errors.New("upstream error")
	ErrConfig          = errors.New("invalid service configuration")

	ErrServiceNotFound  = fmt.Errorf("service not found")
	ErrInstanceNotFound = fmt.Errorf("instance not found")
	ErrInvalidRequest   = fmt.Errorf("invalid request")
	ErrCacheMiss        = fmt.Errorf("cache miss")
)

type Reason string

const (
	ReasonUnknownRoute        Reason = "unknown_route"
	ReasonCircuitOpen         Reason = "circuit_open"
	ReasonNoHealthyInstances  Reason = "no_healthy_instances"
	ReasonUpstreamUnavailable Reason = "upstream_unavailable"
)

// ConfigError reports a ServiceDefinition rejected at registration time.
type ConfigError struct {
	Service string
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %s %s", ErrConfig, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: service %s: %s %s", ErrConfig, e.Service, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// GatewayError is the terminal failure of a proxied request. Only Status,
// Reason and Message are meant for the client; Err carries the detail that
// goes to logs.
type GatewayError struct {
	Status  int
	Reason  Reason
	Message string
	Service string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func NewUnknownRoute(path string) *GatewayError {
	return &GatewayError{
		Status:  http.StatusNotFound,
		Reason:  ReasonUnknownRoute,
		Message: "no service registered for this route",
		Err:     fmt.Errorf("%w: %s", ErrUnknownRoute, path),
	}
}

func NewCircuitOpen(service string) *GatewayError {
	return &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Reason:  ReasonCircuitOpen,
		Message: "circuit open",
		Service: service,
		Err:     ErrCircuitOpen,
	}
}

func NewNoInstances(service string) *GatewayError {
	return &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Reason:  ReasonNoHealthyInstances,
		Message: "no healthy instances",
		Service: service,
		Err:     ErrNoInstances,
	}
}

func NewUpstreamUnavailable(service string, cause error) *GatewayError {
	return &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Reason:  ReasonUpstreamUnavailable,
		Message: "upstream unavailable",
		Service: service,
		Err:     cause,
	}
}
