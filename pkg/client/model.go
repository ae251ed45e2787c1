package client

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrInstanceNotFound = errors.New("instance not found")

// RegisterRequest mirrors the gateway's heartbeat directory registration body.
type RegisterRequest struct {
	ServiceName string            `json:"service_name"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Weight      int               `json:"weight,omitempty"`
	Version     string            `json:"version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type RegisterResponse struct {
	InstanceID        string `json:"instance_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
	HeartbeatURL      string `json:"heartbeat_url"`
}

// StatusError is a non-success answer from the gateway.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the same request could succeed. Bad
// tokens, undeclared services and malformed requests never will.
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return true
}
