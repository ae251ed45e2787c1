package domain

import "errors"

// RegisterRequest is sent by an instance announcing itself to the heartbeat
// directory.
type RegisterRequest struct {
	ServiceName string            `json:"service_name" binding:"required"`
	Host        string            `json:"host" binding:"required"`
	Port        int               `json:"port" binding:"required"`
	Weight      int               `json:"weight"`
	Version     string            `json:"version"`
	Metadata    map[string]string `json:"metadata"`
}

func (r *RegisterRequest) Validate() error {
	if r.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if r.Host == "" {
		return errors.New("host is required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if r.Weight < 0 {
		return errors.New("weight must not be negative")
	}
	if r.Weight == 0 {
		r.Weight = 1
	}
	return nil
}

type RegisterResponse struct {
	InstanceID        string `json:"instance_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
	HeartbeatURL      string `json:"heartbeat_url"`
}

type HeartbeatRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
}

type HeartbeatResponse struct {
	Status string `json:"status"`
}

type DeregisterRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
}
