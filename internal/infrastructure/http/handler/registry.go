package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/domain"
)

// SelfRegistry is the part of the heartbeat directory reachable over HTTP.
type SelfRegistry interface {
	Register(req *domain.RegisterRequest) (*domain.RegisterResponse, error)
	Heartbeat(instanceID string) error
	Deregister(instanceID string) error
}

// RegistryHandler lets services announce themselves. Token checks happen in
// the route group's middleware.
type RegistryHandler struct {
	directory SelfRegistry
}

func NewRegistryHandler(directory SelfRegistry) *RegistryHandler {
	return &RegistryHandler{directory: directory}
}

func (h *RegistryHandler) Register(c *gin.Context) {
	var req domain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}

	resp, err := h.directory.Register(&req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, resp)
	case errors.Is(err, domain.ErrServiceNotFound):
		slog.Warn("registration for undeclared service", "service", req.ServiceName, "host", req.Host)
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "the service is not declared in the gateway configuration",
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "registration_failed",
			"message": err.Error(),
		})
	}
}

func (h *RegistryHandler) Heartbeat(c *gin.Context) {
	var req domain.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}
	if !instanceOp(c, h.directory.Heartbeat(req.InstanceID), "heartbeat_failed") {
		return
	}
	c.JSON(http.StatusOK, domain.HeartbeatResponse{Status: "ok"})
}

func (h *RegistryHandler) Deregister(c *gin.Context) {
	var req domain.DeregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}
	if !instanceOp(c, h.directory.Deregister(req.InstanceID), "deregister_failed") {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deregistered"})
}

// instanceOp writes the error response for a failed per-instance call and
// reports whether the caller should continue.
func instanceOp(c *gin.Context, err error, failure string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "instance_not_found",
			"message": "the specified instance does not exist",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   failure,
			"message": err.Error(),
		})
	}
	return false
}

func invalidRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}
