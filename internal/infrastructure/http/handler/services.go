package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/application"
	"github.com/apascualco/edgeway/internal/domain"
)

type ServiceSummary struct {
	Name         string                `json:"name"`
	PathPrefix   string                `json:"path_prefix"`
	Balancer     domain.BalancerPolicy `json:"balancer"`
	AuthRequired bool                  `json:"auth_required"`
	Cached       bool                  `json:"cached"`
	Healthy      int                   `json:"healthy"`
	Total        int                   `json:"total"`
	Status       string                `json:"status"`
}

// ServicesHandler serves the operator endpoints under /internal.
type ServicesHandler struct {
	registry *application.Registry
	breakers *application.Breakers
	cache    *application.ResponseCache
}

// NewServicesHandler builds the handler. cache may be nil when caching is off.
func NewServicesHandler(registry *application.Registry, breakers *application.Breakers, cache *application.ResponseCache) *ServicesHandler {
	return &ServicesHandler{registry: registry, breakers: breakers, cache: cache}
}

func (h *ServicesHandler) ListServices(c *gin.Context) {
	defs := h.registry.ListServices()
	out := make([]ServiceSummary, 0, len(defs))
	for _, def := range defs {
		healthy := len(h.registry.HealthyInstances(def.Name))
		status := "up"
		if healthy == 0 {
			status = "down"
		}
		out = append(out, ServiceSummary{
			Name:         def.Name,
			PathPrefix:   def.PathPrefix,
			Balancer:     def.BalancerPolicy(),
			AuthRequired: def.AuthRequired,
			Cached:       def.Cacheable(),
			Healthy:      healthy,
			Total:        len(h.registry.Instances(def.Name)),
			Status:       status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (h *ServicesHandler) ListCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuits": h.breakers.Statuses()})
}

func (h *ServicesHandler) Refresh(c *gin.Context) {
	name := c.Param("name")

	instances, err := h.registry.RefreshInstances(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, domain.ErrServiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "service_not_found",
				"message": "the specified service is not registered",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "refresh_failed",
			"message":   err.Error(),
			"instances": instances,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"service":   name,
		"instances": instances,
	})
}

// InvalidateCache drops the GET entry for ?service=&path=&query=. Entries that
// vary by request headers are keyed per caller and are left to expire.
func (h *ServicesHandler) InvalidateCache(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "cache_disabled",
			"message": "response caching is not enabled",
		})
		return
	}

	name, path := c.Query("service"), c.Query("path")
	if name == "" || path == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "service and path are required",
		})
		return
	}

	def, ok := h.registry.Definition(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "the specified service is not registered",
		})
		return
	}
	if !def.Cacheable() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "not_cacheable",
			"message": "the service has no cache policy",
		})
		return
	}

	key := h.cache.Key(def, http.MethodGet, path, c.Query("query"), nil)
	if err := h.cache.Invalidate(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "invalidation_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "key": key})
}
