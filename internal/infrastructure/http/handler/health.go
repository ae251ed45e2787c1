package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/application"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func HealthHandler(startTime time.Time, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Version: version,
			Uptime:  time.Since(startTime).Truncate(time.Second).String(),
		})
	}
}

type ReadyResponse struct {
	Status       string            `json:"status"`
	Unavailable  []string          `json:"unavailable,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Pinger is a backing dependency whose reachability gates readiness.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// ReadyHandler reports ready once every registered service has at least one
// healthy instance and every dependency answers.
func ReadyHandler(registry *application.Registry, deps map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := ReadyResponse{Status: "ready"}

		for _, def := range registry.ListServices() {
			if len(registry.HealthyInstances(def.Name)) == 0 {
				resp.Unavailable = append(resp.Unavailable, def.Name)
			}
		}

		for name, dep := range deps {
			if resp.Dependencies == nil {
				resp.Dependencies = make(map[string]string, len(deps))
			}
			if err := dep.Healthy(c.Request.Context()); err != nil {
				resp.Dependencies[name] = err.Error()
				resp.Status = "not_ready"
				continue
			}
			resp.Dependencies[name] = "ok"
		}

		if len(resp.Unavailable) > 0 {
			resp.Status = "not_ready"
		}
		if resp.Status != "ready" {
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
