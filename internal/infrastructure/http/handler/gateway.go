package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/application"
	"github.com/apascualco/edgeway/internal/domain"
	"github.com/apascualco/edgeway/internal/infrastructure/http/middleware"
)

type Gateway interface {
	Handle(ctx context.Context, req *application.Request) (*application.Response, error)
}

// GatewayHandler adapts gin requests to the routing pipeline. It is mounted as
// the NoRoute handler so every path not owned by the gateway itself is proxied.
type GatewayHandler struct {
	pipeline     Gateway
	maxBodyBytes int64
}

func NewGatewayHandler(pipeline Gateway, maxBodyBytes int64) *GatewayHandler {
	return &GatewayHandler{pipeline: pipeline, maxBodyBytes: maxBodyBytes}
}

func (h *GatewayHandler) Handle(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		reader := c.Request.Body
		if h.maxBodyBytes > 0 {
			reader = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
		}
		var err error
		body, err = io.ReadAll(reader)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "request_too_large",
					"message": "request body exceeds the configured limit",
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "failed to read request body",
			})
			return
		}
	}

	proto := "http"
	if c.Request.TLS != nil {
		proto = "https"
	}

	req := &application.Request{
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		RawQuery:  c.Request.URL.RawQuery,
		Header:    c.Request.Header,
		Body:      body,
		ClientIP:  c.ClientIP(),
		Host:      c.Request.Host,
		Proto:     proto,
		RequestID: c.GetString(middleware.ContextKeyRequestID),
		Identity:  middleware.IdentityFrom(c),
	}

	resp, err := h.pipeline.Handle(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, req, err)
		return
	}

	header := c.Writer.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	c.Status(resp.Status)
	if len(resp.Body) > 0 && c.Request.Method != http.MethodHead {
		if _, err := c.Writer.Write(resp.Body); err != nil {
			slog.Debug("client went away while writing response",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	}
}

func (h *GatewayHandler) writeError(c *gin.Context, req *application.Request, err error) {
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) {
		slog.Error("unexpected pipeline error", "request_id", req.RequestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal server error",
		})
		return
	}

	level := slog.LevelWarn
	if gwErr.Reason == domain.ReasonUnknownRoute {
		level = slog.LevelDebug
	}
	slog.Log(c.Request.Context(), level, "request rejected",
		"reason", gwErr.Reason,
		"service", gwErr.Service,
		"path", req.Path,
		"request_id", req.RequestID,
		"error", gwErr.Err,
	)

	if gwErr.Service != "" {
		c.Header("X-Service-Name", gwErr.Service)
	}
	body := gin.H{
		"error":   errorCode(gwErr.Status),
		"reason":  gwErr.Reason,
		"message": gwErr.Message,
	}
	if gwErr.Service != "" {
		body["service"] = gwErr.Service
	}
	c.JSON(gwErr.Status, body)
}

func errorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusGatewayTimeout:
		return "gateway_timeout"
	default:
		return "bad_gateway"
	}
}
