package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/infrastructure/tracing"
)

type TraceContext struct {
	TraceID  string
	SpanID   string
	ParentID string
	Flags    string
	State    string
}

type TraceProvider interface {
	Extract(c *gin.Context) *TraceContext
	Inject(c *gin.Context, tc *TraceContext)
}

// TraceMiddleware continues the caller's trace or starts a new one. The
// gateway hop gets its own span id, which upstreams see as their parent,
// and is exported once the response is written.
func TraceMiddleware(provider TraceProvider, exporter tracing.SpanExporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		tc := provider.Extract(c)

		if tc.TraceID == "" {
			tc.TraceID = generateTraceID()
		}

		tc.ParentID = tc.SpanID
		tc.SpanID = generateSpanID()

		if tc.Flags == "" {
			tc.Flags = "01"
		}

		c.Set(ContextKeyTraceID, tc.TraceID)
		c.Set("span_id", tc.SpanID)
		c.Set("trace_flags", tc.Flags)
		if tc.State != "" {
			c.Set("trace_state", tc.State)
		}

		provider.Inject(c, tc)

		c.Next()

		service := c.Writer.Header().Get("X-Service-Name")
		exporter.Export(context.Background(), tracing.SpanData{
			TraceID:      tc.TraceID,
			SpanID:       tc.SpanID,
			ParentSpanID: tc.ParentID,
			Name:         spanName(c, service),
			Kind:         tracing.SpanKindServer,
			StartTime:    start,
			EndTime:      time.Now(),
			StatusCode:   c.Writer.Status(),
			Service:      service,
			Cache:        c.Writer.Header().Get("X-Cache"),
			Attributes: map[string]string{
				"http.request.method": c.Request.Method,
				"url.path":            c.Request.URL.Path,
				"client.address":      c.ClientIP(),
				"request.id":          c.GetString(ContextKeyRequestID),
			},
		})
	}
}

// spanName keeps span names low-cardinality: gateway traffic is named by
// service, local endpoints by route.
func spanName(c *gin.Context, service string) string {
	switch {
	case c.FullPath() != "":
		return c.Request.Method + " " + c.FullPath()
	case service != "":
		return c.Request.Method + " " + service
	default:
		return c.Request.Method
	}
}

func generateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func generateSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
