package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ContextKeyRequestID = "request_id"
	ContextKeyTraceID   = "trace_id"
	ContextKeyIdentity  = "identity"

	HeaderRequestID = "X-Request-ID"
)

const maxRequestIDLength = 128

// RequestID keeps a caller supplied X-Request-ID or mints a new one, so the
// same id shows up in logs, upstream headers and the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
			c.Request.Header.Set(HeaderRequestID, id)
		}
		c.Set(ContextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}
