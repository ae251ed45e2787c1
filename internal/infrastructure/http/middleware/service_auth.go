package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const HeaderServiceToken = "X-Service-Token"

type ServiceTokenValidator interface {
	ValidateToken(token string) bool
}

// SharedToken validates against a single pre-shared secret. An empty secret
// rejects everything.
type SharedToken string

func (s SharedToken) ValidateToken(token string) bool {
	if s == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s), []byte(token)) == 1
}

type ServiceAuthMiddleware struct {
	validator ServiceTokenValidator
}

func NewServiceAuthMiddleware(validator ServiceTokenValidator) *ServiceAuthMiddleware {
	return &ServiceAuthMiddleware{validator: validator}
}

func (m *ServiceAuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.validator.ValidateToken(c.GetHeader(HeaderServiceToken)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid_token",
			})
			return
		}
		c.Next()
	}
}
