package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/domain"
)

const (
	HeaderAuthorization = "Authorization"
	BearerPrefix        = "Bearer "
)

type TokenValidator interface {
	Validate(token string) (*domain.Claims, error)
}

type RouteResolver interface {
	Resolve(path string) (*domain.ServiceDefinition, bool)
}

// IdentityMiddleware authenticates callers of services marked auth_required.
// The verified principal is stored under ContextKeyIdentity; the pipeline
// turns it into X-User-* headers.
type IdentityMiddleware struct {
	validator TokenValidator
	routes    RouteResolver
}

// NewIdentityMiddleware returns a middleware that lets every request through
// unauthenticated when validator is nil.
func NewIdentityMiddleware(validator TokenValidator, routes RouteResolver) *IdentityMiddleware {
	return &IdentityMiddleware{validator: validator, routes: routes}
}

func (m *IdentityMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.validator == nil {
			c.Next()
			return
		}

		def, ok := m.routes.Resolve(c.Request.URL.Path)
		if !ok || !def.AuthRequired {
			c.Next()
			return
		}

		tokenString := extractBearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing authorization token",
				"service": def.Name,
			})
			return
		}

		claims, err := m.validator.Validate(tokenString)
		if err != nil {
			slog.Debug("token rejected",
				"service", def.Name,
				"request_id", c.GetString(ContextKeyRequestID),
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": tokenMessage(err),
				"service": def.Name,
			})
			return
		}

		c.Set(ContextKeyIdentity, claims.Identity())
		c.Next()
	}
}

// IdentityFrom returns the principal set by Authenticate, if any.
func IdentityFrom(c *gin.Context) *domain.Identity {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return nil
	}
	id, _ := v.(*domain.Identity)
	return id
}

func tokenMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, domain.ErrTokenIssuerNotAllowed):
		return "token issuer not allowed"
	default:
		return "invalid token"
	}
}

func extractBearerToken(c *gin.Context) string {
	auth := c.GetHeader(HeaderAuthorization)
	if !strings.HasPrefix(auth, BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, BearerPrefix))
}
