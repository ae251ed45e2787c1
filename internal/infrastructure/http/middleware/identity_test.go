package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apascualco/edgeway/internal/domain"
	"github.com/apascualco/edgeway/internal/infrastructure/jwt"
)

type routeTable map[string]*domain.ServiceDefinition

func (r routeTable) Resolve(path string) (*domain.ServiceDefinition, bool) {
	def, ok := r[path]
	return def, ok
}

func testRoutes() routeTable {
	return routeTable{
		"/api/orders": {Name: "orders", PathPrefix: "/api/orders", AuthRequired: true},
		"/api/public": {Name: "public", PathPrefix: "/api/public"},
	}
}

func setupTestKeys(t *testing.T) *rsa.PrivateKey {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return privateKey
}

func signToken(t *testing.T, privateKey *rsa.PrivateKey, subject, issuer string, ttl time.Duration) string {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodRS256, gojwt.MapClaims{
		"sub":    subject,
		"email":  subject + "@example.com",
		"scopes": []string{"orders:read"},
		"iss":    issuer,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	tokenString, err := token.SignedString(privateKey)
	require.NoError(t, err)
	return tokenString
}

func runIdentity(m *IdentityMiddleware, path, authorization string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		c.Request.Header.Set(HeaderAuthorization, authorization)
	}
	m.Authenticate()(c)
	return c, w
}

func TestIdentity_PublicService(t *testing.T) {
	privateKey := setupTestKeys(t)
	m := NewIdentityMiddleware(jwt.NewValidatorWithKey(&privateKey.PublicKey, nil), testRoutes())

	c, _ := runIdentity(m, "/api/public", "")

	assert.False(t, c.IsAborted())
	assert.Nil(t, IdentityFrom(c))
}

func TestIdentity_MissingToken(t *testing.T) {
	privateKey := setupTestKeys(t)
	m := NewIdentityMiddleware(jwt.NewValidatorWithKey(&privateKey.PublicKey, nil), testRoutes())

	c, w := runIdentity(m, "/api/orders", "")

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing authorization token")
}

func TestIdentity_InvalidToken(t *testing.T) {
	privateKey := setupTestKeys(t)
	m := NewIdentityMiddleware(jwt.NewValidatorWithKey(&privateKey.PublicKey, nil), testRoutes())

	c, w := runIdentity(m, "/api/orders", "Bearer not-a-token")

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid token")
}

func TestIdentity_ExpiredToken(t *testing.T) {
	privateKey := setupTestKeys(t)
	m := NewIdentityMiddleware(jwt.NewValidatorWithKey(&privateKey.PublicKey, nil), testRoutes())

	token := signToken(t, privateKey, "user-123", "auth-service", -time.Minute)
	c, w := runIdentity(m, "/api/orders", "Bearer "+token)

	assert.True(t, c.IsAborted())
	assert.Contains(t, w.Body.String(), "token expired")
}

func TestIdentity_IssuerNotAllowed(t *testing.T) {
	privateKey := setupTestKeys(t)
	m := NewIdentityMiddleware(jwt.NewValidatorWithKey(&privateKey.PublicKey, []string{"auth-service"}), testRoutes())

	token := signToken(t, privateKey, "user-123", "rogue", time.Hour)
	c, w := runIdentity(m, "/api/orders", "Bearer "+token)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentity_ValidToken(t *testing.T) {
	privateKey := setupTestKeys(t)
	m := NewIdentityMiddleware(jwt.NewValidatorWithKey(&privateKey.PublicKey, []string{"auth-service"}), testRoutes())

	token := signToken(t, privateKey, "user-123", "auth-service", time.Hour)
	c, _ := runIdentity(m, "/api/orders", "Bearer "+token)

	require.False(t, c.IsAborted())
	id := IdentityFrom(c)
	require.NotNil(t, id)
	assert.Equal(t, "user-123", id.Subject)
	assert.Equal(t, "user-123@example.com", id.Email)
	assert.Equal(t, []string{"orders:read"}, id.Scopes)
}

func TestIdentity_DisabledWithoutValidator(t *testing.T) {
	m := NewIdentityMiddleware(nil, testRoutes())

	c, _ := runIdentity(m, "/api/orders", "")

	assert.False(t, c.IsAborted())
	assert.Nil(t, IdentityFrom(c))
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer token", "Bearer abc123", "abc123"},
		{"empty header", "", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
		{"lowercase bearer", "bearer abc123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set(HeaderAuthorization, tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}
