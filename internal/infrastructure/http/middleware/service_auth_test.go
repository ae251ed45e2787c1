package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func serviceAuthRouter(validator ServiceTokenValidator) *gin.Engine {
	router := gin.New()
	router.Use(NewServiceAuthMiddleware(validator).Authenticate())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func TestServiceAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		secret SharedToken
		token  string
		want   int
	}{
		{"valid token", "secret", "secret", http.StatusOK},
		{"missing token", "secret", "", http.StatusUnauthorized},
		{"wrong token", "secret", "guess", http.StatusUnauthorized},
		{"prefix of token", "secret", "sec", http.StatusUnauthorized},
		{"no secret configured", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "/test", nil)
			if tt.token != "" {
				req.Header.Set(HeaderServiceToken, tt.token)
			}

			resp := httptest.NewRecorder()
			serviceAuthRouter(tt.secret).ServeHTTP(resp, req)

			if resp.Code != tt.want {
				t.Errorf("expected status %d, got %d: %s", tt.want, resp.Code, resp.Body.String())
			}
		})
	}
}
