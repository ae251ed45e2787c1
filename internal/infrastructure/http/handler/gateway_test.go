package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/apascualco/edgeway/internal/application"
	"github.com/apascualco/edgeway/internal/domain"
	"github.com/apascualco/edgeway/internal/infrastructure/http/middleware"
)

type fakeGateway struct {
	resp *application.Response
	err  error
	got  *application.Request
}

func (f *fakeGateway) Handle(_ context.Context, req *application.Request) (*application.Response, error) {
	f.got = req
	return f.resp, f.err
}

func gatewayRouter(gw *fakeGateway, maxBody int64, extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	handlers := append(extra, NewGatewayHandler(gw, maxBody).Handle)
	router.NoRoute(handlers...)
	return router
}

func TestGateway_WritesUpstreamResponse(t *testing.T) {
	gw := &fakeGateway{resp: &application.Response{
		Status: http.StatusCreated,
		Header: http.Header{"Content-Type": []string{"application/json"}, "X-Cache": []string{"MISS"}},
		Body:   []byte(`{"id":1}`),
	}}
	router := gatewayRouter(gw, 0)

	req := httptest.NewRequest("POST", "/api/users?x=1", strings.NewReader(`{"name":"a"}`))
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w.Body.String() != `{"id":1}` {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if w.Header().Get("X-Cache") != "MISS" {
		t.Error("expected upstream headers to be copied")
	}

	if gw.got.Path != "/api/users" || gw.got.RawQuery != "x=1" || string(gw.got.Body) != `{"name":"a"}` {
		t.Errorf("request not mapped: %+v", gw.got)
	}
	if gw.got.RequestID != "req-1" {
		t.Errorf("expected request id from middleware, got %q", gw.got.RequestID)
	}
}

func TestGateway_ErrorBody(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		reason  string
		service string
	}{
		{"unknown route", domain.NewUnknownRoute("/nope"), http.StatusNotFound, "not_found", "unknown_route", ""},
		{"circuit open", domain.NewCircuitOpen("users"), http.StatusServiceUnavailable, "service_unavailable", "circuit_open", "users"},
		{"no instances", domain.NewNoInstances("users"), http.StatusServiceUnavailable, "service_unavailable", "no_healthy_instances", "users"},
		{"exhausted", domain.NewUpstreamUnavailable("users", errors.New("dial tcp 10.0.0.7:8081: connection refused")), http.StatusServiceUnavailable, "service_unavailable", "upstream_unavailable", "users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gatewayRouter(&fakeGateway{err: tt.err}, 0)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/api/users", nil))

			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			if body["error"] != tt.code || body["reason"] != tt.reason || body["service"] != tt.service {
				t.Errorf("unexpected body: %v", body)
			}
			if strings.Contains(w.Body.String(), "10.0.0.7") {
				t.Error("upstream address must not leak to the client")
			}
		})
	}
}

func TestGateway_BodyTooLarge(t *testing.T) {
	gw := &fakeGateway{}
	router := gatewayRouter(gw, 4)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/users", strings.NewReader("too large")))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
	if gw.got != nil {
		t.Error("pipeline must not be called")
	}
}

func TestGateway_PassesIdentity(t *testing.T) {
	gw := &fakeGateway{resp: &application.Response{Status: http.StatusOK}}
	setIdentity := func(c *gin.Context) {
		c.Set(middleware.ContextKeyIdentity, &domain.Identity{Subject: "user-1"})
	}
	router := gatewayRouter(gw, 0, setIdentity)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/users", nil))

	if gw.got.Identity == nil || gw.got.Identity.Subject != "user-1" {
		t.Errorf("expected identity to reach the pipeline, got %+v", gw.got.Identity)
	}
}
