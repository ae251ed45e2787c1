package consul

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apascualco/edgeway/internal/domain"
)

const usersHealth = `[
  {
    "Node": {"Node": "node-1", "Address": "10.1.0.1"},
    "Service": {"ID": "users-1", "Service": "users", "Address": "10.0.0.1", "Port": 8081,
                "Meta": {"version": "1.2.0"}, "Weights": {"Passing": 3, "Warning": 1}},
    "Checks": [{"CheckID": "serfHealth", "Status": "passing"}, {"CheckID": "service:users-1", "Status": "passing"}]
  },
  {
    "Node": {"Node": "node-2", "Address": "10.1.0.2"},
    "Service": {"ID": "users-2", "Service": "users", "Address": "", "Port": 8082,
                "Weights": {"Passing": 1, "Warning": 1}},
    "Checks": [{"CheckID": "service:users-2", "Status": "warning"}]
  },
  {
    "Node": {"Node": "node-3", "Address": "10.1.0.3"},
    "Service": {"ID": "users-3", "Service": "users", "Address": "10.0.0.3", "Port": 8083,
                "Weights": {"Passing": 1, "Warning": 1}},
    "Checks": [{"CheckID": "service:users-3", "Status": "critical"}]
  }
]`

func fakeConsul(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/health/service/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Has("passing") {
			t.Error("directory must fetch all instances, not only passing ones")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchInstances(t *testing.T) {
	srv := fakeConsul(t, http.StatusOK, usersHealth)

	client, err := NewClient(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	got, err := New(client).FetchInstances(context.Background(), "users")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(got))
	}

	tests := []struct {
		id     string
		host   string
		health domain.ServiceStatus
		weight int
	}{
		{"users-1", "10.0.0.1", domain.StatusHealthy, 3},
		{"users-2", "10.1.0.2", domain.StatusHealthy, 1},
		{"users-3", "10.0.0.3", domain.StatusUnhealthy, 0},
	}
	for i, tt := range tests {
		if got[i].ID != tt.id || got[i].Host != tt.host || got[i].Health != tt.health || got[i].Weight != tt.weight {
			t.Errorf("instance %d = %+v, want %+v", i, got[i], tt)
		}
	}
	if got[0].Metadata["version"] != "1.2.0" {
		t.Errorf("metadata not carried: %v", got[0].Metadata)
	}
}

func TestFetchInstances_ConsulError(t *testing.T) {
	srv := fakeConsul(t, http.StatusInternalServerError, "boom")

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	if _, err := New(client).FetchInstances(context.Background(), "users"); err == nil {
		t.Error("expected error from failing consul")
	}
}
