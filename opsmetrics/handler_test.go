package opsmetrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"heatpump/server/authz"
	"heatpump/server/identity"
	"heatpump/server/storage"
)

func TestHandleWindow(t *testing.T) {
	t.Parallel()

	store := &memoryStore{}
	rec, clock := newTestRecorder(store)
	now := clock.Now()
	store.rows = []storage.OpsMetric{
		{Route: "GET /health", StatusCode: 200, DurationMs: 3, CreatedAt: now.Add(-30 * time.Minute)},
		{Route: "GET /health", StatusCode: 200, DurationMs: 5, CreatedAt: now.Add(-3 * time.Hour)},
	}

	admin := authz.NewIdentity("ops@example.com", []string{"admin"}, nil, "")
	tenant := authz.NewIdentity("t@example.com", []string{"viewer"}, []string{"west"}, "")

	tests := []struct {
		name     string
		id       *authz.Identity
		query    string
		status   int
		requests int
	}{
		{"admin default window", admin, "", http.StatusOK, 2},
		{"admin one hour", admin, "?window=1h", http.StatusOK, 1},
		{"bad window", admin, "?window=yesterday", http.StatusBadRequest, 0},
		{"tenant forbidden", tenant, "", http.StatusForbidden, 0},
		{"anonymous", nil, "", http.StatusUnauthorized, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops/metrics"+tt.query, nil)
			if tt.id != nil {
				req = req.WithContext(identity.WithIdentity(req.Context(), tt.id))
			}
			w := httptest.NewRecorder()
			rec.HandleWindow(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var resp WindowResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Requests != tt.requests {
				t.Errorf("requests = %d, want %d", resp.Requests, tt.requests)
			}
		})
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rec := NewRecorder(Options{Store: &memoryStore{}, Registerer: reg})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {})
	rec.Middleware(mux).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	if !strings.Contains(body, `heatpump_http_requests_total{code="200",route="GET /health"} 1`) {
		t.Fatalf("counter missing from exposition:\n%s", body)
	}
}
