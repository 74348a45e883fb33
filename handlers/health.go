// Package handlers provides the unauthenticated operational HTTP handlers.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthAPI provides HTTP handlers for health checks and version information.
type HealthAPI struct {
	version      string
	buildTime    string
	gitCommit    string
	buildType    string
	processStart time.Time
	db           Pinger
	dbBackend    string
	clients      func() int // Optional live subscriber count
}

// HealthAPIOptions configures the health API.
type HealthAPIOptions struct {
	Version      string
	BuildTime    string
	GitCommit    string
	BuildType    string
	ProcessStart time.Time
	DB           Pinger
	DBBackend    string
	LiveClients  func() int
}

// NewHealthAPI creates a new health API instance.
func NewHealthAPI(opts HealthAPIOptions) *HealthAPI {
	if opts.ProcessStart.IsZero() {
		opts.ProcessStart = time.Now()
	}
	return &HealthAPI{
		version:      opts.Version,
		buildTime:    opts.BuildTime,
		gitCommit:    opts.GitCommit,
		buildType:    opts.BuildType,
		processStart: opts.ProcessStart,
		db:           opts.DB,
		dbBackend:    opts.DBBackend,
		clients:      opts.LiveClients,
	}
}

// RegisterRoutes registers the health and version routes.
func (api *HealthAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", api.HandleHealth)
	mux.HandleFunc("GET /api/version", api.HandleVersion)
}

// HandleHealth handles GET /health. It is public for load balancers and
// answers 503 when the database does not respond.
func (api *HealthAPI) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	resp := map[string]interface{}{
		"timestamp": time.Now().UTC(),
	}
	if api.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := api.db.PingContext(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			resp["database"] = "unreachable"
		} else {
			resp["database"] = "ok"
		}
	}
	resp["status"] = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// HandleVersion handles GET /api/version.
func (api *HealthAPI) HandleVersion(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"version":    api.version,
		"build_time": api.buildTime,
		"git_commit": api.gitCommit,
		"build_type": api.buildType,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(api.processStart).Round(time.Second).String(),
	}
	if api.dbBackend != "" {
		resp["database_backend"] = api.dbBackend
	}
	if api.clients != nil {
		resp["live_clients"] = api.clients()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RunHealthCheck probes the local /health endpoint, for container HEALTHCHECK use.
func RunHealthCheck(port int) error {
	if port <= 0 {
		port = 8080
	}
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || payload.Status != "healthy" {
		return fmt.Errorf("unhealthy status %d: %s", resp.StatusCode, payload.Status)
	}
	return nil
}
