package opsmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heatpump/server/apierr"
	"heatpump/server/authz"
	"heatpump/server/identity"
)

const (
	defaultWindow = 24 * time.Hour
	maxWindow     = DefaultRetention
)

// WindowResponse is the body of GET /ops/metrics.
type WindowResponse struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Since       time.Time      `json:"since"`
	Requests    int            `json:"requests"`
	Routes      []RouteSummary `json:"routes"`
}

// HandleWindow serves GET /ops/metrics?window=24h to admins.
func (r *Recorder) HandleWindow(w http.ResponseWriter, req *http.Request) {
	if err := authz.Authorize(identity.FromContext(req.Context()), authz.ActionOpsMetricsRead); err != nil {
		apierr.Write(w, err)
		return
	}

	window := defaultWindow
	if raw := req.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			apierr.Write(w, apierr.Validation("invalid_query", "window: must be a positive duration such as 24h"))
			return
		}
		window = min(d, maxWindow)
	}

	now := r.now().UTC()
	since := now.Add(-window)
	rows, err := r.Window(req.Context(), since)
	if err != nil {
		if apierr.IsCanceled(err) {
			return
		}
		r.logger.Error("ops metrics window read failed", "error", err)
		apierr.Write(w, apierr.Wrap(apierr.KindStorage, "ops_metrics_unavailable", err))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, WindowResponse{
		GeneratedAt: now,
		Since:       since,
		Requests:    len(rows),
		Routes:      Summarize(rows),
	})
}

// MetricsHandler exposes the Prometheus gatherer, typically on GET /metrics.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
