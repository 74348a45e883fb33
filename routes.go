package main

import (
	"net/http"

	"heatpump/server/handlers"
	"heatpump/server/identity"
	"heatpump/server/ingest"
	"heatpump/server/latest"
	"heatpump/server/live"
	"heatpump/server/opsmetrics"
	"heatpump/server/series"
)

// routeDeps collects the handlers mounted on the server mux.
type routeDeps struct {
	Health   *handlers.HealthAPI
	Ingest   *ingest.Handler
	Series   *series.Handler
	Latest   *latest.Handler
	Stream   *live.StreamHandler
	Ops      *opsmetrics.Recorder
	Metrics  http.Handler
	Identity identity.Authenticator
}

// newRouter registers every route. Ingest authenticates by batch signature;
// dashboard routes require a verified identity. The ops recorder wraps the
// whole mux so each request is recorded under its matched pattern.
func newRouter(d routeDeps) http.Handler {
	mux := http.NewServeMux()
	authed := identity.Middleware(d.Identity)

	d.Health.RegisterRoutes(mux)
	d.Ingest.RegisterRoutes(mux)
	mux.Handle("GET /telemetry/series", authed(http.HandlerFunc(d.Series.HandleSeries)))
	mux.Handle("POST /telemetry/latest-batch", authed(http.HandlerFunc(d.Latest.HandleLatestBatch)))
	mux.Handle("GET /telemetry/stream", authed(http.HandlerFunc(d.Stream.HandleStream)))
	mux.Handle("GET /ops/metrics", authed(http.HandlerFunc(d.Ops.HandleWindow)))
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	return d.Ops.Middleware(mux)
}
