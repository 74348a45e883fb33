// Package opsmetrics records one row per served request and exposes
// request counters to Prometheus. Recording is best-effort and never
// affects the request it describes.
package opsmetrics

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"heatpump/server/storage"
)

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultPruneInterval = 15 * time.Minute
	insertTimeout        = 2 * time.Second
)

// Store is the persistence the recorder needs.
type Store interface {
	InsertOpsMetric(ctx context.Context, m *storage.OpsMetric) error
	PruneOpsMetrics(ctx context.Context, before time.Time) (int64, error)
	ListOpsMetrics(ctx context.Context, since time.Time) ([]storage.OpsMetric, error)
}

// Options configures a Recorder.
type Options struct {
	Store         Store
	Registerer    prometheus.Registerer
	Logger        *slog.Logger
	Retention     time.Duration
	PruneInterval time.Duration
	Now           func() time.Time
}

// Recorder persists request metrics and prunes them lazily.
type Recorder struct {
	store         Store
	logger        *slog.Logger
	retention     time.Duration
	pruneInterval time.Duration
	now           func() time.Time

	// lastPrune is the unix-ms time of the last prune attempt. Concurrent
	// readers may both prune; the second delete is a no-op.
	lastPrune atomic.Int64

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder creates a Recorder and registers its collectors on opts.Registerer.
func NewRecorder(opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	factory := promauto.With(opts.Registerer)

	return &Recorder{
		store:         opts.Store,
		logger:        logger,
		retention:     opts.Retention,
		pruneInterval: opts.PruneInterval,
		now:           opts.Now,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "heatpump_http_requests_total",
			Help: "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heatpump_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

type annotation struct {
	deviceID string
}

type annotationKey struct{}

// Annotate attaches a device id to the request's metric row. It is a no-op
// outside the middleware.
func Annotate(ctx context.Context, deviceID string) {
	if a, ok := ctx.Value(annotationKey{}).(*annotation); ok {
		a.deviceID = deviceID
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Hijack supports websocket upgrades behind the middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil && s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Middleware wraps next, recording route, status and latency once it returns.
// Requests whose context was canceled are not recorded.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := r.now()
		ann := &annotation{}
		req = req.WithContext(context.WithValue(req.Context(), annotationKey{}, ann))
		sw := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(sw, req)

		if req.Context().Err() != nil {
			return
		}
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := r.now().Sub(start)

		r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		r.duration.WithLabelValues(route).Observe(elapsed.Seconds())
		r.Record(req.Context(), storage.OpsMetric{
			Route:      route,
			StatusCode: status,
			DurationMs: float64(elapsed.Microseconds()) / 1000,
			DeviceID:   ann.deviceID,
			CreatedAt:  start.UTC(),
		})
	})
}

// Record inserts m. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, m storage.OpsMetric) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insertTimeout)
	defer cancel()
	if err := r.store.InsertOpsMetric(ctx, &m); err != nil {
		r.logger.Warn("ops metric insert failed", "route", m.Route, "status", m.StatusCode, "error", err)
	}
}

// Window returns rows created at or after since, pruning expired rows first
// when the prune interval has elapsed since the last attempt.
func (r *Recorder) Window(ctx context.Context, since time.Time) ([]storage.OpsMetric, error) {
	r.maybePrune(ctx)
	return r.store.ListOpsMetrics(ctx, since)
}

func (r *Recorder) maybePrune(ctx context.Context) bool {
	now := r.now()
	last := r.lastPrune.Load()
	if last != 0 && now.Sub(time.UnixMilli(last)) < r.pruneInterval {
		return false
	}
	if !r.lastPrune.CompareAndSwap(last, now.UnixMilli()) {
		return false
	}
	deleted, err := r.store.PruneOpsMetrics(ctx, now.Add(-r.retention))
	if err != nil {
		r.logger.Warn("ops metrics prune failed", "error", err)
		return true
	}
	r.logger.Debug("ops metrics pruned", "deleted", deleted)
	return true
}
