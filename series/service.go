package series

import (
	"context"
	"errors"
	"fmt"
	"time"

	"heatpump/server/apierr"
	"heatpump/server/authz"
	"heatpump/server/derive"
	"heatpump/server/storage"
)

// Store is the read surface the series service needs.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*storage.Device, error)
	ListSeriesSamples(ctx context.Context, q storage.SeriesQuery) ([]storage.SeriesSample, error)
}

const (
	adminPrecision  = 4
	tenantPrecision = 1
)

var errAmbiguousProfile = apierr.Validation("ambiguous_profile", "profile: required when the caller belongs to several profiles")

// Service answers series queries within the caller's scope.
type Service struct {
	store  Store
	pseudo *authz.Pseudonymizer
	now    func() time.Time
}

// NewService creates a series Service.
func NewService(store Store, pseudo *authz.Pseudonymizer) *Service {
	return &Service{store: store, pseudo: pseudo, now: time.Now}
}

// Window is the effective, clamped query window.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// StatJSON is one metric value in a bucket.
type StatJSON struct {
	Avg float64  `json:"avg"`
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// BucketJSON is one series point.
type BucketJSON struct {
	BucketStart string              `json:"bucket_start"`
	SampleCount int                 `json:"sample_count"`
	Values      map[string]StatJSON `json:"values"`
}

// Response is the GET /telemetry/series body.
type Response struct {
	GeneratedAt string       `json:"generated_at"`
	Scope       Scope        `json:"scope"`
	Device      string       `json:"device,omitempty"`
	Profile     string       `json:"profile,omitempty"`
	Interval    string       `json:"interval"`
	IntervalMs  int64        `json:"interval_ms"`
	Fill        Fill         `json:"fill"`
	Window      Window       `json:"window"`
	Metrics     []string     `json:"metrics"`
	Series      []BucketJSON `json:"series"`

	// deviceID is the resolved raw id for device scope, used for request
	// accounting only.
	deviceID string
}

// DeviceID returns the resolved device id for device-scope responses.
func (r *Response) DeviceID() string { return r.deviceID }

// Query authorizes p for id, loads the window and aggregates it.
func (s *Service) Query(ctx context.Context, id *authz.Identity, p Params) (*Response, error) {
	if err := authz.Authorize(id, authz.ActionSeriesRead); err != nil {
		return nil, err
	}
	admin := id.IsAdmin()
	scope := authz.BuildScope(id)

	q := storage.SeriesQuery{StartMs: p.StartMs, EndMs: p.EndMs, Metrics: p.Metrics}
	resp := &Response{Scope: p.Scope}

	switch p.Scope {
	case ScopeDevice:
		deviceID, ok := s.pseudo.Resolve(p.Device, admin)
		if !ok {
			return nil, authz.ErrNotFound
		}
		dev, err := s.store.GetDevice(ctx, deviceID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, authz.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("series device lookup: %w", err)
		}
		if !scope.Allows(dev.ProfileID) {
			return nil, authz.ErrForbidden
		}
		q.Filter = scope.Filter()
		q.DeviceID = deviceID
		resp.Device = p.Device
		resp.deviceID = deviceID

	case ScopeProfile:
		profile := p.Profile
		if profile == "" {
			profiles := scope.Profiles()
			switch {
			case scope.Unrestricted() || len(profiles) > 1:
				return nil, errAmbiguousProfile
			case len(profiles) == 0:
				return nil, authz.ErrForbidden
			}
			profile = profiles[0]
		}
		narrowed, ok := scope.Narrow(profile)
		if !ok {
			return nil, authz.ErrForbidden
		}
		q.Filter = narrowed.Filter()
		resp.Profile = profile

	default:
		q.Filter = scope.Filter()
	}

	samples, err := s.store.ListSeriesSamples(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("series samples: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buckets, err := Aggregate(ctx, samples, p)
	if err != nil {
		return nil, err
	}
	precision := tenantPrecision
	if admin {
		precision = adminPrecision
	}

	resp.GeneratedAt = s.now().UTC().Format(time.RFC3339)
	resp.Interval = p.Interval
	resp.IntervalMs = p.IntervalMs
	resp.Fill = p.Fill
	resp.Window = Window{Start: formatMs(p.StartMs), End: formatMs(p.EndMs)}
	resp.Metrics = p.Metrics
	resp.Series = make([]BucketJSON, 0, len(buckets))
	for _, b := range buckets {
		resp.Series = append(resp.Series, maskBucket(b, precision))
	}
	return resp, nil
}

func maskBucket(b Bucket, places int) BucketJSON {
	out := BucketJSON{
		BucketStart: formatMs(b.Start),
		SampleCount: b.SampleCount,
		Values:      make(map[string]StatJSON, len(b.Values)),
	}
	for m, st := range b.Values {
		out.Values[m] = StatJSON{
			Avg: derive.Round(st.Avg, places),
			Min: roundPtr(st.Min, places),
			Max: roundPtr(st.Max, places),
		}
	}
	return out
}

func roundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := derive.Round(*v, places)
	return &r
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}
