package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTimestamp aborts a batch whose record timestamp cannot be parsed.
	ErrInvalidTimestamp = errors.New("storage: invalid record timestamp")
)

// Store is the persistence surface used by the HTTP layer.
type Store interface {
	PersistBatch(ctx context.Context, batch *IngestBatch) (int, error)

	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListLatestStates(ctx context.Context, deviceIDs []string) (map[string]*LatestState, error)
	ListSeriesSamples(ctx context.Context, q SeriesQuery) ([]SeriesSample, error)

	InsertOpsMetric(ctx context.Context, m *OpsMetric) error
	PruneOpsMetrics(ctx context.Context, before time.Time) (int64, error)
	ListOpsMetrics(ctx context.Context, since time.Time) ([]OpsMetric, error)

	PingContext(ctx context.Context) error
	Close() error
}

// Readings holds the numeric series columns shared by telemetry and latest_state.
// Nil means the value was not reported (raw) or could not be derived.
type Readings struct {
	SupplyC    *float64
	ReturnC    *float64
	FlowLps    *float64
	PowerKW    *float64
	DeltaT     *float64
	ThermalKW  *float64
	COP        *float64
	COPQuality *string
}

// IngestRecord is one validated, derived record ready to persist.
type IngestRecord struct {
	DeviceID   string
	Seq        int64
	Timestamp  string
	KeyVersion string
	Readings   Readings

	ControlMode string
	StatusCode  string
	FaultCode   string
	Faults      []string

	// Metrics is the metrics object exactly as received.
	Metrics json.RawMessage
}

// IngestBatch is the envelope plus records of one signed ingest call.
type IngestBatch struct {
	BatchID    string
	ProfileID  string
	ReceivedAt time.Time
	Records    []IngestRecord
}

// Device is a registry row. ProfileID is empty until the device is claimed.
type Device struct {
	DeviceID   string
	ProfileID  string
	SiteName   string
	SiteRegion string
	Online     bool
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// LatestState is the newest snapshot for one device.
type LatestState struct {
	DeviceID  string
	ProfileID string
	Timestamp time.Time
	Seq       int64
	Readings  Readings

	ControlMode string
	StatusCode  string
	FaultCode   string
	Faults      []string
	Online      bool
	Payload     json.RawMessage
	UpdatedAt   time.Time
}

// ProfileFilter is a typed tenant predicate. The zero value matches nothing.
type ProfileFilter struct {
	All        bool
	ProfileIDs []string
}

// MatchesNothing reports whether no device can satisfy the filter.
func (f ProfileFilter) MatchesNothing() bool {
	return !f.All && len(f.ProfileIDs) == 0
}

// SeriesQuery selects raw samples for aggregation. Bounds are inclusive epoch ms.
type SeriesQuery struct {
	Filter   ProfileFilter
	DeviceID string
	StartMs  int64
	EndMs    int64
	Metrics  []string
}

// SeriesSample is one telemetry row reduced to the requested metrics.
// Values only contains metrics that were non-null on the row.
type SeriesSample struct {
	DeviceID string
	TsMs     int64
	Values   map[string]float64
}

// OpsMetric is one served request.
type OpsMetric struct {
	Route      string
	StatusCode int
	DurationMs float64
	DeviceID   string
	CreatedAt  time.Time
}

var metricColumns = map[string]string{
	"supplyC":   "supply_c",
	"returnC":   "return_c",
	"flowLps":   "flow_lps",
	"powerKW":   "power_kw",
	"deltaT":    "delta_t",
	"thermalKW": "thermal_kw",
	"cop":       "cop",
}

// MetricColumn maps a series metric name to its column.
func MetricColumn(metric string) (string, bool) {
	col, ok := metricColumns[metric]
	return col, ok
}

// Value returns the named series metric from r.
func (r Readings) Value(metric string) *float64 {
	switch metric {
	case "supplyC":
		return r.SupplyC
	case "returnC":
		return r.ReturnC
	case "flowLps":
		return r.FlowLps
	case "powerKW":
		return r.PowerKW
	case "deltaT":
		return r.DeltaT
	case "thermalKW":
		return r.ThermalKW
	case "cop":
		return r.COP
	}
	return nil
}
