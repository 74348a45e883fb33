package series

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"heatpump/server/apierr"
)

// Scope selects the granularity of a series query.
type Scope string

const (
	ScopeDevice  Scope = "device"
	ScopeProfile Scope = "profile"
	ScopeFleet   Scope = "fleet"
)

// Fill controls how empty buckets are reported.
type Fill string

const (
	FillNone  Fill = "none"
	FillCarry Fill = "carry"
)

const (
	DefaultLimit = 288
	MaxLimit     = 1000
	defaultSpan  = 24 * time.Hour
)

// Instants outside years 0001..9999 are rejected so window arithmetic
// cannot overflow.
var (
	minInstantMs = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	maxInstantMs = time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC).UnixMilli()
)

// DefaultMetrics is used when the metric parameter is omitted.
var DefaultMetrics = []string{"deltaT", "thermalKW", "cop"}

var allowedMetrics = map[string]bool{
	"supplyC":   true,
	"returnC":   true,
	"flowLps":   true,
	"powerKW":   true,
	"deltaT":    true,
	"thermalKW": true,
	"cop":       true,
}

// extentMetrics also report the spread of per-device averages.
var extentMetrics = map[string]bool{
	"deltaT":    true,
	"thermalKW": true,
	"cop":       true,
}

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"1d":  24 * time.Hour,
}

// Params is a parsed and clamped series request.
type Params struct {
	Scope      Scope
	Device     string
	Profile    string
	Metrics    []string
	Interval   string
	IntervalMs int64
	StartMs    int64
	EndMs      int64
	Limit      int
	Fill       Fill
}

func badParam(format string, args ...interface{}) error {
	return apierr.Validation("invalid_query", format, args...)
}

// ParseParams reads query parameters. The window is clamped so that it
// spans at most Limit buckets, moving the start forward.
func ParseParams(q url.Values, now time.Time) (Params, error) {
	p := Params{
		Device:  strings.TrimSpace(q.Get("device")),
		Profile: strings.TrimSpace(q.Get("profile")),
	}

	switch s := Scope(q.Get("scope")); s {
	case ScopeDevice, ScopeProfile, ScopeFleet:
		p.Scope = s
	case "":
		switch {
		case p.Device != "":
			p.Scope = ScopeDevice
		case p.Profile != "":
			p.Scope = ScopeProfile
		default:
			p.Scope = ScopeFleet
		}
	default:
		return p, badParam("scope: must be device, profile or fleet")
	}
	if p.Scope == ScopeDevice && p.Device == "" {
		return p, badParam("device: required for device scope")
	}

	metrics, err := parseMetrics(q.Get("metric"))
	if err != nil {
		return p, err
	}
	p.Metrics = metrics

	p.Interval = q.Get("interval")
	if p.Interval == "" {
		p.Interval = "5m"
	}
	width, ok := intervals[p.Interval]
	if !ok {
		return p, badParam("interval: must be one of 1m, 5m, 15m, 1h, 1d")
	}
	p.IntervalMs = width.Milliseconds()

	p.Limit = DefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxLimit {
			return p, badParam("limit: must be an integer between 1 and %d", MaxLimit)
		}
		p.Limit = n
	}

	switch f := Fill(q.Get("fill")); f {
	case "":
		p.Fill = FillNone
	case FillNone, FillCarry:
		p.Fill = f
	default:
		return p, badParam("fill: must be carry or none")
	}

	end := now.UnixMilli()
	if v := q.Get("end"); v != "" {
		if end, ok = parseInstant(v); !ok {
			return p, badParam("end: must be RFC3339 or epoch milliseconds within years 0001-9999")
		}
	}
	start := end - defaultSpan.Milliseconds()
	if v := q.Get("start"); v != "" {
		if start, ok = parseInstant(v); !ok {
			return p, badParam("start: must be RFC3339 or epoch milliseconds within years 0001-9999")
		}
	}
	if start > end {
		return p, badParam("start: must not be after end")
	}
	if maxSpan := int64(p.Limit) * p.IntervalMs; start < end-maxSpan {
		start = end - maxSpan
	}
	p.StartMs, p.EndMs = start, end
	return p, nil
}

func parseMetrics(csv string) ([]string, error) {
	if strings.TrimSpace(csv) == "" {
		return append([]string(nil), DefaultMetrics...), nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range strings.Split(csv, ",") {
		m = strings.TrimSpace(m)
		if !allowedMetrics[m] {
			return nil, badParam("metric: %q is not a series metric", m)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

func parseInstant(v string) (int64, bool) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		t, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			return 0, false
		}
		ms = t.UnixMilli()
	}
	if ms < minInstantMs || ms > maxInstantMs {
		return 0, false
	}
	return ms, true
}
