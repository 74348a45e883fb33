package opsmetrics

import (
	"math"
	"sort"

	"heatpump/server/storage"
)

// RouteSummary aggregates the rows of one route.
type RouteSummary struct {
	Route        string  `json:"route"`
	Requests     int     `json:"requests"`
	ClientErrors int     `json:"client_errors"`
	ServerErrors int     `json:"server_errors"`
	AvgMs        float64 `json:"avg_ms"`
	P95Ms        float64 `json:"p95_ms"`
	MaxMs        float64 `json:"max_ms"`
}

// Summarize groups rows by route, sorted by route name.
func Summarize(rows []storage.OpsMetric) []RouteSummary {
	durations := make(map[string][]float64)
	byRoute := make(map[string]*RouteSummary)
	for _, m := range rows {
		s, ok := byRoute[m.Route]
		if !ok {
			s = &RouteSummary{Route: m.Route}
			byRoute[m.Route] = s
		}
		s.Requests++
		switch {
		case m.StatusCode >= 500:
			s.ServerErrors++
		case m.StatusCode >= 400:
			s.ClientErrors++
		}
		durations[m.Route] = append(durations[m.Route], m.DurationMs)
	}

	out := make([]RouteSummary, 0, len(byRoute))
	for route, s := range byRoute {
		d := durations[route]
		sort.Float64s(d)
		var sum float64
		for _, v := range d {
			sum += v
		}
		s.AvgMs = round2(sum / float64(len(d)))
		s.P95Ms = round2(percentile(d, 0.95))
		s.MaxMs = round2(d[len(d)-1])
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
