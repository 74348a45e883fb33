package series

import (
	"context"
	"math"
	"sort"

	"heatpump/server/storage"
)

// Stat is the aggregate of one metric in one bucket. Min and Max are set
// for extent metrics and for carried buckets.
type Stat struct {
	Avg float64
	Min *float64
	Max *float64
}

// Bucket is one aligned time slot. SampleCount is the number of raw samples
// that fell into it; zero marks a carried bucket.
type Bucket struct {
	Start       int64
	SampleCount int
	Values      map[string]Stat
}

type accumulator struct {
	sum   float64
	count int
}

type bucketState struct {
	samples int
	// metric -> device -> running sum
	perDevice map[string]map[string]*accumulator
}

const cancelCheckEvery = 1024

// alignDown returns the epoch-aligned bucket start containing ts.
func alignDown(ts, width int64) int64 {
	b := ts - ts%width
	if ts < 0 && ts%width != 0 {
		b -= width
	}
	return b
}

// Aggregate buckets samples per p. Each bucket value is the mean of the
// per-device means, so a chatty device counts once. Under FillCarry every
// boundary from start to end is emitted once a first value is known; under
// FillNone empty buckets are omitted. At most p.Limit of the newest
// buckets are returned. The carry walk stops early when ctx is done.
func Aggregate(ctx context.Context, samples []storage.SeriesSample, p Params) ([]Bucket, error) {
	width := p.IntervalMs
	if width <= 0 || p.EndMs < p.StartMs {
		return nil, nil
	}

	states := make(map[int64]*bucketState)
	for _, s := range samples {
		if s.TsMs < p.StartMs || s.TsMs > p.EndMs {
			continue
		}
		b := alignDown(s.TsMs, width)
		st := states[b]
		if st == nil {
			st = &bucketState{perDevice: make(map[string]map[string]*accumulator)}
			states[b] = st
		}
		st.samples++
		for _, m := range p.Metrics {
			v, ok := s.Values[m]
			if !ok {
				continue
			}
			devices := st.perDevice[m]
			if devices == nil {
				devices = make(map[string]*accumulator)
				st.perDevice[m] = devices
			}
			acc := devices[s.DeviceID]
			if acc == nil {
				acc = &accumulator{}
				devices[s.DeviceID] = acc
			}
			acc.sum += v
			acc.count++
		}
	}

	var out []Bucket
	switch p.Fill {
	case FillCarry:
		var last map[string]Stat
		for b, n := alignDown(p.StartMs, width), 0; ; b, n = b+width, n+1 {
			if n%cancelCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			if st, ok := states[b]; ok {
				bucket := summarize(b, st, p.Metrics)
				last = bucket.Values
				out = append(out, bucket)
			} else if last != nil {
				out = append(out, carried(b, last))
			}
			// Compared before stepping so b never wraps past MaxInt64.
			if b > p.EndMs-width {
				break
			}
		}
	default:
		starts := make([]int64, 0, len(states))
		for b := range states {
			starts = append(starts, b)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
		for _, b := range starts {
			out = append(out, summarize(b, states[b], p.Metrics))
		}
	}

	if p.Limit > 0 && len(out) > p.Limit {
		out = out[len(out)-p.Limit:]
	}
	return out, nil
}

func summarize(start int64, st *bucketState, metrics []string) Bucket {
	bucket := Bucket{Start: start, SampleCount: st.samples, Values: make(map[string]Stat, len(metrics))}
	for _, m := range metrics {
		devices := st.perDevice[m]
		if len(devices) == 0 {
			continue
		}
		ids := make([]string, 0, len(devices))
		for id := range devices {
			ids = append(ids, id)
		}
		// Fixed summation order keeps results bit-identical across runs.
		sort.Strings(ids)

		var total, lo, hi float64
		first := true
		for _, id := range ids {
			acc := devices[id]
			avg := acc.sum / float64(acc.count)
			total += avg
			if first || avg < lo {
				lo = avg
			}
			if first || avg > hi {
				hi = avg
			}
			first = false
		}
		stat := Stat{Avg: total / float64(len(devices))}
		if !finite(stat.Avg) || !finite(lo) || !finite(hi) {
			continue
		}
		if extentMetrics[m] {
			stat.Min, stat.Max = &lo, &hi
		}
		bucket.Values[m] = stat
	}
	return bucket
}

func carried(start int64, last map[string]Stat) Bucket {
	values := make(map[string]Stat, len(last))
	for m, s := range last {
		avg := s.Avg
		lo, hi := avg, avg
		values[m] = Stat{Avg: avg, Min: &lo, Max: &hi}
	}
	return Bucket{Start: start, SampleCount: 0, Values: values}
}

func finite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}
