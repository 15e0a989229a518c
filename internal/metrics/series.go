// Package metrics aggregates crawl telemetry from the event stream into
// per-job time series and derived gauges, and exports operator-facing
// counters through Prometheus.
package metrics

import (
	"math"
	"sort"
	"time"
)

// Window names accepted by the series and stats queries.
const (
	Window5m  = "5m"
	Window1h  = "1h"
	Window24h = "24h"
)

// retention bounds how far back points are kept before pruning.
const retention = 24 * time.Hour

// Window pairs a lookback span with the bucket width used when the series is
// downsampled for charting.
type Window struct {
	Name   string
	Span   time.Duration
	Bucket time.Duration
}

// Windows lists the supported lookback windows, shortest first.
var Windows = []Window{
	{Name: Window5m, Span: 5 * time.Minute, Bucket: 5 * time.Second},
	{Name: Window1h, Span: time.Hour, Bucket: time.Minute},
	{Name: Window24h, Span: 24 * time.Hour, Bucket: 15 * time.Minute},
}

// WindowByName resolves a window name; ok is false for unknown names.
func WindowByName(name string) (Window, bool) {
	for _, w := range Windows {
		if w.Name == name {
			return w, true
		}
	}
	return Window{}, false
}

// Point is one timestamped observation.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Bucket is one downsampled slot of a series.
type Bucket struct {
	At    time.Time `json:"at"`
	Avg   float64   `json:"avg"`
	Count int       `json:"count"`
}

// Stats summarizes the points inside one window.
type Stats struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	Latest float64 `json:"latest"`
}

// Series is an append-only sequence of points for one metric. Points arrive
// in timestamp order and anything older than the retention horizon is pruned
// on append. Not safe for concurrent use; the Aggregator guards access.
type Series struct {
	name   string
	points []Point
}

// NewSeries builds an empty series for the named metric.
func NewSeries(name string) *Series {
	return &Series{name: name}
}

// Name returns the metric name.
func (s *Series) Name() string { return s.name }

// Add appends an observation and prunes expired points.
func (s *Series) Add(at time.Time, value float64) {
	s.points = append(s.points, Point{At: at, Value: value})
	horizon := at.Add(-retention)
	cut := 0
	for cut < len(s.points) && s.points[cut].At.Before(horizon) {
		cut++
	}
	if cut > 0 {
		s.points = append(s.points[:0], s.points[cut:]...)
	}
}

// Latest returns the most recent value, or 0 for an empty series.
func (s *Series) Latest() float64 {
	if len(s.points) == 0 {
		return 0
	}
	return s.points[len(s.points)-1].Value
}

// Len returns the number of retained points.
func (s *Series) Len() int { return len(s.points) }

// CountSince returns how many points fall at or after ts.
func (s *Series) CountSince(ts time.Time) int {
	n := 0
	for i := len(s.points) - 1; i >= 0; i-- {
		if s.points[i].At.Before(ts) {
			break
		}
		n++
	}
	return n
}

// windowPoints returns the points inside [now-span, now].
func (s *Series) windowPoints(now time.Time, span time.Duration) []Point {
	start := now.Add(-span)
	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].At.Before(start)
	})
	return s.points[i:]
}

// WindowStats computes summary statistics for one window ending at now.
func (s *Series) WindowStats(now time.Time, w Window) Stats {
	pts := s.windowPoints(now, w.Span)
	st := Stats{Latest: s.Latest()}
	if len(pts) == 0 {
		return st
	}
	st.Count = len(pts)
	st.Min = math.Inf(1)
	st.Max = math.Inf(-1)
	values := make([]float64, 0, len(pts))
	for _, p := range pts {
		st.Sum += p.Value
		st.Min = math.Min(st.Min, p.Value)
		st.Max = math.Max(st.Max, p.Value)
		values = append(values, p.Value)
	}
	st.Avg = st.Sum / float64(st.Count)
	sort.Float64s(values)
	st.P50 = percentile(values, 0.50)
	st.P95 = percentile(values, 0.95)
	return st
}

// Downsample buckets the window's points by the window's bucket width,
// returning per-bucket averages oldest first. Empty buckets are omitted.
func (s *Series) Downsample(now time.Time, w Window) []Bucket {
	pts := s.windowPoints(now, w.Span)
	if len(pts) == 0 {
		return nil
	}
	var out []Bucket
	for _, p := range pts {
		slot := p.At.Truncate(w.Bucket)
		if len(out) == 0 || !out[len(out)-1].At.Equal(slot) {
			out = append(out, Bucket{At: slot})
		}
		b := &out[len(out)-1]
		b.Avg += p.Value
		b.Count++
	}
	for i := range out {
		out[i].Avg /= float64(out[i].Count)
	}
	return out
}

// percentile expects sorted values and interpolates linearly between ranks.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
