package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeriesWindowStats(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSeries(MetricDownloadSpeedMbps)

	// Old point that falls outside the 5m window but inside 1h.
	s.Add(now.Add(-30*time.Minute), 100)
	for i, v := range []float64{10, 20, 30, 40} {
		s.Add(now.Add(-time.Duration(4-i)*time.Minute), v)
	}

	w5, _ := WindowByName(Window5m)
	st := s.WindowStats(now, w5)
	require.Equal(t, 4, st.Count)
	require.InDelta(t, 25, st.Avg, 1e-9)
	require.InDelta(t, 10, st.Min, 1e-9)
	require.InDelta(t, 40, st.Max, 1e-9)
	require.InDelta(t, 25, st.P50, 1e-9)
	require.InDelta(t, 38.5, st.P95, 1e-9)
	require.InDelta(t, 40, st.Latest, 1e-9)

	w1h, _ := WindowByName(Window1h)
	st = s.WindowStats(now, w1h)
	require.Equal(t, 5, st.Count)
	require.InDelta(t, 100, st.Max, 1e-9)
}

func TestSeriesEmptyWindow(t *testing.T) {
	t.Parallel()

	s := NewSeries(MetricQueueSize)
	w, _ := WindowByName(Window5m)
	st := s.WindowStats(time.Now(), w)
	require.Zero(t, st.Count)
	require.Zero(t, st.Avg)
}

func TestSeriesDownsample(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSeries(MetricPagesPerSecond)
	// Two points in one 5s bucket, one in the next.
	s.Add(now.Add(-10*time.Second), 2)
	s.Add(now.Add(-9*time.Second), 4)
	s.Add(now.Add(-4*time.Second), 6)

	w, _ := WindowByName(Window5m)
	buckets := s.Downsample(now, w)
	require.Len(t, buckets, 2)
	require.InDelta(t, 3, buckets[0].Avg, 1e-9)
	require.Equal(t, 2, buckets[0].Count)
	require.InDelta(t, 6, buckets[1].Avg, 1e-9)
}

func TestSeriesPrunesBeyondRetention(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSeries(MetricURLsCrawled)
	s.Add(now.Add(-25*time.Hour), 1)
	s.Add(now.Add(-23*time.Hour), 2)
	s.Add(now, 3)

	require.Equal(t, 2, s.Len())
	require.InDelta(t, 3, s.Latest(), 1e-9)
}
