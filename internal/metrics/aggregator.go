// Package metrics folds crawl events into per-job rolling metrics with
// fixed-width time windows, and mirrors the stream onto Prometheus collectors
// for process-wide scraping.
package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"crawlcore/internal/events"
	"crawlcore/internal/job"
)

// Metric names tracked per job.
const (
	MetricURLsCrawled           = "urls_crawled"
	MetricURLsFailed            = "urls_failed"
	MetricPagesPerSecond        = "pages_per_second"
	MetricPagesPerMinute        = "pages_per_minute"
	MetricDocumentsFound        = "documents_found"
	MetricDocumentsDownloaded   = "documents_downloaded"
	MetricDownloadBytes         = "download_bytes"
	MetricDownloadSpeedMbps     = "download_speed_mbps"
	MetricExtractionSuccessRate = "extraction_success_rate"
	MetricAvgQualityScore       = "avg_quality_score"
	MetricQualityPassRate       = "quality_pass_rate"
	MetricDuplicatesRemoved     = "duplicates_removed"
	MetricSuccessRate           = "success_rate"
	MetricErrorRate             = "error_rate"
	MetricCPUUsagePercent       = "cpu_usage_percent"
	MetricMemoryUsageMB         = "memory_usage_mb"
	MetricThreadCount           = "thread_count"
	MetricQueueSize             = "queue_size"
)

// MetricNames lists every tracked metric, in display order.
var MetricNames = []string{
	MetricURLsCrawled,
	MetricURLsFailed,
	MetricPagesPerSecond,
	MetricPagesPerMinute,
	MetricDocumentsFound,
	MetricDocumentsDownloaded,
	MetricDownloadBytes,
	MetricDownloadSpeedMbps,
	MetricExtractionSuccessRate,
	MetricAvgQualityScore,
	MetricQualityPassRate,
	MetricDuplicatesRemoved,
	MetricSuccessRate,
	MetricErrorRate,
	MetricCPUUsagePercent,
	MetricMemoryUsageMB,
	MetricThreadCount,
	MetricQueueSize,
}

// Errors returned by the query methods.
var (
	ErrUnknownMetric = fmt.Errorf("unknown metric")
	ErrUnknownWindow = fmt.Errorf("unknown window")
)

// jobMetrics is the per-job accumulator state behind the derived gauges.
type jobMetrics struct {
	series map[string]*Series

	discovered     int64
	crawled        int64
	failed         int64
	docsFound      int64
	docsDownloaded int64
	duplicates     int64
	bytes          int64

	extractionDone int64

	qualitySum    float64
	qualityCount  int64
	qualityPassed int64
}

func newJobMetrics() *jobMetrics {
	jm := &jobMetrics{series: make(map[string]*Series, len(MetricNames))}
	for _, name := range MetricNames {
		jm.series[name] = NewSeries(name)
	}
	return jm
}

func (jm *jobMetrics) record(name string, at time.Time, value float64) {
	jm.series[name].Add(at, value)
}

// Aggregator turns the raw event stream into per-job metric series. It is a
// bus subscriber: wire Handle with Bus.SubscribeAll.
type Aggregator struct {
	clock  job.Clock
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*jobMetrics
}

// NewAggregator builds an Aggregator using the given clock for windowing.
func NewAggregator(clock job.Clock, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		clock:  clock,
		logger: logger,
		jobs:   make(map[string]*jobMetrics),
	}
}

func (a *Aggregator) forJob(jobID string) *jobMetrics {
	jm, ok := a.jobs[jobID]
	if !ok {
		jm = newJobMetrics()
		a.jobs[jobID] = jm
	}
	return jm
}

// Handle consumes one event and updates the owning job's series.
func (a *Aggregator) Handle(evt events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	jm := a.forJob(evt.JobID)
	at := evt.Timestamp

	switch p := evt.Payload.(type) {
	case events.URLDiscovered:
		jm.discovered++
		jm.record(MetricQueueSize, at, jm.queueSize())
	case events.PageCrawled:
		jm.crawled++
		jm.bytes += p.Bytes
		jm.record(MetricURLsCrawled, at, float64(jm.crawled))
		jm.record(MetricDownloadBytes, at, float64(jm.bytes))
		if p.Duration > 0 && p.Bytes > 0 {
			mbps := float64(p.Bytes) * 8 / 1e6 / p.Duration.Seconds()
			jm.record(MetricDownloadSpeedMbps, at, mbps)
		}
		jm.recordRates(at)
		jm.recordOutcomes(at)
		jm.record(MetricQueueSize, at, jm.queueSize())
	case events.PageFailed:
		jm.failed++
		jm.record(MetricURLsFailed, at, float64(jm.failed))
		jm.recordOutcomes(at)
		jm.record(MetricQueueSize, at, jm.queueSize())
	case events.DocumentFound:
		jm.docsFound++
		jm.record(MetricDocumentsFound, at, float64(jm.docsFound))
	case events.DocumentDownloaded:
		jm.docsDownloaded++
		jm.bytes += p.Bytes
		jm.record(MetricDocumentsDownloaded, at, float64(jm.docsDownloaded))
		jm.record(MetricDownloadBytes, at, float64(jm.bytes))
	case events.ExtractionComplete:
		jm.extractionDone += p.Documents
		jm.record(MetricExtractionSuccessRate, at, jm.extractionRate())
	case events.QualityAssessed:
		jm.qualityCount++
		jm.qualitySum += p.Score
		if p.Passed {
			jm.qualityPassed++
		}
		jm.record(MetricAvgQualityScore, at, jm.qualitySum/float64(jm.qualityCount))
		jm.record(MetricQualityPassRate, at, float64(jm.qualityPassed)/float64(jm.qualityCount))
	case events.DuplicateFound:
		jm.duplicates++
		jm.record(MetricDuplicatesRemoved, at, float64(jm.duplicates))
	case events.MetricsUpdate:
		// External collaborators (fetcher, extractor processes) push values
		// they alone can measure, e.g. process CPU.
		for name, value := range p.Values {
			if _, ok := jm.series[name]; ok {
				jm.record(name, at, value)
			} else {
				a.logger.Debug("ignoring unknown pushed metric", zap.String("metric", name))
			}
		}
	}
}

func (jm *jobMetrics) queueSize() float64 {
	q := jm.discovered - jm.crawled - jm.failed
	if q < 0 {
		q = 0
	}
	return float64(q)
}

func (jm *jobMetrics) recordRates(at time.Time) {
	s := jm.series[MetricURLsCrawled]
	jm.record(MetricPagesPerSecond, at, float64(s.CountSince(at.Add(-time.Minute)))/60)
	jm.record(MetricPagesPerMinute, at, float64(s.CountSince(at.Add(-5*time.Minute)))/5)
}

func (jm *jobMetrics) recordOutcomes(at time.Time) {
	total := jm.crawled + jm.failed
	if total == 0 {
		return
	}
	rate := float64(jm.crawled) / float64(total)
	jm.record(MetricSuccessRate, at, rate)
	jm.record(MetricErrorRate, at, 1-rate)
}

func (jm *jobMetrics) extractionRate() float64 {
	if jm.docsDownloaded == 0 {
		return 0
	}
	rate := float64(jm.extractionDone) / float64(jm.docsDownloaded)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// Snapshot returns the latest value of every metric for a job.
func (a *Aggregator) Snapshot(jobID string) (map[string]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	jm, ok := a.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	out := make(map[string]float64, len(MetricNames))
	for _, name := range MetricNames {
		out[name] = jm.series[name].Latest()
	}
	return out, nil
}

// WindowStats summarizes one metric over one named window.
func (a *Aggregator) WindowStats(jobID, metric, window string) (Stats, error) {
	w, ok := WindowByName(window)
	if !ok {
		return Stats{}, fmt.Errorf("window %q: %w", window, ErrUnknownWindow)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	jm, ok := a.jobs[jobID]
	if !ok {
		return Stats{}, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	s, ok := jm.series[metric]
	if !ok {
		return Stats{}, fmt.Errorf("metric %q: %w", metric, ErrUnknownMetric)
	}
	return s.WindowStats(a.clock.Now(), w), nil
}

// SeriesBuckets downsamples one metric for charting over one named window.
func (a *Aggregator) SeriesBuckets(jobID, metric, window string) ([]Bucket, error) {
	w, ok := WindowByName(window)
	if !ok {
		return nil, fmt.Errorf("window %q: %w", window, ErrUnknownWindow)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	jm, ok := a.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	s, ok := jm.series[metric]
	if !ok {
		return nil, fmt.Errorf("metric %q: %w", metric, ErrUnknownMetric)
	}
	return s.Downsample(a.clock.Now(), w), nil
}

// EstimateCompletion extrapolates remaining crawl time from the recent page
// rate. ok is false when there is no rate to extrapolate from or no target.
func (a *Aggregator) EstimateCompletion(jobID string, targetPages int) (time.Duration, bool) {
	if targetPages <= 0 {
		return 0, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	jm, ok := a.jobs[jobID]
	if !ok {
		return 0, false
	}
	remaining := int64(targetPages) - jm.crawled
	if remaining <= 0 {
		return 0, true
	}
	rate := jm.series[MetricPagesPerSecond].Latest()
	if rate <= 0 {
		return 0, false
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second)), true
}

// CleanupJob drops a finished job's series.
func (a *Aggregator) CleanupJob(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.jobs, jobID)
}

// SampleResources records process memory and goroutine gauges into every
// tracked job. It runs until ctx is cancelled; call it on its own goroutine.
func (a *Aggregator) SampleResources(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sampleOnce()
		}
	}
}

func (a *Aggregator) sampleOnce() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB := float64(ms.HeapAlloc) / (1 << 20)
	threads := float64(runtime.NumGoroutine())

	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, jm := range a.jobs {
		jm.record(MetricMemoryUsageMB, now, memMB)
		jm.record(MetricThreadCount, now, threads)
	}
}
