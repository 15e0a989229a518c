package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"crawlcore/internal/events"
)

// PrometheusSink mirrors the event stream into operator-facing Prometheus
// counters. It is a bus subscriber: wire Handle with Bus.SubscribeAll. The
// registerer is injected so tests can use a private registry.
type PrometheusSink struct {
	eventsTotal   *prometheus.CounterVec
	pagesCrawled  *prometheus.CounterVec
	pagesFailed   *prometheus.CounterVec
	documents     *prometheus.CounterVec
	downloadBytes *prometheus.CounterVec
	stateChanges  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
}

// NewPrometheusSink registers the crawl counters with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_events_total",
			Help: "Crawl events published, by kind and severity.",
		}, []string{"kind", "severity"}),
		pagesCrawled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_pages_crawled_total",
			Help: "Pages fetched successfully, by job.",
		}, []string{"job_id"}),
		pagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_pages_failed_total",
			Help: "Page fetches that failed, by job.",
		}, []string{"job_id"}),
		documents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_documents_downloaded_total",
			Help: "Documents downloaded, by job.",
		}, []string{"job_id"}),
		downloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_download_bytes_total",
			Help: "Bytes downloaded across pages and documents, by job.",
		}, []string{"job_id"}),
		stateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_state_transitions_total",
			Help: "Job state transitions, by destination state.",
		}, []string{"to"}),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handle consumes one event.
func (s *PrometheusSink) Handle(evt events.Event) {
	s.eventsTotal.WithLabelValues(string(evt.Kind), string(evt.Severity)).Inc()

	switch p := evt.Payload.(type) {
	case events.PageCrawled:
		s.pagesCrawled.WithLabelValues(evt.JobID).Inc()
		s.downloadBytes.WithLabelValues(evt.JobID).Add(float64(p.Bytes))
	case events.PageFailed:
		s.pagesFailed.WithLabelValues(evt.JobID).Inc()
	case events.DocumentDownloaded:
		s.documents.WithLabelValues(evt.JobID).Inc()
		s.downloadBytes.WithLabelValues(evt.JobID).Add(float64(p.Bytes))
	case events.StateChange:
		s.stateChanges.WithLabelValues(p.To).Inc()
	case events.CrawlComplete:
		s.jobsCompleted.WithLabelValues("completed").Inc()
	case events.CrawlFailed:
		s.jobsCompleted.WithLabelValues("failed").Inc()
	case events.CrawlCancelled:
		s.jobsCompleted.WithLabelValues("cancelled").Inc()
	}
}
