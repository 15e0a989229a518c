// Package events provides the typed crawl event model and the in-process bus
// that fans events out from producers (state machine, orchestrator) to
// consumers (metrics, checkpointing, external telemetry). Publication is
// non-blocking; each job keeps a bounded ring of recent events for replay.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one of the crawl event types.
type Kind string

// Lifecycle events.
const (
	KindCrawlStart     Kind = "crawl_start"
	KindCrawlComplete  Kind = "crawl_complete"
	KindCrawlPaused    Kind = "crawl_paused"
	KindCrawlResumed   Kind = "crawl_resumed"
	KindCrawlCancelled Kind = "crawl_cancelled"
	KindCrawlFailed    Kind = "crawl_failed"
)

// State events.
const (
	KindStateChange    Kind = "state_change"
	KindSubstateChange Kind = "substate_change"
	KindProgressUpdate Kind = "progress_update"
)

// Discovery events.
const (
	KindURLDiscovered      Kind = "url_discovered"
	KindPageCrawled        Kind = "page_crawled"
	KindPageFailed         Kind = "page_failed"
	KindDocumentFound      Kind = "document_found"
	KindDocumentDownloaded Kind = "document_downloaded"
)

// Processing events.
const (
	KindExtractionComplete Kind = "extraction_complete"
	KindQualityAssessed    Kind = "quality_assessed"
	KindMetadataExtracted  Kind = "metadata_extracted"
	KindDuplicateFound     Kind = "duplicate_found"
)

// Diagnostic events.
const (
	KindError         Kind = "error"
	KindWarning       Kind = "warning"
	KindInfo          Kind = "info"
	KindDebug         Kind = "debug"
	KindMetricsUpdate Kind = "metrics_update"
	KindRobotsChecked Kind = "robots_txt_checked"
	KindRateLimitHit  Kind = "rate_limit_hit"
)

// Severity classifies an event for consumers that only care about problems.
type Severity string

// Event severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DefaultSeverity maps a kind to its severity.
func DefaultSeverity(k Kind) Severity {
	switch k {
	case KindError, KindCrawlFailed:
		return SeverityError
	case KindWarning, KindPageFailed, KindRateLimitHit:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Payload is implemented by every kind-specific payload shape. Consumers can
// switch on the concrete type for exhaustive matching.
type Payload interface {
	EventKind() Kind
}

// CrawlStart is published when a job's run loop begins an iteration.
type CrawlStart struct {
	Targets     []string `json:"targets"`
	Mode        string   `json:"mode"`
	Iteration   int      `json:"iteration"`
	TargetPages int      `json:"target_pages,omitempty"`
}

// CrawlComplete is published when a job reaches COMPLETED.
type CrawlComplete struct {
	Iteration   int           `json:"iteration"`
	URLsCrawled int64         `json:"urls_crawled"`
	URLsFailed  int64         `json:"urls_failed"`
	Documents   int64         `json:"documents_found"`
	Duration    time.Duration `json:"duration"`
}

// CrawlPaused carries the checkpoint created by the pause, when one could
// be written.
type CrawlPaused struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// CrawlResumed carries the checkpoint the job resumed from.
type CrawlResumed struct {
	CheckpointID string `json:"checkpoint_id"`
}

// CrawlCancelled carries the cancellation reason, if any.
type CrawlCancelled struct {
	Reason string `json:"reason,omitempty"`
}

// CrawlFailed carries the fatal error that routed the job to FAILED.
type CrawlFailed struct {
	Error string `json:"error"`
}

// StateChange records one main-state transition.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SubstateChange records a substate annotation within a main state.
type SubstateChange struct {
	State    string `json:"state"`
	Substate string `json:"substate"`
}

// ProgressUpdate reports stage-level progress tallies.
type ProgressUpdate struct {
	Stage     string `json:"stage"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// URLDiscovered reports a URI added to the frontier.
type URLDiscovered struct {
	URI    string `json:"uri"`
	Source string `json:"source,omitempty"`
}

// PageCrawled reports one successful page fetch.
type PageCrawled struct {
	URI         string        `json:"uri"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration"`
	ContentHash string        `json:"content_hash,omitempty"`
}

// PageFailed reports one failed page fetch.
type PageFailed struct {
	URI    string `json:"uri"`
	Reason string `json:"reason"`
}

// DocumentFound reports a document link discovered on a page.
type DocumentFound struct {
	URI     string `json:"uri"`
	DocType string `json:"doc_type,omitempty"`
}

// DocumentDownloaded reports a document fetched by the worker.
type DocumentDownloaded struct {
	URI   string `json:"uri"`
	Bytes int64  `json:"bytes"`
}

// ExtractionComplete reports one extraction stage finishing.
type ExtractionComplete struct {
	Stage     string `json:"stage"`
	Documents int64  `json:"documents"`
}

// QualityAssessed reports a quality score for one document.
type QualityAssessed struct {
	URI    string  `json:"uri"`
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

// MetadataExtracted reports metadata fields pulled from a document.
type MetadataExtracted struct {
	URI    string `json:"uri"`
	Fields int    `json:"fields"`
}

// DuplicateFound reports a document deduplicated against a prior one.
type DuplicateFound struct {
	URI         string `json:"uri"`
	DuplicateOf string `json:"duplicate_of"`
}

// Diagnostic is the payload for ERROR/WARNING/INFO/DEBUG events. The kind is
// fixed at construction.
type Diagnostic struct {
	kind    Kind
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NewDiagnostic builds a Diagnostic payload for one of the four log-level
// kinds; any other kind falls back to INFO.
func NewDiagnostic(kind Kind, message string, fields map[string]string) Diagnostic {
	switch kind {
	case KindError, KindWarning, KindInfo, KindDebug:
	default:
		kind = KindInfo
	}
	return Diagnostic{kind: kind, Message: message, Fields: fields}
}

// MetricsUpdate carries a point snapshot of metric values.
type MetricsUpdate struct {
	Values map[string]float64 `json:"values"`
}

// RobotsChecked reports a robots.txt evaluation by the fetch worker.
type RobotsChecked struct {
	Host    string `json:"host"`
	Allowed bool   `json:"allowed"`
}

// RateLimitHit reports a rate-limit backoff applied to a host.
type RateLimitHit struct {
	Host  string        `json:"host"`
	Delay time.Duration `json:"delay"`
}

// EventKind implementations tie each payload shape to its kind.
func (CrawlStart) EventKind() Kind         { return KindCrawlStart }
func (CrawlComplete) EventKind() Kind      { return KindCrawlComplete }
func (CrawlPaused) EventKind() Kind        { return KindCrawlPaused }
func (CrawlResumed) EventKind() Kind       { return KindCrawlResumed }
func (CrawlCancelled) EventKind() Kind     { return KindCrawlCancelled }
func (CrawlFailed) EventKind() Kind        { return KindCrawlFailed }
func (StateChange) EventKind() Kind        { return KindStateChange }
func (SubstateChange) EventKind() Kind     { return KindSubstateChange }
func (ProgressUpdate) EventKind() Kind     { return KindProgressUpdate }
func (URLDiscovered) EventKind() Kind      { return KindURLDiscovered }
func (PageCrawled) EventKind() Kind        { return KindPageCrawled }
func (PageFailed) EventKind() Kind         { return KindPageFailed }
func (DocumentFound) EventKind() Kind      { return KindDocumentFound }
func (DocumentDownloaded) EventKind() Kind { return KindDocumentDownloaded }
func (ExtractionComplete) EventKind() Kind { return KindExtractionComplete }
func (QualityAssessed) EventKind() Kind    { return KindQualityAssessed }
func (MetadataExtracted) EventKind() Kind  { return KindMetadataExtracted }
func (DuplicateFound) EventKind() Kind     { return KindDuplicateFound }
func (d Diagnostic) EventKind() Kind       { return d.kind }
func (MetricsUpdate) EventKind() Kind      { return KindMetricsUpdate }
func (RobotsChecked) EventKind() Kind      { return KindRobotsChecked }
func (RateLimitHit) EventKind() Kind       { return KindRateLimitHit }

// Event is an immutable record of one notable occurrence in a job's life.
type Event struct {
	ID        string    `json:"event_id"`
	JobID     string    `json:"job_id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Payload   Payload   `json:"payload"`
}

// Validate performs coarse validation on an Event before publication.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Payload == nil {
		return errors.New("payload is required")
	}
	if got := e.Payload.EventKind(); got != e.Kind {
		return fmt.Errorf("payload kind %q does not match event kind %q", got, e.Kind)
	}
	return nil
}
