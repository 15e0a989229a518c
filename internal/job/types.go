// Package job defines the core types shared across the crawl coordination
// subsystems: the job record, its lifecycle state machine, and the interfaces
// the orchestrator uses to talk to collaborators.
package job

import (
	"time"
)

// State represents the main lifecycle phase of a crawl job.
type State string

// Main job states. COMPLETED, FAILED, and CANCELLED are terminal.
const (
	StateQueued       State = "queued"
	StateInitializing State = "initializing"
	StateCrawling     State = "crawling"
	StateExtracting   State = "extracting"
	StateProcessing   State = "processing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StatePaused       State = "paused"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Substate annotates a main state with a finer-grained phase. Substates are
// informational only; they never appear as nodes in the state history.
type Substate string

// Substates scoped to CRAWLING, EXTRACTING, and PROCESSING respectively.
const (
	SubstateDiscoveringURLs      Substate = "discovering_urls"
	SubstateDownloadingPages     Substate = "downloading_pages"
	SubstateDownloadingDocuments Substate = "downloading_documents"

	SubstatePDFExtraction  Substate = "pdf_extraction"
	SubstateOCR            Substate = "ocr"
	SubstateTableDetection Substate = "table_detection"

	SubstateMetadataExtraction Substate = "metadata_extraction"
	SubstateQualityScoring     Substate = "quality_scoring"
	SubstateDeduplication      Substate = "deduplication"
	SubstateCuration           Substate = "curation"
)

// Substates returns the ordered substates valid for a main state, or nil when
// the state has none.
func Substates(s State) []Substate {
	switch s {
	case StateCrawling:
		return []Substate{SubstateDiscoveringURLs, SubstateDownloadingPages, SubstateDownloadingDocuments}
	case StateExtracting:
		return []Substate{SubstatePDFExtraction, SubstateOCR, SubstateTableDetection}
	case StateProcessing:
		return []Substate{SubstateMetadataExtraction, SubstateQualityScoring, SubstateDeduplication, SubstateCuration}
	default:
		return nil
	}
}

// IterationMode selects how an iteration treats content seen in prior runs.
type IterationMode string

// Iteration modes. BASELINE establishes reference fingerprints, INCREMENTAL
// skips unchanged resources, FULL refetches everything but still compares.
const (
	IterationBaseline    IterationMode = "baseline"
	IterationIncremental IterationMode = "incremental"
	IterationFull        IterationMode = "full"
)

// ThresholdAction decides what happens when a job budget threshold fires.
type ThresholdAction string

// Budget threshold actions, weakest to strongest. When several thresholds
// fire in the same evaluation the strongest requested action wins.
const (
	ThresholdWarn  ThresholdAction = "warn"
	ThresholdPause ThresholdAction = "pause"
	ThresholdStop  ThresholdAction = "stop"
)

// Config carries the immutable crawl parameters attached to a job at
// submission. It is produced upstream (config translator) and treated as an
// opaque input beyond the fields the coordinator itself consumes.
type Config struct {
	MaxPages         int               `json:"max_pages"`
	MaxDuration      time.Duration     `json:"max_duration"`
	FailureThreshold float64           `json:"failure_threshold"`
	OnMaxPages       ThresholdAction   `json:"on_max_pages"`
	OnMaxDuration    ThresholdAction   `json:"on_max_duration"`
	Tags             map[string]string `json:"tags,omitempty"`
	Raw              map[string]any    `json:"raw,omitempty"`
}

// Job is the metadata record for one logical crawl request. It is owned by
// the orchestrator: created on submission, destroyed only by explicit
// deletion, never by completion.
type Job struct {
	ID          string    `json:"id"`
	Targets     []string  `json:"targets"`
	Config      Config    `json:"config"`
	ParentJobID string    `json:"parent_job_id,omitempty"`
	Submitted   time.Time `json:"submitted_at"`
}

// Counters tracks per-job progress tallies.
type Counters struct {
	URLsCrawled    int64 `json:"urls_crawled"`
	URLsFailed     int64 `json:"urls_failed"`
	DocumentsFound int64 `json:"documents_found"`
}

// StateTransition records one edge taken in the state machine. The history
// of these is append-only and never reordered.
type StateTransition struct {
	From     State         `json:"from"`
	To       State         `json:"to"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// JobState is the mutable lifecycle record for one job. It is mutated only
// through the Machine's transition functions and read freely by observers.
type JobState struct {
	JobID        string            `json:"job_id"`
	CurrentState State             `json:"current_state"`
	Substate     Substate          `json:"substate,omitempty"`
	History      []StateTransition `json:"state_history"`
	Counters     Counters          `json:"counters"`
	Error        string            `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (s *JobState) Clone() JobState {
	out := *s
	out.History = append([]StateTransition(nil), s.History...)
	return out
}

// Duration reports elapsed wall time since the job started running, or zero
// if it never left QUEUED.
func (s *JobState) Duration(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	return end.Sub(*s.StartedAt)
}
