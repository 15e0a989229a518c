// Package iteration manages the lineage of crawl iterations for a job and
// classifies how content changed between them. A job's first iteration is a
// baseline; later iterations are incremental (skip unchanged content using
// stored fingerprints) or full (re-fetch everything, still recording
// fingerprints for the next comparison).
package iteration

import (
	"errors"
	"time"

	"crawlcore/internal/job"
)

// Errors returned by the Manager.
var (
	ErrNoBaseline       = errors.New("job has no baseline iteration")
	ErrIterationRunning = errors.New("an iteration is already running")
	ErrNoIteration      = errors.New("no iteration found")
	ErrBaselineExists   = errors.New("job already has a baseline iteration")
)

// Iteration is one pass of a job over its targets.
type Iteration struct {
	JobID       string             `json:"job_id"`
	Number      int                `json:"number"`
	Mode        job.IterationMode  `json:"mode"`
	Parent      *int               `json:"parent,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Summary     *ComparisonSummary `json:"comparison_summary,omitempty"`
}

// Running reports whether the iteration has not yet completed.
func (it Iteration) Running() bool { return it.CompletedAt == nil }

// ComparisonSummary counts URIs by change class between two iterations.
type ComparisonSummary struct {
	New       int `json:"new"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

// Comparison partitions URIs by how they changed between two iterations.
// Every URI seen in either iteration lands in exactly one class.
type Comparison struct {
	New       []string `json:"new"`
	Modified  []string `json:"modified"`
	Unchanged []string `json:"unchanged"`
	Deleted   []string `json:"deleted"`
}

// Summarize reduces a comparison to its counts.
func (c Comparison) Summarize() ComparisonSummary {
	return ComparisonSummary{
		New:       len(c.New),
		Modified:  len(c.Modified),
		Unchanged: len(c.Unchanged),
		Deleted:   len(c.Deleted),
	}
}

// Probe carries the conditional-request validators the fetch worker obtained
// for a URI before deciding whether to download the body.
type Probe struct {
	ETag         string
	LastModified string
}
