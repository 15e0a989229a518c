// Package checkpoint persists resumable snapshots of running crawl jobs.
// Snapshots are written as gzip-compressed JSON; a corrupt newest checkpoint
// falls back to the next older one on resume.
package checkpoint

import (
	"errors"
	"time"

	"crawlcore/internal/iteration"
	"crawlcore/internal/job"
)

// Type records why a checkpoint was taken.
type Type string

// Checkpoint types.
const (
	TypeAuto   Type = "auto"   // cadence-based, every AutoInterval pages
	TypeManual Type = "manual" // operator requested
	TypePause  Type = "pause"  // taken when a job is paused
	TypeError  Type = "error"  // taken when a job fails
)

// DefaultAutoInterval is the page cadence for automatic checkpoints.
const DefaultAutoInterval = 100

// DefaultKeepLast is how many checkpoints Prune retains per job.
const DefaultKeepLast = 3

// Errors returned by stores and the Manager.
var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrCorrupt  = errors.New("checkpoint is corrupt")
)

// Snapshot is everything needed to resume a job where it left off.
type Snapshot struct {
	State      job.State             `json:"state"`
	Substate   job.Substate          `json:"substate,omitempty"`
	Counters   job.Counters          `json:"counters"`
	History    []job.StateTransition `json:"history,omitempty"`
	Frontier   []string              `json:"frontier,omitempty"`
	Completed  []string              `json:"completed,omitempty"`
	Failed     []string              `json:"failed,omitempty"`
	Iterations []iteration.Iteration `json:"iterations,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// Checkpoint is one stored snapshot.
type Checkpoint struct {
	ID        string    `json:"checkpoint_id"`
	JobID     string    `json:"job_id"`
	Type      Type      `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Snapshot  Snapshot  `json:"snapshot"`
}

// Meta is the listing view of a checkpoint, cheap to read without
// decompressing the snapshot.
type Meta struct {
	ID          string    `json:"checkpoint_id"`
	JobID       string    `json:"job_id"`
	Type        Type      `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	URLsCrawled int64     `json:"urls_crawled"`
	SizeBytes   int64     `json:"size_bytes"`
}
