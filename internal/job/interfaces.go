package job

import (
	"context"
	"time"
)

// FetchStatus is the coarse outcome class reported by the fetch worker.
type FetchStatus string

// Fetch outcome classes.
const (
	FetchSuccess FetchStatus = "success"
	FetchFailed  FetchStatus = "failed"
)

// FetchRequest carries everything the external fetch worker needs for one URI.
type FetchRequest struct {
	JobID     string
	URI       string
	Iteration int
}

// FetchResult is the raw page-fetch outcome consumed by the coordinator. The
// content itself is handled downstream; the coordinator only cares about the
// validators and hash used for change detection.
type FetchResult struct {
	Status       FetchStatus
	URI          string
	ETag         string
	LastModified string
	ContentHash  string
	Body         []byte
	Bytes        int64
	DocumentURIs []string
	Discovered   []string
	Duration     time.Duration
	Err          string
}

// FetchProbe carries the validators obtained by a cheap conditional request,
// used to decide whether the full download can be skipped.
type FetchProbe struct {
	ETag         string
	LastModified string
}

// FetchWorker is the external collaborator that actually fetches pages.
// Probe issues a lightweight request for a URI's validators; Fetch downloads
// the page. The orchestrator consults the iteration manager between the two
// and records a fingerprint after each successful fetch.
type FetchWorker interface {
	Probe(ctx context.Context, req FetchRequest) (FetchProbe, error)
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Store persists job records and state updates. One durable record per job,
// keyed by job ID.
type Store interface {
	CreateJob(ctx context.Context, j Job) error
	UpdateState(ctx context.Context, jobID string, state State, errText string, counters Counters) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests page bodies into the content hash used for change detection
// when the fetch worker does not supply one itself.
type Hasher interface {
	Hash(data []byte) (string, error)
}
