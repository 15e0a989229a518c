// Package fingerprint records what each crawl iteration saw for every URI, so
// later iterations can skip unchanged content and classify what changed.
package fingerprint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no fingerprint exists for a URI.
var ErrNotFound = errors.New("fingerprint not found")

// Fingerprint captures the change-detection facts for one URI in one
// iteration. ContentHash is the SHA-256 of the fetched body; ETag and
// LastModified are the validators the origin served, when present.
type Fingerprint struct {
	URI          string    `json:"uri"`
	Iteration    int       `json:"iteration"`
	ContentHash  string    `json:"content_hash,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Store persists fingerprints keyed by job, iteration, and URI.
type Store interface {
	// Put upserts a fingerprint. Within one iteration the last write wins.
	Put(ctx context.Context, jobID string, fp Fingerprint) error
	// Get returns the fingerprint for one URI in one iteration.
	Get(ctx context.Context, jobID string, iteration int, uri string) (Fingerprint, error)
	// ListIteration returns every fingerprint recorded in one iteration.
	ListIteration(ctx context.Context, jobID string, iteration int) ([]Fingerprint, error)
	// DeleteJob removes all fingerprints for a job across iterations.
	DeleteJob(ctx context.Context, jobID string) error
}
