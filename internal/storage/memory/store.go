// Package memory provides in-process implementations of the persistence
// interfaces, used in tests and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crawlcore/internal/job"
)

type record struct {
	def      job.Job
	state    job.State
	errText  string
	counters job.Counters
}

// JobStore is an in-memory job.Store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*record
}

// NewJobStore builds an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*record)}
}

// CreateJob stores a new job record in QUEUED.
func (s *JobStore) CreateJob(_ context.Context, j job.Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = &record{def: j, state: job.StateQueued}
	return nil
}

// UpdateState overwrites the persisted state mirror for a job.
func (s *JobStore) UpdateState(_ context.Context, jobID string, state job.State, errText string, counters job.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	r.state = state
	r.errText = errText
	r.counters = counters
	return nil
}

// GetJob returns the job definition.
func (s *JobStore) GetJob(_ context.Context, jobID string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	return r.def, nil
}

// GetState returns the persisted state mirror.
func (s *JobStore) GetState(_ context.Context, jobID string) (job.State, job.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return "", job.Counters{}, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	return r.state, r.counters, nil
}

// ListJobs returns all job definitions ordered by submission time.
func (s *JobStore) ListJobs(_ context.Context) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Job, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, r.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Submitted.Before(out[j].Submitted) })
	return out, nil
}

// DeleteJob removes a job record.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}
