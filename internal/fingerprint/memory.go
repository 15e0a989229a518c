package fingerprint

import (
	"context"
	"fmt"
	"sync"
)

type iterKey struct {
	jobID     string
	iteration int
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[iterKey]map[string]Fingerprint
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[iterKey]map[string]Fingerprint)}
}

// Put upserts a fingerprint.
func (s *MemoryStore) Put(_ context.Context, jobID string, fp Fingerprint) error {
	if fp.URI == "" {
		return fmt.Errorf("fingerprint uri is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := iterKey{jobID: jobID, iteration: fp.Iteration}
	m, ok := s.data[k]
	if !ok {
		m = make(map[string]Fingerprint)
		s.data[k] = m
	}
	m[fp.URI] = fp
	return nil
}

// Get returns the fingerprint for one URI in one iteration.
func (s *MemoryStore) Get(_ context.Context, jobID string, iteration int, uri string) (Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fp, ok := s.data[iterKey{jobID: jobID, iteration: iteration}][uri]
	if !ok {
		return Fingerprint{}, fmt.Errorf("job %s iteration %d uri %s: %w", jobID, iteration, uri, ErrNotFound)
	}
	return fp, nil
}

// ListIteration returns every fingerprint in one iteration.
func (s *MemoryStore) ListIteration(_ context.Context, jobID string, iteration int) ([]Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.data[iterKey{jobID: jobID, iteration: iteration}]
	out := make([]Fingerprint, 0, len(m))
	for _, fp := range m {
		out = append(out, fp)
	}
	return out, nil
}

// DeleteJob removes all fingerprints for a job.
func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.data {
		if k.jobID == jobID {
			delete(s.data, k)
		}
	}
	return nil
}
