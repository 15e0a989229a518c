package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists checkpoints. List returns metadata newest first.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, jobID, id string) (Checkpoint, error)
	List(ctx context.Context, jobID string) ([]Meta, error)
	Delete(ctx context.Context, jobID, id string) error
	DeleteJob(ctx context.Context, jobID string) error
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Checkpoint
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Checkpoint)}
}

// Save stores a checkpoint.
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if cp.ID == "" || cp.JobID == "" {
		return fmt.Errorf("checkpoint id and job id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data[cp.JobID]
	if !ok {
		m = make(map[string]Checkpoint)
		s.data[cp.JobID] = m
	}
	m[cp.ID] = cp
	return nil
}

// Load returns one checkpoint.
func (s *MemoryStore) Load(_ context.Context, jobID, id string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.data[jobID][id]
	if !ok {
		return Checkpoint{}, fmt.Errorf("job %s checkpoint %s: %w", jobID, id, ErrNotFound)
	}
	return cp, nil
}

// List returns checkpoint metadata, newest first.
func (s *MemoryStore) List(_ context.Context, jobID string) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Meta, 0, len(s.data[jobID]))
	for _, cp := range s.data[jobID] {
		out = append(out, Meta{
			ID:          cp.ID,
			JobID:       cp.JobID,
			Type:        cp.Type,
			CreatedAt:   cp.CreatedAt,
			URLsCrawled: cp.Snapshot.Counters.URLsCrawled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes one checkpoint.
func (s *MemoryStore) Delete(_ context.Context, jobID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[jobID], id)
	return nil
}

// DeleteJob removes every checkpoint for a job.
func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, jobID)
	return nil
}
