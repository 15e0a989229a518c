package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"crawlcore/internal/events"
	"crawlcore/internal/job"
)

const saveRetryBackoff = 250 * time.Millisecond

// Manager layers checkpoint policy over a Store: save with one retry,
// resume with corrupt-checkpoint fallback, and pruning that never removes
// the checkpoint a job resumed from.
type Manager struct {
	store  Store
	clock  job.Clock
	ids    job.IDGenerator
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	pinned map[string]string // jobID -> checkpoint ID in use by a resume
}

// NewManager builds a Manager. bus may be nil; save failures are then only
// logged.
func NewManager(store Store, clock job.Clock, ids job.IDGenerator, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		clock:  clock,
		ids:    ids,
		bus:    bus,
		logger: logger,
		pinned: make(map[string]string),
	}
}

// Create saves a new checkpoint of the given type. A failed save is retried
// once after a short backoff; if both attempts fail the job continues and a
// WARNING event is published, since losing one checkpoint is preferable to
// killing the crawl.
func (m *Manager) Create(ctx context.Context, jobID string, typ Type, snap Snapshot) (Checkpoint, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("generating checkpoint id: %w", err)
	}
	cp := Checkpoint{
		ID:        id,
		JobID:     jobID,
		Type:      typ,
		CreatedAt: m.clock.Now(),
		Snapshot:  snap,
	}

	saveErr := m.store.Save(ctx, cp)
	if saveErr != nil {
		m.logger.Warn("checkpoint save failed, retrying",
			zap.String("job_id", jobID),
			zap.String("checkpoint_id", id),
			zap.Error(saveErr))
		select {
		case <-ctx.Done():
			return Checkpoint{}, ctx.Err()
		case <-time.After(saveRetryBackoff):
		}
		saveErr = m.store.Save(ctx, cp)
	}
	if saveErr != nil {
		m.logger.Error("checkpoint save failed after retry",
			zap.String("job_id", jobID),
			zap.String("checkpoint_id", id),
			zap.Error(saveErr))
		m.warn(jobID, fmt.Sprintf("checkpoint %s could not be saved: %v", id, saveErr))
		return Checkpoint{}, fmt.Errorf("saving checkpoint: %w", saveErr)
	}

	m.logger.Info("checkpoint created",
		zap.String("job_id", jobID),
		zap.String("checkpoint_id", id),
		zap.String("type", string(typ)),
		zap.Int64("urls_crawled", snap.Counters.URLsCrawled))
	return cp, nil
}

func (m *Manager) warn(jobID, msg string) {
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(events.Event{
		JobID:     jobID,
		Kind:      events.KindWarning,
		Timestamp: m.clock.Now(),
		Payload:   events.NewDiagnostic(events.KindWarning, msg, nil),
	})
	if err != nil {
		m.logger.Warn("publishing checkpoint warning failed", zap.Error(err))
	}
}

// List returns a job's checkpoint metadata, newest first.
func (m *Manager) List(ctx context.Context, jobID string) ([]Meta, error) {
	return m.store.List(ctx, jobID)
}

// Latest loads the newest checkpoint for a job.
func (m *Manager) Latest(ctx context.Context, jobID string) (Checkpoint, error) {
	metas, err := m.store.List(ctx, jobID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(metas) == 0 {
		return Checkpoint{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return m.store.Load(ctx, jobID, metas[0].ID)
}

// Resume loads the checkpoint to restart a job from: the one with the given
// id, or the newest when id is empty. A corrupt checkpoint falls back to the
// next older one. The returned checkpoint is pinned so pruning keeps it
// while the resumed run is in flight.
func (m *Manager) Resume(ctx context.Context, jobID, id string) (Checkpoint, error) {
	if id != "" {
		cp, err := m.store.Load(ctx, jobID, id)
		if err != nil {
			return Checkpoint{}, err
		}
		m.pin(jobID, cp.ID)
		return cp, nil
	}

	metas, err := m.store.List(ctx, jobID)
	if err != nil {
		return Checkpoint{}, err
	}
	for _, meta := range metas {
		cp, err := m.store.Load(ctx, jobID, meta.ID)
		if errors.Is(err, ErrCorrupt) {
			m.logger.Warn("skipping corrupt checkpoint",
				zap.String("job_id", jobID),
				zap.String("checkpoint_id", meta.ID))
			m.warn(jobID, fmt.Sprintf("checkpoint %s is corrupt, falling back to an older one", meta.ID))
			continue
		}
		if err != nil {
			return Checkpoint{}, err
		}
		m.pin(jobID, cp.ID)
		return cp, nil
	}
	return Checkpoint{}, fmt.Errorf("job %s has no usable checkpoint: %w", jobID, ErrNotFound)
}

func (m *Manager) pin(jobID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[jobID] = id
}

// Unpin releases the resume pin once the resumed run has written a fresh
// checkpoint of its own.
func (m *Manager) Unpin(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pinned, jobID)
}

// Prune deletes old checkpoints, keeping the newest keepLast plus whichever
// checkpoint is pinned by an in-flight resume. keepLast <= 0 uses the
// default.
func (m *Manager) Prune(ctx context.Context, jobID string, keepLast int) (int, error) {
	if keepLast <= 0 {
		keepLast = DefaultKeepLast
	}
	metas, err := m.store.List(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if len(metas) <= keepLast {
		return 0, nil
	}

	m.mu.Lock()
	pinned := m.pinned[jobID]
	m.mu.Unlock()

	deleted := 0
	for _, meta := range metas[keepLast:] {
		if meta.ID == pinned {
			continue
		}
		if err := m.store.Delete(ctx, jobID, meta.ID); err != nil {
			return deleted, fmt.Errorf("pruning checkpoint %s: %w", meta.ID, err)
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Debug("pruned checkpoints",
			zap.String("job_id", jobID),
			zap.Int("deleted", deleted),
			zap.Int("kept", len(metas)-deleted))
	}
	return deleted, nil
}

// DeleteJob removes all of a job's checkpoints and its pin.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	m.Unpin(jobID)
	return m.store.DeleteJob(ctx, jobID)
}
