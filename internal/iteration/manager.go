package iteration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"crawlcore/internal/fingerprint"
	"crawlcore/internal/job"
)

// Manager owns iteration lineage per job and answers the central incremental
// question: does this URI need to be fetched again? Fingerprints live in the
// injected store; lineage is in-process state rebuilt from checkpoints on
// resume.
type Manager struct {
	store  fingerprint.Store
	clock  job.Clock
	logger *zap.Logger

	mu     sync.RWMutex
	chains map[string][]Iteration
}

// NewManager builds a Manager backed by the given fingerprint store.
func NewManager(store fingerprint.Store, clock job.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		clock:  clock,
		logger: logger,
		chains: make(map[string][]Iteration),
	}
}

// Start opens a new iteration for a job. The first iteration must be a
// baseline; incremental and full iterations require a completed predecessor.
func (m *Manager) Start(jobID string, mode job.IterationMode) (Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[jobID]
	if n := len(chain); n > 0 && chain[n-1].Running() {
		return Iteration{}, fmt.Errorf("job %s iteration %d: %w", jobID, chain[n-1].Number, ErrIterationRunning)
	}

	it := Iteration{
		JobID:     jobID,
		Mode:      mode,
		Number:    len(chain),
		StartedAt: m.clock.Now(),
	}
	switch mode {
	case job.IterationBaseline:
		if len(chain) > 0 {
			return Iteration{}, fmt.Errorf("job %s: %w", jobID, ErrBaselineExists)
		}
	case job.IterationIncremental, job.IterationFull:
		if len(chain) == 0 {
			return Iteration{}, fmt.Errorf("job %s: %w", jobID, ErrNoBaseline)
		}
		parent := chain[len(chain)-1].Number
		it.Parent = &parent
	default:
		return Iteration{}, fmt.Errorf("unknown iteration mode %q", mode)
	}

	m.chains[jobID] = append(chain, it)
	m.logger.Info("iteration started",
		zap.String("job_id", jobID),
		zap.Int("iteration", it.Number),
		zap.String("mode", string(mode)))
	return it, nil
}

// Current returns the most recent iteration for a job.
func (m *Manager) Current(jobID string) (Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[jobID]
	if len(chain) == 0 {
		return Iteration{}, fmt.Errorf("job %s: %w", jobID, ErrNoIteration)
	}
	return chain[len(chain)-1], nil
}

// Chain returns a job's full iteration lineage, oldest first.
func (m *Manager) Chain(jobID string) []Iteration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Iteration, len(m.chains[jobID]))
	copy(out, m.chains[jobID])
	return out
}

// Restore rebuilds a job's lineage from checkpointed state.
func (m *Manager) Restore(jobID string, chain []Iteration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]Iteration, len(chain))
	copy(cp, chain)
	m.chains[jobID] = cp
}

// ShouldFetch decides whether a URI needs a real download in the current
// iteration. Baseline and full iterations always fetch. Incremental
// iterations compare the probe's validators against the previous iteration's
// fingerprint: a matching ETag wins, then a matching Last-Modified; with no
// usable validator the URI is fetched so its content hash can be compared.
func (m *Manager) ShouldFetch(ctx context.Context, jobID, uri string, probe Probe) (bool, error) {
	m.mu.RLock()
	chain := m.chains[jobID]
	if len(chain) == 0 {
		m.mu.RUnlock()
		return false, fmt.Errorf("job %s: %w", jobID, ErrNoIteration)
	}
	cur := chain[len(chain)-1]
	m.mu.RUnlock()

	if cur.Mode != job.IterationIncremental || cur.Parent == nil {
		return true, nil
	}

	prev, err := m.store.Get(ctx, jobID, *cur.Parent, uri)
	if errors.Is(err, fingerprint.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up fingerprint for %s: %w", uri, err)
	}

	if probe.ETag != "" && prev.ETag != "" {
		return probe.ETag != prev.ETag, nil
	}
	if probe.LastModified != "" && prev.LastModified != "" {
		return probe.LastModified != prev.LastModified, nil
	}
	return true, nil
}

// Record stores a fingerprint for a URI under the current iteration. The
// iteration number and timestamp are stamped here so callers only supply what
// the fetch observed.
func (m *Manager) Record(ctx context.Context, jobID string, fp fingerprint.Fingerprint) error {
	cur, err := m.Current(jobID)
	if err != nil {
		return err
	}
	fp.Iteration = cur.Number
	fp.RecordedAt = m.clock.Now()
	return m.store.Put(ctx, jobID, fp)
}

// CarryForward copies the previous iteration's fingerprint for a URI into
// the current iteration. Used when ShouldFetch skipped the download.
func (m *Manager) CarryForward(ctx context.Context, jobID, uri string) error {
	cur, err := m.Current(jobID)
	if err != nil {
		return err
	}
	if cur.Parent == nil {
		return fmt.Errorf("job %s iteration %d has no parent", jobID, cur.Number)
	}
	prev, err := m.store.Get(ctx, jobID, *cur.Parent, uri)
	if err != nil {
		return fmt.Errorf("carrying forward %s: %w", uri, err)
	}
	return m.Record(ctx, jobID, prev)
}

// Compare partitions the URIs of two iterations into change classes. A URI
// only in the newer iteration is new; only in the older is deleted; in both,
// a differing content hash means modified and an equal one unchanged.
func (m *Manager) Compare(ctx context.Context, jobID string, older, newer int) (Comparison, error) {
	prev, err := m.store.ListIteration(ctx, jobID, older)
	if err != nil {
		return Comparison{}, fmt.Errorf("listing iteration %d: %w", older, err)
	}
	cur, err := m.store.ListIteration(ctx, jobID, newer)
	if err != nil {
		return Comparison{}, fmt.Errorf("listing iteration %d: %w", newer, err)
	}

	prevByURI := make(map[string]fingerprint.Fingerprint, len(prev))
	for _, fp := range prev {
		prevByURI[fp.URI] = fp
	}

	var out Comparison
	for _, fp := range cur {
		old, ok := prevByURI[fp.URI]
		switch {
		case !ok:
			out.New = append(out.New, fp.URI)
		case fp.ContentHash == old.ContentHash:
			out.Unchanged = append(out.Unchanged, fp.URI)
		default:
			out.Modified = append(out.Modified, fp.URI)
		}
		delete(prevByURI, fp.URI)
	}
	for uri := range prevByURI {
		out.Deleted = append(out.Deleted, uri)
	}

	sort.Strings(out.New)
	sort.Strings(out.Modified)
	sort.Strings(out.Unchanged)
	sort.Strings(out.Deleted)
	return out, nil
}

// Complete closes the current iteration. For iterations with a parent the
// comparison summary against that parent is computed and stored.
func (m *Manager) Complete(ctx context.Context, jobID string) (Iteration, error) {
	m.mu.Lock()
	chain := m.chains[jobID]
	if len(chain) == 0 {
		m.mu.Unlock()
		return Iteration{}, fmt.Errorf("job %s: %w", jobID, ErrNoIteration)
	}
	cur := &chain[len(chain)-1]
	if !cur.Running() {
		m.mu.Unlock()
		return Iteration{}, fmt.Errorf("job %s iteration %d already completed", jobID, cur.Number)
	}
	parent := cur.Parent
	number := cur.Number
	m.mu.Unlock()

	var summary *ComparisonSummary
	if parent != nil {
		cmp, err := m.Compare(ctx, jobID, *parent, number)
		if err != nil {
			return Iteration{}, err
		}
		s := cmp.Summarize()
		summary = &s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	chain = m.chains[jobID]
	cur = &chain[len(chain)-1]
	now := m.clock.Now()
	cur.CompletedAt = &now
	cur.Summary = summary
	m.logger.Info("iteration completed",
		zap.String("job_id", jobID),
		zap.Int("iteration", cur.Number),
		zap.Any("summary", summary))
	return *cur, nil
}

// DeleteJob drops a job's lineage and stored fingerprints.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.chains, jobID)
	m.mu.Unlock()
	return m.store.DeleteJob(ctx, jobID)
}
