package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crawlcore/internal/checkpoint"
	"crawlcore/internal/events"
	"crawlcore/internal/fingerprint"
	"crawlcore/internal/iteration"
	"crawlcore/internal/job"
	"crawlcore/internal/metrics"
	"crawlcore/internal/storage/memory"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// stubWorker serves scripted fetch results. An optional gate channel blocks
// each Fetch until a value is received, letting tests pause mid-crawl.
type stubWorker struct {
	mu      sync.Mutex
	results map[string]job.FetchResult
	probes  map[string]job.FetchProbe
	fetched []string
	gate    chan struct{}
}

func newStubWorker() *stubWorker {
	return &stubWorker{
		results: make(map[string]job.FetchResult),
		probes:  make(map[string]job.FetchProbe),
	}
}

func (w *stubWorker) page(uri, hash, etag string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[uri] = job.FetchResult{
		Status:      job.FetchSuccess,
		URI:         uri,
		ContentHash: hash,
		ETag:        etag,
		Bytes:       2048,
		Duration:    10 * time.Millisecond,
	}
	w.probes[uri] = job.FetchProbe{ETag: etag}
}

func (w *stubWorker) failPage(uri, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[uri] = job.FetchResult{Status: job.FetchFailed, URI: uri, Err: reason}
}

func (w *stubWorker) Probe(_ context.Context, req job.FetchRequest) (job.FetchProbe, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.probes[req.URI], nil
}

func (w *stubWorker) Fetch(ctx context.Context, req job.FetchRequest) (job.FetchResult, error) {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return job.FetchResult{}, ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetched = append(w.fetched, req.URI)
	res, ok := w.results[req.URI]
	if !ok {
		return job.FetchResult{}, fmt.Errorf("unscripted uri %s", req.URI)
	}
	return res, nil
}

func (w *stubWorker) fetchCount(uri string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, u := range w.fetched {
		if u == uri {
			n++
		}
	}
	return n
}

type harness struct {
	orch         *Orchestrator
	worker       *stubWorker
	bus          *events.Bus
	fingerprints *fingerprint.MemoryStore
	iterations   *iteration.Manager
	checkpoints  *checkpoint.Manager
	ckptStore    *checkpoint.MemoryStore
	jobs         *memory.JobStore
	agg          *metrics.Aggregator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	clock := systemClock{}
	ids := &seqIDs{}
	logger := zap.NewNop()

	bus := events.NewBus(events.BusConfig{}, logger)
	t.Cleanup(bus.Close)

	fps := fingerprint.NewMemoryStore()
	iters := iteration.NewManager(fps, clock, logger)
	ckptStore := checkpoint.NewMemoryStore()
	ckpts := checkpoint.NewManager(ckptStore, clock, ids, bus, logger)
	jobs := memory.NewJobStore()
	agg := metrics.NewAggregator(clock, logger)
	bus.SubscribeAll(agg.Handle)

	worker := newStubWorker()
	orch := New(cfg, Deps{
		Store:       jobs,
		Bus:         bus,
		Metrics:     agg,
		Checkpoints: ckpts,
		Iterations:  iters,
		Worker:      worker,
		Clock:       clock,
		IDs:         ids,
		Logger:      logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Close(ctx)
	})

	return &harness{
		orch: orch, worker: worker, bus: bus, fingerprints: fps,
		iterations: iters, checkpoints: ckpts, ckptStore: ckptStore,
		jobs: jobs, agg: agg,
	}
}

func (h *harness) waitState(t *testing.T, jobID string, want job.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.orch.Status(jobID)
		return err == nil && st.CurrentState == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for state %s", want)
}

func TestBaselineCrawlCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	targets := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	for i, uri := range targets {
		h.worker.page(uri, fmt.Sprintf("hash-%d", i), fmt.Sprintf(`"v%d"`, i))
	}

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: targets})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateCompleted)

	st, err := h.orch.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Counters.URLsCrawled)
	require.Zero(t, st.Counters.URLsFailed)

	// The full phase walk is on the history.
	var walk []job.State
	for _, tr := range st.History {
		walk = append(walk, tr.To)
	}
	require.Equal(t, []job.State{
		job.StateInitializing, job.StateCrawling, job.StateExtracting,
		job.StateProcessing, job.StateCompleted,
	}, walk)

	// All three fingerprints landed in iteration 0.
	fps, err := h.fingerprints.ListIteration(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, fps, 3)

	require.Eventually(t, func() bool {
		return len(h.bus.HistoryByKind(jobID, events.KindCrawlComplete)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, h.bus.HistoryByKind(jobID, events.KindPageCrawled), 3)

	// Metrics followed the events.
	require.Eventually(t, func() bool {
		snap, err := h.agg.Snapshot(jobID)
		return err == nil && snap[metrics.MetricURLsCrawled] == 3
	}, time.Second, 5*time.Millisecond)

	// Persisted mirror reached the terminal state.
	state, counters, err := h.jobs.GetState(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, job.StateCompleted, state)
	require.Equal(t, int64(3), counters.URLsCrawled)
}

func TestIncrementalSkipsUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	uri := "https://example.com/page"
	h.worker.page(uri, "hash-1", `"v1"`)

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: []string{uri}})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateCompleted)
	require.Equal(t, 1, h.worker.fetchCount(uri))

	require.NoError(t, h.orch.StartNextIteration(ctx, jobID, job.IterationIncremental))
	h.waitState(t, jobID, job.StateCompleted)

	// The unchanged ETag short-circuited the second download.
	require.Equal(t, 1, h.worker.fetchCount(uri))

	chain := h.iterations.Chain(jobID)
	require.Len(t, chain, 2)
	require.NotNil(t, chain[1].Summary)
	require.Equal(t, iteration.ComparisonSummary{Unchanged: 1}, *chain[1].Summary)

	// The carried-forward fingerprint exists under iteration 1.
	fp, err := h.fingerprints.Get(ctx, jobID, 1, uri)
	require.NoError(t, err)
	require.Equal(t, "hash-1", fp.ContentHash)
}

func TestIncrementalRefetchesModified(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	uri := "https://example.com/page"
	h.worker.page(uri, "hash-1", `"v1"`)

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: []string{uri}})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateCompleted)

	// Content changes between iterations.
	h.worker.page(uri, "hash-2", `"v2"`)

	require.NoError(t, h.orch.StartNextIteration(ctx, jobID, job.IterationIncremental))
	h.waitState(t, jobID, job.StateCompleted)
	require.Equal(t, 2, h.worker.fetchCount(uri))

	chain := h.iterations.Chain(jobID)
	require.Equal(t, iteration.ComparisonSummary{Modified: 1}, *chain[1].Summary)
}

func TestPauseCheckpointsAndResumeFinishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	targets := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	for i, uri := range targets {
		h.worker.page(uri, fmt.Sprintf("hash-%d", i), "")
	}
	h.worker.gate = make(chan struct{})

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: targets})
	require.NoError(t, err)

	// Let exactly one page through, then ask for a pause while the second
	// fetch is parked on the gate.
	h.worker.gate <- struct{}{}
	require.Eventually(t, func() bool { return h.worker.fetchCount(targets[0]) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.orch.Pause(ctx, jobID))
	h.worker.gate <- struct{}{}
	h.waitState(t, jobID, job.StatePaused)

	// A PAUSE checkpoint captured the frontier mid-crawl.
	metas, err := h.checkpoints.List(ctx, jobID)
	require.NoError(t, err)
	require.NotEmpty(t, metas)
	require.Equal(t, checkpoint.TypePause, metas[0].Type)
	cp, err := h.ckptStore.Load(ctx, jobID, metas[0].ID)
	require.NoError(t, err)
	require.Equal(t, job.StateCrawling, cp.Snapshot.State)
	require.NotEmpty(t, cp.Snapshot.Frontier)

	require.Len(t, h.bus.HistoryByKind(jobID, events.KindCrawlPaused), 1)

	// Resume drains the remaining frontier without re-fetching done pages.
	h.worker.gate = nil
	require.NoError(t, h.orch.Resume(ctx, jobID))
	h.waitState(t, jobID, job.StateCompleted)

	st, err := h.orch.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Counters.URLsCrawled)
	for _, uri := range targets {
		require.Equal(t, 1, h.worker.fetchCount(uri), uri)
	}
	require.Len(t, h.bus.HistoryByKind(jobID, events.KindCrawlResumed), 1)
}

func TestCancelStopsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	h.worker.page("https://example.com/a", "h", "")
	h.worker.gate = make(chan struct{})

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: []string{"https://example.com/a"}})
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(ctx, jobID, "operator request"))
	h.waitState(t, jobID, job.StateCancelled)

	evts := h.bus.HistoryByKind(jobID, events.KindCrawlCancelled)
	require.Len(t, evts, 1)
	require.Equal(t, "operator request", evts[0].Payload.(events.CrawlCancelled).Reason)

	// Terminal jobs reject further control.
	require.ErrorIs(t, h.orch.Cancel(ctx, jobID, ""), job.ErrTerminal)
}

func TestFailureThresholdFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MinFailureSample: 4})
	ctx := context.Background()

	var targets []string
	for i := 0; i < 6; i++ {
		uri := fmt.Sprintf("https://example.com/%d", i)
		targets = append(targets, uri)
		h.worker.failPage(uri, "503")
	}

	jobID, err := h.orch.Submit(ctx, job.Job{
		Targets: targets,
		Config:  job.Config{FailureThreshold: 0.5},
	})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateFailed)

	st, err := h.orch.Status(jobID)
	require.NoError(t, err)
	require.Contains(t, st.Error, "failure rate")

	// An ERROR checkpoint was written for post-mortem resume.
	metas, err := h.checkpoints.List(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, checkpoint.TypeError, metas[0].Type)
	require.Len(t, h.bus.HistoryByKind(jobID, events.KindCrawlFailed), 1)
}

func TestMaxPagesStopActionEndsCrawlEarly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	var targets []string
	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("https://example.com/%d", i)
		targets = append(targets, uri)
		h.worker.page(uri, fmt.Sprintf("h%d", i), "")
	}

	jobID, err := h.orch.Submit(ctx, job.Job{
		Targets: targets,
		Config:  job.Config{MaxPages: 2, OnMaxPages: job.ThresholdStop},
	})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateCompleted)

	st, err := h.orch.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.Counters.URLsCrawled)
}

func TestAutoCheckpointCadenceAndPruning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoCheckpointInterval: 2, KeepCheckpoints: 2})
	ctx := context.Background()

	var targets []string
	for i := 0; i < 8; i++ {
		uri := fmt.Sprintf("https://example.com/%d", i)
		targets = append(targets, uri)
		h.worker.page(uri, fmt.Sprintf("h%d", i), "")
	}

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: targets})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateCompleted)

	metas, err := h.checkpoints.List(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, metas, 2) // pruned down to the keep budget
	for _, meta := range metas {
		require.Equal(t, checkpoint.TypeAuto, meta.Type)
	}
}

func TestContinueFromCheckpointAfterFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AutoCheckpointInterval: 1, MinFailureSample: 2})
	ctx := context.Background()

	good := []string{"https://example.com/a", "https://example.com/b"}
	bad := []string{"https://example.com/x", "https://example.com/y"}
	for i, uri := range good {
		h.worker.page(uri, fmt.Sprintf("h%d", i), "")
	}
	for _, uri := range bad {
		h.worker.failPage(uri, "503")
	}

	jobID, err := h.orch.Submit(ctx, job.Job{
		Targets: append(append([]string{}, good[0]), bad[0], bad[1], good[1]),
		Config:  job.Config{FailureThreshold: 0.5},
	})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateFailed)

	// The origin recovers; continuing from the checkpoint finishes the job.
	for i, uri := range bad {
		h.worker.page(uri, fmt.Sprintf("fixed-%d", i), "")
	}
	require.NoError(t, h.orch.ContinueFromCheckpoint(ctx, jobID, ""))
	h.waitState(t, jobID, job.StateCompleted)

	// The two good pages are crawled; the failed ones stay recorded as
	// failures and are not retried.
	st, err := h.orch.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.Counters.URLsCrawled)
	require.Equal(t, int64(2), st.Counters.URLsFailed)
}

func TestHashesBodyWhenWorkerOmitsContentHash(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	uri := "https://example.com/raw"
	h.worker.mu.Lock()
	h.worker.results[uri] = job.FetchResult{
		Status: job.FetchSuccess,
		URI:    uri,
		Body:   []byte("hello world"),
		Bytes:  11,
	}
	h.worker.mu.Unlock()

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: []string{uri}})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateCompleted)

	fp, err := h.fingerprints.Get(ctx, jobID, 0, uri)
	require.NoError(t, err)
	require.Equal(t,
		"b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		fp.ContentHash)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_, err := h.orch.Submit(context.Background(), job.Job{})
	require.ErrorIs(t, err, ErrNoTargets)

	_, err = h.orch.Status("nope")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestDeleteJobCleansDerivedState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	uri := "https://example.com/a"
	h.worker.page(uri, "h", "")
	jobID, err := h.orch.Submit(ctx, job.Job{Targets: []string{uri}})
	require.NoError(t, err)
	h.waitState(t, jobID, job.StateCompleted)

	require.NoError(t, h.orch.DeleteJob(ctx, jobID))

	_, err = h.orch.Status(jobID)
	require.ErrorIs(t, err, job.ErrNotFound)
	require.Empty(t, h.bus.History(jobID, 0))
	fps, err := h.fingerprints.ListIteration(ctx, jobID, 0)
	require.NoError(t, err)
	require.Empty(t, fps)
	metas, err := h.checkpoints.List(ctx, jobID)
	require.NoError(t, err)
	require.Empty(t, metas)
}

// pauseMidCrawl submits a gated three-page job, lets one page finish, and
// parks the job in PAUSED with a pause checkpoint behind it.
func pauseMidCrawl(t *testing.T, h *harness) (string, []string) {
	t.Helper()
	ctx := context.Background()

	targets := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	for i, uri := range targets {
		h.worker.page(uri, fmt.Sprintf("hash-%d", i), "")
	}
	h.worker.gate = make(chan struct{})

	jobID, err := h.orch.Submit(ctx, job.Job{Targets: targets})
	require.NoError(t, err)

	h.worker.gate <- struct{}{}
	require.Eventually(t, func() bool { return h.worker.fetchCount(targets[0]) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.orch.Pause(ctx, jobID))
	h.worker.gate <- struct{}{}
	h.waitState(t, jobID, job.StatePaused)
	h.worker.gate = nil
	return jobID, targets
}

func TestConcurrentResumeAndContinueStartOneRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	jobID, targets := pauseMidCrawl(t, h)

	// Re-arm the gate so the winner's run parks on its first fetch and the
	// loser observes a job that is already running again.
	h.worker.gate = make(chan struct{})

	// Race the two ways of waking a paused job. Serialization means exactly
	// one may win; the loser must see the job already running (or no longer
	// paused), never start a second run goroutine.
	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		errs[0] = h.orch.Resume(ctx, jobID)
	}()
	go func() {
		defer wg.Done()
		<-start
		errs[1] = h.orch.ContinueFromCheckpoint(ctx, jobID, "")
	}()
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	require.Equal(t, 1, winners, "resume=%v continue=%v", errs[0], errs[1])

	close(h.worker.gate)
	h.waitState(t, jobID, job.StateCompleted)
	for _, uri := range targets {
		require.Equal(t, 1, h.worker.fetchCount(uri), uri)
	}
	require.Len(t, h.bus.HistoryByKind(jobID, events.KindCrawlResumed), 1)
}

func TestResumeRefusedDuringShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	jobID, _ := pauseMidCrawl(t, h)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Close(closeCtx))

	// The machine must not leave PAUSED when no run goroutine can follow.
	require.ErrorIs(t, h.orch.Resume(ctx, jobID), ErrShuttingDown)
	st, err := h.orch.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, job.StatePaused, st.CurrentState)
}

// faultySaveStore wraps the in-memory checkpoint store and fails saves on
// demand.
type faultySaveStore struct {
	*checkpoint.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (s *faultySaveStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *faultySaveStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return fmt.Errorf("disk full")
	}
	return s.MemoryStore.Save(ctx, cp)
}

func TestPauseWithoutCheckpointOmitsID(t *testing.T) {
	t.Parallel()

	clock := systemClock{}
	ids := &seqIDs{}
	logger := zap.NewNop()
	bus := events.NewBus(events.BusConfig{}, logger)
	t.Cleanup(bus.Close)

	fps := fingerprint.NewMemoryStore()
	iters := iteration.NewManager(fps, clock, logger)
	ckptStore := &faultySaveStore{MemoryStore: checkpoint.NewMemoryStore()}
	ckpts := checkpoint.NewManager(ckptStore, clock, ids, bus, logger)
	worker := newStubWorker()
	orch := New(Config{}, Deps{
		Store:       memory.NewJobStore(),
		Bus:         bus,
		Checkpoints: ckpts,
		Iterations:  iters,
		Worker:      worker,
		Clock:       clock,
		IDs:         ids,
		Logger:      logger,
	})
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Close(closeCtx)
	})

	ctx := context.Background()
	targets := []string{"https://example.com/a", "https://example.com/b"}
	for i, uri := range targets {
		worker.page(uri, fmt.Sprintf("hash-%d", i), "")
	}
	worker.gate = make(chan struct{})

	jobID, err := orch.Submit(ctx, job.Job{Targets: targets})
	require.NoError(t, err)

	worker.gate <- struct{}{}
	require.Eventually(t, func() bool { return worker.fetchCount(targets[0]) == 1 }, time.Second, time.Millisecond)

	ckptStore.setFailing(true)
	require.NoError(t, orch.Pause(ctx, jobID))
	worker.gate <- struct{}{}
	require.Eventually(t, func() bool {
		st, serr := orch.Status(jobID)
		return serr == nil && st.CurrentState == job.StatePaused
	}, 3*time.Second, 5*time.Millisecond)

	// The pause event carries no checkpoint ID; the save failure surfaced as
	// a warning instead of a fabricated reference.
	paused := bus.HistoryByKind(jobID, events.KindCrawlPaused)
	require.Len(t, paused, 1)
	require.Empty(t, paused[0].Payload.(events.CrawlPaused).CheckpointID)

	require.NotEmpty(t, bus.HistoryByKind(jobID, events.KindWarning))

	metas, err := ckpts.List(ctx, jobID)
	require.NoError(t, err)
	require.Empty(t, metas)
}
