// Package orchestrator coordinates the full lifecycle of crawl jobs: it owns
// the per-job state machines, drives the phase pipeline, applies crawl
// budgets, and mediates between the event bus, checkpoint manager, iteration
// manager, and the external fetch and processing workers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"crawlcore/internal/checkpoint"
	"crawlcore/internal/events"
	"crawlcore/internal/hash/sha256"
	"crawlcore/internal/iteration"
	"crawlcore/internal/job"
	"crawlcore/internal/metrics"
)

// Errors returned by the control operations.
var (
	ErrJobRunning   = errors.New("job is running")
	ErrJobNotPaused = errors.New("job is not paused")
	ErrJobNotActive = errors.New("job is not in a pausable state")
	ErrJobNotDone   = errors.New("job has not completed")
	ErrNoTargets    = errors.New("job has no target URIs")
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Config tunes the orchestrator's crawl policy.
type Config struct {
	// AutoCheckpointInterval is the page cadence for automatic checkpoints.
	AutoCheckpointInterval int
	// KeepCheckpoints bounds retained checkpoints per job when pruning.
	KeepCheckpoints int
	// FailureThreshold is the failure-rate budget applied when a job's own
	// config does not set one. Zero disables the default budget.
	FailureThreshold float64
	// MinFailureSample is how many fetch attempts must accumulate before the
	// failure-rate budget is evaluated.
	MinFailureSample int
}

func (c Config) withDefaults() Config {
	if c.AutoCheckpointInterval <= 0 {
		c.AutoCheckpointInterval = checkpoint.DefaultAutoInterval
	}
	if c.KeepCheckpoints <= 0 {
		c.KeepCheckpoints = checkpoint.DefaultKeepLast
	}
	if c.MinFailureSample <= 0 {
		c.MinFailureSample = 10
	}
	return c
}

// Deps are the orchestrator's collaborators. Worker is required; Extractor
// and Processor fall back to NopStageRunner; Tracer falls back to a noop.
type Deps struct {
	Store       job.Store
	Bus         *events.Bus
	Metrics     *metrics.Aggregator
	Checkpoints *checkpoint.Manager
	Iterations  *iteration.Manager
	Worker      job.FetchWorker
	Extractor   StageRunner
	Processor   StageRunner
	Clock       job.Clock
	IDs         job.IDGenerator
	Hasher      job.Hasher
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// jobRun is the registry entry for one job. The run goroutine owns the crawl
// bookkeeping; mu guards it for control operations (manual checkpoints,
// status reads of the frontier).
type jobRun struct {
	def     job.Job
	machine *job.Machine

	mu        sync.Mutex
	frontier  []string
	seen      map[string]bool
	completed map[string]bool
	failedSet map[string]bool
	documents []string

	cancel       context.CancelFunc
	pause        chan struct{} // closed to request a pause
	pauseOnce    sync.Once
	cancelReason string

	sincePages int // pages since the last automatic checkpoint
	warnedPage bool
	warnedTime bool
}

func (r *jobRun) requestPause() {
	r.pauseOnce.Do(func() { close(r.pause) })
}

func (r *jobRun) pauseRequested() bool {
	select {
	case <-r.pause:
		return true
	default:
		return false
	}
}

// Orchestrator is the public control surface for crawl jobs.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu      sync.RWMutex
	runs    map[string]*jobRun
	ctls    map[string]*sync.Mutex
	closing bool

	wg sync.WaitGroup
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Extractor == nil {
		deps.Extractor = NopStageRunner{}
	}
	if deps.Processor == nil {
		deps.Processor = NopStageRunner{}
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("crawlcore/orchestrator")
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	return &Orchestrator{
		cfg:  cfg.withDefaults(),
		deps: deps,
		runs: make(map[string]*jobRun),
		ctls: make(map[string]*sync.Mutex),
	}
}

// controlLock returns the mutex serializing control operations for one job.
// The lock outlives individual jobRun entries so operations that replace the
// run (resume, continue, next iteration) exclude each other; it also orders
// the r.cancel hand-off in start against readers in Cancel.
func (o *Orchestrator) controlLock(jobID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.ctls[jobID]
	if !ok {
		m = &sync.Mutex{}
		o.ctls[jobID] = m
	}
	return m
}

func (o *Orchestrator) isClosing() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closing
}

// Submit registers a new job and starts its baseline iteration in the
// background. Returns the job ID.
func (o *Orchestrator) Submit(ctx context.Context, j job.Job) (string, error) {
	if len(j.Targets) == 0 {
		return "", ErrNoTargets
	}
	if j.ID == "" {
		id, err := o.deps.IDs.NewID()
		if err != nil {
			return "", fmt.Errorf("generating job id: %w", err)
		}
		j.ID = id
	}
	j.Submitted = o.deps.Clock.Now()

	ctl := o.controlLock(j.ID)
	ctl.Lock()
	defer ctl.Unlock()

	if err := o.deps.Store.CreateJob(ctx, j); err != nil {
		return "", fmt.Errorf("persisting job: %w", err)
	}

	r := &jobRun{
		def:       j,
		machine:   job.NewMachine(j.ID, o.deps.Clock, o.emitChange),
		seen:      make(map[string]bool),
		completed: make(map[string]bool),
		failedSet: make(map[string]bool),
		pause:     make(chan struct{}),
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, exists := o.runs[j.ID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("job %s already submitted", j.ID)
	}
	o.runs[j.ID] = r
	o.mu.Unlock()

	o.start(r, job.IterationBaseline, job.State(""))
	o.deps.Logger.Info("job submitted",
		zap.String("job_id", j.ID),
		zap.Int("targets", len(j.Targets)))
	return j.ID, nil
}

// start launches the run goroutine. resumeFrom is the phase to re-enter
// after a resume, or empty for a fresh iteration in the given mode.
func (o *Orchestrator) start(r *jobRun, mode job.IterationMode, resumeFrom job.State) {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(runCtx, r, mode, resumeFrom)
	}()
}

// Pause asks a running job to checkpoint and stop at the next safe point.
// The transition to PAUSED is asynchronous; subscribe to the bus or poll
// Status to observe it.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	ctl := o.controlLock(jobID)
	ctl.Lock()
	defer ctl.Unlock()

	r, err := o.get(jobID)
	if err != nil {
		return err
	}
	if !r.machine.CanPause() {
		return fmt.Errorf("job %s in state %s: %w", jobID, r.machine.Current(), ErrJobNotActive)
	}
	r.requestPause()
	o.deps.Logger.Info("pause requested", zap.String("job_id", jobID))
	return nil
}

// Resume restarts a paused job from its latest checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	ctl := o.controlLock(jobID)
	ctl.Lock()
	defer ctl.Unlock()

	// Refuse before touching the machine; a job left mid-transition with no
	// run goroutine would be stranded.
	if o.isClosing() {
		return ErrShuttingDown
	}

	r, err := o.get(jobID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.machine.CanResume() {
		return fmt.Errorf("job %s in state %s: %w", jobID, r.machine.Current(), ErrJobNotPaused)
	}

	cp, err := o.deps.Checkpoints.Resume(ctx, jobID, "")
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	o.restoreRunLocked(r, cp)

	if err := r.machine.Transition(cp.Snapshot.State); err != nil {
		return fmt.Errorf("leaving paused state: %w", err)
	}
	r.machine.Restore(cp.Snapshot.Substate, cp.Snapshot.Counters)
	o.publish(jobID, events.CrawlResumed{CheckpointID: cp.ID})
	o.persist(r)

	o.start(r, "", cp.Snapshot.State)
	o.deps.Logger.Info("job resumed",
		zap.String("job_id", jobID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("state", string(cp.Snapshot.State)))
	return nil
}

// restoreRunLocked rebuilds the crawl bookkeeping from a checkpoint. Caller
// holds r.mu.
func (o *Orchestrator) restoreRunLocked(r *jobRun, cp checkpoint.Checkpoint) {
	snap := cp.Snapshot
	r.frontier = append([]string(nil), snap.Frontier...)
	r.seen = make(map[string]bool)
	r.completed = make(map[string]bool)
	r.failedSet = make(map[string]bool)
	for _, uri := range snap.Frontier {
		r.seen[uri] = true
	}
	for _, uri := range snap.Completed {
		r.seen[uri] = true
		r.completed[uri] = true
	}
	for _, uri := range snap.Failed {
		r.seen[uri] = true
		r.failedSet[uri] = true
	}
	r.documents = nil
	r.sincePages = 0
	r.pause = make(chan struct{})
	r.pauseOnce = sync.Once{}
	if len(snap.Iterations) > 0 {
		o.deps.Iterations.Restore(r.def.ID, snap.Iterations)
	}
}

// Cancel stops a job permanently. Safe on queued, running, and paused jobs.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) error {
	ctl := o.controlLock(jobID)
	ctl.Lock()
	defer ctl.Unlock()

	r, err := o.get(jobID)
	if err != nil {
		return err
	}
	if r.machine.IsTerminal() {
		return fmt.Errorf("job %s in state %s: %w", jobID, r.machine.Current(), job.ErrTerminal)
	}

	r.mu.Lock()
	r.cancelReason = reason
	paused := r.machine.Current() == job.StatePaused
	r.mu.Unlock()

	if paused {
		// No run goroutine is alive to observe the context; finish here.
		if err := r.machine.Transition(job.StateCancelled); err != nil {
			return err
		}
		o.publish(jobID, events.CrawlCancelled{Reason: reason})
		o.persist(r)
	} else if r.cancel != nil {
		r.cancel()
	}
	o.deps.Logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// ContinueFromCheckpoint rebuilds a job that is failed, cancelled, or no
// longer resident (e.g. after a coordinator restart) from a stored
// checkpoint and resumes it. An empty checkpointID picks the newest usable
// one.
func (o *Orchestrator) ContinueFromCheckpoint(ctx context.Context, jobID, checkpointID string) error {
	ctl := o.controlLock(jobID)
	ctl.Lock()
	defer ctl.Unlock()

	def, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}

	if r, err := o.get(jobID); err == nil && !r.machine.IsTerminal() && r.machine.Current() != job.StatePaused {
		return fmt.Errorf("job %s: %w", jobID, ErrJobRunning)
	}

	cp, err := o.deps.Checkpoints.Resume(ctx, jobID, checkpointID)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	r := &jobRun{
		def: def,
		machine: job.RestoreMachine(job.JobState{
			JobID:    jobID,
			History:  cp.Snapshot.History,
			Counters: cp.Snapshot.Counters,
		}, o.deps.Clock, o.emitChange),
		pause: make(chan struct{}),
	}
	r.mu.Lock()
	o.restoreRunLocked(r, cp)
	r.mu.Unlock()

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.runs[jobID] = r
	o.mu.Unlock()

	if err := r.machine.Transition(cp.Snapshot.State); err != nil {
		return fmt.Errorf("restoring phase: %w", err)
	}
	r.machine.Restore(cp.Snapshot.Substate, cp.Snapshot.Counters)
	o.publish(jobID, events.CrawlResumed{CheckpointID: cp.ID})
	o.persist(r)

	o.start(r, "", cp.Snapshot.State)
	o.deps.Logger.Info("job continued from checkpoint",
		zap.String("job_id", jobID),
		zap.String("checkpoint_id", cp.ID))
	return nil
}

// StartNextIteration begins an incremental or full re-crawl of a completed
// job. The new iteration reuses the job's targets and budgets.
func (o *Orchestrator) StartNextIteration(ctx context.Context, jobID string, mode job.IterationMode) error {
	ctl := o.controlLock(jobID)
	ctl.Lock()
	defer ctl.Unlock()

	r, err := o.get(jobID)
	if err != nil {
		return err
	}
	if r.machine.Current() != job.StateCompleted {
		return fmt.Errorf("job %s in state %s: %w", jobID, r.machine.Current(), ErrJobNotDone)
	}
	if mode != job.IterationIncremental && mode != job.IterationFull {
		return fmt.Errorf("iteration mode %q is not valid for a re-crawl", mode)
	}

	// A fresh machine for the new pass; lineage lives in the iteration
	// manager and is unaffected.
	next := &jobRun{
		def:       r.def,
		machine:   job.NewMachine(jobID, o.deps.Clock, o.emitChange),
		seen:      make(map[string]bool),
		completed: make(map[string]bool),
		failedSet: make(map[string]bool),
		pause:     make(chan struct{}),
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.runs[jobID] = next
	o.mu.Unlock()

	o.start(next, mode, job.State(""))
	o.deps.Logger.Info("next iteration started",
		zap.String("job_id", jobID),
		zap.String("mode", string(mode)))
	return nil
}

// CreateCheckpoint takes a manual checkpoint of a running or paused job.
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, jobID string) (checkpoint.Checkpoint, error) {
	ctl := o.controlLock(jobID)
	ctl.Lock()
	defer ctl.Unlock()

	r, err := o.get(jobID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if r.machine.IsTerminal() {
		return checkpoint.Checkpoint{}, fmt.Errorf("job %s in state %s: %w", jobID, r.machine.Current(), job.ErrTerminal)
	}
	return o.deps.Checkpoints.Create(ctx, jobID, checkpoint.TypeManual, o.snapshot(r))
}

// Status returns the current state of a job.
func (o *Orchestrator) Status(jobID string) (job.JobState, error) {
	r, err := o.get(jobID)
	if err != nil {
		return job.JobState{}, err
	}
	return r.machine.Snapshot(), nil
}

// Job returns the submitted job definition.
func (o *Orchestrator) Job(jobID string) (job.Job, error) {
	r, err := o.get(jobID)
	if err != nil {
		return job.Job{}, err
	}
	return r.def, nil
}

// List returns the states of all resident jobs.
func (o *Orchestrator) List() []job.JobState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]job.JobState, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.machine.Snapshot())
	}
	return out
}

// DeleteJob removes a terminal job and all of its derived state: events,
// metrics, fingerprints, and checkpoints.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	ctl := o.controlLock(jobID)
	ctl.Lock()
	defer ctl.Unlock()

	r, err := o.get(jobID)
	if err != nil {
		return err
	}
	if !r.machine.IsTerminal() {
		return fmt.Errorf("job %s in state %s: %w", jobID, r.machine.Current(), ErrJobRunning)
	}

	o.mu.Lock()
	delete(o.runs, jobID)
	delete(o.ctls, jobID)
	o.mu.Unlock()

	var errs []error
	if err := o.deps.Checkpoints.DeleteJob(ctx, jobID); err != nil {
		errs = append(errs, err)
	}
	if err := o.deps.Iterations.DeleteJob(ctx, jobID); err != nil {
		errs = append(errs, err)
	}
	if err := o.deps.Store.DeleteJob(ctx, jobID); err != nil {
		errs = append(errs, err)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.CleanupJob(jobID)
	}
	o.deps.Bus.CleanupJob(jobID)
	return errors.Join(errs...)
}

// Close pauses every running job so each writes a final checkpoint, then
// waits for the run goroutines to finish or ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	ctls := make([]*sync.Mutex, 0, len(o.ctls))
	for _, m := range o.ctls {
		ctls = append(ctls, m)
	}
	o.mu.Unlock()

	// Drain in-flight control operations so every later one observes closing
	// and no run goroutine starts after the wait below begins.
	for _, m := range ctls {
		m.Lock()
		m.Unlock() //nolint:staticcheck // empty critical section is the barrier
	}

	// Snapshot the registry only after the drain: an in-flight resume or
	// continue may have replaced a job's run entry.
	o.mu.RLock()
	runs := make([]*jobRun, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	for _, r := range runs {
		if r.machine.CanPause() && !r.machine.IsTerminal() {
			r.requestPause()
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs to pause: %w", ctx.Err())
	}
}

func (o *Orchestrator) get(jobID string) (*jobRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	return r, nil
}

// emitChange converts committed machine changes into bus events. It runs
// under the machine lock; Publish only queues, so this cannot deadlock.
func (o *Orchestrator) emitChange(c job.Change) {
	if c.SubstateOnly {
		o.publish(c.JobID, events.SubstateChange{State: string(c.To), Substate: string(c.Substate)})
		return
	}
	o.publish(c.JobID, events.StateChange{From: string(c.From), To: string(c.To)})
}

func (o *Orchestrator) publish(jobID string, p events.Payload) {
	id, err := o.deps.IDs.NewID()
	if err != nil {
		id = ""
	}
	evt := events.Event{
		ID:        id,
		JobID:     jobID,
		Kind:      p.EventKind(),
		Timestamp: o.deps.Clock.Now(),
		Payload:   p,
	}
	if err := o.deps.Bus.Publish(evt); err != nil {
		o.deps.Logger.Warn("publishing event failed",
			zap.String("job_id", jobID),
			zap.String("kind", string(evt.Kind)),
			zap.Error(err))
	}
}

// persist mirrors the machine state into the job store, best effort. Run
// with its own timeout so a cancelled job context cannot block it.
func (o *Orchestrator) persist(r *jobRun) {
	snap := r.machine.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.UpdateState(ctx, snap.JobID, snap.CurrentState, snap.Error, snap.Counters); err != nil {
		o.deps.Logger.Warn("persisting job state failed",
			zap.String("job_id", snap.JobID),
			zap.String("state", string(snap.CurrentState)),
			zap.Error(err))
	}
}

// snapshot assembles a checkpoint snapshot from the machine and the crawl
// bookkeeping.
func (o *Orchestrator) snapshot(r *jobRun) checkpoint.Snapshot {
	st := r.machine.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()
	snap := checkpoint.Snapshot{
		State:      st.CurrentState,
		Substate:   st.Substate,
		Counters:   st.Counters,
		History:    st.History,
		Frontier:   append([]string(nil), r.frontier...),
		Iterations: o.deps.Iterations.Chain(r.def.ID),
		Error:      st.Error,
	}
	for uri := range r.completed {
		snap.Completed = append(snap.Completed, uri)
	}
	for uri := range r.failedSet {
		snap.Failed = append(snap.Failed, uri)
	}
	return snap
}
