package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"crawlcore/internal/checkpoint"
	"crawlcore/internal/events"
	"crawlcore/internal/fingerprint"
	"crawlcore/internal/iteration"
	"crawlcore/internal/job"
)

// run drives one pass of a job through the phase pipeline. resumeFrom is the
// phase re-entered after a resume; empty means a fresh iteration in mode.
func (o *Orchestrator) run(ctx context.Context, r *jobRun, mode job.IterationMode, resumeFrom job.State) {
	jobID := r.def.ID
	ctx, span := o.deps.Tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.mode", string(mode)),
		attribute.String("job.resume_from", string(resumeFrom)),
	))
	defer span.End()

	if resumeFrom == "" {
		it, err := o.deps.Iterations.Start(jobID, mode)
		if err != nil {
			o.failJob(ctx, r, fmt.Errorf("starting iteration: %w", err))
			return
		}
		if err := r.machine.Transition(job.StateInitializing); err != nil {
			o.failJob(ctx, r, err)
			return
		}
		o.persist(r)
		o.publish(jobID, events.CrawlStart{
			Targets:     r.def.Targets,
			Mode:        string(mode),
			Iteration:   it.Number,
			TargetPages: r.def.Config.MaxPages,
		})
		o.seedFrontier(r)
		if err := r.machine.Transition(job.StateCrawling); err != nil {
			o.failJob(ctx, r, err)
			return
		}
		o.persist(r)
		resumeFrom = job.StateCrawling
	}

	switch resumeFrom {
	case job.StateCrawling:
		if !o.crawlPhase(ctx, r) {
			return
		}
		fallthrough
	case job.StateExtracting:
		if !o.stagePhase(ctx, r, job.StateExtracting, o.deps.Extractor) {
			return
		}
		fallthrough
	case job.StateProcessing:
		if !o.stagePhase(ctx, r, job.StateProcessing, o.deps.Processor) {
			return
		}
	default:
		o.failJob(ctx, r, fmt.Errorf("cannot resume into state %s", resumeFrom))
		return
	}

	o.complete(ctx, r)
}

func (o *Orchestrator) seedFrontier(r *jobRun) {
	r.mu.Lock()
	r.frontier = append([]string(nil), r.def.Targets...)
	for _, uri := range r.def.Targets {
		r.seen[uri] = true
	}
	r.mu.Unlock()
	for _, uri := range r.def.Targets {
		o.publish(r.def.ID, events.URLDiscovered{URI: uri, Source: "seed"})
	}
}

// crawlPhase works the frontier until it drains, a budget stops it, or the
// job is paused or cancelled. Returns true when the pipeline should proceed
// to extraction.
func (o *Orchestrator) crawlPhase(ctx context.Context, r *jobRun) bool {
	jobID := r.def.ID
	if r.machine.Current() == job.StateCrawling {
		r.machine.SetSubstate(job.SubstateDownloadingPages)
	}

	cur, err := o.deps.Iterations.Current(jobID)
	if err != nil {
		o.failJob(ctx, r, fmt.Errorf("no iteration for crawl phase: %w", err))
		return false
	}

	for {
		if o.interrupted(ctx, r) {
			return false
		}

		r.mu.Lock()
		if len(r.frontier) == 0 {
			r.mu.Unlock()
			break
		}
		uri := r.frontier[0]
		r.frontier = r.frontier[1:]
		done := r.completed[uri] || r.failedSet[uri]
		r.mu.Unlock()
		if done {
			continue
		}

		o.crawlOne(ctx, r, cur, uri)

		switch o.checkBudgets(r, false) {
		case budgetStop:
			return true
		case budgetFailed:
			return false
		}

		if r.sincePages >= o.cfg.AutoCheckpointInterval {
			o.autoCheckpoint(ctx, r)
			if o.checkBudgets(r, true) == budgetStop {
				return true
			}
		}
	}
	return true
}

// crawlOne fetches (or skips) a single URI and updates the bookkeeping.
func (o *Orchestrator) crawlOne(ctx context.Context, r *jobRun, cur iteration.Iteration, uri string) {
	jobID := r.def.ID
	req := job.FetchRequest{JobID: jobID, URI: uri, Iteration: cur.Number}

	if cur.Mode == job.IterationIncremental {
		if probe, err := o.deps.Worker.Probe(ctx, req); err == nil {
			should, serr := o.deps.Iterations.ShouldFetch(ctx, jobID, uri, iteration.Probe{
				ETag:         probe.ETag,
				LastModified: probe.LastModified,
			})
			if serr == nil && !should {
				if err := o.deps.Iterations.CarryForward(ctx, jobID, uri); err != nil {
					o.deps.Logger.Warn("carrying fingerprint forward failed",
						zap.String("job_id", jobID), zap.String("uri", uri), zap.Error(err))
				}
				r.mu.Lock()
				r.completed[uri] = true
				r.mu.Unlock()
				o.publish(jobID, events.NewDiagnostic(events.KindDebug,
					"skipped unchanged page", map[string]string{"uri": uri}))
				return
			}
		}
	}

	res, err := o.deps.Worker.Fetch(ctx, req)
	if err != nil || res.Status == job.FetchFailed {
		if ctx.Err() != nil {
			// Cancellation surfaces as a fetch error; the loop's next
			// interrupted check owns the transition.
			return
		}
		reason := res.Err
		if err != nil {
			reason = err.Error()
		}
		r.mu.Lock()
		r.failedSet[uri] = true
		r.mu.Unlock()
		r.machine.AddCounters(0, 1, 0)
		o.publish(jobID, events.PageFailed{URI: uri, Reason: reason})
		return
	}

	if res.ContentHash == "" && len(res.Body) > 0 {
		if digest, herr := o.deps.Hasher.Hash(res.Body); herr == nil {
			res.ContentHash = digest
		}
	}

	r.mu.Lock()
	r.completed[uri] = true
	r.documents = append(r.documents, res.DocumentURIs...)
	var fresh []string
	for _, d := range res.Discovered {
		if !r.seen[d] {
			r.seen[d] = true
			r.frontier = append(r.frontier, d)
			fresh = append(fresh, d)
		}
	}
	r.mu.Unlock()

	r.machine.AddCounters(1, 0, int64(len(res.DocumentURIs)))
	r.sincePages++

	o.publish(jobID, events.PageCrawled{
		URI:         uri,
		Bytes:       res.Bytes,
		Duration:    res.Duration,
		ContentHash: res.ContentHash,
	})
	for _, d := range res.DocumentURIs {
		o.publish(jobID, events.DocumentFound{URI: d})
	}
	for _, d := range fresh {
		o.publish(jobID, events.URLDiscovered{URI: d, Source: uri})
	}

	if err := o.deps.Iterations.Record(ctx, jobID, fingerprint.Fingerprint{
		URI:          uri,
		ContentHash:  res.ContentHash,
		ETag:         res.ETag,
		LastModified: res.LastModified,
	}); err != nil {
		o.deps.Logger.Warn("recording fingerprint failed",
			zap.String("job_id", jobID), zap.String("uri", uri), zap.Error(err))
	}
}

type budgetOutcome int

const (
	budgetNone budgetOutcome = iota
	budgetStop
	budgetFailed
)

// checkBudgets applies the failure-rate budget and the page/duration limits.
// When limits with different configured actions trigger together, the
// strongest action wins: stop over pause over warn.
func (o *Orchestrator) checkBudgets(r *jobRun, includeDuration bool) budgetOutcome {
	snap := r.machine.Snapshot()
	cfg := r.def.Config

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = o.cfg.FailureThreshold
	}
	attempts := snap.Counters.URLsCrawled + snap.Counters.URLsFailed
	if threshold > 0 && attempts >= int64(o.cfg.MinFailureSample) {
		rate := float64(snap.Counters.URLsFailed) / float64(attempts)
		if rate > threshold {
			o.failJob(context.Background(), r,
				fmt.Errorf("failure rate %.2f exceeded threshold %.2f after %d attempts", rate, threshold, attempts))
			return budgetFailed
		}
	}

	type hit struct {
		action  job.ThresholdAction
		message string
		warned  *bool
	}
	var hits []hit
	if cfg.MaxPages > 0 && snap.Counters.URLsCrawled >= int64(cfg.MaxPages) {
		hits = append(hits, hit{
			action:  cfg.OnMaxPages,
			message: fmt.Sprintf("page budget of %d reached", cfg.MaxPages),
			warned:  &r.warnedPage,
		})
	}
	if includeDuration && cfg.MaxDuration > 0 {
		if elapsed := snap.Duration(o.deps.Clock.Now()); elapsed >= cfg.MaxDuration {
			hits = append(hits, hit{
				action:  cfg.OnMaxDuration,
				message: fmt.Sprintf("duration budget of %s reached", cfg.MaxDuration),
				warned:  &r.warnedTime,
			})
		}
	}
	if len(hits) == 0 {
		return budgetNone
	}

	strongest := hits[0]
	for _, h := range hits[1:] {
		if rankAction(h.action) > rankAction(strongest.action) {
			strongest = h
		}
	}
	switch strongest.action {
	case job.ThresholdWarn:
		if !*strongest.warned {
			*strongest.warned = true
			o.publish(r.def.ID, events.NewDiagnostic(events.KindWarning, strongest.message, nil))
		}
		return budgetNone
	case job.ThresholdPause:
		r.requestPause()
		return budgetNone
	default: // stop
		o.publish(r.def.ID, events.NewDiagnostic(events.KindInfo,
			strongest.message+", stopping crawl", nil))
		return budgetStop
	}
}

func rankAction(a job.ThresholdAction) int {
	switch a {
	case job.ThresholdWarn:
		return 0
	case job.ThresholdPause:
		return 1
	default: // stop, including the zero value
		return 2
	}
}

// interrupted handles pending cancel and pause requests. Returns true when
// the run goroutine must exit.
func (o *Orchestrator) interrupted(ctx context.Context, r *jobRun) bool {
	select {
	case <-ctx.Done():
		o.doCancel(r)
		return true
	default:
	}
	if r.pauseRequested() {
		o.doPause(r)
		return true
	}
	return false
}

func (o *Orchestrator) doCancel(r *jobRun) {
	r.mu.Lock()
	reason := r.cancelReason
	r.mu.Unlock()

	if err := r.machine.Transition(job.StateCancelled); err != nil {
		o.deps.Logger.Warn("cancel transition rejected",
			zap.String("job_id", r.def.ID), zap.Error(err))
		return
	}
	o.publish(r.def.ID, events.CrawlCancelled{Reason: reason})
	o.persist(r)
	o.deps.Checkpoints.Unpin(r.def.ID)
}

// doPause checkpoints the current phase and parks the job in PAUSED. The
// checkpoint records the phase being left so Resume knows where to re-enter.
func (o *Orchestrator) doPause(r *jobRun) {
	jobID := r.def.ID
	snap := o.snapshot(r)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cp, err := o.deps.Checkpoints.Create(ctx, jobID, checkpoint.TypePause, snap)
	if err != nil {
		o.deps.Logger.Error("pause checkpoint failed, pausing anyway",
			zap.String("job_id", jobID), zap.Error(err))
	}

	if terr := r.machine.Transition(job.StatePaused); terr != nil {
		o.deps.Logger.Warn("pause transition rejected",
			zap.String("job_id", jobID), zap.Error(terr))
		return
	}
	if err != nil {
		// The checkpoint manager already published the save warning; the
		// pause event carries no checkpoint rather than a fabricated ID.
		o.publish(jobID, events.CrawlPaused{})
	} else {
		o.publish(jobID, events.CrawlPaused{CheckpointID: cp.ID})
	}
	o.persist(r)
}

// autoCheckpoint writes a cadence checkpoint, releases any resume pin now
// that fresher state exists, and prunes old checkpoints.
func (o *Orchestrator) autoCheckpoint(ctx context.Context, r *jobRun) {
	jobID := r.def.ID
	if _, err := o.deps.Checkpoints.Create(ctx, jobID, checkpoint.TypeAuto, o.snapshot(r)); err != nil {
		// The manager already retried and warned; the crawl continues.
		return
	}
	r.sincePages = 0
	o.deps.Checkpoints.Unpin(jobID)
	if _, err := o.deps.Checkpoints.Prune(ctx, jobID, o.cfg.KeepCheckpoints); err != nil {
		o.deps.Logger.Warn("pruning checkpoints failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

// stagePhase sequences the substates of one post-crawl phase through a
// stage runner.
func (o *Orchestrator) stagePhase(ctx context.Context, r *jobRun, state job.State, runner StageRunner) bool {
	jobID := r.def.ID
	if r.machine.Current() != state {
		if err := r.machine.Transition(state); err != nil {
			o.failJob(ctx, r, err)
			return false
		}
		o.persist(r)
	}

	r.mu.Lock()
	docs := append([]string(nil), r.documents...)
	r.mu.Unlock()

	for _, sub := range job.Substates(state) {
		if o.interrupted(ctx, r) {
			return false
		}
		if err := r.machine.SetSubstate(sub); err != nil {
			o.failJob(ctx, r, err)
			return false
		}
		n, err := runner.RunStage(ctx, jobID, sub, docs)
		if err != nil {
			if ctx.Err() != nil {
				o.doCancel(r)
				return false
			}
			o.failJob(ctx, r, fmt.Errorf("stage %s: %w", sub, err))
			return false
		}
		if state == job.StateExtracting {
			o.publish(jobID, events.ExtractionComplete{Stage: string(sub), Documents: n})
		} else {
			o.publish(jobID, events.ProgressUpdate{
				Stage:     string(sub),
				Total:     int64(len(docs)),
				Completed: n,
			})
		}
	}
	return true
}

// complete closes the iteration and lands the job in COMPLETED.
func (o *Orchestrator) complete(ctx context.Context, r *jobRun) {
	jobID := r.def.ID

	it, err := o.deps.Iterations.Complete(ctx, jobID)
	if err != nil {
		o.deps.Logger.Warn("completing iteration failed",
			zap.String("job_id", jobID), zap.Error(err))
	}

	if err := r.machine.Transition(job.StateCompleted); err != nil {
		o.deps.Logger.Warn("completion transition rejected",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.persist(r)

	snap := r.machine.Snapshot()
	o.publish(jobID, events.CrawlComplete{
		Iteration:   it.Number,
		URLsCrawled: snap.Counters.URLsCrawled,
		URLsFailed:  snap.Counters.URLsFailed,
		Documents:   snap.Counters.DocumentsFound,
		Duration:    snap.Duration(o.deps.Clock.Now()),
	})

	o.deps.Checkpoints.Unpin(jobID)
	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := o.deps.Checkpoints.Prune(cctx, jobID, o.cfg.KeepCheckpoints); err != nil {
		o.deps.Logger.Warn("pruning checkpoints failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
	o.deps.Logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.Int("iteration", it.Number),
		zap.Int64("urls_crawled", snap.Counters.URLsCrawled))
}

// failJob checkpoints for post-mortem resume and routes the job to FAILED.
func (o *Orchestrator) failJob(ctx context.Context, r *jobRun, cause error) {
	jobID := r.def.ID
	o.deps.Logger.Error("job failed", zap.String("job_id", jobID), zap.Error(cause))

	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := o.deps.Checkpoints.Create(cctx, jobID, checkpoint.TypeError, o.snapshot(r)); err != nil {
		o.deps.Logger.Warn("error checkpoint failed",
			zap.String("job_id", jobID), zap.Error(err))
	}

	if err := r.machine.Fail(cause.Error()); err != nil {
		o.deps.Logger.Warn("fail transition rejected",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.publish(jobID, events.CrawlFailed{Error: cause.Error()})
	o.persist(r)
	o.deps.Checkpoints.Unpin(jobID)
}
