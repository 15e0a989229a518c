package orchestrator

import (
	"context"

	"crawlcore/internal/job"
)

// StageRunner executes one post-crawl stage (extraction or processing) over
// the documents collected during the crawl phase. Implementations are the
// external extraction and curation workers; the orchestrator only sequences
// the stages and reports progress. The return value is how many documents
// the stage handled.
type StageRunner interface {
	RunStage(ctx context.Context, jobID string, stage job.Substate, documents []string) (int64, error)
}

// NopStageRunner acknowledges every stage without doing work. Used when the
// external workers are not wired in, e.g. crawl-only deployments and tests.
type NopStageRunner struct{}

// RunStage reports all documents as handled.
func (NopStageRunner) RunStage(_ context.Context, _ string, _ job.Substate, documents []string) (int64, error) {
	return int64(len(documents)), nil
}

// StageFunc adapts a function to the StageRunner interface.
type StageFunc func(ctx context.Context, jobID string, stage job.Substate, documents []string) (int64, error)

// RunStage calls the function.
func (f StageFunc) RunStage(ctx context.Context, jobID string, stage job.Substate, documents []string) (int64, error) {
	return f(ctx, jobID, stage, documents)
}
