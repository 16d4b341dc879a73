package lifecycle

import (
	"context"

	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
	"github.com/jdziat/simple-durable-pipelines/pkg/pipeline"
)

// Operator actions. Each runs in its own unit of work and reloads on
// concurrent modification.

// CancelJob cancels a job that has not finished. A cancelled pipeline member
// is coordinated afterwards so its dependents follow.
func (e *Engine) CancelJob(ctx context.Context, jobID, reason string) error {
	var pipelineID string
	err := backoff.OnConflict(ctx, e.conflict, func() error {
		return e.store.Atomic(ctx, func(tx core.Store) error {
			m, err := job.LoadWith(ctx, tx, jobID, e.jobOpts)
			if err != nil {
				return err
			}
			pipelineID = m.Record().PipelineRef()
			return m.Cancel(ctx, reason)
		})
	})
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "job cancelled by operator", "job_id", jobID, "reason", reason)
	if pipelineID != "" {
		e.coordinate(ctx, pipelineID)
	}
	return nil
}

// CancelPipeline cancels a pipeline and every member still outstanding.
func (e *Engine) CancelPipeline(ctx context.Context, pipelineID, reason string) error {
	return e.withPipeline(ctx, pipelineID, func(pm *pipeline.Manager) error {
		return pm.Cancel(ctx, reason)
	})
}

// PausePipeline stops a running pipeline from releasing new members.
func (e *Engine) PausePipeline(ctx context.Context, pipelineID, reason string) error {
	return e.withPipeline(ctx, pipelineID, func(pm *pipeline.Manager) error {
		return pm.Pause(ctx, reason)
	})
}

// UnpausePipeline resumes a paused pipeline and releases what became eligible.
func (e *Engine) UnpausePipeline(ctx context.Context, pipelineID, reason string) error {
	return e.withPipeline(ctx, pipelineID, func(pm *pipeline.Manager) error {
		return pm.Unpause(ctx, reason)
	})
}

// PipelineProgress summarizes a pipeline's members.
func (e *Engine) PipelineProgress(ctx context.Context, pipelineID string) (pipeline.Progress, error) {
	pm, err := pipeline.LoadWith(ctx, e.store, pipelineID, e.jobOpts)
	if err != nil {
		return pipeline.Progress{}, err
	}
	return pm.Progress(ctx)
}

func (e *Engine) withPipeline(ctx context.Context, pipelineID string, fn func(*pipeline.Manager) error) error {
	return backoff.OnConflict(ctx, e.conflict, func() error {
		return e.store.Atomic(ctx, func(tx core.Store) error {
			pm, err := pipeline.LoadWith(ctx, tx, pipelineID, e.jobOpts)
			if err != nil {
				return err
			}
			return fn(pm)
		})
	})
}
