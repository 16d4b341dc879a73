package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
)

func noop(context.Context, *job.Manager, core.Invocation) (any, error) { return nil, nil }

// deliver runs every queued invocation once, without draining follow-ups.
func (r *pipelineRun) deliver(t *testing.T) {
	t.Helper()
	for _, inv := range r.queue.Drain() {
		require.NoError(t, r.handlers[inv.JobType](context.Background(), inv))
	}
}

func queuedTypes(r *pipelineRun) []string {
	var types []string
	for _, inv := range r.queue.Items() {
		types = append(types, inv.JobType)
	}
	return types
}

func TestCancelJob_Standalone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m, err := job.Create(ctx, f.store, &core.JobRecord{JobType: "export", MaxAttempts: 3}, f.opts...)
	require.NoError(t, err)

	require.NoError(t, f.engine.CancelJob(ctx, m.ID(), "operator request"))

	rec := f.job(t, m.ID())
	assert.Equal(t, core.StatusCancelled, rec.Status)
	assert.Equal(t, core.KindCancelled, rec.Error.Kind)
	assert.Equal(t, "operator request", rec.Error.Message)

	require.NoError(t, f.engine.CancelJob(ctx, m.ID(), "again"), "cancelling a finished job is a no-op")
	assert.Equal(t, "operator request", f.job(t, m.ID()).Error.Message)
}

func TestCancelJob_Unknown(t *testing.T) {
	f := newFixture(t)
	err := f.engine.CancelJob(context.Background(), "missing", "")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestCancelJob_MemberCascadesToDependents(t *testing.T) {
	ctx := context.Background()
	r := newPipelineRun(t, extractLoad, map[string]job.Body{"extract": noop, "load": noop})
	created, err := r.factory.Create(ctx, "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)
	r.deliver(t)
	require.Equal(t, []string{"extract"}, queuedTypes(r))

	require.NoError(t, r.engine.CancelJob(ctx, created.Jobs["extract"].ID, "bad input"))

	load := r.job(t, created.Jobs["load"].ID)
	assert.Equal(t, core.StatusCancelled, load.Status)
	assert.Equal(t, core.KindDependencyFailed, load.Error.Kind)
	assert.True(t, r.pipeline(t, created.Pipeline.ID).Status.IsTerminal())
}

func TestPausePipeline_HoldsReleases(t *testing.T) {
	ctx := context.Background()
	r := newPipelineRun(t, extractLoad, map[string]job.Body{"extract": noop, "load": noop})
	created, err := r.factory.Create(ctx, "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)
	r.deliver(t)

	require.NoError(t, r.engine.PausePipeline(ctx, created.Pipeline.ID, "maintenance"))
	assert.Equal(t, core.PipelinePaused, r.pipeline(t, created.Pipeline.ID).Status)

	// The released member still runs, but nothing new is released.
	r.deliver(t)
	assert.Equal(t, core.StatusSucceeded, r.job(t, created.Jobs["extract"].ID).Status)
	assert.Empty(t, r.queue.Items())

	require.NoError(t, r.engine.UnpausePipeline(ctx, created.Pipeline.ID, "done"))
	assert.Equal(t, []string{"load"}, queuedTypes(r))

	r.drain(t)
	assert.Equal(t, core.PipelineSucceeded, r.pipeline(t, created.Pipeline.ID).Status)
}

func TestPausePipeline_RequiresRunning(t *testing.T) {
	ctx := context.Background()
	r := newPipelineRun(t, extractLoad, map[string]job.Body{"extract": noop, "load": noop})
	created, err := r.factory.Create(ctx, "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)

	err = r.engine.PausePipeline(ctx, created.Pipeline.ID, "")
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidState, core.Classify(err))

	err = r.engine.UnpausePipeline(ctx, created.Pipeline.ID, "")
	assert.Equal(t, core.KindInvalidState, core.Classify(err))
}

func TestCancelPipeline_CancelsMembers(t *testing.T) {
	ctx := context.Background()
	r := newPipelineRun(t, extractLoad, map[string]job.Body{"extract": noop, "load": noop})
	created, err := r.factory.Create(ctx, "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)

	require.NoError(t, r.engine.CancelPipeline(ctx, created.Pipeline.ID, "superseded"))

	assert.Equal(t, core.PipelineCancelled, r.pipeline(t, created.Pipeline.ID).Status)
	jobs, err := r.store.ListByPipeline(ctx, created.Pipeline.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Equal(t, core.StatusCancelled, j.Status, j.JobType)
	}

	// The start delivery is dropped once its record is cancelled.
	r.deliver(t)
	assert.Equal(t, core.PipelineCancelled, r.pipeline(t, created.Pipeline.ID).Status)
}

func TestPipelineProgress(t *testing.T) {
	ctx := context.Background()
	r := newPipelineRun(t, extractLoad, map[string]job.Body{"extract": noop, "load": noop})
	created, err := r.factory.Create(ctx, "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)
	r.deliver(t)
	r.deliver(t)

	progress, err := r.engine.PipelineProgress(ctx, created.Pipeline.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PipelineRunning, progress.Status)
	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 2, progress.Succeeded)
	assert.Equal(t, 1, progress.Pending)

	_, err = r.engine.PipelineProgress(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrPipelineNotFound)
}
