package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
	"github.com/jdziat/simple-durable-pipelines/pkg/jobctx"
	"github.com/jdziat/simple-durable-pipelines/pkg/pipeline"
)

// DefaultTimeout bounds a body that was wrapped without its own timeout.
const DefaultTimeout = 30 * time.Minute

// JobHandler is a Handler produced by ManageJob. GuaranteeRecord accepts
// only this type, so a fresh invocation always gets a record before the
// job-management stage runs.
type JobHandler func(ctx context.Context, inv core.Invocation) error

// Engine builds the lifecycle decorators over one store.
type Engine struct {
	store    core.Store
	jobOpts  *job.Options
	conflict backoff.RetryConfig
	timeout  time.Duration
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption interface {
	apply(*Engine)
}

type engineOptionFunc func(*Engine)

func (f engineOptionFunc) apply(e *Engine) { f(e) }

// WithJobOptions sets the collaborators handed to every job and pipeline manager.
func WithJobOptions(opts ...job.Option) EngineOption {
	return engineOptionFunc(func(e *Engine) {
		e.jobOpts = job.NewOptions(opts...)
	})
}

// WithConflictRetry overrides the bound on optimistic-concurrency retries.
func WithConflictRetry(cfg backoff.RetryConfig) EngineOption {
	return engineOptionFunc(func(e *Engine) {
		if cfg.Attempts > 0 {
			e.conflict = cfg
		}
	})
}

// WithDefaultTimeout sets the execution timeout for handlers built without one.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return engineOptionFunc(func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	})
}

// WithLogger sets the engine logger. It does not change the managers' logger.
func WithLogger(l *slog.Logger) EngineOption {
	return engineOptionFunc(func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	})
}

// NewEngine creates an engine writing through store.
func NewEngine(store core.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		jobOpts:  job.NewOptions(),
		conflict: backoff.ConflictRetryConfig(),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() core.Store { return e.store }

// DefaultTimeout returns the execution timeout of handlers built without one.
func (e *Engine) DefaultTimeout() time.Duration { return e.timeout }

// JobOptions returns the options shared by the engine's managers.
func (e *Engine) JobOptions() *job.Options { return e.jobOpts }

// HandlerOption configures a single decorated handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	timeout     time.Duration
	maxAttempts int
}

// Timeout sets the body's execution budget per attempt.
func Timeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// MaxAttempts sets the attempt ceiling for records created by GuaranteeRecord.
func MaxAttempts(n int) HandlerOption {
	return func(c *handlerConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func (e *Engine) config(opts []HandlerOption) handlerConfig {
	cfg := handlerConfig{timeout: e.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// GuaranteeRecord creates and commits a pending record for a fresh
// standalone invocation, then calls next with the job id filled in.
// Invocations that already carry a job id pass through unchanged.
func (e *Engine) GuaranteeRecord(next JobHandler, opts ...HandlerOption) Handler {
	cfg := e.config(opts)
	return func(ctx context.Context, inv core.Invocation) error {
		if inv.JobID != "" {
			return next(ctx, inv)
		}
		if inv.PipelineID != "" {
			return fmt.Errorf("guarantee record for %s: %w", inv.JobType, core.ErrPipelineMember)
		}
		if inv.CorrelationID == "" {
			inv.CorrelationID = jobctx.CorrelationID(ctx)
		}

		rec := &core.JobRecord{
			JobType:       inv.JobType,
			Payload:       []byte(inv.Payload),
			CorrelationID: inv.CorrelationID,
			MaxAttempts:   cfg.maxAttempts,
		}
		id, err := e.store.CreateJob(ctx, rec)
		if err != nil {
			return fmt.Errorf("create record for %s: %w", inv.JobType, err)
		}
		inv.JobID = id
		e.logger.DebugContext(ctx, "job record created", "job_id", id, "job_type", inv.JobType)
		return next(ctx, inv)
	}
}

// ManageJob runs body under the job lifecycle: start in one unit of work,
// run the body outside any, then record success or failure in a third.
// Progress the body reports commits as it happens.
// The returned handler reports only infrastructure failures; job failures
// live on the record.
func (e *Engine) ManageJob(body job.Body, opts ...HandlerOption) JobHandler {
	cfg := e.config(opts)
	return func(ctx context.Context, inv core.Invocation) error {
		if inv.JobID == "" {
			return fmt.Errorf("manage job %s: invocation has no job id", inv.JobType)
		}
		m, ok, err := e.start(ctx, inv)
		if err != nil || !ok {
			return err
		}
		return e.execute(ctx, m, inv, body, cfg)
	}
}

// ManagePipeline is ManageJob for a pipeline member. It starts a pending
// pipeline before running the body and coordinates the pipeline afterwards,
// whatever the body's outcome.
func (e *Engine) ManagePipeline(body job.Body, opts ...HandlerOption) Handler {
	cfg := e.config(opts)
	return func(ctx context.Context, inv core.Invocation) error {
		if inv.JobID == "" {
			return fmt.Errorf("manage pipeline job %s: invocation has no job id", inv.JobType)
		}
		rec, err := e.store.LoadJob(ctx, inv.JobID)
		if errors.Is(err, core.ErrJobNotFound) {
			e.logger.WarnContext(ctx, "dropping delivery for unknown job", "job_id", inv.JobID)
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Standalone() {
			return fmt.Errorf("manage pipeline job %s: %w", rec.ID, core.ErrNotInPipeline)
		}
		pid := rec.PipelineRef()
		inv.PipelineID = pid

		// Coordination runs after everything below, even when the body fails.
		defer e.coordinate(ctx, pid)

		if err := e.startPipeline(ctx, pid); err != nil {
			return err
		}

		pm, err := pipeline.LoadWith(ctx, e.store, pid, e.jobOpts)
		if err != nil {
			return err
		}
		eligible, err := pm.Eligible(ctx, rec)
		if err != nil {
			return err
		}
		if !eligible {
			e.logger.InfoContext(ctx, "pipeline job not eligible, dropping delivery",
				"job_id", rec.ID, "pipeline_id", pid, "pipeline_status", pm.Record().Status)
			return nil
		}

		m, ok, err := e.start(ctx, inv)
		if err != nil || !ok {
			return err
		}
		return e.execute(ctx, m, inv, body, cfg)
	}
}

func (e *Engine) startPipeline(ctx context.Context, pipelineID string) error {
	return backoff.OnConflict(ctx, e.conflict, func() error {
		return e.store.Atomic(ctx, func(tx core.Store) error {
			pm, err := pipeline.LoadWith(ctx, tx, pipelineID, e.jobOpts)
			if err != nil {
				return err
			}
			if pm.Record().Status != core.PipelinePending {
				return nil
			}
			return pm.Start(ctx, false)
		})
	})
}

// Coordinate runs one coordination pass over the pipeline, reloading and
// retrying on conflicts.
func (e *Engine) Coordinate(ctx context.Context, pipelineID string) (core.PipelineStatus, error) {
	var status core.PipelineStatus
	err := backoff.OnConflict(ctx, e.conflict, func() error {
		return e.store.Atomic(ctx, func(tx core.Store) error {
			pm, err := pipeline.LoadWith(ctx, tx, pipelineID, e.jobOpts)
			if err != nil {
				return err
			}
			status, err = pm.Coordinate(ctx)
			return err
		})
	})
	return status, err
}

// Abandon records cause as the failure of a job left running by a lost
// worker. The job is retried or killed like any other failure. Jobs that are
// no longer running are left alone.
func (e *Engine) Abandon(ctx context.Context, jobID string, cause error) error {
	rec, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	logger := e.logger.With("job_id", jobID, "job_type", rec.JobType)
	if err := e.fail(ctx, jobID, cause, logger); err != nil {
		return err
	}
	if pid := rec.PipelineRef(); pid != "" {
		e.coordinate(ctx, pid)
	}
	return nil
}

func (e *Engine) coordinate(ctx context.Context, pipelineID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := e.Coordinate(ctx, pipelineID)
	if err != nil {
		// The reaper coordinates running pipelines, so a failure here only delays progress.
		e.logger.ErrorContext(ctx, "pipeline coordination failed", "pipeline_id", pipelineID, "error", err)
	}
}

// start commits the running transition. ok is false when the delivery is a
// duplicate or the record is gone, in which case it is acknowledged and dropped.
func (e *Engine) start(ctx context.Context, inv core.Invocation) (*job.Manager, bool, error) {
	var m *job.Manager
	err := e.store.Atomic(ctx, func(tx core.Store) error {
		loaded, err := job.LoadWith(ctx, tx, inv.JobID, e.jobOpts)
		if err != nil {
			return err
		}
		if err := loaded.Start(ctx); err != nil {
			return err
		}
		m = loaded
		return nil
	})

	var (
		invalid  *core.InvalidStateError
		conflict *core.ConcurrentModificationError
	)
	switch {
	case err == nil:
		return m.Bind(e.store), true, nil
	case errors.Is(err, core.ErrJobNotFound):
		e.logger.WarnContext(ctx, "dropping delivery for unknown job", "job_id", inv.JobID)
		return nil, false, nil
	case errors.As(err, &invalid), errors.As(err, &conflict):
		e.logger.InfoContext(ctx, "dropping duplicate delivery", "job_id", inv.JobID, "reason", err)
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("start job %s: %w", inv.JobID, err)
	}
}

// execute runs the body and finalizes the record. m must already be running
// and write through the engine's store.
func (e *Engine) execute(ctx context.Context, m *job.Manager, inv core.Invocation, body job.Body, cfg handlerConfig) error {
	rec := m.Record()
	inv.JobID = rec.ID
	inv.PipelineID = rec.PipelineRef()
	if inv.CorrelationID == "" {
		inv.CorrelationID = rec.CorrelationID
	}
	ctx = jobctx.With(ctx, inv)
	logger := jobctx.Logger(jobctx.WithLogger(ctx, e.logger))
	ctx = jobctx.WithLogger(ctx, logger)

	result, bodyErr := e.invoke(ctx, m, inv, body, cfg.timeout)
	if bodyErr != nil {
		return e.fail(ctx, rec.ID, bodyErr, logger)
	}

	first := true
	err := backoff.OnConflict(ctx, e.conflict, func() error {
		if !first {
			if err := m.Reload(ctx); err != nil {
				return err
			}
		}
		first = false
		if m.Record().Status != core.StatusRunning {
			return errStop
		}
		return e.store.Atomic(ctx, func(tx core.Store) error {
			return m.Bind(tx).Succeed(ctx, result)
		})
	})

	switch {
	case err == nil:
		logger.InfoContext(ctx, "job succeeded", "attempt", rec.Attempt)
		return nil
	case errors.Is(err, errStop):
		logger.InfoContext(ctx, "job finalized elsewhere, discarding result")
		return nil
	case errors.Is(err, core.ErrPersistentConflict):
		logger.ErrorContext(ctx, "job finalization conflict persisted", "error", err)
		return err
	default:
		// The success transition failed to commit. Record it as a failure
		// so the attempt is not lost.
		logger.WarnContext(ctx, "job success not recorded", "error", err)
		return e.fail(ctx, rec.ID, core.Transient(err), logger)
	}
}

var errStop = errors.New("lifecycle: record finalized elsewhere")

func (e *Engine) fail(ctx context.Context, id string, cause error, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	var outcome job.FailOutcome
	err := backoff.OnConflict(ctx, e.conflict, func() error {
		return e.store.Atomic(ctx, func(tx core.Store) error {
			m, err := job.LoadWith(ctx, tx, id, e.jobOpts)
			if err != nil {
				return err
			}
			if m.Record().Status != core.StatusRunning {
				return errStop
			}
			outcome, err = m.Fail(ctx, cause)
			return err
		})
	})

	switch {
	case err == nil:
		if outcome.Status == core.StatusRetrying {
			logger.WarnContext(ctx, "job failed, retry scheduled",
				"error", cause, "kind", outcome.Kind, "next_retry_at", outcome.NextRetryAt)
		} else {
			logger.ErrorContext(ctx, "job dead", "error", cause, "kind", outcome.Kind)
		}
		return nil
	case errors.Is(err, errStop):
		logger.InfoContext(ctx, "job finalized elsewhere, failure not recorded", "error", cause)
		return nil
	case errors.Is(err, core.ErrPersistentConflict):
		logger.ErrorContext(ctx, "job failure conflict persisted", "error", err)
		return err
	default:
		return fmt.Errorf("record failure of job %s: %w", id, err)
	}
}

type bodyResult struct {
	result any
	err    error
}

// invoke runs body on its own goroutine so a body that ignores its context
// cannot hold the caller past the timeout.
func (e *Engine) invoke(ctx context.Context, m *job.Manager, inv core.Invocation, body job.Body, timeout time.Duration) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- bodyResult{err: &core.PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		result, err := body(runCtx, m, inv)
		done <- bodyResult{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &core.TimeoutError{After: timeout}
		}
		return out.result, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, core.Transient(ctx.Err())
		}
		return nil, &core.TimeoutError{After: timeout}
	}
}
