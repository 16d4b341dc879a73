// Package pipelines runs durable background jobs and dependency-ordered
// pipelines of jobs on top of a relational record store and a work queue.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages for a compact API surface.
//
// Basic usage:
//
//	db, _ := pipelines.OpenDB("sqlite", "pipelines.db")
//	store := pipelines.NewStore(db)
//	q := pipelines.NewGormQueue(db)
//	store.Migrate(ctx)
//	q.Migrate(ctx)
//
//	reg, _ := pipelines.NewRegistry(
//	    pipelines.Handle("send_email", func(ctx context.Context, args Email) error {
//	        return send(args)
//	    }),
//	)
//	engine := pipelines.NewEngine(store, pipelines.WithJobOptions(pipelines.WithQueue(q)))
//	worker, _ := pipelines.NewWorker(q, reg, engine)
//	go worker.Start(ctx)
//
//	pipelines.Submit(ctx, q, "send_email", Email{To: "ops@example.com"})
package pipelines

import (
	"context"

	"gorm.io/gorm"

	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
	"github.com/jdziat/simple-durable-pipelines/pkg/jobctx"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
	"github.com/jdziat/simple-durable-pipelines/pkg/notify"
	"github.com/jdziat/simple-durable-pipelines/pkg/pipeline"
	"github.com/jdziat/simple-durable-pipelines/pkg/queue"
	"github.com/jdziat/simple-durable-pipelines/pkg/registry"
	"github.com/jdziat/simple-durable-pipelines/pkg/storage"
	"github.com/jdziat/simple-durable-pipelines/pkg/worker"
)

type (
	// JobRecord is the durable state of one job.
	JobRecord = core.JobRecord

	// JobStatus is the lifecycle status of a job record.
	JobStatus = core.JobStatus

	// PipelineRecord is the durable state of one pipeline run.
	PipelineRecord = core.PipelineRecord

	// PipelineStatus is the lifecycle status of a pipeline record.
	PipelineStatus = core.PipelineStatus

	// FailurePolicy decides how a pipeline reacts to a dead member.
	FailurePolicy = core.FailurePolicy

	// Invocation is one delivery of a job type to a worker.
	Invocation = core.Invocation

	// Store persists job and pipeline records.
	Store = core.Store

	// WorkQueue delivers invocations to workers.
	WorkQueue = core.WorkQueue

	// Event is implemented by every lifecycle event.
	Event = core.Event

	JobStarted            = core.JobStarted
	JobSucceeded          = core.JobSucceeded
	JobRetrying           = core.JobRetrying
	JobDead               = core.JobDead
	JobCancelled          = core.JobCancelled
	JobReleased           = core.JobReleased
	PipelineStatusChanged = core.PipelineStatusChanged

	// ErrorKind classifies a failure for the retry decision.
	ErrorKind = core.ErrorKind

	// Body is the application code of a job type.
	Body = job.Body

	// JobManager is handed to a body to report progress on its record.
	JobManager = job.Manager

	// JobOption configures record management.
	JobOption = job.Option

	// PipelineManager drives one pipeline run.
	PipelineManager = pipeline.Manager

	// PipelineDefinition is a named, reusable pipeline shape.
	PipelineDefinition = pipeline.Definition

	// JobTemplate is one member of a PipelineDefinition.
	JobTemplate = pipeline.JobTemplate

	// DependencySpec names a member a JobTemplate waits for.
	DependencySpec = pipeline.DependencySpec

	// Progress summarizes a pipeline's members.
	Progress = pipeline.Progress

	// Engine builds the record-keeping decorators around job bodies.
	Engine = lifecycle.Engine

	// EngineOption configures an Engine.
	EngineOption = lifecycle.EngineOption

	// Middleware wraps every delivery a worker handles.
	Middleware = lifecycle.Middleware

	// Broadcaster fans lifecycle events out to subscribers.
	Broadcaster = lifecycle.Broadcaster

	// Registry is the explicit table of job types, pipelines, and crons.
	Registry = registry.Registry

	// Def is one registry entry.
	Def = registry.Def

	// Queue is the work queue used by workers.
	Queue = queue.Queue

	// SubmitOption configures Submit.
	SubmitOption = queue.SubmitOption

	// GormQueue keeps deliveries in the record database.
	GormQueue = queue.GormQueue

	// RedisQueue keeps deliveries in Redis.
	RedisQueue = queue.RedisQueue

	// GormStore implements Store using GORM.
	GormStore = storage.GormStore

	// Worker pulls deliveries and runs them through the registry.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Notifier is told about jobs that went dead.
	Notifier = notify.Notifier

	// DeadJob describes a job that exhausted its attempts.
	DeadJob = notify.DeadJob
)

// Job statuses
const (
	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusSucceeded = core.StatusSucceeded
	StatusFailed    = core.StatusFailed
	StatusRetrying  = core.StatusRetrying
	StatusCancelled = core.StatusCancelled
	StatusDead      = core.StatusDead
)

// Pipeline statuses
const (
	PipelinePending         = core.PipelinePending
	PipelineRunning         = core.PipelineRunning
	PipelinePaused          = core.PipelinePaused
	PipelineSucceeded       = core.PipelineSucceeded
	PipelineFailed          = core.PipelineFailed
	PipelinePartiallyFailed = core.PipelinePartiallyFailed
	PipelineCancelled       = core.PipelineCancelled
)

const (
	PolicyFailFast        = core.PolicyFailFast
	PolicyToleratePartial = core.PolicyToleratePartial
)

// Error variables
var (
	ErrJobNotFound        = core.ErrJobNotFound
	ErrPipelineNotFound   = core.ErrPipelineNotFound
	ErrUnknownJobType     = core.ErrUnknownJobType
	ErrUnknownPipeline    = core.ErrUnknownPipeline
	ErrDuplicateJobType   = core.ErrDuplicateJobType
	ErrMissingParam       = core.ErrMissingParam
	ErrPersistentConflict = core.ErrPersistentConflict
	ErrDuplicate          = queue.ErrDuplicate
)

// OpenDB opens a database for the named driver: sqlite, postgres, or mysql.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	return storage.Open(driver, dsn, false)
}

// NewStore returns a Store over db. Call Migrate before first use.
func NewStore(db *gorm.DB) *GormStore {
	return storage.NewGormStore(db)
}

// NewGormQueue returns a work queue kept in db.
func NewGormQueue(db *gorm.DB, opts ...queue.Option) *GormQueue {
	return queue.NewGormQueue(db, opts...)
}

// NewEngine returns the record-keeping engine for store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	return lifecycle.NewEngine(store, opts...)
}

// NewRegistry builds and checks a registry.
func NewRegistry(defs ...Def) (*Registry, error) {
	return registry.New(defs...)
}

// NewWorker returns a worker serving every job type in reg.
func NewWorker(q Queue, reg *Registry, engine *Engine, opts ...WorkerOption) (*Worker, error) {
	return worker.NewWorker(q, reg, engine, opts...)
}

// NewBroadcaster returns an event sink that fans out to subscribers.
func NewBroadcaster() *Broadcaster {
	return lifecycle.NewBroadcaster()
}

// Submit enqueues a fresh standalone invocation of jobType with args as payload.
func Submit(ctx context.Context, q WorkQueue, jobType string, args any, opts ...SubmitOption) error {
	return queue.Submit(ctx, q, jobType, args, opts...)
}

// Registry entries

// Job registers a standalone job type.
func Job(jobType string, body Body, opts ...registry.JobOption) Def {
	return registry.Job(jobType, body, opts...)
}

// Handle registers a plain function as a job body.
func Handle(jobType string, fn any, opts ...registry.JobOption) Def {
	return registry.Handle(jobType, fn, opts...)
}

// Pipeline registers a pipeline definition.
func Pipeline(def PipelineDefinition) Def {
	return registry.Pipeline(def)
}

// Cron registers a recurring invocation of a standalone job type.
func Cron(name, jobType, expr string, payload any) Def {
	return registry.Cron(name, jobType, expr, payload)
}

// InPipelines lets a job type also appear in pipeline definitions.
func InPipelines() registry.JobOption { return registry.InPipelines() }

// PipelineOnly restricts a job type to pipeline membership.
func PipelineOnly() registry.JobOption { return registry.PipelineOnly() }

// After makes a template wait for key to succeed.
func After(key string) DependencySpec { return pipeline.After(key) }

// AfterCompletion makes a template wait for key to finish in any way.
func AfterCompletion(key string) DependencySpec { return pipeline.AfterCompletion(key) }

// Option re-exports

// WithJobOptions sets the options every managed record uses.
func WithJobOptions(opts ...JobOption) EngineOption { return lifecycle.WithJobOptions(opts...) }

// WithEngineLogger sets the engine's logger.
var WithEngineLogger = lifecycle.WithLogger

// WithQueue sets where retries and released members are enqueued.
func WithQueue(q WorkQueue) JobOption { return job.WithQueue(q) }

// WithEvents sets the lifecycle event sink.
func WithEvents(sink core.EventSink) JobOption { return job.WithEvents(sink) }

// WithNotifier sets who hears about dead jobs.
func WithNotifier(n Notifier) JobOption { return job.WithNotifier(n) }

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) JobOption { return job.WithBackoff(s) }

var (
	Concurrency    = worker.Concurrency
	PollInterval   = worker.PollInterval
	WithScheduler  = worker.WithScheduler
	WithReaper     = worker.WithReaper
	WithMiddleware = worker.WithMiddleware
)

var (
	Delay       = queue.Delay
	At          = queue.At
	Unique      = queue.Unique
	Correlation = queue.Correlation
)

// Error constructors

// Validation marks err as a bad input that must not be retried.
func Validation(err error) error { return core.Validation(err) }

// Transient marks err as a temporary failure worth retrying.
func Transient(err error) error { return core.Transient(err) }

// Classify returns the kind the retry decision sees for err.
func Classify(err error) ErrorKind { return core.Classify(err) }

// Context accessors

// JobIDFromContext returns the job id of the delivery being handled.
func JobIDFromContext(ctx context.Context) string { return jobctx.JobID(ctx) }

// PipelineIDFromContext returns the pipeline id of the delivery being handled.
func PipelineIDFromContext(ctx context.Context) string { return jobctx.PipelineID(ctx) }
