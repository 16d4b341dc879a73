package core

import (
	"context"
	"time"
)

// JobFilter selects job records for listing.
type JobFilter struct {
	Statuses       []JobStatus
	JobType        string
	PipelineID     string
	CorrelationID  string
	RetryDueBefore *time.Time // retrying jobs whose next_retry_at is before this instant
	ReleasedBefore *time.Time // pending jobs released before this instant
	Limit          int
}

// PipelineFilter selects pipeline records for listing.
type PipelineFilter struct {
	Statuses []PipelineStatus
	Name     string
	Limit    int
}

// Store is the durable record store for jobs and pipelines.
//
// Every mutation after creation goes through a compare-and-swap on the
// record version. A store returned to the callback of Atomic stages writes
// into one unit of work that commits when the callback returns nil.
type Store interface {
	// Migrate creates the necessary tables.
	Migrate(ctx context.Context) error

	CreateJob(ctx context.Context, job *JobRecord) (string, error)
	// LoadJob returns ErrJobNotFound when no record exists.
	LoadJob(ctx context.Context, id string) (*JobRecord, error)
	// CompareAndSwapJob writes next only if the stored version equals
	// expectedVersion. On success next.Version is advanced.
	CompareAndSwapJob(ctx context.Context, id string, expectedVersion int, next *JobRecord) (bool, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]*JobRecord, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*JobRecord, error)
	CountJobsByStatus(ctx context.Context, pipelineID string) (map[JobStatus]int64, error)

	// CreatePipeline persists a pipeline together with its member jobs.
	CreatePipeline(ctx context.Context, p *PipelineRecord, jobs []*JobRecord) (string, error)
	// LoadPipeline returns ErrPipelineNotFound when no record exists.
	LoadPipeline(ctx context.Context, id string) (*PipelineRecord, error)
	CompareAndSwapPipeline(ctx context.Context, id string, expectedVersion int, next *PipelineRecord) (bool, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]*PipelineRecord, error)
	CountPipelinesByStatus(ctx context.Context) (map[PipelineStatus]int64, error)

	// Atomic runs fn inside a unit of work. Nested calls join the outer one.
	Atomic(ctx context.Context, fn func(tx Store) error) error
	// AfterCommit defers fn until the enclosing unit of work commits. It is
	// discarded on rollback and runs immediately outside a unit of work.
	AfterCommit(ctx context.Context, fn func(ctx context.Context))
}
