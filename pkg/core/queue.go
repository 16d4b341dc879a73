package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/schedule"
)

// Invocation is one delivery of a job type to a worker.
type Invocation struct {
	// DeliveryID is assigned by the queue on enqueue.
	DeliveryID    string          `json:"delivery_id,omitempty"`
	JobType       string          `json:"job_type"`
	JobID         string          `json:"job_id,omitempty"` // Empty for a fresh standalone invocation
	PipelineID    string          `json:"pipeline_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	NotBefore     time.Time       `json:"not_before,omitempty"`
}

// InvocationFor builds the invocation that re-delivers an existing record.
func InvocationFor(job *JobRecord, notBefore time.Time) Invocation {
	return Invocation{
		JobType:       job.JobType,
		JobID:         job.ID,
		PipelineID:    job.PipelineRef(),
		Payload:       json.RawMessage(job.Payload),
		CorrelationID: job.CorrelationID,
		NotBefore:     notBefore,
	}
}

// WorkQueue delivers invocations to exactly one available worker.
type WorkQueue interface {
	// Enqueue schedules inv for delivery no earlier than inv.NotBefore.
	Enqueue(ctx context.Context, inv Invocation) error
	// ScheduleCron registers a recurring invocation of jobType.
	ScheduleCron(jobType string, sched schedule.Schedule, payload json.RawMessage) error
}

// TxBinder is implemented by queues that can enqueue inside a store's unit
// of work, so a delivery commits or rolls back with the record write.
type TxBinder interface {
	Bind(tx Store) (WorkQueue, bool)
}

// EnqueueWithin enqueues inv as part of the unit of work of s. Queues that
// share the store's transaction write immediately; others enqueue after commit.
func EnqueueWithin(ctx context.Context, s Store, q WorkQueue, inv Invocation, onErr func(error)) error {
	if b, ok := q.(TxBinder); ok {
		if bound, ok := b.Bind(s); ok {
			return bound.Enqueue(ctx, inv)
		}
	}
	s.AfterCommit(ctx, func(ctx context.Context) {
		if err := q.Enqueue(ctx, inv); err != nil && onErr != nil {
			onErr(err)
		}
	})
	return nil
}
