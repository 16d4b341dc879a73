package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/schedule"
)

var (
	// ErrNotOwned is returned when a worker acts on a delivery whose claim
	// it no longer holds.
	ErrNotOwned = errors.New("jobs: delivery is not claimed by this worker")
	// ErrDuplicate is returned by Submit when the unique key is taken.
	ErrDuplicate = errors.New("jobs: delivery with this unique key already exists")
)

// DefaultVisibility is how long a claimed delivery stays hidden from other
// workers without a heartbeat.
const DefaultVisibility = 5 * time.Minute

// Delivery is an invocation claimed by one worker.
type Delivery struct {
	core.Invocation
	// Deliveries counts claims of this delivery, including the current one.
	Deliveries  int
	LockedBy    string
	LockedUntil time.Time
}

// Source is the consumer side of a queue.
type Source interface {
	// Dequeue claims the next due delivery. It returns nil when none is due.
	Dequeue(ctx context.Context, workerID string) (*Delivery, error)
	// Ack removes a processed delivery.
	Ack(ctx context.Context, d *Delivery) error
	// Nack releases the claim and makes the delivery due again at retryAt.
	Nack(ctx context.Context, d *Delivery, retryAt time.Time, cause error) error
	// Heartbeat extends the claim.
	Heartbeat(ctx context.Context, d *Delivery) error
}

// Queue is a complete queue implementation.
type Queue interface {
	core.WorkQueue
	Source
	// EnqueueUnique enqueues inv unless key was used before. It reports
	// whether the delivery was created.
	EnqueueUnique(ctx context.Context, inv core.Invocation, key string) (bool, error)
	// Scheduled returns the registered cron invocations.
	Scheduled() []ScheduledJob
	// Depth counts deliveries not yet acknowledged.
	Depth(ctx context.Context) (int64, error)
}

// ScheduledJob is a recurring invocation registered through ScheduleCron.
type ScheduledJob struct {
	JobType  string
	Schedule schedule.Schedule
	Payload  json.RawMessage
}

type cronTable struct {
	mu   sync.RWMutex
	jobs map[string]ScheduledJob
}

func newCronTable() *cronTable {
	return &cronTable{jobs: map[string]ScheduledJob{}}
}

func (c *cronTable) add(jobType string, sched schedule.Schedule, payload json.RawMessage) error {
	if sched == nil {
		return errors.New("jobs: cron schedule cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[jobType] = ScheduledJob{JobType: jobType, Schedule: sched, Payload: payload}
	return nil
}

func (c *cronTable) list() []ScheduledJob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ScheduledJob, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	return out
}
