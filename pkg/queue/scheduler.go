package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// Scheduler turns the cron table of a queue into deliveries. Every worker
// may run one; each tick is enqueued under a unique key derived from the
// job type and the tick time, so concurrent schedulers emit it once.
//
// Fixed-interval schedules compute ticks from the time each scheduler
// started and are therefore only deduplicated within one process.
type Scheduler struct {
	q      Queue
	now    func() time.Time
	logger *slog.Logger
	next   map[string]time.Time
}

// NewScheduler creates a scheduler over q.
func NewScheduler(q Queue, opts ...Option) *Scheduler {
	cfg := newConfig(opts)
	return &Scheduler{q: q, now: cfg.Now, logger: cfg.Logger, next: map[string]time.Time{}}
}

// TickKey is the unique key of the tick of jobType at t.
func TickKey(jobType string, t time.Time) string {
	return fmt.Sprintf("cron:%s:%d", jobType, t.Unix())
}

// Tick enqueues every cron invocation that has come due and returns how many
// deliveries it created. The first tick only computes the next run times, so
// a restarted worker does not replay missed runs.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	created := 0
	for _, sj := range s.q.Scheduled() {
		next, seen := s.next[sj.JobType]
		if !seen {
			s.next[sj.JobType] = sj.Schedule.Next(now)
			continue
		}
		if next.After(now) {
			continue
		}
		// Missed ticks collapse into the latest one.
		for n := sj.Schedule.Next(next); !n.After(now); n = sj.Schedule.Next(n) {
			next = n
		}
		inv := core.Invocation{JobType: sj.JobType, Payload: sj.Payload, NotBefore: next}
		ok, err := s.q.EnqueueUnique(ctx, inv, TickKey(sj.JobType, next))
		if err != nil {
			return created, fmt.Errorf("schedule %s: %w", sj.JobType, err)
		}
		if ok {
			created++
			s.logger.Debug("scheduled job enqueued", "job_type", sj.JobType, "run_at", next)
		}
		s.next[sj.JobType] = sj.Schedule.Next(next)
	}
	return created, nil
}

// Run calls Tick every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}
