package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
	"github.com/jdziat/simple-durable-pipelines/pkg/queue"
)

// Reaper recovers work whose delivery or worker was lost:
//   - retrying jobs past their retry time and released members still
//     pending are enqueued again
//   - jobs running longer than StaleAfter are failed with a timeout
//   - running pipelines are coordinated
//   - acknowledged deliveries older than PurgeAfter are deleted
//
// Every step is idempotent. A second delivery of the same job is dropped by
// the start transition, and re-enqueues are keyed so each lost delivery is
// replaced once.
type Reaper struct {
	engine *lifecycle.Engine
	queue  queue.Queue
	cfg    ReaperConfig
	now    func() time.Time
	logger *slog.Logger
}

// ReapReport counts what one pass did.
type ReapReport struct {
	Redelivered int
	Abandoned   int
	Coordinated int
	Purged      int64
}

// NewReaper creates a reaper. A nil now uses time.Now.
func NewReaper(engine *lifecycle.Engine, q queue.Queue, cfg ReaperConfig, now func() time.Time, logger *slog.Logger) *Reaper {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{engine: engine, queue: q, cfg: cfg, now: now, logger: logger}
}

// Run reaps every configured interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := r.Reap(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("reaper pass failed", "error", err)
			}
			if report != (ReapReport{}) {
				r.logger.Info("reaper pass",
					"redelivered", report.Redelivered, "abandoned", report.Abandoned,
					"coordinated", report.Coordinated, "purged", report.Purged)
			}
		}
	}
}

// Reap runs one recovery pass. It keeps going after a failed step and
// returns the joined errors.
func (r *Reaper) Reap(ctx context.Context) (ReapReport, error) {
	var (
		report ReapReport
		errs   []error
	)
	now := r.now()
	store := r.engine.Store()
	due := now.Add(-r.cfg.Grace)

	n, err := r.redeliver(ctx, core.JobFilter{RetryDueBefore: &due, Limit: r.cfg.BatchSize}, now, func(rec *core.JobRecord) string {
		return fmt.Sprintf("reap:retry:%s:%d", rec.ID, rec.Attempt)
	})
	report.Redelivered += n
	errs = append(errs, err)

	n, err = r.redeliver(ctx, core.JobFilter{ReleasedBefore: &due, Limit: r.cfg.BatchSize}, now, func(rec *core.JobRecord) string {
		return fmt.Sprintf("reap:release:%s:%d", rec.ID, rec.ReleasedAt.Unix())
	})
	report.Redelivered += n
	errs = append(errs, err)

	report.Abandoned, err = r.abandon(ctx, now)
	errs = append(errs, err)

	running, err := store.ListPipelines(ctx, core.PipelineFilter{
		Statuses: []core.PipelineStatus{core.PipelineRunning},
		Limit:    r.cfg.BatchSize,
	})
	errs = append(errs, err)
	for _, p := range running {
		if _, err := r.engine.Coordinate(ctx, p.ID); err != nil {
			errs = append(errs, fmt.Errorf("coordinate pipeline %s: %w", p.ID, err))
			continue
		}
		report.Coordinated++
	}

	if purger, ok := r.queue.(interface {
		Purge(ctx context.Context, cutoff time.Time) (int64, error)
	}); ok && r.cfg.PurgeAfter > 0 {
		report.Purged, err = purger.Purge(ctx, now.Add(-r.cfg.PurgeAfter))
		errs = append(errs, err)
	}

	return report, errors.Join(errs...)
}

func (r *Reaper) redeliver(ctx context.Context, filter core.JobFilter, now time.Time, key func(*core.JobRecord) string) (int, error) {
	jobs, err := r.engine.Store().ListJobs(ctx, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range jobs {
		created, err := r.queue.EnqueueUnique(ctx, core.InvocationFor(rec, now), key(rec))
		if err != nil {
			return n, fmt.Errorf("redeliver job %s: %w", rec.ID, err)
		}
		if created {
			n++
			r.logger.Warn("lost delivery replaced", "job_id", rec.ID, "job_type", rec.JobType, "status", rec.Status)
		}
	}
	return n, nil
}

func (r *Reaper) abandon(ctx context.Context, now time.Time) (int, error) {
	if r.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	jobs, err := r.engine.Store().ListJobs(ctx, core.JobFilter{
		Statuses: []core.JobStatus{core.StatusRunning},
		Limit:    r.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-r.cfg.StaleAfter)
	n := 0
	var errs []error
	for _, rec := range jobs {
		if rec.StartedAt == nil || rec.StartedAt.After(cutoff) {
			continue
		}
		if err := r.engine.Abandon(ctx, rec.ID, &core.TimeoutError{After: r.cfg.StaleAfter}); err != nil {
			errs = append(errs, fmt.Errorf("abandon job %s: %w", rec.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
