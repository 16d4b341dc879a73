package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
	"github.com/jdziat/simple-durable-pipelines/pkg/queue"
	"github.com/jdziat/simple-durable-pipelines/pkg/registry"
)

// Handler processes one invocation. *registry.Dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, inv core.Invocation) error
}

// Worker pulls deliveries from a queue and runs them through the lifecycle
// decorators of their job type.
type Worker struct {
	queue     queue.Queue
	handler   Handler
	config    WorkerConfig
	logger    *slog.Logger
	scheduler *queue.Scheduler
	reaper    *Reaper
}

// NewWorker creates a worker serving reg. The engine's job options must carry
// q as their queue so retries and releases reach the workers.
func NewWorker(q queue.Queue, reg *registry.Registry, engine *lifecycle.Engine, opts ...WorkerOption) (*Worker, error) {
	config := defaultConfig()
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}
	if config.WorkerID == "" {
		config.WorkerID = uuid.New().String()
	}
	if engine.JobOptions().Queue == nil {
		return nil, errors.New("worker: engine job options have no queue")
	}
	if config.Reaper.Enabled && config.Reaper.StaleAfter > 0 {
		// The reaper measures staleness from StartedAt, so it would abandon
		// a body that is still inside its own timeout.
		jobType, longest := reg.LongestTimeout(engine.DefaultTimeout())
		if longest >= config.Reaper.StaleAfter {
			return nil, fmt.Errorf("worker: %s timeout %s must be below the reaper stale window %s",
				jobType, longest, config.Reaper.StaleAfter)
		}
	}
	if err := reg.ScheduleCrons(q); err != nil {
		return nil, err
	}

	logger := config.Logger.With("worker_id", config.WorkerID)
	return &Worker{
		queue:     q,
		handler:   reg.Dispatcher(engine, config.Middleware...),
		config:    config,
		logger:    logger,
		scheduler: queue.NewScheduler(q, queue.WithClock(config.Now), queue.WithLogger(logger)),
		reaper:    NewReaper(engine, q, config.Reaper, config.Now, logger),
	}, nil
}

// ID returns the worker id used in delivery claims.
func (w *Worker) ID() string { return w.config.WorkerID }

// Reaper returns the worker's recovery pass.
func (w *Worker) Reaper() *Reaper { return w.reaper }

// Start begins processing deliveries. Blocks until ctx is cancelled, then
// waits for running deliveries to finish.
func (w *Worker) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	deliveries := make(chan *queue.Delivery)

	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			for d := range deliveries {
				w.process(gctx, d)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(deliveries)
		w.poll(gctx, deliveries)
		return nil
	})

	if w.config.EnableScheduler {
		g.Go(func() error {
			_ = w.scheduler.Run(gctx, w.config.ScheduleInterval)
			return nil
		})
	}
	if w.config.Reaper.Enabled {
		g.Go(func() error {
			_ = w.reaper.Run(gctx)
			return nil
		})
	}

	w.logger.Info("worker started", "concurrency", w.config.Concurrency, "scheduler", w.config.EnableScheduler, "reaper", w.config.Reaper.Enabled)
	if err := g.Wait(); err != nil {
		return err
	}
	w.logger.Info("worker stopped")
	return ctx.Err()
}

// poll hands due deliveries to the processors. Each delivery is claimed only
// once a processor is free to take it.
func (w *Worker) poll(ctx context.Context, out chan<- *queue.Delivery) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			d, err := w.dequeueWithRetry(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to dequeue after retries", "error", err)
				}
				break
			}
			if d == nil {
				break
			}
			select {
			case out <- d:
			case <-ctx.Done():
				w.release(d)
				return
			}
		}
	}
}

// dequeueWithRetry attempts to dequeue with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context) (*queue.Delivery, error) {
	var d *queue.Delivery
	err := backoff.Retry(ctx, w.config.DequeueRetry, backoff.IsRetryableError, func() error {
		var dequeueErr error
		d, dequeueErr = w.queue.Dequeue(ctx, w.config.WorkerID)
		return dequeueErr
	})
	return d, err
}

// release hands an unprocessed delivery back for another worker.
func (w *Worker) release(d *queue.Delivery) {
	ctx := context.Background()
	if err := w.queue.Nack(ctx, d, w.config.Now(), nil); err != nil {
		w.logger.Warn("failed to release delivery on shutdown", "delivery_id", d.DeliveryID, "error", err)
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	logger := w.logger.With("delivery_id", d.DeliveryID, "job_type", d.JobType, "job_id", d.JobID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.runHeartbeat(hbCtx, d, logger)
	}()

	err := w.handler.Handle(ctx, d.Invocation)

	stopHeartbeat()
	<-hbDone

	// Settle the delivery even when the worker is shutting down.
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil:
		w.ack(ctx, d, logger)
	case undeliverable(err):
		logger.Error("dropping undeliverable invocation", "error", err)
		w.ack(ctx, d, logger)
	case d.Deliveries >= w.config.MaxDeliveries:
		logger.Error("giving up on delivery", "deliveries", d.Deliveries, "error", err)
		w.ack(ctx, d, logger)
	default:
		delay := w.config.Redelivery.Delay(d.Deliveries)
		if hint, ok := core.RetryDelayHint(err); ok {
			delay = hint
		}
		retryAt := w.config.Now().Add(delay)
		logger.Warn("delivery failed, redelivering", "error", err, "retry_at", retryAt)
		w.nack(ctx, d, retryAt, err, logger)
	}
}

// undeliverable reports errors no redelivery can fix.
func undeliverable(err error) bool {
	for _, target := range []error{
		core.ErrUnknownJobType,
		core.ErrPipelineMember,
		core.ErrNotInPipeline,
		core.ErrInvalidJobTypeName,
		core.ErrJobTypeNameTooLong,
		core.ErrPayloadTooLarge,
		registry.ErrNotStandalone,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return core.Classify(err) == core.KindValidation
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	err := backoff.Retry(ctx, w.config.StorageRetry, retryableSettle, func() error {
		return w.queue.Ack(ctx, d)
	})
	if err != nil {
		logger.Error("failed to acknowledge delivery", "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, d *queue.Delivery, retryAt time.Time, cause error, logger *slog.Logger) {
	err := backoff.Retry(ctx, w.config.StorageRetry, retryableSettle, func() error {
		return w.queue.Nack(ctx, d, retryAt, cause)
	})
	if err != nil {
		logger.Error("failed to release delivery", "error", err)
	}
}

// retryableSettle stops retrying once the claim is lost.
func retryableSettle(err error) bool {
	return !errors.Is(err, queue.ErrNotOwned) && backoff.IsRetryableError(err)
}

// runHeartbeat periodically extends the claim during execution, so
// long-running jobs are not handed to another worker.
func (w *Worker) runHeartbeat(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := backoff.Retry(ctx, w.config.StorageRetry, retryableSettle, func() error {
				return w.queue.Heartbeat(ctx, d)
			})
			switch {
			case err == nil:
				logger.Debug("heartbeat sent")
			case errors.Is(err, queue.ErrNotOwned):
				logger.Warn("claim lost during execution")
				return
			case ctx.Err() == nil:
				logger.Warn("heartbeat failed after retries", "error", err)
			}
		}
	}
}
