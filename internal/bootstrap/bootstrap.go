// Package bootstrap wires process configuration into the engine's
// collaborators: record store, delivery queue, notifier, and metrics.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jdziat/simple-durable-pipelines/internal/config"
	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
	"github.com/jdziat/simple-durable-pipelines/pkg/notify"
	"github.com/jdziat/simple-durable-pipelines/pkg/observability"
	"github.com/jdziat/simple-durable-pipelines/pkg/queue"
	"github.com/jdziat/simple-durable-pipelines/pkg/storage"
	"github.com/jdziat/simple-durable-pipelines/pkg/worker"
)

// App holds the collaborators built from one AppConfig.
type App struct {
	Config   config.AppConfig
	Logger   *slog.Logger
	DB       *gorm.DB
	Store    *storage.GormStore
	Queue    queue.Queue
	Events   *lifecycle.Broadcaster
	Notifier notify.Notifier

	redis *goredis.Client
}

// New opens the store and queue described by cfg. Close releases them.
func New(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Verbose)
	if err != nil {
		return nil, err
	}
	pool, err := storage.PoolPreset(cfg.Database.Pool, cfg.Worker.Concurrency)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewGormStoreWithPool(db, storage.WithPoolConfig(pool))
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Store:  store,
		Events: lifecycle.NewBroadcaster(),
	}

	queueOpts := []queue.Option{
		queue.Visibility(cfg.Queue.Visibility),
		queue.DedupeTTL(cfg.Queue.DedupeTTL),
		queue.WithLogger(logger),
	}
	switch cfg.Queue.Backend {
	case config.QueueRedis:
		app.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rq := queue.NewRedisQueue(app.redis, append(queueOpts, queue.Prefix(cfg.Redis.Prefix))...)
		if err := rq.Ping(ctx); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		app.Queue = rq
	default:
		app.Queue = queue.NewGormQueue(db, queueOpts...)
	}

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		hook, err := notify.NewWebhook(notify.WebhookConfig{
			URL:        cfg.Notify.WebhookURL,
			Token:      cfg.Notify.WebhookToken,
			Timeout:    cfg.Notify.Timeout,
			RetryLimit: cfg.Notify.RetryLimit,
			Headers:    cfg.Notify.Headers,
		})
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		notifiers = append(notifiers, hook)
	}
	app.Notifier = notifiers

	if cfg.Metrics.OTel {
		observability.NewJobOutcomes(nil).Attach(app.Events)
	}

	if cfg.Database.Migrate {
		if err := app.Migrate(ctx); err != nil {
			_ = app.Close()
			return nil, err
		}
	}
	return app, nil
}

// Migrate creates the record and delivery tables.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	if m, ok := a.Queue.(interface{ Migrate(context.Context) error }); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate deliveries: %w", err)
		}
	}
	return nil
}

// JobOptions returns the manager collaborators for this process.
func (a *App) JobOptions(extra ...job.Option) []job.Option {
	opts := []job.Option{
		job.WithQueue(a.Queue),
		job.WithBackoff(backoff.Default()),
		job.WithNotifier(a.Notifier),
		job.WithNotifyTimeout(a.Config.Notify.Timeout),
		job.WithEvents(a.Events),
		job.WithLogger(a.Logger),
	}
	return append(opts, extra...)
}

// Engine builds a lifecycle engine over the store.
func (a *App) Engine(extra ...job.Option) *lifecycle.Engine {
	return lifecycle.NewEngine(a.Store,
		lifecycle.WithJobOptions(a.JobOptions(extra...)...),
		lifecycle.WithDefaultTimeout(a.Config.JobTimeout),
		lifecycle.WithLogger(a.Logger),
	)
}

// WorkerOptions translates the worker and reaper settings.
func (a *App) WorkerOptions() []worker.WorkerOption {
	w, r := a.Config.Worker, a.Config.Reaper
	opts := []worker.WorkerOption{
		worker.Concurrency(w.Concurrency),
		worker.PollInterval(w.PollInterval),
		worker.HeartbeatInterval(w.Heartbeat),
		worker.WithScheduler(w.Scheduler),
		worker.ScheduleInterval(w.ScheduleInterval),
		worker.Redelivery(nil, w.MaxDeliveries),
		worker.WithLogger(a.Logger),
		worker.WithMiddleware(lifecycle.Logging(a.Logger)),
	}
	if w.ID != "" {
		opts = append(opts, worker.WorkerID(w.ID))
	}
	if r.Enabled {
		opts = append(opts,
			worker.WithReaper(r.Interval),
			worker.ReaperThresholds(r.Grace, r.StaleAfter, r.PurgeAfter),
		)
	}
	if a.Config.Metrics.OTel {
		opts = append(opts, worker.WithMiddleware(observability.Tracing(), observability.Metrics()))
	}
	return opts
}

// MetricsHandler serves record counts, queue depth, and Go runtime metrics.
func (a *App) MetricsHandler() (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := observability.NewStatusCollector(a.Store, a.Queue, a.Logger).Register(registry); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Close releases the database and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	} else {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
