package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	WorkerID          string
	HeartbeatInterval time.Duration
	EnableScheduler   bool
	ScheduleInterval  time.Duration

	DequeueRetry  backoff.RetryConfig
	StorageRetry  backoff.RetryConfig
	Redelivery    backoff.Strategy
	MaxDeliveries int

	Reaper     ReaperConfig
	Middleware []lifecycle.Middleware
	Logger     *slog.Logger
	Now        func() time.Time
}

// ReaperConfig controls the periodic recovery pass.
type ReaperConfig struct {
	Enabled  bool
	Interval time.Duration
	// Grace is how long a retry or release may sit past its due time before
	// its delivery is considered lost and enqueued again.
	Grace time.Duration
	// StaleAfter is how long a job may stay running before it is treated as
	// abandoned by a lost worker. It must exceed every job timeout.
	StaleAfter time.Duration
	// PurgeAfter is how long acknowledged deliveries are kept.
	PurgeAfter time.Duration
	BatchSize  int
}

func defaultConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:       10,
		PollInterval:      100 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		ScheduleInterval:  time.Second,
		DequeueRetry: backoff.RetryConfig{
			Attempts: 3,
			Backoff:  backoff.NewExponential(250*time.Millisecond, 10*time.Second, 0.2),
		},
		StorageRetry:  backoff.DefaultRetryConfig(),
		Redelivery:    backoff.NewExponential(time.Second, time.Minute, 0.2),
		MaxDeliveries: 25,
		Reaper: ReaperConfig{
			Interval:   time.Minute,
			Grace:      time.Minute,
			StaleAfter: 2 * lifecycle.DefaultTimeout,
			PurgeAfter: 7 * 24 * time.Hour,
			BatchSize:  100,
		},
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

// Concurrency sets how many deliveries run at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets how often an idle worker polls the queue.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WorkerID names the worker in delivery claims. Defaults to a random uuid.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// HeartbeatInterval sets how often a running delivery's claim is extended.
// It should be well below the queue's visibility timeout.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// WithScheduler enables cron emission in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// ScheduleInterval sets how often the cron table is checked.
func ScheduleInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.ScheduleInterval = d
		}
	})
}

// WithReaper enables the recovery pass every interval.
func WithReaper(interval time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Reaper.Enabled = true
		if interval > 0 {
			c.Reaper.Interval = interval
		}
	})
}

// ReaperThresholds overrides the reaper's grace, stale and purge windows.
// Zero values keep the defaults.
func ReaperThresholds(grace, staleAfter, purgeAfter time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if grace > 0 {
			c.Reaper.Grace = grace
		}
		if staleAfter > 0 {
			c.Reaper.StaleAfter = staleAfter
		}
		if purgeAfter > 0 {
			c.Reaper.PurgeAfter = purgeAfter
		}
	})
}

// Redelivery sets the delay policy for deliveries whose handler failed
// before the job record could be updated.
func Redelivery(s backoff.Strategy, maxDeliveries int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if s != nil {
			c.Redelivery = s
		}
		if maxDeliveries > 0 {
			c.MaxDeliveries = maxDeliveries
		}
	})
}

// DequeueRetry sets the retry policy for queue reads.
func DequeueRetry(cfg backoff.RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = cfg
	})
}

// StorageRetry sets the retry policy for acks, nacks and heartbeats.
func StorageRetry(cfg backoff.RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = cfg
	})
}

// WithMiddleware wraps every job handler, first outermost.
func WithMiddleware(mws ...lifecycle.Middleware) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Middleware = append(c.Middleware, mws...)
	})
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if l != nil {
			c.Logger = l
		}
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if now != nil {
			c.Now = now
		}
	})
}
