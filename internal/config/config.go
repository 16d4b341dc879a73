// Package config loads process configuration for pipelinectl from the
// environment, with an optional .env file for development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Queue backends.
const (
	QueueGorm  = "gorm"
	QueueRedis = "redis"
)

// AppConfig is the process configuration. Every field maps to a
// PIPELINES_-prefixed environment variable.
type AppConfig struct {
	Database DatabaseConfig `envPrefix:"DB_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Queue    QueueConfig    `envPrefix:"QUEUE_"`
	Worker   WorkerConfig   `envPrefix:"WORKER_"`
	Reaper   ReaperConfig   `envPrefix:"REAPER_"`
	Log      LogConfig      `envPrefix:"LOG_"`
	Notify   NotifyConfig   `envPrefix:"NOTIFY_"`
	Metrics  MetricsConfig  `envPrefix:"METRICS_"`

	// JobTimeout is the default job body timeout.
	JobTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"30m"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	Driver  string `env:"DRIVER"  envDefault:"sqlite"`
	DSN     string `env:"DSN"     envDefault:"pipelines.db"`
	Pool    string `env:"POOL"    envDefault:"default"` // storage.PoolPreset name; "auto" sizes from worker concurrency
	Verbose bool   `env:"VERBOSE" envDefault:"false"`
	// Migrate applies the schema before serving.
	Migrate bool `env:"MIGRATE" envDefault:"true"`
}

// RedisConfig is used when the queue backend is redis.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
	Prefix   string `env:"PREFIX"   envDefault:"pipelines:"`
}

// QueueConfig selects the delivery queue.
type QueueConfig struct {
	Backend    string        `env:"BACKEND"    envDefault:"gorm"`
	Visibility time.Duration `env:"VISIBILITY" envDefault:"5m"`
	DedupeTTL  time.Duration `env:"DEDUPE_TTL" envDefault:"168h"`
}

// WorkerConfig configures pipelinectl worker.
type WorkerConfig struct {
	ID               string        `env:"ID"`
	Concurrency      int           `env:"CONCURRENCY"       envDefault:"10"`
	PollInterval     time.Duration `env:"POLL_INTERVAL"     envDefault:"100ms"`
	Heartbeat        time.Duration `env:"HEARTBEAT"         envDefault:"1m"`
	Scheduler        bool          `env:"SCHEDULER"         envDefault:"true"`
	ScheduleInterval time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"1s"`
	MaxDeliveries    int           `env:"MAX_DELIVERIES"    envDefault:"25"`
}

// ReaperConfig configures the worker recovery pass.
type ReaperConfig struct {
	Enabled    bool          `env:"ENABLED"     envDefault:"true"`
	Interval   time.Duration `env:"INTERVAL"    envDefault:"1m"`
	Grace      time.Duration `env:"GRACE"       envDefault:"1m"`
	StaleAfter time.Duration `env:"STALE_AFTER" envDefault:"1h"`
	PurgeAfter time.Duration `env:"PURGE_AFTER" envDefault:"168h"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"` // text or json
	// File enables size-based rotation into this path in addition to stderr.
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB"  envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS"  envDefault:"5"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"28"`
	Compress   bool   `env:"COMPRESS"     envDefault:"true"`
}

// NotifyConfig configures dead-job notifications.
type NotifyConfig struct {
	WebhookURL   string            `env:"WEBHOOK_URL"`
	WebhookToken string            `env:"WEBHOOK_TOKEN"`
	Headers      map[string]string `env:"WEBHOOK_HEADERS"`
	Timeout      time.Duration     `env:"TIMEOUT"     envDefault:"5s"`
	RetryLimit   int               `env:"RETRY_LIMIT" envDefault:"2"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `env:"ADDR"`
	// OTel enables the OpenTelemetry tracing and metrics middleware.
	OTel bool `env:"OTEL" envDefault:"false"`
}

// Load reads .env files if present and parses the environment. Missing .env
// files are not an error.
func Load(files ...string) (AppConfig, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PIPELINES_"}); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, cfg.Validate()
}

// Sanitize applies guardrails to values loaded from env.
func (c *AppConfig) Sanitize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if c.Worker.Concurrency < 1 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.Concurrency > 1000 {
		c.Worker.Concurrency = 1000
	}
	if c.Worker.PollInterval < 10*time.Millisecond {
		c.Worker.PollInterval = 10 * time.Millisecond
	}
	if c.Worker.MaxDeliveries < 1 {
		c.Worker.MaxDeliveries = 1
	}
	// A running job must not be reaped before its own timeout fires.
	if c.JobTimeout > 0 && c.Reaper.StaleAfter <= c.JobTimeout {
		c.Reaper.StaleAfter = 2 * c.JobTimeout
	}
	if c.Queue.Visibility < time.Second {
		c.Queue.Visibility = time.Second
	}
	if c.Worker.Heartbeat >= c.Queue.Visibility {
		c.Worker.Heartbeat = c.Queue.Visibility / 2
	}
}

// Validate reports settings that cannot be served.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	switch c.Queue.Backend {
	case QueueGorm, QueueRedis:
	default:
		errs = append(errs, fmt.Errorf("unsupported queue backend %q", c.Queue.Backend))
	}
	if c.Queue.Backend == QueueRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis queue requires PIPELINES_REDIS_ADDR"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
