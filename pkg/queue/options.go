package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/jobctx"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// Config holds settings shared by the queue implementations.
type Config struct {
	Visibility time.Duration
	DedupeTTL  time.Duration // Redis only; how long unique keys are remembered
	Prefix     string        // Redis only
	Logger     *slog.Logger
	Now        func() time.Time
}

func newConfig(opts []Option) Config {
	c := Config{
		Visibility: DefaultVisibility,
		DedupeTTL:  7 * 24 * time.Hour,
		Prefix:     "pipelines:",
		Logger:     slog.Default(),
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt.Apply(&c)
	}
	return c
}

// Option configures a queue.
type Option interface {
	Apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) Apply(c *Config) { f(c) }

// Visibility sets how long a claim lasts without a heartbeat.
func Visibility(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		if d > 0 {
			c.Visibility = d
		}
	})
}

// DedupeTTL sets how long a Redis queue remembers unique keys.
func DedupeTTL(d time.Duration) Option {
	return optionFunc(func(c *Config) {
		if d > 0 {
			c.DedupeTTL = d
		}
	})
}

// Prefix sets the Redis key prefix.
func Prefix(p string) Option {
	return optionFunc(func(c *Config) {
		c.Prefix = p
	})
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	})
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Config) {
		if now != nil {
			c.Now = now
		}
	})
}

// SubmitOptions holds configuration for Submit.
type SubmitOptions struct {
	Delay         time.Duration
	RunAt         *time.Time
	UniqueKey     string
	CorrelationID string
}

// SubmitOption modifies SubmitOptions.
type SubmitOption interface {
	ApplySubmit(*SubmitOptions)
}

type submitOptionFunc func(*SubmitOptions)

func (f submitOptionFunc) ApplySubmit(o *SubmitOptions) { f(o) }

// Delay schedules the job to run after a duration.
func Delay(d time.Duration) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.Delay = d
	})
}

// At schedules the job to run at a specific time.
func At(t time.Time) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.RunAt = &t
	})
}

// Unique ensures only one delivery is ever created for key.
func Unique(key string) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.UniqueKey = key
	})
}

// Correlation sets the correlation id recorded on the job.
func Correlation(id string) SubmitOption {
	return submitOptionFunc(func(o *SubmitOptions) {
		o.CorrelationID = id
	})
}

// Submit enqueues a fresh standalone invocation of jobType with args as its
// payload. The job record is created when a worker first receives it.
func Submit(ctx context.Context, q core.WorkQueue, jobType string, args any, opts ...SubmitOption) error {
	o := &SubmitOptions{}
	for _, opt := range opts {
		opt.ApplySubmit(o)
	}
	if err := security.ValidateJobTypeName(jobType); err != nil {
		return err
	}
	if err := security.ValidateKey("unique key", o.UniqueKey); err != nil {
		return err
	}
	if err := security.ValidateKey("correlation id", o.CorrelationID); err != nil {
		return err
	}

	var payload json.RawMessage
	if args != nil {
		var err error
		payload, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("jobs: failed to marshal args: %w", err)
		}
	}
	if err := security.ValidatePayload(payload); err != nil {
		return err
	}

	correlationID := o.CorrelationID
	if correlationID == "" {
		correlationID = jobctx.CorrelationID(ctx)
	}
	inv := core.Invocation{JobType: jobType, Payload: payload, CorrelationID: correlationID}
	if o.Delay > 0 {
		inv.NotBefore = time.Now().Add(o.Delay)
	}
	if o.RunAt != nil {
		inv.NotBefore = *o.RunAt
	}

	if o.UniqueKey == "" {
		if err := q.Enqueue(ctx, inv); err != nil {
			return fmt.Errorf("jobs: failed to enqueue: %w", err)
		}
		return nil
	}

	uq, ok := q.(interface {
		EnqueueUnique(ctx context.Context, inv core.Invocation, key string) (bool, error)
	})
	if !ok {
		return fmt.Errorf("jobs: queue %T does not support unique keys", q)
	}
	created, err := uq.EnqueueUnique(ctx, inv, o.UniqueKey)
	if err != nil {
		return fmt.Errorf("jobs: failed to enqueue: %w", err)
	}
	if !created {
		return ErrDuplicate
	}
	return nil
}
