package job

import (
	"log/slog"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/notify"
)

// Options holds the collaborators shared by every Manager.
type Options struct {
	Queue         core.WorkQueue
	Backoff       backoff.Strategy
	Notifier      notify.Notifier
	NotifyTimeout time.Duration
	Events        core.EventSink
	Logger        *slog.Logger
	Now           func() time.Time
}

// NewOptions returns Options with defaults applied.
func NewOptions(opts ...Option) *Options {
	o := &Options{
		Backoff:       backoff.Default(),
		Notifier:      notify.Nop,
		NotifyTimeout: 10 * time.Second,
		Events:        core.Discard,
		Logger:        slog.Default(),
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt.Apply(o)
	}
	return o
}

// Option configures a Manager.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// WithQueue sets the queue used to schedule retries.
func WithQueue(q core.WorkQueue) Option {
	return optionFunc(func(o *Options) {
		o.Queue = q
	})
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return optionFunc(func(o *Options) {
		if s != nil {
			o.Backoff = s
		}
	})
}

// WithNotifier sets the sink alerted when a job dies.
func WithNotifier(n notify.Notifier) Option {
	return optionFunc(func(o *Options) {
		if n != nil {
			o.Notifier = n
		}
	})
}

// WithNotifyTimeout bounds each dead-job notification.
func WithNotifyTimeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.NotifyTimeout = d
	})
}

// WithEvents sets the lifecycle event sink.
func WithEvents(sink core.EventSink) Option {
	return optionFunc(func(o *Options) {
		if sink != nil {
			o.Events = sink
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	})
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *Options) {
		if now != nil {
			o.Now = now
		}
	})
}
