// Package backoff computes retry delays for failed jobs and bounds the
// reload-and-retry loop used on optimistic-concurrency conflicts.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait after the given attempt failed.
	// Attempt 1 is the first run of the job.
	Delay(attempt int) time.Duration
}

// Exponential is base * 2^attempt with a symmetric random jitter, capped at Max.
type Exponential struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64 // 0.0 to 1.0

	rand func() float64
}

// NewExponential creates an exponential strategy with jitter.
func NewExponential(base, maxDelay time.Duration, jitter float64) *Exponential {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Exponential{Base: base, Max: maxDelay, JitterFraction: jitter}
}

// Delay returns base * 2^attempt ± jitter, never above Max and never negative.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}

	r := rand.Float64 //nolint:gosec // jitter intentionally uses non-crypto rand
	if e.rand != nil {
		r = e.rand
	}
	d += d * e.JitterFraction * (r()*2 - 1)

	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Constant always returns the same delay.
type Constant time.Duration

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration {
	return time.Duration(c)
}

// Default returns the job retry strategy: 1s base, 5m cap, 20% jitter.
func Default() Strategy {
	return NewExponential(time.Second, 5*time.Minute, 0.2)
}
