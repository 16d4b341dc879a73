package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/notify"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// Manager controls the lifecycle of one job record.
type Manager struct {
	store core.Store
	opts  *Options

	mu   sync.Mutex
	snap *core.JobRecord
}

// Load reads the record and returns a manager over it.
func Load(ctx context.Context, store core.Store, id string, opts ...Option) (*Manager, error) {
	return LoadWith(ctx, store, id, NewOptions(opts...))
}

// LoadWith is Load with prebuilt options, shared across many managers.
func LoadWith(ctx context.Context, store core.Store, id string, opts *Options) (*Manager, error) {
	rec, err := store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, opts: opts, snap: rec}, nil
}

// FromRecord wraps a record that was already loaded through store.
func FromRecord(store core.Store, rec *core.JobRecord, opts *Options) *Manager {
	return &Manager{store: store, opts: opts, snap: rec.Clone()}
}

// Create persists a new pending record and returns a manager over it.
func Create(ctx context.Context, store core.Store, rec *core.JobRecord, opts ...Option) (*Manager, error) {
	if _, err := store.CreateJob(ctx, rec); err != nil {
		return nil, err
	}
	return &Manager{store: store, opts: NewOptions(opts...), snap: rec.Clone()}, nil
}

// Bind returns a manager over the same snapshot that writes through tx.
// The receiver is left untouched, so it still reflects the committed state
// if tx rolls back.
func (m *Manager) Bind(tx core.Store) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Manager{store: tx, opts: m.opts, snap: m.snap.Clone()}
}

// ID returns the job id.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.ID
}

// Record returns a copy of the last known state.
func (m *Manager) Record() *core.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// Store returns the store the manager writes through. Inside a managed body
// this is the engine's store; bodies that need atomic domain writes open
// their own unit of work with Atomic.
func (m *Manager) Store() core.Store {
	return m.store
}

// Reload refreshes the snapshot from the store.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh(ctx)
}

// refresh reloads the snapshot. Callers hold m.mu.
func (m *Manager) refresh(ctx context.Context) error {
	rec, err := m.store.LoadJob(ctx, m.snap.ID)
	if err != nil {
		return err
	}
	m.snap = rec
	return nil
}

func (m *Manager) invalid(op string) error {
	return &core.InvalidStateError{Entity: "job", ID: m.snap.ID, Op: op, Status: string(m.snap.Status)}
}

// write stages next with a compare-and-swap against the snapshot version.
// Callers hold m.mu.
func (m *Manager) write(ctx context.Context, next *core.JobRecord) error {
	expected := m.snap.Version
	ok, err := m.store.CompareAndSwapJob(ctx, m.snap.ID, expected, next)
	if err != nil {
		return fmt.Errorf("write job %s: %w", m.snap.ID, err)
	}
	if !ok {
		return &core.ConcurrentModificationError{Entity: "job", ID: m.snap.ID, Version: expected}
	}
	m.snap = next
	return nil
}

func (m *Manager) emit(ctx context.Context, e core.Event) {
	m.store.AfterCommit(ctx, func(context.Context) {
		m.opts.Events.Emit(e)
	})
}

// Start moves a pending or retrying job to running and counts the attempt.
// Any other status, including a job that already used every attempt, is an
// *core.InvalidStateError: the invocation is a duplicate delivery.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.snap.Status.IsStartable() {
		return m.invalid("start")
	}
	if m.snap.Attempt >= m.snap.MaxAttempts {
		return m.invalid("start with attempts exhausted")
	}

	now := m.opts.Now()
	next := m.snap.Clone()
	next.Status = core.StatusRunning
	next.Attempt++
	next.StartedAt = &now
	next.NextRetryAt = nil
	if err := m.write(ctx, next); err != nil {
		return err
	}

	m.emit(ctx, &core.JobStarted{Job: next.Clone(), Timestamp: now})
	return nil
}

// updateRunning writes a progress change. A conflict reloads the record once:
// progress from a stale snapshot is still valid while the job runs, and a job
// cancelled or abandoned meanwhile reports an *core.InvalidStateError.
func (m *Manager) updateRunning(ctx context.Context, op string, mutate func(*core.JobRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for reloaded := false; ; reloaded = true {
		if m.snap.Status != core.StatusRunning {
			return m.invalid(op)
		}
		next := m.snap.Clone()
		mutate(next)
		err := m.write(ctx, next)
		if reloaded || !core.IsConcurrentModification(err) {
			return err
		}
		if err := m.refresh(ctx); err != nil {
			return err
		}
	}
}

// UpdateProgress records percent, clamped to [0,100], and overwrites the message.
func (m *Manager) UpdateProgress(ctx context.Context, percent int, message string) error {
	return m.updateRunning(ctx, "update progress", func(j *core.JobRecord) {
		j.ProgressPercent = security.ClampPercent(percent)
		j.ProgressMessage = message
	})
}

// SetProgressTotal switches to count-based progress out of total items.
func (m *Manager) SetProgressTotal(ctx context.Context, total int, message string) error {
	return m.updateRunning(ctx, "set progress total", func(j *core.JobRecord) {
		j.ProgressTotal = max(total, 0)
		j.ProgressCurrent = 0
		j.ProgressPercent = 0
		if message != "" {
			j.ProgressMessage = message
		}
	})
}

// IncrementProgress advances count-based progress by n and derives the percentage.
func (m *Manager) IncrementProgress(ctx context.Context, n int, message string) error {
	return m.updateRunning(ctx, "increment progress", func(j *core.JobRecord) {
		j.ProgressCurrent += n
		if j.ProgressTotal > 0 {
			j.ProgressCurrent = min(j.ProgressCurrent, j.ProgressTotal)
			j.ProgressPercent = security.ClampPercent(j.ProgressCurrent * 100 / j.ProgressTotal)
		}
		if message != "" {
			j.ProgressMessage = message
		}
	})
}

// UpdateStatusMessage overwrites the progress message only.
func (m *Manager) UpdateStatusMessage(ctx context.Context, message string) error {
	return m.updateRunning(ctx, "update status message", func(j *core.JobRecord) {
		j.ProgressMessage = message
	})
}

// Succeed completes a running job and stores result as JSON.
func (m *Manager) Succeed(ctx context.Context, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.Status != core.StatusRunning {
		return m.invalid("succeed")
	}

	var encoded []byte
	if result != nil {
		var err error
		encoded, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result of job %s: %w", m.snap.ID, err)
		}
	}

	now := m.opts.Now()
	next := m.snap.Clone()
	next.Status = core.StatusSucceeded
	next.Result = encoded
	next.Error = core.ErrorDetail{}
	next.ProgressPercent = 100
	if next.ProgressTotal > 0 {
		next.ProgressCurrent = next.ProgressTotal
	}
	next.CompletedAt = &now
	if err := m.write(ctx, next); err != nil {
		return err
	}

	var took time.Duration
	if next.StartedAt != nil {
		took = now.Sub(*next.StartedAt)
	}
	m.emit(ctx, &core.JobSucceeded{Job: next.Clone(), Duration: took, Timestamp: now})
	return nil
}

// FailOutcome reports what Fail decided.
type FailOutcome struct {
	Status      core.JobStatus // StatusRetrying or StatusDead
	Kind        core.ErrorKind
	NextRetryAt time.Time // Zero unless retrying
}

// ShouldRetry reports whether cause is retryable and an attempt remains.
func (m *Manager) ShouldRetry(cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRetry(cause)
}

func (m *Manager) shouldRetry(cause error) bool {
	return core.Classify(cause).Retryable() && m.snap.Attempt < m.snap.MaxAttempts
}

// Fail records cause on a running job. The job passes through failed and
// then either moves to retrying, with a re-delivery enqueued after the
// backoff delay, or to dead. Both writes are staged in the same unit of work.
func (m *Manager) Fail(ctx context.Context, cause error) (FailOutcome, error) {
	if cause == nil {
		cause = errors.New("job failed without an error")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.Status != core.StatusRunning {
		return FailOutcome{}, m.invalid("fail")
	}

	now := m.opts.Now()
	failed := m.snap.Clone()
	failed.Status = core.StatusFailed
	failed.Error = core.NewErrorDetail(cause)
	if err := m.write(ctx, failed); err != nil {
		return FailOutcome{}, err
	}

	outcome := FailOutcome{Kind: failed.Error.Kind}
	if m.shouldRetry(cause) {
		delay, ok := core.RetryDelayHint(cause)
		if !ok {
			delay = m.opts.Backoff.Delay(m.snap.Attempt)
		}
		retryAt := now.Add(delay)

		next := m.snap.Clone()
		next.Status = core.StatusRetrying
		next.NextRetryAt = &retryAt
		if err := m.write(ctx, next); err != nil {
			return FailOutcome{}, err
		}
		if err := m.scheduleRetry(ctx, next, retryAt); err != nil {
			return FailOutcome{}, err
		}

		outcome.Status = core.StatusRetrying
		outcome.NextRetryAt = retryAt
		m.emit(ctx, &core.JobRetrying{Job: next.Clone(), Attempt: next.Attempt, Error: cause, NextRunAt: retryAt, Timestamp: now})
		return outcome, nil
	}

	next := m.snap.Clone()
	next.Status = core.StatusDead
	next.CompletedAt = &now
	if err := m.write(ctx, next); err != nil {
		return FailOutcome{}, err
	}

	outcome.Status = core.StatusDead
	dead := next.Clone()
	opts := m.opts
	m.store.AfterCommit(ctx, func(ctx context.Context) {
		opts.Events.Emit(&core.JobDead{Job: dead, Error: cause, Timestamp: now})
		notify.Async(ctx, opts.Notifier, notify.DeadJobFor(dead), opts.NotifyTimeout, opts.Logger)
	})
	return outcome, nil
}

func (m *Manager) scheduleRetry(ctx context.Context, rec *core.JobRecord, at time.Time) error {
	if m.opts.Queue == nil {
		// The reaper re-delivers retrying jobs whose next_retry_at has passed.
		m.opts.Logger.Warn("no queue configured, retry left to the reaper", "job_id", rec.ID)
		return nil
	}
	logger := m.opts.Logger
	return core.EnqueueWithin(ctx, m.store, m.opts.Queue, core.InvocationFor(rec, at), func(err error) {
		logger.Error("failed to enqueue retry", "job_id", rec.ID, "error", err)
	})
}

// MarkReleased records that coordination handed a pending job to the queue.
func (m *Manager) MarkReleased(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.Status != core.StatusPending {
		return m.invalid("release")
	}
	now := m.opts.Now()
	next := m.snap.Clone()
	next.ReleasedAt = &now
	if err := m.write(ctx, next); err != nil {
		return err
	}

	m.emit(ctx, &core.JobReleased{Job: next.Clone(), Timestamp: now})
	return nil
}

// Cancel moves any non-terminal job to cancelled and records reason.
// Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(ctx context.Context, reason string) error {
	return m.CancelWith(ctx, core.ErrorDetail{Kind: core.KindCancelled, Message: reason})
}

// CancelWith is Cancel with a full error detail, such as a dependency failure.
func (m *Manager) CancelWith(ctx context.Context, detail core.ErrorDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.Status.IsTerminal() {
		return nil
	}

	now := m.opts.Now()
	next := m.snap.Clone()
	next.Status = core.StatusCancelled
	next.Error = detail
	next.NextRetryAt = nil
	next.CompletedAt = &now
	if err := m.write(ctx, next); err != nil {
		return err
	}

	m.emit(ctx, &core.JobCancelled{Job: next.Clone(), Reason: detail.Message, Timestamp: now})
	return nil
}

// IsCancelled reads the committed record and reports whether it was
// cancelled. Long-running bodies poll it to stop cooperatively. The snapshot
// is left alone.
func (m *Manager) IsCancelled(ctx context.Context) (bool, error) {
	rec, err := m.store.LoadJob(ctx, m.ID())
	if err != nil {
		return false, err
	}
	return rec.Status == core.StatusCancelled, nil
}
