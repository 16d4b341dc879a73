package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
)

// Manager coordinates one pipeline record and its members. Like job.Manager
// it writes through the store it was built on and never commits.
type Manager struct {
	store core.Store
	opts  *job.Options

	mu   sync.Mutex
	snap *core.PipelineRecord
}

// Load reads the pipeline and returns a manager over it. Pipeline managers
// share the collaborators of job managers.
func Load(ctx context.Context, store core.Store, id string, opts ...job.Option) (*Manager, error) {
	return LoadWith(ctx, store, id, job.NewOptions(opts...))
}

// LoadWith is Load with prebuilt options.
func LoadWith(ctx context.Context, store core.Store, id string, opts *job.Options) (*Manager, error) {
	p, err := store.LoadPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, opts: opts, snap: p}, nil
}

// ID returns the pipeline id.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.ID
}

// Record returns a copy of the last known state.
func (m *Manager) Record() *core.PipelineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// Reload refreshes the snapshot from the store.
func (m *Manager) Reload(ctx context.Context) error {
	p, err := m.store.LoadPipeline(ctx, m.ID())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snap = p
	m.mu.Unlock()
	return nil
}

func (m *Manager) invalid(op string) error {
	return &core.InvalidStateError{Entity: "pipeline", ID: m.snap.ID, Op: op, Status: string(m.snap.Status)}
}

// transition writes status with a compare-and-swap. Callers hold m.mu.
func (m *Manager) transition(ctx context.Context, status core.PipelineStatus, reason string) error {
	if !m.snap.Status.CanTransitionTo(status) {
		return m.invalid(fmt.Sprintf("move to %s", status))
	}

	now := m.opts.Now()
	from := m.snap.Status
	next := m.snap.Clone()
	next.Status = status
	next.StatusReason = reason
	if status == core.PipelineRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if status.IsTerminal() {
		next.CompletedAt = &now
	}

	expected := m.snap.Version
	ok, err := m.store.CompareAndSwapPipeline(ctx, m.snap.ID, expected, next)
	if err != nil {
		return fmt.Errorf("write pipeline %s: %w", m.snap.ID, err)
	}
	if !ok {
		return &core.ConcurrentModificationError{Entity: "pipeline", ID: m.snap.ID, Version: expected}
	}
	m.snap = next

	event := &core.PipelineStatusChanged{Pipeline: next.Clone(), From: from, To: status, Timestamp: now}
	m.store.AfterCommit(ctx, func(context.Context) {
		m.opts.Events.Emit(event)
	})
	m.opts.Logger.Info("pipeline status changed",
		"pipeline_id", next.ID, "from", from, "to", status, "reason", reason)
	return nil
}

// Start moves a pending pipeline to running. With coordinate set it then
// runs a coordination pass, releasing the members that have no dependencies.
func (m *Manager) Start(ctx context.Context, coordinate bool) error {
	m.mu.Lock()
	if m.snap.Status != core.PipelinePending {
		err := m.invalid("start")
		m.mu.Unlock()
		return err
	}
	err := m.transition(ctx, core.PipelineRunning, "")
	m.mu.Unlock()
	if err != nil || !coordinate {
		return err
	}
	_, err = m.Coordinate(ctx)
	return err
}

// Pause stops coordination from releasing new members. Running members continue.
func (m *Manager) Pause(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.Status != core.PipelineRunning {
		return m.invalid("pause")
	}
	return m.transition(ctx, core.PipelinePaused, reason)
}

// Unpause resumes a paused pipeline and coordinates it, releasing whatever
// became eligible while it was paused.
func (m *Manager) Unpause(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.snap.Status != core.PipelinePaused {
		err := m.invalid("unpause")
		m.mu.Unlock()
		return err
	}
	err := m.transition(ctx, core.PipelineRunning, reason)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = m.Coordinate(ctx)
	return err
}

// Cancel is the operator cancellation: the pipeline moves to cancelled and
// every non-terminal member is cancelled. Cancelling a finished pipeline is
// a no-op.
func (m *Manager) Cancel(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.snap.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	err := m.transition(ctx, core.PipelineCancelled, reason)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = m.CancelRemainingJobs(ctx, reason)
	return err
}

// CancelRemainingJobs cancels every member not yet in a terminal status and
// returns how many were cancelled.
func (m *Manager) CancelRemainingJobs(ctx context.Context, reason string) (int, error) {
	jobs, err := m.store.ListByPipeline(ctx, m.ID())
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, rec := range jobs {
		if rec.Status.IsTerminal() {
			continue
		}
		if err := job.FromRecord(m.store, rec, m.opts).Cancel(ctx, reason); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// Coordinate runs one coordination pass and returns the resulting status.
//
// Pending members with a dependency that can no longer be satisfied are
// cancelled with a dependency failure referencing it, repeated until no
// more change so transitive dependents follow. The pipeline status is then
// recomputed; a failed pipeline cancels its remaining members, and a running
// one releases every pending member whose dependencies are satisfied.
func (m *Manager) Coordinate(ctx context.Context) (core.PipelineStatus, error) {
	if err := m.Reload(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.Status.IsTerminal() || m.snap.Status == core.PipelinePending {
		return m.snap.Status, nil
	}

	jobs, err := m.store.ListByPipeline(ctx, m.snap.ID)
	if err != nil {
		return "", err
	}
	byID := index(jobs)

	if err := m.gate(ctx, jobs, byID); err != nil {
		return "", err
	}

	status := TransitionStatus(m.snap, jobs)
	if status != m.snap.Status {
		if err := m.transition(ctx, status, statusReason(status, jobs)); err != nil {
			return "", err
		}
	}

	switch status {
	case core.PipelineFailed, core.PipelineCancelled:
		for _, rec := range jobs {
			if rec.Status.IsTerminal() {
				continue
			}
			if err := job.FromRecord(m.store, rec, m.opts).Cancel(ctx, "pipeline "+string(status)); err != nil {
				return "", err
			}
		}
	case core.PipelineRunning:
		if err := m.release(ctx, jobs, byID); err != nil {
			return "", err
		}
	}
	return status, nil
}

func (m *Manager) gate(ctx context.Context, jobs []*core.JobRecord, byID map[string]*core.JobRecord) error {
	for changed := true; changed; {
		changed = false
		for i, rec := range jobs {
			if rec.Status != core.StatusPending {
				continue
			}
			depID, depStatus, blocked := blockingDependency(rec, byID)
			if !blocked {
				continue
			}
			cause := &core.DependencyFailedError{JobID: rec.ID, DependencyID: depID, DependencyStatus: depStatus}
			jm := job.FromRecord(m.store, rec, m.opts)
			if err := jm.CancelWith(ctx, core.NewErrorDetail(cause)); err != nil {
				return err
			}
			jobs[i] = jm.Record()
			byID[rec.ID] = jobs[i]
			changed = true
			m.opts.Logger.Info("dependent cancelled",
				"pipeline_id", m.snap.ID, "job_id", rec.ID, "dependency_id", depID, "dependency_status", depStatus)
		}
	}
	return nil
}

func (m *Manager) release(ctx context.Context, jobs []*core.JobRecord, byID map[string]*core.JobRecord) error {
	for i, rec := range jobs {
		if rec.Status != core.StatusPending || rec.ReleasedAt != nil || !CanRelease(rec, byID) {
			continue
		}
		jm := job.FromRecord(m.store, rec, m.opts)
		if err := jm.MarkReleased(ctx); err != nil {
			return err
		}
		jobs[i] = jm.Record()
		byID[rec.ID] = jobs[i]

		if m.opts.Queue == nil {
			continue
		}
		inv := core.InvocationFor(jobs[i], time.Time{})
		logger := m.opts.Logger
		if err := core.EnqueueWithin(ctx, m.store, m.opts.Queue, inv, func(err error) {
			logger.Error("failed to enqueue released job", "job_id", inv.JobID, "error", err)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Eligible reports whether a delivered member may start: its pipeline has
// not finished and every dependency is satisfied. Workers check it before
// starting a member, so a stray re-delivery cannot run early. A paused
// pipeline still lets members released before the pause run.
func (m *Manager) Eligible(ctx context.Context, rec *core.JobRecord) (bool, error) {
	if err := m.Reload(ctx); err != nil {
		return false, err
	}
	if m.Record().Status.IsTerminal() {
		return false, nil
	}
	if len(rec.DependsOn) == 0 {
		return true, nil
	}
	jobs, err := m.store.ListByPipeline(ctx, rec.PipelineRef())
	if err != nil {
		return false, err
	}
	return CanRelease(rec, index(jobs)), nil
}

func statusReason(status core.PipelineStatus, jobs []*core.JobRecord) string {
	if status != core.PipelineFailed && status != core.PipelinePartiallyFailed {
		return ""
	}
	for _, want := range []core.JobStatus{core.StatusDead, core.StatusCancelled} {
		for _, j := range jobs {
			if j.Status == want {
				return fmt.Sprintf("job %s (%s) is %s", j.ID, j.JobType, j.Status)
			}
		}
	}
	return ""
}
