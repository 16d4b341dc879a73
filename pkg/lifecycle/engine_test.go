package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-durable-pipelines/internal/testutil"
	"github.com/jdziat/simple-durable-pipelines/pkg/backoff"
	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
	"github.com/jdziat/simple-durable-pipelines/pkg/jobctx"
	"github.com/jdziat/simple-durable-pipelines/pkg/notify"
	"github.com/jdziat/simple-durable-pipelines/pkg/pipeline"
	"github.com/jdziat/simple-durable-pipelines/pkg/storage"
)

type fixture struct {
	store  *storage.GormStore
	queue  *testutil.Queue
	events *testutil.Events
	opts   []job.Option
	engine *Engine
}

func newFixture(t *testing.T, extra ...job.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewStore(t),
		queue:  &testutil.Queue{},
		events: &testutil.Events{},
	}
	f.opts = append([]job.Option{
		job.WithQueue(f.queue),
		job.WithEvents(f.events),
		job.WithBackoff(backoff.Constant(time.Minute)),
	}, extra...)
	f.engine = NewEngine(f.store, WithJobOptions(f.opts...))
	return f
}

func (f *fixture) job(t *testing.T, id string) *core.JobRecord {
	t.Helper()
	rec, err := f.store.LoadJob(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) only(t *testing.T, jobType string) *core.JobRecord {
	t.Helper()
	jobs, err := f.store.ListJobs(context.Background(), core.JobFilter{JobType: jobType})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

// ──────────────────────────────────────────────────────────────────────────────
// Standalone jobs
// ──────────────────────────────────────────────────────────────────────────────

func TestGuaranteeRecord_CreatesRecordAndSucceeds(t *testing.T) {
	f := newFixture(t)
	var seen core.Invocation

	h := f.engine.GuaranteeRecord(f.engine.ManageJob(func(ctx context.Context, m *job.Manager, inv core.Invocation) (any, error) {
		seen = inv
		assert.Equal(t, m.ID(), jobctx.JobID(ctx))
		return map[string]int{"rows": 7}, nil
	}))

	err := h(context.Background(), core.Invocation{JobType: "export", Payload: []byte(`{"table":"orders"}`), CorrelationID: "req-1"})
	require.NoError(t, err)

	rec := f.only(t, "export")
	assert.Equal(t, core.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, 100, rec.ProgressPercent)
	assert.JSONEq(t, `{"rows":7}`, string(rec.Result))
	assert.Equal(t, "req-1", rec.CorrelationID)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, rec.ID, seen.JobID)
	assert.JSONEq(t, `{"table":"orders"}`, string(seen.Payload))
}

func TestGuaranteeRecord_PassesThroughExistingRecord(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.CreateJob(context.Background(), &core.JobRecord{JobType: "export"})
	require.NoError(t, err)

	calls := 0
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		calls++
		return nil
	})))
	require.NoError(t, h(context.Background(), core.Invocation{JobType: "export", JobID: id}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, core.StatusSucceeded, f.job(t, id).Status)
	jobs, err := f.store.ListJobs(context.Background(), core.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestGuaranteeRecord_RejectsPipelineMembers(t *testing.T) {
	f := newFixture(t)
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		t.Error("body must not run")
		return nil
	})))

	err := h(context.Background(), core.Invocation{JobType: "export", PipelineID: "p1"})
	assert.ErrorIs(t, err, core.ErrPipelineMember)

	jobs, err := f.store.ListJobs(context.Background(), core.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGuaranteeRecord_MaxAttempts(t *testing.T) {
	f := newFixture(t)
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		return nil
	})), MaxAttempts(7))

	require.NoError(t, h(context.Background(), core.Invocation{JobType: "export"}))
	assert.Equal(t, 7, f.only(t, "export").MaxAttempts)
}

func TestManageJob_RequiresJobID(t *testing.T) {
	f := newFixture(t)
	h := f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error { return nil }))
	assert.Error(t, h(context.Background(), core.Invocation{JobType: "export"}))
}

func TestManageJob_RetriesTransientFailuresUntilSuccess(t *testing.T) {
	f := newFixture(t)
	calls := 0
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		calls++
		if calls < 3 {
			return core.Transient(errors.New("upstream flaky"))
		}
		return nil
	})), MaxAttempts(3))

	ctx := context.Background()
	require.NoError(t, h(ctx, core.Invocation{JobType: "sync"}))

	rec := f.only(t, "sync")
	assert.Equal(t, core.StatusRetrying, rec.Status)
	assert.Equal(t, core.KindTransient, rec.Error.Kind)
	require.NotNil(t, rec.NextRetryAt)

	// Redeliver every retry the manager scheduled.
	for i := 0; i < 5; i++ {
		pending := f.queue.Drain()
		if len(pending) == 0 {
			break
		}
		for _, inv := range pending {
			assert.Equal(t, rec.ID, inv.JobID)
			assert.False(t, inv.NotBefore.IsZero())
			require.NoError(t, h(ctx, inv))
		}
	}

	rec = f.job(t, rec.ID)
	assert.Equal(t, core.StatusSucceeded, rec.Status)
	assert.Equal(t, 3, rec.Attempt)
	assert.True(t, rec.Error.IsZero())
	assert.Equal(t, 3, calls)
}

func TestManageJob_ExhaustedAttemptsGoDead(t *testing.T) {
	dead := make(chan notify.DeadJob, 1)
	f := newFixture(t, job.WithNotifier(notify.NotifierFunc(func(_ context.Context, d notify.DeadJob) error {
		dead <- d
		return nil
	})))

	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		return errors.New("boom")
	})), MaxAttempts(2))

	ctx := context.Background()
	require.NoError(t, h(ctx, core.Invocation{JobType: "sync"}))
	for _, inv := range f.queue.Drain() {
		require.NoError(t, h(ctx, inv))
	}

	rec := f.only(t, "sync")
	assert.Equal(t, core.StatusDead, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, core.KindUnknown, rec.Error.Kind)
	assert.Empty(t, f.queue.Items())

	select {
	case d := <-dead:
		assert.Equal(t, rec.ID, d.JobID)
		assert.Equal(t, 2, d.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("dead notification not sent")
	}
}

func TestManageJob_ValidationErrorIsNeverRetried(t *testing.T) {
	f := newFixture(t)
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Typed(func(_ context.Context, _ *job.Manager, args struct {
		Count int `json:"count"`
	}) (int, error) {
		return args.Count, nil
	})), MaxAttempts(5))

	require.NoError(t, h(context.Background(), core.Invocation{JobType: "count", Payload: []byte(`{"count":"many"}`)}))

	rec := f.only(t, "count")
	assert.Equal(t, core.StatusDead, rec.Status)
	assert.Equal(t, core.KindValidation, rec.Error.Kind)
	assert.Equal(t, 1, rec.Attempt)
	assert.Empty(t, f.queue.Items())
}

func TestManageJob_TimeoutIsRetried(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		// Ignores its context on purpose.
		<-release
		return nil
	}), Timeout(50*time.Millisecond)))

	start := time.Now()
	require.NoError(t, h(context.Background(), core.Invocation{JobType: "slow"}))
	assert.Less(t, time.Since(start), 5*time.Second)

	rec := f.only(t, "slow")
	assert.Equal(t, core.StatusRetrying, rec.Status)
	assert.Equal(t, core.KindTimeout, rec.Error.Kind)
	assert.Len(t, f.queue.Items(), 1)
}

func TestManageJob_PanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		panic("nil map write")
	})))

	require.NoError(t, h(context.Background(), core.Invocation{JobType: "crashy"}))

	rec := f.only(t, "crashy")
	assert.Equal(t, core.StatusRetrying, rec.Status)
	assert.Equal(t, core.KindPanic, rec.Error.Kind)
	assert.Contains(t, rec.Error.Message, "nil map write")
	assert.NotEmpty(t, rec.Error.Stack)
}

func TestManageJob_ProgressCommitsWhileBodyRuns(t *testing.T) {
	f := newFixture(t)
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(ctx context.Context, m *job.Manager) error {
		require.NoError(t, m.UpdateProgress(ctx, 60, "most of the way"))

		seen, err := f.store.LoadJob(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, seen.Status)
		assert.Equal(t, 60, seen.ProgressPercent)
		assert.Equal(t, "most of the way", seen.ProgressMessage)
		return core.Transient(errors.New("lost connection"))
	})))

	require.NoError(t, h(context.Background(), core.Invocation{JobType: "writer"}))

	rec := f.only(t, "writer")
	assert.Equal(t, core.StatusRetrying, rec.Status)
	assert.Equal(t, 60, rec.ProgressPercent)
}

func TestManageJob_CancelReachesRunningBody(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.CreateJob(context.Background(), &core.JobRecord{JobType: "export", MaxAttempts: 3})
	require.NoError(t, err)

	running := make(chan struct{})
	var sawCancel atomic.Bool
	h := f.engine.ManageJob(job.Func(func(ctx context.Context, m *job.Manager) error {
		if err := m.UpdateProgress(ctx, 10, "exporting"); err != nil {
			return err
		}
		close(running)
		for i := 0; i < 100; i++ {
			cancelled, err := m.IsCancelled(ctx)
			if err != nil {
				return err
			}
			if cancelled {
				sawCancel.Store(true)
				return nil
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- h(context.Background(), core.Invocation{JobType: "export", JobID: id}) }()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	jobs, err := f.store.ListJobs(ctx, core.JobFilter{JobType: "export"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.StatusRunning, jobs[0].Status)
	assert.Equal(t, 10, jobs[0].ProgressPercent)
	require.NoError(t, f.engine.CancelJob(ctx, id, "operator stop"))

	require.NoError(t, <-done)
	assert.True(t, sawCancel.Load())
	rec := f.job(t, id)
	assert.Equal(t, core.StatusCancelled, rec.Status)
	assert.Empty(t, rec.Result)
}

func TestManageJob_ProgressAfterCancelIsRejected(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.CreateJob(context.Background(), &core.JobRecord{JobType: "export", MaxAttempts: 3})
	require.NoError(t, err)

	var progressErr error
	h := f.engine.ManageJob(job.Func(func(ctx context.Context, m *job.Manager) error {
		require.NoError(t, f.engine.CancelJob(ctx, id, "operator stop"))
		progressErr = m.UpdateProgress(ctx, 50, "halfway")
		return nil
	}))
	require.NoError(t, h(context.Background(), core.Invocation{JobType: "export", JobID: id}))

	var invalid *core.InvalidStateError
	assert.ErrorAs(t, progressErr, &invalid)
	assert.Equal(t, core.StatusCancelled, f.job(t, id).Status)
}

// conflictingStore rejects every write that would mark a job succeeded.
type conflictingStore struct {
	core.Store
	attempts *atomic.Int32
}

func (s *conflictingStore) Atomic(ctx context.Context, fn func(tx core.Store) error) error {
	return s.Store.Atomic(ctx, func(tx core.Store) error {
		return fn(&conflictingStore{Store: tx, attempts: s.attempts})
	})
}

func (s *conflictingStore) CompareAndSwapJob(ctx context.Context, id string, version int, next *core.JobRecord) (bool, error) {
	if next.Status == core.StatusSucceeded {
		s.attempts.Add(1)
		return false, nil
	}
	return s.Store.CompareAndSwapJob(ctx, id, version, next)
}

func TestWithConflictRetry_BoundsFinalization(t *testing.T) {
	tests := []struct {
		name string
		opts []EngineOption
		want int32
	}{
		{"default bound", nil, int32(backoff.ConflictRetryConfig().Attempts)},
		{"single attempt", []EngineOption{WithConflictRetry(backoff.RetryConfig{Attempts: 1, Backoff: backoff.Constant(time.Millisecond)})}, 1},
		{"zero attempts keeps default", []EngineOption{WithConflictRetry(backoff.RetryConfig{})}, int32(backoff.ConflictRetryConfig().Attempts)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id, err := f.store.CreateJob(context.Background(), &core.JobRecord{JobType: "export", MaxAttempts: 3})
			require.NoError(t, err)

			store := &conflictingStore{Store: f.store, attempts: &atomic.Int32{}}
			engine := NewEngine(store, append([]EngineOption{WithJobOptions(f.opts...)}, tt.opts...)...)
			h := engine.ManageJob(job.Func(func(context.Context, *job.Manager) error { return nil }))

			err = h(context.Background(), core.Invocation{JobType: "export", JobID: id})
			assert.ErrorIs(t, err, core.ErrPersistentConflict)
			assert.Equal(t, tt.want, store.attempts.Load())
			assert.Equal(t, core.StatusRunning, f.job(t, id).Status)
		})
	}
}

func TestManageJob_DuplicateDeliveryIsDropped(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.CreateJob(context.Background(), &core.JobRecord{JobType: "export"})
	require.NoError(t, err)

	calls := 0
	h := f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		calls++
		return nil
	}))
	inv := core.Invocation{JobType: "export", JobID: id}
	require.NoError(t, h(context.Background(), inv))
	require.NoError(t, h(context.Background(), inv))

	assert.Equal(t, 1, calls)
	rec := f.job(t, id)
	assert.Equal(t, core.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
}

func TestManageJob_UnknownJobIsDropped(t *testing.T) {
	f := newFixture(t)
	h := f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		t.Error("body must not run")
		return nil
	}))
	assert.NoError(t, h(context.Background(), core.Invocation{JobType: "export", JobID: "missing"}))
}

// cancellingStore cancels a job just before the nth unit of work begins,
// standing in for an operator acting while the body runs.
type cancellingStore struct {
	core.Store
	n     int32
	calls atomic.Int32
	jobID func() string
	t     *testing.T
}

func (s *cancellingStore) Atomic(ctx context.Context, fn func(tx core.Store) error) error {
	if s.calls.Add(1) == s.n {
		m, err := job.Load(ctx, s.Store, s.jobID())
		require.NoError(s.t, err)
		require.NoError(s.t, m.Cancel(ctx, "operator stop"))
	}
	return s.Store.Atomic(ctx, fn)
}

func TestManageJob_LateBodyCannotResurrectCancelledJob(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"late success", nil},
		{"late failure", core.Transient(errors.New("late"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			id, err := f.store.CreateJob(context.Background(), &core.JobRecord{JobType: "export"})
			require.NoError(t, err)

			// Unit of work 1 starts the job; the cancel lands before unit 2.
			store := &cancellingStore{Store: f.store, n: 2, jobID: func() string { return id }, t: t}
			engine := NewEngine(store, WithJobOptions(f.opts...))

			h := engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
				return tc.err
			}))
			require.NoError(t, h(context.Background(), core.Invocation{JobType: "export", JobID: id}))

			rec := f.job(t, id)
			assert.Equal(t, core.StatusCancelled, rec.Status)
			assert.Equal(t, core.KindCancelled, rec.Error.Kind)
			assert.Empty(t, rec.Result)
			assert.Empty(t, f.queue.Items())
		})
	}
}

func TestManageJob_EmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	h := f.engine.GuaranteeRecord(f.engine.ManageJob(job.Func(func(context.Context, *job.Manager) error {
		return nil
	})))
	require.NoError(t, h(context.Background(), core.Invocation{JobType: "export"}))

	var kinds []string
	for _, e := range f.events.All() {
		switch e.(type) {
		case *core.JobStarted:
			kinds = append(kinds, "started")
		case *core.JobSucceeded:
			kinds = append(kinds, "succeeded")
		}
	}
	assert.Equal(t, []string{"started", "succeeded"}, kinds)
}

// ──────────────────────────────────────────────────────────────────────────────
// Pipelines
// ──────────────────────────────────────────────────────────────────────────────

type pipelineRun struct {
	*fixture
	factory  *pipeline.Factory
	handlers map[string]Handler
	mu       sync.Mutex
	order    []string
}

func newPipelineRun(t *testing.T, def pipeline.Definition, bodies map[string]job.Body, extra ...job.Option) *pipelineRun {
	t.Helper()
	r := &pipelineRun{fixture: newFixture(t, extra...), handlers: map[string]Handler{}}
	var err error
	r.factory, err = pipeline.NewFactory(r.store, []pipeline.Definition{def}, r.opts...)
	require.NoError(t, err)

	bodies[pipeline.StartJobType] = pipeline.StartBody
	for jobType, body := range bodies {
		jobType, body := jobType, body
		r.handlers[jobType] = r.engine.ManagePipeline(func(ctx context.Context, m *job.Manager, inv core.Invocation) (any, error) {
			r.mu.Lock()
			r.order = append(r.order, jobType)
			r.mu.Unlock()
			return body(ctx, m, inv)
		})
	}
	return r
}

// drain delivers queued invocations until the queue stays empty.
func (r *pipelineRun) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		pending := r.queue.Drain()
		if len(pending) == 0 {
			return
		}
		for _, inv := range pending {
			h, ok := r.handlers[inv.JobType]
			require.True(t, ok, "no handler for %s", inv.JobType)
			require.NoError(t, h(context.Background(), inv))
		}
	}
	t.Fatal("queue did not settle")
}

func (r *pipelineRun) pipeline(t *testing.T, id string) *core.PipelineRecord {
	t.Helper()
	p, err := r.store.LoadPipeline(context.Background(), id)
	require.NoError(t, err)
	return p
}

var extractLoad = pipeline.Definition{
	Name: "extract_load",
	Jobs: []pipeline.JobTemplate{
		{Key: "extract", JobType: "extract", Params: map[string]any{"source": nil}},
		{Key: "load", JobType: "load", DependsOn: []pipeline.DependencySpec{pipeline.After("extract")}},
	},
}

// tickingClock returns a clock that moves forward one millisecond per reading.
func tickingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func TestManagePipeline_RunsMembersInDependencyOrder(t *testing.T) {
	ok := func(context.Context, *job.Manager, core.Invocation) (any, error) { return nil, nil }
	r := newPipelineRun(t, extractLoad, map[string]job.Body{"extract": ok, "load": ok}, job.WithClock(tickingClock()))

	created, err := r.factory.Create(context.Background(), "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)
	r.drain(t)

	p := r.pipeline(t, created.Pipeline.ID)
	assert.Equal(t, core.PipelineSucceeded, p.Status)
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, []string{pipeline.StartJobType, "extract", "load"}, r.order)

	extract := r.job(t, created.Jobs["extract"].ID)
	load := r.job(t, created.Jobs["load"].ID)
	assert.Equal(t, core.StatusSucceeded, extract.Status)
	assert.Equal(t, core.StatusSucceeded, load.Status)
	assert.True(t, load.StartedAt.After(*extract.CompletedAt))
}

func TestManagePipeline_DeadMemberFailsPipeline(t *testing.T) {
	r := newPipelineRun(t, extractLoad, map[string]job.Body{
		"extract": func(context.Context, *job.Manager, core.Invocation) (any, error) {
			return nil, core.Validation(errors.New("bad source"))
		},
		"load": func(context.Context, *job.Manager, core.Invocation) (any, error) {
			t.Error("load must not run")
			return nil, nil
		},
	})

	created, err := r.factory.Create(context.Background(), "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)
	r.drain(t)

	p := r.pipeline(t, created.Pipeline.ID)
	assert.Equal(t, core.PipelineFailed, p.Status)
	assert.NotEmpty(t, p.StatusReason)

	extract := r.job(t, created.Jobs["extract"].ID)
	load := r.job(t, created.Jobs["load"].ID)
	assert.Equal(t, core.StatusDead, extract.Status)
	assert.Equal(t, core.StatusCancelled, load.Status)
	assert.Equal(t, core.KindDependencyFailed, load.Error.Kind)
	assert.Equal(t, extract.ID, load.Error.Reference)
}

func TestManagePipeline_RetryingMemberKeepsPipelineRunning(t *testing.T) {
	calls := 0
	r := newPipelineRun(t, extractLoad, map[string]job.Body{
		"extract": func(context.Context, *job.Manager, core.Invocation) (any, error) {
			calls++
			if calls == 1 {
				return nil, core.Transient(errors.New("throttled"))
			}
			return nil, nil
		},
		"load": func(context.Context, *job.Manager, core.Invocation) (any, error) { return nil, nil },
	})

	created, err := r.factory.Create(context.Background(), "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)
	r.drain(t)

	assert.Equal(t, core.PipelineSucceeded, r.pipeline(t, created.Pipeline.ID).Status)
	assert.Equal(t, 2, r.job(t, created.Jobs["extract"].ID).Attempt)
	assert.Equal(t, 2, calls)
}

func TestManagePipeline_RejectsStandaloneJob(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.CreateJob(context.Background(), &core.JobRecord{JobType: "export"})
	require.NoError(t, err)

	h := f.engine.ManagePipeline(pipeline.StartBody)
	err = h(context.Background(), core.Invocation{JobType: "export", JobID: id})
	assert.ErrorIs(t, err, core.ErrNotInPipeline)
	assert.Equal(t, core.StatusPending, f.job(t, id).Status)
}

func TestManagePipeline_IneligibleDeliveryIsDropped(t *testing.T) {
	r := newPipelineRun(t, extractLoad, map[string]job.Body{
		"extract": func(context.Context, *job.Manager, core.Invocation) (any, error) { return nil, nil },
		"load": func(context.Context, *job.Manager, core.Invocation) (any, error) {
			t.Error("load must not run before extract")
			return nil, nil
		},
	})

	created, err := r.factory.Create(context.Background(), "extract_load", map[string]any{"source": "s3://bucket"})
	require.NoError(t, err)

	// A stray delivery for load arrives before extract has run.
	load := created.Jobs["load"]
	require.NoError(t, r.handlers["load"](context.Background(), core.InvocationFor(load, time.Time{})))

	assert.Equal(t, core.StatusPending, r.job(t, load.ID).Status)
	assert.Equal(t, core.PipelineRunning, r.pipeline(t, created.Pipeline.ID).Status)
}
