package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-durable-pipelines/internal/testutil"
	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/storage"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type gormFixture struct {
	store *storage.GormStore
	queue *GormQueue
	clock *testutil.Clock
}

func newGormFixture(t *testing.T, opts ...Option) *gormFixture {
	t.Helper()
	store := testutil.NewStore(t)
	clock := testutil.NewClock(epoch)
	q := NewGormQueue(store.DB(), append([]Option{WithClock(clock.Now), Visibility(time.Minute)}, opts...)...)
	require.NoError(t, q.Migrate(context.Background()))
	return &gormFixture{store: store, queue: q, clock: clock}
}

func TestGormQueue_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	require.NoError(t, f.queue.Enqueue(ctx, core.Invocation{
		JobType:       "send-email",
		JobID:         "job-1",
		Payload:       []byte(`{"to":"a@b.c"}`),
		CorrelationID: "req-1",
	}))

	d, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NotEmpty(t, d.DeliveryID)
	assert.Equal(t, "send-email", d.JobType)
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, "req-1", d.CorrelationID)
	assert.JSONEq(t, `{"to":"a@b.c"}`, string(d.Payload))
	assert.Equal(t, 1, d.Deliveries)
	assert.Equal(t, "w1", d.LockedBy)
	assert.True(t, d.LockedUntil.Equal(epoch.Add(time.Minute)))

	require.NoError(t, f.queue.Ack(ctx, d))

	d, err = f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestGormQueue_RejectsInvalidInvocation(t *testing.T) {
	f := newGormFixture(t)

	err := f.queue.Enqueue(context.Background(), core.Invocation{JobType: "bad name"})
	assert.ErrorIs(t, err, core.ErrInvalidJobTypeName)
}

func TestGormQueue_HonoursNotBefore(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	require.NoError(t, f.queue.Enqueue(ctx, core.Invocation{JobType: "later", NotBefore: epoch.Add(10 * time.Minute)}))
	require.NoError(t, f.queue.Enqueue(ctx, core.Invocation{JobType: "now"}))

	d, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "now", d.JobType)
	require.NoError(t, f.queue.Ack(ctx, d))

	d, err = f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d, "future delivery must stay hidden")

	f.clock.Advance(10 * time.Minute)
	d, err = f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "later", d.JobType)
	require.NoError(t, f.queue.Ack(ctx, d))

	d, err = f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestGormQueue_ClaimIsExclusiveUntilVisibilityExpires(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	require.NoError(t, f.queue.Enqueue(ctx, core.Invocation{JobType: "work"}))

	first, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)

	none, err := f.queue.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, none)

	f.clock.Advance(2 * time.Minute)
	second, err := f.queue.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.DeliveryID, second.DeliveryID)
	assert.Equal(t, 2, second.Deliveries)

	assert.ErrorIs(t, f.queue.Ack(ctx, first), ErrNotOwned)
	assert.ErrorIs(t, f.queue.Heartbeat(ctx, first), ErrNotOwned)
	require.NoError(t, f.queue.Ack(ctx, second))
}

func TestGormQueue_Nack(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	require.NoError(t, f.queue.Enqueue(ctx, core.Invocation{JobType: "work"}))
	d, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, f.queue.Nack(ctx, d, epoch.Add(30*time.Second), errors.New("boom")))
	assert.ErrorIs(t, f.queue.Nack(ctx, d, epoch, nil), ErrNotOwned)

	again, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, again)

	pending, err := f.queue.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].NotBefore.Equal(epoch.Add(30*time.Second)))

	var rec DeliveryRecord
	require.NoError(t, f.store.DB().First(&rec, "id = ?", d.DeliveryID).Error)
	assert.Equal(t, "boom", rec.LastError)
	assert.Equal(t, DeliveryReady, rec.Status)

	f.clock.Advance(30 * time.Second)
	again, err = f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Deliveries)
}

func TestGormQueue_HeartbeatExtendsClaim(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	require.NoError(t, f.queue.Enqueue(ctx, core.Invocation{JobType: "work"}))
	d, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)

	f.clock.Advance(45 * time.Second)
	require.NoError(t, f.queue.Heartbeat(ctx, d))
	assert.True(t, d.LockedUntil.Equal(epoch.Add(105*time.Second)))

	f.clock.Advance(30 * time.Second)
	stolen, err := f.queue.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, stolen)
}

func TestGormQueue_EnqueueUnique(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	ok, err := f.queue.EnqueueUnique(ctx, core.Invocation{JobType: "nightly"}, "cron:nightly:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.queue.EnqueueUnique(ctx, core.Invocation{JobType: "nightly"}, "cron:nightly:1")
	require.NoError(t, err)
	assert.False(t, ok)

	// The key stays taken after the delivery is acknowledged.
	d, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, f.queue.Ack(ctx, d))

	ok, err = f.queue.EnqueueUnique(ctx, core.Invocation{JobType: "nightly"}, "cron:nightly:1")
	require.NoError(t, err)
	assert.False(t, ok)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestGormQueue_BindFollowsUnitOfWork(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	_, ok := f.queue.Bind(f.store)
	assert.False(t, ok, "store outside Atomic must not bind")

	rollback := errors.New("rollback")
	err := f.store.Atomic(ctx, func(tx core.Store) error {
		bound, ok := f.queue.Bind(tx)
		require.True(t, ok)
		require.NoError(t, bound.Enqueue(ctx, core.Invocation{JobType: "discarded"}))
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	err = f.store.Atomic(ctx, func(tx core.Store) error {
		id, err := tx.CreateJob(ctx, &core.JobRecord{JobType: "kept"})
		if err != nil {
			return err
		}
		return core.EnqueueWithin(ctx, tx, f.queue, core.Invocation{JobType: "kept", JobID: id}, nil)
	})
	require.NoError(t, err)

	d, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "kept", d.JobType)
	assert.NotEmpty(t, d.JobID)
}

func TestGormQueue_Purge(t *testing.T) {
	ctx := context.Background()
	f := newGormFixture(t)

	for _, jt := range []string{"a", "b"} {
		require.NoError(t, f.queue.Enqueue(ctx, core.Invocation{JobType: jt}))
	}
	d, err := f.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, f.queue.Ack(ctx, d))

	n, err := f.queue.Purge(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "nothing completed before cutoff")

	n, err = f.queue.Purge(ctx, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
