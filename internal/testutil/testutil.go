// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/schedule"
	"github.com/jdziat/simple-durable-pipelines/pkg/storage"
)

// NewStore returns a migrated store over a private in-memory SQLite
// database, or PostgreSQL when TEST_DATABASE_URL is set. SQLite is limited
// to one connection so every session sees the same database.
func NewStore(t testing.TB) *storage.GormStore {
	t.Helper()

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := storage.Open(storage.DriverPostgres, dsn, false)
		require.NoError(t, err, "open postgres test db")
		clean := func() {
			db.Exec("DELETE FROM job_records")
			db.Exec("DELETE FROM pipeline_records")
			db.Exec("DELETE FROM deliveries")
		}
		store := storage.NewGormStore(db)
		require.NoError(t, store.Migrate(context.Background()))
		clean()
		t.Cleanup(func() {
			clean()
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return store
	}

	db, err := storage.Open(storage.DriverSQLite, ":memory:", false)
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// Queue records every enqueued invocation.
type Queue struct {
	mu    sync.Mutex
	items []core.Invocation
	crons map[string]schedule.Schedule
	Err   error // Returned by Enqueue when set
}

var _ core.WorkQueue = (*Queue)(nil)

// Enqueue implements core.WorkQueue.
func (q *Queue) Enqueue(_ context.Context, inv core.Invocation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.items = append(q.items, inv)
	return nil
}

// ScheduleCron implements core.WorkQueue.
func (q *Queue) ScheduleCron(jobType string, sched schedule.Schedule, _ json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.crons == nil {
		q.crons = make(map[string]schedule.Schedule)
	}
	q.crons[jobType] = sched
	return nil
}

// Items returns a copy of everything enqueued so far.
func (q *Queue) Items() []core.Invocation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]core.Invocation(nil), q.items...)
}

// Drain returns and clears the enqueued invocations.
func (q *Queue) Drain() []core.Invocation {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// JobIDs returns the job ids of every enqueued invocation.
func (q *Queue) JobIDs() []string {
	var ids []string
	for _, inv := range q.Items() {
		ids = append(ids, inv.JobID)
	}
	return ids
}

// Crons returns the registered cron job types.
func (q *Queue) Crons() map[string]schedule.Schedule {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]schedule.Schedule, len(q.crons))
	for k, v := range q.crons {
		out[k] = v
	}
	return out
}

// Events collects emitted lifecycle events.
type Events struct {
	mu     sync.Mutex
	events []core.Event
}

// Emit implements core.EventSink.
func (e *Events) Emit(ev core.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

// All returns a copy of the collected events.
func (e *Events) All() []core.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Event(nil), e.events...)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
