package core

import "time"

// Event is the interface for all lifecycle events.
type Event interface {
	eventMarker()
}

// EventSink receives lifecycle events. Emit must not block.
type EventSink interface {
	Emit(Event)
}

// JobStarted is emitted when a job moves to running.
type JobStarted struct {
	Job       *JobRecord
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobSucceeded is emitted when a job succeeds.
type JobSucceeded struct {
	Job       *JobRecord
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobSucceeded) eventMarker() {}

// JobRetrying is emitted when a failed job is scheduled for another attempt.
type JobRetrying struct {
	Job       *JobRecord
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobDead is emitted when a job fails permanently.
type JobDead struct {
	Job       *JobRecord
	Error     error
	Timestamp time.Time
}

func (*JobDead) eventMarker() {}

// JobCancelled is emitted when a job is cancelled.
type JobCancelled struct {
	Job       *JobRecord
	Reason    string
	Timestamp time.Time
}

func (*JobCancelled) eventMarker() {}

// JobReleased is emitted when coordination hands a pipeline member to the queue.
type JobReleased struct {
	Job       *JobRecord
	Timestamp time.Time
}

func (*JobReleased) eventMarker() {}

// PipelineStatusChanged is emitted on every pipeline status transition.
type PipelineStatusChanged struct {
	Pipeline  *PipelineRecord
	From      PipelineStatus
	To        PipelineStatus
	Timestamp time.Time
}

func (*PipelineStatusChanged) eventMarker() {}

// Discard is an EventSink that drops every event.
var Discard EventSink = discard{}

type discard struct{}

func (discard) Emit(Event) {}
