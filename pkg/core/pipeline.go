package core

import "time"

// PipelineStatus represents the aggregate state of a pipeline.
type PipelineStatus string

const (
	PipelinePending         PipelineStatus = "pending"
	PipelineRunning         PipelineStatus = "running"
	PipelinePaused          PipelineStatus = "paused"
	PipelineSucceeded       PipelineStatus = "succeeded"
	PipelineFailed          PipelineStatus = "failed"
	PipelinePartiallyFailed PipelineStatus = "partially_failed"
	PipelineCancelled       PipelineStatus = "cancelled"
)

// AllPipelineStatuses lists every pipeline status.
var AllPipelineStatuses = []PipelineStatus{
	PipelinePending, PipelineRunning, PipelinePaused, PipelineSucceeded,
	PipelineFailed, PipelinePartiallyFailed, PipelineCancelled,
}

var pipelineTransitions = map[PipelineStatus][]PipelineStatus{
	PipelinePending: {PipelineRunning, PipelineCancelled},
	PipelineRunning: {PipelinePaused, PipelineSucceeded, PipelineFailed, PipelinePartiallyFailed, PipelineCancelled},
	PipelinePaused:  {PipelineRunning, PipelineCancelled},
}

// IsTerminal reports whether the pipeline has finished.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineSucceeded, PipelineFailed, PipelinePartiallyFailed, PipelineCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s PipelineStatus) CanTransitionTo(next PipelineStatus) bool {
	for _, allowed := range pipelineTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailurePolicy decides how a pipeline reacts to a permanently failed member.
type FailurePolicy string

const (
	// PolicyFailFast fails the pipeline and cancels every remaining member
	// as soon as one member is dead or cancelled.
	PolicyFailFast FailurePolicy = "fail_fast"
	// PolicyToleratePartial lets independent branches finish and reports
	// partially_failed when some members succeeded.
	PolicyToleratePartial FailurePolicy = "tolerate_partial"
)

// PipelineRecord is one run of a set of dependent jobs.
type PipelineRecord struct {
	ID            string         `gorm:"primaryKey;size:36"`
	Name          string         `gorm:"index;size:255"`
	Status        PipelineStatus `gorm:"index;size:20;default:'pending'"`
	Policy        FailurePolicy  `gorm:"size:20;default:'fail_fast'"`
	StatusReason  string         `gorm:"type:text"`
	CorrelationID string         `gorm:"index;size:255"`
	CreatedAt     time.Time      `gorm:"autoCreateTime"`
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
	Version       int       `gorm:"not null;default:1"`
}

// Clone returns a copy that shares no mutable state with p.
func (p *PipelineRecord) Clone() *PipelineRecord {
	c := *p
	c.StartedAt = cloneTime(p.StartedAt)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}
