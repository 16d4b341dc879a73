package core

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the current state of a job record.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed" // Transient, awaiting the retry decision
	StatusRetrying  JobStatus = "retrying"
	StatusCancelled JobStatus = "cancelled"
	StatusDead      JobStatus = "dead" // Retries exhausted or failure not retryable
)

// AllJobStatuses lists every job status in lifecycle order.
var AllJobStatuses = []JobStatus{
	StatusPending, StatusRunning, StatusSucceeded, StatusFailed,
	StatusRetrying, StatusCancelled, StatusDead,
}

var jobTransitions = map[JobStatus][]JobStatus{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusFailed:   {StatusRetrying, StatusDead, StatusCancelled},
	StatusRetrying: {StatusRunning, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusCancelled || s == StatusDead
}

// IsStartable reports whether a job in this status may move to running.
func (s JobStatus) IsStartable() bool {
	return s == StatusPending || s == StatusRetrying
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DependencyType controls what a dependency must reach before its dependent may start.
type DependencyType string

const (
	// DependsOnSuccess requires the dependency to succeed.
	DependsOnSuccess DependencyType = "success_required"
	// DependsOnCompletion only requires the dependency to finish running,
	// successfully or not. A cancelled dependency still blocks.
	DependsOnCompletion DependencyType = "completion_required"
)

// Dependency is one edge of a pipeline's dependency graph.
type Dependency struct {
	JobID string         `json:"job_id"`
	Type  DependencyType `json:"type"`
}

// Satisfied reports whether a dependency in status s lets the dependent start.
func (d Dependency) Satisfied(s JobStatus) bool {
	if s == StatusSucceeded {
		return true
	}
	return d.Type == DependsOnCompletion && s == StatusDead
}

// Unfulfillable reports whether a dependency in status s can never be satisfied.
func (d Dependency) Unfulfillable(s JobStatus) bool {
	if s == StatusCancelled {
		return true
	}
	return d.Type != DependsOnCompletion && s == StatusDead
}

// ErrorDetail is the structured failure stored on a job.
type ErrorDetail struct {
	Kind      ErrorKind `gorm:"size:40" json:"kind"`
	Message   string    `gorm:"type:text" json:"message"`
	Stack     string    `gorm:"type:text" json:"stack,omitempty"`
	Reference string    `gorm:"size:36" json:"reference,omitempty"` // Related job, set for dependency failures
}

// IsZero reports whether no failure has been recorded.
func (d ErrorDetail) IsZero() bool {
	return d.Kind == "" && d.Message == ""
}

// JobRecord is one tracked execution of a registered job body.
type JobRecord struct {
	ID              string    `gorm:"primaryKey;size:36"`
	JobType         string    `gorm:"index;size:255;not null"`
	Status          JobStatus `gorm:"index;size:20;default:'pending'"`
	ProgressPercent int       `gorm:"default:0"`
	ProgressCurrent int       `gorm:"default:0"`
	ProgressTotal   int       `gorm:"default:0"`
	ProgressMessage string    `gorm:"type:text"`
	Payload         datatypes.JSON
	Result          datatypes.JSON
	Error           ErrorDetail `gorm:"embedded;embeddedPrefix:error_"`
	Attempt         int         `gorm:"default:0"`
	MaxAttempts     int         `gorm:"default:3"`
	CorrelationID   string      `gorm:"index;size:255"`
	PipelineID      *string     `gorm:"index;size:36"`
	DependsOn       datatypes.JSONSlice[Dependency]
	NextRetryAt     *time.Time `gorm:"index"` // Visible retry estimate while retrying
	ReleasedAt      *time.Time // Set when coordination hands a pending member to the queue
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
	Version         int       `gorm:"not null;default:1"`
}

// Standalone reports whether the job belongs to no pipeline.
func (j *JobRecord) Standalone() bool {
	return j.PipelineID == nil || *j.PipelineID == ""
}

// PipelineRef returns the owning pipeline id, or "" for standalone jobs.
func (j *JobRecord) PipelineRef() string {
	if j.PipelineID == nil {
		return ""
	}
	return *j.PipelineID
}

// Clone returns a copy that shares no mutable state with j.
func (j *JobRecord) Clone() *JobRecord {
	c := *j
	c.Payload = append(datatypes.JSON(nil), j.Payload...)
	c.Result = append(datatypes.JSON(nil), j.Result...)
	if j.DependsOn != nil {
		c.DependsOn = append(datatypes.JSONSlice[Dependency](nil), j.DependsOn...)
	}
	c.PipelineID = cloneString(j.PipelineID)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.ReleasedAt = cloneTime(j.ReleasedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
