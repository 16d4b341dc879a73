package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestJobStatus_Values(t *testing.T) {
	assert.Equal(t, JobStatus("pending"), StatusPending)
	assert.Equal(t, JobStatus("running"), StatusRunning)
	assert.Equal(t, JobStatus("succeeded"), StatusSucceeded)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
	assert.Equal(t, JobStatus("retrying"), StatusRetrying)
	assert.Equal(t, JobStatus("cancelled"), StatusCancelled)
	assert.Equal(t, JobStatus("dead"), StatusDead)
}

func TestJobStatus_Terminal(t *testing.T) {
	terminal := map[JobStatus]bool{StatusSucceeded: true, StatusCancelled: true, StatusDead: true}
	for _, s := range AllJobStatuses {
		assert.Equal(t, terminal[s], s.IsTerminal(), string(s))
	}
}

func TestJobStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusRetrying, true},
		{StatusFailed, StatusDead, true},
		{StatusRetrying, StatusRunning, true},
		{StatusPending, StatusSucceeded, false},
		{StatusRetrying, StatusSucceeded, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusDead, StatusRetrying, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	// Every non-terminal status may be cancelled.
	for _, s := range AllJobStatuses {
		assert.Equal(t, !s.IsTerminal(), s.CanTransitionTo(StatusCancelled), string(s))
	}
}

func TestDependency_Gating(t *testing.T) {
	success := Dependency{JobID: "a", Type: DependsOnSuccess}
	completion := Dependency{JobID: "a", Type: DependsOnCompletion}

	assert.True(t, success.Satisfied(StatusSucceeded))
	assert.False(t, success.Satisfied(StatusDead))
	assert.True(t, success.Unfulfillable(StatusDead))
	assert.True(t, success.Unfulfillable(StatusCancelled))
	assert.False(t, success.Unfulfillable(StatusRetrying))

	assert.True(t, completion.Satisfied(StatusDead))
	assert.False(t, completion.Unfulfillable(StatusDead))
	assert.True(t, completion.Unfulfillable(StatusCancelled))

	// An unset type behaves as success_required.
	assert.True(t, Dependency{JobID: "a"}.Unfulfillable(StatusDead))
}

func TestJobRecord_Clone(t *testing.T) {
	pid := "pipe-1"
	now := time.Now()
	job := &JobRecord{
		ID:         "job-1",
		PipelineID: &pid,
		Payload:    datatypes.JSON(`{"score_set":1}`),
		DependsOn:  datatypes.JSONSlice[Dependency]{{JobID: "job-0"}},
		StartedAt:  &now,
	}

	c := job.Clone()
	*c.PipelineID = "other"
	c.Payload[2] = 'X'
	c.DependsOn[0].JobID = "changed"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "pipe-1", job.PipelineRef())
	assert.Equal(t, `{"score_set":1}`, string(job.Payload))
	assert.Equal(t, "job-0", job.DependsOn[0].JobID)
	assert.Equal(t, now, *job.StartedAt)
	assert.False(t, job.Standalone())
	assert.True(t, (&JobRecord{}).Standalone())
}

func TestPipelineStatus_Transitions(t *testing.T) {
	assert.True(t, PipelinePending.CanTransitionTo(PipelineRunning))
	assert.True(t, PipelineRunning.CanTransitionTo(PipelinePaused))
	assert.True(t, PipelinePaused.CanTransitionTo(PipelineRunning))
	assert.True(t, PipelineRunning.CanTransitionTo(PipelinePartiallyFailed))
	assert.False(t, PipelinePaused.CanTransitionTo(PipelineSucceeded))
	assert.False(t, PipelineSucceeded.CanTransitionTo(PipelineRunning))

	for _, s := range []PipelineStatus{PipelineSucceeded, PipelineFailed, PipelinePartiallyFailed, PipelineCancelled} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	assert.False(t, PipelinePaused.IsTerminal())
}

func TestInvocationFor(t *testing.T) {
	pid := "pipe-1"
	job := &JobRecord{ID: "job-1", JobType: "map_variants", PipelineID: &pid, CorrelationID: "corr", Payload: datatypes.JSON(`{}`)}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	inv := InvocationFor(job, at)
	assert.Equal(t, "job-1", inv.JobID)
	assert.Equal(t, "map_variants", inv.JobType)
	assert.Equal(t, "pipe-1", inv.PipelineID)
	assert.Equal(t, "corr", inv.CorrelationID)
	assert.Equal(t, at, inv.NotBefore)
	assert.JSONEq(t, `{}`, string(inv.Payload))
}
