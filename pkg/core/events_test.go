package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvents_ImplementEvent(t *testing.T) {
	job := &JobRecord{ID: "test"}
	now := time.Now()

	events := []Event{
		&JobStarted{Job: job, Timestamp: now},
		&JobSucceeded{Job: job, Duration: time.Second, Timestamp: now},
		&JobRetrying{Job: job, Attempt: 1, Error: errors.New("x"), NextRunAt: now, Timestamp: now},
		&JobDead{Job: job, Error: errors.New("x"), Timestamp: now},
		&JobCancelled{Job: job, Reason: "operator", Timestamp: now},
		&JobReleased{Job: job, Timestamp: now},
		&PipelineStatusChanged{Pipeline: &PipelineRecord{ID: "p"}, From: PipelineRunning, To: PipelineSucceeded, Timestamp: now},
	}
	for _, e := range events {
		assert.NotNil(t, e)
	}
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard.Emit(&JobStarted{})
	})
}
