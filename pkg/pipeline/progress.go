package pipeline

import (
	"context"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// Progress summarizes a pipeline's members.
type Progress struct {
	Status    core.PipelineStatus
	Total     int
	Succeeded int
	Failed    int // dead members
	Cancelled int
	Running   int // running, retrying, or awaiting a retry decision
	Pending   int
	Percent   int // share of members that reached a terminal status
	Duration  time.Duration
	Counts    map[core.JobStatus]int
}

// Progress reports member counts and elapsed time.
func (m *Manager) Progress(ctx context.Context) (Progress, error) {
	if err := m.Reload(ctx); err != nil {
		return Progress{}, err
	}
	p := m.Record()

	jobs, err := m.store.ListByPipeline(ctx, p.ID)
	if err != nil {
		return Progress{}, err
	}
	return summarize(p, jobs, m.opts.Now()), nil
}

func summarize(p *core.PipelineRecord, jobs []*core.JobRecord, now time.Time) Progress {
	out := Progress{Status: p.Status, Total: len(jobs), Counts: make(map[core.JobStatus]int)}
	for _, j := range jobs {
		out.Counts[j.Status]++
	}
	out.Succeeded = out.Counts[core.StatusSucceeded]
	out.Failed = out.Counts[core.StatusDead]
	out.Cancelled = out.Counts[core.StatusCancelled]
	out.Pending = out.Counts[core.StatusPending]
	out.Running = out.Counts[core.StatusRunning] + out.Counts[core.StatusRetrying] + out.Counts[core.StatusFailed]

	if out.Total > 0 {
		out.Percent = (out.Succeeded + out.Failed + out.Cancelled) * 100 / out.Total
	} else if p.Status.IsTerminal() {
		out.Percent = 100
	}

	if p.StartedAt != nil {
		end := now
		if p.CompletedAt != nil {
			end = *p.CompletedAt
		}
		out.Duration = end.Sub(*p.StartedAt)
	}
	return out
}
