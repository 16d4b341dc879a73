package pipeline

import "github.com/jdziat/simple-durable-pipelines/pkg/core"

// TransitionStatus computes a pipeline's status from its members. It has no
// side effects. Terminal, paused, and not yet started pipelines keep their
// status.
func TransitionStatus(p *core.PipelineRecord, jobs []*core.JobRecord) core.PipelineStatus {
	switch {
	case p.Status.IsTerminal(), p.Status == core.PipelinePaused, p.Status == core.PipelinePending:
		return p.Status
	case len(jobs) == 0:
		return core.PipelineSucceeded
	}

	counts := make(map[core.JobStatus]int, len(core.AllJobStatuses))
	for _, j := range jobs {
		counts[j.Status]++
	}

	if counts[core.StatusSucceeded] == len(jobs) {
		return core.PipelineSucceeded
	}

	active := counts[core.StatusPending] + counts[core.StatusRunning] +
		counts[core.StatusRetrying] + counts[core.StatusFailed]

	if counts[core.StatusDead]+counts[core.StatusCancelled] > 0 {
		if p.Policy != core.PolicyToleratePartial {
			return core.PipelineFailed
		}
		switch {
		case active > 0:
			return core.PipelineRunning
		case counts[core.StatusSucceeded] > 0:
			return core.PipelinePartiallyFailed
		default:
			return core.PipelineFailed
		}
	}

	if counts[core.StatusRunning]+counts[core.StatusRetrying]+counts[core.StatusFailed] > 0 {
		return core.PipelineRunning
	}
	return p.Status
}

// CanRelease reports whether every dependency of job is satisfied.
// Dependencies missing from byID are never satisfied.
func CanRelease(job *core.JobRecord, byID map[string]*core.JobRecord) bool {
	for _, dep := range job.DependsOn {
		d, ok := byID[dep.JobID]
		if !ok || !dep.Satisfied(d.Status) {
			return false
		}
	}
	return true
}

// blockingDependency returns the first dependency of job that can never be
// satisfied, with the status that makes it so.
func blockingDependency(job *core.JobRecord, byID map[string]*core.JobRecord) (string, core.JobStatus, bool) {
	for _, dep := range job.DependsOn {
		d, ok := byID[dep.JobID]
		if !ok {
			return dep.JobID, "", true
		}
		if dep.Unfulfillable(d.Status) {
			return dep.JobID, d.Status, true
		}
	}
	return "", "", false
}

func index(jobs []*core.JobRecord) map[string]*core.JobRecord {
	byID := make(map[string]*core.JobRecord, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	return byID
}
