package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
	"github.com/jdziat/simple-durable-pipelines/pkg/pipeline"
	"github.com/jdziat/simple-durable-pipelines/pkg/schedule"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// JobDefinition binds a job type to its body.
type JobDefinition struct {
	Type string
	Body job.Body
	// Standalone jobs may be submitted on their own; their records are
	// created on first delivery.
	Standalone bool
	// Member jobs may appear in pipeline definitions.
	Member      bool
	Timeout     time.Duration
	MaxAttempts int
}

// CronEntry is one row of the cron table.
type CronEntry struct {
	Name     string
	JobType  string
	Expr     string
	Payload  json.RawMessage
	Schedule schedule.Schedule
}

// Registry is the immutable set of job types, pipelines and cron entries a
// worker serves.
type Registry struct {
	jobs      map[string]JobDefinition
	pipelines []pipeline.Definition
	crons     []CronEntry
}

// Def contributes one entry to a Registry.
type Def interface {
	register(*builder) error
}

type defFunc func(*builder) error

func (f defFunc) register(b *builder) error { return f(b) }

type builder struct {
	jobs      map[string]JobDefinition
	pipelines []pipeline.Definition
	crons     []CronEntry
}

// JobOption configures a JobDefinition.
type JobOption func(*JobDefinition)

// WithTimeout bounds each attempt of the job.
func WithTimeout(d time.Duration) JobOption {
	return func(def *JobDefinition) { def.Timeout = d }
}

// WithMaxAttempts sets the attempt ceiling for standalone records.
// Pipeline members take theirs from the pipeline definition.
func WithMaxAttempts(n int) JobOption {
	return func(d *JobDefinition) { d.MaxAttempts = security.ClampAttempts(n) }
}

// InPipelines lets the job also appear in pipeline definitions.
func InPipelines() JobOption {
	return func(d *JobDefinition) { d.Member = true }
}

// PipelineOnly restricts the job to pipeline membership.
func PipelineOnly() JobOption {
	return func(d *JobDefinition) {
		d.Member = true
		d.Standalone = false
	}
}

// Job registers a standalone job type.
func Job(jobType string, body job.Body, opts ...JobOption) Def {
	return defFunc(func(b *builder) error {
		def := JobDefinition{Type: jobType, Body: body, Standalone: true}
		for _, opt := range opts {
			opt(&def)
		}
		return b.addJob(def)
	})
}

// Handle registers a plain function as a job body. See Reflect for the
// accepted signatures.
func Handle(jobType string, fn any, opts ...JobOption) Def {
	return defFunc(func(b *builder) error {
		body, err := Reflect(fn)
		if err != nil {
			return fmt.Errorf("job %s: %w", jobType, err)
		}
		return Job(jobType, body, opts...).register(b)
	})
}

// Pipeline registers a pipeline definition. Its job types must be
// registered with InPipelines or PipelineOnly.
func Pipeline(def pipeline.Definition) Def {
	return defFunc(func(b *builder) error {
		b.pipelines = append(b.pipelines, def)
		return nil
	})
}

// Cron registers a recurring invocation of a standalone job type.
// expr is a five-field cron expression or a descriptor such as "@hourly".
func Cron(name, jobType, expr string, payload any) Def {
	return defFunc(func(b *builder) error {
		sched, err := schedule.Parse(expr)
		if err != nil {
			return fmt.Errorf("cron %s: %w", name, err)
		}
		var raw json.RawMessage
		if payload != nil {
			raw, err = json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("cron %s: encode payload: %w", name, err)
			}
		}
		b.crons = append(b.crons, CronEntry{Name: name, JobType: jobType, Expr: expr, Payload: raw, Schedule: sched})
		return nil
	})
}

func (b *builder) addJob(def JobDefinition) error {
	if err := security.ValidateJobTypeName(def.Type); err != nil {
		return fmt.Errorf("job %q: %w", def.Type, err)
	}
	if def.Body == nil {
		return fmt.Errorf("job %s: body cannot be nil", def.Type)
	}
	if _, dup := b.jobs[def.Type]; dup {
		return fmt.Errorf("%w: %s", core.ErrDuplicateJobType, def.Type)
	}
	b.jobs[def.Type] = def
	return nil
}

// New builds a registry and checks that it is consistent: job type names
// are valid and unique, every pipeline member type is registered for
// pipelines, and every cron entry targets a standalone job type.
func New(defs ...Def) (*Registry, error) {
	b := &builder{jobs: map[string]JobDefinition{}}
	for _, d := range defs {
		if err := d.register(b); err != nil {
			return nil, err
		}
	}

	if _, taken := b.jobs[pipeline.StartJobType]; taken && len(b.pipelines) > 0 {
		return nil, fmt.Errorf("%w: %s is reserved for pipeline start", core.ErrDuplicateJobType, pipeline.StartJobType)
	}
	if len(b.pipelines) > 0 {
		b.jobs[pipeline.StartJobType] = JobDefinition{Type: pipeline.StartJobType, Body: pipeline.StartBody, Member: true}
	}

	names := map[string]bool{}
	for _, p := range b.pipelines {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if names[p.Name] {
			return nil, fmt.Errorf("pipeline %s: defined twice", p.Name)
		}
		names[p.Name] = true
		for _, t := range p.Jobs {
			def, ok := b.jobs[t.JobType]
			if !ok {
				return nil, fmt.Errorf("pipeline %s job %s: %w: %s", p.Name, t.Key, core.ErrUnknownJobType, t.JobType)
			}
			if !def.Member {
				return nil, fmt.Errorf("pipeline %s job %s: %s is not registered for pipelines", p.Name, t.Key, t.JobType)
			}
		}
	}

	cronNames, cronTypes := map[string]bool{}, map[string]bool{}
	for _, c := range b.crons {
		if cronNames[c.Name] {
			return nil, fmt.Errorf("cron %s: defined twice", c.Name)
		}
		// Queues key recurring invocations by job type.
		if cronTypes[c.JobType] {
			return nil, fmt.Errorf("cron %s: %s already has a cron entry", c.Name, c.JobType)
		}
		cronNames[c.Name], cronTypes[c.JobType] = true, true
		def, ok := b.jobs[c.JobType]
		if !ok {
			return nil, fmt.Errorf("cron %s: %w: %s", c.Name, core.ErrUnknownJobType, c.JobType)
		}
		if !def.Standalone {
			return nil, fmt.Errorf("cron %s: %s is not a standalone job", c.Name, c.JobType)
		}
	}

	return &Registry{jobs: b.jobs, pipelines: b.pipelines, crons: b.crons}, nil
}

// Lookup returns the definition of jobType.
func (r *Registry) Lookup(jobType string) (JobDefinition, bool) {
	def, ok := r.jobs[jobType]
	return def, ok
}

// LongestTimeout returns the job type with the longest attempt timeout.
// Types without their own timeout count as fallback.
func (r *Registry) LongestTimeout(fallback time.Duration) (string, time.Duration) {
	var (
		longestType string
		longest     time.Duration
	)
	for _, jobType := range r.JobTypes() {
		d := r.jobs[jobType].Timeout
		if d <= 0 {
			d = fallback
		}
		if d > longest {
			longestType, longest = jobType, d
		}
	}
	return longestType, longest
}

// JobTypes returns the registered job types in sorted order.
func (r *Registry) JobTypes() []string {
	types := make([]string, 0, len(r.jobs))
	for t := range r.jobs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Pipelines returns the registered pipeline definitions.
func (r *Registry) Pipelines() []pipeline.Definition {
	return append([]pipeline.Definition(nil), r.pipelines...)
}

// Crons returns the cron table.
func (r *Registry) Crons() []CronEntry {
	return append([]CronEntry(nil), r.crons...)
}

// Factory returns a pipeline factory over the registered definitions.
func (r *Registry) Factory(store core.Store, opts ...job.Option) (*pipeline.Factory, error) {
	return pipeline.NewFactory(store, r.pipelines, opts...)
}

// ScheduleCrons registers every cron entry with q.
func (r *Registry) ScheduleCrons(q core.WorkQueue) error {
	for _, c := range r.crons {
		if err := q.ScheduleCron(c.JobType, c.Schedule, c.Payload); err != nil {
			return fmt.Errorf("schedule cron %s: %w", c.Name, err)
		}
	}
	return nil
}

// Dispatcher routes invocations to the decorated body of their job type.
type Dispatcher struct {
	standalone map[string]lifecycle.Handler
	member     map[string]lifecycle.Handler
}

// Dispatcher decorates every registered body with e. Pipeline members are
// wrapped with ManagePipeline; standalone jobs with GuaranteeRecord over
// ManageJob. mws wrap every resulting handler.
func (r *Registry) Dispatcher(e *lifecycle.Engine, mws ...lifecycle.Middleware) *Dispatcher {
	d := &Dispatcher{standalone: map[string]lifecycle.Handler{}, member: map[string]lifecycle.Handler{}}
	for t, def := range r.jobs {
		var hopts []lifecycle.HandlerOption
		if def.Timeout > 0 {
			hopts = append(hopts, lifecycle.Timeout(def.Timeout))
		}
		if def.Member {
			d.member[t] = lifecycle.Wrap(e.ManagePipeline(def.Body, hopts...), mws...)
		}
		if def.Standalone {
			if def.MaxAttempts > 0 {
				hopts = append(hopts, lifecycle.MaxAttempts(def.MaxAttempts))
			}
			d.standalone[t] = lifecycle.Wrap(e.GuaranteeRecord(e.ManageJob(def.Body, hopts...), hopts...), mws...)
		}
	}
	return d
}

// ErrNotStandalone is returned for a fresh invocation of a pipeline-only job type.
var ErrNotStandalone = errors.New("jobs: job type only runs inside pipelines")

// Handle routes inv by job type and pipeline membership.
func (d *Dispatcher) Handle(ctx context.Context, inv core.Invocation) error {
	if inv.PipelineID != "" {
		h, ok := d.member[inv.JobType]
		if !ok {
			return fmt.Errorf("%w: %s in pipeline", core.ErrUnknownJobType, inv.JobType)
		}
		return h(ctx, inv)
	}
	h, ok := d.standalone[inv.JobType]
	if !ok {
		if _, member := d.member[inv.JobType]; member {
			return fmt.Errorf("%w: %s", ErrNotStandalone, inv.JobType)
		}
		return fmt.Errorf("%w: %s", core.ErrUnknownJobType, inv.JobType)
	}
	return h(ctx, inv)
}
