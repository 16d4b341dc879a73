package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/job"
	"github.com/jdziat/simple-durable-pipelines/pkg/jobctx"
)

// StartJobType is the job type of the member that starts every pipeline
// created by a Factory.
const StartJobType = "start_pipeline"

// CorrelationParam, when present in the creation params, becomes the
// pipeline's correlation id.
const CorrelationParam = "correlation_id"

// StartBody is the body of the start member. The pipeline decorator starts
// the pipeline before the body runs and coordinates it afterwards, which
// releases the first members.
func StartBody(_ context.Context, _ *job.Manager, inv core.Invocation) (any, error) {
	return map[string]string{"pipeline_id": inv.PipelineID}, nil
}

// Factory creates pipeline runs from registered definitions.
type Factory struct {
	store core.Store
	opts  *job.Options
	defs  map[string]Definition
}

// NewFactory validates defs and returns a factory over store.
func NewFactory(store core.Store, defs []Definition, opts ...job.Option) (*Factory, error) {
	f := &Factory{store: store, opts: job.NewOptions(opts...), defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := f.defs[d.Name]; dup {
			return nil, fmt.Errorf("pipeline %s: defined twice", d.Name)
		}
		f.defs[d.Name] = d
	}
	return f, nil
}

// Created is the result of Factory.Create.
type Created struct {
	Pipeline *core.PipelineRecord
	StartJob *core.JobRecord
	Jobs     map[string]*core.JobRecord // by template key
}

// Create persists a pipeline, its start member, and one member per
// template, then enqueues the start member, all in one unit of work.
func (f *Factory) Create(ctx context.Context, name string, params map[string]any) (*Created, error) {
	def, ok := f.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownPipeline, name)
	}

	correlationID := correlationFor(ctx, params)
	now := f.opts.Now()

	p := &core.PipelineRecord{
		ID:            uuid.New().String(),
		Name:          def.Name,
		Policy:        def.Policy,
		CorrelationID: correlationID,
	}
	start := &core.JobRecord{
		ID:            uuid.New().String(),
		JobType:       StartJobType,
		CorrelationID: correlationID,
		ReleasedAt:    &now,
	}

	ids := make(map[string]string, len(def.Jobs))
	for _, t := range def.Jobs {
		ids[t.Key] = uuid.New().String()
	}

	members := map[string]*core.JobRecord{}
	records := []*core.JobRecord{start}
	for _, t := range def.Jobs {
		payload, err := t.fill(params)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", t.Key, err)
		}

		deps := make(datatypes.JSONSlice[core.Dependency], 0, len(t.DependsOn))
		for _, d := range t.DependsOn {
			typ := d.Type
			if typ == "" {
				typ = core.DependsOnSuccess
			}
			deps = append(deps, core.Dependency{JobID: ids[d.Key], Type: typ})
		}

		rec := &core.JobRecord{
			ID:            ids[t.Key],
			JobType:       t.JobType,
			Payload:       encoded,
			DependsOn:     deps,
			MaxAttempts:   t.MaxAttempts,
			CorrelationID: correlationID,
		}
		members[t.Key] = rec
		records = append(records, rec)
	}

	err := f.store.Atomic(ctx, func(tx core.Store) error {
		if _, err := tx.CreatePipeline(ctx, p, records); err != nil {
			return err
		}
		if f.opts.Queue == nil {
			return nil
		}
		inv := core.InvocationFor(start, time.Time{})
		logger := f.opts.Logger
		return core.EnqueueWithin(ctx, tx, f.opts.Queue, inv, func(err error) {
			logger.Error("failed to enqueue pipeline start", "pipeline_id", p.ID, "error", err)
		})
	})
	if err != nil {
		return nil, err
	}

	f.opts.Logger.Info("pipeline created",
		"pipeline_id", p.ID, "name", def.Name, "jobs", len(records), "correlation_id", correlationID)
	return &Created{Pipeline: p, StartJob: start, Jobs: members}, nil
}

// Definitions returns the registered definition names.
func (f *Factory) Definitions() []string {
	names := make([]string, 0, len(f.defs))
	for name := range f.defs {
		names = append(names, name)
	}
	return names
}

func correlationFor(ctx context.Context, params map[string]any) string {
	if v, ok := params[CorrelationParam].(string); ok && v != "" {
		return v
	}
	if id := jobctx.CorrelationID(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}
