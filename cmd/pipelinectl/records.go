package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/lifecycle"
)

func newJobCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and cancel job records",
	}

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := app.Store.LoadJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(rec)
		},
	}

	var (
		statuses    []string
		jobType     string
		pipelineID  string
		correlation string
		limit       int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List job records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			filter := core.JobFilter{
				JobType:       jobType,
				PipelineID:    pipelineID,
				CorrelationID: correlation,
				Limit:         limit,
			}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, core.JobStatus(s))
			}
			jobs, err := app.Store.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.print(jobs)
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses")
	list.Flags().StringVar(&jobType, "type", "", "only this job type")
	list.Flags().StringVar(&pipelineID, "pipeline", "", "only members of this pipeline")
	list.Flags().StringVar(&correlation, "correlation", "", "only this correlation id")
	list.Flags().IntVar(&limit, "limit", 50, "maximum records")

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			return app.Engine().CancelJob(cmd.Context(), args[0], reason)
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "cancelled by operator", "recorded cancellation reason")

	cmd.AddCommand(get, list, cancel)
	return cmd
}

func newPipelineCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect pipelines and change their status",
	}

	get := &cobra.Command{
		Use:   "get <pipeline-id>",
		Short: "Print a pipeline, its progress, and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.open(ctx)
			if err != nil {
				return err
			}
			rec, err := app.Store.LoadPipeline(ctx, args[0])
			if err != nil {
				return err
			}
			progress, err := app.Engine().PipelineProgress(ctx, args[0])
			if err != nil {
				return err
			}
			jobs, err := app.Store.ListByPipeline(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(map[string]any{"pipeline": rec, "progress": progress, "jobs": jobs})
		},
	}

	var (
		statuses []string
		name     string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List pipelines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			filter := core.PipelineFilter{Name: name, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, core.PipelineStatus(s))
			}
			pipelines, err := app.Store.ListPipelines(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.print(pipelines)
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses")
	list.Flags().StringVar(&name, "name", "", "only this definition name")
	list.Flags().IntVar(&limit, "limit", 50, "maximum records")

	coordinate := &cobra.Command{
		Use:   "coordinate <pipeline-id>",
		Short: "Run one coordination pass and print the resulting status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			status, err := app.Engine().Coordinate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(map[string]any{"pipeline_id": args[0], "status": status})
		},
	}

	cmd.AddCommand(get, list, coordinate,
		pipelineAction(c, "cancel", "Cancel a pipeline and its outstanding members", "cancelled by operator",
			func(e *lifecycle.Engine) action { return e.CancelPipeline }),
		pipelineAction(c, "pause", "Stop a running pipeline from releasing members", "paused by operator",
			func(e *lifecycle.Engine) action { return e.PausePipeline }),
		pipelineAction(c, "unpause", "Resume a paused pipeline", "resumed by operator",
			func(e *lifecycle.Engine) action { return e.UnpausePipeline }),
	)
	return cmd
}

type action func(ctx context.Context, pipelineID, reason string) error

func pipelineAction(c *cli, use, short, defaultReason string, pick func(*lifecycle.Engine) action) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <pipeline-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.open(ctx)
			if err != nil {
				return err
			}
			if err := pick(app.Engine())(ctx, args[0], reason); err != nil {
				return err
			}
			rec, err := app.Store.LoadPipeline(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(map[string]any{"pipeline_id": rec.ID, "status": rec.Status})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", defaultReason, "recorded reason")
	return cmd
}
