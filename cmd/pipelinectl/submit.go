package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/queue"
)

func newSubmitCommand(c *cli) *cobra.Command {
	var (
		delay       time.Duration
		unique      string
		correlation string
	)
	cmd := &cobra.Command{
		Use:   "submit <job-type> [json-payload]",
		Short: "Enqueue a standalone job invocation",
		Long: `submit enqueues an invocation of a standalone job type. A worker serving
that type creates the job record when it picks the delivery up.`,
		Example: `  pipelinectl submit send_report '{"team":"data"}' --correlation req-42
  pipelinectl submit nightly_export --unique export-2026-10-18 --delay 5m`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return core.Validation(errors.New("payload is not valid JSON"))
				}
				payload = json.RawMessage(args[1])
			}

			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			opts := []queue.SubmitOption{queue.Delay(delay), queue.Correlation(correlation)}
			if unique != "" {
				opts = append(opts, queue.Unique(unique))
			}
			if err := queue.Submit(cmd.Context(), app.Queue, args[0], payload, opts...); err != nil {
				return err
			}
			return c.print(map[string]any{"job_type": args[0], "submitted": true})
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "deliver no earlier than this long from now")
	cmd.Flags().StringVar(&unique, "unique", "", "skip the submission if this key was used before")
	cmd.Flags().StringVar(&correlation, "correlation", "", "correlation id carried by the job")
	return cmd
}

func newStatsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts by status and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := c.open(ctx)
			if err != nil {
				return err
			}
			jobs, err := app.Store.CountJobsByStatus(ctx, "")
			if err != nil {
				return err
			}
			pipelines, err := app.Store.CountPipelinesByStatus(ctx)
			if err != nil {
				return err
			}
			depth, err := app.Queue.Depth(ctx)
			if err != nil {
				return err
			}
			return c.print(map[string]any{"jobs": jobs, "pipelines": pipelines, "queue_depth": depth})
		},
	}
}
