// Command pipelinectl operates a pipelines deployment: schema migration,
// record inspection, operator actions, submissions, and the maintenance
// loop that recovers lost deliveries and serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdziat/simple-durable-pipelines/internal/bootstrap"
	"github.com/jdziat/simple-durable-pipelines/internal/config"
	"github.com/jdziat/simple-durable-pipelines/internal/logging"
)

type cli struct {
	envFiles []string
	out      io.Writer

	logger *slog.Logger
	closer io.Closer
	app    *bootstrap.App
}

// open loads configuration and connects to the store and queue.
func (c *cli) open(ctx context.Context) (*bootstrap.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load(c.envFiles...)
	if err != nil {
		return nil, err
	}
	c.logger, c.closer, err = logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(c.logger)

	c.app, err = bootstrap.New(ctx, cfg, c.logger)
	if err != nil {
		return nil, err
	}
	return c.app, nil
}

func (c *cli) close() {
	if c.app != nil {
		if err := c.app.Close(); err != nil {
			c.logger.Warn("close failed", "error", err)
		}
		c.app = nil
	}
	if c.closer != nil {
		_ = c.closer.Close()
		c.closer = nil
	}
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate durable jobs and pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			c.close()
		},
	}
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil,
		"dotenv files to load before reading PIPELINES_* variables (default .env)")

	root.AddCommand(
		newMigrateCommand(c),
		newMaintainCommand(c),
		newSubmitCommand(c),
		newJobCommand(c),
		newPipelineCommand(c),
		newStatsCommand(c),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{out: os.Stdout}
	if err := newRootCommand(c).ExecuteContext(ctx); err != nil {
		c.close()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
