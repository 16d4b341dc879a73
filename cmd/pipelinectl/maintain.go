package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/simple-durable-pipelines/pkg/worker"
)

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the record and delivery tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info("schema migrated", "driver", app.Config.Database.Driver, "queue", app.Config.Queue.Backend)
			return nil
		},
	}
}

func newMaintainCommand(c *cli) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run the recovery pass and serve metrics",
		Long: `maintain replaces lost deliveries, fails jobs abandoned by dead workers,
coordinates running pipelines, and purges old deliveries on the
PIPELINES_REAPER_* schedule. With PIPELINES_METRICS_ADDR set it also serves
Prometheus metrics on /metrics. It needs no job bodies, so it can run apart
from the workers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := c.open(ctx)
			if err != nil {
				return err
			}
			rc := app.Config.Reaper
			reaper := worker.NewReaper(app.Engine(), app.Queue, worker.ReaperConfig{
				Enabled:    true,
				Interval:   rc.Interval,
				Grace:      rc.Grace,
				StaleAfter: rc.StaleAfter,
				PurgeAfter: rc.PurgeAfter,
				BatchSize:  100,
			}, nil, c.logger)

			if once {
				report, err := reaper.Reap(ctx)
				if perr := c.print(report); perr != nil {
					return perr
				}
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := reaper.Run(gctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			if addr := app.Config.Metrics.Addr; addr != "" {
				handler, err := app.MetricsHandler()
				if err != nil {
					return err
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", handler)
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

				g.Go(func() error {
					c.logger.Info("serving metrics", "addr", addr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			c.logger.Info("maintenance started", "interval", rc.Interval)
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single recovery pass and print its report")
	return cmd
}
