package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// DepthReader reports how many deliveries a queue holds. queue.Queue
// implements it.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// StatusCollector is a prometheus.Collector that snapshots record counts at
// scrape time:
//
//	pipelines_jobs{status}
//	pipelines_pipelines{status}
//	pipelines_queue_depth
//
// Every status is reported, zero included, so series never disappear.
type StatusCollector struct {
	store   core.Store
	queue   DepthReader
	timeout time.Duration
	logger  *slog.Logger

	jobs      *prometheus.Desc
	pipelines *prometheus.Desc
	depth     *prometheus.Desc
	up        *prometheus.Desc
}

var _ prometheus.Collector = (*StatusCollector)(nil)

// NewStatusCollector creates a collector over store. A nil queue omits the
// depth gauge.
func NewStatusCollector(store core.Store, queue DepthReader, logger *slog.Logger) *StatusCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusCollector{
		store:   store,
		queue:   queue,
		timeout: 5 * time.Second,
		logger:  logger,
		jobs: prometheus.NewDesc("pipelines_jobs",
			"Job records by status.", []string{"status"}, nil),
		pipelines: prometheus.NewDesc("pipelines_pipelines",
			"Pipeline records by status.", []string{"status"}, nil),
		depth: prometheus.NewDesc("pipelines_queue_depth",
			"Deliveries not yet acknowledged.", nil, nil),
		up: prometheus.NewDesc("pipelines_store_up",
			"Whether the last scrape could read the record store.", nil, nil),
	}
}

// Register adds the collector to registry.
func (c *StatusCollector) Register(registry *prometheus.Registry) error {
	return registry.Register(c)
}

// Describe implements prometheus.Collector.
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.pipelines
	ch <- c.up
	if c.queue != nil {
		ch <- c.depth
	}
}

// Collect implements prometheus.Collector.
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	up := 1.0
	jobs, err := c.store.CountJobsByStatus(ctx, "")
	if err != nil {
		c.logger.Warn("metrics: count jobs failed", "error", err)
		up = 0
	} else {
		for _, s := range core.AllJobStatuses {
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(jobs[s]), string(s))
		}
	}

	pipelines, err := c.store.CountPipelinesByStatus(ctx)
	if err != nil {
		c.logger.Warn("metrics: count pipelines failed", "error", err)
		up = 0
	} else {
		for _, s := range core.AllPipelineStatuses {
			ch <- prometheus.MustNewConstMetric(c.pipelines, prometheus.GaugeValue, float64(pipelines[s]), string(s))
		}
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)

	if c.queue != nil {
		depth, err := c.queue.Depth(ctx)
		if err != nil {
			c.logger.Warn("metrics: queue depth failed", "error", err)
			return
		}
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(depth))
	}
}
