// Package metrics implements pressplay's Prometheus instrumentation,
// grounded directly on the teacher's internal/metrics/metrics.go: the same
// counter/gauge/histogram shape, renamed to this domain's job lifecycle and
// compression counters.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pressplay/automation/pkg/types"
)

// Collector owns its own prometheus.Registry rather than the global
// DefaultRegisterer the teacher's MustRegister calls use, so that
// constructing more than one Collector (as tests do) never panics on a
// duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued    prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobsSkipped     prometheus.Counter
	filesCompressed prometheus.Counter
	bytesSaved      prometheus.Counter

	jobDuration prometheus.Histogram

	schedulerState prometheus.Gauge
	queueDepth     prometheus.Gauge
	backoffUntil   prometheus.Gauge
}

// NewCollector builds and registers every metric.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.jobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressplay_jobs_enqueued_total",
		Help: "Total automation jobs enqueued by the scheduler.",
	})
	c.jobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressplay_jobs_completed_total",
		Help: "Total automation jobs that finished successfully.",
	})
	c.jobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressplay_jobs_failed_total",
		Help: "Total automation jobs that failed or were cancelled.",
	})
	c.jobsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressplay_jobs_skipped_total",
		Help: "Total automation jobs skipped (e.g. preconditions failed before compression started).",
	})
	c.filesCompressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressplay_files_compressed_total",
		Help: "Total files successfully compressed across all operations.",
	})
	c.bytesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pressplay_bytes_saved_total",
		Help: "Total bytes saved by transparent compression across all operations.",
	})
	c.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pressplay_job_duration_seconds",
		Help:    "Duration of one compress_folder job, end to end.",
		Buckets: prometheus.DefBuckets,
	})
	c.schedulerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pressplay_scheduler_state",
		Help: "Current scheduler state as an ordinal (see schedulerStateOrdinal).",
	})
	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pressplay_queue_depth",
		Help: "Current number of pending jobs in the scheduler's queue.",
	})
	c.backoffUntil = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pressplay_backoff_until_unixseconds",
		Help: "Unix timestamp the scheduler's backoff will clear, or 0 if not backing off.",
	})

	c.registry.MustRegister(
		c.jobsEnqueued, c.jobsCompleted, c.jobsFailed, c.jobsSkipped,
		c.filesCompressed, c.bytesSaved, c.jobDuration,
		c.schedulerState, c.queueDepth, c.backoffUntil,
	)
	return c
}

func (c *Collector) RecordEnqueued()       { c.jobsEnqueued.Inc() }
func (c *Collector) RecordSkipped()        { c.jobsSkipped.Inc() }
func (c *Collector) RecordFilesCompressed(n int64) { c.filesCompressed.Add(float64(n)) }
func (c *Collector) RecordBytesSaved(n int64)      { c.bytesSaved.Add(float64(n)) }

// RecordCompleted records a successful job and its end-to-end duration.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed records a failed (including cancelled) job and its duration.
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// SetSchedulerState publishes the scheduler's current state as a gauge.
func (c *Collector) SetSchedulerState(s types.SchedulerState) {
	c.schedulerState.Set(schedulerStateOrdinal(s))
}

// SetQueueDepth publishes the current pending-queue length.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetBackoffUntil publishes the backoff deadline as a unix timestamp, or 0
// when the scheduler isn't backing off.
func (c *Collector) SetBackoffUntil(unixSeconds int64) {
	c.backoffUntil.Set(float64(unixSeconds))
}

func schedulerStateOrdinal(s types.SchedulerState) float64 {
	switch s {
	case types.StateWaitingForEvents:
		return 0
	case types.StateWaitingForSettle:
		return 1
	case types.StateWaitingForIdle:
		return 2
	case types.StateSafetyCheck:
		return 3
	case types.StateCompressing:
		return 4
	case types.StatePaused:
		return 5
	case types.StateBackoff:
		return 6
	default:
		return -1
	}
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP server on port until ctx is cancelled. Unlike
// the teacher's StartServer (a bare http.Handle on the global DefaultServeMux
// plus a blocking ListenAndServe), this owns its own mux and http.Server so
// it can be shut down cleanly alongside the rest of pressplay's components
// on the same signal-triggered shutdown path.
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
