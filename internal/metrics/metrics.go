// ============================================================================
// Distributed Task Queue — Metrics
// ============================================================================
//
// Package: internal/metrics
// Purpose: Collect and expose queue metrics as an external collaborator:
// RecordJobCompleted(d), RecordJobFailed, GetMetrics(). The core never
// depends on this package's internals, only the call contract — broker and
// worker emit through internal/events, and internal/cli subscribes a
// Collector to the event bus.
//
// RED-style counters/histograms/gauges, each Collector given its own
// prometheus.Registry so that multiple Collectors (one per test, one per
// queue name) can coexist without the MustRegister panic a shared default
// registry would hit.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the point-in-time view returned by GetMetrics.
type Snapshot struct {
	JobsAdded      float64
	JobsCompleted  float64
	JobsFailed     float64
	JobsRetried    float64
	JobsRecovered  float64
	JobsPending    float64
	JobsProcessing float64
	JobsDelayed    float64
}

// Collector accumulates the Prometheus metrics the broker and worker emit
// lifecycle events for. Each Collector owns a private registry so tests and
// multiple named queues can each construct one without colliding on metric
// names in the global default registry.
type Collector struct {
	registry *prometheus.Registry

	jobsAdded     prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRetried   prometheus.Counter
	jobsRecovered prometheus.Counter

	jobDuration prometheus.Histogram

	jobsPending    prometheus.Gauge
	jobsProcessing prometheus.Gauge
	jobsDelayed    prometheus.Gauge
}

// NewCollector builds a Collector with its own registry and registers every
// metric on it.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		jobsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_added_total",
			Help: "Total number of jobs enqueued via AddJob",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs permanently failed",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_retried_total",
			Help: "Total number of jobs scheduled for a retry",
		}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_recovered_total",
			Help: "Total number of stalled jobs reclaimed by CheckStalled",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Time from dequeue to completion, in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_pending",
			Help: "Current size of the pending + priority queues",
		}),
		jobsProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_processing",
			Help: "Current number of leased (in-flight) jobs",
		}),
		jobsDelayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_delayed",
			Help: "Current number of delayed jobs awaiting promotion",
		}),
	}

	registry.MustRegister(
		c.jobsAdded,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsRetried,
		c.jobsRecovered,
		c.jobDuration,
		c.jobsPending,
		c.jobsProcessing,
		c.jobsDelayed,
	)

	return c
}

// RecordJobAdded records one AddJob call.
func (c *Collector) RecordJobAdded() {
	c.jobsAdded.Inc()
}

// RecordJobCompleted records a successful CompleteJob, observing d as the
// job's processing duration.
func (c *Collector) RecordJobCompleted(d time.Duration) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(d.Seconds())
}

// RecordJobFailed records a permanent FailJob (attempts exhausted).
func (c *Collector) RecordJobFailed() {
	c.jobsFailed.Inc()
}

// RecordJobRetried records a FailJob call that scheduled a retry instead of
// failing the job permanently.
func (c *Collector) RecordJobRetried() {
	c.jobsRetried.Inc()
}

// RecordJobsRecovered records a CheckStalled sweep that reclaimed n jobs.
func (c *Collector) RecordJobsRecovered(n int) {
	c.jobsRecovered.Add(float64(n))
}

// SetQueueGauges mirrors a GetStats snapshot into the pending/processing/
// delayed gauges. Nothing in this repository calls it; the gauges stay at
// zero unless the embedding program sets them.
func (c *Collector) SetQueueGauges(pending, processing, delayed int64) {
	c.jobsPending.Set(float64(pending))
	c.jobsProcessing.Set(float64(processing))
	c.jobsDelayed.Set(float64(delayed))
}

// GetMetrics returns a snapshot of every counter and gauge this Collector
// tracks.
func (c *Collector) GetMetrics() Snapshot {
	return Snapshot{
		JobsAdded:      readCounter(c.jobsAdded),
		JobsCompleted:  readCounter(c.jobsCompleted),
		JobsFailed:     readCounter(c.jobsFailed),
		JobsRetried:    readCounter(c.jobsRetried),
		JobsRecovered:  readCounter(c.jobsRecovered),
		JobsPending:    readGauge(c.jobsPending),
		JobsProcessing: readGauge(c.jobsProcessing),
		JobsDelayed:    readGauge(c.jobsDelayed),
	}
}

// Handler returns the promhttp handler bound to this Collector's private
// registry, for mounting at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves this Collector's /metrics endpoint on port, blocking
// until the listener fails.
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

func readGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	_ = g.Write(&m)
	return m.GetGauge().GetValue()
}
