package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scheduler's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	jobsEnqueued  prometheus.Counter
	jobsRejected  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	minutesBilled prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	inFlight      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it with reg
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperq_jobs_enqueued_total",
			Help: "Total number of jobs admitted to the queue",
		}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperq_jobs_rejected_total",
			Help: "Total number of submissions rejected at admission",
		}, []string{"reason"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperq_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{"strategy"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperq_jobs_failed_total",
			Help: "Total number of jobs failed",
		}, []string{"strategy"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whisperq_callbacks_total",
			Help: "Remote completion callbacks by outcome",
		}, []string{"outcome"}),
		minutesBilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whisperq_minutes_billed_total",
			Help: "Total billable minutes recorded in the usage ledger",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whisperq_job_duration_seconds",
			Help:    "Wall-clock time from claim to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"strategy"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whisperq_queue_depth",
			Help: "Current number of queued jobs",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whisperq_jobs_in_flight",
			Help: "Current number of jobs being executed",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsRejected, c.jobsCompleted, c.jobsFailed, c.callbacks,
		c.minutesBilled, c.jobDuration, c.queueDepth, c.inFlight,
	)
	return c
}

// RecordEnqueue counts an admitted job
func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

// RecordRejected counts an admission rejection
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.jobsRejected.WithLabelValues(reason).Inc()
}

// RecordCompleted counts a completed job and observes how long it ran
func (c *Collector) RecordCompleted(strategy string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(strategy).Inc()
	c.jobDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// RecordFailed counts a failed job
func (c *Collector) RecordFailed(strategy string) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(strategy).Inc()
}

// RecordCallback counts a remote callback by outcome (applied, ignored, invalid)
func (c *Collector) RecordCallback(outcome string) {
	if c == nil {
		return
	}
	c.callbacks.WithLabelValues(outcome).Inc()
}

// RecordMinutes adds billed minutes
func (c *Collector) RecordMinutes(minutes int) {
	if c == nil {
		return
	}
	c.minutesBilled.Add(float64(minutes))
}

// SetQueueDepth updates the queued-jobs gauge
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// AddInFlight moves the in-flight gauge by delta
func (c *Collector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.inFlight.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
