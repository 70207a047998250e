package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes of a single job execution.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	// OutcomeLost means the backend could not record the result; the sweeper
	// will pick the job up again once its lease goes stale.
	OutcomeLost = "lost"
)

// Failure reasons recorded next to a failed execution.
const (
	ReasonHandler   = "handler_error"
	ReasonPermanent = "permanent_error"
	ReasonNoHandler = "no_handler"
	ReasonPanic     = "panic"
	ReasonTimeout   = "timeout"
)

// JobMetrics records engine activity. *Metrics implements it.
type JobMetrics interface {
	JobStarted(jobType string)
	JobFinished(jobType, outcome string, elapsed time.Duration)
	JobFailed(jobType, reason string)
}

type nopMetrics struct{}

func (nopMetrics) JobStarted(string)                         {}
func (nopMetrics) JobFinished(string, string, time.Duration) {}
func (nopMetrics) JobFailed(string, string)                  {}

// Metrics exposes the engine's activity to Prometheus.
type Metrics struct {
	inProgress *prometheus.GaugeVec
	finished   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	failures   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coursepay",
			Subsystem: "jobs",
			Name:      "in_progress",
			Help:      "Jobs currently executing, by type.",
		}, []string{"job_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursepay",
			Subsystem: "jobs",
			Name:      "executions_total",
			Help:      "Job executions by type and outcome.",
		}, []string{"job_type", "outcome"}),
		// Reconciliation jobs wait on the provider; a few seconds is normal.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coursepay",
			Subsystem: "jobs",
			Name:      "execution_duration_seconds",
			Help:      "Job execution time by type.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"job_type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursepay",
			Subsystem: "jobs",
			Name:      "failures_total",
			Help:      "Failed job executions by type and reason.",
		}, []string{"job_type", "reason"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.inProgress, m.finished, m.duration, m.failures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) JobStarted(jobType string) {
	m.inProgress.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobFinished(jobType, outcome string, elapsed time.Duration) {
	m.inProgress.WithLabelValues(jobType).Dec()
	m.finished.WithLabelValues(jobType, outcome).Inc()
	m.duration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func (m *Metrics) JobFailed(jobType, reason string) {
	m.failures.WithLabelValues(jobType, reason).Inc()
}
