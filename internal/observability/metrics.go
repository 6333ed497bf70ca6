// Package observability wires the Prometheus counters/histograms and the
// OTel tracer the worker runtime uses to instrument job execution. The
// metric set is grounded on Geocoder89-event-hub's
// internal/observability/prom.go (job-metrics section: JobDuration,
// JobResults, JobsInFlight) using the real client_golang library directly,
// rather than the teacher's hand-rolled exposition format — none of the
// teacher's own metric names (API/LLM/learning-pipeline specific) apply to
// this domain, and client_golang is already a direct dependency elsewhere
// in the pack.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters and histograms the worker runtime updates at
// each job state transition. A nil *Metrics is valid everywhere it is
// used — every method is a no-op on a nil receiver, so instrumentation is
// optional wiring, not a hard dependency of the worker runtime.
type Metrics struct {
	ClaimedTotal   *prometheus.CounterVec
	CompletedTotal *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	TimedOutTotal  *prometheus.CounterVec
	ClaimDuration  prometheus.Histogram
	ExecDuration   *prometheus.HistogramVec
	JobsInFlight   prometheus.Gauge
}

// NewMetrics constructs and registers the worker metric set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "marketjobs", Subsystem: "worker", Name: "jobs_claimed_total", Help: "Jobs claimed, by kind."},
			[]string{"kind"},
		),
		CompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "marketjobs", Subsystem: "worker", Name: "jobs_completed_total", Help: "Jobs completed, by kind."},
			[]string{"kind"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "marketjobs", Subsystem: "worker", Name: "jobs_failed_total", Help: "Job executions that ended in failure, by kind."},
			[]string{"kind"},
		),
		TimedOutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "marketjobs", Subsystem: "worker", Name: "jobs_timed_out_total", Help: "Jobs forcibly timed out, by kind."},
			[]string{"kind"},
		),
		ClaimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "marketjobs", Subsystem: "worker", Name: "claim_duration_seconds",
				Help:    "Latency of a single Claim backend call.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),
		ExecDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "marketjobs", Subsystem: "worker", Name: "job_execution_seconds",
				Help:    "Job execution duration by kind and outcome.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind", "outcome"},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "marketjobs", Subsystem: "worker", Name: "jobs_in_flight", Help: "Jobs currently executing on this worker process."},
		),
	}
	reg.MustRegister(m.ClaimedTotal, m.CompletedTotal, m.FailedTotal, m.TimedOutTotal, m.ClaimDuration, m.ExecDuration, m.JobsInFlight)
	return m
}

func (m *Metrics) ObserveClaim(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ClaimedTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveClaimDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ClaimDuration.Observe(seconds)
}

func (m *Metrics) ObserveOutcome(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	switch outcome {
	case "completed":
		m.CompletedTotal.WithLabelValues(kind).Inc()
	case "failed":
		m.FailedTotal.WithLabelValues(kind).Inc()
	case "timed_out":
		m.TimedOutTotal.WithLabelValues(kind).Inc()
	}
	m.ExecDuration.WithLabelValues(kind, outcome).Observe(seconds)
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
}
