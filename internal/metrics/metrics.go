// Package metrics holds the Prometheus instruments of the tracker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "simcamp_"

// Metrics records pass and backend activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	jobsSubmitted     *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	backendErrors     *prometheus.CounterVec
	passDuration      prometheus.Histogram
	passes            *prometheus.CounterVec
	stalePrecondition prometheus.Counter
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "jobs_submitted_total",
			Help: "Jobs accepted by a cluster backend",
		}, []string{"backend"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "submission_rejections_total",
			Help: "Jobs refused by a cluster backend",
		}, []string{"backend"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "status_transitions_total",
			Help: "Job status changes written to the registry",
		}, []string{"from", "to"}),
		backendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "backend_errors_total",
			Help: "Failed backend calls after retries",
		}, []string{"backend", "op"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "pass_duration_seconds",
			Help:    "Wall time of one controller pass",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "passes_total",
			Help: "Controller passes by outcome",
		}, []string{"outcome"}),
		stalePrecondition: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "stale_precondition_total",
			Help: "Registry updates lost to a concurrent writer",
		}),
	}
}

func (m *Metrics) RecordSubmitted(backend string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobsSubmitted.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) RecordRejected(backend string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rejections.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordBackendError(backend, op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(backend, op).Inc()
}

// RecordPass observes one finished pass. outcome is ok, deferred or error.
func (m *Metrics) RecordPass(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.passDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordStale(n int) {
	if m == nil || n == 0 {
		return
	}
	m.stalePrecondition.Add(float64(n))
}
