package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSubmitted("htcondor", 4)
	m.RecordRejected("htcondor", 1)
	m.RecordTransition("SUBMITTED", "COMPLETED")
	m.RecordTransition("RUNNING", "RUNNING")
	m.RecordBackendError("slurm", "poll")
	m.RecordPass("deferred", 2*time.Second)
	m.RecordStale(3)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.jobsSubmitted.WithLabelValues("htcondor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("htcondor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("SUBMITTED", "COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.transitions.WithLabelValues("RUNNING", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendErrors.WithLabelValues("slurm", "poll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("deferred")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stalePrecondition))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSubmitted("mock", 1)
		m.RecordRejected("mock", 1)
		m.RecordTransition("PENDING", "SUBMITTED")
		m.RecordBackendError("mock", "submit")
		m.RecordPass("ok", time.Second)
		m.RecordStale(1)
	})
}
