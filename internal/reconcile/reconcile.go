// Package reconcile merges a job's registry record, the scheduler's live
// status and the output found on disk into one authoritative status.
// It performs no I/O.
package reconcile

import (
	"time"

	"github.com/kiranshivaraju/simcamp/pkg/models"
	"k8s.io/utils/clock"
)

// Decision is the outcome for one job. To equals the current status when
// nothing changes.
type Decision struct {
	JobID  string
	From   models.Status
	To     models.Status
	Reason string
}

// Changed reports whether the decision moves the job.
func (d Decision) Changed() bool { return d.From != d.To }

// Engine applies the precedence rules with a fixed staleness threshold.
type Engine struct {
	staleness time.Duration
	clock     clock.PassiveClock
}

// New creates an Engine. A nil clock uses wall time.
func New(staleness time.Duration, clk clock.PassiveClock) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{staleness: staleness, clock: clk}
}

// Decide returns the new status of an in-flight job. Jobs that are not
// SUBMITTED or RUNNING are returned unchanged.
//
// Highest precedence first: valid output on disk, scheduler FAILED,
// scheduler DONE without valid output, RUNNING or QUEUED, and finally
// UNKNOWN past the staleness threshold.
func (e *Engine) Decide(job *models.Job, live models.LiveStatus, ev models.Evidence) Decision {
	d := Decision{JobID: job.JobID, From: job.Status, To: job.Status}
	if !job.Status.InFlight() {
		return d
	}

	switch {
	case ev.Valid:
		d.To, d.Reason = models.StatusCompleted, "valid output"
	case live == models.LiveFailed:
		d.To, d.Reason = models.StatusFailed, "scheduler reports failure"
	case live == models.LiveDone:
		d.To, d.Reason = models.StatusIncomplete, "finished without valid output"
		if ev.Reason != "" {
			d.Reason += ": " + ev.Reason
		}
	case live == models.LiveRunning:
		d.To, d.Reason = models.StatusRunning, "running"
	case live == models.LiveQueued:
		d.To, d.Reason = models.StatusSubmitted, "queued"
	default:
		if e.stale(job) {
			d.To, d.Reason = models.StatusIncomplete, "unknown to scheduler past staleness threshold"
		} else {
			d.Reason = "unknown to scheduler"
		}
	}
	return d
}

// stale reports whether the job was submitted longer ago than the
// threshold. A job with no submission time is never stale.
func (e *Engine) stale(job *models.Job) bool {
	if job.SubmittedAt == nil {
		return false
	}
	return e.clock.Since(*job.SubmittedAt) > e.staleness
}
