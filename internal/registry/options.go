package registry

import (
	"github.com/doug-martin/goqu/v9"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

type updateParams struct {
	expectedStatus  *models.Status
	expectedVersion *int64

	clusterRef   *string
	resubmission bool
	rejection    *string
	lastError    *string
	clearError   bool
}

// UpdateOption adjusts a status update.
type UpdateOption func(*updateParams)

// WithExpectedStatus makes the update conditional on the current status.
func WithExpectedStatus(s models.Status) UpdateOption {
	return func(p *updateParams) {
		p.expectedStatus = &s
	}
}

// WithExpectedVersion makes the update conditional on the row version.
func WithExpectedVersion(v int64) UpdateOption {
	return func(p *updateParams) {
		p.expectedVersion = &v
	}
}

// WithClusterRef records the backend reference of a new submission.
func WithClusterRef(ref string) UpdateOption {
	return func(p *updateParams) {
		p.clusterRef = &ref
	}
}

// WithResubmission moves the current reference to last_cluster_ref, clears
// it and counts a new attempt.
func WithResubmission() UpdateOption {
	return func(p *updateParams) {
		p.resubmission = true
	}
}

// WithRejection counts a backend refusal and records its reason.
func WithRejection(reason string) UpdateOption {
	return func(p *updateParams) {
		p.rejection = &reason
	}
}

func WithLastError(msg string) UpdateOption {
	return func(p *updateParams) {
		p.lastError = &msg
	}
}

func WithClearError() UpdateOption {
	return func(p *updateParams) {
		p.clearError = true
	}
}

func newUpdateParams(opts []UpdateOption) *updateParams {
	p := &updateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// record renders the SET clause for a from -> to change.
func (p *updateParams) record(from, to models.Status, now any) goqu.Record {
	rec := goqu.Record{
		"status":     string(to),
		"updated_at": now,
		"version":    goqu.L("version + 1"),
	}

	switch {
	case from == models.StatusPending && to == models.StatusSubmitted:
		rec["submitted_at"] = now
	case to == models.StatusCompleted || to == models.StatusFailed || to == models.StatusIncomplete:
		if from != to {
			rec["completed_at"] = now
		}
	case to == models.StatusPending && from != models.StatusPending:
		rec["submitted_at"] = nil
		rec["completed_at"] = nil
	}

	if p.resubmission {
		rec["last_cluster_ref"] = goqu.I("cluster_ref")
		rec["cluster_ref"] = nil
		rec["attempt_count"] = goqu.L("attempt_count + 1")
		rec["rejections"] = 0
	}
	if p.clusterRef != nil {
		rec["cluster_ref"] = *p.clusterRef
	}
	if p.rejection != nil {
		rec["rejections"] = goqu.L("rejections + 1")
		rec["last_error"] = *p.rejection
	}
	if p.lastError != nil {
		rec["last_error"] = *p.lastError
	}
	if p.clearError {
		rec["last_error"] = nil
	}
	return rec
}

var validTransitions = map[models.Status][]models.Status{
	models.StatusPending:    {models.StatusSubmitted, models.StatusFailed},
	models.StatusSubmitted:  {models.StatusRunning, models.StatusCompleted, models.StatusFailed, models.StatusIncomplete, models.StatusPending},
	models.StatusRunning:    {models.StatusSubmitted, models.StatusCompleted, models.StatusFailed, models.StatusIncomplete, models.StatusPending},
	models.StatusFailed:     {models.StatusPending},
	models.StatusIncomplete: {models.StatusPending},
}

// ValidTransition reports whether a job may move from one status to
// another. Staying in the same status is a field-only update.
func ValidTransition(from, to models.Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
