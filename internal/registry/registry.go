// Package registry owns the job and campaign records: identity, parameters
// and lifecycle status. Every write is parameter-bound and every status
// change is guarded by the previously read status and row version.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"k8s.io/utils/clock"
)

var (
	// ErrStalePrecondition means the row changed since it was read. The
	// caller must re-read and decide again.
	ErrStalePrecondition = errors.New("stale precondition")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

var (
	jobsTable      = goqu.T("jobs")
	campaignsTable = goqu.T("campaigns")
	summaryView    = goqu.T("task_summary")
)

var jobColumns = []any{
	"job_id", "campaign_id", "stage", "parameters", "variant_key", "status",
	"cluster_ref", "last_cluster_ref", "attempt_count", "rejections", "version",
	"parent_id", "output_path", "last_error",
	"submitted_at", "completed_at", "collected_at", "created_at", "updated_at",
}

// jobNamespace seeds name-based job IDs.
var jobNamespace = uuid.MustParse("6f1c2b9e-4d1a-5c3e-9b7f-2a8e0d4c6b15")

// JobID derives the stable identifier of a variant. Regenerating the same
// variant after a restart yields the same ID.
func JobID(campaign string, stage models.Stage, params models.Params) string {
	name := campaign + "\x00" + string(stage) + "\x00" + params.VariantKey()
	return uuid.NewSHA1(jobNamespace, []byte(name)).String()
}

// Registry is the job and campaign store for all campaigns.
type Registry struct {
	db      store.Adaptor
	dialect goqu.DialectWrapper
	clock   clock.PassiveClock
}

// New creates a Registry on db. A nil clock uses wall time.
func New(db store.Adaptor, clk clock.PassiveClock) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{db: db, dialect: goqu.Dialect(db.Dialect()), clock: clk}
}

func (r *Registry) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func build(b sqlBuilder) (string, []any, error) {
	q, args, err := b.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("%w: build sql: %v", store.ErrQuery, err)
	}
	return q, args, nil
}

func scanJob(rows store.Rows) (*models.Job, error) {
	var j models.Job
	var stage, status, params string
	if err := rows.Scan(&j.JobID, &j.CampaignID, &stage, &params, &j.VariantKey, &status,
		&j.ClusterRef, &j.LastClusterRef, &j.AttemptCount, &j.Rejections, &j.Version,
		&j.ParentID, &j.OutputPath, &j.LastError,
		&j.SubmittedAt, &j.CompletedAt, &j.CollectedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Stage = models.Stage(stage)
	j.Status = models.Status(status)

	p, err := models.DecodeParams(params)
	if err != nil {
		return nil, &models.ValidationError{Campaign: j.CampaignID, JobID: j.JobID, Field: "parameters", Reason: err.Error()}
	}
	j.Parameters = p
	return &j, nil
}

func collectJobs(rows store.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
