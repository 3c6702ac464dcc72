package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// InsertJobs adds new PENDING jobs to campaign in one transaction and
// returns how many rows were actually created. A variant that already
// exists is skipped, so re-running generation is a no-op.
func (r *Registry) InsertJobs(ctx context.Context, campaign string, jobs []*models.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	now := r.now()
	argSets := make([][]any, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))

	for _, j := range jobs {
		if err := r.prepareNewJob(campaign, j); err != nil {
			return 0, err
		}
		if seen[j.JobID] {
			continue
		}
		seen[j.JobID] = true

		params, err := j.Parameters.Encode()
		if err != nil {
			return 0, &models.ValidationError{Campaign: campaign, JobID: j.JobID, Field: "parameters", Reason: err.Error()}
		}
		var parent any
		if j.ParentID != nil {
			parent = *j.ParentID
		}
		argSets = append(argSets, []any{j.JobID, campaign, string(j.Stage), params, j.VariantKey,
			string(j.Status), 0, 0, int64(1), parent, j.OutputPath, now, now})
	}

	// One statement for every row: the placeholder sample keeps goqu from
	// inlining NULL for rows without a parent.
	sample := make(goqu.Vals, len(insertJobCols))
	for i := range sample {
		sample[i] = ""
	}
	query, _, err := build(r.dialect.Insert(jobsTable).Prepared(true).
		Cols(insertJobCols...).
		Vals(sample).
		OnConflict(goqu.DoNothing()))
	if err != nil {
		return 0, err
	}

	n, err := r.db.ExecuteMany(ctx, query, argSets)
	if err != nil {
		return 0, fmt.Errorf("insert jobs: %w", err)
	}
	return int(n), nil
}

var insertJobCols = []any{
	"job_id", "campaign_id", "stage", "parameters", "variant_key", "status",
	"attempt_count", "rejections", "version", "parent_id", "output_path",
	"created_at", "updated_at",
}

func (r *Registry) prepareNewJob(campaign string, j *models.Job) error {
	if j.CampaignID != "" && j.CampaignID != campaign {
		return &models.ValidationError{Campaign: campaign, JobID: j.JobID, Field: "campaign_id",
			Reason: fmt.Sprintf("job belongs to %q", j.CampaignID)}
	}
	if _, err := models.ParseStage(string(j.Stage)); err != nil {
		return &models.ValidationError{Campaign: campaign, JobID: j.JobID, Field: "stage", Reason: err.Error()}
	}
	if err := j.Parameters.Validate(); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			ve.Campaign, ve.JobID = campaign, j.JobID
		}
		return err
	}
	if j.OutputPath == "" {
		return &models.ValidationError{Campaign: campaign, JobID: j.JobID, Field: "output_path", Reason: "required"}
	}

	expected := JobID(campaign, j.Stage, j.Parameters)
	if j.JobID == "" {
		j.JobID = expected
	} else if j.JobID != expected {
		return &models.ValidationError{Campaign: campaign, JobID: j.JobID, Field: "job_id",
			Reason: "does not match the variant parameters"}
	}

	j.CampaignID = campaign
	j.VariantKey = j.Parameters.VariantKey()
	j.Status = models.StatusPending
	j.Version = 1
	return nil
}

// GetJob returns a single job, or store.ErrNotFound.
func (r *Registry) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	q, args, err := build(r.dialect.From(jobsTable).Prepared(true).
		Select(jobColumns...).
		Where(goqu.Ex{"job_id": jobID}))
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, store.ErrNotFound
	}
	return jobs[0], nil
}

// GetJobs returns the jobs among ids that exist, in no particular order.
func (r *Registry) GetJobs(ctx context.Context, ids []string) ([]*models.Job, error) {
	if len(ids) == 0 {
		return []*models.Job{}, nil
	}
	q, args, err := build(r.dialect.From(jobsTable).Prepared(true).
		Select(jobColumns...).
		Where(goqu.C("job_id").In(ids)))
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get jobs: %w", err)
	}
	return collectJobs(rows)
}

// QueryByStatus returns the jobs of a campaign stage in any of statuses,
// oldest first. With no statuses every job of the stage is returned.
func (r *Registry) QueryByStatus(ctx context.Context, campaign string, stage models.Stage, statuses ...models.Status) ([]*models.Job, error) {
	return r.queryJobs(ctx, campaign, stage, 0, statuses)
}

// QueryByStatusLimit is QueryByStatus capped at limit rows.
func (r *Registry) QueryByStatusLimit(ctx context.Context, campaign string, stage models.Stage, limit int, statuses ...models.Status) ([]*models.Job, error) {
	return r.queryJobs(ctx, campaign, stage, limit, statuses)
}

func (r *Registry) queryJobs(ctx context.Context, campaign string, stage models.Stage, limit int, statuses []models.Status) ([]*models.Job, error) {
	where := goqu.Ex{"campaign_id": campaign, "stage": string(stage)}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		where["status"] = names
	}

	ds := r.dialect.From(jobsTable).Prepared(true).
		Select(jobColumns...).
		Where(where).
		Order(goqu.C("created_at").Asc(), goqu.C("job_id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	q, args, err := build(ds)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// JobFilter selects a page of jobs for listing.
type JobFilter struct {
	Campaign string
	Stage    models.Stage
	Status   models.Status
	Page     int
	Limit    int
}

// ListJobs returns one page of jobs plus the total match count.
func (r *Registry) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	where := goqu.Ex{"campaign_id": filter.Campaign}
	if filter.Stage != "" {
		where["stage"] = string(filter.Stage)
	}
	if filter.Status != "" {
		where["status"] = string(filter.Status)
	}

	countSQL, countArgs, err := build(r.dialect.From(jobsTable).Prepared(true).
		Select(goqu.COUNT("*")).Where(where))
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := store.QueryRow(ctx, r.db, countSQL, countArgs, &total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	q, args, err := build(r.dialect.From(jobsTable).Prepared(true).
		Select(jobColumns...).
		Where(where).
		Order(goqu.C("created_at").Asc(), goqu.C("job_id").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)))
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// UpdateStatus moves one job to status to. It returns false if jobID is
// unknown, ErrStalePrecondition if the expected status or version no longer
// match, and ErrInvalidTransition for a move the lifecycle forbids.
// Without WithExpectedStatus/WithExpectedVersion the current row is read
// inside the same transaction and used as the precondition.
func (r *Registry) UpdateStatus(ctx context.Context, jobID string, to models.Status, opts ...UpdateOption) (bool, error) {
	p := newUpdateParams(opts)
	found := true

	err := r.db.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := r.readState(ctx, tx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}

		from, version := cur.status, cur.version
		if p.expectedStatus != nil && *p.expectedStatus != from {
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrStalePrecondition, jobID, from, *p.expectedStatus)
		}
		if p.expectedVersion != nil && *p.expectedVersion != version {
			return fmt.Errorf("%w: job %s is at version %d, expected %d", ErrStalePrecondition, jobID, version, *p.expectedVersion)
		}

		applied, err := r.applyUpdate(ctx, tx, StatusUpdate{JobID: jobID, From: from, Version: version, To: to}, p)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("%w: job %s changed concurrently", ErrStalePrecondition, jobID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// StatusUpdate is one guarded change inside UpdateBatch.
type StatusUpdate struct {
	JobID   string
	From    models.Status
	Version int64
	To      models.Status
	Options []UpdateOption
}

// BatchResult reports the outcome of every update in a batch.
type BatchResult struct {
	Applied []string
	// Stale are jobs whose row changed since it was read. Re-read them.
	Stale []string
	// Unknown are job IDs with no row.
	Unknown []string
	// Invalid are updates the lifecycle forbids.
	Invalid map[string]error
}

// UpdateBatch applies updates in one transaction. Precondition misses do
// not abort the batch; they are reported in the result. Any store error
// rolls the whole batch back.
func (r *Registry) UpdateBatch(ctx context.Context, updates []StatusUpdate) (BatchResult, error) {
	var res BatchResult
	if len(updates) == 0 {
		return res, nil
	}

	err := r.db.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = BatchResult{Invalid: map[string]error{}}
		for _, u := range updates {
			applied, err := r.applyUpdate(ctx, tx, u, newUpdateParams(u.Options))
			if errors.Is(err, ErrInvalidTransition) {
				res.Invalid[u.JobID] = err
				continue
			}
			if err != nil {
				return err
			}
			if applied {
				res.Applied = append(res.Applied, u.JobID)
				continue
			}

			if _, err := r.readState(ctx, tx, u.JobID); errors.Is(err, store.ErrNotFound) {
				res.Unknown = append(res.Unknown, u.JobID)
			} else if err != nil {
				return err
			} else {
				res.Stale = append(res.Stale, u.JobID)
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("update batch: %w", err)
	}
	return res, nil
}

type jobState struct {
	status  models.Status
	version int64
}

func (r *Registry) readState(ctx context.Context, q store.Querier, jobID string) (jobState, error) {
	sel, args, err := build(r.dialect.From(jobsTable).Prepared(true).
		Select("status", "version").
		Where(goqu.Ex{"job_id": jobID}))
	if err != nil {
		return jobState{}, err
	}
	var status string
	var st jobState
	if err := store.QueryRow(ctx, q, sel, args, &status, &st.version); err != nil {
		return jobState{}, err
	}
	st.status = models.Status(status)
	return st, nil
}

func (r *Registry) applyUpdate(ctx context.Context, tx store.Tx, u StatusUpdate, p *updateParams) (bool, error) {
	if !ValidTransition(u.From, u.To) {
		return false, fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, u.JobID, u.From, u.To)
	}

	q, args, err := build(r.dialect.Update(jobsTable).Prepared(true).
		Set(p.record(u.From, u.To, r.now())).
		Where(goqu.Ex{"job_id": u.JobID, "status": string(u.From), "version": u.Version}))
	if err != nil {
		return false, err
	}
	n, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteJobs removes every job of a campaign. It is an explicit
// administrative action; nothing calls it implicitly.
func (r *Registry) DeleteJobs(ctx context.Context, campaign string) (int, error) {
	q, args, err := build(r.dialect.Delete(jobsTable).Prepared(true).
		Where(goqu.Ex{"campaign_id": campaign}))
	if err != nil {
		return 0, err
	}
	n, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(n), nil
}

// MarkCollected stamps collected_at on COMPLETED jobs that have not been
// collected yet. q may be an open transaction so the stamp commits with the
// collected rows.
func (r *Registry) MarkCollected(ctx context.Context, q store.Querier, jobIDs []string) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	now := r.now()
	stmt, args, err := build(r.dialect.Update(jobsTable).Prepared(true).
		Set(goqu.Record{
			"collected_at": now,
			"updated_at":   now,
			"version":      goqu.L("version + 1"),
		}).
		Where(
			goqu.C("job_id").In(jobIDs),
			goqu.Ex{"status": string(models.StatusCompleted), "collected_at": nil},
		))
	if err != nil {
		return 0, err
	}
	n, err := q.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("mark collected: %w", err)
	}
	return int(n), nil
}

// Dialect returns the SQL builder the registry renders statements with.
func (r *Registry) Dialect() goqu.DialectWrapper { return r.dialect }

// DB returns the store the registry writes to.
func (r *Registry) DB() store.Adaptor { return r.db }

// QueryUncollected returns COMPLETED jobs of a stage whose results have not
// been collected, oldest first, capped at limit rows when limit > 0.
func (r *Registry) QueryUncollected(ctx context.Context, campaign string, stage models.Stage, limit int) ([]*models.Job, error) {
	ds := r.dialect.From(jobsTable).Prepared(true).
		Select(jobColumns...).
		Where(goqu.Ex{
			"campaign_id":  campaign,
			"stage":        string(stage),
			"status":       string(models.StatusCompleted),
			"collected_at": nil,
		}).
		Order(goqu.C("created_at").Asc(), goqu.C("job_id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	q, args, err := build(ds)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query uncollected jobs: %w", err)
	}
	return collectJobs(rows)
}
