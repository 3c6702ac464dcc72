package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

var campaignColumns = []any{
	"name", "workspace_path", "backend", "active_stage", "config_snapshot", "created_at", "completed_at",
}

// CreateCampaign stores a new campaign. Returns store.ErrDuplicateKey if
// the name is taken.
func (r *Registry) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if !store.ValidIdentifier(c.Name) {
		return &models.ValidationError{Campaign: c.Name, Field: "name",
			Reason: "must be lower-case letters, digits and underscores, starting with a letter"}
	}
	if c.ActiveStage == "" {
		c.ActiveStage = models.StagePreprocess
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}

	q, args, err := build(r.dialect.Insert(campaignsTable).Prepared(true).
		Rows(goqu.Record{
			"name":            c.Name,
			"workspace_path":  c.WorkspacePath,
			"backend":         c.Backend,
			"active_stage":    string(c.ActiveStage),
			"config_snapshot": c.ConfigSnapshot,
			"created_at":      c.CreatedAt,
		}))
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, q, args...); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// GetCampaign returns the named campaign, or store.ErrNotFound.
func (r *Registry) GetCampaign(ctx context.Context, name string) (*models.Campaign, error) {
	q, args, err := build(r.dialect.From(campaignsTable).Prepared(true).
		Select(campaignColumns...).
		Where(goqu.Ex{"name": name}))
	if err != nil {
		return nil, err
	}

	var c models.Campaign
	var stage string
	err = store.QueryRow(ctx, r.db, q, args,
		&c.Name, &c.WorkspacePath, &c.Backend, &stage, &c.ConfigSnapshot, &c.CreatedAt, &c.CompletedAt)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	c.ActiveStage = models.Stage(stage)
	return &c, nil
}

// ListCampaigns returns every campaign, newest first.
func (r *Registry) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	q, args, err := build(r.dialect.From(campaignsTable).Prepared(true).
		Select(campaignColumns...).
		Order(goqu.C("created_at").Desc()))
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		var c models.Campaign
		var stage string
		if err := rows.Scan(&c.Name, &c.WorkspacePath, &c.Backend, &stage, &c.ConfigSnapshot,
			&c.CreatedAt, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		c.ActiveStage = models.Stage(stage)
		campaigns = append(campaigns, &c)
	}
	return campaigns, rows.Err()
}

// AdvanceStage moves the campaign's active stage from one stage to the
// next. Returns false if another pass already moved it.
func (r *Registry) AdvanceStage(ctx context.Context, name string, from, to models.Stage) (bool, error) {
	q, args, err := build(r.dialect.Update(campaignsTable).Prepared(true).
		Set(goqu.Record{"active_stage": string(to)}).
		Where(goqu.Ex{"name": name, "active_stage": string(from)}))
	if err != nil {
		return false, err
	}
	n, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("advance stage: %w", err)
	}
	return n == 1, nil
}

// MarkCampaignCompleted stamps completed_at once.
func (r *Registry) MarkCampaignCompleted(ctx context.Context, name string) error {
	q, args, err := build(r.dialect.Update(campaignsTable).Prepared(true).
		Set(goqu.Record{"completed_at": r.now()}).
		Where(goqu.Ex{"name": name, "completed_at": nil}))
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("mark campaign completed: %w", err)
	}
	return nil
}

// DeleteCampaign removes a campaign and all of its jobs in one
// transaction and returns the number of jobs removed.
func (r *Registry) DeleteCampaign(ctx context.Context, name string) (int, error) {
	delJobs, jobArgs, err := build(r.dialect.Delete(jobsTable).Prepared(true).
		Where(goqu.Ex{"campaign_id": name}))
	if err != nil {
		return 0, err
	}
	delCampaign, campArgs, err := build(r.dialect.Delete(campaignsTable).Prepared(true).
		Where(goqu.Ex{"name": name}))
	if err != nil {
		return 0, err
	}

	var jobs int64
	err = r.db.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if jobs, err = tx.Exec(ctx, delJobs, jobArgs...); err != nil {
			return err
		}
		n, err := tx.Exec(ctx, delCampaign, campArgs...)
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("delete campaign: %w", err)
	}
	return int(jobs), nil
}

// TaskSummary returns the per-status job count of one campaign stage.
// Every status is present in the result, zero when no job has it.
func (r *Registry) TaskSummary(ctx context.Context, campaign string, stage models.Stage) (models.TaskSummary, error) {
	summary := models.TaskSummary{Campaign: campaign, Stage: stage, Counts: make(map[models.Status]int, len(models.Statuses))}
	for _, s := range models.Statuses {
		summary.Counts[s] = 0
	}

	q, args, err := build(r.dialect.From(summaryView).Prepared(true).
		Select("status", "job_count").
		Where(goqu.Ex{"campaign_id": campaign, "stage": string(stage)}))
	if err != nil {
		return summary, err
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return summary, fmt.Errorf("task summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan task summary: %w", err)
		}
		summary.Counts[models.Status(status)] = count
	}
	return summary, rows.Err()
}
