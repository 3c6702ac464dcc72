package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Selection picks the jobs an operator action applies to. JobIDs wins
// over Status; Stage defaults to the active stage.
type Selection struct {
	JobIDs []string
	Status models.Status
	Stage  models.Stage
}

// ActionReport is the outcome of an operator action.
type ActionReport struct {
	Matched   int               `json:"matched"`
	Applied   int               `json:"applied"`
	Cancelled int               `json:"cancelled"`
	Skipped   map[string]string `json:"skipped,omitempty"`
}

func (r *ActionReport) skip(jobID, why string) {
	if r.Skipped == nil {
		r.Skipped = map[string]string{}
	}
	r.Skipped[jobID] = why
}

// ForceResubmit resets the selected jobs to PENDING regardless of the
// attempt ceiling. In-flight jobs are cancelled at the backend first.
// COMPLETED jobs are never reset.
func (c *Controller) ForceResubmit(ctx context.Context, name string, sel Selection) (*ActionReport, error) {
	camp, jobs, err := c.selectJobs(ctx, name, sel)
	if err != nil {
		return nil, err
	}
	disp, err := c.dispatcher(camp.Backend)
	if err != nil {
		return nil, err
	}

	report := &ActionReport{Matched: len(jobs)}
	var reset []*models.Job
	for _, j := range jobs {
		switch {
		case j.Status == models.StatusCompleted:
			report.skip(j.JobID, "job is COMPLETED")
		case j.Status == models.StatusPending:
			report.skip(j.JobID, "job is already PENDING")
		default:
			reset = append(reset, j)
		}
	}

	for _, batch := range chunks(reset, c.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := c.resubmit(ctx, disp, batch, "forced resubmission")
		if err != nil {
			return report, err
		}
		report.Applied += n
	}
	slog.Info("jobs force-resubmitted", "campaign", name, "matched", report.Matched, "reset", report.Applied)
	return report, nil
}

// Cancel removes the selected in-flight jobs from the backend and marks
// them FAILED with CancelledReason. They stay FAILED until an operator
// resubmits them.
func (c *Controller) Cancel(ctx context.Context, name string, sel Selection) (*ActionReport, error) {
	camp, jobs, err := c.selectJobs(ctx, name, sel)
	if err != nil {
		return nil, err
	}
	disp, err := c.dispatcher(camp.Backend)
	if err != nil {
		return nil, err
	}

	report := &ActionReport{Matched: len(jobs)}
	var targets []*models.Job
	for _, j := range jobs {
		if j.Status.InFlight() || j.Status == models.StatusPending {
			targets = append(targets, j)
		} else {
			report.skip(j.JobID, fmt.Sprintf("job is %s", j.Status))
		}
	}

	for _, batch := range chunks(targets, c.cfg.BatchSize) {
		var refs []string
		updates := make([]registry.StatusUpdate, 0, len(batch))
		for _, j := range batch {
			if ref := j.Ref(); ref != "" {
				refs = append(refs, ref)
			}
			updates = append(updates, registry.StatusUpdate{
				JobID: j.JobID, From: j.Status, Version: j.Version, To: models.StatusFailed,
				Options: []registry.UpdateOption{registry.WithLastError(CancelledReason)},
			})
		}
		report.Cancelled += c.cancelRefs(ctx, disp, name, CancelledReason, refs)

		br, err := c.reg.UpdateBatch(ctx, updates)
		if err != nil {
			return report, err
		}
		c.record(name, batch[0].Stage, updates, br)
		report.Applied += len(br.Applied)
		for _, id := range br.Stale {
			report.skip(id, "job changed concurrently")
		}
	}
	slog.Info("jobs cancelled", "campaign", name, "matched", report.Matched, "cancelled", report.Applied)
	return report, nil
}

// Purge deletes a campaign, its jobs and its results table. In-flight
// jobs are cancelled at the backend first, best effort. The results table
// is dropped only once the registry rows are gone.
func (c *Controller) Purge(ctx context.Context, name string) (int, error) {
	camp, def, err := c.load(ctx, name)
	if err != nil {
		return 0, err
	}

	if disp, err := c.dispatcher(camp.Backend); err == nil {
		var refs []string
		for _, stage := range models.Stages {
			jobs, err := c.reg.QueryByStatus(ctx, name, stage, models.StatusSubmitted, models.StatusRunning)
			if err != nil {
				return 0, err
			}
			for _, j := range jobs {
				if ref := j.Ref(); ref != "" {
					refs = append(refs, ref)
				}
			}
		}
		c.cancelRefs(ctx, disp, name, "purge", refs)
	} else {
		slog.Warn("no backend for purge, in-flight jobs not cancelled", "campaign", name, "error", err)
	}

	n, err := c.reg.DeleteCampaign(ctx, name)
	if err != nil {
		return 0, err
	}
	if def.Results != nil {
		if err := c.reg.DB().DropTable(ctx, def.ResultsTable()); err != nil {
			slog.Error("results table left behind", "campaign", name, "table", def.ResultsTable(), "error", err)
			return n, fmt.Errorf("drop results table %s: %w", def.ResultsTable(), err)
		}
	}
	slog.Info("campaign purged", "campaign", name, "jobs_deleted", n)
	return n, nil
}

func (c *Controller) selectJobs(ctx context.Context, name string, sel Selection) (*models.Campaign, []*models.Job, error) {
	camp, err := c.reg.GetCampaign(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	if len(sel.JobIDs) > 0 {
		jobs, err := c.reg.GetJobs(ctx, sel.JobIDs)
		if err != nil {
			return nil, nil, err
		}
		found := byID(jobs)
		out := make([]*models.Job, 0, len(jobs))
		seen := map[string]bool{}
		for _, id := range sel.JobIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			j, ok := found[id]
			if !ok || j.CampaignID != name {
				return nil, nil, &models.ValidationError{Campaign: name, JobID: id, Field: "job_id",
					Reason: "no such job in campaign"}
			}
			out = append(out, j)
		}
		return camp, out, nil
	}

	if sel.Status == "" {
		return nil, nil, &models.ValidationError{Campaign: name, Field: "selection",
			Reason: "job ids or a status are required"}
	}
	stage := sel.Stage
	if stage == "" {
		stage = camp.ActiveStage
	}
	jobs, err := c.reg.QueryByStatus(ctx, name, stage, sel.Status)
	if err != nil {
		return nil, nil, err
	}
	return camp, jobs, nil
}

// IsNotFound reports whether err means the campaign or job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
