package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/simcamp/internal/backend"
	"github.com/kiranshivaraju/simcamp/internal/cache"
	"github.com/kiranshivaraju/simcamp/internal/campaign"
	"github.com/kiranshivaraju/simcamp/internal/evidence"
	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// CancelledReason is the last_error of jobs cancelled by an operator.
// Such jobs are not resubmitted automatically.
const CancelledReason = "cancelled by operator"

// PassReport describes what one pass did.
type PassReport struct {
	Campaign    string             `json:"campaign"`
	Stage       models.Stage       `json:"stage"`
	Submitted   int                `json:"submitted"`
	Rejected    int                `json:"rejected"`
	Transitions int                `json:"transitions"`
	Resubmitted int                `json:"resubmitted"`
	Collected   int                `json:"collected"`
	Stale       int                `json:"stale"`
	Generated   int                `json:"generated"`
	NextStage   models.Stage       `json:"next_stage,omitempty"`
	Completed   bool               `json:"completed"`
	Summary     models.TaskSummary `json:"summary"`
}

type pass struct {
	*Controller
	camp   *models.Campaign
	def    *campaign.Definition
	disp   *backend.Dispatcher
	stage  models.Stage
	report *PassReport
}

// RunPass runs one pass over the active stage of a campaign: submit
// PENDING jobs, reconcile in-flight jobs, reset retryable jobs, collect
// results and advance the stage once every job is COMPLETED.
//
// Each batch commits on its own, so a pass may be interrupted between
// batches and simply run again. When the backend stays unreachable the
// pass stops with ErrPassDeferred; the report covers what was done.
func (c *Controller) RunPass(ctx context.Context, name string) (*PassReport, error) {
	start := c.clock.Now()
	report := &PassReport{Campaign: name}

	release, err := c.cache.AcquireLease(ctx, cache.LeaseKey(name), c.cfg.LeaseTTL)
	switch {
	case errors.Is(err, cache.ErrLeaseHeld):
		c.metrics.RecordPass("deferred", c.clock.Since(start))
		slog.Info("pass deferred, lease held", "campaign", name)
		return report, fmt.Errorf("%w: another pass is running for %s", ErrPassDeferred, name)
	case err != nil:
		slog.Warn("pass lease unavailable, continuing without it", "campaign", name, "error", err)
	default:
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("pass lease release failed", "campaign", name, "error", err)
			}
		}()
	}

	err = c.runPass(ctx, name, report)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrPassDeferred):
		outcome = "deferred"
	case err != nil:
		outcome = "error"
	}
	d := c.clock.Since(start)
	c.metrics.RecordPass(outcome, d)

	attrs := []any{"campaign", name, "stage", report.Stage, "outcome", outcome,
		"submitted", report.Submitted, "rejected", report.Rejected, "transitions", report.Transitions,
		"resubmitted", report.Resubmitted, "collected", report.Collected, "stale", report.Stale,
		"duration", d}
	if err != nil {
		slog.Warn("pass finished", append(attrs, "error", err)...)
	} else {
		slog.Info("pass finished", attrs...)
	}
	return report, err
}

func (c *Controller) runPass(ctx context.Context, name string, report *PassReport) error {
	camp, def, err := c.load(ctx, name)
	if err != nil {
		return err
	}
	report.Stage = camp.ActiveStage
	if camp.CompletedAt != nil {
		report.Completed = true
		report.Summary, err = c.reg.TaskSummary(ctx, name, camp.ActiveStage)
		return err
	}

	disp, err := c.dispatcher(camp.Backend)
	if err != nil {
		return err
	}
	p := &pass{Controller: c, camp: camp, def: def, disp: disp, stage: camp.ActiveStage, report: report}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"submit", p.submit},
		{"poll", p.poll},
		{"retry", p.retry},
		{"collect", p.collect},
		{"advance", p.advance},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.fn(ctx); err != nil {
			if errors.Is(err, models.ErrBackendUnavailable) {
				return fmt.Errorf("%w: %s: %w", ErrPassDeferred, step.name, err)
			}
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// submit hands PENDING jobs to the backend, at most SubmitLimit per pass.
func (p *pass) submit(ctx context.Context) error {
	pending, err := p.reg.QueryByStatusLimit(ctx, p.camp.Name, p.stage, p.cfg.SubmitLimit, models.StatusPending)
	if err != nil {
		return err
	}
	for _, batch := range chunks(pending, p.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.submitBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (p *pass) submitBatch(ctx context.Context, jobs []*models.Job) error {
	parents, err := p.parents(ctx, jobs)
	if err != nil {
		return err
	}

	jobsByID := byID(jobs)
	rejected := map[string]string{}
	descs := make([]models.JobDescriptor, 0, len(jobs))
	for _, j := range jobs {
		desc, err := p.def.Descriptor(j, parents[pid(j)])
		if err != nil {
			rejected[j.JobID] = err.Error()
			continue
		}
		if err := os.MkdirAll(j.OutputPath, 0o755); err != nil {
			rejected[j.JobID] = fmt.Sprintf("create output directory: %v", err)
			continue
		}
		descs = append(descs, desc)
	}

	res, submitErr := p.disp.Submit(ctx, descs)

	var updates []registry.StatusUpdate
	accepted := map[string]string{}
	for id, ref := range res.Refs {
		j := jobsByID[id]
		if j == nil {
			continue
		}
		if j.LastClusterRef != nil && *j.LastClusterRef == ref {
			rejected[id] = fmt.Sprintf("backend reused previous reference %s", ref)
			continue
		}
		accepted[id] = ref
		updates = append(updates, registry.StatusUpdate{
			JobID: id, From: models.StatusPending, Version: j.Version, To: models.StatusSubmitted,
			Options: []registry.UpdateOption{registry.WithClusterRef(ref), registry.WithClearError()},
		})
	}
	for id, rerr := range res.Rejected {
		reason := rerr.Error()
		var re *models.RejectionError
		if errors.As(rerr, &re) {
			reason = re.Reason
		}
		rejected[id] = reason
	}
	for id, reason := range rejected {
		j := jobsByID[id]
		if j == nil {
			continue
		}
		to := models.StatusPending
		if j.Rejections+1 >= p.cfg.MaxAttempts {
			to = models.StatusFailed
		}
		slog.Warn("job rejected", "campaign", p.camp.Name, "stage", j.Stage, "job_id", id,
			"rejections", j.Rejections+1, "status", to, "error", reason)
		updates = append(updates, registry.StatusUpdate{
			JobID: id, From: models.StatusPending, Version: j.Version, To: to,
			Options: []registry.UpdateOption{registry.WithRejection(reason)},
		})
	}

	br, err := p.reg.UpdateBatch(ctx, updates)
	if err != nil {
		p.cancelRefs(ctx, p.disp, p.camp.Name, "registry update failed", refsOf(res.Refs))
		return err
	}
	p.record(p.camp.Name, p.stage, updates, br)
	p.report.Stale += len(br.Stale)

	var orphans []string
	for _, id := range append(br.Stale, br.Unknown...) {
		if ref, ok := accepted[id]; ok {
			slog.Warn("submitted job changed concurrently, cancelling orphan", "campaign", p.camp.Name,
				"job_id", id, "cluster_ref", ref)
			orphans = append(orphans, ref)
		}
	}
	p.cancelRefs(ctx, p.disp, p.camp.Name, "orphaned submission", orphans)

	for _, id := range br.Applied {
		if _, ok := accepted[id]; ok {
			p.report.Submitted++
		} else {
			p.report.Rejected++
		}
	}

	if submitErr != nil {
		if errors.Is(submitErr, models.ErrBackendUnavailable) || errors.Is(submitErr, models.ErrBackendConfig) {
			return submitErr
		}
		slog.Error("submission partly failed", "campaign", p.camp.Name, "stage", p.stage, "error", submitErr)
	}
	return nil
}

// parents loads the parent jobs referenced by jobs.
func (p *pass) parents(ctx context.Context, jobs []*models.Job) (map[string]*models.Job, error) {
	var ids []string
	seen := map[string]bool{}
	for _, j := range jobs {
		if id := pid(j); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return map[string]*models.Job{}, nil
	}
	parents, err := p.reg.GetJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return byID(parents), nil
}

// poll reconciles SUBMITTED and RUNNING jobs with the backend and the
// output on disk.
func (p *pass) poll(ctx context.Context) error {
	inflight, err := p.reg.QueryByStatus(ctx, p.camp.Name, p.stage, models.StatusSubmitted, models.StatusRunning)
	if err != nil {
		return err
	}
	checker, err := p.def.Checker(p.stage)
	if err != nil {
		return err
	}

	var deferred error
	for _, batch := range chunks(inflight, p.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pollBatch(ctx, checker, batch); err != nil {
			if !errors.Is(err, models.ErrBackendUnavailable) {
				return err
			}
			deferred = err
		}
	}
	return deferred
}

func (p *pass) pollBatch(ctx context.Context, checker evidence.Checker, jobs []*models.Job) error {
	refs := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if ref := j.Ref(); ref != "" {
			refs = append(refs, ref)
		}
	}
	live, pollErr := p.disp.Poll(ctx, refs)
	if pollErr != nil && !errors.Is(pollErr, models.ErrBackendUnavailable) {
		slog.Error("poll partly failed", "campaign", p.camp.Name, "stage", p.stage, "error", pollErr)
	}

	evidenceOf := map[string]models.Evidence{}
	decide := func(j *models.Job) (registry.StatusUpdate, bool) {
		ev, ok := evidenceOf[j.JobID]
		if !ok {
			ev = checker.Check(ctx, j.OutputPath)
			evidenceOf[j.JobID] = ev
		}
		status := models.LiveUnknown
		if ref := j.Ref(); ref != "" {
			s, polled := live[ref]
			if !polled && !ev.Valid {
				// The chunk holding ref failed; decide next pass.
				return registry.StatusUpdate{}, false
			}
			if polled {
				status = s
			}
		}

		d := p.engine.Decide(j, status, ev)
		if !d.Changed() {
			return registry.StatusUpdate{}, false
		}
		opts := []registry.UpdateOption{}
		switch d.To {
		case models.StatusFailed, models.StatusIncomplete:
			opts = append(opts, registry.WithLastError(d.Reason))
		case models.StatusCompleted:
			opts = append(opts, registry.WithClearError())
		}
		slog.Debug("job reconciled", "campaign", p.camp.Name, "stage", j.Stage, "job_id", j.JobID,
			"cluster_ref", j.Ref(), "status", d.To, "from", d.From, "reason", d.Reason)
		return registry.StatusUpdate{JobID: j.JobID, From: j.Status, Version: j.Version, To: d.To, Options: opts}, true
	}

	var updates []registry.StatusUpdate
	for _, j := range jobs {
		if u, ok := decide(j); ok {
			updates = append(updates, u)
		}
	}
	br, err := p.reg.UpdateBatch(ctx, updates)
	if err != nil {
		return err
	}
	p.report.Transitions += p.record(p.camp.Name, p.stage, updates, br)
	p.report.Stale += len(br.Stale)

	// Rows that moved since they were read get one fresh read and decision.
	if len(br.Stale) > 0 {
		fresh, err := p.reg.GetJobs(ctx, br.Stale)
		if err != nil {
			return err
		}
		var retry []registry.StatusUpdate
		for _, j := range fresh {
			if u, ok := decide(j); ok {
				retry = append(retry, u)
			}
		}
		br, err = p.reg.UpdateBatch(ctx, retry)
		if err != nil {
			return err
		}
		p.report.Transitions += p.record(p.camp.Name, p.stage, retry, br)
		if len(br.Stale) > 0 {
			slog.Warn("jobs still changing, left for next pass", "campaign", p.camp.Name,
				"stage", p.stage, "jobs", len(br.Stale))
		}
	}

	if errors.Is(pollErr, models.ErrBackendUnavailable) || errors.Is(pollErr, models.ErrBackendConfig) {
		return pollErr
	}
	return nil
}

// retry resets FAILED and INCOMPLETE jobs below the attempt ceiling to
// PENDING so the next pass submits them again. Jobs the backend refused
// MaxAttempts times and jobs cancelled by an operator are left alone.
func (p *pass) retry(ctx context.Context) error {
	jobs, err := p.reg.QueryByStatus(ctx, p.camp.Name, p.stage, models.StatusFailed, models.StatusIncomplete)
	if err != nil {
		return err
	}

	var eligible []*models.Job
	for _, j := range jobs {
		if j.LastError != nil && *j.LastError == CancelledReason {
			continue
		}
		if j.AttemptCount >= p.cfg.MaxAttempts || j.Rejections >= p.cfg.MaxAttempts {
			continue
		}
		eligible = append(eligible, j)
	}

	for _, batch := range chunks(eligible, p.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.resubmit(ctx, p.disp, batch, "resubmission")
		if err != nil {
			return err
		}
		p.report.Resubmitted += n
	}
	return nil
}

// resubmit cancels whatever the backend still holds for jobs and resets
// them to PENDING with a new attempt.
func (c *Controller) resubmit(ctx context.Context, disp *backend.Dispatcher, jobs []*models.Job, why string) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	var refs []string
	updates := make([]registry.StatusUpdate, 0, len(jobs))
	for _, j := range jobs {
		if ref := j.Ref(); ref != "" {
			refs = append(refs, ref)
		}
		updates = append(updates, registry.StatusUpdate{
			JobID: j.JobID, From: j.Status, Version: j.Version, To: models.StatusPending,
			Options: []registry.UpdateOption{registry.WithResubmission(), registry.WithClearError()},
		})
	}
	c.cancelRefs(ctx, disp, jobs[0].CampaignID, why, refs)

	br, err := c.reg.UpdateBatch(ctx, updates)
	if err != nil {
		return 0, err
	}
	c.record(jobs[0].CampaignID, jobs[0].Stage, updates, br)
	for _, id := range br.Stale {
		slog.Info("job changed before resubmission, skipped", "campaign", jobs[0].CampaignID, "job_id", id)
	}
	return len(br.Applied), nil
}

func (p *pass) collect(ctx context.Context) error {
	if p.def.Results == nil || p.def.ResultsStage() != p.stage {
		return nil
	}
	r, err := p.collector.Collect(ctx, p.def, p.cfg.BatchSize)
	p.report.Collected += r.Collected
	return err
}

// advance generates the next stage once every job of the active stage is
// COMPLETED, or marks the campaign completed after its last stage.
func (p *pass) advance(ctx context.Context) error {
	summary, err := p.reg.TaskSummary(ctx, p.camp.Name, p.stage)
	if err != nil {
		return err
	}
	p.report.Summary = summary
	if !summary.Complete() {
		return nil
	}

	next, ok := p.def.NextStage(p.stage)
	if !ok {
		if err := p.reg.MarkCampaignCompleted(ctx, p.camp.Name); err != nil {
			return err
		}
		p.report.Completed = true
		slog.Info("campaign completed", "campaign", p.camp.Name, "stage", p.stage, "jobs", summary.Total())
		return nil
	}

	parents, err := p.reg.QueryByStatus(ctx, p.camp.Name, p.stage, models.StatusCompleted)
	if err != nil {
		return err
	}
	jobs, err := p.def.Jobs(next, parents)
	if err != nil {
		return err
	}
	n, err := p.reg.InsertJobs(ctx, p.camp.Name, jobs)
	if err != nil {
		return err
	}
	moved, err := p.reg.AdvanceStage(ctx, p.camp.Name, p.stage, next)
	if err != nil {
		return err
	}
	p.report.Generated = n
	p.report.NextStage = next
	slog.Info("stage advanced", "campaign", p.camp.Name, "stage", p.stage, "next_stage", next,
		"jobs_created", n, "advanced", moved)
	return nil
}

// record counts what a batch update did and returns how many jobs changed
// status. Every update belongs to the given campaign and stage.
func (c *Controller) record(camp string, stage models.Stage, updates []registry.StatusUpdate, br registry.BatchResult) int {
	applied := make(map[string]bool, len(br.Applied))
	for _, id := range br.Applied {
		applied[id] = true
	}
	moved := 0
	for _, u := range updates {
		if applied[u.JobID] {
			c.metrics.RecordTransition(string(u.From), string(u.To))
			if u.From != u.To {
				moved++
			}
		}
	}
	c.metrics.RecordStale(len(br.Stale))
	for id, err := range br.Invalid {
		slog.Error("status update refused", "campaign", camp, "stage", stage, "job_id", id, "error", err)
	}
	return moved
}

func refsOf(m map[string]string) []string {
	refs := make([]string, 0, len(m))
	for _, ref := range m {
		refs = append(refs, ref)
	}
	return refs
}

func pid(j *models.Job) string {
	if j.ParentID == nil {
		return ""
	}
	return *j.ParentID
}
