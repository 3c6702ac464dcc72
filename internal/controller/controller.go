// Package controller drives campaigns: initialisation from a definition,
// reconciliation passes and the operator actions that change job state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/simcamp/internal/backend"
	"github.com/kiranshivaraju/simcamp/internal/cache"
	"github.com/kiranshivaraju/simcamp/internal/campaign"
	"github.com/kiranshivaraju/simcamp/internal/collect"
	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/internal/metrics"
	"github.com/kiranshivaraju/simcamp/internal/reconcile"
	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"k8s.io/utils/clock"
)

// ErrPassDeferred means the pass stopped early because the backend was
// unreachable or another pass holds the campaign. Nothing was lost; run
// the pass again later.
var ErrPassDeferred = errors.New("pass deferred")

// Deps are the collaborators of a Controller. Cache, Metrics, Clock and
// Parser may be nil.
type Deps struct {
	Registry      *registry.Registry
	Backends      backend.Factory
	BackendConfig config.BackendConfig
	Reconcile     config.ReconcileConfig
	Cache         cache.Cache
	Metrics       *metrics.Metrics
	Clock         clock.PassiveClock
	Parser        collect.ResultParser
}

// Controller runs passes and operator actions for any campaign in the
// registry. It keeps no per-campaign state between calls.
type Controller struct {
	reg        *registry.Registry
	backends   backend.Factory
	backendCfg config.BackendConfig
	cfg        config.ReconcileConfig
	engine     *reconcile.Engine
	collector  *collect.Collector
	cache      cache.Cache
	metrics    *metrics.Metrics
	clock      clock.PassiveClock
}

// New creates a Controller.
func New(d Deps) *Controller {
	clk := d.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	ca := d.Cache
	if ca == nil {
		ca = cache.Nop{}
	}
	cfg := d.Reconcile
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.SubmitLimit < 1 {
		cfg.SubmitLimit = 15000
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return &Controller{
		reg:        d.Registry,
		backends:   d.Backends,
		backendCfg: d.BackendConfig,
		cfg:        cfg,
		engine:     reconcile.New(cfg.StalenessThreshold, clk),
		collector:  collect.New(d.Registry, d.Parser, clk),
		cache:      ca,
		metrics:    d.Metrics,
		clock:      clk,
	}
}

// InitCampaign creates the campaign described by raw and generates the
// jobs of its first stage. It returns the campaign and the number of jobs
// created. Running it again with the identical definition creates nothing;
// a changed definition for an existing name is a validation error.
func (c *Controller) InitCampaign(ctx context.Context, raw []byte) (*models.Campaign, int, error) {
	def, err := campaign.Parse(raw)
	if err != nil {
		return nil, 0, err
	}

	camp := &models.Campaign{
		Name:           def.Name,
		WorkspacePath:  def.Workspace,
		Backend:        def.Backend,
		ActiveStage:    def.FirstStage(),
		ConfigSnapshot: def.Snapshot(),
	}
	err = c.reg.CreateCampaign(ctx, camp)
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, gerr := c.reg.GetCampaign(ctx, def.Name)
		if gerr != nil {
			return nil, 0, gerr
		}
		if existing.ConfigSnapshot != def.Snapshot() {
			return nil, 0, &models.ValidationError{Campaign: def.Name, Field: "definition",
				Reason: "campaign exists with a different definition; the snapshot is immutable, create a new campaign"}
		}
		camp = existing
	} else if err != nil {
		return nil, 0, err
	}

	if err := c.collector.EnsureTable(ctx, def); err != nil {
		return nil, 0, fmt.Errorf("create results table: %w", err)
	}

	jobs, err := def.Jobs(def.FirstStage(), nil)
	if err != nil {
		return nil, 0, err
	}
	n, err := c.reg.InsertJobs(ctx, def.Name, jobs)
	if err != nil {
		return nil, 0, err
	}

	slog.Info("campaign initialised", "campaign", def.Name, "backend", def.Backend,
		"stage", def.FirstStage(), "jobs_created", n, "jobs_defined", len(jobs))
	return camp, n, nil
}

// Summary returns the task summary of stage, or of the active stage when
// stage is empty.
func (c *Controller) Summary(ctx context.Context, name string, stage models.Stage) (models.TaskSummary, error) {
	if stage == "" {
		camp, err := c.reg.GetCampaign(ctx, name)
		if err != nil {
			return models.TaskSummary{}, err
		}
		stage = camp.ActiveStage
	}
	return c.reg.TaskSummary(ctx, name, stage)
}

// load returns a campaign and the definition its jobs were generated from.
func (c *Controller) load(ctx context.Context, name string) (*models.Campaign, *campaign.Definition, error) {
	camp, err := c.reg.GetCampaign(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	def, err := campaign.Parse([]byte(camp.ConfigSnapshot))
	if err != nil {
		return nil, nil, fmt.Errorf("campaign %s snapshot: %w", name, err)
	}
	return camp, def, nil
}

func (c *Controller) dispatcher(kind string) (*backend.Dispatcher, error) {
	b, err := c.backends(kind)
	if err != nil {
		return nil, &models.ValidationError{Field: "backend", Reason: err.Error()}
	}
	return backend.NewDispatcher(b, c.backendCfg, c.metrics), nil
}

// cancelRefs is best-effort; failures are logged and otherwise ignored.
func (c *Controller) cancelRefs(ctx context.Context, disp *backend.Dispatcher, campaign, why string, refs []string) int {
	if len(refs) == 0 {
		return 0
	}
	n, err := disp.Cancel(ctx, refs)
	if err != nil {
		slog.Warn("cancel failed", "campaign", campaign, "reason", why, "refs", len(refs), "error", err)
	} else {
		slog.Info("references cancelled", "campaign", campaign, "reason", why, "refs", len(refs), "cancelled", n)
	}
	return n
}

// chunks splits jobs into runs of at most size.
func chunks(jobs []*models.Job, size int) [][]*models.Job {
	var out [][]*models.Job
	for lo := 0; lo < len(jobs); lo += size {
		out = append(out, jobs[lo:min(lo+size, len(jobs))])
	}
	return out
}

func byID(jobs []*models.Job) map[string]*models.Job {
	m := make(map[string]*models.Job, len(jobs))
	for _, j := range jobs {
		m[j.JobID] = j
	}
	return m
}
