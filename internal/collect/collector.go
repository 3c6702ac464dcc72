package collect

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/kiranshivaraju/simcamp/internal/campaign"
	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"k8s.io/utils/clock"
)

// Report summarizes one collection run.
type Report struct {
	Collected int
	Failed    int
}

// Collector copies result files of completed jobs into the results table.
type Collector struct {
	reg    *registry.Registry
	parser ResultParser
	clock  clock.PassiveClock
}

// New creates a Collector. A nil parser reads flat JSON objects; a nil
// clock uses wall time.
func New(reg *registry.Registry, parser ResultParser, clk clock.PassiveClock) *Collector {
	if parser == nil {
		parser = JSONParser{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Collector{reg: reg, parser: parser, clock: clk}
}

// EnsureTable creates the campaign results table if the definition
// declares one.
func (c *Collector) EnsureTable(ctx context.Context, def *campaign.Definition) error {
	schema, ok := def.ResultsSchema()
	if !ok {
		return nil
	}
	return c.reg.DB().CreateTable(ctx, schema)
}

// Collect parses the result file of every COMPLETED, uncollected job of
// the results stage, batch rows at a time. Each batch inserts its rows and
// stamps collected_at in one transaction. A job whose file cannot be
// parsed keeps collected_at NULL and gets last_error.
func (c *Collector) Collect(ctx context.Context, def *campaign.Definition, batch int) (Report, error) {
	var report Report
	schema, ok := def.ResultsSchema()
	if !ok {
		return report, nil
	}
	if err := c.EnsureTable(ctx, def); err != nil {
		return report, fmt.Errorf("create results table: %w", err)
	}

	stage := def.ResultsStage()
	skip := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		jobs, err := c.reg.QueryUncollected(ctx, def.Name, stage, batch+len(skip))
		if err != nil {
			return report, err
		}

		var todo []*models.Job
		for _, j := range jobs {
			if !skip[j.JobID] {
				todo = append(todo, j)
			}
		}
		if len(todo) == 0 {
			return report, nil
		}

		n, failed, err := c.collectBatch(ctx, def, schema, todo)
		if err != nil {
			return report, err
		}
		report.Collected += n
		report.Failed += len(failed)
		for _, id := range failed {
			skip[id] = true
		}
	}
}

func (c *Collector) collectBatch(ctx context.Context, def *campaign.Definition, schema store.TableSchema, jobs []*models.Job) (int, []string, error) {
	dialect := c.reg.Dialect()
	now := c.clock.Now().UTC().Truncate(time.Microsecond)

	var failed []string
	var inserts []string
	var insertArgs [][]any
	var ids []string

	for _, j := range jobs {
		path := filepath.Join(j.OutputPath, def.Results.File)
		values, err := c.parser.Parse(path, def.Results.Columns)
		if err != nil {
			slog.Warn("result parse failed", "campaign", def.Name, "stage", j.Stage, "job_id", j.JobID,
				"path", path, "error", err)
			if _, uerr := c.reg.UpdateStatus(ctx, j.JobID, models.StatusCompleted,
				registry.WithExpectedStatus(models.StatusCompleted),
				registry.WithLastError("collect: "+err.Error())); uerr != nil {
				slog.Warn("recording collect error failed", "campaign", def.Name, "job_id", j.JobID, "error", uerr)
			}
			failed = append(failed, j.JobID)
			continue
		}

		rec := goqu.Record{"job_id": j.JobID, "collected_at": now}
		for _, col := range def.Results.Columns {
			rec[col.Name] = values[col.Name]
		}
		q, args, err := dialect.Insert(goqu.T(schema.Name)).Prepared(true).
			Rows(rec).
			OnConflict(goqu.DoNothing()).
			ToSQL()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: build results insert: %v", store.ErrQuery, err)
		}
		inserts = append(inserts, q)
		insertArgs = append(insertArgs, args)
		ids = append(ids, j.JobID)
	}
	if len(ids) == 0 {
		return 0, failed, nil
	}

	var marked int
	err := c.reg.DB().WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, q := range inserts {
			if _, err := tx.Exec(ctx, q, insertArgs[i]...); err != nil {
				return err
			}
		}
		var err error
		marked, err = c.reg.MarkCollected(ctx, tx, ids)
		return err
	})
	if err != nil {
		return 0, nil, fmt.Errorf("collect results: %w", err)
	}
	if marked < len(ids) {
		slog.Debug("some jobs were collected concurrently", "campaign", def.Name, "expected", len(ids), "marked", marked)
	}
	slog.Info("results collected", "campaign", def.Name, "table", schema.Name, "jobs", marked)
	return marked, failed, nil
}
