package collect_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/simcamp/internal/campaign"
	"github.com/kiranshivaraju/simcamp/internal/collect"
	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const defYAML = `
name: demo
workspace: %s
backend: htcondor
stages:
  track:
    executable: /opt/sixtrack
    output: {file: result.json, format: json}
    parameters:
      amp: [2, 4, 6]
results:
  file: result.json
  columns:
    dynap: real
    turns: integer
    lost: bool
`

type fixture struct {
	reg *registry.Registry
	db  store.Adaptor
	def *campaign.Definition
	col *collect.Collector
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.db")
	require.NoError(t, store.RunMigrations("sqlite", path))
	db, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(db, clk)

	raw := []byte(fmt.Sprintf(defYAML, filepath.Join(dir, "ws")))
	def, err := campaign.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, reg.CreateCampaign(ctx, &models.Campaign{
		Name: def.Name, WorkspacePath: def.Workspace, Backend: def.Backend, ConfigSnapshot: def.Snapshot(),
	}))

	jobs, err := def.Jobs(models.StageTrack, nil)
	require.NoError(t, err)
	_, err = reg.InsertJobs(ctx, def.Name, jobs)
	require.NoError(t, err)

	return &fixture{reg: reg, db: db, def: def, col: collect.New(reg, nil, clk)}
}

// complete walks a job to COMPLETED and writes its result file.
func (f *fixture) complete(t *testing.T, j *models.Job, body string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.UpdateStatus(ctx, j.JobID, models.StatusSubmitted, registry.WithClusterRef("1."+j.JobID[:4]))
	require.NoError(t, err)
	_, err = f.reg.UpdateStatus(ctx, j.JobID, models.StatusCompleted)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(j.OutputPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(j.OutputPath, "result.json"), []byte(body), 0o644))
}

func (f *fixture) resultRows(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, store.QueryRow(context.Background(), f.db, "SELECT COUNT(*) FROM results_demo", nil, &n))
	return n
}

func TestCollect_InsertsAndStamps(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	jobs, err := f.reg.QueryByStatus(ctx, "demo", models.StageTrack)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	f.complete(t, jobs[0], `{"dynap": 12.5, "turns": 100000, "lost": false}`)
	f.complete(t, jobs[1], `{"dynap": 9.75, "turns": 4200}`)

	report, err := f.col.Collect(ctx, f.def, 10)
	require.NoError(t, err)
	assert.Equal(t, collect.Report{Collected: 2}, report)
	assert.Equal(t, 2, f.resultRows(t))

	var dynap float64
	var turns int64
	require.NoError(t, store.QueryRow(ctx, f.db, "SELECT dynap, turns FROM results_demo WHERE job_id = ?",
		[]any{jobs[0].JobID}, &dynap, &turns))
	assert.Equal(t, 12.5, dynap)
	assert.Equal(t, int64(100000), turns)

	var lostNull int
	require.NoError(t, store.QueryRow(ctx, f.db, "SELECT COUNT(*) FROM results_demo WHERE job_id = ? AND lost IS NULL",
		[]any{jobs[1].JobID}, &lostNull))
	assert.Equal(t, 1, lostNull, "missing columns are stored as NULL")

	got, err := f.reg.GetJob(ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.NotNil(t, got.CollectedAt)

	report, err = f.col.Collect(ctx, f.def, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Collected, "collected jobs are not collected twice")
	assert.Equal(t, 2, f.resultRows(t))
}

func TestCollect_ParseFailureRecordsError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	jobs, err := f.reg.QueryByStatus(ctx, "demo", models.StageTrack)
	require.NoError(t, err)

	f.complete(t, jobs[0], `{"dynap": "fast"}`)
	f.complete(t, jobs[1], `{"dynap": 1.0, "turns": 10, "lost": true}`)

	report, err := f.col.Collect(ctx, f.def, 1)
	require.NoError(t, err)
	assert.Equal(t, collect.Report{Collected: 1, Failed: 1}, report)

	bad, err := f.reg.GetJob(ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, bad.Status)
	assert.Nil(t, bad.CollectedAt)
	require.NotNil(t, bad.LastError)
	assert.Contains(t, *bad.LastError, "dynap")
}

func TestCollect_NoResultsBlock(t *testing.T) {
	f := setup(t)
	def, err := campaign.Parse([]byte("name: plain\nworkspace: /w\nbackend: slurm\nstages: {track: {executable: x, output: {file: o}}}"))
	require.NoError(t, err)

	report, err := f.col.Collect(context.Background(), def, 10)
	require.NoError(t, err)
	assert.Zero(t, report)
}

func TestJSONParser_Conversions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a": 3, "b": "2.5", "c": 1, "d": 7, "e": "2026-03-01T12:00:00Z"}`), 0o644))

	cols := []store.Column{
		{Name: "a", Type: store.ColumnInteger},
		{Name: "b", Type: store.ColumnReal},
		{Name: "c", Type: store.ColumnBoolean},
		{Name: "d", Type: store.ColumnText},
		{Name: "e", Type: store.ColumnTimestamp},
		{Name: "f", Type: store.ColumnText},
	}
	got, err := collect.JSONParser{}.Parse(path, cols)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got["a"])
	assert.Equal(t, 2.5, got["b"])
	assert.Equal(t, true, got["c"])
	assert.Equal(t, "7", got["d"])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got["e"])
	assert.Nil(t, got["f"])

	_, err = collect.JSONParser{}.Parse(path, []store.Column{{Name: "a", Type: store.ColumnTimestamp}})
	assert.Error(t, err)
}
