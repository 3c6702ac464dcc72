package registry_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRegistry(t *testing.T) (*registry.Registry, *clocktesting.FakePassiveClock) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	require.NoError(t, store.RunMigrations("sqlite", path))

	db, err := store.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clocktesting.NewFakePassiveClock(epoch)
	return registry.New(db, clk), clk
}

func createCampaign(t *testing.T, reg *registry.Registry, name string) {
	t.Helper()
	require.NoError(t, reg.CreateCampaign(context.Background(), &models.Campaign{
		Name:           name,
		WorkspacePath:  "/work/" + name,
		Backend:        "mock",
		ConfigSnapshot: "name: " + name,
	}))
}

func trackJobs(n int) []*models.Job {
	jobs := make([]*models.Job, n)
	for i := range jobs {
		jobs[i] = &models.Job{
			Stage: models.StageTrack,
			Parameters: models.Params{
				{Name: "amp", Value: fmt.Sprint(i)},
				{Name: "seed", Value: "1"},
			},
			OutputPath: fmt.Sprintf("/work/out/%d", i),
		}
	}
	return jobs
}

func TestInsertJobs_DuplicateVariantIsNoOp(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")

	n, err := reg.InsertJobs(ctx, "demo", trackJobs(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = reg.InsertJobs(ctx, "demo", trackJobs(3))
	require.NoError(t, err)
	assert.Zero(t, n)

	jobs, err := reg.QueryByStatus(ctx, "demo", models.StageTrack)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, models.StatusPending, j.Status)
		assert.Nil(t, j.ClusterRef)
		assert.Zero(t, j.AttemptCount)
		assert.Equal(t, int64(1), j.Version)
	}
}

func TestInsertJobs_DuplicateInsideOneCall(t *testing.T) {
	reg, _ := setupRegistry(t)
	createCampaign(t, reg, "demo")

	jobs := append(trackJobs(2), trackJobs(2)...)
	n, err := reg.InsertJobs(context.Background(), "demo", jobs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInsertJobs_StableIDs(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")

	jobs := trackJobs(1)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)

	want := registry.JobID("demo", models.StageTrack, jobs[0].Parameters)
	assert.Equal(t, want, jobs[0].JobID)

	got, err := reg.GetJob(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, jobs[0].Parameters, got.Parameters, "parameter order survives storage")
	assert.Equal(t, epoch, got.CreatedAt.UTC())
}

func TestInsertJobs_ValidationError(t *testing.T) {
	reg, _ := setupRegistry(t)
	createCampaign(t, reg, "demo")

	bad := []*models.Job{{
		Stage:      models.StageTrack,
		Parameters: models.Params{{Name: "amp", Value: "1"}, {Name: "amp", Value: "2"}},
		OutputPath: "/x",
	}}
	_, err := reg.InsertJobs(context.Background(), "demo", bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "demo", ve.Campaign)
	assert.Equal(t, "parameters", ve.Field)

	jobs, err := reg.QueryByStatus(context.Background(), "demo", models.StageTrack)
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job is created on validation failure")
}

func TestUpdateStatus_UnknownJob(t *testing.T) {
	reg, _ := setupRegistry(t)

	ok, err := reg.UpdateStatus(context.Background(), "nope", models.StatusSubmitted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateStatus_SubmitSetsRefAndTimestamp(t *testing.T) {
	reg, clk := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	jobs := trackJobs(1)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)

	clk.SetTime(epoch.Add(time.Minute))
	ok, err := reg.UpdateStatus(ctx, jobs[0].JobID, models.StatusSubmitted,
		registry.WithExpectedStatus(models.StatusPending),
		registry.WithExpectedVersion(1),
		registry.WithClusterRef("101.0"))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := reg.GetJob(ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, got.Status)
	assert.Equal(t, "101.0", got.Ref())
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.SubmittedAt)
	assert.Equal(t, epoch.Add(time.Minute), got.SubmittedAt.UTC())
}

func TestUpdateStatus_StalePrecondition(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	jobs := trackJobs(1)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)
	id := jobs[0].JobID

	// Both writers read version 1; the second must lose.
	ok, err := reg.UpdateStatus(ctx, id, models.StatusSubmitted,
		registry.WithExpectedStatus(models.StatusPending), registry.WithExpectedVersion(1), registry.WithClusterRef("1.0"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = reg.UpdateStatus(ctx, id, models.StatusSubmitted,
		registry.WithExpectedStatus(models.StatusPending), registry.WithExpectedVersion(1), registry.WithClusterRef("2.0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrStalePrecondition)

	// After re-reading, the loser can retry against fresh state.
	cur, err := reg.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1.0", cur.Ref())

	ok, err = reg.UpdateStatus(ctx, id, models.StatusRunning,
		registry.WithExpectedStatus(cur.Status), registry.WithExpectedVersion(cur.Version))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateStatus_ConcurrentWritersOneWins(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	jobs := trackJobs(1)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.UpdateStatus(ctx, jobs[0].JobID, models.StatusSubmitted,
				registry.WithExpectedStatus(models.StatusPending),
				registry.WithExpectedVersion(1),
				registry.WithClusterRef(fmt.Sprintf("%d.0", i)))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, registry.ErrStalePrecondition)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestUpdateStatus_InvalidTransition(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	jobs := trackJobs(1)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)

	_, err = reg.UpdateStatus(ctx, jobs[0].JobID, models.StatusCompleted)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestUpdateStatus_Resubmission(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	jobs := trackJobs(1)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)
	id := jobs[0].JobID

	_, err = reg.UpdateStatus(ctx, id, models.StatusSubmitted, registry.WithClusterRef("7.0"))
	require.NoError(t, err)
	_, err = reg.UpdateStatus(ctx, id, models.StatusIncomplete)
	require.NoError(t, err)

	ok, err := reg.UpdateStatus(ctx, id, models.StatusPending,
		registry.WithExpectedStatus(models.StatusIncomplete), registry.WithResubmission())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := reg.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ClusterRef)
	require.NotNil(t, got.LastClusterRef)
	assert.Equal(t, "7.0", *got.LastClusterRef)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.SubmittedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateBatch_ReportsStaleAndUnknown(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	jobs := trackJobs(3)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)

	// Someone else moves job 1 first.
	_, err = reg.UpdateStatus(ctx, jobs[1].JobID, models.StatusSubmitted, registry.WithClusterRef("x"))
	require.NoError(t, err)

	res, err := reg.UpdateBatch(ctx, []registry.StatusUpdate{
		{JobID: jobs[0].JobID, From: models.StatusPending, Version: 1, To: models.StatusSubmitted,
			Options: []registry.UpdateOption{registry.WithClusterRef("a")}},
		{JobID: jobs[1].JobID, From: models.StatusPending, Version: 1, To: models.StatusSubmitted,
			Options: []registry.UpdateOption{registry.WithClusterRef("b")}},
		{JobID: "missing", From: models.StatusPending, Version: 1, To: models.StatusSubmitted},
		{JobID: jobs[2].JobID, From: models.StatusPending, Version: 1, To: models.StatusCompleted},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{jobs[0].JobID}, res.Applied)
	assert.Equal(t, []string{jobs[1].JobID}, res.Stale)
	assert.Equal(t, []string{"missing"}, res.Unknown)
	assert.Contains(t, res.Invalid, jobs[2].JobID)

	got, err := reg.GetJob(ctx, jobs[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Ref(), "the stale update did not overwrite")
}

func TestTaskSummary(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	jobs := trackJobs(4)
	_, err := reg.InsertJobs(ctx, "demo", jobs)
	require.NoError(t, err)

	_, err = reg.UpdateStatus(ctx, jobs[0].JobID, models.StatusSubmitted, registry.WithClusterRef("1"))
	require.NoError(t, err)

	s, err := reg.TaskSummary(ctx, "demo", models.StageTrack)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Counts[models.StatusPending])
	assert.Equal(t, 1, s.Counts[models.StatusSubmitted])
	assert.Equal(t, 0, s.Counts[models.StatusCompleted])
	assert.Equal(t, 4, s.Total())

	empty, err := reg.TaskSummary(ctx, "demo", models.StagePostprocess)
	require.NoError(t, err)
	assert.Zero(t, empty.Total())
}

func TestListJobs_Pagination(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	_, err := reg.InsertJobs(ctx, "demo", trackJobs(5))
	require.NoError(t, err)

	page, total, err := reg.ListJobs(ctx, registry.JobFilter{Campaign: "demo", Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	pending, total, err := reg.ListJobs(ctx, registry.JobFilter{Campaign: "demo", Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, pending)
}

func TestQueryByStatusLimit(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	_, err := reg.InsertJobs(ctx, "demo", trackJobs(5))
	require.NoError(t, err)

	jobs, err := reg.QueryByStatusLimit(ctx, "demo", models.StageTrack, 3, models.StatusPending)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestCampaigns(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")

	err := reg.CreateCampaign(ctx, &models.Campaign{Name: "demo", WorkspacePath: "/w", Backend: "mock"})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	err = reg.CreateCampaign(ctx, &models.Campaign{Name: "Bad Name", WorkspacePath: "/w", Backend: "mock"})
	assert.ErrorIs(t, err, models.ErrValidation)

	c, err := reg.GetCampaign(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, models.StagePreprocess, c.ActiveStage)
	assert.Equal(t, "mock", c.Backend)
	assert.Nil(t, c.CompletedAt)

	ok, err := reg.AdvanceStage(ctx, "demo", models.StagePreprocess, models.StageTrack)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.AdvanceStage(ctx, "demo", models.StagePreprocess, models.StageTrack)
	require.NoError(t, err)
	assert.False(t, ok, "second advance from the same stage loses")

	require.NoError(t, reg.MarkCampaignCompleted(ctx, "demo"))
	c, err = reg.GetCampaign(ctx, "demo")
	require.NoError(t, err)
	assert.NotNil(t, c.CompletedAt)

	_, err = reg.GetCampaign(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := reg.ListCampaigns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeleteCampaign(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	createCampaign(t, reg, "demo")
	_, err := reg.InsertJobs(ctx, "demo", trackJobs(3))
	require.NoError(t, err)

	n, err := reg.DeleteCampaign(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = reg.GetCampaign(ctx, "demo")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = reg.DeleteCampaign(ctx, "demo")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestValidTransition(t *testing.T) {
	assert.True(t, registry.ValidTransition(models.StatusPending, models.StatusSubmitted))
	assert.True(t, registry.ValidTransition(models.StatusRunning, models.StatusCompleted))
	assert.True(t, registry.ValidTransition(models.StatusFailed, models.StatusPending))
	assert.True(t, registry.ValidTransition(models.StatusRunning, models.StatusRunning))
	assert.False(t, registry.ValidTransition(models.StatusCompleted, models.StatusPending))
	assert.False(t, registry.ValidTransition(models.StatusPending, models.StatusRunning))
}
