package boinc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	spool := t.TempDir()
	b, err := NewBackend(config.BoincConfig{SpoolDir: spool, AppName: "sixtrack"})
	require.NoError(t, err)
	return b, spool
}

func descriptor(id string) models.JobDescriptor {
	return models.JobDescriptor{
		JobID:           id,
		Campaign:        "demo",
		Stage:           models.StageTrack,
		Executable:      "sixtrack",
		Arguments:       []string{"fort.3"},
		OutputDirectory: "/work/demo/TRACK/" + id,
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestSubmit_WritesWorkUnits(t *testing.T) {
	b, spool := newTestBackend(t)

	bad := descriptor("bad")
	bad.Executable = ""
	res, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a"), bad, descriptor("b")})
	require.NoError(t, err)
	require.Len(t, res.Refs, 2)
	assert.ErrorIs(t, res.Rejected["bad"], models.ErrBackendRejected)
	assert.NotEqual(t, res.Refs["a"], res.Refs["b"])

	data, err := os.ReadFile(filepath.Join(spool, "work", res.Refs["a"]+".desc"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "workunitName="+res.Refs["a"]+"\n")
	assert.Contains(t, string(data), "jobID=a\n")

	entries, err := os.ReadDir(filepath.Join(spool, "work"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "no temporary files remain")
	}
}

func TestPoll_FollowsSpoolLayout(t *testing.T) {
	b, spool := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Submit(ctx, []models.JobDescriptor{descriptor("q"), descriptor("r"), descriptor("d"), descriptor("f")})
	require.NoError(t, err)
	q, r, d, f := res.Refs["q"], res.Refs["r"], res.Refs["d"], res.Refs["f"]

	require.NoError(t, os.Rename(filepath.Join(spool, "work", r+".desc"), filepath.Join(spool, "work", "claimed", r+".desc")))
	touch(t, filepath.Join(spool, "results", d+".done"))
	touch(t, filepath.Join(spool, "results", f+".error"))

	got, err := b.Poll(ctx, []string{q, r, d, f, "sixtrack_missing", "../escape"})
	require.NoError(t, err)
	assert.Equal(t, models.LiveQueued, got[q])
	assert.Equal(t, models.LiveRunning, got[r])
	assert.Equal(t, models.LiveDone, got[d])
	assert.Equal(t, models.LiveFailed, got[f])
	assert.Equal(t, models.LiveUnknown, got["sixtrack_missing"])
	assert.Equal(t, models.LiveUnknown, got["../escape"])
}

func TestCancel_OnlyPendingWorkUnits(t *testing.T) {
	b, spool := newTestBackend(t)
	ctx := context.Background()

	res, err := b.Submit(ctx, []models.JobDescriptor{descriptor("a"), descriptor("b")})
	require.NoError(t, err)
	a, claimed := res.Refs["a"], res.Refs["b"]
	require.NoError(t, os.Rename(filepath.Join(spool, "work", claimed+".desc"), filepath.Join(spool, "work", "claimed", claimed+".desc")))

	n, err := b.Cancel(ctx, []string{a, claimed, "gone"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.Poll(ctx, []string{a, claimed})
	require.NoError(t, err)
	assert.Equal(t, models.LiveUnknown, got[a])
	assert.Equal(t, models.LiveRunning, got[claimed])
}

func TestSpoolMissing(t *testing.T) {
	b, spool := newTestBackend(t)
	require.NoError(t, os.RemoveAll(spool))

	_, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a")})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)

	_, err = b.Poll(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
}
