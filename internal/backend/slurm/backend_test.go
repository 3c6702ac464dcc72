package slurm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBackend(config.SlurmConfig{
		BaseURL:    srv.URL,
		User:       "sim",
		Token:      "tok",
		APIVersion: "v0.0.40",
		Partition:  "batch",
		Timeout:    5 * time.Second,
	})
}

func descriptor(id string) models.JobDescriptor {
	return models.JobDescriptor{
		JobID:            id,
		BatchName:        "demo_TRACK",
		Executable:       "/opt/sixtrack",
		Arguments:        []string{"--amp", "1 5"},
		OutputDirectory:  "/work/" + id,
		ResourceRequests: map[string]string{"cpus": "2", "memory": "2GB"},
	}
}

func TestSubmit_PerJobResults(t *testing.T) {
	next := int64(100)
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/slurm/v0.0.40/job/submit", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "sim", r.Header.Get("X-SLURM-USER-NAME"))
		assert.Equal(t, "tok", r.Header.Get("X-SLURM-USER-TOKEN"))

		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "batch", req.Job.Partition)
		assert.Equal(t, 2, req.Job.CPUsPerTask)
		require.NotNil(t, req.Job.MemoryPerNode)
		assert.Equal(t, int64(2048), req.Job.MemoryPerNode.Number)
		assert.Contains(t, req.Script, "exec /opt/sixtrack --amp '1 5'")

		if strings.Contains(req.Job.Comment, "bad") {
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{{"error": "Invalid partition name specified", "error_number": 2015}},
			})
			return
		}
		next++
		json.NewEncoder(w).Encode(map[string]any{"job_id": next})
	})

	res, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a"), descriptor("bad"), descriptor("c")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "101", "c": "102"}, res.Refs)
	require.Contains(t, res.Rejected, "bad")
	assert.ErrorIs(t, res.Rejected["bad"], models.ErrBackendRejected)
	assert.Contains(t, res.Rejected["bad"].Error(), "Invalid partition")
}

func TestSubmit_UnavailableFirstJob(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a")})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestSubmit_UnavailablePartWayKeepsAccepted(t *testing.T) {
	calls := 0
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"job_id": 7})
	})

	res, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a"), descriptor("b"), descriptor("c")})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
	assert.Equal(t, map[string]string{"a": "7"}, res.Refs)
	assert.Empty(t, res.Rejected, "unsent jobs are neither accepted nor rejected")
	assert.Equal(t, 2, calls, "submission stops at the first unavailable response")
}

func TestSubmit_ServerErrorWithoutReasonIsUnavailable(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"errors": []any{}})
	})

	res, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a")})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
	assert.Empty(t, res.Rejected)
}

func TestSubmit_BadCredentials(t *testing.T) {
	calls := 0
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	res, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a"), descriptor("b")})
	assert.ErrorIs(t, err, models.ErrBackendConfig)
	assert.NotErrorIs(t, err, models.ErrBackendUnavailable)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, 1, calls)
}

func TestSubmit_Unreachable(t *testing.T) {
	b := NewBackend(config.SlurmConfig{BaseURL: "http://127.0.0.1:1", APIVersion: "v0.0.40", Timeout: time.Second})

	_, err := b.Submit(context.Background(), []models.JobDescriptor{descriptor("a")})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestPoll_MapsStates(t *testing.T) {
	states := map[string]string{
		"1": "PENDING",
		"2": "RUNNING",
		"3": "COMPLETED",
		"4": "OUT_OF_MEMORY",
		"5": "SOMETHING_NEW",
	}
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/slurm/v0.0.40/job/")
		st, ok := states[id]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{{"error": "Invalid job id specified"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jobs": []map[string]any{{"job_id": json.Number(id), "job_state": []string{st}}},
		})
	})

	got, err := b.Poll(context.Background(), []string{"1", "2", "3", "4", "5", "999"})
	require.NoError(t, err)
	assert.Equal(t, map[string]models.LiveStatus{
		"1":   models.LiveQueued,
		"2":   models.LiveRunning,
		"3":   models.LiveDone,
		"4":   models.LiveFailed,
		"5":   models.LiveUnknown,
		"999": models.LiveUnknown,
	}, got)
}

func TestPoll_Unavailable(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})

	_, err := b.Poll(context.Background(), []string{"1"})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestPoll_ServerErrorIsUnavailable(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"error": "slurmctld internal error"}},
		})
	})

	got, err := b.Poll(context.Background(), []string{"101"})
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "slurmctld internal error")
	assert.Nil(t, got)
}

func TestPoll_NotFoundIsUnknown(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	got, err := b.Poll(context.Background(), []string{"101"})
	require.NoError(t, err)
	assert.Equal(t, map[string]models.LiveStatus{"101": models.LiveUnknown}, got)
}

func TestPoll_BadCredentials(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := b.Poll(context.Background(), []string{"101"})
	assert.ErrorIs(t, err, models.ErrBackendConfig)
}

func TestCancel_SkipsUnknown(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if strings.HasSuffix(r.URL.Path, "/999") {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{{"error": "Invalid job id specified"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{})
	})

	n, err := b.Cancel(context.Background(), []string{"1", "999", "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain-arg_1.5", shellQuote("plain-arg_1.5"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestParseMemoryMB(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"512", 512, true},
		{"512MB", 512, true},
		{"2G", 2048, true},
		{"2gb", 2048, true},
		{"lots", 0, false},
		{"-1", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseMemoryMB(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
