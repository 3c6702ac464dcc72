package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/simcamp/internal/api/response"
	"github.com/kiranshivaraju/simcamp/internal/cache"
	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// Operator is the part of the campaign controller the admin routes drive.
type Operator interface {
	RunPass(ctx context.Context, name string) (*controller.PassReport, error)
	ForceResubmit(ctx context.Context, name string, sel controller.Selection) (*controller.ActionReport, error)
}

// NewRunPassHandler returns an http.HandlerFunc for
// POST /api/v1/campaigns/{campaign}/passes. A deferred pass answers 503
// with Retry-After.
func NewRunPassHandler(ctl Operator, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "campaign")
		report, err := ctl.RunPass(r.Context(), name)
		if report != nil && report.Stage != "" {
			invalidate(r.Context(), c, name, report.Stage, report.NextStage)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, report)
	}
}

type resubmitRequest struct {
	JobIDs []string `json:"job_ids"`
	Status string   `json:"status"`
	Stage  string   `json:"stage"`
}

// NewResubmitHandler returns an http.HandlerFunc for
// POST /api/v1/campaigns/{campaign}/resubmit.
func NewResubmitHandler(ctl Operator, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "campaign")

		var req resubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		sel, err := req.selection()
		if err != nil {
			writeError(w, r, err)
			return
		}

		report, err := ctl.ForceResubmit(r.Context(), name, sel)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, st := range models.Stages {
			invalidate(r.Context(), c, name, st)
		}
		response.JSON(w, report)
	}
}

func (req resubmitRequest) selection() (controller.Selection, error) {
	var sel controller.Selection
	for _, id := range req.JobIDs {
		if id = strings.TrimSpace(id); id != "" {
			sel.JobIDs = append(sel.JobIDs, id)
		}
	}
	if req.Status != "" {
		st, err := models.ParseStatus(req.Status)
		if err != nil {
			return sel, err
		}
		sel.Status = st
	}
	if req.Stage != "" {
		st, err := models.ParseStage(req.Stage)
		if err != nil {
			return sel, err
		}
		sel.Stage = st
	}
	if len(sel.JobIDs) == 0 && sel.Status == "" {
		return sel, &models.ValidationError{Field: "selection", Reason: "job_ids or status is required"}
	}
	return sel, nil
}

// invalidate drops cached summaries a mutation may have changed.
func invalidate(ctx context.Context, c cache.Cache, name string, stages ...models.Stage) {
	ctx = context.WithoutCancel(ctx)
	for _, st := range stages {
		if st == "" {
			continue
		}
		if err := c.Delete(ctx, cache.SummaryKey(name, st)); err != nil {
			slog.Warn("summary cache invalidation failed", "campaign", name, "stage", st, "error", err)
		}
	}
}
