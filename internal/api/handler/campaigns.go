package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/simcamp/internal/api/response"
	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// CampaignReader is the read side of the job registry.
type CampaignReader interface {
	ListCampaigns(ctx context.Context) ([]*models.Campaign, error)
	GetCampaign(ctx context.Context, name string) (*models.Campaign, error)
	ListJobs(ctx context.Context, filter registry.JobFilter) ([]*models.Job, int, error)
}

// NewListCampaignsHandler returns an http.HandlerFunc for GET /api/v1/campaigns.
func NewListCampaignsHandler(reg CampaignReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		camps, err := reg.ListCampaigns(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if camps == nil {
			camps = []*models.Campaign{}
		}
		response.JSON(w, camps)
	}
}

// NewGetCampaignHandler returns an http.HandlerFunc for
// GET /api/v1/campaigns/{campaign}.
func NewGetCampaignHandler(reg CampaignReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		camp, err := reg.GetCampaign(r.Context(), chi.URLParam(r, "campaign"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, camp)
	}
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// NewListJobsHandler returns an http.HandlerFunc for
// GET /api/v1/campaigns/{campaign}/jobs.
func NewListJobsHandler(reg CampaignReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "campaign")
		q := r.URL.Query()

		filter := registry.JobFilter{Campaign: name, Page: 1, Limit: defaultPageLimit}
		details := map[string]string{}
		if v := q.Get("stage"); v != "" {
			st, err := models.ParseStage(v)
			if err != nil {
				details["stage"] = err.Error()
			}
			filter.Stage = st
		}
		if v := q.Get("status"); v != "" {
			st, err := models.ParseStatus(v)
			if err != nil {
				details["status"] = err.Error()
			}
			filter.Status = st
		}
		if v := q.Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				details["page"] = "page must be a positive integer"
			}
			filter.Page = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxPageLimit {
				details["limit"] = "limit must be between 1 and 500"
			}
			filter.Limit = n
		}
		if len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", details)
			return
		}

		if _, err := reg.GetCampaign(r.Context(), name); err != nil {
			writeError(w, r, err)
			return
		}
		jobs, total, err := reg.ListJobs(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.Page(filter.Page, filter.Limit, total))
	}
}
