package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/simcamp/internal/api/response"
	"github.com/kiranshivaraju/simcamp/internal/cache"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// SummaryReader resolves the active stage and counts jobs per status.
type SummaryReader interface {
	GetCampaign(ctx context.Context, name string) (*models.Campaign, error)
	TaskSummary(ctx context.Context, campaign string, stage models.Stage) (models.TaskSummary, error)
}

type summaryView struct {
	models.TaskSummary
	Total    int  `json:"total"`
	Complete bool `json:"complete"`
}

// NewSummaryHandler returns an http.HandlerFunc for
// GET /api/v1/campaigns/{campaign}/summary. Summaries are cached for ttl;
// cache failures fall through to the registry.
func NewSummaryHandler(reg SummaryReader, c cache.Cache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "campaign")
		ctx := r.Context()

		var stage models.Stage
		if v := r.URL.Query().Get("stage"); v != "" {
			st, err := models.ParseStage(v)
			if err != nil {
				writeError(w, r, err)
				return
			}
			stage = st
		} else {
			camp, err := reg.GetCampaign(ctx, name)
			if err != nil {
				writeError(w, r, err)
				return
			}
			stage = camp.ActiveStage
		}

		key := cache.SummaryKey(name, stage)
		if data, found, err := c.Get(ctx, key); err != nil {
			slog.Warn("summary cache read failed", "campaign", name, "error", err)
		} else if found {
			response.Raw(w, data)
			return
		}

		sum, err := reg.TaskSummary(ctx, name, stage)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if sum.Total() == 0 {
			// unknown campaigns and empty stages look alike here
			if _, err := reg.GetCampaign(ctx, name); err != nil {
				writeError(w, r, err)
				return
			}
		}
		view := summaryView{TaskSummary: sum, Total: sum.Total(), Complete: sum.Complete()}
		if data, err := json.Marshal(view); err == nil {
			if err := c.Set(ctx, key, data, ttl); err != nil {
				slog.Warn("summary cache write failed", "campaign", name, "error", err)
			}
		}
		response.JSON(w, view)
	}
}
