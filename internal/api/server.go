package api

import (
	"net/http"

	"github.com/kiranshivaraju/simcamp/internal/api/handler"
	mw "github.com/kiranshivaraju/simcamp/internal/api/middleware"
	"github.com/kiranshivaraju/simcamp/internal/cache"
	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/kiranshivaraju/simcamp/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services are the collaborators behind the status API.
type Services struct {
	DB         handler.Pinger
	Cache      cache.Cache
	Registry   *registry.Registry
	Controller *controller.Controller
	Gatherer   prometheus.Gatherer
	Config     config.ServerConfig
}

// NewHandler wires every route to its service.
func NewHandler(s Services) http.Handler {
	c := s.Cache
	if c == nil {
		c = cache.Nop{}
	}
	deps := Dependencies{
		Auth:      mw.NewAuth(s.Config.APIKeyHash),
		RateLimit: mw.NewRateLimit(c, s.Config.RateLimit),

		HealthHandler:   handler.NewHealthHandler(s.DB, c),
		ListCampaigns:   handler.NewListCampaignsHandler(s.Registry),
		GetCampaign:     handler.NewGetCampaignHandler(s.Registry),
		GetSummary:      handler.NewSummaryHandler(s.Registry, c, s.Config.SummaryTTL),
		ListJobs:        handler.NewListJobsHandler(s.Registry),
		RunPassHandler:  handler.NewRunPassHandler(s.Controller, c),
		ResubmitHandler: handler.NewResubmitHandler(s.Controller, c),
	}
	if s.Gatherer != nil {
		deps.Metrics = promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})
	}
	return NewRouter(deps)
}
