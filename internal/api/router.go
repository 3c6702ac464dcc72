// Package api assembles the HTTP status API of simcamp.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/simcamp/internal/api/middleware"
	"github.com/kiranshivaraju/simcamp/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	ListCampaigns   http.HandlerFunc
	GetCampaign     http.HandlerFunc
	GetSummary      http.HandlerFunc
	ListJobs        http.HandlerFunc
	RunPassHandler  http.HandlerFunc
	ResubmitHandler http.HandlerFunc

	// Metrics serves the Prometheus exposition format.
	Metrics http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
// Reads are public; anything that changes job state needs the operator key.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1/campaigns", func(r chi.Router) {
		r.Get("/", orNotImplemented(deps.ListCampaigns))
		r.Get("/{campaign}", orNotImplemented(deps.GetCampaign))
		r.Get("/{campaign}/summary", orNotImplemented(deps.GetSummary))
		r.Get("/{campaign}/jobs", orNotImplemented(deps.ListJobs))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)
			r.Use(deps.RateLimit.Limit)

			r.Post("/{campaign}/passes", orNotImplemented(deps.RunPassHandler))
			r.Post("/{campaign}/resubmit", orNotImplemented(deps.ResubmitHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not implemented", nil)
	}
}
