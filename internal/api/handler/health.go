package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/simcamp/internal/api/response"
)

// Pinger is anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// The database must answer; a cache failure only degrades leases, the
// summary cache and rate limiting, so it is reported without failing.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "down"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"Database unavailable", checks)
			return
		}
		status := "ok"
		if checks["cache"] != "ok" {
			status = "degraded"
		}
		response.JSON(w, map[string]any{
			"status":   status,
			"services": checks,
		})
	}
}
