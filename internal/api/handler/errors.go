package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/simcamp/internal/api/response"
	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
)

// retryAfterSeconds is the hint sent with 503 answers.
const retryAfterSeconds = 30

// writeError maps a service error onto a status code and error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Campaign or job not found", nil)
	case errors.Is(err, models.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, controller.ErrPassDeferred):
		response.Unavailable(w, retryAfterSeconds, "PASS_DEFERRED", err.Error())
	case errors.Is(err, models.ErrBackendUnavailable):
		response.Unavailable(w, retryAfterSeconds, "BACKEND_UNAVAILABLE", err.Error())
	case errors.Is(err, models.ErrBackendConfig):
		slog.Error("backend misconfigured", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusBadGateway, "BACKEND_MISCONFIGURED", err.Error(), nil)
	case errors.Is(err, store.ErrConnection):
		response.Unavailable(w, retryAfterSeconds, "STORE_UNAVAILABLE", "Database unavailable")
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
