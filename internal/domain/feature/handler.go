package feature

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/middleware"
	"github.com/carelink/carelink-api/internal/pkg/errorhandler"
	"github.com/carelink/carelink-api/internal/pkg/response"
)

const maxFeatureInput = 1 << 20

// AccessChecker answers balance preflight questions.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID uuid.UUID, feature string) (*credit.AccessDecision, error)
}

type Handler struct {
	exec   Executor
	access AccessChecker
	meter  middleware.CreditMeter
}

func NewHandler(exec Executor, access AccessChecker, meter middleware.CreditMeter) *Handler {
	return &Handler{exec: exec, access: access, meter: meter}
}

// Invoke handles POST /features/{feature}. It runs behind RequireCredits, so
// any non-2xx reply here leaves the balance untouched.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "feature")
	userID := middleware.GetUserID(r.Context())

	input, err := io.ReadAll(io.LimitReader(r.Body, maxFeatureInput))
	if err != nil {
		response.BadRequest(w, "Failed to read body")
		return
	}
	if len(input) > 0 && !json.Valid(input) {
		response.BadRequest(w, "Invalid JSON body")
		return
	}

	result, err := h.exec.Execute(r.Context(), name, userID, json.RawMessage(input))
	if err != nil {
		var upstream *UpstreamError
		switch {
		case errors.Is(err, ErrFeatureUnavailable):
			response.ServiceUnavailable(w, "FEATURE_UNAVAILABLE", "Feature is temporarily unavailable")
		case errors.As(err, &upstream):
			errorhandler.LogExternalServiceError(r.Context(), "feature-upstream", name, upstream.StatusCode, err, upstream.Body)
			response.Error(w, http.StatusBadGateway, "UPSTREAM_FAILED", "Feature provider returned an error")
		default:
			errorhandler.HandleError(r.Context(), w, http.StatusBadGateway, "UPSTREAM_FAILED", "Feature provider is unreachable", err)
		}
		return
	}

	if result.Description != "" {
		w.Header().Set(middleware.CreditDescriptionHeader, result.Description)
	}
	response.OK(w, map[string]interface{}{
		"feature": name,
		"output":  result.Output,
	})
}

// CheckAccess handles GET /features/{feature}/access
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	decision, err := h.access.CheckAccess(r.Context(), userID, chi.URLParam(r, "feature"))
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrUnknownFeature):
			response.NotFound(w, "Unknown feature")
		case errors.Is(err, credit.ErrAccountNotFound):
			response.NotFound(w, "Credit account not found")
		default:
			errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger is temporarily unavailable", err)
		}
		return
	}

	response.OK(w, decision)
}

// Routes mounts the metered feature endpoints.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Get("/{feature}/access", h.CheckAccess)
	r.With(middleware.RequireCredits(h.meter, "")).Post("/{feature}", h.Invoke)

	return r
}
