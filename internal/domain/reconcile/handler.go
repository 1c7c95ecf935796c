package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/middleware"
	"github.com/carelink/carelink-api/internal/pkg/errorhandler"
	"github.com/carelink/carelink-api/internal/pkg/logger"
	"github.com/carelink/carelink-api/internal/pkg/response"
	"github.com/carelink/carelink-api/internal/pkg/validator"
)

const maxWebhookBody = 64 << 10

// SignupRequest is the body of the registration hook.
type SignupRequest struct {
	ReferralCode string `json:"referral_code" validate:"omitempty,referral_code"`
}

type signupResponse struct {
	*SignupResult
	ReferralError string `json:"referral_error,omitempty"`
}

type Handler struct {
	payments      *PaymentReconciler
	signup        *Signup
	webhookSecret string
}

func NewHandler(payments *PaymentReconciler, signup *Signup, webhookSecret string) *Handler {
	return &Handler{payments: payments, signup: signup, webhookSecret: webhookSecret}
}

// PaymentWebhook handles POST /webhooks/payments
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Failed to read body")
		return
	}

	if !VerifySignature(h.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		logger.FromContext(r.Context()).Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("Payment webhook signature rejected")
		response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", ErrInvalidSignature.Error())
		return
	}

	var ev PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&ev); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	outcome, err := h.payments.HandlePayment(r.Context(), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, outcome)
}

// ListPacks handles GET /billing/packs
func (h *Handler) ListPacks(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.payments.Catalog().List())
}

// Register handles POST /billing/signup
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req SignupRequest
	if r.ContentLength != 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	result, err := h.signup.Register(r.Context(), userID, req.ReferralCode)
	if result == nil {
		h.writeError(w, r, err)
		return
	}

	resp := signupResponse{SignupResult: result}
	if err != nil {
		logger.FromContext(r.Context()).Warn().Err(err).
			Str("user_id", userID.String()).
			Msg("Referral not applied at signup")
		resp.ReferralError = referralMessage(err)
	}

	if result.Created {
		response.Created(w, resp)
		return
	}
	response.OK(w, resp)
}

func referralMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidReferralCode):
		return "Referral code not recognised"
	case errors.Is(err, credit.ErrSelfReferral):
		return "You cannot use your own referral code"
	case errors.Is(err, credit.ErrReferralAlreadyUsed):
		return "Referral already applied"
	case errors.Is(err, credit.ErrReferralPartial):
		return "Referral reward is delayed"
	default:
		return "Referral could not be applied"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnknownPack), errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrNoCredits):
		response.Error(w, http.StatusUnprocessableEntity, "PAYMENT_REJECTED", err.Error())
	case errors.Is(err, credit.ErrReferenceConflict):
		response.Conflict(w, "Payment reference already used for a different credit")
	case errors.Is(err, credit.ErrInvalidAmount):
		response.BadRequest(w, err.Error())
	case errors.Is(err, credit.ErrStorageUnavailable):
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger is temporarily unavailable", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
	}
}

// WebhookRoutes mounts gateway callbacks. They authenticate by signature.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/payments", h.PaymentWebhook)
	return r
}

// Routes mounts the billing endpoints.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/packs", h.ListPacks)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/signup", h.Register)
	})

	return r
}
