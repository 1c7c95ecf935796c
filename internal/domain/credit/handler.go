package credit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/middleware"
	"github.com/carelink/carelink-api/internal/pkg/errorhandler"
	"github.com/carelink/carelink-api/internal/pkg/response"
	"github.com/carelink/carelink-api/internal/pkg/validator"
)

// AdjustmentRequest is the body of admin grant and refund calls.
type AdjustmentRequest struct {
	Amount    int64  `json:"amount" validate:"required,min=1,max=1000000"`
	Reason    string `json:"reason" validate:"required,min=3,max=500"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

type Handler struct {
	svc     *Service
	auditor *Auditor
}

func NewHandler(svc *Service, auditor *Auditor) *Handler {
	return &Handler{svc: svc, auditor: auditor}
}

// GetAccount handles GET /credits/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	acct, err := h.svc.GetAccount(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, acct)
}

// GetBalance handles GET /credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, map[string]interface{}{"balance": balance})
}

// ListTransactions handles GET /credits/transactions?page=&page_size=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	page, pageSize = clampPage(page, pageSize)

	stmt, err := h.svc.ListTransactions(r.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	pages := (stmt.Total + pageSize - 1) / pageSize
	response.WithMeta(w, stmt, response.Meta{
		Total:   stmt.Total,
		Page:    page,
		Limit:   pageSize,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1,
	})
}

// ClaimDailyBonus handles POST /credits/daily-bonus
func (h *Handler) ClaimDailyBonus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	result, err := h.svc.ClaimDailyBonus(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if !result.Success {
		details := map[string]string{"balance": strconv.FormatInt(result.Balance, 10)}
		if result.NextEligibleAt != nil {
			details["next_eligible_at"] = result.NextEligibleAt.UTC().Format(time.RFC3339)
		}
		response.ErrorWithDetails(w, http.StatusConflict, "BONUS_ALREADY_CLAIMED", result.Message, details)
		return
	}

	response.OK(w, result)
}

// GetPricing handles GET /credits/pricing
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	pricing := h.svc.Pricing()
	prices := pricing.Prices()
	items := make([]map[string]interface{}, 0, len(prices))
	for _, f := range pricing.Features() {
		items = append(items, map[string]interface{}{"feature": f, "cost": prices[f]})
	}
	response.OK(w, items)
}

// AdminGetAccount handles GET /admin/credits/{userID}
func (h *Handler) AdminGetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	acct, err := h.svc.GetAccount(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, acct)
}

// AdminRefund handles POST /admin/credits/{userID}/refund
func (h *Handler) AdminRefund(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := h.decodeAdjustment(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Refund(r.Context(), userID, req.Amount, req.Reason, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, result)
}

// AdminGrant handles POST /admin/credits/{userID}/grant
func (h *Handler) AdminGrant(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := h.decodeAdjustment(w, r)
	if !ok {
		return
	}

	adminID := middleware.GetUserID(r.Context())
	result, err := h.svc.Credit(r.Context(), CreditRequest{
		UserID:            userID,
		Amount:            req.Amount,
		Type:              TxTypeBonus,
		Description:       fmt.Sprintf("Admin grant by %s: %s", adminID.String(), req.Reason),
		ExternalReference: req.Reference,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, result)
}

// AdminAudit handles GET /admin/credits/{userID}/audit
func (h *Handler) AdminAudit(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	report, err := h.auditor.VerifyAccount(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, map[string]interface{}{
		"consistent": report.Consistent(),
		"report":     report,
	})
}

func (h *Handler) decodeAdjustment(w http.ResponseWriter, r *http.Request) (uuid.UUID, *AdjustmentRequest, bool) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return uuid.Nil, nil, false
	}

	var req AdjustmentRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return uuid.Nil, nil, false
	}

	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return uuid.Nil, nil, false
	}

	return userID, &req, true
}

func parseUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		response.NotFound(w, "Credit account not found")
	case errors.Is(err, ErrUnknownFeature):
		response.NotFound(w, "Unknown feature")
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrReferenceConflict):
		response.Conflict(w, "reference already used with a different amount")
	case errors.Is(err, ErrStorageUnavailable):
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger is temporarily unavailable", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
	}
}

// Routes mounts the user-facing credit endpoints.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/pricing", h.GetPricing)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/account", h.GetAccount)
		r.Get("/balance", h.GetBalance)
		r.Get("/transactions", h.ListTransactions)
		r.Post("/daily-bonus", h.ClaimDailyBonus)
	})

	return r
}

// AdminRoutes mounts the operator endpoints.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireAdmin())

	r.Get("/{userID}", h.AdminGetAccount)
	r.Get("/{userID}/audit", h.AdminAudit)
	r.Post("/{userID}/refund", h.AdminRefund)
	r.Post("/{userID}/grant", h.AdminGrant)

	return r
}
