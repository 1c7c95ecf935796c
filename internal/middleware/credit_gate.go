package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/pkg/errorhandler"
	"github.com/carelink/carelink-api/internal/pkg/response"
)

// CreditDescriptionHeader lets a metered handler label its usage row.
// It is stripped before the response reaches the client.
const CreditDescriptionHeader = "X-Credit-Description"

// CreditMeter runs a unit of work and charges for it only if the work succeeds.
type CreditMeter interface {
	Meter(ctx context.Context, userID uuid.UUID, feature string, fn func(ctx context.Context) (string, error)) (cost, balance int64, err error)
}

// CreditDenial describes a refused or unbillable request.
type CreditDenial interface {
	error
	DenialCode() string
	FeatureValue() string
	BalanceValue() int64
	RequiredValue() int64
}

var errHandlerFailed = errors.New("metered handler returned non-2xx")

// RequireCredits gates a handler behind the credit ledger. An empty feature is
// read from the {feature} route param. The handler's response is held back
// until the charge commits; a non-2xx response is passed through uncharged.
func RequireCredits(meter CreditMeter, feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if meter == nil {
				response.ServiceUnavailable(w, "LEDGER_UNAVAILABLE", "Credit ledger is not configured")
				return
			}

			userID := GetUserID(r.Context())
			if userID == uuid.Nil {
				response.Unauthorized(w, "unauthorized")
				return
			}

			name := feature
			if name == "" {
				name = chi.URLParam(r, "feature")
			}

			buf := newBufferedResponse()
			cost, balance, err := meter.Meter(r.Context(), userID, name, func(ctx context.Context) (string, error) {
				next.ServeHTTP(buf, r.WithContext(ctx))
				if buf.status < 200 || buf.status >= 300 {
					return "", errHandlerFailed
				}
				return buf.header.Get(CreditDescriptionHeader), nil
			})
			if err != nil {
				if errors.Is(err, errHandlerFailed) {
					buf.flush(w)
					return
				}
				WriteCreditDenied(w, r, err)
				return
			}

			buf.header.Set("X-Credits-Charged", strconv.FormatInt(cost, 10))
			buf.header.Set("X-Credits-Balance", strconv.FormatInt(balance, 10))
			buf.flush(w)
		})
	}
}

// WriteCreditDenied writes the structured error for a gate denial.
// Ledger failures are logged with the request id.
func WriteCreditDenied(w http.ResponseWriter, r *http.Request, err error) {
	var denial CreditDenial
	if !errors.As(err, &denial) {
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger is temporarily unavailable", err)
		return
	}

	details := map[string]string{
		"feature": denial.FeatureValue(),
		"reason":  denial.DenialCode(),
	}

	switch denial.DenialCode() {
	case "unauthenticated":
		response.Unauthorized(w, "unauthorized")
	case "unknown_feature":
		response.ErrorWithDetails(w, http.StatusNotFound, "UNKNOWN_FEATURE", "Feature is not available", details)
	case "account_not_found":
		response.ErrorWithDetails(w, http.StatusForbidden, "ACCOUNT_NOT_FOUND", "No credit account for this user", details)
	case "insufficient_balance":
		details["balance"] = strconv.FormatInt(denial.BalanceValue(), 10)
		details["required"] = strconv.FormatInt(denial.RequiredValue(), 10)
		response.ErrorWithDetails(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits for this feature", details)
	default:
		errorhandler.HandleErrorWithDetails(r.Context(), w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger is temporarily unavailable, please retry", details, err)
	}
}

// bufferedResponse captures a handler's output so it can be withheld.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
	wrote  bool
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wrote {
		return
	}
	b.status = code
	b.wrote = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if !b.wrote {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		if http.CanonicalHeaderKey(k) == CreditDescriptionHeader {
			continue
		}
		dst[k] = v
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
