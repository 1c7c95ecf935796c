package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/middleware"
)

const testSecret = "whsec_test"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newTestHandler(t *testing.T) (*Handler, *credit.Service) {
	t.Helper()
	svc := newLedger(t)
	return NewHandler(NewPaymentReconciler(svc, nil), NewSignup(svc), testSecret), svc
}

func postWebhook(h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	h.WebhookRoutes().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestPaymentWebhookCreditsAndDeduplicates(t *testing.T) {
	h, svc := newTestHandler(t)
	userID := openAccount(t, svc)

	body, err := json.Marshal(map[string]interface{}{
		"event_id":  "evt_9",
		"reference": "pay_123",
		"user_id":   userID,
		"status":    "completed",
		"pack_id":   "value",
		"amount":    "12.99",
		"currency":  "USD",
	})
	require.NoError(t, err)

	for i, want := range []string{OutcomeCredited, OutcomeDuplicate} {
		w := postWebhook(h, body, Sign(testSecret, body))
		require.Equal(t, http.StatusOK, w.Code, "delivery %d: %s", i, w.Body.String())

		var out PaymentOutcome
		require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
		assert.Equal(t, want, out.Status)
		assert.Equal(t, int64(320), out.Balance)
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	h, svc := newTestHandler(t)
	userID := openAccount(t, svc)

	body := []byte(`{"event_id":"e","reference":"pay_1","user_id":"` + userID.String() + `","status":"paid","credits":100}`)

	w := postWebhook(h, body, Sign("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode(t, w).Error.Code)

	w = postWebhook(h, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	balance, err := svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestPaymentWebhookMalformedBodies(t *testing.T) {
	h, _ := newTestHandler(t)

	bad := []byte(`{"event_id":`)
	w := postWebhook(h, bad, Sign(testSecret, bad))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	missing := []byte(`{"event_id":"e","status":"paid","credits":10}`)
	w = postWebhook(h, missing, Sign(testSecret, missing))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, w).Error.Code)
}

func TestPaymentWebhookAmountMismatch(t *testing.T) {
	h, svc := newTestHandler(t)
	userID := openAccount(t, svc)

	body := []byte(`{"event_id":"e","reference":"pay_2","user_id":"` + userID.String() + `","status":"paid","pack_id":"pro","amount":"0.99"}`)
	w := postWebhook(h, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "PAYMENT_REJECTED", decode(t, w).Error.Code)
}

func TestRegisterHandler(t *testing.T) {
	h, svc := newTestHandler(t)
	referrerID := openAccount(t, svc)
	referrer, err := svc.GetAccount(context.Background(), referrerID)
	require.NoError(t, err)

	userID := uuid.New()
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), userID, "patient")))
		})
	}
	routes := h.Routes(auth)

	call := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/signup", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		return w
	}

	w := call(`{"referral_code":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(`{"referral_code":"bad"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = call(`{"referral_code":"` + referrer.ReferralCode + `"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res signupResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &res))
	assert.True(t, res.ReferralApplied)
	assert.Equal(t, int64(45), res.Account.Balance)

	w = call(`{}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListPacks(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/packs", nil)
	w := httptest.NewRecorder()
	h.Routes(func(next http.Handler) http.Handler { return next }).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var packs []CreditPack
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &packs))
	require.Len(t, packs, 3)
	assert.Equal(t, "starter", packs[0].ID)
	assert.Equal(t, "39.99", packs[2].Price.StringFixed(2))
}
