package credit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/domain/credit/memory"
	"github.com/carelink/carelink-api/internal/middleware"
	"github.com/carelink/carelink-api/internal/pkg/response"
)

type apiResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

type handlerFixture struct {
	service *credit.Service
	router  chi.Router
	userID  uuid.UUID
	role    string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store := memory.New()
	f := &handlerFixture{service: newService(store, nil), role: "patient"}
	f.userID = openAccount(t, f.service)

	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), f.userID, f.role)))
		})
	}

	h := credit.NewHandler(f.service, credit.NewAuditor(store))
	f.router = chi.NewRouter()
	f.router.Mount("/credits", h.Routes(auth))
	f.router.Mount("/admin/credits", h.AdminRoutes(auth))
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func TestHandlerBalanceAndAccount(t *testing.T) {
	f := newHandlerFixture(t)

	w, resp := f.do(t, http.MethodGet, "/credits/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":20}`, string(resp.Data))

	w, resp = f.do(t, http.MethodGet, "/credits/account", "")
	require.Equal(t, http.StatusOK, w.Code)
	var acct credit.Account
	require.NoError(t, json.Unmarshal(resp.Data, &acct))
	assert.Len(t, acct.ReferralCode, 8)

	f.userID = uuid.New()
	w, resp = f.do(t, http.MethodGet, "/credits/balance", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestHandlerListTransactionsPaginates(t *testing.T) {
	f := newHandlerFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.service.Debit(context.Background(), f.userID, credit.FeatureDrugSearch, "")
		require.NoError(t, err)
	}

	w, resp := f.do(t, http.MethodGet, "/credits/transactions?page=1&page_size=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 3, resp.Meta.Total)
	assert.Equal(t, 2, resp.Meta.Pages)
	assert.True(t, resp.Meta.HasNext)

	var stmt credit.Statement
	require.NoError(t, json.Unmarshal(resp.Data, &stmt))
	assert.Len(t, stmt.Transactions, 2)
	assert.Equal(t, int64(6), stmt.Summary.TotalSpent)
	assert.Equal(t, int64(14), stmt.Summary.CurrentBalance)
}

func TestHandlerDailyBonus(t *testing.T) {
	f := newHandlerFixture(t)

	w, resp := f.do(t, http.MethodPost, "/credits/daily-bonus", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bonus credit.BonusResult
	require.NoError(t, json.Unmarshal(resp.Data, &bonus))
	assert.Equal(t, int64(22), bonus.Balance)

	w, resp = f.do(t, http.MethodPost, "/credits/daily-bonus", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "BONUS_ALREADY_CLAIMED", resp.Error.Code)
	assert.Equal(t, "22", resp.Error.Details["balance"])
	assert.NotEmpty(t, resp.Error.Details["next_eligible_at"])
}

func TestHandlerPricingIsPublic(t *testing.T) {
	f := newHandlerFixture(t)

	w, resp := f.do(t, http.MethodGet, "/credits/pricing", "")
	require.Equal(t, http.StatusOK, w.Code)

	var items []struct {
		Feature string `json:"feature"`
		Cost    int64  `json:"cost"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &items))
	assert.Len(t, items, 8)

	prices := credit.DefaultPricing().Prices()
	for i, item := range items {
		assert.Equal(t, prices[item.Feature], item.Cost, item.Feature)
		if i > 0 {
			assert.Less(t, items[i-1].Feature, item.Feature)
		}
	}
}

func TestHandlerListTransactionsClampsHugePage(t *testing.T) {
	f := newHandlerFixture(t)
	_, err := f.service.Debit(context.Background(), f.userID, credit.FeatureDrugSearch, "")
	require.NoError(t, err)

	w, resp := f.do(t, http.MethodGet, "/credits/transactions?page=9223372036854775807&page_size=100", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, resp.Meta)
	assert.Equal(t, credit.MaxTransactionPage, resp.Meta.Page)
	assert.Equal(t, 1, resp.Meta.Total)
	assert.False(t, resp.Meta.HasNext)

	var stmt credit.Statement
	require.NoError(t, json.Unmarshal(resp.Data, &stmt))
	assert.Empty(t, stmt.Transactions)
}

func TestHandlerAdminRequiresRole(t *testing.T) {
	f := newHandlerFixture(t)

	w, _ := f.do(t, http.MethodGet, "/admin/credits/"+f.userID.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlerAdminAdjustments(t *testing.T) {
	f := newHandlerFixture(t)
	target := f.userID
	f.role = "admin"

	w, resp := f.do(t, http.MethodPost, "/admin/credits/"+target.String()+"/grant", `{"amount":50,"reason":"goodwill","reference":"ticket-1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res credit.CreditResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Equal(t, int64(70), res.Balance)

	w, resp = f.do(t, http.MethodPost, "/admin/credits/"+target.String()+"/grant", `{"amount":50,"reason":"goodwill","reference":"ticket-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(70), res.Balance)

	w, resp = f.do(t, http.MethodPost, "/admin/credits/"+target.String()+"/refund", `{"amount":0,"reason":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)

	w, _ = f.do(t, http.MethodPost, "/admin/credits/not-a-uuid/refund", `{"amount":5,"reason":"refund"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = f.do(t, http.MethodPost, "/admin/credits/"+target.String()+"/refund", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)

	w, resp = f.do(t, http.MethodGet, "/admin/credits/"+target.String()+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Consistent bool `json:"consistent"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &audit))
	assert.True(t, audit.Consistent)
}
