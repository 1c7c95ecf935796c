package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type stubDenial struct {
	code     string
	balance  int64
	required int64
}

func (d *stubDenial) Error() string        { return "denied: " + d.code }
func (d *stubDenial) DenialCode() string   { return d.code }
func (d *stubDenial) FeatureValue() string { return "diagnosis" }
func (d *stubDenial) BalanceValue() int64  { return d.balance }
func (d *stubDenial) RequiredValue() int64 { return d.required }

// stubMeter mimics the ledger gate: optional pre-check denial, run, then
// optional post-run denial.
type stubMeter struct {
	before      error
	after       error
	ran         bool
	feature     string
	description string
	charged     int
}

func (m *stubMeter) Meter(ctx context.Context, userID uuid.UUID, feature string, fn func(ctx context.Context) (string, error)) (int64, int64, error) {
	m.feature = feature
	if m.before != nil {
		return 0, 0, m.before
	}
	m.ran = true
	desc, err := fn(ctx)
	if err != nil {
		return 0, 0, err
	}
	m.description = desc
	if m.after != nil {
		return 0, 0, m.after
	}
	m.charged++
	return 5, 15, nil
}

func gatedRequest(userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/features/diagnosis", nil)
	if userID != uuid.Nil {
		req = req.WithContext(WithUser(req.Context(), userID, "patient"))
	}
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (string, map[string]string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%s)", err, w.Body.String())
	}
	return body.Error.Code, body.Error.Details
}

func TestRequireCreditsChargesAfterSuccess(t *testing.T) {
	meter := &stubMeter{}
	h := RequireCredits(meter, "diagnosis")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(CreditDescriptionHeader, "Symptom check: headache")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, gatedRequest(uuid.New()))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if meter.charged != 1 {
		t.Fatalf("expected one charge, got %d", meter.charged)
	}
	if meter.description != "Symptom check: headache" {
		t.Fatalf("unexpected description %q", meter.description)
	}
	if got := w.Header().Get("X-Credits-Balance"); got != "15" {
		t.Fatalf("expected balance header 15, got %q", got)
	}
	if w.Header().Get(CreditDescriptionHeader) != "" {
		t.Fatal("description header must not leak to the client")
	}
	if w.Body.String() != `{"ok":true}` {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
}

func TestRequireCreditsUnauthenticated(t *testing.T) {
	meter := &stubMeter{}
	h := RequireCredits(meter, "diagnosis")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, gatedRequest(uuid.Nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireCreditsDenials(t *testing.T) {
	cases := []struct {
		name   string
		denial error
		status int
		code   string
	}{
		{"unknown feature", &stubDenial{code: "unknown_feature"}, http.StatusNotFound, "UNKNOWN_FEATURE"},
		{"no account", &stubDenial{code: "account_not_found"}, http.StatusForbidden, "ACCOUNT_NOT_FOUND"},
		{"insufficient", &stubDenial{code: "insufficient_balance", balance: 3, required: 5}, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
		{"storage down", &stubDenial{code: "ledger_unavailable"}, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meter := &stubMeter{before: tc.denial}
			h := RequireCredits(meter, "diagnosis")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run")
			}))

			w := httptest.NewRecorder()
			h.ServeHTTP(w, gatedRequest(uuid.New()))

			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			code, details := decodeError(t, w)
			if code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
			if tc.code == "INSUFFICIENT_CREDITS" && (details["balance"] != "3" || details["required"] != "5") {
				t.Fatalf("unexpected details %v", details)
			}
			if tc.code == "LEDGER_UNAVAILABLE" && details["reason"] != "ledger_unavailable" {
				t.Fatalf("unexpected details %v", details)
			}
		})
	}
}

func TestRequireCreditsHandlerFailureIsNotCharged(t *testing.T) {
	meter := &stubMeter{}
	h := RequireCredits(meter, "diagnosis")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, gatedRequest(uuid.New()))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected handler status 502, got %d", w.Code)
	}
	if meter.charged != 0 {
		t.Fatal("failed work must not be charged")
	}
	if w.Header().Get("X-Credits-Charged") != "" {
		t.Fatal("no charge header expected")
	}
}

func TestRequireCreditsWithholdsResultWhenDebitFails(t *testing.T) {
	meter := &stubMeter{after: &stubDenial{code: "insufficient_balance", balance: 0, required: 5}}
	h := RequireCredits(meter, "diagnosis")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("paid result"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, gatedRequest(uuid.New()))

	if !meter.ran {
		t.Fatal("handler should have run")
	}
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if got := w.Body.String(); got == "paid result" {
		t.Fatal("result must be withheld when the charge fails")
	}
}

func TestRequireCreditsNilMeterFailsClosed(t *testing.T) {
	h := RequireCredits(nil, "diagnosis")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, gatedRequest(uuid.New()))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if code, _ := decodeError(t, w); code != "LEDGER_UNAVAILABLE" {
		t.Fatalf("expected LEDGER_UNAVAILABLE, got %s", code)
	}
}

func TestRequireCreditsUntypedMeterErrorIsUnavailable(t *testing.T) {
	meter := &stubMeter{before: errors.New("connection refused")}
	h := RequireCredits(meter, "diagnosis")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, gatedRequest(uuid.New()))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if code, _ := decodeError(t, w); code != "LEDGER_UNAVAILABLE" {
		t.Fatalf("expected LEDGER_UNAVAILABLE, got %s", code)
	}
}

func TestRequireCreditsReadsFeatureFromRoute(t *testing.T) {
	meter := &stubMeter{}
	r := chi.NewRouter()
	r.With(RequireCredits(meter, "")).Post("/features/{feature}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, gatedRequest(uuid.New()))

	if meter.feature != "diagnosis" {
		t.Fatalf("expected feature from route, got %q", meter.feature)
	}
}
