package reconcile

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/domain/credit/memory"
)

func newLedger(t *testing.T) *credit.Service {
	t.Helper()
	return credit.NewService(memory.New(), credit.DefaultPricing(), credit.DefaultServiceConfig())
}

func openAccount(t *testing.T, svc *credit.Service) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, created, err := svc.OpenAccount(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, created)
	return userID
}

func TestHandlePaymentRedeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t)
	userID := openAccount(t, svc)
	rec := NewPaymentReconciler(svc, nil)

	ev := PaymentEvent{
		EventID:   "evt_1",
		Reference: "pay_123",
		UserID:    userID,
		Status:    "succeeded",
		Credits:   300,
	}

	first, err := rec.HandlePayment(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, first.Status)
	assert.Equal(t, int64(320), first.Balance)
	assert.False(t, first.Duplicate)

	ev.EventID = "evt_1_retry"
	second, err := rec.HandlePayment(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Status)
	assert.Equal(t, int64(320), second.Balance)
	assert.True(t, second.Duplicate)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(320), balance)

	stmt, err := svc.ListTransactions(ctx, userID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, stmt.Total)
	assert.Equal(t, credit.TxTypePurchase, stmt.Transactions[0].Type)
}

func TestHandlePaymentPackPricing(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t)
	userID := openAccount(t, svc)
	rec := NewPaymentReconciler(svc, nil)

	out, err := rec.HandlePayment(ctx, PaymentEvent{
		EventID:   "evt_pack",
		Reference: "pay_pack_1",
		UserID:    userID,
		Status:    "paid",
		PackID:    "value",
		Amount:    decimal.RequireFromString("12.99"),
		Currency:  "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), out.Credits)
	assert.Equal(t, int64(320), out.Balance)

	_, err = rec.HandlePayment(ctx, PaymentEvent{
		EventID:   "evt_cheap",
		Reference: "pay_pack_2",
		UserID:    userID,
		Status:    "paid",
		PackID:    "pro",
		Amount:    decimal.RequireFromString("1.00"),
	})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = rec.HandlePayment(ctx, PaymentEvent{
		EventID:   "evt_unknown",
		Reference: "pay_pack_3",
		UserID:    userID,
		Status:    "paid",
		PackID:    "enterprise",
	})
	assert.ErrorIs(t, err, ErrUnknownPack)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(320), balance)
}

func TestHandlePaymentIgnoresIncompleteStatuses(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t)
	userID := openAccount(t, svc)
	rec := NewPaymentReconciler(svc, nil)

	for _, status := range []string{"pending", "failed", "canceled", "refunded", "mystery"} {
		out, err := rec.HandlePayment(ctx, PaymentEvent{
			EventID:   "evt_" + status,
			Reference: "pay_" + status,
			UserID:    userID,
			Status:    status,
			Credits:   100,
		})
		require.NoError(t, err, status)
		assert.Equal(t, OutcomeIgnored, out.Status, status)
	}

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestHandlePaymentOpensMissingAccount(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t)
	rec := NewPaymentReconciler(svc, nil)
	userID := uuid.New()

	out, err := rec.HandlePayment(ctx, PaymentEvent{
		EventID:   "evt_early",
		Reference: "pay_early",
		UserID:    userID,
		Status:    "completed",
		Credits:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(120), out.Balance)
}

func TestHandlePaymentRejectsZeroCredits(t *testing.T) {
	svc := newLedger(t)
	userID := openAccount(t, svc)
	rec := NewPaymentReconciler(svc, nil)

	_, err := rec.HandlePayment(context.Background(), PaymentEvent{
		EventID:   "evt_zero",
		Reference: "pay_zero",
		UserID:    userID,
		Status:    "completed",
	})
	assert.ErrorIs(t, err, ErrNoCredits)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"SUCCESS":     StatusCompleted,
		" paid ":      StatusCompleted,
		"processing":  StatusPending,
		"declined":    StatusFailed,
		"expired":     StatusCancelled,
		"chargeback":  StatusRefunded,
		"":            StatusUnknown,
		"on_the_moon": StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeStatus(in), in)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	sig := Sign("whsec", body)

	assert.True(t, VerifySignature("whsec", body, sig))
	assert.True(t, VerifySignature("whsec", body, "sha256="+sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("whsec", []byte(`{"event_id":"evt_2"}`), sig))
	assert.False(t, VerifySignature("whsec", body, "not-hex"))
	assert.False(t, VerifySignature("", body, sig))
}
