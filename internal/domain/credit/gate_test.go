package credit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/domain/credit/memory"
	"github.com/carelink/carelink-api/internal/middleware"
)

var (
	_ middleware.CreditDenial = (*credit.Denial)(nil)
	_ middleware.CreditMeter  = (*credit.Gate)(nil)
)

func TestGateChargesOnlyAfterSuccess(t *testing.T) {
	ctx := context.Background()
	service := newService(memory.New(), nil)
	gate := credit.NewGate(service)
	userID := openAccount(t, service)

	called := 0
	charge, err := gate.Run(ctx, userID, credit.FeaturePrescription, func(ctx context.Context) (string, error) {
		called++
		return "Prescription draft", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.Equal(t, int64(8), charge.Cost)
	assert.Equal(t, int64(12), charge.Balance)

	stmt, err := service.ListTransactions(ctx, userID, 1, 10)
	require.NoError(t, err)
	require.Len(t, stmt.Transactions, 1)
	assert.Equal(t, "Prescription draft", stmt.Transactions[0].Description)
	require.NotNil(t, stmt.Transactions[0].Feature)
	assert.Equal(t, credit.FeaturePrescription, *stmt.Transactions[0].Feature)
}

func TestGateFailedWorkIsFree(t *testing.T) {
	ctx := context.Background()
	service := newService(memory.New(), nil)
	gate := credit.NewGate(service)
	userID := openAccount(t, service)

	boom := errors.New("upstream timeout")
	_, err := gate.Run(ctx, userID, credit.FeatureChat, func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	var denial *credit.Denial
	assert.False(t, errors.As(err, &denial))

	balance, err := service.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestGateDenials(t *testing.T) {
	ctx := context.Background()
	service := newService(memory.New(), nil)
	gate := credit.NewGate(service)
	userID := openAccount(t, service)
	_, err := service.Debit(ctx, userID, credit.FeatureCarePlan, "")
	require.NoError(t, err)

	cases := []struct {
		name    string
		userID  uuid.UUID
		feature string
		reason  credit.DenialReason
	}{
		{name: "unauthenticated", userID: uuid.Nil, feature: credit.FeatureChat, reason: credit.DenialUnauthenticated},
		{name: "unknown feature", userID: userID, feature: "teleport", reason: credit.DenialUnknownFeature},
		{name: "no account", userID: uuid.New(), feature: credit.FeatureChat, reason: credit.DenialAccountNotFound},
		{name: "insufficient", userID: userID, feature: credit.FeatureNotes, reason: credit.DenialInsufficientBalance},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			_, err := gate.Run(ctx, tc.userID, tc.feature, func(ctx context.Context) (string, error) {
				called = true
				return "", nil
			})

			var denial *credit.Denial
			require.ErrorAs(t, err, &denial)
			assert.Equal(t, tc.reason, denial.Reason)
			assert.False(t, denial.AfterWork)
			assert.False(t, called, "work must not run when denied")
		})
	}

	_, err = gate.Run(ctx, userID, credit.FeatureNotes, func(ctx context.Context) (string, error) { return "", nil })
	var denial *credit.Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, int64(5), denial.Balance)
	assert.Equal(t, int64(10), denial.Required)
}

// racingLedger approves access and then loses the debit.
type racingLedger struct {
	debitErr error
	result   *credit.DebitResult
	checkErr error
}

func (l *racingLedger) CheckAccess(_ context.Context, _ uuid.UUID, feature string) (*credit.AccessDecision, error) {
	if l.checkErr != nil {
		return nil, l.checkErr
	}
	return &credit.AccessDecision{Allowed: true, Feature: feature, Balance: 5, Required: 5}, nil
}

func (l *racingLedger) Debit(context.Context, uuid.UUID, string, string) (*credit.DebitResult, error) {
	return l.result, l.debitErr
}

func TestGateWithholdsResultWhenDebitFails(t *testing.T) {
	cases := []struct {
		name   string
		ledger *racingLedger
		reason credit.DenialReason
	}{
		{
			name:   "spent concurrently",
			ledger: &racingLedger{debitErr: credit.ErrInsufficientBalance, result: &credit.DebitResult{Balance: 0, Required: 5}},
			reason: credit.DenialInsufficientBalance,
		},
		{
			name:   "storage down",
			ledger: &racingLedger{debitErr: credit.ErrStorageUnavailable},
			reason: credit.DenialLedgerUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			_, err := credit.NewGate(tc.ledger).Run(context.Background(), uuid.New(), credit.FeatureChat, func(ctx context.Context) (string, error) {
				called = true
				return "", nil
			})

			var denial *credit.Denial
			require.ErrorAs(t, err, &denial)
			assert.True(t, called)
			assert.True(t, denial.AfterWork)
			assert.Equal(t, tc.reason, denial.Reason)
		})
	}
}

func TestGateFailsClosedOnUnexpectedErrors(t *testing.T) {
	ledger := &racingLedger{checkErr: errors.New("connection reset")}
	cost, balance, err := credit.NewGate(ledger).Meter(context.Background(), uuid.New(), credit.FeatureChat, func(ctx context.Context) (string, error) {
		t.Fatal("work must not run")
		return "", nil
	})

	var denial *credit.Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, credit.DenialLedgerUnavailable, denial.Reason)
	assert.Zero(t, cost)
	assert.Zero(t, balance)
	assert.Equal(t, "ledger_unavailable", denial.DenialCode())
}
