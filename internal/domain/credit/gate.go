package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/pkg/logger"
)

// DenialReason classifies why the gate refused a request.
type DenialReason string

const (
	DenialUnauthenticated     DenialReason = "unauthenticated"
	DenialUnknownFeature      DenialReason = "unknown_feature"
	DenialAccountNotFound     DenialReason = "account_not_found"
	DenialInsufficientBalance DenialReason = "insufficient_balance"
	DenialLedgerUnavailable   DenialReason = "ledger_unavailable"
)

// Denial is returned by Gate.Run when a request must not be served or its
// result must be withheld.
type Denial struct {
	Reason   DenialReason
	Feature  string
	Balance  int64
	Required int64
	// AfterWork is set when the handler ran but the charge could not be recorded
	AfterWork bool
	Err       error
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("access denied (%s) for %s: %v", d.Reason, d.Feature, d.Err)
	}
	return fmt.Sprintf("access denied (%s) for %s", d.Reason, d.Feature)
}

func (d *Denial) Unwrap() error {
	return d.Err
}

func (d *Denial) DenialCode() string   { return string(d.Reason) }
func (d *Denial) FeatureValue() string { return d.Feature }
func (d *Denial) BalanceValue() int64  { return d.Balance }
func (d *Denial) RequiredValue() int64 { return d.Required }

// Charge describes a successful metered call.
type Charge struct {
	Feature string
	Cost    int64
	Balance int64
}

// Ledger is the subset of Service used by the gate.
type Ledger interface {
	CheckAccess(ctx context.Context, userID uuid.UUID, feature string) (*AccessDecision, error)
	Debit(ctx context.Context, userID uuid.UUID, feature, description string) (*DebitResult, error)
}

// Gate meters a unit of work: check, run, then charge only on success.
type Gate struct {
	ledger Ledger
}

func NewGate(ledger Ledger) *Gate {
	return &Gate{ledger: ledger}
}

// Run checks the balance, calls fn, and debits if fn succeeds. fn returns the
// description recorded on the usage row; an empty one falls back to the
// feature name. fn errors are returned unchanged with no charge. Any *Denial
// returned after fn ran means the caller must discard fn's output.
func (g *Gate) Run(ctx context.Context, userID uuid.UUID, feature string, fn func(ctx context.Context) (string, error)) (*Charge, error) {
	if userID == uuid.Nil {
		return nil, &Denial{Reason: DenialUnauthenticated, Feature: feature}
	}

	decision, err := g.ledger.CheckAccess(ctx, userID, feature)
	if err != nil {
		return nil, denialFor(feature, err, false)
	}
	if !decision.Allowed {
		return nil, &Denial{
			Reason:   DenialInsufficientBalance,
			Feature:  feature,
			Balance:  decision.Balance,
			Required: decision.Required,
		}
	}

	description, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	result, err := g.ledger.Debit(ctx, userID, feature, description)
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).
			Str("user_id", userID.String()).
			Str("feature", feature).
			Msg("Debit failed after feature call, result withheld")

		d := denialFor(feature, err, true)
		if result != nil {
			d.Balance = result.Balance
			d.Required = result.Required
		}
		return nil, d
	}

	return &Charge{Feature: feature, Cost: result.Required, Balance: result.Balance}, nil
}

// Meter is Run with plain return values, for callers that only know the
// denial through its accessor methods.
func (g *Gate) Meter(ctx context.Context, userID uuid.UUID, feature string, fn func(ctx context.Context) (string, error)) (cost, balance int64, err error) {
	charge, err := g.Run(ctx, userID, feature, fn)
	if err != nil {
		return 0, 0, err
	}
	return charge.Cost, charge.Balance, nil
}

func denialFor(feature string, err error, afterWork bool) *Denial {
	d := &Denial{Feature: feature, AfterWork: afterWork, Err: err}
	switch {
	case errors.Is(err, ErrUnknownFeature):
		d.Reason = DenialUnknownFeature
	case errors.Is(err, ErrAccountNotFound):
		d.Reason = DenialAccountNotFound
	case errors.Is(err, ErrInsufficientBalance):
		d.Reason = DenialInsufficientBalance
	default:
		// anything else fails closed
		d.Reason = DenialLedgerUnavailable
	}
	return d
}
