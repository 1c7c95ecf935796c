// Package reconcile turns external events (gateway payments, referral
// signups) into ledger credits. Every credit carries the event's external
// reference so redelivery is harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/pkg/logger"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownPack      = errors.New("unknown credit pack")
	ErrAmountMismatch   = errors.New("payment amount does not match pack price")
	ErrNoCredits        = errors.New("payment carries no credits")
)

// Internal payment statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusRefunded  = "refunded"
	StatusUnknown   = "unknown"
)

// Outcomes reported back to the gateway.
const (
	OutcomeCredited  = "credited"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// PaymentEvent is the gateway's notification body.
type PaymentEvent struct {
	EventID   string          `json:"event_id" validate:"required,max=128"`
	Reference string          `json:"reference" validate:"required,max=128"`
	UserID    uuid.UUID       `json:"user_id" validate:"required"`
	Status    string          `json:"status" validate:"required,max=32"`
	PackID    string          `json:"pack_id" validate:"omitempty,max=32"`
	Credits   int64           `json:"credits" validate:"omitempty,min=1,max=1000000"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" validate:"omitempty,currency"`
}

// PaymentOutcome is the result of reconciling one event.
type PaymentOutcome struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Credits       int64  `json:"credits,omitempty"`
	Balance       int64  `json:"balance,omitempty"`
	Duplicate     bool   `json:"duplicate"`
}

// Ledger is the part of the credit service the adapters need.
type Ledger interface {
	Credit(ctx context.Context, req credit.CreditRequest) (*credit.CreditResult, error)
	OpenAccount(ctx context.Context, userID uuid.UUID) (*credit.Account, bool, error)
	ResolveReferralCode(ctx context.Context, code string) (uuid.UUID, error)
	ApplyReferral(ctx context.Context, newUserID, referrerID uuid.UUID) (*credit.ReferralResult, error)
}

// NormalizeStatus maps gateway status strings onto internal statuses.
func NormalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "completed", "paid", "approved", "captured":
		return StatusCompleted
	case "pending", "processing", "created", "authorized", "in_progress":
		return StatusPending
	case "failed", "declined", "rejected", "error":
		return StatusFailed
	case "cancelled", "canceled", "expired", "voided":
		return StatusCancelled
	case "refunded", "chargeback", "reversed":
		return StatusRefunded
	default:
		return StatusUnknown
	}
}

// PaymentReconciler credits completed purchases exactly once per reference.
type PaymentReconciler struct {
	ledger  Ledger
	catalog *Catalog
}

func NewPaymentReconciler(ledger Ledger, catalog *Catalog) *PaymentReconciler {
	if catalog == nil {
		catalog = NewCatalog(DefaultPacks(""))
	}
	return &PaymentReconciler{ledger: ledger, catalog: catalog}
}

func (r *PaymentReconciler) Catalog() *Catalog {
	return r.catalog
}

// HandlePayment credits a completed payment. Non-completed statuses are
// acknowledged without touching the ledger.
func (r *PaymentReconciler) HandlePayment(ctx context.Context, ev PaymentEvent) (*PaymentOutcome, error) {
	log := logger.FromContext(ctx)
	status := NormalizeStatus(ev.Status)

	if status != StatusCompleted {
		log.Info().
			Str("event_id", ev.EventID).
			Str("reference", ev.Reference).
			Str("status", ev.Status).
			Msg("Payment event ignored")
		return &PaymentOutcome{Status: OutcomeIgnored, PaymentStatus: status}, nil
	}

	credits, description, err := r.resolveCredits(ev)
	if err != nil {
		log.Warn().Err(err).
			Str("event_id", ev.EventID).
			Str("reference", ev.Reference).
			Str("pack_id", ev.PackID).
			Msg("Payment event rejected")
		return nil, err
	}

	req := credit.CreditRequest{
		UserID:            ev.UserID,
		Amount:            credits,
		Type:              credit.TxTypePurchase,
		Description:       description,
		ExternalReference: ev.Reference,
	}

	res, err := r.ledger.Credit(ctx, req)
	if errors.Is(err, credit.ErrAccountNotFound) {
		// paid before the registration hook reached us
		if _, _, openErr := r.ledger.OpenAccount(ctx, ev.UserID); openErr != nil {
			return nil, fmt.Errorf("open account for payment: %w", openErr)
		}
		res, err = r.ledger.Credit(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	outcome := &PaymentOutcome{
		Status:        OutcomeCredited,
		PaymentStatus: status,
		Credits:       credits,
		Balance:       res.Balance,
		Duplicate:     res.Duplicate,
	}
	if res.Duplicate {
		outcome.Status = OutcomeDuplicate
	}

	log.Info().
		Str("event_id", ev.EventID).
		Str("reference", ev.Reference).
		Str("user_id", ev.UserID.String()).
		Int64("credits", credits).
		Bool("duplicate", res.Duplicate).
		Msg("Payment reconciled")

	return outcome, nil
}

func (r *PaymentReconciler) resolveCredits(ev PaymentEvent) (int64, string, error) {
	if ev.PackID == "" {
		if ev.Credits <= 0 {
			return 0, "", ErrNoCredits
		}
		return ev.Credits, fmt.Sprintf("Credit purchase (%d credits)", ev.Credits), nil
	}

	pack, ok := r.catalog.Get(ev.PackID)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownPack, ev.PackID)
	}
	if !ev.Amount.Equal(pack.Price) {
		return 0, "", fmt.Errorf("%w: got %s, want %s", ErrAmountMismatch, ev.Amount.StringFixed(2), pack.Price.StringFixed(2))
	}
	if ev.Currency != "" && !strings.EqualFold(ev.Currency, pack.Currency) {
		return 0, "", fmt.Errorf("%w: currency %s", ErrAmountMismatch, ev.Currency)
	}
	if ev.Credits != 0 && ev.Credits != pack.Credits {
		return 0, "", fmt.Errorf("%w: credits %d for pack %s", ErrAmountMismatch, ev.Credits, pack.ID)
	}
	return pack.Credits, fmt.Sprintf("Credit pack: %s (%d credits)", pack.Name, pack.Credits), nil
}
