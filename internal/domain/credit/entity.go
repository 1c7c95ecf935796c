package credit

import (
	"time"

	"github.com/google/uuid"
)

// TxType defines supported ledger transaction types.
type TxType string

const (
	TxTypeUsage    TxType = "usage"
	TxTypePurchase TxType = "purchase"
	TxTypeBonus    TxType = "bonus"
	TxTypeRefund   TxType = "refund"
)

// IsCredit reports whether the type adds credits to an account.
func (t TxType) IsCredit() bool {
	switch t {
	case TxTypePurchase, TxTypeBonus, TxTypeRefund:
		return true
	}
	return false
}

// Account holds a user's spendable balance.
type Account struct {
	UserID           uuid.UUID  `db:"user_id" json:"user_id"`
	Balance          int64      `db:"balance" json:"balance"`
	InitialBalance   int64      `db:"initial_balance" json:"initial_balance"`
	LastDailyBonusAt *time.Time `db:"last_daily_bonus_at" json:"last_daily_bonus_at,omitempty"`
	ReferralUsed     bool       `db:"referral_used" json:"referral_used"`
	ReferralCode     string     `db:"referral_code" json:"referral_code"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Transaction is an immutable ledger row.
type Transaction struct {
	ID                int64     `db:"id" json:"id"`
	UserID            uuid.UUID `db:"user_id" json:"user_id"`
	Type              TxType    `db:"type" json:"type"`
	Amount            int64     `db:"amount" json:"amount"`
	Description       string    `db:"description" json:"description"`
	Feature           *string   `db:"feature" json:"feature,omitempty"`
	ExternalReference *string   `db:"external_reference" json:"external_reference,omitempty"`
	BalanceAfter      int64     `db:"balance_after" json:"balance_after"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// Totals aggregates an account's ledger.
type Totals struct {
	TotalEarned int64 `db:"total_earned"`
	TotalSpent  int64 `db:"total_spent"`
	Count       int   `db:"count"`
}

// Summary is returned next to a transaction page.
type Summary struct {
	TotalEarned    int64 `json:"total_earned"`
	TotalSpent     int64 `json:"total_spent"`
	CurrentBalance int64 `json:"current_balance"`
}

// Statement is a page of history plus the account summary.
type Statement struct {
	Transactions []Transaction `json:"transactions"`
	Summary      Summary       `json:"summary"`
	Total        int           `json:"-"`
}

// AccessDecision is the read-only result of CheckAccess.
type AccessDecision struct {
	Allowed  bool   `json:"allowed"`
	Feature  string `json:"feature"`
	Balance  int64  `json:"balance"`
	Required int64  `json:"required"`
}

// DebitResult describes the outcome of a usage charge.
type DebitResult struct {
	Success     bool         `json:"success"`
	Balance     int64        `json:"balance"`
	Required    int64        `json:"required"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// CreditRequest is the input to Service.Credit.
type CreditRequest struct {
	UserID            uuid.UUID
	Amount            int64
	Type              TxType
	Description       string
	ExternalReference string
}

// CreditResult describes the outcome of a credit.
type CreditResult struct {
	Balance     int64        `json:"balance"`
	Duplicate   bool         `json:"duplicate"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// BonusResult describes a daily bonus claim.
type BonusResult struct {
	Success        bool       `json:"success"`
	Amount         int64      `json:"amount"`
	Balance        int64      `json:"balance"`
	Message        string     `json:"message"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// ReferralResult holds balances after a referral payout.
type ReferralResult struct {
	ReferrerBalance int64 `json:"referrer_balance"`
	RefereeBalance  int64 `json:"referee_balance"`
}

// BalanceEvent is emitted after every committed balance change.
type BalanceEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	Type      TxType    `json:"type"`
	Amount    int64     `json:"amount"`
	Balance   int64     `json:"balance"`
	Feature   string    `json:"feature,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
