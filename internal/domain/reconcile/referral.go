package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/domain/credit"
	"github.com/carelink/carelink-api/internal/pkg/logger"
)

var ErrInvalidReferralCode = errors.New("referral code not recognised")

// SignupResult reports what the registration hook did.
type SignupResult struct {
	Account         *credit.Account        `json:"account"`
	Created         bool                   `json:"created"`
	ReferralApplied bool                   `json:"referral_applied"`
	Referral        *credit.ReferralResult `json:"referral,omitempty"`
}

// Signup opens credit accounts for newly registered users.
type Signup struct {
	ledger Ledger
}

func NewSignup(ledger Ledger) *Signup {
	return &Signup{ledger: ledger}
}

// Register opens the account and, for new accounts only, applies the
// referral code. A bad code does not block the registration.
func (s *Signup) Register(ctx context.Context, userID uuid.UUID, referralCode string) (*SignupResult, error) {
	log := logger.FromContext(ctx)

	acct, created, err := s.ledger.OpenAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := &SignupResult{Account: acct, Created: created}

	referralCode = strings.ToUpper(strings.TrimSpace(referralCode))
	if referralCode == "" || !created {
		return result, nil
	}

	referrerID, err := s.ledger.ResolveReferralCode(ctx, referralCode)
	if errors.Is(err, credit.ErrAccountNotFound) {
		log.Info().Str("user_id", userID.String()).Str("code", referralCode).Msg("Unknown referral code at signup")
		return result, ErrInvalidReferralCode
	}
	if err != nil {
		return result, err
	}

	ref, err := s.ledger.ApplyReferral(ctx, userID, referrerID)
	if err != nil {
		return result, err
	}

	result.ReferralApplied = true
	result.Referral = ref
	result.Account.Balance = ref.RefereeBalance
	result.Account.ReferralUsed = true
	return result, nil
}
