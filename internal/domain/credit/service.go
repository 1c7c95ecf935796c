package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/pkg/logger"
)

// ServiceConfig holds the ledger's business constants.
type ServiceConfig struct {
	SignupGrant      int64
	DailyBonusAmount int64
	ReferrerReward   int64
	RefereeReward    int64

	// MaxRetries bounds re-reads when a conditional account write (daily bonus
	// timestamp) loses to a concurrent writer. Balance updates never retry.
	MaxRetries     int
	StorageTimeout time.Duration

	// BonusLocation decides where a calendar day starts for the daily bonus
	BonusLocation *time.Location
	Now           func() time.Time
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SignupGrant:      20,
		DailyBonusAmount: 2,
		ReferrerReward:   50,
		RefereeReward:    25,
		MaxRetries:       5,
		StorageTimeout:   3 * time.Second,
		BonusLocation:    time.UTC,
		Now:              time.Now,
	}
}

// Service owns every balance mutation.
type Service struct {
	store   Store
	pricing PricingTable
	cfg     ServiceConfig
	events  EventPublisher
}

// NewService creates a ledger service. Zero-valued config fields take defaults;
// SignupGrant is kept as given so zero-grant deployments work.
func NewService(store Store, pricing PricingTable, cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if cfg.DailyBonusAmount <= 0 {
		cfg.DailyBonusAmount = def.DailyBonusAmount
	}
	if cfg.ReferrerReward <= 0 {
		cfg.ReferrerReward = def.ReferrerReward
	}
	if cfg.RefereeReward <= 0 {
		cfg.RefereeReward = def.RefereeReward
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = def.StorageTimeout
	}
	if cfg.BonusLocation == nil {
		cfg.BonusLocation = def.BonusLocation
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.SignupGrant < 0 {
		cfg.SignupGrant = 0
	}
	return &Service{store: store, pricing: pricing, cfg: cfg}
}

// SetEventPublisher sets the optional sink for balance events.
func (s *Service) SetEventPublisher(p EventPublisher) {
	s.events = p
}

func (s *Service) Pricing() PricingTable {
	return s.pricing
}

// OpenAccount creates the user's account with the signup grant. Calling it
// again returns the existing account and created=false.
func (s *Service) OpenAccount(ctx context.Context, userID uuid.UUID) (*Account, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	for attempt := 0; attempt < 3; attempt++ {
		code, err := generateReferralCode()
		if err != nil {
			return nil, false, fmt.Errorf("generate referral code: %w", err)
		}

		acct, created, err := s.store.CreateIfAbsent(ctx, userID, s.cfg.SignupGrant, code)
		if errors.Is(err, ErrDuplicateReferralCode) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if created {
			logger.FromContext(ctx).Info().
				Str("user_id", userID.String()).
				Int64("balance", acct.Balance).
				Msg("Credit account opened")
		}
		return acct, created, nil
	}
	return nil, false, fmt.Errorf("%w: could not allocate referral code", ErrStorageUnavailable)
}

// ResolveReferralCode returns the owner of a referral code.
func (s *Service) ResolveReferralCode(ctx context.Context, code string) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	acct, err := s.store.GetByReferralCode(ctx, code)
	if err != nil {
		return uuid.Nil, err
	}
	return acct.UserID, nil
}

func (s *Service) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	return s.store.Get(ctx, userID)
}

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// CheckAccess reports whether the balance covers the feature cost. It never mutates.
// A missing account is reported before an unknown feature.
func (s *Service) CheckAccess(ctx context.Context, userID uuid.UUID, feature string) (*AccessDecision, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	cost, err := s.pricing.Cost(feature)
	if err != nil {
		return nil, err
	}

	return &AccessDecision{
		Allowed:  acct.Balance >= cost,
		Feature:  feature,
		Balance:  acct.Balance,
		Required: cost,
	}, nil
}

// Debit charges the feature cost and records a usage transaction.
// On ErrInsufficientBalance the result still carries balance and required.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, feature, description string) (*DebitResult, error) {
	if description == "" {
		description = feature + " usage"
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	var cost int64
	entry, acct, err := s.apply(ctx, userID, func(acct *Account) (*Transaction, error) {
		c, err := s.pricing.Cost(feature)
		if err != nil {
			return nil, err
		}
		cost = c
		if acct.Balance < cost {
			return nil, ErrInsufficientBalance
		}
		return &Transaction{
			UserID:      userID,
			Type:        TxTypeUsage,
			Amount:      -cost,
			Description: description,
			Feature:     strPtr(feature),
		}, nil
	}, nil)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) && acct != nil {
			return &DebitResult{Success: false, Balance: acct.Balance, Required: cost}, err
		}
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("user_id", userID.String()).
		Str("feature", feature).
		Int64("amount", cost).
		Int64("balance", entry.BalanceAfter).
		Msg("Credits debited")

	return &DebitResult{Success: true, Balance: entry.BalanceAfter, Required: cost, Transaction: entry}, nil
}

// Credit adds credits. With an external reference the call is idempotent per
// type: a replay returns the balance recorded by the original transaction.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !req.Type.IsCredit() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, req.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	if req.ExternalReference != "" {
		if res, err := s.replay(ctx, req); res != nil || err != nil {
			return res, err
		}
	}

	entry, _, err := s.apply(ctx, req.UserID, func(acct *Account) (*Transaction, error) {
		return &Transaction{
			UserID:            req.UserID,
			Type:              req.Type,
			Amount:            req.Amount,
			Description:       req.Description,
			ExternalReference: strPtr(req.ExternalReference),
		}, nil
	}, nil)
	if errors.Is(err, ErrDuplicateExternalReference) {
		// lost the race against a concurrent delivery of the same reference
		res, rerr := s.replay(ctx, req)
		if rerr != nil {
			return nil, rerr
		}
		if res != nil {
			return res, nil
		}
		return nil, fmt.Errorf("%w: duplicate reference not readable", ErrStorageUnavailable)
	}
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("user_id", req.UserID.String()).
		Str("type", string(req.Type)).
		Int64("amount", req.Amount).
		Int64("balance", entry.BalanceAfter).
		Str("external_reference", req.ExternalReference).
		Msg("Credits added")

	return &CreditResult{Balance: entry.BalanceAfter, Transaction: entry}, nil
}

func (s *Service) replay(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	existing, err := s.store.FindByExternalReference(ctx, req.Type, req.ExternalReference)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.UserID != req.UserID || existing.Amount != req.Amount {
		return nil, ErrReferenceConflict
	}

	logger.FromContext(ctx).Debug().
		Str("user_id", req.UserID.String()).
		Str("external_reference", req.ExternalReference).
		Msg("Duplicate credit ignored")

	return &CreditResult{Balance: existing.BalanceAfter, Duplicate: true, Transaction: existing}, nil
}

// Refund returns credits to a user under an explicit admin decision.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int64, reason, reference string) (*CreditResult, error) {
	if reason == "" {
		reason = "Refund"
	}
	return s.Credit(ctx, CreditRequest{
		UserID:            userID,
		Amount:            amount,
		Type:              TxTypeRefund,
		Description:       reason,
		ExternalReference: reference,
	})
}

// ClaimDailyBonus credits the daily bonus once per calendar day.
func (s *Service) ClaimDailyBonus(ctx context.Context, userID uuid.UUID) (*BonusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	now := s.cfg.Now()
	loc := s.cfg.BonusLocation

	entry, acct, err := s.apply(ctx, userID, func(acct *Account) (*Transaction, error) {
		if !bonusEligible(acct.LastDailyBonusAt, now, loc) {
			return nil, errBonusClaimed
		}
		return &Transaction{
			UserID:      userID,
			Type:        TxTypeBonus,
			Amount:      s.cfg.DailyBonusAmount,
			Description: "Daily bonus",
		}, nil
	}, func(ctx context.Context, tx Tx, acct *Account) error {
		ok, err := tx.UpdateBonusTimestamp(ctx, userID, acct.LastDailyBonusAt, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrencyConflict
		}
		return nil
	})
	if errors.Is(err, errBonusClaimed) {
		next := nextBonusAt(now, loc)
		return &BonusResult{
			Success:        false,
			Balance:        acct.Balance,
			Message:        "Daily bonus already claimed today",
			NextEligibleAt: &next,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	next := nextBonusAt(now, loc)
	return &BonusResult{
		Success:        true,
		Amount:         entry.Amount,
		Balance:        entry.BalanceAfter,
		Message:        fmt.Sprintf("Claimed %d bonus credits", entry.Amount),
		NextEligibleAt: &next,
	}, nil
}

// ApplyReferral pays both sides of a referral. It succeeds at most once per new user.
func (s *Service) ApplyReferral(ctx context.Context, newUserID, referrerID uuid.UUID) (*ReferralResult, error) {
	if newUserID == referrerID {
		return nil, ErrSelfReferral
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	if _, err := s.store.Get(ctx, referrerID); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, newUserID); err != nil {
		return nil, err
	}

	err := s.store.InTx(ctx, func(tx Tx) error {
		ok, err := tx.MarkReferralUsed(ctx, newUserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrReferralAlreadyUsed
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}

	log := logger.FromContext(ctx)
	result := &ReferralResult{}
	var failed []error

	referrer, err := s.Credit(ctx, CreditRequest{
		UserID:            referrerID,
		Amount:            s.cfg.ReferrerReward,
		Type:              TxTypeBonus,
		Description:       "Referral reward",
		ExternalReference: "referral:" + newUserID.String() + ":referrer",
	})
	if err != nil {
		failed = append(failed, fmt.Errorf("referrer payout: %w", err))
	} else {
		result.ReferrerBalance = referrer.Balance
	}

	referee, err := s.Credit(ctx, CreditRequest{
		UserID:            newUserID,
		Amount:            s.cfg.RefereeReward,
		Type:              TxTypeBonus,
		Description:       "Referral welcome bonus",
		ExternalReference: "referral:" + newUserID.String() + ":referee",
	})
	if err != nil {
		failed = append(failed, fmt.Errorf("referee payout: %w", err))
	} else {
		result.RefereeBalance = referee.Balance
	}

	if len(failed) > 0 {
		joined := errors.Join(failed...)
		log.Error().Err(joined).
			Str("user_id", newUserID.String()).
			Str("referrer_id", referrerID.String()).
			Msg("Referral payout incomplete")
		return result, fmt.Errorf("%w: %w", ErrReferralPartial, joined)
	}

	log.Info().
		Str("user_id", newUserID.String()).
		Str("referrer_id", referrerID.String()).
		Msg("Referral applied")
	return result, nil
}

// MaxTransactionPage caps the history page number so the row offset stays in range.
const MaxTransactionPage = 10000

// ListTransactions returns one page of history, newest first, with totals.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, page, pageSize int) (*Statement, error) {
	page, pageSize = clampPage(page, pageSize)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	acct, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	txs, err := s.store.ListByAccount(ctx, userID, Pagination{Limit: pageSize, Offset: (page - 1) * pageSize})
	if err != nil {
		return nil, err
	}

	totals, err := s.store.Aggregate(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &Statement{
		Transactions: txs,
		Summary: Summary{
			TotalEarned:    totals.TotalEarned,
			TotalSpent:     totals.TotalSpent,
			CurrentBalance: acct.Balance,
		},
		Total: totals.Count,
	}, nil
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if page > MaxTransactionPage {
		page = MaxTransactionPage
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// apply runs the read, conditional update, append cycle. build sees the
// freshly read account and returns the row to append; guard runs extra
// conditional writes inside the same storage transaction and returns
// ErrConcurrencyConflict to ask for a fresh read. balance_after always comes
// from the conditional update, never from the read. The last read account is
// returned alongside errors from build.
func (s *Service) apply(
	ctx context.Context,
	userID uuid.UUID,
	build func(acct *Account) (*Transaction, error),
	guard func(ctx context.Context, tx Tx, acct *Account) error,
) (*Transaction, *Account, error) {
	log := logger.FromContext(ctx)

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		acct, err := s.store.Get(ctx, userID)
		if err != nil {
			return nil, nil, storageErr(err)
		}

		entry, err := build(acct)
		if err != nil {
			return nil, acct, err
		}
		if acct.Balance+entry.Amount < 0 {
			return nil, acct, ErrInsufficientBalance
		}

		err = s.store.InTx(ctx, func(tx Tx) error {
			if guard != nil {
				if err := guard(ctx, tx, acct); err != nil {
					return err
				}
			}
			balance, ok, err := tx.AdjustBalance(ctx, userID, entry.Amount)
			if err != nil {
				return err
			}
			if !ok {
				return ErrInsufficientBalance
			}
			entry.BalanceAfter = balance
			_, err = tx.Append(ctx, entry)
			return err
		})
		if errors.Is(err, ErrInsufficientBalance) {
			// other debits committed after the read; report the balance they left
			current, gerr := s.store.Get(ctx, userID)
			if gerr != nil {
				return nil, nil, storageErr(gerr)
			}
			return nil, current, ErrInsufficientBalance
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			log.Debug().
				Str("user_id", userID.String()).
				Int("attempt", attempt).
				Msg("Account changed concurrently, retrying")
			if err := sleepCtx(ctx, time.Duration(attempt)*2*time.Millisecond); err != nil {
				return nil, acct, storageErr(err)
			}
			continue
		}
		if err != nil {
			return nil, acct, storageErr(err)
		}

		s.publish(ctx, entry)
		return entry, acct, nil
	}

	log.Warn().
		Str("user_id", userID.String()).
		Int("attempts", s.cfg.MaxRetries).
		Msg("Account update retries exhausted")
	return nil, nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, ErrConcurrencyConflict)
}

func (s *Service) publish(ctx context.Context, entry *Transaction) {
	if s.events == nil {
		return
	}
	event := BalanceEvent{
		UserID:    entry.UserID,
		Type:      entry.Type,
		Amount:    entry.Amount,
		Balance:   entry.BalanceAfter,
		CreatedAt: entry.CreatedAt,
	}
	if entry.Feature != nil {
		event.Feature = *entry.Feature
	}
	// delivery must not inherit the ledger deadline
	if err := s.events.PublishBalance(context.WithoutCancel(ctx), event); err != nil {
		logger.FromContext(ctx).Warn().Err(err).
			Str("user_id", entry.UserID.String()).
			Msg("Failed to publish balance event")
	}
}

// storageErr maps context expiry onto ErrStorageUnavailable so a timed out
// mutation is always reported as failed.
func storageErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
