package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AccountStore reads and creates accounts.
type AccountStore interface {
	// Get returns ErrAccountNotFound when the user has no account
	Get(ctx context.Context, userID uuid.UUID) (*Account, error)

	// CreateIfAbsent inserts a new account or returns the existing one with created=false
	CreateIfAbsent(ctx context.Context, userID uuid.UUID, initialBalance int64, referralCode string) (acct *Account, created bool, err error)

	GetByReferralCode(ctx context.Context, code string) (*Account, error)

	// ListAccountIDs pages through accounts ordered by user id, starting after the given id
	ListAccountIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// TransactionLedger reads the append-only transaction log.
type TransactionLedger interface {
	// ListByAccount returns newest first
	ListByAccount(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]Transaction, error)

	// ListForReplay returns every transaction oldest first
	ListForReplay(ctx context.Context, userID uuid.UUID) ([]Transaction, error)

	Aggregate(ctx context.Context, userID uuid.UUID) (Totals, error)

	// FindByExternalReference returns nil, nil when the reference is unused
	FindByExternalReference(ctx context.Context, txType TxType, ref string) (*Transaction, error)
}

// Tx is the set of mutations allowed inside one storage transaction.
// A balance change and its ledger row are always written through the same Tx.
type Tx interface {
	// AdjustBalance adds delta to the balance in one conditional write and
	// returns the new balance. ok is false when the account is missing or the
	// result would be negative; nothing is written then.
	AdjustBalance(ctx context.Context, userID uuid.UUID, delta int64) (balance int64, ok bool, err error)

	// UpdateBonusTimestamp sets last_daily_bonus_at only if it still equals previous
	UpdateBonusTimestamp(ctx context.Context, userID uuid.UUID, previous *time.Time, ts time.Time) (bool, error)

	// MarkReferralUsed flips referral_used; false if it was already set
	MarkReferralUsed(ctx context.Context, userID uuid.UUID) (bool, error)

	// Append writes a ledger row and returns its id. Returns
	// ErrDuplicateExternalReference on a reused (type, reference) pair.
	Append(ctx context.Context, t *Transaction) (int64, error)
}

// Store is the full persistence contract of the ledger.
type Store interface {
	AccountStore
	TransactionLedger

	// InTx runs fn in a storage transaction, committing only when fn returns nil
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// EventPublisher receives committed balance changes.
type EventPublisher interface {
	PublishBalance(ctx context.Context, event BalanceEvent) error
}
