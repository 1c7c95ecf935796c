package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

const pqUniqueViolation = "23505"

const accountColumns = `user_id, balance, initial_balance, last_daily_bonus_at, referral_used, referral_code, created_at, updated_at`

const transactionColumns = `id, user_id, type, amount, description, feature, external_reference, balance_after, created_at`

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Get(ctx context.Context, userID uuid.UUID) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acct Account
	err := r.db.GetContext(ctx2, &acct, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account: %v", ErrStorageUnavailable, err)
	}
	return &acct, nil
}

func (r *Repository) GetByReferralCode(ctx context.Context, code string) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acct Account
	err := r.db.GetContext(ctx2, &acct, `SELECT `+accountColumns+` FROM credit_accounts WHERE referral_code = $1`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account by referral code: %v", ErrStorageUnavailable, err)
	}
	return &acct, nil
}

func (r *Repository) CreateIfAbsent(ctx context.Context, userID uuid.UUID, initialBalance int64, referralCode string) (*Account, bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acct Account
	err := r.db.GetContext(ctx2, &acct, `
		INSERT INTO credit_accounts (user_id, balance, initial_balance, referral_code)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING `+accountColumns, userID, initialBalance, referralCode)
	if err == nil {
		return &acct, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := r.Get(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if isUniqueViolation(err) {
		return nil, false, ErrDuplicateReferralCode
	}
	return nil, false, fmt.Errorf("%w: create account: %v", ErrStorageUnavailable, err)
}

func (r *Repository) ListAccountIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	ids := make([]uuid.UUID, 0, limit)
	err := r.db.SelectContext(ctx2, &ids, `SELECT user_id FROM credit_accounts WHERE user_id > $1 ORDER BY user_id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %v", ErrStorageUnavailable, err)
	}
	return ids, nil
}

func (r *Repository) ListByAccount(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrStorageUnavailable, err)
	}
	return transactions, nil
}

func (r *Repository) ListForReplay(ctx context.Context, userID uuid.UUID) ([]Transaction, error) {
	// Replay reads the whole history, so it gets more time than a point query.
	ctx2, cancel := context.WithTimeout(ctx, 10*queryTimeout)
	defer cancel()

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `SELECT `+transactionColumns+` FROM credit_transactions WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: replay transactions: %v", ErrStorageUnavailable, err)
	}
	return transactions, nil
}

func (r *Repository) Aggregate(ctx context.Context, userID uuid.UUID) (Totals, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var totals Totals
	err := r.db.GetContext(ctx2, &totals, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0) AS total_earned,
			COALESCE(-SUM(amount) FILTER (WHERE type = 'usage'), 0) AS total_spent,
			COUNT(*) AS count
		FROM credit_transactions
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return Totals{}, fmt.Errorf("%w: aggregate transactions: %v", ErrStorageUnavailable, err)
	}
	return totals, nil
}

func (r *Repository) FindByExternalReference(ctx context.Context, txType TxType, ref string) (*Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t Transaction
	err := r.db.GetContext(ctx2, &t, `SELECT `+transactionColumns+` FROM credit_transactions WHERE type = $1 AND external_reference = $2`, string(txType), ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find by reference: %v", ErrStorageUnavailable, err)
	}
	return &t, nil
}

func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// pgTx implements Tx on an open sqlx transaction.
type pgTx struct {
	tx *sqlx.Tx
}

// AdjustBalance relies on the row lock taken by UPDATE: concurrent writers
// queue on the account and each re-checks the condition against the committed balance.
func (t *pgTx) AdjustBalance(ctx context.Context, userID uuid.UUID, delta int64) (int64, bool, error) {
	var balance int64
	err := t.tx.GetContext(ctx, &balance, `
		UPDATE credit_accounts
		SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING balance
	`, userID, delta)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: update balance: %v", ErrStorageUnavailable, err)
	}
	return balance, true, nil
}

func (t *pgTx) UpdateBonusTimestamp(ctx context.Context, userID uuid.UUID, previous *time.Time, ts time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `UPDATE credit_accounts SET last_daily_bonus_at = $3, updated_at = now() WHERE user_id = $1 AND last_daily_bonus_at IS NOT DISTINCT FROM $2::timestamptz`, userID, previous, ts)
	if err != nil {
		return false, fmt.Errorf("%w: update bonus timestamp: %v", ErrStorageUnavailable, err)
	}
	return affectedOne(result)
}

func (t *pgTx) MarkReferralUsed(ctx context.Context, userID uuid.UUID) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `UPDATE credit_accounts SET referral_used = TRUE, updated_at = now() WHERE user_id = $1 AND referral_used = FALSE`, userID)
	if err != nil {
		return false, fmt.Errorf("%w: mark referral used: %v", ErrStorageUnavailable, err)
	}
	return affectedOne(result)
}

func (t *pgTx) Append(ctx context.Context, entry *Transaction) (int64, error) {
	var row struct {
		ID        int64     `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, description, feature, external_reference, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, entry.UserID, string(entry.Type), entry.Amount, entry.Description, entry.Feature, entry.ExternalReference, entry.BalanceAfter).StructScan(&row)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateExternalReference
		}
		return 0, fmt.Errorf("%w: insert ledger: %v", ErrStorageUnavailable, err)
	}
	entry.ID = row.ID
	entry.CreatedAt = row.CreatedAt
	return row.ID, nil
}

func affectedOne(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected", ErrStorageUnavailable)
	}
	return rows == 1, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
