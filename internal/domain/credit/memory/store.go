// Package memory is an in-process credit.Store used by tests and local runs
// without Postgres. Transactions are serialised under a single mutex and
// staged writes are discarded when the callback fails.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/domain/credit"
)

type Store struct {
	mu sync.RWMutex

	accounts     map[uuid.UUID]*credit.Account
	byCode       map[string]uuid.UUID
	transactions []credit.Transaction
	byReference  map[refKey]int
	nextID       int64

	now func() time.Time
}

type refKey struct {
	txType credit.TxType
	ref    string
}

func New() *Store {
	return &Store{
		accounts:    make(map[uuid.UUID]*credit.Account),
		byCode:      make(map[string]uuid.UUID),
		byReference: make(map[refKey]int),
		now:         time.Now,
	}
}

var _ credit.Store = (*Store)(nil)

func (s *Store) Get(_ context.Context, userID uuid.UUID) (*credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *Store) GetByReferralCode(_ context.Context, code string) (*credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byCode[code]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	cp := *s.accounts[userID]
	return &cp, nil
}

func (s *Store) CreateIfAbsent(_ context.Context, userID uuid.UUID, initialBalance int64, referralCode string) (*credit.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		cp := *acct
		return &cp, false, nil
	}
	if _, taken := s.byCode[referralCode]; taken {
		return nil, false, credit.ErrDuplicateReferralCode
	}

	now := s.now()
	acct := &credit.Account{
		UserID:         userID,
		Balance:        initialBalance,
		InitialBalance: initialBalance,
		ReferralCode:   referralCode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.accounts[userID] = acct
	s.byCode[referralCode] = userID

	cp := *acct
	return &cp, true, nil
}

func (s *Store) ListAccountIDs(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		if bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) ListByAccount(_ context.Context, userID uuid.UUID, pagination credit.Pagination) ([]credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	result := make([]credit.Transaction, 0)
	skipped := 0
	for i := len(s.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		t := s.transactions[i]
		if t.UserID != userID {
			continue
		}
		if skipped < pagination.Offset {
			skipped++
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *Store) ListForReplay(_ context.Context, userID uuid.UUID) ([]credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]credit.Transaction, 0)
	for _, t := range s.transactions {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *Store) Aggregate(_ context.Context, userID uuid.UUID) (credit.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals credit.Totals
	for _, t := range s.transactions {
		if t.UserID != userID {
			continue
		}
		totals.Count++
		if t.Amount > 0 {
			totals.TotalEarned += t.Amount
		}
		if t.Type == credit.TxTypeUsage {
			totals.TotalSpent -= t.Amount
		}
	}
	return totals, nil
}

func (s *Store) FindByExternalReference(_ context.Context, txType credit.TxType, ref string) (*credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byReference[refKey{txType: txType, ref: ref}]
	if !ok {
		return nil, nil
	}
	t := s.transactions[idx]
	return &t, nil
}

// InTx applies fn's writes only if it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx credit.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, staged: make(map[uuid.UUID]*credit.Account)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()
	for id, acct := range tx.staged {
		acct.UpdatedAt = now
		s.accounts[id] = acct
	}
	for _, t := range tx.appended {
		s.transactions = append(s.transactions, t)
		if t.ExternalReference != nil {
			s.byReference[refKey{txType: t.Type, ref: *t.ExternalReference}] = len(s.transactions) - 1
		}
	}
	return nil
}

// memTx stages writes; the store mutex is held for its lifetime.
type memTx struct {
	store    *Store
	staged   map[uuid.UUID]*credit.Account
	appended []credit.Transaction
}

func (t *memTx) account(userID uuid.UUID) (*credit.Account, bool) {
	if acct, ok := t.staged[userID]; ok {
		return acct, true
	}
	acct, ok := t.store.accounts[userID]
	if !ok {
		return nil, false
	}
	cp := *acct
	t.staged[userID] = &cp
	return &cp, true
}

func (t *memTx) AdjustBalance(_ context.Context, userID uuid.UUID, delta int64) (int64, bool, error) {
	acct, ok := t.account(userID)
	if !ok || acct.Balance+delta < 0 {
		return 0, false, nil
	}
	acct.Balance += delta
	return acct.Balance, true, nil
}

func (t *memTx) UpdateBonusTimestamp(_ context.Context, userID uuid.UUID, previous *time.Time, ts time.Time) (bool, error) {
	acct, ok := t.account(userID)
	if !ok || !sameTime(acct.LastDailyBonusAt, previous) {
		return false, nil
	}
	acct.LastDailyBonusAt = &ts
	return true, nil
}

func (t *memTx) MarkReferralUsed(_ context.Context, userID uuid.UUID) (bool, error) {
	acct, ok := t.account(userID)
	if !ok || acct.ReferralUsed {
		return false, nil
	}
	acct.ReferralUsed = true
	return true, nil
}

func (t *memTx) Append(_ context.Context, entry *credit.Transaction) (int64, error) {
	if entry.ExternalReference != nil {
		key := refKey{txType: entry.Type, ref: *entry.ExternalReference}
		if _, exists := t.store.byReference[key]; exists {
			return 0, credit.ErrDuplicateExternalReference
		}
		for _, pending := range t.appended {
			if pending.Type == entry.Type && pending.ExternalReference != nil && *pending.ExternalReference == key.ref {
				return 0, credit.ErrDuplicateExternalReference
			}
		}
	}

	t.store.nextID++
	entry.ID = t.store.nextID
	entry.CreatedAt = t.store.now()
	t.appended = append(t.appended, *entry)
	return entry.ID, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
