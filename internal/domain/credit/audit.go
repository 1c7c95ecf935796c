package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChainBreak is one inconsistency found while replaying an account.
type ChainBreak struct {
	TransactionID int64  `json:"transaction_id"`
	Expected      int64  `json:"expected"`
	Recorded      int64  `json:"recorded"`
	Reason        string `json:"reason"`
}

// AuditReport is the result of replaying one account's ledger.
type AuditReport struct {
	UserID         uuid.UUID    `json:"user_id"`
	InitialBalance int64        `json:"initial_balance"`
	Entries        int          `json:"entries"`
	ReplayBalance  int64        `json:"replay_balance"`
	StoredBalance  int64        `json:"stored_balance"`
	Breaks         []ChainBreak `json:"breaks"`
}

func (r *AuditReport) Consistent() bool {
	return len(r.Breaks) == 0
}

// SweepSummary aggregates a full audit pass.
type SweepSummary struct {
	Accounts     int
	Inconsistent []uuid.UUID
}

// Auditor replays balance_after chains. It only reports; repairs are an operator decision.
type Auditor struct {
	store     Store
	batchSize int
}

func NewAuditor(store Store) *Auditor {
	return &Auditor{store: store, batchSize: 200}
}

// VerifyAccount replays the account oldest first from its initial balance.
func (a *Auditor) VerifyAccount(ctx context.Context, userID uuid.UUID) (*AuditReport, error) {
	acct, err := a.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	txs, err := a.store.ListForReplay(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		UserID:         userID,
		InitialBalance: acct.InitialBalance,
		Entries:        len(txs),
		StoredBalance:  acct.Balance,
		Breaks:         make([]ChainBreak, 0),
	}

	running := acct.InitialBalance
	for _, t := range txs {
		expected := running + t.Amount
		if t.BalanceAfter != expected {
			report.Breaks = append(report.Breaks, ChainBreak{
				TransactionID: t.ID,
				Expected:      expected,
				Recorded:      t.BalanceAfter,
				Reason:        "balance_after does not follow previous entry",
			})
		}
		if t.BalanceAfter < 0 {
			report.Breaks = append(report.Breaks, ChainBreak{
				TransactionID: t.ID,
				Expected:      0,
				Recorded:      t.BalanceAfter,
				Reason:        "negative balance",
			})
		}
		switch {
		case t.Type == TxTypeUsage && (t.Amount >= 0 || t.Feature == nil):
			report.Breaks = append(report.Breaks, ChainBreak{TransactionID: t.ID, Recorded: t.Amount, Reason: "usage row without feature or with non-negative amount"})
		case t.Type.IsCredit() && t.Amount <= 0:
			report.Breaks = append(report.Breaks, ChainBreak{TransactionID: t.ID, Recorded: t.Amount, Reason: "credit row with non-positive amount"})
		}
		// continue from the recorded value so one bad row is reported once
		running = t.BalanceAfter
	}
	report.ReplayBalance = running

	if running != acct.Balance {
		report.Breaks = append(report.Breaks, ChainBreak{
			Expected: running,
			Recorded: acct.Balance,
			Reason:   "stored balance differs from last balance_after",
		})
	}

	return report, nil
}

// Sweep verifies every account in user id order.
func (a *Auditor) Sweep(ctx context.Context) (*SweepSummary, error) {
	summary := &SweepSummary{}
	after := uuid.Nil

	for {
		ids, err := a.store.ListAccountIDs(ctx, after, a.batchSize)
		if err != nil {
			return summary, err
		}
		for _, id := range ids {
			report, err := a.VerifyAccount(ctx, id)
			if err != nil {
				return summary, fmt.Errorf("verify %s: %w", id, err)
			}
			summary.Accounts++
			if !report.Consistent() {
				summary.Inconsistent = append(summary.Inconsistent, id)
				log.Error().
					Str("user_id", id.String()).
					Int("breaks", len(report.Breaks)).
					Int64("stored_balance", report.StoredBalance).
					Int64("replay_balance", report.ReplayBalance).
					Msg("Ledger chain inconsistent")
			}
		}
		if len(ids) < a.batchSize {
			return summary, nil
		}
		after = ids[len(ids)-1]
	}
}

// AuditWorker runs Sweep periodically.
type AuditWorker struct {
	auditor  *Auditor
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewAuditWorker(auditor *Auditor, interval time.Duration) *AuditWorker {
	if interval == 0 {
		interval = 6 * time.Hour
	}
	return &AuditWorker{
		auditor:  auditor,
		interval: interval,
		timeout:  5 * time.Minute,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker
func (w *AuditWorker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting ledger audit worker...")
	go w.loop()
}

// Stop signals the loop and waits for the current pass to finish
func (w *AuditWorker) Stop() {
	log.Info().Msg("Stopping ledger audit worker...")
	close(w.stopCh)
	<-w.doneCh
}

func (w *AuditWorker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce()

	for {
		select {
		case <-ticker.C:
			w.runOnce()
		case <-w.stopCh:
			return
		}
	}
}

func (w *AuditWorker) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	log.Debug().Msg("Starting ledger audit sweep...")

	summary, err := w.auditor.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Ledger audit sweep failed")
		return
	}

	log.Info().
		Int("accounts", summary.Accounts).
		Int("inconsistent", len(summary.Inconsistent)).
		Msg("Finished ledger audit sweep")
}
