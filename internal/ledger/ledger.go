// Package ledger audits wallet state against the transaction journal.
//
// The journal is the source of truth: replaying a user's entries oldest
// first must land exactly on the stored balances, and the frozen pool must
// equal the sum of open holds. The reconciler recomputes both on demand and
// on a timer, and reports any drift.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/collably/collably/internal/wallet"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	driftWallets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collably",
		Subsystem: "ledger",
		Name:      "drift_wallets",
		Help:      "Wallets whose stored balances disagree with the journal, as of the last sweep.",
	})

	sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collably",
		Subsystem: "ledger",
		Name:      "sweeps_total",
		Help:      "Reconciliation sweeps by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(driftWallets, sweepsTotal)
}

// Report is the outcome of auditing one wallet.
type Report struct {
	UserID   string         `json:"userId"`
	Stored   *wallet.Wallet `json:"stored"`
	Computed *wallet.Wallet `json:"computed"`
	HeldSum  int64          `json:"heldSum"`
	Clean    bool           `json:"clean"`
	Issues   []string       `json:"issues,omitempty"`
}

// Reconciler replays journals and compares them to stored balances.
type Reconciler struct {
	store    wallet.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewReconciler creates a reconciler. interval controls the background sweep
// cadence; non-positive disables the default of one hour.
func NewReconciler(store wallet.Store, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reconciler{store: store, logger: logger, interval: interval}
}

// Rebuild recomputes a wallet purely from its journal, oldest entry first.
func (r *Reconciler) Rebuild(ctx context.Context, userID string) (*wallet.Wallet, error) {
	txns, err := r.store.ListTransactions(ctx, userID, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", userID, err)
	}

	w := &wallet.Wallet{UserID: userID}
	// Entries come back newest first; replay from the tail.
	for i := len(txns) - 1; i >= 0; i-- {
		t := txns[i]
		switch t.Kind {
		case wallet.TxCredit:
			w.TotalBalance += t.Amount
			w.WithdrawableBalance += t.Amount
		case wallet.TxFreeze:
			w.WithdrawableBalance -= t.Amount
			w.FrozenBalance += t.Amount
		case wallet.TxRelease:
			if t.Amount < 0 {
				// Payer side: frozen funds leave the wallet.
				w.TotalBalance += t.Amount
				w.FrozenBalance += t.Amount
			} else {
				// Payee side: funds arrive withdrawable.
				w.TotalBalance += t.Amount
				w.WithdrawableBalance += t.Amount
			}
		case wallet.TxRefund:
			w.FrozenBalance -= t.Amount
			w.WithdrawableBalance += t.Amount
		default:
			return nil, fmt.Errorf("journal entry %s has unknown kind %q", t.ID, t.Kind)
		}
	}
	return w, nil
}

// Check audits one wallet: journal replay against stored balances, the
// internal balance invariant, and the frozen pool against open holds.
func (r *Reconciler) Check(ctx context.Context, userID string) (*Report, error) {
	stored, err := r.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	computed, err := r.Rebuild(ctx, userID)
	if err != nil {
		return nil, err
	}
	heldSum, err := r.store.SumHeldAmounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &Report{UserID: userID, Stored: stored, Computed: computed, HeldSum: heldSum}
	if stored.TotalBalance != stored.WithdrawableBalance+stored.FrozenBalance {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"stored total %d != withdrawable %d + frozen %d",
			stored.TotalBalance, stored.WithdrawableBalance, stored.FrozenBalance))
	}
	if stored.TotalBalance != computed.TotalBalance ||
		stored.WithdrawableBalance != computed.WithdrawableBalance ||
		stored.FrozenBalance != computed.FrozenBalance {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"journal replay {%d, %d, %d} disagrees with stored {%d, %d, %d}",
			computed.TotalBalance, computed.WithdrawableBalance, computed.FrozenBalance,
			stored.TotalBalance, stored.WithdrawableBalance, stored.FrozenBalance))
	}
	if stored.FrozenBalance != heldSum {
		report.Issues = append(report.Issues, fmt.Sprintf(
			"frozen balance %d != sum of open holds %d", stored.FrozenBalance, heldSum))
	}
	report.Clean = len(report.Issues) == 0
	return report, nil
}

// Sweep audits every wallet and returns the reports of those with issues.
func (r *Reconciler) Sweep(ctx context.Context) ([]*Report, error) {
	userIDs, err := r.store.ListUserIDs(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var dirty []*Report
	for _, userID := range userIDs {
		report, err := r.Check(ctx, userID)
		if err != nil {
			sweepsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("check %s: %w", userID, err)
		}
		if !report.Clean {
			r.logger.Error("wallet drift detected", "user_id", userID, "issues", report.Issues)
			dirty = append(dirty, report)
		}
	}

	driftWallets.Set(float64(len(dirty)))
	sweepsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("reconciliation sweep finished", "wallets", len(userIDs), "drift", len(dirty))
	return dirty, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}
