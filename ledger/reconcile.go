/*
reconcile.go - Cache-vs-fold balance reconciliation

PURPOSE:

	The cached balances on the account row are a projection of the entry log.
	They are updated in the same transaction as every entry, so they should
	never drift - but "should never" is not a guarantee, it is an invariant to
	verify. The reconciler folds each account's entries and repairs the cache
	when the two disagree.

WHEN IT RUNS:
  - Periodically, from the background scheduler in cmd/server
  - On demand, via the admin API

DRIFT IS A DEFECT:

	Any repaired account is counted in the reconcile_drift metric and logged.
	Zero drift is the expected steady state.

SEE ALSO:
  - ledger.go: FoldBalance, the source of truth
  - cmd/server/main.go: Scheduler wiring
*/
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipearn/ledger-engine/metrics"
)

// =============================================================================
// RECONCILER
// =============================================================================

// Drift describes one account whose cache disagreed with the fold.
type Drift struct {
	AccountID        AccountID
	CachedWallet     Amount
	FoldedWallet     Amount
	CachedCommission Amount
	FoldedCommission Amount
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Accounts   int
	Drifts     []Drift
}

// Reconciler verifies and repairs cached balances.
type Reconciler struct {
	Service *Service
	Log     *slog.Logger
}

func NewReconciler(svc *Service, log *slog.Logger) *Reconciler {
	return &Reconciler{Service: svc, Log: log}
}

// Run folds every account and repairs any cache that drifted. The fold wins:
// the entry log is the source of truth, the cache is a convenience.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{StartedAt: time.Now().UTC()}

	accounts, err := r.Service.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	report.Accounts = len(accounts)

	for _, a := range accounts {
		lock := r.Service.lockAccount(a.ID)
		lock.Lock()
		if err := r.reconcileAccount(ctx, a.ID, report); err != nil {
			lock.Unlock()
			return nil, err
		}
		lock.Unlock()
	}

	report.FinishedAt = time.Now().UTC()
	if len(report.Drifts) > 0 {
		r.Log.Warn("reconciliation repaired drifted balances",
			"accounts", report.Accounts, "drifts", len(report.Drifts))
	}
	return report, nil
}

func (r *Reconciler) reconcileAccount(ctx context.Context, id AccountID, report *ReconcileReport) error {
	// Re-read under the account lock so no mutation interleaves.
	a, err := r.Service.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	folded, err := r.Service.FoldBalance(ctx, id)
	if err != nil {
		return err
	}

	walletOK := a.WalletBalance.Value.Equal(folded.WalletBalance.Value)
	commissionOK := a.CommissionBalance.Value.Equal(folded.CommissionBalance.Value)
	if walletOK && commissionOK {
		return nil
	}

	report.Drifts = append(report.Drifts, Drift{
		AccountID:        id,
		CachedWallet:     a.WalletBalance,
		FoldedWallet:     folded.WalletBalance,
		CachedCommission: a.CommissionBalance,
		FoldedCommission: folded.CommissionBalance,
	})
	metrics.ReconcileDrift.Inc()
	r.Log.Error("balance cache drift detected",
		"account", id,
		"cached_wallet", a.WalletBalance.Value.String(),
		"folded_wallet", folded.WalletBalance.Value.String(),
		"cached_commission", a.CommissionBalance.Value.String(),
		"folded_commission", folded.CommissionBalance.Value.String())

	a.WalletBalance = folded.WalletBalance
	a.CommissionBalance = folded.CommissionBalance
	return r.Service.store.SaveAccount(ctx, *a)
}
