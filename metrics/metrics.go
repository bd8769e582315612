// Package metrics exposes Prometheus counters for the ledger core.
//
// Counters only: the engine is synchronous and local, so rates and errors
// are what operators watch. Scraped via the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerEntries counts appended ledger entries by entry type.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Ledger entries appended, by entry type.",
	}, []string{"type"})

	// LedgerReversals counts reversal pairs posted.
	LedgerReversals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "ledger",
		Name:      "reversals_total",
		Help:      "Reversal pairs posted.",
	})

	// CommissionPayouts counts commission credits by referral level.
	CommissionPayouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "commission",
		Name:      "payouts_total",
		Help:      "Commission credits posted, by level.",
	}, []string{"level"})

	// CommissionSkips counts fan-out levels skipped, by reason.
	CommissionSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "commission",
		Name:      "skips_total",
		Help:      "Fan-out levels skipped, by reason.",
	}, []string{"reason"})

	// WithdrawalDecisions counts admin withdrawal decisions by action.
	WithdrawalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "withdrawal",
		Name:      "decisions_total",
		Help:      "Withdrawal decisions, by action.",
	}, []string{"action"})

	// RefundDecisions counts admin refund decisions by action.
	RefundDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "refund",
		Name:      "decisions_total",
		Help:      "Security refund decisions, by action.",
	}, []string{"action"})

	// ReconcileDrift counts accounts whose cached balance disagreed with
	// the ledger fold. Anything above zero is a bug being repaired.
	ReconcileDrift = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "ledger",
		Name:      "reconcile_drift_total",
		Help:      "Accounts found with cached balance drift during reconciliation.",
	})

	// AuditDropped counts audit writes that failed and were swallowed.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clipearn",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit entries lost to store failures.",
	})
)
