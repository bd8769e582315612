package ledger_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*ledger.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	rec := audit.NewRecorder(store, testLogger())
	return ledger.NewService(store, rec), store
}

func pkr(v int) ledger.Amount {
	return ledger.NewAmountFromInt(v, ledger.UnitPKR)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustAccount(t *testing.T, svc *ledger.Service, id string, referrer *ledger.AccountID) *ledger.Account {
	t.Helper()
	a, err := svc.CreateAccount(context.Background(), ledger.AccountID(id), referrer)
	require.NoError(t, err)
	return a
}

// =============================================================================
// CREDIT / BUCKET ROUTING
// =============================================================================

func TestCredit_TaskIncome_LandsInWallet(t *testing.T) {
	// GIVEN: A fresh account
	// WHEN: Task income is credited
	// THEN: Wallet balance rises, commission balance stays zero

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	entry, err := svc.Credit(ctx, "u1", pkr(250), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.BucketWallet, entry.Bucket)
	assert.True(t, entry.BalanceAfter.Value.Equal(pkr(250).Value))

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(250).Value))
	assert.True(t, balance.CommissionBalance.IsZero())
}

func TestCredit_ReferralReward_LandsInCommission(t *testing.T) {
	// GIVEN: A fresh account
	// WHEN: A referral reward is credited
	// THEN: It lands in the commission bucket, not the wallet

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	entry, err := svc.Credit(ctx, "u1", pkr(40), ledger.EntryReferralRewardA, "evt-1:referral:A")
	require.NoError(t, err)
	assert.Equal(t, ledger.BucketCommission, entry.Bucket)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.IsZero())
	assert.True(t, balance.CommissionBalance.Value.Equal(pkr(40).Value))
}

func TestCredit_DuplicateReference_Rejected(t *testing.T) {
	// GIVEN: A credit already posted under reference "task-1"
	// WHEN: The same (type, reference) is posted again
	// THEN: ErrDuplicateReference, and the balance is unchanged

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	_, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	_, err = svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(100).Value), "retry must be a no-op")
}

func TestCredit_NonPositiveAmount_Rejected(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "u1", nil)

	_, err := svc.Credit(context.Background(), "u1", pkr(0), ledger.EntryTaskIncome, "task-1")
	assert.Error(t, err)
	_, err = svc.Credit(context.Background(), "u1", pkr(-5), ledger.EntryTaskIncome, "task-2")
	assert.Error(t, err)
}

// =============================================================================
// DEBIT
// =============================================================================

func TestDebit_Insufficient_RejectedNotClamped(t *testing.T) {
	// GIVEN: Spendable balance of 100
	// WHEN: Debiting 150
	// THEN: InsufficientBalanceError carrying both figures; nothing posted

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	_, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "u1", pkr(150), ledger.EntryWithdrawalDebit, "wd-1")
	require.Error(t, err)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Value.Equal(pkr(100).Value))
	assert.True(t, insufficient.Requested.Value.Equal(pkr(150).Value))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	entries, err := svc.Entries(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed debit must not post")
}

func TestDebit_DrainsWalletBeforeCommission(t *testing.T) {
	// GIVEN: Wallet 100, commission 50
	// WHEN: Debiting 120
	// THEN: Two entries under one reference: -100 wallet, -20 commission

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	_, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "u1", pkr(50), ledger.EntryReferralRewardA, "evt-1:referral:A")
	require.NoError(t, err)

	entries, err := svc.Debit(ctx, "u1", pkr(120), ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, ledger.BucketWallet, entries[0].Bucket)
	assert.True(t, entries[0].Amount.Value.Equal(pkr(-100).Value))
	assert.Equal(t, ledger.BucketCommission, entries[1].Bucket)
	assert.True(t, entries[1].Amount.Value.Equal(pkr(-20).Value))
	assert.Equal(t, "wd-1", entries[0].ReferenceID)
	assert.Equal(t, "wd-1", entries[1].ReferenceID)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.IsZero())
	assert.True(t, balance.CommissionBalance.Value.Equal(pkr(30).Value))
}

func TestDebit_WalletCoversAll_SingleEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	_, err := svc.Credit(ctx, "u1", pkr(500), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	entries, err := svc.Debit(ctx, "u1", pkr(200), ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.BucketWallet, entries[0].Bucket)
}

func TestDebit_DuplicateReference_Rejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	_, err := svc.Credit(ctx, "u1", pkr(500), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "u1", pkr(100), ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", pkr(100), ledger.EntryWithdrawalDebit, "wd-1")
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestAdjust_NegativeBeyondBucket_Rejected(t *testing.T) {
	// GIVEN: Wallet 50
	// WHEN: Adjusting wallet by -80
	// THEN: Rejected; the non-negative invariant holds per bucket

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	_, err := svc.Credit(ctx, "u1", pkr(50), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, "u1", ledger.BucketWallet, pkr(-80), "corr-1", "ops correction")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestAdjust_SignedDeltas_Applied(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	_, err := svc.Adjust(ctx, "u1", ledger.BucketCommission, pkr(75), "corr-1", "missed payout")
	require.NoError(t, err)
	_, err = svc.Adjust(ctx, "u1", ledger.BucketCommission, pkr(-25), "corr-2", "overpaid")
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.CommissionBalance.Value.Equal(pkr(50).Value))
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverse_PostsCompensationAndFlipsStatus(t *testing.T) {
	// GIVEN: A 100 task income credit
	// WHEN: It is reversed
	// THEN: Original is REVERSED, a -100 adjustment lands, balance is zero,
	//       and the fold over all entries agrees

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	orig, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	comp, err := svc.Reverse(ctx, orig.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryAdjustment, comp.Type)
	assert.True(t, comp.Amount.Value.Equal(pkr(-100).Value))
	assert.Equal(t, "reversal:"+string(orig.ID), comp.ReferenceID)

	entries, err := svc.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryReversed, entries[0].Status)
	assert.Equal(t, ledger.EntryCompleted, entries[1].Status)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.IsZero())

	fold, err := svc.FoldBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, fold.WalletBalance.IsZero(), "reversal pair must net to zero in the fold")
}

func TestReverse_Twice_Rejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	orig, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, orig.ID, "chargeback")
	require.NoError(t, err)
	_, err = svc.Reverse(ctx, orig.ID, "chargeback again")
	assert.ErrorIs(t, err, ledger.ErrEntryReversed)
}

func TestReverse_SpentCredit_Rejected(t *testing.T) {
	// GIVEN: A 100 credit that was already spent down to 20
	// WHEN: Reversing the original credit
	// THEN: Rejected; the bucket cannot go negative

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	orig, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", pkr(80), ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, orig.ID, "chargeback")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestReverse_DebitEntry_RestoresFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	_, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)
	debits, err := svc.Debit(ctx, "u1", pkr(60), ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)
	require.Len(t, debits, 1)

	comp, err := svc.Reverse(ctx, debits[0].ID, "payout bounced")
	require.NoError(t, err)
	assert.True(t, comp.Amount.Value.Equal(pkr(60).Value))

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(100).Value))
}

// =============================================================================
// ACCOUNTS AND TIERS
// =============================================================================

func TestCreateAccount_UnknownReferrer_Rejected(t *testing.T) {
	svc, _ := newTestService(t)
	ghost := ledger.AccountID("nobody")
	_, err := svc.CreateAccount(context.Background(), "u1", &ghost)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestUpgradeTier_Monotonic(t *testing.T) {
	// GIVEN: An account at tier 3
	// WHEN: Upgrading to tier 3 or below
	// THEN: ErrTierNotHigher; tiers never move down

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	a, err := svc.UpgradeTier(ctx, "u1", 3, pkr(15000))
	require.NoError(t, err)
	assert.Equal(t, 3, a.TierLevel)
	assert.True(t, a.SecurityDeposit.Value.Equal(pkr(15000).Value))

	_, err = svc.UpgradeTier(ctx, "u1", 3, pkr(15000))
	assert.ErrorIs(t, err, ledger.ErrTierNotHigher)
	_, err = svc.UpgradeTier(ctx, "u1", 2, pkr(5000))
	assert.ErrorIs(t, err, ledger.ErrTierNotHigher)
}

// =============================================================================
// FOLD / RECONCILIATION
// =============================================================================

func TestFoldBalance_MatchesCacheAfterMixedHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	_, err := svc.Credit(ctx, "u1", pkr(300), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "u1", pkr(45), ledger.EntryReferralRewardB, "evt-1:referral:B")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", pkr(320), ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)
	bonus, err := svc.Credit(ctx, "u1", pkr(10), ledger.EntryTopupBonus, "topup-1")
	require.NoError(t, err)
	_, err = svc.Reverse(ctx, bonus.ID, "promo clawback")
	require.NoError(t, err)

	cached, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	fold, err := svc.FoldBalance(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, cached.WalletBalance.Value.Equal(fold.WalletBalance.Value))
	assert.True(t, cached.CommissionBalance.Value.Equal(fold.CommissionBalance.Value))
}

func TestReconciler_RepairsCorruptedCache(t *testing.T) {
	// GIVEN: A cached balance that disagrees with the entry log
	// WHEN: The reconciler runs
	// THEN: The drift is reported and the cache repaired from the fold

	svc, store := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	_, err := svc.Credit(ctx, "u1", pkr(200), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	// Corrupt the projection behind the service's back.
	a, err := store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	a.WalletBalance = pkr(999)
	require.NoError(t, store.SaveAccount(ctx, *a))

	rec := ledger.NewReconciler(svc, testLogger())
	report, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, ledger.AccountID("u1"), report.Drifts[0].AccountID)
	assert.True(t, report.Drifts[0].CachedWallet.Value.Equal(pkr(999).Value))
	assert.True(t, report.Drifts[0].FoldedWallet.Value.Equal(pkr(200).Value))

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(200).Value))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCredit_ConcurrentDistinctReferences_AllLand(t *testing.T) {
	// GIVEN: 50 goroutines crediting the same account with distinct refs
	// WHEN: They all race
	// THEN: Every credit lands exactly once and the fold agrees

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Credit(ctx, "u1", pkr(10), ledger.EntryTaskIncome, fmt.Sprintf("task-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(10*n).Value))

	fold, err := svc.FoldBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, fold.WalletBalance.Value.Equal(balance.WalletBalance.Value))
}

func TestCredit_ConcurrentSameReference_PostsOnce(t *testing.T) {
	// GIVEN: 20 goroutines racing the same (type, reference)
	// WHEN: They all attempt to post
	// THEN: Exactly one wins; the rest get ErrDuplicateReference

	svc, _ := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, "u1", pkr(10), ledger.EntryTaskIncome, "task-1")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(10).Value))
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func TestReverse_RecordsAuditTrail(t *testing.T) {
	// GIVEN: A posted credit
	// WHEN: It is reversed
	// THEN: One entry_reversed audit entry names the original and the
	//       compensating entry

	svc, store := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	orig, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)

	comp, err := svc.Reverse(ctx, orig.ID, "fraud")
	require.NoError(t, err)

	trail, err := store.AuditByTarget(ctx, audit.TargetEntry, string(orig.ID))
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionEntryReversed, trail[0].Action)

	detail, ok := trail[0].Details.(*audit.EntryReversedDetail)
	require.True(t, ok)
	assert.Equal(t, string(orig.ID), detail.OriginalEntryID)
	assert.Equal(t, string(comp.ID), detail.CompensationID)
	assert.Equal(t, "fraud", detail.Reason)

	counts, err := store.AuditCountByAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[audit.ActionEntryReversed])
}

func TestReverse_Rejected_LeavesNoAuditEntry(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)
	orig, err := svc.Credit(ctx, "u1", pkr(100), ledger.EntryTaskIncome, "task-1")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", pkr(80), ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, orig.ID, "chargeback")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	trail, err := store.AuditByTarget(ctx, audit.TargetEntry, string(orig.ID))
	require.NoError(t, err)
	assert.Empty(t, trail, "a rejected reversal moved nothing and must not be audited")
}

func TestAdjust_RecordsAuditTrail(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	entry, err := svc.Adjust(ctx, "u1", ledger.BucketCommission, pkr(25), "fix-1", "missed payout")
	require.NoError(t, err)

	trail, err := store.AuditByTarget(ctx, audit.TargetEntry, string(entry.ID))
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionAdjustmentPosted, trail[0].Action)

	detail, ok := trail[0].Details.(*audit.AdjustmentDetail)
	require.True(t, ok)
	assert.Equal(t, "commission", detail.Bucket)
	assert.Equal(t, "25", detail.Delta)
	assert.Equal(t, "missed payout", detail.Reason)
}

func TestSetStatus_RecordsAuditTrail(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	require.NoError(t, svc.SetStatus(ctx, "u1", ledger.AccountSuspended))

	trail, err := store.AuditByTarget(ctx, audit.TargetAccount, "u1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionStatusChanged, trail[0].Action)

	detail, ok := trail[0].Details.(*audit.StatusChangedDetail)
	require.True(t, ok)
	assert.Equal(t, "active", detail.From)
	assert.Equal(t, "suspended", detail.To)
}

func TestUpgradeTier_RecordsAuditTrail(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	mustAccount(t, svc, "u1", nil)

	_, err := svc.UpgradeTier(ctx, "u1", 2, pkr(5000))
	require.NoError(t, err)

	trail, err := store.AuditByTarget(ctx, audit.TargetAccount, "u1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionTierUpgraded, trail[0].Action)

	detail, ok := trail[0].Details.(*audit.TierUpgradedDetail)
	require.True(t, ok)
	assert.Equal(t, 1, detail.FromLevel)
	assert.Equal(t, 2, detail.ToLevel)
	assert.Equal(t, "5000", detail.Deposit)
}
