package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/store/sqlite"
	"github.com/clipearn/ledger-engine/withdrawal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func pkr(v int) ledger.Amount {
	return ledger.NewAmountFromInt(v, ledger.UnitPKR)
}

func seedAccount(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	require.NoError(t, store.SaveAccount(context.Background(), ledger.Account{
		ID:                ledger.AccountID(id),
		Status:            ledger.AccountActive,
		TierLevel:         1,
		SecurityDeposit:   pkr(0),
		WalletBalance:     pkr(0),
		CommissionBalance: pkr(0),
		CreatedAt:         time.Now().UTC(),
	}))
}

func entry(id, account string, t ledger.EntryType, bucket ledger.Bucket, amount int, ref string) ledger.Entry {
	return ledger.Entry{
		ID:           ledger.EntryID(id),
		AccountID:    ledger.AccountID(account),
		Type:         t,
		Bucket:       bucket,
		Amount:       pkr(amount),
		BalanceAfter: pkr(amount),
		ReferenceID:  ref,
		Status:       ledger.EntryCompleted,
		CreatedAt:    time.Now().UTC(),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccount_RoundTripWithReferrer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "b")
	b := ledger.AccountID("b")

	want := ledger.Account{
		ID:                "a",
		Status:            ledger.AccountActive,
		TierLevel:         2,
		SecurityDeposit:   pkr(5000),
		WalletBalance:     pkr(120),
		CommissionBalance: pkr(30),
		ReferrerID:        &b,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveAccount(ctx, want))

	got, err := store.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.TierLevel, got.TierLevel)
	assert.True(t, got.WalletBalance.Value.Equal(pkr(120).Value))
	assert.True(t, got.CommissionBalance.Value.Equal(pkr(30).Value))
	require.NotNil(t, got.ReferrerID)
	assert.Equal(t, b, *got.ReferrerID)
}

func TestGetAccount_Missing_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// ENTRIES / IDEMPOTENCY AT THE DATABASE LEVEL
// =============================================================================

func TestAppendEntry_DuplicateReference_RejectedByIndex(t *testing.T) {
	// GIVEN: An entry posted under (u1, task_income, task-1, wallet)
	// WHEN: A second entry reuses the full key
	// THEN: The unique index fires and surfaces as ErrDuplicateReference

	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "u1")

	require.NoError(t, store.AppendEntry(ctx,
		entry("e1", "u1", ledger.EntryTaskIncome, ledger.BucketWallet, 100, "task-1")))

	err := store.AppendEntry(ctx,
		entry("e2", "u1", ledger.EntryTaskIncome, ledger.BucketWallet, 100, "task-1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
}

func TestAppendEntry_SameReferenceDifferentBucket_Allowed(t *testing.T) {
	// A withdrawal split posts wallet and commission entries under one
	// reference; the bucket is part of the uniqueness key.
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "u1")

	require.NoError(t, store.AppendEntry(ctx,
		entry("e1", "u1", ledger.EntryWithdrawalDebit, ledger.BucketWallet, -100, "wd-1")))
	require.NoError(t, store.AppendEntry(ctx,
		entry("e2", "u1", ledger.EntryWithdrawalDebit, ledger.BucketCommission, -20, "wd-1")))

	has, err := store.HasReference(ctx, "u1", ledger.EntryWithdrawalDebit, "wd-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestEntriesByAccount_PostingOrderPreserved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "u1")

	for i, ref := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, store.AppendEntry(ctx,
			entry("e"+ref, "u1", ledger.EntryTaskIncome, ledger.BucketWallet, 10*(i+1), ref)))
	}

	entries, err := store.EntriesByAccount(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "t-1", entries[0].ReferenceID)
	assert.Equal(t, "t-3", entries[2].ReferenceID)
}

func TestMarkReversed_SecondAttemptRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "u1")
	require.NoError(t, store.AppendEntry(ctx,
		entry("e1", "u1", ledger.EntryTaskIncome, ledger.BucketWallet, 100, "task-1")))

	require.NoError(t, store.MarkReversed(ctx, "e1", time.Now().UTC()))
	err := store.MarkReversed(ctx, "e1", time.Now().UTC())
	assert.ErrorIs(t, err, ledger.ErrEntryReversed)

	err = store.MarkReversed(ctx, "ghost", time.Now().UTC())
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_ErrorRollsBackEverything(t *testing.T) {
	// GIVEN: A transaction that appends an entry and saves a balance
	// WHEN: The callback returns an error afterwards
	// THEN: Neither write survives

	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "u1")

	boom := errors.New("abort")
	err := store.WithTx(ctx, func(st ledger.Store) error {
		if err := st.AppendEntry(ctx,
			entry("e1", "u1", ledger.EntryTaskIncome, ledger.BucketWallet, 100, "task-1")); err != nil {
			return err
		}
		a, err := st.GetAccount(ctx, "u1")
		if err != nil {
			return err
		}
		a.WalletBalance = pkr(100)
		if err := st.SaveAccount(ctx, *a); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := store.EntriesByAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	a, err := store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, a.WalletBalance.IsZero())
}

func TestWithTx_CommitPersistsBothWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "u1")

	err := store.WithTx(ctx, func(st ledger.Store) error {
		if err := st.AppendEntry(ctx,
			entry("e1", "u1", ledger.EntryTaskIncome, ledger.BucketWallet, 100, "task-1")); err != nil {
			return err
		}
		a, err := st.GetAccount(ctx, "u1")
		if err != nil {
			return err
		}
		a.WalletBalance = pkr(100)
		return st.SaveAccount(ctx, *a)
	})
	require.NoError(t, err)

	a, err := store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, a.WalletBalance.Value.Equal(pkr(100).Value))
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestWithdrawal_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	decidedAt := time.Now().UTC().Truncate(time.Second)
	admin := "admin"

	want := withdrawal.Request{
		ID:              "wd-1",
		UserID:          "u1",
		Amount:          pkr(800),
		Method:          withdrawal.MethodBank,
		PaymentTargetID: "tgt-1",
		Status:          withdrawal.StatusApproved,
		FeeAmount:       pkr(80),
		TotalDeduction:  pkr(880),
		NetAmount:       pkr(800),
		USDTAmount:      ledger.NewAmountFromInt(0, ledger.UnitUSDT),
		AdminNotes:      "ok",
		DecidedBy:       &admin,
		DecidedAt:       &decidedAt,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveWithdrawal(ctx, want))

	got, err := store.GetWithdrawal(ctx, "wd-1")
	require.NoError(t, err)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, got.TotalDeduction.Value.Equal(pkr(880).Value))
	require.NotNil(t, got.DecidedBy)
	assert.Equal(t, admin, *got.DecidedBy)
	require.NotNil(t, got.DecidedAt)
	assert.True(t, got.DecidedAt.Equal(decidedAt))
}

func TestCountWithdrawalsSince_ExcludesRejectedAndOutOfWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	save := func(id string, status withdrawal.Status, createdAt time.Time) {
		require.NoError(t, store.SaveWithdrawal(ctx, withdrawal.Request{
			ID: id, UserID: "u1", Amount: pkr(500),
			Method: withdrawal.MethodBank, PaymentTargetID: "tgt-1",
			Status:    status,
			FeeAmount: pkr(50), TotalDeduction: pkr(550), NetAmount: pkr(500),
			USDTAmount: ledger.NewAmountFromInt(0, ledger.UnitUSDT),
			CreatedAt:  createdAt,
		}))
	}

	save("wd-1", withdrawal.StatusPending, dayStart.Add(time.Hour))
	save("wd-2", withdrawal.StatusRejected, dayStart.Add(2*time.Hour))
	save("wd-3", withdrawal.StatusProcessed, dayStart.Add(3*time.Hour))
	save("wd-4", withdrawal.StatusPending, dayStart.Add(-time.Hour)) // yesterday

	count, err := store.CountWithdrawalsSince(ctx, "u1", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestSaveRefund_PairUniqueAcrossStatuses(t *testing.T) {
	// GIVEN: A rejected refund for (u1, 1, 2)
	// WHEN: Inserting a new request for the same pair
	// THEN: The unique index closes the pair forever

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRefund(ctx, refund.Request{
		ID: "rf-1", UserID: "u1", FromLevel: 1, ToLevel: 2,
		RefundAmount: pkr(5000), Status: refund.StatusRejected,
		CreatedAt: time.Now().UTC(),
	}))

	err := store.SaveRefund(ctx, refund.Request{
		ID: "rf-2", UserID: "u1", FromLevel: 1, ToLevel: 2,
		RefundAmount: pkr(5000), Status: refund.StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyRequested)

	has, err := store.HasRefundForPair(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.True(t, has)

	// A different pair for the same user is fine.
	require.NoError(t, store.SaveRefund(ctx, refund.Request{
		ID: "rf-3", UserID: "u1", FromLevel: 2, ToLevel: 3,
		RefundAmount: pkr(15000), Status: refund.StatusPending,
		CreatedAt: time.Now().UTC(),
	}))
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_RoundTripDecodesTypedDetails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	admin := "admin"

	require.NoError(t, store.AppendAudit(ctx, audit.Entry{
		ID:         "a1",
		ActorID:    &admin,
		Action:     audit.ActionWithdrawalApproved,
		TargetType: audit.TargetWithdrawal,
		TargetID:   "wd-1",
		Details: &audit.WithdrawalDecidedDetail{
			Amount: "800", FeeAmount: "80", TotalDeduction: "880",
			BalanceBefore: "1000", BalanceAfter: "120",
		},
		IPAddress: "10.0.0.1",
		CreatedAt: time.Now().UTC(),
	}))

	trail, err := store.AuditByTarget(ctx, audit.TargetWithdrawal, "wd-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)

	detail, ok := trail[0].Details.(*audit.WithdrawalDecidedDetail)
	require.True(t, ok, "details must decode to the action's concrete type")
	assert.Equal(t, "880", detail.TotalDeduction)
	assert.Equal(t, "10.0.0.1", trail[0].IPAddress)
}
