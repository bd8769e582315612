package withdrawal_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/store/memory"
	"github.com/clipearn/ledger-engine/withdrawal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func testPolicy() withdrawal.Policy {
	return withdrawal.Policy{
		MinimumWithdrawal: ledger.NewAmountFromInt(500, ledger.UnitPKR),
		BankFeeRate:       decimal.NewFromFloat(0.10),
		USDTNetworkFee:    decimal.NewFromInt(1),
		MaxDaily:          1,
		BankEnabled:       true,
		USDTEnabled:       true,
	}
}

type env struct {
	mgr   *withdrawal.Manager
	svc   *ledger.Service
	store *memory.Store
}

func newTestEnv(t *testing.T, policy withdrawal.Policy) *env {
	t.Helper()
	store := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := audit.NewRecorder(store, log)
	svc := ledger.NewService(store, rec)
	rate := withdrawal.FixedRate{Rate: decimal.NewFromInt(280)}
	return &env{
		mgr:   withdrawal.NewManager(svc, store, rate, policy, rec, log),
		svc:   svc,
		store: store,
	}
}

func pkr(v int) ledger.Amount {
	return ledger.NewAmountFromInt(v, ledger.UnitPKR)
}

// fund creates the user with a wallet balance and a matching payout target.
func (e *env) fund(t *testing.T, user string, amount int, method withdrawal.Method) string {
	t.Helper()
	ctx := context.Background()
	_, err := e.svc.CreateAccount(ctx, ledger.AccountID(user), nil)
	require.NoError(t, err)
	if amount > 0 {
		_, err = e.svc.Credit(ctx, ledger.AccountID(user), pkr(amount), ledger.EntryTaskIncome, "seed-"+user)
		require.NoError(t, err)
	}

	target := withdrawal.PaymentTarget{
		ID:        "tgt-" + user,
		UserID:    ledger.AccountID(user),
		Method:    method,
		Label:     "HBL ****1234",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.SavePaymentTarget(ctx, target))
	return target.ID
}

var meta = withdrawal.AdminMeta{IPAddress: "10.0.0.1", UserAgent: "test"}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_BankQuoteFrozenAtSubmission(t *testing.T) {
	// GIVEN: Balance 1000, bank fee 10%
	// WHEN: Withdrawing 800
	// THEN: PENDING request with fee 80, total deduction 880, net 800,
	//       and no ledger movement yet

	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)

	req, err := e.mgr.Submit(ctx, "u1", pkr(800), withdrawal.MethodBank, tgt)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusPending, req.Status)
	assert.True(t, req.FeeAmount.Value.Equal(pkr(80).Value))
	assert.True(t, req.TotalDeduction.Value.Equal(pkr(880).Value))
	assert.True(t, req.NetAmount.Value.Equal(pkr(800).Value))

	balance, err := e.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(1000).Value), "submit must not debit")
}

func TestSubmit_USDTQuote(t *testing.T) {
	// GIVEN: Rate 280 PKR/USDT, network fee 1 USDT
	// WHEN: Withdrawing 2800 PKR via USDT
	// THEN: USDT amount 9 (2800/280 - 1), total deduction 2800, no PKR fee

	e := newTestEnv(t, testPolicy())
	tgt := e.fund(t, "u1", 5000, withdrawal.MethodUSDT)

	req, err := e.mgr.Submit(context.Background(), "u1", pkr(2800), withdrawal.MethodUSDT, tgt)
	require.NoError(t, err)
	assert.True(t, req.USDTAmount.Value.Equal(decimal.NewFromInt(9)))
	assert.Equal(t, ledger.UnitUSDT, req.USDTAmount.Unit)
	assert.True(t, req.FeeAmount.IsZero())
	assert.True(t, req.TotalDeduction.Value.Equal(pkr(2800).Value))
}

func TestSubmit_USDTBelowNetworkFee_Rejected(t *testing.T) {
	policy := testPolicy()
	policy.MinimumWithdrawal = pkr(100)
	e := newTestEnv(t, policy)
	tgt := e.fund(t, "u1", 5000, withdrawal.MethodUSDT)

	// 200 PKR / 280 < 1 USDT network fee
	_, err := e.mgr.Submit(context.Background(), "u1", pkr(200), withdrawal.MethodUSDT, tgt)
	assert.ErrorIs(t, err, ledger.ErrBelowMinimum)
}

func TestSubmit_BelowMinimum_Rejected(t *testing.T) {
	e := newTestEnv(t, testPolicy())
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)

	_, err := e.mgr.Submit(context.Background(), "u1", pkr(499), withdrawal.MethodBank, tgt)
	assert.ErrorIs(t, err, ledger.ErrBelowMinimum)
}

func TestSubmit_InsufficientBalance_Rejected(t *testing.T) {
	e := newTestEnv(t, testPolicy())
	tgt := e.fund(t, "u1", 700, withdrawal.MethodBank)

	_, err := e.mgr.Submit(context.Background(), "u1", pkr(800), withdrawal.MethodBank, tgt)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestSubmit_MethodDisabled_Rejected(t *testing.T) {
	policy := testPolicy()
	policy.USDTEnabled = false
	e := newTestEnv(t, policy)
	tgt := e.fund(t, "u1", 5000, withdrawal.MethodUSDT)

	_, err := e.mgr.Submit(context.Background(), "u1", pkr(2800), withdrawal.MethodUSDT, tgt)
	assert.ErrorIs(t, err, ledger.ErrMethodDisabled)
}

func TestSubmit_ForeignTarget_Rejected(t *testing.T) {
	// GIVEN: u2 tries to withdraw to u1's payment target
	// WHEN: Submitting
	// THEN: Rejected; targets are owner-bound

	e := newTestEnv(t, testPolicy())
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)
	e.fund(t, "u2", 1000, withdrawal.MethodBank)

	_, err := e.mgr.Submit(context.Background(), "u2", pkr(800), withdrawal.MethodBank, tgt)
	assert.ErrorIs(t, err, ledger.ErrMethodDisabled)
}

func TestSubmit_DailyLimit_CountsNonRejected(t *testing.T) {
	// GIVEN: MaxDaily 1 and one PENDING request today
	// WHEN: Submitting a second request
	// THEN: Rejected. After the first is rejected by an admin, a new
	//       submission succeeds: REJECTED does not consume the allowance.

	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 5000, withdrawal.MethodBank)

	first, err := e.mgr.Submit(ctx, "u1", pkr(500), withdrawal.MethodBank, tgt)
	require.NoError(t, err)

	_, err = e.mgr.Submit(ctx, "u1", pkr(500), withdrawal.MethodBank, tgt)
	assert.ErrorIs(t, err, ledger.ErrDailyLimitExceeded)

	_, err = e.mgr.Decide(ctx, first.ID, withdrawal.ActionReject, "admin", "docs missing", meta)
	require.NoError(t, err)

	_, err = e.mgr.Submit(ctx, "u1", pkr(500), withdrawal.MethodBank, tgt)
	assert.NoError(t, err)
}

func TestSubmit_ConcurrentRacers_OnlyOnePassesDailyLimit(t *testing.T) {
	// GIVEN: MaxDaily 1 and 10 goroutines submitting at once
	// WHEN: They race the count check
	// THEN: Exactly one request lands; the rest hit the daily limit

	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 50000, withdrawal.MethodBank)

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.mgr.Submit(ctx, "u1", pkr(500), withdrawal.MethodBank, tgt)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ledger.ErrDailyLimitExceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	pending, err := e.store.WithdrawalsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// =============================================================================
// DECIDE
// =============================================================================

func TestApprove_DebitsTotalDeduction(t *testing.T) {
	// GIVEN: Balance 1000 and a pending 800 bank withdrawal (total 880)
	// WHEN: An admin approves
	// THEN: Balance drops to 120 and the debit carries the request ID

	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)
	req, err := e.mgr.Submit(ctx, "u1", pkr(800), withdrawal.MethodBank, tgt)
	require.NoError(t, err)

	approved, err := e.mgr.Decide(ctx, req.ID, withdrawal.ActionApprove, "admin", "ok", meta)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusApproved, approved.Status)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "admin", *approved.DecidedBy)

	balance, err := e.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Spendable().Value.Equal(pkr(120).Value))

	entries, err := e.svc.Entries(ctx, "u1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.EntryWithdrawalDebit, last.Type)
	assert.Equal(t, req.ID, last.ReferenceID)
}

func TestDecide_NonPending_Rejected(t *testing.T) {
	// GIVEN: An already approved request
	// WHEN: Approving or rejecting it again
	// THEN: InvalidTransitionError; decisions are one-shot

	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)
	req, err := e.mgr.Submit(ctx, "u1", pkr(800), withdrawal.MethodBank, tgt)
	require.NoError(t, err)
	_, err = e.mgr.Decide(ctx, req.ID, withdrawal.ActionApprove, "admin", "", meta)
	require.NoError(t, err)

	_, err = e.mgr.Decide(ctx, req.ID, withdrawal.ActionApprove, "admin", "", meta)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	var transition *ledger.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "approved", transition.From)

	balance, err := e.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Spendable().Value.Equal(pkr(120).Value), "double approval must not double-debit")
}

func TestApprove_BalanceSpentMeanwhile_StaysPending(t *testing.T) {
	// GIVEN: A pending withdrawal whose funds were spent after submission
	// WHEN: An admin approves
	// THEN: The debit fails, the request stays PENDING for a later retry

	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)
	req, err := e.mgr.Submit(ctx, "u1", pkr(800), withdrawal.MethodBank, tgt)
	require.NoError(t, err)

	_, err = e.svc.Debit(ctx, "u1", pkr(600), ledger.EntryWithdrawalDebit, "other-spend")
	require.NoError(t, err)

	_, err = e.mgr.Decide(ctx, req.ID, withdrawal.ActionApprove, "admin", "", meta)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	stored, err := e.store.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusPending, stored.Status)
}

func TestReject_LeavesBalanceUntouched(t *testing.T) {
	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)
	req, err := e.mgr.Submit(ctx, "u1", pkr(800), withdrawal.MethodBank, tgt)
	require.NoError(t, err)

	rejected, err := e.mgr.Decide(ctx, req.ID, withdrawal.ActionReject, "admin", "suspicious", meta)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusRejected, rejected.Status)
	assert.Equal(t, "suspicious", rejected.AdminNotes)

	balance, err := e.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.WalletBalance.Value.Equal(pkr(1000).Value))
}

// =============================================================================
// PROCESS
// =============================================================================

func TestMarkProcessed_OnlyFromApproved(t *testing.T) {
	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)
	req, err := e.mgr.Submit(ctx, "u1", pkr(800), withdrawal.MethodBank, tgt)
	require.NoError(t, err)

	// PENDING -> PROCESSED is not a legal transition
	_, err = e.mgr.MarkProcessed(ctx, req.ID, "admin", meta)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = e.mgr.Decide(ctx, req.ID, withdrawal.ActionApprove, "admin", "", meta)
	require.NoError(t, err)

	processed, err := e.mgr.MarkProcessed(ctx, req.ID, "admin", meta)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusProcessed, processed.Status)
	assert.NotNil(t, processed.ProcessedAt)

	// Processed is terminal
	_, err = e.mgr.MarkProcessed(ctx, req.ID, "admin", meta)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestLifecycle_LeavesFullAuditTrail(t *testing.T) {
	e := newTestEnv(t, testPolicy())
	ctx := context.Background()
	tgt := e.fund(t, "u1", 1000, withdrawal.MethodBank)
	req, err := e.mgr.Submit(ctx, "u1", pkr(800), withdrawal.MethodBank, tgt)
	require.NoError(t, err)
	_, err = e.mgr.Decide(ctx, req.ID, withdrawal.ActionApprove, "admin", "ok", meta)
	require.NoError(t, err)
	_, err = e.mgr.MarkProcessed(ctx, req.ID, "admin", meta)
	require.NoError(t, err)

	trail, err := e.store.AuditByTarget(ctx, audit.TargetWithdrawal, req.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, audit.ActionWithdrawalSubmitted, trail[0].Action)
	assert.Equal(t, audit.ActionWithdrawalApproved, trail[1].Action)
	assert.Equal(t, audit.ActionWithdrawalProcessed, trail[2].Action)

	decided, ok := trail[1].Details.(*audit.WithdrawalDecidedDetail)
	require.True(t, ok)
	assert.Equal(t, "1000", decided.BalanceBefore)
	assert.Equal(t, "120", decided.BalanceAfter)
	assert.Equal(t, "10.0.0.1", trail[1].IPAddress)
}
