package closure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-closure/internal/broker"
	"lv-closure/internal/model"
	"lv-closure/internal/types"
)

func TestCheckPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("active account passes", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(0, 0, "100", "100"), "50000")
		require.NoError(t, env.orch.CheckPreconditions(ctx, "acc_1"))
	})

	t.Run("closed account is refused", func(t *testing.T) {
		gw := newFakeGateway(0, 0, "0", "0")
		gw.status = types.AccountStatusClosed
		env := newTestEnv(gw, "50000")
		err := env.orch.CheckPreconditions(ctx, "acc_1")
		var perr *PreconditionError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Reason, "already closed")
	})

	t.Run("inactive account is refused", func(t *testing.T) {
		gw := newFakeGateway(0, 0, "100", "100")
		gw.status = types.AccountStatusInactive
		env := newTestEnv(gw, "50000")
		err := env.orch.CheckPreconditions(ctx, "acc_1")
		var perr *PreconditionError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Reason, "INACTIVE")
	})

	t.Run("gateway failure surfaces as error", func(t *testing.T) {
		gw := newFakeGateway(0, 0, "100", "100")
		gw.snapshotErr = errors.New("connection refused")
		env := newTestEnv(gw, "50000")
		err := env.orch.CheckPreconditions(ctx, "acc_1")
		require.Error(t, err)
		var perr *PreconditionError
		assert.False(t, errors.As(err, &perr))
	})
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("no process row", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(0, 2, "5000", "5000"), "50000")
		res, err := env.orch.GetStatus(ctx, "acc_1")
		require.NoError(t, err)
		assert.Equal(t, "no_closure", res.Status)
		assert.Equal(t, types.StepLiquidatingPositions, res.Phase)
		assert.Equal(t, types.ActionLiquidate, res.NextAction)
		assert.Empty(t, res.UserID)
	})

	t.Run("pending closure", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(0, 0, "5000", "5000"), "50000")
		env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)
		res, err := env.orch.GetStatus(ctx, "acc_1")
		require.NoError(t, err)
		assert.Equal(t, "pending_closure", res.Status)
		assert.Equal(t, "usr_1", res.UserID)
		assert.Equal(t, "CLS-TEST", res.ConfirmationNumber)
		assert.Equal(t, types.StepWithdrawingFunds, res.Phase)
		assert.Equal(t, types.ActionWithdraw, res.NextAction)
	})

	t.Run("stored failure outranks the derived phase", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(1, 0, "5000", "5000"), "50000")
		env.seedProcess("acc_1", "usr_1", "rel_1", types.StepLiquidatingPositions)
		require.NoError(t, env.processes.MarkFailed(ctx, "acc_1", "liquidation timed out"))

		res, err := env.orch.GetStatus(ctx, "acc_1")
		require.NoError(t, err)
		assert.Equal(t, types.StepFailed, res.Phase)
		assert.Equal(t, types.ActionNone, res.NextAction)
		assert.Equal(t, "needs manual review", res.Status)
		assert.True(t, res.NeedsReview)
		assert.Equal(t, "liquidation timed out", res.FailureReason)
	})

	t.Run("includes transfer history", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(0, 0, "60000", "60000"), "50000")
		env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)
		_, err := env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("60000"))
		require.NoError(t, err)

		res, err := env.orch.GetStatus(ctx, "acc_1")
		require.NoError(t, err)
		require.Len(t, res.Transfers, 1)
		assert.True(t, res.Transfers[0].Amount.Equal(d("50000")))
		require.NotNil(t, res.Partial)
		assert.True(t, res.Partial.RemainingAmount.Equal(d("10000")))
		assert.Equal(t, types.StepPartialWithdrawalWaiting, res.Phase)
	})
}

func TestWithdrawFunds_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(newFakeGateway(0, 0, "100", "100"), "50000")

	var verr *ValidationError

	_, err := env.orch.WithdrawFunds(ctx, "", "rel_1", d("10"))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "account_id", verr.Field)

	_, err = env.orch.WithdrawFunds(ctx, "acc_1", "", d("10"))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bank_relationship_id", verr.Field)

	_, err = env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("0"))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	_, err = env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("-5"))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
}

func TestWithdrawFunds_SingleChunkWithinLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(newFakeGateway(0, 0, "10000", "10000"), "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)

	res, err := env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("10000"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.IsPartialWithdrawal)
	assert.True(t, res.Amount.Equal(d("10000")))
	assert.Nil(t, res.NextWithdrawalDate)

	transfers, err := env.transfers.ListByAccount(ctx, "acc_1")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].IsFinal)

	var partial model.PartialWithdrawalState
	found, err := env.state.Get(ctx, partialStateKey("acc_1"), &partial)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWithdrawFunds_ChunksAtDailyLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(newFakeGateway(0, 0, "125000", "125000"), "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)

	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env.orch.now = func() time.Time { return fixed }

	res, err := env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("125000"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsPartialWithdrawal)
	assert.True(t, res.Amount.Equal(d("50000")))
	assert.True(t, res.RemainingAmount.Equal(d("75000")))
	require.NotNil(t, res.NextWithdrawalDate)
	assert.Equal(t, fixed.Add(24*time.Hour), *res.NextWithdrawalDate)

	// Checkpoint written through before returning.
	var partial model.PartialWithdrawalState
	found, err := env.state.Get(ctx, partialStateKey("acc_1"), &partial)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, partial.RemainingAmount.Equal(d("75000")))
	assert.True(t, partial.TotalWithdrawn.Equal(d("50000")))
	assert.Equal(t, 1, partial.TransferCount)
	assert.Equal(t, fixed.Add(24*time.Hour), partial.NextWithdrawalTime)

	transfers, err := env.transfers.ListByAccount(ctx, "acc_1")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.False(t, transfers[0].IsFinal)
	assert.Contains(t, env.auditMessages("acc_1"), "Partial withdrawal issued, daily limit reached")
}

func TestWithdrawFunds_ClampsToWithdrawable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(newFakeGateway(0, 0, "100000", "30000"), "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)

	res, err := env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("100000"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.IsPartialWithdrawal)
	assert.True(t, res.Amount.Equal(d("30000")))
}

func TestWithdrawFunds_DustIsRefused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(newFakeGateway(0, 0, "0.75", "0.75"), "50000")

	_, err := env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("0.75"))
	var perr *PreconditionError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "dust")
}

func TestWithdrawFunds_PartnerErrorFolded(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(0, 0, "10000", "10000")
	gw.withdrawErr = &broker.PartnerError{Op: "create_withdrawal", StatusCode: 503, Body: "maintenance"}
	env := newTestEnv(gw, "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)

	res, err := env.orch.WithdrawFunds(ctx, "acc_1", "rel_1", d("10000"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "status 503")
	assert.Contains(t, env.auditMessages("acc_1"), "Withdrawal request FAILED")

	transfers, err := env.transfers.ListByAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestCloseAccount_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses while positions remain", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(0, 2, "0", "0"), "50000")
		_, err := env.orch.CloseAccount(ctx, "acc_1")
		var perr *PreconditionError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Reason, "positions still open")
	})

	t.Run("refuses while cash remains", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(0, 0, "250.00", "250.00"), "50000")
		_, err := env.orch.CloseAccount(ctx, "acc_1")
		var perr *PreconditionError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Reason, "dust threshold")
	})

	t.Run("already closed short-circuits the partner call", func(t *testing.T) {
		gw := newFakeGateway(0, 0, "0", "0")
		gw.status = types.AccountStatusClosed
		env := newTestEnv(gw, "50000")
		res, err := env.orch.CloseAccount(ctx, "acc_1")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.AlreadyClosed)
		_, _, closes := gw.counts()
		assert.Zero(t, closes)
	})

	t.Run("closes a flat dusty account", func(t *testing.T) {
		gw := newFakeGateway(0, 0, "0.40", "0.40")
		env := newTestEnv(gw, "50000")
		env.seedProcess("acc_1", "usr_1", "rel_1", types.StepClosingAccount)
		res, err := env.orch.CloseAccount(ctx, "acc_1")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, types.AccountStatusClosed, gw.accountStatus())
		assert.Contains(t, env.auditMessages("acc_1"), "Account close accepted")
	})
}

func TestResume_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("no process row", func(t *testing.T) {
		env := newTestEnv(newFakeGateway(0, 0, "0", "0"), "50000")
		_, err := env.orch.Resume(ctx, "acc_1")
		var perr *PreconditionError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("failed closure is not retried automatically", func(t *testing.T) {
		gw := newFakeGateway(2, 0, "5000", "5000")
		env := newTestEnv(gw, "50000")
		env.seedProcess("acc_1", "usr_1", "rel_1", types.StepLiquidatingPositions)
		require.NoError(t, env.processes.MarkFailed(ctx, "acc_1", "transfer tr_9 FAILED at the partner"))

		res, err := env.orch.Resume(ctx, "acc_1")
		require.NoError(t, err)
		assert.Equal(t, types.StepFailed, res.Phase)
		assert.Equal(t, types.ActionNone, res.Action)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "FAILED at the partner")
		liq, w, c := gw.counts()
		assert.Zero(t, liq+w+c)
	})

	t.Run("snapshot failure folds into a wait", func(t *testing.T) {
		gw := newFakeGateway(0, 0, "5000", "5000")
		gw.snapshotErr = errors.New("partner timeout")
		env := newTestEnv(gw, "50000")
		env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)

		res, err := env.orch.Resume(ctx, "acc_1")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, types.ActionWait, res.Action)
		assert.Contains(t, res.Error, "partner timeout")
	})
}

func TestResume_Liquidates(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(3, 2, "20000", "5000")
	env := newTestEnv(gw, "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepInitiated)

	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env.orch.now = func() time.Time { return fixed }

	res, err := env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, types.StepLiquidatingPositions, res.Phase)
	assert.Equal(t, types.ActionLiquidate, res.Action)

	liq, _, _ := gw.counts()
	assert.Equal(t, 1, liq)

	proc, err := env.processes.Get(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.StepLiquidatingPositions, proc.Phase)
	require.NotNil(t, proc.NextActionTime)
	assert.Equal(t, fixed.Add(5*time.Minute), *proc.NextActionTime)
}

func TestResume_WaitsDuringSettlement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(newFakeGateway(0, 0, "20000", "5000"), "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepLiquidatingPositions)

	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env.orch.now = func() time.Time { return fixed }

	res, err := env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, types.StepWaitingSettlement, res.Phase)
	assert.Equal(t, types.ActionWait, res.Action)

	proc, err := env.processes.Get(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.StepWaitingSettlement, proc.Phase)
	require.NotNil(t, proc.NextActionTime)
	assert.Equal(t, fixed.Add(time.Hour), *proc.NextActionTime)
}

// TestResume_PartialWithdrawalJourney drives a $125k account through three
// daily-limit chunks purely via Resume, advancing a fake clock past each
// 24h window.
func TestResume_PartialWithdrawalJourney(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(0, 0, "125000", "125000")
	env := newTestEnv(gw, "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)

	current := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env.orch.now = func() time.Time { return current }

	// Day one: first chunk hits the limit.
	res, err := env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, types.ActionWithdraw, res.Action)

	proc, err := env.processes.Get(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.StepPartialWithdrawalWaiting, proc.Phase)
	require.NotNil(t, proc.NextActionTime)
	assert.Equal(t, current.Add(24*time.Hour), *proc.NextActionTime)

	// Same day: the window has not opened, so resuming again is a no-op.
	res, err = env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionWait, res.Action)
	_, withdrawals, _ := gw.counts()
	assert.Equal(t, 1, withdrawals)

	// Day two: second chunk, still over the limit.
	current = current.Add(25 * time.Hour)
	res, err = env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionWithdraw, res.Action)

	var partial model.PartialWithdrawalState
	found, err := env.state.Get(ctx, partialStateKey("acc_1"), &partial)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, partial.RemainingAmount.Equal(d("25000")))
	assert.True(t, partial.TotalWithdrawn.Equal(d("100000")))
	assert.Equal(t, 2, partial.TransferCount)

	// Day three: final chunk retires the checkpoint.
	current = current.Add(25 * time.Hour)
	res, err = env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionWithdraw, res.Action)

	found, err = env.state.Get(ctx, partialStateKey("acc_1"), &partial)
	require.NoError(t, err)
	assert.False(t, found)

	amounts := gw.withdrawalAmounts()
	require.Len(t, amounts, 3)
	assert.True(t, amounts[0].Equal(d("50000")))
	assert.True(t, amounts[1].Equal(d("50000")))
	assert.True(t, amounts[2].Equal(d("25000")))

	transfers, err := env.transfers.ListByAccount(ctx, "acc_1")
	require.NoError(t, err)
	require.Len(t, transfers, 3)
	assert.False(t, transfers[0].IsFinal)
	assert.False(t, transfers[1].IsFinal)
	assert.True(t, transfers[2].IsFinal)

	// Day four: the account is drained, so resume closes and finalizes.
	current = current.Add(25 * time.Hour)
	res, err = env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionCloseAccount, res.Action)
	assert.True(t, res.Success)
	assert.Equal(t, types.AccountStatusClosed, gw.accountStatus())

	proc, err = env.processes.Get(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, proc.Phase)
	assert.Contains(t, env.auditMessages("acc_1"), "Account closure COMPLETED")
}

func TestResume_SelfHealsStaleCheckpoint(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(0, 0, "0.20", "0.20")
	env := newTestEnv(gw, "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepPartialWithdrawalWaiting)

	// Leftover checkpoint from a withdrawal whose cash has fully left.
	stale := &model.PartialWithdrawalState{
		AccountID:          "acc_1",
		RemainingAmount:    d("25000"),
		NextWithdrawalTime: time.Now().UTC().Add(12 * time.Hour),
	}
	require.NoError(t, env.state.Set(ctx, partialStateKey("acc_1"), stale, 0))

	res, err := env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.StepClosingAccount, res.Phase)
	assert.Equal(t, types.ActionCloseAccount, res.Action)
	assert.True(t, res.Success)

	var partial model.PartialWithdrawalState
	found, err := env.state.Get(ctx, partialStateKey("acc_1"), &partial)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, types.AccountStatusClosed, gw.accountStatus())
}

func TestResume_FinalizesWhenAlreadyClosed(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(0, 0, "0", "0")
	gw.status = types.AccountStatusClosed
	env := newTestEnv(gw, "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepWithdrawingFunds)

	res, err := env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, res.Phase)
	assert.Equal(t, types.ActionNone, res.Action)
	assert.Equal(t, "account closed, process finalized", res.Detail)

	proc, err := env.processes.Get(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, proc.Phase)
	assert.Nil(t, proc.NextActionTime)

	// Second resume finds nothing left to do.
	res, err = env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, res.Action)
	assert.Equal(t, "nothing to do", res.Detail)
}

func TestResume_PartnerErrorDoesNotFailTheProcess(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(2, 0, "5000", "5000")
	gw.liquidateErr = &broker.PartnerError{Op: "liquidate_all", StatusCode: 502, Body: "bad gateway"}
	env := newTestEnv(gw, "50000")
	env.seedProcess("acc_1", "usr_1", "rel_1", types.StepInitiated)

	res, err := env.orch.Resume(ctx, "acc_1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ActionLiquidate, res.Action)
	assert.Contains(t, res.Error, "status 502")

	// The process is not FAILED; the next sweep simply retries.
	proc, err := env.processes.Get(ctx, "acc_1")
	require.NoError(t, err)
	assert.NotEqual(t, types.StepFailed, proc.Phase)
	assert.False(t, proc.NeedsReview)
}
