package closure

import (
	"time"

	"github.com/shopspring/decimal"

	"lv-closure/internal/model"
	"lv-closure/internal/types"
)

// dustThreshold is the residual balance a brokerage account may carry into
// closure. Amounts at or below $1.00 are rounding and fee remainders, not
// funds worth a transfer. Deliberately not configurable.
var dustThreshold = decimal.NewFromInt(1)

// DeterminePhase derives the closure phase from ground truth alone. It never
// consults a stored phase, so a stale or lost process row cannot mislead it.
// Priority: an in-flight partial withdrawal outranks everything, then the
// terminal closed check, then work in descending order of what blocks what.
func DeterminePhase(snap model.AccountSnapshot, partial *model.PartialWithdrawalState) types.ClosureStep {
	if partial != nil {
		return types.StepPartialWithdrawalWaiting
	}
	if snap.Status == types.AccountStatusClosed {
		return types.StepCompleted
	}
	if snap.OpenOrders > 0 || snap.OpenPositions > 0 {
		return types.StepLiquidatingPositions
	}
	aboveDust := snap.CashBalance.GreaterThan(dustThreshold)
	if snap.CashWithdrawable.LessThan(snap.CashBalance) && aboveDust {
		return types.StepWaitingSettlement
	}
	if snap.CashWithdrawable.Equal(snap.CashBalance) && aboveDust {
		return types.StepWithdrawingFunds
	}
	if !aboveDust {
		return types.StepClosingAccount
	}
	return types.StepInitiated
}

// IsReadyForNext reports whether the account has satisfied the current
// phase's exit condition. now is injected so the 24h partial-withdrawal
// cooldown is testable.
func IsReadyForNext(step types.ClosureStep, snap model.AccountSnapshot, partial *model.PartialWithdrawalState, now time.Time) bool {
	switch step {
	case types.StepLiquidatingPositions:
		return snap.OpenOrders == 0 && snap.OpenPositions == 0
	case types.StepWaitingSettlement:
		return snap.CashWithdrawable.Equal(snap.CashBalance)
	case types.StepPartialWithdrawalWaiting:
		if !snap.CashBalance.GreaterThan(dustThreshold) {
			return true
		}
		if partial == nil {
			return true
		}
		// The previous chunk has settled once the balance has dropped to
		// roughly the recorded remainder. Until then the cash is in
		// flight and another withdrawal would bounce.
		settled := !snap.CashBalance.GreaterThan(partial.RemainingAmount.Add(dustThreshold))
		return settled && !now.Before(partial.NextWithdrawalTime)
	case types.StepWithdrawingFunds:
		return snap.CashWithdrawable.GreaterThan(dustThreshold)
	case types.StepClosingAccount:
		return snap.OpenPositions == 0 && !snap.CashBalance.GreaterThan(dustThreshold)
	default:
		return false
	}
}

// NextAction maps a phase and its readiness to the single action a resume
// should take. Terminal phases map to ActionNone regardless of readiness.
// LIQUIDATING_POSITIONS inverts the usual sense: the liquidate call fires
// while the account is NOT ready (orders or positions remain); ready means
// already flat.
func NextAction(step types.ClosureStep, ready bool) types.ClosureAction {
	if step.Terminal() {
		return types.ActionNone
	}
	switch step {
	case types.StepLiquidatingPositions:
		if ready {
			return types.ActionWait
		}
		return types.ActionLiquidate
	case types.StepWaitingSettlement, types.StepWithdrawingFunds, types.StepPartialWithdrawalWaiting:
		if ready {
			return types.ActionWithdraw
		}
		return types.ActionWait
	case types.StepClosingAccount:
		if ready {
			return types.ActionCloseAccount
		}
		return types.ActionWait
	default:
		return types.ActionWait
	}
}
