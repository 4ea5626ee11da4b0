package closure

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lv-closure/internal/audit"
	"lv-closure/internal/broker"
	"lv-closure/internal/model"
	"lv-closure/internal/statestore"
	"lv-closure/internal/types"
)

// StatusResult is the closure view returned to API callers. Snapshot and
// phase come from ground truth at call time, not from the stored row.
type StatusResult struct {
	AccountID          string                        `json:"account_id"`
	UserID             string                        `json:"-"`
	ConfirmationNumber string                        `json:"confirmation_number,omitempty"`
	Phase              types.ClosureStep             `json:"phase"`
	NextAction         types.ClosureAction           `json:"next_action"`
	Status             string                        `json:"status"`
	NeedsReview        bool                          `json:"needs_review"`
	FailureReason      string                        `json:"failure_reason,omitempty"`
	LastCompletedPhase *types.ClosureStep            `json:"last_completed_phase,omitempty"`
	NextActionTime     *time.Time                    `json:"next_action_time,omitempty"`
	Snapshot           model.AccountSnapshot         `json:"snapshot"`
	Partial            *model.PartialWithdrawalState `json:"partial_withdrawal,omitempty"`
	Transfers          []model.TransferRecord        `json:"transfers,omitempty"`
}

type LiquidateResult struct {
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	OrdersCanceled  int    `json:"orders_canceled"`
	PositionsClosed int    `json:"positions_closed"`
}

type WithdrawResult struct {
	Success             bool            `json:"success"`
	Error               string          `json:"error,omitempty"`
	TransferID          string          `json:"transfer_id,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	IsPartialWithdrawal bool            `json:"is_partial_withdrawal"`
	RemainingAmount     decimal.Decimal `json:"remaining_amount"`
	NextWithdrawalDate  *time.Time      `json:"next_withdrawal_date,omitempty"`
}

type CloseResult struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	AlreadyClosed bool   `json:"already_closed"`
}

type ResumeResult struct {
	Phase   types.ClosureStep   `json:"phase"`
	Action  types.ClosureAction `json:"action"`
	Success bool                `json:"success"`
	Error   string              `json:"error,omitempty"`
	Detail  string              `json:"detail,omitempty"`
}

// Orchestrator executes one closure phase's side effects at a time against
// the partner gateway. Partner failures are folded into the result
// (Success=false) after being audited; the error return is reserved for
// validation, precondition and infrastructure failures.
type Orchestrator struct {
	gateway    broker.Gateway
	processes  ProcessStore
	transfers  TransferStore
	state      statestore.Store
	audits     *audit.Registry
	bus        *Bus
	dailyLimit decimal.Decimal
	log        *zap.Logger
	now        func() time.Time
}

func NewOrchestrator(gateway broker.Gateway, processes ProcessStore, transfers TransferStore,
	state statestore.Store, audits *audit.Registry, bus *Bus,
	dailyLimit decimal.Decimal, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		gateway:    gateway,
		processes:  processes,
		transfers:  transfers,
		state:      state,
		audits:     audits,
		bus:        bus,
		dailyLimit: dailyLimit,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func partialStateKey(accountID string) string {
	return "closure:partial:" + accountID
}

// CheckPreconditions verifies the account can enter closure at all. The
// account must exist at the partner, be ACTIVE, and not already CLOSED.
func (o *Orchestrator) CheckPreconditions(ctx context.Context, accountID string) error {
	snap, err := o.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetch account snapshot: %w", err)
	}
	switch snap.Status {
	case types.AccountStatusClosed:
		return &PreconditionError{Reason: "account is already closed"}
	case types.AccountStatusActive:
		return nil
	default:
		return &PreconditionError{Reason: fmt.Sprintf("account status %s does not allow closure", snap.Status)}
	}
}

// GetStatus derives the current phase and next action from a fresh
// snapshot plus the persisted partial-withdrawal state.
func (o *Orchestrator) GetStatus(ctx context.Context, accountID string) (StatusResult, error) {
	snap, err := o.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("fetch account snapshot: %w", err)
	}
	partial, err := o.readPartial(ctx, accountID)
	if err != nil {
		return StatusResult{}, err
	}
	process, err := o.processes.Get(ctx, accountID)
	if err != nil {
		return StatusResult{}, err
	}
	transfers, err := o.transfers.ListByAccount(ctx, accountID)
	if err != nil {
		return StatusResult{}, err
	}

	phase := DeterminePhase(snap, partial)
	ready := IsReadyForNext(phase, snap, partial, o.now())
	res := StatusResult{
		AccountID:  accountID,
		Phase:      phase,
		NextAction: NextAction(phase, ready),
		Snapshot:   snap,
		Partial:    partial,
		Transfers:  transfers,
	}
	if process != nil {
		res.UserID = process.UserID
		res.ConfirmationNumber = process.ConfirmationNumber
		res.NeedsReview = process.NeedsReview
		res.LastCompletedPhase = process.LastCompletedPhase
		res.NextActionTime = process.NextActionTime
		if process.FailureReason != nil {
			res.FailureReason = *process.FailureReason
		}
		// The stored phase wins for terminal bookkeeping states the
		// snapshot cannot express.
		if process.Phase == types.StepFailed {
			res.Phase = types.StepFailed
			res.NextAction = types.ActionNone
		}
	}
	res.Status = statusString(process, res.Phase)
	return res, nil
}

func statusString(process *model.ClosureProcess, phase types.ClosureStep) string {
	if process == nil {
		return "no_closure"
	}
	if process.NeedsReview {
		return "needs manual review"
	}
	switch phase {
	case types.StepCompleted:
		return "completed"
	case types.StepFailed:
		return "failed"
	default:
		return "pending_closure"
	}
}

// LiquidatePositions cancels all open orders and closes all positions in
// one gateway call. The ack only means the partner accepted the request;
// completion is confirmed by polling the snapshot down to zero.
func (o *Orchestrator) LiquidatePositions(ctx context.Context, accountID string) (LiquidateResult, error) {
	rec := o.recorder(ctx, accountID)
	ack, err := o.gateway.LiquidateAll(ctx, accountID)
	if err != nil {
		rec.Error(ctx, types.StepLiquidatingPositions, "Liquidation request FAILED", map[string]any{
			"error": err.Error(),
		})
		return LiquidateResult{Success: false, Error: err.Error()}, nil
	}
	rec.Info(ctx, types.StepLiquidatingPositions, "Liquidation requested", map[string]any{
		"orders_canceled":  ack.OrdersCanceled,
		"positions_closed": ack.PositionsClosed,
	})
	o.publish(Event{Type: EventPhaseChanged, AccountID: accountID, Phase: types.StepLiquidatingPositions})
	return LiquidateResult{
		Success:         true,
		OrdersCanceled:  ack.OrdersCanceled,
		PositionsClosed: ack.PositionsClosed,
	}, nil
}

// WithdrawFunds moves up to the daily transfer limit out of the account.
// amount is the total still to withdraw; when it exceeds the limit exactly
// one limit-sized chunk is issued and the remainder is recorded as
// partial-withdrawal state, written through before this returns. The
// snapshot is re-read here so a duplicate call observes the already
// reduced withdrawable balance instead of double-withdrawing.
func (o *Orchestrator) WithdrawFunds(ctx context.Context, accountID, bankRelationshipID string, amount decimal.Decimal) (WithdrawResult, error) {
	if accountID == "" {
		return WithdrawResult{}, &ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if bankRelationshipID == "" {
		return WithdrawResult{}, &ValidationError{Field: "bank_relationship_id", Reason: "must not be empty"}
	}
	if !amount.IsPositive() {
		return WithdrawResult{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	snap, err := o.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("fetch account snapshot: %w", err)
	}
	if amount.GreaterThan(snap.CashWithdrawable) {
		amount = snap.CashWithdrawable
	}
	if !amount.GreaterThan(dustThreshold) {
		return WithdrawResult{}, &PreconditionError{Reason: "withdrawable balance is dust, nothing to transfer"}
	}

	rec := o.recorder(ctx, accountID)
	now := o.now()

	chunk := amount
	isPartial := amount.GreaterThan(o.dailyLimit)
	if isPartial {
		chunk = o.dailyLimit
	}
	remaining := amount.Sub(chunk)

	record, err := o.gateway.CreateWithdrawal(ctx, broker.WithdrawalRequest{
		AccountID:          accountID,
		BankRelationshipID: bankRelationshipID,
		Amount:             chunk,
		ClientTransferID:   uuid.NewString(),
	})
	if err != nil {
		rec.Error(ctx, types.StepWithdrawingFunds, "Withdrawal request FAILED", map[string]any{
			"amount": chunk.String(),
			"error":  err.Error(),
		})
		return WithdrawResult{Success: false, Error: err.Error()}, nil
	}
	record.IsFinal = !isPartial
	if err := o.transfers.Insert(ctx, &record); err != nil {
		return WithdrawResult{}, err
	}
	transfersTotal.WithLabelValues(string(record.Status)).Inc()

	res := WithdrawResult{
		Success:    true,
		TransferID: record.TransferID,
		Amount:     chunk,
	}
	if isPartial {
		next := now.Add(24 * time.Hour)
		prev, err := o.readPartial(ctx, accountID)
		if err != nil {
			return WithdrawResult{}, err
		}
		partial := &model.PartialWithdrawalState{
			AccountID:          accountID,
			RemainingAmount:    remaining,
			TotalWithdrawn:     chunk,
			TransferCount:      1,
			LastTransferID:     record.TransferID,
			LastWithdrawalAt:   now,
			NextWithdrawalTime: next,
		}
		if prev != nil {
			partial.TotalWithdrawn = prev.TotalWithdrawn.Add(chunk)
			partial.TransferCount = prev.TransferCount + 1
		}
		if err := o.state.Set(ctx, partialStateKey(accountID), partial, 0); err != nil {
			return WithdrawResult{}, err
		}
		res.IsPartialWithdrawal = true
		res.RemainingAmount = remaining
		res.NextWithdrawalDate = &next
		rec.Info(ctx, types.StepWithdrawingFunds, "Partial withdrawal issued, daily limit reached", map[string]any{
			"transfer_id": record.TransferID,
			"amount":      chunk.String(),
			"remaining":   remaining.String(),
		})
	} else {
		// Final chunk covers everything still withdrawable; any partial
		// sequence ends here.
		if err := o.state.Delete(ctx, partialStateKey(accountID)); err != nil {
			return WithdrawResult{}, err
		}
		rec.Info(ctx, types.StepWithdrawingFunds, "Withdrawal issued", map[string]any{
			"transfer_id": record.TransferID,
			"amount":      chunk.String(),
		})
	}
	o.publish(Event{Type: EventTransfer, AccountID: accountID, Phase: types.StepWithdrawingFunds, Data: res})
	return res, nil
}

// CloseAccount is the terminal partner call. It refuses while positions
// remain or more than dust is left on the account, no matter what any
// stored phase claims.
func (o *Orchestrator) CloseAccount(ctx context.Context, accountID string) (CloseResult, error) {
	snap, err := o.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return CloseResult{}, fmt.Errorf("fetch account snapshot: %w", err)
	}
	if snap.Status == types.AccountStatusClosed {
		return CloseResult{Success: true, AlreadyClosed: true}, nil
	}
	if snap.OpenPositions > 0 {
		return CloseResult{}, &PreconditionError{Reason: fmt.Sprintf("%d positions still open", snap.OpenPositions)}
	}
	if snap.CashBalance.GreaterThan(dustThreshold) {
		return CloseResult{}, &PreconditionError{Reason: fmt.Sprintf("cash balance %s exceeds dust threshold", snap.CashBalance)}
	}

	rec := o.recorder(ctx, accountID)
	ack, err := o.gateway.CloseAccount(ctx, accountID)
	if err != nil {
		rec.Error(ctx, types.StepClosingAccount, "Account close FAILED", map[string]any{
			"error": err.Error(),
		})
		return CloseResult{Success: false, Error: err.Error()}, nil
	}
	rec.Info(ctx, types.StepClosingAccount, "Account close accepted", map[string]any{
		"already_closed": ack.AlreadyClosed,
	})
	return CloseResult{Success: true, AlreadyClosed: ack.AlreadyClosed}, nil
}

// Resume advances a closure by at most one side effect. The phase is
// re-derived from a fresh snapshot and the persisted partial state, never
// from the stored row, so calling it twice without an external change makes
// the second call a no-op. Safe for cron, the sweeper, and manual retries.
func (o *Orchestrator) Resume(ctx context.Context, accountID string) (ResumeResult, error) {
	process, err := o.processes.Get(ctx, accountID)
	if err != nil {
		return ResumeResult{}, err
	}
	if process == nil {
		return ResumeResult{}, &PreconditionError{Reason: "no closure process for account"}
	}
	if process.Phase == types.StepFailed {
		reason := "closure previously failed"
		if process.FailureReason != nil {
			reason = *process.FailureReason
		}
		return ResumeResult{Phase: types.StepFailed, Action: types.ActionNone, Success: false, Error: reason}, nil
	}

	rec := o.recorder(ctx, accountID)
	snap, err := o.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		rec.Warn(ctx, process.Phase, "Resume could not fetch snapshot", map[string]any{
			"error": err.Error(),
		})
		return ResumeResult{Phase: process.Phase, Action: types.ActionWait, Success: false, Error: err.Error()}, nil
	}
	partial, err := o.readPartial(ctx, accountID)
	if err != nil {
		return ResumeResult{}, err
	}
	if partial != nil && !snap.CashBalance.GreaterThan(dustThreshold) {
		// Every chunk has settled; the leftover record would otherwise
		// pin the phase at PARTIAL_WITHDRAWAL_WAITING forever.
		if err := o.state.Delete(ctx, partialStateKey(accountID)); err != nil {
			return ResumeResult{}, err
		}
		partial = nil
	}

	now := o.now()
	phase := DeterminePhase(snap, partial)
	ready := IsReadyForNext(phase, snap, partial, now)
	action := NextAction(phase, ready)
	resumesTotal.WithLabelValues(string(action)).Inc()
	o.log.Debug("resume derived next action",
		zap.String("account_id", accountID),
		zap.String("phase", string(phase)),
		zap.String("action", string(action)))

	res := ResumeResult{Phase: phase, Action: action, Success: true}
	switch action {
	case types.ActionNone:
		if phase == types.StepCompleted && process.Phase != types.StepCompleted {
			if err := o.finalize(ctx, process, rec); err != nil {
				return ResumeResult{}, err
			}
			res.Detail = "account closed, process finalized"
			return res, nil
		}
		res.Detail = "nothing to do"
		return res, nil

	case types.ActionWait:
		if err := o.processes.SetPhase(ctx, accountID, phase, nil); err != nil {
			return ResumeResult{}, err
		}
		next := now.Add(time.Hour)
		if partial != nil && partial.NextWithdrawalTime.After(now) {
			next = partial.NextWithdrawalTime
		}
		if err := o.processes.SetNextActionTime(ctx, accountID, &next); err != nil {
			return ResumeResult{}, err
		}
		res.Detail = "waiting, re-armed " + next.Format(time.RFC3339)
		return res, nil

	case types.ActionLiquidate:
		lr, err := o.LiquidatePositions(ctx, accountID)
		if err != nil {
			return ResumeResult{}, err
		}
		res.Success = lr.Success
		res.Error = lr.Error
		if lr.Success {
			if err := o.processes.SetPhase(ctx, accountID, types.StepLiquidatingPositions, nil); err != nil {
				return ResumeResult{}, err
			}
			next := now.Add(5 * time.Minute)
			if err := o.processes.SetNextActionTime(ctx, accountID, &next); err != nil {
				return ResumeResult{}, err
			}
		}
		return res, nil

	case types.ActionWithdraw:
		wr, err := o.WithdrawFunds(ctx, accountID, process.BankRelationshipID, snap.CashWithdrawable)
		if err != nil {
			return ResumeResult{}, err
		}
		res.Success = wr.Success
		res.Error = wr.Error
		if !wr.Success {
			return res, nil
		}
		nextPhase := types.StepWithdrawingFunds
		next := now.Add(2 * time.Hour)
		if wr.IsPartialWithdrawal {
			nextPhase = types.StepPartialWithdrawalWaiting
			next = *wr.NextWithdrawalDate
		}
		if err := o.processes.SetPhase(ctx, accountID, nextPhase, nil); err != nil {
			return ResumeResult{}, err
		}
		if err := o.processes.SetNextActionTime(ctx, accountID, &next); err != nil {
			return ResumeResult{}, err
		}
		return res, nil

	case types.ActionCloseAccount:
		cr, err := o.CloseAccount(ctx, accountID)
		if err != nil {
			return ResumeResult{}, err
		}
		res.Success = cr.Success
		res.Error = cr.Error
		if cr.Success {
			if err := o.finalize(ctx, process, rec); err != nil {
				return ResumeResult{}, err
			}
			res.Detail = "account closed, process finalized"
		}
		return res, nil
	}
	return res, nil
}

// finalize marks the process COMPLETED and clears transient state. Called
// once ground truth confirms the account is closed.
func (o *Orchestrator) finalize(ctx context.Context, process *model.ClosureProcess, rec *audit.Recorder) error {
	if err := o.processes.MarkCompleted(ctx, process.AccountID); err != nil {
		return err
	}
	if err := o.state.Delete(ctx, partialStateKey(process.AccountID)); err != nil {
		return err
	}
	rec.Info(ctx, types.StepCompleted, "Account closure COMPLETED", map[string]any{
		"confirmation_number": process.ConfirmationNumber,
	})
	o.publish(Event{Type: EventCompleted, AccountID: process.AccountID, Phase: types.StepCompleted})
	o.audits.Release(process.AccountID)
	return nil
}

func (o *Orchestrator) readPartial(ctx context.Context, accountID string) (*model.PartialWithdrawalState, error) {
	var partial model.PartialWithdrawalState
	found, err := o.state.Get(ctx, partialStateKey(accountID), &partial)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &partial, nil
}

// recorder resolves the audit recorder for an account, attaching the user
// when the process row knows it.
func (o *Orchestrator) recorder(ctx context.Context, accountID string) *audit.Recorder {
	userID := ""
	if p, err := o.processes.Get(ctx, accountID); err == nil && p != nil {
		userID = p.UserID
	}
	return o.audits.For(accountID, userID)
}

func (o *Orchestrator) publish(evt Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}
