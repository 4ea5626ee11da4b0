package closure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lv-closure/internal/audit"
	"lv-closure/internal/ident"
	"lv-closure/internal/model"
	"lv-closure/internal/notify"
	"lv-closure/internal/trace"
	"lv-closure/internal/types"
)

// ProcessorIntervals holds every poll interval and bound of the background
// run. Production uses DefaultIntervals; tests shrink them to milliseconds.
type ProcessorIntervals struct {
	LiquidationPoll    time.Duration
	LiquidationBound   time.Duration
	SettlementPoll     time.Duration
	SettlementBound    time.Duration
	TransferPoll       time.Duration
	TransferBound      time.Duration
	WithdrawalCooldown time.Duration
}

func DefaultIntervals() ProcessorIntervals {
	return ProcessorIntervals{
		LiquidationPoll:    30 * time.Second,
		LiquidationBound:   15 * time.Minute,
		SettlementPoll:     time.Hour,
		SettlementBound:    72 * time.Hour,
		TransferPoll:       2 * time.Hour,
		TransferBound:      120 * time.Hour,
		WithdrawalCooldown: 24 * time.Hour,
	}
}

type InitiateResult struct {
	ConfirmationNumber string `json:"confirmation_number"`
	Status             string `json:"status"`
}

// Processor owns the multi-day background run of an account closure. The
// HTTP layer only ever calls Initiate and reads status; everything slow
// happens in one detached goroutine per account.
type Processor struct {
	orch      *Orchestrator
	notifier  *notify.Sender
	intervals ProcessorIntervals
	log       *zap.Logger

	mu      sync.Mutex
	runners map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func NewProcessor(orch *Orchestrator, notifier *notify.Sender, intervals ProcessorIntervals, log *zap.Logger) *Processor {
	return &Processor{
		orch:      orch,
		notifier:  notifier,
		intervals: intervals,
		log:       log,
		runners:   make(map[string]context.CancelFunc),
	}
}

// Initiate validates, persists the process row and spawns the detached
// background runner. It is idempotent: re-initiating a running closure
// returns the stored confirmation number without starting a second runner.
// A FAILED closure restarts here once preconditions pass again.
func (p *Processor) Initiate(ctx context.Context, userID, accountID, bankRelationshipID string) (InitiateResult, error) {
	if userID == "" {
		return InitiateResult{}, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if accountID == "" {
		return InitiateResult{}, &ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if bankRelationshipID == "" {
		return InitiateResult{}, &ValidationError{Field: "bank_relationship_id", Reason: "must not be empty"}
	}
	if err := p.orch.CheckPreconditions(ctx, accountID); err != nil {
		return InitiateResult{}, err
	}

	existing, err := p.orch.processes.Get(ctx, accountID)
	if err != nil {
		return InitiateResult{}, err
	}
	confirmation := ident.ConfirmationNumber()
	if existing != nil {
		confirmation = existing.ConfirmationNumber
		if !existing.Phase.Terminal() {
			p.log.Info("closure already in progress",
				zap.String("account_id", accountID),
				zap.String("phase", string(existing.Phase)))
			return InitiateResult{ConfirmationNumber: confirmation, Status: "pending_closure"}, nil
		}
	}

	now := time.Now().UTC()
	proc := &model.ClosureProcess{
		AccountID:          accountID,
		UserID:             userID,
		BankRelationshipID: bankRelationshipID,
		ConfirmationNumber: confirmation,
		Phase:              types.StepInitiated,
		StartedAt:          now,
		UpdatedAt:          now,
	}
	if existing != nil {
		proc.StartedAt = existing.StartedAt
	}
	if err := p.orch.processes.Upsert(ctx, proc); err != nil {
		return InitiateResult{}, err
	}

	rec := p.orch.audits.For(accountID, userID)
	rec.Info(ctx, types.StepInitiated, "Account closure STARTING", map[string]any{
		"confirmation_number":  confirmation,
		"bank_relationship_id": bankRelationshipID,
	})
	p.notifier.SendAsync(notify.Message{
		Event:              notify.EventClosureInitiated,
		UserID:             userID,
		AccountID:          accountID,
		ConfirmationNumber: confirmation,
	})
	p.spawn(proc)
	return InitiateResult{ConfirmationNumber: confirmation, Status: "pending_closure"}, nil
}

// Running reports whether a background runner is live for the account.
func (p *Processor) Running(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runners[accountID]
	return ok
}

// Shutdown cancels every live runner and waits for them to persist their
// checkpoints and exit, bounded by ctx.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for _, cancel := range p.runners {
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn starts the runner unless one is already live for this account or
// the processor is shutting down. Runner contexts derive from Background,
// not from the HTTP request that triggered them.
func (p *Processor) spawn(proc *model.ClosureProcess) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.runners[proc.AccountID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.runners[proc.AccountID] = cancel
	p.wg.Add(1)
	activeRunners.Inc()
	go p.run(ctx, proc)
}

func (p *Processor) release(accountID string) {
	p.mu.Lock()
	if cancel, ok := p.runners[accountID]; ok {
		cancel()
		delete(p.runners, accountID)
	}
	p.mu.Unlock()
}

func (p *Processor) run(ctx context.Context, proc *model.ClosureProcess) {
	defer p.wg.Done()
	defer activeRunners.Dec()
	defer p.release(proc.AccountID)
	rec := p.orch.audits.For(proc.AccountID, proc.UserID)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("closure runner panic",
				zap.String("account_id", proc.AccountID),
				zap.Any("panic", r))
			p.fail(proc, rec, fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx, span := trace.StartSpan(ctx, "closure.run")
	defer span.End()

	start := time.Now()
	err := p.runPhases(ctx, proc, rec)
	switch {
	case err == nil:
		runsTotal.WithLabelValues("completed").Inc()
		p.log.Info("closure run completed",
			zap.String("account_id", proc.AccountID),
			zap.Duration("took", time.Since(start)))
	case ctx.Err() != nil:
		// Shutdown, not failure. The checkpoint is persisted; the sweeper
		// resumes from it on next boot.
		runsTotal.WithLabelValues("interrupted").Inc()
		p.log.Info("closure run interrupted",
			zap.String("account_id", proc.AccountID),
			zap.String("phase", "suspended"))
	default:
		span.RecordError(err)
		p.fail(proc, rec, err.Error())
	}
}

// fail flips the process to FAILED with needs_review set. It runs on a
// fresh context because the runner's own context may already be dead.
func (p *Processor) fail(proc *model.ClosureProcess, rec *audit.Recorder, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runsTotal.WithLabelValues("failed").Inc()
	if err := p.orch.processes.MarkFailed(ctx, proc.AccountID, reason); err != nil {
		p.log.Error("could not persist closure failure",
			zap.String("account_id", proc.AccountID),
			zap.Error(err))
	}
	rec.Error(ctx, types.StepFailed, "Account closure FAILED, needs manual review", map[string]any{
		"reason": reason,
	})
	p.orch.publish(Event{Type: EventFailed, AccountID: proc.AccountID, Phase: types.StepFailed, Data: reason})
	p.notifier.SendAsync(notify.Message{
		Event:              notify.EventClosureNeedsReview,
		UserID:             proc.UserID,
		AccountID:          proc.AccountID,
		ConfirmationNumber: proc.ConfirmationNumber,
		Detail:             reason,
	})
	p.log.Warn("closure run failed",
		zap.String("account_id", proc.AccountID),
		zap.String("reason", reason))
}

// runPhases walks the strict phase order. Each phase is entered only when
// ground truth says it is still needed, so a restarted run skips work that
// already happened.
func (p *Processor) runPhases(ctx context.Context, proc *model.ClosureProcess, rec *audit.Recorder) error {
	accountID := proc.AccountID

	snap, err := p.orch.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetch account snapshot: %w", err)
	}
	if snap.Status == types.AccountStatusClosed {
		p.notifyCompleted(proc)
		return p.orch.finalize(ctx, proc, rec)
	}

	// Liquidation.
	if snap.OpenOrders > 0 || snap.OpenPositions > 0 {
		phaseStart := time.Now()
		if err := p.enterPhase(ctx, accountID, types.StepLiquidatingPositions, types.StepInitiated); err != nil {
			return err
		}
		lr, err := p.orch.LiquidatePositions(ctx, accountID)
		if err != nil {
			return err
		}
		if !lr.Success {
			return fmt.Errorf("liquidation request failed: %s", lr.Error)
		}
		err = p.pollUntil(ctx, "liquidation", p.intervals.LiquidationPoll, p.intervals.LiquidationBound,
			func(ctx context.Context) (bool, error) {
				s, err := p.orch.gateway.GetAccountSnapshot(ctx, accountID)
				if err != nil {
					p.log.Warn("liquidation poll: snapshot fetch failed", zap.Error(err))
					return false, nil
				}
				return s.OpenOrders == 0 && s.OpenPositions == 0, nil
			})
		if err != nil {
			return err
		}
		rec.Info(ctx, types.StepLiquidatingPositions, "All positions closed and orders canceled", nil)
		observePhase("liquidation", time.Since(phaseStart))
	}

	// Settlement. Not directly observable; the account is settled when
	// the withdrawable amount has caught up with the balance.
	snap, err = p.orch.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetch account snapshot: %w", err)
	}
	if snap.CashBalance.GreaterThan(dustThreshold) && snap.CashWithdrawable.LessThan(snap.CashBalance) {
		phaseStart := time.Now()
		if err := p.enterPhase(ctx, accountID, types.StepWaitingSettlement, types.StepLiquidatingPositions); err != nil {
			return err
		}
		rec.Info(ctx, types.StepWaitingSettlement, "Waiting for funds to settle", map[string]any{
			"cash_balance":      snap.CashBalance.String(),
			"cash_withdrawable": snap.CashWithdrawable.String(),
		})
		err = p.pollUntil(ctx, "settlement", p.intervals.SettlementPoll, p.intervals.SettlementBound,
			func(ctx context.Context) (bool, error) {
				s, err := p.orch.gateway.GetAccountSnapshot(ctx, accountID)
				if err != nil {
					p.log.Warn("settlement poll: snapshot fetch failed", zap.Error(err))
					return false, nil
				}
				return s.CashWithdrawable.Equal(s.CashBalance), nil
			})
		if err != nil {
			return err
		}
		rec.Info(ctx, types.StepWaitingSettlement, "Funds settled", nil)
		observePhase("settlement", time.Since(phaseStart))
	}

	// Withdrawal.
	snap, err = p.orch.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetch account snapshot: %w", err)
	}
	if snap.CashWithdrawable.GreaterThan(dustThreshold) {
		phaseStart := time.Now()
		if err := p.enterPhase(ctx, accountID, types.StepWithdrawingFunds, types.StepWaitingSettlement); err != nil {
			return err
		}
		if err := p.withdrawAll(ctx, proc, rec); err != nil {
			return err
		}
		observePhase("withdrawal", time.Since(phaseStart))
	}

	// Account closure. The orchestrator re-checks the guard on a fresh
	// snapshot before the partner call.
	snap, err = p.orch.gateway.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetch account snapshot: %w", err)
	}
	if snap.Status != types.AccountStatusClosed {
		phaseStart := time.Now()
		if err := p.enterPhase(ctx, accountID, types.StepClosingAccount, types.StepWithdrawingFunds); err != nil {
			return err
		}
		cr, err := p.orch.CloseAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !cr.Success {
			return fmt.Errorf("account close failed: %s", cr.Error)
		}
		observePhase("close", time.Since(phaseStart))
	}

	p.notifyCompleted(proc)
	return p.orch.finalize(ctx, proc, rec)
}

// withdrawAll drains the account in daily-limit chunks. Each chunk is
// polled to settlement; a partial chunk checkpoints and suspends in place
// for the cooldown before the next one. The loop always re-reads ground
// truth before issuing, so the amounts follow reality, not arithmetic.
func (p *Processor) withdrawAll(ctx context.Context, proc *model.ClosureProcess, rec *audit.Recorder) error {
	accountID := proc.AccountID
	for {
		snap, err := p.orch.gateway.GetAccountSnapshot(ctx, accountID)
		if err != nil {
			return fmt.Errorf("fetch account snapshot: %w", err)
		}
		if !snap.CashWithdrawable.GreaterThan(dustThreshold) {
			return nil
		}
		wr, err := p.orch.WithdrawFunds(ctx, accountID, proc.BankRelationshipID, snap.CashWithdrawable)
		if err != nil {
			return err
		}
		if !wr.Success {
			return fmt.Errorf("withdrawal failed: %s", wr.Error)
		}
		if err := p.pollTransfer(ctx, accountID, wr.TransferID); err != nil {
			return err
		}
		if !wr.IsPartialWithdrawal {
			return nil
		}

		// The KV checkpoint was written by WithdrawFunds; mirror the wake
		// time onto the process row so the sweeper can take over if this
		// task never wakes up.
		if err := p.orch.processes.SetPhase(ctx, accountID, types.StepPartialWithdrawalWaiting, stepPtr(types.StepWithdrawingFunds)); err != nil {
			return err
		}
		if err := p.orch.processes.SetNextActionTime(ctx, accountID, wr.NextWithdrawalDate); err != nil {
			return err
		}
		rec.Info(ctx, types.StepPartialWithdrawalWaiting, "Daily transfer limit reached, withdrawal continues next window", map[string]any{
			"remaining": wr.RemainingAmount.String(),
		})
		p.orch.publish(Event{Type: EventPhaseChanged, AccountID: accountID, Phase: types.StepPartialWithdrawalWaiting})

		select {
		case <-time.After(p.intervals.WithdrawalCooldown):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := p.orch.processes.SetPhase(ctx, accountID, types.StepWithdrawingFunds, nil); err != nil {
			return err
		}
	}
}

func (p *Processor) pollTransfer(ctx context.Context, accountID, transferID string) error {
	return p.pollUntil(ctx, "transfer settlement", p.intervals.TransferPoll, p.intervals.TransferBound,
		func(ctx context.Context) (bool, error) {
			st, err := p.orch.gateway.GetTransferStatus(ctx, accountID, transferID)
			if err != nil {
				p.log.Warn("transfer poll failed",
					zap.String("transfer_id", transferID),
					zap.Error(err))
				return false, nil
			}
			switch st.Status {
			case types.TransferStatusSettled:
				if err := p.orch.transfers.UpdateStatus(ctx, transferID, st.Status, st.SettledAt); err != nil {
					return false, err
				}
				transfersTotal.WithLabelValues(string(st.Status)).Inc()
				return true, nil
			case types.TransferStatusFailed:
				if err := p.orch.transfers.UpdateStatus(ctx, transferID, st.Status, nil); err != nil {
					return false, err
				}
				transfersTotal.WithLabelValues(string(st.Status)).Inc()
				return false, fmt.Errorf("transfer %s FAILED at the partner", transferID)
			}
			return false, nil
		})
}

// pollUntil checks cond immediately, then on every tick until it holds,
// the bound elapses, or ctx dies. Transient problems are the cond's
// business (log and return false, nil); an error return aborts the poll.
func (p *Processor) pollUntil(ctx context.Context, op string, interval, bound time.Duration, cond func(context.Context) (bool, error)) error {
	ok, err := cond(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	deadline := time.NewTimer(bound)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &PollTimeoutError{Op: op, Waited: bound}
		case <-tick.C:
			ok, err := cond(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

func (p *Processor) enterPhase(ctx context.Context, accountID string, phase, completed types.ClosureStep) error {
	if err := p.orch.processes.SetPhase(ctx, accountID, phase, stepPtr(completed)); err != nil {
		return err
	}
	p.orch.publish(Event{Type: EventPhaseChanged, AccountID: accountID, Phase: phase})
	return nil
}

func (p *Processor) notifyCompleted(proc *model.ClosureProcess) {
	p.notifier.SendAsync(notify.Message{
		Event:              notify.EventClosureCompleted,
		UserID:             proc.UserID,
		AccountID:          proc.AccountID,
		ConfirmationNumber: proc.ConfirmationNumber,
	})
}

func stepPtr(s types.ClosureStep) *types.ClosureStep {
	return &s
}
