package closure

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lv-closure/internal/audit"
	"lv-closure/internal/broker"
	"lv-closure/internal/model"
	"lv-closure/internal/statestore"
	"lv-closure/internal/types"
)

// fakeGateway simulates the partner API over a single mutable account.
// Side-effecting calls mutate the account the way the real partner
// eventually would, so ground-truth re-reads observe progress without
// per-test scripting.
type fakeGateway struct {
	mu sync.Mutex

	status        types.AccountStatus
	openOrders    int
	openPositions int
	balance       decimal.Decimal
	withdrawable  decimal.Decimal

	// settleDelay keeps cash unsettled until this long after creation;
	// then withdrawable catches up with balance on the next read.
	settleDelay time.Duration
	createdAt   time.Time
	// transferPolls keeps each transfer PENDING for this many status
	// polls before transferOutcome applies.
	transferPolls   int
	transferOutcome types.TransferStatus

	// liquidationSticks acknowledges liquidation without ever flattening
	// the account, to exercise the poll bound.
	liquidationSticks bool
	panicOnSnapshot   bool

	snapshotErr  error
	liquidateErr error
	withdrawErr  error
	closeErr     error

	liquidations int
	withdrawals  []broker.WithdrawalRequest
	closes       int
	polls        map[string]int
	nextTransfer int
}

func newFakeGateway(orders, positions int, balance, withdrawable string) *fakeGateway {
	return &fakeGateway{
		status:          types.AccountStatusActive,
		openOrders:      orders,
		openPositions:   positions,
		balance:         decimal.RequireFromString(balance),
		withdrawable:    decimal.RequireFromString(withdrawable),
		createdAt:       time.Now(),
		transferOutcome: types.TransferStatusSettled,
		polls:           make(map[string]int),
	}
}

func (g *fakeGateway) GetAccountSnapshot(ctx context.Context, accountID string) (model.AccountSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panicOnSnapshot {
		panic("snapshot decode blew up")
	}
	if g.snapshotErr != nil {
		return model.AccountSnapshot{}, g.snapshotErr
	}
	if g.settleDelay > 0 && time.Since(g.createdAt) >= g.settleDelay {
		g.withdrawable = g.balance
		g.settleDelay = 0
	}
	return model.AccountSnapshot{
		AccountID:        accountID,
		Status:           g.status,
		OpenOrders:       g.openOrders,
		OpenPositions:    g.openPositions,
		CashBalance:      g.balance,
		CashWithdrawable: g.withdrawable,
	}, nil
}

func (g *fakeGateway) LiquidateAll(ctx context.Context, accountID string) (broker.LiquidationAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liquidations++
	if g.liquidateErr != nil {
		return broker.LiquidationAck{}, g.liquidateErr
	}
	ack := broker.LiquidationAck{OrdersCanceled: g.openOrders, PositionsClosed: g.openPositions}
	if !g.liquidationSticks {
		g.openOrders = 0
		g.openPositions = 0
	}
	return ack, nil
}

func (g *fakeGateway) CreateWithdrawal(ctx context.Context, req broker.WithdrawalRequest) (model.TransferRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.withdrawErr != nil {
		return model.TransferRecord{}, g.withdrawErr
	}
	g.withdrawals = append(g.withdrawals, req)
	g.nextTransfer++
	g.balance = g.balance.Sub(req.Amount)
	g.withdrawable = g.withdrawable.Sub(req.Amount)
	return model.TransferRecord{
		TransferID:  fmt.Sprintf("tr_%d", g.nextTransfer),
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Status:      types.TransferStatusPending,
		InitiatedAt: time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) GetTransferStatus(ctx context.Context, accountID, transferID string) (broker.TransferStatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls[transferID]++
	if g.polls[transferID] <= g.transferPolls {
		return broker.TransferStatusResult{TransferID: transferID, Status: types.TransferStatusPending}, nil
	}
	res := broker.TransferStatusResult{TransferID: transferID, Status: g.transferOutcome}
	if g.transferOutcome == types.TransferStatusSettled {
		now := time.Now().UTC()
		res.SettledAt = &now
	}
	return res, nil
}

func (g *fakeGateway) CloseAccount(ctx context.Context, accountID string) (broker.CloseAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	if g.closeErr != nil {
		return broker.CloseAck{}, g.closeErr
	}
	if g.status == types.AccountStatusClosed {
		return broker.CloseAck{AlreadyClosed: true}, nil
	}
	g.status = types.AccountStatusClosed
	return broker.CloseAck{}, nil
}

// setPanicOnSnapshot arms the panic mid-run, once any synchronous
// precondition reads are already past.
func (g *fakeGateway) setPanicOnSnapshot(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.panicOnSnapshot = v
}

func (g *fakeGateway) counts() (liquidations, withdrawals, closes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liquidations, len(g.withdrawals), g.closes
}

func (g *fakeGateway) accountStatus() types.AccountStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *fakeGateway) withdrawalAmounts() []decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]decimal.Decimal, len(g.withdrawals))
	for i, w := range g.withdrawals {
		out[i] = w.Amount
	}
	return out
}

// memProcessStore mirrors PGProcessStore's semantics, including the
// upsert keeping the original user, confirmation number and start time.
type memProcessStore struct {
	mu   sync.Mutex
	rows map[string]*model.ClosureProcess
}

func newMemProcessStore() *memProcessStore {
	return &memProcessStore{rows: make(map[string]*model.ClosureProcess)}
}

func copyProcess(p *model.ClosureProcess) *model.ClosureProcess {
	cp := *p
	if p.FailureReason != nil {
		v := *p.FailureReason
		cp.FailureReason = &v
	}
	if p.LastCompletedPhase != nil {
		v := *p.LastCompletedPhase
		cp.LastCompletedPhase = &v
	}
	if p.NextActionTime != nil {
		v := *p.NextActionTime
		cp.NextActionTime = &v
	}
	return &cp
}

func (s *memProcessStore) Upsert(ctx context.Context, p *model.ClosureProcess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyProcess(p)
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := s.rows[p.AccountID]; ok {
		cp.UserID = existing.UserID
		cp.ConfirmationNumber = existing.ConfirmationNumber
		cp.StartedAt = existing.StartedAt
	}
	s.rows[p.AccountID] = cp
	return nil
}

func (s *memProcessStore) Get(ctx context.Context, accountID string) (*model.ClosureProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[accountID]
	if !ok {
		return nil, nil
	}
	return copyProcess(p), nil
}

func (s *memProcessStore) SetPhase(ctx context.Context, accountID string, phase types.ClosureStep, lastCompleted *types.ClosureStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[accountID]
	if !ok {
		return nil
	}
	p.Phase = phase
	if lastCompleted != nil {
		v := *lastCompleted
		p.LastCompletedPhase = &v
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memProcessStore) SetNextActionTime(ctx context.Context, accountID string, t *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[accountID]
	if !ok {
		return nil
	}
	if t != nil {
		v := *t
		p.NextActionTime = &v
	} else {
		p.NextActionTime = nil
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memProcessStore) MarkCompleted(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[accountID]
	if !ok {
		return nil
	}
	p.Phase = types.StepCompleted
	p.NeedsReview = false
	p.FailureReason = nil
	p.NextActionTime = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memProcessStore) MarkFailed(ctx context.Context, accountID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[accountID]
	if !ok {
		return nil
	}
	p.Phase = types.StepFailed
	p.NeedsReview = true
	p.FailureReason = &reason
	p.NextActionTime = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memProcessStore) Due(ctx context.Context, now time.Time, limit int) ([]model.ClosureProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClosureProcess
	for _, p := range s.rows {
		if p.Phase.Terminal() || p.NextActionTime == nil || p.NextActionTime.After(now) {
			continue
		}
		out = append(out, *copyProcess(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextActionTime.Before(*out[j].NextActionTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memProcessStore) NeedsReview(ctx context.Context, limit int) ([]model.ClosureProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClosureProcess
	for _, p := range s.rows {
		if !p.NeedsReview {
			continue
		}
		out = append(out, *copyProcess(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTransferStore struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*model.TransferRecord
}

func newMemTransferStore() *memTransferStore {
	return &memTransferStore{byID: make(map[string]*model.TransferRecord)}
}

func (s *memTransferStore) Insert(ctx context.Context, t *model.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.TransferID]; ok {
		return nil
	}
	cp := *t
	s.byID[t.TransferID] = &cp
	s.order = append(s.order, t.TransferID)
	return nil
}

func (s *memTransferStore) UpdateStatus(ctx context.Context, transferID string, status types.TransferStatus, settledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[transferID]
	if !ok {
		return nil
	}
	t.Status = status
	t.SettledAt = settledAt
	return nil
}

func (s *memTransferStore) ListByAccount(ctx context.Context, accountID string) ([]model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TransferRecord
	for _, id := range s.order {
		if t := s.byID[id]; t.AccountID == accountID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// testEnv wires an orchestrator over the fakes.
type testEnv struct {
	gateway   *fakeGateway
	processes *memProcessStore
	transfers *memTransferStore
	state     *statestore.MemoryStore
	audits    *audit.MemoryStore
	registry  *audit.Registry
	orch      *Orchestrator
}

func newTestEnv(gw *fakeGateway, dailyLimit string) *testEnv {
	auditStore := audit.NewMemoryStore()
	env := &testEnv{
		gateway:   gw,
		processes: newMemProcessStore(),
		transfers: newMemTransferStore(),
		state:     statestore.NewMemoryStore(),
		audits:    auditStore,
		registry:  audit.NewRegistry(auditStore, zap.NewNop()),
	}
	env.orch = NewOrchestrator(gw, env.processes, env.transfers, env.state,
		env.registry, NewBus(), decimal.RequireFromString(dailyLimit), zap.NewNop())
	return env
}

func (e *testEnv) seedProcess(accountID, userID, bank string, phase types.ClosureStep) {
	now := time.Now().UTC()
	_ = e.processes.Upsert(context.Background(), &model.ClosureProcess{
		AccountID:          accountID,
		UserID:             userID,
		BankRelationshipID: bank,
		ConfirmationNumber: "CLS-TEST",
		Phase:              phase,
		StartedAt:          now,
		UpdatedAt:          now,
	})
}

func (e *testEnv) auditMessages(accountID string) []string {
	entries, _ := e.audits.List(context.Background(), audit.Filter{AccountID: accountID, Limit: 500})
	msgs := make([]string, len(entries))
	for i, entry := range entries {
		msgs[i] = entry.Message
	}
	return msgs
}
