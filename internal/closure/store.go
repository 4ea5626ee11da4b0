package closure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lv-closure/internal/model"
	"lv-closure/internal/types"
)

// ProcessStore persists the one closure process row per account.
type ProcessStore interface {
	Upsert(ctx context.Context, p *model.ClosureProcess) error
	Get(ctx context.Context, accountID string) (*model.ClosureProcess, error)
	SetPhase(ctx context.Context, accountID string, phase types.ClosureStep, lastCompleted *types.ClosureStep) error
	SetNextActionTime(ctx context.Context, accountID string, t *time.Time) error
	MarkCompleted(ctx context.Context, accountID string) error
	MarkFailed(ctx context.Context, accountID, reason string) error
	Due(ctx context.Context, now time.Time, limit int) ([]model.ClosureProcess, error)
	NeedsReview(ctx context.Context, limit int) ([]model.ClosureProcess, error)
}

// TransferStore persists withdrawal transfers issued during closure.
type TransferStore interface {
	Insert(ctx context.Context, t *model.TransferRecord) error
	UpdateStatus(ctx context.Context, transferID string, status types.TransferStatus, settledAt *time.Time) error
	ListByAccount(ctx context.Context, accountID string) ([]model.TransferRecord, error)
}

type PGProcessStore struct {
	pool *pgxpool.Pool
}

func NewPGProcessStore(pool *pgxpool.Pool) *PGProcessStore {
	return &PGProcessStore{pool: pool}
}

func (s *PGProcessStore) Upsert(ctx context.Context, p *model.ClosureProcess) error {
	var lastCompleted *string
	if p.LastCompletedPhase != nil {
		v := string(*p.LastCompletedPhase)
		lastCompleted = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO closure_processes
			(account_id, user_id, bank_relationship_id, confirmation_number, phase,
			 needs_review, failure_reason, last_completed_phase, next_action_time,
			 started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			bank_relationship_id = EXCLUDED.bank_relationship_id,
			phase = EXCLUDED.phase,
			needs_review = EXCLUDED.needs_review,
			failure_reason = EXCLUDED.failure_reason,
			last_completed_phase = EXCLUDED.last_completed_phase,
			next_action_time = EXCLUDED.next_action_time,
			updated_at = NOW()`,
		p.AccountID, p.UserID, p.BankRelationshipID, p.ConfirmationNumber, string(p.Phase),
		p.NeedsReview, p.FailureReason, lastCompleted, p.NextActionTime,
		p.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert closure process: %w", err)
	}
	return nil
}

func (s *PGProcessStore) Get(ctx context.Context, accountID string) (*model.ClosureProcess, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, user_id, bank_relationship_id, confirmation_number, phase,
		       needs_review, failure_reason, last_completed_phase, next_action_time,
		       started_at, updated_at
		FROM closure_processes
		WHERE account_id = $1`, accountID)
	p, err := scanProcess(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get closure process: %w", err)
	}
	return p, nil
}

func (s *PGProcessStore) SetPhase(ctx context.Context, accountID string, phase types.ClosureStep, lastCompleted *types.ClosureStep) error {
	var done *string
	if lastCompleted != nil {
		v := string(*lastCompleted)
		done = &v
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE closure_processes
		SET phase = $2,
		    last_completed_phase = COALESCE($3, last_completed_phase),
		    updated_at = NOW()
		WHERE account_id = $1`, accountID, string(phase), done)
	if err != nil {
		return fmt.Errorf("set phase: %w", err)
	}
	return nil
}

func (s *PGProcessStore) SetNextActionTime(ctx context.Context, accountID string, t *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE closure_processes
		SET next_action_time = $2, updated_at = NOW()
		WHERE account_id = $1`, accountID, t)
	if err != nil {
		return fmt.Errorf("set next action time: %w", err)
	}
	return nil
}

func (s *PGProcessStore) MarkCompleted(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE closure_processes
		SET phase = $2, needs_review = FALSE, failure_reason = NULL,
		    next_action_time = NULL, updated_at = NOW()
		WHERE account_id = $1`, accountID, string(types.StepCompleted))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (s *PGProcessStore) MarkFailed(ctx context.Context, accountID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE closure_processes
		SET phase = $2, needs_review = TRUE, failure_reason = $3,
		    next_action_time = NULL, updated_at = NOW()
		WHERE account_id = $1`, accountID, string(types.StepFailed), reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Due returns non-terminal processes whose next_action_time has passed,
// oldest first. The sweeper feeds these to Resume.
func (s *PGProcessStore) Due(ctx context.Context, now time.Time, limit int) ([]model.ClosureProcess, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, user_id, bank_relationship_id, confirmation_number, phase,
		       needs_review, failure_reason, last_completed_phase, next_action_time,
		       started_at, updated_at
		FROM closure_processes
		WHERE next_action_time IS NOT NULL
		  AND next_action_time <= $1
		  AND phase NOT IN ($2, $3)
		ORDER BY next_action_time ASC
		LIMIT $4`, now, string(types.StepCompleted), string(types.StepFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("list due processes: %w", err)
	}
	defer rows.Close()

	var out []model.ClosureProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due process: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// NeedsReview lists failed processes awaiting a human, newest first.
func (s *PGProcessStore) NeedsReview(ctx context.Context, limit int) ([]model.ClosureProcess, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, user_id, bank_relationship_id, confirmation_number, phase,
		       needs_review, failure_reason, last_completed_phase, next_action_time,
		       started_at, updated_at
		FROM closure_processes
		WHERE needs_review
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list needs-review processes: %w", err)
	}
	defer rows.Close()

	var out []model.ClosureProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan needs-review process: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProcess(row pgx.Row) (*model.ClosureProcess, error) {
	var (
		p         model.ClosureProcess
		phase     string
		lastPhase *string
	)
	err := row.Scan(&p.AccountID, &p.UserID, &p.BankRelationshipID, &p.ConfirmationNumber,
		&phase, &p.NeedsReview, &p.FailureReason, &lastPhase, &p.NextActionTime,
		&p.StartedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Phase = types.ClosureStep(phase)
	if lastPhase != nil {
		step := types.ClosureStep(*lastPhase)
		p.LastCompletedPhase = &step
	}
	return &p, nil
}

type PGTransferStore struct {
	pool *pgxpool.Pool
}

func NewPGTransferStore(pool *pgxpool.Pool) *PGTransferStore {
	return &PGTransferStore{pool: pool}
}

func (s *PGTransferStore) Insert(ctx context.Context, t *model.TransferRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO closure_transfers
			(transfer_id, account_id, amount, status, is_final, initiated_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transfer_id) DO NOTHING`,
		t.TransferID, t.AccountID, t.Amount, string(t.Status), t.IsFinal, t.InitiatedAt, t.SettledAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (s *PGTransferStore) UpdateStatus(ctx context.Context, transferID string, status types.TransferStatus, settledAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE closure_transfers
		SET status = $2, settled_at = $3
		WHERE transfer_id = $1`, transferID, string(status), settledAt)
	if err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	return nil
}

func (s *PGTransferStore) ListByAccount(ctx context.Context, accountID string) ([]model.TransferRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transfer_id, account_id, amount, status, is_final, initiated_at, settled_at
		FROM closure_transfers
		WHERE account_id = $1
		ORDER BY initiated_at ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		var t model.TransferRecord
		var status string
		if err := rows.Scan(&t.TransferID, &t.AccountID, &t.Amount, &status,
			&t.IsFinal, &t.InitiatedAt, &t.SettledAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		t.Status = types.TransferStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
