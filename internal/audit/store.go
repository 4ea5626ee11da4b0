package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"lv-closure/internal/model"
	"lv-closure/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Filter narrows List results. Zero fields are ignored.
type Filter struct {
	AccountID string
	UserID    string
	StepName  types.ClosureStep
	Level     types.AuditLevel
	Limit     int
	Offset    int
}

const defaultPageSize = 50

// Store persists audit entries. Insert respects the unique content
// hash constraint, which gives the log its idempotence.
type Store interface {
	Insert(ctx context.Context, entry model.AuditLogEntry) (*model.AuditLogEntry, error)
	List(ctx context.Context, f Filter) ([]model.AuditLogEntry, error)
	Latest(ctx context.Context, accountID string) (*model.AuditLogEntry, error)
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert writes the entry unless an identical one (by content hash)
// exists. Returns nil when the entry was a duplicate.
func (s *PGStore) Insert(ctx context.Context, entry model.AuditLogEntry) (*model.AuditLogEntry, error) {
	var raw []byte
	if entry.Data != nil {
		var err error
		raw, err = json.Marshal(entry.Data)
		if err != nil {
			return nil, err
		}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO closure_audit_log (account_id, user_id, step_name, level, message, data, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id, created_at
	`, entry.AccountID, entry.UserID, string(entry.StepName), string(entry.Level), entry.Message, raw, entry.ContentHash)
	err := row.Scan(&entry.ID, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflicted on content_hash: the same logical step was
		// already recorded.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]model.AuditLogEntry, error) {
	query := `
		SELECT id, account_id, user_id, step_name, level, message, data, content_hash, created_at
		FROM closure_audit_log
		WHERE 1=1`
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.AccountID != "" {
		query += " AND account_id = " + arg(f.AccountID)
	}
	if f.UserID != "" {
		query += " AND user_id = " + arg(f.UserID)
	}
	if f.StepName != "" {
		query += " AND step_name = " + arg(string(f.StepName))
	}
	if f.Level != "" {
		query += " AND level = " + arg(string(f.Level))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultPageSize
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += " LIMIT " + arg(limit)
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PGStore) Latest(ctx context.Context, accountID string) (*model.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, user_id, step_name, level, message, data, content_hash, created_at
		FROM closure_audit_log
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	entry, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanEntry(row pgxRow) (model.AuditLogEntry, error) {
	var entry model.AuditLogEntry
	var step, level string
	var raw []byte
	var created time.Time
	if err := row.Scan(&entry.ID, &entry.AccountID, &entry.UserID, &step, &level, &entry.Message, &raw, &entry.ContentHash, &created); err != nil {
		return entry, err
	}
	entry.StepName = types.ClosureStep(step)
	entry.Level = types.AuditLevel(level)
	entry.CreatedAt = created
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entry.Data); err != nil {
			return entry, err
		}
	}
	return entry, nil
}
