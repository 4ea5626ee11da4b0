package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS closure_processes (
	account_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	bank_relationship_id TEXT NOT NULL,
	confirmation_number TEXT NOT NULL,
	phase TEXT NOT NULL,
	needs_review BOOLEAN NOT NULL DEFAULT FALSE,
	failure_reason TEXT,
	last_completed_phase TEXT,
	next_action_time TIMESTAMPTZ,
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_closure_processes_user ON closure_processes(user_id);
CREATE INDEX IF NOT EXISTS idx_closure_processes_next_action
	ON closure_processes(next_action_time) WHERE next_action_time IS NOT NULL;

CREATE TABLE IF NOT EXISTS closure_transfers (
	transfer_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	status TEXT NOT NULL,
	is_final BOOLEAN NOT NULL DEFAULT FALSE,
	initiated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	settled_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_closure_transfers_account
	ON closure_transfers(account_id, initiated_at);

CREATE TABLE IF NOT EXISTS closure_audit_log (
	id BIGSERIAL PRIMARY KEY,
	account_id TEXT NOT NULL,
	user_id TEXT,
	step_name TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	data JSONB,
	content_hash TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_closure_audit_account
	ON closure_audit_log(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_closure_audit_user
	ON closure_audit_log(user_id) WHERE user_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS closure_state (
	key TEXT PRIMARY KEY,
	value JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_closure_state_expires ON closure_state(expires_at);
`

// EnsureSchema creates the closure tables when they do not exist yet.
// Idempotent, runs at boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
