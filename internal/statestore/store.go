package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is a small TTL'd key-value store. Values are JSON documents.
// Expired entries behave as absent so abandoned checkpoints self-heal.
type Store interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DefaultTTL bounds how long a checkpoint may sit untouched before it
// is considered abandoned.
const DefaultTTL = 72 * time.Hour

// PGStore keeps entries in the closure_state table.
type PGStore struct {
	pool       *pgxpool.Pool
	defaultTTL time.Duration
	log        *zap.Logger
}

func NewPGStore(pool *pgxpool.Pool, defaultTTL time.Duration, log *zap.Logger) *PGStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &PGStore{pool: pool, defaultTTL: defaultTTL, log: log}
}

func (s *PGStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM closure_state
		WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Set writes the value with the given TTL; ttl <= 0 means the store's
// configured default.
func (s *PGStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(ttl)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO closure_state (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3, updated_at = NOW()
	`, key, raw, expiresAt)
	return err
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM closure_state WHERE key = $1`, key)
	return err
}

// StartReaper deletes expired rows in the background until ctx ends.
// Reads already treat expired entries as absent; the reaper just keeps
// the table from growing.
func (s *PGStore) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tag, err := s.pool.Exec(ctx, `DELETE FROM closure_state WHERE expires_at <= NOW()`)
				if err != nil {
					s.log.Warn("state reaper sweep failed", zap.Error(err))
					continue
				}
				if tag.RowsAffected() > 0 {
					s.log.Info("state reaper removed expired entries", zap.Int64("count", tag.RowsAffected()))
				}
			}
		}
	}()
}
