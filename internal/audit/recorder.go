package audit

import (
	"context"

	"lv-closure/internal/model"
	"lv-closure/internal/types"

	"go.uber.org/zap"
)

// Recorder writes deduplicated audit entries for one account. It is
// handed to callers explicitly by the Registry; nothing in this package
// is reachable through package-level state.
type Recorder struct {
	accountID string
	userID    string
	store     Store
	log       *zap.Logger
}

// Record normalizes, hashes, and inserts one entry. Returns (nil, nil)
// when an identical entry already existed, so replaying a step on
// resume leaves the log untouched.
func (r *Recorder) Record(ctx context.Context, step types.ClosureStep, level types.AuditLevel, message string, data map[string]any) (*model.AuditLogEntry, error) {
	normalized := normalizeData(data)
	hash := contentHash(r.accountID, step, level, stripTimestampText(message), normalized)

	entry := model.AuditLogEntry{
		AccountID:   r.accountID,
		StepName:    step,
		Level:       level,
		Message:     message,
		Data:        normalized,
		ContentHash: hash,
	}
	if r.userID != "" {
		uid := r.userID
		entry.UserID = &uid
	}

	inserted, err := r.store.Insert(ctx, entry)
	if err != nil {
		r.log.Error("audit insert failed",
			zap.String("account_id", r.accountID),
			zap.String("step", string(step)),
			zap.Error(err))
		observeEntry("error")
		return nil, err
	}
	if inserted == nil {
		observeEntry("duplicate")
		return nil, nil
	}
	observeEntry("inserted")
	return inserted, nil
}

func (r *Recorder) Info(ctx context.Context, step types.ClosureStep, message string, data map[string]any) {
	_, _ = r.Record(ctx, step, types.AuditLevelInfo, message, data)
}

func (r *Recorder) Warn(ctx context.Context, step types.ClosureStep, message string, data map[string]any) {
	_, _ = r.Record(ctx, step, types.AuditLevelWarning, message, data)
}

func (r *Recorder) Error(ctx context.Context, step types.ClosureStep, message string, data map[string]any) {
	_, _ = r.Record(ctx, step, types.AuditLevelError, message, data)
}
