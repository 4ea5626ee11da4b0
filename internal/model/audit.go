package model

import (
	"time"

	"lv-closure/internal/types"
)

type AuditLogEntry struct {
	ID          int64             `json:"id"`
	AccountID   string            `json:"account_id"`
	UserID      *string           `json:"user_id,omitempty"`
	StepName    types.ClosureStep `json:"step_name"`
	Level       types.AuditLevel  `json:"level"`
	Message     string            `json:"message"`
	Data        map[string]any    `json:"data,omitempty"`
	ContentHash string            `json:"content_hash"`
	CreatedAt   time.Time         `json:"created_at"`
}
