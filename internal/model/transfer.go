package model

import (
	"time"

	"lv-closure/internal/types"

	"github.com/shopspring/decimal"
)

// TransferRecord is one outgoing bank transfer issued during closure.
// Immutable after creation except Status and SettledAt.
type TransferRecord struct {
	TransferID  string               `json:"transfer_id"`
	AccountID   string               `json:"account_id"`
	Amount      decimal.Decimal      `json:"amount"`
	Status      types.TransferStatus `json:"status"`
	IsFinal     bool                 `json:"is_final"`
	InitiatedAt time.Time            `json:"initiated_at"`
	SettledAt   *time.Time           `json:"settled_at,omitempty"`
}
