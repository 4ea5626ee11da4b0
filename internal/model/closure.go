package model

import (
	"time"

	"lv-closure/internal/types"

	"github.com/shopspring/decimal"
)

type ClosureProcess struct {
	AccountID          string             `json:"account_id"`
	UserID             string             `json:"user_id"`
	BankRelationshipID string             `json:"bank_relationship_id"`
	ConfirmationNumber string             `json:"confirmation_number"`
	Phase              types.ClosureStep  `json:"phase"`
	NeedsReview        bool               `json:"needs_review"`
	FailureReason      *string            `json:"failure_reason,omitempty"`
	LastCompletedPhase *types.ClosureStep `json:"last_completed_phase,omitempty"`
	NextActionTime     *time.Time         `json:"next_action_time,omitempty"`
	StartedAt          time.Time          `json:"started_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// PartialWithdrawalState is the KV checkpoint for a withdrawal split
// across days by the daily transfer limit. Its presence alone pins the
// phase to PARTIAL_WITHDRAWAL_WAITING.
type PartialWithdrawalState struct {
	AccountID          string          `json:"account_id"`
	RemainingAmount    decimal.Decimal `json:"remaining_amount"`
	TotalWithdrawn     decimal.Decimal `json:"total_withdrawn"`
	TransferCount      int             `json:"transfer_count"`
	LastTransferID     string          `json:"last_transfer_id"`
	LastWithdrawalAt   time.Time       `json:"last_withdrawal_at"`
	NextWithdrawalTime time.Time       `json:"next_withdrawal_time"`
}
