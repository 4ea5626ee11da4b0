package broker

import (
	"context"
	"time"

	"lv-closure/internal/model"
	"lv-closure/internal/types"

	"github.com/shopspring/decimal"
)

type WithdrawalRequest struct {
	AccountID          string
	BankRelationshipID string
	Amount             decimal.Decimal
	// ClientTransferID is a caller-minted reference the partner echoes
	// back; it keeps a retried create from producing a second transfer.
	ClientTransferID string
}

type LiquidationAck struct {
	OrdersCanceled  int
	PositionsClosed int
}

type CloseAck struct {
	AlreadyClosed bool
}

type TransferStatusResult struct {
	TransferID string
	Status     types.TransferStatus
	SettledAt  *time.Time
}

// Gateway is the partner API surface the closure flow depends on.
// Every call hits the partner directly; nothing is cached.
type Gateway interface {
	GetAccountSnapshot(ctx context.Context, accountID string) (model.AccountSnapshot, error)
	LiquidateAll(ctx context.Context, accountID string) (LiquidationAck, error)
	CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (model.TransferRecord, error)
	GetTransferStatus(ctx context.Context, accountID, transferID string) (TransferStatusResult, error)
	CloseAccount(ctx context.Context, accountID string) (CloseAck, error)
}
