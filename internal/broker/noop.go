package broker

import (
	"context"
	"errors"

	"lv-closure/internal/model"
)

type DisabledGateway struct{}

func NewDisabledGateway() *DisabledGateway {
	return &DisabledGateway{}
}

var errNotConfigured = errors.New("partner gateway not configured")

func (g *DisabledGateway) GetAccountSnapshot(ctx context.Context, accountID string) (model.AccountSnapshot, error) {
	return model.AccountSnapshot{}, errNotConfigured
}

func (g *DisabledGateway) LiquidateAll(ctx context.Context, accountID string) (LiquidationAck, error) {
	return LiquidationAck{}, errNotConfigured
}

func (g *DisabledGateway) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (model.TransferRecord, error) {
	return model.TransferRecord{}, errNotConfigured
}

func (g *DisabledGateway) GetTransferStatus(ctx context.Context, accountID, transferID string) (TransferStatusResult, error) {
	return TransferStatusResult{}, errNotConfigured
}

func (g *DisabledGateway) CloseAccount(ctx context.Context, accountID string) (CloseAck, error) {
	return CloseAck{}, errNotConfigured
}
