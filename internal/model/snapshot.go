package model

import (
	"lv-closure/internal/types"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the partner's current view of an account. It is
// read-only and refetched before every side-effecting call; nothing in
// the closure flow trusts a cached copy.
type AccountSnapshot struct {
	AccountID        string              `json:"account_id"`
	Status           types.AccountStatus `json:"status"`
	OpenOrders       int                 `json:"open_orders"`
	OpenPositions    int                 `json:"open_positions"`
	CashBalance      decimal.Decimal     `json:"cash_balance"`
	CashWithdrawable decimal.Decimal     `json:"cash_withdrawable"`
}
