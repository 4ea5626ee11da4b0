package types

type ClosureStep string

type AccountStatus string

type TransferStatus string

type AuditLevel string

type ClosureAction string

const (
	StepInitiated                ClosureStep = "INITIATED"
	StepCancelingOrders          ClosureStep = "CANCELING_ORDERS"
	StepLiquidatingPositions     ClosureStep = "LIQUIDATING_POSITIONS"
	StepWaitingSettlement        ClosureStep = "WAITING_SETTLEMENT"
	StepWithdrawingFunds         ClosureStep = "WITHDRAWING_FUNDS"
	StepPartialWithdrawalWaiting ClosureStep = "PARTIAL_WITHDRAWAL_WAITING"
	StepClosingAccount           ClosureStep = "CLOSING_ACCOUNT"
	StepCompleted                ClosureStep = "COMPLETED"
	StepFailed                   ClosureStep = "FAILED"
)

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusClosed   AccountStatus = "CLOSED"
	AccountStatusInactive AccountStatus = "INACTIVE"
)

const (
	TransferStatusPending TransferStatus = "PENDING"
	TransferStatusSettled TransferStatus = "SETTLED"
	TransferStatusFailed  TransferStatus = "FAILED"
)

const (
	AuditLevelInfo    AuditLevel = "info"
	AuditLevelWarning AuditLevel = "warning"
	AuditLevelError   AuditLevel = "error"
)

const (
	ActionLiquidate    ClosureAction = "liquidate"
	ActionWithdraw     ClosureAction = "withdraw"
	ActionCloseAccount ClosureAction = "close_account"
	ActionWait         ClosureAction = "wait"
	ActionNone         ClosureAction = "none"
)

// Terminal reports whether a closure process in this step can never
// advance again.
func (s ClosureStep) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}
