package cdp

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
)

// Error is the closed set of rejections the CDP core returns. Only types in
// this package implement it.
type Error interface {
	error
	Code() string
	cdpError()
}

// StateEmergencyShutdown is the pseudo-state reported when the system is halted.
const StateEmergencyShutdown = "emergency_shutdown"

type InvalidAmountError struct {
	Amount fpmath.Amount
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("cdp: invalid amount %s", e.Amount)
}

func (e *InvalidAmountError) Code() string { return "invalid_amount" }
func (*InvalidAmountError) cdpError()      {}

type UnauthorizedError struct {
	Owner  string
	Caller string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("cdp: caller %s is not owner %s", e.Caller, e.Owner)
}

func (e *UnauthorizedError) Code() string { return "unauthorized" }
func (*UnauthorizedError) cdpError()      {}

type InvalidOperationError struct {
	Operation string
	State     string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("cdp: %s not permitted in state %s", e.Operation, e.State)
}

func (e *InvalidOperationError) Code() string { return "invalid_operation" }
func (*InvalidOperationError) cdpError()      {}

// BelowMinCollateralRatioError reports the resulting collateralization ratio
// against the ratio the operation required.
type BelowMinCollateralRatioError struct {
	Current fpmath.Ratio
	Minimum fpmath.Ratio
}

func (e *BelowMinCollateralRatioError) Error() string {
	return fmt.Sprintf("cdp: collateral ratio %s below minimum %s", e.Current, e.Minimum)
}

func (e *BelowMinCollateralRatioError) Code() string { return "below_min_collateral_ratio" }
func (*BelowMinCollateralRatioError) cdpError()      {}

type DepositLimitExceededError struct {
	Limit     fpmath.Amount
	Requested fpmath.Amount
}

func (e *DepositLimitExceededError) Error() string {
	return fmt.Sprintf("cdp: deposit %s exceeds limit %s", e.Requested, e.Limit)
}

func (e *DepositLimitExceededError) Code() string { return "deposit_limit_exceeded" }
func (*DepositLimitExceededError) cdpError()      {}

type WithdrawalLimitExceededError struct {
	Limit     fpmath.Amount
	Requested fpmath.Amount
}

func (e *WithdrawalLimitExceededError) Error() string {
	return fmt.Sprintf("cdp: withdrawal %s exceeds limit %s", e.Requested, e.Limit)
}

func (e *WithdrawalLimitExceededError) Code() string { return "withdrawal_limit_exceeded" }
func (*WithdrawalLimitExceededError) cdpError()      {}

type InsufficientAvailableCollateralError struct {
	Available fpmath.Amount
	Requested fpmath.Amount
}

func (e *InsufficientAvailableCollateralError) Error() string {
	return fmt.Sprintf("cdp: requested %s but only %s collateral available", e.Requested, e.Available)
}

func (e *InsufficientAvailableCollateralError) Code() string {
	return "insufficient_available_collateral"
}
func (*InsufficientAvailableCollateralError) cdpError() {}

// RepaymentExceedsDebtError is returned when a burn exceeds debt plus fees.
type RepaymentExceedsDebtError struct {
	Outstanding fpmath.Amount
	Requested   fpmath.Amount
}

func (e *RepaymentExceedsDebtError) Error() string {
	return fmt.Sprintf("cdp: repayment %s exceeds outstanding %s", e.Requested, e.Outstanding)
}

func (e *RepaymentExceedsDebtError) Code() string { return "repayment_exceeds_debt" }
func (*RepaymentExceedsDebtError) cdpError()      {}

type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("cdp: invalid config %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigError) Code() string { return "invalid_config" }
func (*InvalidConfigError) cdpError()      {}
