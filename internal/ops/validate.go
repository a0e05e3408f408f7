package ops

import (
	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"
)

// validateCommon runs the checks shared by every operation on an existing
// CDP, in order: shutdown, owner, amount, state.
func validateCommon(kind Kind, p Params, ctx Context, permitted func(cdp.StateKind) bool) error {
	if ctx.EmergencyShutdown {
		return &cdp.InvalidOperationError{Operation: kind.String(), State: cdp.StateEmergencyShutdown}
	}
	if p.Actor != p.CDP.Owner {
		return &cdp.UnauthorizedError{Owner: p.CDP.Owner, Caller: p.Actor}
	}
	if p.Amount.Sign() <= 0 {
		return &cdp.InvalidAmountError{Amount: p.Amount}
	}
	if !permitted(p.CDP.State.Kind()) {
		return &cdp.InvalidOperationError{Operation: kind.String(), State: p.CDP.State.Kind().String()}
	}
	return nil
}

func activeOnly(k cdp.StateKind) bool {
	return k == cdp.StateActive
}

func nonTerminal(k cdp.StateKind) bool {
	return !k.IsTerminal()
}

// exceedsCap reports whether amount is above a configured cap. A zero cap
// means no cap is configured.
func exceedsCap(amount, limit fpmath.Amount) bool {
	return limit.Sign() > 0 && amount.Cmp(limit) > 0
}

// checkThreshold rejects a position whose health factor would fall below
// required / liquidationRatio.
func checkThreshold(c cdp.CDP, collateral, debt, price fpmath.Amount, required fpmath.Ratio) error {
	if cdp.MeetsHealthThreshold(collateral, debt, price, c.Config.LiquidationRatio, required) {
		return nil
	}
	return &cdp.BelowMinCollateralRatioError{
		Current: cdp.CollateralizationRatio(collateral, debt, price),
		Minimum: required,
	}
}

// checkCollateralRatio rejects a position whose collateralization ratio
// would fall below minimum.
func checkCollateralRatio(collateral, debt, price fpmath.Amount, minimum fpmath.Ratio) error {
	current := cdp.CollateralizationRatio(collateral, debt, price)
	if current.Bps() < minimum.Bps() {
		return &cdp.BelowMinCollateralRatioError{Current: current, Minimum: minimum}
	}
	return nil
}

// ValidateDeposit checks a deposit without computing the result.
func ValidateDeposit(p Params, ctx Context) error {
	if err := validateCommon(KindDeposit, p, ctx, activeOnly); err != nil {
		return err
	}
	if exceedsCap(p.Amount, ctx.MaxAmountAllowed) {
		return &cdp.DepositLimitExceededError{Limit: ctx.MaxAmountAllowed, Requested: p.Amount}
	}
	return nil
}

// WithdrawRequirement is the ratio a withdrawal must leave the CDP above.
func WithdrawRequirement(c cdp.CDP, safetyBuffer fpmath.Ratio) fpmath.Ratio {
	return c.Config.MinCollateralizationRatio.Add(safetyBuffer)
}

// ValidateWithdraw checks a withdrawal without computing the result.
func ValidateWithdraw(p Params, ctx Context) error {
	if err := validateCommon(KindWithdraw, p, ctx, activeOnly); err != nil {
		return err
	}
	if exceedsCap(p.Amount, ctx.MaxAmountAllowed) {
		return &cdp.WithdrawalLimitExceededError{Limit: ctx.MaxAmountAllowed, Requested: p.Amount}
	}
	if p.Amount.Cmp(p.CDP.CollateralAmount) > 0 {
		return &cdp.InsufficientAvailableCollateralError{Available: p.CDP.CollateralAmount, Requested: p.Amount}
	}

	remaining := p.CDP.CollateralAmount.Sub(p.Amount)
	return checkThreshold(p.CDP, remaining, p.CDP.DebtAmount, ctx.CollateralPrice, WithdrawRequirement(p.CDP, ctx.SafetyBuffer))
}

// ValidateMint checks a mint without computing the result. Fee accrual does
// not change the debt used for the ratio checks.
func ValidateMint(p Params, ctx Context) error {
	if err := validateCommon(KindMint, p, ctx, nonTerminal); err != nil {
		return err
	}

	newDebt := p.CDP.DebtAmount.Add(p.Amount)
	minimum := p.CDP.Config.MinCollateralizationRatio
	if err := checkCollateralRatio(p.CDP.CollateralAmount, newDebt, ctx.CollateralPrice, minimum); err != nil {
		return err
	}
	return checkThreshold(p.CDP, p.CDP.CollateralAmount, newDebt, ctx.CollateralPrice, minimum)
}

// ValidateBurn checks a repayment without computing the result.
func ValidateBurn(p Params, ctx Context) error {
	if err := validateCommon(KindBurn, p, ctx, nonTerminal); err != nil {
		return err
	}
	if outstanding := p.CDP.TotalOwed(); p.Amount.Cmp(outstanding) > 0 {
		return &cdp.RepaymentExceedsDebtError{Outstanding: outstanding, Requested: p.Amount}
	}
	return nil
}

// ValidateCreate checks the parameters for opening a CDP.
func ValidateCreate(p CreateParams, ctx Context) error {
	if ctx.EmergencyShutdown {
		return &cdp.InvalidOperationError{Operation: KindCreate.String(), State: cdp.StateEmergencyShutdown}
	}
	if p.Collateral.Sign() <= 0 {
		return &cdp.InvalidAmountError{Amount: p.Collateral}
	}
	if p.Debt.Sign() < 0 {
		return &cdp.InvalidAmountError{Amount: p.Debt}
	}
	if err := p.Config.Validate(); err != nil {
		return err
	}
	if exceedsCap(p.Collateral, ctx.MaxAmountAllowed) {
		return &cdp.DepositLimitExceededError{Limit: ctx.MaxAmountAllowed, Requested: p.Collateral}
	}
	if p.Debt.IsZero() {
		return nil
	}

	minimum := p.Config.MinCollateralizationRatio
	if err := checkCollateralRatio(p.Collateral, p.Debt, ctx.CollateralPrice, minimum); err != nil {
		return err
	}
	if !cdp.MeetsHealthThreshold(p.Collateral, p.Debt, ctx.CollateralPrice, p.Config.LiquidationRatio, minimum) {
		return &cdp.BelowMinCollateralRatioError{
			Current: cdp.CollateralizationRatio(p.Collateral, p.Debt, ctx.CollateralPrice),
			Minimum: minimum,
		}
	}
	return nil
}
