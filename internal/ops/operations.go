package ops

import (
	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"
)

// settle stamps the next state for the new amounts and builds the result.
// A CDP with nothing owed after a burn is closed; otherwise the state
// follows the health factor.
func settle(kind Kind, before, after cdp.CDP, amount fpmath.Amount, p Params, ctx Context) Result {
	prevHF := cdp.CurrentHealthFactor(before, ctx.CollateralPrice)
	newHF := cdp.CurrentHealthFactor(after, ctx.CollateralPrice)

	if kind == KindBurn && after.TotalOwed().IsZero() {
		after = after.WithState(cdp.Closed())
	} else {
		after = after.WithState(cdp.NextState(before.State, newHF))
	}

	return Result{
		Kind:                 kind,
		UpdatedCDP:           after.Touched(p.Timestamp),
		AffectedAmount:       amount,
		PreviousHealthFactor: prevHF,
		NewHealthFactor:      newHF,
	}
}

// Create opens a CDP holding the initial collateral and, optionally, debt.
func Create(p CreateParams, ctx Context) (Result, error) {
	if err := ValidateCreate(p, ctx); err != nil {
		return Result{}, err
	}

	opened := cdp.New(p.ID, p.Owner, p.Config, p.Timestamp)
	next := opened.WithCollateral(p.Collateral).WithDebt(p.Debt, fpmath.Zero())

	newHF := cdp.CurrentHealthFactor(next, ctx.CollateralPrice)
	next = next.WithState(cdp.NextState(opened.State, newHF))

	// Touched takes the new CDP to version 1
	return Result{
		Kind:                 KindCreate,
		UpdatedCDP:           next.Touched(p.Timestamp),
		AffectedAmount:       p.Collateral,
		PreviousHealthFactor: cdp.MaxHealthFactor,
		NewHealthFactor:      newHF,
	}, nil
}

// Deposit adds collateral to an active CDP.
func Deposit(p Params, ctx Context) (Result, error) {
	if err := ValidateDeposit(p, ctx); err != nil {
		return Result{}, err
	}

	next := p.CDP.WithCollateral(p.CDP.CollateralAmount.Add(p.Amount))
	return settle(KindDeposit, p.CDP, next, p.Amount, p, ctx), nil
}

// Withdraw removes collateral from an active CDP, leaving it above the
// minimum ratio plus the context's safety buffer.
func Withdraw(p Params, ctx Context) (Result, error) {
	if err := ValidateWithdraw(p, ctx); err != nil {
		return Result{}, err
	}

	next := p.CDP.WithCollateral(p.CDP.CollateralAmount.Sub(p.Amount))
	res := settle(KindWithdraw, p.CDP, next, p.Amount, p, ctx)
	res.RemainingAvailableCollateral = CalculateMaxWithdrawableAmount(res.UpdatedCDP, ctx.CollateralPrice, ctx.SafetyBuffer)
	return res, nil
}

// Mint books the stability fee owed since the last accrual, then issues
// amount of new debt. Deposits, withdrawals, burns and price reassessment
// never move the accrual anchor, so skipped intervals are still charged.
func Mint(p Params, ctx Context) (Result, error) {
	if err := ValidateMint(p, ctx); err != nil {
		return Result{}, err
	}

	accruedCDP, accrued := p.CDP.AccrueFees(p.Timestamp)
	next := accruedCDP.WithDebt(accruedCDP.DebtAmount.Add(p.Amount), accruedCDP.AccruedFees)
	res := settle(KindMint, p.CDP, next, p.Amount, p, ctx)
	res.Fees = &FeeAllocation{Accrued: accrued}
	return res, nil
}

// Burn repays amount, settling accrued fees before principal. Repaying
// exactly debt plus fees closes the CDP.
func Burn(p Params, ctx Context) (Result, error) {
	if err := ValidateBurn(p, ctx); err != nil {
		return Result{}, err
	}

	split := fpmath.AllocateRepayment(p.Amount, p.CDP.AccruedFees)
	next := p.CDP.WithDebt(
		p.CDP.DebtAmount.Sub(split.ToPrincipal),
		p.CDP.AccruedFees.Sub(split.ToFees),
	)

	res := settle(KindBurn, p.CDP, next, p.Amount, p, ctx)
	res.Fees = &FeeAllocation{ToFees: split.ToFees, ToPrincipal: split.ToPrincipal}
	return res, nil
}

// CalculateMaxWithdrawableAmount returns the largest withdrawal that still
// passes the withdraw threshold. Without debt all collateral is available.
func CalculateMaxWithdrawableAmount(c cdp.CDP, price fpmath.Amount, safetyBuffer fpmath.Ratio) fpmath.Amount {
	if !c.HasDebt() {
		return c.CollateralAmount
	}

	minCollateral, ok := cdp.MinCollateralFor(c.DebtAmount, price, c.Config.LiquidationRatio, WithdrawRequirement(c, safetyBuffer))
	if !ok {
		return fpmath.Zero()
	}
	return c.CollateralAmount.SubFloor(minCollateral)
}
