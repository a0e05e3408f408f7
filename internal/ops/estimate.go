package ops

import (
	"math/big"

	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"
)

// MaxMintableDebt returns the additional debt the CDP can take on at price
// while passing both mint checks.
//
//	ratio check:     debt <= collateralValue * 10000 / minCR
//	threshold check: debt <= threshold * L / minCR
func MaxMintableDebt(c cdp.CDP, price fpmath.Amount) fpmath.Amount {
	minimum := c.Config.MinCollateralizationRatio
	if minimum.IsZero() || c.Config.LiquidationRatio.IsZero() {
		return fpmath.Zero()
	}

	value := cdp.CollateralValue(c.CollateralAmount, price)
	byRatio := fpmath.MulDiv(value.Big(), fpmath.BasisPointsInt(), minimum.BigInt(), fpmath.RoundDown)

	threshold := fpmath.MulDiv(value.Big(), fpmath.BasisPointsInt(), c.Config.LiquidationRatio.BigInt(), fpmath.RoundDown)
	byThreshold := fpmath.MulDiv(threshold, c.Config.LiquidationRatio.BigInt(), minimum.BigInt(), fpmath.RoundDown)

	maxDebt := fpmath.NewAmount(byRatio).Min(fpmath.NewAmount(byThreshold))
	return maxDebt.SubFloor(c.DebtAmount)
}

// MinDepositForHealthFactor returns the smallest deposit that lifts the
// health factor to at least target. ok is false when no deposit can (zero
// price with debt outstanding).
func MinDepositForHealthFactor(c cdp.CDP, price fpmath.Amount, target float64) (fpmath.Amount, bool) {
	if !c.HasDebt() || target <= 0 {
		return fpmath.Zero(), true
	}
	if price.Sign() <= 0 || c.Config.LiquidationRatio.IsZero() {
		return fpmath.Zero(), false
	}

	targetRat := new(big.Rat)
	if targetRat.SetFloat64(target) == nil {
		return fpmath.Zero(), false
	}

	// T = ceil(target * debt): minimum integer threshold
	need := new(big.Rat).Mul(targetRat, new(big.Rat).SetInt(c.DebtAmount.Big()))
	t := fpmath.CeilDiv(need.Num(), need.Denom())

	// V = ceil(T * L / 10000), C = ceil(V * 10^18 / price)
	v := fpmath.MulDiv(t, c.Config.LiquidationRatio.BigInt(), fpmath.BasisPointsInt(), fpmath.RoundUp)
	required := fpmath.NewAmount(fpmath.MulDiv(v, fpmath.ScaleInt(), price.Big(), fpmath.RoundUp))

	return required.SubFloor(c.CollateralAmount), true
}

// FreedCollateralValue returns the value, at price, of the collateral that
// becomes withdrawable after repaying amount.
func FreedCollateralValue(c cdp.CDP, repayment, price fpmath.Amount, safetyBuffer fpmath.Ratio) fpmath.Amount {
	before := CalculateMaxWithdrawableAmount(c, price, safetyBuffer)

	repayment = repayment.Min(c.TotalOwed())
	split := fpmath.AllocateRepayment(repayment, c.AccruedFees)
	after := CalculateMaxWithdrawableAmount(
		c.WithDebt(c.DebtAmount.Sub(split.ToPrincipal), c.AccruedFees.Sub(split.ToFees)),
		price, safetyBuffer,
	)

	return cdp.CollateralValue(after.SubFloor(before), price)
}

// LiquidationPrice returns the collateral price at which the CDP's health
// factor reaches 1.0.
func LiquidationPrice(c cdp.CDP) (fpmath.Amount, bool) {
	return cdp.LiquidationPrice(c.CollateralAmount, c.DebtAmount, c.Config.LiquidationRatio)
}

// Preview is the outcome of an operation without the updated CDP.
type Preview struct {
	Kind                         Kind
	AffectedAmount               fpmath.Amount
	PreviousHealthFactor         float64
	NewHealthFactor              float64
	NewState                     cdp.State
	RemainingAvailableCollateral fpmath.Amount
	Fees                         *FeeAllocation
}

// PreviewOperation runs op and discards the updated CDP.
func PreviewOperation(op Operation, ctx Context) (Preview, error) {
	res, err := Apply(op, ctx)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Kind:                         res.Kind,
		AffectedAmount:               res.AffectedAmount,
		PreviousHealthFactor:         res.PreviousHealthFactor,
		NewHealthFactor:              res.NewHealthFactor,
		NewState:                     res.UpdatedCDP.State,
		RemainingAvailableCollateral: res.RemainingAvailableCollateral,
		Fees:                         res.Fees,
	}, nil
}
