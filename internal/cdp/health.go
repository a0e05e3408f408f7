// internal/cdp/health.go
package cdp

import (
	"math"
	"math/big"

	fpmath "CDPLedger/internal/math"
)

// MaxHealthFactor is reported for a CDP without debt.
const MaxHealthFactor = math.MaxFloat64

const (
	// LiquidationThreshold: health factor at or below which a CDP is liquidating
	LiquidationThreshold = 1.0

	// RecoveryThreshold: health factor above which a CDP is active again
	RecoveryThreshold = 1.1
)

// healthFactorPrecision is the mantissa size used for the final division.
const healthFactorPrecision = 128

// CollateralValue returns collateral * price / 10^18, rounded down.
func CollateralValue(collateral, price fpmath.Amount) fpmath.Amount {
	return fpmath.NewAmount(fpmath.MulDiv(collateral.Big(), price.Big(), fpmath.ScaleInt(), fpmath.RoundDown))
}

// liquidationThreshold returns collateralValue * 10000 / liquidationRatio, rounded down.
func liquidationThreshold(collateralValue fpmath.Amount, liquidationRatio fpmath.Ratio) *big.Int {
	return fpmath.MulDiv(collateralValue.Big(), fpmath.BasisPointsInt(), liquidationRatio.BigInt(), fpmath.RoundDown)
}

// HealthFactor computes threshold / debt where
//
//	collateralValue = collateral * price / 10^18
//	threshold       = collateralValue * 10000 / liquidationRatio
//
// All steps except the last are integer arithmetic, multiply before divide.
// Zero debt returns MaxHealthFactor. A zero liquidation ratio returns 0.
func HealthFactor(collateral, debt, price fpmath.Amount, liquidationRatio fpmath.Ratio) float64 {
	if debt.Sign() <= 0 {
		return MaxHealthFactor
	}
	if liquidationRatio.IsZero() {
		return 0
	}

	threshold := liquidationThreshold(CollateralValue(collateral, price), liquidationRatio)

	num := new(big.Float).SetPrec(healthFactorPrecision).SetInt(threshold)
	den := new(big.Float).SetPrec(healthFactorPrecision).SetInt(debt.Big())
	hf, _ := new(big.Float).SetPrec(healthFactorPrecision).Quo(num, den).Float64()
	return hf
}

// CurrentHealthFactor applies HealthFactor to the CDP's stored amounts.
func CurrentHealthFactor(c CDP, price fpmath.Amount) float64 {
	return HealthFactor(c.CollateralAmount, c.DebtAmount, price, c.Config.LiquidationRatio)
}

// HealthFactorAt evaluates the CDP as if it held the given amounts.
func HealthFactorAt(c CDP, collateral, debt, price fpmath.Amount) float64 {
	return HealthFactor(collateral, debt, price, c.Config.LiquidationRatio)
}

// HealthFactorAfterDeposit projects the health factor after adding collateral.
func HealthFactorAfterDeposit(c CDP, amount, price fpmath.Amount) float64 {
	return HealthFactorAt(c, c.CollateralAmount.Add(amount), c.DebtAmount, price)
}

// HealthFactorAfterWithdraw projects the health factor after removing
// collateral. Withdrawing more than is held projects zero collateral.
func HealthFactorAfterWithdraw(c CDP, amount, price fpmath.Amount) float64 {
	return HealthFactorAt(c, c.CollateralAmount.SubFloor(amount), c.DebtAmount, price)
}

// HealthFactorAfterMint projects the health factor after issuing more debt.
func HealthFactorAfterMint(c CDP, amount, price fpmath.Amount) float64 {
	return HealthFactorAt(c, c.CollateralAmount, c.DebtAmount.Add(amount), price)
}

// HealthFactorAfterBurn projects the health factor after a repayment, which
// settles accrued fees before principal.
func HealthFactorAfterBurn(c CDP, amount, price fpmath.Amount) float64 {
	split := fpmath.AllocateRepayment(amount, c.AccruedFees)
	return HealthFactorAt(c, c.CollateralAmount, c.DebtAmount.SubFloor(split.ToPrincipal), price)
}

// CollateralizationRatio returns collateralValue * 10000 / debt in basis
// points, rounded down. Zero debt (or an unrepresentable ratio) saturates.
func CollateralizationRatio(collateral, debt, price fpmath.Amount) fpmath.Ratio {
	if debt.Sign() <= 0 {
		return fpmath.NewRatio(math.MaxUint64)
	}
	ratio := fpmath.MulDiv(CollateralValue(collateral, price).Big(), fpmath.BasisPointsInt(), debt.Big(), fpmath.RoundDown)
	if !ratio.IsUint64() {
		return fpmath.NewRatio(math.MaxUint64)
	}
	return fpmath.NewRatio(ratio.Uint64())
}

// MeetsHealthThreshold reports whether HealthFactor(...) >= required / liquidationRatio,
// i.e. whether the position satisfies a collateralization requirement
// expressed in basis points. The comparison is exact:
//
//	threshold * liquidationRatio >= debt * required
func MeetsHealthThreshold(collateral, debt, price fpmath.Amount, liquidationRatio, required fpmath.Ratio) bool {
	if debt.Sign() <= 0 {
		return true
	}
	if liquidationRatio.IsZero() {
		return false
	}

	threshold := liquidationThreshold(CollateralValue(collateral, price), liquidationRatio)
	lhs := threshold.Mul(threshold, liquidationRatio.BigInt())
	rhs := new(big.Int).Mul(debt.Big(), required.BigInt())
	return lhs.Cmp(rhs) >= 0
}

// MinCollateralFor returns the smallest collateral amount that satisfies
// MeetsHealthThreshold for the given debt. ok is false when no amount can
// (a zero price or liquidation ratio with outstanding debt).
func MinCollateralFor(debt, price fpmath.Amount, liquidationRatio, required fpmath.Ratio) (fpmath.Amount, bool) {
	if debt.Sign() <= 0 {
		return fpmath.Zero(), true
	}
	if price.Sign() <= 0 || liquidationRatio.IsZero() {
		return fpmath.Zero(), false
	}

	// T = ceil(debt * required / L): minimum integer threshold
	t := fpmath.MulDiv(debt.Big(), required.BigInt(), liquidationRatio.BigInt(), fpmath.RoundUp)
	// V = ceil(T * L / 10000): minimum integer collateral value
	v := fpmath.MulDiv(t, liquidationRatio.BigInt(), fpmath.BasisPointsInt(), fpmath.RoundUp)
	// C = ceil(V * 10^18 / price)
	c := fpmath.MulDiv(v, fpmath.ScaleInt(), price.Big(), fpmath.RoundUp)

	return fpmath.NewAmount(c), true
}

// LiquidationPrice returns the collateral price at which the health factor
// falls to exactly 1.0: debt * L * 10^18 / (collateral * 10000), rounded up.
// Zero collateral with debt yields ok=false.
func LiquidationPrice(collateral, debt fpmath.Amount, liquidationRatio fpmath.Ratio) (fpmath.Amount, bool) {
	if debt.Sign() <= 0 {
		return fpmath.Zero(), true
	}
	if collateral.Sign() <= 0 {
		return fpmath.Zero(), false
	}

	num := new(big.Int).Mul(debt.Big(), liquidationRatio.BigInt())
	den := new(big.Int).Mul(collateral.Big(), fpmath.BasisPointsInt())
	return fpmath.NewAmount(fpmath.MulDiv(num, fpmath.ScaleInt(), den, fpmath.RoundUp)), true
}
