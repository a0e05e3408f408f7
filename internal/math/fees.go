// internal/math/fees.go
package math

import "math/big"

// SecondsPerYear is the accrual year (365 days).
const SecondsPerYear = 365 * 24 * 60 * 60

var secondsPerYearInt = big.NewInt(SecondsPerYear)

// ComputeStabilityFee calculates the fee accrued on debt over elapsedSeconds.
//
//	fee = debt * feeBps * elapsed / (10_000 * SecondsPerYear)
//
// The product is formed before the single division and the result truncates,
// so accrual never rounds up.
func ComputeStabilityFee(debt Amount, fee Ratio, elapsedSeconds int64) Amount {
	if debt.Sign() <= 0 || fee.IsZero() || elapsedSeconds <= 0 {
		return Zero()
	}

	// raw = debt * feeBps * elapsed
	raw := getScratch()
	raw.Mul(debt.int(), fee.BigInt())
	raw.Mul(raw, big.NewInt(elapsedSeconds))

	// denominator = 10_000 * seconds_per_year
	denominator := getScratch()
	denominator.Mul(bpsInt, secondsPerYearInt)

	accrued := divRound(raw, denominator, RoundDown)

	putScratch(raw)
	putScratch(denominator)

	return NewAmount(accrued)
}

// FeeSplit is the result of allocating a repayment across fees and principal.
type FeeSplit struct {
	ToFees      Amount
	ToPrincipal Amount
}

// AllocateRepayment applies amount to accruedFees first and the remainder to
// principal. The caller guarantees amount <= accruedFees + principal.
func AllocateRepayment(amount, accruedFees Amount) FeeSplit {
	toFees := amount.Min(accruedFees)
	return FeeSplit{
		ToFees:      toFees,
		ToPrincipal: amount.Sub(toFees),
	}
}
