// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int // Number of decimal places
	Scale            *big.Int
}

const (
	// AmountDecimals is the exponent shared by collateral, debt and price amounts.
	AmountDecimals = 18

	// BasisPointsDenominator: 10_000 bps = 100%
	BasisPointsDenominator = 10_000
)

var (
	// AmountConfig covers collateral, debt, fees and prices (1e-18)
	AmountConfig = DecimalConfig{DecimalPrecision: AmountDecimals, Scale: pow10(AmountDecimals)}

	scaleInt = AmountConfig.Scale
	bpsInt   = big.NewInt(BasisPointsDenominator)
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// ScaleInt returns a copy of 10^18.
func ScaleInt() *big.Int {
	return new(big.Int).Set(scaleInt)
}

// BasisPointsInt returns a copy of 10_000.
func BasisPointsInt() *big.Int {
	return new(big.Int).Set(bpsInt)
}

// scratchPool hands out big.Int values for intermediate products
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	scratchPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// MulDiv returns a * b / d with the requested rounding. Multiplication always
// happens before division. Operands must be non-negative and d must be non-zero.
func MulDiv(a, b, d *big.Int, mode RoundingMode) *big.Int {
	product := getScratch()
	product.Mul(a, b)
	result := divRound(product, d, mode)
	putScratch(product)
	return result
}

// CeilDiv returns ceil(n / d) for non-negative n and positive d.
func CeilDiv(n, d *big.Int) *big.Int {
	return divRound(n, d, RoundUp)
}

func divRound(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getScratch()
	defer putScratch(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	switch mode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundHalfEven:
		// Banker's rounding: compare 2*remainder against denominator
		twice := getScratch()
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denominator)
		putScratch(twice)

		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}

	return quotient
}
