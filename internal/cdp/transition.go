package cdp

import (
	fpmath "CDPLedger/internal/math"
)

// NextState derives the state that follows current for a newly computed
// health factor.
//
//	hf <= 1.0        -> liquidating (existing liquidation price kept)
//	hf >  1.1        -> active{hf}
//	1.0 < hf <= 1.1  -> active{hf} if active, unchanged if liquidating
//
// Liquidated and closed are terminal and returned unchanged; they are only
// entered through MarkLiquidated and full repayment.
func NextState(current State, healthFactor float64) State {
	if current.Kind().IsTerminal() {
		return current
	}

	if healthFactor <= LiquidationThreshold {
		if current.Kind() == StateLiquidating {
			return current
		}
		// Price is stamped by the liquidation executor
		return Liquidating(fpmath.Zero())
	}

	if healthFactor > RecoveryThreshold {
		return Active(healthFactor)
	}

	// Borderline band: no kind change in either direction
	if current.Kind() == StateActive {
		return Active(healthFactor)
	}
	return current
}

// CalculateFullClosureAmount returns debt plus accrued fees: the exact burn
// amount that closes the CDP.
func CalculateFullClosureAmount(c CDP) fpmath.Amount {
	return c.TotalOwed()
}

// MarkLiquidated moves a liquidating CDP to liquidated once the external
// executor has settled it.
func MarkLiquidated(c CDP, ts fpmath.Timestamp) (CDP, error) {
	if !c.State.Kind().CanTransitionTo(StateLiquidated) {
		return CDP{}, &InvalidOperationError{Operation: "liquidate", State: c.State.Kind().String()}
	}
	return c.WithState(Liquidated()).Touched(ts), nil
}

// Reassess re-derives the CDP state at a new price without an operation.
// changed reports a change of state kind; only then is the CDP touched.
// An active CDP whose kind is unchanged gets its health factor refreshed.
func Reassess(c CDP, price fpmath.Amount, ts fpmath.Timestamp) (out CDP, changed bool) {
	if c.State.Kind().IsTerminal() {
		return c, false
	}

	next := NextState(c.State, CurrentHealthFactor(c, price))
	if next.Kind() == c.State.Kind() {
		return c.WithState(next), false
	}
	return c.WithState(next).Touched(ts), true
}
