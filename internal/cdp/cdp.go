// internal/cdp/cdp.go
package cdp

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// Config holds the immutable per-CDP risk parameters, all in basis points.
type Config struct {
	LiquidationRatio          fpmath.Ratio `json:"liquidation_ratio_bps"`
	MinCollateralizationRatio fpmath.Ratio `json:"min_collateralization_ratio_bps"`
	StabilityFee              fpmath.Ratio `json:"stability_fee_bps"` // per annum
}

// Validate checks that the parameters are internally consistent:
// liquidation ratio > 0, min ratio > liquidation ratio, fee <= 100%.
// A min ratio equal to the liquidation ratio would let a mint that exactly
// meets it come out liquidating.
func (c Config) Validate() error {
	if c.LiquidationRatio.IsZero() {
		return &InvalidConfigError{Field: "liquidation_ratio", Reason: "must be > 0"}
	}
	if c.MinCollateralizationRatio.Bps() <= c.LiquidationRatio.Bps() {
		return &InvalidConfigError{
			Field:  "min_collateralization_ratio",
			Reason: fmt.Sprintf("%s must be above liquidation ratio %s", c.MinCollateralizationRatio, c.LiquidationRatio),
		}
	}
	if c.StabilityFee.Bps() > fpmath.BasisPointsDenominator {
		return &InvalidConfigError{
			Field:  "stability_fee",
			Reason: fmt.Sprintf("%s exceeds 10000bps", c.StabilityFee),
		}
	}
	return nil
}

// CDP is a collateralized debt position. Values are treated as immutable:
// every operation returns a new CDP and never modifies its input.
type CDP struct {
	ID               uuid.UUID
	Owner            string
	CollateralAmount fpmath.Amount
	DebtAmount       fpmath.Amount
	Config           Config
	State            State
	AccruedFees      fpmath.Amount
	CreatedAt        fpmath.Timestamp
	UpdatedAt        fpmath.Timestamp
	FeesAccruedAt    fpmath.Timestamp // stability fee is booked up to here; only accrual moves it
	Version          int64            // Optimistic concurrency control
}

// New builds a freshly opened CDP. The state is derived by the caller.
func New(id uuid.UUID, owner string, cfg Config, ts fpmath.Timestamp) CDP {
	return CDP{
		ID:        id,
		Owner:     owner,
		Config:    cfg,
		State:     Active(MaxHealthFactor),
		CreatedAt:     ts,
		UpdatedAt:     ts,
		FeesAccruedAt: ts,
	}
}

// TotalOwed returns debt plus accrued fees.
func (c CDP) TotalOwed() fpmath.Amount {
	return c.DebtAmount.Add(c.AccruedFees)
}

func (c CDP) HasDebt() bool {
	return c.DebtAmount.Sign() > 0
}

// WithCollateral returns a copy with a new collateral amount.
func (c CDP) WithCollateral(amount fpmath.Amount) CDP {
	c.CollateralAmount = amount
	return c
}

// WithDebt returns a copy with new debt and accrued fee amounts.
func (c CDP) WithDebt(debt, fees fpmath.Amount) CDP {
	c.DebtAmount = debt
	c.AccruedFees = fees
	return c
}

// PendingFee is the stability fee owed on the current debt since
// FeesAccruedAt and not yet booked into AccruedFees.
func (c CDP) PendingFee(now fpmath.Timestamp) fpmath.Amount {
	return fpmath.ComputeStabilityFee(c.DebtAmount, c.Config.StabilityFee, now.SecondsSince(c.FeesAccruedAt))
}

// AccrueFees returns a copy with the pending fee up to now booked into
// AccruedFees and the accrual anchor moved to now.
func (c CDP) AccrueFees(now fpmath.Timestamp) (CDP, fpmath.Amount) {
	pending := c.PendingFee(now)
	c.AccruedFees = c.AccruedFees.Add(pending)
	if now.Unix() > c.FeesAccruedAt.Unix() {
		c.FeesAccruedAt = now
	}
	return c, pending
}

// WithState returns a copy in the given state.
func (c CDP) WithState(s State) CDP {
	c.State = s
	return c
}

// Touched returns a copy stamped with ts and a bumped version.
func (c CDP) Touched(ts fpmath.Timestamp) CDP {
	c.UpdatedAt = ts
	c.Version++
	return c
}

// CanonicalBytes returns deterministic serialization for hashing.
func (c CDP) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	// id (16 bytes UUID binary)
	buf = append(buf, c.ID[:]...)

	// owner (length-prefixed)
	buf = appendString(buf, c.Owner)

	// amounts (length-prefixed decimal strings)
	buf = appendString(buf, c.CollateralAmount.String())
	buf = appendString(buf, c.DebtAmount.String())
	buf = appendString(buf, c.AccruedFees.String())

	// config (3 x 8 bytes LE)
	buf = appendInt64LE(buf, int64(c.Config.LiquidationRatio.Bps()))
	buf = appendInt64LE(buf, int64(c.Config.MinCollateralizationRatio.Bps()))
	buf = appendInt64LE(buf, int64(c.Config.StabilityFee.Bps()))

	// state kind (1 byte) + liquidation price when liquidating
	buf = append(buf, byte(c.State.Kind()))
	if c.State.Kind() == StateLiquidating {
		buf = appendString(buf, c.State.LiquidationPrice().String())
	}

	// timestamps + version
	buf = appendInt64LE(buf, c.CreatedAt.Unix())
	buf = appendInt64LE(buf, c.UpdatedAt.Unix())
	buf = appendInt64LE(buf, c.FeesAccruedAt.Unix())
	buf = appendInt64LE(buf, c.Version)

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
