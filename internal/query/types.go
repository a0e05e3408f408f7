package query

import (
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// CDPResponse represents a CDP for API queries. Ledger fields come from the
// persisted row; health and value fields are derived at query time from the
// projected collateral price.
type CDPResponse struct {
	ID          uuid.UUID     `json:"id"`
	Owner       string        `json:"owner"`
	State       string        `json:"state"`
	Collateral  fpmath.Amount `json:"collateral_amount"`
	Debt        fpmath.Amount `json:"debt_amount"`
	AccruedFees fpmath.Amount `json:"accrued_fees"`
	PendingFees fpmath.Amount `json:"pending_fees"` // accrued since fees_accrued_at, not yet booked
	TotalOwed   fpmath.Amount `json:"total_owed"`

	LiquidationRatioBps   uint64 `json:"liquidation_ratio_bps"`
	MinCollateralRatioBps uint64 `json:"min_collateral_ratio_bps"`
	StabilityFeeBps       uint64 `json:"stability_fee_bps"`

	// Derived values (nil without a projected price or without debt)
	CollateralValue           *fpmath.Amount `json:"collateral_value,omitempty"`
	HealthFactor              *float64       `json:"health_factor,omitempty"`
	CollateralizationRatioBps *uint64        `json:"collateralization_ratio_bps,omitempty"`
	LiquidationPrice          *fpmath.Amount `json:"liquidation_price,omitempty"`

	Version       int64 `json:"version"`
	CreatedAt     int64 `json:"created_at"`
	UpdatedAt     int64 `json:"updated_at"`
	FeesAccruedAt int64 `json:"fees_accrued_at"`

	// Metadata
	PriceSequence int64 `json:"price_sequence"` // oracle sequence of the price used
	AsOfSequence  int64 `json:"as_of_sequence"` // last persisted event sequence
}

// PreviewResponse holds the what-if figures for one CDP at the projected
// price and system params.
type PreviewResponse struct {
	CDPID           uuid.UUID     `json:"cdp_id"`
	Price           fpmath.Amount `json:"price"`
	SafetyBufferBps uint64        `json:"safety_buffer_bps"`

	HealthFactor     *float64       `json:"health_factor,omitempty"` // nil: no debt
	MaxWithdrawable  fpmath.Amount  `json:"max_withdrawable"`
	MaxMintable      fpmath.Amount  `json:"max_mintable"`
	LiquidationPrice *fpmath.Amount `json:"liquidation_price,omitempty"`

	TargetHealthFactor  float64        `json:"target_health_factor,omitempty"`
	MinDepositForTarget *fpmath.Amount `json:"min_deposit_for_target,omitempty"`

	Operation *OperationPreview `json:"operation,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// OperationPreview is the outcome of a hypothetical operation by the owner.
type OperationPreview struct {
	Kind            string   `json:"kind"`
	Amount          string   `json:"amount"`
	Allowed         bool     `json:"allowed"`
	RejectionCode   string   `json:"rejection_code,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	NewHealthFactor *float64 `json:"new_health_factor,omitempty"`
	NewState        string   `json:"new_state,omitempty"`

	RemainingAvailableCollateral *fpmath.Amount `json:"remaining_available_collateral,omitempty"`
	FeesAccrued                  *fpmath.Amount `json:"fees_accrued,omitempty"`
	RepaidToFees                 *fpmath.Amount `json:"repaid_to_fees,omitempty"`
	RepaidToPrincipal            *fpmath.Amount `json:"repaid_to_principal,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"` // first missing sequence of each gap
	CheckedThrough  int64   `json:"checked_through"`
}
