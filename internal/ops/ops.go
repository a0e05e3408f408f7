// Package ops implements the CDP operations: each one validates its
// parameters against a context snapshot and, on success, returns the next
// CDP value with derived metrics. Nothing here performs I/O or mutates its
// inputs.
package ops

import (
	"fmt"

	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// Kind identifies an operation.
type Kind int32

const (
	KindCreate Kind = iota
	KindDeposit
	KindWithdraw
	KindMint
	KindBurn
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindCreate, KindDeposit, KindWithdraw, KindMint, KindBurn} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// Params are the inputs shared by deposit, withdraw, mint and burn.
type Params struct {
	CDP       cdp.CDP
	Amount    fpmath.Amount
	Actor     string
	Timestamp fpmath.Timestamp
}

// CreateParams opens a new CDP with initial collateral and optional debt.
type CreateParams struct {
	ID         uuid.UUID
	Owner      string
	Config     cdp.Config
	Collateral fpmath.Amount
	Debt       fpmath.Amount
	Timestamp  fpmath.Timestamp
}

// Context is the system snapshot an operation is evaluated against.
type Context struct {
	CollateralPrice   fpmath.Amount
	MaxAmountAllowed  fpmath.Amount // zero: no cap
	EmergencyShutdown bool
	// CurrentTime is the caller's clock, carried for callers only. Results
	// are stamped and fees accrued at Params.Timestamp.
	CurrentTime       fpmath.Timestamp
	SafetyBuffer      fpmath.Ratio // added to the min ratio on withdraw
}

// FeeAllocation details fee movements for mint and burn.
type FeeAllocation struct {
	Accrued     fpmath.Amount // stability fee accrued before a mint
	ToFees      fpmath.Amount // repayment applied to accrued fees
	ToPrincipal fpmath.Amount // repayment applied to debt
}

// Result is returned by every successful operation.
type Result struct {
	Kind                 Kind
	UpdatedCDP           cdp.CDP
	AffectedAmount       fpmath.Amount
	PreviousHealthFactor float64
	NewHealthFactor      float64

	// Withdraw only
	RemainingAvailableCollateral fpmath.Amount

	// Mint and burn only
	Fees *FeeAllocation
}

// Operation is one entry of a batch.
type Operation struct {
	Kind   Kind
	Params Params
	Create CreateParams // KindCreate only
}

// Apply dispatches op to the matching operation.
func Apply(op Operation, ctx Context) (Result, error) {
	switch op.Kind {
	case KindCreate:
		return Create(op.Create, ctx)
	case KindDeposit:
		return Deposit(op.Params, ctx)
	case KindWithdraw:
		return Withdraw(op.Params, ctx)
	case KindMint:
		return Mint(op.Params, ctx)
	case KindBurn:
		return Burn(op.Params, ctx)
	default:
		return Result{}, &cdp.InvalidOperationError{Operation: op.Kind.String(), State: op.Params.CDP.State.Kind().String()}
	}
}
