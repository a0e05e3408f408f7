package cdp

import (
	"encoding/json"
	"fmt"
	"strconv"

	fpmath "CDPLedger/internal/math"
)

// StateKind discriminates the CDP state variant.
type StateKind int32

const (
	StateActive StateKind = iota
	StateLiquidating
	StateLiquidated
	StateClosed
)

func (k StateKind) String() string {
	switch k {
	case StateActive:
		return "active"
	case StateLiquidating:
		return "liquidating"
	case StateLiquidated:
		return "liquidated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseStateKind is the inverse of StateKind.String.
func ParseStateKind(s string) (StateKind, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "liquidating":
		return StateLiquidating, nil
	case "liquidated":
		return StateLiquidated, nil
	case "closed":
		return StateClosed, nil
	default:
		return 0, fmt.Errorf("unknown cdp state %q", s)
	}
}

// IsTerminal reports whether no operation may move the CDP out of this state.
func (k StateKind) IsTerminal() bool {
	return k == StateLiquidated || k == StateClosed
}

// CanTransitionTo validates state transitions
func (k StateKind) CanTransitionTo(next StateKind) bool {
	validTransitions := map[StateKind][]StateKind{
		StateActive: {
			StateActive, // health factor refresh
			StateLiquidating,
			StateClosed,
		},
		StateLiquidating: {
			StateLiquidating,
			StateActive, // health recovered above the buffer
			StateLiquidated,
			StateClosed,
		},
	}

	allowed, ok := validTransitions[k]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// State is a tagged variant: exactly one of active{healthFactor},
// liquidating{liquidationPrice}, liquidated or closed. The payload accessors
// return zero values for other kinds.
type State struct {
	kind             StateKind
	healthFactor     float64
	liquidationPrice fpmath.Amount
}

func Active(healthFactor float64) State {
	return State{kind: StateActive, healthFactor: healthFactor}
}

func Liquidating(liquidationPrice fpmath.Amount) State {
	return State{kind: StateLiquidating, liquidationPrice: liquidationPrice}
}

func Liquidated() State {
	return State{kind: StateLiquidated}
}

func Closed() State {
	return State{kind: StateClosed}
}

func (s State) Kind() StateKind {
	return s.kind
}

// HealthFactor is the payload of an active state.
func (s State) HealthFactor() float64 {
	if s.kind != StateActive {
		return 0
	}
	return s.healthFactor
}

// LiquidationPrice is the payload of a liquidating state.
func (s State) LiquidationPrice() fpmath.Amount {
	if s.kind != StateLiquidating {
		return fpmath.Zero()
	}
	return s.liquidationPrice
}

func (s State) String() string {
	switch s.kind {
	case StateActive:
		return fmt.Sprintf("active{hf=%s}", formatHealthFactor(s.healthFactor))
	case StateLiquidating:
		return fmt.Sprintf("liquidating{price=%s}", s.liquidationPrice)
	default:
		return s.kind.String()
	}
}

func formatHealthFactor(hf float64) string {
	if hf == MaxHealthFactor {
		return "max"
	}
	return strconv.FormatFloat(hf, 'f', 6, 64)
}

type stateJSON struct {
	Kind             string         `json:"kind"`
	HealthFactor     *float64       `json:"health_factor,omitempty"`
	LiquidationPrice *fpmath.Amount `json:"liquidation_price,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{Kind: s.kind.String()}
	switch s.kind {
	case StateActive:
		hf := s.healthFactor
		out.HealthFactor = &hf
	case StateLiquidating:
		price := s.liquidationPrice
		out.LiquidationPrice = &price
	}
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var in stateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := ParseStateKind(in.Kind)
	if err != nil {
		return err
	}

	switch kind {
	case StateActive:
		hf := MaxHealthFactor
		if in.HealthFactor != nil {
			hf = *in.HealthFactor
		}
		*s = Active(hf)
	case StateLiquidating:
		var price fpmath.Amount
		if in.LiquidationPrice != nil {
			price = *in.LiquidationPrice
		}
		*s = Liquidating(price)
	case StateLiquidated:
		*s = Liquidated()
	case StateClosed:
		*s = Closed()
	}
	return nil
}
