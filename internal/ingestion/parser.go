package ingestion

import (
	"encoding/json"
	"fmt"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/ops"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell validates and converts raw events here before
// they reach the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return ParseEvent(eventType, raw.Data)
}

// ParseEvent decodes a wire payload of the named event type. It is used both
// for NATS messages and for payloads read back from the event log on replay.
func ParseEvent(eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeOperationRequested:
		return parseOperationRequested(data)
	case event.EventTypePriceUpdate:
		return parsePriceUpdate(data)
	case event.EventTypeSystemParamsUpdate:
		return parseSystemParamsUpdate(data)
	case event.EventTypeLiquidationSettled:
		return parseLiquidationSettled(data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// EncodeEvent is the inverse of ParseEvent: it produces the wire payload
// stored in the event log and published downstream.
func EncodeEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.OperationRequested:
		return json.Marshal(operationJSON{
			RequestID:       e.RequestID.String(),
			Kind:            e.Kind.String(),
			CDPID:           e.CDPID.String(),
			Actor:           e.Actor,
			Amount:          e.Amount,
			CollateralType:  e.CollateralType,
			Debt:            e.Debt,
			ExpectedVersion: e.ExpectedVersion,
			Timestamp:       e.Timestamp,
		})
	case *event.PriceUpdate:
		return json.Marshal(priceJSON{
			Price:          e.Price,
			ConfidenceBps:  e.ConfidenceBps,
			PriceSequence:  e.PriceSequence,
			PriceTimestamp: e.PriceTimestamp,
		})
	case *event.SystemParamsUpdate:
		return json.Marshal(systemParamsJSON{
			EmergencyShutdown: e.EmergencyShutdown,
			MaxAmountAllowed:  e.MaxAmountAllowed,
			SafetyBufferBps:   e.SafetyBufferBps,
			Sequence:          e.Sequence,
			Timestamp:         e.Timestamp,
		})
	case *event.LiquidationSettled:
		return json.Marshal(liquidationSettledJSON{
			LiquidationID: e.LiquidationID.String(),
			CDPID:         e.CDPID.String(),
			Timestamp:     e.Timestamp,
		})
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", evt)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings of 18-decimal fixed-point values; timestamps are unix
// seconds.

type operationJSON struct {
	RequestID       string        `json:"request_id"`
	Kind            string        `json:"kind"`
	CDPID           string        `json:"cdp_id"`
	Actor           string        `json:"actor"`
	Amount          fpmath.Amount `json:"amount"`
	CollateralType  string        `json:"collateral_type,omitempty"`
	Debt            fpmath.Amount `json:"debt"`
	ExpectedVersion int64         `json:"expected_version,omitempty"`
	Timestamp       int64         `json:"timestamp"`
}

func parseOperationRequested(data []byte) (*event.OperationRequested, error) {
	var j operationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OperationRequested: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	cdpID, err := uuid.Parse(j.CDPID)
	if err != nil {
		return nil, fmt.Errorf("parse cdp_id: %w", err)
	}
	kind, err := ops.ParseKind(j.Kind)
	if err != nil {
		return nil, fmt.Errorf("parse kind: %w", err)
	}
	if j.Actor == "" {
		return nil, fmt.Errorf("parse OperationRequested: actor is required")
	}
	if kind == ops.KindCreate && j.CollateralType == "" {
		return nil, fmt.Errorf("parse OperationRequested: collateral_type is required for create")
	}

	return &event.OperationRequested{
		RequestID:       requestID,
		Kind:            kind,
		CDPID:           cdpID,
		Actor:           j.Actor,
		Amount:          j.Amount,
		CollateralType:  j.CollateralType,
		Debt:            j.Debt,
		ExpectedVersion: j.ExpectedVersion,
		Timestamp:       j.Timestamp,
	}, nil
}

type priceJSON struct {
	Price          fpmath.Amount `json:"price"`
	ConfidenceBps  uint32        `json:"confidence_bps"`
	PriceSequence  int64         `json:"price_sequence"`
	PriceTimestamp int64         `json:"price_timestamp"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	return &event.PriceUpdate{
		Price:          j.Price,
		ConfidenceBps:  j.ConfidenceBps,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestamp,
	}, nil
}

type systemParamsJSON struct {
	EmergencyShutdown bool          `json:"emergency_shutdown"`
	MaxAmountAllowed  fpmath.Amount `json:"max_amount_allowed"`
	SafetyBufferBps   uint64        `json:"safety_buffer_bps"`
	Sequence          int64         `json:"sequence"`
	Timestamp         int64         `json:"timestamp"`
}

func parseSystemParamsUpdate(data []byte) (*event.SystemParamsUpdate, error) {
	var j systemParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SystemParamsUpdate: %w", err)
	}
	if j.SafetyBufferBps > fpmath.BasisPointsDenominator {
		return nil, fmt.Errorf("parse SystemParamsUpdate: safety_buffer_bps %d exceeds 10000", j.SafetyBufferBps)
	}
	return &event.SystemParamsUpdate{
		EmergencyShutdown: j.EmergencyShutdown,
		MaxAmountAllowed:  j.MaxAmountAllowed,
		SafetyBufferBps:   j.SafetyBufferBps,
		Sequence:          j.Sequence,
		Timestamp:         j.Timestamp,
	}, nil
}

type liquidationSettledJSON struct {
	LiquidationID string `json:"liquidation_id"`
	CDPID         string `json:"cdp_id"`
	Timestamp     int64  `json:"timestamp"`
}

func parseLiquidationSettled(data []byte) (*event.LiquidationSettled, error) {
	var j liquidationSettledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationSettled: %w", err)
	}
	liqID, err := uuid.Parse(j.LiquidationID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation_id: %w", err)
	}
	cdpID, err := uuid.Parse(j.CDPID)
	if err != nil {
		return nil, fmt.Errorf("parse cdp_id: %w", err)
	}
	return &event.LiquidationSettled{
		LiquidationID: liqID,
		CDPID:         cdpID,
		Timestamp:     j.Timestamp,
	}, nil
}
