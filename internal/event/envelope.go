package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOperationRequested
	EventTypePriceUpdate
	EventTypeSystemParamsUpdate
	EventTypeLiquidationSettled
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// CDP context (nil for global events)
	CDPID *uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AffectedCDP returns the CDP the event targets (nil for global events)
	AffectedCDP() *uuid.UUID

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt returns the versioned input time in unix seconds
	OccurredAt() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeOperationRequested:
		return "OperationRequested"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeSystemParamsUpdate:
		return "SystemParamsUpdate"
	case EventTypeLiquidationSettled:
		return "LiquidationSettled"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	switch s {
	case "OperationRequested":
		return EventTypeOperationRequested
	case "PriceUpdate":
		return EventTypePriceUpdate
	case "SystemParamsUpdate":
		return EventTypeSystemParamsUpdate
	case "LiquidationSettled":
		return EventTypeLiquidationSettled
	default:
		return EventTypeUnknown
	}
}
