package event

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// SystemParamsUpdate replaces the system-wide operation context flags.
// Sequence is strictly ordered: gaps and replays are rejected.
type SystemParamsUpdate struct {
	EmergencyShutdown bool
	MaxAmountAllowed  fpmath.Amount // zero = no cap
	SafetyBufferBps   uint64
	Sequence          int64
	Timestamp         int64
}

func (s *SystemParamsUpdate) IdempotencyKey() string {
	return fmt.Sprintf("system:%d", s.Sequence)
}

func (s *SystemParamsUpdate) EventType() EventType {
	return EventTypeSystemParamsUpdate
}

func (s *SystemParamsUpdate) AffectedCDP() *uuid.UUID {
	return nil
}

func (s *SystemParamsUpdate) SourceSequence() int64 {
	return s.Sequence
}

func (s *SystemParamsUpdate) OccurredAt() int64 {
	return s.Timestamp
}

// LiquidationSettled is reported by the external liquidation executor once a
// liquidating CDP's collateral has been auctioned off.
type LiquidationSettled struct {
	LiquidationID uuid.UUID
	CDPID         uuid.UUID
	Timestamp     int64
}

func (l *LiquidationSettled) IdempotencyKey() string {
	return "liquidation:" + l.LiquidationID.String()
}

func (l *LiquidationSettled) EventType() EventType {
	return EventTypeLiquidationSettled
}

func (l *LiquidationSettled) AffectedCDP() *uuid.UUID {
	return &l.CDPID
}

func (l *LiquidationSettled) SourceSequence() int64 {
	return 0
}

func (l *LiquidationSettled) OccurredAt() int64 {
	return l.Timestamp
}
