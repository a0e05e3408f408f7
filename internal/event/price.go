package event

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// PriceUpdate is one observation of the collateral price feed
type PriceUpdate struct {
	Price          fpmath.Amount // stable per unit of collateral, 18 decimals
	ConfidenceBps  uint32        // oracle confidence, 10000 = 100%
	PriceSequence  int64         // monotonic per feed
	PriceTimestamp int64         // unix seconds (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%d", p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) AffectedCDP() *uuid.UUID {
	return nil
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) OccurredAt() int64 {
	return p.PriceTimestamp
}
