package event

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/ops"

	"github.com/google/uuid"
)

// OperationRequested asks the core to run one CDP operation on behalf of Actor.
// For create, CDPID is the id the new CDP will carry, Actor becomes the owner,
// Amount is the initial collateral and Debt the optional initial mint.
type OperationRequested struct {
	RequestID       uuid.UUID
	Kind            ops.Kind
	CDPID           uuid.UUID
	Actor           string
	Amount          fpmath.Amount
	CollateralType  string        // create only: catalog entry name
	Debt            fpmath.Amount // create only
	ExpectedVersion int64         // 0 = no optimistic concurrency check
	Timestamp       int64         // unix seconds (versioned input)
}

func (o *OperationRequested) IdempotencyKey() string {
	return "op:" + o.RequestID.String()
}

func (o *OperationRequested) EventType() EventType {
	return EventTypeOperationRequested
}

func (o *OperationRequested) AffectedCDP() *uuid.UUID {
	return &o.CDPID
}

// SourceSequence is zero: operations are ordered per CDP by ExpectedVersion,
// not by an upstream sequence.
func (o *OperationRequested) SourceSequence() int64 {
	return 0
}

func (o *OperationRequested) OccurredAt() int64 {
	return o.Timestamp
}
