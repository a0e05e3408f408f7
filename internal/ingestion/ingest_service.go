package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/ops"

	"github.com/google/uuid"
)

// ErrQueueFull is returned when the core's input queue cannot take another
// event before the caller's deadline.
var ErrQueueFull = errors.New("ingest queue full")

// OperationRequest is a manually submitted CDP operation. A zero RequestID
// is replaced with a fresh one; resubmitting the same RequestID is a no-op
// in the core.
type OperationRequest struct {
	RequestID       uuid.UUID     `json:"request_id"`
	Kind            string        `json:"kind"`
	CDPID           uuid.UUID     `json:"cdp_id"`
	Actor           string        `json:"actor"`
	Amount          fpmath.Amount `json:"amount"`
	CollateralType  string        `json:"collateral_type,omitempty"`
	Debt            fpmath.Amount `json:"debt"`
	ExpectedVersion int64         `json:"expected_version,omitempty"`
}

// IngestService provides admin/manual event injection for the HTTP and
// gRPC surfaces. NATS remains the high-throughput path.
type IngestService struct {
	eventChan chan<- event.Event
	now       func() time.Time
}

func NewIngestService(eventChan chan<- event.Event) *IngestService {
	return &IngestService{eventChan: eventChan, now: time.Now}
}

// SubmitOperation validates the request shape and enqueues it. Business
// validation happens in the core; the returned id identifies the request.
func (s *IngestService) SubmitOperation(ctx context.Context, req OperationRequest) (uuid.UUID, error) {
	kind, err := ops.ParseKind(req.Kind)
	if err != nil {
		return uuid.Nil, err
	}
	if req.Actor == "" {
		return uuid.Nil, fmt.Errorf("actor is required")
	}
	if req.Amount.Sign() <= 0 {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}

	cdpID := req.CDPID
	if kind == ops.KindCreate {
		if req.CollateralType == "" {
			return uuid.Nil, fmt.Errorf("collateral_type is required for create")
		}
		if cdpID == uuid.Nil {
			cdpID = uuid.New()
		}
	} else if cdpID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("cdp_id is required for %s", kind)
	}

	requestID := req.RequestID
	if requestID == uuid.Nil {
		requestID = uuid.New()
	}

	evt := &event.OperationRequested{
		RequestID:       requestID,
		Kind:            kind,
		CDPID:           cdpID,
		Actor:           req.Actor,
		Amount:          req.Amount,
		CollateralType:  req.CollateralType,
		Debt:            req.Debt,
		ExpectedVersion: req.ExpectedVersion,
		Timestamp:       s.now().Unix(),
	}
	return requestID, s.enqueue(ctx, evt)
}

// InjectPrice manually injects a collateral PriceUpdate.
func (s *IngestService) InjectPrice(ctx context.Context, price fpmath.Amount, confidenceBps uint32, priceSequence int64) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("price must be positive")
	}

	return s.enqueue(ctx, &event.PriceUpdate{
		Price:          price,
		ConfidenceBps:  confidenceBps,
		PriceSequence:  priceSequence,
		PriceTimestamp: s.now().Unix(),
	})
}

// UpdateSystemParams manually injects a SystemParamsUpdate. The sequence
// must be the next one the core expects.
func (s *IngestService) UpdateSystemParams(
	ctx context.Context,
	emergencyShutdown bool,
	maxAmountAllowed fpmath.Amount,
	safetyBufferBps uint64,
	sequence int64,
) error {
	if safetyBufferBps > fpmath.BasisPointsDenominator {
		return fmt.Errorf("safety buffer %dbps exceeds 10000", safetyBufferBps)
	}
	if maxAmountAllowed.Sign() < 0 {
		return fmt.Errorf("max amount must not be negative")
	}

	return s.enqueue(ctx, &event.SystemParamsUpdate{
		EmergencyShutdown: emergencyShutdown,
		MaxAmountAllowed:  maxAmountAllowed,
		SafetyBufferBps:   safetyBufferBps,
		Sequence:          sequence,
		Timestamp:         s.now().Unix(),
	})
}

// SettleLiquidation manually reports a finished liquidation.
func (s *IngestService) SettleLiquidation(ctx context.Context, cdpID, liquidationID uuid.UUID) error {
	if cdpID == uuid.Nil || liquidationID == uuid.Nil {
		return fmt.Errorf("cdp_id and liquidation_id are required")
	}

	return s.enqueue(ctx, &event.LiquidationSettled{
		LiquidationID: liquidationID,
		CDPID:         cdpID,
		Timestamp:     s.now().Unix(),
	})
}

func (s *IngestService) enqueue(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrQueueFull
		}
		return ctx.Err()
	}
}
