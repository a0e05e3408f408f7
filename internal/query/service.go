package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/ops"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown CDP id
	ErrNotFound = persistence.ErrCDPNotFound

	// ErrNoPrice is returned by previews before the first accepted price
	ErrNoPrice = errors.New("no collateral price available")
)

// QueryService provides read-only access to the CDP read model and the
// projection tables. Queries are served via gRPC and HTTP/JSON; every
// response carries as_of_sequence for freshness semantics.
type QueryService struct {
	db      *sql.DB
	cdps    *persistence.CDPStore
	history *projection.OperationHistory
	metrics *observability.Metrics
	now     func() time.Time
}

func NewQueryService(db *sql.DB, history *projection.OperationHistory, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		db:      db,
		cdps:    persistence.NewCDPStore(db),
		history: history,
		metrics: metrics,
		now:     time.Now,
	}
}

// GetCDP returns one CDP with its derived values at the projected price.
func (qs *QueryService) GetCDP(ctx context.Context, id uuid.UUID) (resp *CDPResponse, err error) {
	defer qs.observe("get_cdp", time.Now(), &err)

	c, err := qs.cdps.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	price, _, err := projection.LatestPrice(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}

	r := qs.toResponse(c, price.Price, asOfSeq)
	r.PriceSequence = price.Sequence
	return &r, nil
}

// ListCDPsByOwner returns an owner's CDPs, oldest first.
func (qs *QueryService) ListCDPsByOwner(ctx context.Context, owner string) (resp []CDPResponse, err error) {
	defer qs.observe("list_cdps", time.Now(), &err)

	list, err := qs.cdps.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	price, _, err := projection.LatestPrice(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}

	resp = make([]CDPResponse, 0, len(list))
	for _, c := range list {
		r := qs.toResponse(c, price.Price, asOfSeq)
		r.PriceSequence = price.Sequence
		resp = append(resp, r)
	}
	return resp, nil
}

// PreviewRequest selects the optional parts of a preview. A zero
// TargetHealthFactor skips the min-deposit figure; an empty Kind skips the
// operation preview.
type PreviewRequest struct {
	TargetHealthFactor float64
	Kind               string
	Amount             fpmath.Amount
}

// Preview computes the what-if figures for a CDP at the projected price and
// system params. Operation previews run as the owner.
func (qs *QueryService) Preview(ctx context.Context, id uuid.UUID, req PreviewRequest) (resp *PreviewResponse, err error) {
	defer qs.observe("preview", time.Now(), &err)

	c, err := qs.cdps.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	price, ok, err := projection.LatestPrice(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if !ok {
		return nil, ErrNoPrice
	}
	params, _, err := projection.LatestParams(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp = &PreviewResponse{
		CDPID:           c.ID,
		Price:           price.Price,
		SafetyBufferBps: params.SafetyBuffer.Bps(),
		HealthFactor:    finite(cdp.CurrentHealthFactor(c, price.Price)),
		MaxWithdrawable: ops.CalculateMaxWithdrawableAmount(c, price.Price, params.SafetyBuffer),
		MaxMintable:     ops.MaxMintableDebt(c, price.Price),
		AsOfSequence:    asOfSeq,
	}
	if lp, ok := ops.LiquidationPrice(c); ok {
		resp.LiquidationPrice = &lp
	}

	if req.TargetHealthFactor > 0 {
		resp.TargetHealthFactor = req.TargetHealthFactor
		if deposit, ok := ops.MinDepositForHealthFactor(c, price.Price, req.TargetHealthFactor); ok {
			resp.MinDepositForTarget = &deposit
		}
	}

	if req.Kind != "" {
		opCtx := ops.Context{
			CollateralPrice:   price.Price,
			MaxAmountAllowed:  params.MaxAmountAllowed,
			EmergencyShutdown: params.EmergencyShutdown,
			CurrentTime:       fpmath.NewTimestamp(qs.now().Unix()),
			SafetyBuffer:      params.SafetyBuffer,
		}
		preview, err := previewOperation(c, req, opCtx)
		if err != nil {
			return nil, err
		}
		resp.Operation = preview
	}

	return resp, nil
}

func previewOperation(c cdp.CDP, req PreviewRequest, opCtx ops.Context) (*OperationPreview, error) {
	kind, err := ops.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if kind == ops.KindCreate {
		return nil, fmt.Errorf("create cannot be previewed against an existing cdp")
	}

	out := &OperationPreview{Kind: kind.String(), Amount: req.Amount.String()}

	p, err := ops.PreviewOperation(ops.Operation{
		Kind: kind,
		Params: ops.Params{
			CDP:       c,
			Amount:    req.Amount,
			Actor:     c.Owner,
			Timestamp: opCtx.CurrentTime,
		},
	}, opCtx)
	if err != nil {
		var coreErr cdp.Error
		if !errors.As(err, &coreErr) {
			return nil, err
		}
		out.RejectionCode = coreErr.Code()
		out.Reason = err.Error()
		return out, nil
	}

	out.Allowed = true
	out.NewHealthFactor = finite(p.NewHealthFactor)
	out.NewState = p.NewState.Kind().String()
	if kind == ops.KindWithdraw {
		remaining := p.RemainingAvailableCollateral
		out.RemainingAvailableCollateral = &remaining
	}
	if p.Fees != nil {
		accrued, toFees, toPrincipal := p.Fees.Accrued, p.Fees.ToFees, p.Fees.ToPrincipal
		out.FeesAccrued = &accrued
		out.RepaidToFees = &toFees
		out.RepaidToPrincipal = &toPrincipal
	}
	return out, nil
}

// GetOperationHistory returns the recent operations on a CDP, newest first.
func (qs *QueryService) GetOperationHistory(cdpID uuid.UUID, limit int) []projection.OperationEntry {
	if qs.history == nil {
		return nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return qs.history.QueryByCDP(cdpID, limit)
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and sequence density of the
// persisted event log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	if report.CheckedThrough, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) toResponse(c cdp.CDP, price fpmath.Amount, asOfSeq int64) CDPResponse {
	r := CDPResponse{
		ID:                    c.ID,
		Owner:                 c.Owner,
		State:                 c.State.Kind().String(),
		Collateral:            c.CollateralAmount,
		Debt:                  c.DebtAmount,
		AccruedFees:           c.AccruedFees,
		TotalOwed:             c.TotalOwed(),
		LiquidationRatioBps:   c.Config.LiquidationRatio.Bps(),
		MinCollateralRatioBps: c.Config.MinCollateralizationRatio.Bps(),
		StabilityFeeBps:       c.Config.StabilityFee.Bps(),
		Version:               c.Version,
		CreatedAt:             c.CreatedAt.Unix(),
		UpdatedAt:             c.UpdatedAt.Unix(),
		FeesAccruedAt:         c.FeesAccruedAt.Unix(),
		AsOfSequence:          asOfSeq,
	}

	r.PendingFees = c.PendingFee(fpmath.NewTimestamp(qs.now().Unix()))

	if lp, ok := ops.LiquidationPrice(c); ok {
		r.LiquidationPrice = &lp
	}

	if price.Sign() > 0 {
		value := cdp.CollateralValue(c.CollateralAmount, price)
		r.CollateralValue = &value
		r.HealthFactor = finite(cdp.CurrentHealthFactor(c, price))
		if c.HasDebt() {
			bps := cdp.CollateralizationRatio(c.CollateralAmount, c.DebtAmount, price).Bps()
			r.CollateralizationRatioBps = &bps
		}
	}
	return r
}

// finite maps the no-debt health factor to nil so it encodes as absent
func finite(hf float64) *float64 {
	if hf == cdp.MaxHealthFactor {
		return nil
	}
	return &hf
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case *err == nil:
	case errors.Is(*err, ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// getWatermark returns the last persisted event sequence, -1 when empty
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM event_log.events
	`).Scan(&seq)
	return seq, err
}
