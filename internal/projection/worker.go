package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/cdp"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// priceFeed is the projected name of the single collateral feed
const priceFeed = "collateral"

// ProjectionOutput mirrors the data needed by projection workers.
// FromCoreOutput bridges core.CoreOutput into this.
type ProjectionOutput struct {
	Sequence      int64
	EventType     string
	Timestamp     int64
	Operation     *OperationEntry // OperationRequested only, applied or rejected
	CDPs          []cdp.CDP
	Price         *core.PriceState
	Params        *core.SystemParams
	RejectionCode string
}

// FromCoreOutput extracts the projected view of one core output
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		Timestamp: out.Event.OccurredAt(),
		CDPs:      out.CDPs,
		Price:     out.Price,
		Params:    out.Params,
	}
	if out.Rejection != nil {
		po.RejectionCode = out.Rejection.Code
	}

	if op, ok := out.Event.(*event.OperationRequested); ok {
		entry := &OperationEntry{
			Sequence:      po.Sequence,
			RequestID:     op.RequestID,
			CDPID:         op.CDPID,
			Actor:         op.Actor,
			Operation:     op.Kind.String(),
			Amount:        op.Amount,
			RejectionCode: po.RejectionCode,
			Timestamp:     op.Timestamp,
		}
		if out.Result != nil {
			entry.Version = out.Result.UpdatedCDP.Version
			entry.HealthFactor = out.Result.NewHealthFactor
		}
		po.Operation = entry
	}

	return po
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *OperationHistory
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	history *OperationHistory,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Operation != nil && pw.history != nil {
				pw.history.Add(*output.Operation)
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	if len(output.CDPs) == 0 && output.Price == nil && output.Params == nil {
		return nil
	}

	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	operation := ""
	if output.Operation != nil {
		operation = output.Operation.Operation
	}
	for _, c := range output.CDPs {
		if err := insertHistory(ctx, tx, output, operation, c); err != nil {
			return fmt.Errorf("cdp history: %w", err)
		}
	}

	if output.Price != nil {
		if err := upsertPrice(ctx, tx, output.Sequence, *output.Price); err != nil {
			return fmt.Errorf("latest price: %w", err)
		}
	}

	if output.Params != nil {
		if err := upsertParams(ctx, tx, output.Sequence, *output.Params); err != nil {
			return fmt.Errorf("system params: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.EventType).Observe(time.Since(start).Seconds())
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, output ProjectionOutput, operation string, c cdp.CDP) error {
	var op interface{}
	if operation != "" {
		op = operation
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.cdp_history
			(sequence, cdp_id, event_type, operation, state,
			 collateral_amount, debt_amount, accrued_fees, version, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (cdp_id, sequence) DO NOTHING
	`, output.Sequence, c.ID, output.EventType, op, c.State.Kind().String(),
		c.CollateralAmount.String(), c.DebtAmount.String(), c.AccruedFees.String(),
		c.Version, output.Timestamp)
	return err
}

func upsertPrice(ctx context.Context, tx *sql.Tx, sequence int64, p core.PriceState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.latest_price
			(feed, price, confidence_bps, price_sequence, price_timestamp, sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (feed) DO UPDATE SET
			price = EXCLUDED.price,
			confidence_bps = EXCLUDED.confidence_bps,
			price_sequence = EXCLUDED.price_sequence,
			price_timestamp = EXCLUDED.price_timestamp,
			sequence = EXCLUDED.sequence
		WHERE projections.latest_price.sequence < EXCLUDED.sequence
	`, priceFeed, p.Price.String(), int64(p.ConfidenceBps), p.Sequence, p.Timestamp, sequence)
	return err
}

func upsertParams(ctx context.Context, tx *sql.Tx, sequence int64, p core.SystemParams) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.system_params
			(id, emergency_shutdown, max_amount_allowed, safety_buffer_bps, sequence)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			emergency_shutdown = EXCLUDED.emergency_shutdown,
			max_amount_allowed = EXCLUDED.max_amount_allowed,
			safety_buffer_bps = EXCLUDED.safety_buffer_bps,
			sequence = EXCLUDED.sequence
		WHERE projections.system_params.sequence < EXCLUDED.sequence
	`, p.EmergencyShutdown, p.MaxAmountAllowed.String(), int64(p.SafetyBuffer.Bps()), sequence)
	return err
}

// LatestPrice reads the projected collateral price. ok is false before the
// first accepted price.
func LatestPrice(ctx context.Context, db *sql.DB) (price core.PriceState, ok bool, err error) {
	var raw string
	var confidence int64
	err = db.QueryRowContext(ctx, `
		SELECT price::text, confidence_bps, price_sequence, price_timestamp
		FROM projections.latest_price
		WHERE feed = $1
	`, priceFeed).Scan(&raw, &confidence, &price.Sequence, &price.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return core.PriceState{}, false, nil
	}
	if err != nil {
		return core.PriceState{}, false, err
	}

	price.Price, err = fpmath.ParseAmount(raw)
	if err != nil {
		return core.PriceState{}, false, fmt.Errorf("projected price: %w", err)
	}
	price.ConfidenceBps = uint32(confidence)
	return price, true, nil
}

// LatestParams reads the projected system params. ok is false before the
// first SystemParamsUpdate.
func LatestParams(ctx context.Context, db *sql.DB) (params core.SystemParams, ok bool, err error) {
	var raw string
	var buffer int64
	err = db.QueryRowContext(ctx, `
		SELECT emergency_shutdown, max_amount_allowed::text, safety_buffer_bps
		FROM projections.system_params
		WHERE id = 1
	`).Scan(&params.EmergencyShutdown, &raw, &buffer)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SystemParams{}, false, nil
	}
	if err != nil {
		return core.SystemParams{}, false, err
	}

	params.MaxAmountAllowed, err = fpmath.ParseAmount(raw)
	if err != nil {
		return core.SystemParams{}, false, fmt.Errorf("projected max amount: %w", err)
	}
	params.SafetyBuffer = fpmath.NewRatio(uint64(buffer))
	return params, true, nil
}

// RebuildProjections rebuilds the projection tables from the event log and
// the CDP read model. Per-event CDP history before the rebuild is not
// recoverable from the log; each CDP restarts with its current row.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.cdp_history`,
		`TRUNCATE projections.latest_price`,
		`TRUNCATE projections.system_params`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Only accepted prices are ever logged, so the newest one is current
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.latest_price
			(feed, price, confidence_bps, price_sequence, price_timestamp, sequence)
		SELECT $1,
			(p->>'price')::numeric,
			(p->>'confidence_bps')::integer,
			(p->>'price_sequence')::bigint,
			(p->>'price_timestamp')::bigint,
			sequence
		FROM (
			SELECT sequence, convert_from(payload, 'UTF8')::jsonb AS p
			FROM event_log.events
			WHERE event_type = 'PriceUpdate'
			ORDER BY sequence DESC
			LIMIT 1
		) latest
	`, priceFeed); err != nil {
		return fmt.Errorf("rebuild latest price: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.system_params
			(id, emergency_shutdown, max_amount_allowed, safety_buffer_bps, sequence)
		SELECT 1,
			(p->>'emergency_shutdown')::boolean,
			(p->>'max_amount_allowed')::numeric,
			(p->>'safety_buffer_bps')::bigint,
			sequence
		FROM (
			SELECT sequence, convert_from(payload, 'UTF8')::jsonb AS p
			FROM event_log.events
			WHERE event_type = 'SystemParamsUpdate' AND rejection_code IS NULL
			ORDER BY sequence DESC
			LIMIT 1
		) latest
	`); err != nil {
		return fmt.Errorf("rebuild system params: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO projections.cdp_history
			(sequence, cdp_id, event_type, operation, state,
			 collateral_amount, debt_amount, accrued_fees, version, timestamp)
		SELECT c.last_sequence, c.cdp_id, e.event_type, NULL, c.state,
			c.collateral_amount, c.debt_amount, c.accrued_fees, c.version, c.updated_at
		FROM ledger.cdps c
		JOIN event_log.events e ON e.sequence = c.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild cdp history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	logger.Info().Int64("cdps", rows).Msg("projection rebuild complete")
	return nil
}
