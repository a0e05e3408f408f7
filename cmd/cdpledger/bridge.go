package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"

	"github.com/rs/zerolog"
)

// replayBatchSize is how many events are read from the log per query
const replayBatchSize = 1000

// toRecord converts one core output into the rows the persistence worker
// writes. The payload is the wire encoding so replay can parse it back.
func toRecord(out core.CoreOutput) (persistence.Record, error) {
	payload, err := ingestion.EncodeEvent(out.Event)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("encode seq %d: %w", out.Envelope.Sequence, err)
	}

	env := out.Envelope
	row := persistence.EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.CDPID != nil {
		s := env.CDPID.String()
		row.CDPID = &s
	}
	if out.Rejection != nil {
		code := out.Rejection.Code
		row.RejectionCode = &code
	}

	rec := persistence.Record{Event: row}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for _, c := range out.CDPs {
		rec.CDPs = append(rec.CDPs, persistence.CDPRow{CDP: c, Sequence: env.Sequence})
	}

	return rec, nil
}

// toPublishable builds the outbound notification for a committed record
func toPublishable(rec persistence.Record) ingestion.PublishableEvent {
	return ingestion.PublishableEvent{
		Sequence:       rec.Event.Sequence,
		EventType:      rec.Event.EventType,
		IdempotencyKey: rec.Event.IdempotencyKey,
		CDPID:          rec.Event.CDPID,
		Payload:        rec.Event.Payload,
		StateHash:      hex.EncodeToString(rec.Event.StateHash),
		RejectionCode:  rec.Event.RejectionCode,
		Timestamp:      rec.Event.Timestamp,
	}
}

// publishCommitted returns the persistence OnCommit callback. Publishing
// never blocks the persistence worker; a full channel drops.
func publishCommitted(out chan<- ingestion.PublishableEvent, metrics *observability.Metrics) func([]persistence.Record) {
	return func(batch []persistence.Record) {
		for _, rec := range batch {
			select {
			case out <- toPublishable(rec):
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// envelopeFromRow rebuilds the parts of a stored envelope replay checks
func envelopeFromRow(row persistence.EventRow) (*event.EventEnvelope, error) {
	if len(row.StateHash) != 32 {
		return nil, fmt.Errorf("seq %d: state hash has %d bytes", row.Sequence, len(row.StateHash))
	}
	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      event.ParseEventType(row.EventType),
		Timestamp:      row.Timestamp,
		SourceSequence: row.SourceSequence,
		Payload:        row.Payload,
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}

// eventSource is the part of SnapshotManager replay reads from
type eventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// replayEventsFromLog re-applies every logged event from fromSequence on.
// Any parse failure or hash mismatch is fatal: the log is the source of
// truth and the core must reproduce it exactly.
func replayEventsFromLog(
	ctx context.Context,
	src eventSource,
	c *core.DeterministicCore,
	fromSequence int64,
	metrics *observability.Metrics,
) (int64, error) {
	var replayed int64

	for {
		rows, err := src.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			evt, err := ingestion.ParseEvent(row.EventType, row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("parse seq %d (%s): %w", row.Sequence, row.EventType, err)
			}
			env, err := envelopeFromRow(row)
			if err != nil {
				return replayed, err
			}
			if err := c.ReplayEvent(evt, env); err != nil {
				return replayed, err
			}

			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// runBridge converts core outputs for the persistence and projection
// workers. Persistence sends block (backpressure); projection sends drop.
// Returns once both inputs are closed, closing both outputs.
func runBridge(
	persistIn, projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.Record,
	projectionOut chan<- projection.ProjectionOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	defer close(persistOut)
	defer close(projectionOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			rec, err := toRecord(out)
			if err != nil {
				// Every event type the core accepts is encodable
				logger.Error().Err(err).Msg("persist bridge")
				continue
			}
			persistOut <- rec

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case projectionOut <- projection.FromCoreOutput(out):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

// runParser turns raw NATS messages into typed events. Messages are acked
// once queued for the core, not after processing; unparseable messages are
// terminated so they are never redelivered.
func runParser(ctx context.Context, rawChan <-chan ingestion.RawEvent, out chan<- event.Event, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
			if err != nil {
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable event")
				if raw.TermFunc != nil {
					raw.TermFunc()
				}
				continue
			}

			select {
			case out <- evt:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// snapshotStore is the part of SnapshotManager the snapshotter writes to
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) error
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

// snapshotter captures core state every interval events. Capture happens on
// the core goroutine; the save runs in the background once the persistence
// worker has committed through the snapshot's sequence, so a snapshot never
// gets ahead of the log.
type snapshotter struct {
	store     snapshotStore
	persisted func() int64
	interval  int64
	keep      int
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lastSeq int64
	saving  chan struct{} // one save in flight at a time
}

func newSnapshotter(store snapshotStore, persisted func() int64, interval int64, startSeq int64, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	return &snapshotter{
		store:     store,
		persisted: persisted,
		interval:  interval,
		keep:      3,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   startSeq,
		saving:    make(chan struct{}, 1),
	}
}

// maybeSnapshot must be called from the core goroutine after each event
func (s *snapshotter) maybeSnapshot(ctx context.Context, c *core.DeterministicCore) {
	if c.GetSequence()-s.lastSeq < s.interval {
		return
	}

	select {
	case s.saving <- struct{}{}:
	default:
		return
	}

	state := c.CreateSnapshotState()
	s.lastSeq = c.GetSequence()

	go func() {
		defer func() { <-s.saving }()
		if err := s.save(ctx, state); err != nil {
			s.logger.Warn().Err(err).Int64("sequence", state.Sequence).Msg("periodic snapshot failed")
		}
	}()
}

// save waits for persistence to catch up, then writes and prunes
func (s *snapshotter) save(ctx context.Context, state *core.SnapshotState) error {
	start := time.Now()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.persisted() < state.Sequence {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if err := s.store.SaveSnapshot(ctx, persistence.SnapshotFromCore(state, time.Now())); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if pruned, err := s.store.PruneSnapshots(ctx, s.keep); err != nil {
		s.logger.Warn().Err(err).Msg("prune snapshots")
	} else if pruned > 0 {
		s.logger.Debug().Int64("pruned", pruned).Msg("old snapshots pruned")
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	s.logger.Info().Int64("sequence", state.Sequence).Msg("snapshot saved")
	return nil
}

// errSnapshotBehind is returned when the final snapshot cannot be saved
// because the log never caught up.
var errSnapshotBehind = errors.New("persistence behind snapshot sequence")

// final saves a snapshot of the idle core during shutdown
func (s *snapshotter) final(ctx context.Context, c *core.DeterministicCore) error {
	state := c.CreateSnapshotState()
	if state.Sequence < 0 {
		return nil
	}
	if s.persisted() < state.Sequence {
		return fmt.Errorf("%w: log at %d, core at %d", errSnapshotBehind, s.persisted(), state.Sequence)
	}
	return s.save(ctx, state)
}
