package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"CDPLedger/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Record is one core output converted to rows. The orchestrator
// (cmd/cdpledger) bridges core.CoreOutput into this.
type Record struct {
	Event    EventRow
	Journals []JournalRow
	CDPs     []CDPRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core's sends on that channel block, so if this worker falls behind the
// core stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	store        *CDPStore
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	onCommit     func([]Record)
	lastSequence atomic.Int64
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	pw := &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		store:        NewCDPStore(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
	pw.lastSequence.Store(-1)
	return pw
}

// OnCommit registers a callback run after every committed batch, in commit
// order. The slice must not be retained.
func (pw *PersistenceWorker) OnCommit(fn func([]Record)) {
	pw.onCommit = fn
}

// LastSequence returns the highest committed event sequence (-1 before the
// first commit)
func (pw *PersistenceWorker) LastSequence() int64 {
	return pw.lastSequence.Load()
}

// Run batches incoming records and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Record, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, rec)

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without ctx.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Record) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		pw.logger.Warn().Err(err).Str("error_type", classifyError(err)).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes events, journals and CDP rows in a single transaction
func (pw *PersistenceWorker) flush(ctx context.Context, batch []Record) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	var (
		journals []JournalRow
		cdps     []CDPRow
	)
	for _, rec := range batch {
		events = append(events, rec.Event)
		journals = append(journals, rec.Journals...)
		cdps = append(cdps, rec.CDPs...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin", err)
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events", err)
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.recordError("write_journals", err)
		return err
	}
	if err := pw.store.UpsertCDPs(ctx, tx, cdps); err != nil {
		pw.recordError("write_cdps", err)
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit", err)
		return err
	}

	last := events[len(events)-1].Sequence
	pw.lastSequence.Store(last)

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistCDPsWritten.Add(float64(len(cdps)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}

	if pw.onCommit != nil {
		pw.onCommit(batch)
	}

	return nil
}

func (pw *PersistenceWorker) recordError(stage string, err error) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
	pw.logger.Debug().Err(err).Str("stage", stage).Str("error_type", classifyError(err)).Msg("persistence stage failed")
}

// classifyError names a Postgres error by its SQLSTATE condition
func classifyError(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "context"
	}
	return "other"
}
