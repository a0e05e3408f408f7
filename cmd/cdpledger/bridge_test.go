package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/ops"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCore(persist chan core.CoreOutput) *core.DeterministicCore {
	var out chan<- core.CoreOutput
	if persist != nil {
		out = persist
	}
	return core.NewDeterministicCore(core.Config{}, out, nil, nil, config.DefaultCatalog(), nil, zerolog.Nop())
}

// liveRecords drives a script through a live core and returns what it
// would have persisted.
func liveRecords(t *testing.T) ([]persistence.Record, *core.DeterministicCore) {
	t.Helper()
	persist := make(chan core.CoreOutput, 16)
	c := newCore(persist)
	cdpID := uuid.New()

	script := []event.Event{
		&event.PriceUpdate{Price: fpmath.Units(2000), ConfidenceBps: 10_000, PriceSequence: 1, PriceTimestamp: 100},
		&event.OperationRequested{RequestID: uuid.New(), Kind: ops.KindCreate, CDPID: cdpID, Actor: "0xowner",
			Amount: fpmath.Units(3), CollateralType: "ETH-A", Debt: fpmath.Units(1000), Timestamp: 110},
		&event.OperationRequested{RequestID: uuid.New(), Kind: ops.KindMint, CDPID: cdpID, Actor: "0xowner",
			Amount: fpmath.Units(100), Timestamp: 120},
		// rejected: not the owner
		&event.OperationRequested{RequestID: uuid.New(), Kind: ops.KindWithdraw, CDPID: cdpID, Actor: "0xother",
			Amount: fpmath.Units(1), Timestamp: 130},
		&event.PriceUpdate{Price: fpmath.Units(600), ConfidenceBps: 10_000, PriceSequence: 2, PriceTimestamp: 140},
	}
	for _, evt := range script {
		err := c.ProcessEvent(evt)
		var rejected *core.RejectedError
		if err != nil && !errors.As(err, &rejected) {
			t.Fatalf("process %s: %v", evt.EventType(), err)
		}
	}
	close(persist)

	var recs []persistence.Record
	for out := range persist {
		rec, err := toRecord(out)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, len(script))
	return recs, c
}

type fakeLog struct {
	rows []persistence.EventRow
}

func (f *fakeLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range f.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestToRecord(t *testing.T) {
	recs, _ := liveRecords(t)

	create := recs[1]
	assert.Equal(t, int64(1), create.Event.Sequence)
	assert.Equal(t, "OperationRequested", create.Event.EventType)
	require.NotNil(t, create.Event.CDPID)
	assert.Nil(t, create.Event.RejectionCode)
	assert.NotEmpty(t, create.Journals, "create moves collateral and debt")
	require.Len(t, create.CDPs, 1)
	assert.Equal(t, int64(1), create.CDPs[0].Sequence)
	assert.Len(t, create.Event.StateHash, 32)

	rejected := recs[3]
	require.NotNil(t, rejected.Event.RejectionCode)
	assert.Equal(t, "unauthorized", *rejected.Event.RejectionCode)
	assert.Empty(t, rejected.Journals)
	assert.Empty(t, rejected.CDPs)

	// The stored payload parses back to the same event
	evt, err := ingestion.ParseEvent(create.Event.EventType, create.Event.Payload)
	require.NoError(t, err)
	assert.Equal(t, ops.KindCreate, evt.(*event.OperationRequested).Kind)
}

func TestReplay_ReproducesLiveState(t *testing.T) {
	recs, live := liveRecords(t)

	log := &fakeLog{}
	for _, r := range recs {
		log.rows = append(log.rows, r.Event)
	}

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	replica := newCore(nil)
	n, err := replayEventsFromLog(context.Background(), log, replica, 0, metrics)
	require.NoError(t, err)

	assert.Equal(t, int64(len(recs)), n)
	assert.Equal(t, live.GetSequence(), replica.GetSequence())
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, float64(len(recs)), promtest.ToFloat64(metrics.ReplayEventsTotal))
}

func TestReplay_TamperedHashFails(t *testing.T) {
	recs, _ := liveRecords(t)

	log := &fakeLog{}
	for _, r := range recs {
		log.rows = append(log.rows, r.Event)
	}
	log.rows[2].StateHash = make([]byte, 32)

	n, err := replayEventsFromLog(context.Background(), log, newCore(nil), 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
	assert.Equal(t, int64(2), n)
}

func TestEnvelopeFromRow_RejectsShortHash(t *testing.T) {
	_, err := envelopeFromRow(persistence.EventRow{Sequence: 4, StateHash: []byte{1, 2}})
	assert.Error(t, err)
}

func TestPublishCommitted_DropsWhenFull(t *testing.T) {
	recs, _ := liveRecords(t)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	out := make(chan ingestion.PublishableEvent, 2)
	publishCommitted(out, metrics)(recs)

	assert.Len(t, out, 2)
	assert.Equal(t, float64(len(recs)-2), promtest.ToFloat64(metrics.PublishDrops))

	first := <-out
	assert.Equal(t, int64(0), first.Sequence)
	assert.Len(t, first.StateHash, 64)
	assert.Equal(t, "cdp.ledger.events.PriceUpdate", first.Subject())
}

func TestRunBridge(t *testing.T) {
	persistIn := make(chan core.CoreOutput, 16)
	projectionIn := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(core.Config{}, persistIn, projectionIn, nil, config.DefaultCatalog(), nil, zerolog.Nop())
	require.NoError(t, c.ProcessEvent(&event.PriceUpdate{Price: fpmath.Units(1), ConfidenceBps: 10_000, PriceSequence: 1, PriceTimestamp: 1}))
	require.NoError(t, c.ProcessEvent(&event.PriceUpdate{Price: fpmath.Units(2), ConfidenceBps: 10_000, PriceSequence: 2, PriceTimestamp: 2}))
	close(persistIn)
	close(projectionIn)

	persistOut := make(chan persistence.Record, 4)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	// room for one projection output only
	projectionOut := make(chan projection.ProjectionOutput, 1)

	runBridge(persistIn, projectionIn, persistOut, projectionOut, metrics, zerolog.Nop())

	var persisted int
	for range persistOut {
		persisted++
	}
	assert.Equal(t, 2, persisted, "persistence never drops")

	var projected int
	for range projectionOut {
		projected++
	}
	assert.Equal(t, 1, projected)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ProjectionDrops.WithLabelValues("bridge")))
}

func TestRunParser(t *testing.T) {
	raw := make(chan ingestion.RawEvent, 2)
	out := make(chan event.Event, 2)

	var acked, termed atomic.Int32
	raw <- ingestion.RawEvent{
		Subject: "cdp.prices.eth", EventType: "PriceUpdate",
		Data:    []byte(`{"price":"1","confidence_bps":10000,"price_sequence":1,"price_timestamp":1}`),
		AckFunc: func() { acked.Add(1) }, NakFunc: func() {}, TermFunc: func() { termed.Add(1) },
	}
	raw <- ingestion.RawEvent{
		Subject: "cdp.prices.eth", EventType: "PriceUpdate", Data: []byte(`{`),
		AckFunc: func() { acked.Add(1) }, NakFunc: func() {}, TermFunc: func() { termed.Add(1) },
	}
	close(raw)

	runParser(context.Background(), raw, out, zerolog.Nop())

	assert.Equal(t, int32(1), acked.Load())
	assert.Equal(t, int32(1), termed.Load())
	require.Len(t, out, 1)
	assert.IsType(t, &event.PriceUpdate{}, <-out)
}

type fakeSnapshots struct {
	saved atomic.Int64 // sequence of the last save, -1 before any
	count atomic.Int32
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, snap *persistence.SnapshotData) error {
	f.saved.Store(snap.Sequence)
	f.count.Add(1)
	return nil
}

func (f *fakeSnapshots) PruneSnapshots(context.Context, int) (int64, error) { return 0, nil }

func TestSnapshotter_WaitsForPersistence(t *testing.T) {
	c := newCore(nil)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, c.ProcessEvent(&event.PriceUpdate{Price: fpmath.Units(i), ConfidenceBps: 10_000, PriceSequence: i, PriceTimestamp: i}))
	}

	store := &fakeSnapshots{}
	store.saved.Store(-1)
	var persisted atomic.Int64
	persisted.Store(0)

	s := newSnapshotter(store, persisted.Load, 2, 0, nil, zerolog.Nop())
	s.maybeSnapshot(context.Background(), c)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(0), store.count.Load(), "log has not reached the snapshot yet")

	persisted.Store(2)
	require.Eventually(t, func() bool { return store.count.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), store.saved.Load())

	// Below the interval since the last capture
	s.maybeSnapshot(context.Background(), c)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), store.count.Load())
}

func TestSnapshotter_FinalRequiresCaughtUpLog(t *testing.T) {
	c := newCore(nil)
	require.NoError(t, c.ProcessEvent(&event.PriceUpdate{Price: fpmath.Units(1), ConfidenceBps: 10_000, PriceSequence: 1, PriceTimestamp: 1}))

	store := &fakeSnapshots{}
	var persisted atomic.Int64
	persisted.Store(-1)
	s := newSnapshotter(store, persisted.Load, 100, 0, nil, zerolog.Nop())

	err := s.final(context.Background(), c)
	assert.ErrorIs(t, err, errSnapshotBehind)

	persisted.Store(0)
	require.NoError(t, s.final(context.Background(), c))
	assert.Equal(t, int64(0), store.saved.Load())
}
