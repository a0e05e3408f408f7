package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/ops"
	"CDPLedger/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveCore(t *testing.T) *core.DeterministicCore {
	t.Helper()
	c := core.NewDeterministicCore(core.Config{}, nil, nil, nil, config.DefaultCatalog(), nil, zerolog.Nop())

	events := []event.Event{
		&event.PriceUpdate{Price: fpmath.Units(2000), ConfidenceBps: 10_000, PriceSequence: 1, PriceTimestamp: 10},
		&event.SystemParamsUpdate{Sequence: 0, SafetyBufferBps: 250, MaxAmountAllowed: fpmath.Units(1_000_000)},
		&event.OperationRequested{
			RequestID: uuid.New(), Kind: ops.KindCreate, CDPID: uuid.New(), Actor: "0xa",
			Amount: fpmath.Units(5), CollateralType: "ETH-B", Debt: fpmath.Units(3000), Timestamp: 20,
		},
		&event.OperationRequested{
			RequestID: uuid.New(), Kind: ops.KindCreate, CDPID: uuid.New(), Actor: "0xb",
			Amount: fpmath.Units(1), CollateralType: "ETH-A", Timestamp: 30,
		},
		&event.PriceUpdate{Price: fpmath.Units(700), ConfidenceBps: 10_000, PriceSequence: 2, PriceTimestamp: 40},
	}
	for _, evt := range events {
		require.NoError(t, c.ProcessEvent(evt))
	}
	return c
}

func TestSnapshot_SurvivesStorageAndRestores(t *testing.T) {
	original := liveCore(t)
	data := persistence.SnapshotFromCore(original.CreateSnapshotState(), time.Unix(0, 0).UTC())

	raw, err := json.Marshal(data)
	require.NoError(t, err)

	var loaded persistence.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &loaded))

	state, err := loaded.ToCore()
	require.NoError(t, err)

	restored := core.NewDeterministicCore(core.Config{}, nil, nil, nil, config.DefaultCatalog(), nil, zerolog.Nop())
	require.NoError(t, restored.RestoreFromSnapshot(state))

	assert.Equal(t, original.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, original.GetSequence(), restored.GetSequence())
	assert.Equal(t, 0, restored.GetParams().MaxAmountAllowed.Cmp(fpmath.Units(1_000_000)))
	assert.Equal(t, uint64(250), restored.GetParams().SafetyBuffer.Bps())
	assert.Equal(t, 0, restored.GetPrice().Price.Cmp(fpmath.Units(700)))

	for _, c := range state.CDPs {
		want, _ := original.GetCDP(c.ID)
		got, ok := restored.GetCDP(c.ID)
		require.True(t, ok)
		assert.Equal(t, want.CanonicalBytes(), got.CanonicalBytes())
	}
}

func TestSnapshot_MalformedHashRejected(t *testing.T) {
	data := persistence.SnapshotFromCore(liveCore(t).CreateSnapshotState(), time.Now())
	data.StateHash = "abc"

	_, err := data.ToCore()
	assert.ErrorContains(t, err, "state hash")
}

func TestSnapshotManager_SaveAndLoad(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	ctx := context.Background()

	data := persistence.SnapshotFromCore(liveCore(t).CreateSnapshotState(), time.Unix(1, 0).UTC())
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO event_log.snapshots").
		WithArgs(sqlmock.AnyArg(), data.Sequence, raw, data.StateHash, 1, len(raw), data.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, sm.SaveSnapshot(ctx, data))

	mock.ExpectQuery("SELECT data FROM event_log.snapshots").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(raw))
	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, data.Sequence, loaded.Sequence)
	assert.Equal(t, data.StateHash, loaded.StateHash)
	assert.Len(t, loaded.CDPs, 2)

	mock.ExpectQuery("SELECT data FROM event_log.snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	none, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "cold start")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotManager_LoadEventsFrom(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	cdpID := uuid.NewString()
	ts := time.Unix(50, 0).UTC()
	mock.ExpectQuery("SELECT sequence, event_type").
		WithArgs(int64(10), 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"sequence", "event_type", "idempotency_key", "cdp_id", "payload",
			"state_hash", "prev_hash", "timestamp", "source_sequence", "rejection_code",
		}).
			AddRow(10, "PriceUpdate", "price:4", nil, []byte(`{}`), []byte{1}, []byte{0}, ts, 4, nil).
			AddRow(11, "OperationRequested", "op:x", cdpID, []byte(`{}`), []byte{2}, []byte{1}, ts, 0, "unauthorized"))

	rows, err := sm.LoadEventsFrom(context.Background(), 10, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].CDPID)
	require.NotNil(t, rows[1].CDPID)
	assert.Equal(t, cdpID, *rows[1].CDPID)
	require.NotNil(t, rows[1].RejectionCode)
	assert.Equal(t, "unauthorized", *rows[1].RejectionCode)
}

func TestSnapshotManager_LatestSequenceEmptyLog(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery(`SELECT MAX\(sequence\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	seq, err := sm.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)
}
