package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cdpCols = []string{
	"cdp_id", "owner", "collateral_amount", "debt_amount", "accrued_fees",
	"liquidation_ratio_bps", "min_collateral_ratio_bps", "stability_fee_bps",
	"state", "health_factor", "liquidation_price", "created_at", "updated_at", "fees_accrued_at", "version", "last_sequence",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func testCDP(id uuid.UUID, version int64) cdp.CDP {
	cfg := cdp.Config{
		LiquidationRatio:          fpmath.NewRatio(14_500),
		MinCollateralizationRatio: fpmath.NewRatio(15_000),
		StabilityFee:              fpmath.NewRatio(200),
	}
	c := cdp.New(id, "0xowner", cfg, fpmath.NewTimestamp(100))
	c = c.WithCollateral(fpmath.Units(2)).WithDebt(fpmath.Units(1000), fpmath.Zero())
	c = c.WithState(cdp.Active(2.5))
	c.Version = version
	return c
}

// ============================================================================
// EventLogWriter
// ============================================================================

func TestWriteEventBatch_MultiRowInsert(t *testing.T) {
	db, mock := newMock(t)
	w := persistence.NewEventLogWriter(db)

	id := uuid.New().String()
	code := "unauthorized"
	ts := time.Unix(1_700_000_000, 0).UTC()
	events := []persistence.EventRow{
		{Sequence: 0, EventType: "PriceUpdate", IdempotencyKey: "price:1", Payload: []byte(`{}`),
			StateHash: []byte{1}, PrevHash: []byte{0}, Timestamp: ts, SourceSequence: 1},
		{Sequence: 1, EventType: "OperationRequested", IdempotencyKey: "op:x", CDPID: &id, Payload: []byte(`{}`),
			StateHash: []byte{2}, PrevHash: []byte{1}, Timestamp: ts, RejectionCode: &code},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_log.events")).
		WithArgs(
			int64(0), "PriceUpdate", "price:1", nil, []byte(`{}`), []byte{1}, []byte{0}, ts, int64(1), nil,
			int64(1), "OperationRequested", "op:x", id, []byte(`{}`), []byte{2}, []byte{1}, ts, int64(0), code,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, w.WriteEventBatch(context.Background(), db, events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteJournalBatch_EmptyIsNoop(t *testing.T) {
	db, mock := newMock(t)
	w := persistence.NewEventLogWriter(db)

	require.NoError(t, w.WriteJournalBatch(context.Background(), db, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// CDPStore
// ============================================================================

func TestUpsertCDPs_KeepsLatestVersionPerCDP(t *testing.T) {
	db, mock := newMock(t)
	store := persistence.NewCDPStore(db)

	id := uuid.New()
	older := testCDP(id, 1)
	newer := testCDP(id, 2).WithCollateral(fpmath.Units(3))

	mock.ExpectExec(`INSERT INTO ledger.cdps .* ON CONFLICT \(cdp_id\) DO UPDATE .* WHERE ledger.cdps.version < EXCLUDED.version`).
		WithArgs(
			id, "0xowner", fpmath.Units(3).String(), fpmath.Units(1000).String(), "0",
			int64(14_500), int64(15_000), int64(200),
			"active", sqlmock.AnyArg(), "0",
			int64(100), int64(100), int64(100), int64(2), int64(8),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertCDPs(context.Background(), db, []persistence.CDPRow{
		{CDP: newer, Sequence: 8},
		{CDP: older, Sequence: 5},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCDPStore_Get(t *testing.T) {
	db, mock := newMock(t)
	store := persistence.NewCDPStore(db)

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM ledger.cdps WHERE cdp_id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(cdpCols).AddRow(
			id.String(), "0xowner", "2000000000000000000", "1000000000000000000000", "5",
			15_000, 15_000, 200,
			"liquidating", 0.0, "650000000000000000000", 100, 300, 250, 4, 42,
		))

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, got.ID)
	assert.Equal(t, 0, got.CollateralAmount.Cmp(fpmath.Units(2)))
	assert.Equal(t, 0, got.DebtAmount.Cmp(fpmath.Units(1000)))
	assert.Equal(t, "5", got.AccruedFees.String())
	assert.Equal(t, cdp.StateLiquidating, got.State.Kind())
	assert.Equal(t, 0, got.State.LiquidationPrice().Cmp(fpmath.Units(650)))
	assert.Equal(t, uint64(200), got.Config.StabilityFee.Bps())
	assert.Equal(t, int64(300), got.UpdatedAt.Unix())
	assert.Equal(t, int64(250), got.FeesAccruedAt.Unix())
	assert.Equal(t, int64(4), got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCDPStore_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	store := persistence.NewCDPStore(db)

	mock.ExpectQuery(`SELECT .* FROM ledger.cdps`).WillReturnRows(sqlmock.NewRows(cdpCols))

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, persistence.ErrCDPNotFound)
}

func TestCDPStore_ListByOwner(t *testing.T) {
	db, mock := newMock(t)
	store := persistence.NewCDPStore(db)

	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery(`SELECT .* FROM ledger.cdps WHERE owner = \$1 ORDER BY created_at`).
		WithArgs("0xowner").
		WillReturnRows(sqlmock.NewRows(cdpCols).
			AddRow(a.String(), "0xowner", "1", "0", "0", 15_000, 15_000, 0, "active", 1.7976931348623157e308, "0", 1, 1, 1, 1, 3).
			AddRow(b.String(), "0xowner", "0", "0", "0", 15_000, 15_000, 0, "closed", 0.0, "0", 2, 9, 9, 5, 11))

	got, err := store.ListByOwner(context.Background(), "0xowner")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, cdp.StateActive, got[0].State.Kind())
	assert.Equal(t, cdp.MaxHealthFactor, got[0].State.HealthFactor())
	assert.Equal(t, cdp.StateClosed, got[1].State.Kind())
}

func TestCDPStore_RejectsCorruptAmounts(t *testing.T) {
	db, mock := newMock(t)
	store := persistence.NewCDPStore(db)

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM ledger.cdps`).
		WillReturnRows(sqlmock.NewRows(cdpCols).AddRow(
			id.String(), "0xowner", "1.5", "0", "0", 15_000, 15_000, 0, "active", 1.0, "0", 1, 1, 1, 1, 1))

	_, err := store.LoadAll(context.Background())
	assert.ErrorContains(t, err, "collateral")
}

// ============================================================================
// PostgresIdempotencyChecker
// ============================================================================

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock := newMock(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)
	ctx := context.Background()

	q := `SELECT 1\s+FROM event_log.events\s+WHERE event_type = \$1 AND idempotency_key = \$2`

	mock.ExpectQuery(q).WithArgs("PriceUpdate", "price:1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	dup, err := checker.IsDuplicate(ctx, "PriceUpdate", "price:1")
	require.NoError(t, err)
	assert.True(t, dup)

	mock.ExpectQuery(q).WithArgs("PriceUpdate", "price:2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	dup, err = checker.IsDuplicate(ctx, "PriceUpdate", "price:2")
	require.NoError(t, err)
	assert.False(t, dup)

	mock.ExpectQuery(q).WillReturnError(errors.New("connection reset"))
	_, err = checker.IsDuplicate(ctx, "PriceUpdate", "price:3")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// PersistenceWorker
// ============================================================================

func record(seq int64, c *cdp.CDP) persistence.Record {
	rec := persistence.Record{
		Event: persistence.EventRow{
			Sequence:       seq,
			EventType:      "OperationRequested",
			IdempotencyKey: uuid.NewString(),
			Payload:        []byte(`{}`),
			StateHash:      []byte{byte(seq + 1)},
			PrevHash:       []byte{byte(seq)},
			Timestamp:      time.Unix(seq, 0),
		},
	}
	if c != nil {
		rec.Journals = []persistence.JournalRow{{
			JournalID: uuid.NewString(), BatchID: uuid.NewString(), EventRef: rec.Event.IdempotencyKey,
			Sequence: seq, DebitAccount: "cdp:x:collateral:COLLATERAL", CreditAccount: "external:collateral:COLLATERAL",
			AssetID: 1, Amount: "1000", JournalType: 0, Timestamp: seq,
		}}
		rec.CDPs = []persistence.CDPRow{{CDP: *c, Sequence: seq}}
	}
	return rec
}

func TestPersistenceWorker_FlushesFullBatchInOneTx(t *testing.T) {
	db, mock := newMock(t)

	in := make(chan persistence.Record, 4)
	worker := persistence.NewPersistenceWorker(db, in, 2, time.Hour, nil, zerolog.Nop())

	var committed []int64
	worker.OnCommit(func(batch []persistence.Record) {
		for _, r := range batch {
			committed = append(committed, r.Event.Sequence)
		}
	})

	c := testCDP(uuid.New(), 1)
	in <- record(0, nil)
	in <- record(1, &c)
	close(in)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO event_log.journal").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger.cdps").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, []int64{0, 1}, committed)
	assert.Equal(t, int64(1), worker.LastSequence())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceWorker_RetriesFailedFlush(t *testing.T) {
	db, mock := newMock(t)

	in := make(chan persistence.Record, 1)
	worker := persistence.NewPersistenceWorker(db, in, 1, time.Hour, nil, zerolog.Nop())
	assert.Equal(t, int64(-1), worker.LastSequence())

	in <- record(7, nil)
	close(in)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, int64(7), worker.LastSequence())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceWorker_FlushesPartialBatchOnClose(t *testing.T) {
	db, mock := newMock(t)

	in := make(chan persistence.Record, 1)
	worker := persistence.NewPersistenceWorker(db, in, 10, time.Hour, nil, zerolog.Nop())

	in <- record(3, nil)
	close(in)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, worker.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Migrator
// ============================================================================

func TestMigrator_AppliesPendingInOrder(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"000001_base.up.sql":    "CREATE TABLE a (id INT);",
		"000001_base.down.sql":  "DROP TABLE a;",
		"000002_more.up.sql":    "CREATE TABLE b (id INT);",
		"000002_more.down.sql":  "DROP TABLE b;",
		"000003_extra.up.sql":   "CREATE TABLE c (id INT);",
		"000003_extra.down.sql": "DROP TABLE c;",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}

	db, mock := newMock(t)
	m := persistence.NewMigrator(db, dir, zerolog.Nop())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.cdp_schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM public.cdp_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))

	for _, f := range []string{"000002_more.up.sql", "000003_extra.up.sql"} {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(files[f])).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO public.cdp_schema_migrations").
			WithArgs(f[:6], f).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	require.NoError(t, m.Up(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_Status(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_base.up.sql"), []byte("SELECT 1;"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000002_more.up.sql"), []byte("SELECT 2;"), 0o600))
	// no version prefix: ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed_data.up.sql"), []byte("SELECT 3;"), 0o600))

	db, mock := newMock(t)
	m := persistence.NewMigrator(db, dir, zerolog.Nop())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.True(t, status[0].Applied)
	assert.False(t, status[1].Applied)
	assert.Equal(t, "000002", status[1].Version)
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000002_more.down.sql"), []byte("DROP TABLE b;"), 0o600))

	db, mock := newMock(t)
	m := persistence.NewMigrator(db, dir, zerolog.Nop())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, filename FROM public.cdp_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_more.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE b;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM public.cdp_schema_migrations").WithArgs("000002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.Down(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
