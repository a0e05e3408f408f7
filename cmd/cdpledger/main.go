package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("cdpledger")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("cdpledger stopped")
	}
	logger.Info().Msg("cdpledger shutdown complete")
}

func run(logger zerolog.Logger) error {
	logger.Info().Msg("cdpledger starting")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	catalog := config.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = config.LoadCatalog(cfg.CatalogPath); err != nil {
			return fmt.Errorf("collateral catalog: %w", err)
		}
	}
	logger.Info().Strs("collateral_types", catalog.Names()).Msg("collateral catalog loaded")

	// ingestCtx stops everything that feeds the core; workerCtx is cancelled
	// only after the pipeline has drained.
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ingestCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ingestCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// persist channel blocks (backpressure), projection channel drops
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistRecords := make(chan persistence.Record, cfg.PersistChanSize)
	projectionOutputs := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.ProjectionChanSize)

	// --- Deterministic core + recovery ---
	deterministicCore := core.NewDeterministicCore(
		core.Config{
			LRUCapacity:           cfg.IdempotencyLRUCapacity,
			MinPriceConfidenceBps: cfg.MinPriceConfidenceBps,
			Params: core.SystemParams{
				MaxAmountAllowed: cfg.MaxAmountAllowed,
				SafetyBuffer:     fpmath.NewRatio(cfg.SafetyBufferBps),
			},
		},
		persistCoreChan,
		projectionCoreChan,
		persistence.NewPostgresIdempotencyChecker(db),
		catalog,
		metrics,
		logger.With().Str("component", "core").Logger(),
	)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ingestCtx, deterministicCore, snapMgr, persistence.NewCDPStore(db), metrics, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ingestCtx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ingestCtx, js, logger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawEvents := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEvents, logger)

	// --- Services ---
	history := projection.NewOperationHistory(10_000)
	queryService := query.NewQueryService(db, history, metrics)
	natsEvents := make(chan event.Event, cfg.IngestChanSize)
	manualEvents := make(chan event.Event, cfg.IngestChanSize)
	ingestService := ingestion.NewIngestService(manualEvents)

	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:         queryService,
		Ingest:        ingestService,
		HealthChecker: healthChecker,
		RebuildProjections: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, logger)
		},
		LatestSequence: snapMgr.GetLatestSequence,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	// --- Workers ---
	var workers sync.WaitGroup
	errChan := make(chan error, 8)

	persistWorker := persistence.NewPersistenceWorker(db, persistRecords, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, logger.With().Str("component", "persistence").Logger())
	persistWorker.OnCommit(publishCommitted(publishChan, metrics))

	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionOutputs, history, metrics, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		projWorker.Run(workerCtx)
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		publisher.Run(workerCtx)
	}()

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		runBridge(persistCoreChan, projectionCoreChan, persistRecords, projectionOutputs, metrics, logger)
	}()

	// --- Core loop ---
	snaps := newSnapshotter(snapMgr, persistWorker.LastSequence, cfg.SnapshotInterval,
		deterministicCore.GetSequence(), metrics, logger.With().Str("component", "snapshot").Logger())

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		runCore(ingestCtx, deterministicCore, natsEvents, manualEvents, snaps, metrics, logger)
	}()

	if err := natsSubscriber.Subscribe(ingestCtx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	go runParser(ingestCtx, rawEvents, natsEvents, logger)

	// --- Servers ---
	go func() {
		if err := srv.StartGRPC(ingestCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ingestCtx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go serveMetrics(ingestCtx, cfg.MetricsAddr, errChan, logger)

	healthChecker.SetReady(true)
	srv.SetServing(true)

	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("cdpledger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core finish, drain persistence, snapshot, then
	// stop the remaining workers.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	natsSubscriber.Stop()
	stopIngest()
	<-coreDone

	close(persistCoreChan)
	close(projectionCoreChan)
	<-bridgeDone
	<-persistDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := snaps.final(shutdownCtx, deterministicCore); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	close(publishChan)
	waitTimeout(&workers, 10*time.Second)
	stopWorkers()

	return runErr
}

// recoverCore restores the latest snapshot, replays the log after it and
// cross-checks the CDP read model against the rebuilt book.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	store *persistence.CDPStore,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()
	fromSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		// A broken snapshot only costs a longer replay
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying full log")
		snap = nil
	}
	if snap != nil {
		state, err := snap.ToCore()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := c.RestoreFromSnapshot(state); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		fromSequence = snap.Sequence + 1
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := replayEventsFromLog(ctx, snapMgr, c, fromSequence, metrics)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	mismatched, err := crossCheckReadModel(ctx, c, store, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("read model cross-check failed")
	}

	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Int("read_model_mismatches", mismatched).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// crossCheckReadModel compares persisted CDP rows with the rebuilt book.
// Rows are written in the same transaction as their events, so any
// difference points at manual edits to ledger.cdps.
func crossCheckReadModel(ctx context.Context, c *core.DeterministicCore, store *persistence.CDPStore, logger zerolog.Logger) (int, error) {
	rows, err := store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	mismatched := 0
	for _, row := range rows {
		live, ok := c.GetCDP(row.ID)
		switch {
		case !ok:
			mismatched++
			logger.Warn().Str("cdp_id", row.ID.String()).Msg("read model has a cdp the log does not")
		case live.Version != row.Version:
			mismatched++
			logger.Warn().
				Str("cdp_id", row.ID.String()).
				Int64("log_version", live.Version).
				Int64("row_version", row.Version).
				Msg("read model version differs from log")
		}
	}
	return mismatched, nil
}

// runCore is the only goroutine that touches the core after recovery
func runCore(
	ctx context.Context,
	c *core.DeterministicCore,
	natsEvents, manualEvents <-chan event.Event,
	snaps *snapshotter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		var evt event.Event
		select {
		case <-ctx.Done():
			return
		case evt = <-natsEvents:
		case evt = <-manualEvents:
		}

		if err := c.ProcessEvent(evt); err != nil {
			var rejected *core.RejectedError
			if errors.As(err, &rejected) {
				logger.Debug().Err(err).Str("key", evt.IdempotencyKey()).Msg("event rejected")
			} else {
				logger.Error().Err(err).
					Str("type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("event not processed")
			}
		}

		if metrics != nil {
			metrics.SetChannelMetrics("nats_events", len(natsEvents), cap(natsEvents))
			metrics.SetChannelMetrics("manual_events", len(manualEvents), cap(manualEvents))
		}
		snaps.maybeSnapshot(ctx, c)
	}
}

func serveMetrics(ctx context.Context, addr string, errChan chan<- error, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
