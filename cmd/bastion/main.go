package main

import (
	"Bastion/internal/config"
	"Bastion/internal/core"
	"Bastion/internal/ingestion"
	"Bastion/internal/ledger"
	"Bastion/internal/observability"
	"Bastion/internal/oracle"
	"Bastion/internal/persistence"
	"Bastion/internal/projection"
	"Bastion/internal/query"
	"Bastion/internal/server"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	configFile         = flag.String("config", "", "path to config file")
	envPath            = flag.String("env-path", "", "directory holding .env files")
	migrationsDir      = flag.String("migrations-dir", "migrations", "path to SQL migrations")
	rebuildProjections = flag.Bool("rebuild-projections", false, "truncate and rebuild read-model projections from the event log, then exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadBastionConfig(*configFile, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("bastion", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().Msg("Bastion starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres: event log ---
	db, err := openEventLog(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("event log connect")
	}
	defer db.Close()
	logger.Info().Msg("event log connected")

	migrator := persistence.NewMigrator(db, *migrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("migrations applied")

	// --- Postgres: read model ---
	pool, err := openReadModel(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("read model connect")
	}
	defer pool.Close()

	if *rebuildProjections {
		if err := projection.RebuildProjections(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}
		logger.Info().Msg("projections rebuilt")
		return
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("event_log", db.PingContext)
	healthChecker.AddCheck("read_model", pool.Ping)

	// --- Oracles ---
	feed, err := newPriceFeed(ctx, cfg.Ethereum, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("price feed")
	}
	verdicts := oracle.NewVerdictCache(metrics)

	// --- Engine + processor ---
	custody := common.HexToAddress(cfg.Engine.Custody)
	vault := ledger.NewVault(custody)
	engine, err := core.NewEngine(core.EngineConfig{
		Admin:       common.HexToAddress(cfg.Engine.Admin),
		Collector:   common.HexToAddress(cfg.Engine.Collector),
		PayoutToken: common.HexToAddress(cfg.Engine.PayoutToken),
		Custody:     custody,
		Depositor:   common.HexToAddress(cfg.Engine.Depositor),
		MinPremium:  cfg.Engine.MinPremium,
		Limits:      gateLimits(cfg.Engine),
	}, vault, feed, verdicts, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("engine")
	}

	// Persist blocks (backpressure); projection drops when full.
	persistChan := make(chan core.CoreOutput, cfg.Processor.ChannelBuffer)
	projectionChan := make(chan core.CoreOutput, cfg.Processor.ChannelBuffer)
	publishChan := make(chan core.CoreOutput, cfg.Processor.ChannelBuffer)
	submitChan := make(chan core.Submission, cfg.Processor.ChannelBuffer)

	proc := core.NewProcessor(core.ProcessorConfig{
		LRUCapacity:            cfg.Processor.LRUCapacity,
		InvariantCheckInterval: cfg.Processor.InvariantCheckInterval,
	}, engine, vault, persistChan, projectionChan, persistence.NewPostgresIdempotencyChecker(db), metrics)

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	stats, err := persistence.Recover(ctx, proc, snapMgr, 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}
	metrics.ReplayEventsTotal.Add(float64(stats.Replayed))

	snapshots := newSnapshotWriter(snapMgr, metrics, stats.NextSequence-1)
	proc.SetSnapshotHook(cfg.Processor.SnapshotInterval, snapshots.Hook)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})
	logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure command streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	verdictSub := ingestion.NewVerdictSubscriber(js, verdicts)
	if err := verdictSub.Subscribe(ctx, cfg.NATS.VerdictConsumer); err != nil {
		logger.Fatal().Err(err).Msg("subscribe verdicts")
	}

	rawChan := make(chan ingestion.RawEvent, cfg.Processor.ChannelBuffer)
	commandSub := ingestion.NewNATSSubscriber(js, rawChan)
	if err := commandSub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("subscribe commands")
	}

	// --- Services ---
	ingestService := ingestion.NewGRPCIngestService(submitChan)
	settlement := server.NewSettlementService(ingestService, engine, query.NewQueryService(pool))
	srv := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Service:       settlement,
		Auth:          server.NewAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer),
		Metrics:       metrics,
		HealthChecker: healthChecker,
	})

	// --- Goroutines ---
	// The processor and the workers behind it run on their own contexts so
	// shutdown can stop ingress first and drain the log before exiting.
	errChan := make(chan error, 16)
	coreCtx, coreCancel := context.WithCancel(context.Background())
	defer coreCancel()
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// 1. Persistence worker, forwarding durable outputs to the publisher
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Processor.PersistBatchSize, cfg.Processor.PersistFlushInterval, metrics)
	persistWorker.SetForward(publishChan)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(pool, projectionChan, metrics)
	go run(workerCtx, errChan, "projection worker", projWorker.Run)

	// 3. Outbound publisher
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
	go run(workerCtx, errChan, "outbound publisher", publisher.Run)

	// 4. Snapshot writer
	go run(workerCtx, errChan, "snapshot writer", snapshots.Run)

	// 5. Processor
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		if err := proc.Run(coreCtx, submitChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("processor: %w", err)
		}
	}()

	// 6. NATS command router
	router := ingestion.NewRouter(submitChan)
	go run(ctx, errChan, "router", func(ctx context.Context) error {
		return router.Run(ctx, rawChan)
	})

	// 7. gRPC server
	go run(ctx, errChan, "grpc server", srv.StartGRPC)

	// 8. HTTP gateway
	go run(ctx, errChan, "http gateway", srv.StartHTTPGateway)

	// 9. Prometheus metrics server
	go run(ctx, errChan, "metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.Server.MetricsAddr, logger)
	})

	// 10. Channel utilization gauges
	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"submit":     func() (int, int) { return len(submitChan), cap(submitChan) },
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
	})

	srv.SetServing(true)
	healthChecker.SetReady(true)

	logger.Info().
		Int64("next_sequence", stats.NextSequence).
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int64("replayed", stats.Replayed).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("Bastion ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop ingress, then the processor, then drain persistence before the
	// final snapshot so it can be verified against the log.
	healthChecker.SetReady(false)
	srv.SetServing(false)
	commandSub.Stop()
	verdictSub.Stop()
	cancel()

	coreCancel()
	<-procDone

	// The processor was the only sender.
	close(persistChan)
	close(projectionChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence drain timed out")
	}

	if err := snapshots.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	workerCancel()

	logger.Info().Int64("next_sequence", proc.NextSequence()).Msg("Bastion shutdown complete")
}

// run starts fn and reports any error other than cancellation.
func run(ctx context.Context, errChan chan<- error, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errChan <- fmt.Errorf("%s: %w", name, err)
	}
}

func openEventLog(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.EventLogDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func openReadModel(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.ReadModelDSN)
	if err != nil {
		return nil, fmt.Errorf("parse read model dsn: %w", err)
	}
	if cfg.PoolMaxConns > 0 {
		pcfg.MaxConns = cfg.PoolMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping read model: %w", err)
	}
	return pool, nil
}

// newPriceFeed reads Chainlink aggregators when an RPC endpoint is
// configured. Without one, prices come from an empty static feed and every
// payout fails the price check.
func newPriceFeed(ctx context.Context, cfg config.EthereumConfig, metrics *observability.Metrics, logger zerolog.Logger) (oracle.PriceFeed, error) {
	if cfg.RPCURL == "" {
		logger.Warn().Msg("ethereum.rpc_url not set, using static price feed")
		return oracle.NewStaticFeed(), nil
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return oracle.NewChainlinkFeed(client, cfg.RetryMaxTotal, metrics)
}

func gateLimits(cfg config.EngineConfig) core.GateLimits {
	return core.GateLimits{
		MaxPriceAge:     cfg.MaxPriceAge,
		MaxConsensusAge: cfg.MaxConsensusAge,
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
