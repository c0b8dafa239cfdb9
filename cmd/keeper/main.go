package main

import (
	"Bastion/internal/config"
	"Bastion/internal/core"
	"Bastion/internal/ingestion"
	"Bastion/internal/keeper"
	"Bastion/internal/observability"
	"Bastion/internal/oracle"
	"context"
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configFile = flag.String("config", "", "path to config file")
	envPath    = flag.String("env-path", "", "directory holding .env files")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadKeeperConfig(*configFile, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("keeper", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure command streams")
	}

	verdicts := oracle.NewVerdictCache(metrics)
	verdictSub := ingestion.NewVerdictSubscriber(js, verdicts)
	if err := verdictSub.Subscribe(ctx, cfg.NATS.VerdictConsumer); err != nil {
		logger.Fatal().Err(err).Msg("subscribe verdicts")
	}
	defer verdictSub.Stop()

	var feed oracle.PriceFeed
	if cfg.Ethereum.RPCURL == "" {
		logger.Warn().Msg("ethereum.rpc_url not set, using static price feed")
		feed = oracle.NewStaticFeed()
	} else {
		client, err := ethclient.DialContext(ctx, cfg.Ethereum.RPCURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("dial ethereum rpc")
		}
		defer client.Close()
		if feed, err = oracle.NewChainlinkFeed(client, cfg.Ethereum.RetryMaxTotal, metrics); err != nil {
			logger.Fatal().Err(err).Msg("chainlink feed")
		}
	}

	k := keeper.New(keeper.Config{
		Caller:       common.HexToAddress(cfg.Keeper.Caller),
		ScanInterval: cfg.Keeper.ScanInterval,
		Workers:      cfg.Keeper.Workers,
		Limits: core.GateLimits{
			MaxPriceAge:     cfg.Engine.MaxPriceAge,
			MaxConsensusAge: cfg.Engine.MaxConsensusAge,
		},
	}, keeper.NewAPISource(cfg.Keeper.APIURL, 5*time.Second), feed, verdicts, js, metrics)

	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("keeper stopped")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutCtx)
	logger.Info().Msg("keeper shutdown complete")
}
