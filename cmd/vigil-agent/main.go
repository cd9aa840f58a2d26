package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigilstack/vigil-agent/internal/api"
	"github.com/vigilstack/vigil-agent/internal/cache"
	"github.com/vigilstack/vigil-agent/internal/classifiers"
	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/engine"
	"github.com/vigilstack/vigil-agent/internal/ingest"
	"github.com/vigilstack/vigil-agent/internal/metrics"
	"github.com/vigilstack/vigil-agent/internal/oracle"
	"github.com/vigilstack/vigil-agent/internal/policy"
	"github.com/vigilstack/vigil-agent/internal/store"
	"github.com/vigilstack/vigil-agent/internal/utils"
)

func main() {
	var (
		configPath string
		once       bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run a single decision cycle and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting vigil-agent", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := store.Open(cfg.Store.Path, utils.ComponentLogger(logger, "store"))
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		provider := cache.NewMemoryProvider()
		cacheProvider = provider
		defer provider.Close()
	}

	registry, err := oracle.NewRegistry(oracle.DefaultTools()...)
	if err != nil {
		logger.Error("invalid tool registry", slog.Any("error", err))
		os.Exit(1)
	}
	oracleClient := oracle.NewClient(
		cfg.Oracle.BaseURL,
		cfg.Oracle.DecidePath,
		cfg.Oracle.APIKey,
		cfg.Oracle.Model,
		cfg.Oracle.Timeout,
		cfg.Oracle.MaxRetries,
		registry,
	)

	policyEngine, err := policy.NewEngine(cfg.Policy.ExtraDenyPath, utils.ComponentLogger(logger, "policy"))
	if err != nil {
		logger.Error("failed to load policy", slog.Any("error", err))
		os.Exit(1)
	}
	sandbox := policy.NewSandbox(cfg.Policy.ExecTimeout, cfg.Policy.MaxOutputBytes, cfg.Policy.DryRun, utils.ComponentLogger(logger, "sandbox"))

	loop := engine.New(cfg.Engine, engine.Deps{
		Store:    db,
		Cache:    cacheProvider,
		CacheTTL: cfg.Cache.BaselineTTL,
		Oracle:   oracleClient,
		Policy:   policyEngine,
		Executor: sandbox,
	}, utils.ComponentLogger(logger, "engine"))

	if once {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		loop.RefreshBaselines(ctx)
		trace, err := loop.RunCycle(ctx)
		if err != nil {
			logger.Error("cycle failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("cycle finished",
			slog.String("trace_id", trace.TraceID),
			slog.String("status", string(trace.Status)),
			slog.String("message", trace.StatusMessage))
		return
	}

	listener := ingest.NewListener(cfg.Ingest.Network, cfg.Ingest.Address, classifiers.NewSet(cfg.Classifiers), db, utils.ComponentLogger(logger, "ingest"))

	server, err := api.NewServer(cfg.Server)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("ingest listener starting",
			slog.String("network", cfg.Ingest.Network),
			slog.String("address", cfg.Ingest.Address))
		if serveErr := listener.Serve(ctx); serveErr != nil && !errors.Is(serveErr, context.Canceled) {
			logger.Error("ingest listener exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	go func() {
		if runErr := loop.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("decision loop exited", slog.Any("error", runErr))
			stop()
		}
	}()

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("vigil-agent stopped")
}
