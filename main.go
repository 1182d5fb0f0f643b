package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/edu-compliance-ledger/internal/app"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/config"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/database"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/telemetry"
	"github.com/davidleathers/edu-compliance-ledger/internal/metrics"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/integrity"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to setup logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("application failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting edu compliance ledger",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment))

	provider, err := telemetry.Initialize(ctx, &telemetry.Config{
		ServiceName:    app.MeterName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  30 * time.Second,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()

	if err := a.SeedChainMetrics(ctx); err != nil {
		return fmt.Errorf("reading chain tail: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.NewChainCollector(a.Metrics).Register(reg); err != nil {
		return err
	}
	if a.DB != nil {
		reg.MustRegister(database.NewMonitor(a.DB, logger.Named("database"), 0))
	}

	g, ctx := errgroup.WithContext(ctx)

	healthy := func() bool { return true }
	if cfg.Ledger.VerifyInterval > 0 {
		monitor, err := integrity.NewMonitor(integrity.Config{
			Interval:       cfg.Ledger.VerifyInterval,
			FullSweepEvery: cfg.Ledger.FullSweepEvery,
		}, a.Ledger, logger.Named("integrity"))
		if err != nil {
			return err
		}
		healthy = func() bool { return monitor.Status().Healthy }
		g.Go(func() error { return monitor.Run(ctx) })
	}

	g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, reg, healthy, logger) })
	return g.Wait()
}

// serveMetrics serves /metrics and /healthz until ctx is cancelled. /healthz
// fails once the integrity monitor has seen a broken chain.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, healthy func() bool, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !healthy() {
			http.Error(w, "ledger integrity check failed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
