// Package app wires configuration into stores and services.
package app

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/compliance"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/archive"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/cache"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/config"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/database"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/directory"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/keys"
	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/memory"
	"github.com/davidleathers/edu-compliance-ledger/internal/metrics"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/dsr"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/export"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/ledger"
	"github.com/davidleathers/edu-compliance-ledger/internal/service/report"
)

// MeterName is the OTel meter every ledger instrument hangs off.
const MeterName = "edu-compliance-ledger"

// Directory answers the subject lookups the ledger and reports depend on.
type Directory interface {
	ledger.AgeVerifier
	report.ConsentRegistry
}

// App is the assembled service graph.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Registry
	Keys    *keys.Provider
	Engine  *audit.HashChainEngine

	Ledger   *ledger.Service
	Reports  *report.Service
	Requests *dsr.Service
	Exports  *export.Service

	// Sink is nil unless an export bucket is configured.
	Sink      export.Sink
	Directory Directory
	Cache     *cache.RecordCache
	// DB is nil with the memory driver.
	DB *database.ConnectionPool

	repo    ledger.Repository
	closers []func() error
}

type stores struct {
	ledger   ledger.Repository
	reports  compliance.ReportRepository
	requests compliance.RequestRepository
}

// New builds the application from cfg. Close releases everything it opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Metrics, err = metrics.NewRegistry(MeterName); err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	if a.Keys, err = newKeyProvider(cfg.Signing, logger); err != nil {
		return nil, err
	}
	a.Engine = audit.NewHashChainEngine(a.Keys)

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	a.repo = st.ledger

	ledgerOpts := []ledger.Option{ledger.WithMetrics(a.Metrics)}
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)

		if a.Cache, err = cache.NewRecordCache(client, logger, cache.RecordCacheConfig{
			TTL:       cfg.Redis.RecordTTL,
			TTLJitter: cfg.Redis.RecordTTL / 10,
		}); err != nil {
			return nil, err
		}
		ledgerOpts = append(ledgerOpts, ledger.WithCache(a.Cache), ledger.WithTailPublisher(a.Cache))

		if a.Directory, err = newRedisDirectory(client, logger); err != nil {
			return nil, err
		}
	} else {
		a.Directory = directory.NewStatic(nil, nil)
	}
	ledgerOpts = append(ledgerOpts, ledger.WithAgeVerifier(a.Directory))

	a.Ledger, err = ledger.NewService(ledger.Config{AppendTimeout: cfg.Ledger.AppendTimeout},
		st.ledger, a.Engine, logger.Named("ledger"), ledgerOpts...)
	if err != nil {
		return nil, err
	}

	a.Exports = export.NewService(a.Ledger, a.Engine, logger.Named("export"), export.WithMetrics(a.Metrics))

	a.Reports, err = report.NewService(report.Config{BulkAccessThreshold: cfg.Report.BulkAccessThreshold},
		a.Ledger, a.Engine, st.reports, logger.Named("report"),
		report.WithConsentRegistry(a.Directory), report.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}

	a.Requests, err = dsr.NewService(dsr.Config{
		Appeals: compliance.AppealPolicy{
			Window:     cfg.DSR.AppealWindow,
			MaxAppeals: cfg.DSR.MaxAppeals,
		},
		DefaultComplianceType: audit.ComplianceType(cfg.DSR.DefaultComplianceType),
	}, st.requests, a.Ledger, a.Exports, logger.Named("dsr"), dsr.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}

	if cfg.Export.S3Bucket != "" {
		sink, err := archive.NewS3Sink(ctx, archive.Config{
			Bucket:   cfg.Export.S3Bucket,
			Prefix:   cfg.Export.S3Prefix,
			Region:   cfg.Export.S3Region,
			Endpoint: cfg.Export.S3Endpoint,
		}, logger.Named("archive"))
		if err != nil {
			return nil, err
		}
		a.Sink = sink
	}

	logger.Info("application assembled",
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.String("signing_key", a.Keys.KeyID()),
		zap.Bool("export_sink", a.Sink != nil),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	switch a.Config.Storage.Driver {
	case config.DriverPostgres:
		pool, err := database.NewConnectionPool(ctx, database.Config{
			URL:      a.Config.Storage.DatabaseURL,
			MaxConns: a.Config.Storage.MaxConns,
		}, a.Logger.Named("database"))
		if err != nil {
			return nil, err
		}
		a.DB = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return &stores{
			ledger:   database.NewLedgerRepository(pool, a.Config.Storage.QueryBatchSize),
			reports:  database.NewReportRepository(pool),
			requests: database.NewRequestRepository(pool),
		}, nil
	case config.DriverMemory, "":
		a.Logger.Warn("using in-memory storage; the ledger is lost on exit")
		return &stores{
			ledger:   memory.NewLedgerRepository(),
			reports:  memory.NewReportRepository(),
			requests: memory.NewRequestRepository(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
	}
}

func newKeyProvider(cfg config.SigningConfig, logger *zap.Logger) (*keys.Provider, error) {
	provider, err := newSigningKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	for keyID, encoded := range cfg.VerificationKeys {
		pub, err := keys.ParsePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("signing.verification_keys.%s: %w", keyID, err)
		}
		if err := provider.AddVerificationKey(keyID, pub); err != nil {
			return nil, fmt.Errorf("signing.verification_keys.%s: %w", keyID, err)
		}
		logger.Info("registered verification key", zap.String("key_id", keyID))
	}
	return provider, nil
}

func newSigningKey(cfg config.SigningConfig, logger *zap.Logger) (*keys.Provider, error) {
	switch {
	case cfg.Seed != "":
		seed, err := keys.ParseSeed(cfg.Seed)
		if err != nil {
			return nil, err
		}
		return keys.NewStaticProvider(cfg.KeyID, seed)
	case cfg.MasterSecret != "":
		return keys.NewDerivedProvider(cfg.KeyID, []byte(cfg.MasterSecret))
	default:
		logger.Warn("no signing key configured; generating an ephemeral key",
			zap.String("key_id", cfg.KeyID))
		return keys.NewEphemeralProvider(cfg.KeyID)
	}
}

func newRedisDirectory(client *redis.Client, logger *zap.Logger) (Directory, error) {
	return directory.NewRedisDirectory(client, logger.Named("directory"))
}

// SeedChainMetrics initializes the chain gauges before the first append,
// preferring the shared Redis snapshot over a storage read.
func (a *App) SeedChainMetrics(ctx context.Context) error {
	if a.Cache != nil {
		tail, ok, err := a.Cache.Tail(ctx)
		if err != nil {
			a.Logger.Warn("chain tail snapshot unavailable", zap.Error(err))
		} else if ok {
			a.Metrics.SetChainTail(tail.Sequence, tail.PerformedAt)
			return nil
		}
	}

	tail, err := a.repo.Tail(ctx)
	if err != nil {
		return err
	}
	a.Metrics.SetChainTail(tail.Sequence, tail.PerformedAt)
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}
