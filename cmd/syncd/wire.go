package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/synctrack/db/migrations"
	"github.com/coachpo/synctrack/internal/domain/ingeststore"
	"github.com/coachpo/synctrack/internal/domain/retrystore"
	"github.com/coachpo/synctrack/internal/domain/snapshotstore"
	"github.com/coachpo/synctrack/internal/domain/trackingstore"
	"github.com/coachpo/synctrack/internal/infra/config"
	"github.com/coachpo/synctrack/internal/infra/persistence"
	"github.com/coachpo/synctrack/internal/infra/persistence/memory"
	"github.com/coachpo/synctrack/internal/infra/persistence/migrations"
	"github.com/coachpo/synctrack/internal/infra/persistence/postgres"
	"github.com/coachpo/synctrack/internal/infra/remote"
	"github.com/coachpo/synctrack/internal/observability"
	"github.com/coachpo/synctrack/internal/sync/formcache"
	"github.com/coachpo/synctrack/internal/sync/ingest"
	"github.com/coachpo/synctrack/internal/sync/orchestrator"
	"github.com/coachpo/synctrack/internal/sync/retry"
	"github.com/coachpo/synctrack/internal/sync/tracking"
	"github.com/coachpo/synctrack/internal/telemetry"
)

const meterName = "github.com/coachpo/synctrack"

// stores groups the four state stores behind their domain interfaces.
type stores struct {
	snapshots snapshotstore.Store
	retries   retrystore.Store
	tracking  trackingstore.Store
	ingestion ingeststore.Store
}

// app holds every wired component of one process.
type app struct {
	cfg       config.AppConfig
	logger    *observability.ZapLogger
	telemetry *telemetry.Provider
	metrics   *telemetry.SyncMetrics
	pool      *pgxpool.Pool
	stores    stores
	audit     *observability.AuditRing
	client    *remote.Client
	queue     *retry.Queue
	orch      *orchestrator.Orchestrator
	pipeline  *ingest.Pipeline
}

func newLogger(cfg config.LoggingConfig) (*observability.ZapLogger, error) {
	logger, err := observability.NewZapLogger(
		observability.WithLogLevel(cfg.Level),
		observability.WithLogFormat(cfg.Format),
	)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	observability.SetLogger(logger)
	return logger, nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Info("telemetry initialized",
			observability.Field{Key: "endpoint", Value: telemetryCfg.OTLPEndpoint},
			observability.Field{Key: "service", Value: telemetryCfg.ServiceName},
		)
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// openStores connects the configured backend. Postgres migrations run first
// when the config asks for them.
func openStores(ctx context.Context, logger *observability.ZapLogger, cfg config.DatabaseConfig) (stores, *pgxpool.Pool, error) {
	if cfg.Driver == config.DriverMemory {
		logger.Info("using in-memory state stores")
		mem := memory.New(nil)
		return stores{
			snapshots: mem.Snapshots(),
			retries:   mem.Retries(),
			tracking:  mem.Tracking(),
			ingestion: mem.Ingestion(),
		}, nil, nil
	}

	if cfg.RunMigrations {
		if err := migrations.ApplyFS(ctx, cfg.DSN, dbmigrations.Files, zap.NewStdLog(logger.Zap())); err != nil {
			return stores{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := persistence.Open(ctx, cfg.DSN, persistence.PoolOptions{
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return stores{}, nil, err
	}
	postgres.ObservePoolMetrics(pool, "synctrack")
	pg := postgres.New(pool)
	return stores{
		snapshots: pg.Snapshots(),
		retries:   pg.Retries(),
		tracking:  pg.Tracking(),
		ingestion: pg.Ingestion(),
	}, pool, nil
}

// build wires the full component graph from cfg.
func build(ctx context.Context, cfg config.AppConfig) (*app, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	logger.Info("configuration initialised",
		observability.Field{Key: "environment", Value: string(cfg.Environment)},
		observability.Field{Key: "database", Value: string(cfg.Database.Driver)},
		observability.Field{Key: "feeds", Value: len(cfg.Ingestion.Feeds)},
	)

	if a.telemetry, err = initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry); err != nil {
		return nil, err
	}
	if a.metrics, err = telemetry.NewSyncMetrics(a.telemetry.Meter(meterName)); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if a.stores, a.pool, err = openStores(ctx, logger, cfg.Database); err != nil {
		return nil, err
	}

	a.audit = observability.NewAuditRing(cfg.Remote.AuditCapacity)
	a.client, err = remote.NewClient(remote.Config{
		BaseURL:        cfg.Remote.BaseURL,
		Timeout:        cfg.Remote.Timeout,
		MaxAttempts:    cfg.Remote.MaxAttempts,
		InitialBackoff: cfg.Remote.InitialBackoff,
		MaxBackoff:     cfg.Remote.MaxBackoff,
		RatePerSecond:  cfg.Remote.RatePerSecond,
		Burst:          cfg.Remote.Burst,
		OAuth: remote.OAuthConfig{
			ClientID:     cfg.Remote.OAuth.ClientID,
			ClientSecret: cfg.Remote.OAuth.ClientSecret,
			TokenURL:     cfg.Remote.OAuth.TokenURL,
			Scopes:       cfg.Remote.OAuth.Scopes,
		},
	}, remote.WithEventLog(remote.RingLog{Ring: a.audit}), remote.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("remote client: %w", err)
	}

	var forms *formcache.Cache
	if cfg.Remote.Form.ID != "" {
		if forms, err = formcache.New(a.client, cfg.Remote.Form.CacheSize, cfg.Remote.Form.CacheTTL); err != nil {
			return nil, fmt.Errorf("form cache: %w", err)
		}
	}

	a.queue = retry.NewQueue(a.stores.retries,
		retry.WithMaxRetryCount(cfg.Retry.MaxRetryCount),
		retry.WithBatchSize(cfg.Retry.BatchSize),
		retry.WithLogger(logger),
		retry.WithMetrics(a.metrics),
	)
	a.orch, err = orchestrator.New(orchestrator.Deps{
		Snapshots: a.stores.snapshots,
		Queue:     a.queue,
		Tracking:  tracking.NewMachine(a.stores.tracking, logger),
		Remote:    a.client,
		SSN:       a.client,
		Forms:     forms,
		Form:      formcache.Key{FormID: cfg.Remote.Form.ID, FormVersionID: cfg.Remote.Form.VersionID},
		Logger:    logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	a.pipeline = ingest.NewPipeline(a.stores.ingestion, a.client, a.client, a.client,
		ingest.WithPartitionSize(cfg.Ingestion.PartitionSize),
		ingest.WithMaxBatchRetries(cfg.Ingestion.MaxBatchRetries),
		ingest.WithBatchLimit(cfg.Ingestion.BatchLimit),
		ingest.WithWorkers(cfg.Ingestion.Workers.Count()),
		ingest.WithLogger(logger),
		ingest.WithMetrics(a.metrics),
	)
	return a, nil
}

// health pings the database when one is configured.
func (a *app) health(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// close releases the pool, flushes telemetry and syncs the logger.
func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error("telemetry shutdown failed", observability.Field{Key: "error", Value: err})
		}
	}
	_ = a.logger.Sync()
}
