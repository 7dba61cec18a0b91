// Package migrations wires golang-migrate execution for synctrack's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/synctrack/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errNilSource    = errors.New("migrations source required")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// rollbackAll asks run to revert every applied migration.
const rollbackAll = math.MinInt32

type sourceFactory func(*sql.DB) (*migrate.Migrate, string, error)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	factory, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, factory, 0, logger)
}

// Rollback reverts steps migrations from migrationsDir. steps <= 0 reverts everything.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	factory, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return run(ctx, dsn, factory, rollbackAll, logger)
	}
	return run(ctx, dsn, factory, -steps, logger)
}

// ApplyFS applies migrations stored in fsys, typically the embedded db/migrations set.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	factory, err := fsSource(fsys)
	if err != nil {
		return err
	}
	return run(ctx, dsn, factory, 0, logger)
}

// RollbackFS reverts steps migrations stored in fsys. steps <= 0 reverts everything.
func RollbackFS(ctx context.Context, dsn string, fsys fs.FS, steps int, logger *log.Logger) error {
	factory, err := fsSource(fsys)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return run(ctx, dsn, factory, rollbackAll, logger)
	}
	return run(ctx, dsn, factory, -steps, logger)
}

func dirSource(migrationsDir string) (sourceFactory, error) {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return nil, err
	}
	return func(db *sql.DB) (*migrate.Migrate, string, error) {
		driver, err := newDriver(db)
		if err != nil {
			return nil, "", err
		}
		m, err := migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
		if err != nil {
			return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
		}
		return m, resolvedDir, nil
	}, nil
}

func fsSource(fsys fs.FS) (sourceFactory, error) {
	if fsys == nil {
		return nil, errNilSource
	}
	return func(db *sql.DB) (*migrate.Migrate, string, error) {
		src, err := iofs.New(fsys, ".")
		if err != nil {
			return nil, "", fmt.Errorf("open embedded migrations: %w", err)
		}
		driver, err := newDriver(db)
		if err != nil {
			return nil, "", err
		}
		m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
		if err != nil {
			return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
		}
		return m, "embedded", nil
	}, nil
}

func newDriver(db *sql.DB) (database.Driver, error) {
	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	return driver, nil
}

// run applies all pending migrations when steps == 0, otherwise rolls back -steps
// migrations or everything for rollbackAll.
func run(ctx context.Context, dsn string, factory sourceFactory, steps int, logger *log.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	m, origin, err := factory(db)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	direction := "up"
	var runErr error
	switch {
	case steps == 0:
		if logger != nil {
			logger.Printf("running database migrations: path=%s", origin)
		}
		runErr = m.Up()
	case steps == rollbackAll:
		direction = "down"
		if logger != nil {
			logger.Printf("reverting all database migrations: path=%s", origin)
		}
		runErr = m.Down()
	default:
		direction = "down"
		if logger != nil {
			logger.Printf("reverting %d database migrations: path=%s", -steps, origin)
		}
		runErr = m.Steps(steps)
	}

	if runErr != nil {
		if errors.Is(runErr, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop", origin)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed", origin)
		return fmt.Errorf("%s migrations: %w", direction, runErr)
	}

	if logger != nil {
		logger.Printf("database migrations %s completed", direction)
	}
	recordMigrationMetric(ctx, direction, "applied", origin)
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("synctrack_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
