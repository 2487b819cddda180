// Package migrations wires golang-migrate execution for the tradeflow schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/tradeflow/db/migrations"
	"github.com/coachpo/tradeflow/internal/observability"
	"github.com/coachpo/tradeflow/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the latest migration. An empty
// migrationsDir uses the migrations embedded in the binary.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	logger = observability.OrDefault(logger)
	m, source, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("running database migrations", observability.F("source", source))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", "up")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", "up")
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied successfully")
	recordMigrationMetric(ctx, "applied", "up")
	return nil
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0, got %d", steps)
	}
	logger = observability.OrDefault(logger)
	m, source, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("rolling back database migrations", observability.F("source", source), observability.F("steps", steps))
	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", "down")
			return nil
		}
		recordMigrationMetric(ctx, "failed", "down")
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied", "down")
	return nil
}

func open(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) (*migrate.Migrate, string, func(), error) {
	resolvedDir := ""
	if strings.TrimSpace(migrationsDir) != "" {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", nil, err
		}
		resolvedDir = dir
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, "", nil, fmt.Errorf("migrations dsn required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.F("error", cerr))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var (
		m      *migrate.Migrate
		source string
	)
	if resolvedDir == "" {
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("load embedded migrations: %w", serr)
		}
		source = "embedded"
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		source = fileURL(resolvedDir)
		m, err = migrate.NewWithDatabaseInstance(source, "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	closeFn := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.F("error", dbErr))
		}
		closeDB()
	}
	return m, source, closeFn, nil
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

func recordMigrationMetric(ctx context.Context, result, direction string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("tradeflow/migrations")
		counter, err := meter.Int64Counter("tradeflow.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
		telemetry.AttrDirection.String(direction),
	))
}
