// Command migrate applies or rolls back the tradeflow PostgreSQL schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tradeflow/internal/infra/config"
	"github.com/coachpo/tradeflow/internal/infra/persistence/migrations"
	"github.com/coachpo/tradeflow/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN; falls back to database.dsn from -config")
		cfgPath = fs.String("config", "", "Optional application config supplying the DSN")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	target, err := resolveDSN(ctx, *dsn, *cfgPath)
	if err != nil {
		return err
	}
	cmd, steps, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	var logger observability.Logger
	if !*quiet {
		zapLogger, err := observability.NewZapLogger(observability.ZapConfig{
			Level:    "info",
			Encoding: "console",
			Service:  "tradeflow-migrate",
		})
		if err != nil {
			return fmt.Errorf("initialise logger: %w", err)
		}
		defer func() {
			_ = zapLogger.Sync()
		}()
		logger = zapLogger
	}

	if cmd == "up" {
		return migrations.Apply(ctx, target, *dir, logger)
	}
	return migrations.Rollback(ctx, target, *dir, steps, logger)
}

func resolveDSN(ctx context.Context, flagDSN, cfgPath string) (string, error) {
	if dsn := strings.TrimSpace(flagDSN); dsn != "" {
		return dsn, nil
	}
	if strings.TrimSpace(cfgPath) == "" {
		return "", errors.New("-database flag is required")
	}
	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return "", fmt.Errorf("config %s uses the %s driver; nothing to migrate", cfgPath, cfg.Database.Driver)
	}
	return cfg.Database.DSN, nil
}

func parseCommand(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, errors.New("command required (up|down)")
	}
	switch args[0] {
	case "up":
		return "up", 0, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return "", 0, fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			if n <= 0 {
				return "", 0, fmt.Errorf("down steps must be positive, got %d", n)
			}
			steps = n
		}
		return "down", steps, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
