// Command tradeflow launches the trade order submission service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradeflow/internal/app/submission"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
	"github.com/coachpo/tradeflow/internal/infra/adapters/executionsvc"
	"github.com/coachpo/tradeflow/internal/infra/config"
	"github.com/coachpo/tradeflow/internal/infra/persistence/memory"
	"github.com/coachpo/tradeflow/internal/infra/persistence/migrations"
	"github.com/coachpo/tradeflow/internal/infra/persistence/postgres"
	"github.com/coachpo/tradeflow/internal/infra/resilience"
	httpserver "github.com/coachpo/tradeflow/internal/infra/server/http"
	"github.com/coachpo/tradeflow/internal/observability"
	"github.com/coachpo/tradeflow/internal/telemetry"
	"github.com/coachpo/tradeflow/lib/async"
)

const (
	defaultConfigPath        = "config/app.yaml"
	bootstrapLoggerPrefix    = "tradeflow "
	submissionPoolName       = "submission"
	metricsPoolName          = "metrics"
	executionServiceName     = "execution-service"
	meterName                = "tradeflow/submission"
	shutdownTimeout          = 45 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	databaseShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

// configureDecimalJSON makes decimals encode as JSON numbers, the format the execution
// service and API clients exchange quantities and prices in.
func configureDecimalJSON() {
	decimal.MarshalJSONWithoutQuotes = true
}

// dataStore is what the pipeline needs from a persistence driver.
type dataStore interface {
	tradestore.Store
	tradestore.ReferenceData
}

func main() {
	configureDecimalJSON()
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	bootstrap := newBootstrapLogger()
	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		bootstrap.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		bootstrap.Printf("configuration file %s not found, using defaults", configPath)
	}

	zapLogger, err := observability.NewZapLogger(observability.ZapConfig{
		Level:       appCfg.Logging.Level,
		Encoding:    appCfg.Logging.Encoding,
		Development: appCfg.Logging.Development,
		Service:     appCfg.Telemetry.ServiceName,
	})
	if err != nil {
		bootstrap.Fatalf("initialise logger: %v", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()
	observability.SetLogger(zapLogger)
	logger := observability.Log()
	logger.Info("configuration initialised",
		observability.F("environment", appCfg.Environment),
		observability.F("driver", appCfg.Database.Driver),
		observability.F("executionService", appCfg.ExecutionService.BaseURL),
		observability.F("batchSize", appCfg.Submission.BatchSize))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		bootstrap.Fatalf("initialise telemetry: %v", err)
	}
	meter := telemetryProvider.Meter(meterName)

	submissionPool, metricsPool, err := buildPools(appCfg.Pools, logger)
	if err != nil {
		bootstrap.Fatalf("initialise pools: %v", err)
	}
	metrics, err := telemetry.NewSubmissionMetrics(meter, metricsPool)
	if err != nil {
		bootstrap.Fatalf("initialise submission metrics: %v", err)
	}
	if err := telemetry.ObservePools(meter, submissionPool, metricsPool); err != nil {
		bootstrap.Fatalf("observe pools: %v", err)
	}

	store, closeStore, err := openStore(ctx, logger, appCfg.Database)
	if err != nil {
		bootstrap.Fatalf("initialise store: %v", err)
	}

	client, breaker, err := buildExecutionClient(appCfg.ExecutionService, logger, metrics)
	if err != nil {
		bootstrap.Fatalf("initialise execution service client: %v", err)
	}
	if err := telemetry.ObserveBreaker(meter, breaker.Name(), func() int64 {
		return int64(breaker.State())
	}); err != nil {
		bootstrap.Fatalf("observe breaker: %v", err)
	}

	coordinator, err := submission.NewCoordinator(store, store, client,
		submission.WithBatchSize(appCfg.Submission.BatchSize),
		submission.WithPool(submissionPool),
		submission.WithRecorder(metrics),
		submission.WithLogger(logger),
	)
	if err != nil {
		bootstrap.Fatalf("initialise coordinator: %v", err)
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, httpserver.NewHandler(coordinator, store, logger))
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("api listening", observability.F("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:          apiServer,
		serverTimeout:   appCfg.APIServer.ShutdownTimeout,
		mainCancel:      cancel,
		lifecycle:       &lifecycle,
		pools:           []*async.Pool{submissionPool, metricsPool},
		poolGracePeriod: appCfg.Pools.ShutdownGracePeriod,
		closeStore:      closeStore,
		telemetry:       telemetryProvider,
	})
	if shutdownErr != nil {
		bootstrap.Printf("shutdown finished with errors after %v", time.Since(shutdownStart))
		return
	}
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart)))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBootstrapLogger() *log.Logger {
	return log.New(os.Stdout, bootstrapLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	cfg := appCfg.Telemetry
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(appCfg.Environment)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Info("telemetry initialised",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func buildPools(cfg config.PoolConfig, logger observability.Logger) (*async.Pool, *async.Pool, error) {
	logger = observability.OrDefault(logger)
	onPanic := func(name string, recovered any) {
		logger.Error("worker panic", observability.F("pool", name), observability.F("panic", recovered))
	}
	submissionPool, err := async.NewPool(poolConfig(submissionPoolName, cfg.Submission, async.CallerRuns, onPanic))
	if err != nil {
		return nil, nil, fmt.Errorf("create %s pool: %w", submissionPoolName, err)
	}
	metricsPool, err := async.NewPool(poolConfig(metricsPoolName, cfg.Metrics, async.DiscardOldest, onPanic))
	if err != nil {
		submissionPool.Close()
		return nil, nil, fmt.Errorf("create %s pool: %w", metricsPoolName, err)
	}
	return submissionPool, metricsPool, nil
}

func poolConfig(name string, cfg config.WorkerPoolConfig, policy async.SaturationPolicy, onPanic func(string, any)) async.Config {
	return async.Config{
		Name:         name,
		CoreWorkers:  cfg.CoreWorkers,
		MaxWorkers:   cfg.MaxWorkers,
		QueueSize:    cfg.QueueSize,
		KeepAlive:    cfg.KeepAlive,
		Policy:       policy,
		PanicHandler: onPanic,
	}
}

func openStore(ctx context.Context, logger observability.Logger, cfg config.DatabaseConfig) (dataStore, func(context.Context) error, error) {
	logger = observability.OrDefault(logger)
	if cfg.Driver == config.DriverMemory {
		store := memory.NewStore()
		for _, dest := range cfg.Destinations {
			store.AddDestination(tradestore.Reference{
				ID:           dest.ID,
				Abbreviation: dest.Abbreviation,
				Description:  dest.Description,
			})
		}
		logger.Info("memory store initialised", observability.F("destinations", len(cfg.Destinations)))
		return store, func(context.Context) error { return nil }, nil
	}

	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	postgres.ObservePoolMetrics(pool, "primary")
	logger.Info("postgres store initialised", observability.F("maxConns", poolCfg.MaxConns))

	return postgres.New(pool), func(context.Context) error {
		pool.Close()
		return nil
	}, nil
}

func buildExecutionClient(cfg config.ExecutionServiceConfig, logger observability.Logger, metrics *telemetry.SubmissionMetrics) (*executionsvc.Client, *resilience.Breaker, error) {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:                 executionServiceName,
		WindowSize:           cfg.CircuitBreaker.WindowSize,
		MinimumCalls:         cfg.CircuitBreaker.MinimumCalls,
		FailureRateThreshold: cfg.CircuitBreaker.FailureRateThreshold / 100,
		OpenTimeout:          cfg.CircuitBreaker.OpenTimeout,
		Logger:               logger,
	})
	guard := resilience.NewGuard(breaker, resilience.RetryConfig{
		MaxAttempts:     uint(max(cfg.Retry.MaxAttempts, 1)),
		InitialInterval: cfg.Retry.InitialInterval,
		Multiplier:      cfg.Retry.Multiplier,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, logger)
	client, err := executionsvc.NewClient(executionsvc.Config{
		BaseURL:        cfg.BaseURL,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, guard, executionsvc.WithLogger(logger), executionsvc.WithObserver(metrics))
	if err != nil {
		return nil, nil, err
	}
	return client, breaker, nil
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server", observability.F("error", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server          *http.Server
	serverTimeout   time.Duration
	mainCancel      context.CancelFunc
	lifecycle       *conc.WaitGroup
	pools           []*async.Pool
	poolGracePeriod time.Duration
	closeStore      func(context.Context) error
	telemetry       *telemetry.Provider
}

// performGracefulShutdown stops intake first, drains in-flight batches, then
// releases the store and flushes metrics.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	logger = observability.OrDefault(logger)
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	for _, pool := range cfg.pools {
		if pool == nil {
			continue
		}
		shutdownStep("draining "+pool.Name()+" pool", cfg.poolGracePeriod, pool.Shutdown)
	}

	if cfg.closeStore != nil {
		shutdownStep("closing store", databaseShutdownTimeout, cfg.closeStore)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}

	return observability.AggregateErrors(logger, "graceful shutdown", failures)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
