// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// APIServerConfig configures the HTTP API surface.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// DatabaseConfig controls persistence. The memory driver keeps everything in process
// and ignores the connection settings.
type DatabaseConfig struct {
	Driver            string        `yaml:"driver"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
	// Destinations seeds the memory driver's destination table.
	Destinations []DestinationSeed `yaml:"destinations"`
}

// DestinationSeed is one destination row for the memory driver.
type DestinationSeed struct {
	ID           int64  `yaml:"id"`
	Abbreviation string `yaml:"abbreviation"`
	Description  string `yaml:"description"`
}

// RetryConfig bounds retries of downstream calls.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// CircuitBreakerConfig sizes the downstream circuit breaker.
type CircuitBreakerConfig struct {
	WindowSize int `yaml:"windowSize"`
	// MinimumCalls must be recorded before the failure rate is evaluated.
	MinimumCalls int `yaml:"minimumCalls"`
	// FailureRateThreshold is a percentage in (0, 100].
	FailureRateThreshold float64       `yaml:"failureRateThreshold"`
	OpenTimeout          time.Duration `yaml:"openTimeout"`
}

// ExecutionServiceConfig describes the downstream execution service.
type ExecutionServiceConfig struct {
	BaseURL        string               `yaml:"baseUrl"`
	ConnectTimeout time.Duration        `yaml:"connectTimeout"`
	ReadTimeout    time.Duration        `yaml:"readTimeout"`
	RateLimit      float64              `yaml:"rateLimit"`
	RateBurst      int                  `yaml:"rateBurst"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// SubmissionConfig tunes the batch pipeline.
type SubmissionConfig struct {
	BatchSize int `yaml:"batchSize"`
}

// WorkerPoolConfig sizes one worker pool.
type WorkerPoolConfig struct {
	CoreWorkers int           `yaml:"coreWorkers"`
	MaxWorkers  int           `yaml:"maxWorkers"`
	QueueSize   int           `yaml:"queueSize"`
	KeepAlive   time.Duration `yaml:"keepAlive"`
}

// PoolConfig sizes the submission and metrics pools.
type PoolConfig struct {
	Submission          WorkerPoolConfig `yaml:"submission"`
	Metrics             WorkerPoolConfig `yaml:"metrics"`
	ShutdownGracePeriod time.Duration    `yaml:"shutdownGracePeriod"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// AppConfig is the unified tradeflow configuration sourced from YAML.
type AppConfig struct {
	Environment      Environment            `yaml:"environment"`
	APIServer        APIServerConfig        `yaml:"apiServer"`
	Database         DatabaseConfig         `yaml:"database"`
	ExecutionService ExecutionServiceConfig `yaml:"executionService"`
	Submission       SubmissionConfig       `yaml:"submission"`
	Pools            PoolConfig             `yaml:"pools"`
	Telemetry        TelemetryConfig        `yaml:"telemetry"`
	Logging          LoggingConfig          `yaml:"logging"`
}

// Default returns a configuration that runs locally against the memory driver.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Database: DatabaseConfig{
			Driver: DriverMemory,
			Destinations: []DestinationSeed{
				{ID: 1, Abbreviation: "ML", Description: "Merrill Lynch"},
			},
		},
		ExecutionService: ExecutionServiceConfig{BaseURL: "http://localhost:8084"},
	}
	cfg.normalise()
	return cfg
}

// Load reads, defaults and validates an AppConfig from the YAML file at configPath.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not
// exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	return AppConfig{}, false, err
}

// Parse decodes YAML bytes into a validated AppConfig.
func Parse(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8082"
	}
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 5 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 5 * time.Second
	}

	c.Database.applyDefaults()
	c.ExecutionService.applyDefaults()

	if c.Submission.BatchSize <= 0 {
		c.Submission.BatchSize = 50
	}
	if c.Submission.BatchSize > 100 {
		c.Submission.BatchSize = 100
	}

	c.Pools.Submission.applyDefaults(WorkerPoolConfig{CoreWorkers: 10, MaxWorkers: 50, QueueSize: 100, KeepAlive: time.Minute})
	c.Pools.Metrics.applyDefaults(WorkerPoolConfig{CoreWorkers: 2, MaxWorkers: 5, QueueSize: 1000, KeepAlive: time.Minute})
	if c.Pools.ShutdownGracePeriod <= 0 {
		c.Pools.ShutdownGracePeriod = 30 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tradeflow"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
}

func (c *DatabaseConfig) applyDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Driver == DriverPostgres {
		c.DSN = "postgresql://localhost:5432/tradeflow"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if dir := strings.TrimSpace(c.MigrationsDir); dir != "" {
		c.MigrationsDir = filepath.Clean(dir)
	}
}

func (c *ExecutionServiceConfig) applyDefaults() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = time.Second
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 10 * time.Second
	}
	cb := &c.CircuitBreaker
	if cb.WindowSize <= 0 {
		cb.WindowSize = 10
	}
	if cb.MinimumCalls <= 0 {
		cb.MinimumCalls = 5
	}
	if cb.FailureRateThreshold <= 0 {
		cb.FailureRateThreshold = 50
	}
	if cb.OpenTimeout <= 0 {
		cb.OpenTimeout = 30 * time.Second
	}
}

func (c *WorkerPoolConfig) applyDefaults(def WorkerPoolConfig) {
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = def.CoreWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = max(def.MaxWorkers, c.CoreWorkers)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
}

// Validate performs semantic validation on the configuration and reports every
// problem found.
func (c AppConfig) Validate() error {
	var err error
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		err = multierr.Append(err, fmt.Errorf("environment must be one of dev, staging, prod"))
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		err = multierr.Append(err, fmt.Errorf("apiServer addr required"))
	}
	if dbErr := c.Database.validate(); dbErr != nil {
		err = multierr.Append(err, fmt.Errorf("database: %w", dbErr))
	}
	if svcErr := c.ExecutionService.validate(); svcErr != nil {
		err = multierr.Append(err, fmt.Errorf("executionService: %w", svcErr))
	}
	if c.Submission.BatchSize < 1 || c.Submission.BatchSize > 100 {
		err = multierr.Append(err, fmt.Errorf("submission batchSize must be within 1..100"))
	}
	if poolErr := c.Pools.Submission.validate(); poolErr != nil {
		err = multierr.Append(err, fmt.Errorf("pools.submission: %w", poolErr))
	}
	if poolErr := c.Pools.Metrics.validate(); poolErr != nil {
		err = multierr.Append(err, fmt.Errorf("pools.metrics: %w", poolErr))
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		err = multierr.Append(err, fmt.Errorf("telemetry otlpEndpoint required when enabled"))
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("logging encoding must be json or console"))
	}
	return err
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("driver must be %s or %s", DriverPostgres, DriverMemory)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

func (c ExecutionServiceConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("baseUrl %q must be an absolute URL", c.BaseURL)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rateLimit must be >=0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >=1")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry maxInterval must be >= initialInterval")
	}
	cb := c.CircuitBreaker
	if cb.MinimumCalls > cb.WindowSize {
		return fmt.Errorf("circuitBreaker minimumCalls must be <= windowSize")
	}
	if cb.FailureRateThreshold > 100 {
		return fmt.Errorf("circuitBreaker failureRateThreshold must be a percentage")
	}
	return nil
}

func (c WorkerPoolConfig) validate() error {
	if c.MaxWorkers < c.CoreWorkers {
		return fmt.Errorf("maxWorkers must be >= coreWorkers")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
