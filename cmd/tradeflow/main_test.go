package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/infra/adapters/executionsvc"
	"github.com/coachpo/tradeflow/internal/infra/config"
	"github.com/coachpo/tradeflow/internal/infra/resilience"
	"github.com/coachpo/tradeflow/internal/observability"
	"github.com/coachpo/tradeflow/lib/async"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/tradeflow.yaml", resolveConfigPath("/etc/tradeflow.yaml"))
}

func TestOpenStoreMemorySeedsDestinations(t *testing.T) {
	cfg := config.Default().Database
	cfg.Destinations = append(cfg.Destinations, config.DestinationSeed{ID: 7, Abbreviation: "GS", Description: "Goldman Sachs"})

	store, closeStore, err := openStore(context.Background(), nil, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, closeStore(context.Background())) })

	dest, err := store.Destination(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "GS", dest.Abbreviation)

	status, err := store.ExecutionStatus(context.Background(), "NEW")
	require.NoError(t, err)
	require.Equal(t, int64(1), status.ID)
}

func TestBuildPoolsAppliesPolicies(t *testing.T) {
	cfg := config.Default().Pools
	submissionPool, metricsPool, err := buildPools(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		submissionPool.Close()
		metricsPool.Close()
	})

	require.Equal(t, submissionPoolName, submissionPool.Name())
	require.Equal(t, metricsPoolName, metricsPool.Name())

	ran := make(chan struct{})
	require.NoError(t, submissionPool.Submit(context.Background(), func(context.Context) error {
		close(ran)
		return nil
	}))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("submission pool did not run task")
	}
}

func TestPoolConfigCopiesSizing(t *testing.T) {
	got := poolConfig("x", config.WorkerPoolConfig{CoreWorkers: 2, MaxWorkers: 4, QueueSize: 8, KeepAlive: time.Second}, async.DiscardOldest, nil)
	require.Equal(t, "x", got.Name)
	require.Equal(t, 2, got.CoreWorkers)
	require.Equal(t, 4, got.MaxWorkers)
	require.Equal(t, 8, got.QueueSize)
	require.Equal(t, async.DiscardOldest, got.Policy)
}

func TestBuildExecutionClientUsesBreakerPercentage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default().ExecutionService
	cfg.BaseURL = srv.URL
	cfg.Retry = config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond}
	cfg.CircuitBreaker = config.CircuitBreakerConfig{WindowSize: 2, MinimumCalls: 2, FailureRateThreshold: 50, OpenTimeout: time.Minute}

	client, breaker, err := buildExecutionClient(cfg, nil, nil)
	require.NoError(t, err)
	require.Equal(t, executionServiceName, breaker.Name())

	batch := []executionsvc.ExecutionRequest{{
		ExecutionStatus:         "NEW",
		TradeType:               "BUY",
		Destination:             "ML",
		SecurityID:              "SEC1",
		Quantity:                decimal.NewFromInt(1),
		TradeServiceExecutionID: 1,
	}}
	for range 2 {
		_, err := client.SubmitBatch(context.Background(), batch)
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, breaker.State())

	_, err = client.SubmitBatch(context.Background(), batch)
	require.True(t, errs.Is(err, errs.KindUnavailable), "expected open circuit, got %v", err)
	require.Equal(t, int32(2), calls.Load())
}

func TestPerformGracefulShutdownDrainsPools(t *testing.T) {
	pool, err := async.NewPool(async.Config{Name: "drain", CoreWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		close(done)
		return nil
	}))

	var storeClosed bool
	cancelled := false
	err = performGracefulShutdown(context.Background(), observability.Log(), gracefulShutdownConfig{
		mainCancel:      func() { cancelled = true },
		pools:           []*async.Pool{pool, nil},
		poolGracePeriod: time.Second,
		closeStore: func(context.Context) error {
			storeClosed = true
			return nil
		},
	})

	require.NoError(t, err)

	select {
	case <-done:
	default:
		t.Fatal("queued task not drained before shutdown returned")
	}
	require.True(t, cancelled)
	require.True(t, storeClosed)
}

func TestPerformGracefulShutdownAggregatesFailures(t *testing.T) {
	err := performGracefulShutdown(context.Background(), nil, gracefulShutdownConfig{
		closeStore: func(context.Context) error { return errors.New("pool busy") },
	})
	require.ErrorContains(t, err, "closing store: pool busy")
}

func TestConfigureDecimalJSONWritesNumbers(t *testing.T) {
	prev := decimal.MarshalJSONWithoutQuotes
	t.Cleanup(func() { decimal.MarshalJSONWithoutQuotes = prev })

	configureDecimalJSON()
	raw, err := json.Marshal(executionsvc.ExecutionRequest{
		Quantity:   decimal.NewFromInt(50),
		LimitPrice: decimal.RequireFromString("101.25"),
	})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"quantity":50`)
	require.Contains(t, string(raw), `101.25`)
	require.NotContains(t, string(raw), `"50"`)

	var back executionsvc.ExecutionRequest
	require.NoError(t, json.Unmarshal(raw, &back))
	require.True(t, back.Quantity.Equal(decimal.NewFromInt(50)))
}
