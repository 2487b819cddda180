package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/tradeflow/internal/observability"
)

// RetryConfig bounds the retry policy applied inside a Guard.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns three attempts backing off 1s, 2s (capped at 10s).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
	}
}

func (c RetryConfig) normalise() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	return c
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxInterval
	b.RandomizationFactor = 0
	return b
}

// Guard composes a bounded retry policy around a circuit breaker. Each attempt asks the
// breaker first; an open circuit ends the call immediately without consuming further
// attempts. Non-retryable failures stop the retry loop after the attempt that produced
// them.
type Guard struct {
	breaker *Breaker
	retry   RetryConfig
	logger  observability.Logger
}

// NewGuard wires a guard around breaker. A nil breaker gets default thresholds.
func NewGuard(breaker *Breaker, retry RetryConfig, logger observability.Logger) *Guard {
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig("default"))
	}
	return &Guard{
		breaker: breaker,
		retry:   retry.normalise(),
		logger:  observability.OrDefault(logger),
	}
}

// Breaker exposes the guarded breaker for metrics and health reporting.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Attempt is the per-attempt callback run by Execute. The attempt number starts at 1.
type Attempt[T any] func(ctx context.Context, attempt int) (T, error)

// Execute runs fn under g. The returned error is the last attempt's error, or the
// breaker's rejection when the circuit was open.
func Execute[T any](ctx context.Context, g *Guard, lc Context, fn Attempt[T]) (T, error) {
	attempt := 0
	op := func() (T, error) {
		var zero T
		if err := g.breaker.Allow(); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempt++
		result, err := fn(ctx, attempt)
		g.breaker.Record(err)
		if err == nil {
			return result, nil
		}
		attemptCtx := lc
		attemptCtx.Attempt = attempt
		info := Classify(err, attemptCtx)
		if !info.Retryable {
			return zero, backoff.Permanent(err)
		}
		g.logger.Warn("downstream attempt failed", append(info.Fields(attemptCtx), observability.F("error", err))...)
		return zero, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(g.retry.backOff()),
		backoff.WithMaxTries(g.retry.MaxAttempts),
	)
}
