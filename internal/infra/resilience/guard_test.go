package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeflow/errs"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond}
}

func TestGuardRetriesRetryableFailures(t *testing.T) {
	g := NewGuard(nil, fastRetry(), nil)
	var attempts []int
	_, err := Execute(context.Background(), g, Context{Operation: "submit"}, func(_ context.Context, attempt int) (string, error) {
		attempts = append(attempts, attempt)
		return "", serverErr
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindServer))
	require.Equal(t, []int{1, 2, 3}, attempts)
}

func TestGuardSucceedsAfterTransientFailure(t *testing.T) {
	g := NewGuard(nil, fastRetry(), nil)
	calls := 0
	out, err := Execute(context.Background(), g, Context{}, func(context.Context, int) (string, error) {
		calls++
		if calls == 1 {
			return "", context.DeadlineExceeded
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 2, calls)
}

func TestGuardDoesNotRetryClientFailures(t *testing.T) {
	g := NewGuard(nil, fastRetry(), nil)
	calls := 0
	_, err := Execute(context.Background(), g, Context{}, func(context.Context, int) (int, error) {
		calls++
		return 0, clientErr
	})
	require.Equal(t, 1, calls)
	require.True(t, errs.Is(err, errs.KindClient))

	calls = 0
	_, err = Execute(context.Background(), g, Context{}, func(context.Context, int) (int, error) {
		calls++
		return 0, errors.New("decode failure")
	})
	require.Equal(t, 1, calls)
	require.EqualError(t, err, "decode failure")
}

func TestGuardFailsFastWhenOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		call(t, b, serverErr)
	}
	g := NewGuard(b, fastRetry(), nil)

	calls := 0
	_, err := Execute(context.Background(), g, Context{}, func(context.Context, int) (int, error) {
		calls++
		return 1, nil
	})
	require.Zero(t, calls)
	require.True(t, errs.Is(err, errs.KindUnavailable))
}

func TestGuardStopsRetryingOnceCircuitOpens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		call(t, b, serverErr)
	}
	g := NewGuard(b, fastRetry(), nil)

	calls := 0
	_, err := Execute(context.Background(), g, Context{}, func(context.Context, int) (int, error) {
		calls++
		return 0, serverErr
	})
	require.Equal(t, 1, calls, "the first failure trips the breaker and the retry ends")
	require.True(t, errs.Is(err, errs.KindUnavailable))
	require.Equal(t, StateOpen, b.State())
}

func TestDefaultRetryBackOffDoublesUpToCap(t *testing.T) {
	b := DefaultRetryConfig().backOff()
	b.Reset()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	got := make([]time.Duration, 0, len(want))
	for range want {
		got = append(got, b.NextBackOff())
	}
	require.Equal(t, want, got)
}

func TestNormalisedRetryBackOffKeepsCapAboveInitial(t *testing.T) {
	b := RetryConfig{InitialInterval: 3 * time.Second, Multiplier: 0.5, MaxInterval: time.Second}.normalise().backOff()
	b.Reset()
	require.Equal(t, 3*time.Second, b.NextBackOff())
	require.Equal(t, 3*time.Second, b.NextBackOff())
	require.Equal(t, 3*time.Second, b.NextBackOff())
}
