package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeflow/errs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	serverErr = errs.New("test", errs.KindServer, errs.WithHTTP(500))
	clientErr = errs.New("test", errs.KindClient, errs.WithHTTP(404))
)

func newTestBreaker(clock *fakeClock) *Breaker {
	cfg := DefaultBreakerConfig("execution-service")
	cfg.Clock = clock.Now
	return NewBreaker(cfg)
}

func call(t *testing.T, b *Breaker, err error) {
	t.Helper()
	require.NoError(t, b.Allow())
	b.Record(err)
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	for i := 0; i < 4; i++ {
		call(t, b, serverErr)
	}
	require.Equal(t, StateClosed, b.State())
	call(t, b, serverErr)
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerOpensAtHalfFailureRate(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	for i := 0; i < 5; i++ {
		call(t, b, nil)
	}
	for i := 0; i < 4; i++ {
		call(t, b, serverErr)
	}
	require.Equal(t, StateClosed, b.State())
	call(t, b, serverErr)
	require.Equal(t, StateOpen, b.State())
	require.InDelta(t, 0.5, b.FailureRate(), 0.0001)
}

func TestBreakerWindowSlides(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	for i := 0; i < 5; i++ {
		call(t, b, nil)
	}
	for i := 0; i < 4; i++ {
		call(t, b, serverErr)
	}
	for i := 0; i < 10; i++ {
		call(t, b, nil)
	}
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.FailureRate())
}

func TestBreakerIgnoresClientFailures(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	for i := 0; i < 10; i++ {
		call(t, b, clientErr)
	}
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.FailureRate())
}

func TestBreakerOpenRejectsUntilCooldown(t *testing.T) {
	clock := newFakeClock()
	var transitions []State
	cfg := DefaultBreakerConfig("execution-service")
	cfg.Clock = clock.Now
	cfg.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }
	b := NewBreaker(cfg)

	for i := 0; i < 5; i++ {
		call(t, b, serverErr)
	}
	err := b.Allow()
	require.True(t, errs.Is(err, errs.KindUnavailable))

	clock.Advance(29 * time.Second)
	require.Error(t, b.Allow())

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())
	require.Error(t, b.Allow(), "only one probe may be in flight")

	b.Record(nil)
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		call(t, b, serverErr)
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.Record(serverErr)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(10 * time.Second)
	require.Error(t, b.Allow(), "cooldown restarts when the probe fails")
}

func TestBreakerReset(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	for i := 0; i < 5; i++ {
		call(t, b, serverErr)
	}
	b.Reset()
	require.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}
