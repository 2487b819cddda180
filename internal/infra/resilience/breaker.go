package resilience

import (
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/observability"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig sizes the sliding failure window of a Breaker.
type BreakerConfig struct {
	Name                 string
	WindowSize           int
	MinimumCalls         int
	FailureRateThreshold float64
	OpenTimeout          time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
	// OnStateChange is invoked after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	Logger        observability.Logger
}

// DefaultBreakerConfig returns the thresholds used for the execution service.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                 name,
		WindowSize:           10,
		MinimumCalls:         5,
		FailureRateThreshold: 0.5,
		OpenTimeout:          30 * time.Second,
	}
}

// Breaker is a count-based sliding window circuit breaker. Only SERVER and NETWORK
// failures count against the threshold; other outcomes are ignored.
// Safe for concurrent use.
type Breaker struct {
	cfg    BreakerConfig
	logger observability.Logger

	mu       sync.Mutex
	state    State
	window   []bool
	next     int
	filled   int
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker, filling zero config values from the defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "default"
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = def.MinimumCalls
	}
	if cfg.MinimumCalls > cfg.WindowSize {
		cfg.MinimumCalls = cfg.WindowSize
	}
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = def.FailureRateThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{
		cfg:    cfg,
		logger: observability.OrDefault(cfg.Logger),
		window: make([]bool, cfg.WindowSize),
	}
}

// Name returns the dependency the breaker protects.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, moving OPEN to HALF_OPEN once the cooldown elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.state, b.advanceLocked()
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// Allow reports whether a call may proceed. An open circuit, or a half-open circuit
// whose single probe is already in flight, yields an errs.KindUnavailable error.
// Every permitted call must be followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	state := b.advanceLocked()
	switch state {
	case StateOpen:
		b.mu.Unlock()
		b.notify(from, state)
		return b.openError("circuit open")
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			b.notify(from, state)
			return b.openError("circuit half-open, probe in flight")
		}
		b.probing = true
	}
	b.mu.Unlock()
	b.notify(from, state)
	return nil
}

// Record feeds the outcome of a permitted call into the window.
func (b *Breaker) Record(err error) {
	counted := err == nil
	failure := false
	if err != nil {
		switch Classify(err, Context{}).Category {
		case errs.CategoryServer, errs.CategoryNetwork:
			counted, failure = true, true
		}
	}

	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		if !counted {
			break
		}
		if failure {
			b.tripLocked()
		} else {
			b.resetLocked()
		}
	case StateClosed:
		if counted {
			b.pushLocked(failure)
			if b.filled >= b.cfg.MinimumCalls && b.failureRateLocked() >= b.cfg.FailureRateThreshold {
				b.tripLocked()
			}
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// FailureRate returns the failure ratio over the recorded window.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureRateLocked()
}

// Reset forces the breaker closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.resetLocked()
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) advanceLocked() State {
	if b.state == StateOpen && !b.cfg.Clock().Before(b.openedAt.Add(b.cfg.OpenTimeout)) {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

func (b *Breaker) pushLocked(failure bool) {
	if b.filled == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.next] = failure
	if failure {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *Breaker) failureRateLocked() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.filled)
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.cfg.Clock()
	b.probing = false
}

func (b *Breaker) resetLocked() {
	b.state = StateClosed
	b.probing = false
	b.next, b.filled, b.failures = 0, 0, 0
	for i := range b.window {
		b.window[i] = false
	}
}

func (b *Breaker) openError(msg string) error {
	return errs.New("resilience/breaker", errs.KindUnavailable,
		errs.WithCode("CIRCUIT_OPEN"),
		errs.WithMessage(b.cfg.Name+" "+msg))
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	fields := []observability.Field{
		observability.F("breaker", b.cfg.Name),
		observability.F("from", from.String()),
		observability.F("to", to.String()),
	}
	if to == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker transition", fields...)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
