// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradeflow/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// SaturationPolicy decides what happens to a task when every worker is busy and the
// queue is full.
type SaturationPolicy int

const (
	// CallerRuns executes the task on the submitting goroutine.
	CallerRuns SaturationPolicy = iota
	// DiscardOldest drops the oldest queued task to make room for the new one.
	DiscardOldest
)

func (p SaturationPolicy) String() string {
	switch p {
	case CallerRuns:
		return "caller_runs"
	case DiscardOldest:
		return "discard_oldest"
	default:
		return "unknown"
	}
}

// Config sizes a pool.
type Config struct {
	Name        string
	CoreWorkers int
	MaxWorkers  int
	QueueSize   int
	// KeepAlive bounds how long a burst worker above CoreWorkers idles before exiting.
	KeepAlive time.Duration
	Policy    SaturationPolicy
	// PanicHandler receives recovered task panics. Optional.
	PanicHandler func(name string, recovered any)
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Name       string
	Workers    int
	Queued     int
	Completed  uint64
	CallerRuns uint64
	Discarded  uint64
}

// Pool is a bounded worker pool with core and burst workers and a bounded queue.
// Tasks beyond queue capacity spawn burst workers up to MaxWorkers; past that the
// SaturationPolicy applies.
type Pool struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job

	mu      sync.RWMutex
	closed  bool
	workers conc.WaitGroup
	live    atomic.Int32
	pending sync.WaitGroup
	once    sync.Once

	completed  atomic.Uint64
	callerRuns atomic.Uint64
	discarded  atomic.Uint64
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool from the supplied configuration and starts the core
// workers.
func NewPool(cfg Config) (*Pool, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.CoreWorkers <= 0 {
		return nil, errs.Invalid("lib/async", "core workers must be >0")
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		return nil, errs.Invalid("lib/async", "max workers must be >= core workers")
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.cfg = cfg
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, cfg.QueueSize)
	for i := 0; i < cfg.CoreWorkers; i++ {
		p.live.Add(1)
		p.workers.Go(func() { p.worker(nil, false) })
	}
	return p, nil
}

// Name returns the configured pool name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Submit schedules the task. It never blocks waiting for capacity: a full pool either
// runs the task on the caller (CallerRuns) or evicts the oldest queued task
// (DiscardOldest).
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.Invalid("lib/async", "task must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errs.New("lib/async", errs.KindUnavailable, errs.WithMessage("pool "+p.cfg.Name+" closed"))
	}
	j := job{ctx: ctx, fn: fn}
	p.pending.Add(1)
	if p.tryEnqueue(j) {
		p.mu.RUnlock()
		return nil
	}
	if p.trySpawnBurst(j) {
		p.mu.RUnlock()
		return nil
	}
	if p.cfg.Policy == DiscardOldest {
		for attempt := 0; attempt < 2; attempt++ {
			select {
			case <-p.jobs:
				p.discarded.Add(1)
				p.pending.Done()
			default:
			}
			if p.tryEnqueue(j) {
				p.mu.RUnlock()
				return nil
			}
		}
		p.discarded.Add(1)
		p.pending.Done()
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	p.callerRuns.Add(1)
	p.run(j)
	return nil
}

// Stats reports pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.cfg.Name,
		Workers:    int(p.live.Load()),
		Queued:     len(p.jobs),
		Completed:  p.completed.Load(),
		CallerRuns: p.callerRuns.Load(),
		Discarded:  p.discarded.Load(),
	}
}

// Close stops accepting new tasks. Workers drain what is already queued.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown stops intake and waits for queued and in-flight tasks to complete or until
// the context expires. The pool's base context is cancelled either way.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown %s: %w", p.cfg.Name, ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) tryEnqueue(j job) bool {
	select {
	case p.jobs <- j:
		return true
	default:
		return false
	}
}

func (p *Pool) trySpawnBurst(j job) bool {
	for {
		current := p.live.Load()
		if int(current) >= p.cfg.MaxWorkers {
			return false
		}
		if p.live.CompareAndSwap(current, current+1) {
			first := j
			p.workers.Go(func() { p.worker(&first, true) })
			return true
		}
	}
}

func (p *Pool) worker(first *job, burst bool) {
	defer p.live.Add(-1)
	if first != nil {
		p.run(*first)
	}
	if !burst {
		for j := range p.jobs {
			p.run(j)
		}
		return
	}
	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			return
		}
	}
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	defer p.completed.Add(1)
	defer func() {
		if r := recover(); r != nil && p.cfg.PanicHandler != nil {
			p.cfg.PanicHandler(p.cfg.Name, r)
		}
	}()
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	// Task errors are reported by the task itself; the pool only keeps workers alive.
	_ = j.fn(ctx)
}
