package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradeflow/lib/async"
)

// SubmissionMetrics records batch pipeline counters. Recording is handed to the
// metrics pool so request goroutines never block on instrument calls; under
// saturation the pool may drop the oldest recordings.
type SubmissionMetrics struct {
	pool *async.Pool

	batches            metric.Int64Counter
	items              metric.Int64Counter
	batchDuration      metric.Float64Histogram
	attempts           metric.Int64Counter
	downstreamDuration metric.Float64Histogram
}

// NewSubmissionMetrics creates the pipeline instruments on meter. A nil pool records
// synchronously.
func NewSubmissionMetrics(meter metric.Meter, pool *async.Pool) (*SubmissionMetrics, error) {
	m := &SubmissionMetrics{pool: pool}
	var err error
	if m.batches, err = meter.Int64Counter(MetricBatchSubmissions,
		metric.WithDescription("Batch submissions by aggregate status"),
		metric.WithUnit("{batch}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricBatchSubmissions, err)
	}
	if m.items, err = meter.Int64Counter(MetricBatchItems,
		metric.WithDescription("Submission items by per-item result"),
		metric.WithUnit("{item}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricBatchItems, err)
	}
	if m.batchDuration, err = meter.Float64Histogram(MetricBatchDuration,
		metric.WithDescription("End-to-end batch submission latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricBatchDuration, err)
	}
	if m.attempts, err = meter.Int64Counter(MetricDownstreamAttempts,
		metric.WithDescription("Execution service call attempts by outcome"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricDownstreamAttempts, err)
	}
	if m.downstreamDuration, err = meter.Float64Histogram(MetricDownstreamDuration,
		metric.WithDescription("Execution service call latency per attempt"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricDownstreamDuration, err)
	}
	return m, nil
}

// BatchCompleted records one finished batch.
func (m *SubmissionMetrics) BatchCompleted(status string, localOnly bool, successful, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatch(func(ctx context.Context) {
		attrs := BatchAttributes(status, localOnly)
		m.batches.Add(ctx, 1, metric.WithAttributes(attrs...))
		m.batchDuration.Record(ctx, millis(elapsed), metric.WithAttributes(attrs...))
		env := AttrEnvironment.String(Environment())
		if successful > 0 {
			m.items.Add(ctx, int64(successful), metric.WithAttributes(env, AttrResult.String("SUCCESS")))
		}
		if failed > 0 {
			m.items.Add(ctx, int64(failed), metric.WithAttributes(env, AttrResult.String("FAILURE")))
		}
	})
}

// DownstreamAttempt records one execution service call.
func (m *SubmissionMetrics) DownstreamAttempt(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatch(func(ctx context.Context) {
		attrs := metric.WithAttributes(OutcomeAttributes(outcome)...)
		m.attempts.Add(ctx, 1, attrs)
		m.downstreamDuration.Record(ctx, millis(elapsed), attrs)
	})
}

func (m *SubmissionMetrics) dispatch(record func(context.Context)) {
	if m.pool == nil {
		record(context.Background())
		return
	}
	// A closed pool means shutdown is under way; the sample is dropped.
	_ = m.pool.Submit(context.Background(), func(ctx context.Context) error {
		record(ctx)
		return nil
	})
}

// ObservePools registers gauges reporting worker pool occupancy.
func ObservePools(meter metric.Meter, pools ...*async.Pool) error {
	type gauge struct {
		name, description string
		read              func(async.Stats) int64
	}
	gauges := []gauge{
		{MetricPoolWorkers, "Live workers", func(s async.Stats) int64 { return int64(s.Workers) }},
		{MetricPoolQueued, "Queued tasks", func(s async.Stats) int64 { return int64(s.Queued) }},
		{MetricPoolDiscarded, "Tasks discarded under saturation", func(s async.Stats) int64 { return int64(s.Discarded) }},
		{MetricPoolCallerRuns, "Tasks executed on the submitting goroutine", func(s async.Stats) int64 { return int64(s.CallerRuns) }},
	}
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				for _, p := range pools {
					if p == nil {
						continue
					}
					stats := p.Stats()
					o.Observe(read(stats), metric.WithAttributes(
						AttrEnvironment.String(Environment()),
						AttrPoolName.String(stats.Name),
					))
				}
				return nil
			}),
		); err != nil {
			return fmt.Errorf("create %s: %w", g.name, err)
		}
	}
	return nil
}

// ObserveBreaker registers a gauge reporting breaker state (0 closed, 1 open,
// 2 half-open).
func ObserveBreaker(meter metric.Meter, name string, state func() int64) error {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrBreaker.String(name),
	}
	_, err := meter.Int64ObservableGauge(MetricBreakerState,
		metric.WithDescription("Circuit breaker state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(state(), metric.WithAttributes(attrs...))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", MetricBreakerState, err)
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
