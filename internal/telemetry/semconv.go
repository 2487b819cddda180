package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to tradeflow metrics.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrStatus carries the aggregate batch status (SUCCESS, PARTIAL, FAILURE).
	AttrStatus = attribute.Key("status")
	// AttrResult records a per-item or per-run outcome.
	AttrResult = attribute.Key("result")
	// AttrOutcome labels a downstream attempt (success, server_error, network_error, ...).
	AttrOutcome = attribute.Key("outcome")
	// AttrLocalOnly marks batches submitted with noExecuteSubmit.
	AttrLocalOnly = attribute.Key("local_only")
	AttrPoolName  = attribute.Key("pool.name")
	AttrDBPool    = attribute.Key("db_pool")
	AttrBreaker   = attribute.Key("breaker")
	AttrDirection = attribute.Key("direction")
)

// Metric instrument names.
const (
	MetricBatchSubmissions   = "tradeflow.batch.submissions"
	MetricBatchItems         = "tradeflow.batch.items"
	MetricBatchDuration      = "tradeflow.batch.duration"
	MetricDownstreamAttempts = "tradeflow.downstream.attempts"
	MetricDownstreamDuration = "tradeflow.downstream.duration"
	MetricBreakerState       = "tradeflow.breaker.state"
	MetricPoolWorkers        = "tradeflow.pool.workers"
	MetricPoolQueued         = "tradeflow.pool.queued"
	MetricPoolDiscarded      = "tradeflow.pool.discarded"
	MetricPoolCallerRuns     = "tradeflow.pool.caller_runs"
)

// BatchAttributes returns attributes for batch-level metrics.
func BatchAttributes(status string, localOnly bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStatus.String(status),
		AttrLocalOnly.Bool(localOnly),
	}
}

// OutcomeAttributes returns attributes for downstream attempt metrics.
func OutcomeAttributes(outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOutcome.String(outcome),
	}
}
