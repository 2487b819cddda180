// Package submission turns batches of trade order submissions into executions, forwards
// them to the execution service and reconciles the outcome onto the trade orders.
package submission

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
	"github.com/coachpo/tradeflow/internal/infra/adapters/executionsvc"
	"github.com/coachpo/tradeflow/internal/infra/resilience"
	"github.com/coachpo/tradeflow/internal/observability"
	"github.com/coachpo/tradeflow/lib/async"
)

// Gateway forwards execution batches downstream.
type Gateway interface {
	SubmitBatch(ctx context.Context, items []executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error)
}

// Recorder receives one sample per finished batch.
type Recorder interface {
	BatchCompleted(status string, localOnly bool, successful, failed int, elapsed time.Duration)
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithBatchSize sets the downstream sub-batch size, clamped to 1..MaxItems.
func WithBatchSize(size int) Option {
	return func(c *Coordinator) {
		c.batchSize = clampBatchSize(size)
	}
}

// WithPool runs sub-batches on pool. Without a pool they run on the calling goroutine.
func WithPool(pool *async.Pool) Option {
	return func(c *Coordinator) {
		c.pool = pool
	}
}

// WithRecorder installs a metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = observability.OrDefault(logger)
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Coordinator runs the batch submission pipeline.
type Coordinator struct {
	store     tradestore.Store
	refs      tradestore.ReferenceData
	gateway   Gateway
	pool      *async.Pool
	recorder  Recorder
	logger    observability.Logger
	clock     func() time.Time
	batchSize int
}

// NewCoordinator wires the pipeline collaborators.
func NewCoordinator(store tradestore.Store, refs tradestore.ReferenceData, gateway Gateway, opts ...Option) (*Coordinator, error) {
	if store == nil || refs == nil {
		return nil, errs.Invalid("submission", "store and reference data required")
	}
	if gateway == nil {
		return nil, errs.Invalid("submission", "gateway required")
	}
	c := &Coordinator{
		store:     store,
		refs:      refs,
		gateway:   gateway,
		logger:    observability.Log(),
		clock:     time.Now,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BatchSize returns the effective downstream sub-batch size.
func (c *Coordinator) BatchSize() int { return c.batchSize }

func clampBatchSize(size int) int {
	switch {
	case size <= 0:
		return DefaultBatchSize
	case size > executionsvc.MaxBatchSize:
		return executionsvc.MaxBatchSize
	default:
		return size
	}
}

// statuses holds the execution status ids a batch moves executions through.
type statuses struct {
	newID, sentID, failedID int64
}

// prepared is an item that passed local checks and owns a NEW execution.
type prepared struct {
	index     int
	quantity  decimal.Decimal
	order     tradestore.TradeOrder
	execution tradestore.Execution
	request   executionsvc.ExecutionRequest
}

type chunkOutcome struct {
	resp executionsvc.BatchResponse
	err  error
}

// Submit processes items and returns one result per item.
//
// Item-level problems (unknown trade order or destination, over-allocation, downstream
// rejection, version conflicts) become FAILURE results. A non-nil error is returned for
// a malformed batch, broken reference data, or a downstream failure that is not
// absorbed per item; in the latter case the response is still fully populated.
func (c *Coordinator) Submit(ctx context.Context, items []Item, noExecuteSubmit bool) (Response, error) {
	if len(items) == 0 {
		return Response{}, errs.Invalid("submission", "batch must contain at least one submission")
	}
	if len(items) > MaxItems {
		return Response{}, errs.New("submission", errs.KindValidation,
			errs.WithHTTP(http.StatusRequestEntityTooLarge),
			errs.WithMessage(fmt.Sprintf("batch size %d exceeds maximum %d", len(items), MaxItems)))
	}
	start := c.clock()
	batchID := uuid.NewString()

	st, err := c.resolveStatuses(ctx)
	if err != nil {
		return Response{}, err
	}

	results := make([]Result, len(items))
	ready := c.prepare(ctx, items, st, results)

	var escalation error
	if noExecuteSubmit {
		for _, p := range ready {
			results[p.index] = c.accept(ctx, p, nil)
		}
	} else if len(ready) > 0 {
		escalation = c.dispatch(ctx, batchID, ready, st, results)
	}

	resp := aggregate(results)
	elapsed := c.clock().Sub(start)
	if c.recorder != nil {
		c.recorder.BatchCompleted(resp.Status, noExecuteSubmit, resp.Successful, resp.Failed, elapsed)
	}
	c.logger.Info("batch submission completed",
		observability.F("batchId", batchID),
		observability.F("status", resp.Status),
		observability.F("totalRequested", resp.TotalRequested),
		observability.F("successful", resp.Successful),
		observability.F("failed", resp.Failed),
		observability.F("localOnly", noExecuteSubmit),
		observability.F("durationMs", elapsed.Milliseconds()),
	)
	return resp, escalation
}

// SubmitOne submits a single item. A failed item is reported as an error carrying the
// failure kind alongside its result.
func (c *Coordinator) SubmitOne(ctx context.Context, item Item, noExecuteSubmit bool) (Result, error) {
	resp, err := c.Submit(ctx, []Item{item}, noExecuteSubmit)
	if len(resp.Results) == 0 {
		return Result{}, err
	}
	r := resp.Results[0]
	if err != nil || r.Succeeded() {
		return r, err
	}
	kind := r.Kind
	if kind == "" {
		kind = errs.KindInternal
	}
	return r, errs.New("submission", kind, errs.WithMessage(r.Message))
}

func (c *Coordinator) resolveStatuses(ctx context.Context) (statuses, error) {
	var st statuses
	for _, s := range []struct {
		abbr string
		dst  *int64
	}{
		{tradestore.ExecutionStatusNew, &st.newID},
		{tradestore.ExecutionStatusSent, &st.sentID},
		{tradestore.ExecutionStatusFailed, &st.failedID},
	} {
		ref, err := c.refs.ExecutionStatus(ctx, s.abbr)
		if err != nil {
			return statuses{}, errs.New("submission", errs.KindInternal,
				errs.WithMessage("resolve execution status "+s.abbr), errs.WithCause(err))
		}
		*s.dst = ref.ID
	}
	return st, nil
}

// prepare validates every item in input order, fills results for items that fail
// locally and persists a NEW execution for the rest.
func (c *Coordinator) prepare(ctx context.Context, items []Item, st statuses, results []Result) []prepared {
	ready := make([]prepared, 0, len(items))
	seen := make(map[int64]int, len(items))
	for i, item := range items {
		results[i] = Result{RequestIndex: i, TradeOrderID: item.TradeOrderID, Status: StatusFailure}
		if first, dup := seen[item.TradeOrderID]; dup {
			results[i].Message = fmt.Sprintf("duplicate submission for trade order %d (first at index %d)", item.TradeOrderID, first)
			results[i].Kind = errs.KindValidation
			continue
		}
		p, err := c.prepareOne(ctx, i, item, st)
		if err != nil {
			results[i].Message = failureMessage(err)
			results[i].Kind = errs.KindOf(err)
			c.logger.Debug("submission item rejected",
				observability.F("requestIndex", i),
				observability.F("tradeOrderId", item.TradeOrderID),
				observability.F("kind", string(errs.KindOf(err))),
				observability.F("error", err))
			continue
		}
		// Only an item that persisted an execution claims its trade order.
		seen[item.TradeOrderID] = i
		ready = append(ready, p)
	}
	return ready
}

func (c *Coordinator) prepareOne(ctx context.Context, index int, item Item, st statuses) (prepared, error) {
	if !item.Quantity.IsPositive() {
		return prepared{}, errs.Invalid("submission", fmt.Sprintf("quantity must be positive, got %s", item.Quantity))
	}
	order, err := c.store.GetTradeOrder(ctx, item.TradeOrderID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return prepared{}, errs.NotFound("submission", fmt.Sprintf("trade order %d not found", item.TradeOrderID))
		}
		return prepared{}, err
	}
	if available := order.Available(); item.Quantity.GreaterThan(available) {
		return prepared{}, errs.Invalid("submission", fmt.Sprintf(
			"quantity %s exceeds available quantity %s for trade order %d", item.Quantity, available, order.ID))
	}
	destination, err := c.refs.Destination(ctx, item.DestinationID)
	if err != nil {
		return prepared{}, err
	}
	tradeType, err := c.refs.TradeType(ctx, order.OrderType)
	if err != nil {
		return prepared{}, err
	}
	tradeTypeID := tradeType.ID
	execution, err := c.store.CreateExecution(ctx, tradestore.Execution{
		ExecutionTimestamp: c.clock().UTC(),
		ExecutionStatusID:  st.newID,
		BlotterID:          order.BlotterID,
		TradeTypeID:        &tradeTypeID,
		TradeOrderID:       order.ID,
		DestinationID:      destination.ID,
		QuantityOrdered:    order.Quantity,
		QuantityPlaced:     item.Quantity,
		QuantityFilled:     decimal.Zero,
		LimitPrice:         order.LimitPrice,
	})
	if err != nil {
		return prepared{}, err
	}
	return prepared{
		index:     index,
		quantity:  item.Quantity,
		order:     order,
		execution: execution,
		request: executionsvc.ExecutionRequest{
			ExecutionStatus:         tradestore.ExecutionStatusNew,
			TradeType:               tradeType.Abbreviation,
			Destination:             destination.Abbreviation,
			SecurityID:              order.SecurityID,
			Quantity:                item.Quantity,
			LimitPrice:              order.LimitPrice,
			TradeServiceExecutionID: execution.ID,
			Version:                 execution.Version,
		},
	}, nil
}

// dispatch sends ready items downstream in sub-batches, waits for every sub-batch and
// reconciles them. It returns the first escalating gateway error, if any.
func (c *Coordinator) dispatch(ctx context.Context, batchID string, ready []prepared, st statuses, results []Result) error {
	chunks := partition(ready, c.batchSize)
	outcomes := make([]chunkOutcome, len(chunks))

	var wg sync.WaitGroup
	for j, chunk := range chunks {
		requests := make([]executionsvc.ExecutionRequest, len(chunk))
		for k, p := range chunk {
			requests[k] = p.request
		}
		task := func(ctx context.Context) error {
			defer wg.Done()
			resp, err := c.gateway.SubmitBatch(ctx, requests)
			outcomes[j] = chunkOutcome{resp: resp, err: err}
			return err
		}
		wg.Add(1)
		if c.pool == nil {
			_ = task(ctx)
			continue
		}
		if err := c.pool.Submit(ctx, task); err != nil {
			outcomes[j] = chunkOutcome{err: err}
			wg.Done()
		}
	}
	wg.Wait()

	var escalation error
	for j, chunk := range chunks {
		out := outcomes[j]
		if out.err != nil {
			if executionsvc.IsEscalation(out.err) && escalation == nil {
				escalation = out.err
			}
			c.failChunk(ctx, batchID, j, chunk, out.err, st, results)
			continue
		}
		c.reconcileChunk(ctx, batchID, j, chunk, out.resp, st, results)
	}
	return escalation
}

func partition(ready []prepared, size int) [][]prepared {
	chunks := make([][]prepared, 0, (len(ready)+size-1)/size)
	for start := 0; start < len(ready); start += size {
		end := min(start+size, len(ready))
		chunks = append(chunks, ready[start:end])
	}
	return chunks
}

func (c *Coordinator) failChunk(ctx context.Context, batchID string, j int, chunk []prepared, err error, st statuses, results []Result) {
	lc := resilience.Context{Operation: "submitBatch", BatchSize: len(chunk), ExecutionIDs: chunkExecutionIDs(chunk)}
	info := resilience.Classify(err, lc)
	message := info.Message
	if errs.Is(err, errs.KindUnavailable) {
		if e, ok := errs.As(err); ok {
			message = e.Detail()
		}
	}
	if message == "" {
		message = err.Error()
	}
	fields := append(info.Fields(lc),
		observability.F("batchId", batchID),
		observability.F("subBatch", j),
		observability.F("error", err))
	c.logger.Error("execution service sub-batch failed", fields...)
	for _, p := range chunk {
		results[p.index] = c.reject(ctx, p, st, message, errs.KindOf(err))
	}
}

func (c *Coordinator) reconcileChunk(ctx context.Context, batchID string, j int, chunk []prepared, resp executionsvc.BatchResponse, st statuses, results []Result) {
	byLocal := make([]*executionsvc.ItemResult, len(chunk))
	for i := range resp.Results {
		r := resp.Results[i]
		if r.RequestIndex < 0 || r.RequestIndex >= len(chunk) {
			c.logger.Warn("ignoring out-of-range execution service result",
				observability.F("batchId", batchID),
				observability.F("subBatch", j),
				observability.F("requestIndex", r.RequestIndex),
				observability.F("batchSize", len(chunk)))
			continue
		}
		if byLocal[r.RequestIndex] != nil {
			c.logger.Warn("ignoring duplicate execution service result",
				observability.F("batchId", batchID),
				observability.F("subBatch", j),
				observability.F("requestIndex", r.RequestIndex))
			continue
		}
		byLocal[r.RequestIndex] = &r
	}

	for k, p := range chunk {
		r := byLocal[k]
		switch {
		case r == nil:
			results[p.index] = c.reject(ctx, p, st, "no result returned by execution service", errs.KindServer)
		case r.Succeeded():
			var serviceID *int64
			if r.Execution != nil && r.Execution.ID > 0 {
				id := r.Execution.ID
				serviceID = &id
			}
			results[p.index] = c.accept(ctx, p, &sent{statusID: st.sentID, serviceID: serviceID})
		default:
			message := r.Message
			if message == "" {
				message = "execution service rejected execution"
			}
			results[p.index] = c.reject(ctx, p, st, message, errs.KindClient)
		}
	}
}

// sent carries the downstream acknowledgement applied to an accepted execution.
type sent struct {
	statusID  int64
	serviceID *int64
}

// accept records quantity on the trade order. A nil ack leaves the execution NEW.
func (c *Coordinator) accept(ctx context.Context, p prepared, ack *sent) Result {
	result := Result{RequestIndex: p.index, TradeOrderID: p.order.ID, Status: StatusFailure}
	execution := p.execution
	if ack != nil {
		execution.ExecutionStatusID = ack.statusID
		execution.ExecutionServiceID = ack.serviceID
		updated, err := c.store.UpdateExecution(ctx, execution)
		if err != nil {
			c.logger.Warn("update execution after downstream acceptance failed",
				observability.F("executionId", execution.ID),
				observability.F("error", err))
		} else {
			execution = updated
		}
	}
	result.Execution = &execution

	order := p.order
	order.Submitted = true
	order.QuantitySent = order.QuantitySent.Add(p.quantity)
	if _, err := c.store.UpdateTradeOrder(ctx, order); err != nil {
		result.Message = failureMessage(err)
		result.Kind = errs.KindOf(err)
		c.logger.Warn("trade order update rejected",
			observability.F("tradeOrderId", order.ID),
			observability.F("version", order.Version),
			observability.F("kind", string(errs.KindOf(err))),
			observability.F("error", err))
		return result
	}
	result.Status = StatusSuccess
	return result
}

// reject marks the execution FAILED and leaves the trade order untouched.
func (c *Coordinator) reject(ctx context.Context, p prepared, st statuses, message string, kind errs.Kind) Result {
	execution := p.execution
	execution.ExecutionStatusID = st.failedID
	if updated, err := c.store.UpdateExecution(ctx, execution); err != nil {
		c.logger.Warn("mark execution failed",
			observability.F("executionId", execution.ID),
			observability.F("error", err))
	} else {
		execution = updated
	}
	return Result{
		RequestIndex: p.index,
		TradeOrderID: p.order.ID,
		Status:       StatusFailure,
		Message:      message,
		Kind:         kind,
		Execution:    &execution,
	}
}

func failureMessage(err error) string {
	if e, ok := errs.As(err); ok {
		return e.Detail()
	}
	return err.Error()
}

func chunkExecutionIDs(chunk []prepared) []int64 {
	ids := make([]int64, len(chunk))
	for i, p := range chunk {
		ids[i] = p.execution.ID
	}
	return ids
}
