package submission

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
	"github.com/coachpo/tradeflow/internal/infra/adapters/executionsvc"
	"github.com/coachpo/tradeflow/internal/infra/persistence/memory"
	"github.com/coachpo/tradeflow/internal/infra/resilience"
	"github.com/coachpo/tradeflow/lib/async"
)

const (
	statusNewID    = 1
	statusSentID   = 2
	statusFailedID = 3
)

type fakeGateway struct {
	mu    sync.Mutex
	calls [][]executionsvc.ExecutionRequest
	fn    func(items []executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error)
}

func (g *fakeGateway) SubmitBatch(_ context.Context, items []executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, items)
	g.mu.Unlock()
	if g.fn == nil {
		return acceptAll(items), nil
	}
	return g.fn(items)
}

func (g *fakeGateway) callSizes() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	sizes := make([]int, len(g.calls))
	for i, c := range g.calls {
		sizes[i] = len(c)
	}
	return sizes
}

func acceptAll(items []executionsvc.ExecutionRequest) executionsvc.BatchResponse {
	resp := executionsvc.BatchResponse{Status: executionsvc.StatusSuccess}
	for i, item := range items {
		resp.Results = append(resp.Results, executionsvc.ItemResult{
			RequestIndex: i,
			Status:       executionsvc.StatusSuccess,
			Execution:    &executionsvc.Execution{ID: 1000 + item.TradeServiceExecutionID},
		})
	}
	return resp
}

type recorder struct {
	status    string
	localOnly bool
	calls     int
}

func (r *recorder) BatchCompleted(status string, localOnly bool, _, _ int, _ time.Duration) {
	r.status = status
	r.localOnly = localOnly
	r.calls++
}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	store.AddDestination(tradestore.Reference{ID: 1, Abbreviation: "ML", Description: "Merrill Lynch"})
	return store
}

func seedOrder(t *testing.T, store *memory.Store, quantity int64) tradestore.TradeOrder {
	t.Helper()
	order, err := store.CreateTradeOrder(context.Background(), tradestore.TradeOrder{
		OrderID:        77,
		PortfolioID:    "5f47ac10b8e4e53b8cfa9b01",
		SecurityID:     "5f47ac10b8e4e53b8cfa9b02",
		OrderType:      "BUY",
		Quantity:       decimal.NewFromInt(quantity),
		QuantitySent:   decimal.Zero,
		LimitPrice:     decimal.RequireFromString("101.25"),
		TradeTimestamp: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	return order
}

func newCoordinator(t *testing.T, store *memory.Store, gw Gateway, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(store, store, gw, opts...)
	require.NoError(t, err)
	return c
}

func item(id int64, qty int64) Item {
	return Item{TradeOrderID: id, Quantity: decimal.NewFromInt(qty), DestinationID: 1}
}

func requireTotals(t *testing.T, resp Response, n int) {
	t.Helper()
	require.Equal(t, n, resp.TotalRequested)
	require.Equal(t, n, resp.Successful+resp.Failed)
	require.Len(t, resp.Results, n)
	for i, r := range resp.Results {
		require.Equal(t, i, r.RequestIndex)
	}
}

func TestSubmitAllSucceed(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 100)
	b := seedOrder(t, store, 50)
	gw := &fakeGateway{}
	rec := &recorder{}
	c := newCoordinator(t, store, gw, WithRecorder(rec))

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 40), item(b.ID, 50)}, false)
	require.NoError(t, err)
	requireTotals(t, resp, 2)
	require.Equal(t, StatusSuccess, resp.Status)
	require.Equal(t, http.StatusOK, resp.HTTPStatus())
	require.Equal(t, 2, resp.Successful)
	require.Equal(t, StatusSuccess, rec.status)
	require.Equal(t, 1, rec.calls)

	require.Equal(t, []int{2}, gw.callSizes())
	sent := gw.calls[0][0]
	require.Equal(t, "BUY", sent.TradeType)
	require.Equal(t, "ML", sent.Destination)
	require.Equal(t, tradestore.ExecutionStatusNew, sent.ExecutionStatus)
	require.True(t, sent.Quantity.Equal(decimal.NewFromInt(40)))

	updated, err := store.GetTradeOrder(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, updated.Submitted)
	require.True(t, updated.QuantitySent.Equal(decimal.NewFromInt(40)))
	require.Equal(t, a.Version+1, updated.Version)

	exec := resp.Results[0].Execution
	require.NotNil(t, exec)
	require.Equal(t, int64(statusSentID), exec.ExecutionStatusID)
	require.NotNil(t, exec.ExecutionServiceID)
	require.Equal(t, 1000+exec.ID, *exec.ExecutionServiceID)
	require.True(t, exec.QuantityOrdered.Equal(decimal.NewFromInt(100)))
	require.True(t, exec.QuantityPlaced.Equal(decimal.NewFromInt(40)))
}

func TestSubmitMissingTradeOrderIsPartial(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 100)
	gw := &fakeGateway{}
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 10), item(999, 10)}, false)
	require.NoError(t, err)
	requireTotals(t, resp, 2)
	require.Equal(t, StatusPartial, resp.Status)
	require.Equal(t, http.StatusMultiStatus, resp.HTTPStatus())
	require.True(t, resp.Results[0].Succeeded())
	require.Equal(t, StatusFailure, resp.Results[1].Status)
	require.Equal(t, "trade order 999 not found", resp.Results[1].Message)
	require.Equal(t, errs.KindNotFound, resp.Results[1].Kind)
	require.Nil(t, resp.Results[1].Execution)
	require.Equal(t, []int{1}, gw.callSizes())
}

func TestSubmitSubBatchesMapToGlobalIndices(t *testing.T) {
	store := newStore(t)
	pool, err := async.NewPool(async.Config{Name: "submission", CoreWorkers: 2, MaxWorkers: 4, QueueSize: 4, Policy: async.CallerRuns})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	items := make([]Item, 5)
	for i := range items {
		items[i] = item(seedOrder(t, store, 10).ID, 5)
	}
	gw := &fakeGateway{fn: func(batch []executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
		resp := acceptAll(batch)
		if len(batch) > 1 {
			resp.Results[1].Status = executionsvc.StatusFailure
			resp.Results[1].Message = "venue closed"
		}
		return resp, nil
	}}
	c := newCoordinator(t, store, gw, WithBatchSize(2), WithPool(pool))

	resp, err := c.Submit(context.Background(), items, false)
	require.NoError(t, err)
	requireTotals(t, resp, 5)
	require.ElementsMatch(t, []int{2, 2, 1}, gw.callSizes())
	for i, r := range resp.Results {
		require.Equal(t, items[i].TradeOrderID, r.TradeOrderID)
		if i == 1 || i == 3 {
			require.Equal(t, StatusFailure, r.Status, "index %d", i)
			require.Equal(t, "venue closed", r.Message)
			require.Equal(t, int64(statusFailedID), r.Execution.ExecutionStatusID)
			continue
		}
		require.True(t, r.Succeeded(), "index %d", i)
	}
	require.Equal(t, StatusPartial, resp.Status)

	untouched, err := store.GetTradeOrder(context.Background(), items[1].TradeOrderID)
	require.NoError(t, err)
	require.False(t, untouched.Submitted)
	require.True(t, untouched.QuantitySent.IsZero())
}

func TestSubmitAbsorbsExhaustedRetries(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	gw := &fakeGateway{fn: func([]executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
		return executionsvc.BatchResponse{}, errs.New("executionsvc/submit", errs.KindServer,
			errs.WithHTTP(http.StatusServiceUnavailable), errs.WithMessage("HTTP 503: down"))
	}}
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 10)}, false)
	require.NoError(t, err)
	require.Equal(t, StatusFailure, resp.Status)
	require.Equal(t, http.StatusOK, resp.HTTPStatus())
	require.Contains(t, resp.Results[0].Message, "HTTP 503")
	require.Equal(t, int64(statusFailedID), resp.Results[0].Execution.ExecutionStatusID)

	order, err := store.GetTradeOrder(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Version, order.Version)
}

func TestSubmitOpenCircuitFailsItems(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig("execution-service"))
	gw := &fakeGateway{fn: func([]executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
		return executionsvc.BatchResponse{}, breaker.Allow()
	}}
	for i := 0; i < 5; i++ {
		breaker.Record(errs.New("test", errs.KindServer, errs.WithHTTP(500)))
	}
	require.Equal(t, resilience.StateOpen, breaker.State())
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 1)}, false)
	require.NoError(t, err)
	require.Equal(t, StatusFailure, resp.Results[0].Status)
	require.Equal(t, errs.KindUnavailable, resp.Results[0].Kind)
	require.Contains(t, resp.Results[0].Message, "open")
}

func TestSubmitEscalatesClientErrors(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	gw := &fakeGateway{fn: func([]executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
		return executionsvc.BatchResponse{}, errs.New("executionsvc/submit", errs.KindClient,
			errs.WithHTTP(http.StatusNotFound), errs.WithMessage("HTTP 404: Not Found"))
	}}
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 1)}, false)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindClient))
	requireTotals(t, resp, 1)
	require.Equal(t, StatusFailure, resp.Results[0].Status)
}

func TestSubmitLocalOnlySkipsDownstream(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	gw := &fakeGateway{}
	rec := &recorder{}
	c := newCoordinator(t, store, gw, WithRecorder(rec))

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 4)}, true)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resp.Status)
	require.Empty(t, gw.callSizes())
	require.True(t, rec.localOnly)
	require.Equal(t, int64(statusNewID), resp.Results[0].Execution.ExecutionStatusID)
	require.Nil(t, resp.Results[0].Execution.ExecutionServiceID)

	order, err := store.GetTradeOrder(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, order.Submitted)
	require.True(t, order.QuantitySent.Equal(decimal.NewFromInt(4)))
}

func TestSubmitRejectsDuplicatesAtLaterIndex(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	c := newCoordinator(t, store, &fakeGateway{})

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 2), item(a.ID, 3)}, false)
	require.NoError(t, err)
	requireTotals(t, resp, 2)
	require.True(t, resp.Results[0].Succeeded())
	require.Equal(t, StatusFailure, resp.Results[1].Status)
	require.Contains(t, resp.Results[1].Message, "duplicate")

	order, err := store.GetTradeOrder(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, order.QuantitySent.Equal(decimal.NewFromInt(2)))
}

func TestSubmitLocallyRejectedItemDoesNotClaimOrder(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	gw := &fakeGateway{}
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{
		item(a.ID, 0),
		{TradeOrderID: a.ID, Quantity: decimal.NewFromInt(1), DestinationID: 42},
		item(a.ID, 5),
		item(a.ID, 1),
	}, false)
	require.NoError(t, err)
	requireTotals(t, resp, 4)
	require.Equal(t, StatusPartial, resp.Status)

	require.Equal(t, StatusFailure, resp.Results[0].Status)
	require.Contains(t, resp.Results[0].Message, "quantity must be positive")
	require.Equal(t, StatusFailure, resp.Results[1].Status)
	require.NotContains(t, resp.Results[1].Message, "duplicate")
	require.True(t, resp.Results[2].Succeeded(), "got %+v", resp.Results[2])
	require.Equal(t, StatusFailure, resp.Results[3].Status)
	require.Contains(t, resp.Results[3].Message, "first at index 2")
	require.Equal(t, []int{1}, gw.callSizes())

	order, err := store.GetTradeOrder(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, order.QuantitySent.Equal(decimal.NewFromInt(5)))
}

func TestSubmitItemValidation(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	b := seedOrder(t, store, 10)
	d := seedOrder(t, store, 10)
	gw := &fakeGateway{}
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{
		item(a.ID, 11),
		item(b.ID, 0),
		{TradeOrderID: d.ID, Quantity: decimal.NewFromInt(1), DestinationID: 42},
	}, false)
	require.NoError(t, err)
	requireTotals(t, resp, 3)
	require.Equal(t, StatusFailure, resp.Status)
	require.Equal(t, http.StatusOK, resp.HTTPStatus())
	require.Contains(t, resp.Results[0].Message, "exceeds available")
	require.Equal(t, errs.KindValidation, resp.Results[0].Kind)
	require.Contains(t, resp.Results[1].Message, "must be positive")
	require.Equal(t, errs.KindNotFound, resp.Results[2].Kind)
	require.Empty(t, gw.callSizes())
}

func TestSubmitBatchSizeLimits(t *testing.T) {
	c := newCoordinator(t, newStore(t), &fakeGateway{})

	_, err := c.Submit(context.Background(), nil, false)
	require.True(t, errs.Is(err, errs.KindValidation))
	e, _ := errs.As(err)
	require.Equal(t, http.StatusBadRequest, e.StatusCode())

	_, err = c.Submit(context.Background(), make([]Item, MaxItems+1), false)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, http.StatusRequestEntityTooLarge, e.StatusCode())
}

func TestSubmitHandlesMissingAndStrayResults(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	b := seedOrder(t, store, 10)
	gw := &fakeGateway{fn: func(batch []executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
		ok := acceptAll(batch[:1])
		ok.Results = append(ok.Results,
			executionsvc.ItemResult{RequestIndex: 7, Status: executionsvc.StatusSuccess},
			executionsvc.ItemResult{RequestIndex: 0, Status: executionsvc.StatusFailure, Message: "dup"},
		)
		return ok, nil
	}}
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 1), item(b.ID, 1)}, false)
	require.NoError(t, err)
	requireTotals(t, resp, 2)
	require.True(t, resp.Results[0].Succeeded())
	require.Equal(t, StatusFailure, resp.Results[1].Status)
	require.Contains(t, resp.Results[1].Message, "no result returned")
}

func TestSubmitVersionConflictIsItemFailure(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	gw := &fakeGateway{fn: func(batch []executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
		current, err := store.GetTradeOrder(context.Background(), a.ID)
		require.NoError(t, err)
		current.PortfolioID = "5f47ac10b8e4e53b8cfa9b99"
		_, err = store.UpdateTradeOrder(context.Background(), current)
		require.NoError(t, err)
		return acceptAll(batch), nil
	}}
	c := newCoordinator(t, store, gw)

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 5)}, false)
	require.NoError(t, err)
	require.Equal(t, StatusFailure, resp.Results[0].Status)
	require.Equal(t, errs.KindVersionConflict, resp.Results[0].Kind)

	order, err := store.GetTradeOrder(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, "5f47ac10b8e4e53b8cfa9b99", order.PortfolioID)
	require.True(t, order.QuantitySent.IsZero())
}

func TestOverlappingBatchesIncrementOnce(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 100)

	var arrived sync.WaitGroup
	arrived.Add(2)
	gw := &fakeGateway{fn: func(batch []executionsvc.ExecutionRequest) (executionsvc.BatchResponse, error) {
		arrived.Done()
		arrived.Wait()
		return acceptAll(batch), nil
	}}
	c := newCoordinator(t, store, gw)

	responses := make([]Response, 2)
	var wg sync.WaitGroup
	for i := range responses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Submit(context.Background(), []Item{item(a.ID, 10)}, false)
			if err == nil {
				responses[i] = resp
			}
		}()
	}
	wg.Wait()

	successes := 0
	for _, resp := range responses {
		requireTotals(t, resp, 1)
		if resp.Results[0].Succeeded() {
			successes++
		} else {
			require.Equal(t, errs.KindVersionConflict, resp.Results[0].Kind)
		}
	}
	require.Equal(t, 1, successes)

	order, err := store.GetTradeOrder(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, order.QuantitySent.Equal(decimal.NewFromInt(10)))
	require.Equal(t, a.Version+1, order.Version)
}

func TestSubmitClosedPoolFailsItems(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	pool, err := async.NewPool(async.Config{Name: "submission", CoreWorkers: 1, MaxWorkers: 1})
	require.NoError(t, err)
	require.NoError(t, pool.Shutdown(context.Background()))
	gw := &fakeGateway{}
	c := newCoordinator(t, store, gw, WithPool(pool))

	resp, err := c.Submit(context.Background(), []Item{item(a.ID, 1)}, false)
	require.NoError(t, err)
	require.Equal(t, StatusFailure, resp.Results[0].Status)
	require.Equal(t, errs.KindUnavailable, resp.Results[0].Kind)
	require.Empty(t, gw.callSizes())
}

func TestSubmitOne(t *testing.T) {
	store := newStore(t)
	a := seedOrder(t, store, 10)
	c := newCoordinator(t, store, &fakeGateway{})

	r, err := c.SubmitOne(context.Background(), item(a.ID, 3), false)
	require.NoError(t, err)
	require.True(t, r.Succeeded())
	require.NotNil(t, r.Execution)

	_, err = c.SubmitOne(context.Background(), item(12345, 3), false)
	require.True(t, errs.Is(err, errs.KindNotFound))
	e, _ := errs.As(err)
	require.Equal(t, http.StatusNotFound, e.StatusCode())

	_, err = c.SubmitOne(context.Background(), item(a.ID, 30), false)
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestClampBatchSize(t *testing.T) {
	cases := map[int]int{-1: DefaultBatchSize, 0: DefaultBatchSize, 1: 1, 50: 50, 100: 100, 250: 100}
	for in, want := range cases {
		c := newCoordinator(t, newStore(t), &fakeGateway{}, WithBatchSize(in))
		require.Equal(t, want, c.BatchSize(), "input %d", in)
	}
}

func TestNewCoordinatorRequiresCollaborators(t *testing.T) {
	_, err := NewCoordinator(nil, nil, &fakeGateway{})
	require.True(t, errs.Is(err, errs.KindValidation))
	store := newStore(t)
	_, err = NewCoordinator(store, store, nil)
	require.True(t, errs.Is(err, errs.KindValidation))
}
