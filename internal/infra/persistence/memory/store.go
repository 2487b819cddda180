// Package memory provides an in-process implementation of the trade persistence
// contracts, used for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
)

// Store keeps trade orders, executions and reference data in maps guarded by a
// single mutex. Updates are conditional on the caller's version exactly like the
// SQL store.
type Store struct {
	mu sync.RWMutex

	orders     map[int64]tradestore.TradeOrder
	executions map[int64]tradestore.Execution
	nextOrder  int64
	nextExec   int64

	blotters     map[int64]tradestore.Reference
	destinations map[int64]tradestore.Reference
	tradeTypes   map[string]tradestore.Reference
	statuses     map[string]tradestore.Reference
}

// NewStore creates a store seeded with the standard execution statuses and trade
// types.
func NewStore() *Store {
	s := &Store{
		orders:       make(map[int64]tradestore.TradeOrder),
		executions:   make(map[int64]tradestore.Execution),
		blotters:     make(map[int64]tradestore.Reference),
		destinations: make(map[int64]tradestore.Reference),
		tradeTypes:   make(map[string]tradestore.Reference),
		statuses:     make(map[string]tradestore.Reference),
	}
	for i, abbr := range []string{tradestore.ExecutionStatusNew, tradestore.ExecutionStatusSent, tradestore.ExecutionStatusFailed} {
		s.statuses[abbr] = tradestore.Reference{ID: int64(i + 1), Abbreviation: abbr, Description: abbr, Version: 1}
	}
	for i, abbr := range []string{"BUY", "SELL", "SHORT", "COVER"} {
		s.tradeTypes[abbr] = tradestore.Reference{ID: int64(i + 1), Abbreviation: abbr, Description: abbr, Version: 1}
	}
	return s
}

// AddDestination registers a destination reference row.
func (s *Store) AddDestination(ref tradestore.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.Version == 0 {
		ref.Version = 1
	}
	s.destinations[ref.ID] = ref
}

// AddBlotter registers a blotter reference row.
func (s *Store) AddBlotter(ref tradestore.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.Version == 0 {
		ref.Version = 1
	}
	s.blotters[ref.ID] = ref
}

// CreateTradeOrder stores order under a fresh id at version 1.
func (s *Store) CreateTradeOrder(ctx context.Context, order tradestore.TradeOrder) (tradestore.TradeOrder, error) {
	if err := live(ctx, "create trade order"); err != nil {
		return tradestore.TradeOrder{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrder++
	order.ID = s.nextOrder
	order.Version = 1
	s.orders[order.ID] = order
	return order, nil
}

// GetTradeOrder returns a copy of the stored trade order.
func (s *Store) GetTradeOrder(ctx context.Context, id int64) (tradestore.TradeOrder, error) {
	if err := live(ctx, "get trade order"); err != nil {
		return tradestore.TradeOrder{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return tradestore.TradeOrder{}, notFound("trade order", id)
	}
	return order, nil
}

// UpdateTradeOrder replaces the stored row when versions match and bumps the version.
func (s *Store) UpdateTradeOrder(ctx context.Context, order tradestore.TradeOrder) (tradestore.TradeOrder, error) {
	if err := live(ctx, "update trade order"); err != nil {
		return tradestore.TradeOrder{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[order.ID]
	if !ok {
		return tradestore.TradeOrder{}, notFound("trade order", order.ID)
	}
	if current.Version != order.Version {
		return tradestore.TradeOrder{}, conflict("trade order", order.ID, order.Version, current.Version)
	}
	order.Version = current.Version + 1
	s.orders[order.ID] = order
	return order, nil
}

// DeleteTradeOrder removes the trade order when version matches.
func (s *Store) DeleteTradeOrder(ctx context.Context, id int64, version int32) error {
	if err := live(ctx, "delete trade order"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[id]
	if !ok {
		return notFound("trade order", id)
	}
	if current.Version != version {
		return conflict("trade order", id, version, current.Version)
	}
	delete(s.orders, id)
	return nil
}

// CreateExecution stores execution under a fresh id at version 1.
func (s *Store) CreateExecution(ctx context.Context, execution tradestore.Execution) (tradestore.Execution, error) {
	if err := live(ctx, "create execution"); err != nil {
		return tradestore.Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[execution.TradeOrderID]; !ok {
		return tradestore.Execution{}, notFound("trade order", execution.TradeOrderID)
	}
	s.nextExec++
	execution.ID = s.nextExec
	execution.Version = 1
	s.executions[execution.ID] = execution
	return execution, nil
}

// GetExecution returns a copy of the stored execution.
func (s *Store) GetExecution(ctx context.Context, id int64) (tradestore.Execution, error) {
	if err := live(ctx, "get execution"); err != nil {
		return tradestore.Execution{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return tradestore.Execution{}, notFound("execution", id)
	}
	return execution, nil
}

// UpdateExecution replaces the stored row when versions match and bumps the version.
func (s *Store) UpdateExecution(ctx context.Context, execution tradestore.Execution) (tradestore.Execution, error) {
	if err := live(ctx, "update execution"); err != nil {
		return tradestore.Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[execution.ID]
	if !ok {
		return tradestore.Execution{}, notFound("execution", execution.ID)
	}
	if current.Version != execution.Version {
		return tradestore.Execution{}, conflict("execution", execution.ID, execution.Version, current.Version)
	}
	execution.Version = current.Version + 1
	s.executions[execution.ID] = execution
	return execution, nil
}

// ExecutionsForOrder lists executions created for a trade order, ordered by id.
func (s *Store) ExecutionsForOrder(tradeOrderID int64) []tradestore.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tradestore.Execution
	for _, e := range s.executions {
		if e.TradeOrderID == tradeOrderID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Blotter resolves a blotter by id.
func (s *Store) Blotter(_ context.Context, id int64) (tradestore.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.blotters[id]
	if !ok {
		return tradestore.Reference{}, notFound("blotter", id)
	}
	return ref, nil
}

// Destination resolves a destination by id.
func (s *Store) Destination(_ context.Context, id int64) (tradestore.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.destinations[id]
	if !ok {
		return tradestore.Reference{}, notFound("destination", id)
	}
	return ref, nil
}

// TradeType resolves a trade type by abbreviation.
func (s *Store) TradeType(_ context.Context, abbreviation string) (tradestore.Reference, error) {
	key := strings.ToUpper(strings.TrimSpace(abbreviation))
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.tradeTypes[key]
	if !ok {
		return tradestore.Reference{}, errs.NotFound("memory store", "trade type not found with abbreviation "+key)
	}
	return ref, nil
}

// ExecutionStatus resolves an execution status by abbreviation.
func (s *Store) ExecutionStatus(_ context.Context, abbreviation string) (tradestore.Reference, error) {
	key := strings.ToUpper(strings.TrimSpace(abbreviation))
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.statuses[key]
	if !ok {
		return tradestore.Reference{}, errs.NotFound("memory store", "execution status not found with abbreviation "+key)
	}
	return ref, nil
}

func live(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store %s: %w", op, err)
	}
	return nil
}

func notFound(entity string, id int64) error {
	return errs.NotFound("memory store", entity+" not found with id "+strconv.FormatInt(id, 10))
}

func conflict(entity string, id int64, expected, current int32) error {
	return errs.VersionConflict("memory store", fmt.Sprintf("%s %d version mismatch: expected %d, current %d", entity, id, expected, current))
}
