package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
)

// TradeStore persists trade orders and executions with optimistic versioning.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	tradeOrderColumns = `
    id,
    order_id,
    portfolio_id,
    order_type,
    security_id,
    quantity::text,
    quantity_sent::text,
    limit_price::text,
    trade_timestamp,
    blotter_id,
    submitted,
    version`

	tradeOrderInsertSQL = `
INSERT INTO trade_order (
    order_id,
    portfolio_id,
    order_type,
    security_id,
    quantity,
    quantity_sent,
    limit_price,
    trade_timestamp,
    blotter_id,
    submitted,
    version
)
VALUES (
    @order_id,
    @portfolio_id,
    @order_type,
    @security_id,
    @quantity::numeric,
    @quantity_sent::numeric,
    @limit_price::numeric,
    @trade_timestamp,
    @blotter_id,
    @submitted,
    1
)
RETURNING` + tradeOrderColumns + `;
`

	tradeOrderSelectSQL = `SELECT` + tradeOrderColumns + `
FROM trade_order
WHERE id = @id;
`

	tradeOrderUpdateSQL = `
UPDATE trade_order
SET order_id = @order_id,
    portfolio_id = @portfolio_id,
    order_type = @order_type,
    security_id = @security_id,
    quantity = @quantity::numeric,
    quantity_sent = @quantity_sent::numeric,
    limit_price = @limit_price::numeric,
    trade_timestamp = @trade_timestamp,
    blotter_id = @blotter_id,
    submitted = @submitted,
    version = version + 1
WHERE id = @id AND version = @version
RETURNING` + tradeOrderColumns + `;
`

	tradeOrderDeleteSQL = `DELETE FROM trade_order WHERE id = @id AND version = @version;`

	tradeOrderVersionSQL = `SELECT version FROM trade_order WHERE id = @id;`

	executionColumns = `
    id,
    execution_timestamp,
    execution_status_id,
    blotter_id,
    trade_type_id,
    trade_order_id,
    destination_id,
    quantity_ordered::text,
    quantity_placed::text,
    quantity_filled::text,
    limit_price::text,
    execution_service_id,
    version`

	executionInsertSQL = `
INSERT INTO execution (
    execution_timestamp,
    execution_status_id,
    blotter_id,
    trade_type_id,
    trade_order_id,
    destination_id,
    quantity_ordered,
    quantity_placed,
    quantity_filled,
    limit_price,
    execution_service_id,
    version
)
VALUES (
    @execution_timestamp,
    @execution_status_id,
    @blotter_id,
    @trade_type_id,
    @trade_order_id,
    @destination_id,
    @quantity_ordered::numeric,
    @quantity_placed::numeric,
    @quantity_filled::numeric,
    @limit_price::numeric,
    @execution_service_id,
    1
)
RETURNING` + executionColumns + `;
`

	executionSelectSQL = `SELECT` + executionColumns + `
FROM execution
WHERE id = @id;
`

	executionUpdateSQL = `
UPDATE execution
SET execution_timestamp = @execution_timestamp,
    execution_status_id = @execution_status_id,
    blotter_id = @blotter_id,
    trade_type_id = @trade_type_id,
    destination_id = @destination_id,
    quantity_ordered = @quantity_ordered::numeric,
    quantity_placed = @quantity_placed::numeric,
    quantity_filled = @quantity_filled::numeric,
    limit_price = @limit_price::numeric,
    execution_service_id = @execution_service_id,
    version = version + 1
WHERE id = @id AND version = @version
RETURNING` + executionColumns + `;
`

	executionVersionSQL = `SELECT version FROM execution WHERE id = @id;`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *TradeStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	return s.pool, nil
}

// CreateTradeOrder inserts order at version 1 and returns the stored row.
func (s *TradeStore) CreateTradeOrder(ctx context.Context, order tradestore.TradeOrder) (tradestore.TradeOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return tradestore.TradeOrder{}, err
	}
	row := pool.QueryRow(ctx, tradeOrderInsertSQL, tradeOrderArgs(order))
	stored, err := scanTradeOrder(row)
	if err != nil {
		return tradestore.TradeOrder{}, fmt.Errorf("trade store: insert trade order: %w", err)
	}
	return stored, nil
}

// GetTradeOrder loads a trade order by id.
func (s *TradeStore) GetTradeOrder(ctx context.Context, id int64) (tradestore.TradeOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return tradestore.TradeOrder{}, err
	}
	order, err := scanTradeOrder(pool.QueryRow(ctx, tradeOrderSelectSQL, pgx.NamedArgs{"id": id}))
	if errors.Is(err, pgx.ErrNoRows) {
		return tradestore.TradeOrder{}, tradeOrderNotFound(id)
	}
	if err != nil {
		return tradestore.TradeOrder{}, fmt.Errorf("trade store: select trade order: %w", err)
	}
	return order, nil
}

// UpdateTradeOrder writes order when its version still matches the stored row.
func (s *TradeStore) UpdateTradeOrder(ctx context.Context, order tradestore.TradeOrder) (tradestore.TradeOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return tradestore.TradeOrder{}, err
	}
	return s.updateTradeOrderWith(ctx, pool, order)
}

func (s *TradeStore) updateTradeOrderWith(ctx context.Context, exec execer, order tradestore.TradeOrder) (tradestore.TradeOrder, error) {
	args := tradeOrderArgs(order)
	args["id"] = order.ID
	args["version"] = order.Version
	updated, err := scanTradeOrder(exec.QueryRow(ctx, tradeOrderUpdateSQL, args))
	if errors.Is(err, pgx.ErrNoRows) {
		return tradestore.TradeOrder{}, missingOrStale(ctx, exec, tradeOrderVersionSQL, "trade order", order.ID, order.Version)
	}
	if err != nil {
		return tradestore.TradeOrder{}, fmt.Errorf("trade store: update trade order: %w", err)
	}
	return updated, nil
}

// DeleteTradeOrder removes the trade order when version matches.
func (s *TradeStore) DeleteTradeOrder(ctx context.Context, id int64, version int32) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, tradeOrderDeleteSQL, pgx.NamedArgs{"id": id, "version": version})
	if err != nil {
		return fmt.Errorf("trade store: delete trade order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, pool, tradeOrderVersionSQL, "trade order", id, version)
	}
	return nil
}

// CreateExecution inserts execution at version 1.
func (s *TradeStore) CreateExecution(ctx context.Context, execution tradestore.Execution) (tradestore.Execution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return tradestore.Execution{}, err
	}
	stored, err := scanExecution(pool.QueryRow(ctx, executionInsertSQL, executionArgs(execution)))
	if err != nil {
		return tradestore.Execution{}, fmt.Errorf("trade store: insert execution: %w", err)
	}
	return stored, nil
}

// GetExecution loads an execution by id.
func (s *TradeStore) GetExecution(ctx context.Context, id int64) (tradestore.Execution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return tradestore.Execution{}, err
	}
	execution, err := scanExecution(pool.QueryRow(ctx, executionSelectSQL, pgx.NamedArgs{"id": id}))
	if errors.Is(err, pgx.ErrNoRows) {
		return tradestore.Execution{}, errs.NotFound("trade store", "execution not found with id "+strconv.FormatInt(id, 10))
	}
	if err != nil {
		return tradestore.Execution{}, fmt.Errorf("trade store: select execution: %w", err)
	}
	return execution, nil
}

// UpdateExecution writes execution when its version still matches the stored row.
func (s *TradeStore) UpdateExecution(ctx context.Context, execution tradestore.Execution) (tradestore.Execution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return tradestore.Execution{}, err
	}
	args := executionArgs(execution)
	args["id"] = execution.ID
	args["version"] = execution.Version
	updated, err := scanExecution(pool.QueryRow(ctx, executionUpdateSQL, args))
	if errors.Is(err, pgx.ErrNoRows) {
		return tradestore.Execution{}, missingOrStale(ctx, pool, executionVersionSQL, "execution", execution.ID, execution.Version)
	}
	if err != nil {
		return tradestore.Execution{}, fmt.Errorf("trade store: update execution: %w", err)
	}
	return updated, nil
}

// missingOrStale distinguishes a deleted row from a version mismatch after a
// conditional write matched nothing.
func missingOrStale(ctx context.Context, exec execer, versionSQL, entity string, id int64, expected int32) error {
	var current int32
	err := exec.QueryRow(ctx, versionSQL, pgx.NamedArgs{"id": id}).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound("trade store", entity+" not found with id "+strconv.FormatInt(id, 10))
	}
	if err != nil {
		return fmt.Errorf("trade store: check %s version: %w", entity, err)
	}
	return errs.VersionConflict("trade store", fmt.Sprintf("%s %d version mismatch: expected %d, current %d", entity, id, expected, current))
}

func tradeOrderNotFound(id int64) error {
	return errs.NotFound("trade store", "trade order not found with id "+strconv.FormatInt(id, 10))
}

func tradeOrderArgs(order tradestore.TradeOrder) pgx.NamedArgs {
	ts := order.TradeTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return pgx.NamedArgs{
		"order_id":        order.OrderID,
		"portfolio_id":    order.PortfolioID,
		"order_type":      order.OrderType,
		"security_id":     order.SecurityID,
		"quantity":        order.Quantity.String(),
		"quantity_sent":   order.QuantitySent.String(),
		"limit_price":     nullableDecimal(order.LimitPrice),
		"trade_timestamp": ts,
		"blotter_id":      nullableInt64(order.BlotterID),
		"submitted":       order.Submitted,
	}
}

func executionArgs(execution tradestore.Execution) pgx.NamedArgs {
	ts := execution.ExecutionTimestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return pgx.NamedArgs{
		"execution_timestamp":  ts,
		"execution_status_id":  execution.ExecutionStatusID,
		"blotter_id":           nullableInt64(execution.BlotterID),
		"trade_type_id":        nullableInt64(execution.TradeTypeID),
		"trade_order_id":       execution.TradeOrderID,
		"destination_id":       execution.DestinationID,
		"quantity_ordered":     nullableDecimal(execution.QuantityOrdered),
		"quantity_placed":      execution.QuantityPlaced.String(),
		"quantity_filled":      execution.QuantityFilled.String(),
		"limit_price":          nullableDecimal(execution.LimitPrice),
		"execution_service_id": nullableInt64(execution.ExecutionServiceID),
	}
}

func scanTradeOrder(row pgx.Row) (tradestore.TradeOrder, error) {
	var (
		order        tradestore.TradeOrder
		quantity     string
		quantitySent string
		limitPrice   sql.NullString
		blotterID    sql.NullInt64
	)
	if err := row.Scan(
		&order.ID,
		&order.OrderID,
		&order.PortfolioID,
		&order.OrderType,
		&order.SecurityID,
		&quantity,
		&quantitySent,
		&limitPrice,
		&order.TradeTimestamp,
		&blotterID,
		&order.Submitted,
		&order.Version,
	); err != nil {
		return tradestore.TradeOrder{}, err
	}
	var err error
	if order.Quantity, err = decimalFromText(quantity); err != nil {
		return tradestore.TradeOrder{}, err
	}
	if order.QuantitySent, err = decimalFromText(quantitySent); err != nil {
		return tradestore.TradeOrder{}, err
	}
	if order.LimitPrice, err = decimalFromNull(limitPrice); err != nil {
		return tradestore.TradeOrder{}, err
	}
	order.BlotterID = int64FromNull(blotterID)
	return order, nil
}

func scanExecution(row pgx.Row) (tradestore.Execution, error) {
	var (
		execution       tradestore.Execution
		blotterID       sql.NullInt64
		tradeTypeID     sql.NullInt64
		quantityOrdered sql.NullString
		quantityPlaced  string
		quantityFilled  string
		limitPrice      sql.NullString
		serviceID       sql.NullInt64
	)
	if err := row.Scan(
		&execution.ID,
		&execution.ExecutionTimestamp,
		&execution.ExecutionStatusID,
		&blotterID,
		&tradeTypeID,
		&execution.TradeOrderID,
		&execution.DestinationID,
		&quantityOrdered,
		&quantityPlaced,
		&quantityFilled,
		&limitPrice,
		&serviceID,
		&execution.Version,
	); err != nil {
		return tradestore.Execution{}, err
	}
	var err error
	if execution.QuantityOrdered, err = decimalFromNull(quantityOrdered); err != nil {
		return tradestore.Execution{}, err
	}
	if execution.QuantityPlaced, err = decimalFromText(quantityPlaced); err != nil {
		return tradestore.Execution{}, err
	}
	if execution.QuantityFilled, err = decimalFromText(quantityFilled); err != nil {
		return tradestore.Execution{}, err
	}
	if execution.LimitPrice, err = decimalFromNull(limitPrice); err != nil {
		return tradestore.Execution{}, err
	}
	execution.BlotterID = int64FromNull(blotterID)
	execution.TradeTypeID = int64FromNull(tradeTypeID)
	execution.ExecutionServiceID = int64FromNull(serviceID)
	return execution, nil
}
