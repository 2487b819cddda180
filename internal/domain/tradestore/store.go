// Package tradestore defines persistence contracts for trade orders, executions and the
// reference data they point at.
package tradestore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Execution status abbreviations used by the submission pipeline.
const (
	ExecutionStatusNew    = "NEW"
	ExecutionStatusSent   = "SENT"
	ExecutionStatusFailed = "FAILED"
)

// TradeOrder is a client instruction to trade a quantity of a security.
type TradeOrder struct {
	ID             int64           `json:"id"`
	OrderID        int64           `json:"orderId"`
	PortfolioID    string          `json:"portfolioId"`
	SecurityID     string          `json:"securityId"`
	OrderType      string          `json:"orderType"`
	Quantity       decimal.Decimal `json:"quantity"`
	QuantitySent   decimal.Decimal `json:"quantitySent"`
	LimitPrice     decimal.Decimal `json:"limitPrice"`
	TradeTimestamp time.Time       `json:"tradeTimestamp"`
	BlotterID      *int64          `json:"blotterId,omitempty"`
	Submitted      bool            `json:"submitted"`
	Version        int32           `json:"version"`
}

// Available returns the quantity that has not yet been sent downstream.
func (o TradeOrder) Available() decimal.Decimal {
	return o.Quantity.Sub(o.QuantitySent)
}

// Execution is a local record of one attempt to place (part of) a trade order at a
// destination.
type Execution struct {
	ID                 int64           `json:"id"`
	ExecutionTimestamp time.Time       `json:"executionTimestamp"`
	ExecutionStatusID  int64           `json:"executionStatusId"`
	BlotterID          *int64          `json:"blotterId,omitempty"`
	TradeTypeID        *int64          `json:"tradeTypeId,omitempty"`
	TradeOrderID       int64           `json:"tradeOrderId"`
	DestinationID      int64           `json:"destinationId"`
	QuantityOrdered    decimal.Decimal `json:"quantityOrdered"`
	QuantityPlaced     decimal.Decimal `json:"quantityPlaced"`
	QuantityFilled     decimal.Decimal `json:"quantityFilled"`
	LimitPrice         decimal.Decimal `json:"limitPrice"`
	ExecutionServiceID *int64          `json:"executionServiceId,omitempty"`
	Version            int32           `json:"version"`
}

// Reference is a row of reference data (blotter, destination, trade type, status).
type Reference struct {
	ID           int64  `json:"id"`
	Abbreviation string `json:"abbreviation"`
	Description  string `json:"description"`
	Version      int32  `json:"version"`
}

// Store persists trade orders and executions. Update methods are conditional on the
// Version carried by the argument; a stale version yields an errs.KindVersionConflict
// error and leaves the row untouched. Missing rows yield errs.KindNotFound.
type Store interface {
	CreateTradeOrder(ctx context.Context, order TradeOrder) (TradeOrder, error)
	GetTradeOrder(ctx context.Context, id int64) (TradeOrder, error)
	UpdateTradeOrder(ctx context.Context, order TradeOrder) (TradeOrder, error)
	DeleteTradeOrder(ctx context.Context, id int64, version int32) error

	CreateExecution(ctx context.Context, execution Execution) (Execution, error)
	GetExecution(ctx context.Context, id int64) (Execution, error)
	UpdateExecution(ctx context.Context, execution Execution) (Execution, error)
}

// ReferenceData resolves the read-only reference entities an execution points at.
type ReferenceData interface {
	Blotter(ctx context.Context, id int64) (Reference, error)
	Destination(ctx context.Context, id int64) (Reference, error)
	TradeType(ctx context.Context, abbreviation string) (Reference, error)
	ExecutionStatus(ctx context.Context, abbreviation string) (Reference, error)
}
