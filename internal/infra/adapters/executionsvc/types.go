package executionsvc

import (
	"time"

	"github.com/shopspring/decimal"
)

// Per-item result statuses reported by the execution service.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// MaxBatchSize is the largest batch the execution service accepts.
const MaxBatchSize = 100

// ExecutionRequest is one execution record sent downstream.
type ExecutionRequest struct {
	ExecutionStatus         string          `json:"executionStatus"`
	TradeType               string          `json:"tradeType"`
	Destination             string          `json:"destination"`
	SecurityID              string          `json:"securityId"`
	Quantity                decimal.Decimal `json:"quantity"`
	LimitPrice              decimal.Decimal `json:"limitPrice"`
	TradeServiceExecutionID int64           `json:"tradeServiceExecutionId"`
	Version                 int32           `json:"version"`
}

type batchRequest struct {
	Executions []ExecutionRequest `json:"executions"`
}

// Execution is the downstream view of an accepted execution.
type Execution struct {
	ID                      int64           `json:"id"`
	ExecutionStatus         string          `json:"executionStatus"`
	TradeType               string          `json:"tradeType"`
	Destination             string          `json:"destination"`
	SecurityID              string          `json:"securityId"`
	Quantity                decimal.Decimal `json:"quantity"`
	LimitPrice              decimal.Decimal `json:"limitPrice"`
	ReceivedTimestamp       *time.Time      `json:"receivedTimestamp,omitempty"`
	SentTimestamp           *time.Time      `json:"sentTimestamp,omitempty"`
	TradeServiceExecutionID int64           `json:"tradeServiceExecutionId"`
	Version                 int32           `json:"version"`
}

// ItemResult is the outcome for the item at RequestIndex within the sent batch.
type ItemResult struct {
	RequestIndex int        `json:"requestIndex"`
	Status       string     `json:"status"`
	Message      string     `json:"message"`
	Execution    *Execution `json:"execution,omitempty"`
}

// Succeeded reports whether the item was accepted downstream.
func (r ItemResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// BatchResponse is the execution service's batch reply.
type BatchResponse struct {
	Status         string       `json:"status"`
	Message        string       `json:"message"`
	TotalRequested int          `json:"totalRequested"`
	Successful     int          `json:"successful"`
	Failed         int          `json:"failed"`
	Results        []ItemResult `json:"results"`
}
