package submission

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
)

// Aggregate and per-item statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusPartial = "PARTIAL"
	StatusFailure = "FAILURE"
)

// Batch size bounds.
const (
	MaxItems         = 100
	DefaultBatchSize = 50
)

// Item asks for quantity of a trade order to be sent to a destination.
type Item struct {
	TradeOrderID  int64           `json:"tradeOrderId"`
	Quantity      decimal.Decimal `json:"quantity"`
	DestinationID int64           `json:"destinationId"`
}

// Result is the outcome for the item at RequestIndex in the submitted batch.
type Result struct {
	RequestIndex int                   `json:"requestIndex"`
	TradeOrderID int64                 `json:"tradeOrderId"`
	Status       string                `json:"status"`
	Message      string                `json:"message,omitempty"`
	Execution    *tradestore.Execution `json:"execution,omitempty"`
	// Kind tags a failure with where it came from. Empty on success.
	Kind errs.Kind `json:"-"`
}

// Succeeded reports whether the item was accepted.
func (r Result) Succeeded() bool { return r.Status == StatusSuccess }

// Response summarises a batch. Results holds exactly one entry per submitted item,
// ordered by RequestIndex.
type Response struct {
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	TotalRequested int      `json:"totalRequested"`
	Successful     int      `json:"successful"`
	Failed         int      `json:"failed"`
	Results        []Result `json:"results"`
}

// HTTPStatus maps the aggregate status onto the boundary status code. A batch where
// every item failed still answers 200.
func (r Response) HTTPStatus() int {
	if r.Status == StatusPartial {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

func aggregate(results []Result) Response {
	out := Response{TotalRequested: len(results), Results: results}
	for _, r := range results {
		if r.Succeeded() {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	switch {
	case out.Failed == 0:
		out.Status = StatusSuccess
		out.Message = "all trade orders submitted successfully"
	case out.Successful == 0:
		out.Status = StatusFailure
		out.Message = "all trade orders failed to submit"
	default:
		out.Status = StatusPartial
		out.Message = "some trade orders failed to submit"
	}
	return out
}
