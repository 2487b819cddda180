// Package resilience classifies downstream failures and guards outbound calls with a
// circuit breaker and bounded retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/observability"
)

// ErrorInfo is the structured view of a failure used by logging and response assembly.
type ErrorInfo struct {
	Code      string
	Category  errs.Category
	Message   string
	Retryable bool
}

// Context carries the identifiers logged alongside a classified failure. It never
// changes the classification.
type Context struct {
	Operation    string
	ExecutionIDs []int64
	Attempt      int
	BatchSize    int
}

// Classify maps err onto the failure taxonomy. Transport failures are NETWORK, 5xx
// responses SERVER, 4xx responses CLIENT and anything else UNKNOWN. Only NETWORK and
// SERVER are retryable.
func Classify(err error, _ Context) ErrorInfo {
	if err == nil {
		return ErrorInfo{Code: "UNKNOWN_ERROR", Category: errs.CategoryUnknown}
	}
	if e, ok := errs.As(err); ok {
		switch {
		case e.HTTP >= 500:
			return ErrorInfo{
				Code:      fmt.Sprintf("SERVER_ERROR_%d", e.HTTP),
				Category:  errs.CategoryServer,
				Message:   "execution service error: " + e.Detail(),
				Retryable: true,
			}
		case e.HTTP >= 400:
			return ErrorInfo{
				Code:     fmt.Sprintf("CLIENT_ERROR_%d", e.HTTP),
				Category: errs.CategoryClient,
				Message:  "execution service rejected request: " + e.Detail(),
			}
		case e.Kind == errs.KindNetwork:
			return networkInfo(err)
		case e.Kind == errs.KindServer:
			return ErrorInfo{Code: "SERVER_ERROR", Category: errs.CategoryServer, Message: e.Detail(), Retryable: true}
		case e.Kind == errs.KindClient:
			return ErrorInfo{Code: "CLIENT_ERROR", Category: errs.CategoryClient, Message: e.Detail()}
		case e.Kind == errs.KindInternal:
			// Local failures stay UNKNOWN even when they wrap a context deadline.
			return ErrorInfo{Code: "UNKNOWN_ERROR", Category: errs.CategoryUnknown, Message: "unexpected error: " + err.Error()}
		}
	}
	if isNetwork(err) {
		return networkInfo(err)
	}
	return ErrorInfo{
		Code:     "UNKNOWN_ERROR",
		Category: errs.CategoryUnknown,
		Message:  "unexpected error: " + err.Error(),
	}
}

// Fields renders the classification and its context as log fields.
func (i ErrorInfo) Fields(c Context) []observability.Field {
	fields := []observability.Field{
		observability.F("errorCode", i.Code),
		observability.F("category", string(i.Category)),
		observability.F("retryable", i.Retryable),
	}
	if c.Operation != "" {
		fields = append(fields, observability.F("operation", c.Operation))
	}
	if c.Attempt > 0 {
		fields = append(fields, observability.F("attempt", c.Attempt))
	}
	if c.BatchSize > 0 {
		fields = append(fields, observability.F("batchSize", c.BatchSize))
	}
	if len(c.ExecutionIDs) > 0 {
		fields = append(fields, observability.F("executionIds", c.ExecutionIDs))
	}
	return fields
}

func networkInfo(err error) ErrorInfo {
	msg := "network error"
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		msg = "timeout"
	}
	return ErrorInfo{
		Code:      "NETWORK_ERROR",
		Category:  errs.CategoryNetwork,
		Message:   msg + " calling execution service: " + err.Error(),
		Retryable: true,
	}
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
