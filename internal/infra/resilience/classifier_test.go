package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeflow/errs"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyHTTPStatuses(t *testing.T) {
	server := errs.New("executionsvc/submit", errs.KindServer, errs.WithHTTP(503), errs.WithMessage("unavailable"))
	info := Classify(server, Context{})
	require.Equal(t, errs.CategoryServer, info.Category)
	require.Equal(t, "SERVER_ERROR_503", info.Code)
	require.True(t, info.Retryable)

	client := errs.New("executionsvc/submit", errs.KindClient, errs.WithHTTP(404))
	info = Classify(fmt.Errorf("dispatch: %w", client), Context{})
	require.Equal(t, errs.CategoryClient, info.Category)
	require.Equal(t, "CLIENT_ERROR_404", info.Code)
	require.False(t, info.Retryable)
}

func TestClassifyNetworkFailures(t *testing.T) {
	cases := []error{
		context.DeadlineExceeded,
		&url.Error{Op: "Post", URL: "http://exec", Err: syscall.ECONNREFUSED},
		&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no route to host")},
		timeoutErr{},
		errs.New("executionsvc/submit", errs.KindNetwork, errs.WithCause(errors.New("reset"))),
	}
	for _, err := range cases {
		info := Classify(err, Context{})
		require.Equal(t, errs.CategoryNetwork, info.Category, "%v", err)
		require.Equal(t, "NETWORK_ERROR", info.Code)
		require.True(t, info.Retryable)
	}
	require.Contains(t, Classify(timeoutErr{}, Context{}).Message, "timeout")
}

func TestClassifyUnknown(t *testing.T) {
	info := Classify(errors.New("boom"), Context{})
	require.Equal(t, errs.CategoryUnknown, info.Category)
	require.Equal(t, "UNKNOWN_ERROR", info.Code)
	require.False(t, info.Retryable)

	info = Classify(errs.Invalid("batch", "bad"), Context{})
	require.Equal(t, errs.CategoryUnknown, info.Category)

	wait := errs.New("executionsvc/submit", errs.KindInternal,
		errs.WithMessage("rate limiter wait"), errs.WithCause(context.DeadlineExceeded))
	info = Classify(wait, Context{})
	require.Equal(t, errs.CategoryUnknown, info.Category)
	require.False(t, info.Retryable)
}

func TestErrorInfoFields(t *testing.T) {
	info := Classify(context.DeadlineExceeded, Context{})
	fields := info.Fields(Context{Operation: "submit", Attempt: 2, BatchSize: 3, ExecutionIDs: []int64{1, 2, 3}})
	keys := make(map[string]any, len(fields))
	for _, f := range fields {
		keys[f.Key] = f.Value
	}
	require.Equal(t, "NETWORK_ERROR", keys["errorCode"])
	require.Equal(t, 2, keys["attempt"])
	require.Equal(t, 3, keys["batchSize"])
	require.Equal(t, []int64{1, 2, 3}, keys["executionIds"])
}
