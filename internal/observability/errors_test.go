package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAggregateErrorsNilWhenAllSucceed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	require.NoError(t, AggregateErrors(WrapZap(zap.New(core)), "shutdown", []error{nil, nil}))
	require.Zero(t, logs.Len())
}

func TestAggregateErrorsJoinsAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	drain := errors.New("drain submission pool: deadline exceeded")
	flush := errors.New("flush metrics: connection refused")

	err := AggregateErrors(WrapZap(zap.New(core)), "shutdown", []error{drain, nil, flush}, F("elapsed", "2s"))
	require.ErrorIs(t, err, drain)
	require.ErrorIs(t, err, flush)
	require.Contains(t, err.Error(), "shutdown: ")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "shutdown failed", entries[0].Message)
	ctx := entries[0].ContextMap()
	require.Equal(t, int64(2), ctx["failures"])
	require.Equal(t, "2s", ctx["elapsed"])
}
