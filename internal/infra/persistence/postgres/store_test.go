package postgres

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeflow/internal/domain/tradestore"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	require.NotNil(t, store)
	require.Nil(t, store.Pool())
}

func TestStoresRejectNilPool(t *testing.T) {
	store := New(nil)
	ctx := context.Background()

	_, err := store.CreateTradeOrder(ctx, tradestore.TradeOrder{Quantity: decimal.NewFromInt(1)})
	require.Error(t, err)
	_, err = store.GetTradeOrder(ctx, 1)
	require.Error(t, err)
	_, err = store.UpdateTradeOrder(ctx, tradestore.TradeOrder{ID: 1, Version: 1})
	require.Error(t, err)
	require.Error(t, store.DeleteTradeOrder(ctx, 1, 1))
	_, err = store.CreateExecution(ctx, tradestore.Execution{})
	require.Error(t, err)
	_, err = store.GetExecution(ctx, 1)
	require.Error(t, err)
	_, err = store.UpdateExecution(ctx, tradestore.Execution{ID: 1})
	require.Error(t, err)
	_, err = store.Destination(ctx, 1)
	require.Error(t, err)
	_, err = store.ExecutionStatus(ctx, "NEW")
	require.Error(t, err)
}

func TestNumericHelpers(t *testing.T) {
	d, err := decimalFromText(" 12.50000000 ")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("12.5")))

	_, err = decimalFromText("abc")
	require.Error(t, err)

	require.Nil(t, nullableDecimal(decimal.Zero))
	require.Equal(t, "1.25", nullableDecimal(decimal.RequireFromString("1.25")))

	id := int64(7)
	require.Equal(t, int64(7), nullableInt64(&id))
	require.Nil(t, nullableInt64(nil))
}
