package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botplatform/internal/bot/botlib"
)

// fakeManagedAdapter implements FuturesAdapter for PlaceManagedOrders,
// recording every order it places and every order it cancels so tests can
// assert on the split/rollback invariants directly.
type fakeManagedAdapter struct {
	FuturesAdapter

	precision *Precision
	slErr     error
	tpErrAt   int // 1-indexed TP call to fail on, 0 = never

	tpCalls    int
	placed     []string
	cancelled  []string
	cancelAllN int
}

func (f *fakeManagedAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	f.cancelAllN++
	return nil
}

func (f *fakeManagedAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	return f.precision, nil
}

func (f *fakeManagedAdapter) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	if f.slErr != nil {
		return nil, f.slErr
	}
	id := "sl-1"
	f.placed = append(f.placed, id)
	return &OrderInfo{OrderID: id, QuantityStr: qty.String()}, nil
}

func (f *fakeManagedAdapter) CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	f.tpCalls++
	if f.tpErrAt != 0 && f.tpCalls == f.tpErrAt {
		return nil, errors.New("tp rejected")
	}
	id := "tp-" + decimal.NewFromInt(int64(f.tpCalls)).String()
	f.placed = append(f.placed, id)
	return &OrderInfo{OrderID: id, QuantityStr: qty.String(), PriceStr: stopPrice.String()}, nil
}

func (f *fakeManagedAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func stepPrecision(step, minQty, minNotional string) *Precision {
	return &Precision{
		StepSize:    decimal.RequireFromString(step),
		MinQty:      decimal.RequireFromString(minQty),
		MinNotional: decimal.RequireFromString(minNotional),
	}
}

func TestPlaceManagedOrders_SplitsWhenHalfClearsMinimums(t *testing.T) {
	adapter := &fakeManagedAdapter{precision: stepPrecision("0.001", "0.01", "5")}

	result, err := PlaceManagedOrders(context.Background(), adapter, "BTCUSDT", botlib.SideBuy,
		decimal.NewFromFloat(1.0), decimal.NewFromInt(95), decimal.NewFromInt(110), false)

	require.NoError(t, err)
	assert.Equal(t, 1, adapter.cancelAllN)
	require.Len(t, result.TakeProfitOrders, 2)
	// Halves sum back to the original quantity.
	tp1Qty := decimal.RequireFromString(result.TakeProfitOrders[0].QuantityStr)
	tp2Qty := decimal.RequireFromString(result.TakeProfitOrders[1].QuantityStr)
	assert.True(t, tp1Qty.Add(tp2Qty).Equal(decimal.NewFromFloat(1.0)))
	// TP2 is offset 2% above TP1 for a long's closing side.
	tp1Price := decimal.RequireFromString(result.TakeProfitOrders[0].PriceStr)
	tp2Price := decimal.RequireFromString(result.TakeProfitOrders[1].PriceStr)
	assert.True(t, tp2Price.GreaterThan(tp1Price))
}

func TestPlaceManagedOrders_SingleLegWhenHalfBelowMinQty(t *testing.T) {
	adapter := &fakeManagedAdapter{precision: stepPrecision("0.001", "0.01", "5")}

	result, err := PlaceManagedOrders(context.Background(), adapter, "BTCUSDT", botlib.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(95), decimal.NewFromInt(110), false)

	require.NoError(t, err)
	require.Len(t, result.TakeProfitOrders, 1)
	assert.Equal(t, "0.01", result.TakeProfitOrders[0].QuantityStr)
}

func TestPlaceManagedOrders_SingleLegWhenHalfNotionalBelowMinimum(t *testing.T) {
	// Half the quantity clears min_qty but its notional at the TP price
	// doesn't clear min_notional, so the split must not happen.
	adapter := &fakeManagedAdapter{precision: stepPrecision("0.001", "0.01", "100")}

	result, err := PlaceManagedOrders(context.Background(), adapter, "BTCUSDT", botlib.SideBuy,
		decimal.NewFromFloat(1.0), decimal.NewFromInt(95), decimal.NewFromInt(10), false)

	require.NoError(t, err)
	require.Len(t, result.TakeProfitOrders, 1)
}

func TestPlaceManagedOrders_ClosingSideIsOppositeOfEntry(t *testing.T) {
	var gotSide botlib.Side
	adapter := &fakeManagedAdapter{precision: stepPrecision("0.001", "0.01", "5")}
	wrapped := &sideCapturingAdapter{fakeManagedAdapter: adapter, capture: &gotSide}

	_, err := PlaceManagedOrders(context.Background(), wrapped, "BTCUSDT", botlib.SideBuy,
		decimal.NewFromFloat(0.01), decimal.NewFromInt(95), decimal.NewFromInt(110), false)
	require.NoError(t, err)
	assert.Equal(t, botlib.SideSell, gotSide)
}

type sideCapturingAdapter struct {
	*fakeManagedAdapter
	capture *botlib.Side
}

func (s *sideCapturingAdapter) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	*s.capture = side
	return s.fakeManagedAdapter.CreateStopLossOrder(ctx, symbol, side, qty, stopPrice, reduceOnly)
}

func TestPlaceManagedOrders_RollsBackPlacedLegsOnLaterFailure(t *testing.T) {
	adapter := &fakeManagedAdapter{precision: stepPrecision("0.001", "0.01", "5"), tpErrAt: 2}

	_, err := PlaceManagedOrders(context.Background(), adapter, "BTCUSDT", botlib.SideBuy,
		decimal.NewFromFloat(1.0), decimal.NewFromInt(95), decimal.NewFromInt(110), false)

	require.Error(t, err)
	// SL and the first TP leg were placed before the second TP leg failed;
	// both must be cancelled during rollback.
	assert.ElementsMatch(t, []string{"sl-1", "tp-1"}, adapter.cancelled)
}

func TestPlaceManagedOrders_StopLossFailureNeedsNoRollback(t *testing.T) {
	adapter := &fakeManagedAdapter{precision: stepPrecision("0.001", "0.01", "5"), slErr: errors.New("sl rejected")}

	_, err := PlaceManagedOrders(context.Background(), adapter, "BTCUSDT", botlib.SideBuy,
		decimal.NewFromFloat(1.0), decimal.NewFromInt(95), decimal.NewFromInt(110), false)

	require.Error(t, err)
	assert.Empty(t, adapter.cancelled)
}

func TestValidateQuantity_RejectsBelowMinQty(t *testing.T) {
	prec := &Precision{MinQty: decimal.NewFromFloat(0.01), MinNotional: decimal.NewFromInt(5)}
	err := ValidateQuantity("BTCUSDT", decimal.NewFromFloat(0.004), decimal.NewFromFloat(0.004), decimal.NewFromInt(100), prec)
	require.NotNil(t, err)
	assert.Equal(t, "BTCUSDT", err.Symbol)
}

func TestValidateQuantity_RejectsBelowMinNotional(t *testing.T) {
	prec := &Precision{MinQty: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromInt(50)}
	err := ValidateQuantity("BTCUSDT", decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.01), decimal.NewFromInt(100), prec)
	require.NotNil(t, err)
}

func TestValidateQuantity_AcceptsWhenBothClearMinimums(t *testing.T) {
	prec := &Precision{MinQty: decimal.NewFromFloat(0.001), MinNotional: decimal.NewFromInt(5)}
	err := ValidateQuantity("BTCUSDT", decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.01), decimal.NewFromInt(100), prec)
	assert.Nil(t, err)
}
