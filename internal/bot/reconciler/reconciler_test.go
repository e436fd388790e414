package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/exchange"
)

type fakeTradeStore struct {
	trades      []botlib.Trade
	subs        map[int64]*botlib.Subscription
	bots        map[int64]*botlib.Bot
	updated     []int64
	closed      []int64
	closeReason botlib.ExitReason
}

func (f *fakeTradeStore) OpenTrades(ctx context.Context) ([]botlib.Trade, error) {
	return f.trades, nil
}

func (f *fakeTradeStore) GetSubscription(ctx context.Context, id int64) (*botlib.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, errors.New("subscription not found")
	}
	return sub, nil
}

func (f *fakeTradeStore) GetBot(ctx context.Context, botID int64) (*botlib.Bot, error) {
	return f.bots[botID], nil
}

func (f *fakeTradeStore) ResolveCredentials(ctx context.Context, developerUserID, marketplaceOwnerID, subscriberUserID int64, exchangeName string, network botlib.NetworkType) (*botlib.ExchangeCredentials, error) {
	return &botlib.ExchangeCredentials{Exchange: exchangeName, Network: network}, nil
}

func (f *fakeTradeStore) UpdateUnrealized(ctx context.Context, tradeID int64, markPrice, unrealizedPnL, pnlPct decimal.Decimal, leverage int32) error {
	f.updated = append(f.updated, tradeID)
	return nil
}

func (f *fakeTradeStore) CloseTrade(ctx context.Context, tradeID int64, exitPrice decimal.Decimal, exitTime time.Time, reason botlib.ExitReason, realizedPnL, feesPaid decimal.Decimal, durationMinutes float64) error {
	f.closed = append(f.closed, tradeID)
	f.closeReason = reason
	return nil
}

type fakeFuturesAdapter struct {
	exchange.FuturesAdapter
	positions []exchange.Position
}

func (f *fakeFuturesAdapter) GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return f.positions, nil
}

func (f *fakeFuturesAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func (f *fakeFuturesAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	return nil
}

func testAdapterFactory(positions []exchange.Position) AdapterFactory {
	return func(exchangeType string, creds botlib.ExchangeCredentials, logger botlib.Logger) (exchange.FuturesAdapter, error) {
		return &fakeFuturesAdapter{positions: positions}, nil
	}
}

func baseFixture(positions []exchange.Position, trade botlib.Trade) (*fakeTradeStore, *Reconciler) {
	store := &fakeTradeStore{
		trades: []botlib.Trade{trade},
		subs: map[int64]*botlib.Subscription{
			1: {ID: 1, UserID: 10, BotID: 1, ExchangeType: "binance", NetworkType: botlib.NetworkMainnet},
		},
		bots: map[int64]*botlib.Bot{1: {ID: 1, DeveloperID: 5}},
	}
	r := New(store, testAdapterFactory(positions), NewOrderCleaner(botlib.NopLogger{}), botlib.NopLogger{}, time.Minute)
	return store, r
}

func TestReconcile_UpdatesOpenPosition(t *testing.T) {
	trade := botlib.Trade{
		ID: 100, SubscriptionID: 1, Symbol: "BTCUSDT",
		PositionSide: botlib.PositionLong, Quantity: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100), EntryTime: time.Now().Add(-time.Hour),
		Leverage: 5, Status: botlib.TradeOpen,
	}
	positions := []exchange.Position{
		{Symbol: "BTCUSDT", Side: botlib.PositionLong, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(110)},
	}
	store, r := baseFixture(positions, trade)

	err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, store.updated)
	assert.Empty(t, store.closed)
	assert.Equal(t, "completed", r.GetStatus().State)
	assert.Equal(t, 1, r.GetStatus().Updated)
}

func TestReconcile_ClosesTradeWithNoMatchingPosition(t *testing.T) {
	trade := botlib.Trade{
		ID: 101, SubscriptionID: 1, Symbol: "BTCUSDT",
		PositionSide: botlib.PositionLong, Quantity: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100), EntryTime: time.Now().Add(-time.Hour),
		TakeProfit: decimal.NewFromInt(110), LastUpdatedPrice: decimal.NewFromInt(110),
		Leverage: 5, Status: botlib.TradeOpen,
	}
	store, r := baseFixture(nil, trade)

	err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, store.closed)
	assert.Equal(t, botlib.ExitTakeProfit, store.closeReason)
}

func TestReconcile_ClosesTradeAsManualOutsideBand(t *testing.T) {
	trade := botlib.Trade{
		ID: 102, SubscriptionID: 1, Symbol: "BTCUSDT",
		PositionSide: botlib.PositionLong, Quantity: decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100), EntryTime: time.Now().Add(-time.Hour),
		TakeProfit: decimal.NewFromInt(150), StopLoss: decimal.NewFromInt(50),
		LastUpdatedPrice: decimal.NewFromInt(105),
		Leverage:         5, Status: botlib.TradeOpen,
	}
	store, r := baseFixture(nil, trade)

	err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{102}, store.closed)
	assert.Equal(t, botlib.ExitManual, store.closeReason)
}

func TestReconcile_IsolatesPerTradeErrors(t *testing.T) {
	goodTrade := botlib.Trade{
		ID: 1, SubscriptionID: 1, Symbol: "BTCUSDT", PositionSide: botlib.PositionLong,
		Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100),
		EntryTime: time.Now(), Leverage: 5, Status: botlib.TradeOpen,
	}
	badTrade := botlib.Trade{
		ID: 2, SubscriptionID: 999, Symbol: "ETHUSDT", PositionSide: botlib.PositionLong,
		Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100),
		EntryTime: time.Now(), Leverage: 5, Status: botlib.TradeOpen,
	}
	store := &fakeTradeStore{
		trades: []botlib.Trade{goodTrade, badTrade},
		subs: map[int64]*botlib.Subscription{
			1: {ID: 1, UserID: 10, BotID: 1, ExchangeType: "binance", NetworkType: botlib.NetworkMainnet},
		},
		bots: map[int64]*botlib.Bot{1: {ID: 1, DeveloperID: 5}},
	}
	positions := []exchange.Position{
		{Symbol: "BTCUSDT", Side: botlib.PositionLong, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(110)},
	}
	r := New(store, testAdapterFactory(positions), NewOrderCleaner(botlib.NopLogger{}), botlib.NopLogger{}, time.Minute)

	err := r.Reconcile(context.Background())
	require.NoError(t, err)
	status := r.GetStatus()
	assert.Equal(t, 1, status.Updated)
	assert.Equal(t, 1, status.Errors)
}

func TestClassifyExit(t *testing.T) {
	tp := decimal.NewFromInt(110)
	sl := decimal.NewFromInt(90)

	assert.Equal(t, botlib.ExitTakeProfit, classifyExit(decimal.NewFromInt(109), tp, sl))
	assert.Equal(t, botlib.ExitStopLoss, classifyExit(decimal.NewFromFloat(90.5), tp, sl))
	assert.Equal(t, botlib.ExitManual, classifyExit(decimal.NewFromInt(100), tp, sl))
}
