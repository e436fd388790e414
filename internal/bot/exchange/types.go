// Package exchange implements the unified spot/futures adapter abstraction
// from spec §4.A: one small interface per capability set, normalized order
// and position types, and the shared managed-order placement algorithm that
// every concrete exchange adapter reuses.
//
// This is a fresh interface, distinct from the legacy internal/core.IExchange
// used by the single-tenant market-making engine this repo was seeded from:
// that interface is shaped around continuous streaming (order/price/funding
// websocket callbacks) a periodic subscription-execution engine never needs,
// and it depends on the generated internal/pb package, which this workspace
// does not currently have sources for. See DESIGN.md.
package exchange

import (
	"context"
	"time"

	"botplatform/internal/bot/botlib"

	"github.com/shopspring/decimal"
)

// OrderType mirrors the unified order type enum from spec §4.A.
type OrderType string

const (
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeStopMarket     OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMkt  OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeOCO            OrderType = "OCO"
)

// OrderStatus mirrors the unified order status enum from spec §4.A.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// OrderInfo is the unified order representation every adapter returns.
type OrderInfo struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          botlib.Side
	Type          OrderType
	QuantityStr   string
	PriceStr      string
	Status        OrderStatus
	ExecutedQty   decimal.Decimal
}

// Position is the unified position representation every futures adapter
// returns from GetPositions.
type Position struct {
	Symbol     string
	Side       botlib.PositionSide
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	PnL        decimal.Decimal
	Percentage decimal.Decimal
}

// Precision is the per-symbol rounding/validation metadata spec §4.A asks
// every adapter to expose via GetSymbolPrecision.
type Precision struct {
	QtyPrecision  int32
	PricePrecision int32
	StepSize      decimal.Decimal
	TickSize      decimal.Decimal
	MinQty        decimal.Decimal
	MinNotional   decimal.Decimal
	// ContractValue is non-nil on contract-denominated exchanges (OKX,
	// Huobi): orders there are sized in contracts, each worth ContractValue
	// units of the base asset (spec §4.A "Quantity conversion").
	ContractValue *decimal.Decimal
}

// AccountInfo is the unified futures account snapshot from GetAccountInfo.
type AccountInfo struct {
	TotalWallet   decimal.Decimal
	Available     decimal.Decimal
	UsedMargin    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Raw           map[string]interface{}
}

// Ticker is the unified last-price quote from GetTicker.
type Ticker struct {
	Symbol string
	Price  decimal.Decimal
}

// ManagedOrderResult is the output of the managed-orders algorithm: one
// stop-loss order for the full quantity and one or two take-profit legs.
type ManagedOrderResult struct {
	StopLossOrder    *OrderInfo
	TakeProfitOrders []*OrderInfo
}

// FuturesAdapter is the capability set spec §4.A names for futures trading.
type FuturesAdapter interface {
	Name() string
	TestConnectivity(ctx context.Context) error
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	SetLeverage(ctx context.Context, symbol string, leverage int32) error
	GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error)
	RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error)
	NormalizeSymbol(symbol string) string
	CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error)
	CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error)
	CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error)
	CreateManagedOrders(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal, reduceOnly bool) (*ManagedOrderResult, error)
}

// SpotAdapter is the capability set spec §4.A names for spot trading: the
// same shape minus leverage/position/reduce-only, plus CreateOCOOrder.
type SpotAdapter interface {
	Name() string
	TestConnectivity(ctx context.Context) error
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error)
	RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error)
	NormalizeSymbol(symbol string) string
	CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error)
	CreateOCOOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal) (*OrderInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error)
}

// SupportsNativeOCO reports whether a spot adapter can place an atomic
// OCO order, or must fall back to a plain TP limit (Bybit/Kraken spot —
// spec §4.A "Spot operations").
type SupportsNativeOCO interface {
	HasNativeOCO() bool
}
