package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"botplatform/internal/bot/botlib"
	resthttp "botplatform/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	binanceSpotMainnetURL = "https://api.binance.com"
	binanceSpotTestnetURL = "https://testnet.binance.vision"
)

// BinanceSpot implements SpotAdapter against Binance's spot market. It has
// no native OCO support in this implementation (spec §4.A "Spot
// operations"): CreateOCOOrder places a single GTC limit order at the
// take-profit price and nothing for the stop-loss.
type BinanceSpot struct {
	client *resthttp.Client
	signer *binanceSigner
	logger botlib.Logger

	mu        sync.RWMutex
	precision map[string]*Precision
}

func NewBinanceSpot(apiKey, apiSecret string, network botlib.NetworkType, logger botlib.Logger) *BinanceSpot {
	base := binanceSpotMainnetURL
	if network == botlib.NetworkTestnet {
		base = binanceSpotTestnetURL
	}
	signer := &binanceSigner{apiKey: apiKey, apiSecret: apiSecret}
	return &BinanceSpot{
		client:    resthttp.NewClient(base, 10*time.Second, signer),
		signer:    signer,
		logger:    logger,
		precision: make(map[string]*Precision),
	}
}

func (b *BinanceSpot) Name() string { return "binance_spot" }

func (b *BinanceSpot) HasNativeOCO() bool { return false }

func (b *BinanceSpot) NormalizeSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	return base + quote
}

func (b *BinanceSpot) TestConnectivity(ctx context.Context) error {
	_, err := b.client.Get(ctx, "/api/v3/ping", nil)
	return err
}

func (b *BinanceSpot) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := b.client.Get(ctx, "/api/v3/account", nil)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance spot account decode: %w", err)
	}
	var wallet, available decimal.Decimal
	raw := make(map[string]interface{}, len(resp.Balances))
	for _, bal := range resp.Balances {
		free := parseDecimalLoose(bal.Free)
		locked := parseDecimalLoose(bal.Locked)
		if bal.Asset == "USDT" {
			available = free
			wallet = free.Add(locked)
		}
		raw[bal.Asset] = map[string]string{"free": bal.Free, "locked": bal.Locked}
	}
	return &AccountInfo{TotalWallet: wallet, Available: available, Raw: raw}, nil
}

func (b *BinanceSpot) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := b.client.Get(ctx, "/api/v3/ticker/price", map[string]string{"symbol": b.NormalizeSymbol(symbol)})
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance spot ticker decode: %w", err)
	}
	return &Ticker{Symbol: resp.Symbol, Price: parseDecimalLoose(resp.Price)}, nil
}

func (b *BinanceSpot) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	norm := b.NormalizeSymbol(symbol)
	b.mu.RLock()
	if p, ok := b.precision[norm]; ok {
		b.mu.RUnlock()
		return p, nil
	}
	b.mu.RUnlock()

	body, err := b.client.Get(ctx, "/api/v3/exchangeInfo", map[string]string{"symbol": norm})
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var resp struct {
		Symbols []struct {
			Symbol      string `json:"symbol"`
			BaseAssetPrecision int32 `json:"baseAssetPrecision"`
			Filters     []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance spot exchangeInfo decode: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "binance_spot", Code: "SYMBOL_NOT_FOUND", Msg: norm, Retriable: false}
	}
	s := resp.Symbols[0]
	prec := &Precision{QtyPrecision: s.BaseAssetPrecision}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			prec.StepSize = parseDecimalLoose(f.StepSize)
			prec.MinQty = parseDecimalLoose(f.MinQty)
		case "PRICE_FILTER":
			prec.TickSize = parseDecimalLoose(f.TickSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			prec.MinNotional = parseDecimalLoose(f.MinNotional)
		}
	}
	b.mu.Lock()
	b.precision[norm] = prec
	b.mu.Unlock()
	return prec, nil
}

func (b *BinanceSpot) RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error) {
	prec, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	return roundToStep(qty, prec.StepSize).String(), nil
}

func (b *BinanceSpot) CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "MARKET", qty, decimal.Zero)
}

// CreateOCOOrder places the take-profit leg only, as a GTC limit order on
// the given side; stopPrice is not sent to the exchange, and nothing in
// this package or the orchestrator tracks it or closes the position when
// it is breached. This adapter reports HasNativeOCO false.
func (b *BinanceSpot) CreateOCOOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "LIMIT", qty, tpPrice)
}

func (b *BinanceSpot) placeOrder(ctx context.Context, symbol string, side botlib.Side, orderType string, qty, price decimal.Decimal) (*OrderInfo, error) {
	norm := b.NormalizeSymbol(symbol)
	body := map[string]interface{}{
		"symbol":   norm,
		"side":     string(side),
		"type":     orderType,
		"quantity": qty.String(),
	}
	if orderType == "LIMIT" {
		body["price"] = price.String()
		body["timeInForce"] = "GTC"
	}
	respBody, err := b.client.Post(ctx, "/api/v3/order", body)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("binance spot order decode: %w", err)
	}
	return &OrderInfo{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        norm,
		Side:          side,
		Type:          OrderType(orderType),
		QuantityStr:   qty.String(),
		PriceStr:      price.String(),
		Status:        mapBinanceOrderStatus(resp.Status),
		ExecutedQty:   parseDecimalLoose(resp.ExecutedQty),
	}, nil
}

func (b *BinanceSpot) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := b.client.Get(ctx, "/api/v3/openOrders", map[string]string{"symbol": b.NormalizeSymbol(symbol)})
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var raw []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		OrigQty       string `json:"origQty"`
		Price         string `json:"price"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance spot open orders decode: %w", err)
	}
	out := make([]OrderInfo, 0, len(raw))
	for _, o := range raw {
		out = append(out, OrderInfo{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          botlib.Side(o.Side),
			Type:          OrderType(o.Type),
			QuantityStr:   o.OrigQty,
			PriceStr:      o.Price,
			Status:        mapBinanceOrderStatus(o.Status),
			ExecutedQty:   parseDecimalLoose(o.ExecutedQty),
		})
	}
	return out, nil
}

func (b *BinanceSpot) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := b.client.Delete(ctx, "/api/v3/order", map[string]string{
		"symbol":  b.NormalizeSymbol(symbol),
		"orderId": orderID,
	})
	return classifyBinanceError(err)
}

func (b *BinanceSpot) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := b.client.Delete(ctx, "/api/v3/openOrders", map[string]string{"symbol": b.NormalizeSymbol(symbol)})
	return classifyBinanceError(err)
}

func (b *BinanceSpot) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error) {
	params := map[string]string{
		"symbol":   b.NormalizeSymbol(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if start != nil {
		params["startTime"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if end != nil {
		params["endTime"] = strconv.FormatInt(end.UnixMilli(), 10)
	}
	body, err := b.client.Get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance spot klines decode: %w", err)
	}
	return decodeNumericCandles(raw)
}
