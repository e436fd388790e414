package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"botplatform/internal/bot/botlib"
	resthttp "botplatform/pkg/http"

	"github.com/shopspring/decimal"
)

const krakenFuturesURL = "https://futures.kraken.com"

// krakenSigner implements Kraken Futures' Authent scheme: HMAC-SHA512,
// keyed by the base64-decoded API secret, over endpointPath + SHA256(
// postData + nonce) (spec §4.A "Signing"). The derivatives path prefix is
// stripped before hashing, per Kraken's own documented construction.
type krakenSigner struct {
	apiKey    string
	apiSecret string
	nonce     int64
}

func (s *krakenSigner) SignRequest(req *http.Request) error {
	if s.apiKey == "" {
		return nil
	}
	nonce := strconv.FormatInt(atomic.AddInt64(&s.nonce, 1)+time.Now().UnixMilli(), 10)
	path := req.URL.Path
	const prefix = "/derivatives"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		path = path[len(prefix):]
	}
	postData := ""
	if req.Method == http.MethodPost {
		postData = readAndRestoreBody(req)
	} else {
		postData = req.URL.RawQuery
	}
	sig, err := hmacSHA512Base64(s.apiSecret, path, []byte(postData+nonce))
	if err != nil {
		return fmt.Errorf("kraken sign: %w", err)
	}
	req.Header.Set("APIKey", s.apiKey)
	req.Header.Set("Nonce", nonce)
	req.Header.Set("Authent", sig)
	return nil
}

// KrakenFutures implements FuturesAdapter against Kraken Futures'
// multi-collateral perpetual contracts (symbol family "PF_").
//
// Kraken fixes leverage per-account via a separate preferences endpoint
// rather than per-order; SetLeverage is a deliberate no-op here (spec §4.A
// "Exchange-specific quirks" / §6 Open Questions) — subscriptions on
// Kraken run at whatever max leverage the account already allows.
type KrakenFutures struct {
	client *resthttp.Client
	signer *krakenSigner
	logger botlib.Logger

	mu        sync.RWMutex
	precision map[string]*Precision
}

func NewKrakenFutures(apiKey, apiSecret string, logger botlib.Logger) *KrakenFutures {
	signer := &krakenSigner{apiKey: apiKey, apiSecret: apiSecret}
	return &KrakenFutures{
		client:    resthttp.NewClient(krakenFuturesURL, 10*time.Second, signer),
		signer:    signer,
		logger:    logger,
		precision: make(map[string]*Precision),
	}
}

func (k *KrakenFutures) Name() string { return "kraken" }

// NormalizeSymbol maps a generic "BTC/USDT"-shaped symbol to Kraken's
// perpetual contract code, substituting the XBT ticker Kraken uses for
// bitcoin in place of BTC.
func (k *KrakenFutures) NormalizeSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	if base == "BTC" {
		base = "XBT"
	}
	if quote == "" {
		quote = "USD"
	}
	return "PF_" + base + quote
}

func (k *KrakenFutures) TestConnectivity(ctx context.Context) error {
	_, err := k.client.Get(ctx, "/derivatives/api/v3/instruments", nil)
	return err
}

func (k *KrakenFutures) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := k.client.Get(ctx, "/derivatives/api/v3/accounts", nil)
	if err != nil {
		return nil, classifyKrakenError(err)
	}
	var resp struct {
		Result   string `json:"result"`
		Accounts map[string]struct {
			Auxiliary struct {
				Pv  float64 `json:"pv"`
				Pnl float64 `json:"pnl"`
			} `json:"auxiliary"`
			MarginEquity     float64 `json:"marginEquity"`
			AvailableMargin  float64 `json:"availableMargin"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kraken accounts decode: %w", err)
	}
	if resp.Result != "success" {
		return nil, &botlib.ExchangeError{Exchange: "kraken", Code: "ACCOUNT_ERROR", Msg: resp.Result, Retriable: true}
	}
	var out AccountInfo
	for _, acc := range resp.Accounts {
		out.TotalWallet = decimal.NewFromFloat(acc.Auxiliary.Pv)
		out.Available = decimal.NewFromFloat(acc.AvailableMargin)
		out.UsedMargin = decimal.NewFromFloat(acc.MarginEquity - acc.AvailableMargin)
		out.UnrealizedPnL = decimal.NewFromFloat(acc.Auxiliary.Pnl)
		break
	}
	return &out, nil
}

func (k *KrakenFutures) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	body, err := k.client.Get(ctx, "/derivatives/api/v3/openpositions", nil)
	if err != nil {
		return nil, classifyKrakenError(err)
	}
	var resp struct {
		Result        string `json:"result"`
		OpenPositions []struct {
			Symbol    string  `json:"symbol"`
			Side      string  `json:"side"`
			Size      float64 `json:"size"`
			Price     float64 `json:"price"`
			MarkPrice float64 `json:"markPrice"`
			Pnl       float64 `json:"pnl"`
		} `json:"openPositions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kraken positions decode: %w", err)
	}
	norm := ""
	if symbol != "" {
		norm = k.NormalizeSymbol(symbol)
	}
	out := make([]Position, 0, len(resp.OpenPositions))
	for _, p := range resp.OpenPositions {
		if norm != "" && p.Symbol != norm {
			continue
		}
		side := botlib.PositionLong
		if p.Side == "short" {
			side = botlib.PositionShort
		}
		entry := decimal.NewFromFloat(p.Price)
		size := decimal.NewFromFloat(p.Size)
		pnl := decimal.NewFromFloat(p.Pnl)
		var pct decimal.Decimal
		if cost := entry.Mul(size); !cost.IsZero() {
			pct = pnl.Div(cost).Mul(decimal.NewFromInt(100))
		}
		out = append(out, Position{Symbol: p.Symbol, Side: side, Size: size, EntryPrice: entry, MarkPrice: decimal.NewFromFloat(p.MarkPrice), PnL: pnl, Percentage: pct})
	}
	return out, nil
}

func (k *KrakenFutures) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := k.client.Get(ctx, "/derivatives/api/v3/tickers", nil)
	if err != nil {
		return nil, classifyKrakenError(err)
	}
	var resp struct {
		Tickers []struct {
			Symbol string  `json:"symbol"`
			Last   float64 `json:"last"`
		} `json:"tickers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kraken tickers decode: %w", err)
	}
	norm := k.NormalizeSymbol(symbol)
	for _, t := range resp.Tickers {
		if t.Symbol == norm {
			return &Ticker{Symbol: t.Symbol, Price: decimal.NewFromFloat(t.Last)}, nil
		}
	}
	return nil, &botlib.ExchangeError{Exchange: "kraken", Code: "NO_TICKER", Msg: norm, Retriable: true}
}

// SetLeverage is a no-op: see the KrakenFutures doc comment.
func (k *KrakenFutures) SetLeverage(ctx context.Context, symbol string, leverage int32) error {
	if k.logger != nil {
		k.logger.Debug("kraken leverage is account-level, ignoring per-subscription override", "symbol", symbol, "requested", leverage)
	}
	return nil
}

func (k *KrakenFutures) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	norm := k.NormalizeSymbol(symbol)
	k.mu.RLock()
	if p, ok := k.precision[norm]; ok {
		k.mu.RUnlock()
		return p, nil
	}
	k.mu.RUnlock()

	body, err := k.client.Get(ctx, "/derivatives/api/v3/instruments", nil)
	if err != nil {
		return nil, classifyKrakenError(err)
	}
	var resp struct {
		Instruments []struct {
			Symbol        string  `json:"symbol"`
			TickSize      float64 `json:"tickSize"`
			ContractSize  float64 `json:"contractSize"`
			MinOrderSize  float64 `json:"minOrderSize"`
		} `json:"instruments"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kraken instruments decode: %w", err)
	}
	for _, i := range resp.Instruments {
		if i.Symbol != norm {
			continue
		}
		minQty := decimal.NewFromFloat(i.MinOrderSize)
		if minQty.IsZero() {
			minQty = decimal.NewFromFloat(1)
		}
		prec := &Precision{
			StepSize:    minQty,
			TickSize:    decimal.NewFromFloat(i.TickSize),
			MinQty:      minQty,
			MinNotional: decimal.Zero,
		}
		k.mu.Lock()
		k.precision[norm] = prec
		k.mu.Unlock()
		return prec, nil
	}
	return nil, &botlib.ExchangeError{Exchange: "kraken", Code: "SYMBOL_NOT_FOUND", Msg: norm, Retriable: false}
}

func (k *KrakenFutures) RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error) {
	prec, err := k.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	return roundToStep(qty, prec.StepSize).String(), nil
}

func (k *KrakenFutures) CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error) {
	return k.placeOrder(ctx, symbol, side, "mkt", qty, decimal.Zero, false)
}

func (k *KrakenFutures) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return k.placeOrder(ctx, symbol, side, "stp", qty, stopPrice, reduceOnly)
}

func (k *KrakenFutures) CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return k.placeOrder(ctx, symbol, side, "take_profit", qty, stopPrice, reduceOnly)
}

func (k *KrakenFutures) placeOrder(ctx context.Context, symbol string, side botlib.Side, orderType string, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	norm := k.NormalizeSymbol(symbol)
	krSide := "buy"
	if side == botlib.SideSell {
		krSide = "sell"
	}
	payload := map[string]interface{}{
		"orderType": orderType,
		"symbol":    norm,
		"side":      krSide,
		"size":      qty.String(),
	}
	if !stopPrice.IsZero() {
		payload["stopPrice"] = stopPrice.String()
		payload["triggerSignal"] = "mark"
	}
	if reduceOnly {
		payload["reduceOnly"] = true
	}
	body, err := k.client.Post(ctx, "/derivatives/api/v3/sendorder", payload)
	if err != nil {
		return nil, classifyKrakenError(err)
	}
	var resp struct {
		Result     string `json:"result"`
		SendStatus struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"sendStatus"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kraken order decode: %w", err)
	}
	if resp.Result != "success" || resp.SendStatus.Status != "placed" {
		return nil, &botlib.ExchangeError{Exchange: "kraken", Code: resp.SendStatus.Status, Msg: norm, Retriable: false}
	}
	return &OrderInfo{OrderID: resp.SendStatus.OrderID, Symbol: norm, Side: side, Type: OrderType(orderType), QuantityStr: qty.String(), PriceStr: stopPrice.String(), Status: OrderStatusNew}, nil
}

func (k *KrakenFutures) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := k.client.Get(ctx, "/derivatives/api/v3/openorders", nil)
	if err != nil {
		return nil, classifyKrakenError(err)
	}
	var resp struct {
		OpenOrders []struct {
			OrderID   string  `json:"order_id"`
			Symbol    string  `json:"symbol"`
			Side      string  `json:"side"`
			OrderType string  `json:"orderType"`
			UnfilledSize float64 `json:"unfilledSize"`
			FilledSize   float64 `json:"filledSize"`
			LimitPrice   float64 `json:"limitPrice"`
		} `json:"openOrders"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kraken open orders decode: %w", err)
	}
	norm := k.NormalizeSymbol(symbol)
	out := make([]OrderInfo, 0, len(resp.OpenOrders))
	for _, o := range resp.OpenOrders {
		if o.Symbol != norm {
			continue
		}
		side := botlib.SideBuy
		if o.Side == "sell" {
			side = botlib.SideSell
		}
		total := decimal.NewFromFloat(o.UnfilledSize + o.FilledSize)
		out = append(out, OrderInfo{
			OrderID: o.OrderID, Symbol: o.Symbol, Side: side, Type: OrderType(o.OrderType),
			QuantityStr: total.String(), PriceStr: decimal.NewFromFloat(o.LimitPrice).String(),
			Status: OrderStatusNew, ExecutedQty: decimal.NewFromFloat(o.FilledSize),
		})
	}
	return out, nil
}

func (k *KrakenFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := k.client.Post(ctx, "/derivatives/api/v3/cancelorder", map[string]interface{}{"order_id": orderID})
	return classifyKrakenError(err)
}

func (k *KrakenFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := k.client.Post(ctx, "/derivatives/api/v3/cancelallorders", map[string]interface{}{"symbol": k.NormalizeSymbol(symbol)})
	return classifyKrakenError(err)
}

func (k *KrakenFutures) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error) {
	path := fmt.Sprintf("/api/charts/v1/trade/%s/%s", k.NormalizeSymbol(symbol), krakenResolution(interval))
	body, err := k.client.Get(ctx, path, map[string]string{"count": strconv.Itoa(limit)})
	if err != nil {
		return nil, classifyKrakenError(err)
	}
	var resp struct {
		Candles []struct {
			Time   int64   `json:"time"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume float64 `json:"volume"`
		} `json:"candles"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kraken klines decode: %w", err)
	}
	out := make([]botlib.Candle, 0, len(resp.Candles))
	for _, c := range resp.Candles {
		out = append(out, botlib.Candle{
			OpenTime: time.UnixMilli(c.Time),
			Open:     decimal.NewFromFloat(c.Open), High: decimal.NewFromFloat(c.High),
			Low: decimal.NewFromFloat(c.Low), Close: decimal.NewFromFloat(c.Close), Volume: decimal.NewFromFloat(c.Volume),
		})
	}
	return out, nil
}

func (k *KrakenFutures) CreateManagedOrders(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal, reduceOnly bool) (*ManagedOrderResult, error) {
	return PlaceManagedOrders(ctx, k, symbol, side, qty, stopPrice, tpPrice, reduceOnly)
}

func krakenResolution(tf string) string {
	switch tf {
	case "1m":
		return "1m"
	case "5m":
		return "5m"
	case "15m":
		return "15m"
	case "1h":
		return "1h"
	case "4h":
		return "4h"
	case "1d":
		return "1d"
	default:
		return tf
	}
}

func classifyKrakenError(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*resthttp.APIError)
	if !ok {
		return err
	}
	retriable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	return &botlib.ExchangeError{Exchange: "kraken", Code: strconv.Itoa(apiErr.StatusCode), Msg: string(apiErr.Body), Retriable: retriable}
}
