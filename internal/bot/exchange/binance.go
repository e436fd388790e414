package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"botplatform/internal/bot/botlib"
	resthttp "botplatform/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	binanceFuturesMainnetURL = "https://fapi.binance.com"
	binanceFuturesTestnetURL = "https://testnet.binancefuture.com"
)

// binanceSigner implements resthttp.Signer for Binance's query-string HMAC-
// SHA256 scheme (spec §4.A "Signing"). It is safe to use with empty
// credentials: public market-data calls (klines, ticker, exchangeInfo) skip
// signing entirely, per spec §4.A "Public vs signed".
type binanceSigner struct {
	apiKey    string
	apiSecret string
	offsetMs  int64 // server-client clock offset; 0 unless syncTimeOffset has run
	mu        sync.RWMutex
}

func (s *binanceSigner) SignRequest(req *http.Request) error {
	if s.apiKey == "" {
		return nil
	}
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	s.mu.RLock()
	offset := s.offsetMs
	s.mu.RUnlock()
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+offset, 10))
	q.Set("recvWindow", "5000")
	sig := hmacSHA256Hex(s.apiSecret, q.Encode())
	q.Set("signature", sig)
	req.URL.RawQuery = q.Encode()
	return nil
}

func (s *binanceSigner) setOffset(ms int64) {
	s.mu.Lock()
	s.offsetMs = ms
	s.mu.Unlock()
}

// BinanceFutures implements FuturesAdapter against Binance USDⓈ-M futures.
type BinanceFutures struct {
	client *resthttp.Client
	signer *binanceSigner
	logger botlib.Logger

	mu        sync.RWMutex
	precision map[string]*Precision
}

// NewBinanceFutures builds a Binance futures adapter. Pass empty apiKey/
// apiSecret to use it anonymously for market-data-only crawls (spec §4.E
// step 3: data crawls always prefer a mainnet, anonymous-if-needed adapter).
func NewBinanceFutures(apiKey, apiSecret string, network botlib.NetworkType, logger botlib.Logger) *BinanceFutures {
	base := binanceFuturesMainnetURL
	if network == botlib.NetworkTestnet {
		base = binanceFuturesTestnetURL
	}
	signer := &binanceSigner{apiKey: apiKey, apiSecret: apiSecret}
	return &BinanceFutures{
		client:    resthttp.NewClient(base, 10*time.Second, signer),
		signer:    signer,
		logger:    logger,
		precision: make(map[string]*Precision),
	}
}

func (b *BinanceFutures) Name() string { return "binance" }

func (b *BinanceFutures) NormalizeSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	return base + quote
}

func (b *BinanceFutures) TestConnectivity(ctx context.Context) error {
	_, err := b.client.Get(ctx, "/fapi/v1/ping", nil)
	return err
}

// syncTimeOffset hits the exchange's server-time endpoint and records the
// clock delta that the signer adds to every request timestamp. Nothing in
// this package calls it, so signed requests use the local clock unadjusted;
// no adapter syncs a clock offset or retries a request rejected for its
// timestamp.
func (b *BinanceFutures) syncTimeOffset(ctx context.Context) {
	body, err := b.client.Get(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.ServerTime > 0 {
		b.signer.setOffset(resp.ServerTime - time.Now().UnixMilli())
	}
}

func (b *BinanceFutures) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := b.client.Get(ctx, "/fapi/v2/account", nil)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var resp struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		AvailableBalance   string `json:"availableBalance"`
		TotalMarginBalance string `json:"totalMarginBalance"`
		TotalUnrealizedPnL string `json:"totalUnrealizedProfit"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance account decode: %w", err)
	}
	wallet := parseDecimalLoose(resp.TotalWalletBalance)
	available := parseDecimalLoose(resp.AvailableBalance)
	margin := parseDecimalLoose(resp.TotalMarginBalance)
	return &AccountInfo{
		TotalWallet:   wallet,
		Available:     available,
		UsedMargin:    margin.Sub(available),
		UnrealizedPnL: parseDecimalLoose(resp.TotalUnrealizedPnL),
		Raw:           map[string]interface{}{"totalMarginBalance": resp.TotalMarginBalance},
	}, nil
}

func (b *BinanceFutures) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = b.NormalizeSymbol(symbol)
	}
	body, err := b.client.Get(ctx, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance positions decode: %w", err)
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		amt := parseDecimalLoose(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := botlib.PositionLong
		if amt.IsNegative() {
			side = botlib.PositionShort
			amt = amt.Abs()
		}
		entry := parseDecimalLoose(p.EntryPrice)
		pnl := parseDecimalLoose(p.UnrealizedProfit)
		var pct decimal.Decimal
		if cost := entry.Mul(amt); !cost.IsZero() {
			pct = pnl.Div(cost).Mul(decimal.NewFromInt(100))
		}
		out = append(out, Position{
			Symbol:     p.Symbol,
			Side:       side,
			Size:       amt,
			EntryPrice: entry,
			MarkPrice:  parseDecimalLoose(p.MarkPrice),
			PnL:        pnl,
			Percentage: pct,
		})
	}
	return out, nil
}

func (b *BinanceFutures) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := b.client.Get(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": b.NormalizeSymbol(symbol)})
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance ticker decode: %w", err)
	}
	return &Ticker{Symbol: resp.Symbol, Price: parseDecimalLoose(resp.Price)}, nil
}

func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int32) error {
	_, err := b.client.Post(ctx, "/fapi/v1/leverage", map[string]interface{}{
		"symbol":   b.NormalizeSymbol(symbol),
		"leverage": leverage,
	})
	return classifyBinanceError(err)
}

func (b *BinanceFutures) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	norm := b.NormalizeSymbol(symbol)
	b.mu.RLock()
	if p, ok := b.precision[norm]; ok {
		b.mu.RUnlock()
		return p, nil
	}
	b.mu.RUnlock()

	body, err := b.client.Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var resp struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int32  `json:"pricePrecision"`
			QuantityPrecision int32  `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinQty      string `json:"minQty"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance exchangeInfo decode: %w", err)
	}
	for _, s := range resp.Symbols {
		if s.Symbol != norm {
			continue
		}
		prec := &Precision{QtyPrecision: s.QuantityPrecision, PricePrecision: s.PricePrecision}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				prec.StepSize = parseDecimalLoose(f.StepSize)
				prec.MinQty = parseDecimalLoose(f.MinQty)
			case "PRICE_FILTER":
				prec.TickSize = parseDecimalLoose(f.TickSize)
			case "MIN_NOTIONAL":
				prec.MinNotional = parseDecimalLoose(f.Notional)
			}
		}
		b.mu.Lock()
		b.precision[norm] = prec
		b.mu.Unlock()
		return prec, nil
	}
	return nil, &botlib.ExchangeError{Exchange: "binance", Code: "SYMBOL_NOT_FOUND", Msg: norm, Retriable: false}
}

func (b *BinanceFutures) RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error) {
	prec, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	return roundToStep(qty, prec.StepSize).String(), nil
}

func (b *BinanceFutures) CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "MARKET", qty, decimal.Zero, false)
}

func (b *BinanceFutures) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "STOP_MARKET", qty, stopPrice, reduceOnly)
}

func (b *BinanceFutures) CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "TAKE_PROFIT_MARKET", qty, stopPrice, reduceOnly)
}

func (b *BinanceFutures) placeOrder(ctx context.Context, symbol string, side botlib.Side, orderType string, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	norm := b.NormalizeSymbol(symbol)
	body := map[string]interface{}{
		"symbol":   norm,
		"side":     string(side),
		"type":     orderType,
		"quantity": qty.String(),
	}
	if !stopPrice.IsZero() {
		body["stopPrice"] = stopPrice.String()
	}
	if reduceOnly {
		body["reduceOnly"] = "true"
	}
	respBody, err := b.client.Post(ctx, "/fapi/v1/order", body)
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
		return nil, fmt.Errorf("binance order decode: %w", err)
	}
	return &OrderInfo{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        norm,
		Side:          side,
		Type:          OrderType(orderType),
		QuantityStr:   qty.String(),
		PriceStr:      stopPrice.String(),
		Status:        mapBinanceOrderStatus(resp.Status),
		ExecutedQty:   parseDecimalLoose(resp.ExecutedQty),
	}, nil
}

func (b *BinanceFutures) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	body, err := b.client.Get(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": b.NormalizeSymbol(symbol)})
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
		return nil, fmt.Errorf("binance open orders decode: %w", err)
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

func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := b.client.Delete(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  b.NormalizeSymbol(symbol),
		"orderId": orderID,
	})
	return classifyBinanceError(err)
}

func (b *BinanceFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := b.client.Delete(ctx, "/fapi/v1/allOpenOrders", map[string]string{"symbol": b.NormalizeSymbol(symbol)})
	return classifyBinanceError(err)
}

func (b *BinanceFutures) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error) {
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
	body, err := b.client.Get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance klines decode: %w", err)
	}
	return decodeNumericCandles(raw)
}

func (b *BinanceFutures) CreateManagedOrders(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal, reduceOnly bool) (*ManagedOrderResult, error) {
	return PlaceManagedOrders(ctx, b, symbol, side, qty, stopPrice, tpPrice, reduceOnly)
}

func mapBinanceOrderStatus(raw string) OrderStatus {
	switch raw {
	case "FILLED":
		return OrderStatusFilled
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		return OrderStatusCanceled
	case "REJECTED":
		return OrderStatusRejected
	default:
		return OrderStatusNew
	}
}

// classifyBinanceError tags rate-limit/timestamp errors as retriable per
// spec §4.A "Rate-limit/retry" and §7's ExchangeTransientError bucket.
func classifyBinanceError(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*resthttp.APIError)
	if !ok {
		return err
	}
	retriable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	code := ""
	if strings.Contains(string(apiErr.Body), "-1021") {
		code = "-1021"
		retriable = true
	}
	return &botlib.ExchangeError{Exchange: "binance", Code: code, Msg: string(apiErr.Body), Retriable: retriable}
}

// parseDecimalLoose parses a numeric string, returning decimal.Zero on any
// parse failure rather than propagating an error — exchange payloads
// occasionally send empty strings for absent fields.
func parseDecimalLoose(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decodeNumericCandles converts a [][]interface{} kline payload (the shape
// Binance and Bitget return) into unified Candles.
func decodeNumericCandles(raw [][]interface{}) ([]botlib.Candle, error) {
	out := make([]botlib.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openMs, _ := row[0].(float64)
		out = append(out, botlib.Candle{
			OpenTime: time.UnixMilli(int64(openMs)),
			Open:     decimalFromAny(row[1]),
			High:     decimalFromAny(row[2]),
			Low:      decimalFromAny(row[3]),
			Close:    decimalFromAny(row[4]),
			Volume:   decimalFromAny(row[5]),
		})
	}
	return out, nil
}

func decimalFromAny(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case string:
		return parseDecimalLoose(t)
	case float64:
		return decimal.NewFromFloat(t)
	default:
		return decimal.Zero
	}
}
