package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"botplatform/internal/bot/botlib"
	resthttp "botplatform/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"

	// bybitLeverageNotModified is V5's retCode for "leverage already set to
	// the requested value" — spec §4.A treats this as success, not failure.
	bybitLeverageNotModified = 110043
)

// bybitEnvelope is the {retCode, retMsg, result} wrapper every Bybit V5
// response uses.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// bybitSigner implements Bybit V5's header-based HMAC-SHA256-hex scheme:
// sign(timestamp + apiKey + recvWindow + queryStringOrBody).
type bybitSigner struct {
	apiKey    string
	apiSecret string
	recvWindow string
}

func (s *bybitSigner) SignRequest(req *http.Request) error {
	if s.apiKey == "" {
		return nil
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var payload string
	if req.Method == http.MethodGet {
		payload = req.URL.RawQuery
	} else if req.Body != nil {
		payload = readAndRestoreBody(req)
	}
	recv := s.recvWindow
	if recv == "" {
		recv = "5000"
	}
	sig := hmacSHA256Hex(s.apiSecret, ts+s.apiKey+recv+payload)
	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recv)
	req.Header.Set("X-BAPI-SIGN", sig)
	return nil
}

// BybitFutures implements FuturesAdapter against Bybit's V5 unified linear
// (USDT perpetual) API.
type BybitFutures struct {
	client *resthttp.Client
	signer *bybitSigner
	logger botlib.Logger

	mu        sync.RWMutex
	precision map[string]*Precision
}

func NewBybitFutures(apiKey, apiSecret string, network botlib.NetworkType, logger botlib.Logger) *BybitFutures {
	base := bybitMainnetURL
	if network == botlib.NetworkTestnet {
		base = bybitTestnetURL
	}
	signer := &bybitSigner{apiKey: apiKey, apiSecret: apiSecret}
	return &BybitFutures{
		client:    resthttp.NewClient(base, 10*time.Second, signer),
		signer:    signer,
		logger:    logger,
		precision: make(map[string]*Precision),
	}
}

func (b *BybitFutures) Name() string { return "bybit" }

func (b *BybitFutures) NormalizeSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	return base + quote
}

func (b *BybitFutures) TestConnectivity(ctx context.Context) error {
	_, err := b.get(ctx, "/v5/market/time", nil, nil)
	return err
}

// get issues a signed GET and unwraps the {retCode, result} envelope into
// out (skipped if out is nil).
func (b *BybitFutures) get(ctx context.Context, path string, params map[string]string, out interface{}) (*bybitEnvelope, error) {
	body, err := b.client.Get(ctx, path, params)
	if err != nil {
		return nil, classifyBybitError(err)
	}
	return decodeBybitEnvelope(body, out)
}

func (b *BybitFutures) post(ctx context.Context, path string, payload map[string]interface{}, out interface{}) (*bybitEnvelope, error) {
	body, err := b.client.Post(ctx, path, payload)
	if err != nil {
		return nil, classifyBybitError(err)
	}
	return decodeBybitEnvelope(body, out)
}

func decodeBybitEnvelope(body []byte, out interface{}) (*bybitEnvelope, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bybit envelope decode: %w", err)
	}
	if env.RetCode != 0 && env.RetCode != bybitLeverageNotModified {
		return &env, &botlib.ExchangeError{
			Exchange:  "bybit",
			Code:      strconv.Itoa(env.RetCode),
			Msg:       env.RetMsg,
			Retriable: env.RetCode == 10006 || env.RetCode == 10016,
		}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &env, fmt.Errorf("bybit result decode: %w", err)
		}
	}
	return &env, nil
}

func (b *BybitFutures) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var result struct {
		List []struct {
			TotalWalletBalance     string `json:"totalWalletBalance"`
			TotalAvailableBalance  string `json:"totalAvailableBalance"`
			TotalMarginBalance     string `json:"totalMarginBalance"`
			TotalPerpUPL           string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	if _, err := b.get(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": "UNIFIED"}, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return &AccountInfo{}, nil
	}
	acc := result.List[0]
	wallet := parseDecimalLoose(acc.TotalWalletBalance)
	available := parseDecimalLoose(acc.TotalAvailableBalance)
	margin := parseDecimalLoose(acc.TotalMarginBalance)
	return &AccountInfo{
		TotalWallet:   wallet,
		Available:     available,
		UsedMargin:    margin.Sub(available),
		UnrealizedPnL: parseDecimalLoose(acc.TotalPerpUPL),
	}, nil
}

func (b *BybitFutures) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{"category": "linear"}
	if symbol != "" {
		params["symbol"] = b.NormalizeSymbol(symbol)
	} else {
		params["settleCoin"] = "USDT"
	}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if _, err := b.get(ctx, "/v5/position/list", params, &result); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(result.List))
	for _, p := range result.List {
		size := parseDecimalLoose(p.Size)
		if size.IsZero() {
			continue
		}
		side := botlib.PositionLong
		if p.Side == "Sell" {
			side = botlib.PositionShort
		}
		entry := parseDecimalLoose(p.AvgPrice)
		pnl := parseDecimalLoose(p.UnrealisedPnl)
		var pct decimal.Decimal
		if cost := entry.Mul(size); !cost.IsZero() {
			pct = pnl.Div(cost).Mul(decimal.NewFromInt(100))
		}
		out = append(out, Position{
			Symbol: p.Symbol, Side: side, Size: size, EntryPrice: entry,
			MarkPrice: parseDecimalLoose(p.MarkPrice), PnL: pnl, Percentage: pct,
		})
	}
	return out, nil
}

func (b *BybitFutures) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if _, err := b.get(ctx, "/v5/market/tickers", map[string]string{"category": "linear", "symbol": b.NormalizeSymbol(symbol)}, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "bybit", Code: "NO_TICKER", Msg: symbol, Retriable: true}
	}
	return &Ticker{Symbol: result.List[0].Symbol, Price: parseDecimalLoose(result.List[0].LastPrice)}, nil
}

func (b *BybitFutures) SetLeverage(ctx context.Context, symbol string, leverage int32) error {
	lev := strconv.Itoa(int(leverage))
	_, err := b.post(ctx, "/v5/position/set-leverage", map[string]interface{}{
		"category":     "linear",
		"symbol":       b.NormalizeSymbol(symbol),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, nil)
	return err
}

func (b *BybitFutures) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	norm := b.NormalizeSymbol(symbol)
	b.mu.RLock()
	if p, ok := b.precision[norm]; ok {
		b.mu.RUnlock()
		return p, nil
	}
	b.mu.RUnlock()

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if _, err := b.get(ctx, "/v5/market/instruments-info", map[string]string{"category": "linear", "symbol": norm}, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "bybit", Code: "SYMBOL_NOT_FOUND", Msg: norm, Retriable: false}
	}
	s := result.List[0]
	step := parseDecimalLoose(s.LotSizeFilter.QtyStep)
	prec := &Precision{
		StepSize:    step,
		TickSize:    parseDecimalLoose(s.PriceFilter.TickSize),
		MinQty:      parseDecimalLoose(s.LotSizeFilter.MinOrderQty),
		MinNotional: decimal.NewFromInt(5), // Bybit linear USDT perps floor at 5 USDT
		QtyPrecision: decimalPlaces(step),
	}
	b.mu.Lock()
	b.precision[norm] = prec
	b.mu.Unlock()
	return prec, nil
}

func (b *BybitFutures) RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error) {
	prec, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	return roundToStep(qty, prec.StepSize).String(), nil
}

func (b *BybitFutures) CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "Market", qty, decimal.Zero, "", false)
}

func (b *BybitFutures) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "Market", qty, stopPrice, "Stop", reduceOnly)
}

func (b *BybitFutures) CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return b.placeOrder(ctx, symbol, side, "Market", qty, stopPrice, "TakeProfit", reduceOnly)
}

func (b *BybitFutures) placeOrder(ctx context.Context, symbol string, side botlib.Side, orderType string, qty, triggerPrice decimal.Decimal, stopOrderType string, reduceOnly bool) (*OrderInfo, error) {
	norm := b.NormalizeSymbol(symbol)
	bybitSide := "Buy"
	if side == botlib.SideSell {
		bybitSide = "Sell"
	}
	payload := map[string]interface{}{
		"category":  "linear",
		"symbol":    norm,
		"side":      bybitSide,
		"orderType": orderType,
		"qty":       qty.String(),
	}
	if !triggerPrice.IsZero() {
		payload["triggerPrice"] = triggerPrice.String()
	}
	if stopOrderType != "" {
		payload["stopOrderType"] = stopOrderType
	}
	if reduceOnly {
		payload["reduceOnly"] = true
	}
	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if _, err := b.post(ctx, "/v5/order/create", payload, &result); err != nil {
		return nil, err
	}
	return &OrderInfo{
		OrderID:       result.OrderID,
		ClientOrderID: result.OrderLinkID,
		Symbol:        norm,
		Side:          side,
		Type:          OrderType(orderType),
		QuantityStr:   qty.String(),
		PriceStr:      triggerPrice.String(),
		Status:        OrderStatusNew,
	}, nil
}

func (b *BybitFutures) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			TriggerPrice string `json:"triggerPrice"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
		} `json:"list"`
	}
	if _, err := b.get(ctx, "/v5/order/realtime", map[string]string{"category": "linear", "symbol": b.NormalizeSymbol(symbol)}, &result); err != nil {
		return nil, err
	}
	out := make([]OrderInfo, 0, len(result.List))
	for _, o := range result.List {
		side := botlib.SideBuy
		if o.Side == "Sell" {
			side = botlib.SideSell
		}
		out = append(out, OrderInfo{
			OrderID: o.OrderID, ClientOrderID: o.OrderLinkID, Symbol: o.Symbol,
			Side: side, Type: OrderType(o.OrderType), QuantityStr: o.Qty,
			PriceStr: o.TriggerPrice, Status: mapBybitOrderStatus(o.OrderStatus),
			ExecutedQty: parseDecimalLoose(o.CumExecQty),
		})
	}
	return out, nil
}

func (b *BybitFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := b.post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": "linear",
		"symbol":   b.NormalizeSymbol(symbol),
		"orderId":  orderID,
	}, nil)
	return err
}

func (b *BybitFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := b.post(ctx, "/v5/order/cancel-all", map[string]interface{}{
		"category": "linear",
		"symbol":   b.NormalizeSymbol(symbol),
	}, nil)
	return err
}

func (b *BybitFutures) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   b.NormalizeSymbol(symbol),
		"interval": bybitInterval(interval),
		"limit":    strconv.Itoa(limit),
	}
	if start != nil {
		params["start"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if end != nil {
		params["end"] = strconv.FormatInt(end.UnixMilli(), 10)
	}
	var result struct {
		List [][]string `json:"list"`
	}
	if _, err := b.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}
	out := make([]botlib.Candle, 0, len(result.List))
	// Bybit returns newest-first; reverse while parsing for ascending order.
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		out = append(out, botlib.Candle{
			OpenTime: time.UnixMilli(ms),
			Open:     parseDecimalLoose(row[1]),
			High:     parseDecimalLoose(row[2]),
			Low:      parseDecimalLoose(row[3]),
			Close:    parseDecimalLoose(row[4]),
			Volume:   parseDecimalLoose(row[5]),
		})
	}
	return out, nil
}

func (b *BybitFutures) CreateManagedOrders(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal, reduceOnly bool) (*ManagedOrderResult, error) {
	return PlaceManagedOrders(ctx, b, symbol, side, qty, stopPrice, tpPrice, reduceOnly)
}

// bybitInterval maps a unified timeframe string ("1m", "1h", "1d") to
// Bybit's own kline interval codes.
func bybitInterval(tf string) string {
	switch tf {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return tf
	}
}

func mapBybitOrderStatus(raw string) OrderStatus {
	switch raw {
	case "Filled":
		return OrderStatusFilled
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled
	case "Cancelled", "Deactivated":
		return OrderStatusCanceled
	case "Rejected":
		return OrderStatusRejected
	default:
		return OrderStatusNew
	}
}

func classifyBybitError(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*resthttp.APIError)
	if !ok {
		return err
	}
	retriable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	return &botlib.ExchangeError{Exchange: "bybit", Code: strconv.Itoa(apiErr.StatusCode), Msg: string(apiErr.Body), Retriable: retriable}
}

func decimalPlaces(step decimal.Decimal) int32 {
	s := step.String()
	for i, r := range s {
		if r == '.' {
			return int32(len(s) - i - 1)
		}
	}
	return 0
}
