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
	bitgetMainnetURL  = "https://api.bitget.com"
	bitgetProductType = "USDT-FUTURES"
	bitgetOK          = "00000"
)

// bitgetSigner implements Bitget V2's header scheme, structurally identical
// to OKX's: base64(HMAC-SHA256(timestamp + method + requestPath(+query) +
// body, secret)) plus a passphrase header (spec §4.A "Signing").
type bitgetSigner struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

func (s *bitgetSigner) SignRequest(req *http.Request) error {
	if s.apiKey == "" {
		return nil
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	body := ""
	if req.Method == http.MethodPost {
		body = readAndRestoreBody(req)
	}
	sig := hmacSHA256Base64(s.apiSecret, ts+req.Method+path+body)
	req.Header.Set("ACCESS-KEY", s.apiKey)
	req.Header.Set("ACCESS-SIGN", sig)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", s.passphrase)
	req.Header.Set("locale", "en-US")
	return nil
}

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// BitgetFutures implements FuturesAdapter against Bitget's V2 USDT-M
// futures API.
type BitgetFutures struct {
	client *resthttp.Client
	signer *bitgetSigner
	logger botlib.Logger

	mu        sync.RWMutex
	precision map[string]*Precision
}

func NewBitgetFutures(apiKey, apiSecret, passphrase string, logger botlib.Logger) *BitgetFutures {
	signer := &bitgetSigner{apiKey: apiKey, apiSecret: apiSecret, passphrase: passphrase}
	return &BitgetFutures{
		client:    resthttp.NewClient(bitgetMainnetURL, 10*time.Second, signer),
		signer:    signer,
		logger:    logger,
		precision: make(map[string]*Precision),
	}
}

func (bg *BitgetFutures) Name() string { return "bitget" }

func (bg *BitgetFutures) NormalizeSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	return base + quote
}

func (bg *BitgetFutures) TestConnectivity(ctx context.Context) error {
	_, err := bg.get(ctx, "/api/v2/public/time", nil, nil)
	return err
}

func (bg *BitgetFutures) get(ctx context.Context, path string, params map[string]string, out interface{}) (*bitgetEnvelope, error) {
	body, err := bg.client.Get(ctx, path, params)
	if err != nil {
		return nil, classifyBitgetError(err)
	}
	return decodeBitgetEnvelope(body, out)
}

func (bg *BitgetFutures) post(ctx context.Context, path string, payload interface{}, out interface{}) (*bitgetEnvelope, error) {
	body, err := bg.client.Post(ctx, path, payload)
	if err != nil {
		return nil, classifyBitgetError(err)
	}
	return decodeBitgetEnvelope(body, out)
}

func decodeBitgetEnvelope(body []byte, out interface{}) (*bitgetEnvelope, error) {
	var env bitgetEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitget envelope decode: %w", err)
	}
	if env.Code != bitgetOK && env.Code != "" {
		return &env, &botlib.ExchangeError{Exchange: "bitget", Code: env.Code, Msg: env.Msg, Retriable: env.Code == "429" || env.Code == "30018"}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &env, fmt.Errorf("bitget data decode: %w", err)
		}
	}
	return &env, nil
}

func (bg *BitgetFutures) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var result struct {
		UsdtEquity    string `json:"usdtEquity"`
		Available     string `json:"available"`
		UnrealizedPL  string `json:"unrealizedPL"`
		Locked        string `json:"locked"`
	}
	params := map[string]string{"productType": bitgetProductType, "marginCoin": "USDT"}
	if _, err := bg.get(ctx, "/api/v2/mix/account/account", params, &result); err != nil {
		return nil, err
	}
	wallet := parseDecimalLoose(result.UsdtEquity)
	available := parseDecimalLoose(result.Available)
	return &AccountInfo{
		TotalWallet:   wallet,
		Available:     available,
		UsedMargin:    parseDecimalLoose(result.Locked),
		UnrealizedPnL: parseDecimalLoose(result.UnrealizedPL),
	}, nil
}

func (bg *BitgetFutures) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{"productType": bitgetProductType}
	if symbol != "" {
		params["symbol"] = bg.NormalizeSymbol(symbol)
		params["marginCoin"] = "USDT"
	}
	var result []struct {
		Symbol           string `json:"symbol"`
		HoldSide         string `json:"holdSide"`
		Total            string `json:"total"`
		OpenPriceAvg     string `json:"openPriceAvg"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedPL     string `json:"unrealizedPL"`
	}
	path := "/api/v2/mix/position/all-position"
	if symbol != "" {
		path = "/api/v2/mix/position/single-position"
	}
	if _, err := bg.get(ctx, path, params, &result); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(result))
	for _, p := range result {
		size := parseDecimalLoose(p.Total)
		if size.IsZero() {
			continue
		}
		side := botlib.PositionLong
		if p.HoldSide == "short" {
			side = botlib.PositionShort
		}
		entry := parseDecimalLoose(p.OpenPriceAvg)
		pnl := parseDecimalLoose(p.UnrealizedPL)
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

func (bg *BitgetFutures) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var result []struct {
		Symbol string `json:"symbol"`
		LastPr string `json:"lastPr"`
	}
	if _, err := bg.get(ctx, "/api/v2/mix/market/ticker", map[string]string{"symbol": bg.NormalizeSymbol(symbol), "productType": bitgetProductType}, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "bitget", Code: "NO_TICKER", Msg: symbol, Retriable: true}
	}
	return &Ticker{Symbol: result[0].Symbol, Price: parseDecimalLoose(result[0].LastPr)}, nil
}

func (bg *BitgetFutures) SetLeverage(ctx context.Context, symbol string, leverage int32) error {
	_, err := bg.post(ctx, "/api/v2/mix/account/set-leverage", map[string]interface{}{
		"symbol":      bg.NormalizeSymbol(symbol),
		"productType": bitgetProductType,
		"marginCoin":  "USDT",
		"leverage":    strconv.Itoa(int(leverage)),
	}, nil)
	return err
}

func (bg *BitgetFutures) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	norm := bg.NormalizeSymbol(symbol)
	bg.mu.RLock()
	if p, ok := bg.precision[norm]; ok {
		bg.mu.RUnlock()
		return p, nil
	}
	bg.mu.RUnlock()

	var result []struct {
		Symbol        string `json:"symbol"`
		MinTradeNum   string `json:"minTradeNum"`
		PricePlace    string `json:"pricePlace"`
		VolumePlace   string `json:"volumePlace"`
		SizeMultiplier string `json:"sizeMultiplier"`
		MinTradeUSDT  string `json:"minTradeUSDT"`
	}
	if _, err := bg.get(ctx, "/api/v2/mix/market/contracts", map[string]string{"symbol": norm, "productType": bitgetProductType}, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "bitget", Code: "SYMBOL_NOT_FOUND", Msg: norm, Retriable: false}
	}
	s := result[0]
	step := parseDecimalLoose(s.SizeMultiplier)
	if step.IsZero() {
		volPlace, _ := strconv.Atoi(s.VolumePlace)
		step = decimal.New(1, -int32(volPlace))
	}
	pricePlace, _ := strconv.Atoi(s.PricePlace)
	volPlace, _ := strconv.Atoi(s.VolumePlace)
	prec := &Precision{
		StepSize:     step,
		TickSize:     decimal.New(1, -int32(pricePlace)),
		MinQty:       parseDecimalLoose(s.MinTradeNum),
		MinNotional:  parseDecimalLoose(s.MinTradeUSDT),
		QtyPrecision: int32(volPlace),
	}
	if prec.MinNotional.IsZero() {
		prec.MinNotional = decimal.NewFromInt(5)
	}
	bg.mu.Lock()
	bg.precision[norm] = prec
	bg.mu.Unlock()
	return prec, nil
}

func (bg *BitgetFutures) RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error) {
	prec, err := bg.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	return roundToStep(qty, prec.StepSize).String(), nil
}

func (bg *BitgetFutures) CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error) {
	return bg.placeOrder(ctx, symbol, side, "market", qty, decimal.Zero, "", false)
}

func (bg *BitgetFutures) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return bg.placeOrder(ctx, symbol, side, "market", qty, stopPrice, "pos_loss", reduceOnly)
}

func (bg *BitgetFutures) CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return bg.placeOrder(ctx, symbol, side, "market", qty, stopPrice, "pos_profit", reduceOnly)
}

func (bg *BitgetFutures) placeOrder(ctx context.Context, symbol string, side botlib.Side, orderType string, qty, triggerPrice decimal.Decimal, planType string, reduceOnly bool) (*OrderInfo, error) {
	norm := bg.NormalizeSymbol(symbol)
	bgSide := "buy"
	if side == botlib.SideSell {
		bgSide = "sell"
	}
	if planType != "" {
		payload := map[string]interface{}{
			"symbol":      norm,
			"productType": bitgetProductType,
			"marginCoin":  "USDT",
			"planType":    planType,
			"triggerPrice": triggerPrice.String(),
			"size":        qty.String(),
			"side":        bgSide,
			"triggerType": "mark_price",
			"holdSide":    closingHoldSide(side),
		}
		var result struct {
			OrderID string `json:"orderId"`
		}
		if _, err := bg.post(ctx, "/api/v2/mix/order/place-tpsl-order", payload, &result); err != nil {
			return nil, err
		}
		return &OrderInfo{OrderID: result.OrderID, Symbol: norm, Side: side, Type: OrderType(orderType), QuantityStr: qty.String(), PriceStr: triggerPrice.String(), Status: OrderStatusNew}, nil
	}

	payload := map[string]interface{}{
		"symbol":      norm,
		"productType": bitgetProductType,
		"marginMode":  "crossed",
		"marginCoin":  "USDT",
		"size":        qty.String(),
		"side":        bgSide,
		"orderType":   orderType,
	}
	if reduceOnly {
		payload["reduceOnly"] = "YES"
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if _, err := bg.post(ctx, "/api/v2/mix/order/place-order", payload, &result); err != nil {
		return nil, err
	}
	return &OrderInfo{OrderID: result.OrderID, Symbol: norm, Side: side, Type: OrderType(orderType), QuantityStr: qty.String(), Status: OrderStatusNew}, nil
}

// closingHoldSide mirrors the position side that a closing order reduces:
// a BUY closes a short, a SELL closes a long.
func closingHoldSide(closingSide botlib.Side) string {
	if closingSide == botlib.SideBuy {
		return "short"
	}
	return "long"
}

func (bg *BitgetFutures) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	var result struct {
		EntrustedList []struct {
			OrderID   string `json:"orderId"`
			ClientOid string `json:"clientOid"`
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			OrderType string `json:"orderType"`
			Size      string `json:"size"`
			Price     string `json:"price"`
			State     string `json:"state"`
			BaseVolume string `json:"baseVolume"`
		} `json:"entrustedList"`
	}
	if _, err := bg.get(ctx, "/api/v2/mix/order/orders-pending", map[string]string{"symbol": bg.NormalizeSymbol(symbol), "productType": bitgetProductType}, &result); err != nil {
		return nil, err
	}
	out := make([]OrderInfo, 0, len(result.EntrustedList))
	for _, o := range result.EntrustedList {
		side := botlib.SideBuy
		if o.Side == "sell" {
			side = botlib.SideSell
		}
		out = append(out, OrderInfo{
			OrderID: o.OrderID, ClientOrderID: o.ClientOid, Symbol: o.Symbol, Side: side,
			Type: OrderType(o.OrderType), QuantityStr: o.Size, PriceStr: o.Price,
			Status: mapBitgetOrderStatus(o.State), ExecutedQty: parseDecimalLoose(o.BaseVolume),
		})
	}
	return out, nil
}

func (bg *BitgetFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := bg.post(ctx, "/api/v2/mix/order/cancel-order", map[string]interface{}{
		"symbol":      bg.NormalizeSymbol(symbol),
		"productType": bitgetProductType,
		"orderId":     orderID,
	}, nil)
	return err
}

func (bg *BitgetFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := bg.post(ctx, "/api/v2/mix/order/cancel-all-orders", map[string]interface{}{
		"symbol":      bg.NormalizeSymbol(symbol),
		"productType": bitgetProductType,
	}, nil)
	return err
}

func (bg *BitgetFutures) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error) {
	params := map[string]string{
		"symbol":      bg.NormalizeSymbol(symbol),
		"productType": bitgetProductType,
		"granularity": bitgetGranularity(interval),
		"limit":       strconv.Itoa(limit),
	}
	if start != nil {
		params["startTime"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if end != nil {
		params["endTime"] = strconv.FormatInt(end.UnixMilli(), 10)
	}
	var raw [][]interface{}
	if _, err := bg.get(ctx, "/api/v2/mix/market/candles", params, &raw); err != nil {
		return nil, err
	}
	return decodeNumericCandles(raw)
}

func (bg *BitgetFutures) CreateManagedOrders(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal, reduceOnly bool) (*ManagedOrderResult, error) {
	return PlaceManagedOrders(ctx, bg, symbol, side, qty, stopPrice, tpPrice, reduceOnly)
}

func bitgetGranularity(tf string) string {
	switch tf {
	case "1m":
		return "1m"
	case "5m":
		return "5m"
	case "15m":
		return "15m"
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	default:
		return tf
	}
}

func mapBitgetOrderStatus(state string) OrderStatus {
	switch state {
	case "filled", "full_fill":
		return OrderStatusFilled
	case "partially_filled":
		return OrderStatusPartiallyFilled
	case "canceled":
		return OrderStatusCanceled
	default:
		return OrderStatusNew
	}
}

func classifyBitgetError(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*resthttp.APIError)
	if !ok {
		return err
	}
	retriable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	return &botlib.ExchangeError{Exchange: "bitget", Code: strconv.Itoa(apiErr.StatusCode), Msg: string(apiErr.Body), Retriable: retriable}
}
