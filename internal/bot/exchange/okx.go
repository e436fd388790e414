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

const okxMainnetURL = "https://www.okx.com"

// okxSigner implements OKX V5's header-based scheme: base64(HMAC-SHA256(
// timestamp + method + requestPath(+query) + body, secret)), with the API
// passphrase carried as its own header (spec §4.A "Signing").
type okxSigner struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

func (s *okxSigner) SignRequest(req *http.Request) error {
	if s.apiKey == "" {
		return nil
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	body := ""
	if req.Method == http.MethodPost {
		body = readAndRestoreBody(req)
	}
	sig := hmacSHA256Base64(s.apiSecret, ts+req.Method+path+body)
	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
	return nil
}

// okxEnvelope is the {code, msg, data} wrapper every OKX V5 response uses.
type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// OKXFutures implements FuturesAdapter against OKX's USDT-margined
// perpetual swaps. OKX accounts run in one of two position modes
// (/api/v5/account/config's posMode): long_short_mode (hedge — long and
// short legs never net against each other, every order carries a posSide)
// or net_mode (a single net position per instrument, posSide must be
// omitted and reduceOnly carries the closing intent instead). The account
// picks its own mode outside this adapter, so every order- and
// leverage-setting call detects it rather than assuming hedge mode.
type OKXFutures struct {
	client *resthttp.Client
	signer *okxSigner
	logger botlib.Logger

	mu        sync.RWMutex
	precision map[string]*Precision
	posMode   string // "" until first resolved; see accountPosMode
}

const (
	okxPosModeHedge = "long_short_mode"
	okxPosModeNet   = "net_mode"
)

// accountPosMode fetches and caches the account's position mode. A lookup
// failure degrades to assuming hedge mode, matching this adapter's
// original behavior and OKX's own default for new accounts, rather than
// failing every order placement outright.
func (o *OKXFutures) accountPosMode(ctx context.Context) string {
	o.mu.RLock()
	mode := o.posMode
	o.mu.RUnlock()
	if mode != "" {
		return mode
	}

	var result []struct {
		PosMode string `json:"posMode"`
	}
	mode = okxPosModeHedge
	if _, err := o.get(ctx, "/api/v5/account/config", nil, &result); err != nil {
		o.logger.Warn("account config lookup failed, assuming hedge mode", "error", err)
	} else if len(result) > 0 && result[0].PosMode != "" {
		mode = result[0].PosMode
	}

	o.mu.Lock()
	o.posMode = mode
	o.mu.Unlock()
	return mode
}

func NewOKXFutures(apiKey, apiSecret, passphrase string, logger botlib.Logger) *OKXFutures {
	signer := &okxSigner{apiKey: apiKey, apiSecret: apiSecret, passphrase: passphrase}
	return &OKXFutures{
		client:    resthttp.NewClient(okxMainnetURL, 10*time.Second, signer),
		signer:    signer,
		logger:    logger,
		precision: make(map[string]*Precision),
	}
}

func (o *OKXFutures) Name() string { return "okx" }

// NormalizeSymbol produces OKX's "BASE-QUOTE-SWAP" instrument ID form.
func (o *OKXFutures) NormalizeSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	if quote == "" {
		quote = "USDT"
	}
	return base + "-" + quote + "-SWAP"
}

func (o *OKXFutures) TestConnectivity(ctx context.Context) error {
	_, err := o.get(ctx, "/api/v5/public/time", nil, nil)
	return err
}

func (o *OKXFutures) get(ctx context.Context, path string, params map[string]string, out interface{}) (*okxEnvelope, error) {
	body, err := o.client.Get(ctx, path, params)
	if err != nil {
		return nil, classifyOKXError(err)
	}
	return decodeOKXEnvelope(body, out)
}

func (o *OKXFutures) post(ctx context.Context, path string, payload interface{}, out interface{}) (*okxEnvelope, error) {
	body, err := o.client.Post(ctx, path, payload)
	if err != nil {
		return nil, classifyOKXError(err)
	}
	return decodeOKXEnvelope(body, out)
}

func decodeOKXEnvelope(body []byte, out interface{}) (*okxEnvelope, error) {
	var env okxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("okx envelope decode: %w", err)
	}
	if env.Code != "0" && env.Code != "" {
		return &env, &botlib.ExchangeError{Exchange: "okx", Code: env.Code, Msg: env.Msg, Retriable: env.Code == "50011" || env.Code == "50013"}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &env, fmt.Errorf("okx data decode: %w", err)
		}
	}
	return &env, nil
}

func (o *OKXFutures) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var result []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy     string `json:"ccy"`
			AvailEq string `json:"availEq"`
			Upl     string `json:"upl"`
		} `json:"details"`
	}
	if _, err := o.get(ctx, "/api/v5/account/balance", nil, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return &AccountInfo{}, nil
	}
	acc := result[0]
	var available, upl decimal.Decimal
	for _, d := range acc.Details {
		if d.Ccy == "USDT" {
			available = parseDecimalLoose(d.AvailEq)
			upl = parseDecimalLoose(d.Upl)
		}
	}
	wallet := parseDecimalLoose(acc.TotalEq)
	return &AccountInfo{TotalWallet: wallet, Available: available, UsedMargin: wallet.Sub(available), UnrealizedPnL: upl}, nil
}

func (o *OKXFutures) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{"instType": "SWAP"}
	if symbol != "" {
		params["instId"] = o.NormalizeSymbol(symbol)
	}
	var result []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		Upl      string `json:"upl"`
		UplRatio string `json:"uplRatio"`
	}
	if _, err := o.get(ctx, "/api/v5/account/positions", params, &result); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(result))
	for _, p := range result {
		size := parseDecimalLoose(p.Pos).Abs()
		if size.IsZero() {
			continue
		}
		side := botlib.PositionLong
		if p.PosSide == "short" {
			side = botlib.PositionShort
		}
		out = append(out, Position{
			Symbol: p.InstID, Side: side, Size: size,
			EntryPrice: parseDecimalLoose(p.AvgPx), MarkPrice: parseDecimalLoose(p.MarkPx),
			PnL:        parseDecimalLoose(p.Upl),
			Percentage: parseDecimalLoose(p.UplRatio).Mul(decimal.NewFromInt(100)),
		})
	}
	return out, nil
}

func (o *OKXFutures) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var result []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	if _, err := o.get(ctx, "/api/v5/market/ticker", map[string]string{"instId": o.NormalizeSymbol(symbol)}, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "okx", Code: "NO_TICKER", Msg: symbol, Retriable: true}
	}
	return &Ticker{Symbol: result[0].InstID, Price: parseDecimalLoose(result[0].Last)}, nil
}

// SetLeverage sets leverage for both the long and short hedge-mode legs:
// OKX requires a separate call per posSide when the account runs in
// long/short (hedge) mode, per spec §4.A "Exchange-specific quirks". In
// net_mode there is one leg per instrument and posSide must be omitted
// entirely, or OKX rejects the request.
func (o *OKXFutures) SetLeverage(ctx context.Context, symbol string, leverage int32) error {
	instID := o.NormalizeSymbol(symbol)
	lev := strconv.Itoa(int(leverage))

	if o.accountPosMode(ctx) != okxPosModeHedge {
		_, err := o.post(ctx, "/api/v5/account/set-leverage", map[string]interface{}{
			"instId":  instID,
			"lever":   lev,
			"mgnMode": "cross",
		}, nil)
		return err
	}

	for _, posSide := range []string{"long", "short"} {
		if _, err := o.post(ctx, "/api/v5/account/set-leverage", map[string]interface{}{
			"instId":  instID,
			"lever":   lev,
			"mgnMode": "cross",
			"posSide": posSide,
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (o *OKXFutures) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	norm := o.NormalizeSymbol(symbol)
	o.mu.RLock()
	if p, ok := o.precision[norm]; ok {
		o.mu.RUnlock()
		return p, nil
	}
	o.mu.RUnlock()

	var result []struct {
		InstID  string `json:"instId"`
		TickSz  string `json:"tickSz"`
		LotSz   string `json:"lotSz"`
		MinSz   string `json:"minSz"`
		CtVal   string `json:"ctVal"`
	}
	if _, err := o.get(ctx, "/api/v5/public/instruments", map[string]string{"instType": "SWAP", "instId": norm}, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "okx", Code: "SYMBOL_NOT_FOUND", Msg: norm, Retriable: false}
	}
	s := result[0]
	ctVal := parseDecimalLoose(s.CtVal)
	step := parseDecimalLoose(s.LotSz)
	prec := &Precision{
		StepSize:      step,
		TickSize:      parseDecimalLoose(s.TickSz),
		MinQty:        parseDecimalLoose(s.MinSz),
		MinNotional:   decimal.NewFromInt(1),
		QtyPrecision:  decimalPlaces(step),
		ContractValue: &ctVal,
	}
	o.mu.Lock()
	o.precision[norm] = prec
	o.mu.Unlock()
	return prec, nil
}

// RoundQuantity converts a base-asset quantity into whole contracts before
// rounding to the exchange's lot step, per spec §4.A "Quantity conversion".
func (o *OKXFutures) RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error) {
	prec, err := o.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	if prec.ContractValue != nil && !prec.ContractValue.IsZero() {
		return contractsForQuantity(qty, *prec.ContractValue, prec.StepSize).String(), nil
	}
	return roundToStep(qty, prec.StepSize).String(), nil
}

func (o *OKXFutures) CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error) {
	return o.placeOrder(ctx, symbol, side, "market", "", qty, false)
}

func (o *OKXFutures) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return o.placeAlgoOrder(ctx, symbol, side, qty, stopPrice, "sl", reduceOnly)
}

func (o *OKXFutures) CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return o.placeAlgoOrder(ctx, symbol, side, qty, stopPrice, "tp", reduceOnly)
}

func (o *OKXFutures) placeOrder(ctx context.Context, symbol string, side botlib.Side, ordType, price string, qty decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	norm := o.NormalizeSymbol(symbol)
	okxSide := "buy"
	if side == botlib.SideSell {
		okxSide = "sell"
	}
	payload := map[string]interface{}{
		"instId":  norm,
		"tdMode":  "cross",
		"side":    okxSide,
		"ordType": ordType,
		"sz":      qty.String(),
	}
	if o.accountPosMode(ctx) == okxPosModeHedge {
		payload["posSide"] = closingPosSide(side, reduceOnly)
	} else {
		payload["reduceOnly"] = reduceOnly
	}
	if price != "" {
		payload["px"] = price
	}
	var result []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if _, err := o.post(ctx, "/api/v5/trade/order", payload, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "okx", Code: "NO_ORDER_ACK", Msg: norm, Retriable: true}
	}
	r := result[0]
	if r.SCode != "0" {
		return nil, &botlib.ExchangeError{Exchange: "okx", Code: r.SCode, Msg: r.SMsg, Retriable: false}
	}
	return &OrderInfo{
		OrderID: r.OrdID, ClientOrderID: r.ClOrdID, Symbol: norm, Side: side,
		Type: OrderType(ordType), QuantityStr: qty.String(), Status: OrderStatusNew,
	}, nil
}

// placeAlgoOrder places an OKX algo (trigger) order for SL/TP legs via the
// /api/v5/trade/order-algo endpoint, as ordType "conditional" with an
// sl/tp trigger price and a market (-1) execution price.
func (o *OKXFutures) placeAlgoOrder(ctx context.Context, symbol string, side botlib.Side, qty, triggerPrice decimal.Decimal, kind string, reduceOnly bool) (*OrderInfo, error) {
	norm := o.NormalizeSymbol(symbol)
	okxSide := "buy"
	if side == botlib.SideSell {
		okxSide = "sell"
	}
	payload := map[string]interface{}{
		"instId":  norm,
		"tdMode":  "cross",
		"side":    okxSide,
		"ordType": "conditional",
		"sz":      qty.String(),
	}
	if o.accountPosMode(ctx) == okxPosModeHedge {
		payload["posSide"] = closingPosSide(side, true)
	} else {
		payload["reduceOnly"] = true
	}
	if kind == "sl" {
		payload["slTriggerPx"] = triggerPrice.String()
		payload["slOrdPx"] = "-1"
	} else {
		payload["tpTriggerPx"] = triggerPrice.String()
		payload["tpOrdPx"] = "-1"
	}
	var result []struct {
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	}
	if _, err := o.post(ctx, "/api/v5/trade/order-algo", payload, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "okx", Code: "NO_ALGO_ACK", Msg: norm, Retriable: true}
	}
	r := result[0]
	if r.SCode != "0" {
		return nil, &botlib.ExchangeError{Exchange: "okx", Code: r.SCode, Msg: r.SMsg, Retriable: false}
	}
	ordType := OrderTypeStopMarket
	if kind == "tp" {
		ordType = OrderTypeTakeProfitMkt
	}
	return &OrderInfo{
		OrderID: r.AlgoID, Symbol: norm, Side: side, Type: ordType,
		QuantityStr: qty.String(), PriceStr: triggerPrice.String(), Status: OrderStatusNew,
	}, nil
}

// closingPosSide infers the hedge-mode leg an order acts on. With
// reduceOnly it is the leg the order closes: a BUY order reduces a short
// position and a SELL order reduces a long one, since PlaceManagedOrders
// always calls with the closing side already computed. Without reduceOnly
// it is the leg the order opens: BUY opens long, SELL opens short.
func closingPosSide(closingSide botlib.Side, reduceOnly bool) string {
	if !reduceOnly {
		if closingSide == botlib.SideBuy {
			return "long"
		}
		return "short"
	}
	if closingSide == botlib.SideBuy {
		return "short"
	}
	return "long"
}

func (o *OKXFutures) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	var result []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		InstID  string `json:"instId"`
		Side    string `json:"side"`
		OrdType string `json:"ordType"`
		Sz      string `json:"sz"`
		Px      string `json:"px"`
		State   string `json:"state"`
		AccFillSz string `json:"accFillSz"`
	}
	if _, err := o.get(ctx, "/api/v5/trade/orders-pending", map[string]string{"instId": o.NormalizeSymbol(symbol), "instType": "SWAP"}, &result); err != nil {
		return nil, err
	}
	out := make([]OrderInfo, 0, len(result))
	for _, r := range result {
		side := botlib.SideBuy
		if r.Side == "sell" {
			side = botlib.SideSell
		}
		out = append(out, OrderInfo{
			OrderID: r.OrdID, ClientOrderID: r.ClOrdID, Symbol: r.InstID, Side: side,
			Type: OrderType(r.OrdType), QuantityStr: r.Sz, PriceStr: r.Px,
			Status: mapOKXOrderStatus(r.State), ExecutedQty: parseDecimalLoose(r.AccFillSz),
		})
	}
	return out, nil
}

func (o *OKXFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := o.post(ctx, "/api/v5/trade/cancel-order", map[string]interface{}{
		"instId": o.NormalizeSymbol(symbol),
		"ordId":  orderID,
	}, nil)
	return err
}

func (o *OKXFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	open, err := o.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, ord := range open {
		if cancelErr := o.CancelOrder(ctx, symbol, ord.OrderID); cancelErr != nil {
			err = cancelErr
		}
	}
	return err
}

func (o *OKXFutures) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error) {
	params := map[string]string{
		"instId": o.NormalizeSymbol(symbol),
		"bar":    okxBar(interval),
		"limit":  strconv.Itoa(limit),
	}
	if start != nil {
		params["before"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if end != nil {
		params["after"] = strconv.FormatInt(end.UnixMilli(), 10)
	}
	var raw [][]string
	if _, err := o.get(ctx, "/api/v5/market/candles", params, &raw); err != nil {
		return nil, err
	}
	out := make([]botlib.Candle, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		row := raw[i]
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		out = append(out, botlib.Candle{
			OpenTime: time.UnixMilli(ms),
			Open:     parseDecimalLoose(row[1]), High: parseDecimalLoose(row[2]),
			Low: parseDecimalLoose(row[3]), Close: parseDecimalLoose(row[4]), Volume: parseDecimalLoose(row[5]),
		})
	}
	return out, nil
}

func (o *OKXFutures) CreateManagedOrders(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal, reduceOnly bool) (*ManagedOrderResult, error) {
	return PlaceManagedOrders(ctx, o, symbol, side, qty, stopPrice, tpPrice, reduceOnly)
}

func okxBar(tf string) string {
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

func mapOKXOrderStatus(state string) OrderStatus {
	switch state {
	case "filled":
		return OrderStatusFilled
	case "partially_filled":
		return OrderStatusPartiallyFilled
	case "canceled":
		return OrderStatusCanceled
	default:
		return OrderStatusNew
	}
}

func classifyOKXError(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*resthttp.APIError)
	if !ok {
		return err
	}
	retriable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	return &botlib.ExchangeError{Exchange: "okx", Code: strconv.Itoa(apiErr.StatusCode), Msg: string(apiErr.Body), Retriable: retriable}
}
