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

const huobiMainnetURL = "https://api.hbdm.com"

// huobiSigner implements Huobi/HTX's AWS-style query signing: the signature
// covers "METHOD\nHOST\nPATH\n<sorted query string>" and is itself appended
// as a query parameter (spec §4.A "Signing"), the same shape Huobi spot and
// linear-swap both use.
type huobiSigner struct {
	accessKey string
	secretKey string
}

func (s *huobiSigner) SignRequest(req *http.Request) error {
	if s.accessKey == "" {
		return nil
	}
	q := req.URL.Query()
	q.Set("AccessKeyId", s.accessKey)
	q.Set("SignatureMethod", "HmacSHA256")
	q.Set("SignatureVersion", "2")
	q.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))

	params := make(map[string]string, len(q))
	for k := range q {
		params[k] = q.Get(k)
	}
	canonical := canonicalQueryString(params)
	payload := req.Method + "\n" + req.URL.Host + "\n" + req.URL.Path + "\n" + canonical
	sig := hmacSHA256Base64(s.secretKey, payload)
	q.Set("Signature", sig)
	req.URL.RawQuery = q.Encode()
	return nil
}

type huobiEnvelope struct {
	Status  string          `json:"status"`
	ErrCode json.Number     `json:"err_code"`
	ErrMsg  string          `json:"err_msg"`
	Data    json.RawMessage `json:"data"`
}

// HuobiFutures implements FuturesAdapter against Huobi/HTX's cross-margin
// USDT-settled linear swaps.
type HuobiFutures struct {
	client *resthttp.Client
	signer *huobiSigner
	logger botlib.Logger

	mu        sync.RWMutex
	precision map[string]*Precision
}

func NewHuobiFutures(accessKey, secretKey string, logger botlib.Logger) *HuobiFutures {
	signer := &huobiSigner{accessKey: accessKey, secretKey: secretKey}
	return &HuobiFutures{
		client:    resthttp.NewClient(huobiMainnetURL, 10*time.Second, signer),
		signer:    signer,
		logger:    logger,
		precision: make(map[string]*Precision),
	}
}

func (h *HuobiFutures) Name() string { return "huobi" }

// NormalizeSymbol produces Huobi's "BASE-QUOTE" contract_code form.
func (h *HuobiFutures) NormalizeSymbol(symbol string) string {
	base, quote := splitSymbol(symbol)
	if quote == "" {
		quote = "USDT"
	}
	return base + "-" + quote
}

func (h *HuobiFutures) TestConnectivity(ctx context.Context) error {
	_, err := h.client.Get(ctx, "/linear-swap-api/v1/swap_contract_info", nil)
	return err
}

func (h *HuobiFutures) getSigned(ctx context.Context, path string, params map[string]string, out interface{}) error {
	body, err := h.client.Get(ctx, path, params)
	if err != nil {
		return classifyHuobiError(err)
	}
	return decodeHuobiEnvelope(body, out)
}

func (h *HuobiFutures) postSigned(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := h.client.Post(ctx, path, payload)
	if err != nil {
		return classifyHuobiError(err)
	}
	return decodeHuobiEnvelope(body, out)
}

func decodeHuobiEnvelope(body []byte, out interface{}) error {
	var env huobiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("huobi envelope decode: %w", err)
	}
	if env.Status == "error" {
		return &botlib.ExchangeError{Exchange: "huobi", Code: env.ErrCode.String(), Msg: env.ErrMsg, Retriable: env.ErrCode.String() == "1074" || env.ErrCode.String() == "1003"}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("huobi data decode: %w", err)
		}
	}
	return nil
}

func (h *HuobiFutures) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var result []struct {
		MarginBalance    float64 `json:"margin_balance"`
		MarginAvailable  float64 `json:"margin_available"`
		ProfitUnreal     float64 `json:"profit_unreal"`
	}
	if err := h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_account_info", map[string]interface{}{"margin_account": "USDT"}, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return &AccountInfo{}, nil
	}
	acc := result[0]
	wallet := decimal.NewFromFloat(acc.MarginBalance)
	available := decimal.NewFromFloat(acc.MarginAvailable)
	return &AccountInfo{
		TotalWallet:   wallet,
		Available:     available,
		UsedMargin:    wallet.Sub(available),
		UnrealizedPnL: decimal.NewFromFloat(acc.ProfitUnreal),
	}, nil
}

func (h *HuobiFutures) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	payload := map[string]interface{}{"margin_account": "USDT"}
	if symbol != "" {
		payload["contract_code"] = h.NormalizeSymbol(symbol)
	}
	var result []struct {
		ContractCode  string  `json:"contract_code"`
		Direction     string  `json:"direction"`
		Volume        float64 `json:"volume"`
		CostOpen      float64 `json:"cost_open"`
		LastPrice     float64 `json:"last_price"`
		ProfitUnreal  float64 `json:"profit_unreal"`
		ProfitRate    float64 `json:"profit_rate"`
	}
	if err := h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_position_info", payload, &result); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(result))
	for _, p := range result {
		if p.Volume == 0 {
			continue
		}
		side := botlib.PositionLong
		if p.Direction == "sell" {
			side = botlib.PositionShort
		}
		out = append(out, Position{
			Symbol: p.ContractCode, Side: side, Size: decimal.NewFromFloat(p.Volume),
			EntryPrice: decimal.NewFromFloat(p.CostOpen), MarkPrice: decimal.NewFromFloat(p.LastPrice),
			PnL: decimal.NewFromFloat(p.ProfitUnreal), Percentage: decimal.NewFromFloat(p.ProfitRate * 100),
		})
	}
	return out, nil
}

func (h *HuobiFutures) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	body, err := h.client.Get(ctx, "/linear-swap-ex/market/detail/merged", map[string]string{"contract_code": h.NormalizeSymbol(symbol)})
	if err != nil {
		return nil, classifyHuobiError(err)
	}
	var resp struct {
		Tick struct {
			Close float64 `json:"close"`
		} `json:"tick"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("huobi ticker decode: %w", err)
	}
	return &Ticker{Symbol: h.NormalizeSymbol(symbol), Price: decimal.NewFromFloat(resp.Tick.Close)}, nil
}

func (h *HuobiFutures) SetLeverage(ctx context.Context, symbol string, leverage int32) error {
	return h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_switch_lever_rate", map[string]interface{}{
		"contract_code": h.NormalizeSymbol(symbol),
		"lever_rate":    leverage,
	}, nil)
}

func (h *HuobiFutures) GetSymbolPrecision(ctx context.Context, symbol string) (*Precision, error) {
	norm := h.NormalizeSymbol(symbol)
	h.mu.RLock()
	if p, ok := h.precision[norm]; ok {
		h.mu.RUnlock()
		return p, nil
	}
	h.mu.RUnlock()

	body, err := h.client.Get(ctx, "/linear-swap-api/v1/swap_contract_info", map[string]string{"contract_code": norm})
	if err != nil {
		return nil, classifyHuobiError(err)
	}
	var env struct {
		Data []struct {
			ContractCode  string  `json:"contract_code"`
			ContractSize  float64 `json:"contract_size"`
			PriceTick     float64 `json:"price_tick"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("huobi contract_info decode: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, &botlib.ExchangeError{Exchange: "huobi", Code: "SYMBOL_NOT_FOUND", Msg: norm, Retriable: false}
	}
	c := env.Data[0]
	ctVal := decimal.NewFromFloat(c.ContractSize)
	prec := &Precision{
		StepSize:      decimal.NewFromInt(1), // contracts are whole-number denominated
		TickSize:      decimal.NewFromFloat(c.PriceTick),
		MinQty:        decimal.NewFromInt(1),
		MinNotional:   decimal.Zero,
		QtyPrecision:  0,
		ContractValue: &ctVal,
	}
	h.mu.Lock()
	h.precision[norm] = prec
	h.mu.Unlock()
	return prec, nil
}

func (h *HuobiFutures) RoundQuantity(ctx context.Context, qty decimal.Decimal, symbol string) (string, error) {
	prec, err := h.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return "", err
	}
	if prec.ContractValue != nil && !prec.ContractValue.IsZero() {
		return contractsForQuantity(qty, *prec.ContractValue, prec.StepSize).String(), nil
	}
	return roundToStep(qty, prec.StepSize).String(), nil
}

func (h *HuobiFutures) CreateMarketOrder(ctx context.Context, symbol string, side botlib.Side, qty decimal.Decimal) (*OrderInfo, error) {
	return h.placeOrder(ctx, symbol, side, "", qty, false)
}

func (h *HuobiFutures) CreateStopLossOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return h.placeTriggerOrder(ctx, symbol, side, qty, stopPrice, reduceOnly)
}

func (h *HuobiFutures) CreateTakeProfitOrder(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	return h.placeTriggerOrder(ctx, symbol, side, qty, stopPrice, reduceOnly)
}

func (h *HuobiFutures) placeOrder(ctx context.Context, symbol string, side botlib.Side, _ string, qty decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	norm := h.NormalizeSymbol(symbol)
	direction := "buy"
	if side == botlib.SideSell {
		direction = "sell"
	}
	payload := map[string]interface{}{
		"contract_code":    norm,
		"direction":        direction,
		"offset":           offsetFor(reduceOnly),
		"volume":           qty.IntPart(),
		"order_price_type": "optimal_20",
	}
	var result struct {
		OrderID int64 `json:"order_id"`
	}
	if err := h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_order", payload, &result); err != nil {
		return nil, err
	}
	return &OrderInfo{OrderID: strconv.FormatInt(result.OrderID, 10), Symbol: norm, Side: side, Type: OrderTypeMarket, QuantityStr: qty.String(), Status: OrderStatusNew}, nil
}

func (h *HuobiFutures) placeTriggerOrder(ctx context.Context, symbol string, closingSide botlib.Side, qty, triggerPrice decimal.Decimal, reduceOnly bool) (*OrderInfo, error) {
	norm := h.NormalizeSymbol(symbol)
	direction := "buy"
	if closingSide == botlib.SideSell {
		direction = "sell"
	}
	payload := map[string]interface{}{
		"contract_code":     norm,
		"direction":         direction,
		"offset":            "close",
		"volume":            qty.IntPart(),
		"trigger_type":      "le",
		"trigger_price":     triggerPrice.String(),
		"order_price_type":  "optimal_20",
	}
	var result struct {
		OrderID int64 `json:"order_id"`
	}
	if err := h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_trigger_order", payload, &result); err != nil {
		return nil, err
	}
	return &OrderInfo{OrderID: strconv.FormatInt(result.OrderID, 10), Symbol: norm, Side: closingSide, Type: OrderTypeStopMarket, QuantityStr: qty.String(), PriceStr: triggerPrice.String(), Status: OrderStatusNew}, nil
}

func offsetFor(reduceOnly bool) string {
	if reduceOnly {
		return "close"
	}
	return "open"
}

func (h *HuobiFutures) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	var result struct {
		Orders []struct {
			OrderID     int64   `json:"order_id"`
			ContractCode string `json:"contract_code"`
			Direction   string  `json:"direction"`
			Volume      float64 `json:"volume"`
			Price       float64 `json:"price"`
			Status      int     `json:"status"`
			TradeVolume float64 `json:"trade_volume"`
		} `json:"orders"`
	}
	if err := h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_openorders", map[string]interface{}{"contract_code": h.NormalizeSymbol(symbol)}, &result); err != nil {
		return nil, err
	}
	out := make([]OrderInfo, 0, len(result.Orders))
	for _, o := range result.Orders {
		side := botlib.SideBuy
		if o.Direction == "sell" {
			side = botlib.SideSell
		}
		out = append(out, OrderInfo{
			OrderID: strconv.FormatInt(o.OrderID, 10), Symbol: o.ContractCode, Side: side,
			Type: OrderTypeMarket, QuantityStr: decimal.NewFromFloat(o.Volume).String(),
			PriceStr: decimal.NewFromFloat(o.Price).String(), Status: mapHuobiOrderStatus(o.Status),
			ExecutedQty: decimal.NewFromFloat(o.TradeVolume),
		})
	}
	return out, nil
}

func (h *HuobiFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_cancel", map[string]interface{}{
		"contract_code": h.NormalizeSymbol(symbol),
		"order_id":      orderID,
	}, nil)
}

func (h *HuobiFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	return h.postSigned(ctx, "/linear-swap-api/v1/swap_cross_cancelall", map[string]interface{}{
		"contract_code": h.NormalizeSymbol(symbol),
	}, nil)
}

func (h *HuobiFutures) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end *time.Time) ([]botlib.Candle, error) {
	params := map[string]string{
		"contract_code": h.NormalizeSymbol(symbol),
		"period":        huobiPeriod(interval),
		"size":          strconv.Itoa(limit),
	}
	body, err := h.client.Get(ctx, "/linear-swap-ex/market/history/kline", params)
	if err != nil {
		return nil, classifyHuobiError(err)
	}
	var resp struct {
		Data []struct {
			ID     int64   `json:"id"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Vol    float64 `json:"vol"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("huobi klines decode: %w", err)
	}
	out := make([]botlib.Candle, 0, len(resp.Data))
	for i := len(resp.Data) - 1; i >= 0; i-- {
		c := resp.Data[i]
		out = append(out, botlib.Candle{
			OpenTime: time.Unix(c.ID, 0),
			Open:     decimal.NewFromFloat(c.Open), High: decimal.NewFromFloat(c.High),
			Low: decimal.NewFromFloat(c.Low), Close: decimal.NewFromFloat(c.Close), Volume: decimal.NewFromFloat(c.Vol),
		})
	}
	return out, nil
}

func (h *HuobiFutures) CreateManagedOrders(ctx context.Context, symbol string, side botlib.Side, qty, stopPrice, tpPrice decimal.Decimal, reduceOnly bool) (*ManagedOrderResult, error) {
	return PlaceManagedOrders(ctx, h, symbol, side, qty, stopPrice, tpPrice, reduceOnly)
}

func huobiPeriod(tf string) string {
	switch tf {
	case "1m":
		return "1min"
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "1h":
		return "60min"
	case "4h":
		return "4hour"
	case "1d":
		return "1day"
	default:
		return tf
	}
}

func mapHuobiOrderStatus(status int) OrderStatus {
	switch status {
	case 6:
		return OrderStatusFilled
	case 4, 5:
		return OrderStatusPartiallyFilled
	case 7:
		return OrderStatusCanceled
	default:
		return OrderStatusNew
	}
}

func classifyHuobiError(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*resthttp.APIError)
	if !ok {
		return err
	}
	retriable := apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	return &botlib.ExchangeError{Exchange: "huobi", Code: strconv.Itoa(apiErr.StatusCode), Msg: string(apiErr.Body), Retriable: retriable}
}
