package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/capital"
	"botplatform/internal/bot/exchange"
)

// placeOrder implements spec §4.E step 9. A non-empty holdReason means the
// action was downgraded to HOLD (zero recommended size or a quantity
// validation failure): the caller logs that single reason as the cycle's
// one ActionLog row instead of the original BUY/SELL and ends the cycle
// without an order or Trade.
func (o *Orchestrator) placeOrder(ctx context.Context, sub *botlib.Subscription, adapter exchange.FuturesAdapter, action botlib.Action, primaryCandles []botlib.Candle) (trade *botlib.Trade, holdReason string, err error) {
	account, err := adapter.GetAccountInfo(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("account info: %w", err)
	}
	ticker, err := adapter.GetTicker(ctx, sub.TradingPair)
	if err != nil {
		return nil, "", fmt.Errorf("ticker: %w", err)
	}

	rm := capital.RiskMetrics{
		AccountBalance:   mustFloat(account.TotalWallet),
		AvailableBalance: mustFloat(account.Available),
	}
	mkt := capital.MarketContext{
		CurrentPrice: mustFloat(ticker.Price),
		ATR:          estimateATR(primaryCandles),
	}

	advice := o.fetchLLMAdvice(ctx, sub, rm)
	rec := o.capital.Recommend(action.Confidence, rm, mkt, advice)

	if rec.RecommendedSizePct <= 0 {
		return nil, "downgraded to HOLD: recommended size is zero", nil
	}

	entryPrice := priceFromRecommendationOrTicker(action, ticker.Price)
	side := botlib.SideBuy
	positionSide := botlib.PositionLong
	if action.Kind == botlib.ActionSell {
		side = botlib.SideSell
		positionSide = botlib.PositionShort
	}

	slPrice, tpPrice := deriveStopAndTarget(action, entryPrice, side, sub.RiskConfig)
	slPrice, tpPrice = enforceMinDistance(entryPrice, slPrice, tpPrice, side, sub.RiskConfig)

	leverage := sub.RiskConfig.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if err := adapter.SetLeverage(ctx, sub.TradingPair, leverage); err != nil {
		o.logger.Warn("set leverage failed, continuing with existing leverage", "symbol", sub.TradingPair, "error", err)
	}

	rawQty := decimal.NewFromFloat(rec.RecommendedSizePct).
		Mul(decimal.NewFromFloat(rm.AvailableBalance)).
		Mul(decimal.NewFromInt32(leverage)).
		Div(entryPrice)

	qtyStr, err := adapter.RoundQuantity(ctx, rawQty, sub.TradingPair)
	if err != nil {
		return nil, "", fmt.Errorf("round quantity: %w", err)
	}
	roundedQty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, "", fmt.Errorf("parse rounded quantity: %w", err)
	}

	prec, err := adapter.GetSymbolPrecision(ctx, sub.TradingPair)
	if err != nil {
		return nil, "", fmt.Errorf("symbol precision: %w", err)
	}
	if qvErr := exchange.ValidateQuantity(sub.TradingPair, rawQty, roundedQty, entryPrice, prec); qvErr != nil {
		return nil, fmt.Sprintf("downgraded to HOLD: %v", qvErr), nil
	}

	entryOrder, err := adapter.CreateMarketOrder(ctx, sub.TradingPair, side, roundedQty)
	if err != nil {
		return nil, "", fmt.Errorf("market entry: %w", err)
	}

	managed, err := adapter.CreateManagedOrders(ctx, sub.TradingPair, side, roundedQty, slPrice, tpPrice, true)
	if err != nil {
		o.logger.Error("managed orders failed, flattening naked position", "symbol", sub.TradingPair, "error", err)
		closingSide := botlib.SideSell
		if side == botlib.SideSell {
			closingSide = botlib.SideBuy
		}
		if _, flattenErr := adapter.CreateMarketOrder(ctx, sub.TradingPair, closingSide, roundedQty); flattenErr != nil {
			o.logger.Error("best-effort flatten after managed order failure also failed", "symbol", sub.TradingPair, "error", flattenErr)
		}
		return nil, "", &botlib.OrderPartialFailureError{Symbol: sub.TradingPair, EntryOrderID: entryOrder.OrderID, Cause: err}
	}

	var tpOrderIDs []string
	for _, tp := range managed.TakeProfitOrders {
		tpOrderIDs = append(tpOrderIDs, tp.OrderID)
	}

	return &botlib.Trade{
		SubscriptionID:     sub.ID,
		Symbol:             sub.TradingPair,
		Side:               side,
		PositionSide:       positionSide,
		Quantity:           roundedQty,
		EntryPrice:         entryPrice,
		EntryTime:          time.Now(),
		Leverage:           leverage,
		StopLoss:           slPrice,
		TakeProfit:         tpPrice,
		EntryOrderID:       entryOrder.OrderID,
		StopLossOrderID:    managed.StopLossOrder.OrderID,
		TakeProfitOrderIDs: tpOrderIDs,
		Status:             botlib.TradeOpen,
	}, "", nil
}

// fetchLLMAdvice asks the LLM client for capital-sizing advice when one is
// configured; any failure degrades gracefully to nil, which llmHybridSizing
// folds into the other methods' weighted average (spec §4.B).
func (o *Orchestrator) fetchLLMAdvice(ctx context.Context, sub *botlib.Subscription, rm capital.RiskMetrics) *capital.LLMAdvice {
	if o.llmClient == nil || !sub.ExecutionConfig.UseLLM {
		return nil
	}
	riskContext := fmt.Sprintf("balance=%.2f available=%.2f drawdown=%.4f",
		rm.AccountBalance, rm.AvailableBalance, rm.CurrentDrawdown)
	result, err := o.llmClient.CapitalAdvice(ctx, riskContext, sub.ExecutionConfig.BaseSizePct, sub.ExecutionConfig.MaxSizePct)
	if err != nil {
		o.logger.Warn("llm capital advice failed, falling back", "subscription_id", sub.ID, "error", err)
		return nil
	}
	return &capital.LLMAdvice{RecommendedSizePct: result.RecommendedSizePct}
}

func priceFromRecommendationOrTicker(action botlib.Action, tickerPrice decimal.Decimal) decimal.Decimal {
	if action.Recommendation != nil && action.Recommendation.EntryPrice != nil {
		return *action.Recommendation.EntryPrice
	}
	return tickerPrice
}

// deriveStopAndTarget implements spec §4.E step 9's "derive SL/TP... from
// recommendation if provided else from stop_loss_pct/take_profit_pct
// defaults".
func deriveStopAndTarget(action botlib.Action, entryPrice decimal.Decimal, side botlib.Side, risk botlib.RiskConfig) (sl, tp decimal.Decimal) {
	if action.Recommendation != nil && action.Recommendation.StopLoss != nil && action.Recommendation.TakeProfit != nil {
		return *action.Recommendation.StopLoss, *action.Recommendation.TakeProfit
	}

	slPct := decimal.NewFromFloat(risk.StopLossPct)
	tpPct := decimal.NewFromFloat(risk.TakeProfitPct)
	one := decimal.NewFromInt(1)

	if side == botlib.SideBuy {
		sl = entryPrice.Mul(one.Sub(slPct))
		tp = entryPrice.Mul(one.Add(tpPct))
	} else {
		sl = entryPrice.Mul(one.Add(slPct))
		tp = entryPrice.Mul(one.Sub(tpPct))
	}
	return sl, tp
}

// enforceMinDistance implements spec §4.E step 9's minimum-distance guard:
// 0.1% from mark for SL, 0.2% for TP by default, overridable per
// subscription, adjusted outward if too close.
func enforceMinDistance(entryPrice, sl, tp decimal.Decimal, side botlib.Side, risk botlib.RiskConfig) (decimal.Decimal, decimal.Decimal) {
	slDistancePct := risk.MinSLDistancePct
	if slDistancePct <= 0 {
		slDistancePct = minSLDistancePct
	}
	tpDistancePct := risk.MinTPDistancePct
	if tpDistancePct <= 0 {
		tpDistancePct = minTPDistancePct
	}
	minSL := entryPrice.Mul(decimal.NewFromFloat(slDistancePct))
	minTP := entryPrice.Mul(decimal.NewFromFloat(tpDistancePct))

	if side == botlib.SideBuy {
		if entryPrice.Sub(sl).LessThan(minSL) {
			sl = entryPrice.Sub(minSL)
		}
		if tp.Sub(entryPrice).LessThan(minTP) {
			tp = entryPrice.Add(minTP)
		}
	} else {
		if sl.Sub(entryPrice).LessThan(minSL) {
			sl = entryPrice.Add(minSL)
		}
		if entryPrice.Sub(tp).LessThan(minTP) {
			tp = entryPrice.Sub(minTP)
		}
	}
	return sl, tp
}

func estimateATR(candles []botlib.Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	var sum decimal.Decimal
	count := 0
	for i := 1; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close

		tr := high.Sub(low)
		if hc := high.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
			tr = hc
		}
		if lc := low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
			tr = lc
		}
		sum = sum.Add(tr)
		count++
	}
	if count == 0 {
		return 0
	}
	avg, _ := sum.Div(decimal.NewFromInt(int64(count))).Float64()
	return avg
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
