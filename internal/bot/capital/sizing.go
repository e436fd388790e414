package capital

import "math"

// LLMAdvice is the capital-sizing half of an LLM provider's response
// (spec §4.C), decoupled from the llm package so this package never
// imports it directly — the orchestrator wires the two together.
type LLMAdvice struct {
	RecommendedSizePct float64
}

// fixedPercentageSizing scales the base size by a confidence multiplier in
// [0.5, 2.0] — spec §4.B method 1.
func (c Config) fixedPercentageSizing(confidence float64) float64 {
	multiplier := 0.5 + confidence*1.5
	return c.BasePositionSizePct * multiplier
}

// kellyCriterionSizing applies the classic Kelly formula f=(bp-q)/b, floored
// at zero, scaled by a fixed fractional multiplier and the signal's
// confidence, and capped at the configured maximum — spec §4.B method 2.
func (c Config) kellyCriterionSizing(confidence float64, rm RiskMetrics) float64 {
	winRate := math.Max(rm.WinRate, c.MinWinRate)
	avgWinLoss := math.Max(rm.AvgWinLossRatio, 1.0)
	lossRate := 1 - winRate
	kellyFraction := (avgWinLoss*winRate - lossRate) / avgWinLoss
	kellySize := math.Max(0, kellyFraction*c.KellyMultiplier*confidence)
	return math.Min(kellySize, c.MaxPositionSizePct)
}

// volatilityBasedSizing scales inversely with realized volatility: 1.5x at
// or below the low threshold, 0.5x at or above the high threshold, linearly
// interpolated between — spec §4.B method 3.
func (c Config) volatilityBasedSizing(confidence float64, rm RiskMetrics) float64 {
	var volMultiplier float64
	switch {
	case rm.Volatility <= c.VolatilityThresholdLow:
		volMultiplier = 1.5
	case rm.Volatility >= c.VolatilityThresholdHigh:
		volMultiplier = 0.5
	default:
		volRange := c.VolatilityThresholdHigh - c.VolatilityThresholdLow
		volPosition := (rm.Volatility - c.VolatilityThresholdLow) / volRange
		volMultiplier = 1.5 - volPosition
	}
	size := c.BasePositionSizePct * volMultiplier * confidence
	return math.Min(size, c.MaxPositionSizePct)
}

// atrBasedSizing sizes to risk a fixed 1% of available balance against the
// instrument's ATR, then applies the confidence multiplier — spec §4.B
// method 4. Returns the base size unchanged when ATR or price data is
// unavailable, same as the method it's grounded on.
func (c Config) atrBasedSizing(confidence float64, rm RiskMetrics, mkt MarketContext) float64 {
	if mkt.ATR <= 0 || mkt.CurrentPrice <= 0 || rm.AvailableBalance <= 0 {
		return c.BasePositionSizePct
	}
	riskAmount := rm.AvailableBalance * 0.01
	atrPct := mkt.ATR / mkt.CurrentPrice
	if atrPct <= 0 {
		return c.BasePositionSizePct
	}
	positionValue := riskAmount / atrPct
	sizePct := positionValue / rm.AvailableBalance
	adjusted := sizePct * confidence
	return math.Min(adjusted, c.MaxPositionSizePct)
}

// confidenceBasedSizing scales the base size by confidence^0.8 (dampening
// extreme confidence), then derates for drawdown and boosts/derates for
// Sharpe ratio — spec §4.B method 5.
func (c Config) confidenceBasedSizing(confidence float64, rm RiskMetrics) float64 {
	confidenceSize := c.BasePositionSizePct * math.Pow(confidence, 0.8)
	drawdownMultiplier := math.Max(0.3, 1-rm.CurrentDrawdown*2)
	sharpeMultiplier := math.Min(1.5, math.Max(0.5, 0.5+rm.SharpeRatio*0.3))
	final := confidenceSize * drawdownMultiplier * sharpeMultiplier
	return math.Min(final, c.MaxPositionSizePct)
}

// llmHybridSizing blends an LLM-provided size with the confidence-based
// method at c.LLMWeight, falling back to the confidence-based method alone
// when no advice is available — spec §4.B method 6 / §4.C graceful
// degradation.
func (c Config) llmHybridSizing(confidence float64, rm RiskMetrics, advice *LLMAdvice) float64 {
	traditional := c.confidenceBasedSizing(confidence, rm)
	if advice == nil {
		return traditional
	}
	combined := advice.RecommendedSizePct*c.LLMWeight + traditional*(1-c.LLMWeight)
	return math.Min(combined, c.MaxPositionSizePct)
}
