package capital

import (
	"math"

	"botplatform/internal/bot/botlib"
)

// Manager runs the full position-sizing pipeline for one execution cycle:
// every sizing method, a market-adaptive weighted combination, then the
// ordered safety constraints from spec §4.B.
type Manager struct {
	cfg    Config
	logger botlib.Logger
}

func NewManager(cfg Config, logger botlib.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger}
}

// sizingWeights are the base per-method weights spec §4.B's combination
// step starts from before market-condition re-skewing.
var sizingWeights = map[string]float64{
	"fixed":      0.10,
	"kelly":      0.20,
	"volatility": 0.15,
	"atr":        0.15,
	"confidence": 0.20,
	"llm_hybrid": 0.20,
}

// Recommend runs every applicable sizing method, combines them with
// market-adaptive weights, and applies the safety constraint chain.
// advice is nil when the LLM client is unavailable or timed out — the
// llm_hybrid method degrades to the confidence-based method in that case,
// and its weight share is simply folded into the other five methods'
// weighted average rather than redistributed, matching spec §4.B's
// documented degrade-gracefully behavior.
func (m *Manager) Recommend(confidence float64, rm RiskMetrics, mkt MarketContext, advice *LLMAdvice) SizeRecommendation {
	results := map[string]float64{
		"fixed":      m.cfg.fixedPercentageSizing(confidence),
		"kelly":      m.cfg.kellyCriterionSizing(confidence, rm),
		"volatility": m.cfg.volatilityBasedSizing(confidence, rm),
		"atr":        m.cfg.atrBasedSizing(confidence, rm, mkt),
		"confidence": m.cfg.confidenceBasedSizing(confidence, rm),
	}
	if m.cfg.UseLLM {
		results["llm_hybrid"] = m.cfg.llmHybridSizing(confidence, rm, advice)
	}

	rec := m.combine(results, confidence, rm)
	return m.applyConstraints(rec, rm)
}

// combine computes the weighted average of every method's result, re-
// skewing weights toward volatility/ATR in choppy markets and toward the
// fixed method during drawdowns — spec §4.B "Combination".
func (m *Manager) combine(results map[string]float64, confidence float64, rm RiskMetrics) SizeRecommendation {
	if len(results) == 0 {
		return SizeRecommendation{
			RecommendedSizePct: m.cfg.BasePositionSizePct,
			MaxSizePct:         m.cfg.MaxPositionSizePct,
			RiskLevel:          "MEDIUM",
			SizingMethod:       "default",
			Reasoning:          "no sizing methods available",
		}
	}

	weights := make(map[string]float64, len(sizingWeights))
	for k, v := range sizingWeights {
		weights[k] = v
	}
	if rm.Volatility > m.cfg.VolatilityThresholdHigh {
		weights["volatility"] += 0.10
		weights["atr"] += 0.10
		weights["confidence"] -= 0.10
		weights["fixed"] -= 0.10
	}
	if rm.CurrentDrawdown > 0.05 {
		weights["fixed"] += 0.15
		weights["kelly"] -= 0.10
		weights["confidence"] -= 0.05
	}

	var weightedSum, totalWeight float64
	usedMethods := make([]string, 0, len(results))
	for method, size := range results {
		w, ok := weights[method]
		if !ok {
			continue
		}
		weightedSum += size * w
		totalWeight += w
		usedMethods = append(usedMethods, method)
	}

	recommendedSize := m.cfg.BasePositionSizePct
	if totalWeight > 0 {
		recommendedSize = weightedSum / totalWeight
	}

	riskLevel := "MEDIUM"
	switch {
	case recommendedSize <= m.cfg.BasePositionSizePct*0.7:
		riskLevel = "LOW"
	case recommendedSize >= m.cfg.BasePositionSizePct*1.5:
		riskLevel = "HIGH"
	}

	return SizeRecommendation{
		RecommendedSizePct:   recommendedSize,
		MaxSizePct:           m.cfg.MaxPositionSizePct,
		RiskLevel:            riskLevel,
		SizingMethod:         "weighted_combination",
		ConfidenceAdjustment: (confidence - 0.5) * 2,
		VolatilityAdjustment: -(rm.Volatility - 0.05) * 10,
		DrawdownAdjustment:   -rm.CurrentDrawdown * 5,
		Reasoning:            "combined sizing methods with market-adaptive weights",
	}
}

// applyConstraints enforces, in order, the four caps spec §4.B names:
// max position size, portfolio exposure headroom, drawdown de-risking, and
// a minimum-viable-size floor below which the size drops to zero.
func (m *Manager) applyConstraints(rec SizeRecommendation, rm RiskMetrics) SizeRecommendation {
	size := rec.RecommendedSizePct

	if size > m.cfg.MaxPositionSizePct {
		size = m.cfg.MaxPositionSizePct
		rec.Reasoning += " | capped at max size"
	}

	if rm.PortfolioExposure+size > m.cfg.MaxPortfolioExposure {
		size = math.Max(0, m.cfg.MaxPortfolioExposure-rm.PortfolioExposure)
		rec.Reasoning += " | portfolio exposure limit applied"
	}

	if rm.CurrentDrawdown > 0.10 {
		drawdownMultiplier := math.Max(0.2, 1-rm.CurrentDrawdown*2)
		size *= drawdownMultiplier
		rec.Reasoning += " | drawdown protection applied"
	}

	const minViableSize = 0.001
	if size < minViableSize {
		size = 0
		rec.Reasoning += " | below minimum threshold, no position"
	}

	if size < rec.RecommendedSizePct*0.5 {
		rec.RiskLevel = "LOW"
	}
	rec.RecommendedSizePct = size
	return rec
}
