package capital

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKellyCriterionSizing_FlooredAtZeroWithLosingEdge(t *testing.T) {
	cfg := DefaultConfig()
	rm := RiskMetrics{WinRate: 0.2, AvgWinLossRatio: 1.0}
	size := cfg.kellyCriterionSizing(0.8, rm)
	assert.Zero(t, size)
}

func TestKellyCriterionSizing_CappedAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KellyMultiplier = 5.0
	rm := RiskMetrics{WinRate: 0.9, AvgWinLossRatio: 3.0}
	size := cfg.kellyCriterionSizing(1.0, rm)
	assert.Equal(t, cfg.MaxPositionSizePct, size)
}

func TestVolatilityBasedSizing_Interpolation(t *testing.T) {
	cfg := DefaultConfig()
	mid := (cfg.VolatilityThresholdLow + cfg.VolatilityThresholdHigh) / 2
	size := cfg.volatilityBasedSizing(1.0, RiskMetrics{Volatility: mid})
	expected := cfg.BasePositionSizePct * 1.0 // multiplier is 1.0 at the midpoint
	assert.InDelta(t, expected, size, 1e-9)
}

func TestATRBasedSizing_FallsBackWithoutMarketData(t *testing.T) {
	cfg := DefaultConfig()
	size := cfg.atrBasedSizing(0.7, RiskMetrics{AvailableBalance: 10000}, MarketContext{})
	assert.Equal(t, cfg.BasePositionSizePct, size)
}

func TestLLMHybridSizing_DegradesWithoutAdvice(t *testing.T) {
	cfg := DefaultConfig()
	rm := RiskMetrics{SharpeRatio: 1.0}
	withoutAdvice := cfg.llmHybridSizing(0.6, rm, nil)
	expected := cfg.confidenceBasedSizing(0.6, rm)
	assert.InDelta(t, expected, withoutAdvice, 1e-9)
}

func TestLLMHybridSizing_BlendsWithAdvice(t *testing.T) {
	cfg := DefaultConfig()
	rm := RiskMetrics{SharpeRatio: 1.0}
	advice := &LLMAdvice{RecommendedSizePct: 0.08}
	size := cfg.llmHybridSizing(0.6, rm, advice)
	traditional := cfg.confidenceBasedSizing(0.6, rm)
	expected := 0.08*cfg.LLMWeight + traditional*(1-cfg.LLMWeight)
	if expected > cfg.MaxPositionSizePct {
		expected = cfg.MaxPositionSizePct
	}
	assert.InDelta(t, expected, size, 1e-9)
}

func TestManager_Recommend_DrawdownProtectionAppliesAboveTenPercent(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	rm := RiskMetrics{WinRate: 0.5, AvgWinLossRatio: 1.2, Volatility: 0.03, CurrentDrawdown: 0.101}
	rec := m.Recommend(0.7, rm, MarketContext{CurrentPrice: 100, ATR: 2}, nil)
	assert.Contains(t, rec.Reasoning, "drawdown protection applied")
}

func TestManager_Recommend_NoDrawdownProtectionAtExactlyTenPercent(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	rm := RiskMetrics{WinRate: 0.5, AvgWinLossRatio: 1.2, Volatility: 0.03, CurrentDrawdown: 0.10}
	rec := m.Recommend(0.7, rm, MarketContext{CurrentPrice: 100, ATR: 2}, nil)
	assert.NotContains(t, rec.Reasoning, "drawdown protection applied")
}

func TestManager_Recommend_PortfolioExposureLimitZeroesOutSize(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	rm := RiskMetrics{WinRate: 0.5, AvgWinLossRatio: 1.2, PortfolioExposure: 0.30}
	rec := m.Recommend(0.7, rm, MarketContext{}, nil)
	assert.Zero(t, rec.RecommendedSizePct)
	assert.Contains(t, rec.Reasoning, "below minimum threshold")
}

func TestManager_Recommend_BelowMinimumViableSizeDropsToZero(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	rm := RiskMetrics{WinRate: 0.0, AvgWinLossRatio: 0.5, CurrentDrawdown: 0.5, AvailableBalance: 10000}
	rec := m.Recommend(0.0, rm, MarketContext{CurrentPrice: 100, ATR: 2}, nil)
	assert.Zero(t, rec.RecommendedSizePct)
}

func TestManager_Recommend_WithoutLLMSkipsHybridMethod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseLLM = false
	m := NewManager(cfg, nil)
	rm := RiskMetrics{WinRate: 0.5, AvgWinLossRatio: 1.2}
	rec := m.Recommend(0.6, rm, MarketContext{CurrentPrice: 100, ATR: 1}, nil)
	assert.Equal(t, "weighted_combination", rec.SizingMethod)
}
