package orchestrator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"botplatform/internal/bot/botlib"
)

func TestTimeframeDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
		"1h": time.Hour, "4h": 4 * time.Hour, "12h": 12 * time.Hour, "1d": 24 * time.Hour,
		"unknown": time.Hour,
	}
	for tf, want := range cases {
		assert.Equal(t, want, timeframeDuration(tf))
	}
}

func TestPrimaryTimeframe_DefaultsWhenEmpty(t *testing.T) {
	assert.Equal(t, "1h", primaryTimeframe(&botlib.Subscription{}))
	assert.Equal(t, "15m", primaryTimeframe(&botlib.Subscription{Timeframes: []string{"15m", "1h"}}))
}

func TestDeriveStopAndTarget_UsesRecommendationWhenPresent(t *testing.T) {
	sl := decimal.NewFromInt(43200)
	tp := decimal.NewFromInt(47000)
	action := botlib.Action{Recommendation: &botlib.Recommendation{StopLoss: &sl, TakeProfit: &tp}}

	gotSL, gotTP := deriveStopAndTarget(action, decimal.NewFromInt(44500), botlib.SideBuy, botlib.RiskConfig{})
	assert.True(t, gotSL.Equal(sl))
	assert.True(t, gotTP.Equal(tp))
}

func TestDeriveStopAndTarget_FallsBackToPctDefaults(t *testing.T) {
	risk := botlib.RiskConfig{StopLossPct: 0.03, TakeProfitPct: 0.05}
	entry := decimal.NewFromInt(100)

	sl, tp := deriveStopAndTarget(botlib.Action{}, entry, botlib.SideBuy, risk)
	assert.True(t, sl.Equal(decimal.NewFromFloat(97)))
	assert.True(t, tp.Equal(decimal.NewFromFloat(105)))

	sl, tp = deriveStopAndTarget(botlib.Action{}, entry, botlib.SideSell, risk)
	assert.True(t, sl.Equal(decimal.NewFromFloat(103)))
	assert.True(t, tp.Equal(decimal.NewFromFloat(95)))
}

func TestEnforceMinDistance_AdjustsTooCloseStops(t *testing.T) {
	entry := decimal.NewFromInt(100)
	sl := decimal.NewFromFloat(99.99) // 0.01% away, below the 0.1% floor
	tp := decimal.NewFromFloat(100.05) // 0.05% away, below the 0.2% floor

	gotSL, gotTP := enforceMinDistance(entry, sl, tp, botlib.SideBuy, botlib.RiskConfig{})
	assert.True(t, gotSL.Equal(decimal.NewFromFloat(99.9)), "sl=%s", gotSL)
	assert.True(t, gotTP.Equal(decimal.NewFromFloat(100.2)), "tp=%s", gotTP)
}

func TestEnforceMinDistance_LeavesSufficientlyFarStops(t *testing.T) {
	entry := decimal.NewFromInt(100)
	sl := decimal.NewFromInt(90)
	tp := decimal.NewFromInt(110)

	gotSL, gotTP := enforceMinDistance(entry, sl, tp, botlib.SideBuy, botlib.RiskConfig{})
	assert.True(t, gotSL.Equal(sl))
	assert.True(t, gotTP.Equal(tp))
}

func TestEnforceMinDistance_RespectsPerSubscriptionOverride(t *testing.T) {
	entry := decimal.NewFromInt(100)
	sl := decimal.NewFromFloat(99.5) // 0.5% away
	tp := decimal.NewFromFloat(100.5)

	risk := botlib.RiskConfig{MinSLDistancePct: 0.01, MinTPDistancePct: 0.02} // 1%/2%, stricter than default
	gotSL, gotTP := enforceMinDistance(entry, sl, tp, botlib.SideBuy, risk)
	assert.True(t, gotSL.Equal(decimal.NewFromFloat(99)))
	assert.True(t, gotTP.Equal(decimal.NewFromFloat(102)))
}

func TestEstimateATR_ComputesAverageTrueRange(t *testing.T) {
	candles := []botlib.Candle{
		{High: decimal.NewFromInt(105), Low: decimal.NewFromInt(95), Close: decimal.NewFromInt(100)},
		{High: decimal.NewFromInt(110), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(108)},
		{High: decimal.NewFromInt(112), Low: decimal.NewFromInt(104), Close: decimal.NewFromInt(106)},
	}
	atr := estimateATR(candles)
	assert.Greater(t, atr, 0.0)
}

func TestEstimateATR_EmptyOrSingleCandleReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, estimateATR(nil))
	assert.Equal(t, 0.0, estimateATR([]botlib.Candle{{High: decimal.NewFromInt(1)}}))
}

func TestLastClosedCandleTime_TruncatesToPriorInterval(t *testing.T) {
	got := lastClosedCandleTime(time.Hour)
	assert.True(t, got.Before(time.Now()))
	assert.Equal(t, 0, got.Minute())
}

func TestCandleRequestSize_UsesDefaultWhenLarger(t *testing.T) {
	assert.Equal(t, int(float64(defaultCandlesPerTF)*1.5), candleRequestSize(requiredMinCandles))
	assert.Equal(t, int(100*1.5), candleRequestSize(100))
}

func TestMergeConfig_AddsCandlesUnderReservedKey(t *testing.T) {
	strategyConfig := map[string]interface{}{"foo": "bar"}
	candles := map[string][]botlib.Candle{"1h": {{}}}

	merged := mergeConfig(strategyConfig, candles)
	assert.Equal(t, "bar", merged["foo"])
	assert.Equal(t, candles, merged["__candles"])
}
