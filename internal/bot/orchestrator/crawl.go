package orchestrator

import (
	"context"
	"time"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/exchange"
)

// defaultCandlesPerTF is spec §4.E step 5's "default_per_tf" baseline; the
// request size is max(required_min_candles, default_per_tf) * 1.5.
const defaultCandlesPerTF = 50

// crawlTimeframes implements spec §4.E step 5: for each configured
// timeframe, request candles ending at the last closed bar, backfilling up
// to 3 times if fewer than the required minimum come back. A timeframe
// still short after backfill is retained, not dropped — the strategy owns
// its own minimum requirements.
func crawlTimeframes(ctx context.Context, adapter exchange.FuturesAdapter, symbol string, timeframes []string, logger botlib.Logger) (map[string][]botlib.Candle, error) {
	out := make(map[string][]botlib.Candle, len(timeframes))
	for _, tf := range timeframes {
		candles, err := crawlOne(ctx, adapter, symbol, tf, logger)
		if err != nil {
			return nil, err
		}
		out[tf] = candles
	}
	return out, nil
}

func crawlOne(ctx context.Context, adapter exchange.FuturesAdapter, symbol, tf string, logger botlib.Logger) ([]botlib.Candle, error) {
	interval := timeframeDuration(tf)
	end := lastClosedCandleTime(interval)
	limit := candleRequestSize(requiredMinCandles)

	var candles []botlib.Candle
	var err error
	for attempt := 0; attempt <= backfillRetries; attempt++ {
		candles, err = adapter.GetKlines(ctx, symbol, tf, limit, nil, &end)
		if err != nil {
			return nil, err
		}
		if len(candles) >= requiredMinCandles {
			return candles, nil
		}
		limit = int(float64(limit) * 1.5)
	}

	logger.Warn("timeframe short on candles after backfill retries", "symbol", symbol, "timeframe", tf, "got", len(candles))
	return candles, nil
}

func lastClosedCandleTime(interval time.Duration) time.Time {
	now := time.Now()
	floored := now.Truncate(interval)
	return floored.Add(-interval)
}

func candleRequestSize(requiredMin int) int {
	base := requiredMin
	if defaultCandlesPerTF > base {
		base = defaultCandlesPerTF
	}
	return int(float64(base) * 1.5)
}
