package llm

import (
	"fmt"
	"sort"
	"strings"

	"botplatform/internal/bot/botlib"
)

const systemPrompt = `You are a disciplined crypto futures trading analyst. Respond with a single
JSON object shaped exactly as:
{"recommendation": {"action": "BUY|SELL|HOLD|CLOSE", "confidence": "0-100%",
"entry_price": number, "take_profit": number, "stop_loss": number,
"strategy": string, "risk_reward": string, "reasoning": string}}
Do not include any text outside the JSON object.`

// renderMarketPrompt embeds the requested timeframes' recent candles (each
// windowed per WindowFor) into a compact analyst prompt.
func renderMarketPrompt(symbol string, timeframesData map[string][]botlib.Candle, modelHint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", symbol)
	if modelHint != "" {
		fmt.Fprintf(&b, "Model hint: %s\n", modelHint)
	}

	timeframes := make([]string, 0, len(timeframesData))
	for tf := range timeframesData {
		timeframes = append(timeframes, tf)
	}
	sort.Strings(timeframes)

	for _, tf := range timeframes {
		candles := timeframesData[tf]
		n := WindowFor(tf)
		if len(candles) > n {
			candles = candles[len(candles)-n:]
		}
		fmt.Fprintf(&b, "\nTimeframe %s (%d candles):\n", tf, len(candles))
		for _, c := range candles {
			fmt.Fprintf(&b, "t=%d o=%s h=%s l=%s c=%s v=%s\n",
				c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume)
		}
	}
	return b.String()
}

func renderCapitalPrompt(context string, basePct, maxPct float64) string {
	return fmt.Sprintf(
		"Account/risk context: %s\nBase position size: %.4f\nMax position size: %.4f\n"+
			"Respond with {\"recommended_size_pct\": number} as a fraction of account balance.",
		context, basePct, maxPct,
	)
}
