package llm

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"botplatform/internal/bot/botlib"
)

func TestParseRecommendation_CleanJSON(t *testing.T) {
	raw := `{"recommendation": {"action": "BUY", "confidence": "72%", "entry_price": 43210.5,
"take_profit": 44500, "stop_loss": 42800, "strategy": "breakout", "risk_reward": "1:2",
"reasoning": "momentum continuation"}}`

	action, confidence, rec := ParseRecommendation(raw)
	assert.Equal(t, botlib.ActionBuy, action)
	assert.InDelta(t, 0.72, confidence, 1e-9)
	assert.NotNil(t, rec.EntryPrice)
	assert.True(t, rec.EntryPrice.Equal(mustDecimal(t, "43210.5")))
}

func TestParseRecommendation_NormalizesCloseToSell(t *testing.T) {
	raw := `{"recommendation": {"action": "CLOSE", "confidence": 0.5}}`
	action, _, _ := ParseRecommendation(raw)
	assert.Equal(t, botlib.ActionSell, action)
}

func TestParseRecommendation_EmbeddedInProseAndFences(t *testing.T) {
	raw := "Here is my analysis:\n```json\n{\"recommendation\": {\"action\": \"SELL\", \"confidence\": \"40%\", " +
		"\"entry_price\": \"$43,210.50\"}}\n```\nLet me know if you need more."
	action, confidence, rec := ParseRecommendation(raw)
	assert.Equal(t, botlib.ActionSell, action)
	assert.InDelta(t, 0.40, confidence, 1e-9)
	assert.True(t, rec.EntryPrice.Equal(mustDecimal(t, "43210.50")))
}

func TestParseRecommendation_UnparseableFallsBackToHold(t *testing.T) {
	action, confidence, rec := ParseRecommendation("not json at all")
	assert.Equal(t, botlib.ActionHold, action)
	assert.Zero(t, confidence)
	assert.Nil(t, rec)
}

func TestParseRecommendation_UnknownActionDefaultsToHold(t *testing.T) {
	raw := `{"recommendation": {"action": "MAYBE", "confidence": 0.9}}`
	action, _, _ := ParseRecommendation(raw)
	assert.Equal(t, botlib.ActionHold, action)
}

func TestParseConfidence_ClampsOutOfRangeValues(t *testing.T) {
	assert.Equal(t, 1.0, parseConfidence(json.RawMessage(`1.5`)))
	assert.Equal(t, 0.0, parseConfidence(json.RawMessage(`-0.2`)))
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}
