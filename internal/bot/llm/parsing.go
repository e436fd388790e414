package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"botplatform/internal/bot/botlib"
)

var priceNumberPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

// rawRecommendation mirrors the envelope spec §4.C documents, with every
// numeric-or-string field left as json.RawMessage so malformed or
// differently-typed provider output never aborts the whole parse.
type rawRecommendation struct {
	Action     json.RawMessage `json:"action"`
	Confidence json.RawMessage `json:"confidence"`
	EntryPrice json.RawMessage `json:"entry_price"`
	TakeProfit json.RawMessage `json:"take_profit"`
	StopLoss   json.RawMessage `json:"stop_loss"`
	Strategy   string          `json:"strategy"`
	RiskReward string          `json:"risk_reward"`
	Reasoning  string          `json:"reasoning"`
}

type rawEnvelope struct {
	Recommendation rawRecommendation `json:"recommendation"`
}

// ParseRecommendation extracts a botlib.Recommendation plus the normalized
// action/confidence pair from a provider's raw chat response. It tolerates
// a JSON object embedded in surrounding prose (fenced code blocks, leading
// commentary) and numeric fields expressed as strings ("62%", "$43,210.50").
// An unparseable response yields HOLD at confidence 0, per spec §4.C.
func ParseRecommendation(raw string) (botlib.ActionKind, float64, *botlib.Recommendation) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return botlib.ActionHold, 0, nil
	}

	var env rawEnvelope
	if err := json.Unmarshal([]byte(obj), &env); err != nil {
		return botlib.ActionHold, 0, nil
	}
	rec := env.Recommendation

	action := normalizeAction(rec.Action)
	confidence := parseConfidence(rec.Confidence)

	recommendation := &botlib.Recommendation{
		Strategy:   rec.Strategy,
		RiskReward: rec.RiskReward,
		Reasoning:  rec.Reasoning,
	}
	if p, ok := parsePrice(rec.EntryPrice); ok {
		recommendation.EntryPrice = &p
	}
	if p, ok := parsePrice(rec.TakeProfit); ok {
		recommendation.TakeProfit = &p
	}
	if p, ok := parsePrice(rec.StopLoss); ok {
		recommendation.StopLoss = &p
	}

	return action, confidence, recommendation
}

// extractJSONObject returns the first balanced {...} substring in s, or ""
// if none is found — tolerates prose, markdown fences, and trailing text
// surrounding the structured payload.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func normalizeAction(raw json.RawMessage) botlib.ActionKind {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return botlib.ActionHold
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return botlib.ActionBuy
	case "SELL":
		return botlib.ActionSell
	case "CLOSE":
		return botlib.ActionSell
	default:
		return botlib.ActionHold
	}
}

// parseConfidence accepts either a bare number in [0,1] or a "NN%" string
// and normalizes both to a [0,1] fraction.
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return clamp01(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		pct := strings.HasSuffix(s, "%")
		s = strings.TrimSuffix(s, "%")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			if pct {
				v /= 100
			}
			return clamp01(v)
		}
		if m := priceNumberPattern.FindString(s); m != "" {
			if v, err := strconv.ParseFloat(m, 64); err == nil {
				if pct {
					v /= 100
				}
				return clamp01(v)
			}
		}
	}
	return 0
}

// parsePrice accepts a bare number or a currency-formatted string
// ("$43,210.50") and regex-extracts the first embedded number.
func parsePrice(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return decimal.NewFromFloat(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		cleaned := strings.ReplaceAll(s, ",", "")
		if m := priceNumberPattern.FindString(cleaned); m != "" {
			if d, err := decimal.NewFromString(m); err == nil {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
