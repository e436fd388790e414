// Package llm implements the advisory client from spec §4.C: three provider
// families behind one Client interface, a per-symbol Redis dedupe lock plus
// a short-TTL analysis cache, and tolerant parsing of the structured
// response a provider returns. Grounded on the teacher's resthttp.Client for
// the Anthropic and Gemini transport (OpenAI goes through go-openai) and on
// selivandex-trader-bot's multi-provider /
// distributed-lock shape for the client's overall structure.
package llm

import (
	"time"

	"botplatform/internal/bot/botlib"
)

// candleWindow is the per-timeframe lookback spec §4.C lists — how many of
// the most recent candles get embedded in the rendered prompt.
var candleWindow = map[string]int{
	"1m":  60,
	"5m":  60,
	"15m": 60,
	"1h":  24,
	"4h":  12,
	"12h": 12,
	"1d":  7,
}

// WindowFor returns the configured candle lookback for a timeframe, or 24 if
// the timeframe isn't one spec §4.C names explicitly.
func WindowFor(timeframe string) int {
	if n, ok := candleWindow[timeframe]; ok {
		return n
	}
	return 24
}

// AnalysisResult is AnalyzeMarket's return value: the parsed recommendation,
// the normalized action/confidence pair the orchestrator consumes directly,
// and the raw provider text for audit logging.
type AnalysisResult struct {
	Action         botlib.ActionKind
	Confidence     float64
	Recommendation *botlib.Recommendation
	Raw            string
	CacheHit       bool
}

// CapitalAdviceResult is CapitalAdvice's return value.
type CapitalAdviceResult struct {
	RecommendedSizePct float64
	Raw                string
}

// Config wires one or more provider families and the Redis connection used
// for the dedupe lock and analysis cache.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DefaultProvider selects which entry of Providers serves every call;
	// a call's model_hint is only written into the prompt text and does not
	// select a provider.
	DefaultProvider string
	Providers       map[string]ProviderConfig

	LockTTL    time.Duration // default 300s, matches spec §4.C
	CacheTTL   time.Duration // default 60s
	CallTimeout time.Duration // default 60s, hard per-call cap
}

// ProviderConfig is one chat-completion-style HTTPS API's connection info.
type ProviderConfig struct {
	Family  ProviderFamily
	BaseURL string
	APIKey  string
	Model   string
}

// ProviderFamily names which of the three wire protocols a provider speaks.
type ProviderFamily string

const (
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyGemini    ProviderFamily = "gemini"
)

func (c Config) lockTTL() time.Duration {
	if c.LockTTL > 0 {
		return c.LockTTL
	}
	return 300 * time.Second
}

func (c Config) cacheTTL() time.Duration {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return 60 * time.Second
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return 60 * time.Second
}
