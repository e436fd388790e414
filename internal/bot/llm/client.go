package llm

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"botplatform/internal/bot/botlib"
)

// Client is the advisory contract spec §4.C names: market analysis and
// capital-sizing advice from an LLM provider, deduplicated across workers
// via a Redis lock and a short-TTL result cache.
type Client interface {
	AnalyzeMarket(ctx context.Context, symbol string, timeframesData map[string][]botlib.Candle, modelHint string) (*AnalysisResult, error)
	CapitalAdvice(ctx context.Context, riskContext string, basePct, maxPct float64) (*CapitalAdviceResult, error)
}

// client implements Client against a pool of provider families plus Redis
// for the dedupe lock and cache. The worker id combines the process id and
// construction time, matching spec §4.C's "pid + startup_ts" scheme.
type client struct {
	cfg      Config
	redis    *redis.Client
	provider chatCaller
	workerID string
	logger   botlib.Logger
}

// NewClient builds the advisory client. The default provider (cfg.
// DefaultProvider) must be present in cfg.Providers.
func NewClient(cfg Config, logger botlib.Logger) (Client, error) {
	providerCfg, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("llm: default provider %q not configured", cfg.DefaultProvider)
	}
	caller, err := newChatCaller(providerCfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &client{
		cfg:      cfg,
		redis:    rdb,
		provider: caller,
		workerID: fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano()),
		logger:   logger,
	}, nil
}

func (c *client) AnalyzeMarket(ctx context.Context, symbol string, timeframesData map[string][]botlib.Candle, modelHint string) (*AnalysisResult, error) {
	cacheKey := analysisCacheKey(symbol, timeframesData)

	if cached, ok := c.readCache(ctx, cacheKey); ok {
		result := cached
		result.CacheHit = true
		return &result, nil
	}

	lockKey := fmt.Sprintf("llm_lock:%s", symbol)
	acquired, err := c.redis.SetNX(ctx, lockKey, c.workerID, c.cfg.lockTTL()).Result()
	if err != nil {
		c.logger.Warn("llm lock acquire failed, falling back", "symbol", symbol, "error", err)
		return nil, fmt.Errorf("%w: redis lock: %v", botlib.ErrLLM, err)
	}

	if !acquired {
		time.Sleep(3 * time.Second)
		if cached, ok := c.readCache(ctx, cacheKey); ok {
			result := cached
			result.CacheHit = true
			return &result, nil
		}
		return nil, fmt.Errorf("%w: lock held by another worker, no cached result for %s", botlib.ErrLLM, symbol)
	}
	defer c.redis.Del(ctx, lockKey)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.callTimeout())
	defer cancel()

	prompt := renderMarketPrompt(symbol, timeframesData, modelHint)
	raw, err := c.provider.complete(callCtx, systemPrompt, prompt)
	if err != nil {
		c.logger.Warn("llm provider call failed", "symbol", symbol, "error", err)
		return nil, fmt.Errorf("%w: %v", botlib.ErrLLM, err)
	}

	action, confidence, recommendation := ParseRecommendation(raw)
	result := &AnalysisResult{
		Action:         action,
		Confidence:     confidence,
		Recommendation: recommendation,
		Raw:            raw,
	}

	c.writeCache(ctx, cacheKey, *result)
	return result, nil
}

func (c *client) CapitalAdvice(ctx context.Context, riskContext string, basePct, maxPct float64) (*CapitalAdviceResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.callTimeout())
	defer cancel()

	raw, err := c.provider.complete(callCtx, systemPrompt, renderCapitalPrompt(riskContext, basePct, maxPct))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", botlib.ErrLLM, err)
	}

	obj := extractJSONObject(raw)
	var parsed struct {
		RecommendedSizePct json.RawMessage `json:"recommended_size_pct"`
	}
	sizePct := basePct
	if obj != "" {
		if err := json.Unmarshal([]byte(obj), &parsed); err == nil {
			if v, ok := parsePrice(parsed.RecommendedSizePct); ok {
				sizePct, _ = v.Float64()
			}
		}
	}
	if sizePct > maxPct {
		sizePct = maxPct
	}
	return &CapitalAdviceResult{RecommendedSizePct: sizePct, Raw: raw}, nil
}

// analysisCacheKey implements spec §4.C's dedup key:
// md5(symbol + sorted_timeframes + minute_bucket).
func analysisCacheKey(symbol string, timeframesData map[string][]botlib.Candle) string {
	timeframes := make([]string, 0, len(timeframesData))
	for tf := range timeframesData {
		timeframes = append(timeframes, tf)
	}
	sort.Strings(timeframes)
	minuteBucket := time.Now().Unix() / 60

	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d", symbol, strings.Join(timeframes, ","), minuteBucket)))
	return fmt.Sprintf("llm_analysis:%x", sum)
}

func (c *client) readCache(ctx context.Context, key string) (AnalysisResult, bool) {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return AnalysisResult{}, false
	}
	var result AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return AnalysisResult{}, false
	}
	return result, true
}

func (c *client) writeCache(ctx context.Context, key string, result AnalysisResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, encoded, c.cfg.cacheTTL()).Err(); err != nil {
		c.logger.Warn("llm cache write failed", "key", key, "error", err)
	}
}
