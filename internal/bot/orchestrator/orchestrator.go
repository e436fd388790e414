// Package orchestrator implements spec §4.E's single public operation,
// RunCycle, the 12-step sequence that turns one due Subscription into a
// strategy decision and, where warranted, a placed order and persisted
// Trade. It is the seam that wires every other new package — capital,
// llm, loader, store, exchange — into one execution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/capital"
	"botplatform/internal/bot/exchange"
	"botplatform/internal/bot/llm"
	"botplatform/internal/bot/loader"
)

// execLockTTL is spec §5's "TTL = 2x longest expected cycle"; RunCycle's
// own hard deadline is 30 minutes, so the lock outlives it by the same
// factor.
const execLockTTL = 60 * time.Minute

// hardDeadline is spec §5's RunCycle hard cap.
const hardDeadline = 30 * time.Minute

const (
	minSLDistancePct = 0.001 // 0.1% from mark, spec §4.E step 9
	minTPDistancePct = 0.002 // 0.2% from mark
	requiredMinCandles = 20
	backfillRetries     = 3
)

// Store is the subset of store.Store RunCycle needs.
type Store interface {
	GetSubscription(ctx context.Context, id int64) (*botlib.Subscription, error)
	GetBot(ctx context.Context, botID int64) (*botlib.Bot, error)
	ResolveCredentials(ctx context.Context, developerUserID, marketplaceOwnerID, subscriberUserID int64, exchangeName string, network botlib.NetworkType) (*botlib.ExchangeCredentials, error)
	LogAction(ctx context.Context, subscriptionID int64, action botlib.LogAction, description string) error
	InsertTrade(ctx context.Context, t *botlib.Trade) (int64, error)
	RecordRun(ctx context.Context, id int64, lastRunAt, nextRunAt time.Time) error
	RecordFailure(ctx context.Context, id int64) (int, error)
	SetSubscriptionStatus(ctx context.Context, id int64, status botlib.SubscriptionStatus) error
}

// AdapterFactory builds the authenticated futures adapter for a
// subscription's own network, and a mainnet adapter for data crawls.
type AdapterFactory func(exchangeType string, creds botlib.ExchangeCredentials, logger botlib.Logger) (exchange.FuturesAdapter, error)

// Orchestrator runs RunCycle for one subscription at a time, coordinating
// every collaborator package.
type Orchestrator struct {
	store     Store
	loader    *loader.Loader
	capital   *capital.Manager
	llmClient llm.Client // nil disables LLM sizing advice and falls back gracefully
	adapters  AdapterFactory
	redis     *redis.Client
	logger    botlib.Logger
}

func New(store Store, ldr *loader.Loader, capitalMgr *capital.Manager, llmClient llm.Client, adapters AdapterFactory, redisClient *redis.Client, logger botlib.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		loader:    ldr,
		capital:   capitalMgr,
		llmClient: llmClient,
		adapters:  adapters,
		redis:     redisClient,
		logger:    logger.WithField("component", "orchestrator"),
	}
}

// RunCycle implements spec §4.E's 12-step sequence.
func (o *Orchestrator) RunCycle(ctx context.Context, subscriptionID int64) error {
	ctx, cancel := context.WithTimeout(ctx, hardDeadline)
	defer cancel()

	lockKey := fmt.Sprintf("exec:%d", subscriptionID)
	acquired, err := o.redis.SetNX(ctx, lockKey, "1", execLockTTL).Result()
	if err != nil {
		o.logger.Warn("exec lock acquire failed, proceeding unlocked", "subscription_id", subscriptionID, "error", err)
	} else if !acquired {
		o.logger.Debug("subscription already executing, skipping", "subscription_id", subscriptionID)
		return nil
	} else {
		defer o.redis.Del(context.Background(), lockKey)
	}

	// Step 1.
	sub, err := o.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("run cycle: load subscription %d: %w", subscriptionID, err)
	}
	if sub.Status != botlib.SubscriptionActive {
		return nil
	}

	if err := o.runSteps2Through10(ctx, sub); err != nil {
		o.recordFailure(ctx, sub, err)
		return err
	}

	// Step 11.
	now := time.Now()
	nextRun := now.Add(timeframeDuration(primaryTimeframe(sub)))
	if err := o.store.RecordRun(ctx, sub.ID, now, nextRun); err != nil {
		return fmt.Errorf("run cycle: record run: %w", err)
	}
	return nil
}

func primaryTimeframe(sub *botlib.Subscription) string {
	if len(sub.Timeframes) == 0 {
		return "1h"
	}
	return sub.Timeframes[0]
}

// recordFailure implements spec §4.E step 12: log ERROR, then either count
// the consecutive failure (marking the subscription ERROR at 3 in a row)
// or, for a config/strategy-load cause, mark it ERROR immediately — a bad
// credential or an unloadable strategy version won't resolve itself by
// retrying two more times.
func (o *Orchestrator) recordFailure(ctx context.Context, sub *botlib.Subscription, cause error) {
	_ = o.store.LogAction(ctx, sub.ID, botlib.LogActionError, cause.Error())

	if errors.Is(cause, botlib.ErrConfig) || errors.Is(cause, botlib.ErrStrategyLoad) {
		if err := o.store.SetSubscriptionStatus(ctx, sub.ID, botlib.SubscriptionError); err != nil {
			o.logger.Error("run cycle: immediate error status set failed", "subscription_id", sub.ID, "error", err)
			return
		}
		o.logger.Warn("subscription marked ERROR immediately", "subscription_id", sub.ID, "cause", cause)
		return
	}

	fails, err := o.store.RecordFailure(ctx, sub.ID)
	if err != nil {
		o.logger.Error("run cycle: record failure bookkeeping failed", "subscription_id", sub.ID, "error", err)
		return
	}
	if fails >= 3 {
		o.logger.Warn("subscription marked ERROR after consecutive failures", "subscription_id", sub.ID, "fails", fails)
	}
}

// runSteps2Through10 is steps 2-10 of spec §4.E: preflight, adapter
// instantiation, strategy load, data crawl, strategy call, action log,
// conditional order placement, and trade persistence.
func (o *Orchestrator) runSteps2Through10(ctx context.Context, sub *botlib.Subscription) error {
	// Step 2: preflight credential resolution.
	bot, err := o.store.GetBot(ctx, sub.BotID)
	if err != nil {
		return fmt.Errorf("%w: load bot %d: %v", botlib.ErrConfig, sub.BotID, err)
	}
	creds, err := o.store.ResolveCredentials(ctx, bot.DeveloperID, 0, sub.UserID, sub.ExchangeType, sub.NetworkType)
	if err != nil {
		return fmt.Errorf("%w: resolve credentials: %v", botlib.ErrConfig, err)
	}

	// Step 3: adapter instantiation. Data crawls always prefer mainnet so
	// klines reflect real prices; the authenticated adapter trades on the
	// subscription's own network.
	tradeAdapter, err := o.adapters(sub.ExchangeType, *creds, o.logger)
	if err != nil {
		return fmt.Errorf("%w: build adapter: %v", botlib.ErrConfig, err)
	}
	dataAdapter := tradeAdapter
	if sub.NetworkType != botlib.NetworkMainnet {
		mainnetCreds := *creds
		mainnetCreds.Network = botlib.NetworkMainnet
		if mainAdapter, err := o.adapters(sub.ExchangeType, mainnetCreds, o.logger); err == nil {
			dataAdapter = mainAdapter
		}
	}

	// Step 4: strategy load.
	strategy, err := o.loader.LoadStrategy(ctx, sub.BotID, sub.PinnedVersion, sub.StrategyConfig, creds)
	if err != nil {
		return err // already wrapped in botlib.ErrStrategyLoad
	}

	// Step 5: multi-timeframe market data crawl.
	timeframesData, err := crawlTimeframes(ctx, dataAdapter, sub.TradingPair, sub.Timeframes, o.logger)
	if err != nil {
		return fmt.Errorf("run cycle: market data crawl: %w", err)
	}

	// Step 6: strategy call.
	primaryTF := primaryTimeframe(sub)
	subscriptionConfig := mergeConfig(sub.StrategyConfig, timeframesData)
	action, err := strategy.ExecuteFullCycle(ctx, primaryTF, subscriptionConfig)
	if err != nil {
		return fmt.Errorf("run cycle: strategy execution: %w", err)
	}

	// Step 7/8/9: action log and order placement. A HOLD action logs and
	// returns immediately. A BUY/SELL action's log write is deferred until
	// placeOrder resolves: sizing can still downgrade it to a HOLD (zero
	// recommended size, a quantity-validation failure), and step 7 must
	// persist exactly one ActionLog row for the decision either way, never
	// the original BUY/SELL followed by a second HOLD row. Testnet orders
	// are still placed via the API when credentials resolved in step 2
	// (spec §4.E step 8); had none existed, preflight would already have
	// failed the cycle.
	if action.Kind == botlib.ActionHold {
		if err := o.store.LogAction(ctx, sub.ID, botlib.LogAction(action.Kind), action.Reason); err != nil {
			o.logger.Warn("action log write failed", "subscription_id", sub.ID, "error", err)
		}
		return nil
	}

	trade, holdReason, err := o.placeOrder(ctx, sub, tradeAdapter, action, timeframesData[primaryTF])
	if err != nil {
		return fmt.Errorf("run cycle: order placement: %w", err)
	}
	if holdReason != "" {
		if err := o.store.LogAction(ctx, sub.ID, botlib.LogActionHold, holdReason); err != nil {
			o.logger.Warn("action log write failed", "subscription_id", sub.ID, "error", err)
		}
		return nil
	}
	if err := o.store.LogAction(ctx, sub.ID, botlib.LogAction(action.Kind), action.Reason); err != nil {
		o.logger.Warn("action log write failed", "subscription_id", sub.ID, "error", err)
	}

	// Step 10: persist trade.
	if _, err := o.store.InsertTrade(ctx, trade); err != nil {
		return fmt.Errorf("run cycle: persist trade: %w", err)
	}
	return nil
}

// mergeConfig folds the crawled candles into the subscription's own
// strategy config under a reserved key, giving strategies one map to read
// instead of two separate parameters shimmed through every layer.
func mergeConfig(strategyConfig map[string]interface{}, timeframesData map[string][]botlib.Candle) map[string]interface{} {
	merged := make(map[string]interface{}, len(strategyConfig)+1)
	for k, v := range strategyConfig {
		merged[k] = v
	}
	merged["__candles"] = timeframesData
	return merged
}

func timeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
