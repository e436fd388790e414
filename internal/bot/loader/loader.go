// Package loader resolves a (bot_id, version) pair to a runnable Strategy
// (spec §4.D). Per spec §9's design note that the engine boundary is the
// Strategy interface and source-language evaluation isn't required,
// strategies here are Go types registered in an in-process registry rather
// than a sandboxed interpreter — the loader's job is fetch, verify, and
// instantiate, not execute a foreign runtime.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/objectstore"
)

// Strategy is the contract every bot implementation must satisfy. One
// execution cycle consumes the primary timeframe and the subscription's
// opaque config and returns a trading decision.
type Strategy interface {
	ExecuteFullCycle(ctx context.Context, primaryTimeframe string, subscriptionConfig map[string]interface{}) (botlib.Action, error)
}

// Factory builds one Strategy instance from a bot file's artifact bytes,
// runtime config, and (optional) exchange credentials the strategy needs
// for read-only lookups beyond what the orchestrator already supplies.
type Factory func(artifact []byte, runtimeConfig map[string]interface{}, creds *botlib.ExchangeCredentials) (Strategy, error)

// registryKey identifies one registered strategy build.
type registryKey struct {
	BotID   int64
	Version string
}

// Registry holds Factory functions keyed by (bot_id, version), the same
// granularity BotFile rows are versioned at.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]Factory)}
}

// Register associates a bot version with the Go factory that builds it.
// Platform-authored bots register themselves at startup (import side
// effect), the way the teacher's own strategy packages self-register with
// internal/core's factory map.
func (r *Registry) Register(botID int64, version string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey{BotID: botID, Version: version}] = factory
}

func (r *Registry) lookup(botID int64, version string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[registryKey{BotID: botID, Version: version}]
	return f, ok
}

// Store is the subset of the control-plane repository the loader needs,
// kept narrow so this package doesn't import the full store package.
type Store interface {
	GetBot(ctx context.Context, botID int64) (*botlib.Bot, error)
	LatestApprovedVersion(ctx context.Context, botID int64) (string, error)
	GetBotFile(ctx context.Context, botID int64, version, fileType string) (*botlib.BotFile, error)
}

// ObjectFetcher is the subset of objectstore.Store the loader needs.
type ObjectFetcher interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

var _ ObjectFetcher = (*objectstore.Store)(nil)

// Loader resolves, fetches, verifies, and instantiates a Strategy.
type Loader struct {
	store    Store
	objects  ObjectFetcher
	registry *Registry
}

func New(store Store, objects ObjectFetcher, registry *Registry) *Loader {
	return &Loader{store: store, objects: objects, registry: registry}
}

// LoadStrategy implements spec §4.D's contract. version empty means
// "resolve latest approved". A hash mismatch or registry miss is a
// botlib.ErrStrategyLoad, which the orchestrator's preflight step
// translates into marking the subscription ERROR.
func (l *Loader) LoadStrategy(ctx context.Context, botID int64, version string, runtimeConfig map[string]interface{}, creds *botlib.ExchangeCredentials) (Strategy, error) {
	bot, err := l.store.GetBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("%w: load bot %d: %v", botlib.ErrStrategyLoad, botID, err)
	}
	if bot.Status != botlib.BotApproved {
		return nil, fmt.Errorf("%w: bot %d is not approved (status=%s)", botlib.ErrStrategyLoad, botID, bot.Status)
	}

	if version == "" {
		version, err = l.store.LatestApprovedVersion(ctx, botID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve latest version for bot %d: %v", botlib.ErrStrategyLoad, botID, err)
		}
	}

	file, err := l.store.GetBotFile(ctx, botID, version, "strategy")
	if err != nil {
		return nil, fmt.Errorf("%w: load bot_file %d/%s: %v", botlib.ErrStrategyLoad, botID, version, err)
	}

	artifact, err := l.objects.Download(ctx, file.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch artifact %s: %v", botlib.ErrStrategyLoad, file.ObjectKey, err)
	}

	sum := sha256.Sum256(artifact)
	digest := hex.EncodeToString(sum[:])
	if digest != file.SHA256 {
		return nil, fmt.Errorf("%w: hash mismatch for bot %d/%s: expected %s got %s",
			botlib.ErrStrategyLoad, botID, version, file.SHA256, digest)
	}

	factory, ok := l.registry.lookup(botID, version)
	if !ok {
		return nil, fmt.Errorf("%w: no registered strategy factory for bot %d/%s", botlib.ErrStrategyLoad, botID, version)
	}

	strategy, err := factory(artifact, runtimeConfig, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate bot %d/%s: %v", botlib.ErrStrategyLoad, botID, version, err)
	}
	return strategy, nil
}
