// Package reconciler implements the position-sync reconciler and
// order-cleanup helper from spec §4.G/4.H. Structured like the teacher's
// own internal/risk/reconciler.go and internal/risk/cleaner.go — a
// Start/Stop/Reconcile/GetStatus/TriggerManual lifecycle around a ticking
// goroutine, with per-trade error isolation and summary counts — but
// rewritten against Trade/subscription rows instead of in-memory inventory
// slots, since this platform's source of truth is the database, not a
// single process's memory.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/exchange"
)

const takerFeeRate = 0.0005 // 0.05%, spec §4.G step 4
const exitBandPct = 0.01    // 1% heuristic band, spec §4.G step 4

// TradeStore is the subset of store.Store the reconciler needs.
type TradeStore interface {
	OpenTrades(ctx context.Context) ([]botlib.Trade, error)
	GetSubscription(ctx context.Context, id int64) (*botlib.Subscription, error)
	GetBot(ctx context.Context, botID int64) (*botlib.Bot, error)
	ResolveCredentials(ctx context.Context, developerUserID, marketplaceOwnerID, subscriberUserID int64, exchangeName string, network botlib.NetworkType) (*botlib.ExchangeCredentials, error)
	UpdateUnrealized(ctx context.Context, tradeID int64, markPrice, unrealizedPnL, pnlPct decimal.Decimal, leverage int32) error
	CloseTrade(ctx context.Context, tradeID int64, exitPrice decimal.Decimal, exitTime time.Time, reason botlib.ExitReason, realizedPnL, feesPaid decimal.Decimal, durationMinutes float64) error
}

// AdapterFactory builds the futures adapter for a trade's exchange once
// credentials are resolved — the same seam orchestrator.RunCycle uses.
type AdapterFactory func(exchangeType string, creds botlib.ExchangeCredentials, logger botlib.Logger) (exchange.FuturesAdapter, error)

// Status mirrors spec §4.G's summary counts plus lifecycle bookkeeping, in
// the same shape the teacher's GetReconciliationStatusResponse carries.
type Status struct {
	State       string // never_run, running, completed, failed
	StartedAt   time.Time
	CompletedAt time.Time
	Updated     int
	Closed      int
	Errors      int
}

// Reconciler runs the position-sync sweep on its own clock.
type Reconciler struct {
	store    TradeStore
	adapters AdapterFactory
	cleaner  *OrderCleaner
	logger   botlib.Logger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runMu  sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

func New(store TradeStore, adapters AdapterFactory, cleaner *OrderCleaner, logger botlib.Logger, interval time.Duration) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:    store,
		adapters: adapters,
		cleaner:  cleaner,
		logger:   logger.WithField("component", "reconciler"),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		status:   Status{State: "never_run"},
	}
}

func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("starting reconciler", "interval", r.interval)
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

func (r *Reconciler) Stop() error {
	r.logger.Info("stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) GetStatus() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

func (r *Reconciler) TriggerManual(ctx context.Context) error {
	return r.Reconcile(ctx)
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(r.ctx, r.interval)
			if err := r.Reconcile(cycleCtx); err != nil {
				r.logger.Error("reconciliation sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// Reconcile runs one full sweep of every open trade, isolating per-trade
// failures so a single bad row never aborts the rest — spec §4.G's closing
// guarantee.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	started := time.Now()
	r.setStatus(Status{State: "running", StartedAt: started})

	trades, err := r.store.OpenTrades(ctx)
	if err != nil {
		r.setStatus(Status{State: "failed", StartedAt: started, CompletedAt: time.Now()})
		return fmt.Errorf("reconciler: list open trades: %w", err)
	}

	var updated, closed, errs int
	for _, trade := range trades {
		tradeClosed, err := r.reconcileOne(ctx, trade)
		if err != nil {
			errs++
			r.logger.Error("reconcile trade failed", "trade_id", trade.ID, "error", err)
			continue
		}
		if tradeClosed {
			closed++
		} else {
			updated++
		}
	}

	r.setStatus(Status{
		State: "completed", StartedAt: started, CompletedAt: time.Now(),
		Updated: updated, Closed: closed, Errors: errs,
	})
	return nil
}

func (r *Reconciler) setStatus(s Status) {
	r.statusMu.Lock()
	r.status = s
	r.statusMu.Unlock()
}

// reconcileOne syncs one open trade and reports whether it closed the trade.
func (r *Reconciler) reconcileOne(ctx context.Context, trade botlib.Trade) (bool, error) {
	sub, err := r.store.GetSubscription(ctx, trade.SubscriptionID)
	if err != nil {
		return false, fmt.Errorf("resolve subscription %d: %w", trade.SubscriptionID, err)
	}

	bot, err := r.store.GetBot(ctx, sub.BotID)
	if err != nil {
		return false, fmt.Errorf("resolve bot %d: %w", sub.BotID, err)
	}

	creds, err := r.store.ResolveCredentials(ctx, bot.DeveloperID, 0, sub.UserID, sub.ExchangeType, sub.NetworkType)
	if err != nil {
		return false, fmt.Errorf("resolve credentials: %w", err)
	}

	adapter, err := r.adapters(sub.ExchangeType, *creds, r.logger)
	if err != nil {
		return false, fmt.Errorf("build adapter: %w", err)
	}

	positions, err := adapter.GetPositions(ctx, trade.Symbol)
	if err != nil {
		return false, fmt.Errorf("get positions: %w", err)
	}

	var match *exchange.Position
	for i := range positions {
		if positions[i].Symbol == trade.Symbol && !positions[i].Size.IsZero() {
			match = &positions[i]
			break
		}
	}

	if match != nil {
		return false, r.updateOpenPosition(ctx, trade, *match)
	}
	return true, r.closeTrade(ctx, trade, adapter)
}

// updateOpenPosition implements spec §4.G step 3.
func (r *Reconciler) updateOpenPosition(ctx context.Context, trade botlib.Trade, pos exchange.Position) error {
	var unrealized decimal.Decimal
	if trade.PositionSide == botlib.PositionLong {
		unrealized = pos.MarkPrice.Sub(trade.EntryPrice).Mul(trade.Quantity)
	} else {
		unrealized = trade.EntryPrice.Sub(pos.MarkPrice).Mul(trade.Quantity)
	}

	costBasis := trade.EntryPrice.Mul(trade.Quantity).Mul(decimal.NewFromInt32(trade.Leverage))
	var pnlPct decimal.Decimal
	if !costBasis.IsZero() {
		pnlPct = unrealized.Div(costBasis).Mul(decimal.NewFromInt(100))
	}

	// Position doesn't expose leverage today; it only changes via
	// RunCycle's own SetLeverage call, so the persisted value is trusted here.
	return r.store.UpdateUnrealized(ctx, trade.ID, pos.MarkPrice, unrealized, pnlPct, trade.Leverage)
}

// closeTrade implements spec §4.G step 4: the position is gone from the
// exchange, so the trade is finalized with a heuristic exit classification.
func (r *Reconciler) closeTrade(ctx context.Context, trade botlib.Trade, adapter exchange.FuturesAdapter) error {
	exitPrice := trade.LastUpdatedPrice
	if exitPrice.IsZero() {
		exitPrice = trade.EntryPrice
	}
	exitTime := time.Now()

	var realized decimal.Decimal
	if trade.PositionSide == botlib.PositionLong {
		realized = exitPrice.Sub(trade.EntryPrice).Mul(trade.Quantity)
	} else {
		realized = trade.EntryPrice.Sub(exitPrice).Mul(trade.Quantity)
	}
	notional := exitPrice.Mul(trade.Quantity)
	fees := notional.Mul(decimal.NewFromFloat(takerFeeRate))
	realized = realized.Sub(fees)

	reason := classifyExit(exitPrice, trade.TakeProfit, trade.StopLoss)
	duration := exitTime.Sub(trade.EntryTime).Minutes()

	if err := r.store.CloseTrade(ctx, trade.ID, exitPrice, exitTime, reason, realized, fees, duration); err != nil {
		return fmt.Errorf("close trade: %w", err)
	}

	if r.cleaner != nil {
		if _, err := r.cleaner.CleanUp(ctx, trade, adapter); err != nil {
			r.logger.Warn("order cleanup after close failed", "trade_id", trade.ID, "error", err)
		}
	}
	return nil
}

// classifyExit implements spec §4.G step 4's 1% heuristic band.
func classifyExit(exitPrice, takeProfit, stopLoss decimal.Decimal) botlib.ExitReason {
	band := decimal.NewFromFloat(exitBandPct)
	if !takeProfit.IsZero() && withinBand(exitPrice, takeProfit, band) {
		return botlib.ExitTakeProfit
	}
	if !stopLoss.IsZero() && withinBand(exitPrice, stopLoss, band) {
		return botlib.ExitStopLoss
	}
	return botlib.ExitManual
}

func withinBand(price, target, band decimal.Decimal) bool {
	if target.IsZero() {
		return false
	}
	diff := price.Sub(target).Abs().Div(target.Abs())
	return diff.LessThanOrEqual(band)
}
