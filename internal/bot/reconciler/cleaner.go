package reconciler

import (
	"context"
	"fmt"

	"botplatform/internal/bot/botlib"
	"botplatform/internal/bot/exchange"
)

// CleanupResult is spec §4.H's return shape.
type CleanupResult struct {
	CancelledCount int
	Success        bool
}

// OrderCleaner cancels a closed trade's leftover protective orders (the
// stop-loss and take-profit orders placed alongside the entry). Grounded on
// the teacher's internal/risk/cleaner.go lifecycle, but scoped to one trade's
// own order IDs instead of sweeping an exchange's whole open-order book,
// since this platform closes positions one trade at a time rather than
// running a standing inventory-management loop.
type OrderCleaner struct {
	logger botlib.Logger
}

func NewOrderCleaner(logger botlib.Logger) *OrderCleaner {
	return &OrderCleaner{logger: logger.WithField("component", "order_cleaner")}
}

// CleanUp implements spec §4.H: cancel the trade's persisted stop-loss and
// take-profit order IDs individually; if none are known or any cancellation
// fails to resolve, fall through to CancelAllOrders for the symbol as a
// backstop.
func (c *OrderCleaner) CleanUp(ctx context.Context, trade botlib.Trade, adapter exchange.FuturesAdapter) (CleanupResult, error) {
	var orderIDs []string
	if trade.StopLossOrderID != "" {
		orderIDs = append(orderIDs, trade.StopLossOrderID)
	}
	orderIDs = append(orderIDs, trade.TakeProfitOrderIDs...)

	if len(orderIDs) == 0 {
		return c.cancelAll(ctx, trade.Symbol, adapter)
	}

	cancelled := 0
	var lastErr error
	for _, orderID := range orderIDs {
		if err := adapter.CancelOrder(ctx, trade.Symbol, orderID); err != nil {
			lastErr = err
			c.logger.Warn("cancel protective order failed", "trade_id", trade.ID, "order_id", orderID, "error", err)
			continue
		}
		cancelled++
	}

	if lastErr != nil {
		fallback, err := c.cancelAll(ctx, trade.Symbol, adapter)
		if err != nil {
			return CleanupResult{CancelledCount: cancelled, Success: false}, fmt.Errorf("cleanup fallback: %w", err)
		}
		return CleanupResult{CancelledCount: cancelled + fallback.CancelledCount, Success: fallback.Success}, nil
	}

	return CleanupResult{CancelledCount: cancelled, Success: true}, nil
}

func (c *OrderCleaner) cancelAll(ctx context.Context, symbol string, adapter exchange.FuturesAdapter) (CleanupResult, error) {
	if err := adapter.CancelAllOrders(ctx, symbol); err != nil {
		return CleanupResult{Success: false}, err
	}
	return CleanupResult{Success: true}, nil
}
