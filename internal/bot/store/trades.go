package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"botplatform/internal/bot/botlib"
)

// InsertTrade persists a newly opened trade, spec §4.E step 10.
func (s *Store) InsertTrade(ctx context.Context, t *botlib.Trade) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trades (
			subscription_id, symbol, side, position_side, quantity, entry_price, entry_time,
			leverage, stop_loss, take_profit, entry_order_id, stop_loss_order_id,
			take_profit_order_ids, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,'OPEN')
		RETURNING id`,
		t.SubscriptionID, t.Symbol, t.Side, t.PositionSide, t.Quantity, t.EntryPrice, t.EntryTime,
		t.Leverage, t.StopLoss, t.TakeProfit, t.EntryOrderID, t.StopLossOrderID,
		t.TakeProfitOrderIDs,
	).Scan(&id)
	return id, err
}

// OpenTrades returns every trade the position-sync reconciler (spec §4.G)
// must check against live exchange positions.
func (s *Store) OpenTrades(ctx context.Context) ([]botlib.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, symbol, side, position_side, quantity, entry_price,
		       entry_time, leverage, stop_loss, take_profit, entry_order_id,
		       stop_loss_order_id, take_profit_order_ids, last_updated_price
		FROM trades WHERE status = 'OPEN'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []botlib.Trade
	for rows.Next() {
		var t botlib.Trade
		var side, posSide string
		if err := rows.Scan(
			&t.ID, &t.SubscriptionID, &t.Symbol, &side, &posSide, &t.Quantity, &t.EntryPrice,
			&t.EntryTime, &t.Leverage, &t.StopLoss, &t.TakeProfit, &t.EntryOrderID,
			&t.StopLossOrderID, &t.TakeProfitOrderIDs, &t.LastUpdatedPrice,
		); err != nil {
			return nil, err
		}
		t.Side = botlib.Side(side)
		t.PositionSide = botlib.PositionSide(posSide)
		t.Status = botlib.TradeOpen
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateUnrealized applies spec §4.G step 3 — the position still exists on
// the exchange, so only the mark-to-market fields move.
func (s *Store) UpdateUnrealized(ctx context.Context, tradeID int64, markPrice, unrealizedPnL, pnlPct decimal.Decimal, leverage int32) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trades SET last_updated_price = $2, unrealized_pnl = $3, pnl_percentage = $4, leverage = $5
		WHERE id = $1`, tradeID, markPrice, unrealizedPnL, pnlPct, leverage)
	return err
}

// CloseTrade is the single code path that finalizes a trade and sets
// is_winning — spec §9 open question 2's decision, recorded in DESIGN.md:
// realized_pnl is computed exactly once, here, whether the orchestrator's
// manual-close path or the reconciler's exchange-detected-closure path
// triggers it.
func (s *Store) CloseTrade(ctx context.Context, tradeID int64, exitPrice decimal.Decimal, exitTime time.Time, reason botlib.ExitReason, realizedPnL, feesPaid decimal.Decimal, durationMinutes float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trades SET
			status = 'CLOSED', exit_price = $2, exit_time = $3, exit_reason = $4,
			realized_pnl = $5, fees_paid = $6, trade_duration_minutes = $7,
			unrealized_pnl = 0, is_winning = ($5 > 0)
		WHERE id = $1`, tradeID, exitPrice, exitTime, reason, realizedPnL, feesPaid, durationMinutes)
	return err
}

// GetTrade loads a single trade by id, used by the order-cleanup step.
func (s *Store) GetTrade(ctx context.Context, id int64) (*botlib.Trade, error) {
	var t botlib.Trade
	var side, posSide, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, subscription_id, symbol, side, position_side, quantity, entry_price,
		       entry_time, leverage, stop_loss, take_profit, entry_order_id,
		       stop_loss_order_id, take_profit_order_ids, status
		FROM trades WHERE id = $1`, id).Scan(
		&t.ID, &t.SubscriptionID, &t.Symbol, &side, &posSide, &t.Quantity, &t.EntryPrice,
		&t.EntryTime, &t.Leverage, &t.StopLoss, &t.TakeProfit, &t.EntryOrderID,
		&t.StopLossOrderID, &t.TakeProfitOrderIDs, &status,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Side = botlib.Side(side)
	t.PositionSide = botlib.PositionSide(posSide)
	t.Status = botlib.TradeStatus(status)
	return &t, nil
}
