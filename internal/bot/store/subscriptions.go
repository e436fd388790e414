package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"botplatform/internal/bot/botlib"
)

// GetSubscription loads one subscription row, step 1 of spec §4.E's RunCycle.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*botlib.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, instance_name, bot_id, pinned_version, exchange_type,
		       trading_pair, timeframes, strategy_config, execution_config, risk_config,
		       network_type, is_trial, trial_expires_at, started_at, expires_at,
		       last_run_at, next_run_at, status, consecutive_fails
		FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func scanSubscription(row pgx.Row) (*botlib.Subscription, error) {
	var sub botlib.Subscription
	var strategyCfg, execCfg, riskCfg []byte
	var networkType, status string
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.InstanceName, &sub.BotID, &sub.PinnedVersion, &sub.ExchangeType,
		&sub.TradingPair, &sub.Timeframes, &strategyCfg, &execCfg, &riskCfg,
		&networkType, &sub.IsTrial, &sub.TrialExpiresAt, &sub.StartedAt, &sub.ExpiresAt,
		&sub.LastRunAt, &sub.NextRunAt, &status, &sub.ConsecutiveFails,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sub.NetworkType = botlib.NetworkType(networkType)
	sub.Status = botlib.SubscriptionStatus(status)

	if len(strategyCfg) > 0 {
		_ = json.Unmarshal(strategyCfg, &sub.StrategyConfig)
	}
	if len(execCfg) > 0 {
		_ = json.Unmarshal(execCfg, &sub.ExecutionConfig)
	}
	if len(riskCfg) > 0 {
		_ = json.Unmarshal(riskCfg, &sub.RiskConfig)
	}
	return &sub, nil
}

// DueSubscriptions returns every ACTIVE subscription whose next_run_at is
// null or at/before now — the scheduler's 60 s sweep candidate set.
func (s *Store) DueSubscriptions(ctx context.Context, now time.Time) ([]botlib.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, instance_name, bot_id, pinned_version, exchange_type,
		       trading_pair, timeframes, strategy_config, execution_config, risk_config,
		       network_type, is_trial, trial_expires_at, started_at, expires_at,
		       last_run_at, next_run_at, status, consecutive_fails
		FROM subscriptions
		WHERE status = 'ACTIVE' AND (next_run_at IS NULL OR next_run_at <= $1)`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []botlib.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// SweepableSubscriptions returns every subscription in ACTIVE or PAUSED —
// spec §4.F sweeps both so a paused subscription still reacts to expiry.
func (s *Store) SweepableSubscriptions(ctx context.Context) ([]botlib.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, instance_name, bot_id, pinned_version, exchange_type,
		       trading_pair, timeframes, strategy_config, execution_config, risk_config,
		       network_type, is_trial, trial_expires_at, started_at, expires_at,
		       last_run_at, next_run_at, status, consecutive_fails
		FROM subscriptions WHERE status IN ('ACTIVE', 'PAUSED')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []botlib.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *Store) SetSubscriptionStatus(ctx context.Context, id int64, status botlib.SubscriptionStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE subscriptions SET status = $2 WHERE id = $1`, id, status)
	return err
}

// RecordRun updates last_run_at/next_run_at and resets the failure streak —
// spec §4.E step 11.
func (s *Store) RecordRun(ctx context.Context, id int64, lastRunAt, nextRunAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET last_run_at = $2, next_run_at = $3, consecutive_fails = 0
		WHERE id = $1`, id, lastRunAt, nextRunAt)
	return err
}

// RecordFailure increments the consecutive-failure counter and marks the
// subscription ERROR once it reaches 3, per spec §4.E step 12.
func (s *Store) RecordFailure(ctx context.Context, id int64) (int, error) {
	var fails int
	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET consecutive_fails = consecutive_fails + 1
		WHERE id = $1 RETURNING consecutive_fails`, id).Scan(&fails)
	if err != nil {
		return 0, err
	}
	if fails >= 3 {
		if _, err := s.pool.Exec(ctx, `UPDATE subscriptions SET status = 'ERROR' WHERE id = $1`, id); err != nil {
			return fails, err
		}
	}
	return fails, nil
}
