// Package store is the Postgres repository for the control-plane entities
// in spec §3: users, bots, bot files, exchange credentials, subscriptions,
// trades, and the action log. Grounded on the teacher's own choice of
// jackc/pgx/v5 (already in go.mod via the dbos-transact-golang dependency
// chain) rather than database/sql, with hand-written SQL in the style the
// teacher used for its (since deleted) gRPC service layer — explicit
// fields, no ORM.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"botplatform/internal/bot/botlib"
)

// ErrNotFound is returned by single-row lookups that match no rows.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool with the control-plane's data access
// methods. Every statement carries the 5 s default from spec §5's
// "Suspension points" table via the caller's context deadline.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Schema is the DDL for the tables and indices spec §6 names. The
// platform applies this once at bootstrap; there is no migration framework
// in scope here.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	external_principal TEXT NOT NULL UNIQUE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bots (
	id BIGSERIAL PRIMARY KEY,
	developer_id BIGINT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	object_key TEXT NOT NULL,
	exchange_type TEXT NOT NULL,
	trading_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bot_files (
	bot_id BIGINT NOT NULL REFERENCES bots(id),
	version TEXT NOT NULL,
	file_type TEXT NOT NULL,
	object_key TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	PRIMARY KEY (bot_id, version, file_type)
);

CREATE TABLE IF NOT EXISTS exchange_credentials (
	id BIGSERIAL PRIMARY KEY,
	owner_user_id BIGINT NOT NULL REFERENCES users(id),
	exchange TEXT NOT NULL,
	network TEXT NOT NULL,
	cred_type TEXT NOT NULL,
	api_key TEXT NOT NULL,
	api_secret TEXT NOT NULL,
	passphrase TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	instance_name TEXT NOT NULL,
	bot_id BIGINT NOT NULL REFERENCES bots(id),
	pinned_version TEXT NOT NULL DEFAULT '',
	exchange_type TEXT NOT NULL,
	trading_pair TEXT NOT NULL,
	timeframes TEXT[] NOT NULL,
	strategy_config JSONB NOT NULL DEFAULT '{}',
	execution_config JSONB NOT NULL DEFAULT '{}',
	risk_config JSONB NOT NULL DEFAULT '{}',
	network_type TEXT NOT NULL,
	is_trial BOOLEAN NOT NULL DEFAULT FALSE,
	trial_expires_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ,
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	consecutive_fails INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_status_next_run ON subscriptions(status, next_run_at);

CREATE TABLE IF NOT EXISTS trades (
	id BIGSERIAL PRIMARY KEY,
	subscription_id BIGINT NOT NULL REFERENCES subscriptions(id),
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	position_side TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	entry_price NUMERIC NOT NULL,
	entry_time TIMESTAMPTZ NOT NULL,
	leverage INT NOT NULL,
	stop_loss NUMERIC NOT NULL DEFAULT 0,
	take_profit NUMERIC NOT NULL DEFAULT 0,
	entry_order_id TEXT NOT NULL DEFAULT '',
	stop_loss_order_id TEXT NOT NULL DEFAULT '',
	take_profit_order_ids TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'OPEN',
	exit_price NUMERIC NOT NULL DEFAULT 0,
	exit_time TIMESTAMPTZ,
	exit_reason TEXT NOT NULL DEFAULT '',
	realized_pnl NUMERIC NOT NULL DEFAULT 0,
	unrealized_pnl NUMERIC NOT NULL DEFAULT 0,
	last_updated_price NUMERIC NOT NULL DEFAULT 0,
	pnl_percentage NUMERIC NOT NULL DEFAULT 0,
	fees_paid NUMERIC NOT NULL DEFAULT 0,
	trade_duration_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_winning BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_trades_subscription_status ON trades(subscription_id, status);

CREATE TABLE IF NOT EXISTS action_logs (
	id BIGSERIAL PRIMARY KEY,
	subscription_id BIGINT NOT NULL REFERENCES subscriptions(id),
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	action TEXT NOT NULL,
	description TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_logs_subscription_ts ON action_logs(subscription_id, timestamp DESC);
`

func (s *Store) ApplySchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}
