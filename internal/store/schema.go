package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the PostgreSQL DDL. All monetary values are NUMERIC for exact
// decimal precision. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    role           TEXT NOT NULL,
    trading_mode   TEXT NOT NULL,
    balance        NUMERIC NOT NULL DEFAULT 0,
    locked_balance NUMERIC NOT NULL DEFAULT 0,
    reputation     NUMERIC NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL,
    CHECK (locked_balance >= 0 AND locked_balance <= balance)
);

CREATE TABLE IF NOT EXISTS markets (
    id                  TEXT PRIMARY KEY,
    creator_id          TEXT NOT NULL REFERENCES agents(id),
    question            TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    category            TEXT NOT NULL,
    deadline            TIMESTAMPTZ NOT NULL,
    status              TEXT NOT NULL,
    outcome             TEXT,
    yes_price           NUMERIC NOT NULL,
    no_price            NUMERIC NOT NULL,
    volume              NUMERIC NOT NULL DEFAULT 0,
    resolved_at         TIMESTAMPTZ,
    resolved_by         TEXT REFERENCES agents(id),
    resolution_evidence TEXT,
    created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_markets_status_deadline ON markets(status, deadline);

CREATE TABLE IF NOT EXISTS orders (
    id         TEXT PRIMARY KEY,
    seq        BIGSERIAL UNIQUE,
    agent_id   TEXT NOT NULL REFERENCES agents(id),
    market_id  TEXT NOT NULL REFERENCES markets(id),
    side       TEXT NOT NULL,
    order_type TEXT NOT NULL,
    price      NUMERIC NOT NULL CHECK (price >= 0.01 AND price <= 0.99),
    size       BIGINT NOT NULL CHECK (size > 0),
    filled     BIGINT NOT NULL DEFAULT 0 CHECK (filled >= 0 AND filled <= size),
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_book ON orders(market_id, side, order_type, status, price, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_agent ON orders(agent_id, seq DESC);

CREATE TABLE IF NOT EXISTS positions (
    agent_id      TEXT NOT NULL REFERENCES agents(id),
    market_id     TEXT NOT NULL REFERENCES markets(id),
    yes_shares    BIGINT NOT NULL DEFAULT 0 CHECK (yes_shares >= 0),
    no_shares     BIGINT NOT NULL DEFAULT 0 CHECK (no_shares >= 0),
    avg_yes_price NUMERIC,
    avg_no_price  NUMERIC,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (agent_id, market_id)
);
CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id);

CREATE TABLE IF NOT EXISTS trades (
    id            TEXT PRIMARY KEY,
    market_id     TEXT NOT NULL REFERENCES markets(id),
    buy_order_id  TEXT NOT NULL REFERENCES orders(id),
    sell_order_id TEXT NOT NULL REFERENCES orders(id),
    buyer_id      TEXT NOT NULL REFERENCES agents(id),
    seller_id     TEXT NOT NULL REFERENCES agents(id),
    side          TEXT NOT NULL,
    price         NUMERIC NOT NULL,
    size          BIGINT NOT NULL,
    buyer_fee     NUMERIC NOT NULL,
    seller_fee    NUMERIC NOT NULL,
    total_fee     NUMERIC NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id, created_at);

CREATE TABLE IF NOT EXISTS platform_fees (
    id          TEXT PRIMARY KEY,
    fee_type    TEXT NOT NULL,
    amount      NUMERIC NOT NULL,
    agent_id    TEXT REFERENCES agents(id),
    market_id   TEXT REFERENCES markets(id),
    trade_id    TEXT REFERENCES trades(id),
    description TEXT,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_platform_fees_market ON platform_fees(market_id);

CREATE TABLE IF NOT EXISTS platform_stats (
    id                         INTEGER PRIMARY KEY CHECK (id = 1),
    total_trading_fees         NUMERIC NOT NULL DEFAULT 0,
    total_market_creation_fees NUMERIC NOT NULL DEFAULT 0,
    total_settlement_fees      NUMERIC NOT NULL DEFAULT 0,
    total_volume               NUMERIC NOT NULL DEFAULT 0,
    total_trades               BIGINT NOT NULL DEFAULT 0,
    total_markets_created      BIGINT NOT NULL DEFAULT 0,
    total_markets_resolved     BIGINT NOT NULL DEFAULT 0,
    updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS moderator_rewards (
    id                   TEXT PRIMARY KEY,
    moderator_id         TEXT NOT NULL REFERENCES agents(id),
    market_id            TEXT NOT NULL REFERENCES markets(id),
    platform_share       NUMERIC NOT NULL,
    winner_fee           NUMERIC NOT NULL,
    total_reward         NUMERIC NOT NULL,
    total_winner_profits NUMERIC NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_actions (
    id               TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL REFERENCES agents(id),
    action_type      TEXT NOT NULL,
    payload          JSONB NOT NULL,
    status           TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    expires_at       TIMESTAMPTZ NOT NULL,
    reviewed_at      TIMESTAMPTZ,
    rejection_reason TEXT,
    result           JSONB
);
CREATE INDEX IF NOT EXISTS idx_pending_actions_agent ON pending_actions(agent_id, status);
`

// Migrate applies Schema. Safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
