package postgres

// schemaDDL creates every table the adapters touch. All statements are
// idempotent; time-series timestamps are naive UTC.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tick_prices (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    ts          TIMESTAMP NOT NULL,
    price       DOUBLE PRECISION NOT NULL,
    volume      DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tick_prices_lookup
    ON tick_prices (session_id, symbol, ts);

CREATE TABLE IF NOT EXISTS aggregated_ohlcv (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    timeframe   TEXT NOT NULL,
    ts          TIMESTAMP NOT NULL,
    open        DOUBLE PRECISION NOT NULL,
    high        DOUBLE PRECISION NOT NULL,
    low         DOUBLE PRECISION NOT NULL,
    close       DOUBLE PRECISION NOT NULL,
    volume      DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_aggregated_ohlcv_lookup
    ON aggregated_ohlcv (session_id, symbol, timeframe, ts);

CREATE TABLE IF NOT EXISTS indicators (
    id           BIGSERIAL PRIMARY KEY,
    session_id   TEXT NOT NULL DEFAULT '',
    symbol       TEXT NOT NULL,
    indicator_id TEXT NOT NULL,
    ts           TIMESTAMP NOT NULL,
    value        DOUBLE PRECISION NOT NULL,
    confidence   DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_indicators_latest
    ON indicators (symbol, indicator_id, ts DESC);

CREATE TABLE IF NOT EXISTS indicator_variants (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    base_indicator_type TEXT NOT NULL,
    variant_type        TEXT NOT NULL DEFAULT '',
    description         TEXT NOT NULL DEFAULT '',
    parameters          JSONB NOT NULL DEFAULT '{}',
    is_system           BOOLEAN NOT NULL DEFAULT FALSE,
    created_by          TEXT NOT NULL DEFAULT '',
    user_id             TEXT NOT NULL DEFAULT '',
    scope               TEXT NOT NULL DEFAULT 'user',
    is_deleted          BOOLEAN NOT NULL DEFAULT FALSE,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL,
    deleted_at          TIMESTAMP,
    schema_version      INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_indicator_variants_type
    ON indicator_variants (base_indicator_type) WHERE NOT is_deleted;

CREATE TABLE IF NOT EXISTS backtest_sessions (
    session_id          TEXT PRIMARY KEY,
    strategy_id         TEXT NOT NULL DEFAULT '',
    symbol              TEXT NOT NULL,
    start_date          TIMESTAMP NOT NULL,
    end_date            TIMESTAMP NOT NULL,
    acceleration_factor DOUBLE PRECISION NOT NULL DEFAULT 1,
    initial_balance     DOUBLE PRECISION NOT NULL,
    status              TEXT NOT NULL,
    progress_pct        DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_ts          DOUBLE PRECISION NOT NULL DEFAULT 0,
    final_pnl           DOUBLE PRECISION,
    total_trades        INTEGER NOT NULL DEFAULT 0,
    win_rate            DOUBLE PRECISION,
    error_message       TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMP NOT NULL,
    completed_at        TIMESTAMP
);

CREATE TABLE IF NOT EXISTS backtest_trades (
    id           BIGSERIAL PRIMARY KEY,
    session_id   TEXT NOT NULL,
    order_id     TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    quantity     DOUBLE PRECISION NOT NULL,
    price        DOUBLE PRECISION NOT NULL,
    ts           TIMESTAMP NOT NULL,
    realized_pnl DOUBLE PRECISION,
    reason       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_backtest_trades_session
    ON backtest_trades (session_id, ts);

CREATE TABLE IF NOT EXISTS backtest_equity_curve (
    id           BIGSERIAL PRIMARY KEY,
    session_id   TEXT NOT NULL,
    ts           TIMESTAMP NOT NULL,
    equity       DOUBLE PRECISION NOT NULL,
    drawdown_pct DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_backtest_equity_session
    ON backtest_equity_curve (session_id, ts);

CREATE TABLE IF NOT EXISTS strategies (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    config     JSONB NOT NULL,
    enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
