// Package store defines the persistence surface of the engine: time-series
// reads and writes, indicator variants, strategy documents, and backtest
// artifacts. The postgres adapter is the production implementation; the
// memory adapter backs tests and self-contained backtests. Timestamps
// cross this boundary as epoch seconds and are stored as naive UTC.
package store

import (
	"context"
	"time"

	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/variants"
)

// TimeSeriesStore is the read/write surface the engines run on.
type TimeSeriesStore interface {
	// GetTickPrices returns the ticks of one session and symbol in
	// ascending timestamp order.
	GetTickPrices(ctx context.Context, sessionID, symbol string) ([]marketdata.Point, error)

	// GetAggregatedOHLCV returns bars for a session at the given
	// interval ("1m", "5m", ...), ascending.
	GetAggregatedOHLCV(ctx context.Context, sessionID, symbol, interval string) ([]marketdata.Candle, error)

	// GetOHLCVResample aggregates ticks across sessions into bars over
	// [start, end] epoch seconds.
	GetOHLCVResample(ctx context.Context, symbol, interval string, start, end float64) ([]marketdata.Candle, error)

	// GetLatestIndicators returns the most recent value per indicator
	// id. With no ids it covers every indicator seen for the symbol.
	GetLatestIndicators(ctx context.Context, symbol string, indicatorIDs ...string) (map[string]LatestValue, error)

	// GetIndicators returns observations matching the query, ascending.
	GetIndicators(ctx context.Context, q IndicatorQuery) ([]IndicatorRow, error)

	// InsertIndicatorsBatch writes a batch atomically and returns the
	// inserted count.
	InsertIndicatorsBatch(ctx context.Context, rows []IndicatorRow) (int, error)

	// ExecuteQuery runs a parameterized read and returns generic rows.
	ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)

	// Execute runs a parameterized statement without result rows.
	Execute(ctx context.Context, query string, args ...interface{}) error

	Initialize(ctx context.Context) error
	Close() error
}

// TickWriter is the ingest-side append path for raw ticks. The feed
// bridge persists through it when tick capture is enabled.
type TickWriter interface {
	InsertTickPrices(ctx context.Context, rows []TickRow) (int, error)
}

// BacktestStore persists backtest sessions and their artifacts.
type BacktestStore interface {
	InsertBacktestSession(ctx context.Context, row *BacktestSessionRow) error

	// UpdateBacktestSession rewrites the mutable fields: status,
	// progress, cursor, results, error message, completion time.
	UpdateBacktestSession(ctx context.Context, row *BacktestSessionRow) error

	// GetBacktestSession returns (nil, nil) on a miss.
	GetBacktestSession(ctx context.Context, sessionID string) (*BacktestSessionRow, error)

	InsertBacktestTrades(ctx context.Context, rows []BacktestTradeRow) error
	InsertEquityCurve(ctx context.Context, rows []EquityPointRow) error
}

// StrategyStore persists strategy configurations as JSON documents.
type StrategyStore interface {
	// SaveStrategy inserts or replaces by id.
	SaveStrategy(ctx context.Context, row *StrategyRow) error

	// GetStrategy returns (nil, nil) on a miss.
	GetStrategy(ctx context.Context, id string) (*StrategyRow, error)

	ListStrategies(ctx context.Context) ([]*StrategyRow, error)
}

// Store is the full persistence surface. Both adapters implement it;
// most consumers depend on one of the narrower interfaces instead.
type Store interface {
	TimeSeriesStore
	TickWriter
	variants.VariantStore
	BacktestStore
	StrategyStore
}

// TickRow is one persisted tick.
type TickRow struct {
	SessionID string  `json:"session_id" db:"session_id"`
	Symbol    string  `json:"symbol" db:"symbol"`
	Timestamp float64 `json:"timestamp" db:"ts"`
	Price     float64 `json:"price" db:"price"`
	Volume    float64 `json:"volume" db:"volume"`
}

// IndicatorRow is one persisted indicator observation.
type IndicatorRow struct {
	SessionID   string   `json:"session_id" db:"session_id"`
	Symbol      string   `json:"symbol" db:"symbol"`
	IndicatorID string   `json:"indicator_id" db:"indicator_id"`
	Timestamp   float64  `json:"timestamp" db:"ts"`
	Value       float64  `json:"value" db:"value"`
	Confidence  *float64 `json:"confidence,omitempty" db:"confidence"`
}

// LatestValue is the newest observation of one indicator.
type LatestValue struct {
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// IndicatorQuery narrows GetIndicators. Nil bounds are unbounded; a
// zero Limit returns everything in range.
type IndicatorQuery struct {
	Symbol       string
	IndicatorIDs []string
	Start        *float64
	End          *float64
	Limit        int
}

// BacktestSessionRow mirrors the backtest_sessions table. The cursor
// CurrentTimestamp is simulation time in epoch seconds.
type BacktestSessionRow struct {
	SessionID          string     `json:"session_id" db:"session_id"`
	StrategyID         string     `json:"strategy_id" db:"strategy_id"`
	Symbol             string     `json:"symbol" db:"symbol"`
	StartDate          time.Time  `json:"start_date" db:"start_date"`
	EndDate            time.Time  `json:"end_date" db:"end_date"`
	AccelerationFactor float64    `json:"acceleration_factor" db:"acceleration_factor"`
	InitialBalance     float64    `json:"initial_balance" db:"initial_balance"`
	Status             string     `json:"status" db:"status"`
	ProgressPct        float64    `json:"progress_pct" db:"progress_pct"`
	CurrentTimestamp   float64    `json:"current_timestamp" db:"current_ts"`
	FinalPnL           *float64   `json:"final_pnl,omitempty" db:"final_pnl"`
	TotalTrades        int        `json:"total_trades" db:"total_trades"`
	WinRate            *float64   `json:"win_rate,omitempty" db:"win_rate"`
	ErrorMessage       string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// BacktestTradeRow is one filled order of a backtest run.
type BacktestTradeRow struct {
	SessionID   string   `json:"session_id" db:"session_id"`
	OrderID     string   `json:"order_id" db:"order_id"`
	Symbol      string   `json:"symbol" db:"symbol"`
	Side        string   `json:"side" db:"side"`
	Quantity    float64  `json:"quantity" db:"quantity"`
	Price       float64  `json:"price" db:"price"`
	Timestamp   float64  `json:"timestamp" db:"ts"`
	RealizedPnL *float64 `json:"realized_pnl,omitempty" db:"realized_pnl"`
	Reason      string   `json:"reason,omitempty" db:"reason"`
}

// EquityPointRow is one downsampled equity observation.
type EquityPointRow struct {
	SessionID   string  `json:"session_id" db:"session_id"`
	Timestamp   float64 `json:"timestamp" db:"ts"`
	Equity      float64 `json:"equity" db:"equity"`
	DrawdownPct float64 `json:"drawdown_pct" db:"drawdown_pct"`
}

// StrategyRow is one stored strategy; Config holds the JSON document.
type StrategyRow struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Config    string    `json:"config" db:"config"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
