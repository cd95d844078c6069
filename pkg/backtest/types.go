// Package backtest replays historical candles through the strategy layer
// and a simulated order manager. A run loads its session row from the
// store, walks candles in ascending time order, fills orders instantly
// with configurable slippage, and persists the trade log, the equity
// curve, and the terminal session status.
package backtest

import (
	"time"
)

// Session statuses persisted to the store and carried on the
// backtest.completed payload.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

// Order statuses. Backtest fills are instantaneous, so every accepted
// order moves New -> Filled within SubmitOrder.
const (
	OrderNew       = "NEW"
	OrderFilled    = "FILLED"
	OrderCancelled = "CANCELLED"
)

// Order kinds. The simulator only fills market orders.
const (
	KindMarket = "MARKET"
	KindLimit  = "LIMIT"
)

// Order is one simulated order. Quantity is absolute; the side carries
// the direction. Price is the fill price after slippage.
type Order struct {
	OrderID      string  `json:"order_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // BUY, SELL, SHORT, COVER
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	Status       string  `json:"status"`
	Kind         string  `json:"kind"`
	StrategyName string  `json:"strategy_name,omitempty"`
	Leverage     float64 `json:"leverage,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	CreatedAt    float64 `json:"created_at"`
	UpdatedAt    float64 `json:"updated_at"`
}

// Position is one open position. The quantity sign is the single source
// of truth for direction: positive long, negative short, zero flat.
type Position struct {
	Symbol           string   `json:"symbol"`
	Quantity         float64  `json:"quantity"`
	AveragePrice     float64  `json:"average_price"`
	Leverage         float64  `json:"leverage"`
	LiquidationPrice *float64 `json:"liquidation_price,omitempty"`
	UnrealizedPnL    float64  `json:"unrealized_pnl"`
	UnrealizedPnLPct float64  `json:"unrealized_pnl_pct"`
}

// Side reports the direction implied by the quantity sign.
func (p Position) Side() string {
	switch {
	case p.Quantity > 0:
		return "LONG"
	case p.Quantity < 0:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// mark refreshes the unrealized fields against a price.
func (p *Position) mark(price float64) {
	p.UnrealizedPnL = (price - p.AveragePrice) * p.Quantity
	notional := p.AveragePrice * p.Quantity
	if notional < 0 {
		notional = -notional
	}
	if notional > 0 {
		p.UnrealizedPnLPct = p.UnrealizedPnL / notional * 100
	} else {
		p.UnrealizedPnLPct = 0
	}
}

// Result is the terminal outcome of one backtest run.
type Result struct {
	SessionID        string        `json:"session_id"`
	Status           string        `json:"status"`
	InitialBalance   float64       `json:"initial_balance"`
	FinalBalance     float64       `json:"final_balance"`
	FinalPnL         float64       `json:"final_pnl"`
	TotalTrades      int           `json:"total_trades"`
	Winners          int           `json:"winners"`
	Losers           int           `json:"losers"`
	WinRate          float64       `json:"win_rate"` // fraction of closed trades
	ProfitFactor     float64       `json:"profit_factor"`
	SharpeRatio      float64       `json:"sharpe_ratio"`
	SortinoRatio     float64       `json:"sortino_ratio"`
	MaxDrawdownPct   float64       `json:"max_drawdown_pct"`
	CandlesProcessed int           `json:"candles_processed"`
	SignalsGenerated int           `json:"signals_generated"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	Duration         time.Duration `json:"duration"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}
