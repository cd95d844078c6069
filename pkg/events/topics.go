// Package events implements the in-process publish/subscribe bus that wires
// the indicator engines, the strategy manager, and the order manager
// together. Topics are typed constants and every payload is a plain struct,
// so subscribers can assert without reflection.
package events

// Topic names a delivery channel on the bus.
type Topic string

const (
	// TopicPriceUpdate carries normalized trade ticks from the feed adapters.
	TopicPriceUpdate Topic = "market.price_update"

	// TopicBookUpdate carries top-of-book snapshots from the feed adapters.
	TopicBookUpdate Topic = "market.book_update"

	// TopicIndicatorUpdated carries freshly computed indicator values.
	TopicIndicatorUpdated Topic = "indicator.updated"

	// TopicSignalGenerated carries strategy intents to the order manager.
	TopicSignalGenerated Topic = "signal_generated"

	TopicOrderCreated   Topic = "order_created"
	TopicOrderFilled    Topic = "order_filled"
	TopicOrderCancelled Topic = "order_cancelled"

	TopicPositionOpened  Topic = "position_opened"
	TopicPositionUpdated Topic = "position_updated"
	TopicPositionClosed  Topic = "position_closed"

	TopicBacktestProgress  Topic = "backtest.progress"
	TopicBacktestCompleted Topic = "backtest.completed"
	TopicBacktestFailed    Topic = "backtest.failed"

	TopicVariantCreated Topic = "variant.created"
	TopicVariantUpdated Topic = "variant.updated"
	TopicVariantDeleted Topic = "variant.deleted"
)

// Order sides. The order manager folds these onto the quantity-sign
// convention: BUY and COVER add quantity, SELL and SHORT subtract.
const (
	SideBuy   = "BUY"
	SideSell  = "SELL"
	SideShort = "SHORT"
	SideCover = "COVER"
)

// Signal types emitted by the strategy state machine. S1 is the entry
// signal, ZE1 the close signal, E1 the emergency exit.
const (
	SignalS1  = "S1"
	SignalZE1 = "ZE1"
	SignalE1  = "E1"
)

// PriceUpdate is the payload of TopicPriceUpdate. Timestamp is seconds.
type PriceUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

// BookUpdate is the payload of TopicBookUpdate.
type BookUpdate struct {
	Symbol    string  `json:"symbol"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	BidQty    float64 `json:"bid_qty"`
	AskQty    float64 `json:"ask_qty"`
	Timestamp float64 `json:"timestamp"`
}

// IndicatorUpdate is the payload of TopicIndicatorUpdated. Value is never
// nil on the bus; warm-up slots are not published.
type IndicatorUpdate struct {
	IndicatorID string  `json:"indicator_id"`
	Symbol      string  `json:"symbol"`
	Value       float64 `json:"value"`
	Timestamp   float64 `json:"timestamp"`
}

// Signal is the payload of TopicSignalGenerated.
type Signal struct {
	StrategyName string  `json:"strategy_name"`
	Symbol       string  `json:"symbol"`
	SignalType   string  `json:"signal_type"` // S1, ZE1, E1
	Side         string  `json:"side"`        // BUY, SELL, SHORT, COVER
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	Leverage     float64 `json:"leverage,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Timestamp    float64 `json:"timestamp"`
}

// OrderEvent is the payload of the order_* topics.
type OrderEvent struct {
	OrderID      string  `json:"order_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	Status       string  `json:"status"`
	StrategyName string  `json:"strategy_name,omitempty"`
	Timestamp    float64 `json:"timestamp"`
}

// PositionEvent is the payload of the position_* topics. Quantity follows
// the sign convention: positive long, negative short.
type PositionEvent struct {
	PositionID   string  `json:"position_id"`
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`
	RealizedPnL  float64 `json:"realized_pnl,omitempty"`
	Timestamp    float64 `json:"timestamp"`
}

// BacktestProgress is the payload of TopicBacktestProgress.
type BacktestProgress struct {
	SessionID    string  `json:"session_id"`
	ProgressPct  float64 `json:"progress_pct"`
	Timestamp    float64 `json:"current_timestamp"`
	Equity       float64 `json:"equity"`
	DrawdownPct  float64 `json:"drawdown_pct"`
	CandlesDone  int     `json:"candles_done"`
	TotalCandles int     `json:"total_candles"`
}

// BacktestCompleted is the payload of TopicBacktestCompleted. Status is
// "completed" for a full run and "stopped" for a cancelled one.
type BacktestCompleted struct {
	SessionID      string  `json:"session_id"`
	Status         string  `json:"status"`
	TotalTrades    int     `json:"total_trades"`
	WinRate        float64 `json:"win_rate"`
	FinalPnL       float64 `json:"final_pnl"`
	FinalBalance   float64 `json:"final_balance"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	DurationSec    float64 `json:"duration_sec"`
}

// BacktestFailed is the payload of TopicBacktestFailed.
type BacktestFailed struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// VariantEvent is the payload of the variant.* topics. The engines use it
// to refresh their variant caches after repository writes.
type VariantEvent struct {
	VariantID         string `json:"variant_id"`
	BaseIndicatorType string `json:"base_indicator_type"`
}
