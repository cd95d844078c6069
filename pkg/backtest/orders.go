package backtest

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/store"
)

// Quantities within this tolerance of zero count as flat.
const qtyEpsilon = 1e-9

var (
	// ErrInvalidClose flags a SELL without a long position or a COVER
	// without a short one. The order is dropped without state change.
	ErrInvalidClose = errors.New("close order against no matching position")

	// ErrNoReferencePrice flags a signal with no usable price: none
	// stamped on it and no mark seen for the symbol yet.
	ErrNoReferencePrice = errors.New("no reference price for signal")
)

// OrderRequest describes one order to fill. Quantity is absolute units;
// Price is the reference price before slippage.
type OrderRequest struct {
	Symbol       string
	Side         string
	Quantity     float64
	Price        float64
	StrategyName string
	Reason       string
	Timestamp    float64
}

// OrderManager simulates instant fills for one backtest session. Orders
// and positions live under one mutex; a second mutex serializes order id
// generation only, so ids stay unique under concurrent submission.
type OrderManager struct {
	sessionID   string
	slippagePct float64
	leverage    float64
	bus         *events.Bus
	log         zerolog.Logger
	now         func() float64

	idMu     sync.Mutex
	orderSeq int

	mu        sync.Mutex
	orders    map[string]*Order
	orderLog  []string
	positions map[string]*Position
	lastPrice map[string]float64
	realized  float64
	signals   int
	trades    []store.BacktestTradeRow
	sub       *events.Subscription
}

// NewOrderManager creates the order manager of one session. The bus may
// be nil; events are then skipped and orders submitted directly.
func NewOrderManager(sessionID string, cfg Config, bus *events.Bus) *OrderManager {
	return &OrderManager{
		sessionID:   sessionID,
		slippagePct: cfg.SlippagePct,
		leverage:    cfg.Leverage,
		bus:         bus,
		log: log.With().
			Str("component", "backtest_orders").
			Str("session", sessionID).
			Logger(),
		now:       func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		lastPrice: make(map[string]float64),
	}
}

// Start subscribes to signal_generated so external strategy managers on
// the same bus reach the simulator.
func (m *OrderManager) Start() error {
	if m.bus == nil {
		return nil
	}
	sub, err := m.bus.Subscribe(events.TopicSignalGenerated, m.onSignal, events.PriorityHigh)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicSignalGenerated, err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	return nil
}

// Stop unsubscribes from the bus.
func (m *OrderManager) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		m.bus.Unsubscribe(sub)
	}
}

func (m *OrderManager) onSignal(_ events.Topic, payload interface{}) {
	sig, ok := payload.(events.Signal)
	if !ok {
		return
	}
	_, _ = m.HandleSignal(sig)
}

// HandleSignal translates one strategy signal into an order. Quantity is
// units; zero quantity on a SELL or COVER means the whole open position.
// A signal without a price falls back to the last marked price.
func (m *OrderManager) HandleSignal(sig events.Signal) (*Order, error) {
	m.mu.Lock()
	m.signals++
	price := sig.Price
	if price <= 0 {
		price = m.lastPrice[sig.Symbol]
	}
	qty := sig.Quantity
	if qty <= 0 && (sig.Side == events.SideSell || sig.Side == events.SideCover) {
		if pos := m.positions[sig.Symbol]; pos != nil {
			qty = math.Abs(pos.Quantity)
		}
	}
	m.mu.Unlock()

	if price <= 0 {
		m.log.Warn().
			Str("symbol", sig.Symbol).
			Str("side", sig.Side).
			Msg("signal dropped, no reference price")
		return nil, ErrNoReferencePrice
	}
	if qty <= qtyEpsilon {
		m.log.Warn().
			Str("symbol", sig.Symbol).
			Str("side", sig.Side).
			Msg("signal dropped, nothing to trade")
		return nil, ErrInvalidClose
	}
	return m.SubmitOrder(OrderRequest{
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Quantity:     qty,
		Price:        price,
		StrategyName: sig.StrategyName,
		Reason:       sig.Reason,
		Timestamp:    sig.Timestamp,
	})
}

// SubmitOrder fills one order atomically: record the order, publish
// order_created, apply the position update and its position_* event, mark
// the order Filled, publish order_filled. Backtest fills are whole and
// instantaneous.
func (m *OrderManager) SubmitOrder(req OrderRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %v", req.Quantity)
	}
	delta, err := signedQuantity(req.Side, req.Quantity)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos := m.positions[req.Symbol]
	if req.Side == events.SideSell && (pos == nil || pos.Quantity <= qtyEpsilon) {
		m.log.Warn().
			Str("symbol", req.Symbol).
			Float64("quantity", req.Quantity).
			Msg("SELL without long position dropped")
		return nil, ErrInvalidClose
	}
	if req.Side == events.SideCover && (pos == nil || pos.Quantity >= -qtyEpsilon) {
		m.log.Warn().
			Str("symbol", req.Symbol).
			Float64("quantity", req.Quantity).
			Msg("COVER without short position dropped")
		return nil, ErrInvalidClose
	}

	fill := m.fillPrice(req.Side, req.Price)
	ts := req.Timestamp
	if ts == 0 {
		ts = m.now()
	}

	order := &Order{
		OrderID:      m.nextOrderID(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        fill,
		Status:       OrderNew,
		Kind:         KindMarket,
		StrategyName: req.StrategyName,
		Leverage:     m.leverage,
		Reason:       req.Reason,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	m.orders[order.OrderID] = order
	m.orderLog = append(m.orderLog, order.OrderID)
	m.lastPrice[req.Symbol] = req.Price
	m.publish(events.TopicOrderCreated, m.orderEvent(order))

	legPnL, closedLeg := m.applyLocked(req.Symbol, delta, fill, ts)

	order.Status = OrderFilled
	order.UpdatedAt = ts
	m.publish(events.TopicOrderFilled, m.orderEvent(order))

	row := store.BacktestTradeRow{
		SessionID: m.sessionID,
		OrderID:   order.OrderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     fill,
		Timestamp: ts,
		Reason:    req.Reason,
	}
	if closedLeg {
		pnl := legPnL
		row.RealizedPnL = &pnl
	}
	m.trades = append(m.trades, row)

	m.log.Info().
		Str("order_id", order.OrderID).
		Str("side", req.Side).
		Float64("quantity", req.Quantity).
		Float64("fill_price", fill).
		Float64("realized_pnl", legPnL).
		Msg("order filled")
	return order, nil
}

// applyLocked folds a signed quantity into the symbol's position and
// publishes the matching position event. It returns the realized PnL of
// the close leg and whether one happened.
func (m *OrderManager) applyLocked(symbol string, delta, fill, ts float64) (float64, bool) {
	pos := m.positions[symbol]

	if pos == nil || math.Abs(pos.Quantity) <= qtyEpsilon {
		opened := m.openLocked(symbol, delta, fill)
		m.publish(events.TopicPositionOpened, m.positionEvent(opened, fill, ts, 0))
		return 0, false
	}

	oldQty := pos.Quantity
	newQty := oldQty + delta

	if (oldQty > 0) == (delta > 0) {
		// Same direction: grow the position at a blended entry.
		absOld, absDelta := math.Abs(oldQty), math.Abs(delta)
		pos.AveragePrice = (absOld*pos.AveragePrice + absDelta*fill) / (absOld + absDelta)
		pos.Quantity = newQty
		pos.LiquidationPrice = liquidationPrice(pos.AveragePrice, newQty, pos.Leverage)
		pos.mark(fill)
		m.publish(events.TopicPositionUpdated, m.positionEvent(pos, fill, ts, 0))
		return 0, false
	}

	if math.Abs(newQty) <= qtyEpsilon {
		// Full close.
		pnl := closePnL(oldQty, pos.AveragePrice, fill)
		m.realized += pnl
		delete(m.positions, symbol)
		ev := events.PositionEvent{
			PositionID:   m.positionID(symbol),
			Symbol:       symbol,
			Quantity:     0,
			AveragePrice: pos.AveragePrice,
			CurrentPrice: fill,
			RealizedPnL:  pnl,
			Timestamp:    ts,
		}
		m.publish(events.TopicPositionClosed, ev)
		return pnl, true
	}

	if (oldQty > 0) != (newQty > 0) {
		// Flip: the close leg realizes, the remainder opens opposite.
		pnl := closePnL(oldQty, pos.AveragePrice, fill)
		m.realized += pnl
		ev := events.PositionEvent{
			PositionID:   m.positionID(symbol),
			Symbol:       symbol,
			Quantity:     0,
			AveragePrice: pos.AveragePrice,
			CurrentPrice: fill,
			RealizedPnL:  pnl,
			Timestamp:    ts,
		}
		m.publish(events.TopicPositionClosed, ev)
		opened := m.openLocked(symbol, newQty, fill)
		m.publish(events.TopicPositionOpened, m.positionEvent(opened, fill, ts, 0))
		return pnl, true
	}

	// Partial close: entry price holds, the closed units realize.
	closedQty := math.Abs(delta)
	pnl := closePnL(sign(oldQty)*closedQty, pos.AveragePrice, fill)
	m.realized += pnl
	pos.Quantity = newQty
	pos.mark(fill)
	m.publish(events.TopicPositionUpdated, m.positionEvent(pos, fill, ts, pnl))
	return pnl, true
}

func (m *OrderManager) openLocked(symbol string, qty, fill float64) *Position {
	p := &Position{
		Symbol:           symbol,
		Quantity:         qty,
		AveragePrice:     fill,
		Leverage:         m.leverage,
		LiquidationPrice: liquidationPrice(fill, qty, m.leverage),
	}
	p.mark(fill)
	m.positions[symbol] = p
	return p
}

func (m *OrderManager) fillPrice(side string, price float64) float64 {
	if m.slippagePct <= 0 {
		return price
	}
	switch side {
	case events.SideBuy, events.SideShort:
		return price * (1 + m.slippagePct/100)
	default:
		return price * (1 - m.slippagePct/100)
	}
}

func (m *OrderManager) nextOrderID() string {
	m.idMu.Lock()
	m.orderSeq++
	seq := m.orderSeq
	m.idMu.Unlock()
	return fmt.Sprintf("bt-%s-%d", m.sessionID, seq)
}

func (m *OrderManager) positionID(symbol string) string {
	return m.sessionID + "-" + symbol
}

// MarkPrice records the latest price of a symbol and refreshes the
// unrealized fields of its position.
func (m *OrderManager) MarkPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrice[symbol] = price
	if pos := m.positions[symbol]; pos != nil {
		pos.mark(price)
	}
}

// ClosePosition closes the whole open position of a symbol at the given
// price. It returns (nil, nil) when the symbol is flat.
func (m *OrderManager) ClosePosition(symbol string, price float64, reason string, ts float64) (*Order, error) {
	m.mu.Lock()
	pos := m.positions[symbol]
	if pos == nil || math.Abs(pos.Quantity) <= qtyEpsilon {
		m.mu.Unlock()
		return nil, nil
	}
	side := events.SideSell
	if pos.Quantity < 0 {
		side = events.SideCover
	}
	qty := math.Abs(pos.Quantity)
	m.mu.Unlock()

	return m.SubmitOrder(OrderRequest{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Reason:    reason,
		Timestamp: ts,
	})
}

// Position returns a copy of the open position for a symbol.
func (m *OrderManager) Position(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.positions[symbol]
	if pos == nil {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns copies of every open position, ordered by symbol.
func (m *OrderManager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenPositionCount returns how many symbols hold a position.
func (m *OrderManager) OpenPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// RealizedPnL returns the total realized profit and loss so far.
func (m *OrderManager) RealizedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized
}

// UnrealizedPnL sums the open positions' unrealized PnL at their last
// marked prices.
func (m *OrderManager) UnrealizedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, pos := range m.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// Orders returns copies of every order in submission order.
func (m *OrderManager) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orderLog))
	for _, id := range m.orderLog {
		if o := m.orders[id]; o != nil {
			out = append(out, *o)
		}
	}
	return out
}

// TradeRows returns the persistable trade log.
func (m *OrderManager) TradeRows() []store.BacktestTradeRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.BacktestTradeRow(nil), m.trades...)
}

// SignalCount returns how many signals reached the manager.
func (m *OrderManager) SignalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals
}

func (m *OrderManager) publish(topic events.Topic, payload interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(topic, payload); err != nil {
		m.log.Warn().Err(err).Str("topic", string(topic)).Msg("event dropped")
	}
}

func (m *OrderManager) orderEvent(o *Order) events.OrderEvent {
	return events.OrderEvent{
		OrderID:      o.OrderID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Quantity:     o.Quantity,
		Price:        o.Price,
		Status:       o.Status,
		StrategyName: o.StrategyName,
		Timestamp:    o.UpdatedAt,
	}
}

func (m *OrderManager) positionEvent(p *Position, price, ts, realized float64) events.PositionEvent {
	return events.PositionEvent{
		PositionID:   m.positionID(p.Symbol),
		Symbol:       p.Symbol,
		Quantity:     p.Quantity,
		AveragePrice: p.AveragePrice,
		CurrentPrice: price,
		RealizedPnL:  realized,
		Timestamp:    ts,
	}
}

// signedQuantity folds side onto quantity: BUY and COVER add, SELL and
// SHORT subtract.
func signedQuantity(side string, qty float64) (float64, error) {
	switch side {
	case events.SideBuy, events.SideCover:
		return qty, nil
	case events.SideSell, events.SideShort:
		return -qty, nil
	default:
		return 0, fmt.Errorf("unknown order side %q", side)
	}
}

// closePnL realizes a close leg: (exit - entry) * qty for longs,
// (entry - exit) * qty for shorts. qty carries the sign of the closed
// position.
func closePnL(closedQty, entry, exit float64) float64 {
	if closedQty > 0 {
		return (exit - entry) * closedQty
	}
	return (entry - exit) * -closedQty
}

// liquidationPrice is entry*(1 - 1/leverage) for longs and
// entry*(1 + 1/leverage) for shorts, nil when leverage <= 1.
func liquidationPrice(entry, qty, leverage float64) *float64 {
	if leverage <= 1 {
		return nil
	}
	var p float64
	if qty > 0 {
		p = entry * (1 - 1/leverage)
	} else {
		p = entry * (1 + 1/leverage)
	}
	return &p
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
