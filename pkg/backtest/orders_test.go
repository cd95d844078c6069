package backtest

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/quantpulse/pkg/events"
)

func newTestOM(t *testing.T, cfg Config) (*OrderManager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})
	om := NewOrderManager("s1", cfg, bus)
	require.NoError(t, om.Start())
	t.Cleanup(om.Stop)
	return om, bus
}

func mustSubmit(t *testing.T, om *OrderManager, side string, qty, price float64) *Order {
	t.Helper()
	order, err := om.SubmitOrder(OrderRequest{
		Symbol: "BTCUSDT", Side: side, Quantity: qty, Price: price, Timestamp: 1000,
	})
	require.NoError(t, err)
	return order
}

type positionEventSink struct {
	mu     sync.Mutex
	events []events.PositionEvent
}

func (s *positionEventSink) handle(_ events.Topic, payload interface{}) {
	ev, ok := payload.(events.PositionEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *positionEventSink) snapshot() []events.PositionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.PositionEvent(nil), s.events...)
}

func TestShortCoverRealizesExactly(t *testing.T) {
	om, bus := newTestOM(t, Config{SlippagePct: 0, Leverage: 1})

	closedSink := &positionEventSink{}
	_, err := bus.Subscribe(events.TopicPositionClosed, closedSink.handle, events.PriorityNormal)
	require.NoError(t, err)

	mustSubmit(t, om, events.SideShort, 10, 100)
	pos, ok := om.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, -10.0, pos.Quantity)
	assert.Equal(t, "SHORT", pos.Side())
	assert.Equal(t, 100.0, pos.AveragePrice)

	mustSubmit(t, om, events.SideCover, 10, 90)
	_, ok = om.Position("BTCUSDT")
	assert.False(t, ok)
	assert.Equal(t, 100.0, om.RealizedPnL())

	require.Eventually(t, func() bool {
		evs := closedSink.snapshot()
		return len(evs) == 1 && evs[0].RealizedPnL == 100.0
	}, 2*time.Second, 5*time.Millisecond, "position_closed must carry exactly 100.0")
}

func TestLongRoundTrip(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})

	first := mustSubmit(t, om, events.SideBuy, 10, 100)
	assert.Equal(t, "bt-s1-1", first.OrderID)
	assert.Equal(t, OrderFilled, first.Status)
	assert.Equal(t, KindMarket, first.Kind)

	second := mustSubmit(t, om, events.SideSell, 10, 110)
	assert.Equal(t, "bt-s1-2", second.OrderID)

	assert.Equal(t, 100.0, om.RealizedPnL())
	assert.Zero(t, om.OpenPositionCount())

	trades := om.TradeRows()
	require.Len(t, trades, 2)
	assert.Nil(t, trades[0].RealizedPnL, "opening trade has no realized pnl")
	require.NotNil(t, trades[1].RealizedPnL)
	assert.Equal(t, 100.0, *trades[1].RealizedPnL)
}

func TestSlippageOnlyWhenPositive(t *testing.T) {
	om, _ := newTestOM(t, Config{SlippagePct: 0.5, Leverage: 1})

	buy := mustSubmit(t, om, events.SideBuy, 1, 100)
	assert.InDelta(t, 100.5, buy.Price, 1e-9)
	sell := mustSubmit(t, om, events.SideSell, 1, 100)
	assert.InDelta(t, 99.5, sell.Price, 1e-9)

	short := mustSubmit(t, om, events.SideShort, 1, 200)
	assert.InDelta(t, 201.0, short.Price, 1e-9)
	cover := mustSubmit(t, om, events.SideCover, 1, 200)
	assert.InDelta(t, 199.0, cover.Price, 1e-9)

	exact, _ := newTestOM(t, Config{SlippagePct: 0, Leverage: 1})
	order := mustSubmit(t, exact, events.SideBuy, 1, 100)
	assert.Equal(t, 100.0, order.Price)
}

func TestAveragePriceBlendsOnIncrease(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})
	mustSubmit(t, om, events.SideBuy, 10, 100)
	mustSubmit(t, om, events.SideBuy, 10, 110)

	pos, ok := om.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 20.0, pos.Quantity)
	assert.InDelta(t, 105.0, pos.AveragePrice, 1e-9)
	assert.Zero(t, om.RealizedPnL(), "increases realize nothing")
}

func TestPartialCloseKeepsEntryPrice(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})
	mustSubmit(t, om, events.SideBuy, 10, 100)
	mustSubmit(t, om, events.SideSell, 4, 110)

	pos, ok := om.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 6.0, pos.Quantity, 1e-9)
	assert.Equal(t, 100.0, pos.AveragePrice)
	assert.InDelta(t, 40.0, om.RealizedPnL(), 1e-9)

	trades := om.TradeRows()
	require.NotNil(t, trades[1].RealizedPnL)
	assert.InDelta(t, 40.0, *trades[1].RealizedPnL, 1e-9)
}

func TestFlipThroughZero(t *testing.T) {
	om, bus := newTestOM(t, Config{Leverage: 1})
	sink := &positionEventSink{}
	_, err := bus.Subscribe(events.TopicPositionClosed, sink.handle, events.PriorityNormal)
	require.NoError(t, err)
	_, err = bus.Subscribe(events.TopicPositionOpened, sink.handle, events.PriorityNormal)
	require.NoError(t, err)

	mustSubmit(t, om, events.SideBuy, 10, 100)
	mustSubmit(t, om, events.SideSell, 15, 110)

	pos, ok := om.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, -5.0, pos.Quantity, 1e-9)
	assert.Equal(t, "SHORT", pos.Side())
	assert.Equal(t, 110.0, pos.AveragePrice, "remainder opens at the fill price")
	assert.InDelta(t, 100.0, om.RealizedPnL(), 1e-9, "close leg realizes before the flip")

	// Two opens and one close cross the flip.
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidCloseDropped(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})

	_, err := om.SubmitOrder(OrderRequest{Symbol: "BTCUSDT", Side: events.SideSell, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrInvalidClose, "SELL with no position")
	_, err = om.SubmitOrder(OrderRequest{Symbol: "BTCUSDT", Side: events.SideCover, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrInvalidClose, "COVER with no position")
	assert.Empty(t, om.Orders(), "dropped orders leave no state")

	mustSubmit(t, om, events.SideBuy, 10, 100)
	_, err = om.SubmitOrder(OrderRequest{Symbol: "BTCUSDT", Side: events.SideCover, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrInvalidClose, "COVER against a long")

	mustSubmit(t, om, events.SideSell, 10, 100)
	mustSubmit(t, om, events.SideShort, 10, 100)
	_, err = om.SubmitOrder(OrderRequest{Symbol: "BTCUSDT", Side: events.SideSell, Quantity: 1, Price: 100})
	assert.ErrorIs(t, err, ErrInvalidClose, "SELL against a short")
}

func TestRejectsUnknownSideAndZeroQuantity(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})
	_, err := om.SubmitOrder(OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Quantity: 1, Price: 100})
	assert.Error(t, err)
	_, err = om.SubmitOrder(OrderRequest{Symbol: "BTCUSDT", Side: events.SideBuy, Quantity: 0, Price: 100})
	assert.Error(t, err)
}

func TestLiquidationPrice(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 10})

	mustSubmit(t, om, events.SideBuy, 1, 100)
	pos, _ := om.Position("BTCUSDT")
	require.NotNil(t, pos.LiquidationPrice)
	assert.InDelta(t, 90.0, *pos.LiquidationPrice, 1e-9)
	mustSubmit(t, om, events.SideSell, 1, 100)

	mustSubmit(t, om, events.SideShort, 1, 100)
	pos, _ = om.Position("BTCUSDT")
	require.NotNil(t, pos.LiquidationPrice)
	assert.InDelta(t, 110.0, *pos.LiquidationPrice, 1e-9)

	plain, _ := newTestOM(t, Config{Leverage: 1})
	mustSubmit(t, plain, events.SideBuy, 1, 100)
	pos, _ = plain.Position("BTCUSDT")
	assert.Nil(t, pos.LiquidationPrice, "no liquidation without leverage")
}

func TestUnrealizedTracksMarkPrice(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})
	mustSubmit(t, om, events.SideBuy, 10, 100)

	om.MarkPrice("BTCUSDT", 105)
	assert.InDelta(t, 50.0, om.UnrealizedPnL(), 1e-9)
	pos, _ := om.Position("BTCUSDT")
	assert.InDelta(t, 5.0, pos.UnrealizedPnLPct, 1e-9)

	om.MarkPrice("BTCUSDT", 95)
	assert.InDelta(t, -50.0, om.UnrealizedPnL(), 1e-9)
}

func TestHandleSignalZeroQuantityClosesWhole(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})
	mustSubmit(t, om, events.SideBuy, 10, 100)

	order, err := om.HandleSignal(events.Signal{
		Symbol: "BTCUSDT", Side: events.SideSell, Quantity: 0, Price: 105, SignalType: events.SignalZE1,
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, order.Quantity)
	assert.InDelta(t, 50.0, om.RealizedPnL(), 1e-9)
	assert.Zero(t, om.OpenPositionCount())
}

func TestHandleSignalPriceFallback(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})

	_, err := om.HandleSignal(events.Signal{Symbol: "BTCUSDT", Side: events.SideBuy, Quantity: 1})
	assert.ErrorIs(t, err, ErrNoReferencePrice)

	om.MarkPrice("BTCUSDT", 123)
	order, err := om.HandleSignal(events.Signal{Symbol: "BTCUSDT", Side: events.SideBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 123.0, order.Price)
}

func TestSignalsReachManagerViaBus(t *testing.T) {
	om, bus := newTestOM(t, Config{Leverage: 1})
	om.MarkPrice("BTCUSDT", 100)

	require.NoError(t, bus.Publish(events.TopicSignalGenerated, events.Signal{
		Symbol: "BTCUSDT", Side: events.SideBuy, Quantity: 2, Price: 100,
	}))
	require.Eventually(t, func() bool {
		pos, ok := om.Position("BTCUSDT")
		return ok && pos.Quantity == 2.0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, om.SignalCount())
}

func TestClosePositionOnFlatIsNoop(t *testing.T) {
	om, _ := newTestOM(t, Config{Leverage: 1})
	order, err := om.ClosePosition("BTCUSDT", 100, "End of backtest", 1000)
	assert.NoError(t, err)
	assert.Nil(t, order)
}

// Position quantity must always equal the signed sum of accepted orders.
func TestQuantitySumProperty(t *testing.T) {
	om, _ := newTestOM(t, Config{SlippagePct: 0.1, Leverage: 1})
	rng := rand.New(rand.NewSource(7))
	sides := []string{events.SideBuy, events.SideSell, events.SideShort, events.SideCover}

	sum := 0.0
	for i := 0; i < 300; i++ {
		side := sides[rng.Intn(len(sides))]
		qty := float64(rng.Intn(20) + 1)
		price := 90 + rng.Float64()*20

		_, err := om.SubmitOrder(OrderRequest{
			Symbol: "BTCUSDT", Side: side, Quantity: qty, Price: price, Timestamp: float64(i),
		})
		if err != nil {
			continue
		}
		if side == events.SideBuy || side == events.SideCover {
			sum += qty
		} else {
			sum -= qty
		}

		got := 0.0
		if pos, ok := om.Position("BTCUSDT"); ok {
			got = pos.Quantity
		}
		require.InDelta(t, sum, got, 1e-6, "after order %d (%s %v)", i, side, qty)
	}

	if math.Abs(sum) > qtyEpsilon {
		pos, ok := om.Position("BTCUSDT")
		require.True(t, ok)
		require.InDelta(t, sum, pos.Quantity, 1e-6)
	}
}
