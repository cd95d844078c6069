package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/store"
	"github.com/quantpulse/quantpulse/pkg/store/memory"
)

func newTestManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})
	return NewManager(bus), bus
}

type signalSink struct {
	mu      sync.Mutex
	signals []events.Signal
}

func (s *signalSink) handle(_ events.Topic, payload interface{}) {
	sig, ok := payload.(events.Signal)
	if !ok {
		return
	}
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	s.mu.Unlock()
}

func (s *signalSink) wait(t *testing.T, n int) []events.Signal {
	t.Helper()
	var out []events.Signal
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.signals) < n {
			return false
		}
		out = append([]events.Signal(nil), s.signals...)
		return true
	}, 2*time.Second, 5*time.Millisecond, "expected %d signals", n)
	return out
}

func TestManagerAddRejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Add(testConfig()))
	err := m.Add(testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestManagerAddRejectsInvalidConfig(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := testConfig()
	cfg.Symbol = ""
	assert.Error(t, m.Add(cfg))
}

func TestManagerEnableDisable(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Add(testConfig()))

	inst, ok := m.Get("pump-follow")
	require.True(t, ok)
	assert.Equal(t, StateIdle, inst.State())

	require.NoError(t, m.Enable("pump-follow"))
	assert.Equal(t, StateMonitoring, inst.State())

	require.NoError(t, m.Disable("pump-follow"))
	assert.Equal(t, StateIdle, inst.State())

	assert.Error(t, m.Enable("missing"))
	assert.Error(t, m.Disable("missing"))
}

func TestManagerStatusesSortedByName(t *testing.T) {
	m, _ := newTestManager(t)
	a := testConfig()
	a.StrategyName = "zeta"
	b := testConfig()
	b.StrategyName = "alpha"
	b.Enabled = true
	require.NoError(t, m.Load([]Config{a, b}))

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "alpha", statuses[0].StrategyName)
	assert.Equal(t, "monitoring", statuses[0].StateName)
	assert.Equal(t, "zeta", statuses[1].StrategyName)
	assert.Equal(t, "idle", statuses[1].StateName)
	assert.Equal(t, 10.0, statuses[0].PositionPct)
}

func TestManagerStampsAndPublishesSignals(t *testing.T) {
	m, bus := newTestManager(t)
	cfg := testConfig()
	cfg.Enabled = true
	require.NoError(t, m.Add(cfg))

	sink := &signalSink{}
	_, err := bus.Subscribe(events.TopicSignalGenerated, sink.handle, events.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, m.Start())
	defer m.Stop()

	// Sync delivery pins the price before the indicator update lands.
	require.NoError(t, bus.PublishSync(events.TopicPriceUpdate, events.PriceUpdate{
		Symbol: "BTCUSDT", Price: 50123.5, Volume: 2, Timestamp: 1000,
	}))
	require.NoError(t, bus.Publish(events.TopicIndicatorUpdated, events.IndicatorUpdate{
		IndicatorID: "pump-1m", Symbol: "BTCUSDT", Value: 10, Timestamp: 1001,
	}))

	signals := sink.wait(t, 1)
	sig := signals[0]
	assert.Equal(t, events.SignalS1, sig.SignalType)
	assert.Equal(t, events.SideBuy, sig.Side)
	assert.Equal(t, 50123.5, sig.Price, "last seen price is stamped on")
	assert.Equal(t, 1001.0, sig.Timestamp)
	assert.Equal(t, 10.0, sig.Quantity)

	inst, _ := m.Get("pump-follow")
	require.Eventually(t, func() bool {
		return inst.State() == StateSignalDetected
	}, time.Second, 5*time.Millisecond)
}

func TestManagerIgnoresOtherSymbols(t *testing.T) {
	m, bus := newTestManager(t)
	cfg := testConfig()
	cfg.Enabled = true
	require.NoError(t, m.Add(cfg))
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, bus.Publish(events.TopicIndicatorUpdated, events.IndicatorUpdate{
		IndicatorID: "pump-1m", Symbol: "ETHUSDT", Value: 10, Timestamp: 1001,
	}))

	inst, _ := m.Get("pump-follow")
	assert.Never(t, func() bool {
		return inst.State() != StateMonitoring
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestManagerCompletesCloseOnPositionClosed(t *testing.T) {
	m, bus := newTestManager(t)
	cfg := testConfig()
	cfg.Enabled = true
	require.NoError(t, m.Add(cfg))
	require.NoError(t, m.Start())
	defer m.Stop()

	inst, _ := m.Get("pump-follow")
	require.NotNil(t, inst.Update("pump-1m", 10))
	require.Nil(t, inst.Update("volsurge-1m", 4))
	require.NotNil(t, inst.Update("pump-1m", 0.5))
	require.Equal(t, StateClosing, inst.State())

	require.NoError(t, bus.Publish(events.TopicPositionClosed, events.PositionEvent{
		PositionID: "BTCUSDT", Symbol: "BTCUSDT", Quantity: 0, Timestamp: 1002,
	}))
	require.Eventually(t, func() bool {
		return inst.State() == StateMonitoring
	}, time.Second, 5*time.Millisecond)
}

func TestManagerStartTwice(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Start())
	defer m.Stop()
	assert.Error(t, m.Start())
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	m, _ := newTestManager(t)
	cfg := testConfig()
	cfg.Enabled = true
	require.NoError(t, m.Add(cfg))
	other := testConfig()
	other.StrategyName = "ratio-watch"
	other.Symbol = "ETHUSDT"
	require.NoError(t, m.Add(other))
	require.NoError(t, m.SaveTo(ctx, st))

	fresh := NewManager(nil)
	n, err := fresh.LoadFrom(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	inst, ok := fresh.Get("pump-follow")
	require.True(t, ok)
	// Enabled state round-trips through the store.
	assert.Equal(t, StateMonitoring, inst.State())
	got := inst.Config()
	assert.Equal(t, "BTCUSDT", got.Symbol)
	require.Len(t, got.SignalDetection.Conditions, 1)
	assert.Equal(t, 8.0, got.SignalDetection.Conditions[0].Value)

	idle, ok := fresh.Get("ratio-watch")
	require.True(t, ok)
	assert.Equal(t, StateIdle, idle.State())
}

func TestManagerLoadFromSkipsBadRows(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.SaveStrategy(ctx, &store.StrategyRow{
		ID: "broken", Name: "broken", Config: "{not json", Enabled: true,
	}))

	m, _ := newTestManager(t)
	n, err := m.LoadFrom(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, n)
}
