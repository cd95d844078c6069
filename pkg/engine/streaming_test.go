package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/quantpulse/pkg/events"
	"github.com/quantpulse/quantpulse/pkg/indicators"
	"github.com/quantpulse/quantpulse/pkg/metrics"
	"github.com/quantpulse/quantpulse/pkg/store/memory"
	"github.com/quantpulse/quantpulse/pkg/variants"
)

type testRig struct {
	eng  *Engine
	repo *variants.Repository
	bus  *events.Bus
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})
	reg := indicators.NewRegistry()
	reg.AutoDiscover()
	repo := variants.NewRepository(memory.New(), reg, bus)
	return &testRig{
		eng:  New(repo, reg, bus, opts...),
		repo: repo,
		bus:  bus,
	}
}

func (r *testRig) createVariant(t *testing.T, indicatorType string, params map[string]interface{}) string {
	t.Helper()
	id, err := r.repo.Create(context.Background(), variants.CreateRequest{
		Name:              "test-" + indicatorType,
		BaseIndicatorType: indicatorType,
		Parameters:        params,
		CreatedBy:         "engine-test",
	})
	require.NoError(t, err)
	return id
}

func TestAddIndicatorDedupesOnVariantAndParams(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0, "t2": 0.0})

	id1, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)
	assert.Equal(t, variantID, id1, "plain bind should reuse the variant id")

	id2, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// An override that normalizes to the stored parameters is the same
	// instance, not a new one.
	id3, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, map[string]interface{}{"t1": 60})
	require.NoError(t, err)
	assert.Equal(t, id1, id3)

	assert.Len(t, rig.eng.ListSessionIndicators("sess-1", "BTC-USD"), 1)
}

func TestAddIndicatorOverridesCoexist(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0})

	plain, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "ETH-USD", variantID, nil)
	require.NoError(t, err)
	tuned, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "ETH-USD", variantID, map[string]interface{}{"t1": 120.0})
	require.NoError(t, err)

	assert.NotEqual(t, plain, tuned)
	assert.Contains(t, tuned, variantID, "override ids keep the variant id prefix")

	infos := rig.eng.ListSessionIndicators("sess-1", "ETH-USD")
	require.Len(t, infos, 2)
	assert.Equal(t, plain, infos[0].ID)
	assert.Equal(t, tuned, infos[1].ID)
}

func TestAddIndicatorUnknownVariant(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.eng.AddIndicatorToSession(context.Background(), "sess-1", "BTC-USD", "missing-variant", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, variants.ErrVariantNotFound)
}

func TestAddIndicatorInvalidOverride(t *testing.T) {
	rig := newTestRig(t)
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0})

	_, err := rig.eng.AddIndicatorToSession(context.Background(), "sess-1", "BTC-USD", variantID, map[string]interface{}{"t1": -5.0})
	require.Error(t, err)
	var invalid *indicators.InvalidParameterError
	assert.ErrorAs(t, err, &invalid)
}

func TestEventDrivenComputePublishesNonNil(t *testing.T) {
	met := metrics.New()
	rig := newTestRig(t, WithMetrics(met))
	ctx := context.Background()
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0, "t2": 0.0})

	indicatorID, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)

	got := make(chan events.IndicatorUpdate, 8)
	_, err = rig.bus.Subscribe(events.TopicIndicatorUpdated, func(_ events.Topic, payload interface{}) {
		if u, ok := payload.(events.IndicatorUpdate); ok {
			got <- u
		}
	}, events.PriorityNormal)
	require.NoError(t, err)

	// First tick is warm-up: the window ends at the evaluation timestamp
	// exclusively, so it sees nothing and publishes nothing.
	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 100, Volume: 1, Timestamp: 10})
	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 102, Volume: 1, Timestamp: 11})
	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 104, Volume: 1, Timestamp: 12})

	first := waitUpdate(t, got)
	assert.Equal(t, indicatorID, first.IndicatorID)
	assert.Equal(t, "BTC-USD", first.Symbol)
	assert.InDelta(t, 100.0, first.Value, 1e-9)
	assert.InDelta(t, 11.0, first.Timestamp, 1e-9)

	second := waitUpdate(t, got)
	assert.InDelta(t, 101.0, second.Value, 1e-9)
	assert.InDelta(t, 12.0, second.Timestamp, 1e-9)

	infos := rig.eng.ListSessionIndicators("sess-1", "BTC-USD")
	require.Len(t, infos, 1)
	require.NotNil(t, infos[0].LastValue)
	assert.InDelta(t, 101.0, *infos[0].LastValue, 1e-9)
	assert.InDelta(t, 12.0, infos[0].LastTimestamp, 1e-9)

	assert.InDelta(t, 3.0, testutil.ToFloat64(met.EngineTicks), 1e-9)
}

func waitUpdate(t *testing.T, ch chan events.IndicatorUpdate) events.IndicatorUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for indicator update")
		return events.IndicatorUpdate{}
	}
}

func TestMillisecondTimestampsNormalized(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0})
	_, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)

	// 1700000000000 ms and 1700000001 s land one second apart after
	// normalization.
	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 100, Volume: 1, Timestamp: 1700000000000})
	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 102, Volume: 1, Timestamp: 1700000001})

	infos := rig.eng.ListSessionIndicators("sess-1", "BTC-USD")
	require.Len(t, infos, 1)
	require.NotNil(t, infos[0].LastValue)
	assert.InDelta(t, 100.0, *infos[0].LastValue, 1e-9)
	assert.InDelta(t, 1700000001.0, infos[0].LastTimestamp, 1e-9)
}

func TestTimeDrivenScheduling(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	now := 1000.0
	rig.eng.now = func() float64 { return now }

	variantID := rig.createVariant(t, "TWPA", map[string]interface{}{
		"t1": 5.0, "t2": 0.0, "refresh_interval_seconds": 1.0,
	})
	indicatorID, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)

	rig.eng.mu.Lock()
	require.Equal(t, 1, rig.eng.timers.Len())
	assert.InDelta(t, now+1.0, rig.eng.timers[0].nextDue, 1e-9)
	rig.eng.mu.Unlock()

	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 100, Volume: 1, Timestamp: now - 3})
	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 102, Volume: 1, Timestamp: now - 2})
	rig.eng.HandlePriceUpdate(events.PriceUpdate{Symbol: "BTC-USD", Price: 104, Volume: 1, Timestamp: now - 1})

	now += 1.0
	rig.eng.mu.Lock()
	rig.eng.runDueLocked(now)
	rig.eng.mu.Unlock()

	infos := rig.eng.ListSessionIndicators("sess-1", "BTC-USD")
	require.Len(t, infos, 1)
	assert.Equal(t, indicatorID, infos[0].ID)
	assert.True(t, infos[0].TimeDriven)
	require.NotNil(t, infos[0].LastValue)
	// Equal one-second segments: plain mean of the three observed prices.
	assert.InDelta(t, 102.0, *infos[0].LastValue, 1e-9)
	assert.InDelta(t, now, infos[0].LastTimestamp, 1e-9)

	rig.eng.mu.Lock()
	assert.InDelta(t, now+1.0, rig.eng.timers[0].nextDue, 1e-9)
	rig.eng.mu.Unlock()
}

func TestTimeDrivenMissedTicksCollapse(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	now := 1000.0
	rig.eng.now = func() float64 { return now }

	variantID := rig.createVariant(t, "TWPA", map[string]interface{}{
		"t1": 5.0, "refresh_interval_seconds": 1.0,
	})
	_, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)

	// Simulate a stalled loop: the entry is 30 ticks overdue. One compute
	// runs and the schedule jumps past now instead of replaying the backlog.
	rig.eng.mu.Lock()
	rig.eng.timers[0].nextDue = now - 30
	rig.eng.runDueLocked(now)
	assert.InDelta(t, now+1.0, rig.eng.timers[0].nextDue, 1e-9)
	rig.eng.mu.Unlock()
}

func TestRemoveIndicatorFromSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	variantID := rig.createVariant(t, "TWPA", map[string]interface{}{"t1": 5.0})

	indicatorID, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)

	require.NoError(t, rig.eng.RemoveIndicatorFromSession("sess-1", "BTC-USD", indicatorID))
	assert.Empty(t, rig.eng.ListSessionIndicators("sess-1", "BTC-USD"))

	rig.eng.mu.Lock()
	assert.Zero(t, rig.eng.timers.Len(), "timer entry should be removed with its indicator")
	rig.eng.mu.Unlock()

	err = rig.eng.RemoveIndicatorFromSession("sess-1", "BTC-USD", indicatorID)
	assert.ErrorIs(t, err, ErrIndicatorNotFound)
}

func TestCleanupDuplicatesKeepsNewest(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0})

	keptID, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)

	// Fabricate the legacy failure mode: an older binding with the same
	// (variant, parameters) key under a different id.
	rig.eng.mu.Lock()
	kept := rig.eng.sessions[sessionKey{"sess-1", "BTC-USD"}][keptID]
	dup := &boundIndicator{
		id:            keptID + "-stale",
		sessionID:     kept.sessionID,
		symbol:        kept.symbol,
		variantID:     kept.variantID,
		indicatorType: kept.indicatorType,
		algo:          kept.algo,
		params:        kept.params,
		paramsKey:     kept.paramsKey,
		reqs:          kept.reqs,
		lookback:      kept.lookback,
		refresh:       kept.refresh,
		createdAt:     kept.createdAt.Add(-time.Minute),
	}
	rig.eng.sessions[sessionKey{"sess-1", "BTC-USD"}][dup.id] = dup
	rig.eng.byEvent["BTC-USD"][dup.id] = dup
	rig.eng.mu.Unlock()

	require.Len(t, rig.eng.ListSessionIndicators("sess-1", "BTC-USD"), 2)
	assert.Equal(t, 1, rig.eng.CleanupDuplicates("sess-1", "BTC-USD"))

	infos := rig.eng.ListSessionIndicators("sess-1", "BTC-USD")
	require.Len(t, infos, 1)
	assert.Equal(t, keptID, infos[0].ID)
	assert.Zero(t, rig.eng.CleanupDuplicates("sess-1", "BTC-USD"))
}

func TestHistoryHorizonTracksWidestLookback(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 100.0})

	wide, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)
	_, err = rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, map[string]interface{}{"t1": 50.0})
	require.NoError(t, err)

	rig.eng.mu.Lock()
	assert.InDelta(t, 200.0, rig.eng.history["BTC-USD"].horizon, 1e-9)
	rig.eng.mu.Unlock()

	require.NoError(t, rig.eng.RemoveIndicatorFromSession("sess-1", "BTC-USD", wide))

	rig.eng.mu.Lock()
	assert.InDelta(t, 100.0, rig.eng.history["BTC-USD"].horizon, 1e-9)
	rig.eng.mu.Unlock()
}

func TestStartLoadsAndRefreshesVariantCache(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	preloaded := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0})

	require.NoError(t, rig.eng.Start(ctx))
	defer rig.eng.Stop()

	assert.Error(t, rig.eng.Start(ctx), "second start must be rejected")

	hasVariant := func(id string) func() bool {
		return func() bool {
			rig.eng.mu.Lock()
			defer rig.eng.mu.Unlock()
			_, ok := rig.eng.variants[id]
			return ok
		}
	}
	assert.True(t, hasVariant(preloaded)(), "variants existing at start are loaded")

	created := rig.createVariant(t, "TWPA", map[string]interface{}{"t1": 30.0})
	require.Eventually(t, hasVariant(created), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rig.repo.Delete(ctx, created))
	require.Eventually(t, func() bool { return !hasVariant(created)() }, 2*time.Second, 10*time.Millisecond)
}

func TestStartStopViaBusDelivery(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	variantID := rig.createVariant(t, "SMA", map[string]interface{}{"t1": 60.0})

	require.NoError(t, rig.eng.Start(ctx))
	_, err := rig.eng.AddIndicatorToSession(ctx, "sess-1", "BTC-USD", variantID, nil)
	require.NoError(t, err)

	require.NoError(t, rig.bus.Publish(events.TopicPriceUpdate, events.PriceUpdate{
		Symbol: "BTC-USD", Price: 100, Volume: 1, Timestamp: 10,
	}))
	require.NoError(t, rig.bus.Publish(events.TopicPriceUpdate, events.PriceUpdate{
		Symbol: "BTC-USD", Price: 104, Volume: 1, Timestamp: 11,
	}))

	require.Eventually(t, func() bool {
		infos := rig.eng.ListSessionIndicators("sess-1", "BTC-USD")
		return len(infos) == 1 && infos[0].LastValue != nil
	}, 2*time.Second, 10*time.Millisecond)

	rig.eng.Stop()
	rig.eng.Stop() // idempotent
}
