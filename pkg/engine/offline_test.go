package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/quantpulse/pkg/indicators"
	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/store"
	"github.com/quantpulse/quantpulse/pkg/store/memory"
	"github.com/quantpulse/quantpulse/pkg/variants"
)

func testPoints(ts []float64, prices []float64) []marketdata.Point {
	out := make([]marketdata.Point, len(ts))
	for i := range ts {
		out[i] = marketdata.Point{Timestamp: ts[i], Symbol: "BTC-USD", Price: prices[i], Volume: 1}
	}
	return out
}

func newOffline() *Offline {
	reg := indicators.NewRegistry()
	reg.AutoDiscover()
	return NewOffline(memory.New(), nil, reg)
}

func TestCalculateSeriesUniformGrid(t *testing.T) {
	o := newOffline()
	points := testPoints(
		[]float64{0.0, 0.4, 1.7, 2.9, 4.2},
		[]float64{100, 101, 102, 103, 104},
	)

	s, err := o.CalculateSeries(context.Background(), "BTC-USD", "TWPA", "tick", 0,
		indicators.Params{"t1": 3.0, "t2": 0.0}, points)
	require.NoError(t, err)

	// No refresh override: offline series step at exactly one second, so the
	// grid runs 0..4 regardless of where the raw ticks landed.
	require.Len(t, s.Values, 5)
	for i, want := range []float64{0, 1, 2, 3, 4} {
		assert.InDelta(t, want, s.Values[i].Timestamp, 1e-6)
	}
	assert.InDelta(t, 1.0, s.RefreshInterval, 1e-9)
	assert.Equal(t, "TWPA", s.IndicatorType)
	assert.Equal(t, "tick", s.Timeframe)
	assert.False(t, s.Cancelled)

	// Slot 0 sees an empty window (the window end is exclusive); later slots
	// carry duration-weighted averages.
	assert.Nil(t, s.Values[0].Value)
	require.NotNil(t, s.Values[1].Value)
	assert.InDelta(t, 100.6, *s.Values[1].Value, 1e-9)
	require.NotNil(t, s.Values[3].Value)
	assert.InDelta(t, 304.0/3.0, *s.Values[3].Value, 1e-9)
	require.NotNil(t, s.Values[4].Value)
	assert.InDelta(t, 306.4/3.0, *s.Values[4].Value, 1e-9)
}

func TestCalculateSeriesRefreshOverride(t *testing.T) {
	o := newOffline()
	points := testPoints([]float64{0, 1, 2}, []float64{100, 101, 102})

	s, err := o.CalculateSeries(context.Background(), "BTC-USD", "TWPA", "tick", 0,
		indicators.Params{"t1": 2.0, "refresh_interval_seconds": 0.5}, points)
	require.NoError(t, err)

	require.Len(t, s.Values, 5)
	for i, want := range []float64{0, 0.5, 1, 1.5, 2} {
		assert.InDelta(t, want, s.Values[i].Timestamp, 1e-6)
	}
	assert.InDelta(t, 0.5, s.RefreshInterval, 1e-9)
}

func TestCalculateSeriesPeriodCapsInput(t *testing.T) {
	o := newOffline()
	points := testPoints([]float64{0, 10, 20}, []float64{100, 101, 102})

	s, err := o.CalculateSeries(context.Background(), "BTC-USD", "SMA", "tick", 2,
		indicators.Params{"t1": 5.0}, points)
	require.NoError(t, err)

	require.Len(t, s.Values, 11)
	assert.InDelta(t, 10.0, s.Values[0].Timestamp, 1e-6)
	assert.InDelta(t, 20.0, s.Values[10].Timestamp, 1e-6)
}

func TestCalculateSeriesUnknownType(t *testing.T) {
	o := newOffline()
	_, err := o.CalculateSeries(context.Background(), "BTC-USD", "NOPE", "tick", 0, nil,
		testPoints([]float64{0}, []float64{100}))
	assert.ErrorIs(t, err, indicators.ErrUnknownAlgorithm)
}

func TestCalculateSeriesEmptyInput(t *testing.T) {
	o := newOffline()
	_, err := o.CalculateSeries(context.Background(), "BTC-USD", "TWPA", "tick", 0,
		indicators.Params{"t1": 3.0}, nil)
	assert.ErrorIs(t, err, indicators.ErrInsufficientData)
}

func TestCalculateSeriesCancellation(t *testing.T) {
	o := newOffline()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := o.CalculateSeries(ctx, "BTC-USD", "TWPA", "tick", 0,
		indicators.Params{"t1": 3.0}, testPoints([]float64{0, 5}, []float64{100, 101}))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, s, "cancellation returns the partial series")
	assert.True(t, s.Cancelled)
	assert.Empty(t, s.Values)
}

func TestPersistSeriesDropsNilSlots(t *testing.T) {
	st := memory.New()
	o := NewOffline(st, nil, nil)
	ctx := context.Background()

	five, seven := 5.0, 7.0
	s := &Series{
		Symbol: "BTC-USD",
		Values: []SeriesValue{
			{Timestamp: 10, Value: nil},
			{Timestamp: 11, Value: &five},
			{Timestamp: 12, Value: nil},
			{Timestamp: 13, Value: &seven},
		},
	}

	n, err := o.PersistSeries(ctx, "sess-1", "var-1", s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := st.GetIndicators(ctx, store.IndicatorQuery{Symbol: "BTC-USD"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.InDelta(t, 11.0, rows[0].Timestamp, 1e-9)
	assert.InDelta(t, 5.0, rows[0].Value, 1e-9)
	assert.InDelta(t, 13.0, rows[1].Timestamp, 1e-9)

	empty := &Series{Symbol: "BTC-USD", Values: []SeriesValue{{Timestamp: 10}, {Timestamp: 11}}}
	_, err = o.PersistSeries(ctx, "sess-1", "var-1", empty)
	assert.ErrorIs(t, err, indicators.ErrInsufficientData)
}

func TestCalculateVariantSeries(t *testing.T) {
	st := memory.New()
	reg := indicators.NewRegistry()
	reg.AutoDiscover()
	repo := variants.NewRepository(st, reg, nil)
	o := NewOffline(st, repo, reg)
	ctx := context.Background()

	variantID, err := repo.Create(ctx, variants.CreateRequest{
		Name:              "twpa-3s",
		BaseIndicatorType: "TWPA",
		Parameters:        map[string]interface{}{"t1": 3.0, "t2": 0.0},
	})
	require.NoError(t, err)

	ts := []float64{0.0, 0.4, 1.7, 2.9, 4.2}
	prices := []float64{100, 101, 102, 103, 104}
	rows := make([]store.TickRow, len(ts))
	for i := range ts {
		rows[i] = store.TickRow{SessionID: "sess-1", Symbol: "BTC-USD", Timestamp: ts[i], Price: prices[i], Volume: 1}
	}
	_, err = st.InsertTickPrices(ctx, rows)
	require.NoError(t, err)

	s, err := o.CalculateVariantSeries(ctx, "sess-1", variantID, "BTC-USD", 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, s.Values, 5)
	assert.Equal(t, "TWPA", s.IndicatorType)

	// Overrides ride on top of the variant's stored parameters.
	s, err = o.CalculateVariantSeries(ctx, "sess-1", variantID, "BTC-USD", 0, 0,
		map[string]interface{}{"refresh_interval_seconds": 0.5})
	require.NoError(t, err)
	require.Len(t, s.Values, 9)
	assert.InDelta(t, 0.5, s.RefreshInterval, 1e-9)

	// A [start, end] range narrows the input before the grid is laid out.
	s, err = o.CalculateVariantSeries(ctx, "sess-1", variantID, "BTC-USD", 1.0, 3.0, nil)
	require.NoError(t, err)
	require.Len(t, s.Values, 2)
	assert.InDelta(t, 1.7, s.Values[0].Timestamp, 1e-6)
	assert.InDelta(t, 2.7, s.Values[1].Timestamp, 1e-6)

	// Ticks exist but none inside the range: no retry wait, straight to
	// insufficient data.
	_, err = o.CalculateVariantSeries(ctx, "sess-1", variantID, "BTC-USD", 100.0, 200.0, nil)
	assert.ErrorIs(t, err, indicators.ErrInsufficientData)
}

func TestCalculateVariantSeriesUnknownVariant(t *testing.T) {
	st := memory.New()
	repo := variants.NewRepository(st, nil, nil)
	o := NewOffline(st, repo, nil)

	_, err := o.CalculateVariantSeries(context.Background(), "sess-1", "missing", "BTC-USD", 0, 0, nil)
	assert.ErrorIs(t, err, variants.ErrVariantNotFound)
}
