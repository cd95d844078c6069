package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/quantpulse/pkg/store"
	"github.com/quantpulse/quantpulse/pkg/variants"
)

func TestTickRoundTripKeepsOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	n, err := s.InsertTickPrices(ctx, []store.TickRow{
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 30, Price: 105, Volume: 2},
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 0.5, Price: 100, Volume: 1},
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 59.9, Price: 103, Volume: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	points, err := s.GetTickPrices(ctx, "s1", "BTC-USD")
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 0.5, points[0].Timestamp)
	assert.Equal(t, 30.0, points[1].Timestamp)
	assert.Equal(t, 59.9, points[2].Timestamp)

	// Unknown keys read as empty, not as an error.
	empty, err := s.GetTickPrices(ctx, "s1", "ETH-USD")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAggregatedOHLCVFromTicks(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertTickPrices(ctx, []store.TickRow{
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 0.5, Price: 100, Volume: 1},
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 30, Price: 105, Volume: 2},
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 59.9, Price: 103, Volume: 1},
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 60.2, Price: 110, Volume: 3},
	})
	require.NoError(t, err)

	bars, err := s.GetAggregatedOHLCV(ctx, "s1", "BTC-USD", "1m")
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, 0.0, bars[0].Timestamp)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 105.0, bars[0].High)
	assert.Equal(t, 100.0, bars[0].Low)
	assert.Equal(t, 103.0, bars[0].Close)
	assert.Equal(t, 4.0, bars[0].Volume)

	assert.Equal(t, 60.0, bars[1].Timestamp)
	assert.Equal(t, 110.0, bars[1].Open)
	assert.Equal(t, 3.0, bars[1].Volume)
}

func TestResampleMergesSessionsInRange(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertTickPrices(ctx, []store.TickRow{
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 0.5, Price: 100, Volume: 1},
		{SessionID: "s1", Symbol: "BTC-USD", Timestamp: 30, Price: 105, Volume: 2},
		{SessionID: "s2", Symbol: "BTC-USD", Timestamp: 59.9, Price: 103, Volume: 1},
		{SessionID: "s2", Symbol: "ETH-USD", Timestamp: 35, Price: 2000, Volume: 5},
	})
	require.NoError(t, err)

	bars, err := s.GetOHLCVResample(ctx, "BTC-USD", "1m", 10, 70)
	require.NoError(t, err)
	require.Len(t, bars, 1)

	// The tick at 0.5 is out of range; the other symbol never appears.
	assert.Equal(t, 0.0, bars[0].Timestamp)
	assert.Equal(t, 105.0, bars[0].Open)
	assert.Equal(t, 103.0, bars[0].Close)
	assert.Equal(t, 3.0, bars[0].Volume)
}

func TestLatestIndicatorsNewestWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertIndicatorsBatch(ctx, []store.IndicatorRow{
		{Symbol: "BTC-USD", IndicatorID: "var-1", Timestamp: 100, Value: 1.0},
		{Symbol: "BTC-USD", IndicatorID: "var-1", Timestamp: 200, Value: 2.0},
		{Symbol: "BTC-USD", IndicatorID: "var-2", Timestamp: 150, Value: 7.0},
	})
	require.NoError(t, err)

	// A historical backfill must not regress the latest value.
	_, err = s.InsertIndicatorsBatch(ctx, []store.IndicatorRow{
		{Symbol: "BTC-USD", IndicatorID: "var-1", Timestamp: 150, Value: 9.0},
	})
	require.NoError(t, err)

	latest, err := s.GetLatestIndicators(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 2.0, latest["var-1"].Value)
	assert.Equal(t, 200.0, latest["var-1"].Timestamp)
	assert.Equal(t, 7.0, latest["var-2"].Value)

	only, err := s.GetLatestIndicators(ctx, "BTC-USD", "var-2")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, 7.0, only["var-2"].Value)
}

func TestGetIndicatorsRangeAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.InsertIndicatorsBatch(ctx, []store.IndicatorRow{
		{Symbol: "BTC-USD", IndicatorID: "var-1", Timestamp: 100, Value: 1},
		{Symbol: "BTC-USD", IndicatorID: "var-1", Timestamp: 300, Value: 3},
		{Symbol: "BTC-USD", IndicatorID: "var-1", Timestamp: 200, Value: 2},
		{Symbol: "BTC-USD", IndicatorID: "var-2", Timestamp: 250, Value: 9},
	})
	require.NoError(t, err)

	start, end := 150.0, 400.0
	rows, err := s.GetIndicators(ctx, store.IndicatorQuery{
		Symbol:       "BTC-USD",
		IndicatorIDs: []string{"var-1"},
		Start:        &start,
		End:          &end,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 200.0, rows[0].Timestamp)
	assert.Equal(t, 300.0, rows[1].Timestamp)

	limited, err := s.GetIndicators(ctx, store.IndicatorQuery{Symbol: "BTC-USD", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRawSQLUnsupported(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.ExecuteQuery(ctx, "SELECT 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRawSQL))
	assert.True(t, store.IsFatal(err))

	err = s.Execute(ctx, "DELETE FROM indicators")
	assert.True(t, errors.Is(err, ErrRawSQL))
}

func TestVariantCopySemantics(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	v := &variants.Variant{ID: "v1", Name: "fast", BaseIndicatorType: "TWPA", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Insert(ctx, v))

	got, err := s.FindByID(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Mutating the returned copy must not leak into the store.
	got.Name = "mutated"
	again, err := s.FindByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "fast", again.Name)

	ok, err := s.MarkDeleted(ctx, "v1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	gone, err := s.FindByID(ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	ok, err = s.MarkDeleted(ctx, "v1", now)
	require.NoError(t, err)
	assert.False(t, ok, "second delete must report not found")
}

func TestBacktestSessionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	row := &store.BacktestSessionRow{
		SessionID:      "bt-1",
		Symbol:         "BTC-USD",
		StartDate:      now.AddDate(0, 0, -7),
		EndDate:        now,
		InitialBalance: 10000,
		Status:         "RUNNING",
		CreatedAt:      now,
	}
	require.NoError(t, s.InsertBacktestSession(ctx, row))

	pnl := 345.6
	wr := 0.6
	done := now.Add(time.Minute)
	row.Status = "COMPLETED"
	row.ProgressPct = 100
	row.FinalPnL = &pnl
	row.WinRate = &wr
	row.TotalTrades = 10
	row.CompletedAt = &done
	require.NoError(t, s.UpdateBacktestSession(ctx, row))

	got, err := s.GetBacktestSession(ctx, "bt-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "COMPLETED", got.Status)
	require.NotNil(t, got.FinalPnL)
	assert.Equal(t, 345.6, *got.FinalPnL)
	assert.Equal(t, 10, got.TotalTrades)
	require.NotNil(t, got.CompletedAt)

	missing, err := s.GetBacktestSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = s.UpdateBacktestSession(ctx, &store.BacktestSessionRow{SessionID: "nope"})
	assert.Error(t, err)
}

func TestBacktestArtifacts(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertBacktestTrades(ctx, []store.BacktestTradeRow{
		{SessionID: "bt-1", OrderID: "bt-1-1", Symbol: "BTC-USD", Side: "BUY", Quantity: 1, Price: 100, Timestamp: 10},
		{SessionID: "bt-1", OrderID: "bt-1-2", Symbol: "BTC-USD", Side: "SELL", Quantity: 1, Price: 110, Timestamp: 20},
	}))
	require.NoError(t, s.InsertEquityCurve(ctx, []store.EquityPointRow{
		{SessionID: "bt-1", Timestamp: 10, Equity: 10000},
		{SessionID: "bt-1", Timestamp: 20, Equity: 10010},
	}))

	trades := s.BacktestTrades("bt-1")
	require.Len(t, trades, 2)
	assert.Equal(t, "bt-1-2", trades[1].OrderID)

	curve := s.EquityCurve("bt-1")
	require.Len(t, curve, 2)
	assert.Equal(t, 10010.0, curve[1].Equity)
}

func TestStrategyUpsertAndList(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveStrategy(ctx, &store.StrategyRow{
		ID: "st-b", Name: "beta", Config: `{"symbol":"BTC-USD"}`, Enabled: true, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SaveStrategy(ctx, &store.StrategyRow{
		ID: "st-a", Name: "alpha", Config: `{"symbol":"ETH-USD"}`, Enabled: true, CreatedAt: now, UpdatedAt: now,
	}))

	// Same id replaces.
	require.NoError(t, s.SaveStrategy(ctx, &store.StrategyRow{
		ID: "st-b", Name: "beta2", Config: `{"symbol":"BTC-USD"}`, Enabled: false, CreatedAt: now, UpdatedAt: now,
	}))

	got, err := s.GetStrategy(ctx, "st-b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "beta2", got.Name)
	assert.False(t, got.Enabled)

	all, err := s.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "beta2", all[1].Name)
}
