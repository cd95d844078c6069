// Package memory implements the store interfaces on in-process maps. It
// backs tests and self-contained backtest runs; nothing survives the
// process. Raw SQL passthrough is not available here.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/store"
	"github.com/quantpulse/quantpulse/pkg/variants"
)

// ErrRawSQL is returned by ExecuteQuery and Execute; the memory adapter
// has no SQL engine behind it.
var ErrRawSQL = errors.New("memory store does not support raw sql")

type tickKey struct {
	sessionID string
	symbol    string
}

// Store keeps everything under one mutex. Reads return copies so
// callers can never alias internal state.
type Store struct {
	mu sync.RWMutex

	ticks      map[tickKey][]store.TickRow
	bars       map[tickKey]map[string][]marketdata.Candle
	indicators map[string][]store.IndicatorRow
	latest     map[string]map[string]store.LatestValue

	variants   map[string]*variants.Variant
	sessions   map[string]*store.BacktestSessionRow
	trades     map[string][]store.BacktestTradeRow
	equity     map[string][]store.EquityPointRow
	strategies map[string]*store.StrategyRow
}

var _ store.Store = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{
		ticks:      make(map[tickKey][]store.TickRow),
		bars:       make(map[tickKey]map[string][]marketdata.Candle),
		indicators: make(map[string][]store.IndicatorRow),
		latest:     make(map[string]map[string]store.LatestValue),
		variants:   make(map[string]*variants.Variant),
		sessions:   make(map[string]*store.BacktestSessionRow),
		trades:     make(map[string][]store.BacktestTradeRow),
		equity:     make(map[string][]store.EquityPointRow),
		strategies: make(map[string]*store.StrategyRow),
	}
}

func (s *Store) Initialize(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// --- Time series ---

// InsertTickPrices appends ticks, keeping each series sorted.
func (s *Store) InsertTickPrices(ctx context.Context, rows []store.TickRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := map[tickKey]struct{}{}
	for _, r := range rows {
		k := tickKey{r.SessionID, r.Symbol}
		s.ticks[k] = append(s.ticks[k], r)
		touched[k] = struct{}{}
	}
	for k := range touched {
		series := s.ticks[k]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Timestamp < series[j].Timestamp
		})
	}
	return len(rows), nil
}

// SeedAggregatedOHLCV installs pre-aggregated bars for a key, for tests
// that exercise the aggregated read path directly.
func (s *Store) SeedAggregatedOHLCV(sessionID, symbol, interval string, bars []marketdata.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tickKey{sessionID, symbol}
	if s.bars[k] == nil {
		s.bars[k] = make(map[string][]marketdata.Candle)
	}
	s.bars[k][interval] = append([]marketdata.Candle(nil), bars...)
}

func (s *Store) GetTickPrices(ctx context.Context, sessionID, symbol string) ([]marketdata.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.ticks[tickKey{sessionID, symbol}]
	out := make([]marketdata.Point, 0, len(series))
	for _, r := range series {
		out = append(out, marketdata.Point{
			Timestamp: r.Timestamp,
			Symbol:    r.Symbol,
			Price:     r.Price,
			Volume:    r.Volume,
		})
	}
	return out, nil
}

func (s *Store) GetAggregatedOHLCV(ctx context.Context, sessionID, symbol, interval string) ([]marketdata.Candle, error) {
	bar, err := marketdata.ParseTimeframe(interval)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := tickKey{sessionID, symbol}
	if seeded := s.bars[k][interval]; len(seeded) > 0 {
		return append([]marketdata.Candle(nil), seeded...), nil
	}
	points, _ := s.tickPointsLocked(k, nil, nil)
	return marketdata.Resample(points, bar), nil
}

func (s *Store) GetOHLCVResample(ctx context.Context, symbol, interval string, start, end float64) ([]marketdata.Candle, error) {
	bar, err := marketdata.ParseTimeframe(interval)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var points []marketdata.Point
	for k := range s.ticks {
		if k.symbol != symbol {
			continue
		}
		p, _ := s.tickPointsLocked(k, &start, &end)
		points = append(points, p...)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})
	return marketdata.Resample(points, bar), nil
}

func (s *Store) tickPointsLocked(k tickKey, start, end *float64) ([]marketdata.Point, error) {
	series := s.ticks[k]
	out := make([]marketdata.Point, 0, len(series))
	for _, r := range series {
		if start != nil && r.Timestamp < *start {
			continue
		}
		if end != nil && r.Timestamp > *end {
			continue
		}
		out = append(out, marketdata.Point{
			Timestamp: r.Timestamp,
			Symbol:    r.Symbol,
			Price:     r.Price,
			Volume:    r.Volume,
		})
	}
	return out, nil
}

func (s *Store) GetLatestIndicators(ctx context.Context, symbol string, indicatorIDs ...string) (map[string]store.LatestValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySymbol := s.latest[symbol]
	out := make(map[string]store.LatestValue)
	if len(indicatorIDs) == 0 {
		for id, lv := range bySymbol {
			out[id] = lv
		}
		return out, nil
	}
	for _, id := range indicatorIDs {
		if lv, ok := bySymbol[id]; ok {
			out[id] = lv
		}
	}
	return out, nil
}

func (s *Store) GetIndicators(ctx context.Context, q store.IndicatorQuery) ([]store.IndicatorRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := map[string]bool{}
	for _, id := range q.IndicatorIDs {
		want[id] = true
	}
	var out []store.IndicatorRow
	for _, r := range s.indicators[q.Symbol] {
		if len(want) > 0 && !want[r.IndicatorID] {
			continue
		}
		if q.Start != nil && r.Timestamp < *q.Start {
			continue
		}
		if q.End != nil && r.Timestamp > *q.End {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) InsertIndicatorsBatch(ctx context.Context, rows []store.IndicatorRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.indicators[r.Symbol] = append(s.indicators[r.Symbol], r)
		bySymbol := s.latest[r.Symbol]
		if bySymbol == nil {
			bySymbol = make(map[string]store.LatestValue)
			s.latest[r.Symbol] = bySymbol
		}
		if cur, ok := bySymbol[r.IndicatorID]; !ok || r.Timestamp >= cur.Timestamp {
			bySymbol[r.IndicatorID] = store.LatestValue{Value: r.Value, Timestamp: r.Timestamp}
		}
	}
	return len(rows), nil
}

func (s *Store) ExecuteQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, store.Fatal(ErrRawSQL)
}

func (s *Store) Execute(ctx context.Context, query string, args ...interface{}) error {
	return store.Fatal(ErrRawSQL)
}

// --- Variants ---

func (s *Store) Insert(ctx context.Context, v *variants.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.variants[v.ID] = &cp
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*variants.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	if !ok || v.IsDeleted {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *Store) Find(ctx context.Context, f variants.Filter) ([]*variants.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*variants.Variant
	for _, v := range s.variants {
		if v.IsDeleted || !matchesFilter(v, f) {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func matchesFilter(v *variants.Variant, f variants.Filter) bool {
	if f.VariantType != "" && v.VariantType != f.VariantType {
		return false
	}
	if f.BaseIndicatorType != "" && v.BaseIndicatorType != f.BaseIndicatorType {
		return false
	}
	if f.Scope != "" && v.Scope != f.Scope {
		return false
	}
	if f.UserID != "" {
		if f.IncludeGlobal {
			return v.UserID == f.UserID || v.Scope == variants.ScopeGlobal
		}
		return v.UserID == f.UserID
	}
	return true
}

func (s *Store) Update(ctx context.Context, v *variants.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.variants[v.ID]
	if !ok || cur.IsDeleted {
		return variants.ErrVariantNotFound
	}
	cp := *v
	s.variants[v.ID] = &cp
	return nil
}

func (s *Store) MarkDeleted(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok || v.IsDeleted {
		return false, nil
	}
	v.IsDeleted = true
	t := at
	v.DeletedAt = &t
	v.UpdatedAt = at
	return true, nil
}

// --- Backtests ---

func (s *Store) InsertBacktestSession(ctx context.Context, row *store.BacktestSessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.sessions[row.SessionID] = &cp
	return nil
}

func (s *Store) UpdateBacktestSession(ctx context.Context, row *store.BacktestSessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[row.SessionID]
	if !ok {
		return errors.New("backtest session " + row.SessionID + " not found")
	}
	cur.Status = row.Status
	cur.ProgressPct = row.ProgressPct
	cur.CurrentTimestamp = row.CurrentTimestamp
	cur.FinalPnL = copyFloat(row.FinalPnL)
	cur.TotalTrades = row.TotalTrades
	cur.WinRate = copyFloat(row.WinRate)
	cur.ErrorMessage = row.ErrorMessage
	if row.CompletedAt != nil {
		t := *row.CompletedAt
		cur.CompletedAt = &t
	}
	return nil
}

func (s *Store) GetBacktestSession(ctx context.Context, sessionID string) (*store.BacktestSessionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *row
	cp.FinalPnL = copyFloat(row.FinalPnL)
	cp.WinRate = copyFloat(row.WinRate)
	if row.CompletedAt != nil {
		t := *row.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp, nil
}

func (s *Store) InsertBacktestTrades(ctx context.Context, rows []store.BacktestTradeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.trades[r.SessionID] = append(s.trades[r.SessionID], r)
	}
	return nil
}

func (s *Store) InsertEquityCurve(ctx context.Context, rows []store.EquityPointRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.equity[r.SessionID] = append(s.equity[r.SessionID], r)
	}
	return nil
}

// BacktestTrades returns the stored trade log of a run; test helper.
func (s *Store) BacktestTrades(sessionID string) []store.BacktestTradeRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.BacktestTradeRow(nil), s.trades[sessionID]...)
}

// EquityCurve returns the stored equity points of a run; test helper.
func (s *Store) EquityCurve(sessionID string) []store.EquityPointRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.EquityPointRow(nil), s.equity[sessionID]...)
}

// --- Strategies ---

func (s *Store) SaveStrategy(ctx context.Context, row *store.StrategyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.strategies[row.ID] = &cp
	return nil
}

func (s *Store) GetStrategy(ctx context.Context, id string) (*store.StrategyRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.strategies[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *Store) ListStrategies(ctx context.Context) ([]*store.StrategyRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.StrategyRow, 0, len(s.strategies))
	for _, row := range s.strategies {
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
