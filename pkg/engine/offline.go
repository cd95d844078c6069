package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/indicators"
	"github.com/quantpulse/quantpulse/pkg/marketdata"
	"github.com/quantpulse/quantpulse/pkg/store"
	"github.com/quantpulse/quantpulse/pkg/variants"
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// gridSlack absorbs float drift when counting slots; the slot timestamps
// themselves are computed by multiplication, not accumulation, so each lands
// within 1e-6s of the exact grid.
const gridSlack = 1e-9

// errNoTicksVisible marks an empty tick read. It is wrapped transient so the
// retry schedule gives a lagging replica time to catch up.
var errNoTicksVisible = errors.New("no ticks visible")

// SeriesValue is one slot of an offline-calculated series. A nil value is a
// warm-up or degenerate slot and is preserved in memory.
type SeriesValue struct {
	Timestamp float64
	Value     *float64
}

/// Series is the result of one offline calculation: values on a uniform grid
// from the first to the last input timestamp, stepped by the refresh
// interval, plus the metadata every slot shares.
type Series struct {
	Symbol          string
	IndicatorType   string
	Timeframe       string
	Params          indicators.Params
	RefreshInterval float64
	Values          []SeriesValue
	Cancelled       bool
}

// Offline recomputes indicator series over historical ticks. It shares the
// window assembly and algorithm library with the streaming engine but runs
// on demand against caller-supplied or store-loaded points.
type Offline struct {
	st       store.TimeSeriesStore
	repo     *variants.Repository
	registry *indicators.Registry
	log      zerolog.Logger
}

// NewOffline creates an offline calculator. The repository may be nil when
// only CalculateSeries over caller-supplied points is needed; a nil registry
// falls back to the built-in library.
func NewOffline(st store.TimeSeriesStore, repo *variants.Repository, registry *indicators.Registry) *Offline {
	if registry == nil {
		registry = indicators.Default()
	}
	return &Offline{
		st:       st,
		repo:     repo,
		registry: registry,
		log:      log.With().Str("component", "offline_engine").Logger(),
	}
}

// CalculateSeries computes an indicator over the supplied points on a
// uniform timestamp grid. Points are normalized and sorted first; when
// period is positive only the trailing period points feed the series. A slot
// that cannot compute stays nil. Cancellation returns the partial series
// built so far together with the context error.
func (o *Offline) CalculateSeries(ctx context.Context, symbol, indicatorType, timeframe string, period int, params indicators.Params, points []marketdata.Point) (*Series, error) {
	algo, ok := o.registry.Get(indicatorType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", indicators.ErrUnknownAlgorithm, indicatorType)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no input points for %s", indicators.ErrInsufficientData, symbol)
	}
	validated, err := variants.ValidateParams(algo, params)
	if err != nil {
		return nil, err
	}

	pts := make([]marketdata.Point, len(points))
	copy(pts, points)
	for i := range pts {
		pts[i].Timestamp = marketdata.NormalizeTimestamp(pts[i].Timestamp)
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp < pts[j].Timestamp })
	if period > 0 && len(pts) > period {
		pts = pts[len(pts)-period:]
	}

	h := &symbolHistory{
		prices:  make([]windows.Point, len(pts)),
		volumes: make([]windows.Point, len(pts)),
	}
	for i, p := range pts {
		h.prices[i] = windows.Point{TS: p.Timestamp, Value: p.Price}
		h.volumes[i] = windows.Point{TS: p.Timestamp, Value: p.Volume}
	}

	refresh := offlineRefresh(algo, validated)
	tStart := pts[0].Timestamp
	tEnd := pts[len(pts)-1].Timestamp
	slots := int(math.Floor((tEnd-tStart)/refresh+gridSlack)) + 1
	reqs := algo.WindowSpecs(validated)

	s := &Series{
		Symbol:          symbol,
		IndicatorType:   algo.IndicatorType(),
		Timeframe:       timeframe,
		Params:          validated,
		RefreshInterval: refresh,
		Values:          make([]SeriesValue, 0, slots),
	}
	for i := 0; i < slots; i++ {
		if err := ctx.Err(); err != nil {
			s.Cancelled = true
			o.log.Warn().
				Str("symbol", symbol).
				Str("indicator_type", s.IndicatorType).
				Int("computed", len(s.Values)).
				Int("total", slots).
				Msg("series calculation cancelled")
			return s, err
		}
		ts := tStart + float64(i)*refresh
		value, cerr := calculate(algo, assembleWindows(h, ts, reqs), validated)
		if cerr != nil {
			o.log.Error().
				Err(cerr).
				Str("symbol", symbol).
				Str("indicator_type", s.IndicatorType).
				Float64("ts", ts).
				Msg("series slot computation failed")
			value = nil
		}
		s.Values = append(s.Values, SeriesValue{Timestamp: ts, Value: value})
	}
	return s, nil
}

// CalculateVariantSeries loads a session's ticks, merges the variant's
// parameters with the overrides, and computes the series over the [start,
// end] range. Zero bounds leave that side open. The tick read retries on
// transient store errors so a replica still applying the write-ahead log
// gets time to expose fresh rows.
func (o *Offline) CalculateVariantSeries(ctx context.Context, sessionID, variantID, symbol string, start, end float64, overrides map[string]interface{}) (*Series, error) {
	if o.repo == nil {
		return nil, errors.New("offline engine has no variant repository")
	}
	v, err := o.repo.Get(ctx, variantID)
	if err != nil {
		return nil, err
	}
	base, err := v.Params()
	if err != nil {
		return nil, fmt.Errorf("variant %s parameters: %w", variantID, err)
	}
	merged := base.Merge(indicators.Params(overrides))

	var ticks []marketdata.Point
	err = store.QueryWithWALRetry(ctx, func(ctx context.Context) error {
		rows, err := o.st.GetTickPrices(ctx, sessionID, symbol)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return store.Transient(fmt.Errorf("%w for %s/%s", errNoTicksVisible, sessionID, symbol))
		}
		ticks = rows
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoTicksVisible) {
			return nil, fmt.Errorf("%w: no ticks for %s/%s", indicators.ErrInsufficientData, sessionID, symbol)
		}
		return nil, fmt.Errorf("loading ticks for %s/%s: %w", sessionID, symbol, err)
	}

	if start > 0 || end > 0 {
		in := ticks[:0]
		for _, p := range ticks {
			ts := marketdata.NormalizeTimestamp(p.Timestamp)
			if start > 0 && ts < start {
				continue
			}
			if end > 0 && ts > end {
				continue
			}
			in = append(in, p)
		}
		ticks = in
		if len(ticks) == 0 {
			return nil, fmt.Errorf("%w: no ticks in range for %s/%s", indicators.ErrInsufficientData, sessionID, symbol)
		}
	}
	return o.CalculateSeries(ctx, symbol, v.BaseIndicatorType, "tick", 0, merged, ticks)
}

// PersistSeries writes the computed slots to the indicator table, dropping
// nil values. The count of rows written comes back; a series with nothing
// computable is an error rather than a silent zero.
func (o *Offline) PersistSeries(ctx context.Context, sessionID, indicatorID string, s *Series) (int, error) {
	rows := make([]store.IndicatorRow, 0, len(s.Values))
	for _, v := range s.Values {
		if v.Value == nil {
			continue
		}
		rows = append(rows, store.IndicatorRow{
			SessionID:   sessionID,
			Symbol:      s.Symbol,
			IndicatorID: indicatorID,
			Timestamp:   v.Timestamp,
			Value:       *v.Value,
		})
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: series for %s/%s holds no computed values", indicators.ErrInsufficientData, s.Symbol, indicatorID)
	}
	n, err := o.st.InsertIndicatorsBatch(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("persist series: %w", err)
	}
	o.log.Debug().
		Str("session_id", sessionID).
		Str("symbol", s.Symbol).
		Str("indicator_id", indicatorID).
		Int("rows", n).
		Int("nil_slots", len(s.Values)-n).
		Msg("series persisted")
	return n, nil
}

// offlineRefresh picks the grid step: an explicit override clamped into the
// algorithm's range, else one second regardless of the streaming default.
func offlineRefresh(algo indicators.Algorithm, params indicators.Params) float64 {
	if override, ok := params.RefreshOverride(); ok {
		if override < algo.MinRefreshInterval() {
			return algo.MinRefreshInterval()
		}
		if override > algo.MaxRefreshInterval() {
			return algo.MaxRefreshInterval()
		}
		return override
	}
	return 1.0
}
