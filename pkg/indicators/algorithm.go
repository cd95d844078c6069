// Package indicators holds the indicator algorithm library and its
// registry. Every algorithm is pure over (windows, params): the engines
// assemble the requested windows against their history rings and pass them
// in, so no algorithm touches an engine handle, a clock, or storage.
package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// Categories used by the built-in library.
const (
	CategoryPrice     = "price"
	CategoryPump      = "pump_detection"
	CategoryDump      = "dump_detection"
	CategoryLiquidity = "liquidity"
	CategoryTechnical = "technical"
)

// WindowReq pairs a window spec with the series kind the engine must
// assemble it from.
type WindowReq struct {
	Spec windows.WindowSpec
	Kind windows.Kind
}

// PriceWindow is shorthand for a price-series window request.
func PriceWindow(t1, t2 float64) WindowReq {
	return WindowReq{Spec: windows.WindowSpec{T1: t1, T2: t2}, Kind: windows.KindPrice}
}

// VolumeWindow is shorthand for a volume-series window request.
func VolumeWindow(t1, t2 float64) WindowReq {
	return WindowReq{Spec: windows.WindowSpec{T1: t1, T2: t2}, Kind: windows.KindVolume}
}

// BookWindow is shorthand for an orderbook-series window request.
func BookWindow(t1, t2 float64) WindowReq {
	return WindowReq{Spec: windows.WindowSpec{T1: t1, T2: t2}, Kind: windows.KindOrderBook}
}

// Algorithm is the contract every indicator implements. Implementations
// must be stateless: CalculateFromWindows may run concurrently for
// different instances and timestamps.
type Algorithm interface {
	// IndicatorType is the registry key, upper snake case (e.g. "TWPA").
	IndicatorType() string
	Name() string
	Description() string
	Category() string

	// Parameters declares the typed parameter definitions the repository
	// validates variants against.
	Parameters() []ParamDef

	// WindowSpecs resolves the parameter set into the ordered list of
	// windows CalculateFromWindows expects.
	WindowSpecs(params Params) []WindowReq

	// IsTimeDriven reports the scheduling model: time-driven algorithms
	// recompute on the engine tick loop, event-driven ones on every price
	// update.
	IsTimeDriven() bool

	DefaultRefreshInterval() float64
	MinRefreshInterval() float64
	MaxRefreshInterval() float64

	// RefreshInterval picks the instance cadence in seconds: a recognized
	// override key clamped into [min, max], else a cadence derived from
	// the primary window length.
	RefreshInterval(params Params) float64

	// CalculateFromWindows computes the indicator value at the evaluation
	// timestamp the windows were assembled for. A nil result means
	// warm-up or a degenerate input, never an error.
	CalculateFromWindows(ws []windows.DataWindow, params Params) *float64
}

// ParamValidator is an optional interface for cross-parameter constraints
// a single ParamDef cannot express. The repository calls it after per-field
// coercion.
type ParamValidator interface {
	ValidateParams(params Params) error
}

// baseAlgorithm carries the shared metadata every built-in embeds.
type baseAlgorithm struct {
	indicatorType  string
	name           string
	description    string
	category       string
	timeDriven     bool
	defaultRefresh float64
	minRefresh     float64
	maxRefresh     float64
}

func (b baseAlgorithm) IndicatorType() string           { return b.indicatorType }
func (b baseAlgorithm) Name() string                    { return b.name }
func (b baseAlgorithm) Description() string             { return b.description }
func (b baseAlgorithm) Category() string                { return b.category }
func (b baseAlgorithm) IsTimeDriven() bool              { return b.timeDriven }
func (b baseAlgorithm) DefaultRefreshInterval() float64 { return b.defaultRefresh }
func (b baseAlgorithm) MinRefreshInterval() float64     { return b.minRefresh }
func (b baseAlgorithm) MaxRefreshInterval() float64     { return b.maxRefresh }

// refreshFor implements the shared cadence rule against the primary window
// length.
func (b baseAlgorithm) refreshFor(params Params, primaryWindow float64) float64 {
	if override, ok := params.RefreshOverride(); ok {
		return clamp(override, b.minRefresh, b.maxRefresh)
	}
	return clamp(refreshByWindowLength(primaryWindow), b.minRefresh, b.maxRefresh)
}

// refreshByWindowLength maps a window length onto a sensible recompute
// cadence: short windows refresh every second, longer ones back off.
func refreshByWindowLength(length float64) float64 {
	switch {
	case length <= 10:
		return 1
	case length <= 30:
		return 2
	default:
		return 5
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stdRefresh is the default/min/max cadence shared by most built-ins.
func stdRefresh() (float64, float64, float64) { return 1.0, 0.1, 60.0 }

// twaOf is the time-weighted average of a price window.
func twaOf(w windows.DataWindow) *float64 {
	return windows.TimeWeightedAverage(w.Points, w.StartTS, w.EndTS)
}

// pctChange is (current-baseline)/baseline*100, nil when the baseline is
// numerically zero.
func pctChange(current, baseline float64) *float64 {
	if !nonZero(baseline) {
		return nil
	}
	v := (current - baseline) / baseline * 100.0
	return &v
}

const divisionEpsilon = 1e-12

func nonZero(v float64) bool {
	return v > divisionEpsilon || v < -divisionEpsilon
}
