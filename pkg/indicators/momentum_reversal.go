package indicators

import (
	"math"

	"github.com/quantpulse/quantpulse/pkg/windows"
)

// MomentumReversal compares today's momentum against the momentum measured
// t_peak seconds ago: v_current and v_peak are each a percent change of a
// short window versus its own lagged baseline, and the index is
// (v_current - v_peak) / |v_peak| * 100. Strongly negative values mean the
// move that peaked earlier has lost its drive.
type MomentumReversal struct {
	baseAlgorithm
}

// NewMomentumReversal creates the MOMENTUM_REVERSAL_INDEX algorithm.
func NewMomentumReversal() *MomentumReversal {
	def, min, max := stdRefresh()
	return &MomentumReversal{baseAlgorithm{
		indicatorType:  "MOMENTUM_REVERSAL_INDEX",
		name:           "Momentum Reversal Index",
		description:    "Percent decay of current momentum versus peak momentum",
		category:       CategoryDump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

const momentumEpsilon = 1e-3

func (a *MomentumReversal) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Momentum window length in seconds"},
		{Name: "t3", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Momentum baseline start, seconds before its window"},
		{Name: "d", Type: TypeFloat, Default: 30.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Momentum baseline length in seconds"},
		{Name: "t_peak", Type: TypeFloat, Default: 120.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "How many seconds back the peak measurement is taken"},
	}
}

// WindowSpecs lays out four price windows: the current momentum pair, then
// the same pair shifted t_peak seconds into the past.
func (a *MomentumReversal) WindowSpecs(params Params) []WindowReq {
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 60)
	d := params.Float("d", 30)
	tp := params.Float("t_peak", 120)
	return []WindowReq{
		PriceWindow(t1, 0),
		PriceWindow(t3, t3-d),
		PriceWindow(tp+t1, tp),
		PriceWindow(tp+t3, tp+t3-d),
	}
}

func (a *MomentumReversal) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 10))
}

func (a *MomentumReversal) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 4 {
		return nil
	}
	vCurrent := momentumOf(ws[0], ws[1])
	vPeak := momentumOf(ws[2], ws[3])
	if vCurrent == nil || vPeak == nil {
		return nil
	}
	if math.Abs(*vPeak) < momentumEpsilon {
		return nil
	}
	v := (*vCurrent - *vPeak) / math.Abs(*vPeak) * 100.0
	return &v
}

// ValidateParams enforces t3 >= d.
func (a *MomentumReversal) ValidateParams(params Params) error {
	if params.Float("t3", 60) < params.Float("d", 30) {
		return invalidParam("t3", "must be >= d (baseline window would cross its measurement time)")
	}
	return nil
}

// momentumOf is the percent change of a window's TWPA versus its baseline
// window's TWPA.
func momentumOf(current, baseline windows.DataWindow) *float64 {
	c := twaOf(current)
	b := twaOf(baseline)
	if c == nil || b == nil {
		return nil
	}
	return pctChange(*c, *b)
}
