package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// PumpMagnitude measures the percentage move of the current price above a
// pre-move baseline: (TWPA_current - TWPA_baseline) / TWPA_baseline * 100.
// The baseline window of length d ends t3-d seconds before evaluation time,
// so t3 >= d keeps it fully in the past.
type PumpMagnitude struct {
	baseAlgorithm
}

// NewPumpMagnitude creates the PUMP_MAGNITUDE_PCT algorithm.
func NewPumpMagnitude() *PumpMagnitude {
	def, min, max := stdRefresh()
	return &PumpMagnitude{baseAlgorithm{
		indicatorType:  "PUMP_MAGNITUDE_PCT",
		name:           "Pump Magnitude",
		description:    "Percent change of current TWPA versus a lagged baseline TWPA",
		category:       CategoryPump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *PumpMagnitude) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Current window length in seconds"},
		{Name: "t3", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window start, seconds before evaluation"},
		{Name: "d", Type: TypeFloat, Default: 30.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window length in seconds"},
	}
}

func (a *PumpMagnitude) WindowSpecs(params Params) []WindowReq {
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 60)
	d := params.Float("d", 30)
	return []WindowReq{
		PriceWindow(t1, 0),
		PriceWindow(t3, t3-d),
	}
}

func (a *PumpMagnitude) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 10))
}

func (a *PumpMagnitude) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 2 {
		return nil
	}
	current := twaOf(ws[0])
	baseline := twaOf(ws[1])
	if current == nil || baseline == nil {
		return nil
	}
	return pctChange(*current, *baseline)
}

// ValidateParams enforces t3 >= d so the baseline window does not cross the
// evaluation timestamp.
func (a *PumpMagnitude) ValidateParams(params Params) error {
	if params.Float("t3", 60) < params.Float("d", 30) {
		return invalidParam("t3", "must be >= d (baseline window would cross evaluation time)")
	}
	return nil
}
