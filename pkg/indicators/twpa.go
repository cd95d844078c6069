package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// TWPA is the time-weighted price average over a single lookback window:
// the integral of the price step function divided by the window length.
type TWPA struct {
	baseAlgorithm
}

// NewTWPA creates the TWPA algorithm.
func NewTWPA() *TWPA {
	def, min, max := stdRefresh()
	return &TWPA{baseAlgorithm{
		indicatorType:  "TWPA",
		name:           "Time-Weighted Price Average",
		description:    "Duration-weighted mean price over a sliding window",
		category:       CategoryPrice,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

// Parameters declares the window bounds: a window of length t1-t2 ending t2
// seconds before evaluation time.
func (a *TWPA) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Window start, seconds before evaluation time"},
		{Name: "t2", Type: TypeFloat, Default: 0.0, Min: Float64Ptr(0), Max: Float64Ptr(86400),
			Description: "Window end, seconds before evaluation time"},
	}
}

func (a *TWPA) WindowSpecs(params Params) []WindowReq {
	return []WindowReq{PriceWindow(params.Float("t1", 60), params.Float("t2", 0))}
}

func (a *TWPA) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 60)-params.Float("t2", 0))
}

func (a *TWPA) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 1 {
		return nil
	}
	return twaOf(ws[0])
}

// ValidateParams requires t1 > t2 so the window has positive length.
func (a *TWPA) ValidateParams(params Params) error {
	if params.Float("t1", 60) <= params.Float("t2", 0) {
		return invalidParam("t1", "must be greater than t2")
	}
	return nil
}
