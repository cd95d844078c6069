package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// SMA is the unweighted mean of the prices observed in the window.
// Event-driven: it recomputes on every price update rather than on the
// engine tick loop.
type SMA struct {
	baseAlgorithm
}

// NewSMA creates the SMA algorithm.
func NewSMA() *SMA {
	def, min, max := stdRefresh()
	return &SMA{baseAlgorithm{
		indicatorType:  "SMA",
		name:           "Simple Moving Average",
		description:    "Unweighted mean price over the window",
		category:       CategoryTechnical,
		timeDriven:     false,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *SMA) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Window length in seconds"},
		{Name: "t2", Type: TypeFloat, Default: 0.0, Min: Float64Ptr(0), Max: Float64Ptr(86400),
			Description: "Window end offset in seconds before evaluation time"},
	}
}

func (a *SMA) WindowSpecs(params Params) []WindowReq {
	return []WindowReq{PriceWindow(params.Float("t1", 60), params.Float("t2", 0))}
}

func (a *SMA) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 60))
}

func (a *SMA) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 1 {
		return nil
	}
	w := ws[0]
	return windows.SimpleAverage(w.Points, w.StartTS, w.EndTS)
}

// ValidateParams enforces a positive window length.
func (a *SMA) ValidateParams(params Params) error {
	if params.Float("t1", 60) <= params.Float("t2", 0) {
		return invalidParam("t1", "must be > t2 (window must have positive length)")
	}
	return nil
}
