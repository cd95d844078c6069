package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// TWPARatio divides the TWPA of a current window by the TWPA of a baseline
// window. A ratio above 1 means the recent price runs above its baseline.
type TWPARatio struct {
	baseAlgorithm
}

// NewTWPARatio creates the TWPA_RATIO algorithm.
func NewTWPARatio() *TWPARatio {
	def, min, max := stdRefresh()
	return &TWPARatio{baseAlgorithm{
		indicatorType:  "TWPA_RATIO",
		name:           "TWPA Ratio",
		description:    "Ratio of current-window TWPA to baseline-window TWPA",
		category:       CategoryPrice,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *TWPARatio) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Current window start, seconds before evaluation"},
		{Name: "t2", Type: TypeFloat, Default: 0.0, Min: Float64Ptr(0), Max: Float64Ptr(86400),
			Description: "Current window end, seconds before evaluation"},
		{Name: "t3", Type: TypeFloat, Default: 300.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window start, seconds before evaluation"},
		{Name: "t4", Type: TypeFloat, Default: 180.0, Min: Float64Ptr(0), Max: Float64Ptr(86400),
			Description: "Baseline window end, seconds before evaluation"},
	}
}

func (a *TWPARatio) WindowSpecs(params Params) []WindowReq {
	return []WindowReq{
		PriceWindow(params.Float("t1", 60), params.Float("t2", 0)),
		PriceWindow(params.Float("t3", 300), params.Float("t4", 180)),
	}
}

func (a *TWPARatio) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 60)-params.Float("t2", 0))
}

func (a *TWPARatio) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 2 {
		return nil
	}
	current := twaOf(ws[0])
	baseline := twaOf(ws[1])
	if current == nil || baseline == nil || !nonZero(*baseline) {
		return nil
	}
	v := *current / *baseline
	return &v
}

// ValidateParams requires both windows to have positive length.
func (a *TWPARatio) ValidateParams(params Params) error {
	if params.Float("t1", 60) <= params.Float("t2", 0) {
		return invalidParam("t1", "must be greater than t2")
	}
	if params.Float("t3", 300) <= params.Float("t4", 180) {
		return invalidParam("t3", "must be greater than t4")
	}
	return nil
}
