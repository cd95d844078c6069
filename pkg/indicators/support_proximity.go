package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// SupportProximity measures how far the current price sits above the
// pre-pump support level, in percent. The support level is the TWPA of a
// baseline window from before the move; values near zero mean price has
// come all the way back down to it.
type SupportProximity struct {
	baseAlgorithm
}

// NewSupportProximity creates the SUPPORT_LEVEL_PROXIMITY algorithm.
func NewSupportProximity() *SupportProximity {
	def, min, max := stdRefresh()
	return &SupportProximity{baseAlgorithm{
		indicatorType:  "SUPPORT_LEVEL_PROXIMITY",
		name:           "Support Level Proximity",
		description:    "Percent distance of current price above pre-pump support",
		category:       CategoryDump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *SupportProximity) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Current window length in seconds"},
		{Name: "t2", Type: TypeFloat, Default: 0.0, Min: Float64Ptr(0), Max: Float64Ptr(86400),
			Description: "Current window end offset in seconds"},
		{Name: "t3", Type: TypeFloat, Default: 600.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Support window start, seconds before evaluation time"},
		{Name: "t4", Type: TypeFloat, Default: 300.0, Min: Float64Ptr(0), Max: Float64Ptr(86400), Required: true,
			Description: "Support window end, seconds before evaluation time"},
	}
}

func (a *SupportProximity) WindowSpecs(params Params) []WindowReq {
	return []WindowReq{
		PriceWindow(params.Float("t1", 10), params.Float("t2", 0)),
		PriceWindow(params.Float("t3", 600), params.Float("t4", 300)),
	}
}

func (a *SupportProximity) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 10))
}

func (a *SupportProximity) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 2 {
		return nil
	}
	current := twaOf(ws[0])
	support := twaOf(ws[1])
	if current == nil || support == nil {
		return nil
	}
	return pctChange(*current, *support)
}

// ValidateParams enforces positive window lengths.
func (a *SupportProximity) ValidateParams(params Params) error {
	if params.Float("t1", 10) <= params.Float("t2", 0) {
		return invalidParam("t1", "must be > t2 (current window must have positive length)")
	}
	if params.Float("t3", 600) <= params.Float("t4", 300) {
		return invalidParam("t3", "must be > t4 (support window must have positive length)")
	}
	return nil
}
