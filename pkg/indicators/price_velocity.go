package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// PriceVelocity is the rate of price change between the current window and
// a lagged baseline window: percent change divided by the time between the
// two window centers, in %/s.
type PriceVelocity struct {
	baseAlgorithm
}

// NewPriceVelocity creates the PRICE_VELOCITY algorithm.
func NewPriceVelocity() *PriceVelocity {
	def, min, max := stdRefresh()
	return &PriceVelocity{baseAlgorithm{
		indicatorType:  "PRICE_VELOCITY",
		name:           "Price Velocity",
		description:    "Percent price change per second between current and baseline windows",
		category:       CategoryPump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *PriceVelocity) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Current window length in seconds"},
		{Name: "t3", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window start, seconds before evaluation"},
		{Name: "d", Type: TypeFloat, Default: 30.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window length in seconds"},
	}
}

func (a *PriceVelocity) WindowSpecs(params Params) []WindowReq {
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 60)
	d := params.Float("d", 30)
	return []WindowReq{
		PriceWindow(t1, 0),
		PriceWindow(t3, t3-d),
	}
}

func (a *PriceVelocity) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 10))
}

func (a *PriceVelocity) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 2 {
		return nil
	}
	current := twaOf(ws[0])
	baseline := twaOf(ws[1])
	if current == nil || baseline == nil {
		return nil
	}
	change := pctChange(*current, *baseline)
	if change == nil {
		return nil
	}

	// Time between window centers: current is centered t1/2 back, the
	// baseline t3 - d/2 back.
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 60)
	d := params.Float("d", 30)
	timeDiff := (t3 - d/2) - t1/2
	if timeDiff <= 0 {
		return nil
	}
	v := *change / timeDiff
	return &v
}

// ValidateParams enforces t3 >= d and a positive center distance.
func (a *PriceVelocity) ValidateParams(params Params) error {
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 60)
	d := params.Float("d", 30)
	if t3 < d {
		return invalidParam("t3", "must be >= d (baseline window would cross evaluation time)")
	}
	if (t3-d/2)-t1/2 <= 0 {
		return invalidParam("t3", "baseline center must precede current window center")
	}
	return nil
}
