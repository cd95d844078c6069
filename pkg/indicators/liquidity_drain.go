package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// LiquidityDrain measures how much notional top-of-book liquidity has left
// the market: per snapshot, liquidity = bid_qty*best_bid + ask_qty*best_ask;
// the index is (baseline - current)/baseline * 100, so positive values mean
// liquidity is draining. Malformed snapshots are skipped, never fatal.
type LiquidityDrain struct {
	baseAlgorithm
}

// NewLiquidityDrain creates the LIQUIDITY_DRAIN_INDEX algorithm.
func NewLiquidityDrain() *LiquidityDrain {
	def, min, max := stdRefresh()
	return &LiquidityDrain{baseAlgorithm{
		indicatorType:  "LIQUIDITY_DRAIN_INDEX",
		name:           "Liquidity Drain Index",
		description:    "Percent decline of notional book liquidity versus baseline",
		category:       CategoryLiquidity,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *LiquidityDrain) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Current window length in seconds"},
		{Name: "t3", Type: TypeFloat, Default: 120.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window start, seconds before evaluation"},
		{Name: "d", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window length in seconds"},
	}
}

func (a *LiquidityDrain) WindowSpecs(params Params) []WindowReq {
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 120)
	d := params.Float("d", 60)
	return []WindowReq{
		BookWindow(t1, 0),
		BookWindow(t3, t3-d),
	}
}

func (a *LiquidityDrain) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 10))
}

func (a *LiquidityDrain) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 2 {
		return nil
	}
	current := meanBookLiquidity(ws[0])
	baseline := meanBookLiquidity(ws[1])
	if current == nil || baseline == nil || !nonZero(*baseline) {
		return nil
	}
	v := (*baseline - *current) / *baseline * 100.0
	return &v
}

// ValidateParams enforces t3 >= d.
func (a *LiquidityDrain) ValidateParams(params Params) error {
	if params.Float("t3", 120) < params.Float("d", 60) {
		return invalidParam("t3", "must be >= d (baseline window would cross evaluation time)")
	}
	return nil
}

// meanBookLiquidity averages notional liquidity over the well-formed
// in-range snapshots of a book window. The pre-window anchor snapshot is
// excluded: it exists for duration attribution, not for snapshot means.
func meanBookLiquidity(w windows.DataWindow) *float64 {
	var sum float64
	n := 0
	for _, b := range w.BookPoints {
		if b.TS < w.StartTS || !wellFormedBook(b) {
			continue
		}
		sum += b.BidQty*b.BestBid + b.AskQty*b.BestAsk
		n++
	}
	if n == 0 {
		return nil
	}
	v := sum / float64(n)
	return &v
}

// wellFormedBook filters rows a broken feed can produce: non-positive
// prices or negative quantities.
func wellFormedBook(b windows.BookPoint) bool {
	return b.BestBid > 0 && b.BestAsk > 0 && b.BidQty >= 0 && b.AskQty >= 0
}
