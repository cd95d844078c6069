package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// BidAskImbalance measures order-book pressure as
// (bid_qty - ask_qty) / (bid_qty + ask_qty) * 100 per snapshot, then
// aggregates the per-snapshot values over the window with the chosen
// smoothing. Positive values mean resting bids outweigh asks.
type BidAskImbalance struct {
	baseAlgorithm
}

// NewBidAskImbalance creates the BID_ASK_IMBALANCE algorithm.
func NewBidAskImbalance() *BidAskImbalance {
	def, min, max := stdRefresh()
	return &BidAskImbalance{baseAlgorithm{
		indicatorType:  "BID_ASK_IMBALANCE",
		name:           "Bid/Ask Imbalance",
		description:    "Smoothed top-of-book quantity imbalance in percent",
		category:       CategoryLiquidity,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *BidAskImbalance) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 5.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Smoothing window length in seconds"},
		{Name: "t2", Type: TypeFloat, Default: 0.0, Min: Float64Ptr(0), Max: Float64Ptr(86400),
			Description: "Window end offset in seconds before evaluation time"},
		{Name: "smoothing", Type: TypeString, Default: "simple",
			AllowedValues: []interface{}{"simple", "time_weighted"},
			Description:   "Aggregation over per-snapshot imbalances"},
	}
}

func (a *BidAskImbalance) WindowSpecs(params Params) []WindowReq {
	return []WindowReq{BookWindow(params.Float("t1", 5), params.Float("t2", 0))}
}

func (a *BidAskImbalance) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 5))
}

func (a *BidAskImbalance) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 1 {
		return nil
	}
	w := ws[0]
	pts := make([]windows.Point, 0, len(w.BookPoints))
	for _, bp := range w.BookPoints {
		if !wellFormedBook(bp) {
			continue
		}
		total := bp.BidQty + bp.AskQty
		if total < divisionEpsilon {
			continue
		}
		imb := (bp.BidQty - bp.AskQty) / total * 100.0
		pts = append(pts, windows.Point{TS: bp.TS, Value: imb})
	}
	if len(pts) == 0 {
		return nil
	}
	if params.Str("smoothing", "simple") == "time_weighted" {
		return windows.TimeWeightedAverage(pts, w.StartTS, w.EndTS)
	}
	return windows.SimpleAverage(pts, w.StartTS, w.EndTS)
}
