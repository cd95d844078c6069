package indicators

import (
	"math"

	"github.com/quantpulse/quantpulse/pkg/windows"
)

// DumpExhaustion scores how spent a dump is, 0..100. Four weighted
// sub-scores, each granted in full, in half, or not at all against its
// threshold:
//
//	velocity stabilization  30  |velocity| back below calm threshold
//	volume normalization    25  surge ratio back toward baseline
//	retracement depth       25  drop from peak_price deep enough to be mature
//	bid/ask neutralization  20  top-of-book pressure balanced again
//
// peak_price and current_price come from the caller's dump context, not
// from the windows. A high score means the selling has run its course.
type DumpExhaustion struct {
	baseAlgorithm
}

// NewDumpExhaustion creates the DUMP_EXHAUSTION_SCORE algorithm.
func NewDumpExhaustion() *DumpExhaustion {
	def, min, max := stdRefresh()
	return &DumpExhaustion{baseAlgorithm{
		indicatorType:  "DUMP_EXHAUSTION_SCORE",
		name:           "Dump Exhaustion Score",
		description:    "Composite 0-100 score of dump exhaustion signals",
		category:       CategoryDump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

// Sub-score weights.
const (
	exhaustionVelocityPoints = 30.0
	exhaustionVolumePoints   = 25.0
	exhaustionRetracePoints  = 25.0
	exhaustionBookPoints     = 20.0
)

func (a *DumpExhaustion) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "peak_price", Type: TypeFloat, Min: Float64Ptr(0), Required: true,
			Description: "Price at the peak the dump fell from"},
		{Name: "current_price", Type: TypeFloat, Min: Float64Ptr(0), Required: true,
			Description: "Latest observed price"},
		{Name: "t1", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Current measurement window length in seconds"},
		{Name: "t3", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline start, seconds before its window"},
		{Name: "d", Type: TypeFloat, Default: 30.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window length in seconds"},
		{Name: "velocity_calm_threshold", Type: TypeFloat, Default: 0.05, Min: Float64Ptr(0),
			Description: "Abs velocity in pct/sec under which price counts as calm"},
		{Name: "volume_normal_ratio", Type: TypeFloat, Default: 1.5, Min: Float64Ptr(0),
			Description: "Surge ratio at or under which volume counts as normalized"},
		{Name: "retracement_full_pct", Type: TypeFloat, Default: 8.0, Min: Float64Ptr(0),
			Description: "Drop from peak in percent granting the full retracement score"},
		{Name: "imbalance_neutral_threshold", Type: TypeFloat, Default: 15.0, Min: Float64Ptr(0),
			Description: "Abs book imbalance in percent under which the book counts as neutral"},
	}
}

func (a *DumpExhaustion) WindowSpecs(params Params) []WindowReq {
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 60)
	d := params.Float("d", 30)
	return []WindowReq{
		PriceWindow(t1, 0),
		PriceWindow(t3, t3-d),
		VolumeWindow(t1, 0),
		VolumeWindow(t3, t3-d),
		BookWindow(t1, 0),
	}
}

func (a *DumpExhaustion) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 10))
}

func (a *DumpExhaustion) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 5 {
		return nil
	}
	peak := params.Float("peak_price", 0)
	current := params.Float("current_price", 0)
	if peak <= 0 || current <= 0 {
		return nil
	}

	velocity := dumpVelocity(ws[0], ws[1], params)
	ratio := dumpVolumeRatio(ws[2], ws[3])
	imbalance := dumpBookImbalance(ws[4])
	if velocity == nil && ratio == nil && imbalance == nil {
		// No market data behind any window yet.
		return nil
	}

	score := 0.0
	if velocity != nil {
		calm := params.Float("velocity_calm_threshold", 0.05)
		score += grant(math.Abs(*velocity) <= calm, math.Abs(*velocity) <= 2*calm, exhaustionVelocityPoints)
	}
	if ratio != nil {
		normal := params.Float("volume_normal_ratio", 1.5)
		score += grant(*ratio <= normal, *ratio <= 2*normal, exhaustionVolumePoints)
	}
	dropPct := (peak - current) / peak * 100.0
	full := params.Float("retracement_full_pct", 8.0)
	score += grant(dropPct >= full, dropPct >= full/2, exhaustionRetracePoints)
	if imbalance != nil {
		neutral := params.Float("imbalance_neutral_threshold", 15.0)
		score += grant(math.Abs(*imbalance) <= neutral, math.Abs(*imbalance) <= 2*neutral, exhaustionBookPoints)
	}
	return &score
}

// ValidateParams enforces t3 >= d and positive prices.
func (a *DumpExhaustion) ValidateParams(params Params) error {
	if params.Float("t3", 60) < params.Float("d", 30) {
		return invalidParam("t3", "must be >= d (baseline window would cross its measurement time)")
	}
	if params.Float("peak_price", 0) <= 0 {
		return invalidParam("peak_price", "must be > 0")
	}
	if params.Float("current_price", 0) <= 0 {
		return invalidParam("current_price", "must be > 0")
	}
	return nil
}

// grant returns the full weight, half of it, or zero.
func grant(full, half bool, points float64) float64 {
	switch {
	case full:
		return points
	case half:
		return points / 2
	default:
		return 0
	}
}

func dumpVelocity(current, baseline windows.DataWindow, params Params) *float64 {
	c := twaOf(current)
	b := twaOf(baseline)
	if c == nil || b == nil {
		return nil
	}
	pct := pctChange(*c, *b)
	if pct == nil {
		return nil
	}
	t1 := params.Float("t1", 10)
	t3 := params.Float("t3", 60)
	d := params.Float("d", 30)
	timeDiff := (t3 - d/2) - t1/2
	if timeDiff <= 0 {
		return nil
	}
	v := *pct / timeDiff
	return &v
}

func dumpVolumeRatio(current, baseline windows.DataWindow) *float64 {
	cur := windows.VolumeAverage(current.Points, current.StartTS, current.EndTS)
	med := windows.VolumeMedian(baseline.Points, baseline.StartTS, baseline.EndTS)
	if cur == nil || med == nil || *med < divisionEpsilon {
		return nil
	}
	v := *cur / *med
	return &v
}

func dumpBookImbalance(w windows.DataWindow) *float64 {
	var sum float64
	n := 0
	for _, bp := range w.BookPoints {
		if bp.TS < w.StartTS || !wellFormedBook(bp) {
			continue
		}
		total := bp.BidQty + bp.AskQty
		if total < divisionEpsilon {
			continue
		}
		sum += (bp.BidQty - bp.AskQty) / total * 100.0
		n++
	}
	if n == 0 {
		return nil
	}
	v := sum / float64(n)
	return &v
}
