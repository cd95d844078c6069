package engine

import (
	"sort"

	"github.com/quantpulse/quantpulse/pkg/indicators"
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// minEvictBatch keeps compaction amortized: the stale prefix must reach this
// size and half the slice before anything is copied.
const minEvictBatch = 64

// symbolHistory holds the rolling price, volume, and orderbook series of one
// symbol, ascending by timestamp. Horizon is the widest lookback any bound
// indicator needs multiplied by the engine's safety factor; a zero horizon
// keeps everything.
type symbolHistory struct {
	prices  []windows.Point
	volumes []windows.Point
	books   []windows.BookPoint
	horizon float64
}

// appendTick records one trade observation on both the price and volume
// series.
func (h *symbolHistory) appendTick(ts, price, volume float64) {
	h.prices = insertPoint(h.prices, windows.Point{TS: ts, Value: price})
	h.volumes = insertPoint(h.volumes, windows.Point{TS: ts, Value: volume})
	if h.horizon > 0 {
		cutoff := ts - h.horizon
		h.prices = evictPoints(h.prices, cutoff)
		h.volumes = evictPoints(h.volumes, cutoff)
	}
}

// appendBook records one top-of-book snapshot.
func (h *symbolHistory) appendBook(p windows.BookPoint) {
	if n := len(h.books); n == 0 || h.books[n-1].TS <= p.TS {
		h.books = append(h.books, p)
	} else {
		i := sort.Search(len(h.books), func(k int) bool { return h.books[k].TS > p.TS })
		h.books = append(h.books, windows.BookPoint{})
		copy(h.books[i+1:], h.books[i:])
		h.books[i] = p
	}
	if h.horizon > 0 {
		h.books = evictBooks(h.books, p.TS-h.horizon)
	}
}

// insertPoint appends in the common in-order case and falls back to a sorted
// insert for late ticks, keeping the series ascending.
func insertPoint(pts []windows.Point, p windows.Point) []windows.Point {
	if n := len(pts); n == 0 || pts[n-1].TS <= p.TS {
		return append(pts, p)
	}
	i := sort.Search(len(pts), func(k int) bool { return pts[k].TS > p.TS })
	pts = append(pts, windows.Point{})
	copy(pts[i+1:], pts[i:])
	pts[i] = p
	return pts
}

// evictPoints drops leading points older than cutoff, keeping the last one
// before it so windows touching the boundary still find their anchor.
// Compaction only runs once the stale prefix dominates the slice.
func evictPoints(pts []windows.Point, cutoff float64) []windows.Point {
	i := sort.Search(len(pts), func(k int) bool { return pts[k].TS >= cutoff })
	if i > 0 {
		i--
	}
	if i < minEvictBatch || i*2 < len(pts) {
		return pts
	}
	return append(pts[:0], pts[i:]...)
}

func evictBooks(pts []windows.BookPoint, cutoff float64) []windows.BookPoint {
	i := sort.Search(len(pts), func(k int) bool { return pts[k].TS >= cutoff })
	if i > 0 {
		i--
	}
	if i < minEvictBatch || i*2 < len(pts) {
		return pts
	}
	return append(pts[:0], pts[i:]...)
}

// assembleWindows resolves each requested window against the matching series.
func assembleWindows(h *symbolHistory, ts float64, reqs []indicators.WindowReq) []windows.DataWindow {
	out := make([]windows.DataWindow, 0, len(reqs))
	for _, req := range reqs {
		switch req.Kind {
		case windows.KindVolume:
			out = append(out, windows.Assemble(h.volumes, ts, req.Spec, req.Kind))
		case windows.KindOrderBook:
			out = append(out, windows.AssembleBook(h.books, ts, req.Spec))
		default:
			out = append(out, windows.Assemble(h.prices, ts, req.Spec, req.Kind))
		}
	}
	return out
}

// maxLookback is the farthest window edge an algorithm's request set reaches
// back from the evaluation timestamp.
func maxLookback(reqs []indicators.WindowReq) float64 {
	var max float64
	for _, req := range reqs {
		if req.Spec.T1 > max {
			max = req.Spec.T1
		}
	}
	return max
}
