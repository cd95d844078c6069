// Package windows provides sliding time-window primitives and pure math
// kernels over ordered (timestamp, value) series. All timestamps are seconds
// as float64; all series are ascending by timestamp.
package windows

// Kind labels what kind of series a DataWindow carries.
type Kind int

const (
	KindPrice Kind = iota
	KindVolume
	KindOrderBook
)

func (k Kind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindVolume:
		return "volume"
	case KindOrderBook:
		return "orderbook"
	default:
		return "unknown"
	}
}

// Point is one observation in a series.
type Point struct {
	TS    float64
	Value float64
}

// BookPoint is one top-of-book snapshot.
type BookPoint struct {
	TS      float64
	BestBid float64
	BestAsk float64
	BidQty  float64
	AskQty  float64
}

// WindowSpec declares a lookback window relative to the evaluation timestamp:
// a window of length T1-T2 ending T2 seconds before evaluation time.
// {60, 0} is "the last 60 seconds"; {300, 240} is "the minute ending 4
// minutes ago".
type WindowSpec struct {
	T1 float64
	T2 float64
}

// Length returns the window length in seconds.
func (s WindowSpec) Length() float64 {
	return s.T1 - s.T2
}

// Bounds resolves the window against an evaluation timestamp.
func (s WindowSpec) Bounds(targetTS float64) (start, end float64) {
	return targetTS - s.T1, targetTS - s.T2
}

// DataWindow is an immutable slice of a series covering [StartTS, EndTS].
// Points holds price/volume observations; BookPoints holds orderbook
// snapshots when Kind is KindOrderBook. When available, Points (or
// BookPoints) includes exactly one observation at or before StartTS so that
// time-weighted calculations can attribute duration to the first in-window
// value.
type DataWindow struct {
	Points     []Point
	BookPoints []BookPoint
	StartTS    float64
	EndTS      float64
	Kind       Kind
}

// Empty reports whether the window holds no observations of its kind.
func (w DataWindow) Empty() bool {
	if w.Kind == KindOrderBook {
		return len(w.BookPoints) == 0
	}
	return len(w.Points) == 0
}

// Assemble cuts one window out of a sorted history. It selects every point in
// [start, end) and prepends the last point before start when one exists, so
// the first in-window interval has a value to attribute its duration to.
func Assemble(history []Point, targetTS float64, spec WindowSpec, kind Kind) DataWindow {
	start, end := spec.Bounds(targetTS)
	w := DataWindow{StartTS: start, EndTS: end, Kind: kind}

	anchor := -1
	for i, p := range history {
		if p.TS < start {
			anchor = i
			continue
		}
		if p.TS >= end {
			break
		}
		if anchor >= 0 {
			w.Points = append(w.Points, history[anchor])
			anchor = -1
		}
		w.Points = append(w.Points, p)
	}
	// All points precede the window: keep the anchor alone, it still carries
	// the value in force across [start, end).
	if len(w.Points) == 0 && anchor >= 0 {
		w.Points = append(w.Points, history[anchor])
	}
	return w
}

// AssembleAll resolves every spec against the same history and target.
func AssembleAll(history []Point, targetTS float64, specs []WindowSpec, kind Kind) []DataWindow {
	out := make([]DataWindow, 0, len(specs))
	for _, spec := range specs {
		out = append(out, Assemble(history, targetTS, spec, kind))
	}
	return out
}

// AssembleBook is Assemble for orderbook snapshot history.
func AssembleBook(history []BookPoint, targetTS float64, spec WindowSpec) DataWindow {
	start, end := spec.Bounds(targetTS)
	w := DataWindow{StartTS: start, EndTS: end, Kind: KindOrderBook}

	anchor := -1
	for i, p := range history {
		if p.TS < start {
			anchor = i
			continue
		}
		if p.TS >= end {
			break
		}
		if anchor >= 0 {
			w.BookPoints = append(w.BookPoints, history[anchor])
			anchor = -1
		}
		w.BookPoints = append(w.BookPoints, p)
	}
	if len(w.BookPoints) == 0 && anchor >= 0 {
		w.BookPoints = append(w.BookPoints, history[anchor])
	}
	return w
}
