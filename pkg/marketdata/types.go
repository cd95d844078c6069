// Package marketdata defines the market data types shared by the feed
// adapters, the indicator engines, and the backtest pipeline.
package marketdata

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// msThreshold: timestamps above this are taken to be milliseconds.
const msThreshold = 1e12

// NormalizeTimestamp accepts a timestamp in seconds or milliseconds and
// returns seconds. Detection is by magnitude: values above 1e12 are
// milliseconds.
func NormalizeTimestamp(ts float64) float64 {
	if ts > msThreshold {
		return ts / 1000.0
	}
	return ts
}

// Point is a single trade tick after ingress normalization.
// Timestamp is seconds since epoch; immutable once constructed.
type Point struct {
	Timestamp float64 `json:"timestamp"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
}

// NewPoint normalizes the timestamp and builds an immutable tick.
func NewPoint(symbol string, price, volume, ts float64) Point {
	return Point{
		Timestamp: NormalizeTimestamp(ts),
		Symbol:    symbol,
		Price:     price,
		Volume:    volume,
	}
}

// BookSnapshot is a top-of-book observation used by the liquidity and
// imbalance indicators.
type BookSnapshot struct {
	Timestamp float64 `json:"timestamp"`
	Symbol    string  `json:"symbol"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	BidQty    float64 `json:"bid_qty"`
	AskQty    float64 `json:"ask_qty"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp float64 `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// ParseTimeframe converts "1s", "30s", "1m", "5m", "1h", "1d" into a
// duration. Bare integers are seconds.
func ParseTimeframe(tf string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(tf))
	if s == "" {
		return 0, fmt.Errorf("empty timeframe")
	}
	unit := time.Second
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		s = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
		s = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
		s = strings.TrimSuffix(s, "d")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	return time.Duration(n) * unit, nil
}

// Resample aggregates ticks into candles of the given bar duration. Ticks
// must be ascending; bars are aligned to multiples of the duration.
func Resample(points []Point, bar time.Duration) []Candle {
	if len(points) == 0 || bar <= 0 {
		return nil
	}
	step := bar.Seconds()
	var out []Candle
	var cur *Candle
	for _, p := range points {
		slot := float64(int64(p.Timestamp/step)) * step
		if cur == nil || slot != cur.Timestamp {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Candle{
				Timestamp: slot,
				Open:      p.Price,
				High:      p.Price,
				Low:       p.Price,
				Close:     p.Price,
				Volume:    p.Volume,
			}
			continue
		}
		if p.Price > cur.High {
			cur.High = p.Price
		}
		if p.Price < cur.Low {
			cur.Low = p.Price
		}
		cur.Close = p.Price
		cur.Volume += p.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
