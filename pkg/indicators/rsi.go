package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// RSI is the Relative Strength Index over the price observations in the
// window, with Wilder smoothing: the first `period` changes seed the
// average gain/loss with a simple mean, every later change folds in as
// (avg*(period-1) + change)/period. Event-driven.
type RSI struct {
	baseAlgorithm
}

// NewRSI creates the RSI algorithm.
func NewRSI() *RSI {
	def, min, max := stdRefresh()
	return &RSI{baseAlgorithm{
		indicatorType:  "RSI",
		name:           "Relative Strength Index",
		description:    "Wilder-smoothed RSI over the window's price changes",
		category:       CategoryTechnical,
		timeDriven:     false,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *RSI) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 900.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Window length in seconds"},
		{Name: "period", Type: TypeInt, Default: 14, Min: Float64Ptr(2), Max: Float64Ptr(200),
			Description: "Wilder smoothing period in observations"},
	}
}

func (a *RSI) WindowSpecs(params Params) []WindowReq {
	return []WindowReq{PriceWindow(params.Float("t1", 900), 0)}
}

func (a *RSI) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 900))
}

func (a *RSI) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 1 {
		return nil
	}
	period := params.Int("period", 14)
	if period < 2 {
		return nil
	}

	// In-range observations only; the pre-window anchor carries no tick.
	w := ws[0]
	var closes []float64
	for _, p := range w.Points {
		if p.TS < w.StartTS {
			continue
		}
		closes = append(closes, p.Value)
	}
	// period changes need period+1 closes.
	if len(closes) < period+1 {
		return nil
	}

	var avgGain, avgLoss float64
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		if i <= period {
			avgGain += gain
			avgLoss += loss
			if i == period {
				avgGain /= float64(period)
				avgLoss /= float64(period)
			}
			continue
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	var v float64
	if avgLoss == 0 {
		v = 100.0
	} else {
		rs := avgGain / avgLoss
		v = 100.0 - (100.0 / (1.0 + rs))
	}
	return &v
}
