package indicators

import (
	"math"

	"github.com/quantpulse/quantpulse/pkg/windows"
)

// VelocityCascade aggregates price velocity across several time horizons
// into one bounded index. Each {t1, t3, d} triplet contributes a velocity
// measurement; the weighted sum uses 2^i weights so the later, shorter
// horizons dominate, and is squashed through tanh into [-1, +1] with a
// 1.2 consistency bonus when every horizon agrees on direction.
type VelocityCascade struct {
	baseAlgorithm
}

type cascadePair struct {
	t1 float64
	t3 float64
	d  float64
}

// defaultCascadePairs run longest horizon first so the most recent pair
// carries the highest weight.
var defaultCascadePairs = []cascadePair{
	{t1: 60, t3: 360, d: 180},
	{t1: 30, t3: 180, d: 90},
	{t1: 10, t3: 60, d: 30},
}

// NewVelocityCascade creates the VELOCITY_CASCADE algorithm.
func NewVelocityCascade() *VelocityCascade {
	def, min, max := stdRefresh()
	return &VelocityCascade{baseAlgorithm{
		indicatorType:  "VELOCITY_CASCADE",
		name:           "Velocity Cascade",
		description:    "Multi-horizon velocity agreement index in [-1, +1]",
		category:       CategoryPump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *VelocityCascade) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "pairs", Type: TypeJSON,
			Default: []interface{}{
				map[string]interface{}{"t1": 60.0, "t3": 360.0, "d": 180.0},
				map[string]interface{}{"t1": 30.0, "t3": 180.0, "d": 90.0},
				map[string]interface{}{"t1": 10.0, "t3": 60.0, "d": 30.0},
			},
			Description: "Velocity horizons as [{t1,t3,d}, ...], longest first"},
		{Name: "scale", Type: TypeFloat, Default: 1.0, Min: Float64Ptr(1e-6),
			Description: "Divisor applied to the weighted sum before tanh"},
	}
}

func (a *VelocityCascade) pairs(params Params) []cascadePair {
	raw, ok := params.JSON("pairs")
	if !ok {
		return defaultCascadePairs
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return defaultCascadePairs
	}
	out := make([]cascadePair, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		p := Params(m)
		pair := cascadePair{
			t1: p.Float("t1", 0),
			t3: p.Float("t3", 0),
			d:  p.Float("d", 0),
		}
		if pair.t1 <= 0 || pair.t3 <= 0 || pair.d <= 0 || pair.t3 < pair.d {
			continue
		}
		out = append(out, pair)
	}
	if len(out) == 0 {
		return defaultCascadePairs
	}
	return out
}

func (a *VelocityCascade) WindowSpecs(params Params) []WindowReq {
	pairs := a.pairs(params)
	out := make([]WindowReq, 0, 2*len(pairs))
	for _, pair := range pairs {
		out = append(out, PriceWindow(pair.t1, 0))
		out = append(out, PriceWindow(pair.t3, pair.t3-pair.d))
	}
	return out
}

func (a *VelocityCascade) RefreshInterval(params Params) float64 {
	pairs := a.pairs(params)
	shortest := pairs[len(pairs)-1].t1
	return a.refreshFor(params, shortest)
}

func (a *VelocityCascade) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	pairs := a.pairs(params)
	if len(ws) < 2*len(pairs) {
		return nil
	}

	velocities := make([]float64, 0, len(pairs))
	for i, pair := range pairs {
		current := twaOf(ws[2*i])
		baseline := twaOf(ws[2*i+1])
		if current == nil || baseline == nil {
			return nil
		}
		change := pctChange(*current, *baseline)
		if change == nil {
			return nil
		}
		timeDiff := (pair.t3 - pair.d/2) - pair.t1/2
		if timeDiff <= 0 {
			return nil
		}
		velocities = append(velocities, *change/timeDiff)
	}

	var weighted float64
	allPositive, allNegative := true, true
	for i, v := range velocities {
		weighted += math.Pow(2, float64(i)) * v
		if v <= 0 {
			allPositive = false
		}
		if v >= 0 {
			allNegative = false
		}
	}

	scale := params.Float("scale", 1.0)
	if scale < 1e-6 {
		scale = 1e-6
	}
	index := math.Tanh(weighted / scale)
	if allPositive || allNegative {
		index *= 1.2
	}
	index = clamp(index, -1, 1)
	return &index
}
