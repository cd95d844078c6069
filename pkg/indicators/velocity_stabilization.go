package indicators

import (
	"math"

	"github.com/quantpulse/quantpulse/pkg/windows"
)

// VelocityStabilization is the coefficient of variation of recent price
// velocity: sample stddev of num_samples-1 consecutive velocity readings
// divided by their mean absolute value. Low values mean the move has
// settled into a steady drift; high values mean it is still whipping
// around. A flat market (mean |v| below epsilon) scores 0.
type VelocityStabilization struct {
	baseAlgorithm
}

// NewVelocityStabilization creates the VELOCITY_STABILIZATION_INDEX algorithm.
func NewVelocityStabilization() *VelocityStabilization {
	def, min, max := stdRefresh()
	return &VelocityStabilization{baseAlgorithm{
		indicatorType:  "VELOCITY_STABILIZATION_INDEX",
		name:           "Velocity Stabilization Index",
		description:    "Coefficient of variation across offset velocity samples",
		category:       CategoryDump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

const stabilizationEpsilon = 1e-3

func (a *VelocityStabilization) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "window", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "TWPA window length per sample in seconds"},
		{Name: "step", Type: TypeFloat, Default: 10.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Offset between consecutive samples in seconds"},
		{Name: "num_samples", Type: TypeInt, Default: 5, Min: Float64Ptr(3), Max: Float64Ptr(50), Required: true,
			Description: "Number of offset TWPA samples"},
	}
}

// WindowSpecs lays out num_samples price windows of equal length, each
// shifted one step further into the past.
func (a *VelocityStabilization) WindowSpecs(params Params) []WindowReq {
	w := params.Float("window", 10)
	step := params.Float("step", 10)
	n := params.Int("num_samples", 5)
	out := make([]WindowReq, 0, n)
	for k := 0; k < n; k++ {
		off := float64(k) * step
		out = append(out, PriceWindow(w+off, off))
	}
	return out
}

func (a *VelocityStabilization) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("window", 10))
}

func (a *VelocityStabilization) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	step := params.Float("step", 10)
	if step <= 0 || len(ws) < 3 {
		return nil
	}

	samples := make([]*float64, len(ws))
	for i, w := range ws {
		samples[i] = twaOf(w)
	}

	// Velocity from each older sample to its newer neighbor. ws[0] is the
	// most recent window.
	var velocities []float64
	for i := 0; i+1 < len(samples); i++ {
		if samples[i] == nil || samples[i+1] == nil {
			continue
		}
		velocities = append(velocities, (*samples[i]-*samples[i+1])/step)
	}
	if len(velocities) < 2 {
		return nil
	}

	var absSum float64
	for _, v := range velocities {
		absSum += math.Abs(v)
	}
	meanAbs := absSum / float64(len(velocities))
	if meanAbs < stabilizationEpsilon {
		zero := 0.0
		return &zero
	}
	v := windows.SampleStdDev(velocities) / meanAbs
	return &v
}
