package indicators

import (
	"github.com/quantpulse/quantpulse/pkg/windows"
)

// VolumeSurge compares the current per-second volume rate against the
// median baseline volume: a ratio well above 1 marks a surge. The median
// makes the baseline robust against single large prints.
type VolumeSurge struct {
	baseAlgorithm
}

// NewVolumeSurge creates the VOLUME_SURGE_RATIO algorithm.
func NewVolumeSurge() *VolumeSurge {
	def, min, max := stdRefresh()
	return &VolumeSurge{baseAlgorithm{
		indicatorType:  "VOLUME_SURGE_RATIO",
		name:           "Volume Surge Ratio",
		description:    "Current volume rate over baseline median volume",
		category:       CategoryPump,
		timeDriven:     true,
		defaultRefresh: def,
		minRefresh:     min,
		maxRefresh:     max,
	}}
}

func (a *VolumeSurge) Parameters() []ParamDef {
	return []ParamDef{
		{Name: "t1", Type: TypeFloat, Default: 3.0, Min: Float64Ptr(0.1), Max: Float64Ptr(3600), Required: true,
			Description: "Current window length in seconds"},
		{Name: "t3", Type: TypeFloat, Default: 120.0, Min: Float64Ptr(1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window start, seconds before evaluation"},
		{Name: "d", Type: TypeFloat, Default: 60.0, Min: Float64Ptr(0.1), Max: Float64Ptr(86400), Required: true,
			Description: "Baseline window length in seconds"},
		{Name: "min_baseline", Type: TypeFloat, Default: 0.001, Min: Float64Ptr(0),
			Description: "Baseline medians below this return nil instead of a blown-up ratio"},
	}
}

func (a *VolumeSurge) WindowSpecs(params Params) []WindowReq {
	t1 := params.Float("t1", 3)
	t3 := params.Float("t3", 120)
	d := params.Float("d", 60)
	return []WindowReq{
		VolumeWindow(t1, 0),
		VolumeWindow(t3, t3-d),
	}
}

func (a *VolumeSurge) RefreshInterval(params Params) float64 {
	return a.refreshFor(params, params.Float("t1", 3))
}

func (a *VolumeSurge) CalculateFromWindows(ws []windows.DataWindow, params Params) *float64 {
	if len(ws) < 2 {
		return nil
	}
	current := windows.VolumeAverage(ws[0].Points, ws[0].StartTS, ws[0].EndTS)
	baseline := windows.VolumeMedian(ws[1].Points, ws[1].StartTS, ws[1].EndTS)
	if current == nil || baseline == nil {
		return nil
	}
	if *baseline < params.Float("min_baseline", 0.001) {
		return nil
	}
	v := *current / *baseline
	return &v
}

// ValidateParams enforces t3 >= d.
func (a *VolumeSurge) ValidateParams(params Params) error {
	if params.Float("t3", 120) < params.Float("d", 60) {
		return invalidParam("t3", "must be >= d (baseline window would cross evaluation time)")
	}
	return nil
}
