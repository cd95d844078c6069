package windows

import (
	"math"
	"sort"
)

// Numerical floor below which a total duration weight is treated as zero.
const minWeight = 1e-12

// TimeWeightedAverage computes the duration-weighted mean of a step series
// over [startTS, endTS]. 时间加权平均: each point's value holds from
// max(t_i, start) until min(t_{i+1}, end) (or end for the last point), and
// contributes value*duration. Returns nil when no interval has positive
// duration.
//
// The series must contain one point at or before startTS for the leading
// interval to carry a value; Assemble provides that anchor point.
func TimeWeightedAverage(points []Point, startTS, endTS float64) *float64 {
	if len(points) == 0 || endTS <= startTS {
		return nil
	}

	var weighted, total float64
	for i, p := range points {
		from := math.Max(p.TS, startTS)
		to := endTS
		if i+1 < len(points) {
			to = math.Min(points[i+1].TS, endTS)
		}
		dur := to - from
		if dur <= 0 {
			continue
		}
		weighted += p.Value * dur
		total += dur
	}
	if total < minWeight {
		return nil
	}
	v := weighted / total
	return &v
}

// VolumeAverage is the per-second volume rate over [startTS, endTS]:
// sum of in-range values divided by the interval length.
func VolumeAverage(points []Point, startTS, endTS float64) *float64 {
	if endTS <= startTS {
		return nil
	}
	var sum float64
	n := 0
	for _, p := range points {
		if p.TS < startTS || p.TS > endTS {
			continue
		}
		sum += p.Value
		n++
	}
	if n == 0 {
		return nil
	}
	v := sum / (endTS - startTS)
	return &v
}

// VolumeMedian returns the median of the values in [startTS, endTS].
func VolumeMedian(points []Point, startTS, endTS float64) *float64 {
	vals := selectValues(points, startTS, endTS)
	if len(vals) == 0 {
		return nil
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	var v float64
	if len(vals)%2 == 1 {
		v = vals[mid]
	} else {
		v = (vals[mid-1] + vals[mid]) / 2
	}
	return &v
}

// SimpleAverage is the unweighted mean of the values in [startTS, endTS].
func SimpleAverage(points []Point, startTS, endTS float64) *float64 {
	vals := selectValues(points, startTS, endTS)
	if len(vals) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	m := sum / float64(len(vals))
	return &m
}

// Sum totals the values in [startTS, endTS].
func Sum(points []Point, startTS, endTS float64) *float64 {
	vals := selectValues(points, startTS, endTS)
	if len(vals) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return &sum
}

// Max returns the largest value in [startTS, endTS].
func Max(points []Point, startTS, endTS float64) *float64 {
	vals := selectValues(points, startTS, endTS)
	if len(vals) == 0 {
		return nil
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return &m
}

// Min returns the smallest value in [startTS, endTS].
func Min(points []Point, startTS, endTS float64) *float64 {
	vals := selectValues(points, startTS, endTS)
	if len(vals) == 0 {
		return nil
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return &m
}

// First returns the earliest value in [startTS, endTS].
func First(points []Point, startTS, endTS float64) *float64 {
	for _, p := range points {
		if p.TS >= startTS && p.TS <= endTS {
			v := p.Value
			return &v
		}
	}
	return nil
}

// Last returns the latest value in [startTS, endTS].
func Last(points []Point, startTS, endTS float64) *float64 {
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].TS >= startTS && points[i].TS <= endTS {
			v := points[i].Value
			return &v
		}
	}
	return nil
}

// StdDev is the sample standard deviation of the values in [startTS, endTS].
// Requires at least two samples.
func StdDev(points []Point, startTS, endTS float64) *float64 {
	vals := selectValues(points, startTS, endTS)
	if len(vals) < 2 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(vals)-1))
	return &sd
}

// Mean is the arithmetic mean of a plain slice. Returns 0 on empty input.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

// Variance is the population variance of a plain slice. 方差.
func Variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	mean := Mean(data)
	var ss float64
	for _, v := range data {
		d := v - mean
		ss += d * d
	}
	return ss / float64(len(data))
}

// SampleStdDev is the sample standard deviation of a plain slice.
// Returns 0 with fewer than two samples.
func SampleStdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	mean := Mean(data)
	var ss float64
	for _, v := range data {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(data)-1))
}

func selectValues(points []Point, startTS, endTS float64) []float64 {
	var vals []float64
	for _, p := range points {
		if p.TS < startTS || p.TS > endTS {
			continue
		}
		vals = append(vals, p.Value)
	}
	return vals
}
