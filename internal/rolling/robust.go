package rolling

import (
	"math"
	"sort"
)

// madConsistency makes MAD consistent with the normal standard deviation.
const madConsistency = 1.4826

// Median returns the median of xs, or 0 for an empty slice. xs is not modified.
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MAD returns the median absolute deviation of xs around its median.
func MAD(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	med := Median(xs)
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - med)
	}
	return Median(devs)
}

// RobustZ returns (x − median) / (1.4826 · MAD). When MAD is zero the scale
// is degenerate: x at the median scores 0, anything else scores ±Inf.
func RobustZ(x, median, mad float64) float64 {
	if mad == 0 {
		if x == median {
			return 0
		}
		if x > median {
			return math.Inf(1)
		}
		return math.Inf(-1)
	}
	return (x - median) / (madConsistency * mad)
}

// RobustZOf computes the robust z-score of x against the window xs.
func RobustZOf(x float64, xs []float64) float64 {
	return RobustZ(x, Median(xs), MAD(xs))
}

// Quantiles returns the requested empirical quantiles (qs in [0, 1]) of xs
// using linear interpolation. An empty window yields all zeros.
func Quantiles(xs []float64, qs ...float64) []float64 {
	out := make([]float64, len(qs))
	n := len(xs)
	if n == 0 {
		return out
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)

	for i, q := range qs {
		if q <= 0 {
			out[i] = sorted[0]
			continue
		}
		if q >= 1 {
			out[i] = sorted[n-1]
			continue
		}
		pos := q * float64(n-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		if lo == hi {
			out[i] = sorted[lo]
		} else {
			frac := pos - float64(lo)
			out[i] = sorted[lo] + frac*(sorted[hi]-sorted[lo])
		}
	}
	return out
}
