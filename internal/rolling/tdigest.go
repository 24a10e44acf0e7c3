// Package rolling implements the per-token streaming state engine: quantile
// digests, robust location/scale statistics, a self-exciting intensity proxy,
// CUSUM change-point detectors, and a bounded trade window. Each token's
// state is owned by a single worker at a time; the Engine serializes access
// per token.
package rolling

import (
	"math"
	"sort"
)

// centroid is one cluster of the digest: the mean of its points and how many
// points it absorbed.
type centroid struct {
	Mean   float64 `json:"m"`
	Weight float64 `json:"w"`
}

// Digest is a t-digest style streaming quantile sketch. Memory is bounded by
// the compression constant, insertion is amortized logarithmic, and two
// digests can be merged for sharded ingestion.
//
// Quantile(q) is monotone non-decreasing in q, and CDF(x) is monotone
// non-decreasing in x; both interpolate linearly between centroid means.
type Digest struct {
	Compression float64    `json:"compression"`
	Centroids   []centroid `json:"centroids"` // sorted by mean
	Count       float64    `json:"count"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`

	buffer []centroid
}

const digestBufferSize = 32

// NewDigest creates a digest with the given compression (centroid budget).
// Compression below 20 is raised to 20.
func NewDigest(compression float64) *Digest {
	if compression < 20 {
		compression = 20
	}
	return &Digest{
		Compression: compression,
		Min:         math.Inf(1),
		Max:         math.Inf(-1),
	}
}

// Add inserts one observation.
func (d *Digest) Add(x float64) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return
	}
	d.buffer = append(d.buffer, centroid{Mean: x, Weight: 1})
	d.Count++
	if x < d.Min {
		d.Min = x
	}
	if x > d.Max {
		d.Max = x
	}
	if len(d.buffer) >= digestBufferSize {
		d.compress()
	}
}

// Merge folds another digest into this one. The other digest is not modified.
func (d *Digest) Merge(other *Digest) {
	if other == nil || other.Count == 0 {
		return
	}
	other.compress()
	d.buffer = append(d.buffer, other.Centroids...)
	d.Count += other.Count
	if other.Min < d.Min {
		d.Min = other.Min
	}
	if other.Max > d.Max {
		d.Max = other.Max
	}
	d.compress()
}

// compress folds the insertion buffer into the centroid list, then re-merges
// neighbours whose combined weight stays under the size limit
// 4·n·q·(1-q)/compression at their cumulative position q.
func (d *Digest) compress() {
	if len(d.buffer) == 0 {
		return
	}
	all := append(d.Centroids, d.buffer...)
	d.buffer = d.buffer[:0]
	sort.Slice(all, func(i, j int) bool { return all[i].Mean < all[j].Mean })

	out := all[:1]
	wSoFar := 0.0
	for _, c := range all[1:] {
		last := &out[len(out)-1]
		proposed := last.Weight + c.Weight
		q := (wSoFar + proposed/2) / d.Count
		limit := 4 * d.Count * q * (1 - q) / d.Compression
		if proposed <= limit {
			last.Mean += (c.Mean - last.Mean) * c.Weight / proposed
			last.Weight = proposed
		} else {
			wSoFar += last.Weight
			out = append(out, c)
		}
	}
	d.Centroids = out
}

// Quantile returns the estimated value at quantile q ∈ [0, 1].
// Returns 0 for an empty digest.
func (d *Digest) Quantile(q float64) float64 {
	d.compress()
	n := len(d.Centroids)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return d.Centroids[0].Mean
	}
	if q <= 0 {
		return d.Min
	}
	if q >= 1 {
		return d.Max
	}

	target := q * d.Count
	cum := 0.0
	for i, c := range d.Centroids {
		mid := cum + c.Weight/2
		if target < mid {
			if i == 0 {
				if mid == 0 {
					return c.Mean
				}
				return d.Min + (target/mid)*(c.Mean-d.Min)
			}
			prev := d.Centroids[i-1]
			prevMid := cum - prev.Weight/2
			if mid == prevMid {
				return c.Mean
			}
			frac := (target - prevMid) / (mid - prevMid)
			return prev.Mean + frac*(c.Mean-prev.Mean)
		}
		cum += c.Weight
	}

	last := d.Centroids[n-1]
	lastMid := d.Count - last.Weight/2
	if d.Count == lastMid {
		return d.Max
	}
	frac := (target - lastMid) / (d.Count - lastMid)
	if frac > 1 {
		frac = 1
	}
	return last.Mean + frac*(d.Max-last.Mean)
}

// CDF returns the estimated fraction of observations ≤ x, in [0, 1].
// An empty digest returns 0.5 (an uninformative rank).
func (d *Digest) CDF(x float64) float64 {
	d.compress()
	n := len(d.Centroids)
	if n == 0 {
		return 0.5
	}
	if x < d.Min {
		return 0
	}
	if x > d.Max {
		return 1
	}
	if n == 1 {
		switch {
		case x < d.Centroids[0].Mean:
			return 0
		case x > d.Centroids[0].Mean:
			return 1
		}
		return 0.5
	}

	// Breakpoints: (min → 0), (mean_i → mid_i/count), (max → 1).
	cum := 0.0
	prevVal := d.Min
	prevQ := 0.0
	for _, c := range d.Centroids {
		mid := cum + c.Weight/2
		q := mid / d.Count
		if x <= c.Mean {
			if c.Mean == prevVal {
				return q
			}
			frac := (x - prevVal) / (c.Mean - prevVal)
			return prevQ + frac*(q-prevQ)
		}
		prevVal = c.Mean
		prevQ = q
		cum += c.Weight
	}
	if d.Max == prevVal {
		return 1
	}
	frac := (x - prevVal) / (d.Max - prevVal)
	return prevQ + frac*(1-prevQ)
}

// Size returns the number of observations added.
func (d *Digest) Size() int {
	return int(d.Count)
}
