package rolling

import (
	"math/rand"
	"testing"
)

func TestDigestQuantileMonotone(t *testing.T) {
	t.Parallel()
	d := NewDigest(100)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		d.Add(rng.ExpFloat64() * 1000)
	}

	prev := d.Quantile(0)
	for p := 1; p <= 100; p++ {
		q := d.Quantile(float64(p) / 100)
		if q < prev {
			t.Fatalf("Quantile not monotone: q(%d)=%v < q(%d)=%v", p, q, p-1, prev)
		}
		prev = q
	}
}

func TestDigestCDFMonotoneAndBounded(t *testing.T) {
	t.Parallel()
	d := NewDigest(100)
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 0, 2000)
	for i := 0; i < 2000; i++ {
		v := rng.NormFloat64()*50 + 500
		values = append(values, v)
		d.Add(v)
	}

	prev := -1.0
	for x := 0.0; x <= 1000; x += 10 {
		r := d.CDF(x)
		if r < 0 || r > 1 {
			t.Fatalf("CDF(%v) = %v outside [0,1]", x, r)
		}
		if r < prev {
			t.Fatalf("CDF not monotone at %v: %v < %v", x, r, prev)
		}
		prev = r
	}

	for _, v := range values[:50] {
		r := d.CDF(v)
		if r < 0 || r > 1 {
			t.Fatalf("rank of inserted value %v = %v outside [0,1]", v, r)
		}
	}
}

func TestDigestAccuracy(t *testing.T) {
	t.Parallel()
	d := NewDigest(100)
	// Uniform 0..9999: the digest's median should land near 5000.
	for i := 0; i < 10000; i++ {
		d.Add(float64(i))
	}
	med := d.Quantile(0.5)
	if med < 4500 || med > 5500 {
		t.Errorf("median = %v, want ~5000", med)
	}
	p99 := d.Quantile(0.99)
	if p99 < 9700 || p99 > 10000 {
		t.Errorf("p99 = %v, want ~9900", p99)
	}
}

func TestDigestEmpty(t *testing.T) {
	t.Parallel()
	d := NewDigest(100)
	if got := d.Quantile(0.5); got != 0 {
		t.Errorf("empty Quantile = %v, want 0", got)
	}
	if got := d.CDF(123); got != 0.5 {
		t.Errorf("empty CDF = %v, want 0.5", got)
	}
}

func TestDigestMerge(t *testing.T) {
	t.Parallel()
	a := NewDigest(100)
	b := NewDigest(100)
	for i := 0; i < 1000; i++ {
		a.Add(float64(i))
		b.Add(float64(1000 + i))
	}
	a.Merge(b)
	if a.Size() != 2000 {
		t.Fatalf("merged size = %d, want 2000", a.Size())
	}
	med := a.Quantile(0.5)
	if med < 900 || med > 1100 {
		t.Errorf("merged median = %v, want ~1000", med)
	}
	if a.Min != 0 || a.Max != 1999 {
		t.Errorf("merged min/max = %v/%v, want 0/1999", a.Min, a.Max)
	}
}

func TestDigestBounded(t *testing.T) {
	t.Parallel()
	d := NewDigest(50)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100000; i++ {
		d.Add(rng.Float64() * 1e6)
	}
	d.compress()
	// Centroid count should stay in the neighbourhood of the compression.
	if len(d.Centroids) > 200 {
		t.Errorf("centroid count %d not bounded by compression", len(d.Centroids))
	}
}
