// Package stats implements the statistical toolkit behind the research
// engine: correlation with significance testing, multiple-testing
// correction, bootstrap intervals, and strategy-sizing metrics. Everything
// here is pure CPU work, safe to call from grid-search workers.
package stats

import (
	"math"
	"math/rand"
	"sort"
)

// AnnualizationFactor converts a per-trade Sharpe to an annualized one,
// treating each trade as one trading day.
const AnnualizationFactor = 252

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the sample standard deviation (n−1), 0 for fewer than two
// samples.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// ————————————————————————————————————————————————————————————————————————
// Point-biserial correlation

// Correlation is the result of a point-biserial test between a binary
// predictor and a binary outcome.
type Correlation struct {
	N       int
	R       float64
	PValue  float64
	CILower float64
	CIUpper float64
}

// PointBiserial correlates a dichotomous predictor with a dichotomous
// outcome. The p-value comes from the t distribution with n−2 degrees of
// freedom; the 95% CI from the Fisher z transform. Degenerate inputs
// (constant predictor or outcome, n < 3) yield r=0, p=1.
func PointBiserial(predictor, outcome []bool) Correlation {
	n := len(predictor)
	c := Correlation{N: n, PValue: 1}
	if n < 3 || n != len(outcome) {
		return c
	}

	var n1 int
	var sum1, sumAll float64
	for i, p := range predictor {
		y := 0.0
		if outcome[i] {
			y = 1
		}
		sumAll += y
		if p {
			n1++
			sum1 += y
		}
	}
	n0 := n - n1
	if n1 == 0 || n0 == 0 {
		return c
	}

	meanAll := sumAll / float64(n)
	// Population SD of the 0/1 outcome.
	sy := math.Sqrt(meanAll * (1 - meanAll))
	if sy == 0 {
		return c
	}

	mean1 := sum1 / float64(n1)
	mean0 := (sumAll - sum1) / float64(n0)
	prop := float64(n1) / float64(n) * float64(n0) / float64(n)
	r := (mean1 - mean0) / sy * math.Sqrt(prop)
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	c.R = r

	// t test on r with df = n−2.
	df := float64(n - 2)
	if r2 := r * r; r2 < 1 {
		t := r * math.Sqrt(df/(1-r2))
		c.PValue = 2 * studentTSF(math.Abs(t), df)
	} else {
		c.PValue = 0
	}

	// Fisher z interval.
	if n > 3 && math.Abs(r) < 1 {
		z := 0.5 * math.Log((1+r)/(1-r))
		se := 1 / math.Sqrt(float64(n-3))
		c.CILower = math.Tanh(z - 1.96*se)
		c.CIUpper = math.Tanh(z + 1.96*se)
	}
	return c
}

// studentTSF is the upper-tail survival function of Student's t.
func studentTSF(t, df float64) float64 {
	if df <= 0 {
		return 0.5
	}
	x := df / (df + t*t)
	return 0.5 * regIncompleteBeta(df/2, 0.5, x)
}

// regIncompleteBeta computes the regularized incomplete beta I_x(a, b) via
// the standard continued-fraction expansion.
func regIncompleteBeta(a, b, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	lbeta, _ := math.Lgamma(a + b)
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	front := math.Exp(lbeta - la - lb + a*math.Log(x) + b*math.Log(1-x))
	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

func betaCF(a, b, x float64) float64 {
	const (
		maxIter = 300
		eps     = 3e-14
		fpmin   = 1e-300
	)
	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < fpmin {
		d = fpmin
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		m2 := float64(2 * m)
		aa := float64(m) * (b - float64(m)) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		h *= d * c
		aa = -(a + float64(m)) * (qab + float64(m)) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < fpmin {
			d = fpmin
		}
		c = 1 + aa/c
		if math.Abs(c) < fpmin {
			c = fpmin
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}

// ————————————————————————————————————————————————————————————————————————
// AUC

// AUC computes the area under the ROC curve by the trapezoidal rule.
// Returns 0.5 when either class is absent.
func AUC(scores []float64, outcomes []bool) float64 {
	n := len(scores)
	if n == 0 || n != len(outcomes) {
		return 0.5
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return scores[idx[i]] > scores[idx[j]] })

	var pos, neg float64
	for _, o := range outcomes {
		if o {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}

	var auc, tp, fp float64
	prevTPR, prevFPR := 0.0, 0.0
	i := 0
	for i < n {
		// Process tied scores as one ROC step.
		j := i
		for j < n && scores[idx[j]] == scores[idx[i]] {
			if outcomes[idx[j]] {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr, fpr := tp/pos, fp/neg
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc
}

// ————————————————————————————————————————————————————————————————————————
// Bootstrap

const bootstrapIters = 1000

// BootstrapWinRateCI resamples a win/loss series and returns the percentile
// 95% interval on the win rate. Deterministic for a given seed. An empty
// series yields [0, 0].
func BootstrapWinRateCI(outcomes []bool, seed int64) (lo, hi float64) {
	n := len(outcomes)
	if n == 0 {
		return 0, 0
	}
	rng := rand.New(rand.NewSource(seed))
	rates := make([]float64, bootstrapIters)
	for it := range rates {
		var wins int
		for i := 0; i < n; i++ {
			if outcomes[rng.Intn(n)] {
				wins++
			}
		}
		rates[it] = float64(wins) / float64(n)
	}
	sort.Float64s(rates)
	return rates[int(0.025*bootstrapIters)], rates[int(0.975*bootstrapIters)-1]
}

// ————————————————————————————————————————————————————————————————————————
// Multiple testing

// BenjaminiHochberg applies the step-up FDR procedure. It returns adjusted
// p-values in the original order plus a per-hypothesis significance flag at
// level alpha. Adjusted values are monotone and capped at 1.
func BenjaminiHochberg(pvalues []float64, alpha float64) (adjusted []float64, significant []bool) {
	m := len(pvalues)
	adjusted = make([]float64, m)
	significant = make([]bool, m)
	if m == 0 {
		return
	}

	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return pvalues[order[i]] < pvalues[order[j]] })

	// Step up from the largest p-value, enforcing monotonicity.
	running := 1.0
	for rank := m; rank >= 1; rank-- {
		i := order[rank-1]
		adj := pvalues[i] * float64(m) / float64(rank)
		if adj > running {
			adj = running
		}
		running = adj
		adjusted[i] = adj
		significant[i] = adj <= alpha
	}
	return
}

// ————————————————————————————————————————————————————————————————————————
// Binomial test

// BinomialTest returns the two-sided p-value for observing wins successes in
// n trials under H0: p = p0. Exact small-sample method up to 1000 trials,
// normal approximation beyond.
func BinomialTest(wins, n int, p0 float64) float64 {
	if n <= 0 || p0 <= 0 || p0 >= 1 {
		return 1
	}
	if n > 1000 {
		se := math.Sqrt(p0 * (1 - p0) / float64(n))
		z := (float64(wins)/float64(n) - p0) / se
		p := 2 * normSF(math.Abs(z))
		if p > 1 {
			p = 1
		}
		return p
	}

	// Exact: sum the probability of every outcome no more likely than the
	// observed one.
	obs := binomLogPMF(wins, n, p0)
	var p float64
	for k := 0; k <= n; k++ {
		if lp := binomLogPMF(k, n, p0); lp <= obs+1e-12 {
			p += math.Exp(lp)
		}
	}
	if p > 1 {
		p = 1
	}
	return p
}

func binomLogPMF(k, n int, p float64) float64 {
	ln1, _ := math.Lgamma(float64(n + 1))
	lk, _ := math.Lgamma(float64(k + 1))
	lnk, _ := math.Lgamma(float64(n - k + 1))
	return ln1 - lk - lnk + float64(k)*math.Log(p) + float64(n-k)*math.Log(1-p)
}

// normSF is the upper-tail survival function of the standard normal.
func normSF(z float64) float64 {
	return 0.5 * math.Erfc(z/math.Sqrt2)
}

// ————————————————————————————————————————————————————————————————————————
// Sizing and performance ratios

// Kelly returns the optimal bet fraction for win probability p at avgPrice,
// floored at zero. b is the net odds of a binary contract bought at
// avgPrice.
func Kelly(p, avgPrice float64) float64 {
	if avgPrice <= 0 || avgPrice >= 1 {
		return 0
	}
	b := (1 - avgPrice) / avgPrice
	f := (p*b - (1 - p)) / b
	if f < 0 {
		return 0
	}
	return f
}

// Sharpe annualizes the mean/σ ratio of per-trade returns by √252. Zero
// when variance vanishes.
func Sharpe(returns []float64) float64 {
	sd := StdDev(returns)
	if sd == 0 {
		return 0
	}
	return Mean(returns) / sd * math.Sqrt(AnnualizationFactor)
}

// InformationRatio is the mean/σ ratio of a periodic edge series (weekly in
// the research engine). Not annualized.
func InformationRatio(edges []float64) float64 {
	sd := StdDev(edges)
	if sd == 0 {
		return 0
	}
	return Mean(edges) / sd
}
