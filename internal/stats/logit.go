package stats

import "math"

// LogitConfig tunes the gradient-descent fit.
type LogitConfig struct {
	LearningRate float64
	Iterations   int
	L2Lambda     float64
}

// DefaultLogitConfig matches the research engine's model-report settings.
func DefaultLogitConfig() LogitConfig {
	return LogitConfig{LearningRate: 0.1, Iterations: 500, L2Lambda: 0.01}
}

// LogitModel is a fitted L2-regularized logistic regression.
type LogitModel struct {
	Weights   []float64
	Intercept float64
}

// FitLogit trains by full-batch gradient descent. The intercept is not
// regularized. Rows of x must all have the same width; returns nil on
// degenerate input.
func FitLogit(x [][]float64, y []bool, cfg LogitConfig) *LogitModel {
	n := len(x)
	if n == 0 || n != len(y) || len(x[0]) == 0 {
		return nil
	}
	d := len(x[0])

	m := &LogitModel{Weights: make([]float64, d)}
	grad := make([]float64, d)
	for iter := 0; iter < cfg.Iterations; iter++ {
		for j := range grad {
			grad[j] = 0
		}
		var gradB float64
		for i, row := range x {
			err := m.Predict(row)
			if y[i] {
				err -= 1
			}
			for j, v := range row {
				grad[j] += err * v
			}
			gradB += err
		}
		inv := 1 / float64(n)
		for j := range m.Weights {
			m.Weights[j] -= cfg.LearningRate * (grad[j]*inv + cfg.L2Lambda*m.Weights[j])
		}
		m.Intercept -= cfg.LearningRate * gradB * inv
	}
	return m
}

// Predict returns the fitted probability for one feature row.
func (m *LogitModel) Predict(row []float64) float64 {
	z := m.Intercept
	for j, v := range row {
		if j < len(m.Weights) {
			z += m.Weights[j] * v
		}
	}
	return 1 / (1 + math.Exp(-z))
}

// PredictAll maps Predict over a matrix.
func (m *LogitModel) PredictAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = m.Predict(row)
	}
	return out
}

// CalibrationPoint is one fixed-width probability bin of a reliability
// curve.
type CalibrationPoint struct {
	BinLow       float64
	BinHigh      float64
	MeanPredict  float64
	MeanObserved float64
	Count        int
}

// CalibrationCurve buckets predictions into `bins` equal-width bins over
// [0, 1] and reports mean predicted vs. observed frequency per non-empty
// bin.
func CalibrationCurve(predicted []float64, outcomes []bool, bins int) []CalibrationPoint {
	if bins <= 0 || len(predicted) == 0 || len(predicted) != len(outcomes) {
		return nil
	}
	type acc struct {
		sumP float64
		wins int
		n    int
	}
	accs := make([]acc, bins)
	for i, p := range predicted {
		b := int(p * float64(bins))
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		accs[b].sumP += p
		accs[b].n++
		if outcomes[i] {
			accs[b].wins++
		}
	}

	width := 1 / float64(bins)
	var out []CalibrationPoint
	for b, a := range accs {
		if a.n == 0 {
			continue
		}
		out = append(out, CalibrationPoint{
			BinLow:       float64(b) * width,
			BinHigh:      float64(b+1) * width,
			MeanPredict:  a.sumP / float64(a.n),
			MeanObserved: float64(a.wins) / float64(a.n),
			Count:        a.n,
		})
	}
	return out
}
