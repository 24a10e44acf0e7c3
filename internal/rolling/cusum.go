package rolling

// Metric names the CUSUM detectors track per token.
const (
	MetricTradeRate = "trade_rate"
	MetricSpread    = "spread"
	MetricImbalance = "imbalance"
)

// cusumCalibration caps how many early samples feed the target estimate.
// The target is the mean of the first third of observed samples; to keep the
// detector streaming we retain at most this many head samples for the
// estimate.
const cusumCalibration = 300

// Cusum is a two-sided Page-Hinkley change-point detector.
//
//	S⁺ ← max(0, S⁺ + x − target − k)
//	S⁻ ← max(0, S⁻ + target − x − k)
//
// The first crossing of the threshold h latches ChangePointIndex (and the
// regime direction); the latch is never reset silently — callers that want a
// fresh detector construct one.
type Cusum struct {
	Metric    string  `json:"metric"`
	DriftK    float64 `json:"driftK"`
	Threshold float64 `json:"threshold"`

	Target float64 `json:"target"`
	SPos   float64 `json:"sPos"`
	SNeg   float64 `json:"sNeg"`

	MaxStatistic      float64   `json:"maxStatistic"`
	ChangePointIndex  *int      `json:"changePointIndex"` // nil until first crossing
	ChangePointTimeMs *int64    `json:"changePointTimeMs"`
	IncreasingShift   bool      `json:"increasingShift"` // valid once latched: S⁺ crossed
	ObservationCount  int       `json:"observationCount"`
	Calibration       []float64 `json:"calibration,omitempty"`
}

// NewCusum creates a detector for one metric.
func NewCusum(metric string, driftK, threshold float64) *Cusum {
	return &Cusum{Metric: metric, DriftK: driftK, Threshold: threshold}
}

// Observe feeds one sample taken at tMs.
func (c *Cusum) Observe(x float64, tMs int64) {
	c.ObservationCount++
	i := c.ObservationCount - 1

	// The target tracks the mean of the first third of what has been seen,
	// capped so memory stays bounded.
	if len(c.Calibration) < cusumCalibration {
		c.Calibration = append(c.Calibration, x)
	}
	head := c.ObservationCount / 3
	if head < 1 {
		head = 1
	}
	if head > len(c.Calibration) {
		head = len(c.Calibration)
	}
	sum := 0.0
	for _, v := range c.Calibration[:head] {
		sum += v
	}
	c.Target = sum / float64(head)

	c.SPos += x - c.Target - c.DriftK
	if c.SPos < 0 {
		c.SPos = 0
	}
	c.SNeg += c.Target - x - c.DriftK
	if c.SNeg < 0 {
		c.SNeg = 0
	}

	stat := c.statistic()
	if stat > c.MaxStatistic {
		c.MaxStatistic = stat
	}

	if c.ChangePointIndex == nil && stat >= c.Threshold {
		idx := i
		ts := tMs
		c.ChangePointIndex = &idx
		c.ChangePointTimeMs = &ts
		c.IncreasingShift = c.SPos >= c.SNeg
	}
}

func (c *Cusum) statistic() float64 {
	if c.SPos > c.SNeg {
		return c.SPos
	}
	return c.SNeg
}

// Detected reports whether a change point has latched.
func (c *Cusum) Detected() bool {
	return c.ChangePointIndex != nil
}
