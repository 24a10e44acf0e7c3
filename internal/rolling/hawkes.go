package rolling

import "math"

// Hawkes is a self-exciting intensity proxy: each event bumps the excitation
// state by Alpha, and the state decays exponentially at rate Beta. The
// intensity at time t is Mu + state·exp(−Beta·(t−lastUpdate)). A burst is
// declared when intensity reaches 2·Mu.
//
// The struct is JSON-serializable so the engine can persist it to the cache
// between restarts.
type Hawkes struct {
	Mu    float64 `json:"mu"`    // baseline intensity, events per second
	Alpha float64 `json:"alpha"` // excitation jump per event
	Beta  float64 `json:"beta"`  // exponential decay rate, 1/seconds

	State        float64 `json:"state"`        // excitation above baseline at LastUpdateMs
	LastUpdateMs int64   `json:"lastUpdateMs"` // 0 = no events yet
	EventCount   int64   `json:"eventCount"`
}

// NewHawkes creates an intensity proxy with the given parameters.
func NewHawkes(mu, alpha, beta float64) *Hawkes {
	return &Hawkes{Mu: mu, Alpha: alpha, Beta: beta}
}

// Record registers an event at tMs. Out-of-order events (tMs before the last
// update) are accepted with zero elapsed decay, so a slightly permuted prefix
// perturbs rather than corrupts the state.
func (h *Hawkes) Record(tMs int64) {
	if h.LastUpdateMs == 0 {
		h.State = h.Alpha
		h.LastUpdateMs = tMs
		h.EventCount++
		return
	}
	dt := float64(tMs-h.LastUpdateMs) / 1000.0
	if dt < 0 {
		dt = 0
	} else {
		h.LastUpdateMs = tMs
	}
	h.State = h.Alpha + h.State*math.Exp(-h.Beta*dt)
	h.EventCount++
}

// IntensityAt returns the intensity at tMs and whether it qualifies as a
// burst (≥ 2·Mu). Times before the last update decay nothing.
func (h *Hawkes) IntensityAt(tMs int64) (float64, bool) {
	intensity := h.Mu
	if h.LastUpdateMs != 0 {
		dt := float64(tMs-h.LastUpdateMs) / 1000.0
		if dt < 0 {
			dt = 0
		}
		intensity += h.State * math.Exp(-h.Beta*dt)
	}
	return intensity, intensity >= 2*h.Mu
}
