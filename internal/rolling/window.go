package rolling

import (
	"sort"

	"polysignal/pkg/types"
)

// InterArrivalStats summarizes the gaps between consecutive window trades.
type InterArrivalStats struct {
	Count    int     `json:"count"` // number of gaps, not trades
	MeanMs   float64 `json:"meanMs"`
	MedianMs float64 `json:"medianMs"`
	MinMs    float64 `json:"minMs"`
	MaxMs    float64 `json:"maxMs"`
}

// TradeWindow keeps the last windowMinutes of trades for one token.
// Entries outside the window are evicted lazily on the next append or query;
// subwindow queries (1 min, 5 min) reuse the same buffer.
type TradeWindow struct {
	WindowMinutes int           `json:"windowMinutes"`
	Trades        []types.Trade `json:"trades"` // ascending by arrival
}

// NewTradeWindow creates a window spanning windowMinutes.
func NewTradeWindow(windowMinutes int) *TradeWindow {
	return &TradeWindow{
		WindowMinutes: windowMinutes,
		Trades:        make([]types.Trade, 0, 128),
	}
}

// Append adds a trade and evicts entries older than the window relative to
// the trade's own timestamp.
func (w *TradeWindow) Append(t types.Trade) {
	w.Trades = append(w.Trades, t)
	w.evict(t.Timestamp)
}

// evict drops trades older than the window cutoff before nowMs.
func (w *TradeWindow) evict(nowMs int64) {
	cutoff := nowMs - int64(w.WindowMinutes)*60_000
	idx := -1
	for i, t := range w.Trades {
		if t.Timestamp >= cutoff {
			idx = i
			break
		}
	}
	if idx == -1 {
		w.Trades = w.Trades[:0]
		return
	}
	if idx > 0 {
		w.Trades = w.Trades[idx:]
	}
}

// Window returns the trades within the last `minutes` before nowMs.
// minutes larger than the configured window is capped at the full window.
func (w *TradeWindow) Window(minutes int, nowMs int64) []types.Trade {
	w.evict(nowMs)
	if minutes >= w.WindowMinutes {
		out := make([]types.Trade, len(w.Trades))
		copy(out, w.Trades)
		return out
	}
	cutoff := nowMs - int64(minutes)*60_000
	out := make([]types.Trade, 0, len(w.Trades))
	for _, t := range w.Trades {
		if t.Timestamp >= cutoff {
			out = append(out, t)
		}
	}
	return out
}

// Count returns the number of trades within the last `minutes` before nowMs.
func (w *TradeWindow) Count(minutes int, nowMs int64) int {
	w.evict(nowMs)
	if minutes >= w.WindowMinutes {
		return len(w.Trades)
	}
	cutoff := nowMs - int64(minutes)*60_000
	n := 0
	for _, t := range w.Trades {
		if t.Timestamp >= cutoff {
			n++
		}
	}
	return n
}

// Notionals returns the notional of every trade currently in the window.
func (w *TradeWindow) Notionals(nowMs int64) []float64 {
	w.evict(nowMs)
	out := make([]float64, len(w.Trades))
	for i, t := range w.Trades {
		out[i] = t.Notional()
	}
	return out
}

// InterArrival computes gap statistics over the current window contents.
// Fewer than two trades yields a zero value.
func (w *TradeWindow) InterArrival(nowMs int64) InterArrivalStats {
	w.evict(nowMs)
	if len(w.Trades) < 2 {
		return InterArrivalStats{}
	}

	ts := make([]int64, len(w.Trades))
	for i, t := range w.Trades {
		ts[i] = t.Timestamp
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	gaps := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		gaps = append(gaps, float64(ts[i]-ts[i-1]))
	}

	stats := InterArrivalStats{
		Count: len(gaps),
		MinMs: gaps[0],
		MaxMs: gaps[0],
	}
	sum := 0.0
	for _, g := range gaps {
		sum += g
		if g < stats.MinMs {
			stats.MinMs = g
		}
		if g > stats.MaxMs {
			stats.MaxMs = g
		}
	}
	stats.MeanMs = sum / float64(len(gaps))
	stats.MedianMs = Median(gaps)
	return stats
}
