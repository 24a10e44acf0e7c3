package rolling

import (
	"encoding/json"
	"sync"

	"polysignal/internal/config"
	"polysignal/pkg/types"
)

// midSample is one observed mid price, kept for post-trade drift estimation.
type midSample struct {
	TimeMs int64   `json:"t"`
	Mid    float64 `json:"m"`
}

// midHistorySpanMs bounds the mid-price ring: drift queries look back at
// most two minutes.
const midHistorySpanMs = 2 * 60_000

// BookState is the latest order book snapshot plus derived metrics.
type BookState struct {
	Snapshot types.OrderBookSnapshot
	Metrics  types.BookMetrics
}

// TokenState is the complete rolling state for one token. All methods must
// be called under the ownership discipline enforced by Engine: one worker
// per token at a time.
type TokenState struct {
	TokenID string

	digest *Digest
	hawkes *Hawkes
	cusums map[string]*Cusum
	window *TradeWindow

	book    *BookState
	midHist []midSample
}

// newTokenState builds fresh state from the rolling configuration.
func newTokenState(tokenID string, cfg config.RollingConfig) *TokenState {
	return &TokenState{
		TokenID: tokenID,
		digest:  NewDigest(cfg.DigestCompression),
		hawkes:  NewHawkes(cfg.HawkesMu, cfg.HawkesAlpha, cfg.HawkesBeta),
		cusums: map[string]*Cusum{
			MetricTradeRate: NewCusum(MetricTradeRate, cfg.CusumDriftK, cfg.CusumThreshold),
			MetricSpread:    NewCusum(MetricSpread, cfg.CusumDriftK, cfg.CusumThreshold),
			MetricImbalance: NewCusum(MetricImbalance, cfg.CusumDriftK, cfg.CusumThreshold),
		},
		window: NewTradeWindow(cfg.WindowMinutes),
	}
}

// RecordTrade folds one trade into every per-token estimator: the size
// digest (notional), the Hawkes event list, the trade-rate CUSUM, and the
// bounded window.
func (s *TokenState) RecordTrade(t types.Trade) {
	s.digest.Add(t.Notional())
	s.hawkes.Record(t.Timestamp)
	s.window.Append(t)
	s.cusums[MetricTradeRate].Observe(float64(s.window.Count(1, t.Timestamp)), t.Timestamp)
}

// RecordOrderbook stores the current book state and feeds the spread and
// imbalance CUSUMs.
func (s *TokenState) RecordOrderbook(snap types.OrderBookSnapshot, m types.BookMetrics) {
	s.book = &BookState{Snapshot: snap, Metrics: m}

	nowMs := snap.Timestamp.UnixMilli()
	s.cusums[MetricSpread].Observe(m.SpreadBps, nowMs)
	s.cusums[MetricImbalance].Observe(m.Imbalance, nowMs)

	s.midHist = append(s.midHist, midSample{TimeMs: nowMs, Mid: m.MidPrice})
	cutoff := nowMs - midHistorySpanMs
	idx := 0
	for idx < len(s.midHist) && s.midHist[idx].TimeMs < cutoff {
		idx++
	}
	if idx > 0 {
		s.midHist = s.midHist[idx:]
	}
}

// CurrentBook returns the latest book state, or nil if none seen yet.
func (s *TokenState) CurrentBook() *BookState {
	return s.book
}

// TradeSizeQuantile answers the digest at percentile p ∈ [0, 100].
func (s *TokenState) TradeSizeQuantile(p float64) float64 {
	return s.digest.Quantile(p / 100)
}

// TradeSizePercentile returns the percentile rank of a notional, in [0, 100].
// An empty digest ranks everything at 50.
func (s *TokenState) TradeSizePercentile(x float64) float64 {
	return s.digest.CDF(x) * 100
}

// DigestSize returns how many trades the size digest has absorbed.
func (s *TokenState) DigestSize() int {
	return s.digest.Size()
}

// HawkesIntensity returns the intensity at nowMs and the burst flag.
func (s *TokenState) HawkesIntensity(nowMs int64) (float64, bool) {
	return s.hawkes.IntensityAt(nowMs)
}

// HawkesBaseline returns the configured baseline intensity μ.
func (s *TokenState) HawkesBaseline() float64 {
	return s.hawkes.Mu
}

// CusumState returns the detector for a metric, or nil for unknown metrics.
func (s *TokenState) CusumState(metric string) *Cusum {
	return s.cusums[metric]
}

// CusumMetrics lists the tracked metric names.
func (s *TokenState) CusumMetrics() []string {
	return []string{MetricTradeRate, MetricSpread, MetricImbalance}
}

// TradeWindow returns the trades in the last `minutes` before nowMs.
func (s *TokenState) TradeWindow(minutes int, nowMs int64) []types.Trade {
	return s.window.Window(minutes, nowMs)
}

// TradeCount returns the number of trades in the last `minutes`.
func (s *TokenState) TradeCount(minutes int, nowMs int64) int {
	return s.window.Count(minutes, nowMs)
}

// WindowNotionals returns the notionals currently in the full window.
func (s *TokenState) WindowNotionals(nowMs int64) []float64 {
	return s.window.Notionals(nowMs)
}

// InterArrivalStats summarizes trade gaps over the full window.
func (s *TokenState) InterArrivalStats(nowMs int64) InterArrivalStats {
	return s.window.InterArrival(nowMs)
}

// MidAt returns the last mid price observed at or before tMs, or false when
// the history does not reach back that far.
func (s *TokenState) MidAt(tMs int64) (float64, bool) {
	var (
		best  float64
		found bool
	)
	for _, ms := range s.midHist {
		if ms.TimeMs <= tMs {
			best = ms.Mid
			found = true
		} else {
			break
		}
	}
	return best, found
}

// stateBlob is the persisted form of a token's estimator state. The trade
// window rides along so a restart inside a market's lifetime does not reset
// the size distribution context.
type stateBlob struct {
	Digest *Digest           `json:"digest"`
	Hawkes *Hawkes           `json:"hawkes"`
	Cusums map[string]*Cusum `json:"cusums"`
	Window *TradeWindow      `json:"window"`
}

// Snapshot serializes the estimator state for best-effort cache persistence.
func (s *TokenState) Snapshot() ([]byte, error) {
	s.digest.compress()
	return json.Marshal(stateBlob{
		Digest: s.digest,
		Hawkes: s.hawkes,
		Cusums: s.cusums,
		Window: s.window,
	})
}

// Restore replaces the estimator state from a persisted blob. A partial blob
// (missing sections) keeps the fresh defaults for what is absent.
func (s *TokenState) Restore(data []byte) error {
	var blob stateBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return err
	}
	if blob.Digest != nil {
		s.digest = blob.Digest
	}
	if blob.Hawkes != nil {
		s.hawkes = blob.Hawkes
	}
	for name, c := range blob.Cusums {
		if c != nil {
			s.cusums[name] = c
		}
	}
	if blob.Window != nil {
		s.window = blob.Window
	}
	return nil
}

// Engine owns all per-token rolling state. Tokens are created on first
// touch. The engine hands out *TokenState guarded by a per-token mutex via
// WithToken; callers must not retain the pointer past the callback.
type Engine struct {
	cfg config.RollingConfig

	mu     sync.RWMutex
	tokens map[string]*tokenSlot
}

type tokenSlot struct {
	mu    sync.Mutex
	state *TokenState
}

// NewEngine creates an empty rolling state engine.
func NewEngine(cfg config.RollingConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		tokens: make(map[string]*tokenSlot),
	}
}

func (e *Engine) slot(tokenID string) *tokenSlot {
	e.mu.RLock()
	s, ok := e.tokens[tokenID]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.tokens[tokenID]; ok {
		return s
	}
	s = &tokenSlot{state: newTokenState(tokenID, e.cfg)}
	e.tokens[tokenID] = s
	return s
}

// WithToken runs fn with exclusive access to a token's state. This is the
// single-writer-per-token discipline: raw pointers never leave the lock.
func (e *Engine) WithToken(tokenID string, fn func(*TokenState)) {
	s := e.slot(tokenID)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// TokenIDs returns the tokens currently tracked.
func (e *Engine) TokenIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tokens))
	for id := range e.tokens {
		out = append(out, id)
	}
	return out
}

// Drop removes a token's state (market resolved or purged).
func (e *Engine) Drop(tokenID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tokens, tokenID)
}
