// Package features transforms one (trade, book, market-meta, wallet) event
// into a full feature vector. All statistics come from the rolling state
// engine; this package owns only the derivations and their edge-case
// defaults. CPU-only: nothing here blocks.
package features

import (
	"log/slog"
	"math"

	"polysignal/internal/config"
	"polysignal/internal/rolling"
	"polysignal/pkg/types"
)

// minWindowSamples is the point below which trade-size statistics degrade to
// the trade's own notional (zscore 0, percentile 50).
const minWindowSamples = 5

// impactSaturationDrift is the confirming mid move (in price units) at which
// the impact score saturates at 1.
const impactSaturationDrift = 0.05

// Computer derives feature vectors. It is stateless apart from its config;
// one instance serves all tokens.
type Computer struct {
	cfg    config.FeaturesConfig
	logger *slog.Logger
}

// NewComputer creates a feature computer.
func NewComputer(cfg config.FeaturesConfig, logger *slog.Logger) *Computer {
	return &Computer{cfg: cfg, logger: logger.With("component", "features")}
}

// Compute builds the feature vector for one event. trade is nil for
// book-only events; wallet is nil when enrichment was unavailable. The
// caller must invoke this inside the rolling engine's per-token ownership
// (state must not be shared concurrently).
func (c *Computer) Compute(
	state *rolling.TokenState,
	market *types.MarketInfo,
	wallet *types.WalletEnrichment,
	nowMs int64,
	trade *types.Trade,
) types.FeatureVector {
	fv := types.FeatureVector{
		TokenID:   state.TokenID,
		Timestamp: nowMs,
	}
	if market != nil {
		fv.ConditionID = market.ConditionID
	}

	fv.Time = c.timeFeatures(market, nowMs)
	fv.Book = c.bookFeatures(state.CurrentBook())
	fv.Burst = c.burstFeatures(state, nowMs)
	fv.ChangePoint = c.changePointFeatures(state)

	if trade != nil {
		fv.TradeSize = c.tradeSizeFeatures(state, *trade, nowMs)
		fv.Impact = c.impactFeatures(state, *trade, nowMs)
	}
	if wallet != nil {
		fv.Wallet = c.walletFeatures(wallet, nowMs)
	}
	return fv
}

// RampMultiplier computes min(max, 1 + α·exp(−β·ttcHours)). At zero hours to
// close this is 1+α (capped); far from close it decays to 1.
func (c *Computer) RampMultiplier(ttcHours float64) float64 {
	if ttcHours < 0 {
		ttcHours = 0
	}
	ramp := 1 + c.cfg.RampAlpha*math.Exp(-c.cfg.RampBeta*ttcHours)
	if ramp > c.cfg.RampMax {
		ramp = c.cfg.RampMax
	}
	return ramp
}

func (c *Computer) timeFeatures(market *types.MarketInfo, nowMs int64) types.TimeFeatures {
	tf := types.TimeFeatures{RampMultiplier: 1}
	if market == nil || market.EndDate.IsZero() {
		return tf
	}

	ttcMs := market.EndDate.UnixMilli() - nowMs
	if ttcMs < 0 {
		ttcMs = 0
	}
	tf.TTCSeconds = float64(ttcMs) / 1000
	tf.TTCHours = tf.TTCSeconds / 3600
	tf.RampMultiplier = c.RampMultiplier(tf.TTCHours)

	mins := tf.TTCSeconds / 60
	tf.Within5m = mins <= 5
	tf.Within15m = mins <= 15
	tf.Within30m = mins <= 30
	tf.Within60m = mins <= 60
	tf.Within120m = mins <= 120
	tf.InNoTradeZone = tf.TTCSeconds <= c.cfg.NoTradeZoneSeconds
	return tf
}

func (c *Computer) tradeSizeFeatures(state *rolling.TokenState, trade types.Trade, nowMs int64) *types.TradeSizeFeatures {
	notional := trade.Notional()
	ts := &types.TradeSizeFeatures{Notional: notional}

	notionals := state.WindowNotionals(nowMs)
	if len(notionals) < minWindowSamples {
		// Too little context: the distribution collapses onto this trade.
		ts.RollingMedian = notional
		ts.RollingMAD = 0
		ts.Q95, ts.Q99, ts.Q999 = notional, notional, notional
		ts.RobustZ = 0
		ts.Percentile = 50
	} else {
		ts.RollingMedian = rolling.Median(notionals)
		ts.RollingMAD = rolling.MAD(notionals)
		qs := rolling.Quantiles(notionals, 0.95, 0.99, 0.999)
		ts.Q95, ts.Q99, ts.Q999 = qs[0], qs[1], qs[2]
		ts.RobustZ = rolling.RobustZ(notional, ts.RollingMedian, ts.RollingMAD)
		ts.Percentile = state.TradeSizePercentile(notional)
	}

	ts.RawSizeTailScore = RawSizeTailScore(ts.Percentile)
	ts.DollarFloorMultiplier = c.dollarFloor(notional)
	ts.SizeTailScore = ts.RawSizeTailScore * ts.DollarFloorMultiplier

	ts.IsLargeTrade = ts.RobustZ > 3 || ts.Percentile > 99
	ts.IsTailTrade = ts.Percentile > 95
	ts.IsExtremeTrade = ts.Percentile > 99.9
	return ts
}

// RawSizeTailScore maps a size percentile onto [0, 1], piecewise linear:
// 0→0.5 over [0,95], 0.5→0.9 over [95,99], 0.9→0.98 over [99,99.9], then
// 0.98→1.0 up to 100.
func RawSizeTailScore(percentile float64) float64 {
	p := percentile
	switch {
	case p <= 0:
		return 0
	case p <= 95:
		return 0.5 * p / 95
	case p <= 99:
		return 0.5 + 0.4*(p-95)/4
	case p <= 99.9:
		return 0.9 + 0.08*(p-99)/0.9
	case p < 100:
		return 0.98 + 0.02*(p-99.9)/0.1
	default:
		return 1
	}
}

// dollarFloor discounts tail scores for trades too small to matter.
func (c *Computer) dollarFloor(notional float64) float64 {
	switch {
	case notional < c.cfg.DollarFloorTier1:
		return 0
	case notional < c.cfg.DollarFloorTier2:
		return 0.5
	case notional < c.cfg.DollarFloorTier3:
		return 0.75
	default:
		return 1.0
	}
}

func (c *Computer) bookFeatures(book *rolling.BookState) types.BookFeatures {
	if book == nil {
		// Neutral default: unknown spread is not penalized, unknown depth is.
		return types.BookFeatures{
			SpreadScore:   1,
			DepthScore:    0,
			ThinSideRatio: 1,
			HasBook:       false,
		}
	}

	m := book.Metrics
	bf := types.BookFeatures{
		Imbalance: m.Imbalance,
		SpreadBps: m.SpreadBps,
		HasBook:   true,
	}

	bf.BookImbalanceScore = math.Min(1, math.Abs(m.Imbalance)/0.7)

	bidDepth, askDepth := m.BidDepth10, m.AskDepth10
	maxDepth := math.Max(bidDepth, askDepth)
	if maxDepth > 0 {
		bf.ThinSideRatio = math.Min(bidDepth, askDepth) / maxDepth
	} else {
		bf.ThinSideRatio = 1
	}
	bf.ThinOppositeScore = math.Max(0, 1-bf.ThinSideRatio)

	bf.SpreadScore = math.Max(0, 1-m.SpreadBps/500)
	bf.TotalDepth = bidDepth + askDepth
	bf.DepthScore = math.Min(1, bf.TotalDepth/100)

	bf.IsAsymmetric = math.Abs(m.Imbalance) > 0.5 && bf.ThinSideRatio < 0.3
	return bf
}

func (c *Computer) walletFeatures(w *types.WalletEnrichment, nowMs int64) *types.WalletFeatures {
	wf := &types.WalletFeatures{
		TransactionCount: w.TransactionCount,
		Source:           w.Source,
	}

	wf.AgeDays = w.AgeDays(nowMs)
	wf.ActivityScore = activityScore(w.TransactionCount)
	wf.WalletNewScore = walletNewScore(wf.AgeDays)

	unknownScore := 0.0
	if wf.AgeDays == nil {
		unknownScore = 1
	}
	// Risk blends newness (half), low activity (0.3), and unknown
	// provenance (0.2).
	wf.WalletRiskScore = 0.5*wf.WalletNewScore + 0.3*wf.ActivityScore + 0.2*unknownScore

	wf.IsNewAccount = wf.AgeDays != nil && *wf.AgeDays < 7
	wf.IsLowActivity = w.TransactionCount < 50 || wf.AgeDays == nil
	return wf
}

// activityScore grows as transaction history shrinks: sparse wallets are
// the suspicious ones.
func activityScore(txCount int) float64 {
	switch {
	case txCount < 10:
		return 0.9
	case txCount < 50:
		return 0.6
	case txCount < 100:
		return 0.3
	default:
		return 0.1
	}
}

// walletNewScore is 1.0 under 7 days of age and decays linearly to 0 by 180
// days; unknown age scores 0.5 (can't clear the wallet, can't condemn it).
func walletNewScore(ageDays *float64) float64 {
	if ageDays == nil {
		return 0.5
	}
	age := *ageDays
	switch {
	case age < 7:
		return 1
	case age >= 180:
		return 0
	default:
		return 1 - (age-7)/(180-7)
	}
}

func (c *Computer) impactFeatures(state *rolling.TokenState, trade types.Trade, nowMs int64) *types.ImpactFeatures {
	// Streaming proxy: the mid drift observed over the trailing 30/60 s,
	// signed so a move in the trade's direction is positive. Absent history
	// means a nil group.
	midNow, ok := state.MidAt(nowMs)
	if !ok {
		return nil
	}
	mid30, ok30 := state.MidAt(nowMs - 30_000)
	mid60, ok60 := state.MidAt(nowMs - 60_000)
	if !ok30 || !ok60 {
		return nil
	}

	dir := 1.0
	if trade.Side == types.SELL {
		dir = -1
	}

	imp := &types.ImpactFeatures{
		Drift30s: (midNow - mid30) * dir,
		Drift60s: (midNow - mid60) * dir,
	}
	imp.ImpactScore = clip01(imp.Drift60s / impactSaturationDrift)
	return imp
}

func (c *Computer) burstFeatures(state *rolling.TokenState, nowMs int64) types.BurstFeatures {
	intensity, detected := state.HawkesIntensity(nowMs)
	baseline := state.HawkesBaseline()

	gaps := state.InterArrivalStats(nowMs)
	bf := types.BurstFeatures{
		TradeCount1m:  state.TradeCount(1, nowMs),
		TradeCount5m:  state.TradeCount(5, nowMs),
		Intensity:     intensity,
		Baseline:      baseline,
		MeanGapMs:     gaps.MeanMs,
		MinGapMs:      gaps.MinMs,
		BurstDetected: detected,
	}
	if baseline > 0 {
		bf.IntensityRatio = intensity / baseline
	}
	bf.BurstScore = clip01((bf.IntensityRatio - 1) / 4)
	return bf
}

func (c *Computer) changePointFeatures(state *rolling.TokenState) types.ChangePointFeatures {
	cf := types.ChangePointFeatures{RegimeShift: types.RegimeNone}

	var winner *rolling.Cusum
	for _, metric := range state.CusumMetrics() {
		cs := state.CusumState(metric)
		if cs == nil {
			continue
		}
		if cs.MaxStatistic > cf.FocusStatistic {
			cf.FocusStatistic = cs.MaxStatistic
			cf.Metric = metric
			winner = cs
		}
	}
	if winner == nil {
		return cf
	}

	cf.Threshold = winner.Threshold
	// Smooth saturating score: 0.5 exactly at the threshold, → 1 beyond it.
	if cf.FocusStatistic > 0 {
		cf.ChangePointScore = cf.FocusStatistic / (cf.FocusStatistic + winner.Threshold)
	}
	if winner.Detected() {
		cf.Detected = true
		cf.ChangePointTimestamp = winner.ChangePointTimeMs
		if winner.IncreasingShift {
			cf.RegimeShift = types.RegimeIncrease
		} else {
			cf.RegimeShift = types.RegimeDecrease
		}
	}
	return cf
}

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
