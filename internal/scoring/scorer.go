// Package scoring turns a feature vector into anomaly, execution, and edge
// scores, blends them into a composite, and picks out the window trades that
// drove the signal.
package scoring

import (
	"log/slog"
	"math"
	"sort"

	"polysignal/internal/config"
	"polysignal/internal/rolling"
	"polysignal/pkg/types"
)

// Default paper-trade size used when the caller does not specify one.
const DefaultTargetSizeUSD = 100

// WalletAgeFn resolves a taker address to its wallet age in days, or nil when
// the address is unknown. Lookups must be cheap; the scorer calls this on the
// hot path for at most three trades per score.
type WalletAgeFn func(address string) *float64

// Scorer computes Score records and feeds the downstream strategy queue.
type Scorer struct {
	cfg       config.ScoringConfig
	logger    *slog.Logger
	walletAge WalletAgeFn
	jobs      chan<- types.StrategyJob
}

func NewScorer(cfg config.ScoringConfig, logger *slog.Logger, walletAge WalletAgeFn, jobs chan<- types.StrategyJob) *Scorer {
	if walletAge == nil {
		walletAge = func(string) *float64 { return nil }
	}
	return &Scorer{cfg: cfg, logger: logger.With("component", "scoring"), walletAge: walletAge, jobs: jobs}
}

// ComputeScores is the single scoring operation. It is pure with respect to
// the token state: it reads the trade window and current book but mutates
// nothing. targetSizeUSD sizes the paper-trade execution estimates; pass
// DefaultTargetSizeUSD when in doubt.
func (s *Scorer) ComputeScores(state *rolling.TokenState, fv types.FeatureVector, nowMs int64, targetSizeUSD float64) types.Score {
	if targetSizeUSD <= 0 {
		targetSizeUSD = DefaultTargetSizeUSD
	}

	ramp := fv.Time.RampMultiplier
	if ramp < 1 {
		ramp = 1
	}

	score := types.Score{
		TokenID:        fv.TokenID,
		ConditionID:    fv.ConditionID,
		Timestamp:      nowMs,
		RampMultiplier: ramp,
	}

	var book *types.BookMetrics
	if bs := state.CurrentBook(); bs != nil {
		book = &bs.Metrics
	}

	score.Anomaly, score.Triggered = s.anomalyScore(fv, ramp)
	score.TripleSignal = s.tripleSignal(fv)
	score.Execution, score.ExecutionDetail = s.executionScore(fv, book, ramp, targetSizeUSD)
	score.Edge, score.EdgeDetail = s.edgeScore(fv, book, score.Anomaly, score.Execution)

	w := s.cfg.WeightAnomaly + s.cfg.WeightEdge + s.cfg.WeightExecution
	blended := (s.cfg.WeightAnomaly*score.Anomaly +
		s.cfg.WeightEdge*score.Edge +
		s.cfg.WeightExecution*score.Execution) / w
	score.Composite = clamp01(blended * ramp)
	score.SignalStrength = types.StrengthFromComposite(score.Composite)

	score.TriggeringTrades = s.triggeringTrades(state, nowMs)
	score.HighestTrade1h = s.highestTrade(state, nowMs)

	return score
}

// MaybeEnqueue hands the score to the strategy queue when it is actionable:
// some signal strength and the market is not inside the no-trade zone. The
// send never blocks; a full queue drops the job and reports false.
func (s *Scorer) MaybeEnqueue(score types.Score, inNoTradeZone bool) bool {
	if score.SignalStrength == types.StrengthNone || inNoTradeZone || s.jobs == nil {
		return false
	}
	job := types.StrategyJob{
		TokenID:     score.TokenID,
		ConditionID: score.ConditionID,
		Timestamp:   score.Timestamp,
		Score:       score,
		Strength:    score.SignalStrength,
	}
	select {
	case s.jobs <- job:
		return true
	default:
		s.logger.Warn("strategy queue full, dropping job", "token_id", score.TokenID, "strength", score.SignalStrength)
		return false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Anomaly

// anomalyScore blends the persistent evidence (size tail, book asymmetry,
// wallet newness, price impact) with the contextual evidence (change point or
// burst, whichever is louder), then applies the time-to-close ramp.
func (s *Scorer) anomalyScore(fv types.FeatureVector, ramp float64) (float64, bool) {
	var sizeTail, impact float64
	if fv.TradeSize != nil {
		sizeTail = fv.TradeSize.SizeTailScore
	}
	if fv.Impact != nil {
		impact = fv.Impact.ImpactScore
	}
	// An unresolved wallet is neither cleared nor condemned.
	walletNew := 0.5
	if fv.Wallet != nil {
		walletNew = fv.Wallet.WalletNewScore
	}

	asym := 0.6*fv.Book.BookImbalanceScore + 0.4*fv.Book.ThinOppositeScore
	core := 0.35*sizeTail + 0.30*asym + 0.20*walletNew + 0.15*impact
	context := math.Max(fv.ChangePoint.ChangePointScore, fv.Burst.BurstScore)

	anomaly := clamp01(ramp * (0.7*core + 0.3*context))
	return anomaly, anomaly >= s.cfg.AnomalyTrigger
}

// tripleSignal is the high-precision conjunction: an extreme-size trade into
// a one-sided, thin book, from a wallet that is either brand new or barely
// used. Absent wallet data fails the wallet clause.
func (s *Scorer) tripleSignal(fv types.FeatureVector) bool {
	if fv.TradeSize == nil || fv.TradeSize.SizeTailScore < s.cfg.TripleSizeTail {
		return false
	}
	if fv.Book.BookImbalanceScore < s.cfg.TripleBookImbalance {
		return false
	}
	if fv.Book.ThinOppositeScore < s.cfg.TripleThinOpposite {
		return false
	}
	if fv.Wallet == nil {
		return false
	}
	return fv.Wallet.WalletNewScore >= s.cfg.TripleWalletNew ||
		fv.Wallet.ActivityScore >= s.cfg.TripleWalletActivity
}

// ————————————————————————————————————————————————————————————————————————
// Execution

func (s *Scorer) executionScore(fv types.FeatureVector, book *types.BookMetrics, ramp, targetSizeUSD float64) (float64, types.ExecutionDetail) {
	var spreadBps, imbalance float64
	if book != nil {
		spreadBps = book.SpreadBps
		imbalance = book.Imbalance
	}

	spreadPenalty := clamp01((spreadBps - s.cfg.MinAcceptableSpreadBps) /
		(s.cfg.MaxAcceptableSpreadBps - s.cfg.MinAcceptableSpreadBps))
	volPenalty := 0.6*math.Min(1, spreadBps/500) + 0.4*math.Abs(imbalance)
	timeScore := math.Min(1, 1/ramp)

	exec := 0.40*fv.Book.DepthScore + 0.25*(1-spreadPenalty) + 0.25*(1-volPenalty) + 0.10*timeScore

	detail := types.ExecutionDetail{}
	if book != nil {
		// Depth available within 5% of mid on the thinner side: the size a
		// marketable limit could realistically take without walking the book.
		detail.DepthAtLimit = math.Min(book.BidDepth5Pct, book.AskDepth5Pct) * book.MidPrice
		overflow := 0.0
		if detail.DepthAtLimit > 0 {
			overflow = math.Max(0, targetSizeUSD-detail.DepthAtLimit) / targetSizeUSD
		} else {
			overflow = 1
		}
		detail.SlippageEstimateBps = spreadBps/2 + 100*overflow
		detail.FillProbability = clamp01((1 - 0.5*spreadPenalty) * (1 - overflow))
	}

	return clamp01(exec), detail
}

// ————————————————————————————————————————————————————————————————————————
// Edge

func (s *Scorer) edgeScore(fv types.FeatureVector, book *types.BookMetrics, anomaly, execScore float64) (float64, types.EdgeDetail) {
	detail := types.EdgeDetail{}
	if book == nil || book.MidPrice <= 0 {
		return 0, detail
	}

	imbalance := book.Imbalance
	detail.ImpliedProbability = book.MidPrice

	adjustment := imbalance*math.Min(0.15, 0.1*anomaly) + imbalance*math.Abs(imbalance)*0.05
	if fv.Wallet != nil && fv.TradeSize != nil && fv.Wallet.IsNewAccount && fv.TradeSize.IsLargeTrade {
		adjustment *= 1.2
	}

	detail.EstimatedProbability = clamp(detail.ImpliedProbability+adjustment, 0.01, 0.99)
	detail.Edge = detail.EstimatedProbability - detail.ImpliedProbability

	aligned := 0
	if fv.TradeSize != nil && fv.TradeSize.IsLargeTrade {
		aligned++
	}
	if math.Abs(imbalance) > 0.3 {
		aligned++
	}
	if fv.Burst.BurstDetected {
		aligned++
	}
	if fv.ChangePoint.Detected {
		aligned++
	}
	if fv.Wallet != nil && fv.Wallet.IsNewAccount {
		aligned++
	}
	detail.AlignedSignals = aligned
	detail.EdgeConfidence = math.Min(0.9, 0.2+0.14*float64(aligned))

	return clamp01(math.Abs(detail.Edge) * 5 * detail.EdgeConfidence * execScore), detail
}

// ————————————————————————————————————————————————————————————————————————
// Triggering trades

// triggeringTrades returns the top three window trades that are both large in
// dollar terms and in the tail of the token's own size distribution.
func (s *Scorer) triggeringTrades(state *rolling.TokenState, nowMs int64) []types.TriggeringTrade {
	window := state.TradeWindow(60, nowMs)
	if len(window) == 0 {
		return nil
	}
	q95 := state.TradeSizeQuantile(95)

	var big []types.Trade
	for _, tr := range window {
		n := tr.Notional()
		if n >= s.cfg.TriggeringTradeFloorUSD && n >= q95 {
			big = append(big, tr)
		}
	}
	sort.Slice(big, func(i, j int) bool { return big[i].Notional() > big[j].Notional() })
	if len(big) > 3 {
		big = big[:3]
	}

	out := make([]types.TriggeringTrade, 0, len(big))
	for _, tr := range big {
		tt := types.TriggeringTrade{Trade: tr}
		if tr.TakerAddress != "" {
			tt.WalletAgeDays = s.walletAge(tr.TakerAddress)
		}
		out = append(out, tt)
	}
	return out
}

// highestTrade picks the single largest window trade above the display
// floor, independent of the triggering criteria.
func (s *Scorer) highestTrade(state *rolling.TokenState, nowMs int64) *types.Trade {
	var best *types.Trade
	for _, tr := range state.TradeWindow(60, nowMs) {
		if tr.Notional() < s.cfg.HighestTradeFloorUSD {
			continue
		}
		if best == nil || tr.Notional() > best.Notional() {
			t := tr
			best = &t
		}
	}
	return best
}

func clamp01(x float64) float64 { return clamp(x, 0, 1) }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
