package research

import (
	"fmt"
	"math"
	"sort"
	"time"

	"polysignal/internal/stats"
	"polysignal/pkg/types"
)

const baselineWinRate = 0.5

// ComputePnL aggregates hypothetical flat-sized P&L over resolved events. A
// win pays notional·(1−price), a loss costs notional·price.
func ComputePnL(events []types.ContrarianEvent) *types.PnLMetrics {
	m := &types.PnLMetrics{SampleSize: len(events)}
	if len(events) == 0 {
		m.Warnings = append(m.Warnings, "no resolved events")
		return m
	}

	var priceSum float64
	for _, e := range events {
		priceSum += e.TradePrice
		m.TotalNotional += e.TradeNotional
		if e.OutcomeWon {
			m.Wins++
			m.TotalWinPnL += e.TradeNotional * (1 - e.TradePrice)
		} else {
			m.Losses++
			m.TotalLossPnL -= e.TradeNotional * e.TradePrice
		}
	}

	m.WinRate = float64(m.Wins) / float64(m.SampleSize)
	m.PnL = m.TotalWinPnL + m.TotalLossPnL
	if m.TotalNotional > 0 {
		m.ROI = m.PnL / m.TotalNotional
	}
	if m.TotalLossPnL != 0 {
		m.ProfitFactor = m.TotalWinPnL / math.Abs(m.TotalLossPnL)
	} else if m.TotalWinPnL > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	m.AvgPrice = priceSum / float64(m.SampleSize)
	m.BreakEvenRate = m.AvgPrice
	m.EdgePoints = (m.WinRate - m.BreakEvenRate) * 100
	m.KellyFraction = stats.Kelly(m.WinRate, m.AvgPrice)
	m.HalfKelly = 0.5 * m.KellyFraction
	m.IsProfitable = m.PnL > 0

	if m.SampleSize < 30 {
		m.Warnings = append(m.Warnings, fmt.Sprintf("small sample: %d events", m.SampleSize))
	}
	if m.WinRate < m.BreakEvenRate {
		m.Warnings = append(m.Warnings,
			fmt.Sprintf("win rate %.1f%% is below break-even %.1f%%", m.WinRate*100, m.BreakEvenRate*100))
	}
	return m
}

// Summarize computes the headline correlation report for one event set and
// contrarian mode: point-biserial r with significance, signal win rate and
// lift, AUC on the composite indicator score, chronological 60/20/20
// splits, and P&L over the predictor-positive events.
func Summarize(events []types.ContrarianEvent, mode types.ContrarianMode) *types.CorrelationSummary {
	s := &types.CorrelationSummary{
		SampleSize:      len(events),
		Mode:            mode,
		BaselineWinRate: baselineWinRate,
	}
	if len(events) == 0 {
		return s
	}

	predictor := make([]bool, len(events))
	outcome := make([]bool, len(events))
	scores := make([]float64, len(events))
	var flagged []types.ContrarianEvent
	for i := range events {
		e := &events[i]
		predictor[i] = e.ContrarianByMode(mode)
		outcome[i] = e.OutcomeWon
		scores[i] = e.CompositeSignalScore()
		if predictor[i] {
			flagged = append(flagged, *e)
		}
	}
	s.PredictorCount = len(flagged)

	corr := stats.PointBiserial(predictor, outcome)
	s.R, s.PValue = corr.R, corr.PValue
	s.CILower, s.CIUpper = corr.CILower, corr.CIUpper
	s.AUC = stats.AUC(scores, outcome)

	if len(flagged) > 0 {
		wins := 0
		for _, e := range flagged {
			if e.OutcomeWon {
				wins++
			}
		}
		s.SignalWinRate = float64(wins) / float64(len(flagged))
		s.Lift = (s.SignalWinRate - baselineWinRate) / baselineWinRate
		s.PnL = ComputePnL(flagged)
	}

	s.Splits = chronologicalSplits(events, mode)
	return s
}

// chronologicalSplits recomputes the correlation metrics on 60/20/20
// train/validate/test segments in time order. Segments below 3 events are
// skipped.
func chronologicalSplits(events []types.ContrarianEvent, mode types.ContrarianMode) []types.SplitMetrics {
	sorted := make([]types.ContrarianEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TradeTimestamp < sorted[j].TradeTimestamp })

	n := len(sorted)
	bounds := []struct {
		name     string
		from, to int
	}{
		{"train", 0, n * 6 / 10},
		{"validate", n * 6 / 10, n * 8 / 10},
		{"test", n * 8 / 10, n},
	}

	var out []types.SplitMetrics
	for _, b := range bounds {
		seg := sorted[b.from:b.to]
		if len(seg) < 3 {
			continue
		}
		predictor := make([]bool, len(seg))
		outcome := make([]bool, len(seg))
		scores := make([]float64, len(seg))
		wins := 0
		for i := range seg {
			predictor[i] = seg[i].ContrarianByMode(mode)
			outcome[i] = seg[i].OutcomeWon
			scores[i] = seg[i].CompositeSignalScore()
			if seg[i].OutcomeWon {
				wins++
			}
		}
		corr := stats.PointBiserial(predictor, outcome)
		out = append(out, types.SplitMetrics{
			Name:       b.name,
			SampleSize: len(seg),
			R:          corr.R,
			PValue:     corr.PValue,
			WinRate:    float64(wins) / float64(len(seg)),
			AUC:        stats.AUC(scores, outcome),
		})
	}
	return out
}

// RollingCorrelation computes daily-stepped windows of windowDays width.
// Windows with fewer than 5 events are skipped.
func RollingCorrelation(events []types.ContrarianEvent, mode types.ContrarianMode, windowDays int) []types.RollingPoint {
	if len(events) == 0 {
		return nil
	}
	if windowDays <= 0 {
		windowDays = 7
	}

	sorted := make([]types.ContrarianEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TradeTimestamp < sorted[j].TradeTimestamp })

	first := time.UnixMilli(sorted[0].TradeTimestamp).UTC().Truncate(24 * time.Hour)
	last := time.UnixMilli(sorted[len(sorted)-1].TradeTimestamp).UTC()

	var out []types.RollingPoint
	for end := first.AddDate(0, 0, windowDays); !end.After(last.AddDate(0, 0, 1)); end = end.AddDate(0, 0, 1) {
		start := end.AddDate(0, 0, -windowDays)
		var predictor, outcome []bool
		wins, n := 0, 0
		for i := range sorted {
			ts := sorted[i].TradeTimestamp
			if ts < start.UnixMilli() || ts >= end.UnixMilli() {
				continue
			}
			predictor = append(predictor, sorted[i].ContrarianByMode(mode))
			outcome = append(outcome, sorted[i].OutcomeWon)
			if sorted[i].OutcomeWon {
				wins++
			}
			n++
		}
		if n < 5 {
			continue
		}
		corr := stats.PointBiserial(predictor, outcome)
		out = append(out, types.RollingPoint{
			Date:       end.Format("2006-01-02"),
			R:          corr.R,
			WinRate:    float64(wins) / float64(n),
			SampleSize: n,
			CILower:    corr.CILower,
			CIUpper:    corr.CIUpper,
		})
	}
	return out
}

// BreakdownFactors enumerates the supported grouping factors.
var BreakdownFactors = []string{"liquidity", "time_to_close", "category", "new_wallet"}

// Breakdown groups events by one factor and reports per-group win rate, lift
// over the 50% baseline, and a bootstrap CI. Groups under 3 events are
// dropped; the result is sorted by lift descending.
func Breakdown(events []types.ContrarianEvent, factor string) ([]types.BreakdownGroup, error) {
	if !validFactor(factor) {
		return nil, fmt.Errorf("unknown breakdown factor %q", factor)
	}

	var spreads []float64
	if factor == "liquidity" {
		spreads = make([]float64, 0, len(events))
		for i := range events {
			spreads = append(spreads, events[i].SpreadBps)
		}
		sort.Float64s(spreads)
	}

	group := func(e *types.ContrarianEvent) string {
		switch factor {
		case "liquidity":
			return spreadDecile(spreads, e.SpreadBps)
		case "time_to_close":
			return ttcBucket(e.MinutesBeforeClose)
		case "category":
			if e.Category == "" {
				return "uncategorized"
			}
			return e.Category
		default: // new_wallet
			if e.IsNewWallet {
				return "new"
			}
			return "established"
		}
	}

	buckets := map[string][]bool{}
	for i := range events {
		g := group(&events[i])
		buckets[g] = append(buckets[g], events[i].OutcomeWon)
	}

	var out []types.BreakdownGroup
	for g, outcomes := range buckets {
		if len(outcomes) < 3 {
			continue
		}
		wins := 0
		for _, won := range outcomes {
			if won {
				wins++
			}
		}
		winRate := float64(wins) / float64(len(outcomes))
		lo, hi := stats.BootstrapWinRateCI(outcomes, int64(len(outcomes)))
		out = append(out, types.BreakdownGroup{
			Factor:     factor,
			Group:      g,
			SampleSize: len(outcomes),
			WinRate:    winRate,
			Lift:       (winRate - baselineWinRate) / baselineWinRate,
			CILower:    lo,
			CIUpper:    hi,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lift > out[j].Lift })
	return out, nil
}

func validFactor(factor string) bool {
	for _, f := range BreakdownFactors {
		if f == factor {
			return true
		}
	}
	return false
}

func ttcBucket(minutes float64) string {
	switch {
	case minutes < 15:
		return "0-15m"
	case minutes < 30:
		return "15-30m"
	case minutes < 60:
		return "30-60m"
	default:
		return "60m+"
	}
}

// spreadDecile places a spread into the decile of the sorted observed spread
// distribution, lowest spread = most liquid.
func spreadDecile(sorted []float64, spread float64) string {
	if len(sorted) == 0 {
		return "decile_1"
	}
	rank := sort.SearchFloat64s(sorted, spread)
	d := rank * 10 / len(sorted)
	if d > 9 {
		d = 9
	}
	return fmt.Sprintf("decile_%d", d+1)
}

// modelFeatureNames is the fixed 8-feature design of the model report.
var modelFeatureNames = []string{
	"price_contrarian", "against_trend", "against_ofi", "tail_trade",
	"asymmetric_book", "new_wallet", "size_percentile", "minutes_to_close",
}

// minModelEvents gates the logistic model report.
const minModelEvents = 50

// FitModelReport trains the L2 logistic regression on the fixed feature
// matrix and reports split AUCs plus a 10-bin calibration curve on the test
// segment. Returns nil below 50 events.
func FitModelReport(events []types.ContrarianEvent, cfg stats.LogitConfig) *types.ModelReport {
	if len(events) < minModelEvents {
		return nil
	}

	sorted := make([]types.ContrarianEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TradeTimestamp < sorted[j].TradeTimestamp })

	x := make([][]float64, len(sorted))
	y := make([]bool, len(sorted))
	maxMinutes := 1.0
	for i := range sorted {
		if sorted[i].MinutesBeforeClose > maxMinutes {
			maxMinutes = sorted[i].MinutesBeforeClose
		}
	}
	for i := range sorted {
		e := &sorted[i]
		x[i] = []float64{
			b2f(e.IsPriceContrarian), b2f(e.IsAgainstTrend), b2f(e.IsAgainstOFI),
			b2f(e.IsTailTrade), b2f(e.IsAsymmetricBook), b2f(e.IsNewWallet),
			e.SizePercentile / 100,
			e.MinutesBeforeClose / maxMinutes,
		}
		y[i] = e.OutcomeWon
	}

	n := len(x)
	trainEnd, valEnd := n*6/10, n*8/10
	model := stats.FitLogit(x[:trainEnd], y[:trainEnd], cfg)
	if model == nil {
		return nil
	}

	report := &types.ModelReport{
		SampleSize:        n,
		Intercept:         model.Intercept,
		Coefficients:      map[string]float64{},
		FeatureImportance: map[string]float64{},
		TrainAUC:          stats.AUC(model.PredictAll(x[:trainEnd]), y[:trainEnd]),
		ValidateAUC:       stats.AUC(model.PredictAll(x[trainEnd:valEnd]), y[trainEnd:valEnd]),
		TestAUC:           stats.AUC(model.PredictAll(x[valEnd:]), y[valEnd:]),
	}

	var absSum float64
	for _, w := range model.Weights {
		absSum += math.Abs(w)
	}
	for j, name := range modelFeatureNames {
		report.Coefficients[name] = model.Weights[j]
		if absSum > 0 {
			report.FeatureImportance[name] = math.Abs(model.Weights[j]) / absSum
		}
	}

	for _, p := range stats.CalibrationCurve(model.PredictAll(x[valEnd:]), y[valEnd:], 10) {
		report.Calibration = append(report.Calibration, types.CalibrationBin{
			BinLow:       p.BinLow,
			BinHigh:      p.BinHigh,
			MeanPredict:  p.MeanPredict,
			MeanObserved: p.MeanObserved,
			Count:        p.Count,
		})
	}
	return report
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
