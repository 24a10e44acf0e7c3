package research

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"polysignal/internal/config"
	"polysignal/internal/stats"
	"polysignal/internal/warehouse"
	"polysignal/pkg/types"
)

// defaultObjectives orders the rank/Pareto objectives when the grid request
// leaves them empty.
var defaultObjectives = []string{"roi", "winRate", "sharpe", "edgePoints"}

// Optimizer sweeps the cartesian grid of analysis configs over the stored
// event set, corrects the p-values for multiple testing, and persists ranked
// results.
type Optimizer struct {
	wh     *warehouse.Warehouse
	cfg    config.ResearchConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewOptimizer(wh *warehouse.Warehouse, cfg config.ResearchConfig, logger *slog.Logger) *Optimizer {
	if cfg.GridWorkers <= 0 {
		cfg.GridWorkers = 4
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 50
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 20
	}
	return &Optimizer{
		wh:     wh,
		cfg:    cfg,
		logger: logger.With("component", "optimizer"),
		now:    time.Now,
	}
}

// Run executes one grid search under a warehouse job record and returns the
// job id. The heavy loop shares a single loaded event slice across workers;
// each worker filters and scores without touching the database.
func (o *Optimizer) Run(ctx context.Context, grid types.GridSearchConfig) (int64, error) {
	normalizeGrid(&grid)
	total := grid.TotalCombinations()

	jobID, err := o.wh.CreateOptimizationJob(ctx, grid, total)
	if err != nil {
		return 0, fmt.Errorf("create optimization job: %w", err)
	}

	started := o.now()
	results, err := o.sweep(ctx, jobID, grid, total)
	execMs := o.now().Sub(started).Milliseconds()
	if err != nil {
		if ferr := o.wh.FinishOptimizationJob(ctx, jobID, execMs, err.Error()); ferr != nil {
			o.logger.Error("finish failed job", "job_id", jobID, "error", ferr)
		}
		return jobID, err
	}

	applyFDR(results, grid.FDRAlpha)
	applyRanks(results, grid.Objectives)
	markPareto(results, grid.Objectives)

	if err := o.wh.SaveOptimizationResults(ctx, jobID, results); err != nil {
		ferr := o.wh.FinishOptimizationJob(ctx, jobID, execMs, err.Error())
		if ferr != nil {
			o.logger.Error("finish failed job", "job_id", jobID, "error", ferr)
		}
		return jobID, fmt.Errorf("save results: %w", err)
	}

	o.logger.Info("grid search complete",
		"job_id", jobID, "combinations", total, "valid", len(results), "exec_ms", execMs)
	return jobID, o.wh.FinishOptimizationJob(ctx, jobID, execMs, "")
}

func (o *Optimizer) sweep(ctx context.Context, jobID int64, grid types.GridSearchConfig, total int) ([]types.OptimizationResult, error) {
	lookback := grid.LookbackDays
	if lookback <= 0 {
		lookback = o.cfg.BackfillDays
	}
	now := o.now()
	events, err := o.wh.ListEventsSince(ctx, now.AddDate(0, 0, -lookback))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	o.logger.Info("grid search started",
		"job_id", jobID, "combinations", total, "events", len(events), "workers", o.cfg.GridWorkers)

	var (
		mu        sync.Mutex
		results   []types.OptimizationResult
		processed atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	indexes := make(chan int)
	g.Go(func() error {
		defer close(indexes)
		for i := 0; i < total; i++ {
			select {
			case indexes <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < o.cfg.GridWorkers; w++ {
		g.Go(func() error {
			for i := range indexes {
				cfg := configAt(grid, i)
				if res := o.evaluate(events, cfg, now); res != nil {
					mu.Lock()
					results = append(results, *res)
					mu.Unlock()
				}

				n := processed.Add(1)
				if n%int64(o.cfg.ProgressEvery) == 0 {
					mu.Lock()
					valid := len(results)
					mu.Unlock()
					if err := o.wh.UpdateOptimizationProgress(gctx, jobID, int(n), valid); err != nil {
						o.logger.Warn("progress update failed", "job_id", jobID, "error", err)
					}
				}
				if err := gctx.Err(); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluate scores one grid point. Returns nil when the filtered sample is too
// small to be meaningful.
func (o *Optimizer) evaluate(events []types.ContrarianEvent, cfg types.AnalysisConfig, now time.Time) *types.OptimizationResult {
	filtered := FilterEvents(events, cfg, now)

	var flagged []types.ContrarianEvent
	for i := range filtered {
		if filtered[i].ContrarianByMode(cfg.Mode) {
			flagged = append(flagged, filtered[i])
		}
	}
	if len(flagged) < o.cfg.MinSampleSize {
		return nil
	}

	pnl := ComputePnL(flagged)
	lo, hi := stats.BootstrapWinRateCI(outcomesOf(flagged), int64(len(flagged)))

	return &types.OptimizationResult{
		ConfigID: ConfigID(cfg),
		Config:   cfg,
		Metrics: types.OptimizationMetrics{
			SampleSize:       pnl.SampleSize,
			WinRate:          pnl.WinRate,
			PnL:              pnl.PnL,
			ROI:              pnl.ROI,
			ProfitFactor:     pnl.ProfitFactor,
			EdgePoints:       pnl.EdgePoints,
			SharpeRatio:      stats.Sharpe(tradeReturns(flagged)),
			KellyFraction:    pnl.KellyFraction,
			InformationRatio: stats.InformationRatio(weeklyEdges(flagged)),
			PValue:           stats.BinomialTest(pnl.Wins, pnl.SampleSize, pnl.BreakEvenRate),
			AvgPrice:         pnl.AvgPrice,
			BreakEvenRate:    pnl.BreakEvenRate,
			CILower:          lo,
			CIUpper:          hi,
		},
	}
}

// ConfigID derives a stable identifier from the config's JSON form.
func ConfigID(cfg types.AnalysisConfig) string {
	raw, _ := json.Marshal(cfg)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

func outcomesOf(events []types.ContrarianEvent) []bool {
	out := make([]bool, len(events))
	for i := range events {
		out[i] = events[i].OutcomeWon
	}
	return out
}

// tradeReturns yields per-trade fractional returns at flat sizing: a win is
// (1−price), a loss is −price.
func tradeReturns(events []types.ContrarianEvent) []float64 {
	out := make([]float64, len(events))
	for i := range events {
		if events[i].OutcomeWon {
			out[i] = 1 - events[i].TradePrice
		} else {
			out[i] = -events[i].TradePrice
		}
	}
	return out
}

// weeklyEdges buckets events into calendar weeks and returns the per-week
// edge (win rate minus average price) series in time order.
func weeklyEdges(events []types.ContrarianEvent) []float64 {
	type bucket struct {
		wins, n  int
		priceSum float64
	}
	weeks := map[int64]*bucket{}
	for i := range events {
		wk := events[i].TradeTimestamp / (7 * 24 * int64(time.Hour/time.Millisecond))
		b := weeks[wk]
		if b == nil {
			b = &bucket{}
			weeks[wk] = b
		}
		b.n++
		b.priceSum += events[i].TradePrice
		if events[i].OutcomeWon {
			b.wins++
		}
	}

	keys := make([]int64, 0, len(weeks))
	for k := range weeks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		b := weeks[k]
		out = append(out, float64(b.wins)/float64(b.n)-b.priceSum/float64(b.n))
	}
	return out
}

// NormalizeGrid fills empty dimensions with a single pass-through value and
// defaults the statistical knobs. The API layer uses it to echo the true
// combination count on job submission.
func NormalizeGrid(g *types.GridSearchConfig) { normalizeGrid(g) }

func normalizeGrid(g *types.GridSearchConfig) {
	if len(g.Modes) == 0 {
		g.Modes = []types.ContrarianMode{types.ModeVsOFI}
	}
	if len(g.MinSizes) == 0 {
		g.MinSizes = []float64{0}
	}
	if len(g.WindowMinutes) == 0 {
		g.WindowMinutes = []int{0}
	}
	if len(g.PriceRanges) == 0 {
		g.PriceRanges = [][2]float64{{0, 0}}
	}
	if len(g.TimeRanges) == 0 {
		g.TimeRanges = [][2]float64{{0, 0}}
	}
	if len(g.OutcomeFilters) == 0 {
		g.OutcomeFilters = []string{"all"}
	}
	if g.FDRAlpha <= 0 {
		g.FDRAlpha = 0.05
	}
	if len(g.Objectives) == 0 {
		g.Objectives = append([]string(nil), defaultObjectives...)
	}
}

// configAt decodes the i-th point of the cartesian product without
// materializing the grid.
func configAt(g types.GridSearchConfig, i int) types.AnalysisConfig {
	pick := func(n int) int {
		j := i % n
		i /= n
		return j
	}
	mode := g.Modes[pick(len(g.Modes))]
	minSize := g.MinSizes[pick(len(g.MinSizes))]
	window := g.WindowMinutes[pick(len(g.WindowMinutes))]
	prices := g.PriceRanges[pick(len(g.PriceRanges))]
	times := g.TimeRanges[pick(len(g.TimeRanges))]
	outcome := g.OutcomeFilters[pick(len(g.OutcomeFilters))]

	return types.AnalysisConfig{
		LookbackDays:      g.LookbackDays,
		Mode:              mode,
		MinSizeUSD:        minSize,
		WindowMinutes:     window,
		MinPrice:          prices[0],
		MaxPrice:          prices[1],
		MinMinutesToClose: times[0],
		MaxMinutesToClose: times[1],
		OutcomeFilter:     outcome,
	}
}

// applyFDR adjusts the grid's p-values with Benjamini-Hochberg and flags the
// survivors.
func applyFDR(results []types.OptimizationResult, alpha float64) {
	if len(results) == 0 {
		return
	}
	pvals := make([]float64, len(results))
	for i := range results {
		pvals[i] = results[i].Metrics.PValue
	}
	adjusted, significant := stats.BenjaminiHochberg(pvals, alpha)
	for i := range results {
		results[i].Metrics.AdjustedPValue = adjusted[i]
		results[i].IsStatisticallySignificant = significant[i]
	}
}

// applyRanks assigns a 1-based descending rank per objective.
func applyRanks(results []types.OptimizationResult, objectives []string) {
	idx := make([]int, len(results))
	for _, obj := range objectives {
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return objectiveValue(&results[idx[a]].Metrics, obj) > objectiveValue(&results[idx[b]].Metrics, obj)
		})
		for rank, i := range idx {
			if results[i].Ranks == nil {
				results[i].Ranks = map[string]int{}
			}
			results[i].Ranks[obj] = rank + 1
		}
	}
}

// ParetoFrontier re-derives the non-dominated set over a caller-chosen
// objective list and returns only the frontier. Empty objectives fall back
// to the default ordering.
func ParetoFrontier(results []types.OptimizationResult, objectives []string) []types.OptimizationResult {
	if len(objectives) == 0 {
		objectives = defaultObjectives
	}
	markPareto(results, objectives)
	frontier := make([]types.OptimizationResult, 0, len(results))
	for i := range results {
		if results[i].IsParetoOptimal {
			frontier = append(frontier, results[i])
		}
	}
	return frontier
}

// markPareto flags the non-dominated frontier: a result is dominated when
// some other result is at least as good on every objective and strictly
// better on one.
func markPareto(results []types.OptimizationResult, objectives []string) {
	for i := range results {
		dominated := false
		for j := range results {
			if i == j {
				continue
			}
			if dominates(&results[j].Metrics, &results[i].Metrics, objectives) {
				dominated = true
				break
			}
		}
		results[i].IsParetoOptimal = !dominated
	}
}

func dominates(a, b *types.OptimizationMetrics, objectives []string) bool {
	strictly := false
	for _, obj := range objectives {
		va, vb := objectiveValue(a, obj), objectiveValue(b, obj)
		if va < vb {
			return false
		}
		if va > vb {
			strictly = true
		}
	}
	return strictly
}

func objectiveValue(m *types.OptimizationMetrics, objective string) float64 {
	switch objective {
	case "winRate":
		return m.WinRate
	case "sharpe":
		return m.SharpeRatio
	case "edgePoints":
		return m.EdgePoints
	case "pnl":
		return m.PnL
	case "informationRatio":
		return m.InformationRatio
	default: // roi
		return m.ROI
	}
}

// sensitivitySignificantROI is the ROI delta past which a variation counts
// as materially sensitive.
const sensitivitySignificantROI = 0.05

// Sensitivity re-evaluates a base config while sweeping one parameter and
// reports the metric deltas per candidate value.
func (o *Optimizer) Sensitivity(ctx context.Context, base types.AnalysisConfig, parameter string, values []any) ([]types.SensitivityVariation, error) {
	now := o.now()
	lookback := base.LookbackDays
	if lookback <= 0 {
		lookback = o.cfg.BackfillDays
	}
	events, err := o.wh.ListEventsSince(ctx, now.AddDate(0, 0, -lookback))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	baseline := ComputePnL(flaggedEvents(FilterEvents(events, base, now), base.Mode))

	out := make([]types.SensitivityVariation, 0, len(values))
	for _, v := range values {
		varied, err := applyParameter(base, parameter, v)
		if err != nil {
			return nil, err
		}
		m := ComputePnL(flaggedEvents(FilterEvents(events, varied, now), varied.Mode))
		out = append(out, types.SensitivityVariation{
			Parameter:     parameter,
			Value:         v,
			Metrics:       m,
			DeltaROI:      m.ROI - baseline.ROI,
			DeltaWinRate:  m.WinRate - baseline.WinRate,
			DeltaPnL:      m.PnL - baseline.PnL,
			IsSignificant: abs(m.ROI-baseline.ROI) > sensitivitySignificantROI,
		})
	}
	return out, nil
}

func flaggedEvents(events []types.ContrarianEvent, mode types.ContrarianMode) []types.ContrarianEvent {
	var out []types.ContrarianEvent
	for i := range events {
		if events[i].ContrarianByMode(mode) {
			out = append(out, events[i])
		}
	}
	return out
}

// applyParameter sets one named knob on a config copy. Numeric JSON values
// arrive as float64.
func applyParameter(cfg types.AnalysisConfig, parameter string, value any) (types.AnalysisConfig, error) {
	num := func() (float64, error) {
		switch x := value.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		}
		return 0, fmt.Errorf("parameter %s needs a numeric value, got %T", parameter, value)
	}

	switch parameter {
	case "minSize":
		v, err := num()
		if err != nil {
			return cfg, err
		}
		cfg.MinSizeUSD = v
	case "windowMinutes":
		v, err := num()
		if err != nil {
			return cfg, err
		}
		cfg.WindowMinutes = int(v)
	case "maxSpreadBps":
		v, err := num()
		if err != nil {
			return cfg, err
		}
		cfg.MaxSpreadBps = v
	case "maxWalletAgeDays":
		v, err := num()
		if err != nil {
			return cfg, err
		}
		cfg.MaxWalletAgeDays = v
	case "minPrice":
		v, err := num()
		if err != nil {
			return cfg, err
		}
		cfg.MinPrice = v
	case "maxPrice":
		v, err := num()
		if err != nil {
			return cfg, err
		}
		cfg.MaxPrice = v
	case "minZScore":
		v, err := num()
		if err != nil {
			return cfg, err
		}
		cfg.MinZScore = v
	case "contrarianMode":
		s, ok := value.(string)
		if !ok {
			return cfg, fmt.Errorf("contrarianMode needs a string value, got %T", value)
		}
		cfg.Mode = types.ParseContrarianMode(s)
	default:
		return cfg, fmt.Errorf("unknown sensitivity parameter %q", parameter)
	}
	return cfg, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
