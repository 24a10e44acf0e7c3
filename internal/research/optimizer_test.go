package research

import (
	"testing"

	"polysignal/pkg/types"
)

func testGrid() types.GridSearchConfig {
	g := types.GridSearchConfig{
		Modes:          []types.ContrarianMode{types.ModeVsOFI, types.ModeVsBoth},
		MinSizes:       []float64{1000, 5000, 10000},
		WindowMinutes:  []int{30, 60},
		PriceRanges:    [][2]float64{{0, 0}, {0.1, 0.9}},
		TimeRanges:     [][2]float64{{0, 0}},
		OutcomeFilters: []string{"all", "No"},
	}
	normalizeGrid(&g)
	return g
}

func TestConfigAtCoversGridUniquely(t *testing.T) {
	t.Parallel()

	grid := testGrid()
	total := grid.TotalCombinations()
	if total != 2*3*2*2*1*2 {
		t.Fatalf("total = %d", total)
	}

	seen := map[string]bool{}
	for i := 0; i < total; i++ {
		cfg := configAt(grid, i)
		id := ConfigID(cfg)
		if seen[id] {
			t.Fatalf("duplicate config at index %d", i)
		}
		seen[id] = true
	}
	if len(seen) != total {
		t.Fatalf("covered %d of %d combinations", len(seen), total)
	}
}

func TestNormalizeGridDefaults(t *testing.T) {
	t.Parallel()

	var g types.GridSearchConfig
	normalizeGrid(&g)
	if g.TotalCombinations() != 1 {
		t.Fatalf("empty grid should collapse to one pass-through config, got %d", g.TotalCombinations())
	}
	if g.FDRAlpha != 0.05 {
		t.Fatalf("fdrAlpha default = %v", g.FDRAlpha)
	}
	if len(g.Objectives) == 0 {
		t.Fatal("objectives default missing")
	}
	cfg := configAt(g, 0)
	if cfg.MinSizeUSD != 0 || cfg.WindowMinutes != 0 || cfg.OutcomeFilter != "all" {
		t.Fatalf("pass-through config = %+v", cfg)
	}
}

func TestConfigIDDeterministic(t *testing.T) {
	t.Parallel()

	a := types.AnalysisConfig{MinSizeUSD: 5000, Mode: types.ModeVsBoth}
	b := types.AnalysisConfig{MinSizeUSD: 5000, Mode: types.ModeVsBoth}
	c := types.AnalysisConfig{MinSizeUSD: 5001, Mode: types.ModeVsBoth}
	if ConfigID(a) != ConfigID(b) {
		t.Fatal("identical configs must share an id")
	}
	if ConfigID(a) == ConfigID(c) {
		t.Fatal("distinct configs must not collide")
	}
}

func TestApplyRanksAndPareto(t *testing.T) {
	t.Parallel()

	results := []types.OptimizationResult{
		{ConfigID: "a", Metrics: types.OptimizationMetrics{ROI: 0.3, WinRate: 0.6}},
		{ConfigID: "b", Metrics: types.OptimizationMetrics{ROI: 0.1, WinRate: 0.8}},
		{ConfigID: "c", Metrics: types.OptimizationMetrics{ROI: 0.1, WinRate: 0.5}},
	}
	objectives := []string{"roi", "winRate"}

	applyRanks(results, objectives)
	if results[0].Ranks["roi"] != 1 || results[0].Ranks["winRate"] != 2 {
		t.Fatalf("a ranks = %v", results[0].Ranks)
	}
	if results[1].Ranks["winRate"] != 1 {
		t.Fatalf("b ranks = %v", results[1].Ranks)
	}

	markPareto(results, objectives)
	// a and b trade off roi vs win rate; c is dominated by b on both.
	if !results[0].IsParetoOptimal || !results[1].IsParetoOptimal {
		t.Fatal("frontier points lost")
	}
	if results[2].IsParetoOptimal {
		t.Fatal("dominated point kept on frontier")
	}
}

func TestParetoFrontierCustomObjectives(t *testing.T) {
	t.Parallel()

	results := []types.OptimizationResult{
		{ConfigID: "a", Metrics: types.OptimizationMetrics{ROI: 0.3, WinRate: 0.6}},
		{ConfigID: "b", Metrics: types.OptimizationMetrics{ROI: 0.1, WinRate: 0.8}},
		{ConfigID: "c", Metrics: types.OptimizationMetrics{ROI: 0.1, WinRate: 0.5}},
	}

	// On roi alone only a survives; b and c tie on roi but b no longer
	// benefits from its win rate.
	frontier := ParetoFrontier(results, []string{"roi"})
	if len(frontier) != 1 || frontier[0].ConfigID != "a" {
		t.Fatalf("roi frontier = %+v", frontier)
	}

	// Empty objectives fall back to the default set, which includes winRate.
	frontier = ParetoFrontier(results, nil)
	if len(frontier) != 2 {
		t.Fatalf("default frontier size = %d, want 2", len(frontier))
	}
}

func TestApplyFDR(t *testing.T) {
	t.Parallel()

	results := []types.OptimizationResult{
		{Metrics: types.OptimizationMetrics{PValue: 0.001}},
		{Metrics: types.OptimizationMetrics{PValue: 0.8}},
	}
	applyFDR(results, 0.05)
	if !results[0].IsStatisticallySignificant {
		t.Fatal("strong p-value should survive FDR")
	}
	if results[1].IsStatisticallySignificant {
		t.Fatal("weak p-value should not survive FDR")
	}
	if results[0].Metrics.AdjustedPValue < results[0].Metrics.PValue {
		t.Fatal("adjustment cannot shrink a p-value")
	}
}

func TestWeeklyEdges(t *testing.T) {
	t.Parallel()

	weekMs := int64(7 * 24 * 60 * 60 * 1000)
	var events []types.ContrarianEvent
	// Week 1: 3 wins of 4 at 0.5 → edge 0.25. Week 2: 1 win of 4 → -0.25.
	for i := 0; i < 4; i++ {
		events = append(events, event(int64(i)*1000, 0.5, i < 3))
	}
	for i := 0; i < 4; i++ {
		events = append(events, event(weekMs+int64(i)*1000, 0.5, i < 1))
	}

	edges := weeklyEdges(events)
	if len(edges) != 2 {
		t.Fatalf("weeks = %d, want 2", len(edges))
	}
	if !approxEq(edges[0], 0.25, 1e-9) || !approxEq(edges[1], -0.25, 1e-9) {
		t.Fatalf("edges = %v", edges)
	}
}

func TestTradeReturns(t *testing.T) {
	t.Parallel()

	events := []types.ContrarianEvent{
		event(1000, 0.30, true),
		event(2000, 0.30, false),
	}
	r := tradeReturns(events)
	if !approxEq(r[0], 0.70, 1e-9) || !approxEq(r[1], -0.30, 1e-9) {
		t.Fatalf("returns = %v", r)
	}
}

func TestApplyParameter(t *testing.T) {
	t.Parallel()

	base := types.AnalysisConfig{Mode: types.ModeVsOFI}

	got, err := applyParameter(base, "minSize", 5000.0)
	if err != nil || got.MinSizeUSD != 5000 {
		t.Fatalf("minSize: %+v, %v", got, err)
	}
	got, err = applyParameter(base, "windowMinutes", 30.0)
	if err != nil || got.WindowMinutes != 30 {
		t.Fatalf("windowMinutes: %+v, %v", got, err)
	}
	got, err = applyParameter(base, "contrarianMode", "vs_both")
	if err != nil || got.Mode != types.ModeVsBoth {
		t.Fatalf("contrarianMode: %+v, %v", got, err)
	}
	got, err = applyParameter(base, "contrarianMode", "nonsense")
	if err != nil || got.Mode != types.ModeVsOFI {
		t.Fatalf("invalid mode should fall back to vs_ofi: %+v, %v", got, err)
	}
	if _, err = applyParameter(base, "phase_of_moon", 1.0); err == nil {
		t.Fatal("unknown parameter must error")
	}
	if _, err = applyParameter(base, "minSize", "big"); err == nil {
		t.Fatal("non-numeric minSize must error")
	}
}
