// Package monitor watches deployed strategy configurations for performance
// drift: win-rate deviation from baseline in binomial sigma units, CUSUM
// change-point detection on the recent win sequence, and Kelly
// recalibration.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"polysignal/internal/config"
	"polysignal/internal/research"
	"polysignal/internal/rolling"
	"polysignal/internal/stats"
	"polysignal/internal/warehouse"
	"polysignal/pkg/types"
)

const (
	// cusumDriftK and cusumThreshold tune the win-rate CUSUM. Win-rate
	// observations over 10-trade windows are coarse, so the allowance is
	// wide.
	cusumDriftK    = 0.05
	cusumThreshold = 0.5

	winRateWindowTrades = 10
)

// Monitor runs periodic health checks over all active strategies.
type Monitor struct {
	wh     *warehouse.Warehouse
	cfg    config.MonitorConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	stopped chan struct{}
	done    chan struct{}
}

func New(wh *warehouse.Warehouse, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 90
	}
	if cfg.CurrentWindowDays <= 0 {
		cfg.CurrentWindowDays = 7
	}
	if cfg.MinSampleSizeForAlert <= 0 {
		cfg.MinSampleSizeForAlert = 20
	}
	if cfg.WarningSigma <= 0 {
		cfg.WarningSigma = 1.5
	}
	if cfg.CriticalSigma <= 0 {
		cfg.CriticalSigma = 2.5
	}
	if cfg.CusumWindowTrades <= 0 {
		cfg.CusumWindowTrades = winRateWindowTrades
	}
	if cfg.CusumLookbackDays <= 0 {
		cfg.CusumLookbackDays = 60
	}
	if cfg.MaxKellyAdjustment <= 0 {
		cfg.MaxKellyAdjustment = 0.5
	}
	return &Monitor{
		wh:     wh,
		cfg:    cfg,
		logger: logger.With("component", "monitor"),
		now:    time.Now,
	}
}

// StartMonitoring registers a strategy: its baseline is computed over the
// monitor's lookback window and persisted. The strategy id is derived from
// the config, so registering the same config twice updates in place.
func (m *Monitor) StartMonitoring(ctx context.Context, name, description string, cfg types.AnalysisConfig) (*types.MonitoredStrategy, error) {
	baseline, err := m.metricsOver(ctx, cfg, m.cfg.LookbackDays)
	if err != nil {
		return nil, fmt.Errorf("baseline for %s: %w", name, err)
	}

	s := types.MonitoredStrategy{
		StrategyID:       research.ConfigID(cfg),
		Name:             name,
		Description:      description,
		Config:           cfg,
		Baseline:         *baseline,
		Current:          *baseline,
		RecommendedKelly: 0.5 * baseline.KellyFraction,
		IsActive:         true,
		IsHealthy:        true,
		LastCheckAt:      m.now(),
		CheckInterval:    m.cfg.CheckInterval,
	}

	// Re-registering the same config must not reset the drift reference:
	// keep the original baseline and only refresh the current window.
	if prev, err := m.wh.GetMonitoredStrategy(ctx, s.StrategyID); err != nil {
		return nil, fmt.Errorf("lookup strategy %s: %w", s.StrategyID, err)
	} else if prev != nil {
		s.Baseline = prev.Baseline
	}
	if err := m.wh.UpsertMonitoredStrategy(ctx, s); err != nil {
		return nil, fmt.Errorf("persist strategy %s: %w", s.StrategyID, err)
	}
	m.logger.Info("strategy registered",
		"strategy_id", s.StrategyID, "name", name,
		"baseline_n", baseline.SampleSize, "baseline_win_rate", baseline.WinRate)
	return &s, nil
}

// Run drives periodic checks until Stop or context cancellation. Safe to
// call once; Stop is idempotent.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.stopped != nil {
		m.mu.Unlock()
		return
	}
	m.stopped = make(chan struct{})
	m.done = make(chan struct{})
	stopped, done := m.stopped, m.done
	m.mu.Unlock()

	defer close(done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				m.logger.Error("strategy check failed", "error", err)
			}
		case <-stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the Run loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopped, done := m.stopped, m.done
	m.mu.Unlock()
	if stopped == nil {
		return
	}
	select {
	case <-stopped:
	default:
		close(stopped)
	}
	<-done
}

// CheckAll runs one health check over every active strategy.
func (m *Monitor) CheckAll(ctx context.Context) error {
	strategies, err := m.wh.ListActiveStrategies(ctx)
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}
	for i := range strategies {
		if err := m.checkStrategy(ctx, &strategies[i]); err != nil {
			m.logger.Error("check failed",
				"strategy_id", strategies[i].StrategyID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) checkStrategy(ctx context.Context, s *types.MonitoredStrategy) error {
	current, err := m.metricsOver(ctx, s.Config, m.cfg.CurrentWindowDays)
	if err != nil {
		return err
	}

	var alerts []types.DriftAlert
	healthy := true

	if current.SampleSize < m.cfg.MinSampleSizeForAlert {
		alerts = append(alerts, m.sampleSizeAlert(s, current))
		healthy = false
	} else {
		if a := m.winRateDrift(s, current); a != nil {
			alerts = append(alerts, *a)
			if a.Severity != types.SeverityInfo {
				healthy = false
			}
		}
		if a, err := m.winRateCusum(ctx, s); err != nil {
			return err
		} else if a != nil {
			alerts = append(alerts, *a)
			healthy = false
		}
	}

	recommended := m.RecalibrateKelly(s.Baseline, *current)
	if s.RecommendedKelly > 0 {
		shift := math.Abs(recommended-s.RecommendedKelly) / s.RecommendedKelly
		if shift > 0.25 && current.SampleSize >= m.cfg.MinSampleSizeForAlert {
			alerts = append(alerts, types.DriftAlert{
				StrategyID:     s.StrategyID,
				AlertType:      types.AlertKelly,
				Metric:         "recommended_kelly",
				Expected:       s.RecommendedKelly,
				Observed:       recommended,
				Severity:       types.SeverityInfo,
				Message:        fmt.Sprintf("recommended Kelly moved %.0f%%", shift*100),
				Recommendation: "resize positions to the new recommendation",
			})
		}
	}

	s.Current = *current
	s.RecommendedKelly = recommended
	s.IsHealthy = healthy
	s.LastCheckAt = m.now()
	if err := m.wh.UpsertMonitoredStrategy(ctx, *s); err != nil {
		return fmt.Errorf("persist check for %s: %w", s.StrategyID, err)
	}

	for i := range alerts {
		alerts[i].CreatedAt = m.now()
		if err := m.wh.InsertAlert(ctx, &alerts[i]); err != nil {
			m.logger.Error("alert persist failed",
				"strategy_id", s.StrategyID, "type", alerts[i].AlertType, "error", err)
			continue
		}
		m.logger.Warn("strategy alert",
			"strategy_id", s.StrategyID, "type", alerts[i].AlertType,
			"severity", alerts[i].Severity, "message", alerts[i].Message)
	}
	return nil
}

// sampleSizeAlert marks a current window too thin to trust drift metrics.
// It carries warning severity, so a thin window also makes the strategy
// unhealthy until enough signals accumulate.
func (m *Monitor) sampleSizeAlert(s *types.MonitoredStrategy, current *types.StrategyMetrics) types.DriftAlert {
	return types.DriftAlert{
		StrategyID: s.StrategyID,
		AlertType:  types.AlertSampleSize,
		Metric:     "sample_size",
		Expected:   float64(m.cfg.MinSampleSizeForAlert),
		Observed:   float64(current.SampleSize),
		Severity:   types.SeverityWarning,
		Message: fmt.Sprintf("only %d signals in the last %d days",
			current.SampleSize, m.cfg.CurrentWindowDays),
		Recommendation: "widen the filter or wait for more events before trusting drift metrics",
	}
}

// winRateDrift compares the current win rate against the baseline in
// binomial standard-error units.
func (m *Monitor) winRateDrift(s *types.MonitoredStrategy, current *types.StrategyMetrics) *types.DriftAlert {
	z := WinRateZ(s.Baseline.WinRate, current.WinRate, current.SampleSize)
	absZ := math.Abs(z)
	if absZ < m.cfg.WarningSigma {
		return nil
	}

	severity := types.SeverityWarning
	recommendation := "watch the next checks; reduce size if the deviation persists"
	if absZ >= m.cfg.CriticalSigma {
		severity = types.SeverityCritical
		recommendation = "halt the strategy and re-run the grid search on recent data"
	}
	return &types.DriftAlert{
		StrategyID:     s.StrategyID,
		AlertType:      types.AlertDrift,
		Metric:         "win_rate",
		Expected:       s.Baseline.WinRate,
		Observed:       current.WinRate,
		DeviationSigma: z,
		Severity:       severity,
		Message: fmt.Sprintf("win rate %.1f%% vs baseline %.1f%% (%.2fσ over %d signals)",
			current.WinRate*100, s.Baseline.WinRate*100, z, current.SampleSize),
		Recommendation: recommendation,
	}
}

// WinRateZ is the signed deviation of an observed win rate from an expected
// one, in units of the binomial standard error at sample size n.
func WinRateZ(expected, observed float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	se := math.Sqrt(expected * (1 - expected) / float64(n))
	if se == 0 {
		return 0
	}
	return (observed - expected) / se
}

// winRateCusum replays the recent win sequence as rolling-window win rates
// through a CUSUM detector and alerts on a latched change point.
func (m *Monitor) winRateCusum(ctx context.Context, s *types.MonitoredStrategy) (*types.DriftAlert, error) {
	events, err := m.events(ctx, s.Config, m.cfg.CusumLookbackDays)
	if err != nil {
		return nil, err
	}
	if len(events) < m.cfg.CusumWindowTrades {
		return nil, nil
	}

	cusum := rolling.NewCusum("win_rate", cusumDriftK, cusumThreshold)
	for i := m.cfg.CusumWindowTrades; i <= len(events); i++ {
		wins := 0
		for _, e := range events[i-m.cfg.CusumWindowTrades : i] {
			if e.OutcomeWon {
				wins++
			}
		}
		rate := float64(wins) / float64(m.cfg.CusumWindowTrades)
		cusum.Observe(rate, events[i-1].TradeTimestamp)
	}
	if !cusum.Detected() || cusum.IncreasingShift {
		return nil, nil
	}

	changed := "recently"
	if cusum.ChangePointTimeMs != nil {
		changed = time.UnixMilli(*cusum.ChangePointTimeMs).UTC().Format(time.RFC3339)
	}
	return &types.DriftAlert{
		StrategyID:     s.StrategyID,
		AlertType:      types.AlertPerformance,
		Metric:         "win_rate_cusum",
		Expected:       s.Baseline.WinRate,
		Observed:       cusum.MaxStatistic,
		Severity:       types.SeverityWarning,
		Message:        fmt.Sprintf("win-rate regime shift detected around %s", changed),
		Recommendation: "compare pre/post change-point performance before resizing",
	}, nil
}

// RecalibrateKelly blends the baseline half-Kelly toward current
// performance. Below the alert sample floor the baseline stands; otherwise
// the current half-Kelly applies, clamped to baseline ± the configured
// maximum adjustment.
func (m *Monitor) RecalibrateKelly(baseline, current types.StrategyMetrics) float64 {
	base := 0.5 * baseline.KellyFraction
	if current.SampleSize < m.cfg.MinSampleSizeForAlert {
		return base
	}

	// Half-Kelly at an assumed 0.5 average price, i.e. 0.5·(2·winRate−1)
	// floored at 0. The current window's actual average price is deliberately
	// not used here.
	target := 0.5 * stats.Kelly(current.WinRate, 0.5)
	lo := base * (1 - m.cfg.MaxKellyAdjustment)
	hi := base * (1 + m.cfg.MaxKellyAdjustment)
	if target < lo {
		return lo
	}
	if target > hi {
		return hi
	}
	return target
}

func (m *Monitor) events(ctx context.Context, cfg types.AnalysisConfig, days int) ([]types.ContrarianEvent, error) {
	now := m.now()
	loaded, err := m.wh.ListEventsSince(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	scoped := cfg
	scoped.LookbackDays = days
	filtered := research.FilterEvents(loaded, scoped, now)

	var flagged []types.ContrarianEvent
	for i := range filtered {
		if filtered[i].ContrarianByMode(cfg.Mode) {
			flagged = append(flagged, filtered[i])
		}
	}
	return flagged, nil
}

// metricsOver snapshots strategy metrics over the trailing day window.
func (m *Monitor) metricsOver(ctx context.Context, cfg types.AnalysisConfig, days int) (*types.StrategyMetrics, error) {
	flagged, err := m.events(ctx, cfg, days)
	if err != nil {
		return nil, err
	}
	pnl := research.ComputePnL(flagged)
	return &types.StrategyMetrics{
		SampleSize:    pnl.SampleSize,
		WinRate:       pnl.WinRate,
		ROI:           pnl.ROI,
		EdgePoints:    pnl.EdgePoints,
		KellyFraction: pnl.KellyFraction,
		AsOf:          m.now(),
	}, nil
}
