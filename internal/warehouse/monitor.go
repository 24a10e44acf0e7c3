package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"polysignal/pkg/types"
)

// UpsertMonitoredStrategy saves or refreshes a monitored strategy keyed by
// its deterministic id.
func (w *Warehouse) UpsertMonitoredStrategy(ctx context.Context, s types.MonitoredStrategy) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	raw, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("encode strategy config: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO monitored_strategies (
			strategy_id, name, description, config,
			baseline_sample_size, baseline_win_rate, baseline_roi, baseline_edge_points, baseline_kelly, baseline_as_of,
			current_sample_size, current_win_rate, current_roi, current_edge_points, current_kelly, current_as_of,
			recommended_kelly, is_active, is_healthy, last_check_at, check_interval_minutes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (strategy_id) DO UPDATE SET
			current_sample_size = EXCLUDED.current_sample_size,
			current_win_rate    = EXCLUDED.current_win_rate,
			current_roi         = EXCLUDED.current_roi,
			current_edge_points = EXCLUDED.current_edge_points,
			current_kelly       = EXCLUDED.current_kelly,
			current_as_of       = EXCLUDED.current_as_of,
			recommended_kelly   = EXCLUDED.recommended_kelly,
			is_active           = EXCLUDED.is_active,
			is_healthy          = EXCLUDED.is_healthy,
			last_check_at       = EXCLUDED.last_check_at`,
		s.StrategyID, s.Name, s.Description, raw,
		s.Baseline.SampleSize, s.Baseline.WinRate, s.Baseline.ROI, s.Baseline.EdgePoints, s.Baseline.KellyFraction, s.Baseline.AsOf,
		s.Current.SampleSize, s.Current.WinRate, s.Current.ROI, s.Current.EdgePoints, s.Current.KellyFraction, s.Current.AsOf,
		s.RecommendedKelly, s.IsActive, s.IsHealthy, s.LastCheckAt, int(s.CheckInterval.Minutes()))
	if err != nil {
		return fmt.Errorf("upsert strategy %s: %w", s.StrategyID, err)
	}
	return nil
}

const strategyColumns = `
	strategy_id, name, description, config,
	baseline_sample_size, baseline_win_rate, baseline_roi, baseline_edge_points, baseline_kelly, baseline_as_of,
	current_sample_size, current_win_rate, current_roi, current_edge_points, current_kelly, current_as_of,
	recommended_kelly, is_active, is_healthy, last_check_at, check_interval_minutes`

func scanStrategy(scan func(...any) error) (*types.MonitoredStrategy, error) {
	var s types.MonitoredStrategy
	var raw []byte
	var intervalMin int
	err := scan(
		&s.StrategyID, &s.Name, &s.Description, &raw,
		&s.Baseline.SampleSize, &s.Baseline.WinRate, &s.Baseline.ROI, &s.Baseline.EdgePoints, &s.Baseline.KellyFraction, &s.Baseline.AsOf,
		&s.Current.SampleSize, &s.Current.WinRate, &s.Current.ROI, &s.Current.EdgePoints, &s.Current.KellyFraction, &s.Current.AsOf,
		&s.RecommendedKelly, &s.IsActive, &s.IsHealthy, &s.LastCheckAt, &intervalMin)
	if err != nil {
		return nil, fmt.Errorf("scan strategy: %w", err)
	}
	if err := json.Unmarshal(raw, &s.Config); err != nil {
		return nil, fmt.Errorf("decode strategy config: %w", err)
	}
	s.CheckInterval = time.Duration(intervalMin) * time.Minute
	return &s, nil
}

// GetMonitoredStrategy fetches one strategy, nil when absent.
func (w *Warehouse) GetMonitoredStrategy(ctx context.Context, strategyID string) (*types.MonitoredStrategy, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	row := w.db.QueryRowxContext(ctx,
		`SELECT `+strategyColumns+` FROM monitored_strategies WHERE strategy_id = $1`, strategyID)
	s, err := scanStrategy(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListActiveStrategies returns every strategy still under surveillance.
func (w *Warehouse) ListActiveStrategies(ctx context.Context) ([]types.MonitoredStrategy, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx,
		`SELECT `+strategyColumns+` FROM monitored_strategies WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []types.MonitoredStrategy
	for rows.Next() {
		s, err := scanStrategy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// InsertAlert appends one drift alert and fills in its id.
func (w *Warehouse) InsertAlert(ctx context.Context, a *types.DriftAlert) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	err := w.db.QueryRowxContext(ctx, `
		INSERT INTO drift_alerts (
			strategy_id, alert_type, metric, expected_value, observed_value,
			deviation_sigma, severity, message, recommendation
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`,
		a.StrategyID, a.AlertType, a.Metric, a.Expected, a.Observed,
		a.DeviationSigma, a.Severity, a.Message, a.Recommendation).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts newest first, optionally filtered by severity
// and acknowledgement state.
func (w *Warehouse) ListAlerts(ctx context.Context, severity types.AlertSeverity, unacknowledgedOnly bool, limit int) ([]types.DriftAlert, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	query := `
		SELECT id, strategy_id, alert_type, metric, expected_value, observed_value,
		       deviation_sigma, severity, message, recommendation,
		       acknowledged, acknowledged_at, acknowledged_by, created_at
		FROM drift_alerts WHERE 1=1`
	args := []any{}
	if severity != "" {
		args = append(args, severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if unacknowledgedOnly {
		query += " AND NOT acknowledged"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	var out []types.DriftAlert
	if err := w.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// AcknowledgeAlert marks one alert as handled.
func (w *Warehouse) AcknowledgeAlert(ctx context.Context, id int64, by string) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	res, err := w.db.ExecContext(ctx, `
		UPDATE drift_alerts
		SET acknowledged = TRUE, acknowledged_at = now(), acknowledged_by = $2
		WHERE id = $1`, id, by)
	if err != nil {
		return fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d not found", id)
	}
	return nil
}
