package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"polysignal/pkg/types"
)

// CreateBackfillJob inserts a pending job row and returns its id. Insert-
// and-return keeps creation CAS-like for callers that refuse concurrent full
// backfills.
func (w *Warehouse) CreateBackfillJob(ctx context.Context, jobType string, cfg any) (int64, error) {
	if !w.Enabled() {
		return 0, ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode job config: %w", err)
	}
	var id int64
	err = w.db.QueryRowxContext(ctx, `
		INSERT INTO backfill_jobs (job_type, status, config)
		VALUES ($1, 'running', $2) RETURNING id`, jobType, raw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create backfill job: %w", err)
	}
	return id, nil
}

// UpdateBackfillProgress bumps the processed/total counters.
func (w *Warehouse) UpdateBackfillProgress(ctx context.Context, id int64, processed, total int) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET items_processed = $2, items_total = $3 WHERE id = $1`,
		id, processed, total)
	return err
}

// FinishBackfillJob transitions the job to completed, or to failed when
// errMsg is non-empty.
func (w *Warehouse) FinishBackfillJob(ctx context.Context, id int64, errMsg string) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	status := types.JobCompleted
	var msg sql.NullString
	if errMsg != "" {
		status = types.JobFailed
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := w.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET status = $2, error_message = $3, completed_at = now()
		WHERE id = $1`, id, status, msg)
	return err
}

// LatestBackfillJob returns the most recent job row, nil when none exist.
func (w *Warehouse) LatestBackfillJob(ctx context.Context) (*types.BackfillJob, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	var j types.BackfillJob
	err := w.db.GetContext(ctx, &j, `
		SELECT id, job_type, status, started_at, completed_at,
		       items_processed, items_total, error_message, config
		FROM backfill_jobs ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest backfill job: %w", err)
	}
	return &j, nil
}

// ————————————————————————————————————————————————————————————————————————
// Optimization jobs

// CreateOptimizationJob inserts a running job with its grid config.
func (w *Warehouse) CreateOptimizationJob(ctx context.Context, cfg types.GridSearchConfig, total int) (int64, error) {
	if !w.Enabled() {
		return 0, ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode grid config: %w", err)
	}
	var id int64
	err = w.db.QueryRowxContext(ctx, `
		INSERT INTO optimization_jobs (status, config, total_configs)
		VALUES ('running', $1, $2) RETURNING id`, raw, total).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create optimization job: %w", err)
	}
	return id, nil
}

// UpdateOptimizationProgress is called at grid-search checkpoints.
func (w *Warehouse) UpdateOptimizationProgress(ctx context.Context, id int64, processed, valid int) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		UPDATE optimization_jobs SET processed_configs = $2, valid_configs = $3 WHERE id = $1`,
		id, processed, valid)
	return err
}

// FinishOptimizationJob closes the job with its wall-clock cost.
func (w *Warehouse) FinishOptimizationJob(ctx context.Context, id int64, execMs int64, errMsg string) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	status := types.JobCompleted
	var msg sql.NullString
	if errMsg != "" {
		status = types.JobFailed
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := w.db.ExecContext(ctx, `
		UPDATE optimization_jobs
		SET status = $2, execution_time_ms = $3, error_message = $4, completed_at = now()
		WHERE id = $1`, id, status, execMs, msg)
	return err
}

// GetOptimizationJob fetches one job row, nil when absent. id 0 means the
// latest job.
func (w *Warehouse) GetOptimizationJob(ctx context.Context, id int64) (*types.OptimizationJob, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	query := `
		SELECT id, status, config, total_configs, processed_configs, valid_configs,
		       started_at, completed_at, execution_time_ms, error_message
		FROM optimization_jobs `
	var j types.OptimizationJob
	var err error
	if id > 0 {
		err = w.db.GetContext(ctx, &j, query+`WHERE id = $1`, id)
	} else {
		err = w.db.GetContext(ctx, &j, query+`ORDER BY id DESC LIMIT 1`)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get optimization job: %w", err)
	}
	return &j, nil
}

// SaveOptimizationResults persists every evaluated grid point in one
// transaction, replacing earlier rows for the same (job, config) pair.
func (w *Warehouse) SaveOptimizationResults(ctx context.Context, jobID int64, results []types.OptimizationResult) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	if len(results) == 0 {
		return nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin results tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO optimization_results (
			job_id, config_hash, config, sample_size, win_rate, total_pnl, roi,
			profit_factor, edge_points, sharpe_ratio, kelly_fraction,
			information_ratio, p_value, adjusted_p_value, avg_price,
			break_even_rate, ci_lower, ci_upper, is_significant, is_pareto_optimal,
			rank_roi, rank_win_rate, rank_sharpe, rank_edge
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
		          $19,$20,$21,$22,$23,$24)
		ON CONFLICT (job_id, config_hash) DO UPDATE SET
			adjusted_p_value = EXCLUDED.adjusted_p_value,
			is_significant = EXCLUDED.is_significant,
			is_pareto_optimal = EXCLUDED.is_pareto_optimal,
			rank_roi = EXCLUDED.rank_roi,
			rank_win_rate = EXCLUDED.rank_win_rate,
			rank_sharpe = EXCLUDED.rank_sharpe,
			rank_edge = EXCLUDED.rank_edge`)
	if err != nil {
		return fmt.Errorf("prepare results insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		raw, err := json.Marshal(r.Config)
		if err != nil {
			return fmt.Errorf("encode result config: %w", err)
		}
		m := r.Metrics
		_, err = stmt.ExecContext(ctx,
			jobID, r.ConfigID, raw, m.SampleSize, m.WinRate, m.PnL, m.ROI,
			m.ProfitFactor, m.EdgePoints, m.SharpeRatio, m.KellyFraction,
			m.InformationRatio, m.PValue, m.AdjustedPValue, m.AvgPrice,
			m.BreakEvenRate, m.CILower, m.CIUpper, r.IsStatisticallySignificant, r.IsParetoOptimal,
			r.Ranks["roi"], r.Ranks["winRate"], r.Ranks["sharpe"], r.Ranks["edgePoints"])
		if err != nil {
			return fmt.Errorf("insert result %s: %w", r.ConfigID, err)
		}
	}
	return tx.Commit()
}

// ListOptimizationResults returns evaluated configs sorted by one objective
// column. Unknown sort keys fall back to roi.
func (w *Warehouse) ListOptimizationResults(ctx context.Context, sortBy string, significantOnly bool, limit int) ([]types.OptimizationResult, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	order := map[string]string{
		"roi":        "roi",
		"winRate":    "win_rate",
		"sharpe":     "sharpe_ratio",
		"edgePoints": "edge_points",
		"pnl":        "total_pnl",
	}[sortBy]
	if order == "" {
		order = "roi"
	}
	where := ""
	if significantOnly {
		where = "WHERE is_significant"
	}

	rows, err := w.db.QueryxContext(ctx, fmt.Sprintf(`
		SELECT config_hash, config, sample_size, win_rate, total_pnl, roi,
		       profit_factor, edge_points, sharpe_ratio, kelly_fraction,
		       information_ratio, p_value, adjusted_p_value, avg_price,
		       break_even_rate, ci_lower, ci_upper, is_significant, is_pareto_optimal,
		       rank_roi, rank_win_rate, rank_sharpe, rank_edge
		FROM optimization_results %s
		ORDER BY %s DESC LIMIT $1`, where, order), limit)
	if err != nil {
		return nil, fmt.Errorf("list optimization results: %w", err)
	}
	defer rows.Close()

	var out []types.OptimizationResult
	for rows.Next() {
		r, err := scanOptimizationResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ParetoResults returns the stored Pareto-optimal configurations.
func (w *Warehouse) ParetoResults(ctx context.Context) ([]types.OptimizationResult, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx, `
		SELECT config_hash, config, sample_size, win_rate, total_pnl, roi,
		       profit_factor, edge_points, sharpe_ratio, kelly_fraction,
		       information_ratio, p_value, adjusted_p_value, avg_price,
		       break_even_rate, ci_lower, ci_upper, is_significant, is_pareto_optimal,
		       rank_roi, rank_win_rate, rank_sharpe, rank_edge
		FROM optimization_results
		WHERE is_pareto_optimal
		ORDER BY roi DESC`)
	if err != nil {
		return nil, fmt.Errorf("pareto results: %w", err)
	}
	defer rows.Close()

	var out []types.OptimizationResult
	for rows.Next() {
		r, err := scanOptimizationResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanOptimizationResult(scan func(...any) error) (*types.OptimizationResult, error) {
	var r types.OptimizationResult
	var raw []byte
	var rankROI, rankWin, rankSharpe, rankEdge int
	m := &r.Metrics
	err := scan(
		&r.ConfigID, &raw, &m.SampleSize, &m.WinRate, &m.PnL, &m.ROI,
		&m.ProfitFactor, &m.EdgePoints, &m.SharpeRatio, &m.KellyFraction,
		&m.InformationRatio, &m.PValue, &m.AdjustedPValue, &m.AvgPrice,
		&m.BreakEvenRate, &m.CILower, &m.CIUpper, &r.IsStatisticallySignificant, &r.IsParetoOptimal,
		&rankROI, &rankWin, &rankSharpe, &rankEdge)
	if err != nil {
		return nil, fmt.Errorf("scan optimization result: %w", err)
	}
	if err := json.Unmarshal(raw, &r.Config); err != nil {
		return nil, fmt.Errorf("decode result config: %w", err)
	}
	r.Ranks = map[string]int{
		"roi": rankROI, "winRate": rankWin, "sharpe": rankSharpe, "edgePoints": rankEdge,
	}
	return &r, nil
}
