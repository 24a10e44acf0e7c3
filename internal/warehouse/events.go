package warehouse

import (
	"context"
	"fmt"
	"time"

	"polysignal/pkg/types"
)

const eventColumns = `
	e.id, e.condition_id, e.token_id, e.trade_timestamp, e.minutes_before_close,
	e.trade_side, e.trade_price, e.trade_size, e.trade_notional, e.taker_address,
	e.size_percentile, e.size_z_score, e.is_tail_trade,
	e.is_price_contrarian, e.price_trend_30m, e.is_against_trend,
	e.ofi_30m, e.is_against_ofi, e.is_contrarian,
	e.book_imbalance, e.thin_opposite_ratio, e.spread_bps, e.is_asymmetric_book,
	e.wallet_age_days, e.wallet_trade_count, e.is_new_wallet,
	e.traded_outcome, e.outcome_won, e.drift_30m, e.drift_60m,
	COALESCE(m.category, '') AS category`

// InsertContrarianEvents persists a batch of backfilled events. Conflicts on
// the (condition_id, token_id, trade_timestamp) natural key are skipped, so
// re-running a backfill window inserts zero new rows. Returns the number of
// new rows.
func (w *Warehouse) InsertContrarianEvents(ctx context.Context, events []types.ContrarianEvent) (int, error) {
	if !w.Enabled() {
		return 0, ErrNotConfigured
	}
	if len(events) == 0 {
		return 0, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin events tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contrarian_events (
			condition_id, token_id, trade_timestamp, minutes_before_close,
			trade_side, trade_price, trade_size, trade_notional, taker_address,
			size_percentile, size_z_score, is_tail_trade,
			is_price_contrarian, price_trend_30m, is_against_trend,
			ofi_30m, is_against_ofi, is_contrarian,
			book_imbalance, thin_opposite_ratio, spread_bps, is_asymmetric_book,
			wallet_age_days, wallet_trade_count, is_new_wallet,
			traded_outcome, outcome_won, drift_30m, drift_60m
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
		          $19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
		ON CONFLICT (condition_id, token_id, trade_timestamp) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare events insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range events {
		res, err := stmt.ExecContext(ctx,
			e.ConditionID, e.TokenID, e.TradeTimestamp, e.MinutesBeforeClose,
			e.TradeSide, e.TradePrice, e.TradeSize, e.TradeNotional, e.TakerAddress,
			e.SizePercentile, e.SizeZScore, e.IsTailTrade,
			e.IsPriceContrarian, e.PriceTrend30m, e.IsAgainstTrend,
			e.OFI30m, e.IsAgainstOFI, e.IsContrarian,
			e.BookImbalance, e.ThinOppositeRatio, e.SpreadBps, e.IsAsymmetricBook,
			e.WalletAgeDays, e.WalletTradeCount, e.IsNewWallet,
			e.TradedOutcome, e.OutcomeWon, e.Drift30m, e.Drift60m)
		if err != nil {
			return 0, fmt.Errorf("insert event %s/%s@%d: %w", e.ConditionID, e.TokenID, e.TradeTimestamp, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit events: %w", err)
	}
	return inserted, nil
}

// ListEventsSince returns events newer than the cutoff, oldest first, with
// market category joined in. Fine-grained filtering happens in the research
// layer so grid-search workers share one load.
func (w *Warehouse) ListEventsSince(ctx context.Context, since time.Time) ([]types.ContrarianEvent, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	var out []types.ContrarianEvent
	err := w.db.SelectContext(ctx, &out, `
		SELECT `+eventColumns+`
		FROM contrarian_events e
		LEFT JOIN resolved_markets m ON m.condition_id = e.condition_id
		WHERE e.trade_timestamp >= $1
		ORDER BY e.trade_timestamp ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// ListEventsPage returns one page of events, newest first, plus the total
// row count for pagination.
func (w *Warehouse) ListEventsPage(ctx context.Context, limit, offset int) ([]types.ContrarianEvent, int, error) {
	if !w.Enabled() {
		return nil, 0, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	var total int
	if err := w.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM contrarian_events`); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	var out []types.ContrarianEvent
	err := w.db.SelectContext(ctx, &out, `
		SELECT `+eventColumns+`
		FROM contrarian_events e
		LEFT JOIN resolved_markets m ON m.condition_id = e.condition_id
		ORDER BY e.trade_timestamp DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("page events: %w", err)
	}
	return out, total, nil
}

// RecentSignals returns the newest contrarian-flagged events for the signals
// feed.
func (w *Warehouse) RecentSignals(ctx context.Context, limit int) ([]types.ContrarianEvent, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	var out []types.ContrarianEvent
	err := w.db.SelectContext(ctx, &out, `
		SELECT `+eventColumns+`
		FROM contrarian_events e
		LEFT JOIN resolved_markets m ON m.condition_id = e.condition_id
		WHERE e.is_contrarian
		ORDER BY e.trade_timestamp DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent signals: %w", err)
	}
	return out, nil
}
