package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"polysignal/pkg/types"
)

// UpsertResolvedMarket records or refreshes one resolved market.
func (w *Warehouse) UpsertResolvedMarket(ctx context.Context, m types.ResolvedMarket) error {
	if !w.Enabled() {
		return ErrNotConfigured
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO resolved_markets (
			condition_id, question, slug, event_slug, category, end_date,
			winning_outcome, final_yes_price, final_no_price, yes_token_id, no_token_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (condition_id) DO UPDATE SET
			winning_outcome = EXCLUDED.winning_outcome,
			final_yes_price = EXCLUDED.final_yes_price,
			final_no_price  = EXCLUDED.final_no_price`,
		m.ConditionID, m.Question, m.Slug, m.EventSlug, m.Category, m.EndDate,
		m.WinningOutcome, m.FinalYesPrice, m.FinalNoPrice, m.YesTokenID, m.NoTokenID)
	if err != nil {
		return fmt.Errorf("upsert resolved market %s: %w", m.ConditionID, err)
	}
	return nil
}

// ListResolvedMarkets returns markets resolved within the lookback window,
// oldest first.
func (w *Warehouse) ListResolvedMarkets(ctx context.Context, since time.Time) ([]types.ResolvedMarket, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	var out []types.ResolvedMarket
	err := w.db.SelectContext(ctx, &out, `
		SELECT condition_id, question, slug, event_slug, category, end_date,
		       winning_outcome, final_yes_price, final_no_price, yes_token_id, no_token_id
		FROM resolved_markets
		WHERE winning_outcome IS NOT NULL AND end_date >= $1
		ORDER BY end_date ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list resolved markets: %w", err)
	}
	return out, nil
}

// GetResolvedMarket fetches one market, nil when absent.
func (w *Warehouse) GetResolvedMarket(ctx context.Context, conditionID string) (*types.ResolvedMarket, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	var m types.ResolvedMarket
	err := w.db.GetContext(ctx, &m, `
		SELECT condition_id, question, slug, event_slug, category, end_date,
		       COALESCE(winning_outcome, '') AS winning_outcome,
		       final_yes_price, final_no_price, yes_token_id, no_token_id
		FROM resolved_markets WHERE condition_id = $1`, conditionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resolved market %s: %w", conditionID, err)
	}
	return &m, nil
}

// InsertHistoricalTrades stores a page of trades, skipping duplicates on the
// (condition_id, trade_id) natural key. Returns how many rows were new.
func (w *Warehouse) InsertHistoricalTrades(ctx context.Context, conditionID string, trades []types.Trade) (int, error) {
	if !w.Enabled() {
		return 0, ErrNotConfigured
	}
	if len(trades) == 0 {
		return 0, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin trades tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO historical_trades (
			condition_id, token_id, trade_id, trade_timestamp, taker_address,
			side, price, size, notional, transaction_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (condition_id, trade_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare trades insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range trades {
		res, err := stmt.ExecContext(ctx,
			conditionID, t.TokenID, t.TradeID, t.Timestamp, t.TakerAddress,
			t.Side, t.Price, t.Size, t.Notional(), t.TxHash)
		if err != nil {
			return 0, fmt.Errorf("insert trade %s: %w", t.TradeID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit trades: %w", err)
	}
	return inserted, nil
}

// ListTradesForMarket returns a market's trades in timestamp order.
func (w *Warehouse) ListTradesForMarket(ctx context.Context, conditionID string) ([]types.Trade, error) {
	if !w.Enabled() {
		return nil, nil
	}
	ctx, cancel := w.ctx(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx, `
		SELECT token_id, trade_id, trade_timestamp, taker_address, side, price, size, transaction_hash
		FROM historical_trades
		WHERE condition_id = $1
		ORDER BY trade_timestamp ASC`, conditionID)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", conditionID, err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		if err := rows.Scan(&t.TokenID, &t.TradeID, &t.Timestamp, &t.TakerAddress,
			&t.Side, &t.Price, &t.Size, &t.TxHash); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
