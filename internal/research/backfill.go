package research

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"polysignal/internal/config"
	"polysignal/internal/warehouse"
	"polysignal/pkg/types"
)

// MarketCandidate pairs a closed market's metadata with the raw
// outcomePrices payload it was fetched with. Resolution is decided here, not
// by the source.
type MarketCandidate struct {
	Market        types.ResolvedMarket
	OutcomePrices string
}

// MarketSource pages closed markets from the metadata API.
type MarketSource interface {
	ClosedMarkets(ctx context.Context, closedAfter time.Time, limit, offset int) ([]MarketCandidate, error)
}

// TradeSource pages the historical trade tape for one market.
type TradeSource interface {
	MarketTrades(ctx context.Context, conditionID string, limit, offset int) ([]types.Trade, error)
}

// WalletMeta resolves on-chain wallet metadata during event construction.
type WalletMeta interface {
	Enrich(ctx context.Context, address string) (*types.WalletEnrichment, error)
}

const (
	trendWindow = 30 * time.Minute
	ofiWindow   = 30 * time.Minute

	// tailPercentile flags the size tail; newWalletAgeDays splits wallet
	// cohorts. Both match the live scoring path.
	tailPercentile   = 95.0
	newWalletAgeDays = 7.0

	// madToSigma rescales median absolute deviation to a normal sigma.
	madToSigma = 1.4826

	jobTypeContrarianEvents = "contrarian_events"
)

// Backfiller replays resolved markets through the contrarian-event
// extraction and persists the results. Re-runs are idempotent: the event
// natural key dedupes at insert time.
type Backfiller struct {
	markets MarketSource
	trades  TradeSource
	wallets WalletMeta // optional
	wh      *warehouse.Warehouse
	cfg     config.ResearchConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewBackfiller(markets MarketSource, trades TradeSource, wallets WalletMeta,
	wh *warehouse.Warehouse, cfg config.ResearchConfig, logger *slog.Logger) *Backfiller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = 30
	}
	if cfg.BackfillWindowMinutes <= 0 {
		cfg.BackfillWindowMinutes = 120
	}
	return &Backfiller{
		markets: markets,
		trades:  trades,
		wallets: wallets,
		wh:      wh,
		cfg:     cfg,
		logger:  logger.With("component", "backfill"),
		now:     time.Now,
	}
}

// Run executes one full backfill under a warehouse job record. The returned
// job id is valid even when the run fails; the failure reason lands on the
// job row.
func (b *Backfiller) Run(ctx context.Context) (int64, error) {
	jobID, err := b.wh.CreateBackfillJob(ctx, jobTypeContrarianEvents, b.cfg)
	if err != nil {
		return 0, fmt.Errorf("create backfill job: %w", err)
	}

	if err := b.run(ctx, jobID); err != nil {
		if ferr := b.wh.FinishBackfillJob(ctx, jobID, err.Error()); ferr != nil {
			b.logger.Error("finish failed job", "job_id", jobID, "error", ferr)
		}
		return jobID, err
	}
	return jobID, b.wh.FinishBackfillJob(ctx, jobID, "")
}

func (b *Backfiller) run(ctx context.Context, jobID int64) error {
	closedAfter := b.now().AddDate(0, 0, -b.cfg.BackfillDays)
	resolved, err := b.collectResolvedMarkets(ctx, closedAfter)
	if err != nil {
		return err
	}
	b.logger.Info("backfill market scan complete",
		"job_id", jobID, "resolved_markets", len(resolved), "closed_after", closedAfter)

	total := len(resolved)
	var eventCount, tradeCount int
	for i, market := range resolved {
		if err := ctx.Err(); err != nil {
			return err
		}

		trades, stored, err := b.collectTrades(ctx, market.ConditionID)
		if err != nil {
			return fmt.Errorf("trades for %s: %w", market.ConditionID, err)
		}
		if !stored {
			if _, err := b.wh.InsertHistoricalTrades(ctx, market.ConditionID, trades); err != nil {
				return fmt.Errorf("persist trades for %s: %w", market.ConditionID, err)
			}
		}
		tradeCount += len(trades)

		events := b.extractEvents(ctx, market, trades)
		inserted, err := b.wh.InsertContrarianEvents(ctx, events)
		if err != nil {
			return fmt.Errorf("persist events for %s: %w", market.ConditionID, err)
		}
		eventCount += inserted

		if err := b.wh.UpdateBackfillProgress(ctx, jobID, i+1, total); err != nil {
			b.logger.Warn("progress update failed", "job_id", jobID, "error", err)
		}
	}

	b.logger.Info("backfill complete",
		"job_id", jobID, "markets", total, "trades", tradeCount, "new_events", eventCount)
	return nil
}

// collectResolvedMarkets pages closed markets, keeps the ones with a
// definitive ["1","0"]-style resolution, and upserts them.
func (b *Backfiller) collectResolvedMarkets(ctx context.Context, closedAfter time.Time) ([]types.ResolvedMarket, error) {
	var out []types.ResolvedMarket
	for offset := 0; ; offset += b.cfg.PageSize {
		page, err := b.markets.ClosedMarkets(ctx, closedAfter, b.cfg.PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("market page at offset %d: %w", offset, err)
		}
		for _, cand := range page {
			outcome, ok := types.ParseWinningOutcome(cand.OutcomePrices)
			if !ok {
				continue
			}
			m := cand.Market
			m.WinningOutcome = outcome
			if err := b.wh.UpsertResolvedMarket(ctx, m); err != nil {
				return nil, fmt.Errorf("upsert market %s: %w", m.ConditionID, err)
			}
			out = append(out, m)
		}
		if len(page) < b.cfg.PageSize {
			return out, nil
		}
	}
}

// collectTrades returns a market's full tape and whether it came from the
// warehouse. A resolved market's tape is immutable, so a prior backfill's
// copy is authoritative and skips the Data API paging entirely.
func (b *Backfiller) collectTrades(ctx context.Context, conditionID string) ([]types.Trade, bool, error) {
	if stored, err := b.wh.ListTradesForMarket(ctx, conditionID); err != nil {
		b.logger.Warn("stored tape lookup failed", "condition_id", conditionID, "error", err)
	} else if len(stored) > 0 {
		return stored, true, nil
	}

	var out []types.Trade
	for offset := 0; ; offset += b.cfg.PageSize {
		page, err := b.trades.MarketTrades(ctx, conditionID, b.cfg.PageSize, offset)
		if err != nil {
			return nil, false, fmt.Errorf("trade page at offset %d: %w", offset, err)
		}
		out = append(out, page...)
		if len(page) < b.cfg.PageSize {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, false, nil
}

// extractEvents turns a resolved market's trade tape into contrarian events.
// Only trades inside the pre-close window become events; size statistics use
// the market's full tape so the percentile is meaningful. Book-shape fields
// stay zero: no historical order book survives resolution.
func (b *Backfiller) extractEvents(ctx context.Context, market types.ResolvedMarket, trades []types.Trade) []types.ContrarianEvent {
	if len(trades) == 0 {
		return nil
	}

	notionals := make([]float64, len(trades))
	for i := range trades {
		notionals[i] = trades[i].Notional()
	}
	sortedNotionals := append([]float64(nil), notionals...)
	sort.Float64s(sortedNotionals)
	med, mad := medianMAD(sortedNotionals)

	closeMs := market.EndDate.UnixMilli()
	windowStart := closeMs - int64(b.cfg.BackfillWindowMinutes)*60_000

	var out []types.ContrarianEvent
	for i := range trades {
		tr := &trades[i]
		if tr.Timestamp < windowStart || tr.Timestamp > closeMs {
			continue
		}
		tradedOutcome := tradedOutcome(market, tr)
		if tradedOutcome == "" {
			continue
		}

		pct := percentileOf(sortedNotionals, notionals[i])
		z := 0.0
		if mad > 0 {
			z = (notionals[i] - med) / (mad * madToSigma)
		}

		trend := priceTrend(trades, i, trendWindow)
		ofi := flowImbalance(trades, i, ofiWindow)
		dir := 1.0
		if tr.Side == types.SELL {
			dir = -1
		}

		e := types.ContrarianEvent{
			ConditionID:        market.ConditionID,
			TokenID:            tr.TokenID,
			TradeTimestamp:     tr.Timestamp,
			MinutesBeforeClose: float64(closeMs-tr.Timestamp) / 60_000,

			TradeSide:     tr.Side,
			TradePrice:    tr.Price,
			TradeSize:     tr.Size,
			TradeNotional: notionals[i],
			TakerAddress:  tr.TakerAddress,

			SizePercentile: pct,
			SizeZScore:     z,
			IsTailTrade:    pct >= tailPercentile,

			IsPriceContrarian: tr.Price < 0.5,
			PriceTrend30m:     trend,
			IsAgainstTrend:    trend*dir < 0,
			OFI30m:            ofi,
			IsAgainstOFI:      ofi*dir < 0,

			TradedOutcome: tradedOutcome,
			OutcomeWon:    tradedOutcome == market.WinningOutcome,
			Drift30m:      dir * drift(trades, i, 30*time.Minute),
			Drift60m:      dir * drift(trades, i, 60*time.Minute),
		}
		e.IsContrarian = e.IsAgainstTrend && e.IsAgainstOFI

		if b.wallets != nil && tr.TakerAddress != "" {
			if enr, err := b.wallets.Enrich(ctx, tr.TakerAddress); err == nil && enr != nil {
				e.WalletAgeDays = enr.AgeDays(tr.Timestamp)
				if enr.TransactionCount > 0 {
					n := enr.TransactionCount
					e.WalletTradeCount = &n
				}
				e.IsNewWallet = e.WalletAgeDays != nil && *e.WalletAgeDays < newWalletAgeDays
			}
		}
		out = append(out, e)
	}
	return out
}

// tradedOutcome maps (token, side) onto the market outcome the taker is
// effectively long. Unknown tokens yield "".
func tradedOutcome(market types.ResolvedMarket, tr *types.Trade) string {
	long := tr.Side == types.BUY
	switch tr.TokenID {
	case market.YesTokenID:
		if long {
			return "Yes"
		}
		return "No"
	case market.NoTokenID:
		if long {
			return "No"
		}
		return "Yes"
	}
	return ""
}

// priceTrend is the signed price change of this token from `window` before
// the trade at index i up to the trade itself. Zero when no earlier trade of
// the same token is inside the window.
func priceTrend(trades []types.Trade, i int, window time.Duration) float64 {
	ref := trades[i].Timestamp - window.Milliseconds()
	for j := i - 1; j >= 0; j-- {
		if trades[j].TokenID != trades[i].TokenID {
			continue
		}
		if trades[j].Timestamp < ref {
			break
		}
		trend := trades[i].Price - trades[j].Price
		if j == 0 || trades[j-1].Timestamp < ref {
			return trend
		}
	}
	return 0
}

// flowImbalance computes (buy − sell) / (buy + sell) notional for this token
// over the window ending just before trade i.
func flowImbalance(trades []types.Trade, i int, window time.Duration) float64 {
	ref := trades[i].Timestamp - window.Milliseconds()
	var buy, sell float64
	for j := i - 1; j >= 0 && trades[j].Timestamp >= ref; j-- {
		if trades[j].TokenID != trades[i].TokenID {
			continue
		}
		if trades[j].Side == types.BUY {
			buy += trades[j].Notional()
		} else {
			sell += trades[j].Notional()
		}
	}
	if buy+sell == 0 {
		return 0
	}
	return (buy - sell) / (buy + sell)
}

// drift is the raw price move of the token from trade i to the last trade
// within `horizon` after it. Zero without a later trade in the horizon.
func drift(trades []types.Trade, i int, horizon time.Duration) float64 {
	limit := trades[i].Timestamp + horizon.Milliseconds()
	last := trades[i].Price
	found := false
	for j := i + 1; j < len(trades) && trades[j].Timestamp <= limit; j++ {
		if trades[j].TokenID != trades[i].TokenID {
			continue
		}
		last = trades[j].Price
		found = true
	}
	if !found {
		return 0
	}
	return last - trades[i].Price
}

// percentileOf returns the percentile rank (0–100) of x inside a sorted
// sample.
func percentileOf(sorted []float64, x float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	below := sort.SearchFloat64s(sorted, x)
	// Count x itself and any equal values as at-or-below.
	atOrBelow := below
	for atOrBelow < len(sorted) && sorted[atOrBelow] <= x {
		atOrBelow++
	}
	return 100 * float64(atOrBelow) / float64(len(sorted))
}

func medianMAD(sorted []float64) (median, mad float64) {
	n := len(sorted)
	if n == 0 {
		return 0, 0
	}
	median = quantileSorted(sorted, 0.5)

	devs := make([]float64, n)
	for i, v := range sorted {
		devs[i] = math.Abs(v - median)
	}
	sort.Float64s(devs)
	return median, quantileSorted(devs, 0.5)
}

func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
