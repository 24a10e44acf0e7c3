// Package research implements the offline half of the pipeline: backfilling
// contrarian events from resolved markets, correlation and P&L reporting,
// grid-search optimization with FDR correction, and sensitivity analysis.
package research

import (
	"slices"
	"time"

	"polysignal/pkg/types"
)

// FilterEvents applies an AnalysisConfig to a loaded event set. Pure and
// allocation-light: grid-search workers call this once per configuration
// over a shared slice.
func FilterEvents(events []types.ContrarianEvent, cfg types.AnalysisConfig, now time.Time) []types.ContrarianEvent {
	var cutoff int64
	if cfg.LookbackDays > 0 {
		cutoff = now.AddDate(0, 0, -cfg.LookbackDays).UnixMilli()
	}

	out := make([]types.ContrarianEvent, 0, len(events))
	for _, e := range events {
		if cutoff > 0 && e.TradeTimestamp < cutoff {
			continue
		}
		if cfg.MinSizeUSD > 0 && e.TradeNotional < cfg.MinSizeUSD {
			continue
		}
		if cfg.WindowMinutes > 0 && e.MinutesBeforeClose > float64(cfg.WindowMinutes) {
			continue
		}
		if cfg.RequireAsymmetricBook && !e.IsAsymmetricBook {
			continue
		}
		if cfg.RequireNewWallet && !e.IsNewWallet {
			continue
		}
		if cfg.MaxWalletAgeDays > 0 {
			if e.WalletAgeDays == nil || *e.WalletAgeDays > cfg.MaxWalletAgeDays {
				continue
			}
		}
		if cfg.MaxSpreadBps > 0 && e.SpreadBps > cfg.MaxSpreadBps {
			continue
		}
		if len(cfg.Categories) > 0 && !slices.Contains(cfg.Categories, e.Category) {
			continue
		}
		if cfg.OutcomeFilter != "" && cfg.OutcomeFilter != "all" && e.TradedOutcome != cfg.OutcomeFilter {
			continue
		}
		if cfg.MinPrice > 0 && e.TradePrice < cfg.MinPrice {
			continue
		}
		if cfg.MaxPrice > 0 && e.TradePrice > cfg.MaxPrice {
			continue
		}
		if cfg.MinZScore != 0 && e.SizeZScore < cfg.MinZScore {
			continue
		}
		if cfg.MaxZScore != 0 && e.SizeZScore > cfg.MaxZScore {
			continue
		}
		if cfg.MinMinutesToClose > 0 && e.MinutesBeforeClose < cfg.MinMinutesToClose {
			continue
		}
		if cfg.MaxMinutesToClose > 0 && e.MinutesBeforeClose > cfg.MaxMinutesToClose {
			continue
		}
		if cfg.OFITrendDisagree && e.IsAgainstOFI == e.IsAgainstTrend {
			continue
		}
		out = append(out, e)
	}
	return out
}
