package research

import (
	"testing"
	"time"

	"polysignal/pkg/types"
)

func TestFilterEventsZeroConfigPassesAll(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	events := []types.ContrarianEvent{
		event(now.Add(-24*time.Hour).UnixMilli(), 0.4, true),
		event(now.Add(-48*time.Hour).UnixMilli(), 0.6, false),
	}
	got := FilterEvents(events, types.AnalysisConfig{}, now)
	if len(got) != 2 {
		t.Fatalf("zero config filtered %d of 2 events", 2-len(got))
	}
}

func TestFilterEventsConstraints(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	age := func(d float64) *float64 { return &d }

	base := event(now.Add(-12*time.Hour).UnixMilli(), 0.40, true)
	base.TradeNotional = 8000
	base.MinutesBeforeClose = 45
	base.IsAsymmetricBook = true
	base.IsNewWallet = true
	base.WalletAgeDays = age(3)
	base.SpreadBps = 40
	base.Category = "politics"
	base.TradedOutcome = "No"
	base.SizeZScore = 4

	cases := []struct {
		name   string
		cfg    types.AnalysisConfig
		mutate func(*types.ContrarianEvent)
		want   bool
	}{
		{"passes full config", fullConfig(), nil, true},
		{"lookback", types.AnalysisConfig{LookbackDays: 7},
			func(e *types.ContrarianEvent) { e.TradeTimestamp = now.AddDate(0, 0, -10).UnixMilli() }, false},
		{"minSize", types.AnalysisConfig{MinSizeUSD: 10000}, nil, false},
		{"window", types.AnalysisConfig{WindowMinutes: 30}, nil, false},
		{"asymmetricBook", types.AnalysisConfig{RequireAsymmetricBook: true},
			func(e *types.ContrarianEvent) { e.IsAsymmetricBook = false }, false},
		{"newWallet", types.AnalysisConfig{RequireNewWallet: true},
			func(e *types.ContrarianEvent) { e.IsNewWallet = false }, false},
		{"walletAgeTooOld", types.AnalysisConfig{MaxWalletAgeDays: 2}, nil, false},
		{"walletAgeUnknownExcluded", types.AnalysisConfig{MaxWalletAgeDays: 30},
			func(e *types.ContrarianEvent) { e.WalletAgeDays = nil }, false},
		{"spread", types.AnalysisConfig{MaxSpreadBps: 20}, nil, false},
		{"category", types.AnalysisConfig{Categories: []string{"sports"}}, nil, false},
		{"outcomeAll", types.AnalysisConfig{OutcomeFilter: "all"}, nil, true},
		{"outcomeMismatch", types.AnalysisConfig{OutcomeFilter: "Yes"}, nil, false},
		{"priceBelowMin", types.AnalysisConfig{MinPrice: 0.5}, nil, false},
		{"priceAboveMax", types.AnalysisConfig{MaxPrice: 0.3}, nil, false},
		{"zScoreBelowMin", types.AnalysisConfig{MinZScore: 5}, nil, false},
		{"zScoreAboveMax", types.AnalysisConfig{MaxZScore: 3}, nil, false},
		{"tooCloseToClose", types.AnalysisConfig{MinMinutesToClose: 60}, nil, false},
		{"tooFarFromClose", types.AnalysisConfig{MaxMinutesToClose: 30}, nil, false},
		{"ofiTrendAgree", types.AnalysisConfig{OFITrendDisagree: true}, nil, false},
		{"ofiTrendDisagree", types.AnalysisConfig{OFITrendDisagree: true},
			func(e *types.ContrarianEvent) { e.IsAgainstTrend = false }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := base
			if tc.mutate != nil {
				tc.mutate(&e)
			}
			got := FilterEvents([]types.ContrarianEvent{e}, tc.cfg, now)
			if kept := len(got) == 1; kept != tc.want {
				t.Fatalf("kept=%v want=%v", kept, tc.want)
			}
		})
	}
}

func fullConfig() types.AnalysisConfig {
	return types.AnalysisConfig{
		LookbackDays:          30,
		MinSizeUSD:            5000,
		WindowMinutes:         60,
		Mode:                  types.ModeVsBoth,
		RequireAsymmetricBook: true,
		RequireNewWallet:      true,
		MaxWalletAgeDays:      7,
		MaxSpreadBps:          50,
		Categories:            []string{"politics", "crypto"},
		OutcomeFilter:         "No",
		MinPrice:              0.05,
		MaxPrice:              0.95,
		MinZScore:             3,
		MaxZScore:             10,
		MinMinutesToClose:     5,
		MaxMinutesToClose:     120,
	}
}
