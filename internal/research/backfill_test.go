package research

import (
	"log/slog"
	"testing"
	"time"

	"polysignal/internal/config"
	"polysignal/pkg/types"
)

func TestParseWinningOutcomeForms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`["1","0"]`, "Yes", true},
		{`["0","1"]`, "No", true},
		{`[1,0]`, "Yes", true},
		{`[0,1]`, "No", true},
		{`["0.85","0.15"]`, "", false},
		{`["1"]`, "", false},
		{``, "", false},
		{`not json`, "", false},
	}
	for _, tc := range cases {
		got, ok := types.ParseWinningOutcome(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseWinningOutcome(%q) = %q,%v want %q,%v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func testMarket(close time.Time) types.ResolvedMarket {
	return types.ResolvedMarket{
		ConditionID:    "0xcond",
		Question:       "Will it resolve Yes?",
		EndDate:        close,
		WinningOutcome: "Yes",
		YesTokenID:     "tok-yes",
		NoTokenID:      "tok-no",
	}
}

func tapeTrade(tokenID string, ts time.Time, side types.Side, price, size float64) types.Trade {
	return types.Trade{
		TradeID:      tokenID + ts.Format(time.RFC3339Nano),
		TokenID:      tokenID,
		Timestamp:    ts.UnixMilli(),
		TakerAddress: "0xabc",
		Side:         side,
		Price:        price,
		Size:         size,
	}
}

func TestTradedOutcomeMapping(t *testing.T) {
	t.Parallel()

	m := testMarket(time.Now())
	cases := []struct {
		token string
		side  types.Side
		want  string
	}{
		{"tok-yes", types.BUY, "Yes"},
		{"tok-yes", types.SELL, "No"},
		{"tok-no", types.BUY, "No"},
		{"tok-no", types.SELL, "Yes"},
		{"tok-other", types.BUY, ""},
	}
	for _, tc := range cases {
		tr := types.Trade{TokenID: tc.token, Side: tc.side}
		if got := tradedOutcome(m, &tr); got != tc.want {
			t.Errorf("tradedOutcome(%s, %s) = %q want %q", tc.token, tc.side, got, tc.want)
		}
	}
}

func TestPriceTrendAndOFI(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	trades := []types.Trade{
		tapeTrade("tok-yes", base, types.BUY, 0.60, 100),
		tapeTrade("tok-yes", base.Add(10*time.Minute), types.BUY, 0.55, 100),
		tapeTrade("tok-yes", base.Add(20*time.Minute), types.SELL, 0.50, 300),
		tapeTrade("tok-yes", base.Add(25*time.Minute), types.BUY, 0.45, 50),
	}

	// Trend for the last trade spans back 30m to the first trade: 0.45-0.60.
	if got := priceTrend(trades, 3, trendWindow); !approxEq(got, -0.15, 1e-9) {
		t.Fatalf("trend = %v, want -0.15", got)
	}

	// Flow before the last trade: buys 60+55, sells 150 → negative imbalance.
	ofi := flowImbalance(trades, 3, ofiWindow)
	if ofi >= 0 {
		t.Fatalf("ofi = %v, want negative", ofi)
	}
	wantOFI := (115.0 - 150.0) / (115.0 + 150.0)
	if !approxEq(ofi, wantOFI, 1e-9) {
		t.Fatalf("ofi = %v, want %v", ofi, wantOFI)
	}
}

func TestDriftAfterTrade(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	trades := []types.Trade{
		tapeTrade("tok-yes", base, types.BUY, 0.40, 100),
		tapeTrade("tok-yes", base.Add(10*time.Minute), types.BUY, 0.48, 100),
		tapeTrade("tok-yes", base.Add(45*time.Minute), types.BUY, 0.55, 100),
		tapeTrade("tok-yes", base.Add(90*time.Minute), types.BUY, 0.70, 100),
	}

	if got := drift(trades, 0, 30*time.Minute); !approxEq(got, 0.08, 1e-9) {
		t.Fatalf("30m drift = %v, want 0.08", got)
	}
	if got := drift(trades, 0, 60*time.Minute); !approxEq(got, 0.15, 1e-9) {
		t.Fatalf("60m drift = %v, want 0.15", got)
	}
	// Last trade has no future tape.
	if got := drift(trades, 3, 60*time.Minute); got != 0 {
		t.Fatalf("terminal drift = %v, want 0", got)
	}
}

func TestPercentileOf(t *testing.T) {
	t.Parallel()

	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := percentileOf(sorted, 100); got != 100 {
		t.Fatalf("max percentile = %v", got)
	}
	if got := percentileOf(sorted, 10); got != 10 {
		t.Fatalf("min percentile = %v", got)
	}
	if got := percentileOf(sorted, 50); got != 50 {
		t.Fatalf("median percentile = %v", got)
	}
	if got := percentileOf(nil, 5); got != 0 {
		t.Fatalf("empty sample percentile = %v", got)
	}
}

func TestIsPriceContrarianUsesLiteralPrice(t *testing.T) {
	t.Parallel()

	b := NewBackfiller(nil, nil, nil, nil, config.ResearchConfig{BackfillWindowMinutes: 240}, slog.New(slog.DiscardHandler))
	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := types.ResolvedMarket{
		ConditionID:    "c1",
		YesTokenID:     "yes",
		NoTokenID:      "no",
		EndDate:        end,
		WinningOutcome: "Yes",
	}

	inWindow := end.Add(-30 * time.Minute).UnixMilli()
	trades := []types.Trade{
		{TradeID: "t1", TokenID: "yes", Timestamp: inWindow, Side: types.SELL, Price: 0.70, Size: 100},
		{TradeID: "t2", TokenID: "yes", Timestamp: inWindow + 1000, Side: types.BUY, Price: 0.70, Size: 100},
		{TradeID: "t3", TokenID: "yes", Timestamp: inWindow + 2000, Side: types.SELL, Price: 0.30, Size: 100},
		{TradeID: "t4", TokenID: "yes", Timestamp: inWindow + 3000, Side: types.BUY, Price: 0.30, Size: 100},
	}

	events := b.extractEvents(t.Context(), market, trades)
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	// The flag reads the raw trade price; the side never flips it.
	want := []bool{false, false, true, true}
	for i, e := range events {
		if e.IsPriceContrarian != want[i] {
			t.Errorf("event %d (side %s price %v): isPriceContrarian = %v, want %v",
				i, e.TradeSide, e.TradePrice, e.IsPriceContrarian, want[i])
		}
	}
}

func TestQuantileSortedAndMAD(t *testing.T) {
	t.Parallel()

	med, mad := medianMAD([]float64{1, 2, 3, 4, 100})
	if med != 3 {
		t.Fatalf("median = %v, want 3", med)
	}
	// Deviations: 2,1,0,1,97 → sorted 0,1,1,2,97 → median 1.
	if mad != 1 {
		t.Fatalf("mad = %v, want 1", mad)
	}
}
