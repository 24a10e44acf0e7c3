package features

import (
	"fmt"
	"log/slog"
	"math"
	"testing"
	"time"

	"polysignal/internal/config"
	"polysignal/internal/rolling"
	"polysignal/pkg/types"
)

func testComputer() *Computer {
	return NewComputer(config.Default().Features, slog.Default())
}

func TestRampMultiplier(t *testing.T) {
	t.Parallel()
	c := testComputer()

	// At zero hours to close: min(max, 1+α) with α=2, max=3 → 3.
	if got := c.RampMultiplier(0); got != 3 {
		t.Errorf("ramp(0) = %v, want 3", got)
	}
	// Far from close the ramp decays to 1.
	if got := c.RampMultiplier(1000); math.Abs(got-1) > 1e-9 {
		t.Errorf("ramp(1000h) = %v, want 1", got)
	}
	// Monotone non-increasing in time to close.
	prev := c.RampMultiplier(0)
	for h := 0.5; h < 48; h += 0.5 {
		r := c.RampMultiplier(h)
		if r > prev {
			t.Fatalf("ramp not monotone at %vh: %v > %v", h, r, prev)
		}
		prev = r
	}
}

func TestRawSizeTailScore(t *testing.T) {
	t.Parallel()
	cases := []struct {
		p, want float64
	}{
		{0, 0},
		{95, 0.5},
		{99, 0.9},
		{99.9, 0.98},
		{100, 1.0},
	}
	for _, tc := range cases {
		if got := RawSizeTailScore(tc.p); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("RawSizeTailScore(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
	// Monotone over the full range.
	prev := -1.0
	for p := 0.0; p <= 100; p += 0.1 {
		s := RawSizeTailScore(p)
		if s < prev {
			t.Fatalf("tail score not monotone at p=%v", p)
		}
		prev = s
	}
}

func TestDollarFloorDiscountsTail(t *testing.T) {
	t.Parallel()
	c := testComputer()
	eng := rolling.NewEngine(config.Default().Rolling)
	base := time.Now().UnixMilli()

	eng.WithToken("tok", func(s *rolling.TokenState) {
		// 200 modest trades, then one giant.
		for i := 0; i < 200; i++ {
			s.RecordTrade(types.Trade{
				TradeID: fmt.Sprintf("t%d", i), TokenID: "tok",
				Timestamp: base + int64(i)*100, Side: types.BUY,
				Price: 0.5, Size: 100, // $50 each
			})
		}
		small := types.Trade{TradeID: "small", TokenID: "tok", Timestamp: base + 30_000, Side: types.BUY, Price: 0.5, Size: 4000} // $2000
		big := types.Trade{TradeID: "big", TokenID: "tok", Timestamp: base + 30_000, Side: types.BUY, Price: 0.5, Size: 60000}    // $30000

		fsSmall := c.tradeSizeFeatures(s, small, base+30_000)
		if fsSmall.SizeTailScore != 0 {
			t.Errorf("sub-$5000 trade sizeTail = %v, want 0 (dollar floor)", fsSmall.SizeTailScore)
		}
		if fsSmall.SizeTailScore > fsSmall.RawSizeTailScore {
			t.Error("sizeTail must never exceed raw tail score")
		}

		fsBig := c.tradeSizeFeatures(s, big, base+30_000)
		if fsBig.SizeTailScore != fsBig.RawSizeTailScore {
			t.Errorf("$30k trade: sizeTail %v != raw %v (floor multiplier should be 1)",
				fsBig.SizeTailScore, fsBig.RawSizeTailScore)
		}
		if !fsBig.IsTailTrade {
			t.Error("giant trade should be a tail trade")
		}
	})
}

func TestTradeSizeDegradesBelowFiveSamples(t *testing.T) {
	t.Parallel()
	c := testComputer()
	eng := rolling.NewEngine(config.Default().Rolling)
	base := time.Now().UnixMilli()

	eng.WithToken("tok", func(s *rolling.TokenState) {
		tr := types.Trade{TradeID: "t1", TokenID: "tok", Timestamp: base, Side: types.BUY, Price: 0.5, Size: 200}
		s.RecordTrade(tr)

		fs := c.tradeSizeFeatures(s, tr, base)
		if fs.Percentile != 50 {
			t.Errorf("percentile = %v, want 50 with <5 samples", fs.Percentile)
		}
		if fs.RobustZ != 0 {
			t.Errorf("robustZ = %v, want 0 with <5 samples", fs.RobustZ)
		}
		if fs.RollingMedian != tr.Notional() || fs.Q99 != tr.Notional() {
			t.Error("stats should degrade to the notional itself")
		}
	})
}

func TestBookFeaturesNeutralDefault(t *testing.T) {
	t.Parallel()
	c := testComputer()
	bf := c.bookFeatures(nil)
	if bf.SpreadScore != 1 {
		t.Errorf("neutral spreadScore = %v, want 1", bf.SpreadScore)
	}
	if bf.DepthScore != 0 {
		t.Errorf("neutral depthScore = %v, want 0", bf.DepthScore)
	}
	if bf.IsAsymmetric {
		t.Error("neutral book must not be asymmetric")
	}
	if bf.HasBook {
		t.Error("neutral default should report HasBook=false")
	}
}

func TestBookFeaturesAsymmetry(t *testing.T) {
	t.Parallel()
	c := testComputer()

	book := &rolling.BookState{
		Metrics: types.BookMetrics{
			Imbalance:  0.8,
			SpreadBps:  100,
			BidDepth10: 1000,
			AskDepth10: 100,
		},
	}
	bf := c.bookFeatures(book)
	if bf.BookImbalanceScore != 1 {
		t.Errorf("imbalance score at 0.8 = %v, want 1 (saturates at 0.7)", bf.BookImbalanceScore)
	}
	if math.Abs(bf.ThinSideRatio-0.1) > 1e-9 {
		t.Errorf("thin side ratio = %v, want 0.1", bf.ThinSideRatio)
	}
	if math.Abs(bf.ThinOppositeScore-0.9) > 1e-9 {
		t.Errorf("thin opposite = %v, want 0.9", bf.ThinOppositeScore)
	}
	if !bf.IsAsymmetric {
		t.Error("imbalance 0.8 + thin ratio 0.1 should flag asymmetric")
	}
	if math.Abs(bf.SpreadScore-0.8) > 1e-9 {
		t.Errorf("spread score at 100bps = %v, want 0.8", bf.SpreadScore)
	}
}

func TestWalletFeatures(t *testing.T) {
	t.Parallel()
	c := testComputer()
	nowMs := time.Now().UnixMilli()

	fresh := nowMs - 2*24*3600_000
	wf := c.walletFeatures(&types.WalletEnrichment{
		Address:            "0xabc",
		FirstSeenTimestamp: &fresh,
		TransactionCount:   3,
		Source:             types.WalletSourceUpstream,
	}, nowMs)
	if !wf.IsNewAccount {
		t.Error("2-day wallet should be a new account")
	}
	if wf.WalletNewScore != 1 {
		t.Errorf("new score = %v, want 1 under 7d", wf.WalletNewScore)
	}
	if wf.ActivityScore != 0.9 {
		t.Errorf("activity score = %v, want 0.9 for 3 txs", wf.ActivityScore)
	}
	if !wf.IsLowActivity {
		t.Error("3 txs is low activity")
	}

	// Old, busy wallet.
	old := nowMs - 400*24*3600_000
	wf2 := c.walletFeatures(&types.WalletEnrichment{
		Address:            "0xdef",
		FirstSeenTimestamp: &old,
		TransactionCount:   5000,
	}, nowMs)
	if wf2.IsNewAccount || wf2.IsLowActivity {
		t.Error("old busy wallet is neither new nor low-activity")
	}
	if wf2.WalletNewScore != 0 {
		t.Errorf("new score = %v, want 0 past 180d", wf2.WalletNewScore)
	}

	// Monotone non-increasing decay of walletNewScore.
	prev := walletNewScore(f64p(0))
	for age := 1.0; age <= 200; age++ {
		s := walletNewScore(f64p(age))
		if s > prev {
			t.Fatalf("walletNewScore not monotone at age %v", age)
		}
		prev = s
	}
}

func TestImpactNilWithoutHistory(t *testing.T) {
	t.Parallel()
	c := testComputer()
	eng := rolling.NewEngine(config.Default().Rolling)
	base := time.Now().UnixMilli()

	eng.WithToken("tok", func(s *rolling.TokenState) {
		tr := types.Trade{TradeID: "t", TokenID: "tok", Timestamp: base, Side: types.BUY, Price: 0.5, Size: 100}
		if imp := c.impactFeatures(s, tr, base); imp != nil {
			t.Error("impact should be nil with no mid history")
		}
	})
}

func TestImpactConfirmsDirection(t *testing.T) {
	t.Parallel()
	c := testComputer()
	eng := rolling.NewEngine(config.Default().Rolling)
	now := time.Now()

	eng.WithToken("tok", func(s *rolling.TokenState) {
		mkSnap := func(bid, ask string, at time.Time) {
			snap := types.OrderBookSnapshot{
				TokenID:   "tok",
				Bids:      []types.PriceLevel{{Price: bid, Size: "100"}},
				Asks:      []types.PriceLevel{{Price: ask, Size: "100"}},
				Timestamp: at,
			}
			m, _ := types.ComputeBookMetrics(snap)
			s.RecordOrderbook(snap, m)
		}
		mkSnap("0.48", "0.50", now.Add(-70*time.Second))
		mkSnap("0.50", "0.52", now.Add(-20*time.Second))
		mkSnap("0.53", "0.55", now)

		nowMs := now.UnixMilli()
		buy := types.Trade{TradeID: "b", TokenID: "tok", Timestamp: nowMs, Side: types.BUY, Price: 0.54, Size: 100}
		imp := c.impactFeatures(s, buy, nowMs)
		if imp == nil {
			t.Fatal("impact should be available with 60s of history")
		}
		if imp.Drift60s <= 0 {
			t.Errorf("rising mid after BUY should confirm: drift60 = %v", imp.Drift60s)
		}
		if imp.ImpactScore <= 0 || imp.ImpactScore > 1 {
			t.Errorf("impact score = %v, want (0, 1]", imp.ImpactScore)
		}

		sell := buy
		sell.Side = types.SELL
		impSell := c.impactFeatures(s, sell, nowMs)
		if impSell.Drift60s >= 0 {
			t.Errorf("rising mid after SELL should disconfirm: drift60 = %v", impSell.Drift60s)
		}
	})
}

func TestChangePointFeatures(t *testing.T) {
	t.Parallel()
	c := testComputer()
	eng := rolling.NewEngine(config.Default().Rolling)
	now := time.Now()

	eng.WithToken("tok", func(s *rolling.TokenState) {
		// Stable spread, then a widening regime.
		for i := 0; i < 40; i++ {
			bid, ask := "0.49", "0.51"
			if i >= 25 {
				bid, ask = "0.40", "0.60"
			}
			snap := types.OrderBookSnapshot{
				TokenID:   "tok",
				Bids:      []types.PriceLevel{{Price: bid, Size: "100"}},
				Asks:      []types.PriceLevel{{Price: ask, Size: "100"}},
				Timestamp: now.Add(time.Duration(i) * time.Second),
			}
			m, _ := types.ComputeBookMetrics(snap)
			s.RecordOrderbook(snap, m)
		}

		cf := c.changePointFeatures(s)
		if !cf.Detected {
			t.Fatal("spread regime shift should be detected")
		}
		if cf.Metric != rolling.MetricSpread {
			t.Errorf("winning metric = %q, want spread", cf.Metric)
		}
		if cf.RegimeShift != types.RegimeIncrease {
			t.Errorf("regime = %q, want increase", cf.RegimeShift)
		}
		if cf.ChangePointScore <= 0.5 {
			t.Errorf("score = %v, want > 0.5 once past threshold", cf.ChangePointScore)
		}
		if cf.ChangePointTimestamp == nil {
			t.Error("latched change point should carry a timestamp")
		}
	})
}

func TestComputeNullableGroups(t *testing.T) {
	t.Parallel()
	c := testComputer()
	eng := rolling.NewEngine(config.Default().Rolling)
	nowMs := time.Now().UnixMilli()

	market := &types.MarketInfo{
		ConditionID: "cond-1",
		YesTokenID:  "tok",
		EndDate:     time.Now().Add(45 * time.Minute),
	}

	eng.WithToken("tok", func(s *rolling.TokenState) {
		fv := c.Compute(s, market, nil, nowMs, nil)
		if fv.TradeSize != nil || fv.Wallet != nil || fv.Impact != nil {
			t.Error("absent sources must yield nil feature groups")
		}
		if fv.ConditionID != "cond-1" {
			t.Errorf("conditionID = %q", fv.ConditionID)
		}
		if !fv.Time.Within60m || fv.Time.Within30m {
			t.Error("45 minutes to close: within60m, not within30m")
		}
		if fv.Time.InNoTradeZone {
			t.Error("45 minutes out is not the no-trade zone")
		}
	})
}

func f64p(v float64) *float64 { return &v }
