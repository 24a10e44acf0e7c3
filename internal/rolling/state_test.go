package rolling

import (
	"fmt"
	"testing"
	"time"

	"polysignal/internal/config"
	"polysignal/pkg/types"
)

func testRollingConfig() config.RollingConfig {
	return config.Default().Rolling
}

func mkTrade(i int, tsMs int64, price, size float64) types.Trade {
	return types.Trade{
		TradeID:      fmt.Sprintf("t-%d", i),
		TokenID:      "tok-1",
		Timestamp:    tsMs,
		TakerAddress: "0x1111111111111111111111111111111111111111",
		Side:         types.BUY,
		Price:        price,
		Size:         size,
	}
}

func TestWindowEviction(t *testing.T) {
	t.Parallel()
	w := NewTradeWindow(60)
	base := time.Now().UnixMilli()

	w.Append(mkTrade(1, base-70*60_000, 0.5, 100)) // outside 60m once later trades arrive
	w.Append(mkTrade(2, base-30*60_000, 0.5, 100))
	w.Append(mkTrade(3, base-2*60_000, 0.5, 100))
	w.Append(mkTrade(4, base-30_000, 0.5, 100))

	if got := w.Count(60, base); got != 3 {
		t.Errorf("60m count = %d, want 3", got)
	}
	if got := w.Count(5, base); got != 2 {
		t.Errorf("5m count = %d, want 2", got)
	}
	if got := w.Count(1, base); got != 1 {
		t.Errorf("1m count = %d, want 1", got)
	}

	notionals := w.Notionals(base)
	if len(notionals) != 3 {
		t.Fatalf("notionals = %d entries, want 3", len(notionals))
	}
	for _, n := range notionals {
		if n != 50 {
			t.Errorf("notional = %v, want 50", n)
		}
	}
}

func TestWindowInterArrival(t *testing.T) {
	t.Parallel()
	w := NewTradeWindow(60)
	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		w.Append(mkTrade(i, base+int64(i)*10_000, 0.5, 10))
	}
	stats := w.InterArrival(base + 40_000)
	if stats.Count != 4 {
		t.Fatalf("gap count = %d, want 4", stats.Count)
	}
	if stats.MeanMs != 10_000 || stats.MedianMs != 10_000 {
		t.Errorf("mean/median = %v/%v, want 10000", stats.MeanMs, stats.MedianMs)
	}

	empty := NewTradeWindow(60)
	if s := empty.InterArrival(base); s.Count != 0 {
		t.Errorf("empty window gap count = %d, want 0", s.Count)
	}
}

func TestTokenStateRecordTrade(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testRollingConfig())
	base := time.Now().UnixMilli()

	eng.WithToken("tok-1", func(s *TokenState) {
		for i := 0; i < 100; i++ {
			s.RecordTrade(mkTrade(i, base+int64(i)*1000, 0.5, float64(10+i)))
		}

		if s.DigestSize() != 100 {
			t.Errorf("digest size = %d, want 100", s.DigestSize())
		}
		// percentile rank of a huge notional should be ~100
		if p := s.TradeSizePercentile(1e9); p < 99 {
			t.Errorf("rank of huge notional = %v, want ~100", p)
		}
		if p := s.TradeSizePercentile(0); p > 1 {
			t.Errorf("rank of zero notional = %v, want ~0", p)
		}

		intensity, _ := s.HawkesIntensity(base + 100_000)
		if intensity <= s.HawkesBaseline() {
			t.Errorf("intensity = %v, want above baseline after events", intensity)
		}

		if c := s.CusumState(MetricTradeRate); c == nil || c.ObservationCount != 100 {
			t.Error("trade_rate cusum should have observed every trade")
		}
	})
}

func TestTokenStateOrderbook(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testRollingConfig())
	now := time.Now()

	snap := types.OrderBookSnapshot{
		TokenID:   "tok-1",
		Bids:      []types.PriceLevel{{Price: "0.50", Size: "100"}},
		Asks:      []types.PriceLevel{{Price: "0.54", Size: "80"}},
		Timestamp: now,
	}
	m, ok := types.ComputeBookMetrics(snap)
	if !ok {
		t.Fatal("metrics should compute")
	}

	eng.WithToken("tok-1", func(s *TokenState) {
		if s.CurrentBook() != nil {
			t.Fatal("fresh state should have no book")
		}
		s.RecordOrderbook(snap, m)
		if s.CurrentBook() == nil {
			t.Fatal("book should be stored")
		}
		if mid, ok := s.MidAt(now.UnixMilli()); !ok || mid != m.MidPrice {
			t.Errorf("MidAt = (%v, %v), want (%v, true)", mid, ok, m.MidPrice)
		}
		if _, ok := s.MidAt(now.Add(-time.Hour).UnixMilli()); ok {
			t.Error("MidAt before any sample should report not found")
		}
	})
}

func TestTokenStateSnapshotRestore(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testRollingConfig())
	base := time.Now().UnixMilli()

	var blob []byte
	eng.WithToken("tok-1", func(s *TokenState) {
		for i := 0; i < 50; i++ {
			s.RecordTrade(mkTrade(i, base+int64(i)*500, 0.4, 100))
		}
		var err error
		blob, err = s.Snapshot()
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
	})

	eng2 := NewEngine(testRollingConfig())
	eng2.WithToken("tok-1", func(s *TokenState) {
		if err := s.Restore(blob); err != nil {
			t.Fatalf("restore: %v", err)
		}
		if s.DigestSize() != 50 {
			t.Errorf("restored digest size = %d, want 50", s.DigestSize())
		}
		if s.TradeCount(60, base+25_000) != 50 {
			t.Errorf("restored window count = %d, want 50", s.TradeCount(60, base+25_000))
		}
		if c := s.CusumState(MetricTradeRate); c == nil || c.ObservationCount != 50 {
			t.Error("restored trade_rate cusum missing observations")
		}
	})
}

func TestEngineDrop(t *testing.T) {
	t.Parallel()
	eng := NewEngine(testRollingConfig())
	eng.WithToken("a", func(*TokenState) {})
	eng.WithToken("b", func(*TokenState) {})
	if got := len(eng.TokenIDs()); got != 2 {
		t.Fatalf("tracked tokens = %d, want 2", got)
	}
	eng.Drop("a")
	ids := eng.TokenIDs()
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("after drop: %v, want [b]", ids)
	}
}
