package scoring

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

func testScorer(jobs chan<- types.StrategyJob) *Scorer {
	return NewScorer(config.Default().Scoring, slog.Default(), nil, jobs)
}

func quietVector() types.FeatureVector {
	return types.FeatureVector{
		TokenID:     "tok",
		ConditionID: "cond",
		Time:        types.TimeFeatures{RampMultiplier: 1},
		Book:        types.BookFeatures{SpreadScore: 1, ThinSideRatio: 1},
	}
}

func loudVector(ramp float64) types.FeatureVector {
	return types.FeatureVector{
		TokenID:     "tok",
		ConditionID: "cond",
		Time:        types.TimeFeatures{RampMultiplier: ramp},
		TradeSize: &types.TradeSizeFeatures{
			Notional:         30000,
			Percentile:       99.95,
			RawSizeTailScore: 0.99,
			SizeTailScore:    0.99,
			IsLargeTrade:     true,
			IsTailTrade:      true,
		},
		Book: types.BookFeatures{
			BookImbalanceScore: 0.95,
			ThinOppositeScore:  0.9,
			ThinSideRatio:      0.1,
			DepthScore:         0.8,
			SpreadScore:        0.9,
			IsAsymmetric:       true,
			HasBook:            true,
		},
		Wallet: &types.WalletFeatures{
			WalletNewScore: 1,
			ActivityScore:  0.9,
			IsNewAccount:   true,
			IsLowActivity:  true,
		},
		Impact: &types.ImpactFeatures{ImpactScore: 0.8},
		Burst:  types.BurstFeatures{BurstScore: 0.7, BurstDetected: true},
		ChangePoint: types.ChangePointFeatures{
			ChangePointScore: 0.85,
			Detected:         true,
			RegimeShift:      types.RegimeIncrease,
		},
	}
}

func emptyState(t *testing.T, fn func(*rolling.TokenState)) {
	t.Helper()
	eng := rolling.NewEngine(config.Default().Rolling)
	eng.WithToken("tok", fn)
}

func TestScoresStayInUnitInterval(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	emptyState(t, func(state *rolling.TokenState) {
		for _, fv := range []types.FeatureVector{quietVector(), loudVector(1), loudVector(3)} {
			score := sc.ComputeScores(state, fv, nowMs, DefaultTargetSizeUSD)
			for name, v := range map[string]float64{
				"anomaly":   score.Anomaly,
				"execution": score.Execution,
				"edge":      score.Edge,
				"composite": score.Composite,
			} {
				if v < 0 || v > 1 {
					t.Errorf("%s = %v outside [0, 1]", name, v)
				}
			}
		}
	})
}

func TestAnomalyTriggerAndRamp(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	emptyState(t, func(state *rolling.TokenState) {
		quiet := sc.ComputeScores(state, quietVector(), nowMs, 100)
		if quiet.Triggered {
			t.Errorf("quiet vector should not trigger (anomaly = %v)", quiet.Anomaly)
		}

		flat := sc.ComputeScores(state, loudVector(1), nowMs, 100)
		ramped := sc.ComputeScores(state, loudVector(3), nowMs, 100)
		if ramped.Anomaly < flat.Anomaly {
			t.Errorf("ramp must not lower anomaly: %v < %v", ramped.Anomaly, flat.Anomaly)
		}
		if !ramped.Triggered {
			t.Errorf("loud ramped vector should trigger, anomaly = %v", ramped.Anomaly)
		}
		if ramped.Anomaly < 0.65 {
			t.Errorf("triggered but anomaly %v below threshold", ramped.Anomaly)
		}
	})
}

func TestAnomalyUnknownWalletPrior(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	emptyState(t, func(state *rolling.TokenState) {
		withWallet := loudVector(1)
		noWallet := loudVector(1)
		noWallet.Wallet = nil
		a1 := sc.ComputeScores(state, withWallet, nowMs, 100).Anomaly
		a2 := sc.ComputeScores(state, noWallet, nowMs, 100).Anomaly
		// WalletNewScore 1.0 vs the unknown prior 0.5.
		if a2 >= a1 {
			t.Errorf("unknown wallet should score below a confirmed-new wallet: %v >= %v", a2, a1)
		}
		if a2 <= 0 {
			t.Error("unknown wallet must not zero out the anomaly score")
		}
	})
}

func TestTripleSignalConjunction(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	emptyState(t, func(state *rolling.TokenState) {
		base := loudVector(1)
		if !sc.ComputeScores(state, base, nowMs, 100).TripleSignal {
			t.Fatal("loud vector should fire the triple signal")
		}

		weakSize := loudVector(1)
		weakSize.TradeSize.SizeTailScore = 0.5
		if sc.ComputeScores(state, weakSize, nowMs, 100).TripleSignal {
			t.Error("size tail below threshold must break the conjunction")
		}

		balanced := loudVector(1)
		balanced.Book.BookImbalanceScore = 0.4
		if sc.ComputeScores(state, balanced, nowMs, 100).TripleSignal {
			t.Error("balanced book must break the conjunction")
		}

		noWallet := loudVector(1)
		noWallet.Wallet = nil
		if sc.ComputeScores(state, noWallet, nowMs, 100).TripleSignal {
			t.Error("missing wallet data must break the conjunction")
		}

		// The wallet clause is a disjunction: high activity score alone passes.
		oldButSparse := loudVector(1)
		oldButSparse.Wallet.WalletNewScore = 0
		oldButSparse.Wallet.ActivityScore = 0.9
		if !sc.ComputeScores(state, oldButSparse, nowMs, 100).TripleSignal {
			t.Error("sparse-activity wallet should satisfy the wallet clause")
		}
	})
}

func TestTripleSignalMonotone(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	// Strengthening any component of a firing vector must not unfire it.
	emptyState(t, func(state *rolling.TokenState) {
		base := loudVector(1)
		if !sc.ComputeScores(state, base, nowMs, 100).TripleSignal {
			t.Fatal("precondition: base fires")
		}
		stronger := loudVector(1)
		stronger.TradeSize.SizeTailScore = 1
		stronger.Book.BookImbalanceScore = 1
		stronger.Book.ThinOppositeScore = 1
		stronger.Wallet.WalletNewScore = 1
		stronger.Wallet.ActivityScore = 1
		if !sc.ComputeScores(state, stronger, nowMs, 100).TripleSignal {
			t.Error("strictly stronger vector must still fire")
		}
	})
}

func TestExecutionPrefersTightDeepBooks(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	mkState := func(bidSz, askSz, bid, ask string, fn func(*rolling.TokenState)) {
		eng := rolling.NewEngine(config.Default().Rolling)
		eng.WithToken("tok", func(s *rolling.TokenState) {
			snap := types.OrderBookSnapshot{
				TokenID:   "tok",
				Bids:      []types.PriceLevel{{Price: bid, Size: bidSz}},
				Asks:      []types.PriceLevel{{Price: ask, Size: askSz}},
				Timestamp: time.Now(),
			}
			m, ok := types.ComputeBookMetrics(snap)
			if !ok {
				t.Fatal("metrics should compute")
			}
			s.RecordOrderbook(snap, m)
			fn(s)
		})
	}

	fv := quietVector()
	fv.Book.DepthScore = 0.9

	var tight, wide float64
	mkState("5000", "5000", "0.50", "0.51", func(s *rolling.TokenState) {
		score := sc.ComputeScores(s, fv, nowMs, 100)
		tight = score.Execution
		if score.ExecutionDetail.DepthAtLimit <= 0 {
			t.Error("deep book should report depth at limit")
		}
		if score.ExecutionDetail.FillProbability <= 0 {
			t.Error("deep tight book should have positive fill probability")
		}
	})
	mkState("50", "50", "0.30", "0.70", func(s *rolling.TokenState) {
		wide = sc.ComputeScores(s, fv, nowMs, 100).Execution
	})
	if tight <= wide {
		t.Errorf("tight/deep book should out-execute wide/thin: %v <= %v", tight, wide)
	}
}

func TestEdgeFollowsImbalanceSign(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	mk := func(bidSz, askSz string) types.Score {
		var score types.Score
		eng := rolling.NewEngine(config.Default().Rolling)
		eng.WithToken("tok", func(s *rolling.TokenState) {
			snap := types.OrderBookSnapshot{
				TokenID:   "tok",
				Bids:      []types.PriceLevel{{Price: "0.50", Size: bidSz}},
				Asks:      []types.PriceLevel{{Price: "0.52", Size: askSz}},
				Timestamp: time.Now(),
			}
			m, _ := types.ComputeBookMetrics(snap)
			s.RecordOrderbook(snap, m)
			score = sc.ComputeScores(s, loudVector(1), nowMs, 100)
		})
		return score
	}

	bidHeavy := mk("1000", "50")
	askHeavy := mk("50", "1000")
	if bidHeavy.EdgeDetail.Edge <= 0 {
		t.Errorf("bid-heavy book should push estimated probability up: edge = %v", bidHeavy.EdgeDetail.Edge)
	}
	if askHeavy.EdgeDetail.Edge >= 0 {
		t.Errorf("ask-heavy book should push estimated probability down: edge = %v", askHeavy.EdgeDetail.Edge)
	}
	if bidHeavy.EdgeDetail.EstimatedProbability < 0.01 || bidHeavy.EdgeDetail.EstimatedProbability > 0.99 {
		t.Error("estimated probability must stay inside [0.01, 0.99]")
	}
	// All five aligned signals present in the loud vector with a skewed book.
	if bidHeavy.EdgeDetail.AlignedSignals != 5 {
		t.Errorf("alignedSignals = %d, want 5", bidHeavy.EdgeDetail.AlignedSignals)
	}
	if math.Abs(bidHeavy.EdgeDetail.EdgeConfidence-0.9) > 1e-9 {
		t.Errorf("confidence = %v, want cap 0.9", bidHeavy.EdgeDetail.EdgeConfidence)
	}
}

func TestEdgeWithoutBookIsZero(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	nowMs := time.Now().UnixMilli()

	emptyState(t, func(state *rolling.TokenState) {
		score := sc.ComputeScores(state, loudVector(1), nowMs, 100)
		if score.Edge != 0 {
			t.Errorf("no book, no edge: %v", score.Edge)
		}
	})
}

func TestTriggeringTrades(t *testing.T) {
	t.Parallel()
	sc := testScorer(nil)
	base := time.Now().UnixMilli()

	emptyState(t, func(state *rolling.TokenState) {
		// Background of small trades plus four whales.
		for i := 0; i < 100; i++ {
			state.RecordTrade(types.Trade{
				TradeID: fmt.Sprintf("s%d", i), TokenID: "tok",
				Timestamp: base + int64(i)*1000, Side: types.BUY, Price: 0.5, Size: 100,
			})
		}
		whales := []float64{12000, 40000, 25000, 18000} // sizes at price 0.5
		for i, sz := range whales {
			state.RecordTrade(types.Trade{
				TradeID: fmt.Sprintf("w%d", i), TokenID: "tok",
				Timestamp: base + 200_000 + int64(i)*1000, Side: types.BUY,
				Price: 0.5, Size: sz, TakerAddress: "0xwhale",
			})
		}

		nowMs := base + 300_000
		score := sc.ComputeScores(state, quietVector(), nowMs, 100)

		if len(score.TriggeringTrades) != 3 {
			t.Fatalf("got %d triggering trades, want top 3", len(score.TriggeringTrades))
		}
		// Sorted by notional descending: 20000, 12500, 9000.
		prev := math.Inf(1)
		for _, tt := range score.TriggeringTrades {
			n := tt.Trade.Notional()
			if n > prev {
				t.Errorf("triggering trades not sorted descending: %v after %v", n, prev)
			}
			if n < 5000 {
				t.Errorf("trade below the $5000 floor slipped in: %v", n)
			}
			prev = n
		}
		if score.TriggeringTrades[0].Trade.TradeID != "w1" {
			t.Errorf("largest whale should lead, got %s", score.TriggeringTrades[0].Trade.TradeID)
		}

		if score.HighestTrade1h == nil || score.HighestTrade1h.TradeID != "w1" {
			t.Error("highestTrade1h should be the single largest window trade")
		}
	})
}

func TestMaybeEnqueue(t *testing.T) {
	t.Parallel()
	jobs := make(chan types.StrategyJob, 1)
	sc := testScorer(jobs)

	strong := types.Score{TokenID: "tok", SignalStrength: types.StrengthStrong}
	none := types.Score{TokenID: "tok", SignalStrength: types.StrengthNone}

	if sc.MaybeEnqueue(none, false) {
		t.Error("strength none must not enqueue")
	}
	if sc.MaybeEnqueue(strong, true) {
		t.Error("no-trade zone must not enqueue")
	}
	if !sc.MaybeEnqueue(strong, false) {
		t.Error("strong signal outside the zone should enqueue")
	}
	select {
	case job := <-jobs:
		if job.Strength != types.StrengthStrong || job.TokenID != "tok" {
			t.Errorf("unexpected job: %+v", job)
		}
	default:
		t.Fatal("job not on queue")
	}

	// Queue full: dropped, not blocked.
	if !sc.MaybeEnqueue(strong, false) {
		t.Fatal("first job should fit")
	}
	done := make(chan bool, 1)
	go func() { done <- sc.MaybeEnqueue(strong, false) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("full queue should drop the job")
		}
	case <-time.After(time.Second):
		t.Fatal("MaybeEnqueue blocked on a full queue")
	}
}
