package cache

import (
	"context"
	"log/slog"
	"testing"

	"polysignal/internal/config"
)

func TestDisabledCacheIsSafe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, err := New(ctx, config.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("disabled cache should construct cleanly: %v", err)
	}
	if c.Enabled() {
		t.Fatal("empty addr must mean disabled")
	}

	var out string
	hit, err := c.GetJSON(ctx, WalletKey("0xabc"), &out)
	if hit || err != nil {
		t.Errorf("disabled get: hit=%v err=%v, want miss and nil", hit, err)
	}
	if err := c.SetJSON(ctx, ScoreKey("tok"), "v", 0); err != nil {
		t.Errorf("disabled set should no-op: %v", err)
	}
	if err := c.Delete(ctx, FeatureKey("tok")); err != nil {
		t.Errorf("disabled delete should no-op: %v", err)
	}
	ts, err := c.FloorFirstSeen(ctx, "0xabc", 123)
	if err != nil || ts != 123 {
		t.Errorf("disabled floor: ts=%v err=%v", ts, err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("disabled close: %v", err)
	}

	var nilCache *Cache
	if nilCache.Enabled() {
		t.Error("nil cache must report disabled")
	}
}

func TestKeyNamespaces(t *testing.T) {
	t.Parallel()
	keys := map[string]string{
		WalletKey("a"):          "wallet:enrichment:a",
		WalletFirstSeenKey("a"): "wallet:firstseen:a",
		ScoreKey("t"):           "score:t",
		FeatureKey("t"):         "features:t",
		StateKey("t"):           "state:token:t",
	}
	seen := map[string]bool{}
	for got, want := range keys {
		if got != want {
			t.Errorf("key %q, want %q", got, want)
		}
		if seen[got] {
			t.Errorf("key collision on %q", got)
		}
		seen[got] = true
	}
}
