package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"polysignal/internal/cache"
	"polysignal/internal/config"
	"polysignal/pkg/types"
)

type fakeSource struct {
	first    *FirstTx
	count    int
	err      error
	fetches  int
	countErr error
}

func (f *fakeSource) FirstTransaction(ctx context.Context, address string) (*FirstTx, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.first, nil
}

func (f *fakeSource) TransactionCount(ctx context.Context, address string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.count, nil
}

func disabledCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(context.Background(), config.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

const testAddr = "0x1234567890abcdef1234567890abcdef12345678"

func TestEnrichUpstream(t *testing.T) {
	t.Parallel()
	firstSeen := time.Now().Add(-48 * time.Hour).UnixMilli()
	src := &fakeSource{first: &FirstTx{TimestampMs: firstSeen, BlockNumber: 42}, count: 7}
	e := NewEnricher(src, disabledCache(t), slog.Default())

	enr, err := e.Enrich(context.Background(), testAddr)
	if err != nil {
		t.Fatal(err)
	}
	if enr.Source != types.WalletSourceUpstream {
		t.Errorf("source = %q, want upstream", enr.Source)
	}
	if enr.FirstSeenTimestamp == nil || *enr.FirstSeenTimestamp != firstSeen {
		t.Errorf("first seen = %v, want %d", enr.FirstSeenTimestamp, firstSeen)
	}
	if enr.FirstSeenBlockNumber == nil || *enr.FirstSeenBlockNumber != 42 {
		t.Error("block number not propagated")
	}
	if enr.TransactionCount != 7 {
		t.Errorf("tx count = %d, want 7", enr.TransactionCount)
	}

	age := e.WalletAge(context.Background(), testAddr)
	if age == nil || *age < 1.9 || *age > 2.1 {
		t.Errorf("wallet age = %v, want ~2 days", age)
	}
}

func TestEnrichInvalidAddress(t *testing.T) {
	t.Parallel()
	e := NewEnricher(&fakeSource{}, disabledCache(t), slog.Default())
	for _, bad := range []string{"", "not-an-address", "0x123", "0xzz34567890abcdef1234567890abcdef12345678"} {
		if _, err := e.Enrich(context.Background(), bad); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Enrich(%q) err = %v, want ErrInvalidAddress", bad, err)
		}
	}
}

func TestEnrichFallbackOnSourceFailure(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: fmt.Errorf("explorer down")}
	e := NewEnricher(src, disabledCache(t), slog.Default())

	enr, err := e.Enrich(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("fallback path must not error: %v", err)
	}
	if enr.Source != types.WalletSourceFallback {
		t.Errorf("source = %q, want fallback", enr.Source)
	}
	if enr.FirstSeenTimestamp != nil {
		t.Error("fallback record should not invent a first-seen")
	}
	if e.WalletAge(context.Background(), testAddr) != nil {
		t.Error("fallback age should be unknown")
	}
}

func TestEnrichBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: fmt.Errorf("explorer down")}
	e := NewEnricher(src, disabledCache(t), slog.Default())

	for i := 0; i < 10; i++ {
		if _, err := e.Enrich(context.Background(), testAddr); err != nil {
			t.Fatalf("call %d errored: %v", i, err)
		}
	}
	// Breaker trips at 5 consecutive failures; later calls short-circuit.
	if src.fetches >= 10 {
		t.Errorf("breaker never opened: %d upstream fetches", src.fetches)
	}
}

func TestEnrichUnknownWallet(t *testing.T) {
	t.Parallel()
	// Explorer reachable but no history: upstream record, unknown first seen.
	src := &fakeSource{first: nil, count: 0}
	e := NewEnricher(src, disabledCache(t), slog.Default())

	enr, err := e.Enrich(context.Background(), testAddr)
	if err != nil {
		t.Fatal(err)
	}
	if enr.Source != types.WalletSourceUpstream {
		t.Errorf("source = %q, want upstream", enr.Source)
	}
	if enr.FirstSeenTimestamp != nil || enr.FirstSeenBlockNumber != nil {
		t.Error("no history should leave first-seen unknown")
	}
}

func TestJoinDateRoundTrip(t *testing.T) {
	t.Parallel()
	months := []string{
		"January", "February", "March", "April", "May", "June",
		"July", "August", "September", "October", "November", "December",
	}
	for _, m := range months {
		s := m + " 2025"
		parsed, err := ParseJoinDate(s)
		if err != nil {
			t.Fatalf("ParseJoinDate(%q): %v", s, err)
		}
		if got := FormatJoinDate(parsed); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}

	if _, err := ParseJoinDate("Floreal 2025"); err == nil {
		t.Error("invalid month should not parse")
	}

	// And the inverse direction from an arbitrary instant.
	instant := time.Date(2025, time.May, 17, 13, 4, 0, 0, time.UTC)
	if s := FormatJoinDate(instant); s != "May 2025" {
		t.Errorf("FormatJoinDate = %q, want May 2025", s)
	}
}
