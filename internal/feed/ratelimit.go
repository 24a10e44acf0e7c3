// ratelimit.go implements token-bucket rate limiting for the upstream REST
// APIs. Each bucket refills continuously rather than in window-sized bursts,
// so a steady poller never trips the published per-10-second limits.
//
// Three buckets are maintained:
//   - Book:    150 burst / 15 per sec (CLOB /book, 1500 per 10s window)
//   - Markets:  50 burst /  5 per sec (Gamma /markets)
//   - Trades:   50 burst /  5 per sec (Data API /trades)
package feed

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by upstream endpoint category.
type RateLimiter struct {
	Book    *TokenBucket // CLOB /book reads
	Markets *TokenBucket // Gamma /markets pages
	Trades  *TokenBucket // Data API /trades pages
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Book:    NewTokenBucket(150, 15),
		Markets: NewTokenBucket(50, 5),
		Trades:  NewTokenBucket(50, 5),
	}
}
