// Package cache wraps the Redis key/value store used for wallet enrichment
// and per-token state blobs. Caching is best-effort everywhere: a missing or
// unreachable Redis degrades to cache misses, never to errors on the hot
// path.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"polysignal/internal/config"
)

// Key prefixes. One namespace per concern so TTLs and flushes stay
// independent.
const (
	prefixWallet          = "wallet:enrichment:"
	prefixWalletFirstSeen = "wallet:firstseen:"
	prefixScore           = "score:"
	prefixFeature         = "features:"
	prefixState           = "state:token:"
)

// Cache is a thin JSON layer over go-redis. A nil or disabled Cache is safe
// to call; every read misses and every write is a no-op.
type Cache struct {
	rdb    *redis.Client
	cfg    config.CacheConfig
	logger *slog.Logger
}

// New connects to Redis. An empty addr returns a disabled cache rather than
// an error; the caller decides whether that is acceptable.
func New(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	c := &Cache{cfg: cfg, logger: logger.With("component", "cache")}
	if cfg.Addr == "" {
		c.logger.Warn("redis not configured, caching disabled")
		return c, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	c.rdb = rdb
	c.logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return c, nil
}

// Enabled reports whether a Redis backend is attached.
func (c *Cache) Enabled() bool { return c != nil && c.rdb != nil }

// Close releases the connection pool.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}

// GetJSON unmarshals the value at key into dest. The second return is false
// on a miss (or disabled cache); errors are reserved for transport and
// decode failures.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key with the given TTL. TTL zero
// means no expiry.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Del(ctx, key).Err()
}

// ————————————————————————————————————————————————————————————————————————
// Key contracts

func WalletKey(address string) string          { return prefixWallet + address }
func WalletFirstSeenKey(address string) string { return prefixWalletFirstSeen + address }
func ScoreKey(tokenID string) string           { return prefixScore + tokenID }
func FeatureKey(tokenID string) string         { return prefixFeature + tokenID }
func StateKey(tokenID string) string           { return prefixState + tokenID }

// WalletTTL, StateTTL, and ScoreTTL expose the configured expiries so
// callers don't reach into the raw config.
func (c *Cache) WalletTTL() time.Duration { return c.cfg.WalletTTL }
func (c *Cache) StateTTL() time.Duration  { return c.cfg.StateTTL }
func (c *Cache) ScoreTTL() time.Duration  { return c.cfg.ScoreTTL }

// FloorFirstSeen records a first-seen timestamp for an address, keeping the
// earliest value ever observed. First-seen is monotone: later writes can only
// move it down, never up.
func (c *Cache) FloorFirstSeen(ctx context.Context, address string, tsMs int64) (int64, error) {
	if !c.Enabled() {
		return tsMs, nil
	}
	key := WalletFirstSeenKey(address)

	var existing int64
	hit, err := c.GetJSON(ctx, key, &existing)
	if err != nil {
		return tsMs, err
	}
	if hit && existing > 0 && existing <= tsMs {
		return existing, nil
	}
	if err := c.SetJSON(ctx, key, tsMs, 0); err != nil {
		return tsMs, err
	}
	return tsMs, nil
}
