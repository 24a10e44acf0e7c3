package feed

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"polysignal/internal/config"
	"polysignal/pkg/types"
)

// Registry periodically polls the Gamma API and keeps the set of markets the
// engine watches. Markets are ranked by monitoring priority:
//
//	score = √(volume24h) × min(liquidity/10000, 1) × proximityBoost
//
// where proximityBoost doubles for markets inside 24h of close — the window
// where informed flow concentrates. The engine reads Updates() to learn
// which tokens to subscribe and which markets went away.
type Registry struct {
	client *Client
	cfg    config.ScannerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	byToken  map[string]*types.MarketInfo
	byCond   map[string]*types.MarketInfo
	updateCh chan Update
}

// Update is one registry refresh: the selected markets in rank order plus
// the token IDs that entered or left the watch set.
type Update struct {
	Markets       []types.MarketInfo
	AddedTokens   []string
	RemovedTokens []string
	ScannedAt     time.Time
}

func NewRegistry(client *Client, cfg config.ScannerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "registry"),
		byToken:  make(map[string]*types.MarketInfo),
		byCond:   make(map[string]*types.MarketInfo),
		updateCh: make(chan Update, 1),
	}
}

// Updates returns the channel the engine reads refreshes from.
func (r *Registry) Updates() <-chan Update { return r.updateCh }

// Watched returns the condition IDs currently under watch.
func (r *Registry) Watched() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCond))
	for id := range r.byCond {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.scan(ctx)

	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *Registry) scan(ctx context.Context) {
	raw, err := r.client.ActiveMarkets(ctx, 100)
	if err != nil {
		r.logger.Error("market scan failed", "error", err)
		return
	}

	selected := r.selectMarkets(raw)

	r.mu.Lock()
	prev := r.byToken
	byToken := make(map[string]*types.MarketInfo, 2*len(selected))
	byCond := make(map[string]*types.MarketInfo, len(selected))
	for i := range selected {
		m := &selected[i]
		byToken[m.YesTokenID] = m
		byToken[m.NoTokenID] = m
		byCond[m.ConditionID] = m
	}
	var added, removed []string
	for id := range byToken {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := byToken[id]; !ok {
			removed = append(removed, id)
		}
	}
	r.byToken = byToken
	r.byCond = byCond
	r.mu.Unlock()

	r.logger.Info("market scan complete",
		"total", len(raw),
		"selected", len(selected),
		"added", len(added),
		"removed", len(removed),
	)

	update := Update{
		Markets:       selected,
		AddedTokens:   added,
		RemovedTokens: removed,
		ScannedAt:     time.Now(),
	}

	// Non-blocking send: a stale unread update is replaced.
	select {
	case r.updateCh <- update:
	default:
		select {
		case <-r.updateCh:
		default:
		}
		r.updateCh <- update
	}
}

// selectMarkets filters and ranks the raw Gamma page down to the watch set.
func (r *Registry) selectMarkets(raw []GammaMarket) []types.MarketInfo {
	now := time.Now()

	type scored struct {
		market types.MarketInfo
		score  float64
	}
	var candidates []scored
	for i := range raw {
		gm := &raw[i]
		if !gm.Active || gm.Closed {
			continue
		}
		m := gm.MarketInfo()
		if m.YesTokenID == "" || m.NoTokenID == "" {
			continue
		}
		if m.Liquidity < r.cfg.MinLiquidity || m.Volume24h < r.cfg.MinVolume24h {
			continue
		}
		if m.EndDate.IsZero() || m.EndDate.Before(now) {
			continue
		}
		if len(r.cfg.Categories) > 0 && !containsFold(r.cfg.Categories, m.Category) {
			continue
		}
		candidates = append(candidates, scored{market: m, score: priorityScore(m, now)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	max := r.cfg.MaxMarkets
	if max <= 0 {
		max = 200
	}
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]types.MarketInfo, len(candidates))
	for i := range candidates {
		out[i] = candidates[i].market
	}
	return out
}

func containsFold(haystack []string, needle string) bool {
	return slices.ContainsFunc(haystack, func(s string) bool {
		return strings.EqualFold(s, needle)
	})
}

func priorityScore(m types.MarketInfo, now time.Time) float64 {
	liquidityFactor := math.Min(m.Liquidity/10000.0, 1.0)
	score := math.Sqrt(m.Volume24h) * liquidityFactor
	if m.EndDate.Sub(now) < 24*time.Hour {
		score *= 2
	}
	return score
}
