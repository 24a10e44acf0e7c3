// Package engine is the live orchestrator of the signal pipeline.
//
// It wires together all subsystems:
//
//  1. Registry discovers and ranks the markets worth watching on Polymarket.
//  2. Engine keeps a slot per watched market (reconcile) and subscribes the
//     market WebSocket channel to its tokens.
//  3. Book events feed the per-token rolling state; last-trade events kick a
//     low-latency poll of the Data API so trades arrive attributed.
//  4. Each attributed trade runs the full path: rolling state update →
//     feature vector → scores → strategy job when a signal fires outside
//     the no-trade zone.
//  5. Estimator state and latest scores persist to Redis best-effort, so a
//     restart inside a market's lifetime does not reset the distributions.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"polysignal/internal/cache"
	"polysignal/internal/config"
	"polysignal/internal/features"
	"polysignal/internal/feed"
	"polysignal/internal/rolling"
	"polysignal/internal/scoring"
	"polysignal/internal/wallet"
	"polysignal/pkg/types"
)

const (
	// tradePollInterval bounds how stale attributed trades can get for a
	// market that emits no WS last-trade events.
	tradePollInterval = 30 * time.Second
	// tradePollLimit is the Data API page size per poll. 200 covers well
	// over a poll interval of flow on any market we watch.
	tradePollLimit = 200
	// walletEnrichFloorUSD skips explorer lookups for dust trades. The
	// enricher caches, but the first lookup per wallet is two upstream
	// calls.
	walletEnrichFloorUSD = 500

	jobQueueSize   = 256
	pollQueueSize  = 256
	recentJobsKeep = 64
)

// marketSlot tracks one watched market's polling cursor. Rolling estimator
// state lives in the rolling engine, keyed by token; the slot only holds
// what the trade poller needs to dedupe.
type marketSlot struct {
	info       types.MarketInfo
	lastSeenMs int64
	seenAtTs   map[string]struct{} // trade IDs at lastSeenMs, for same-ms ties
}

// Engine orchestrates the live scoring pipeline. It owns the lifecycle of
// all goroutines and the start/stop transitions of watched markets.
type Engine struct {
	cfg      config.Config
	client   *feed.Client
	registry *feed.Registry
	mktFeed  *feed.MarketFeed
	enricher *wallet.Enricher
	rolling  *rolling.Engine
	computer *features.Computer
	scorer   *scoring.Scorer
	cache    *cache.Cache
	logger   *slog.Logger

	// slots maps conditionID → watched market. Protected by slotsMu.
	slots   map[string]*marketSlot
	slotsMu sync.RWMutex

	// tokenMap maps tokenID → conditionID so WS events (keyed by token) can
	// be routed to the owning market.
	tokenMap   map[string]string
	tokenMapMu sync.RWMutex

	// scores holds the latest score per token for the API snapshot.
	scores   map[string]types.Score
	scoresMu sync.RWMutex

	// recentJobs is a bounded ring of emitted strategy jobs, newest last.
	recentJobs   []types.StrategyJob
	recentJobsMu sync.RWMutex

	jobs   chan types.StrategyJob
	pollCh chan string // conditionIDs needing an immediate trade poll

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. The Redis cache is optional;
// when unconfigured the engine runs stateless across restarts.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	client := feed.NewClient(cfg.API, logger)
	registry := feed.NewRegistry(client, cfg.Scanner, logger)
	mktFeed := feed.NewMarketFeed(cfg.API.WSMarketURL, logger)
	explorer := wallet.NewExplorerClient(cfg.API, logger)
	enricher := wallet.NewEnricher(explorer, c, logger)

	jobs := make(chan types.StrategyJob, jobQueueSize)
	walletAge := func(address string) *float64 {
		return enricher.WalletAge(ctx, address)
	}

	return &Engine{
		cfg:      cfg,
		client:   client,
		registry: registry,
		mktFeed:  mktFeed,
		enricher: enricher,
		rolling:  rolling.NewEngine(cfg.Rolling),
		computer: features.NewComputer(cfg.Features, logger),
		scorer:   scoring.NewScorer(cfg.Scoring, logger, walletAge, jobs),
		cache:    c,
		logger:   logger.With("component", "engine"),
		slots:    make(map[string]*marketSlot),
		tokenMap: make(map[string]string),
		scores:   make(map[string]types.Score),
		jobs:     jobs,
		pollCh:   make(chan string, pollQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches all background goroutines: the WS feed, the market
// registry, event dispatch, the trade poller, and the job consumer.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registry.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.manageMarkets()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchMarketEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollTrades()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeJobs()
	}()

	return nil
}

// Stop gracefully shuts down: cancels all goroutines, persists estimator
// state for every live token, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, tokenID := range e.rolling.TokenIDs() {
		e.persistTokenState(persistCtx, tokenID)
	}
	persistCancel()

	e.mktFeed.Close()
	if err := e.cache.Close(); err != nil {
		e.logger.Error("cache close", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// manageMarkets applies registry refreshes to the watched set.
func (e *Engine) manageMarkets() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case update := <-e.registry.Updates():
			e.reconcileMarkets(update)
		}
	}
}

// reconcileMarkets diffs the registry's latest selection against the running
// slots: stops markets that dropped out, starts newly selected ones, and
// keeps the WS subscription set in sync.
func (e *Engine) reconcileMarkets(update feed.Update) {
	desired := make(map[string]types.MarketInfo, len(update.Markets))
	for _, m := range update.Markets {
		desired[m.ConditionID] = m
	}

	e.slotsMu.Lock()
	for id := range e.slots {
		if _, ok := desired[id]; !ok {
			e.stopMarketLocked(id)
		}
	}
	for id, info := range desired {
		if slot, ok := e.slots[id]; ok {
			slot.info = info // refresh liquidity/volume/end date
			continue
		}
		e.startMarketLocked(info)
	}
	e.slotsMu.Unlock()

	// Subscription errors while disconnected are benign: the feed remembers
	// the token set and replays it on reconnect.
	if len(update.AddedTokens) > 0 {
		if err := e.mktFeed.Subscribe(update.AddedTokens); err != nil {
			e.logger.Debug("subscribe deferred to reconnect", "tokens", len(update.AddedTokens), "error", err)
		}
	}
	if len(update.RemovedTokens) > 0 {
		if err := e.mktFeed.Unsubscribe(update.RemovedTokens); err != nil {
			e.logger.Debug("unsubscribe deferred to reconnect", "tokens", len(update.RemovedTokens), "error", err)
		}
	}
}

func (e *Engine) startMarketLocked(info types.MarketInfo) {
	if info.YesTokenID == "" || info.NoTokenID == "" {
		e.logger.Warn("skipping market with missing token IDs", "slug", info.Slug)
		return
	}

	e.slots[info.ConditionID] = &marketSlot{
		info:     info,
		seenAtTs: make(map[string]struct{}),
	}

	e.tokenMapMu.Lock()
	e.tokenMap[info.YesTokenID] = info.ConditionID
	e.tokenMap[info.NoTokenID] = info.ConditionID
	e.tokenMapMu.Unlock()

	for _, tokenID := range []string{info.YesTokenID, info.NoTokenID} {
		e.restoreTokenState(tokenID)
	}

	// Seed the book so the first trade scores against a live spread.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.seedBooks(info)
	}()

	e.requestPoll(info.ConditionID)

	e.logger.Info("market watched",
		"slug", info.Slug,
		"condition_id", info.ConditionID,
		"liquidity", info.Liquidity,
		"volume_24h", info.Volume24h,
	)
}

func (e *Engine) stopMarketLocked(conditionID string) {
	slot, ok := e.slots[conditionID]
	if !ok {
		return
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	for _, tokenID := range []string{slot.info.YesTokenID, slot.info.NoTokenID} {
		e.persistTokenState(persistCtx, tokenID)
		e.rolling.Drop(tokenID)
		e.scoresMu.Lock()
		delete(e.scores, tokenID)
		e.scoresMu.Unlock()
	}
	cancel()

	e.tokenMapMu.Lock()
	delete(e.tokenMap, slot.info.YesTokenID)
	delete(e.tokenMap, slot.info.NoTokenID)
	e.tokenMapMu.Unlock()

	delete(e.slots, conditionID)
	e.logger.Info("market unwatched", "slug", slot.info.Slug)
}

func (e *Engine) seedBooks(info types.MarketInfo) {
	for _, tokenID := range []string{info.YesTokenID, info.NoTokenID} {
		snap, err := e.client.OrderBook(e.ctx, tokenID)
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warn("initial book fetch failed", "token_id", tokenID, "error", err)
			}
			continue
		}
		if metrics, ok := types.ComputeBookMetrics(*snap); ok {
			e.rolling.WithToken(tokenID, func(s *rolling.TokenState) {
				s.RecordOrderbook(*snap, metrics)
			})
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// WS event dispatch
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) dispatchMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.mktFeed.BookEvents():
			e.handleBookEvent(evt)
		case evt := <-e.mktFeed.PriceChangeEvents():
			// Incremental deltas are not applied; the venue pushes full
			// book events on every rebuild and those carry the metrics we
			// score on. Consuming keeps the feed from dropping.
			_ = evt
		case evt := <-e.mktFeed.TradeEvents():
			e.handleLastTrade(evt)
		}
	}
}

func (e *Engine) handleBookEvent(evt feed.WSBookEvent) {
	if _, ok := e.conditionFor(evt.AssetID); !ok {
		return
	}
	snap := evt.Snapshot()
	metrics, ok := types.ComputeBookMetrics(snap)
	if !ok {
		return
	}
	e.rolling.WithToken(evt.AssetID, func(s *rolling.TokenState) {
		s.RecordOrderbook(snap, metrics)
	})
}

// handleLastTrade converts a WS fill notice into an immediate Data API poll.
// The market channel does not attribute the taker, so the event itself never
// enters the rolling state; it only collapses the attribution latency from
// the poll interval down to one round trip.
func (e *Engine) handleLastTrade(evt feed.WSLastTradeEvent) {
	conditionID, ok := e.conditionFor(evt.AssetID)
	if !ok {
		return
	}
	e.requestPoll(conditionID)
}

func (e *Engine) conditionFor(tokenID string) (string, bool) {
	e.tokenMapMu.RLock()
	conditionID, ok := e.tokenMap[tokenID]
	e.tokenMapMu.RUnlock()
	return conditionID, ok
}

func (e *Engine) requestPoll(conditionID string) {
	select {
	case e.pollCh <- conditionID:
	default:
		// Poller is saturated; the interval sweep will catch up.
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trade polling
// ————————————————————————————————————————————————————————————————————————

// pollTrades is the attributed-trade loop: targeted polls requested by WS
// fill notices, plus a periodic sweep over every watched market.
func (e *Engine) pollTrades() {
	ticker := time.NewTicker(tradePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case conditionID := <-e.pollCh:
			e.pollMarket(conditionID)
		case <-ticker.C:
			for _, conditionID := range e.registry.Watched() {
				if e.ctx.Err() != nil {
					return
				}
				e.pollMarket(conditionID)
			}
		}
	}
}

func (e *Engine) pollMarket(conditionID string) {
	e.slotsMu.RLock()
	slot, ok := e.slots[conditionID]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	trades, err := e.client.RecentTrades(e.ctx, conditionID, tradePollLimit)
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Warn("trade poll failed", "condition_id", conditionID, "error", err)
		}
		return
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp < trades[j].Timestamp })

	fresh := e.advanceCursor(slot, trades)
	for i := range fresh {
		e.handleTrade(slot.info, fresh[i])
	}
}

// advanceCursor returns the trades newer than the slot's cursor and moves
// it. The Data API timestamps at second granularity, so trades sharing the
// cursor timestamp are deduped by trade ID. trades must be sorted ascending.
func (e *Engine) advanceCursor(slot *marketSlot, trades []types.Trade) []types.Trade {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	var fresh []types.Trade
	for _, t := range trades {
		switch {
		case t.Timestamp < slot.lastSeenMs:
			continue
		case t.Timestamp == slot.lastSeenMs:
			if _, dup := slot.seenAtTs[t.TradeID]; dup {
				continue
			}
			slot.seenAtTs[t.TradeID] = struct{}{}
		default:
			slot.lastSeenMs = t.Timestamp
			slot.seenAtTs = map[string]struct{}{t.TradeID: {}}
		}
		fresh = append(fresh, t)
	}
	return fresh
}

// ————————————————————————————————————————————————————————————————————————
// Scoring path
// ————————————————————————————————————————————————————————————————————————

// handleTrade runs one attributed trade through the full pipeline.
func (e *Engine) handleTrade(info types.MarketInfo, trade types.Trade) {
	var enrichment *types.WalletEnrichment
	if trade.TakerAddress != "" && trade.Notional() >= walletEnrichFloorUSD {
		enr, err := e.enricher.Enrich(e.ctx, trade.TakerAddress)
		if err != nil {
			e.logger.Debug("wallet enrichment failed", "address", trade.TakerAddress, "error", err)
		} else {
			enrichment = enr
		}
	}

	nowMs := trade.Timestamp
	var score types.Score
	var fv types.FeatureVector
	e.rolling.WithToken(trade.TokenID, func(s *rolling.TokenState) {
		s.RecordTrade(trade)
		fv = e.computer.Compute(s, &info, enrichment, nowMs, &trade)
		score = e.scorer.ComputeScores(s, fv, nowMs, scoring.DefaultTargetSizeUSD)
	})

	e.scorer.MaybeEnqueue(score, e.inNoTradeZone(info, nowMs))

	e.scoresMu.Lock()
	e.scores[trade.TokenID] = score
	e.scoresMu.Unlock()

	if e.cache.Enabled() {
		if err := e.cache.SetJSON(e.ctx, cache.ScoreKey(trade.TokenID), score, e.cache.ScoreTTL()); err != nil {
			e.logger.Debug("score cache write failed", "token_id", trade.TokenID, "error", err)
		}
		if err := e.cache.SetJSON(e.ctx, cache.FeatureKey(trade.TokenID), fv, e.cache.ScoreTTL()); err != nil {
			e.logger.Debug("feature cache write failed", "token_id", trade.TokenID, "error", err)
		}
	}
}

// inNoTradeZone reports whether the market is inside the pre-close window in
// which strategy jobs are suppressed. Markets without a known end date are
// never in the zone.
func (e *Engine) inNoTradeZone(info types.MarketInfo, nowMs int64) bool {
	if info.EndDate.IsZero() || e.cfg.Features.NoTradeZoneSeconds <= 0 {
		return false
	}
	secsToClose := float64(info.EndDate.UnixMilli()-nowMs) / 1000
	return secsToClose <= e.cfg.Features.NoTradeZoneSeconds
}

func (e *Engine) consumeJobs() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.jobs:
			e.logger.Info("signal",
				"token_id", job.TokenID,
				"condition_id", job.ConditionID,
				"strength", job.Strength,
				"composite", job.Score.Composite,
				"anomaly", job.Score.Anomaly,
				"triple", job.Score.TripleSignal,
			)
			e.recentJobsMu.Lock()
			e.recentJobs = append(e.recentJobs, job)
			if len(e.recentJobs) > recentJobsKeep {
				e.recentJobs = e.recentJobs[len(e.recentJobs)-recentJobsKeep:]
			}
			e.recentJobsMu.Unlock()
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// State persistence
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) persistTokenState(ctx context.Context, tokenID string) {
	if !e.cache.Enabled() {
		return
	}
	var blob []byte
	var err error
	e.rolling.WithToken(tokenID, func(s *rolling.TokenState) {
		blob, err = s.Snapshot()
	})
	if err != nil {
		e.logger.Warn("state snapshot failed", "token_id", tokenID, "error", err)
		return
	}
	if err := e.cache.SetJSON(ctx, cache.StateKey(tokenID), json.RawMessage(blob), e.cache.StateTTL()); err != nil {
		e.logger.Warn("state persist failed", "token_id", tokenID, "error", err)
	}
}

func (e *Engine) restoreTokenState(tokenID string) {
	if !e.cache.Enabled() {
		return
	}
	var raw json.RawMessage
	found, err := e.cache.GetJSON(e.ctx, cache.StateKey(tokenID), &raw)
	if err != nil || !found {
		return
	}
	e.rolling.WithToken(tokenID, func(s *rolling.TokenState) {
		if err := s.Restore(raw); err != nil {
			e.logger.Warn("state restore failed", "token_id", tokenID, "error", err)
		}
	})
}

// ————————————————————————————————————————————————————————————————————————
// API snapshot accessors
// ————————————————————————————————————————————————————————————————————————

// LatestScores returns the most recent score per token, sorted by composite
// descending.
func (e *Engine) LatestScores() []types.Score {
	e.scoresMu.RLock()
	out := make([]types.Score, 0, len(e.scores))
	for _, s := range e.scores {
		out = append(out, s)
	}
	e.scoresMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Composite > out[j].Composite })
	return out
}

// LatestScore returns the most recent score for one token.
func (e *Engine) LatestScore(tokenID string) (types.Score, bool) {
	e.scoresMu.RLock()
	defer e.scoresMu.RUnlock()
	s, ok := e.scores[tokenID]
	return s, ok
}

// RecentJobs returns the latest emitted strategy jobs, oldest first.
func (e *Engine) RecentJobs() []types.StrategyJob {
	e.recentJobsMu.RLock()
	defer e.recentJobsMu.RUnlock()
	out := make([]types.StrategyJob, len(e.recentJobs))
	copy(out, e.recentJobs)
	return out
}

// WatchedMarkets returns the current watch set for the API snapshot.
func (e *Engine) WatchedMarkets() []types.MarketInfo {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()
	out := make([]types.MarketInfo, 0, len(e.slots))
	for _, slot := range e.slots {
		out = append(out, slot.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionID < out[j].ConditionID })
	return out
}
