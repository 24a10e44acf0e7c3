package api

import (
	"net/http"
	"time"

	"polysignal/pkg/types"
)

// SnapshotProvider exposes the live pipeline state the engine maintains.
type SnapshotProvider interface {
	WatchedMarkets() []types.MarketInfo
	LatestScores() []types.Score
	RecentJobs() []types.StrategyJob
}

// PipelineSnapshot is the dashboard view of the running pipeline.
type PipelineSnapshot struct {
	Timestamp        time.Time           `json:"timestamp"`
	WarehouseEnabled bool                `json:"warehouseEnabled"`
	Markets          []types.MarketInfo  `json:"markets"`
	Scores           []types.Score       `json:"scores"`
	RecentSignals    []types.StrategyJob `json:"recentSignals"`
}

// BuildSnapshot aggregates live state into one response. A nil provider
// yields the empty shape, for deployments running research-only.
func BuildSnapshot(provider SnapshotProvider, warehouseEnabled bool) PipelineSnapshot {
	snap := PipelineSnapshot{
		Timestamp:        time.Now(),
		WarehouseEnabled: warehouseEnabled,
		Markets:          []types.MarketInfo{},
		Scores:           []types.Score{},
		RecentSignals:    []types.StrategyJob{},
	}
	if provider == nil {
		return snap
	}
	if m := provider.WatchedMarkets(); m != nil {
		snap.Markets = m
	}
	if s := provider.LatestScores(); s != nil {
		snap.Scores = s
	}
	if j := provider.RecentJobs(); j != nil {
		snap.RecentSignals = j
	}
	return snap
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Snapshot serves the live pipeline state.
func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, BuildSnapshot(h.provider, h.wh.Enabled()))
}
