package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"polysignal/internal/config"
	"polysignal/internal/research"
	"polysignal/internal/stats"
	"polysignal/internal/warehouse"
	"polysignal/pkg/types"
)

// maxOptimizationResults caps the result set loaded for frontier re-derivation.
const maxOptimizationResults = 500

// Research is the slice of the research engine the handlers invoke. The
// start methods fire asynchronous jobs and return immediately; progress is
// read back from the warehouse job tables.
type Research interface {
	StartBackfill(cfg config.ResearchConfig)
	StartOptimization(grid types.GridSearchConfig)
	Sensitivity(ctx context.Context, base types.AnalysisConfig, parameter string, values []any) ([]types.SensitivityVariation, error)
}

// StrategyRegistrar places a filter configuration under live drift
// monitoring. Registration is synchronous (one insert plus a baseline
// snapshot); the periodic checks run in the monitor's own loop.
type StrategyRegistrar interface {
	StartMonitoring(ctx context.Context, name, description string, cfg types.AnalysisConfig) (*types.MonitoredStrategy, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg       config.Config
	wh        *warehouse.Warehouse
	research  Research
	registrar StrategyRegistrar
	provider  SnapshotProvider
	logger    *slog.Logger
	now       func() time.Time
}

func NewHandlers(cfg config.Config, wh *warehouse.Warehouse, research Research,
	registrar StrategyRegistrar, provider SnapshotProvider, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:       cfg,
		wh:        wh,
		research:  research,
		registrar: registrar,
		provider:  provider,
		logger:    logger.With("component", "api-handlers"),
		now:       time.Now,
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// loadFiltered reads the lookback window of events and applies the query's
// analysis filters.
func (h *Handlers) loadFiltered(r *http.Request) ([]types.ContrarianEvent, types.AnalysisConfig, error) {
	cfg := parseAnalysisConfig(r.URL.Query(), h.cfg.Research)
	now := h.now()
	events, err := h.wh.ListEventsSince(r.Context(), now.AddDate(0, 0, -cfg.LookbackDays))
	if err != nil {
		return nil, cfg, err
	}
	return research.FilterEvents(events, cfg, now), cfg, nil
}

// ————————————————————————————————————————————————————————————————————————
// Backfill
// ————————————————————————————————————————————————————————————————————————

type backfillRequest struct {
	Days          int `json:"days"`
	WindowMinutes int `json:"windowMinutes"`
}

// StartBackfill launches an asynchronous contrarian-event backfill.
func (h *Handlers) StartBackfill(w http.ResponseWriter, r *http.Request) {
	if !h.wh.Enabled() {
		h.writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}

	// An empty body means "use the defaults".
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := h.cfg.Research
	if req.Days > 0 {
		cfg.BackfillDays = req.Days
	}
	if req.WindowMinutes > 0 {
		cfg.BackfillWindowMinutes = req.WindowMinutes
	}

	h.research.StartBackfill(cfg)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "started",
		"days":          cfg.BackfillDays,
		"windowMinutes": cfg.BackfillWindowMinutes,
	})
}

type backfillStatus struct {
	IsRunning      bool       `json:"isRunning"`
	Status         string     `json:"status"`
	ItemsProcessed int        `json:"itemsProcessed"`
	ItemsTotal     int        `json:"itemsTotal"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
}

// BackfillStatus reports the latest backfill job row.
func (h *Handlers) BackfillStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.wh.LatestBackfillJob(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		h.writeJSON(w, http.StatusOK, backfillStatus{Status: "never_run"})
		return
	}
	status := backfillStatus{
		IsRunning:      job.IsRunning(),
		Status:         string(job.Status),
		ItemsProcessed: job.ItemsProcessed,
		ItemsTotal:     job.ItemsTotal,
		LastRunAt:      &job.StartedAt,
	}
	if job.ErrorMessage.Valid {
		status.ErrorMessage = job.ErrorMessage.String
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ————————————————————————————————————————————————————————————————————————
// Analysis reads
// ————————————————————————————————————————————————————————————————————————

// Summary serves the headline correlation and P&L report for the filtered
// event set. An unconfigured warehouse degrades to the empty shape.
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	events, cfg, err := h.loadFiltered(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, research.Summarize(events, cfg.Mode))
}

// signalItem is one recent contrarian event enriched with its market link.
type signalItem struct {
	types.ContrarianEvent
	Question  string `json:"question,omitempty"`
	MarketURL string `json:"marketUrl,omitempty"`
}

// Signals serves the newest contrarian-flagged events with market links.
func (h *Handlers) Signals(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query(), 50, 100)
	events, err := h.wh.RecentSignals(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	markets := map[string]*types.ResolvedMarket{}
	items := make([]signalItem, 0, len(events))
	for _, e := range events {
		item := signalItem{ContrarianEvent: e}
		m, ok := markets[e.ConditionID]
		if !ok {
			m, _ = h.wh.GetResolvedMarket(r.Context(), e.ConditionID)
			markets[e.ConditionID] = m
		}
		if m != nil {
			item.Question = m.Question
			item.MarketURL = marketURL(h.cfg.API.MarketHost, m.EventSlug, m.Slug)
		}
		items = append(items, item)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"signals": items, "count": len(items)})
}

// marketURL builds the public market link: /event/{eventSlug}[/{marketSlug}].
func marketURL(host, eventSlug, marketSlug string) string {
	if host == "" || eventSlug == "" {
		return ""
	}
	url := fmt.Sprintf("https://%s/event/%s", host, eventSlug)
	if marketSlug != "" && marketSlug != eventSlug {
		url += "/" + marketSlug
	}
	return url
}

// Rolling serves the daily-stepped rolling correlation series.
func (h *Handlers) Rolling(w http.ResponseWriter, r *http.Request) {
	events, cfg, err := h.loadFiltered(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	windowDays := h.cfg.Research.RollingWindowDays
	if v, ok := qInt(r.URL.Query(), "rollingWindow"); ok && v > 0 {
		windowDays = v
	}
	points := research.RollingCorrelation(events, cfg.Mode, windowDays)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"windowDays": windowDays,
		"points":     points,
	})
}

// Events serves one page of raw events with the total row count.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := clampLimit(q, 50, 100)
	offset := 0
	if v, ok := qInt(q, "offset"); ok && v > 0 {
		offset = v
	}

	events, total, err := h.wh.ListEventsPage(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []types.ContrarianEvent{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Breakdown serves win-rate/lift groups along one stratification factor.
// Unknown factors are a 400.
func (h *Handlers) Breakdown(w http.ResponseWriter, r *http.Request) {
	factor := mux.Vars(r)["factor"]
	events, _, err := h.loadFiltered(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	groups, err := research.Breakdown(events, factor)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if groups == nil {
		groups = []types.BreakdownGroup{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"factor": factor, "groups": groups})
}

type modelResponse struct {
	Error  string             `json:"error,omitempty"`
	Report *types.ModelReport `json:"report"`
}

// Model serves the logistic signal model, or the explicit insufficient-data
// shape below 50 events.
func (h *Handlers) Model(w http.ResponseWriter, r *http.Request) {
	events, _, err := h.loadFiltered(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	report := research.FitModelReport(events, stats.DefaultLogitConfig())
	if report == nil {
		h.writeJSON(w, http.StatusOK, modelResponse{
			Error: "insufficient events to fit a model (need 50)",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, modelResponse{Report: report})
}

// Compare serves all four contrarian modes over the same filtered event set
// with Benjamini-Hochberg adjusted p-values.
func (h *Handlers) Compare(w http.ResponseWriter, r *http.Request) {
	events, _, err := h.loadFiltered(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	alpha := h.cfg.Research.FDRAlpha
	if v, ok := qFloat(r.URL.Query(), "fdr"); ok && v > 0 {
		alpha = v
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"fdrAlpha": alpha,
		"modes":    research.CompareModes(events, alpha),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Optimization
// ————————————————————————————————————————————————————————————————————————

// StartOptimize launches an asynchronous grid search.
func (h *Handlers) StartOptimize(w http.ResponseWriter, r *http.Request) {
	if !h.wh.Enabled() {
		h.writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}

	var grid types.GridSearchConfig
	if err := json.NewDecoder(r.Body).Decode(&grid); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	research.NormalizeGrid(&grid)

	h.research.StartOptimization(grid)
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":            "started",
		"totalCombinations": grid.TotalCombinations(),
		"config":            grid,
	})
}

// OptimizeStatus serves one optimization job row; without jobId, the latest.
func (h *Handlers) OptimizeStatus(w http.ResponseWriter, r *http.Request) {
	var jobID int64
	if raw := r.URL.Query().Get("jobId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid jobId")
			return
		}
		jobID = id
	}

	job, err := h.wh.GetOptimizationJob(r.Context(), jobID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		h.writeError(w, http.StatusNotFound, "optimization job not found")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// Pareto serves the non-dominated frontier. Without an objectives param the
// stored flags from the optimization run apply; with one the frontier is
// re-derived over the requested objectives.
func (h *Handlers) Pareto(w http.ResponseWriter, r *http.Request) {
	objectives := splitCSV(r.URL.Query().Get("objectives"))

	var results []types.OptimizationResult
	var err error
	if len(objectives) == 0 {
		results, err = h.wh.ParetoResults(r.Context())
	} else {
		results, err = h.wh.ListOptimizationResults(r.Context(), "roi", false, maxOptimizationResults)
		if err == nil {
			results = research.ParetoFrontier(results, objectives)
		}
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []types.OptimizationResult{}
	}
	if objectives == nil {
		objectives = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results, "objectives": objectives})
}

type sensitivityRequest struct {
	BaseConfig types.AnalysisConfig `json:"baseConfig"`
	Parameter  string               `json:"parameter"`
	Values     []any                `json:"values"`
}

// Sensitivity runs a one-parameter perturbation inline and serves the
// per-variation deltas.
func (h *Handlers) Sensitivity(w http.ResponseWriter, r *http.Request) {
	if !h.wh.Enabled() {
		h.writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}

	var req sensitivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Parameter == "" || len(req.Values) == 0 {
		h.writeError(w, http.StatusBadRequest, "parameter and values are required")
		return
	}

	variations, err := h.research.Sensitivity(r.Context(), req.BaseConfig, req.Parameter, req.Values)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"parameter":  req.Parameter,
		"variations": variations,
	})
}

// Strategies serves ranked grid-search results.
func (h *Handlers) Strategies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := clampLimit(q, 20, 100)
	results, err := h.wh.ListOptimizationResults(r.Context(), q.Get("sortBy"), qBool(q, "significantOnly"), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []types.OptimizationResult{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"strategies": results, "limit": limit})
}

type monitorRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Config      types.AnalysisConfig `json:"config"`
}

// MonitorStrategy registers a filter configuration for live drift monitoring
// and snapshots its baseline metrics.
func (h *Handlers) MonitorStrategy(w http.ResponseWriter, r *http.Request) {
	if !h.wh.Enabled() || h.registrar == nil {
		h.writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}
	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	strategy, err := h.registrar.StartMonitoring(r.Context(), req.Name, req.Description, req.Config)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, strategy)
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// Alerts serves drift alerts, optionally filtered by severity and
// acknowledgement state.
func (h *Handlers) Alerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := clampLimit(q, 50, 200)
	severity := types.AlertSeverity(q.Get("severity"))
	alerts, err := h.wh.ListAlerts(r.Context(), severity, qBool(q, "unacknowledgedOnly"), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []types.DriftAlert{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "limit": limit})
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

// AcknowledgeAlert marks one drift alert as handled.
func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if !h.wh.Enabled() {
		h.writeError(w, http.StatusServiceUnavailable, "warehouse not configured")
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.By == "" {
		req.By = "api"
	}

	if err := h.wh.AcknowledgeAlert(r.Context(), id, req.By); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "id": id})
}
