// Polysignal — a research pipeline for detecting informed ("insider")
// trading activity on Polymarket binary prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/engine.go     — live orchestrator: registry → rolling state → features → scoring
//	feed/                — Gamma/Data/CLOB clients, market WS feed, watch-set registry
//	rolling/             — per-token streaming estimators: t-digest, Hawkes, CUSUM, trade window
//	features/computer.go — per-event feature vector (size, book, wallet, impact, burst, change point)
//	scoring/scorer.go    — anomaly/execution/edge scores, ramp, triple signal, strategy queue
//	research/            — backfill of contrarian events, correlation/P&L metrics, grid search
//	monitor/monitor.go   — live-strategy drift detection and Kelly recalibration
//	warehouse/           — Postgres research warehouse (sqlx)
//	cache/               — Redis layer for wallet enrichment and estimator state
//	api/                 — research & monitoring HTTP surface
//
// What it looks for:
//
//	Trades in the extreme size tail of a market's own rolling distribution,
//	placed against the prevailing trend or order flow into a thin one-sided
//	book, shortly before resolution, by fresh wallets. The research half
//	backtests those patterns against resolved markets to measure whether the
//	signal carries real predictive edge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polysignal/internal/api"
	"polysignal/internal/cache"
	"polysignal/internal/config"
	"polysignal/internal/engine"
	"polysignal/internal/feed"
	"polysignal/internal/monitor"
	"polysignal/internal/research"
	"polysignal/internal/wallet"
	"polysignal/internal/warehouse"
	"polysignal/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLYSIG_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wh, err := warehouse.Open(cfg.Warehouse, logger)
	if err != nil {
		logger.Error("failed to open warehouse", "error", err)
		os.Exit(1)
	}
	if wh.Enabled() {
		if err := wh.Migrate(ctx, "migrations"); err != nil {
			logger.Error("warehouse migration failed", "error", err)
			os.Exit(1)
		}
	}

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	runner, err := newResearchRunner(ctx, *cfg, wh, logger)
	if err != nil {
		logger.Error("failed to create research runner", "error", err)
		os.Exit(1)
	}

	mon := monitor.New(wh, cfg.Monitor, logger)
	go mon.Run(ctx)

	var apiServer *api.Server
	if cfg.Server.Enabled {
		apiServer = api.NewServer(*cfg, wh, runner, mon, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("polysignal started",
		"markets_max", cfg.Scanner.MaxMarkets,
		"warehouse", wh.Enabled(),
		"api", cfg.Server.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
		shutdownCancel()
	}

	mon.Stop()
	eng.Stop()
	cancel()

	if err := wh.Close(); err != nil {
		logger.Error("failed to close warehouse", "error", err)
	}
}

// researchRunner adapts the backfiller and optimizer to the API's
// fire-and-forget contract. Jobs run on the process context, not the
// request's, so they survive the triggering HTTP call.
type researchRunner struct {
	ctx     context.Context
	cfg     config.Config
	client  *feed.Client
	wallets *wallet.Enricher
	wh      *warehouse.Warehouse
	logger  *slog.Logger
}

func newResearchRunner(ctx context.Context, cfg config.Config, wh *warehouse.Warehouse,
	logger *slog.Logger) (*researchRunner, error) {
	// The runner gets its own API client so backfill paging does not eat
	// the live engine's rate budget, and its own cache handle for wallet
	// metadata reuse across jobs.
	c, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	explorer := wallet.NewExplorerClient(cfg.API, logger)
	return &researchRunner{
		ctx:     ctx,
		cfg:     cfg,
		client:  feed.NewClient(cfg.API, logger),
		wallets: wallet.NewEnricher(explorer, c, logger),
		wh:      wh,
		logger:  logger,
	}, nil
}

func (r *researchRunner) StartBackfill(cfg config.ResearchConfig) {
	b := research.NewBackfiller(r.client, r.client, r.wallets, r.wh, cfg, r.logger)
	go func() {
		if jobID, err := b.Run(r.ctx); err != nil {
			r.logger.Error("backfill failed", "job_id", jobID, "error", err)
		}
	}()
}

func (r *researchRunner) StartOptimization(grid types.GridSearchConfig) {
	o := research.NewOptimizer(r.wh, r.cfg.Research, r.logger)
	go func() {
		if jobID, err := o.Run(r.ctx, grid); err != nil {
			r.logger.Error("optimization failed", "job_id", jobID, "error", err)
		}
	}()
}

func (r *researchRunner) Sensitivity(ctx context.Context, base types.AnalysisConfig,
	parameter string, values []any) ([]types.SensitivityVariation, error) {
	return research.NewOptimizer(r.wh, r.cfg.Research, r.logger).Sensitivity(ctx, base, parameter, values)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
