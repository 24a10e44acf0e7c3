// Package config defines all configuration for the signal pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLYSIG_* environment variables.
//
// This package is the single source of truth for every tunable the rest of
// the system references: ramp parameters, no-trade-zone seconds, dollar-floor
// tiers, Hawkes and CUSUM defaults, scoring thresholds, and cache TTLs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Rolling   RollingConfig   `mapstructure:"rolling"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Research  ResearchConfig  `mapstructure:"research"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// APIConfig holds upstream endpoints for market data and wallet telemetry.
type APIConfig struct {
	GammaBaseURL    string `mapstructure:"gamma_base_url"`    // market metadata
	DataBaseURL     string `mapstructure:"data_base_url"`     // historical trades
	CLOBBaseURL     string `mapstructure:"clob_base_url"`     // order books
	WSMarketURL     string `mapstructure:"ws_market_url"`     // live book/trade feed
	ExplorerBaseURL string `mapstructure:"explorer_base_url"` // block explorer API
	ExplorerAPIKey  string `mapstructure:"explorer_api_key"`
	ExplorerHost    string `mapstructure:"explorer_host"` // for /tx/{hash} links
	MarketHost      string `mapstructure:"market_host"`   // for /event/{slug} links

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WarehouseConfig points at the Postgres research warehouse. Empty DSN means
// "not configured": research queries degrade to empty summaries and POSTs
// return 503.
type WarehouseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

// CacheConfig points at the Redis key/value cache used for per-token state
// blobs and wallet enrichment. Empty addr disables caching (best-effort).
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	WalletTTL time.Duration `mapstructure:"wallet_ttl"` // default 30d
	StateTTL  time.Duration `mapstructure:"state_ttl"`  // hawkes/cpd blobs, sized to market lifetimes
	ScoreTTL  time.Duration `mapstructure:"score_ttl"`
}

// ScannerConfig controls market discovery via the Gamma API.
type ScannerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MinLiquidity float64       `mapstructure:"min_liquidity"`
	MinVolume24h float64       `mapstructure:"min_volume_24h"`
	MaxMarkets   int           `mapstructure:"max_markets"`
	Categories   []string      `mapstructure:"categories"` // empty = all
}

// RollingConfig tunes the per-token streaming estimators.
//
//   - HawkesMu/Alpha/Beta: baseline intensity (events/s), excitation jump,
//     and exponential decay of the self-exciting proxy.
//   - CusumDriftK / CusumThreshold: Page-Hinkley drift allowance and decision
//     threshold h.
//   - WindowMinutes: span of the bounded trade window (subwindows of 1 and 5
//     minutes are derived from the same buffer).
//   - DigestCompression: centroid budget of the quantile digest.
type RollingConfig struct {
	HawkesMu    float64 `mapstructure:"hawkes_mu"`
	HawkesAlpha float64 `mapstructure:"hawkes_alpha"`
	HawkesBeta  float64 `mapstructure:"hawkes_beta"`

	CusumDriftK    float64 `mapstructure:"cusum_drift_k"`
	CusumThreshold float64 `mapstructure:"cusum_threshold"`

	WindowMinutes     int     `mapstructure:"window_minutes"`
	DigestCompression float64 `mapstructure:"digest_compression"`
}

// FeaturesConfig tunes the feature computer.
//
//   - RampAlpha/RampBeta/RampMax: rampMultiplier = min(max, 1 + α·exp(-β·ttcHours)).
//   - NoTradeZoneSeconds: inside this window before close, no strategy jobs
//     are emitted.
//   - DollarFloorTiers: notional thresholds for the size-tail dollar floor;
//     multipliers are 0 / 0.5 / 0.75 / 1.0 below/between/above the tiers.
type FeaturesConfig struct {
	RampAlpha float64 `mapstructure:"ramp_alpha"`
	RampBeta  float64 `mapstructure:"ramp_beta"`
	RampMax   float64 `mapstructure:"ramp_max"`

	NoTradeZoneSeconds float64 `mapstructure:"no_trade_zone_seconds"`

	DollarFloorTier1 float64 `mapstructure:"dollar_floor_tier1"` // below → 0
	DollarFloorTier2 float64 `mapstructure:"dollar_floor_tier2"` // below → 0.5
	DollarFloorTier3 float64 `mapstructure:"dollar_floor_tier3"` // below → 0.75, at/above → 1.0
}

// ScoringConfig tunes the scoring engine.
type ScoringConfig struct {
	AnomalyTrigger float64 `mapstructure:"anomaly_trigger"` // default 0.65

	TripleSizeTail       float64 `mapstructure:"triple_size_tail"`       // default 0.90
	TripleBookImbalance  float64 `mapstructure:"triple_book_imbalance"`  // default 0.70
	TripleThinOpposite   float64 `mapstructure:"triple_thin_opposite"`   // default 0.70
	TripleWalletNew      float64 `mapstructure:"triple_wallet_new"`      // default 0.80
	TripleWalletActivity float64 `mapstructure:"triple_wallet_activity"` // default 0.70

	MinAcceptableSpreadBps float64 `mapstructure:"min_acceptable_spread_bps"`
	MaxAcceptableSpreadBps float64 `mapstructure:"max_acceptable_spread_bps"`

	TriggeringTradeFloorUSD float64 `mapstructure:"triggering_trade_floor_usd"` // default 5000
	HighestTradeFloorUSD    float64 `mapstructure:"highest_trade_floor_usd"`    // display floor

	// Composite blend. Normalized at load so partial overrides stay sane.
	WeightAnomaly   float64 `mapstructure:"weight_anomaly"`   // default 0.5
	WeightEdge      float64 `mapstructure:"weight_edge"`      // default 0.3
	WeightExecution float64 `mapstructure:"weight_execution"` // default 0.2
}

// ResearchConfig tunes backfill and optimization defaults.
type ResearchConfig struct {
	BackfillDays          int           `mapstructure:"backfill_days"`
	BackfillWindowMinutes int           `mapstructure:"backfill_window_minutes"`
	PageSize              int           `mapstructure:"page_size"`
	MinSampleSize         int           `mapstructure:"min_sample_size"`
	FDRAlpha              float64       `mapstructure:"fdr_alpha"`
	RollingWindowDays     int           `mapstructure:"rolling_window_days"`
	GridWorkers           int           `mapstructure:"grid_workers"`
	ProgressEvery         int           `mapstructure:"progress_every"` // configs between progress updates
	BackfillConcurrency   int           `mapstructure:"backfill_concurrency"`
	HTTPTimeout           time.Duration `mapstructure:"http_timeout"`
}

// MonitorConfig tunes strategy drift monitoring.
type MonitorConfig struct {
	CheckInterval         time.Duration `mapstructure:"check_interval"`      // default 60m
	LookbackDays          int           `mapstructure:"lookback_days"`       // baseline window
	CurrentWindowDays     int           `mapstructure:"current_window_days"` // default 7
	MinSampleSizeForAlert int           `mapstructure:"min_sample_size_for_alert"`
	WarningSigma          float64       `mapstructure:"warning_sigma"`  // default 1.5
	CriticalSigma         float64       `mapstructure:"critical_sigma"` // default 2.5
	CusumWindowTrades     int           `mapstructure:"cusum_window_trades"`
	CusumLookbackDays     int           `mapstructure:"cusum_lookback_days"`
	MaxKellyAdjustment    float64       `mapstructure:"max_kelly_adjustment"` // default 0.5
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the research/monitoring HTTP API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLYSIG_WAREHOUSE_DSN, POLYSIG_CACHE_PASSWORD,
// POLYSIG_EXPLORER_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLYSIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("POLYSIG_WAREHOUSE_DSN"); dsn != "" {
		cfg.Warehouse.DSN = dsn
	}
	if pass := os.Getenv("POLYSIG_CACHE_PASSWORD"); pass != "" {
		cfg.Cache.Password = pass
	}
	if key := os.Getenv("POLYSIG_EXPLORER_API_KEY"); key != "" {
		cfg.API.ExplorerAPIKey = key
	}

	return &cfg, nil
}

// Default returns a Config populated with the documented defaults, without
// reading any file. Used by tests and by callers that configure via code.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.explorer_base_url", "https://api.polygonscan.com/api")
	v.SetDefault("api.explorer_host", "polygonscan.com")
	v.SetDefault("api.market_host", "polymarket.com")
	v.SetDefault("api.request_timeout", 15*time.Second)

	v.SetDefault("warehouse.query_timeout", 30*time.Second)
	v.SetDefault("warehouse.max_open_conns", 10)

	v.SetDefault("cache.wallet_ttl", 30*24*time.Hour)
	v.SetDefault("cache.state_ttl", 90*24*time.Hour)
	v.SetDefault("cache.score_ttl", 24*time.Hour)

	v.SetDefault("scanner.poll_interval", 5*time.Minute)
	v.SetDefault("scanner.min_liquidity", 1000.0)
	v.SetDefault("scanner.min_volume_24h", 500.0)
	v.SetDefault("scanner.max_markets", 200)

	v.SetDefault("rolling.hawkes_mu", 0.1)
	v.SetDefault("rolling.hawkes_alpha", 0.5)
	v.SetDefault("rolling.hawkes_beta", 0.1)
	v.SetDefault("rolling.cusum_drift_k", 0.5)
	v.SetDefault("rolling.cusum_threshold", 5.0)
	v.SetDefault("rolling.window_minutes", 60)
	v.SetDefault("rolling.digest_compression", 100.0)

	v.SetDefault("features.ramp_alpha", 2.0)
	v.SetDefault("features.ramp_beta", 0.5)
	v.SetDefault("features.ramp_max", 3.0)
	v.SetDefault("features.no_trade_zone_seconds", 120.0)
	v.SetDefault("features.dollar_floor_tier1", 5000.0)
	v.SetDefault("features.dollar_floor_tier2", 10000.0)
	v.SetDefault("features.dollar_floor_tier3", 25000.0)

	v.SetDefault("scoring.anomaly_trigger", 0.65)
	v.SetDefault("scoring.triple_size_tail", 0.90)
	v.SetDefault("scoring.triple_book_imbalance", 0.70)
	v.SetDefault("scoring.triple_thin_opposite", 0.70)
	v.SetDefault("scoring.triple_wallet_new", 0.80)
	v.SetDefault("scoring.triple_wallet_activity", 0.70)
	v.SetDefault("scoring.min_acceptable_spread_bps", 50.0)
	v.SetDefault("scoring.max_acceptable_spread_bps", 500.0)
	v.SetDefault("scoring.triggering_trade_floor_usd", 5000.0)
	v.SetDefault("scoring.highest_trade_floor_usd", 1000.0)
	v.SetDefault("scoring.weight_anomaly", 0.5)
	v.SetDefault("scoring.weight_edge", 0.3)
	v.SetDefault("scoring.weight_execution", 0.2)

	v.SetDefault("research.backfill_days", 30)
	v.SetDefault("research.backfill_window_minutes", 240)
	v.SetDefault("research.page_size", 500)
	v.SetDefault("research.min_sample_size", 20)
	v.SetDefault("research.fdr_alpha", 0.05)
	v.SetDefault("research.rolling_window_days", 7)
	v.SetDefault("research.grid_workers", 4)
	v.SetDefault("research.progress_every", 25)
	v.SetDefault("research.backfill_concurrency", 4)
	v.SetDefault("research.http_timeout", 30*time.Second)

	v.SetDefault("monitor.check_interval", 60*time.Minute)
	v.SetDefault("monitor.lookback_days", 30)
	v.SetDefault("monitor.current_window_days", 7)
	v.SetDefault("monitor.min_sample_size_for_alert", 20)
	v.SetDefault("monitor.warning_sigma", 1.5)
	v.SetDefault("monitor.critical_sigma", 2.5)
	v.SetDefault("monitor.cusum_window_trades", 10)
	v.SetDefault("monitor.cusum_lookback_days", 60)
	v.SetDefault("monitor.max_kelly_adjustment", 0.5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8090)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.DataBaseURL == "" {
		return fmt.Errorf("api.data_base_url is required")
	}
	if c.Rolling.HawkesBeta <= 0 {
		return fmt.Errorf("rolling.hawkes_beta must be > 0")
	}
	if c.Rolling.CusumThreshold <= 0 {
		return fmt.Errorf("rolling.cusum_threshold must be > 0")
	}
	if c.Rolling.WindowMinutes <= 0 {
		return fmt.Errorf("rolling.window_minutes must be > 0")
	}
	if c.Features.RampMax < 1 {
		return fmt.Errorf("features.ramp_max must be >= 1")
	}
	if !(c.Features.DollarFloorTier1 < c.Features.DollarFloorTier2 &&
		c.Features.DollarFloorTier2 < c.Features.DollarFloorTier3) {
		return fmt.Errorf("features.dollar_floor tiers must be strictly increasing")
	}
	if c.Scoring.AnomalyTrigger <= 0 || c.Scoring.AnomalyTrigger > 1 {
		return fmt.Errorf("scoring.anomaly_trigger must be in (0, 1]")
	}
	if c.Scoring.MaxAcceptableSpreadBps <= c.Scoring.MinAcceptableSpreadBps {
		return fmt.Errorf("scoring.max_acceptable_spread_bps must exceed the min")
	}
	if c.Scoring.WeightAnomaly+c.Scoring.WeightEdge+c.Scoring.WeightExecution <= 0 {
		return fmt.Errorf("scoring composite weights must sum to > 0")
	}
	if c.Research.FDRAlpha <= 0 || c.Research.FDRAlpha >= 1 {
		return fmt.Errorf("research.fdr_alpha must be in (0, 1)")
	}
	if c.Monitor.CriticalSigma <= c.Monitor.WarningSigma {
		return fmt.Errorf("monitor.critical_sigma must exceed monitor.warning_sigma")
	}
	if c.Monitor.MaxKellyAdjustment < 0 || c.Monitor.MaxKellyAdjustment > 1 {
		return fmt.Errorf("monitor.max_kelly_adjustment must be in [0, 1]")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be a valid port")
	}
	return nil
}
