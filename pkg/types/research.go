package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Contrarian modes
// ————————————————————————————————————————————————————————————————————————

// ContrarianMode selects which disagreement definition flags an event as
// contrarian. Every switch over this enum must handle all four values; the
// research and scoring paths both treat an unknown mode as vs_both.
type ContrarianMode string

const (
	ModePriceOnly ContrarianMode = "price_only"
	ModeVsTrend   ContrarianMode = "vs_trend"
	ModeVsOFI     ContrarianMode = "vs_ofi"
	ModeVsBoth    ContrarianMode = "vs_both"
)

// ParseContrarianMode validates a query-string mode. Invalid or empty input
// falls back to vs_ofi, the API default.
func ParseContrarianMode(s string) ContrarianMode {
	switch ContrarianMode(s) {
	case ModePriceOnly, ModeVsTrend, ModeVsOFI, ModeVsBoth:
		return ContrarianMode(s)
	}
	return ModeVsOFI
}

// AllContrarianModes lists the modes in comparison order.
func AllContrarianModes() []ContrarianMode {
	return []ContrarianMode{ModePriceOnly, ModeVsTrend, ModeVsOFI, ModeVsBoth}
}

// ————————————————————————————————————————————————————————————————————————
// Resolved markets
// ————————————————————————————————————————————————————————————————————————

// ResolvedMarket is a historical market whose outcome is final.
type ResolvedMarket struct {
	ConditionID    string    `db:"condition_id" json:"conditionId"`
	Question       string    `db:"question" json:"question"`
	Slug           string    `db:"slug" json:"slug"`
	EventSlug      string    `db:"event_slug" json:"eventSlug"`
	Category       string    `db:"category" json:"category"`
	EndDate        time.Time `db:"end_date" json:"endDate"`
	WinningOutcome string    `db:"winning_outcome" json:"winningOutcome"` // "Yes" or "No"
	FinalYesPrice  float64   `db:"final_yes_price" json:"finalYesPrice"`
	FinalNoPrice   float64   `db:"final_no_price" json:"finalNoPrice"`
	YesTokenID     string    `db:"yes_token_id" json:"yesTokenId"`
	NoTokenID      string    `db:"no_token_id" json:"noTokenId"`
}

// ParseWinningOutcome decides resolution from a Gamma outcomePrices payload.
// Accepted forms are exactly ["1","0"], ["0","1"], [1,0], [0,1]; fractional,
// missing, or non-parseable prices are rejected. Returns "Yes" or "No".
func ParseWinningOutcome(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	var vals []any
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return "", false
	}
	if len(vals) != 2 {
		return "", false
	}

	parse := func(v any) (float64, bool) {
		switch x := v.(type) {
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return 0, false
			}
			return f, true
		case float64:
			return x, true
		}
		return 0, false
	}

	yes, ok1 := parse(vals[0])
	no, ok2 := parse(vals[1])
	if !ok1 || !ok2 {
		return "", false
	}
	switch {
	case yes == 1 && no == 0:
		return "Yes", true
	case yes == 0 && no == 1:
		return "No", true
	}
	return "", false
}

// ————————————————————————————————————————————————————————————————————————
// Contrarian events
// ————————————————————————————————————————————————————————————————————————

// ContrarianEvent is the research unit: one resolved historical trade
// augmented with contrarian flags and its outcome. Unique by
// (conditionId, tokenId, tradeTimestamp); created during backfill and never
// mutated afterwards.
type ContrarianEvent struct {
	ID                 int64   `db:"id" json:"id"`
	ConditionID        string  `db:"condition_id" json:"conditionId"`
	TokenID            string  `db:"token_id" json:"tokenId"`
	TradeTimestamp     int64   `db:"trade_timestamp" json:"tradeTimestamp"` // ms
	MinutesBeforeClose float64 `db:"minutes_before_close" json:"minutesBeforeClose"`

	TradeSide     Side    `db:"trade_side" json:"tradeSide"`
	TradePrice    float64 `db:"trade_price" json:"tradePrice"`
	TradeSize     float64 `db:"trade_size" json:"tradeSize"`
	TradeNotional float64 `db:"trade_notional" json:"tradeNotional"`
	TakerAddress  string  `db:"taker_address" json:"takerAddress"`

	SizePercentile float64 `db:"size_percentile" json:"sizePercentile"`
	SizeZScore     float64 `db:"size_z_score" json:"sizeZScore"`
	IsTailTrade    bool    `db:"is_tail_trade" json:"isTailTrade"`

	IsPriceContrarian bool    `db:"is_price_contrarian" json:"isPriceContrarian"`
	PriceTrend30m     float64 `db:"price_trend_30m" json:"priceTrend30m"`
	IsAgainstTrend    bool    `db:"is_against_trend" json:"isAgainstTrend"`
	OFI30m            float64 `db:"ofi_30m" json:"ofi30m"`
	IsAgainstOFI      bool    `db:"is_against_ofi" json:"isAgainstOfi"`
	IsContrarian      bool    `db:"is_contrarian" json:"isContrarian"` // vs_trend AND vs_ofi

	BookImbalance     float64 `db:"book_imbalance" json:"bookImbalance"`
	ThinOppositeRatio float64 `db:"thin_opposite_ratio" json:"thinOppositeRatio"`
	SpreadBps         float64 `db:"spread_bps" json:"spreadBps"`
	IsAsymmetricBook  bool    `db:"is_asymmetric_book" json:"isAsymmetricBook"`

	WalletAgeDays    *float64 `db:"wallet_age_days" json:"walletAgeDays"`
	WalletTradeCount *int     `db:"wallet_trade_count" json:"walletTradeCount"`
	IsNewWallet      bool     `db:"is_new_wallet" json:"isNewWallet"`

	TradedOutcome string  `db:"traded_outcome" json:"tradedOutcome"` // "Yes" or "No"
	OutcomeWon    bool    `db:"outcome_won" json:"outcomeWon"`
	Drift30m      float64 `db:"drift_30m" json:"drift30m"`
	Drift60m      float64 `db:"drift_60m" json:"drift60m"`

	// Joined from resolved_markets at query time, not stored on the event.
	Category string `db:"category" json:"category,omitempty"`
}

// ContrarianByMode evaluates the event's contrarian flag under a mode.
func (e *ContrarianEvent) ContrarianByMode(mode ContrarianMode) bool {
	switch mode {
	case ModePriceOnly:
		return e.IsPriceContrarian
	case ModeVsTrend:
		return e.IsAgainstTrend
	case ModeVsOFI:
		return e.IsAgainstOFI
	case ModeVsBoth:
		return e.IsAgainstTrend && e.IsAgainstOFI
	}
	return e.IsAgainstTrend && e.IsAgainstOFI
}

// CompositeSignalScore is the scalar used for AUC: 0.25 per indicator among
// price-contrarian, against-trend, against-OFI, and tail-size.
func (e *ContrarianEvent) CompositeSignalScore() float64 {
	s := 0.0
	if e.IsPriceContrarian {
		s += 0.25
	}
	if e.IsAgainstTrend {
		s += 0.25
	}
	if e.IsAgainstOFI {
		s += 0.25
	}
	if e.IsTailTrade {
		s += 0.25
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// Analysis configuration
// ————————————————————————————————————————————————————————————————————————

// AnalysisConfig narrows the contrarian event set for summaries, grid search,
// and monitoring. Zero values mean "no constraint" except where noted.
type AnalysisConfig struct {
	LookbackDays  int            `json:"lookbackDays"`
	MinSizeUSD    float64        `json:"minSizeUsd"`
	WindowMinutes int            `json:"windowMinutes"` // pre-close window of interest
	Mode          ContrarianMode `json:"contrarianMode"`

	RequireAsymmetricBook bool     `json:"requireAsymmetricBook"`
	RequireNewWallet      bool     `json:"requireNewWallet"`
	MaxWalletAgeDays      float64  `json:"maxWalletAgeDays"`
	MaxSpreadBps          float64  `json:"maxSpreadBps"`
	MinDepthUSD           float64  `json:"minDepthUsd"`
	Categories            []string `json:"categories"`
	OutcomeFilter         string   `json:"outcomeFilter"` // "Yes", "No", or "all"

	MinPrice float64 `json:"minPrice"`
	MaxPrice float64 `json:"maxPrice"`

	MinZScore float64 `json:"minZScore"`
	MaxZScore float64 `json:"maxZScore"`

	MinMinutesToClose float64 `json:"minMinutesToClose"`
	MaxMinutesToClose float64 `json:"maxMinutesToClose"`

	OFITrendDisagree bool `json:"ofiTrendDisagree"` // keep only events where OFI and trend flags differ
}

// ————————————————————————————————————————————————————————————————————————
// Research metrics
// ————————————————————————————————————————————————————————————————————————

// PnLMetrics aggregates hypothetical P&L over resolved events assuming flat
// sizing: a win pays notional·(1-price), a loss costs notional·price.
type PnLMetrics struct {
	SampleSize    int     `json:"n"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinRate       float64 `json:"winRate"`
	TotalWinPnL   float64 `json:"totalWinPnl"`
	TotalLossPnL  float64 `json:"totalLossPnl"` // negative
	PnL           float64 `json:"pnl"`
	TotalNotional float64 `json:"totalNotional"`
	ROI           float64 `json:"roi"`
	ProfitFactor  float64 `json:"profitFactor"`
	AvgPrice      float64 `json:"avgPrice"`
	BreakEvenRate float64 `json:"breakEvenRate"` // = AvgPrice
	EdgePoints    float64 `json:"edgePoints"`    // (winRate - breakEven) × 100
	KellyFraction float64 `json:"kellyFraction"`
	HalfKelly     float64 `json:"halfKelly"`
	IsProfitable  bool    `json:"isProfitable"`

	Warnings []string `json:"warnings,omitempty"`
}

// SplitMetrics holds correlation metrics recomputed on one chronological
// segment of the event set.
type SplitMetrics struct {
	Name       string  `json:"name"` // train / validate / test
	SampleSize int     `json:"n"`
	R          float64 `json:"r"`
	PValue     float64 `json:"pValue"`
	WinRate    float64 `json:"winRate"`
	AUC        float64 `json:"auc"`
}

// CorrelationSummary is the headline research report for one filter config.
type CorrelationSummary struct {
	SampleSize      int            `json:"n"`
	Mode            ContrarianMode `json:"contrarianMode"`
	PredictorCount  int            `json:"predictorCount"` // events flagged contrarian
	R               float64        `json:"r"`              // point-biserial
	PValue          float64        `json:"pValue"`
	CILower         float64        `json:"ciLower"`
	CIUpper         float64        `json:"ciUpper"`
	SignalWinRate   float64        `json:"signalWinRate"`
	BaselineWinRate float64        `json:"baselineWinRate"`
	Lift            float64        `json:"lift"`
	AUC             float64        `json:"auc"`
	Splits          []SplitMetrics `json:"splits,omitempty"`
	PnL             *PnLMetrics    `json:"pnl,omitempty"`
}

// RollingPoint is one daily-stepped window of the rolling correlation series.
type RollingPoint struct {
	Date       string  `json:"date"` // YYYY-MM-DD window end
	R          float64 `json:"r"`
	WinRate    float64 `json:"winRate"`
	SampleSize int     `json:"sampleSize"`
	CILower    float64 `json:"ciLower"`
	CIUpper    float64 `json:"ciUpper"`
}

// BreakdownGroup is one factor bucket in a breakdown report.
type BreakdownGroup struct {
	Factor     string  `json:"factor"`
	Group      string  `json:"group"`
	SampleSize int     `json:"sampleSize"`
	WinRate    float64 `json:"winRate"`
	Lift       float64 `json:"lift"`
	CILower    float64 `json:"ciLower"`
	CIUpper    float64 `json:"ciUpper"`
}

// ModelReport is the logistic-regression research report.
type ModelReport struct {
	SampleSize        int                `json:"n"`
	Coefficients      map[string]float64 `json:"coefficients"`
	Intercept         float64            `json:"intercept"`
	FeatureImportance map[string]float64 `json:"featureImportance"` // |coef| share, sums to 1
	TrainAUC          float64            `json:"trainAuc"`
	ValidateAUC       float64            `json:"validateAuc"`
	TestAUC           float64            `json:"testAuc"`
	Calibration       []CalibrationBin   `json:"calibration"`
}

// CalibrationBin is one bin of the 10-bin test-set calibration curve.
type CalibrationBin struct {
	BinLow       float64 `json:"binLow"`
	BinHigh      float64 `json:"binHigh"`
	MeanPredict  float64 `json:"meanPredicted"`
	MeanObserved float64 `json:"meanObserved"`
	Count        int     `json:"count"`
}

// ————————————————————————————————————————————————————————————————————————
// Optimization
// ————————————————————————————————————————————————————————————————————————

// GridSearchConfig describes the cartesian product of candidate configs.
type GridSearchConfig struct {
	Modes          []ContrarianMode `json:"modes"`
	MinSizes       []float64        `json:"minSizes"`
	WindowMinutes  []int            `json:"windowMinutes"`
	PriceRanges    [][2]float64     `json:"priceRanges"`
	TimeRanges     [][2]float64     `json:"timeRanges"` // minutes-to-close [min, max]
	OutcomeFilters []string         `json:"outcomeFilters"`

	LookbackDays  int      `json:"lookbackDays"`
	MinSampleSize int      `json:"minSampleSize"`
	FDRAlpha      float64  `json:"fdrAlpha"`
	Objectives    []string `json:"objectives"`
}

// TotalCombinations returns the size of the cartesian product.
func (g *GridSearchConfig) TotalCombinations() int {
	n := 1
	for _, k := range []int{
		len(g.Modes), len(g.MinSizes), len(g.WindowMinutes),
		len(g.PriceRanges), len(g.TimeRanges), len(g.OutcomeFilters),
	} {
		if k > 0 {
			n *= k
		}
	}
	return n
}

// OptimizationMetrics is the evaluated performance of one grid point.
type OptimizationMetrics struct {
	SampleSize       int     `json:"n"`
	WinRate          float64 `json:"winRate"`
	PnL              float64 `json:"pnl"`
	ROI              float64 `json:"roi"`
	ProfitFactor     float64 `json:"profitFactor"`
	EdgePoints       float64 `json:"edgePoints"`
	SharpeRatio      float64 `json:"sharpeRatio"`
	KellyFraction    float64 `json:"kellyFraction"`
	InformationRatio float64 `json:"informationRatio"`
	PValue           float64 `json:"pValue"`
	AdjustedPValue   float64 `json:"adjustedPValue"`
	AvgPrice         float64 `json:"avgPrice"`
	BreakEvenRate    float64 `json:"breakEvenRate"`
	CILower          float64 `json:"ciLower"`
	CIUpper          float64 `json:"ciUpper"`
}

// OptimizationResult is one evaluated configuration.
type OptimizationResult struct {
	ConfigID string              `json:"configId"` // hash of the config
	Config   AnalysisConfig      `json:"config"`
	Metrics  OptimizationMetrics `json:"metrics"`
	Ranks    map[string]int      `json:"ranks"` // objective → 1-based rank

	IsStatisticallySignificant bool `json:"isStatisticallySignificant"`
	IsParetoOptimal            bool `json:"isParetoOptimal"`
}

// SensitivityVariation reports metric deltas for one parameter value.
type SensitivityVariation struct {
	Parameter     string      `json:"parameter"`
	Value         any         `json:"value"`
	Metrics       *PnLMetrics `json:"metrics"`
	DeltaROI      float64     `json:"deltaRoi"`
	DeltaWinRate  float64     `json:"deltaWinRate"`
	DeltaPnL      float64     `json:"deltaPnl"`
	IsSignificant bool        `json:"isSignificant"` // |ΔROI| > 0.05
}

// ————————————————————————————————————————————————————————————————————————
// Strategy monitoring
// ————————————————————————————————————————————————————————————————————————

// StrategyMetrics is the metric snapshot the monitor compares over time.
type StrategyMetrics struct {
	SampleSize    int       `json:"sampleSize"`
	WinRate       float64   `json:"winRate"`
	ROI           float64   `json:"roi"`
	EdgePoints    float64   `json:"edgePoints"`
	KellyFraction float64   `json:"kellyFraction"`
	AsOf          time.Time `json:"asOf"`
}

// MonitoredStrategy is a deployed configuration under drift surveillance.
type MonitoredStrategy struct {
	StrategyID       string          `json:"strategyId"` // deterministic from config
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Config           AnalysisConfig  `json:"config"`
	Baseline         StrategyMetrics `json:"baseline"`
	Current          StrategyMetrics `json:"current"`
	RecommendedKelly float64         `json:"recommendedKelly"`
	IsActive         bool            `json:"isActive"`
	IsHealthy        bool            `json:"isHealthy"`
	LastCheckAt      time.Time       `json:"lastCheckAt"`
	CheckInterval    time.Duration   `json:"checkInterval"`
}

// AlertType classifies a drift alert.
type AlertType string

const (
	AlertDrift       AlertType = "drift"
	AlertPerformance AlertType = "performance"
	AlertSampleSize  AlertType = "sample_size"
	AlertKelly       AlertType = "kelly"
)

// AlertSeverity orders alert importance.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// DriftAlert is one persisted monitoring alert.
type DriftAlert struct {
	ID             int64         `db:"id" json:"id"`
	StrategyID     string        `db:"strategy_id" json:"strategyId"`
	AlertType      AlertType     `db:"alert_type" json:"alertType"`
	Metric         string        `db:"metric" json:"metric"`
	Expected       float64       `db:"expected_value" json:"expected"`
	Observed       float64       `db:"observed_value" json:"observed"`
	DeviationSigma float64       `db:"deviation_sigma" json:"deviationSigma"` // signed
	Severity       AlertSeverity `db:"severity" json:"severity"`
	Message        string        `db:"message" json:"message"`
	Recommendation string        `db:"recommendation" json:"recommendation"`
	Acknowledged   bool          `db:"acknowledged" json:"acknowledged"`
	AcknowledgedAt *time.Time    `db:"acknowledged_at" json:"acknowledgedAt"`
	AcknowledgedBy string        `db:"acknowledged_by" json:"acknowledgedBy,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
}
