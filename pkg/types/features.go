package types

// ————————————————————————————————————————————————————————————————————————
// Feature vector
// ————————————————————————————————————————————————————————————————————————
// One FeatureVector is produced per (tokenId, timestamp) event. The trade,
// wallet, and impact groups are pointers: nil means the source data was
// absent (no trade in the event, enrichment unavailable, not enough price
// history). Consumers branch on presence rather than on sentinel values.

// TimeFeatures captures time-to-close and the late-window ramp.
type TimeFeatures struct {
	TTCSeconds     float64 `json:"ttcSeconds"`
	TTCHours       float64 `json:"ttcHours"`
	RampMultiplier float64 `json:"rampMultiplier"`
	Within5m       bool    `json:"within5m"`
	Within15m      bool    `json:"within15m"`
	Within30m      bool    `json:"within30m"`
	Within60m      bool    `json:"within60m"`
	Within120m     bool    `json:"within120m"`
	InNoTradeZone  bool    `json:"inNoTradeZone"`
}

// TradeSizeFeatures positions one trade's notional inside the token's
// rolling size distribution.
type TradeSizeFeatures struct {
	Notional              float64 `json:"notional"`
	RollingMedian         float64 `json:"rollingMedian"`
	RollingMAD            float64 `json:"rollingMad"`
	Q95                   float64 `json:"q95"`
	Q99                   float64 `json:"q99"`
	Q999                  float64 `json:"q999"`
	RobustZ               float64 `json:"robustZ"`
	Percentile            float64 `json:"percentile"` // [0, 100]
	RawSizeTailScore      float64 `json:"rawSizeTailScore"`
	DollarFloorMultiplier float64 `json:"dollarFloorMultiplier"`
	SizeTailScore         float64 `json:"sizeTailScore"`
	IsLargeTrade          bool    `json:"isLargeTrade"`
	IsTailTrade           bool    `json:"isTailTrade"`
	IsExtremeTrade        bool    `json:"isExtremeTrade"`
}

// BookFeatures scores the current order book shape.
type BookFeatures struct {
	Imbalance          float64 `json:"imbalance"`
	BookImbalanceScore float64 `json:"bookImbalanceScore"`
	ThinSideRatio      float64 `json:"thinSideRatio"`
	ThinOppositeScore  float64 `json:"thinOppositeScore"`
	SpreadBps          float64 `json:"spreadBps"`
	SpreadScore        float64 `json:"spreadScore"`
	TotalDepth         float64 `json:"totalDepth"`
	DepthScore         float64 `json:"depthScore"`
	IsAsymmetric       bool    `json:"isAsymmetric"`
	HasBook            bool    `json:"hasBook"` // false = neutral default used
}

// WalletFeatures scores the taker's on-chain profile.
type WalletFeatures struct {
	AgeDays          *float64     `json:"ageDays"` // nil = first-seen unknown
	TransactionCount int          `json:"transactionCount"`
	ActivityScore    float64      `json:"activityScore"`
	WalletNewScore   float64      `json:"walletNewScore"`
	WalletRiskScore  float64      `json:"walletRiskScore"`
	IsNewAccount     bool         `json:"isNewAccount"`
	IsLowActivity    bool         `json:"isLowActivity"`
	Source           WalletSource `json:"source"`
}

// ImpactFeatures is a post-trade price drift proxy. Positive drift means the
// mid moved in the trade's direction (price confirms the trade).
type ImpactFeatures struct {
	Drift30s    float64 `json:"drift30s"`
	Drift60s    float64 `json:"drift60s"`
	ImpactScore float64 `json:"impactScore"` // [0, 1]
}

// BurstFeatures reports self-exciting intensity from the Hawkes proxy.
type BurstFeatures struct {
	TradeCount1m   int     `json:"tradeCount1m"`
	TradeCount5m   int     `json:"tradeCount5m"`
	Intensity      float64 `json:"hawkesIntensity"`
	Baseline       float64 `json:"baseline"`
	IntensityRatio float64 `json:"intensityRatio"`
	MeanGapMs      float64 `json:"meanGapMs"` // 0 with fewer than two window trades
	MinGapMs       float64 `json:"minGapMs"`
	BurstScore     float64 `json:"burstScore"`
	BurstDetected  bool    `json:"burstDetected"`
}

// ChangePointFeatures summarizes the CUSUM detectors across metrics.
type ChangePointFeatures struct {
	Metric               string      `json:"metric"` // winning metric name
	FocusStatistic       float64     `json:"focusStatistic"`
	Threshold            float64     `json:"threshold"`
	ChangePointScore     float64     `json:"changePointScore"`
	RegimeShift          RegimeShift `json:"regimeShift"`
	ChangePointTimestamp *int64      `json:"changePointTimestamp"` // ms, nil = none latched
	Detected             bool        `json:"detected"`
}

// FeatureVector is the full per-event feature set fed to the scoring engine.
type FeatureVector struct {
	TokenID     string `json:"tokenId"`
	ConditionID string `json:"conditionId"`
	Timestamp   int64  `json:"timestamp"` // ms

	Time        TimeFeatures        `json:"time"`
	TradeSize   *TradeSizeFeatures  `json:"tradeSize"` // nil when the event carried no trade
	Book        BookFeatures        `json:"book"`
	Wallet      *WalletFeatures     `json:"wallet"` // nil when enrichment was unavailable
	Impact      *ImpactFeatures     `json:"impact"` // nil when history is insufficient
	Burst       BurstFeatures       `json:"burst"`
	ChangePoint ChangePointFeatures `json:"changePoint"`
}

// ————————————————————————————————————————————————————————————————————————
// Score record
// ————————————————————————————————————————————————————————————————————————

// TriggeringTrade is one of the large window trades that drove a signal,
// enriched with the taker's wallet age when known.
type TriggeringTrade struct {
	Trade         Trade    `json:"trade"`
	WalletAgeDays *float64 `json:"walletAgeDays"`
}

// ExecutionDetail carries the paper-trading inputs emitted alongside the
// execution score.
type ExecutionDetail struct {
	SlippageEstimateBps float64 `json:"slippageEstimateBps"`
	FillProbability     float64 `json:"fillProbability"`
	DepthAtLimit        float64 `json:"depthAtLimit"`
}

// EdgeDetail carries the probability-edge decomposition.
type EdgeDetail struct {
	ImpliedProbability   float64 `json:"impliedProbability"`
	EstimatedProbability float64 `json:"estimatedProbability"`
	Edge                 float64 `json:"edge"` // estimated - implied, signed
	AlignedSignals       int     `json:"alignedSignals"`
	EdgeConfidence       float64 `json:"edgeConfidence"`
}

// Score is the immutable output of the scoring engine for one event.
type Score struct {
	TokenID     string `json:"tokenId"`
	ConditionID string `json:"conditionId"`
	Timestamp   int64  `json:"timestamp"`

	Anomaly        float64        `json:"anomaly"`
	Execution      float64        `json:"execution"`
	Edge           float64        `json:"edge"`
	Composite      float64        `json:"composite"`
	RampMultiplier float64        `json:"rampMultiplier"`
	SignalStrength SignalStrength `json:"signalStrength"`

	Triggered    bool `json:"triggered"`    // anomaly crossed the trigger threshold
	TripleSignal bool `json:"tripleSignal"` // size-tail + book-asymmetry + wallet conjunction

	ExecutionDetail ExecutionDetail `json:"executionDetail"`
	EdgeDetail      EdgeDetail      `json:"edgeDetail"`

	TriggeringTrades []TriggeringTrade `json:"triggeringTrades"`
	HighestTrade1h   *Trade            `json:"highestTrade1h"`
}

// StrategyJob is the unit handed to the downstream strategy queue. Emitted
// only when SignalStrength != none and the market is outside the no-trade
// zone.
type StrategyJob struct {
	TokenID     string         `json:"tokenId"`
	ConditionID string         `json:"conditionId"`
	Timestamp   int64          `json:"timestamp"`
	Score       Score          `json:"score"`
	Strength    SignalStrength `json:"strength"`
}
