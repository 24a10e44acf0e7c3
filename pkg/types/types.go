// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline — trades, market
// metadata, order book snapshots, wallet enrichment, feature vectors, and
// score records. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// NormalizeSide maps upstream side strings (the data API mixes "buy"/"BUY"
// and occasionally "Buy") onto the canonical upper-case form. Unrecognized
// values come back as-is, upper-cased, so bad input stays visible downstream.
func NormalizeSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return BUY
	case "SELL":
		return SELL
	default:
		return Side(strings.ToUpper(strings.TrimSpace(s)))
	}
}

// SignalStrength buckets a composite score for downstream consumers.
type SignalStrength string

const (
	StrengthNone     SignalStrength = "none"
	StrengthWeak     SignalStrength = "weak"
	StrengthModerate SignalStrength = "moderate"
	StrengthStrong   SignalStrength = "strong"
	StrengthExtreme  SignalStrength = "extreme"
)

// StrengthFromComposite buckets a composite score at 0.30/0.50/0.70/0.85.
func StrengthFromComposite(c float64) SignalStrength {
	switch {
	case c >= 0.85:
		return StrengthExtreme
	case c >= 0.70:
		return StrengthStrong
	case c >= 0.50:
		return StrengthModerate
	case c >= 0.30:
		return StrengthWeak
	default:
		return StrengthNone
	}
}

// RegimeShift labels the direction of a detected change point.
type RegimeShift string

const (
	RegimeNone     RegimeShift = "none"
	RegimeIncrease RegimeShift = "increase"
	RegimeDecrease RegimeShift = "decrease"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the internal representation of a Polymarket binary market.
// Populated from the Gamma API during discovery and consulted by the feature
// computer for the time-to-close ramp. A binary market has exactly two tokens
// (one per outcome) whose prices always sum to ~$1.
type MarketInfo struct {
	ConditionID string // CTF condition ID
	Question    string // the prediction question, e.g. "Will X happen by Y?"
	Slug        string // human-readable market URL slug
	EventSlug   string // parent event slug (for dashboard links)
	Category    string // upstream category tag ("Politics", "Sports", ...)
	Outcomes    []string

	YesTokenID string // CLOB token ID for the YES outcome
	NoTokenID  string // CLOB token ID for the NO outcome

	Active    bool
	Closed    bool
	EndDate   time.Time // scheduled resolution time (UTC)
	Liquidity float64   // total USD liquidity on the book
	Volume24h float64   // trailing 24-hour volume in USD
}

// TokenOutcome returns the outcome label for one of the market's token IDs,
// or "" if the token does not belong to this market.
func (m *MarketInfo) TokenOutcome(tokenID string) string {
	switch tokenID {
	case m.YesTokenID:
		return "Yes"
	case m.NoTokenID:
		return "No"
	}
	return ""
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one taker fill observed on the data feed. Immutable once created.
type Trade struct {
	TradeID      string  `json:"tradeId"`
	TokenID      string  `json:"tokenId"`
	Timestamp    int64   `json:"timestamp"` // ms since epoch
	TakerAddress string  `json:"takerAddress"`
	Side         Side    `json:"side"`
	Price        float64 `json:"price"` // 0.0 to 1.0 for binary markets
	Size         float64 `json:"size"`  // quantity in tokens
	TxHash       string  `json:"txHash,omitempty"`
}

// Notional returns the trade's USD value.
func (t Trade) Notional() float64 {
	return t.Price * t.Size
}

// Time returns the trade timestamp as time.Time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// OrderBookSnapshot is a point-in-time view of one token's order book.
type OrderBookSnapshot struct {
	TokenID   string       `json:"tokenId"`
	Bids      []PriceLevel `json:"bids"` // sorted descending by price (best first)
	Asks      []PriceLevel `json:"asks"` // sorted ascending by price (best first)
	Hash      string       `json:"hash,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// BookMetrics holds values derived from a snapshot: top of book, depth
// buckets at 5%/10% from mid on each side, and the signed imbalance
// (bidDepth - askDepth) / (bidDepth + askDepth).
type BookMetrics struct {
	BestBid      float64 `json:"bestBid"`
	BestAsk      float64 `json:"bestAsk"`
	MidPrice     float64 `json:"midPrice"`
	Spread       float64 `json:"spread"`
	SpreadBps    float64 `json:"spreadBps"` // spread relative to mid, in basis points
	BidDepth5Pct float64 `json:"bidDepth5Pct"`
	AskDepth5Pct float64 `json:"askDepth5Pct"`
	BidDepth10   float64 `json:"bidDepth10Pct"`
	AskDepth10   float64 `json:"askDepth10Pct"`
	Imbalance    float64 `json:"imbalance"` // [-1, 1], positive = bid-heavy
}

// ComputeBookMetrics derives BookMetrics from a raw snapshot. Level strings
// are parsed with decimal arithmetic so depth sums don't accumulate float
// error; the final metrics are float64. Returns a zero value and false if
// either side of the book is empty or the top of book is unparseable.
func ComputeBookMetrics(snap OrderBookSnapshot) (BookMetrics, bool) {
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return BookMetrics{}, false
	}

	bestBid, err1 := decimal.NewFromString(snap.Bids[0].Price)
	bestAsk, err2 := decimal.NewFromString(snap.Asks[0].Price)
	if err1 != nil || err2 != nil {
		return BookMetrics{}, false
	}

	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return BookMetrics{}, false
	}
	spread := bestAsk.Sub(bestBid)

	m := BookMetrics{
		BestBid:  bestBid.InexactFloat64(),
		BestAsk:  bestAsk.InexactFloat64(),
		MidPrice: mid.InexactFloat64(),
		Spread:   spread.InexactFloat64(),
	}
	m.SpreadBps = spread.Div(mid).InexactFloat64() * 10000

	midF := m.MidPrice
	m.BidDepth5Pct = depthWithin(snap.Bids, midF*0.95, midF, true)
	m.AskDepth5Pct = depthWithin(snap.Asks, midF, midF*1.05, false)
	m.BidDepth10 = depthWithin(snap.Bids, midF*0.90, midF, true)
	m.AskDepth10 = depthWithin(snap.Asks, midF, midF*1.10, false)

	total := m.BidDepth10 + m.AskDepth10
	if total > 0 {
		m.Imbalance = (m.BidDepth10 - m.AskDepth10) / total
	}
	return m, true
}

// depthWithin sums notional (price × size) for levels whose price falls in
// [lo, hi]. Bid books are sorted descending, ask books ascending; iteration
// stops at the first level past the band.
func depthWithin(levels []PriceLevel, lo, hi float64, descending bool) float64 {
	var sum decimal.Decimal
	for _, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		p := price.InexactFloat64()
		if p < lo || p > hi {
			if descending && p < lo {
				break
			}
			if !descending && p > hi {
				break
			}
			continue
		}
		sum = sum.Add(price.Mul(size))
	}
	return sum.InexactFloat64()
}

// ————————————————————————————————————————————————————————————————————————
// Wallet enrichment
// ————————————————————————————————————————————————————————————————————————

// WalletSource records where an enrichment came from, so drift
// investigations can trace provenance.
type WalletSource string

const (
	WalletSourceUpstream WalletSource = "upstream"
	WalletSourceCache    WalletSource = "cache"
	WalletSourceFallback WalletSource = "fallback"
)

// WalletEnrichment describes a taker address's on-chain history.
// FirstSeenTimestamp is monotone: once known it is never moved later.
type WalletEnrichment struct {
	Address              string       `json:"address"`              // lowercase 0x + 40 hex
	FirstSeenTimestamp   *int64       `json:"firstSeenTimestamp"`   // ms, nil = unknown
	FirstSeenBlockNumber *int64       `json:"firstSeenBlockNumber"` // nil = unknown
	TransactionCount     int          `json:"transactionCount"`
	EnrichedAt           time.Time    `json:"enrichedAt"`
	Source               WalletSource `json:"source"`
}

// AgeDays returns the wallet age in days at the given instant, or nil when
// first-seen is unknown.
func (w *WalletEnrichment) AgeDays(nowMs int64) *float64 {
	if w == nil || w.FirstSeenTimestamp == nil {
		return nil
	}
	age := float64(nowMs-*w.FirstSeenTimestamp) / (24 * 3600 * 1000)
	if age < 0 {
		age = 0
	}
	return &age
}
