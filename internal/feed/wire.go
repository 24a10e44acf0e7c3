// Package feed ingests Polymarket data: market metadata from the Gamma API,
// attributed trades from the Data API, order books from the CLOB API, and the
// live market WebSocket channel. It is the only package that speaks upstream
// wire formats; everything downstream works with pkg/types.
package feed

import (
	"encoding/json"
	"strconv"
	"time"

	"polysignal/pkg/types"
)

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID             string  `json:"id"`
	Question       string  `json:"question"`
	ConditionID    string  `json:"conditionId"`
	Slug           string  `json:"slug"`
	EventSlug      string  `json:"eventSlug"`
	Category       string  `json:"category"`
	Active         bool    `json:"active"`
	Closed         bool    `json:"closed"`
	EndDate        string  `json:"endDate"`
	Liquidity      string  `json:"liquidity"`
	Volume24hr     float64 `json:"volume24hr"`
	Outcomes       string  `json:"outcomes"`
	OutcomePrices  string  `json:"outcomePrices"`
	ClobTokenIds   string  `json:"clobTokenIds"`
	BestBid        float64 `json:"bestBid"`
	BestAsk        float64 `json:"bestAsk"`
	LastTradePrice float64 `json:"lastTradePrice"`
}

// MarketInfo converts the Gamma payload to the internal representation.
// Token IDs and outcomes arrive as JSON-encoded array strings.
func (gm *GammaMarket) MarketInfo() types.MarketInfo {
	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)
	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)

	var tokenIDs, outcomes []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}
	if gm.Outcomes != "" {
		_ = json.Unmarshal([]byte(gm.Outcomes), &outcomes)
	}

	m := types.MarketInfo{
		ConditionID: gm.ConditionID,
		Question:    gm.Question,
		Slug:        gm.Slug,
		EventSlug:   gm.EventSlug,
		Category:    gm.Category,
		Outcomes:    outcomes,
		Active:      gm.Active,
		Closed:      gm.Closed,
		EndDate:     endDate,
		Liquidity:   liquidity,
		Volume24h:   gm.Volume24hr,
	}
	if len(tokenIDs) >= 2 {
		m.YesTokenID = tokenIDs[0]
		m.NoTokenID = tokenIDs[1]
	}
	return m
}

// DataTrade is the JSON shape of one trade from the Data API. Timestamps are
// unix seconds; proxyWallet is the taker's funding address.
type DataTrade struct {
	ID              string  `json:"id"`
	TransactionHash string  `json:"transactionHash"`
	ConditionID     string  `json:"conditionId"`
	Asset           string  `json:"asset"` // token ID
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Timestamp       int64   `json:"timestamp"`
}

// Trade converts to the internal trade type.
func (dt *DataTrade) Trade() types.Trade {
	return types.Trade{
		TradeID:      dt.ID,
		TokenID:      dt.Asset,
		Timestamp:    dt.Timestamp * 1000,
		TakerAddress: dt.ProxyWallet,
		Side:         types.NormalizeSide(dt.Side),
		Price:        dt.Price,
		Size:         dt.Size,
		TxHash:       dt.TransactionHash,
	}
}

// clobBook is the CLOB /book response.
type clobBook struct {
	AssetID   string             `json:"asset_id"`
	Hash      string             `json:"hash"`
	Timestamp string             `json:"timestamp"` // ms as string
	Bids      []types.PriceLevel `json:"bids"`
	Asks      []types.PriceLevel `json:"asks"`
}

func (b *clobBook) snapshot() types.OrderBookSnapshot {
	ts := time.Now()
	if ms, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return types.OrderBookSnapshot{
		TokenID:   b.AssetID,
		Bids:      b.Bids,
		Asks:      b.Asks,
		Hash:      b.Hash,
		Timestamp: ts,
	}
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events (market channel)
// ————————————————————————————————————————————————————————————————————————

// WSSubscribeMsg is the initial subscription for the market channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// WSUpdateMsg adds or removes asset subscriptions on a live connection.
type WSUpdateMsg struct {
	Operation string   `json:"operation"` // "subscribe" / "unsubscribe"
	AssetIDs  []string `json:"assets_ids"`
}

// WSBookEvent is a full book snapshot pushed on subscribe and on rebuilds.
type WSBookEvent struct {
	EventType string             `json:"event_type"`
	AssetID   string             `json:"asset_id"`
	Market    string             `json:"market"` // condition ID
	Timestamp string             `json:"timestamp"`
	Hash      string             `json:"hash"`
	Bids      []types.PriceLevel `json:"bids"`
	Asks      []types.PriceLevel `json:"asks"`
}

// Snapshot converts the event to the internal book representation.
func (e *WSBookEvent) Snapshot() types.OrderBookSnapshot {
	ts := time.Now()
	if ms, err := strconv.ParseInt(e.Timestamp, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return types.OrderBookSnapshot{
		TokenID:   e.AssetID,
		Bids:      e.Bids,
		Asks:      e.Asks,
		Hash:      e.Hash,
		Timestamp: ts,
	}
}

// WSPriceChange is one level delta inside a price_change event.
type WSPriceChange struct {
	Price string `json:"price"`
	Side  string `json:"side"` // "BUY" (bid) or "SELL" (ask)
	Size  string `json:"size"` // new size at level, "0" removes it
}

// WSPriceChangeEvent carries incremental book updates.
type WSPriceChangeEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Timestamp string          `json:"timestamp"`
	Changes   []WSPriceChange `json:"changes"`
}

// WSLastTradeEvent reports the most recent fill on an asset. The market
// channel does not attribute the taker; attributed trades come from the Data
// API poller.
type WSLastTradeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// Trade converts the event to an unattributed internal trade. Returns false
// when price or size fail to parse.
func (e *WSLastTradeEvent) Trade() (types.Trade, bool) {
	price, err1 := strconv.ParseFloat(e.Price, 64)
	size, err2 := strconv.ParseFloat(e.Size, 64)
	if err1 != nil || err2 != nil {
		return types.Trade{}, false
	}
	ts := time.Now().UnixMilli()
	if ms, err := strconv.ParseInt(e.Timestamp, 10, 64); err == nil {
		ts = ms
	}
	return types.Trade{
		TokenID:   e.AssetID,
		Timestamp: ts,
		Side:      types.NormalizeSide(e.Side),
		Price:     price,
		Size:      size,
	}, true
}
