package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"polysignal/internal/config"
	"polysignal/internal/research"
	"polysignal/pkg/types"
)

// Client talks to the Gamma (market metadata), Data (attributed trades), and
// CLOB (order books) REST APIs. Every request is rate-limited per category
// and retried on 5xx; the Data API additionally sits behind a circuit
// breaker because the backfill hammers it hardest.
type Client struct {
	gamma   *resty.Client
	data    *resty.Client
	clob    *resty.Client
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	build := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetRetryCount(3).
			SetRetryWaitTime(500*time.Millisecond).
			SetRetryMaxWaitTime(5*time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			}).
			SetHeader("Accept", "application/json")
	}

	c := &Client{
		gamma:  build(cfg.GammaBaseURL),
		data:   build(cfg.DataBaseURL),
		clob:   build(cfg.CLOBBaseURL),
		rl:     NewRateLimiter(),
		logger: logger.With("component", "feed_client"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "data-api",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// ActiveMarkets pages every open market from the Gamma API.
func (c *Client) ActiveMarkets(ctx context.Context, pageSize int) ([]GammaMarket, error) {
	return c.marketPages(ctx, pageSize, map[string]string{
		"active": "true",
		"closed": "false",
	})
}

// ClosedMarkets pages markets that closed after the given time, for backfill.
// Implements research.MarketSource.
func (c *Client) ClosedMarkets(ctx context.Context, closedAfter time.Time, limit, offset int) ([]research.MarketCandidate, error) {
	if err := c.rl.Markets.Wait(ctx); err != nil {
		return nil, err
	}

	var page []GammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":        strconv.Itoa(limit),
			"offset":       strconv.Itoa(offset),
			"closed":       "true",
			"end_date_min": closedAfter.UTC().Format(time.RFC3339),
			"order":        "endDate",
			"ascending":    "true",
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("closed markets page %d: %w", offset, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("closed markets: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]research.MarketCandidate, 0, len(page))
	for i := range page {
		out = append(out, research.MarketCandidate{
			Market:        page[i].MarketInfoResolved(),
			OutcomePrices: page[i].OutcomePrices,
		})
	}
	return out, nil
}

// MarketTrades pages attributed trades for one market from the Data API.
// Implements research.TradeSource.
func (c *Client) MarketTrades(ctx context.Context, conditionID string, limit, offset int) ([]types.Trade, error) {
	if err := c.rl.Trades.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := c.breaker.Execute(func() (any, error) {
		var page []DataTrade
		resp, err := c.data.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"market":     conditionID,
				"limit":      strconv.Itoa(limit),
				"offset":     strconv.Itoa(offset),
				"takerOnly":  "true",
				"filterType": "CASH",
			}).
			SetResult(&page).
			Get("/trades")
		if err != nil {
			return nil, fmt.Errorf("trades page %d: %w", offset, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("trades: status %d: %s", resp.StatusCode(), resp.String())
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}

	page := raw.([]DataTrade)
	out := make([]types.Trade, 0, len(page))
	for i := range page {
		out = append(out, page[i].Trade())
	}
	return out, nil
}

// RecentTrades fetches the newest attributed trades for one market, used by
// the live poller.
func (c *Client) RecentTrades(ctx context.Context, conditionID string, limit int) ([]types.Trade, error) {
	return c.MarketTrades(ctx, conditionID, limit, 0)
}

// OrderBook fetches the L2 book for one token from the CLOB API.
func (c *Client) OrderBook(ctx context.Context, tokenID string) (*types.OrderBookSnapshot, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var book clobBook
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	snap := book.snapshot()
	return &snap, nil
}

// MarketInfoResolved builds the warehouse market row from a closed Gamma
// market. The winning outcome stays empty here; the backfiller decides it
// from OutcomePrices.
func (gm *GammaMarket) MarketInfoResolved() types.ResolvedMarket {
	info := gm.MarketInfo()
	m := types.ResolvedMarket{
		ConditionID: info.ConditionID,
		Question:    info.Question,
		Slug:        info.Slug,
		EventSlug:   info.EventSlug,
		Category:    info.Category,
		EndDate:     info.EndDate,
		YesTokenID:  info.YesTokenID,
		NoTokenID:   info.NoTokenID,
	}

	var prices []string
	if gm.OutcomePrices != "" {
		// Best effort: fractional prices still land in the row even when
		// the market is not definitively resolved.
		_ = json.Unmarshal([]byte(gm.OutcomePrices), &prices)
	}
	if len(prices) == 2 {
		m.FinalYesPrice, _ = strconv.ParseFloat(prices[0], 64)
		m.FinalNoPrice, _ = strconv.ParseFloat(prices[1], 64)
	}
	return m
}

func (c *Client) marketPages(ctx context.Context, pageSize int, params map[string]string) ([]GammaMarket, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	var all []GammaMarket
	for offset := 0; ; offset += pageSize {
		if err := c.rl.Markets.Wait(ctx); err != nil {
			return nil, err
		}

		var page []GammaMarket
		q := map[string]string{
			"limit":  strconv.Itoa(pageSize),
			"offset": strconv.Itoa(offset),
		}
		for k, v := range params {
			q[k] = v
		}
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(q).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
