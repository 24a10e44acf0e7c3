// Package wallet resolves taker addresses to on-chain provenance: when the
// wallet first transacted and how much it has transacted since. The block
// explorer is slow and rate-limited, so results are cached hard (first-seen
// is immutable) and every failure degrades to a usable fallback record
// instead of an error.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"polysignal/internal/cache"
	"polysignal/internal/config"
	"polysignal/pkg/types"
)

// ErrInvalidAddress rejects anything that is not a hex EVM address.
var ErrInvalidAddress = errors.New("invalid wallet address")

// FirstTx is the wallet's earliest on-chain transaction.
type FirstTx struct {
	TimestampMs int64
	BlockNumber int64
}

// Source fetches wallet history from a block explorer.
type Source interface {
	FirstTransaction(ctx context.Context, address string) (*FirstTx, error)
	TransactionCount(ctx context.Context, address string) (int, error)
}

// Enricher layers caching and a circuit breaker over a Source. Concurrency-
// safe; the breaker serializes trip decisions internally.
type Enricher struct {
	src     Source
	cache   *cache.Cache
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

func NewEnricher(src Source, c *cache.Cache, logger *slog.Logger) *Enricher {
	st := gobreaker.Settings{Name: "explorer"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return &Enricher{
		src:     src,
		cache:   c,
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  logger.With("component", "wallet"),
		now:     time.Now,
	}
}

// Enrich resolves one address. The returned record always has a usable
// Source tag: upstream on a live fetch, cache on a hit, fallback when the
// explorer is down or the breaker is open. Only a malformed address errors.
func (e *Enricher) Enrich(ctx context.Context, address string) (*types.WalletEnrichment, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	address = strings.ToLower(common.HexToAddress(address).Hex())

	var cached types.WalletEnrichment
	hit, err := e.cache.GetJSON(ctx, cache.WalletKey(address), &cached)
	if err != nil {
		e.logger.Warn("wallet cache read failed", "address", address, "error", err)
	}
	if hit {
		cached.Source = types.WalletSourceCache
		return &cached, nil
	}

	out, err := e.breaker.Execute(func() (any, error) {
		return e.fetch(ctx, address)
	})
	if err != nil {
		e.logger.Warn("wallet enrichment degraded to fallback", "address", address, "error", err)
		return &types.WalletEnrichment{
			Address:    address,
			EnrichedAt: e.now(),
			Source:     types.WalletSourceFallback,
		}, nil
	}

	enr := out.(*types.WalletEnrichment)
	if err := e.cache.SetJSON(ctx, cache.WalletKey(address), enr, e.cache.WalletTTL()); err != nil {
		e.logger.Warn("wallet cache write failed", "address", address, "error", err)
	}
	return enr, nil
}

// WalletAge resolves an address to its age in days, for triggering-trade
// enrichment. Nil when unknown.
func (e *Enricher) WalletAge(ctx context.Context, address string) *float64 {
	enr, err := e.Enrich(ctx, address)
	if err != nil {
		return nil
	}
	return enr.AgeDays(e.now().UnixMilli())
}

func (e *Enricher) fetch(ctx context.Context, address string) (*types.WalletEnrichment, error) {
	first, err := e.src.FirstTransaction(ctx, address)
	if err != nil {
		return nil, err
	}
	count, err := e.src.TransactionCount(ctx, address)
	if err != nil {
		return nil, err
	}

	enr := &types.WalletEnrichment{
		Address:          address,
		TransactionCount: count,
		EnrichedAt:       e.now(),
		Source:           types.WalletSourceUpstream,
	}
	if first != nil {
		// First-seen only ever moves down. The cache floor guards against a
		// paginated explorer response surfacing a later transaction first.
		ts, err := e.cache.FloorFirstSeen(ctx, address, first.TimestampMs)
		if err != nil {
			ts = first.TimestampMs
		}
		enr.FirstSeenTimestamp = &ts
		enr.FirstSeenBlockNumber = &first.BlockNumber
	}
	return enr, nil
}

// ————————————————————————————————————————————————————————————————————————
// Explorer client

// ExplorerClient is an etherscan-compatible Source.
type ExplorerClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

func NewExplorerClient(cfg config.APIConfig, logger *slog.Logger) *ExplorerClient {
	httpClient := resty.New().
		SetBaseURL(cfg.ExplorerBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})
	return &ExplorerClient{http: httpClient, apiKey: cfg.ExplorerAPIKey, logger: logger}
}

type explorerTx struct {
	TimeStamp   string `json:"timeStamp"` // unix seconds
	BlockNumber string `json:"blockNumber"`
}

type explorerTxList struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Result  []explorerTx `json:"result"`
}

func (c *ExplorerClient) txlist(ctx context.Context, address, sort string, offset int) ([]explorerTx, error) {
	var out explorerTxList
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"module":  "account",
			"action":  "txlist",
			"address": address,
			"page":    "1",
			"offset":  strconv.Itoa(offset),
			"sort":    sort,
			"apikey":  c.apiKey,
		}).
		SetResult(&out).
		Get("/api")
	if err != nil {
		return nil, fmt.Errorf("explorer txlist: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("explorer txlist: status %d: %s", resp.StatusCode(), resp.String())
	}
	// Etherscan reports "no transactions found" as status 0.
	if out.Status != "1" && len(out.Result) == 0 {
		return nil, nil
	}
	return out.Result, nil
}

func (c *ExplorerClient) FirstTransaction(ctx context.Context, address string) (*FirstTx, error) {
	txs, err := c.txlist(ctx, address, "asc", 1)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	sec, err := strconv.ParseInt(txs[0].TimeStamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("explorer timestamp %q: %w", txs[0].TimeStamp, err)
	}
	block, err := strconv.ParseInt(txs[0].BlockNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("explorer block %q: %w", txs[0].BlockNumber, err)
	}
	return &FirstTx{TimestampMs: sec * 1000, BlockNumber: block}, nil
}

// TransactionCount pages at most one large page; wallets beyond the page
// size saturate, which is fine because every activity bucket above 100 scores
// the same.
func (c *ExplorerClient) TransactionCount(ctx context.Context, address string) (int, error) {
	txs, err := c.txlist(ctx, address, "desc", 1000)
	if err != nil {
		return 0, err
	}
	return len(txs), nil
}
