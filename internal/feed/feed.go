// Package feed reads decentralised oracle price feeds such as FLR/USD.
package feed

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/cache"
	"gasguard/internal/chain"
	"gasguard/internal/gas"
)

const (
	quoteTTL = 12 * time.Second
	// MaxAge is the oldest reading Price accepts.
	MaxAge = 120 * time.Second
	// DefaultEpochBlocks is the number of blocks per feed voting epoch.
	DefaultEpochBlocks = 90
)

// ErrNotConfigured is returned when no feed contract is bound.
var ErrNotConfigured = fmt.Errorf("feed contract not configured: %w", gas.ErrUnreachable)

// Quote is a decoded feed price.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Decimals  uint8           `json:"decimals"`
	Timestamp int64           `json:"timestamp"`
	FeedID    string          `json:"feedId"`
}

// Client serves cached, freshness-checked feed prices.
type Client struct {
	cache       cache.Cache
	reader      FeedReader
	epochBlocks uint64
	logger      zerolog.Logger
	now         func() time.Time
}

// NewClient builds a feed client. reader may be nil when no contract is deployed.
func NewClient(c cache.Cache, reader FeedReader, epochBlocks uint64, logger zerolog.Logger) *Client {
	if epochBlocks == 0 {
		epochBlocks = DefaultEpochBlocks
	}
	return &Client{
		cache:       c,
		reader:      reader,
		epochBlocks: epochBlocks,
		logger:      logger.With().Str("component", "feed").Logger(),
		now:         time.Now,
	}
}

// Price returns the latest price for feedID, e.g. "FLR/USD".
// Readings older than MaxAge fail with gas.ErrStalePrice.
func (c *Client) Price(ctx context.Context, feedID string) (Quote, error) {
	key := "ftso:" + feedID

	var cached Quote
	found, err := cache.GetJSON(ctx, c.cache, key, &cached)
	if err != nil {
		c.logger.Warn().Err(err).Str("feed", feedID).Msg("read cached quote")
	}
	if found {
		return cached, nil
	}

	if c.reader == nil {
		return Quote{}, ErrNotConfigured
	}

	raw, err := c.reader.CurrentPrice(ctx, chain.HashString(feedID))
	if err != nil {
		return Quote{}, fmt.Errorf("read feed %s: %w", feedID, err)
	}

	observed := time.Unix(int64(raw.Timestamp), 0)
	if age := c.now().Sub(observed); age > MaxAge {
		return Quote{}, fmt.Errorf("feed %s last updated %s ago: %w", feedID, age.Truncate(time.Second), gas.ErrStalePrice)
	}

	quote := toQuote(feedID, raw)
	if err := cache.SetJSON(ctx, c.cache, key, quote, quoteTTL); err != nil {
		c.logger.Warn().Err(err).Str("feed", feedID).Msg("cache quote")
	}
	return quote, nil
}

// PriceHistory walks back epochs voting rounds from the current one and returns the
// readings oldest first. Unreadable epochs are skipped.
func (c *Client) PriceHistory(ctx context.Context, feedID string, epochs int) []Quote {
	out := make([]Quote, 0, epochs)
	if c.reader == nil || epochs <= 0 {
		return out
	}

	block, err := c.reader.BlockNumber(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("feed", feedID).Msg("read block number")
		return out
	}

	hash := chain.HashString(feedID)
	current := block / c.epochBlocks
	for i := 0; i < epochs && uint64(i) <= current; i++ {
		raw, err := c.reader.PriceAt(ctx, hash, current-uint64(i))
		if err != nil {
			c.logger.Debug().Err(err).Uint64("epoch", current-uint64(i)).Msg("skip epoch")
			continue
		}
		out = append(out, toQuote(feedID, raw))
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ConvertToUSD prices amount units of symbol in USD.
func (c *Client) ConvertToUSD(ctx context.Context, amount decimal.Decimal, symbol string) (decimal.Decimal, error) {
	quote, err := c.Price(ctx, symbol+"/USD")
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(quote.Price), nil
}

func toQuote(feedID string, raw RawPrice) Quote {
	value := raw.Value
	if value == nil {
		value = new(big.Int)
	}
	return Quote{
		Price:     decimal.NewFromBigInt(value, -int32(raw.Decimals)),
		Decimals:  raw.Decimals,
		Timestamp: int64(raw.Timestamp) * 1000,
		FeedID:    feedID,
	}
}
