package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// quoteTTL expires mirrored quotes when the bot stops updating them.
const quoteTTL = 10 * time.Minute

// PriceCache mirrors top-of-book quotes into hashes at
// updown:quote:{tokenID} with fields bid, ask and ts (unix nanos).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by c.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.rdb}
}

func quoteKey(tokenID string) string {
	return keyPrefix + "quote:" + tokenID
}

// SetQuote stores the latest bid/ask for a token.
func (pc *PriceCache) SetQuote(ctx context.Context, tokenID string, bid, ask decimal.Decimal, ts time.Time) error {
	key := quoteKey(tokenID)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, quoteFields(bid, ask, ts))
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", tokenID, err)
	}
	return nil
}

// GetQuote returns the mirrored quote, or domain.ErrNotFound.
func (pc *PriceCache) GetQuote(ctx context.Context, tokenID string) (decimal.Decimal, decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(tokenID)).Result()
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("redis: get quote %s: %w", tokenID, err)
	}
	bid, ask, ts, err := parseQuote(vals)
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("redis: get quote %s: %w", tokenID, err)
	}
	return bid, ask, ts, nil
}

func quoteFields(bid, ask decimal.Decimal, ts time.Time) map[string]any {
	return map[string]any{
		"bid": bid.String(),
		"ask": ask.String(),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	}
}

func parseQuote(vals map[string]string) (decimal.Decimal, decimal.Decimal, time.Time, error) {
	if len(vals) == 0 {
		return decimal.Zero, decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	bid, err := decimal.NewFromString(vals["bid"])
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("parse bid: %w", err)
	}
	ask, err := decimal.NewFromString(vals["ask"])
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("parse ask: %w", err)
	}
	nanos, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return bid, ask, time.Unix(0, nanos), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
