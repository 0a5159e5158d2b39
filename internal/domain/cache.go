package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache mirrors the latest top of book for external readers.
type PriceCache interface {
	SetQuote(ctx context.Context, tokenID string, bid, ask decimal.Decimal, ts time.Time) error
	GetQuote(ctx context.Context, tokenID string) (bid, ask decimal.Decimal, ts time.Time, err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// Lease is a held lock.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Bus channel and stream names.
const (
	ChannelEvents    = "updown:events"
	ChannelPrices    = "updown:prices"
	StreamExecutions = "updown:executions"
)

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
