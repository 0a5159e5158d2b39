package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
)

// Streamer runs one market-channel session. polymarket.WSClient implements
// it.
type Streamer interface {
	Session(ctx context.Context, assetIDs []string, onConnected func(), onQuote polymarket.QuoteHandler) error
}

// PolymarketWSFeed keeps a Cache populated from the Polymarket market
// channel, reconnecting with bounded exponential backoff. Transport errors
// never escape Run; they surface as staleness in the cache.
type PolymarketWSFeed struct {
	stream Streamer
	cache  *Cache
	sink   domain.EventSink
	minGap time.Duration
	maxGap time.Duration
	logger *slog.Logger
}

// NewPolymarketWSFeed creates a feed runner. sink receives connect and
// disconnect events and may be nil.
func NewPolymarketWSFeed(stream Streamer, cache *Cache, reconnectMin, reconnectMax time.Duration, sink domain.EventSink, logger *slog.Logger) *PolymarketWSFeed {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &PolymarketWSFeed{
		stream: stream,
		cache:  cache,
		sink:   sink,
		minGap: reconnectMin,
		maxGap: reconnectMax,
		logger: logger.With(slog.String("component", "polymarket_ws_feed")),
	}
}

// Run streams until ctx is cancelled.
func (f *PolymarketWSFeed) Run(ctx context.Context) error {
	assets := f.cache.TokenIDs()
	b := &backoff.Backoff{Min: f.minGap, Max: f.maxGap, Factor: 2, Jitter: true}

	for {
		started := time.Now()
		err := f.stream.Session(ctx, assets,
			func() {
				f.cache.markConnected()
				f.logger.InfoContext(ctx, "feed: subscribed", slog.Int("assets", len(assets)))
				f.sink.Record(ctx, domain.Event{Type: domain.EventFeedConnected, At: time.Now()})
			},
			func(q domain.Quote) { f.cache.Apply(q) },
		)
		f.cache.markDisconnected()
		if ctx.Err() != nil {
			return nil
		}

		// A session that stayed up for a while earns a fast retry.
		if time.Since(started) > f.maxGap {
			b.Reset()
		}
		wait := b.Duration()
		reason := "session ended"
		if err != nil {
			reason = err.Error()
		}
		f.logger.WarnContext(ctx, "feed: disconnected, reconnecting",
			slog.String("error", reason),
			slog.Duration("backoff", wait),
			slog.Int("attempt", int(b.Attempt())),
		)
		f.sink.Record(ctx, domain.Event{Type: domain.EventFeedDisconnected, At: time.Now(), Reason: reason})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
