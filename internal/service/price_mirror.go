package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// SnapshotSource delivers coalesced snapshots per side.
type SnapshotSource interface {
	Subscribe(side domain.Side) (<-chan domain.PriceSnapshot, func())
}

// PriceMirror copies feed snapshots to the shared price cache and the
// prices channel so external readers see what the bot sees.
type PriceMirror struct {
	src    SnapshotSource
	cache  domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPriceMirror creates a mirror. cache and bus may be nil.
func NewPriceMirror(src SnapshotSource, cache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *PriceMirror {
	return &PriceMirror{
		src:    src,
		cache:  cache,
		bus:    bus,
		logger: logger.With(slog.String("component", "price_mirror")),
	}
}

type priceMessage struct {
	Side    domain.Side     `json:"side"`
	TokenID string          `json:"token_id"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	Spread  decimal.Decimal `json:"spread"`
	At      time.Time       `json:"at"`
}

// Run mirrors snapshots until ctx is cancelled.
func (m *PriceMirror) Run(ctx context.Context) error {
	up, cancelUp := m.src.Subscribe(domain.SideUp)
	defer cancelUp()
	down, cancelDown := m.src.Subscribe(domain.SideDown)
	defer cancelDown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-up:
			m.mirror(ctx, snap)
		case snap := <-down:
			m.mirror(ctx, snap)
		}
	}
}

func (m *PriceMirror) mirror(ctx context.Context, snap domain.PriceSnapshot) {
	if m.cache != nil {
		if err := m.cache.SetQuote(ctx, snap.TokenID, snap.BestBid, snap.BestAsk, snap.ReceivedAt); err != nil {
			m.logger.WarnContext(ctx, "price_mirror: cache write failed",
				slog.String("side", string(snap.Side)), slog.String("error", err.Error()))
		}
	}
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(priceMessage{
		Side: snap.Side, TokenID: snap.TokenID, BestBid: snap.BestBid, BestAsk: snap.BestAsk,
		Spread: snap.Spread(), At: snap.ReceivedAt,
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
		m.logger.WarnContext(ctx, "price_mirror: publish failed",
			slog.String("side", string(snap.Side)), slog.String("error", err.Error()))
	}
}
