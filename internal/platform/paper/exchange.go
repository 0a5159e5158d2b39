// Package paper simulates order matching against the live top of book so the
// bot can run end to end without signing real orders.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// QuoteSource supplies the latest top of book by token id.
type QuoteSource interface {
	LatestByToken(tokenID string) (domain.PriceSnapshot, bool)
}

type order struct {
	req   domain.OrderRequest
	state domain.OrderState
}

// Exchange fills a BUY when its limit reaches the best ask and a SELL when its
// limit reaches the best bid, always for the full size at the touch. Orders
// that do not cross rest until they do or are cancelled. Book depth is not
// modelled.
type Exchange struct {
	quotes QuoteSource
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]*order
}

// NewExchange creates a paper exchange reading prices from quotes.
func NewExchange(quotes QuoteSource, logger *slog.Logger) *Exchange {
	return &Exchange{
		quotes: quotes,
		logger: logger.With(slog.String("component", "paper_exchange")),
		orders: make(map[string]*order),
	}
}

// PlaceOrder accepts req and matches it immediately if it crosses.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderState{}, err
	}
	one := decimal.NewFromInt(1)
	if !req.Price.IsPositive() || req.Price.GreaterThanOrEqual(one) {
		return domain.OrderState{}, fmt.Errorf("%w: invalid price %s", domain.ErrOrderRejected, req.Price)
	}
	if !req.Size.IsPositive() {
		return domain.OrderState{}, fmt.Errorf("%w: invalid size %s", domain.ErrOrderRejected, req.Size)
	}

	o := &order{
		req:   req,
		state: domain.OrderState{OrderID: uuid.NewString(), Status: domain.OrderStatusLive},
	}
	e.mu.Lock()
	e.orders[o.state.OrderID] = o
	e.match(o)
	st := o.state
	e.mu.Unlock()

	e.logger.DebugContext(ctx, "paper: order placed",
		slog.String("order_id", st.OrderID),
		slog.String("direction", string(req.Direction)),
		slog.String("price", req.Price.String()),
		slog.String("size", req.Size.String()),
		slog.String("status", string(st.Status)),
	)
	return st, nil
}

// CancelOrder stops a resting order; finished orders are left as they are.
func (e *Exchange) CancelOrder(_ context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if !o.state.Status.Terminal() {
		o.state.Status = domain.OrderStatusCancelled
	}
	return nil
}

// OrderStatus re-matches a resting order against the current book and
// returns its state.
func (e *Exchange) OrderStatus(_ context.Context, orderID string) (domain.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("paper: status %s: %w", orderID, domain.ErrNotFound)
	}
	e.match(o)
	return o.state, nil
}

// match fills o in full when it crosses the touch. Caller holds e.mu.
func (e *Exchange) match(o *order) {
	if o.state.Status != domain.OrderStatusLive {
		return
	}
	snap, ok := e.quotes.LatestByToken(o.req.TokenID)
	if !ok {
		return
	}
	var fillAt decimal.Decimal
	switch o.req.Direction {
	case domain.DirectionBuy:
		if snap.BestAsk.IsPositive() && o.req.Price.GreaterThanOrEqual(snap.BestAsk) {
			fillAt = snap.BestAsk
		}
	case domain.DirectionSell:
		if snap.BestBid.IsPositive() && o.req.Price.LessThanOrEqual(snap.BestBid) {
			fillAt = snap.BestBid
		}
	}
	if fillAt.IsZero() {
		return
	}
	o.state.Status = domain.OrderStatusMatched
	o.state.SizeMatched = o.req.Size
	o.state.AvgPrice = fillAt
}
