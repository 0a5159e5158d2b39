package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// SignedOrder is the order object inside a POST /order body.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// PostOrderRequest is the body of POST /order.
type PostOrderRequest struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// APIOrderResult is the response from placing an order. Taking and making
// amounts are in human units and describe the immediate match, if any.
type APIOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
}

// APIOrder is an order as returned by GET /data/order/{id}.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	OrderType    string `json:"order_type"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is the initial subscription frame for the market channel.
type WSCommand struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets_ids"`
}

// wsEnvelope identifies the event type of a market-channel frame.
type wsEnvelope struct {
	EventType string `json:"event_type"`
	MsgType   string `json:"msg_type"`
}

// BookMessage is a full orderbook snapshot.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
}

// WSPriceLevel is a single bid/ask level.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage carries one or more level changes, each with the
// resulting best bid and ask for its asset.
type PriceChangeMessage struct {
	Market       string             `json:"market"`
	PriceChanges []PriceChangeEntry `json:"price_changes"`
	Timestamp    string             `json:"timestamp"`
}

// PriceChangeEntry is one level change inside a PriceChangeMessage.
type PriceChangeEntry struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// BestBidAskMessage is the top-of-book event.
type BestBidAskMessage struct {
	AssetID   string `json:"asset_id"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Timestamp string `json:"timestamp"`
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

// ParseMarketFrame decodes one market-channel frame into top-of-book quotes.
// Frames may hold a single event or a JSON array of events; unknown event
// types are skipped.
func ParseMarketFrame(raw []byte, now time.Time) ([]domain.Quote, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "PONG" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var events []json.RawMessage
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, err
		}
		var out []domain.Quote
		for _, ev := range events {
			qs, err := parseMarketEvent(ev, now)
			if err != nil {
				return out, err
			}
			out = append(out, qs...)
		}
		return out, nil
	}
	return parseMarketEvent(raw, now)
}

func parseMarketEvent(raw []byte, now time.Time) ([]domain.Quote, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	kind := env.EventType
	if kind == "" {
		kind = env.MsgType
	}

	switch kind {
	case "book":
		var b BookMessage
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return []domain.Quote{BookToQuote(&b, now)}, nil

	case "price_change":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return nil, err
		}
		ts := parseTimestamp(pc.Timestamp, now)
		out := make([]domain.Quote, 0, len(pc.PriceChanges))
		for _, c := range pc.PriceChanges {
			q := domain.Quote{AssetID: c.AssetID, Timestamp: ts}
			q.BestBid, q.HasBid = parsePrice(c.BestBid)
			q.BestAsk, q.HasAsk = parsePrice(c.BestAsk)
			if q.HasBid || q.HasAsk {
				out = append(out, q)
			}
		}
		return out, nil

	case "best_bid_ask":
		var m BestBidAskMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		q := domain.Quote{AssetID: m.AssetID, Timestamp: parseTimestamp(m.Timestamp, now)}
		q.BestBid, q.HasBid = parsePrice(m.BestBid)
		q.BestAsk, q.HasAsk = parsePrice(m.BestAsk)
		return []domain.Quote{q}, nil
	}
	return nil, nil
}

// BookToQuote reduces a book snapshot to its best bid and ask. An empty side
// of the book is reported as present with a zero price.
func BookToQuote(b *BookMessage, now time.Time) domain.Quote {
	q := domain.Quote{
		AssetID:   b.AssetID,
		HasBid:    true,
		HasAsk:    true,
		Timestamp: parseTimestamp(b.Timestamp, now),
	}
	for _, lvl := range b.Bids {
		p, ok := parsePrice(lvl.Price)
		if ok && p.GreaterThan(q.BestBid) && !isZeroSize(lvl.Size) {
			q.BestBid = p
		}
	}
	for _, lvl := range b.Asks {
		p, ok := parsePrice(lvl.Price)
		if ok && !isZeroSize(lvl.Size) && (q.BestAsk.IsZero() || p.LessThan(q.BestAsk)) {
			q.BestAsk = p
		}
	}
	return q
}

// ToOrderState converts a REST order into the exchange-neutral state.
func (a *APIOrder) ToOrderState() domain.OrderState {
	st := domain.OrderState{OrderID: a.ID, Status: normaliseStatus(a.Status)}
	st.SizeMatched, _ = parseDecimal(a.SizeMatched)
	if st.SizeMatched.IsPositive() {
		st.AvgPrice, _ = parseDecimal(a.Price)
	}
	return st
}

// FillFromResult reads the immediate match of a POST /order response.
// For BUY, taking is shares and making is USDC; for SELL it is the reverse.
func (r *APIOrderResult) FillFromResult(dir domain.OrderDirection) (size, price decimal.Decimal) {
	taking, ok1 := parseDecimal(r.TakingAmount)
	making, ok2 := parseDecimal(r.MakingAmount)
	if !ok1 || !ok2 || !taking.IsPositive() || !making.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	if dir == domain.DirectionBuy {
		return taking, making.Div(taking).Round(4)
	}
	return making, taking.Div(making).Round(4)
}

func normaliseStatus(s string) domain.OrderStatus {
	s = strings.ToLower(strings.TrimPrefix(strings.ToUpper(s), "ORDER_STATUS_"))
	switch s {
	case "live", "open":
		return domain.OrderStatusLive
	case "delayed":
		return domain.OrderStatusDelayed
	case "matched", "filled":
		return domain.OrderStatusMatched
	case "unmatched":
		return domain.OrderStatusUnmatched
	case "canceled", "cancelled", "canceled_market_resolved", "invalid":
		return domain.OrderStatusCancelled
	}
	return domain.OrderStatusLive
}

func parsePrice(s string) (decimal.Decimal, bool) {
	d, ok := parseDecimal(s)
	if !ok || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, false
	}
	return d, true
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func isZeroSize(s string) bool {
	d, ok := parseDecimal(s)
	return ok && d.IsZero()
}

// parseTimestamp accepts unix milliseconds or seconds, falling back to now.
func parseTimestamp(s string, now time.Time) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return now
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
