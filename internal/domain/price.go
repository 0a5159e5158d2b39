package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot is the latest known top of book for one side. Only one is
// retained per side; each update overwrites the previous one.
type PriceSnapshot struct {
	Side       Side            `json:"side"`
	TokenID    string          `json:"token_id"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Price is the trigger price of the snapshot: the best bid a held position
// can sell into.
func (s PriceSnapshot) Price() decimal.Decimal {
	return s.BestBid
}

// Age returns how old the snapshot is at now.
func (s PriceSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ReceivedAt)
}

// Spread returns ask minus bid, or zero when either side is missing.
func (s PriceSnapshot) Spread() decimal.Decimal {
	if !s.BestBid.IsPositive() || !s.BestAsk.IsPositive() {
		return decimal.Zero
	}
	return s.BestAsk.Sub(s.BestBid)
}

// Quote is a top-of-book update for one token as parsed off the wire. Either
// price may be missing, in which case the previous value is kept.
type Quote struct {
	AssetID   string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	HasBid    bool
	HasAsk    bool
	Timestamp time.Time
}
