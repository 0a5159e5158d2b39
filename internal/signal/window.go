// Package signal turns short bursts of BTC volatility on Coinbase into
// entries on the traded up/down market. It is opt-in and can be paused at
// runtime without dropping the feed.
package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

type tick struct {
	at    time.Time
	price decimal.Decimal
}

// RollingWindow keeps the trades of the last span, by exchange time.
type RollingWindow struct {
	span  time.Duration
	ticks []tick
}

// NewRollingWindow creates an empty window covering span.
func NewRollingWindow(span time.Duration) *RollingWindow {
	return &RollingWindow{span: span}
}

// Add appends a trade and evicts trades older than at minus the span.
func (w *RollingWindow) Add(at time.Time, price decimal.Decimal) {
	cutoff := at.Add(-w.span)
	i := 0
	for i < len(w.ticks) && w.ticks[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.ticks = append(w.ticks[:0], w.ticks[i:]...)
	}
	w.ticks = append(w.ticks, tick{at: at, price: price})
}

// PctChange is (newest - oldest) / oldest as a fraction. ok is false with
// fewer than two trades or a non-positive oldest price.
func (w *RollingWindow) PctChange() (pct decimal.Decimal, ok bool) {
	if len(w.ticks) < 2 {
		return decimal.Zero, false
	}
	oldest, newest := w.ticks[0].price, w.ticks[len(w.ticks)-1].price
	if !oldest.IsPositive() {
		return decimal.Zero, false
	}
	return newest.Sub(oldest).Div(oldest), true
}

// Clear drops every trade.
func (w *RollingWindow) Clear() { w.ticks = w.ticks[:0] }

// Len returns the number of trades held.
func (w *RollingWindow) Len() int { return len(w.ticks) }
