package signal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/platform/coinbase"
)

// Signal is a volatility burst large enough to act on.
type Signal struct {
	Side      domain.Side     `json:"side"`
	PctChange decimal.Decimal `json:"pct_change"`
	Price     decimal.Decimal `json:"price"`
	Ticks     int             `json:"ticks"`
	// At is the exchange time of the trade that fired it.
	At time.Time `json:"at"`
}

// Detector fires a Signal when the window's move reaches threshold, at most
// once per cooldown of exchange time. It is not safe for concurrent use.
type Detector struct {
	window    *RollingWindow
	threshold decimal.Decimal
	cooldown  time.Duration
	last      time.Time
}

// NewDetector creates a detector over a window of span.
func NewDetector(span time.Duration, threshold decimal.Decimal, cooldown time.Duration) *Detector {
	return &Detector{window: NewRollingWindow(span), threshold: threshold, cooldown: cooldown}
}

// Observe adds m to the window and reports a signal if one fires. A rise
// maps to UP, a fall to DOWN.
func (d *Detector) Observe(m coinbase.Match) (Signal, bool) {
	d.window.Add(m.Time, m.Price)
	pct, ok := d.window.PctChange()
	if !ok || pct.Abs().LessThan(d.threshold) {
		return Signal{}, false
	}
	if !d.last.IsZero() && m.Time.Sub(d.last) < d.cooldown {
		return Signal{}, false
	}
	d.last = m.Time

	side := domain.SideDown
	if pct.IsPositive() {
		side = domain.SideUp
	}
	return Signal{Side: side, PctChange: pct, Price: m.Price, Ticks: d.window.Len(), At: m.Time}, true
}

// Reset clears the window and the cooldown. Trades from a previous
// connection say nothing about the current move.
func (d *Detector) Reset() {
	d.window.Clear()
	d.last = time.Time{}
}

// Len returns the number of trades in the window.
func (d *Detector) Len() int { return d.window.Len() }
