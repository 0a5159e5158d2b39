package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an observable occurrence in the trading core.
type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventOrderPlaced      EventType = "order_placed"
	EventOrderFilled      EventType = "order_filled"
	EventOrderCancelled   EventType = "order_cancelled"
	EventOrderRejected    EventType = "order_rejected"
	EventOrderTimeout     EventType = "order_timeout"
	EventEntryAbandoned   EventType = "entry_abandoned"
	EventPositionOpened   EventType = "position_opened"
	EventPositionClosing  EventType = "position_closing"
	EventExitOutcome      EventType = "exit_outcome"
	EventPositionStuck    EventType = "position_stuck"
	EventPositionClosed   EventType = "position_closed"
	EventFeedStale        EventType = "feed_stale"
	EventFeedFresh        EventType = "feed_fresh"
	EventFeedConnected    EventType = "feed_connected"
	EventFeedDisconnected EventType = "feed_disconnected"
	EventSignal           EventType = "signal"
)

// Event is one audit/log record. Zero-valued fields are omitted on the wire.
type Event struct {
	Type       EventType       `json:"type"`
	At         time.Time       `json:"at"`
	PositionID string          `json:"position_id,omitempty"`
	Side       Side            `json:"side,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	Purpose    OrderPurpose    `json:"purpose,omitempty"`
	Price      decimal.Decimal `json:"price,omitzero"`
	Size       decimal.Decimal `json:"size,omitzero"`
	Attempt    int             `json:"attempt,omitempty"`
	Status     string          `json:"status,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	PnL        decimal.Decimal `json:"pnl,omitzero"`
	// Position is the position's state after the event, when one applies.
	Position   *Position       `json:"position,omitempty"`
}

// Detail flattens the event into an audit-log detail map.
func (e Event) Detail() map[string]any {
	d := map[string]any{"at": e.At.UTC().Format(time.RFC3339Nano)}
	if e.PositionID != "" {
		d["position_id"] = e.PositionID
	}
	if e.Side != "" {
		d["side"] = string(e.Side)
	}
	if e.OrderID != "" {
		d["order_id"] = e.OrderID
	}
	if e.Purpose != "" {
		d["purpose"] = string(e.Purpose)
	}
	if !e.Price.IsZero() {
		d["price"] = e.Price.String()
	}
	if !e.Size.IsZero() {
		d["size"] = e.Size.String()
	}
	if e.Attempt > 0 {
		d["attempt"] = e.Attempt
	}
	if e.Status != "" {
		d["status"] = e.Status
	}
	if e.Reason != "" {
		d["reason"] = e.Reason
	}
	if !e.PnL.IsZero() {
		d["pnl"] = e.PnL.String()
	}
	return d
}

// EventSink receives events. Record must not block the caller for long.
type EventSink interface {
	Record(ctx context.Context, ev Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
