// Package notify sends operator alerts for trading events to Telegram and
// Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// DefaultEvents are alerted when no event filter is configured.
var DefaultEvents = []string{
	string(domain.EventPositionStuck),
	string(domain.EventOrderRejected),
	string(domain.EventEntryAbandoned),
	string(domain.EventPositionClosed),
}

// Sender delivers one message on one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender, filtered by event type.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a notifier. An empty events list means DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[domain.EventType(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Wants reports whether events of type t are alerted.
func (n *Notifier) Wants(t domain.EventType) bool {
	return len(n.senders) > 0 && n.events[t]
}

// Alert formats ev and sends it when its type passes the filter.
func (n *Notifier) Alert(ctx context.Context, ev domain.Event) error {
	if !n.Wants(ev.Type) {
		return nil
	}
	title, msg := format(ev)
	return n.Send(ctx, title, msg)
}

// Send delivers to every sender. One failing sender does not stop the rest.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

func format(ev domain.Event) (string, string) {
	var title string
	switch ev.Type {
	case domain.EventPositionStuck:
		title = "Position stuck"
	case domain.EventOrderRejected:
		title = "Order rejected"
	case domain.EventEntryAbandoned:
		title = "Entry abandoned"
	case domain.EventPositionClosed:
		title = "Position closed"
	default:
		title = string(ev.Type)
	}
	if ev.Side != "" {
		title += " (" + string(ev.Side) + ")"
	}

	var lines []string
	add := func(k, v string) {
		if v != "" {
			lines = append(lines, k+": "+v)
		}
	}
	add("position", ev.PositionID)
	add("order", ev.OrderID)
	add("status", ev.Status)
	if !ev.Price.IsZero() {
		add("price", ev.Price.String())
	}
	if !ev.Size.IsZero() {
		add("size", ev.Size.String())
	}
	if !ev.PnL.IsZero() {
		add("pnl", ev.PnL.StringFixed(4))
	}
	add("reason", ev.Reason)
	return title, strings.Join(lines, "\n")
}
