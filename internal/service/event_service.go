package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	eventQueueSize = 512
	drainTimeout   = 5 * time.Second
)

// Alerter sends operator alerts for events that warrant one.
type Alerter interface {
	Alert(ctx context.Context, ev domain.Event) error
}

// EventDeps are the optional event consumers. Nil fields are skipped.
type EventDeps struct {
	Journal   domain.EventSink
	Audit     domain.AuditStore
	Positions domain.PositionStore
	Bus       domain.SignalBus
	Alerter   Alerter
}

// EventService implements domain.EventSink. Record logs the event and hands
// it to the journal inline; the slower consumers (database, bus, alerts) run
// on a background worker fed by a bounded queue.
type EventService struct {
	sessionID string
	deps      EventDeps
	queue     chan domain.Event
	logger    *slog.Logger
	dropped   atomic.Int64
}

// NewEventService creates the fan-out for one session.
func NewEventService(sessionID string, deps EventDeps, logger *slog.Logger) *EventService {
	return &EventService{
		sessionID: sessionID,
		deps:      deps,
		queue:     make(chan domain.Event, eventQueueSize),
		logger:    logger.With(slog.String("component", "events")),
	}
}

// Record never blocks. When the worker falls behind, the event still reaches
// the log and the journal but skips the other consumers.
func (s *EventService) Record(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.log(ctx, ev)
	if s.deps.Journal != nil {
		s.deps.Journal.Record(ctx, ev)
	}

	select {
	case s.queue <- ev:
	default:
		n := s.dropped.Add(1)
		s.logger.WarnContext(ctx, "events: queue full, event not fanned out",
			slog.String("type", string(ev.Type)), slog.Int64("dropped", n))
	}
}

// Run consumes the queue until ctx is cancelled, then drains what is left
// with a short deadline.
func (s *EventService) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.queue:
			s.dispatch(ctx, ev)
		case <-ctx.Done():
			s.drain()
			return nil
		}
	}
}

func (s *EventService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-s.queue:
			s.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (s *EventService) dispatch(ctx context.Context, ev domain.Event) {
	if s.deps.Audit != nil {
		detail := ev.Detail()
		detail["session_id"] = s.sessionID
		if err := s.deps.Audit.Log(ctx, string(ev.Type), detail); err != nil {
			s.warn(ctx, "audit", ev, err)
		}
	}

	if s.deps.Positions != nil && ev.Position != nil {
		if err := s.deps.Positions.Save(ctx, s.sessionID, *ev.Position); err != nil {
			s.warn(ctx, "position history", ev, err)
		}
	}

	if s.deps.Bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.warn(ctx, "encode", ev, err)
		} else {
			if err := s.deps.Bus.Publish(ctx, domain.ChannelEvents, payload); err != nil {
				s.warn(ctx, "publish", ev, err)
			}
			if isExecution(ev.Type) {
				if err := s.deps.Bus.StreamAppend(ctx, domain.StreamExecutions, payload); err != nil {
					s.warn(ctx, "stream", ev, err)
				}
			}
		}
	}

	if s.deps.Alerter != nil {
		if err := s.deps.Alerter.Alert(ctx, ev); err != nil {
			s.warn(ctx, "alert", ev, err)
		}
	}
}

func (s *EventService) warn(ctx context.Context, what string, ev domain.Event, err error) {
	s.logger.WarnContext(ctx, "events: "+what+" failed",
		slog.String("type", string(ev.Type)),
		slog.String("error", err.Error()),
	)
}

func (s *EventService) log(ctx context.Context, ev domain.Event) {
	attrs := []slog.Attr{slog.String("type", string(ev.Type))}
	if ev.PositionID != "" {
		attrs = append(attrs, slog.String("position_id", ev.PositionID))
	}
	if ev.Side != "" {
		attrs = append(attrs, slog.String("side", string(ev.Side)))
	}
	if ev.OrderID != "" {
		attrs = append(attrs, slog.String("order_id", ev.OrderID))
	}
	if !ev.Price.IsZero() {
		attrs = append(attrs, slog.String("price", ev.Price.String()))
	}
	if !ev.Size.IsZero() {
		attrs = append(attrs, slog.String("size", ev.Size.String()))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", ev.Status))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	if !ev.PnL.IsZero() {
		attrs = append(attrs, slog.String("pnl", ev.PnL.String()))
	}
	s.logger.LogAttrs(ctx, levelFor(ev.Type), "event", attrs...)
}

func levelFor(t domain.EventType) slog.Level {
	switch t {
	case domain.EventOrderRejected, domain.EventPositionStuck, domain.EventEntryAbandoned,
		domain.EventFeedStale, domain.EventFeedDisconnected:
		return slog.LevelWarn
	case domain.EventOrderPlaced, domain.EventOrderCancelled, domain.EventOrderTimeout:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// isExecution reports whether t belongs in the durable execution stream.
func isExecution(t domain.EventType) bool {
	switch t {
	case domain.EventOrderPlaced, domain.EventOrderFilled, domain.EventOrderCancelled,
		domain.EventOrderRejected, domain.EventOrderTimeout, domain.EventExitOutcome,
		domain.EventPositionOpened, domain.EventPositionClosed, domain.EventPositionStuck:
		return true
	}
	return false
}
