package signal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Outcome is what the controller did with a signal.
type Outcome string

const (
	OutcomeEntered      Outcome = "entered"
	OutcomeDisabled     Outcome = "skipped_disabled"
	OutcomePositionOpen Outcome = "skipped_position_open"
	OutcomeNoQuote      Outcome = "skipped_no_quote"
	OutcomeSpreadWide   Outcome = "skipped_spread_wide"
	OutcomeEntryFailed  Outcome = "entry_failed"
)

// Opener is the slice of the position manager the controller drives.
// position.Manager implements it.
type Opener interface {
	Open(ctx context.Context, side domain.Side, size decimal.NullDecimal) (domain.Position, error)
	Snapshot(ctx context.Context) ([]domain.PositionView, error)
}

// Quotes supplies fresh top of book for the spread check. feed.Cache
// implements it.
type Quotes interface {
	Fresh(side domain.Side) (domain.PriceSnapshot, bool)
}

// ControllerConfig holds the entry gates.
type ControllerConfig struct {
	// MaxSpread is the widest ask minus bid, in price units, that still
	// enters.
	MaxSpread decimal.Decimal
	// Size overrides the manager's default entry size when valid.
	Size decimal.NullDecimal
}

// ControllerStatus counts signals by outcome.
type ControllerStatus struct {
	Enabled    bool            `json:"enabled"`
	Signals    int             `json:"signals"`
	Outcomes   map[Outcome]int `json:"outcomes"`
	LastSignal *Signal         `json:"last_signal,omitempty"`
	LastResult Outcome         `json:"last_outcome,omitempty"`
}

// Controller decides whether a signal becomes an entry. It starts enabled.
type Controller struct {
	opener Opener
	quotes Quotes
	cfg    ControllerConfig
	sink   domain.EventSink
	logger *slog.Logger

	enabled atomic.Bool

	mu       sync.Mutex
	signals  int
	outcomes map[Outcome]int
	last     *Signal
	lastOut  Outcome
}

// NewController creates a controller. sink may be nil.
func NewController(opener Opener, quotes Quotes, cfg ControllerConfig, sink domain.EventSink, logger *slog.Logger) *Controller {
	if sink == nil {
		sink = domain.NopSink{}
	}
	c := &Controller{
		opener:   opener,
		quotes:   quotes,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With(slog.String("component", "signal")),
		outcomes: make(map[Outcome]int),
	}
	c.enabled.Store(true)
	return c
}

// Enable resumes acting on signals.
func (c *Controller) Enable() { c.enabled.Store(true) }

// Disable keeps the feed running but skips every signal.
func (c *Controller) Disable() { c.enabled.Store(false) }

// Enabled reports whether signals are acted on.
func (c *Controller) Enabled() bool { return c.enabled.Load() }

// Handle runs the gates in order: enabled, no active position on the
// signal's side, a fresh quote with an acceptable spread. Only then is an
// entry opened. Every outcome is recorded as a signal event.
func (c *Controller) Handle(ctx context.Context, sig Signal) Outcome {
	ev := domain.Event{
		Type:   domain.EventSignal,
		At:     time.Now(),
		Side:   sig.Side,
		Price:  sig.Price,
		Reason: "pct_change=" + sig.PctChange.StringFixed(6),
	}
	out := c.handle(ctx, sig, &ev)
	ev.Status = string(out)

	c.mu.Lock()
	c.signals++
	c.outcomes[out]++
	s := sig
	c.last, c.lastOut = &s, out
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "signal",
		slog.String("side", string(sig.Side)),
		slog.String("pct_change", sig.PctChange.StringFixed(6)),
		slog.String("outcome", string(out)),
	)
	c.sink.Record(ctx, ev)
	return out
}

func (c *Controller) handle(ctx context.Context, sig Signal, ev *domain.Event) Outcome {
	if !c.Enabled() {
		return OutcomeDisabled
	}

	views, err := c.opener.Snapshot(ctx)
	if err != nil {
		ev.Reason += " error=" + err.Error()
		return OutcomeEntryFailed
	}
	for _, v := range views {
		if v.Side == sig.Side {
			ev.PositionID = v.ID
			return OutcomePositionOpen
		}
	}

	snap, ok := c.quotes.Fresh(sig.Side)
	if !ok || !snap.BestBid.IsPositive() || !snap.BestAsk.IsPositive() {
		return OutcomeNoQuote
	}
	if spread := snap.BestAsk.Sub(snap.BestBid); spread.GreaterThan(c.cfg.MaxSpread) {
		ev.Reason += " spread=" + spread.String()
		return OutcomeSpreadWide
	}

	p, err := c.opener.Open(ctx, sig.Side, c.cfg.Size)
	if err != nil {
		ev.Reason += " error=" + err.Error()
		return OutcomeEntryFailed
	}
	ev.PositionID = p.ID
	ev.Size = p.Size
	return OutcomeEntered
}

// Status returns the toggle and the outcome counts.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ControllerStatus{
		Enabled:    c.Enabled(),
		Signals:    c.signals,
		Outcomes:   make(map[Outcome]int, len(c.outcomes)),
		LastResult: c.lastOut,
	}
	for k, v := range c.outcomes {
		st.Outcomes[k] = v
	}
	if c.last != nil {
		s := *c.last
		st.LastSignal = &s
	}
	return st
}
