// Package executor drives a single order intent to a definitive outcome
// against an exchange: one short attempt for entries, a cancel-and-replace
// ladder for exits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Exchange is the order placement contract. PlaceOrder reports refusals as
// domain.ErrOrderRejected; any other error is a transport failure.
type Exchange interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error)
}

// QuoteSource resolves a side's token and its fresh top of book.
type QuoteSource interface {
	TokenID(side domain.Side) string
	Fresh(side domain.Side) (domain.PriceSnapshot, bool)
}

// Config holds the attempt windows and exit ladder bounds.
type Config struct {
	EntryWindow     time.Duration
	ExitWindow      time.Duration
	PollInterval    time.Duration
	MaxExitAttempts int
	Tick            decimal.Decimal
	OrderType       domain.OrderType
}

// Engine executes order intents. Each call to Execute owns its in-flight
// orders exclusively until it returns.
type Engine struct {
	ex       Exchange
	quotes   QuoteSource
	cfg      Config
	sink     domain.EventSink
	inflight *inFlight
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an execution engine. sink may be nil.
func NewEngine(ex Exchange, quotes QuoteSource, cfg Config, sink domain.EventSink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if cfg.MaxExitAttempts < 1 {
		cfg.MaxExitAttempts = 1
	}
	if !cfg.Tick.IsPositive() {
		cfg.Tick = minPrice
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeGTC
	}
	return &Engine{
		ex:       ex,
		quotes:   quotes,
		cfg:      cfg,
		sink:     sink,
		inflight: newInFlight(),
		logger:   logger.With(slog.String("component", "executor")),
		now:      time.Now,
	}
}

// InFlight returns the number of exit sequences currently running.
func (e *Engine) InFlight() int {
	return e.inflight.Len()
}

// attemptResult is what one placement produced.
type attemptResult struct {
	orderID string
	price   decimal.Decimal
	filled  decimal.Decimal
	avg     decimal.Decimal
	err     error // rejection, transport failure, or ErrOrderTimeout
}

// Execute runs intent to completion. It blocks for at most one attempt
// window for entries and MaxExitAttempts windows for exits, and always
// returns a definitive outcome.
func (e *Engine) Execute(ctx context.Context, intent domain.OrderIntent) domain.OrderOutcome {
	log := e.logger.With(
		slog.String("side", string(intent.Side)),
		slog.String("purpose", string(intent.Purpose)),
		slog.String("position_id", intent.PositionID),
	)

	if err := validateIntent(intent); err != nil {
		log.WarnContext(ctx, "executor: invalid intent", slog.String("error", err.Error()))
		return abandoned(0, decimal.Zero, decimal.Zero, nil, err)
	}

	if intent.Purpose == domain.PurposeExit {
		if intent.PositionID != "" {
			if !e.inflight.acquire(intent.PositionID, e.now()) {
				return abandoned(0, decimal.Zero, decimal.Zero, nil,
					fmt.Errorf("%w: exit already in flight for %s", domain.ErrInvalidCommand, intent.PositionID))
			}
			defer e.inflight.release(intent.PositionID)
		}
		return e.executeExit(ctx, intent, log)
	}
	return e.executeEntry(ctx, intent, log)
}

// executeEntry makes a single attempt; whatever filled is final.
func (e *Engine) executeEntry(ctx context.Context, intent domain.OrderIntent, log *slog.Logger) domain.OrderOutcome {
	res := e.attempt(ctx, intent, 1, intent.LimitPrice, intent.Size, e.cfg.EntryWindow)
	var fills []domain.Fill
	if res.filled.IsPositive() {
		fills = append(fills, domain.Fill{OrderID: res.orderID, Size: res.filled, Price: res.avg, At: e.now()})
	}

	out := summarise(intent.Size, 1, fills, res.err, false)
	log.InfoContext(ctx, "executor: entry finished",
		slog.String("status", string(out.Status)),
		slog.String("filled", out.FilledSize.String()),
		slog.String("avg_price", out.AvgFillPrice.String()),
		slog.String("reason", out.Reason),
	)
	return out
}

// executeExit walks the price ladder until the size is sold, the exchange
// rejects, or attempts run out.
func (e *Engine) executeExit(ctx context.Context, intent domain.OrderIntent, log *slog.Logger) domain.OrderOutcome {
	remaining := intent.Size
	price := intent.LimitPrice
	var fills []domain.Fill
	var lastErr error
	n := 0

	for ; n < e.cfg.MaxExitAttempts && remaining.GreaterThanOrEqual(minSize); n++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		opposing := decimal.Zero
		if snap, ok := e.quotes.Fresh(intent.Side); ok {
			opposing = snap.BestBid
			if intent.Direction == domain.DirectionBuy {
				opposing = snap.BestAsk
			}
		}
		price = LadderPrice(intent.Direction, n, e.cfg.MaxExitAttempts, intent.LimitPrice, price, opposing, e.cfg.Tick)

		res := e.attempt(ctx, intent, n+1, price, remaining, e.cfg.ExitWindow)
		if res.filled.IsPositive() {
			fills = append(fills, domain.Fill{OrderID: res.orderID, Size: res.filled, Price: res.avg, At: e.now()})
			remaining = remaining.Sub(res.filled)
		}
		lastErr = res.err
		if errors.Is(res.err, domain.ErrOrderRejected) {
			n++
			break
		}
	}

	switch {
	case remaining.LessThan(minSize):
		lastErr = nil
	case errors.Is(lastErr, domain.ErrOrderRejected), ctx.Err() != nil:
	default:
		lastErr = domain.ErrOrderTimeout
	}
	out := summarise(intent.Size, n, fills, lastErr, true)
	level := slog.LevelInfo
	if out.Status != domain.OutcomeFilled {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "executor: exit finished",
		slog.String("status", string(out.Status)),
		slog.String("filled", out.FilledSize.String()),
		slog.String("requested", intent.Size.String()),
		slog.Int("attempts", out.Attempts),
		slog.String("reason", out.Reason),
	)
	return out
}

// attempt places one order, waits up to window for fills, cancels the
// remainder and reads the final matched size.
func (e *Engine) attempt(ctx context.Context, intent domain.OrderIntent, n int, price, size decimal.Decimal, window time.Duration) attemptResult {
	size, price = CleanAmounts(intent.Direction, size, price, e.cfg.Tick)
	if !size.IsPositive() {
		err := fmt.Errorf("%w: size too small to place at %s", domain.ErrOrderRejected, price)
		e.emit(ctx, intent, domain.Event{Type: domain.EventOrderRejected, Attempt: n, Price: price, Reason: err.Error()})
		return attemptResult{price: price, err: err}
	}

	req := domain.OrderRequest{
		TokenID:   e.quotes.TokenID(intent.Side),
		Direction: intent.Direction,
		Price:     price,
		Size:      size,
		Type:      e.cfg.OrderType,
	}
	st, err := e.ex.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrOrderRejected) {
			e.emit(ctx, intent, domain.Event{Type: domain.EventOrderRejected, Attempt: n, Price: price, Size: size, Reason: err.Error()})
			return attemptResult{price: price, err: err}
		}
		e.logger.WarnContext(ctx, "executor: placement failed",
			slog.Int("attempt", n), slog.String("error", err.Error()))
		return attemptResult{price: price, err: fmt.Errorf("executor: place order: %w", err)}
	}
	e.emit(ctx, intent, domain.Event{Type: domain.EventOrderPlaced, OrderID: st.OrderID, Attempt: n, Price: price, Size: size})

	res := attemptResult{orderID: st.OrderID, price: price}
	track := func(s domain.OrderState) {
		if s.SizeMatched.GreaterThan(res.filled) {
			res.filled = s.SizeMatched
			if s.AvgPrice.IsPositive() {
				res.avg = s.AvgPrice
			}
		}
	}
	track(st)

	done := st.Status.Terminal() || res.filled.GreaterThanOrEqual(size) || st.OrderID == ""
	if !done {
		done = e.await(ctx, st.OrderID, size, window, track)
	}
	if !done {
		// Detach from ctx so a shutdown still cancels the resting order.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := e.ex.CancelOrder(cctx, st.OrderID); err != nil {
			e.logger.WarnContext(ctx, "executor: cancel failed",
				slog.String("order_id", st.OrderID), slog.String("error", err.Error()))
		} else {
			e.emit(ctx, intent, domain.Event{Type: domain.EventOrderCancelled, OrderID: st.OrderID, Attempt: n})
		}
		// Fills can race the cancel.
		if final, err := e.ex.OrderStatus(cctx, st.OrderID); err == nil {
			track(final)
		}
		cancel()
	}

	if res.filled.GreaterThan(size) {
		res.filled = size
	}
	if res.filled.IsPositive() {
		if !res.avg.IsPositive() {
			res.avg = price
		}
		e.emit(ctx, intent, domain.Event{Type: domain.EventOrderFilled, OrderID: st.OrderID, Attempt: n, Price: res.avg, Size: res.filled})
	}
	if res.filled.LessThan(size) {
		res.err = domain.ErrOrderTimeout
		e.emit(ctx, intent, domain.Event{Type: domain.EventOrderTimeout, OrderID: st.OrderID, Attempt: n, Size: size.Sub(res.filled)})
	}
	return res
}

// await polls the order until it finishes or window elapses. It reports
// whether the order reached a terminal state or filled completely.
func (e *Engine) await(ctx context.Context, orderID string, size decimal.Decimal, window time.Duration, track func(domain.OrderState)) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-ticker.C:
			st, err := e.ex.OrderStatus(ctx, orderID)
			if err != nil {
				e.logger.DebugContext(ctx, "executor: status poll failed",
					slog.String("order_id", orderID), slog.String("error", err.Error()))
				continue
			}
			track(st)
			if st.Status.Terminal() || st.SizeMatched.GreaterThanOrEqual(size) {
				return true
			}
		}
	}
}

func (e *Engine) emit(ctx context.Context, intent domain.OrderIntent, ev domain.Event) {
	ev.At = e.now()
	ev.PositionID = intent.PositionID
	ev.Side = intent.Side
	ev.Purpose = intent.Purpose
	e.sink.Record(ctx, ev)
}

func validateIntent(in domain.OrderIntent) error {
	switch {
	case !in.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", domain.ErrInvalidCommand, in.Side)
	case in.Direction != domain.DirectionBuy && in.Direction != domain.DirectionSell:
		return fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidCommand, in.Direction)
	case !in.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive, got %s", domain.ErrOrderRejected, in.Size)
	case !in.LimitPrice.IsPositive() || in.LimitPrice.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: limit price must be in (0, 1), got %s", domain.ErrOrderRejected, in.LimitPrice)
	}
	return nil
}

// summarise folds fills into an outcome. err is nil only for a full fill.
// An exit that ran out of attempts is PARTIAL even with nothing filled.
func summarise(requested decimal.Decimal, attempts int, fills []domain.Fill, err error, exit bool) domain.OrderOutcome {
	filled, notional := decimal.Zero, decimal.Zero
	for _, f := range fills {
		filled = filled.Add(f.Size)
		notional = notional.Add(f.Size.Mul(f.Price))
	}
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = notional.Div(filled).Round(4)
	}

	switch {
	case errors.Is(err, domain.ErrOrderRejected) || errors.Is(err, domain.ErrInvalidCommand):
		return abandoned(attempts, filled, avg, fills, err)
	case requested.Sub(filled).LessThan(minSize):
		return domain.OrderOutcome{Status: domain.OutcomeFilled, FilledSize: filled, AvgFillPrice: avg, Attempts: attempts, Fills: fills}
	case filled.IsPositive() || (exit && errors.Is(err, domain.ErrOrderTimeout)):
		return domain.OrderOutcome{Status: domain.OutcomePartial, FilledSize: filled, AvgFillPrice: avg, Attempts: attempts, Fills: fills, Err: err, Reason: reasonOf(err)}
	}
	if err == nil {
		err = domain.ErrOrderTimeout
	}
	return abandoned(attempts, filled, avg, fills, err)
}

func abandoned(attempts int, filled, avg decimal.Decimal, fills []domain.Fill, err error) domain.OrderOutcome {
	return domain.OrderOutcome{
		Status:       domain.OutcomeAbandoned,
		FilledSize:   filled,
		AvgFillPrice: avg,
		Attempts:     attempts,
		Fills:        fills,
		Err:          err,
		Reason:       reasonOf(err),
	}
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
