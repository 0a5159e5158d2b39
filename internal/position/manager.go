// Package position owns the set of live positions. Price ticks, exit results
// and operator commands are all serialized through one event loop, so a
// position is never touched by two operations at once.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Executor drives an order intent to a definitive outcome.
type Executor interface {
	Execute(ctx context.Context, intent domain.OrderIntent) domain.OrderOutcome
}

// Feed is the read side of the price cache.
type Feed interface {
	TokenID(side domain.Side) string
	Latest(side domain.Side) (domain.PriceSnapshot, bool)
	Fresh(side domain.Side) (domain.PriceSnapshot, bool)
	IsStale(side domain.Side) bool
	Subscribe(side domain.Side) (<-chan domain.PriceSnapshot, func())
}

// Config is the immutable trading record the manager runs with.
type Config struct {
	PositionSize     decimal.Decimal
	MaxPositionSize  decimal.Decimal
	MaxOpenPositions int
	TakeProfitPct    decimal.Decimal
	StopLossPct      decimal.Decimal
	Slippage         decimal.Decimal
	Tick             decimal.Decimal
	StopLossFirst    bool
	StaleBreakeven   time.Duration
	SweepInterval    time.Duration
}

// Status summarises the manager for the control surface.
type Status struct {
	Running     bool                 `json:"running"`
	Open        int                  `json:"open"`
	Closing     int                  `json:"closing"`
	Stuck       int                  `json:"stuck"`
	Closed      int                  `json:"closed"`
	Pending     int                  `json:"pending_entries"`
	RealizedPnL decimal.Decimal      `json:"realized_pnl"`
	Stale       map[domain.Side]bool `json:"stale"`
}

var (
	maxLimit = decimal.RequireFromString("0.99")
	dust     = decimal.RequireFromString("0.01")
)

// command is a closure run on the event loop. While the manager drains at
// shutdown only settle commands run; others fail with errStopped.
type command struct {
	fn     func()
	settle bool
	err    error
	done   chan struct{}
}

var errStopped = fmt.Errorf("%w: position manager stopped", domain.ErrInvalidCommand)

type exitResult struct {
	id      string
	outcome domain.OrderOutcome
}

// Manager owns every position. The fields after exits are touched only by
// the Run goroutine.
type Manager struct {
	cfg    Config
	rule   Rule
	exec   Executor
	feed   Feed
	sink   domain.EventSink
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	cmds    chan *command
	results chan exitResult
	stopped chan struct{}

	runMu  sync.Mutex
	runCtx context.Context
	exits  sync.WaitGroup

	active   []*domain.Position
	byID     map[string]*domain.Position
	closed   []domain.Position
	waiters  map[string][]chan domain.OrderOutcome
	pending  int
	inFlight int
	stale    map[domain.Side]bool
	realized decimal.Decimal
	running  bool
}

// NewManager creates a position manager. Call Run to start its event loop.
func NewManager(cfg Config, exec Executor, feed Feed, sink domain.EventSink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if !cfg.Tick.IsPositive() {
		cfg.Tick = dust
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Manager{
		cfg: cfg,
		rule: Rule{
			StopLossFirst:  cfg.StopLossFirst,
			BreakevenAfter: cfg.StaleBreakeven,
			Tick:           cfg.Tick,
		},
		exec:    exec,
		feed:    feed,
		sink:    sink,
		logger:  logger.With(slog.String("component", "position")),
		now:     time.Now,
		newID:   uuid.NewString,
		cmds:    make(chan *command),
		results: make(chan exitResult),
		stopped: make(chan struct{}),
		byID:    make(map[string]*domain.Position),
		waiters: make(map[string][]chan domain.OrderOutcome),
		stale:   make(map[domain.Side]bool, 2),
	}
}

// Run processes ticks, exit results and commands until ctx is cancelled.
// On shutdown it waits for in-flight exit sequences and entries to report,
// so a fill that lands during shutdown still becomes a position.
func (m *Manager) Run(ctx context.Context) error {
	m.runMu.Lock()
	m.runCtx = ctx
	m.runMu.Unlock()

	upCh, cancelUp := m.feed.Subscribe(domain.SideUp)
	defer cancelUp()
	downCh, cancelDown := m.feed.Subscribe(domain.SideDown)
	defer cancelDown()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.running = true
	m.logger.InfoContext(ctx, "position: manager started",
		slog.String("take_profit_pct", m.cfg.TakeProfitPct.String()),
		slog.String("stop_loss_pct", m.cfg.StopLossPct.String()),
		slog.Bool("stop_loss_first", m.cfg.StopLossFirst),
	)

	for {
		select {
		case <-ctx.Done():
			m.drain()
			m.running = false
			close(m.stopped)
			m.logger.Info("position: manager stopped",
				slog.Int("active", len(m.active)),
				slog.Int("closed", len(m.closed)),
			)
			return nil
		case snap := <-upCh:
			m.onTick(ctx, snap)
		case snap := <-downCh:
			m.onTick(ctx, snap)
		case res := <-m.results:
			m.applyExit(ctx, res)
		case cmd := <-m.cmds:
			cmd.fn()
			close(cmd.done)
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// drain applies the outcomes of exit sequences and entries still running at
// shutdown. New commands are refused meanwhile.
func (m *Manager) drain() {
	ctx := context.Background()
	for m.inFlight > 0 || m.pending > 0 {
		select {
		case res := <-m.results:
			m.applyExit(ctx, res)
		case cmd := <-m.cmds:
			if cmd.settle {
				cmd.fn()
			} else {
				cmd.err = errStopped
			}
			close(cmd.done)
		}
	}
	m.exits.Wait()
}

// do runs fn on the event loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	return m.submit(ctx, &command{fn: fn, done: make(chan struct{})})
}

// settle is do for completions of work the loop already accepted. It is
// still served while the manager drains.
func (m *Manager) settle(ctx context.Context, fn func()) error {
	return m.submit(ctx, &command{fn: fn, settle: true, done: make(chan struct{})})
}

func (m *Manager) submit(ctx context.Context, cmd *command) error {
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return errStopped
	}
	<-cmd.done
	return cmd.err
}

// Open buys size shares of side and, unless the entry is abandoned, creates
// a position sized to what actually filled. An unset size uses the
// configured default; a set one must be positive. The call blocks for the
// entry window.
func (m *Manager) Open(ctx context.Context, side domain.Side, requested decimal.NullDecimal) (domain.Position, error) {
	if !side.Valid() {
		return domain.Position{}, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidCommand, side)
	}
	size := m.cfg.PositionSize
	if requested.Valid {
		size = requested.Decimal
	}
	if !size.IsPositive() {
		return domain.Position{}, fmt.Errorf("%w: size must be positive, got %s", domain.ErrInvalidCommand, size)
	}
	if m.cfg.MaxPositionSize.IsPositive() && size.GreaterThan(m.cfg.MaxPositionSize) {
		return domain.Position{}, fmt.Errorf("%w: size %s exceeds max_position_size %s",
			domain.ErrInvalidCommand, size, m.cfg.MaxPositionSize)
	}

	var (
		intent  domain.OrderIntent
		prepErr error
	)
	err := m.do(ctx, func() {
		if m.cfg.MaxOpenPositions > 0 && len(m.active)+m.pending >= m.cfg.MaxOpenPositions {
			prepErr = fmt.Errorf("%w: %d positions already open (max %d)",
				domain.ErrInvalidCommand, len(m.active)+m.pending, m.cfg.MaxOpenPositions)
			return
		}
		snap, ok := m.feed.Fresh(side)
		if !ok {
			prepErr = fmt.Errorf("position: open %s: %w", side, domain.ErrFeedDisconnected)
			return
		}
		if !snap.BestAsk.IsPositive() {
			prepErr = fmt.Errorf("position: open %s: no ask on the book: %w", side, domain.ErrFeedDisconnected)
			return
		}
		limit := decimal.Min(snap.BestAsk.Add(m.cfg.Slippage), maxLimit)
		intent = domain.OrderIntent{
			Side:       side,
			Direction:  domain.DirectionBuy,
			LimitPrice: limit,
			Size:       size,
			Purpose:    domain.PurposeEntry,
		}
		m.pending++
	})
	if err != nil {
		return domain.Position{}, err
	}
	if prepErr != nil {
		return domain.Position{}, prepErr
	}

	out := m.exec.Execute(ctx, intent)

	var pos domain.Position
	ctx = context.WithoutCancel(ctx)
	err = m.settle(ctx, func() {
		m.pending--
		if out.Status == domain.OutcomeAbandoned || !out.FilledSize.IsPositive() {
			m.emit(ctx, domain.Event{
				Type: domain.EventEntryAbandoned, Side: side, Purpose: domain.PurposeEntry,
				Price: intent.LimitPrice, Size: size, Status: string(out.Status), Reason: out.Reason,
			})
			return
		}
		entry := out.AvgFillPrice
		if !entry.IsPositive() {
			entry = intent.LimitPrice
		}
		p := domain.NewPosition(m.newID(), side, m.feed.TokenID(side), entry, out.FilledSize,
			m.cfg.TakeProfitPct, m.cfg.StopLossPct, m.now())
		m.active = append(m.active, &p)
		m.byID[p.ID] = &p
		pos = p
		m.emit(ctx, domain.Event{
			Type: domain.EventPositionOpened, PositionID: p.ID, Side: side, Purpose: domain.PurposeEntry,
			Price: entry, Size: p.Size, Status: string(out.Status), Position: snapshotOf(&p),
		})
		m.logger.InfoContext(ctx, "position: opened",
			slog.String("id", p.ID),
			slog.String("side", string(side)),
			slog.String("entry", entry.String()),
			slog.String("size", p.Size.String()),
			slog.String("requested", size.String()),
			slog.String("take_profit", p.TakeProfitPrice.String()),
			slog.String("stop_loss", p.StopLossPrice.String()),
		)
	})
	if err != nil {
		return domain.Position{}, err
	}
	if pos.ID == "" {
		cause := out.Err
		if cause == nil {
			cause = domain.ErrOrderTimeout
		}
		return domain.Position{}, fmt.Errorf("position: entry abandoned: %w", cause)
	}
	return pos, nil
}

// Close exits an OPEN position at market, bypassing the triggers, and waits
// for the exit outcome.
func (m *Manager) Close(ctx context.Context, id string) (domain.OrderOutcome, error) {
	return m.startAndWait(ctx, id, func(p *domain.Position) error {
		if p.Status != domain.PositionOpen {
			return fmt.Errorf("%w: position %s is %s", domain.ErrInvalidCommand, id, p.Status)
		}
		return m.manualExit(ctx, p, domain.ExitManual)
	})
}

// RetryExit starts a new exit sequence for a CLOSING position whose previous
// sequence settled without closing it.
func (m *Manager) RetryExit(ctx context.Context, id string) (domain.OrderOutcome, error) {
	return m.startAndWait(ctx, id, func(p *domain.Position) error {
		if !p.Stuck() {
			return fmt.Errorf("%w: position %s has no settled exit to retry", domain.ErrInvalidCommand, id)
		}
		return m.manualExit(ctx, p, p.ExitReason)
	})
}

func (m *Manager) startAndWait(ctx context.Context, id string, start func(*domain.Position) error) (domain.OrderOutcome, error) {
	var (
		wait     chan domain.OrderOutcome
		startErr error
	)
	err := m.do(ctx, func() {
		p, err := m.lookup(id)
		if err != nil {
			startErr = err
			return
		}
		if err := start(p); err != nil {
			startErr = err
			return
		}
		wait = make(chan domain.OrderOutcome, 1)
		m.waiters[id] = append(m.waiters[id], wait)
	})
	if err != nil {
		return domain.OrderOutcome{}, err
	}
	if startErr != nil {
		return domain.OrderOutcome{}, startErr
	}

	select {
	case out := <-wait:
		return out, nil
	case <-ctx.Done():
		return domain.OrderOutcome{}, ctx.Err()
	}
}

// manualExit prices an operator exit at the side's latest bid. A stale
// price is accepted here since the ladder walks down from it.
func (m *Manager) manualExit(ctx context.Context, p *domain.Position, reason domain.ExitReason) error {
	snap, ok := m.feed.Latest(p.Side)
	if !ok || !snap.BestBid.IsPositive() {
		return fmt.Errorf("position: close %s: no bid for %s: %w", p.ID, p.Side, domain.ErrFeedDisconnected)
	}
	if m.feed.IsStale(p.Side) {
		m.logger.WarnContext(ctx, "position: manual exit priced from stale quote",
			slog.String("id", p.ID), slog.Duration("age", snap.Age(m.now())))
	}
	m.beginExit(ctx, p, reason, snap.BestBid)
	return nil
}

// Resolve accepts a stuck position's settled outcome as final. The unsold
// remainder is written off and the position is CLOSED.
func (m *Manager) Resolve(ctx context.Context, id string) (domain.Position, error) {
	var (
		pos      domain.Position
		resolveE error
	)
	err := m.do(ctx, func() {
		p, err := m.lookup(id)
		if err != nil {
			resolveE = err
			return
		}
		if p.Status != domain.PositionClosing || p.ExitInFlight {
			resolveE = fmt.Errorf("%w: position %s is not awaiting resolution", domain.ErrInvalidCommand, id)
			return
		}
		m.logger.WarnContext(ctx, "position: resolved by operator",
			slog.String("id", id), slog.String("unsold", p.Size.String()))
		pos = m.finish(ctx, p)
	})
	if err != nil {
		return domain.Position{}, err
	}
	return pos, resolveE
}

// Snapshot returns the active positions in the order they were opened,
// each marked against the latest price for its side.
func (m *Manager) Snapshot(ctx context.Context) ([]domain.PositionView, error) {
	var views []domain.PositionView
	err := m.do(ctx, func() {
		views = make([]domain.PositionView, 0, len(m.active))
		for _, p := range m.active {
			v := domain.PositionView{
				Position:    *p,
				RealizedPnL: p.RealizedPnL(),
				Stale:       m.feed.IsStale(p.Side),
				Stuck:       p.Stuck(),
			}
			if snap, ok := m.feed.Latest(p.Side); ok {
				v.MarkPrice = snap.Price()
				v.UnrealizedPnL = p.UnrealizedPnL(snap.Price())
			}
			views = append(views, v)
		}
	})
	return views, err
}

// Closed returns the closed positions, oldest first.
func (m *Manager) Closed(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	err := m.do(ctx, func() {
		out = append([]domain.Position(nil), m.closed...)
	})
	return out, err
}

// Status reports position counts and per-side feed staleness.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.do(ctx, func() {
		st = Status{
			Running:     m.running,
			Closed:      len(m.closed),
			Pending:     m.pending,
			RealizedPnL: m.realized,
			Stale:       make(map[domain.Side]bool, 2),
		}
		for _, p := range m.active {
			switch {
			case p.Status == domain.PositionOpen:
				st.Open++
			case p.Stuck():
				st.Closing++
				st.Stuck++
			default:
				st.Closing++
			}
		}
		for _, s := range domain.Sides {
			st.Stale[s] = m.feed.IsStale(s)
		}
	})
	return st, err
}

func (m *Manager) lookup(id string) (*domain.Position, error) {
	if p, ok := m.byID[id]; ok {
		return p, nil
	}
	for _, c := range m.closed {
		if c.ID == id {
			return nil, fmt.Errorf("%w: position %s is already closed", domain.ErrInvalidCommand, id)
		}
	}
	return nil, fmt.Errorf("%w: %w: position %s", domain.ErrInvalidCommand, domain.ErrNotFound, id)
}

// onTick evaluates the positions on snap's side. A stale side is skipped
// even when its last price would trigger.
func (m *Manager) onTick(ctx context.Context, snap domain.PriceSnapshot) {
	if m.feed.IsStale(snap.Side) {
		m.markFresh(ctx, snap.Side, true)
		return
	}
	m.markFresh(ctx, snap.Side, false)
	m.evaluate(ctx, snap)
}

func (m *Manager) evaluate(ctx context.Context, snap domain.PriceSnapshot) {
	now := m.now()
	for _, p := range m.active {
		if p.Side != snap.Side || p.Status != domain.PositionOpen {
			continue
		}
		if reason := Evaluate(*p, snap.Price(), m.rule, now); reason != "" {
			m.beginExit(ctx, p, reason, snap.Price())
		}
	}
}

// sweep tracks staleness transitions and re-evaluates fresh sides so
// time-based exits fire without a tick.
func (m *Manager) sweep(ctx context.Context) {
	for _, side := range domain.Sides {
		if m.feed.IsStale(side) {
			m.markFresh(ctx, side, true)
			continue
		}
		m.markFresh(ctx, side, false)
		if snap, ok := m.feed.Fresh(side); ok {
			m.evaluate(ctx, snap)
		}
	}
}

func (m *Manager) markFresh(ctx context.Context, side domain.Side, stale bool) {
	was, seen := m.stale[side]
	m.stale[side] = stale
	if (seen && was == stale) || (!seen && !stale) {
		return
	}
	typ := domain.EventFeedFresh
	if stale {
		typ = domain.EventFeedStale
		m.logger.WarnContext(ctx, "position: triggers suspended, feed stale", slog.String("side", string(side)))
	} else {
		m.logger.InfoContext(ctx, "position: triggers resumed", slog.String("side", string(side)))
	}
	m.emit(ctx, domain.Event{Type: typ, Side: side})
}

// beginExit moves p to CLOSING and starts its exit sequence. CLOSING is the
// lock: nothing starts another exit while ExitInFlight is set.
func (m *Manager) beginExit(ctx context.Context, p *domain.Position, reason domain.ExitReason, price decimal.Decimal) {
	p.Status = domain.PositionClosing
	p.ExitReason = reason
	p.ExitInFlight = true
	m.inFlight++

	m.emit(ctx, domain.Event{
		Type: domain.EventPositionClosing, PositionID: p.ID, Side: p.Side, Purpose: domain.PurposeExit,
		Price: price, Size: p.Size, Reason: string(reason), Position: snapshotOf(p),
	})
	m.logger.InfoContext(ctx, "position: exit triggered",
		slog.String("id", p.ID),
		slog.String("reason", string(reason)),
		slog.String("price", price.String()),
		slog.String("size", p.Size.String()),
	)

	intent := domain.OrderIntent{
		Side:       p.Side,
		Direction:  domain.DirectionSell,
		LimitPrice: price,
		Size:       p.Size,
		Purpose:    domain.PurposeExit,
		PositionID: p.ID,
	}
	execCtx := m.execContext()
	m.exits.Add(1)
	go func() {
		defer m.exits.Done()
		m.results <- exitResult{id: intent.PositionID, outcome: m.exec.Execute(execCtx, intent)}
	}()
}

func (m *Manager) execContext() context.Context {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

// applyExit records an exit outcome. A full fill closes the position; any
// other outcome leaves it CLOSING until the operator resolves or retries.
func (m *Manager) applyExit(ctx context.Context, res exitResult) {
	m.inFlight--
	p, ok := m.byID[res.id]
	if !ok {
		m.logger.ErrorContext(ctx, "position: exit result for unknown position", slog.String("id", res.id))
		return
	}
	out := res.outcome
	p.ExitInFlight = false
	p.LastOutcome = &out
	if out.FilledSize.IsPositive() {
		p.ExitFilled = p.ExitFilled.Add(out.FilledSize)
		p.ExitNotional = p.ExitNotional.Add(out.Notional())
		p.Size = decimal.Max(p.Size.Sub(out.FilledSize), decimal.Zero)
	}

	m.emit(ctx, domain.Event{
		Type: domain.EventExitOutcome, PositionID: p.ID, Side: p.Side, Purpose: domain.PurposeExit,
		Price: out.AvgFillPrice, Size: out.FilledSize, Attempt: out.Attempts,
		Status: string(out.Status), Reason: out.Reason, Position: snapshotOf(p),
	})

	if out.Status == domain.OutcomeFilled || p.Size.LessThan(dust) {
		m.finish(ctx, p)
	} else {
		m.logger.WarnContext(ctx, "position: exit incomplete, awaiting operator",
			slog.String("id", p.ID),
			slog.String("status", string(out.Status)),
			slog.String("filled", out.FilledSize.String()),
			slog.String("remaining", p.Size.String()),
			slog.String("reason", out.Reason),
		)
		m.emit(ctx, domain.Event{
			Type: domain.EventPositionStuck, PositionID: p.ID, Side: p.Side,
			Size: p.Size, Status: string(out.Status), Reason: out.Reason, Position: snapshotOf(p),
		})
	}

	for _, w := range m.waiters[p.ID] {
		w <- out
	}
	delete(m.waiters, p.ID)
}

// finish marks p CLOSED and moves it to the history.
func (m *Manager) finish(ctx context.Context, p *domain.Position) domain.Position {
	closedAt := m.now()
	p.Status = domain.PositionClosed
	p.ClosedAt = &closedAt

	for i, a := range m.active {
		if a == p {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	delete(m.byID, p.ID)
	m.closed = append(m.closed, *p)

	pnl := p.RealizedPnL()
	m.realized = m.realized.Add(pnl)
	m.emit(ctx, domain.Event{
		Type: domain.EventPositionClosed, PositionID: p.ID, Side: p.Side,
		Price: p.AvgExitPrice(), Size: p.ExitFilled, Reason: string(p.ExitReason), PnL: pnl,
		Position: snapshotOf(p),
	})
	m.logger.InfoContext(ctx, "position: closed",
		slog.String("id", p.ID),
		slog.String("reason", string(p.ExitReason)),
		slog.String("avg_exit", p.AvgExitPrice().String()),
		slog.String("pnl", pnl.String()),
	)
	return *p
}

// snapshotOf copies p for an event so later mutation is not visible to
// sinks.
func snapshotOf(p *domain.Position) *domain.Position {
	c := *p
	return &c
}

func (m *Manager) emit(ctx context.Context, ev domain.Event) {
	ev.At = m.now()
	m.sink.Record(ctx, ev)
}
