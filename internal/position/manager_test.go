package position

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

type fakeFeed struct {
	mu    sync.Mutex
	snaps map[domain.Side]domain.PriceSnapshot
	stale map[domain.Side]bool
	chans map[domain.Side]chan domain.PriceSnapshot
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		snaps: map[domain.Side]domain.PriceSnapshot{},
		stale: map[domain.Side]bool{},
		chans: map[domain.Side]chan domain.PriceSnapshot{
			domain.SideUp:   make(chan domain.PriceSnapshot),
			domain.SideDown: make(chan domain.PriceSnapshot),
		},
	}
}

func (f *fakeFeed) TokenID(side domain.Side) string { return "tok-" + string(side) }

func (f *fakeFeed) Latest(side domain.Side) (domain.PriceSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[side]
	return s, ok
}

func (f *fakeFeed) Fresh(side domain.Side) (domain.PriceSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[side]
	if !ok || f.stale[side] {
		return domain.PriceSnapshot{}, false
	}
	return s, true
}

func (f *fakeFeed) IsStale(side domain.Side) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.snaps[side]
	return !ok || f.stale[side]
}

func (f *fakeFeed) Subscribe(side domain.Side) (<-chan domain.PriceSnapshot, func()) {
	return f.chans[side], func() {}
}

func (f *fakeFeed) set(side domain.Side, bid, ask string) domain.PriceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := domain.PriceSnapshot{Side: side, TokenID: "tok-" + string(side), BestBid: dec(bid), BestAsk: dec(ask), ReceivedAt: time.Now()}
	f.snaps[side] = s
	return s
}

func (f *fakeFeed) setStale(side domain.Side, stale bool) {
	f.mu.Lock()
	f.stale[side] = stale
	f.mu.Unlock()
}

// tick publishes a bid and returns once the manager has taken it.
func (f *fakeFeed) tick(side domain.Side, bid string) {
	s := f.set(side, bid, bid)
	f.chans[side] <- s
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []domain.OrderIntent
	entry func(domain.OrderIntent) domain.OrderOutcome
	exit  func(domain.OrderIntent) domain.OrderOutcome
	gate  chan struct{}
}

func (e *fakeExecutor) Execute(_ context.Context, in domain.OrderIntent) domain.OrderOutcome {
	e.mu.Lock()
	e.calls = append(e.calls, in)
	gate := e.gate
	e.mu.Unlock()

	if in.Purpose == domain.PurposeEntry {
		return e.entry(in)
	}
	if gate != nil {
		<-gate
	}
	return e.exit(in)
}

func (e *fakeExecutor) exits() []domain.OrderIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.OrderIntent
	for _, c := range e.calls {
		if c.Purpose == domain.PurposeExit {
			out = append(out, c)
		}
	}
	return out
}

func filled(size, price string) domain.OrderOutcome {
	return domain.OrderOutcome{
		Status: domain.OutcomeFilled, FilledSize: dec(size), AvgFillPrice: dec(price), Attempts: 1,
		Fills: []domain.Fill{{OrderID: "o", Size: dec(size), Price: dec(price)}},
	}
}

func fillAll(in domain.OrderIntent) domain.OrderOutcome {
	return filled(in.Size.String(), in.LimitPrice.String())
}

type countingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *countingSink) Record(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *countingSink) has(t domain.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		PositionSize:     dec("20"),
		MaxPositionSize:  dec("100"),
		MaxOpenPositions: 3,
		TakeProfitPct:    dec("0.03"),
		StopLossPct:      dec("0.03"),
		Slippage:         dec("0.02"),
		Tick:             dec("0.01"),
		StopLossFirst:    true,
		SweepInterval:    time.Hour,
	}
}

func shares(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}

type harness struct {
	m    *Manager
	feed *fakeFeed
	exec *fakeExecutor
	sink *countingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	feed := newFakeFeed()
	feed.set(domain.SideUp, "0.49", "0.50")
	feed.set(domain.SideDown, "0.49", "0.50")
	exec := &fakeExecutor{
		entry: func(in domain.OrderIntent) domain.OrderOutcome { return filled(in.Size.String(), "0.50") },
		exit:  fillAll,
	}
	sink := &countingSink{}
	m := NewManager(testConfig(), exec, feed, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{m: m, feed: feed, exec: exec, sink: sink}
}

func (h *harness) open(t *testing.T) domain.Position {
	t.Helper()
	p, err := h.m.Open(context.Background(), domain.SideUp, shares("20"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func (h *harness) view(t *testing.T, id string) (domain.PositionView, bool) {
	t.Helper()
	views, err := h.m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, v := range views {
		if v.ID == id {
			return v, true
		}
	}
	return domain.PositionView{}, false
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func (h *harness) closedIDs(t *testing.T) []string {
	t.Helper()
	closed, err := h.m.Closed(context.Background())
	if err != nil {
		t.Fatalf("Closed: %v", err)
	}
	ids := make([]string, len(closed))
	for i, c := range closed {
		ids[i] = c.ID
	}
	return ids
}

func TestOpenUsesAskPlusSlippage(t *testing.T) {
	h := newHarness(t)
	p := h.open(t)

	if p.Status != domain.PositionOpen || p.Side != domain.SideUp || p.TokenID != "tok-UP" {
		t.Errorf("position = %+v", p)
	}
	if !p.TakeProfitPrice.Equal(dec("0.515")) || !p.StopLossPrice.Equal(dec("0.485")) {
		t.Errorf("targets = %s / %s", p.TakeProfitPrice, p.StopLossPrice)
	}
	entry := h.exec.calls[0]
	if entry.Direction != domain.DirectionBuy || !entry.LimitPrice.Equal(dec("0.52")) {
		t.Errorf("entry intent = %+v", entry)
	}
	if !h.sink.has(domain.EventPositionOpened) {
		t.Error("no position_opened event")
	}
}

func TestPartialEntrySizesPosition(t *testing.T) {
	h := newHarness(t)
	h.exec.entry = func(domain.OrderIntent) domain.OrderOutcome {
		out := filled("12", "0.50")
		out.Status = domain.OutcomePartial
		return out
	}
	p := h.open(t)
	if !p.Size.Equal(dec("12")) || !p.EntrySize.Equal(dec("12")) {
		t.Errorf("size = %s entry size = %s, want 12", p.Size, p.EntrySize)
	}
}

func TestRejectedEntryCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.exec.entry = func(domain.OrderIntent) domain.OrderOutcome {
		err := fmt.Errorf("%w: market closed", domain.ErrOrderRejected)
		return domain.OrderOutcome{Status: domain.OutcomeAbandoned, Err: err, Reason: err.Error()}
	}
	_, err := h.m.Open(context.Background(), domain.SideUp, shares("20"))
	if !errors.Is(err, domain.ErrOrderRejected) || !strings.Contains(err.Error(), "market closed") {
		t.Fatalf("err = %v", err)
	}
	views, _ := h.m.Snapshot(context.Background())
	if len(views) != 0 {
		t.Errorf("snapshot = %+v, want empty", views)
	}
	if !h.sink.has(domain.EventEntryAbandoned) {
		t.Error("no entry_abandoned event")
	}
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.m.Open(ctx, domain.SideUp, shares("500")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("oversize: err = %v", err)
	}
	if _, err := h.m.Open(ctx, domain.SideUp, shares("-1")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("negative: err = %v", err)
	}
	if _, err := h.m.Open(ctx, "LEFT", shares("1")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("bad side: err = %v", err)
	}

	h.feed.setStale(domain.SideDown, true)
	if _, err := h.m.Open(ctx, domain.SideDown, shares("1")); !errors.Is(err, domain.ErrFeedDisconnected) {
		t.Errorf("stale side: err = %v", err)
	}

	for i := 0; i < 3; i++ {
		h.open(t)
	}
	if _, err := h.m.Open(ctx, domain.SideUp, shares("1")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("over max positions: err = %v", err)
	}
}

func TestOpenDefaultsSize(t *testing.T) {
	h := newHarness(t)
	p, err := h.m.Open(context.Background(), domain.SideDown, decimal.NullDecimal{})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Size.Equal(dec("20")) {
		t.Errorf("size = %s, want default 20", p.Size)
	}

	if _, err := h.m.Open(context.Background(), domain.SideDown, shares("0")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("explicit zero size: err = %v, want invalid command", err)
	}
	if n := len(h.exec.calls); n != 1 {
		t.Errorf("executor calls = %d, want 1", n)
	}
}

func TestTakeProfitTickClosesPosition(t *testing.T) {
	h := newHarness(t)
	p := h.open(t)

	h.feed.tick(domain.SideDown, "0.90") // other side never touches p
	h.feed.tick(domain.SideUp, "0.515")

	eventually(t, func() bool { return len(h.closedIDs(t)) == 1 })
	exits := h.exec.exits()
	if len(exits) != 1 || exits[0].PositionID != p.ID || !exits[0].LimitPrice.Equal(dec("0.515")) {
		t.Fatalf("exit intents = %+v", exits)
	}
	if exits[0].Direction != domain.DirectionSell || !exits[0].Size.Equal(dec("20")) {
		t.Errorf("exit intent = %+v", exits[0])
	}

	closed, _ := h.m.Closed(context.Background())
	c := closed[0]
	if c.Status != domain.PositionClosed || c.ExitReason != domain.ExitTakeProfit || c.ClosedAt == nil {
		t.Errorf("closed = %+v", c)
	}
	if !c.RealizedPnL().Equal(dec("0.3")) {
		t.Errorf("pnl = %s, want 0.3", c.RealizedPnL())
	}

	// Further ticks for a closed position do nothing.
	h.feed.tick(domain.SideUp, "0.40")
	if _, err := h.m.Snapshot(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.exec.exits()); n != 1 {
		t.Errorf("exit calls = %d after closing", n)
	}
}

func TestStopLossTick(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.feed.tick(domain.SideUp, "0.484")

	eventually(t, func() bool { return len(h.closedIDs(t)) == 1 })
	closed, _ := h.m.Closed(context.Background())
	if closed[0].ExitReason != domain.ExitStopLoss {
		t.Errorf("reason = %s, want STOP_LOSS", closed[0].ExitReason)
	}
}

func TestStaleSideSuspendsTriggers(t *testing.T) {
	h := newHarness(t)
	p := h.open(t)

	h.feed.setStale(domain.SideUp, true)
	h.feed.tick(domain.SideUp, "0.40")
	if v, _ := h.view(t, p.ID); v.Status != domain.PositionOpen || !v.Stale {
		t.Fatalf("stale tick moved position: %+v", v)
	}
	if n := len(h.exec.exits()); n != 0 {
		t.Fatalf("exit calls = %d while stale", n)
	}

	h.feed.setStale(domain.SideUp, false)
	h.feed.tick(domain.SideUp, "0.40")
	eventually(t, func() bool { return len(h.closedIDs(t)) == 1 })
	if !h.sink.has(domain.EventFeedFresh) {
		t.Error("no feed_fresh event")
	}
}

func TestAtMostOneExitInFlight(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.exec.mu.Lock()
	h.exec.gate = gate
	h.exec.mu.Unlock()
	p := h.open(t)

	h.feed.tick(domain.SideUp, "0.52")
	eventually(t, func() bool { return len(h.exec.exits()) == 1 })

	h.feed.tick(domain.SideUp, "0.40")
	h.feed.tick(domain.SideUp, "0.60")
	if _, err := h.m.Close(context.Background(), p.ID); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("manual close during exit: err = %v", err)
	}
	if _, err := h.m.RetryExit(context.Background(), p.ID); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("retry during exit: err = %v", err)
	}
	v, _ := h.view(t, p.ID)
	if v.Status != domain.PositionClosing || !v.ExitInFlight {
		t.Errorf("view = %+v", v)
	}
	if n := len(h.exec.exits()); n != 1 {
		t.Fatalf("exit calls = %d, want 1", n)
	}

	close(gate)
	eventually(t, func() bool { return len(h.closedIDs(t)) == 1 })
}

func TestManualCloseReturnsOutcome(t *testing.T) {
	h := newHarness(t)
	p := h.open(t)

	out, err := h.m.Close(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.OutcomeFilled {
		t.Errorf("outcome = %+v", out)
	}
	exit := h.exec.exits()[0]
	if !exit.LimitPrice.Equal(dec("0.49")) {
		t.Errorf("manual exit limit = %s, want bid 0.49", exit.LimitPrice)
	}
	closed, _ := h.m.Closed(context.Background())
	if len(closed) != 1 || closed[0].ExitReason != domain.ExitManual {
		t.Errorf("closed = %+v", closed)
	}

	if _, err := h.m.Close(context.Background(), p.ID); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("second close: err = %v", err)
	}
}

func TestCloseUnknownPosition(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Close(context.Background(), "nope")
	if !errors.Is(err, domain.ErrInvalidCommand) || !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func partialExit(domain.OrderIntent) domain.OrderOutcome {
	return domain.OrderOutcome{
		Status: domain.OutcomePartial, FilledSize: dec("12"), AvgFillPrice: dec("0.51"), Attempts: 3,
		Fills:  []domain.Fill{{OrderID: "o", Size: dec("12"), Price: dec("0.51")}},
		Err:    domain.ErrOrderTimeout, Reason: domain.ErrOrderTimeout.Error(),
	}
}

func TestPartialExitLeavesPositionClosing(t *testing.T) {
	h := newHarness(t)
	h.exec.exit = partialExit
	p := h.open(t)

	out, err := h.m.Close(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.OutcomePartial || !out.FilledSize.Equal(dec("12")) {
		t.Fatalf("outcome = %+v", out)
	}

	v, ok := h.view(t, p.ID)
	if !ok {
		t.Fatal("position left the active set")
	}
	if v.Status != domain.PositionClosing || !v.Size.Equal(dec("8")) || !v.Stuck {
		t.Errorf("view = %+v", v)
	}
	if !h.sink.has(domain.EventPositionStuck) {
		t.Error("no position_stuck event")
	}

	// No automatic retry on later ticks.
	h.feed.tick(domain.SideUp, "0.40")
	if n := len(h.exec.exits()); n != 1 {
		t.Errorf("exit calls = %d, want 1", n)
	}

	st, err := h.m.Status(context.Background())
	if err != nil || st.Stuck != 1 || st.Closing != 1 {
		t.Errorf("status = %+v err = %v", st, err)
	}

	resolved, err := h.m.Resolve(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.PositionClosed || !resolved.ExitFilled.Equal(dec("12")) {
		t.Errorf("resolved = %+v", resolved)
	}
	if _, ok := h.view(t, p.ID); ok {
		t.Error("resolved position still active")
	}
}

func TestRetryExitAfterPartial(t *testing.T) {
	h := newHarness(t)
	h.exec.exit = partialExit
	p := h.open(t)
	if _, err := h.m.Close(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Resolve(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("resolve unknown: err = %v", err)
	}

	h.exec.mu.Lock()
	h.exec.exit = fillAll
	h.exec.mu.Unlock()
	out, err := h.m.RetryExit(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.OutcomeFilled {
		t.Errorf("retry outcome = %+v", out)
	}
	retry := h.exec.exits()[1]
	if !retry.Size.Equal(dec("8")) {
		t.Errorf("retry size = %s, want remaining 8", retry.Size)
	}
	closed, _ := h.m.Closed(context.Background())
	if len(closed) != 1 || !closed[0].ExitFilled.Equal(dec("20")) {
		t.Errorf("closed = %+v", closed)
	}
}

func TestResolveRequiresSettledExit(t *testing.T) {
	h := newHarness(t)
	p := h.open(t)
	if _, err := h.m.Resolve(context.Background(), p.ID); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("resolve open position: err = %v", err)
	}
}

func TestSnapshotOrderAndMarks(t *testing.T) {
	h := newHarness(t)
	a := h.open(t)
	b, err := h.m.Open(context.Background(), domain.SideDown, shares("10"))
	if err != nil {
		t.Fatal(err)
	}

	views, err := h.m.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[0].ID != a.ID || views[1].ID != b.ID {
		t.Fatalf("snapshot order wrong: %+v", views)
	}
	// Marked at the bid: (0.49 - 0.50) × 20.
	if !views[0].MarkPrice.Equal(dec("0.49")) || !views[0].UnrealizedPnL.Equal(dec("-0.2")) {
		t.Errorf("mark = %s pnl = %s", views[0].MarkPrice, views[0].UnrealizedPnL)
	}
}

func TestEntryFilledDuringShutdownBecomesPosition(t *testing.T) {
	feed := newFakeFeed()
	feed.set(domain.SideUp, "0.49", "0.50")
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	exec := &fakeExecutor{
		entry: func(domain.OrderIntent) domain.OrderOutcome {
			entered <- struct{}{}
			<-release
			return filled("20", "0.50")
		},
		exit: fillAll,
	}
	sink := &countingSink{}
	m := NewManager(testConfig(), exec, feed, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = m.Run(ctx)
	}()

	type openResult struct {
		pos domain.Position
		err error
	}
	opened := make(chan openResult, 1)
	go func() {
		p, err := m.Open(context.Background(), domain.SideUp, shares("20"))
		opened <- openResult{p, err}
	}()
	<-entered
	cancel()

	select {
	case <-runDone:
		t.Fatal("Run returned while an entry was still executing")
	case <-time.After(50 * time.Millisecond):
	}

	// The loop is draining: new work is refused, the outstanding entry is not.
	if _, err := m.Open(context.Background(), domain.SideUp, shares("5")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("Open while draining: err = %v, want invalid command", err)
	}

	close(release)
	res := <-opened
	if res.err != nil {
		t.Fatalf("Open after fill during shutdown: %v", res.err)
	}
	if !res.pos.Size.Equal(dec("20")) || res.pos.Status != domain.PositionOpen {
		t.Errorf("position = %+v", res.pos)
	}
	if !sink.has(domain.EventPositionOpened) {
		t.Error("no position_opened event for the filled entry")
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the entry settled")
	}
	if _, err := m.Open(context.Background(), domain.SideUp, shares("5")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Errorf("Open after stop: err = %v", err)
	}
	if n := len(entered); n != 0 {
		t.Errorf("%d entries reached the executor after shutdown began", n)
	}
}
