package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestCache() (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	c := NewCache("up-token", "down-token", 5*time.Second)
	c.now = clk.Now
	return c, clk
}

func TestApplyMergesPartialQuotes(t *testing.T) {
	c, _ := newTestCache()
	c.Apply(domain.Quote{AssetID: "up-token", BestBid: dec("0.50"), BestAsk: dec("0.52"), HasBid: true, HasAsk: true})
	snap, ok := c.Apply(domain.Quote{AssetID: "up-token", BestAsk: dec("0.53"), HasAsk: true})
	if !ok {
		t.Fatal("Apply rejected known token")
	}
	if !snap.BestBid.Equal(dec("0.50")) || !snap.BestAsk.Equal(dec("0.53")) || snap.Side != domain.SideUp {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, ok := c.Apply(domain.Quote{AssetID: "other", HasBid: true}); ok {
		t.Error("Apply accepted unknown token")
	}
	if _, ok := c.Latest(domain.SideDown); ok {
		t.Error("DOWN should have no snapshot")
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	c, _ := newTestCache()
	ch, cancel := c.Subscribe(domain.SideUp)
	defer cancel()

	for _, p := range []string{"0.50", "0.51", "0.52"} {
		c.Apply(domain.Quote{AssetID: "up-token", BestBid: dec(p), HasBid: true})
	}
	c.Apply(domain.Quote{AssetID: "down-token", BestBid: dec("0.40"), HasBid: true})

	select {
	case snap := <-ch:
		if !snap.BestBid.Equal(dec("0.52")) {
			t.Errorf("got %s, want latest 0.52", snap.BestBid)
		}
	default:
		t.Fatal("no snapshot delivered")
	}
	select {
	case snap := <-ch:
		t.Fatalf("unexpected extra snapshot %+v", snap)
	default:
	}

	cancel()
	if _, open := <-ch; open {
		t.Error("channel not closed after cancel")
	}
}

func TestStalenessWhileDisconnected(t *testing.T) {
	c, clk := newTestCache()
	c.markConnected()
	c.Apply(domain.Quote{AssetID: "up-token", BestBid: dec("0.50"), HasBid: true})

	if c.IsStale(domain.SideUp) {
		t.Fatal("fresh tick reported stale")
	}
	if !c.IsStale(domain.SideDown) {
		t.Fatal("side without price must be stale")
	}

	c.markDisconnected()
	clk.Advance(4 * time.Second)
	if c.IsStale(domain.SideUp) {
		t.Error("stale before threshold")
	}
	clk.Advance(2 * time.Second)
	if !c.IsStale(domain.SideUp) {
		t.Error("not stale after threshold while disconnected")
	}
	// Latest stays available.
	if snap, ok := c.Latest(domain.SideUp); !ok || !snap.BestBid.Equal(dec("0.50")) {
		t.Error("Latest lost the last known snapshot")
	}

	// Reconnecting alone does not refresh the side; its own tick does.
	c.markConnected()
	c.Apply(domain.Quote{AssetID: "down-token", BestBid: dec("0.45"), HasBid: true})
	if !c.IsStale(domain.SideUp) {
		t.Error("UP refreshed by a DOWN tick after reconnect")
	}
	c.Apply(domain.Quote{AssetID: "up-token", BestBid: dec("0.47"), HasBid: true})
	if c.IsStale(domain.SideUp) {
		t.Error("UP still stale after its own tick")
	}
	if st := c.Status(); st.Reconnects != 1 || !st.Connected {
		t.Errorf("status = %+v", st)
	}
}

func TestConnectedQuietSideStaysFresh(t *testing.T) {
	c, clk := newTestCache()
	c.markConnected()
	c.Apply(domain.Quote{AssetID: "up-token", BestBid: dec("0.50"), HasBid: true})
	clk.Advance(4 * time.Second)
	c.Apply(domain.Quote{AssetID: "down-token", BestBid: dec("0.48"), HasBid: true})
	clk.Advance(3 * time.Second)
	if c.IsStale(domain.SideUp) {
		t.Error("UP stale although the session is live")
	}
	clk.Advance(3 * time.Second)
	if !c.IsStale(domain.SideUp) {
		t.Error("UP fresh although nothing was heard for 6s")
	}
}

// An unchanged book sends nothing, so a quiet side keeps its old quote and
// stays tradeable while the other side proves the session is live.
func TestQuietSideServesOldQuoteAsFresh(t *testing.T) {
	c, clk := newTestCache()
	c.markConnected()
	c.Apply(domain.Quote{AssetID: "up-token", BestBid: dec("0.40"), BestAsk: dec("0.41"), HasBid: true, HasAsk: true})
	first, _ := c.Latest(domain.SideUp)

	for range 4 {
		clk.Advance(3 * time.Second)
		c.Apply(domain.Quote{AssetID: "down-token", BestBid: dec("0.58"), HasBid: true})
	}

	snap, ok := c.Fresh(domain.SideUp)
	if !ok {
		t.Fatal("quiet UP side reported stale during a live session")
	}
	if !snap.ReceivedAt.Equal(first.ReceivedAt) || !snap.BestBid.Equal(dec("0.40")) {
		t.Errorf("Fresh returned %+v, want the original 0.40 quote", snap)
	}
	if age := snap.Age(clk.Now()); age <= 5*time.Second {
		t.Errorf("age = %s, want older than stale_after", age)
	}
	for _, ss := range c.Status().Sides {
		if ss.Side == domain.SideUp && ss.Stale {
			t.Error("status marks the quiet side stale")
		}
	}

	c.markDisconnected()
	if _, ok := c.Fresh(domain.SideUp); ok {
		t.Error("old quote still fresh after disconnect")
	}
}

type scriptedStream struct {
	mu       sync.Mutex
	sessions int
	quotes   []domain.Quote
}

func (s *scriptedStream) Session(ctx context.Context, assets []string, onConnected func(), onQuote polymarket.QuoteHandler) error {
	s.mu.Lock()
	s.sessions++
	n := s.sessions
	s.mu.Unlock()

	onConnected()
	if n == 1 {
		return errors.New("boom")
	}
	for _, q := range s.quotes {
		onQuote(q)
	}
	<-ctx.Done()
	return nil
}

func TestFeedReconnects(t *testing.T) {
	cache := NewCache("up-token", "down-token", 5*time.Second)
	stream := &scriptedStream{quotes: []domain.Quote{{AssetID: "up-token", BestBid: dec("0.6"), HasBid: true}}}
	f := NewPolymarketWSFeed(stream, cache, time.Millisecond, 10*time.Millisecond, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	ch, unsub := cache.Subscribe(domain.SideUp)
	defer unsub()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case snap := <-ch:
		if !snap.BestBid.Equal(dec("0.6")) {
			t.Errorf("snapshot = %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after reconnect")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if cache.Status().Reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", cache.Status().Reconnects)
	}
}
