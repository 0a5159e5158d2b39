// Package feed keeps the latest top of book for the UP and DOWN tokens of the
// traded market and fans updates out to subscribers without blocking the
// network reader.
package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// SideStatus describes the freshness of one side's snapshot.
type SideStatus struct {
	Side     domain.Side     `json:"side"`
	TokenID  string          `json:"token_id"`
	BestBid  decimal.Decimal `json:"best_bid"`
	BestAsk  decimal.Decimal `json:"best_ask"`
	HasPrice bool            `json:"has_price"`
	Age      time.Duration   `json:"age_ns"`
	Stale    bool            `json:"stale"`
}

// Status is a point-in-time view of the feed connection.
type Status struct {
	Connected   bool         `json:"connected"`
	LastMessage time.Time    `json:"last_message"`
	Reconnects  int          `json:"reconnects"`
	StaleAfter  string       `json:"stale_after"`
	Sides       []SideStatus `json:"sides"`
}

type subscriber struct {
	ch chan domain.PriceSnapshot
}

// Cache holds one snapshot per side. It has a single writer (the network
// session) and any number of readers; reads never block on I/O.
//
// A side is stale when no data has confirmed its price for longer than
// staleAfter. While connected, any quote received after the side's own first
// tick in the current session confirms it, since an unchanged book sends no
// updates. After a reconnect the side stays stale until its own tick arrives.
type Cache struct {
	staleAfter time.Duration
	now        func() time.Time

	mu           sync.RWMutex
	tokens       map[domain.Side]string
	sides        map[string]domain.Side
	snaps        map[domain.Side]domain.PriceSnapshot
	subs         map[domain.Side][]*subscriber
	connected    bool
	sessionStart time.Time
	lastMessage  time.Time
	reconnects   int
}

// NewCache creates a cache for the two outcome tokens of a market.
func NewCache(upToken, downToken string, staleAfter time.Duration) *Cache {
	return &Cache{
		staleAfter: staleAfter,
		now:        time.Now,
		tokens:     map[domain.Side]string{domain.SideUp: upToken, domain.SideDown: downToken},
		sides:      map[string]domain.Side{upToken: domain.SideUp, downToken: domain.SideDown},
		snaps:      make(map[domain.Side]domain.PriceSnapshot, 2),
		subs:       make(map[domain.Side][]*subscriber, 2),
	}
}

// TokenID returns the token traded for side.
func (c *Cache) TokenID(side domain.Side) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[side]
}

// TokenIDs returns both token ids in side order.
func (c *Cache) TokenIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(domain.Sides))
	for _, s := range domain.Sides {
		out = append(out, c.tokens[s])
	}
	return out
}

// Apply merges a quote into its side's snapshot and notifies subscribers.
// A quote carrying only one side of the book keeps the other from the
// previous snapshot. Quotes for unknown tokens are ignored.
func (c *Cache) Apply(q domain.Quote) (domain.PriceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	side, ok := c.sides[q.AssetID]
	if !ok || (!q.HasBid && !q.HasAsk) {
		return domain.PriceSnapshot{}, false
	}
	now := c.now()
	prev := c.snaps[side]
	snap := domain.PriceSnapshot{
		Side:       side,
		TokenID:    q.AssetID,
		BestBid:    prev.BestBid,
		BestAsk:    prev.BestAsk,
		ReceivedAt: now,
	}
	if q.HasBid {
		snap.BestBid = q.BestBid
	}
	if q.HasAsk {
		snap.BestAsk = q.BestAsk
	}
	c.snaps[side] = snap
	c.lastMessage = now

	for _, s := range c.subs[side] {
		offer(s.ch, snap)
	}
	return snap, true
}

// offer delivers snap without blocking, replacing an undelivered older one.
// Only the writer (holding c.mu) calls it, so the drain-then-send cannot race
// with another send.
func offer(ch chan domain.PriceSnapshot, snap domain.PriceSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Subscribe returns a stream of snapshots for side, in receipt order, holding
// at most one undelivered snapshot. Call cancel to stop; the channel is then
// closed.
func (c *Cache) Subscribe(side domain.Side) (<-chan domain.PriceSnapshot, func()) {
	s := &subscriber{ch: make(chan domain.PriceSnapshot, 1)}
	c.mu.Lock()
	c.subs[side] = append(c.subs[side], s)
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[side]
			for i, x := range list {
				if x == s {
					c.subs[side] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Latest returns the last known snapshot for side, stale or not.
func (c *Cache) Latest(side domain.Side) (domain.PriceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[side]
	return snap, ok
}

// LatestByToken is Latest keyed by token id.
func (c *Cache) LatestByToken(tokenID string) (domain.PriceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	side, ok := c.sides[tokenID]
	if !ok {
		return domain.PriceSnapshot{}, false
	}
	snap, ok := c.snaps[side]
	return snap, ok
}

// Fresh returns the snapshot for side only if it is present and not stale.
func (c *Cache) Fresh(side domain.Side) (domain.PriceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[side]
	if !ok || c.staleLocked(snap, c.now()) {
		return snap, false
	}
	return snap, true
}

// IsStale reports whether side's price must not be trusted for triggering.
// A side with no price yet is stale.
func (c *Cache) IsStale(side domain.Side) bool {
	_, fresh := c.Fresh(side)
	return !fresh
}

func (c *Cache) staleLocked(snap domain.PriceSnapshot, now time.Time) bool {
	ref := snap.ReceivedAt
	if c.connected && !snap.ReceivedAt.Before(c.sessionStart) && c.lastMessage.After(ref) {
		ref = c.lastMessage
	}
	return now.Sub(ref) > c.staleAfter
}

// Status reports connection state and per-side freshness.
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	st := Status{
		Connected:   c.connected,
		LastMessage: c.lastMessage,
		Reconnects:  c.reconnects,
		StaleAfter:  c.staleAfter.String(),
	}
	for _, side := range domain.Sides {
		ss := SideStatus{Side: side, TokenID: c.tokens[side], Stale: true}
		if snap, ok := c.snaps[side]; ok {
			ss.HasPrice = true
			ss.BestBid = snap.BestBid
			ss.BestAsk = snap.BestAsk
			ss.Age = snap.Age(now)
			ss.Stale = c.staleLocked(snap, now)
		}
		st.Sides = append(st.Sides, ss)
	}
	return st
}

func (c *Cache) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessionStart.IsZero() {
		c.reconnects++
	}
	c.connected = true
	c.sessionStart = c.now()
}

func (c *Cache) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}
