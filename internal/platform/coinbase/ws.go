// Package coinbase streams trade matches from the Coinbase Exchange
// WebSocket feed.
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// DefaultURL is the public Exchange feed.
const DefaultURL = "wss://ws-feed.exchange.coinbase.com"

// Match is one executed trade.
type Match struct {
	ProductID string
	Price     decimal.Decimal
	// Time is the exchange timestamp of the trade.
	Time time.Time
}

// MatchHandler receives every parsed match. It is called from the read
// goroutine and must not block.
type MatchHandler func(Match)

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type feedMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

// errServer marks an "error" frame sent by the exchange.
var errServer = errors.New("coinbase/ws: server error")

// ParseMatch decodes one feed frame. ok is false for frames that are not
// matches (subscriptions, heartbeats). An error frame from the exchange
// returns an error wrapping errServer.
func ParseMatch(msg []byte) (m Match, ok bool, err error) {
	var raw feedMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Match{}, false, fmt.Errorf("coinbase/ws: decode frame: %w", err)
	}
	switch raw.Type {
	case "match":
	case "error":
		return Match{}, false, fmt.Errorf("%w: %s %s", errServer, raw.Message, raw.Reason)
	default:
		return Match{}, false, nil
	}

	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return Match{}, false, fmt.Errorf("coinbase/ws: match price %q: %w", raw.Price, err)
	}
	if !price.IsPositive() {
		return Match{}, false, fmt.Errorf("coinbase/ws: match price %s is not positive", price)
	}
	at, err := time.Parse(time.RFC3339Nano, raw.Time)
	if err != nil {
		return Match{}, false, fmt.Errorf("coinbase/ws: match time %q: %w", raw.Time, err)
	}
	return Match{ProductID: raw.ProductID, Price: price, Time: at.UTC()}, true, nil
}

// WSClient subscribes to the matches channel. Each call to Session owns one
// connection; reconnecting is the caller's job.
type WSClient struct {
	wsURL            string
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// NewWSClient creates a client for wsURL. An empty wsURL uses DefaultURL.
func NewWSClient(wsURL string, handshakeTimeout time.Duration, logger *slog.Logger) *WSClient {
	if wsURL == "" {
		wsURL = DefaultURL
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &WSClient{wsURL: wsURL, handshakeTimeout: handshakeTimeout, logger: logger}
}

// Session dials, subscribes productIDs to the matches channel and delivers
// trades to onMatch until the connection fails or ctx is cancelled.
// onConnected, when set, runs once the subscription is sent. Transport
// failures and exchange error frames wrap domain.ErrWSDisconnect; the error
// is nil when ctx ended the session.
func (w *WSClient) Session(ctx context.Context, productIDs []string, onConnected func(), onMatch MatchHandler) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("coinbase/ws: connect: %w: %v", domain.ErrWSDisconnect, err)
	}

	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(mt, data)
	}

	sub, err := json.Marshal(subscribeMessage{Type: "subscribe", ProductIDs: productIDs, Channels: []string{"matches"}})
	if err != nil {
		conn.Close()
		return fmt.Errorf("coinbase/ws: marshal subscribe: %w", err)
	}
	if err := write(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return fmt.Errorf("coinbase/ws: subscribe: %w: %v", domain.ErrWSDisconnect, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if onConnected != nil {
		onConnected()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessCtx.Done()
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		writeMu.Unlock()
		conn.Close()
	}()
	go w.pingLoop(sessCtx, write)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("coinbase/ws: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		m, ok, err := ParseMatch(msg)
		if errors.Is(err, errServer) {
			return fmt.Errorf("%w: %w", domain.ErrWSDisconnect, err)
		}
		if err != nil {
			w.logger.Debug("coinbase/ws: dropping unparseable frame", slog.String("error", err.Error()))
			continue
		}
		if ok {
			onMatch(m)
		}
	}
}

func (w *WSClient) pingLoop(ctx context.Context, write func(int, []byte) error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					w.logger.Debug("coinbase/ws: ping failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}
