package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// QuoteHandler receives every parsed top-of-book update. It is called from
// the read goroutine and must not block.
type QuoteHandler func(domain.Quote)

// WSClient is a client for the Polymarket CLOB market channel. Each call to
// Session owns one connection; reconnecting is the caller's job.
type WSClient struct {
	wsURL            string
	handshakeTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewWSClient creates a client for wsURL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, handshakeTimeout time.Duration, logger *slog.Logger) *WSClient {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &WSClient{
		wsURL:            wsURL,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		now:              time.Now,
	}
}

// Session dials, subscribes to assetIDs and delivers quotes to onQuote until
// the connection fails or ctx is cancelled. onConnected, when set, runs once
// the subscription is sent. The returned error wraps domain.ErrWSDisconnect
// for transport failures and is nil when ctx ended the session.
func (w *WSClient) Session(ctx context.Context, assetIDs []string, onConnected func(), onQuote QuoteHandler) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w: %v", domain.ErrWSDisconnect, err)
	}

	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(mt, data)
	}

	sub, err := json.Marshal(WSCommand{Type: "market", Assets: assetIDs})
	if err != nil {
		conn.Close()
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}
	if err := write(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return fmt.Errorf("polymarket/ws: subscribe: %w: %v", domain.ErrWSDisconnect, err)
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

	// Closing the connection unblocks ReadMessage when ctx ends.
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
			return fmt.Errorf("polymarket/ws: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		quotes, err := ParseMarketFrame(msg, w.now())
		if err != nil {
			w.logger.Debug("polymarket/ws: dropping unparseable frame", slog.String("error", err.Error()))
			continue
		}
		for _, q := range quotes {
			onQuote(q)
		}
	}
}

// pingLoop sends protocol pings so idle connections are detected.
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
					w.logger.Debug("polymarket/ws: ping failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}
