package coinbase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMatch(t *testing.T) {
	raw := `{"type":"match","trade_id":1,"side":"buy","size":"0.01","price":"64250.17","product_id":"BTC-USD","sequence":5,"time":"2024-01-15T12:30:45.123456Z"}`
	m, ok, err := ParseMatch([]byte(raw))
	if err != nil || !ok {
		t.Fatalf("ParseMatch = %v, %v", ok, err)
	}
	if m.ProductID != "BTC-USD" || !m.Price.Equal(decimal.RequireFromString("64250.17")) {
		t.Errorf("match = %+v", m)
	}
	want := time.Date(2024, 1, 15, 12, 30, 45, 123456000, time.UTC)
	if !m.Time.Equal(want) {
		t.Errorf("time = %v, want %v", m.Time, want)
	}

	// Whole-second timestamps parse too.
	if m, ok, err := ParseMatch([]byte(`{"type":"match","price":"1","time":"2024-01-15T12:30:45Z"}`)); err != nil || !ok || m.Time.Nanosecond() != 0 {
		t.Errorf("whole-second match = %+v, %v, %v", m, ok, err)
	}
}

func TestParseMatchSkipsOtherFrames(t *testing.T) {
	for _, raw := range []string{
		`{"type":"subscriptions","channels":[{"name":"matches","product_ids":["BTC-USD"]}]}`,
		`{"type":"heartbeat","sequence":1}`,
		`{"type":"last_match","price":"64000","time":"2024-01-15T12:30:45Z"}`,
	} {
		if _, ok, err := ParseMatch([]byte(raw)); ok || err != nil {
			t.Errorf("ParseMatch(%s) = %v, %v", raw, ok, err)
		}
	}
}

func TestParseMatchErrors(t *testing.T) {
	cases := map[string]string{
		"bad json":   `{`,
		"zero price": `{"type":"match","price":"0","time":"2024-01-15T12:30:45Z"}`,
		"bad price":  `{"type":"match","price":"abc","time":"2024-01-15T12:30:45Z"}`,
		"bad time":   `{"type":"match","price":"1","time":"yesterday"}`,
	}
	for name, raw := range cases {
		if _, ok, err := ParseMatch([]byte(raw)); err == nil || ok {
			t.Errorf("%s: ParseMatch = %v, %v", name, ok, err)
		}
	}
	_, _, err := ParseMatch([]byte(`{"type":"error","message":"Failed to subscribe","reason":"BTC-XXX is not a valid product"}`))
	if !errors.Is(err, errServer) || !strings.Contains(err.Error(), "not a valid product") {
		t.Errorf("error frame = %v", err)
	}
}

func TestWSClientSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions","channels":[]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"match","product_id":"BTC-USD","price":"64000.5","time":"2024-01-15T12:30:45.1Z"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"match","product_id":"BTC-USD","price":"64010","time":"2024-01-15T12:30:45.2Z"}`))
	}))
	defer srv.Close()

	client := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, discardLogger())

	var matches []Match
	connected := false
	err := client.Session(context.Background(), []string{"BTC-USD"}, func() { connected = true }, func(m Match) {
		matches = append(matches, m)
	})
	if !errors.Is(err, domain.ErrWSDisconnect) {
		t.Fatalf("Session err = %v, want ErrWSDisconnect", err)
	}
	if !connected {
		t.Error("onConnected not called")
	}
	sub := <-subscribed
	if sub.Type != "subscribe" || len(sub.ProductIDs) != 1 || sub.ProductIDs[0] != "BTC-USD" || len(sub.Channels) != 1 || sub.Channels[0] != "matches" {
		t.Errorf("subscribe = %+v", sub)
	}
	if len(matches) != 2 || !matches[1].Price.Equal(decimal.NewFromInt(64010)) {
		t.Errorf("matches = %+v", matches)
	}
}

func TestWSClientSessionErrorFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"Failed to subscribe","reason":"bad product"}`))
		// Keep the connection open; the client must end the session itself.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, discardLogger())
	done := make(chan error, 1)
	go func() {
		done <- client.Session(context.Background(), []string{"BTC-XXX"}, nil, func(Match) {})
	}()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrWSDisconnect) || !strings.Contains(err.Error(), "bad product") {
			t.Errorf("Session err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Session ignored the error frame")
	}
}
