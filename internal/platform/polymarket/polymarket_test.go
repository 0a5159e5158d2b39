package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseMarketFrameBook(t *testing.T) {
	now := time.Unix(1700000000, 0)
	raw := `[{"event_type":"book","asset_id":"up","bids":[{"price":"0.48","size":"10"},{"price":"0.50","size":"5"},{"price":"0.51","size":"0"}],"asks":[{"price":"0.55","size":"3"},{"price":"0.53","size":"7"}],"timestamp":"1700000000123"}]`

	qs, err := ParseMarketFrame([]byte(raw), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 {
		t.Fatalf("got %d quotes, want 1", len(qs))
	}
	q := qs[0]
	if q.AssetID != "up" || !q.BestBid.Equal(dec("0.50")) || !q.BestAsk.Equal(dec("0.53")) {
		t.Errorf("quote = %+v", q)
	}
	if !q.HasBid || !q.HasAsk {
		t.Error("book quote should carry both sides")
	}
	if q.Timestamp.UnixMilli() != 1700000000123 {
		t.Errorf("timestamp = %v", q.Timestamp)
	}
}

func TestParseMarketFramePriceChange(t *testing.T) {
	raw := `{"event_type":"price_change","market":"0xm","price_changes":[
		{"asset_id":"up","price":"0.5","size":"10","side":"BUY","best_bid":"0.5","best_ask":"0.52"},
		{"asset_id":"down","price":"0.5","size":"10","side":"SELL","best_bid":"","best_ask":"0.51"}],
		"timestamp":"1700000000"}`

	qs, err := ParseMarketFrame([]byte(raw), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 2 {
		t.Fatalf("got %d quotes, want 2", len(qs))
	}
	if !qs[0].HasBid || !qs[0].BestBid.Equal(dec("0.5")) || !qs[0].BestAsk.Equal(dec("0.52")) {
		t.Errorf("up quote = %+v", qs[0])
	}
	if qs[1].HasBid || !qs[1].HasAsk {
		t.Errorf("down quote should be ask-only: %+v", qs[1])
	}
}

func TestParseMarketFrameIgnoresUnknown(t *testing.T) {
	for _, raw := range []string{`{"event_type":"last_trade_price","asset_id":"x","price":"0.5"}`, "PONG", ""} {
		qs, err := ParseMarketFrame([]byte(raw), time.Now())
		if err != nil || len(qs) != 0 {
			t.Errorf("ParseMarketFrame(%q) = %v, %v", raw, qs, err)
		}
	}
	if _, err := ParseMarketFrame([]byte("{not json"), time.Now()); err == nil {
		t.Error("want error for malformed frame")
	}
}

func TestFillFromResult(t *testing.T) {
	r := APIOrderResult{TakingAmount: "20", MakingAmount: "10"}
	size, price := r.FillFromResult(domain.DirectionBuy)
	if !size.Equal(dec("20")) || !price.Equal(dec("0.5")) {
		t.Errorf("buy fill = %s @ %s", size, price)
	}

	r = APIOrderResult{TakingAmount: "6.18", MakingAmount: "12"}
	size, price = r.FillFromResult(domain.DirectionSell)
	if !size.Equal(dec("12")) || !price.Equal(dec("0.515")) {
		t.Errorf("sell fill = %s @ %s", size, price)
	}

	r = APIOrderResult{}
	size, _ = r.FillFromResult(domain.DirectionSell)
	if !size.IsZero() {
		t.Errorf("empty result fill = %s", size)
	}
}

func TestOrderAmounts(t *testing.T) {
	tests := []struct {
		dir          domain.OrderDirection
		price, size  string
		maker, taker string
	}{
		{domain.DirectionBuy, "0.52", "20", "10400000", "20000000"},
		{domain.DirectionSell, "0.48", "12.5", "12500000", "6000000"},
	}
	for _, tt := range tests {
		m, k, err := OrderAmounts(tt.dir, dec(tt.price), dec(tt.size))
		if err != nil {
			t.Fatal(err)
		}
		if m != tt.maker || k != tt.taker {
			t.Errorf("%s %s@%s: maker=%s taker=%s, want %s %s", tt.dir, tt.size, tt.price, m, k, tt.maker, tt.taker)
		}
	}
	if _, _, err := OrderAmounts(domain.DirectionBuy, decimal.Zero, dec("1")); !errors.Is(err, domain.ErrOrderRejected) {
		t.Errorf("zero price err = %v", err)
	}
}

func TestNormaliseStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"LIVE":                 domain.OrderStatusLive,
		"ORDER_STATUS_MATCHED": domain.OrderStatusMatched,
		"CANCELED":             domain.OrderStatusCancelled,
		"unmatched":            domain.OrderStatusUnmatched,
		"delayed":              domain.OrderStatusDelayed,
	}
	for in, want := range cases {
		if got := normaliseStatus(in); got != want {
			t.Errorf("normaliseStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func newTestExchange(t *testing.T, h http.HandlerFunc) *Exchange {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	signer, err := crypto.NewSigner(testKey, 137, "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	if err != nil {
		t.Fatal(err)
	}
	creds := crypto.APICreds{Key: "key", Secret: "c2VjcmV0", Passphrase: "pass"}
	clob := NewClobClient(srv.URL, signer, creds)
	return NewExchange(clob, signer, ExchangeConfig{OrderType: domain.OrderTypeGTC}, nil, discardLogger())
}

func TestExchangePlaceOrder(t *testing.T) {
	var got PostOrderRequest
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("POLY_API_KEY") != "key" || r.Header.Get("POLY_SIGNATURE") == "" {
			t.Error("missing L2 headers")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true,"orderID":"0xabc","status":"matched","takingAmount":"20","makingAmount":"10.4"}`))
	})

	st, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		TokenID: "123", Direction: domain.DirectionBuy, Price: dec("0.52"), Size: dec("20"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.OrderID != "0xabc" || st.Status != domain.OrderStatusMatched || !st.SizeMatched.Equal(dec("20")) || !st.AvgPrice.Equal(dec("0.52")) {
		t.Errorf("state = %+v", st)
	}
	if got.Owner != "key" || got.OrderType != "GTC" || got.Order.Side != "BUY" {
		t.Errorf("request = %+v", got)
	}
	if got.Order.MakerAmount != "10400000" || got.Order.TakerAmount != "20000000" || !strings.HasPrefix(got.Order.Signature, "0x") {
		t.Errorf("order = %+v", got.Order)
	}
}

func TestExchangeRejectionIsVerbatim(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorMsg":"not enough balance / allowance"}`))
	})
	_, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		TokenID: "1", Direction: domain.DirectionBuy, Price: dec("0.5"), Size: dec("10"),
	})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
	if !strings.Contains(err.Error(), "not enough balance / allowance") {
		t.Errorf("err = %q, want exchange message", err)
	}
}

func TestExchangeNoMatchIsNotRejection(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorMsg":"no orders found to match with FAK order. FAK orders are partially filled or killed if no match is found."}`))
	})
	st, err := ex.PlaceOrder(context.Background(), domain.OrderRequest{
		TokenID: "1", Direction: domain.DirectionSell, Price: dec("0.5"), Size: dec("10"), Type: domain.OrderTypeFAK,
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if st.Status != domain.OrderStatusUnmatched || !st.SizeMatched.IsZero() {
		t.Errorf("state = %+v", st)
	}
}

func TestExchangeOrderStatusAndCancel(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/data/order/0xabc":
			w.Write([]byte(`{"id":"0xabc","status":"LIVE","size_matched":"12","price":"0.49"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/order":
			w.Write([]byte(`{"canceled":["0xabc"],"not_canceled":{}}`))
		default:
			http.NotFound(w, r)
		}
	})
	st, err := ex.OrderStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.OrderStatusLive || !st.SizeMatched.Equal(dec("12")) || !st.AvgPrice.Equal(dec("0.49")) {
		t.Errorf("state = %+v", st)
	}
	if err := ex.CancelOrder(context.Background(), "0xabc"); err != nil {
		t.Errorf("cancel: %v", err)
	}
}

func TestWSClientSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan WSCommand, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"best_bid_ask","asset_id":"up","best_bid":"0.61","best_ask":"0.63"}`))
		// Drop the connection so Session returns a disconnect error.
	}))
	defer srv.Close()

	client := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, discardLogger())

	var mu sync.Mutex
	var quotes []domain.Quote
	connected := false
	err := client.Session(context.Background(), []string{"up", "down"}, func() { connected = true }, func(q domain.Quote) {
		mu.Lock()
		quotes = append(quotes, q)
		mu.Unlock()
	})
	if !errors.Is(err, domain.ErrWSDisconnect) {
		t.Fatalf("Session err = %v, want ErrWSDisconnect", err)
	}
	if !connected {
		t.Error("onConnected not called")
	}
	cmd := <-subscribed
	if cmd.Type != "market" || len(cmd.Assets) != 2 {
		t.Errorf("subscribe = %+v", cmd)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(quotes) != 1 || !quotes[0].BestBid.Equal(dec("0.61")) {
		t.Errorf("quotes = %+v", quotes)
	}
}

func TestWSClientSessionContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, discardLogger())
	done := make(chan error, 1)
	go func() {
		done <- client.Session(ctx, []string{"up"}, cancel, func(domain.Quote) {})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Session err = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not return after cancel")
	}
}
