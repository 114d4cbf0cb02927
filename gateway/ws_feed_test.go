package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"market-arb-go/market"
)

func TestWSFeedDeliversTicksAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		n := atomic.AddInt32(&conns, 1)

		var sub subscribeRequest
		if err := c.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if len(sub.Params.TokenList) != 2 {
			t.Errorf("unexpected subscription %+v", sub)
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","exchange":"NSE","token":"3045","ltp":812,"bestBid":811.9,"bidQty":10,"bestAsk":812.1,"askQty":10}`))
		if n == 1 {
			// 第一次连接发完即断开，触发重连
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick","exchange":"BSE","symbol":"SBIN","ltp":812.4,"bestBid":812.3,"bidQty":10,"bestAsk":812.5,"askQty":10}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	feed := NewWSFeed("ws"+strings.TrimPrefix(ts.URL, "http"), testBook(t), nil)
	feed.RetryBackoff = 10 * time.Millisecond
	feed.PingInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan market.Tick, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- feed.Run(ctx, out) }()

	var got []market.Tick
	timeout := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case tk := <-out:
			got = append(got, tk)
		case <-timeout:
			t.Fatalf("timed out, got %d ticks", len(got))
		}
	}
	if got[0].Venue != market.VenueNSE || got[2].Venue != market.VenueBSE || got[2].Instrument != "SBIN" {
		t.Fatalf("unexpected ticks %+v", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run should return nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	st := feed.Stats()
	if st.Reconnects < 1 || st.Dropped < 2 || st.Received < 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
