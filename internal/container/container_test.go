package container

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-arb-go/config"
	"market-arb-go/internal/engine"
	"market-arb-go/market"
	"market-arb-go/order"
	"market-arb-go/risk"
)

const testConfig = `
env: paper
minSpread: 0.5
defaultQuantity: 5
heartbeatMs: 100
symbols:
  SBIN:
    nseToken: "3045"
    bseToken: "500112"
execution:
  pollIntervalMs: 20
  legTimeoutMs: 500
session:
  ignoreHours: true
broker:
  mode: paper
  paperFillDelayMs: 0
feed:
  url: %s
  buffer: 16
telemetry:
  metricsAddr: 127.0.0.1:0
log:
  level: error
`

func writeConfig(t *testing.T, feedURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, feedURL)), 0o644))
	return path
}

// feedServer 推送一组 SBIN 行情后保持连接
func feedServer(t *testing.T, msgs ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var sub map[string]interface{}
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		for _, m := range msgs {
			_ = c.WriteMessage(websocket.TextMessage, []byte(m))
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string { return "ws" + strings.TrimPrefix(ts.URL, "http") }

func TestContainerRunExecutesPaperTrade(t *testing.T) {
	ts := feedServer(t,
		`{"type":"tick","exchange":"NSE","token":"3045","ltp":800,"bestBid":799.9,"bidQty":100,"bestAsk":800.1,"askQty":100}`,
		`{"type":"tick","exchange":"BSE","token":"500112","ltp":805,"bestBid":804.9,"bidQty":100,"bestAsk":805.1,"askQty":100}`,
	)
	c, err := New(writeConfig(t, wsURL(ts)))
	require.NoError(t, err)
	require.NoError(t, c.Build(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.Safety().Stats().TotalTrades == 1
	}, 5*time.Second, 20*time.Millisecond)

	st := c.Safety().Stats()
	assert.Equal(t, 1, st.SuccessfulTrades)
	assert.Equal(t, 0, st.OpenExposure)
	assert.Equal(t, int64(1), c.Engine().Stats().Signals)
	assert.NoError(t, c.HealthCheck())

	// 台账先于遥测更新，指标需要轮询
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + c.MetricsAddr() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		body = string(raw)
		return strings.Contains(body, `arb_engine_trades_total{instrument="SBIN",outcome="SUCCESS"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "arb_feed_ticks_received_total 2")

	resp, err := http.Get("http://" + c.MetricsAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, engine.StateStopped, c.Engine().State())
	assert.Error(t, c.HealthCheck())
}

func TestContainerReplayRunsToCompletion(t *testing.T) {
	dir := t.TempDir()
	ticks := filepath.Join(dir, "ticks.jsonl")
	require.NoError(t, os.WriteFile(ticks, []byte(strings.Join([]string{
		`{"type":"tick","exchange":"NSE","token":"3045","ltp":800,"bestBid":799.9,"bidQty":100,"bestAsk":800.1,"askQty":100}`,
		`{"type":"tick","exchange":"BSE","token":"500112","ltp":805,"bestBid":804.9,"bidQty":100,"bestAsk":805.1,"askQty":100}`,
	}, "\n")), 0o644))
	cfg := strings.Replace(fmt.Sprintf(testConfig, `""`), "buffer: 16", "buffer: 16\n  replayFile: "+ticks, 1)
	cfg = strings.Replace(cfg, "metricsAddr: 127.0.0.1:0", `metricsAddr: ""`, 1)
	path := filepath.Join(dir, "arb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	c, err := New(path)
	require.NoError(t, err)
	require.NoError(t, c.Build(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("replay run did not finish")
	}
	// 引擎在退出前等待在途执行
	st := c.Safety().Stats()
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, 1, st.SuccessfulTrades)
	assert.Empty(t, c.MetricsAddr())
}

func TestContainerRunRequiresBuild(t *testing.T) {
	c, err := New(writeConfig(t, "ws://127.0.0.1:1/feed"))
	require.NoError(t, err)
	assert.Error(t, c.Run(context.Background()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaultQuantity: 0\n"), 0o644))
	_, err := New(path)
	assert.Error(t, err)
}

func TestApplyConfigUpdatesThresholdsAndLimits(t *testing.T) {
	c, err := New(writeConfig(t, "ws://127.0.0.1:1/feed"))
	require.NoError(t, err)
	require.NoError(t, c.Build(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	next := c.Config()
	next.MinSpread = 2.5
	next.Risk.MaxTradesPerMinute = 10
	next.Symbols = map[string]config.SymbolConfig{
		"SBIN": {NSEToken: "3045", BSEToken: "500112", Quantity: 7},
	}
	next.Feed.URL = "ws://elsewhere/feed"
	c.ApplyConfig(next)

	assert.Equal(t, 10, c.Safety().Limits().MaxTradesPerMinute)
	got := c.Config()
	assert.Equal(t, 2.5, got.MinSpread)
	assert.Equal(t, int64(7), got.Symbols["SBIN"].Quantity)
	// 连接参数不热更新
	assert.Equal(t, "ws://127.0.0.1:1/feed", got.Feed.URL)
}

func TestApplyConfigLeavesSnapshotsIntact(t *testing.T) {
	c, err := New(writeConfig(t, "ws://127.0.0.1:1/feed"))
	require.NoError(t, err)
	require.NoError(t, c.Build(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	snap := c.Config()
	next := c.Config()
	next.Symbols["SBIN"] = config.SymbolConfig{NSEToken: "3045", BSEToken: "500112", Quantity: 9}
	assert.Equal(t, int64(0), c.Config().Symbols["SBIN"].Quantity, "editing a copy must not leak")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			c.ApplyConfig(next)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = snap.Symbols["SBIN"].Quantity
			_ = c.Config().Symbols["SBIN"]
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(0), snap.Symbols["SBIN"].Quantity)
	assert.Equal(t, int64(9), c.Config().Symbols["SBIN"].Quantity)
}

func TestBreakerResetEndpoint(t *testing.T) {
	c, err := New(writeConfig(t, "ws://127.0.0.1:1/feed"))
	require.NoError(t, err)
	require.NoError(t, c.Build(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < c.Safety().Limits().MaxConsecutiveFailures; i++ {
		c.Safety().RegisterOpen("SBIN")
		c.Safety().RegisterClose("SBIN", 0.5, risk.OutcomeNoFill)
	}
	require.ErrorIs(t, c.Safety().Admit("SBIN"), risk.ErrCircuitOpen)

	mux := c.routes()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breaker/reset", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.True(t, c.Safety().Stats().CircuitOpen)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breaker/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CircuitOpen":false`)

	st := c.Safety().Stats()
	assert.Equal(t, 0, st.ConsecutiveFailure)
	assert.Equal(t, 2, st.FailedTrades, "ledger survives reset")
	assert.NoError(t, c.Safety().Admit("SBIN"))
}

func TestRestartRequired(t *testing.T) {
	cur := config.Default()
	cur.Symbols = map[string]config.SymbolConfig{"SBIN": {NSEToken: "3045", BSEToken: "500112"}}

	next := cur
	next.MinSpread = 3
	next.Risk.MaxTradesPerMinute = 9
	assert.Empty(t, restartRequired(cur, next))

	next.Broker.Mode = "smartapi"
	next.Symbols = map[string]config.SymbolConfig{"INFY": {NSEToken: "1594", BSEToken: "500209"}}
	assert.Equal(t, []string{"broker", "symbols"}, restartRequired(cur, next))
}

func TestConversions(t *testing.T) {
	cfg := config.Default()
	cfg.Symbols = map[string]config.SymbolConfig{
		"sbin": {NSEToken: "3045", BSEToken: "500112", MinSpread: 0.8},
		"INFY": {NSEToken: "1594", BSEToken: "500209", BSESymbol: "INFOSYS"},
	}

	th := thresholds(cfg)
	spread, qty := th.For("SBIN")
	assert.Equal(t, 1.0, spread, "global minSpread is larger")
	assert.Equal(t, int64(1), qty)
	assert.NotContains(t, th.Symbols, "INFY")

	book, err := instrumentBook(cfg.Symbols)
	require.NoError(t, err)
	assert.Len(t, book.All(), 4)
	it, ok := book.ByToken(market.VenueBSE, "500209")
	require.True(t, ok)
	assert.Equal(t, "INFOSYS", it.TradingSymbol)
	it, ok = book.Lookup("SBIN", market.VenueNSE)
	require.True(t, ok)
	assert.Equal(t, "SBIN-EQ", it.TradingSymbol)

	oc, err := orderConfig(cfg.Execution)
	require.NoError(t, err)
	assert.Equal(t, order.OrderTypeMarket, oc.OrderType)
	assert.Equal(t, order.ProductIntraday, oc.Product)
	assert.Equal(t, 3*time.Second, oc.LegTimeout)

	cfg.Execution.OrderType = "STOP"
	_, err = orderConfig(cfg.Execution)
	assert.Error(t, err)

	limits := riskLimits(config.RiskConfig{MaxTradesPerMinute: 6, MaxConcurrentExposure: 2, MaxConsecutiveFailures: 3})
	assert.Equal(t, time.Minute, limits.Window)
	assert.Equal(t, 6, limits.MaxTradesPerMinute)
	assert.Equal(t, 0, limits.MaxOpenPerInstrument)

	h := feedHeader(config.BrokerConfig{AccessToken: "tok", APIKey: "k"}, config.FeedConfig{FeedToken: "ft"})
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "k", h.Get("x-api-key"))
	assert.Equal(t, "ft", h.Get("x-feed-token"))
	assert.Empty(t, h.Get("x-client-code"))
}

func TestMarketSessionIgnoreHours(t *testing.T) {
	gate, err := marketSession(config.SessionConfig{IgnoreHours: true})
	require.NoError(t, err)
	assert.True(t, gate.IsMarketOpen(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)))

	gate, err = marketSession(config.SessionConfig{TradingStart: "09:15", TradingEnd: "15:30", Timezone: "Asia/Kolkata"})
	require.NoError(t, err)
	// 02:00 UTC = 07:30 IST
	assert.False(t, gate.IsMarketOpen(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)))
}
