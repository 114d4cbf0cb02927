package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"market-arb-go/market"
	"market-arb-go/order"
)

func testBook(t *testing.T) *InstrumentBook {
	t.Helper()
	book, err := NewInstrumentBook(
		Instrument{Symbol: "SBIN", Venue: market.VenueNSE, Token: "3045"},
		Instrument{Symbol: "SBIN", Venue: market.VenueBSE, Token: "500112"},
	)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return book
}

func TestSmartAPIClientPlaceAndStatus(t *testing.T) {
	var got placeRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer jwt" || r.Header.Get("X-PrivateKey") != "key" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		switch r.URL.Path {
		case placeOrderPath:
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method %s", r.Method)
			}
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &got); err != nil {
				t.Errorf("decode body: %v", err)
			}
			io.WriteString(w, `{"status":true,"message":"SUCCESS","errorcode":"","data":{"orderid":"241104000123","uniqueorderid":"u-1"}}`)
		case orderBookPath:
			io.WriteString(w, `{"status":true,"message":"SUCCESS","data":[
				{"orderid":"999","orderstatus":"open","averageprice":0,"filledshares":"0"},
				{"orderid":"241104000123","orderstatus":"complete","averageprice":"812.35","filledshares":"10","text":""}
			]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	cli := &SmartAPIClient{
		BaseURL:     ts.URL,
		APIKey:      "key",
		ClientCode:  "A123",
		AccessToken: "jwt",
		HTTPClient:  ts.Client(),
		Limiter:     NewTokenBucketLimiter(100, 10),
		Instruments: testBook(t),
	}
	leg := order.OrderLeg{
		Venue: market.VenueNSE, Instrument: "SBIN", Side: order.SideBuy, Quantity: 10,
		Type: order.OrderTypeLimit, Product: order.ProductIntraday, Validity: order.ValidityIOC,
		Price: 812.4, Tag: "abcB",
	}
	id, err := cli.Place(context.Background(), leg)
	if err != nil {
		t.Fatalf("place err: %v", err)
	}
	if id != "241104000123" {
		t.Fatalf("unexpected order id %s", id)
	}
	if got.TradingSymbol != "SBIN-EQ" || got.SymbolToken != "3045" || got.Exchange != "NSE" {
		t.Fatalf("unexpected instrument fields %+v", got)
	}
	if got.Price != "812.40" || got.Quantity != "10" || got.Duration != "IOC" || got.OrderType != "LIMIT" {
		t.Fatalf("unexpected order fields %+v", got)
	}

	rep, err := cli.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status err: %v", err)
	}
	if rep.Status != order.StatusFilled || rep.FilledPrice != 812.35 || rep.FilledQty != 10 {
		t.Fatalf("unexpected report %+v", rep)
	}

	rep, err = cli.Status(context.Background(), "missing")
	if err != nil || rep.Status != order.StatusPending {
		t.Fatalf("unknown order should be pending, got %+v %v", rep, err)
	}
}

func TestSmartAPIClientBrokerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":false,"message":"Invalid Token","errorcode":"AG8001","data":null}`)
	}))
	defer ts.Close()

	cli := &SmartAPIClient{BaseURL: ts.URL, HTTPClient: ts.Client(), Instruments: testBook(t)}
	_, err := cli.Place(context.Background(), order.OrderLeg{
		Venue: market.VenueBSE, Instrument: "SBIN", Side: order.SideSell, Quantity: 1,
		Type: order.OrderTypeMarket, Product: order.ProductIntraday, Validity: order.ValidityIOC,
	})
	if err == nil {
		t.Fatal("expected broker error")
	}

	_, err = cli.Place(context.Background(), order.OrderLeg{Venue: market.VenueNSE, Instrument: "TCS", Quantity: 1})
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestSmartAPIClientHTTPStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer ts.Close()
	cli := &SmartAPIClient{BaseURL: ts.URL, HTTPClient: ts.Client(), Instruments: testBook(t)}
	if _, err := cli.Status(context.Background(), "1"); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]order.Status{
		"complete":           order.StatusFilled,
		"Rejected":           order.StatusRejected,
		"cancelled":          order.StatusCancelled,
		"open":               order.StatusOpen,
		"validation pending": order.StatusPending,
		"":                   order.StatusPending,
	}
	for in, want := range cases {
		if got := MapOrderStatus(in); got != want {
			t.Errorf("MapOrderStatus(%q)=%s, want %s", in, got, want)
		}
	}
}

func TestTokenBucketLimiterHonoursContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.001, 1)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first token should be immediate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
