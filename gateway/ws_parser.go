package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"market-arb-go/market"
)

// FeedMessage 行情中继推送的 JSON 消息。
type FeedMessage struct {
	Type     string      `json:"type"`
	Exchange string      `json:"exchange"`
	Token    string      `json:"token"`
	Symbol   string      `json:"symbol"`
	LTP      float64     `json:"ltp"`
	BestBid  float64     `json:"bestBid"`
	BidQty   int64       `json:"bidQty"`
	BestAsk  float64     `json:"bestAsk"`
	AskQty   int64       `json:"askQty"`
	Depth    *FeedDepth  `json:"depth,omitempty"`
	TS       json.Number `json:"ts"`
}

// FeedDepth 五档深度。
type FeedDepth struct {
	Buy  []FeedLevel `json:"buy"`
	Sell []FeedLevel `json:"sell"`
}

type FeedLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

// ParseTick 解析一条推送。非行情消息（心跳、订阅回执）返回 ok=false 且无错误。
// 标的名优先取 symbol 字段，缺失时通过 token 反查。
func ParseTick(raw []byte, book *InstrumentBook, recvAt time.Time) (market.Tick, bool, error) {
	var msg FeedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return market.Tick{}, false, fmt.Errorf("decode feed message: %w", err)
	}
	if msg.Type != "" && !strings.EqualFold(msg.Type, "tick") {
		return market.Tick{}, false, nil
	}
	venue, err := market.ParseVenue(msg.Exchange)
	if err != nil {
		return market.Tick{}, false, err
	}
	sym := msg.Symbol
	if sym == "" {
		it, ok := book.ByToken(venue, msg.Token)
		if !ok {
			return market.Tick{}, false, fmt.Errorf("unknown token %s on %s", msg.Token, venue)
		}
		sym = it.Symbol
	}

	t := market.Tick{
		Instrument: sym,
		Venue:      venue,
		LTP:        msg.LTP,
		BidPrice:   msg.BestBid,
		BidQty:     msg.BidQty,
		AskPrice:   msg.BestAsk,
		AskQty:     msg.AskQty,
		Timestamp:  recvAt,
	}
	if msg.Depth != nil {
		t.Bids = toLevels(msg.Depth.Buy)
		t.Asks = toLevels(msg.Depth.Sell)
		// 只推深度时用第一档补齐最优价
		if t.BidPrice == 0 && len(t.Bids) > 0 {
			t.BidPrice, t.BidQty = t.Bids[0].Price, t.Bids[0].Quantity
		}
		if t.AskPrice == 0 && len(t.Asks) > 0 {
			t.AskPrice, t.AskQty = t.Asks[0].Price, t.Asks[0].Quantity
		}
	}
	if ms, err := msg.TS.Int64(); err == nil && ms > 0 {
		t.Timestamp = time.UnixMilli(ms)
	}
	if err := t.Validate(); err != nil {
		return market.Tick{}, false, err
	}
	return t, true, nil
}

func toLevels(in []FeedLevel) []market.DepthLevel {
	if len(in) == 0 {
		return nil
	}
	out := make([]market.DepthLevel, len(in))
	for i, l := range in {
		out[i] = market.DepthLevel{Price: l.Price, Quantity: l.Quantity, Orders: l.Orders}
	}
	return out
}

// subscribeRequest SmartAPI v2 风格的订阅请求。exchangeType 1 为 NSE 现货，3 为 BSE 现货。
type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int          `json:"mode"`
	TokenList []tokenGroup `json:"tokenList"`
}

type tokenGroup struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

const (
	exchangeTypeNSECM = 1
	exchangeTypeBSECM = 3
	// 3 = SnapQuote，含五档深度
	modeSnapQuote = 3
)

func buildSubscribe(book *InstrumentBook, correlationID string) subscribeRequest {
	var nse, bse []string
	for _, it := range book.All() {
		switch it.Venue {
		case market.VenueNSE:
			nse = append(nse, it.Token)
		case market.VenueBSE:
			bse = append(bse, it.Token)
		}
	}
	req := subscribeRequest{CorrelationID: correlationID, Action: 1, Params: subscribeParams{Mode: modeSnapQuote}}
	if len(nse) > 0 {
		req.Params.TokenList = append(req.Params.TokenList, tokenGroup{ExchangeType: exchangeTypeNSECM, Tokens: nse})
	}
	if len(bse) > 0 {
		req.Params.TokenList = append(req.Params.TokenList, tokenGroup{ExchangeType: exchangeTypeBSECM, Tokens: bse})
	}
	return req
}
