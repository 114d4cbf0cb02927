package gateway

import (
	"fmt"
	"strings"

	"market-arb-go/market"
)

// Instrument 券商侧合约标识。
type Instrument struct {
	Symbol        string
	Venue         market.Venue
	Token         string
	TradingSymbol string
}

// InstrumentBook 标的与券商 token 的双向映射，构造后只读。
type InstrumentBook struct {
	byKey   map[market.Key]Instrument
	byToken map[string]Instrument
}

func NewInstrumentBook(items ...Instrument) (*InstrumentBook, error) {
	b := &InstrumentBook{
		byKey:   make(map[market.Key]Instrument, len(items)),
		byToken: make(map[string]Instrument, len(items)),
	}
	for _, it := range items {
		if it.Symbol == "" || it.Token == "" || !it.Venue.Valid() {
			return nil, fmt.Errorf("invalid instrument %+v", it)
		}
		if it.TradingSymbol == "" {
			it.TradingSymbol = DefaultTradingSymbol(it.Symbol, it.Venue)
		}
		key := market.Key{Instrument: it.Symbol, Venue: it.Venue}
		if _, dup := b.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate instrument %s", key)
		}
		b.byKey[key] = it
		b.byToken[tokenKey(it.Venue, it.Token)] = it
	}
	return b, nil
}

// DefaultTradingSymbol NSE 现货带 -EQ 后缀，BSE 直接使用代码。
func DefaultTradingSymbol(symbol string, v market.Venue) string {
	if v == market.VenueNSE {
		return strings.ToUpper(symbol) + "-EQ"
	}
	return strings.ToUpper(symbol)
}

func tokenKey(v market.Venue, token string) string { return v.String() + ":" + token }

// Lookup 按标的和交易所查找。
func (b *InstrumentBook) Lookup(symbol string, v market.Venue) (Instrument, bool) {
	if b == nil {
		return Instrument{}, false
	}
	it, ok := b.byKey[market.Key{Instrument: symbol, Venue: v}]
	return it, ok
}

// ByToken 行情推送只带 token 时反查标的。
func (b *InstrumentBook) ByToken(v market.Venue, token string) (Instrument, bool) {
	if b == nil {
		return Instrument{}, false
	}
	it, ok := b.byToken[tokenKey(v, token)]
	return it, ok
}

// All 返回全部条目，顺序不保证。
func (b *InstrumentBook) All() []Instrument {
	if b == nil {
		return nil
	}
	out := make([]Instrument, 0, len(b.byKey))
	for _, it := range b.byKey {
		out = append(out, it)
	}
	return out
}
