package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-arb-go/market"
)

// Basis 价差计算口径。
type Basis int

const (
	// BasisLTP 使用两边最新成交价。
	BasisLTP Basis = iota
	// BasisQuote 使用可成交价：买方吃卖一，卖方打买一。
	BasisQuote
)

func (b Basis) String() string {
	if b == BasisQuote {
		return "quote"
	}
	return "ltp"
}

// ParseBasis 空字符串视为 ltp。
func ParseBasis(s string) (Basis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ltp":
		return BasisLTP, nil
	case "quote", "executable":
		return BasisQuote, nil
	default:
		return BasisLTP, fmt.Errorf("unknown spread basis %q", s)
	}
}

// SpreadSignal 一次通过评估的结果，只被执行器消费一次。
// BuyPrice < SellPrice 恒成立；Quantity 不超过构造时两侧的挂单量。
type SpreadSignal struct {
	ID         string
	Instrument string
	Spread     float64
	SpreadPct  float64
	BuyVenue   market.Venue
	SellVenue  market.Venue
	BuyPrice   float64 // 信号隐含的买入价
	SellPrice  float64 // 信号隐含的卖出价
	BuyAsk     float64 // 买方交易所卖一，用于限价腿
	SellBid    float64 // 卖方交易所买一，用于限价腿
	Quantity   int64
	Basis      Basis
	DetectedAt time.Time
}

// Detector 无状态价差检测器，可并发调用。
type Detector struct {
	Basis Basis
}

func NewDetector(basis Basis) Detector {
	return Detector{Basis: basis}
}

// Evaluate 计算价差、方向与流动性；未通过返回 false。
func (d Detector) Evaluate(snap market.QuoteSnapshot, minSpread float64, requiredQty int64) (SpreadSignal, bool) {
	if requiredQty <= 0 {
		return SpreadSignal{}, false
	}
	if d.Basis == BasisQuote {
		return evaluateQuote(snap, minSpread, requiredQty)
	}
	return evaluateLTP(snap, minSpread, requiredQty)
}

func evaluateLTP(snap market.QuoteSnapshot, minSpread float64, qty int64) (SpreadSignal, bool) {
	nse, bse := snap.NSE, snap.BSE
	if nse.LTP <= 0 || bse.LTP <= 0 || nse.LTP == bse.LTP {
		return SpreadSignal{}, false
	}
	buy, sell := nse, bse
	if bse.LTP < nse.LTP {
		buy, sell = bse, nse
	}
	if !meetsThreshold(market.PriceDiff(sell.LTP, buy.LTP), minSpread) {
		return SpreadSignal{}, false
	}
	if !hasLiquidity(buy.AskQty, sell.BidQty, qty) {
		return SpreadSignal{}, false
	}
	return newSignal(snap, buy, sell, buy.LTP, sell.LTP, qty, BasisLTP), true
}

func evaluateQuote(snap market.QuoteSnapshot, minSpread float64, qty int64) (SpreadSignal, bool) {
	nse, bse := snap.NSE, snap.BSE
	if nse.AskPrice <= 0 || nse.BidPrice <= 0 || bse.AskPrice <= 0 || bse.BidPrice <= 0 {
		return SpreadSignal{}, false
	}
	nseBuy := market.PriceDiff(bse.BidPrice, nse.AskPrice)
	bseBuy := market.PriceDiff(nse.BidPrice, bse.AskPrice)

	buy, sell, spread := nse, bse, nseBuy
	if bseBuy.GreaterThan(nseBuy) {
		buy, sell, spread = bse, nse, bseBuy
	}
	if !spread.IsPositive() || !meetsThreshold(spread, minSpread) {
		return SpreadSignal{}, false
	}
	if !hasLiquidity(buy.AskQty, sell.BidQty, qty) {
		return SpreadSignal{}, false
	}
	return newSignal(snap, buy, sell, buy.AskPrice, sell.BidPrice, qty, BasisQuote), true
}

func newSignal(snap market.QuoteSnapshot, buy, sell market.Tick, buyPx, sellPx float64, qty int64, basis Basis) SpreadSignal {
	spread := market.PriceDiff(sellPx, buyPx).InexactFloat64()
	mid := (buyPx + sellPx) / 2
	detected := snap.BuiltAt
	if detected.IsZero() {
		detected = time.Now()
	}
	return SpreadSignal{
		Instrument: snap.Instrument,
		Spread:     spread,
		SpreadPct:  spread / mid * 100,
		BuyVenue:   buy.Venue,
		SellVenue:  sell.Venue,
		BuyPrice:   buyPx,
		SellPrice:  sellPx,
		BuyAsk:     buy.AskPrice,
		SellBid:    sell.BidPrice,
		Quantity:   qty,
		Basis:      basis,
		DetectedAt: detected,
	}
}

// meetsThreshold 仅当 spread < minSpread 时不通过，等于阈值即通过。
func meetsThreshold(spread decimal.Decimal, minSpread float64) bool {
	return spread.GreaterThanOrEqual(decimal.NewFromFloat(minSpread))
}

// hasLiquidity 仅检查当下展示的挂单量，不保证成交。
func hasLiquidity(buyAskQty, sellBidQty, required int64) bool {
	return buyAskQty >= required && sellBidQty >= required
}
