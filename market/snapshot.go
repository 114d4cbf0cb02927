package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSnapshot 同一标的两家交易所的同步行情对，只在两边都至少有一条 Tick 时构造。
// 用于单次评估，不持久化。
type QuoteSnapshot struct {
	Instrument string
	NSE        Tick
	BSE        Tick
	BuiltAt    time.Time
}

// Leg 返回指定交易所一侧的 Tick。
func (s QuoteSnapshot) Leg(v Venue) Tick {
	if v == VenueBSE {
		return s.BSE
	}
	return s.NSE
}

// LTPSpread 两边最新成交价之差的绝对值，按十进制相减，100.3-100.0 恰为 0.3。
func (s QuoteSnapshot) LTPSpread() float64 {
	return PriceDiff(s.NSE.LTP, s.BSE.LTP).Abs().InexactFloat64()
}

// PriceDiff 十进制计算 a-b，避免二进制浮点误差影响阈值比较。
func PriceDiff(a, b float64) decimal.Decimal {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b))
}

// Age 返回较旧一侧 Tick 距 now 的时长。
func (s QuoteSnapshot) Age(now time.Time) time.Duration {
	oldest := s.NSE.Timestamp
	if s.BSE.Timestamp.Before(oldest) {
		oldest = s.BSE.Timestamp
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}
