package telemetry

import "time"

// EvaluationEvent 每次快照评估的结果，无论是否产生信号。
type EvaluationEvent struct {
	Instrument string  `json:"instrument"`
	NSELTP     float64 `json:"nseLtp"`
	BSELTP     float64 `json:"bseLtp"`
	Spread     float64 `json:"spread"`
	SpreadPct  float64 `json:"spreadPct"`
	Signaled   bool    `json:"signaled"`
	// QuoteAge 较旧一侧行情的时长，不参与决策
	QuoteAge time.Duration `json:"quoteAgeNs"`
	At       time.Time     `json:"at"`
}

// BlockEvent 信号被风控拦截。不是交易失败。
type BlockEvent struct {
	Instrument string    `json:"instrument"`
	Spread     float64   `json:"spread"`
	Code       string    `json:"code"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// TradeEvent 一次套利尝试关闭时上报。
type TradeEvent struct {
	TradeID        string        `json:"tradeId"`
	Instrument     string        `json:"instrument"`
	BuyVenue       string        `json:"buyVenue"`
	SellVenue      string        `json:"sellVenue"`
	Quantity       int64         `json:"quantity"`
	Spread         float64       `json:"spread"`
	Outcome        string        `json:"outcome"`
	BuyStatus      string        `json:"buyStatus"`
	SellStatus     string        `json:"sellStatus"`
	BuyFillPrice   float64       `json:"buyFillPrice,omitempty"`
	SellFillPrice  float64       `json:"sellFillPrice,omitempty"`
	FailsafeStatus string        `json:"failsafeStatus,omitempty"`
	Duration       time.Duration `json:"durationNs"`
	At             time.Time     `json:"at"`
}

// SlippageEvent 单腿成交价与信号价之差，只用于观察。
// Slippage 为正表示成交价比信号价更差。
type SlippageEvent struct {
	TradeID    string    `json:"tradeId"`
	Instrument string    `json:"instrument"`
	Venue      string    `json:"venue"`
	Side       string    `json:"side"`
	Expected   float64   `json:"expected"`
	Filled     float64   `json:"filled"`
	Slippage   float64   `json:"slippage"`
	At         time.Time `json:"at"`
}
