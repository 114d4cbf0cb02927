package telemetry

import (
	"go.uber.org/zap"
)

// Sink 遥测出口。调用方不关心投递结果，实现不得阻塞交易路径。
type Sink interface {
	Evaluation(EvaluationEvent)
	Blocked(BlockEvent)
	Trade(TradeEvent)
	Slippage(SlippageEvent)
}

// Nop 丢弃全部事件，可嵌入只关心部分事件的实现。
type Nop struct{}

func (Nop) Evaluation(EvaluationEvent) {}
func (Nop) Blocked(BlockEvent)         {}
func (Nop) Trade(TradeEvent)           {}
func (Nop) Slippage(SlippageEvent)     {}

// Multi 扇出到多个 Sink；单个 Sink panic 不影响其余 Sink 及调用方。
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMulti 忽略 nil。
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Evaluation(ev EvaluationEvent) {
	for _, s := range m.sinks {
		m.safe("evaluation", func() { s.Evaluation(ev) })
	}
}

func (m *Multi) Blocked(ev BlockEvent) {
	for _, s := range m.sinks {
		m.safe("blocked", func() { s.Blocked(ev) })
	}
}

func (m *Multi) Trade(ev TradeEvent) {
	for _, s := range m.sinks {
		m.safe("trade", func() { s.Trade(ev) })
	}
}

func (m *Multi) Slippage(ev SlippageEvent) {
	for _, s := range m.sinks {
		m.safe("slippage", func() { s.Slippage(ev) })
	}
}

func (m *Multi) safe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("telemetry sink panicked", zap.String("event", kind), zap.Any("panic", r))
		}
	}()
	fn()
}
