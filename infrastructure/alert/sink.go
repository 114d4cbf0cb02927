package alert

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"market-arb-go/telemetry"
)

// Sender 由 Manager 实现
type Sender interface {
	SendAlert(Alert) error
}

// TradeSink 把需要人工介入的交易结果转成告警。
// 投递走有界队列，队列满时丢弃，交易路径不会因通道阻塞。
type TradeSink struct {
	telemetry.Nop

	sender  Sender
	queue   chan Alert
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewTradeSink 创建交易告警出口，需调用 Run 开始投递
func NewTradeSink(sender Sender, buffer int, logger *zap.Logger) *TradeSink {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeSink{
		sender: sender,
		queue:  make(chan Alert, buffer),
		logger: logger.Named("alert.sink"),
	}
}

// Trade UNRESOLVED 为单边裸露仓位，发 CRITICAL；平仓成功发 WARNING
func (s *TradeSink) Trade(ev telemetry.TradeEvent) {
	fields := map[string]interface{}{
		"trade_id":    ev.TradeID,
		"instrument":  ev.Instrument,
		"buy_venue":   ev.BuyVenue,
		"sell_venue":  ev.SellVenue,
		"quantity":    ev.Quantity,
		"buy_status":  ev.BuyStatus,
		"sell_status": ev.SellStatus,
	}
	if ev.FailsafeStatus != "" {
		fields["failsafe_status"] = ev.FailsafeStatus
	}
	switch ev.Outcome {
	case "UNRESOLVED":
		s.enqueue(Alert{
			Level:   LevelCritical,
			Key:     "unresolved:" + ev.TradeID,
			Message: "unhedged position requires manual intervention",
			Fields:  fields,
		})
	case "FAILSAFE_RESOLVED":
		s.enqueue(Alert{
			Level:   LevelWarning,
			Key:     "failsafe:" + ev.Instrument,
			Message: "one leg failed, position flattened",
			Fields:  fields,
		})
	}
}

// CircuitTripped 接到 SafetyManager 的熔断回调
func (s *TradeSink) CircuitTripped(streak int) {
	s.enqueue(Alert{
		Level:   LevelCritical,
		Key:     "circuit_open",
		Message: "consecutive failure circuit breaker tripped, trading halted",
		Fields:  map[string]interface{}{"consecutive_failures": streak},
	})
}

// Send 直接排队任意告警，例如行情长时间断线
func (s *TradeSink) Send(a Alert) {
	s.enqueue(a)
}

func (s *TradeSink) enqueue(a Alert) {
	select {
	case s.queue <- a:
	default:
		s.dropped.Add(1)
		s.logger.Warn("alert queue full, dropping alert", zap.String("message", a.Message))
	}
}

// Dropped 因队列满丢弃的告警数
func (s *TradeSink) Dropped() int64 { return s.dropped.Load() }

// Run 投递告警直到 ctx 取消；退出前尽量清空队列
func (s *TradeSink) Run(ctx context.Context) error {
	for {
		select {
		case a := <-s.queue:
			s.deliver(a)
		case <-ctx.Done():
			for {
				select {
				case a := <-s.queue:
					s.deliver(a)
				default:
					return nil
				}
			}
		}
	}
}

func (s *TradeSink) deliver(a Alert) {
	if err := s.sender.SendAlert(a); err != nil {
		s.logger.Error("alert delivery failed", zap.String("message", a.Message), zap.Error(err))
	}
}
