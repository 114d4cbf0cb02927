package telemetry

import (
	"go.uber.org/zap/zapcore"

	"market-arb-go/infrastructure/logger"
)

// LogSink 把遥测事件写入结构化日志。评估事件量大，只在 Debug 级别输出。
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSink{log: log.Named("telemetry")}
}

func (s *LogSink) Evaluation(ev EvaluationEvent) {
	if !s.log.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	s.log.LogAt(zapcore.DebugLevel, "spread_eval", map[string]interface{}{
		"instrument": ev.Instrument,
		"nseLtp":     ev.NSELTP,
		"bseLtp":     ev.BSELTP,
		"spread":     ev.Spread,
		"spreadPct":  ev.SpreadPct,
		"signaled":   ev.Signaled,
		"quoteAgeMs": ev.QuoteAge.Milliseconds(),
	})
}

func (s *LogSink) Blocked(ev BlockEvent) {
	s.log.LogRisk("admission_block", map[string]interface{}{
		"instrument": ev.Instrument,
		"spread":     ev.Spread,
		"code":       ev.Code,
		"reason":     ev.Reason,
	})
}

func (s *LogSink) Trade(ev TradeEvent) {
	fields := map[string]interface{}{
		"tradeId":    ev.TradeID,
		"instrument": ev.Instrument,
		"buyVenue":   ev.BuyVenue,
		"sellVenue":  ev.SellVenue,
		"quantity":   ev.Quantity,
		"spread":     ev.Spread,
		"outcome":    ev.Outcome,
		"buyStatus":  ev.BuyStatus,
		"sellStatus": ev.SellStatus,
		"durationMs": ev.Duration.Milliseconds(),
	}
	if ev.FailsafeStatus != "" {
		fields["failsafeStatus"] = ev.FailsafeStatus
	}
	level := zapcore.InfoLevel
	switch ev.Outcome {
	case "UNRESOLVED":
		level = zapcore.ErrorLevel
	case "FAILSAFE_RESOLVED", "NO_FILL":
		level = zapcore.WarnLevel
	}
	s.log.LogAt(level, "trade_closed", fields)
}

func (s *LogSink) Slippage(ev SlippageEvent) {
	s.log.LogAt(zapcore.InfoLevel, "leg_slippage", map[string]interface{}{
		"tradeId":    ev.TradeID,
		"instrument": ev.Instrument,
		"venue":      ev.Venue,
		"side":       ev.Side,
		"expected":   ev.Expected,
		"filled":     ev.Filled,
		"slippage":   ev.Slippage,
	})
}
