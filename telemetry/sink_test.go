package telemetry

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"market-arb-go/infrastructure/logger"
)

type recordingSink struct {
	Nop
	mu     sync.Mutex
	trades []TradeEvent
}

func (r *recordingSink) Trade(ev TradeEvent) {
	r.mu.Lock()
	r.trades = append(r.trades, ev)
	r.mu.Unlock()
}

type panickySink struct{ Nop }

func (panickySink) Trade(TradeEvent) { panic("boom") }

func TestMulti_RecoversFromPanickingSink(t *testing.T) {
	rec := &recordingSink{}
	m := NewMulti(zap.NewNop(), panickySink{}, nil, rec)

	m.Trade(TradeEvent{TradeID: "t1", Outcome: "SUCCESS"})
	m.Evaluation(EvaluationEvent{Instrument: "INFY"})

	if len(rec.trades) != 1 || rec.trades[0].TradeID != "t1" {
		t.Fatalf("expected trade to reach healthy sink, got %+v", rec.trades)
	}
}

func TestLogSink_TradeLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewLogSink(logger.Wrap(zap.New(core)))

	s.Trade(TradeEvent{TradeID: "a", Instrument: "INFY", Outcome: "SUCCESS", BuyStatus: "FILLED", SellStatus: "FILLED"})
	s.Trade(TradeEvent{TradeID: "b", Instrument: "INFY", Outcome: "UNRESOLVED", BuyStatus: "FILLED", SellStatus: "REJECTED", FailsafeStatus: "TIMED_OUT"})
	s.Evaluation(EvaluationEvent{Instrument: "INFY", Spread: 0.3, Signaled: false})

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("success should log at info, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("unresolved should log at error, got %s", entries[1].Level)
	}
	ctx := entries[1].ContextMap()
	if ctx["event"] != "trade_closed" || ctx["failsafeStatus"] != "TIMED_OUT" {
		t.Fatalf("unexpected fields %v", ctx)
	}
	if _, bad := ctx["schema_error"]; bad {
		t.Fatalf("trade_closed fields should satisfy schema: %v", ctx["schema_error"])
	}
}

func TestLogSink_EvaluationSkippedAboveDebug(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogSink(logger.Wrap(zap.New(core)))
	s.Evaluation(EvaluationEvent{Instrument: "INFY"})
	if logs.Len() != 0 {
		t.Fatalf("evaluation should not log at info level")
	}
}
