package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.msgs = append(f.msgs, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRedisSink_PublishesEnvelopes(t *testing.T) {
	pub := &fakePublisher{}
	s := NewRedisSink(pub, RedisConfig{Prefix: "nse-bse"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Evaluation(EvaluationEvent{Instrument: "SBIN"}) // 默认不发布
	s.Trade(TradeEvent{TradeID: "t1", Instrument: "SBIN", Outcome: "SUCCESS"})
	s.Blocked(BlockEvent{Instrument: "SBIN", Code: "exposure"})

	waitFor(t, func() bool { return len(pub.snapshot()) == 2 })
	msgs := pub.snapshot()
	if msgs[0].channel != "nse-bse:trade" || msgs[1].channel != "nse-bse:blocked" {
		t.Fatalf("unexpected channels: %s, %s", msgs[0].channel, msgs[1].channel)
	}

	var env struct {
		Type string     `json:"type"`
		Data TradeEvent `json:"data"`
	}
	if err := json.Unmarshal(msgs[0].payload, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "trade" || env.Data.TradeID != "t1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if st := s.Stats(); st.Published != 2 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRedisSink_EvaluationsWhenEnabled(t *testing.T) {
	pub := &fakePublisher{}
	s := NewRedisSink(pub, RedisConfig{PublishEvaluations: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Evaluation(EvaluationEvent{Instrument: "INFY", Spread: 0.3})
	waitFor(t, func() bool { return len(pub.snapshot()) == 1 })
	if ch := pub.snapshot()[0].channel; ch != "arb:evaluation" {
		t.Fatalf("channel = %s", ch)
	}
}

func TestRedisSink_DropsWhenQueueFull(t *testing.T) {
	s := NewRedisSink(&fakePublisher{}, RedisConfig{Buffer: 2}, nil)
	for i := 0; i < 5; i++ {
		s.Slippage(SlippageEvent{TradeID: "t"})
	}
	if got := s.Stats().Dropped; got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}

func TestRedisSink_CountsFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	s := NewRedisSink(pub, RedisConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Trade(TradeEvent{TradeID: "t1"})
	waitFor(t, func() bool { return s.Stats().Failed == 1 })
	if s.Stats().Published != 0 {
		t.Fatal("failed publish must not count as published")
	}
}
