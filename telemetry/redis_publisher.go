package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher 由 *redis.Client 实现，测试中可替换。
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisConfig 发布端配置。
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	// Prefix 频道前缀，事件发往 <Prefix>:<type>
	Prefix string
	// PublishEvaluations 评估事件量大，默认不发布
	PublishEvaluations bool
	Buffer             int
	WriteTimeout       time.Duration
}

// NewRedisClient 建立连接并 ping 一次。
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type outbound struct {
	channel string
	payload []byte
}

// RedisSink 把遥测事件以 JSON 发布到 Redis Pub/Sub，供外部看板订阅。
// 发布在后台 goroutine 完成，队列满时丢弃。
type RedisSink struct {
	pub    Publisher
	cfg    RedisConfig
	queue  chan outbound
	logger *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewRedisSink(pub Publisher, cfg RedisConfig, logger *zap.Logger) *RedisSink {
	if cfg.Prefix == "" {
		cfg.Prefix = "arb"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{
		pub:    pub,
		cfg:    cfg,
		queue:  make(chan outbound, cfg.Buffer),
		logger: logger.Named("telemetry.redis"),
	}
}

func (s *RedisSink) Evaluation(ev EvaluationEvent) {
	if s.cfg.PublishEvaluations {
		s.enqueue("evaluation", ev)
	}
}

func (s *RedisSink) Blocked(ev BlockEvent) { s.enqueue("blocked", ev) }

func (s *RedisSink) Trade(ev TradeEvent) { s.enqueue("trade", ev) }

func (s *RedisSink) Slippage(ev SlippageEvent) { s.enqueue("slippage", ev) }

// Channel 事件类型对应的频道名。
func (s *RedisSink) Channel(kind string) string { return s.cfg.Prefix + ":" + kind }

func (s *RedisSink) enqueue(kind string, data interface{}) {
	payload, err := json.Marshal(envelope{Type: kind, Data: data})
	if err != nil {
		s.logger.Warn("encode telemetry event", zap.String("type", kind), zap.Error(err))
		return
	}
	select {
	case s.queue <- outbound{channel: s.Channel(kind), payload: payload}:
	default:
		s.dropped.Add(1)
	}
}

// Run 发布队列中的事件直到 ctx 取消。
func (s *RedisSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.queue:
			s.publish(ctx, m)
		}
	}
}

func (s *RedisSink) publish(ctx context.Context, m outbound) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.pub.Publish(wctx, m.channel, m.payload).Err(); err != nil {
		// 只在首次和每 100 次失败时记录，避免断线时刷屏
		if n := s.failed.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("redis publish failed", zap.String("channel", m.channel), zap.Int64("failures", n), zap.Error(err))
		}
		return
	}
	s.published.Add(1)
}

// PublisherStats 发布计数。
type PublisherStats struct {
	Published int64
	Dropped   int64
	Failed    int64
}

func (s *RedisSink) Stats() PublisherStats {
	return PublisherStats{
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}
