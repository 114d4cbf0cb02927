// Package journal 把关闭的套利尝试与滑点写入 Postgres，供盘后复盘。
package journal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"market-arb-go/telemetry"
)

// Execer 由 *pgxpool.Pool 实现
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config 日志库配置
type Config struct {
	DSN          string
	MaxConns     int32
	Buffer       int
	WriteTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS arb_trades (
	trade_id        TEXT PRIMARY KEY,
	instrument      TEXT NOT NULL,
	buy_venue       TEXT NOT NULL,
	sell_venue      TEXT NOT NULL,
	quantity        BIGINT NOT NULL,
	spread          DOUBLE PRECISION NOT NULL,
	outcome         TEXT NOT NULL,
	buy_status      TEXT NOT NULL,
	sell_status     TEXT NOT NULL,
	buy_fill_price  DOUBLE PRECISION,
	sell_fill_price DOUBLE PRECISION,
	failsafe_status TEXT,
	duration_ms     BIGINT NOT NULL,
	closed_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS arb_leg_slippage (
	trade_id   TEXT NOT NULL,
	instrument TEXT NOT NULL,
	venue      TEXT NOT NULL,
	side       TEXT NOT NULL,
	expected   DOUBLE PRECISION NOT NULL,
	filled     DOUBLE PRECISION NOT NULL,
	slippage   DOUBLE PRECISION NOT NULL,
	at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (trade_id, venue, side)
);`

const insertTrade = `
INSERT INTO arb_trades (trade_id, instrument, buy_venue, sell_venue, quantity, spread, outcome,
	buy_status, sell_status, buy_fill_price, sell_fill_price, failsafe_status, duration_ms, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (trade_id) DO NOTHING`

const insertSlippage = `
INSERT INTO arb_leg_slippage (trade_id, instrument, venue, side, expected, filled, slippage, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (trade_id, venue, side) DO NOTHING`

// Open 建立连接池并确保表存在
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema 幂等建表
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

type write struct {
	sql  string
	args []any
	kind string
}

// Journal telemetry.Sink 实现，只关心 Trade 与 Slippage 事件。
// 写入异步进行，队列满时丢弃并计数。
type Journal struct {
	telemetry.Nop

	db      Execer
	queue   chan write
	timeout time.Duration
	logger  *zap.Logger

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New 创建日志库；需调用 Run 开始写入
func New(db Execer, cfg Config, logger *zap.Logger) *Journal {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		db:      db,
		queue:   make(chan write, cfg.Buffer),
		timeout: cfg.WriteTimeout,
		logger:  logger.Named("journal"),
	}
}

// Trade 记录一次关闭的尝试
func (j *Journal) Trade(ev telemetry.TradeEvent) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	j.enqueue(write{
		kind: "trade",
		sql:  insertTrade,
		args: []any{
			ev.TradeID, ev.Instrument, ev.BuyVenue, ev.SellVenue, ev.Quantity, ev.Spread, ev.Outcome,
			ev.BuyStatus, ev.SellStatus, nullIfZero(ev.BuyFillPrice), nullIfZero(ev.SellFillPrice),
			nullIfEmpty(ev.FailsafeStatus), ev.Duration.Milliseconds(), at,
		},
	})
}

// Slippage 记录单腿滑点
func (j *Journal) Slippage(ev telemetry.SlippageEvent) {
	j.enqueue(write{
		kind: "slippage",
		sql:  insertSlippage,
		args: []any{ev.TradeID, ev.Instrument, ev.Venue, ev.Side, ev.Expected, ev.Filled, ev.Slippage, ev.At},
	})
}

func (j *Journal) enqueue(w write) {
	select {
	case j.queue <- w:
	default:
		j.dropped.Add(1)
		j.logger.Warn("journal queue full, dropping record", zap.String("kind", w.kind))
	}
}

// Run 写入直到 ctx 取消；退出前把队列里剩余记录写完
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case w := <-j.queue:
			j.exec(ctx, w)
		case <-ctx.Done():
			for {
				select {
				case w := <-j.queue:
					j.exec(ctx, w)
				default:
					return nil
				}
			}
		}
	}
}

// exec 不继承 ctx 的取消，停止时已排队的记录仍能写入，单条受 timeout 约束
func (j *Journal) exec(ctx context.Context, w write) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.timeout)
	defer cancel()
	if _, err := j.db.Exec(wctx, w.sql, w.args...); err != nil {
		j.failed.Add(1)
		j.logger.Error("journal write failed", zap.String("kind", w.kind), zap.Error(err))
		return
	}
	j.written.Add(1)
}

// Stats 写入计数
type Stats struct {
	Written int64
	Dropped int64
	Failed  int64
}

func (j *Journal) Stats() Stats {
	return Stats{Written: j.written.Load(), Dropped: j.dropped.Load(), Failed: j.failed.Load()}
}

func nullIfZero(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
