package sim

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market-arb-go/gateway"
	"market-arb-go/market"
)

// maxLine 单行录制数据的上限，五档深度的消息也远小于此值
const maxLine = 1 << 20

// Runner 按行回放录制的行情推送（与 WebSocket 行情同一 JSON 格式），用于纸面复盘。
// 回放结束后关闭输出通道，引擎随之收尾退出。
type Runner struct {
	Path        string
	Instruments *gateway.InstrumentBook
	// Speed 大于 0 时按消息 ts 的间隔除以 Speed 控速；为 0 时尽快回放
	Speed float64
	// Interval 大于 0 时忽略 ts，每条消息之间固定等待
	Interval time.Duration

	log      *zap.Logger
	received atomic.Int64
	dropped  atomic.Int64
}

func NewRunner(path string, book *gateway.InstrumentBook, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Path: path, Instruments: book, log: log.Named("replay")}
}

// Stats 与实时行情共用计数结构，重连次数恒为 0
func (r *Runner) Stats() gateway.FeedStats {
	return gateway.FeedStats{Received: r.received.Load(), Dropped: r.dropped.Load()}
}

// Run 打开 Path 回放，ctx 取消时返回 nil
func (r *Runner) Run(ctx context.Context, out chan<- market.Tick) error {
	f, err := os.Open(r.Path)
	if err != nil {
		close(out)
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()
	return r.Replay(ctx, f, out)
}

// Replay 从 src 逐行读取并写入 out，结束后关闭 out。
// 无法解析的行计入 dropped 并跳过；非行情消息（心跳等）直接忽略。
func (r *Runner) Replay(ctx context.Context, src io.Reader, out chan<- market.Tick) error {
	defer close(out)

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var prev time.Time
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		now := time.Now()
		t, ok, err := gateway.ParseTick(raw, r.Instruments, now)
		if err != nil {
			r.dropped.Add(1)
			r.log.Debug("skipping replay line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if !r.wait(ctx, prev, t.Timestamp, now) {
			return nil
		}
		if !t.Timestamp.Equal(now) {
			prev = t.Timestamp
		}

		select {
		case out <- t:
			r.received.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read replay line %d: %w", line+1, err)
	}
	r.log.Info("replay finished",
		zap.String("path", r.Path),
		zap.Int64("ticks", r.received.Load()),
		zap.Int64("dropped", r.dropped.Load()))
	return nil
}

// wait 控制回放节奏，ctx 取消时返回 false
func (r *Runner) wait(ctx context.Context, prev, ts, recvAt time.Time) bool {
	var d time.Duration
	switch {
	case r.Interval > 0:
		d = r.Interval
	case r.Speed > 0 && !prev.IsZero() && !ts.Equal(recvAt):
		d = time.Duration(float64(ts.Sub(prev)) / r.Speed)
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
