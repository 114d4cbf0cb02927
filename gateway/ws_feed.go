package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-arb-go/market"
)

// WSFeed 连接行情 WebSocket，断线自动重连，把解析后的 Tick 写入输出通道。
type WSFeed struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	Instruments  *InstrumentBook
	ReadTimeout  time.Duration
	PingInterval time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	log       *zap.Logger
	received  atomic.Int64
	dropped   atomic.Int64
	reconnect atomic.Int64
}

func NewWSFeed(url string, book *InstrumentBook, log *zap.Logger) *WSFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSFeed{
		URL:          url,
		Dialer:       websocket.DefaultDialer,
		Instruments:  book,
		ReadTimeout:  30 * time.Second,
		PingInterval: 10 * time.Second,
		RetryBackoff: time.Second,
		MaxBackoff:   30 * time.Second,
		log:          log.Named("feed"),
	}
}

// FeedStats 计数快照。
type FeedStats struct {
	Received   int64
	Dropped    int64
	Reconnects int64
}

func (f *WSFeed) Stats() FeedStats {
	return FeedStats{
		Received:   f.received.Load(),
		Dropped:    f.dropped.Load(),
		Reconnects: f.reconnect.Load(),
	}
}

// Run 阻塞直到 ctx 取消。ctx 取消时返回 nil。
func (f *WSFeed) Run(ctx context.Context, out chan<- market.Tick) error {
	if f.URL == "" {
		return errors.New("feed url required")
	}
	backoff := f.RetryBackoff
	for {
		started := time.Now()
		err := f.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		// 连接稳定过一段时间后重置退避
		if time.Since(started) > f.MaxBackoff {
			backoff = f.RetryBackoff
		}
		f.reconnect.Add(1)
		f.log.Warn("feed disconnected, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.MaxBackoff {
			backoff = f.MaxBackoff
		}
	}
}

func (f *WSFeed) session(ctx context.Context, out chan<- market.Tick) error {
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, f.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(buildSubscribe(f.Instruments, uuid.NewString()[:10])); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info("feed connected", zap.String("url", f.URL), zap.Int("instruments", len(f.Instruments.All())))

	_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(f.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// 关闭连接让 ReadMessage 立即返回
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					f.log.Debug("feed ping failed", zap.Error(err))
				}
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))

		tick, ok, err := ParseTick(raw, f.Instruments, time.Now())
		if err != nil {
			f.dropped.Add(1)
			f.log.Debug("dropping malformed tick", zap.Error(err), zap.ByteString("raw", truncate(raw, 256)))
			continue
		}
		if !ok {
			continue
		}
		f.received.Add(1)
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
