package order

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// awaitTerminal 按固定间隔查询订单状态，直到终态或超时。
// 超时或 ctx 取消时返回 TIMED_OUT；查询出错视为暂时性错误继续轮询。
func awaitTerminal(ctx context.Context, b Broker, orderID string, interval, timeout time.Duration, log *zap.Logger) StatusReport {
	deadline := time.Now().Add(timeout)
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := StatusReport{Status: StatusPending}
	for {
		rep, err := b.Status(pctx, orderID)
		switch {
		case err == nil && rep.Status.Terminal():
			return rep
		case err == nil:
			last = rep
		default:
			log.Debug("order status poll failed", zap.String("order_id", orderID), zap.Error(err))
		}

		select {
		case <-pctx.Done():
			last.Status = StatusTimedOut
			if ctx.Err() != nil {
				last.Message = "polling cancelled: " + ctx.Err().Error()
			} else {
				last.Message = "no terminal status within " + timeout.String()
			}
			return last
		case <-ticker.C:
		}
	}
}
