package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"market-arb-go/market"
	"market-arb-go/order"
)

// QuoteSource 纸面撮合读取最新行情。market.Store 满足该接口。
type QuoteSource interface {
	Latest(instrument string, v market.Venue) (market.Tick, bool)
}

// PaperBroker 仿真券商：按下单时刻的最新盘口即时撮合 IOC 订单。
// 市价买单按卖一成交，卖单按买一成交；限价单不可成交时直接撤销。
type PaperBroker struct {
	quotes QuoteSource
	// FillDelay 订单从下单到可查询终态的延迟
	FillDelay time.Duration
	now       func() time.Time

	mu     sync.Mutex
	orders map[string]paperOrder
}

type paperOrder struct {
	leg     order.OrderLeg
	report  order.StatusReport
	readyAt time.Time
}

func NewPaperBroker(quotes QuoteSource, fillDelay time.Duration) *PaperBroker {
	return &PaperBroker{
		quotes:    quotes,
		FillDelay: fillDelay,
		now:       time.Now,
		orders:    make(map[string]paperOrder),
	}
}

func (p *PaperBroker) Place(ctx context.Context, leg order.OrderLeg) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if leg.Quantity <= 0 {
		return "", fmt.Errorf("invalid quantity %d", leg.Quantity)
	}
	tick, ok := p.quotes.Latest(leg.Instrument, leg.Venue)
	if !ok {
		return "", fmt.Errorf("no quote for %s %s", leg.Instrument, leg.Venue)
	}
	id := uuid.NewString()
	p.mu.Lock()
	p.orders[id] = paperOrder{
		leg:     leg,
		report:  match(leg, tick),
		readyAt: p.now().Add(p.FillDelay),
	}
	p.mu.Unlock()
	return id, nil
}

func (p *PaperBroker) Status(ctx context.Context, orderID string) (order.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return order.StatusReport{}, err
	}
	p.mu.Lock()
	o, ok := p.orders[orderID]
	p.mu.Unlock()
	if !ok {
		return order.StatusReport{}, fmt.Errorf("unknown order %s", orderID)
	}
	if p.now().Before(o.readyAt) {
		return order.StatusReport{Status: order.StatusOpen}, nil
	}
	return o.report, nil
}

func match(leg order.OrderLeg, t market.Tick) order.StatusReport {
	var px float64
	var avail int64
	if leg.Side == order.SideBuy {
		px, avail = t.AskPrice, t.AskQty
	} else {
		px, avail = t.BidPrice, t.BidQty
	}
	if px <= 0 {
		px, avail = t.LTP, leg.Quantity
	}
	if avail < leg.Quantity {
		return order.StatusReport{Status: order.StatusCancelled, Message: "insufficient displayed quantity"}
	}
	if leg.Type == order.OrderTypeLimit {
		if (leg.Side == order.SideBuy && leg.Price < px) || (leg.Side == order.SideSell && leg.Price > px) {
			return order.StatusReport{Status: order.StatusCancelled, Message: "limit not marketable"}
		}
	}
	return order.StatusReport{Status: order.StatusFilled, FilledPrice: px, FilledQty: leg.Quantity}
}
