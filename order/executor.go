package order

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-arb-go/risk"
	"market-arb-go/strategy"
	"market-arb-go/telemetry"
)

// Config 执行参数，零值字段在 NewExecutor 中取默认值。
type Config struct {
	// PlaceTimeout 单次下单调用的上限
	PlaceTimeout time.Duration
	// LegTimeout 单腿轮询等待终态的上限
	LegTimeout   time.Duration
	PollInterval time.Duration
	// FailsafeTimeout 平仓单下单加轮询的总上限
	FailsafeTimeout time.Duration

	OrderType OrderType
	Product   ProductType

	UseLimitOrders  bool
	LimitBuyBuffer  float64
	LimitSellBuffer float64
	// TickSize 限价取整的最小价位
	TickSize float64
}

// DefaultConfig 轮询 200ms，单腿 3s。
func DefaultConfig() Config {
	return Config{
		PlaceTimeout:    2 * time.Second,
		LegTimeout:      3 * time.Second,
		PollInterval:    200 * time.Millisecond,
		FailsafeTimeout: 3 * time.Second,
		OrderType:       OrderTypeMarket,
		Product:         ProductIntraday,
		LimitBuyBuffer:  0.10,
		LimitSellBuffer: 0.10,
		TickSize:        0.05,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PlaceTimeout <= 0 {
		c.PlaceTimeout = d.PlaceTimeout
	}
	if c.LegTimeout <= 0 {
		c.LegTimeout = d.LegTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.FailsafeTimeout <= 0 {
		c.FailsafeTimeout = d.FailsafeTimeout
	}
	if c.OrderType == 0 {
		c.OrderType = d.OrderType
	}
	if c.Product == 0 {
		c.Product = d.Product
	}
	if c.TickSize <= 0 {
		c.TickSize = d.TickSize
	}
	return c
}

// CloseRecorder 接收尝试关闭的结果，由 risk.SafetyManager 实现。
type CloseRecorder interface {
	RegisterClose(instrument string, spread float64, outcome risk.Outcome)
}

// TradeReport 一次尝试的完整记录。
type TradeReport struct {
	ID       string
	Signal   strategy.SpreadSignal
	Buy      LegResult
	Sell     LegResult
	Failsafe *LegResult
	Outcome  risk.Outcome
	States   []AttemptState

	StartedAt time.Time
	ClosedAt  time.Time
}

// Executor 两腿并发下单、轮询、单腿成交时反向平仓。
// 每个被接受的信号调用一次 Execute，CloseRecorder 恰好收到一次 RegisterClose。
type Executor struct {
	cfg    Config
	broker Broker
	closer CloseRecorder
	sink   telemetry.Sink
	log    *zap.Logger
}

func NewExecutor(cfg Config, broker Broker, closer CloseRecorder, sink telemetry.Sink, log *zap.Logger) *Executor {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		cfg:    cfg.withDefaults(),
		broker: broker,
		closer: closer,
		sink:   sink,
		log:    log.Named("executor"),
	}
}

// Execute 执行一个套利信号。所有错误都在这里收敛为 Outcome，不向外抛出。
func (e *Executor) Execute(ctx context.Context, sig strategy.SpreadSignal) (rep TradeReport) {
	id := sig.ID
	if id == "" {
		id = uuid.NewString()
	}
	rep = TradeReport{ID: id, Signal: sig, StartedAt: time.Now(), Outcome: risk.OutcomeUnresolved}
	att := newAttempt()
	log := e.log.With(zap.String("trade_id", id), zap.String("instrument", sig.Instrument))

	defer func() {
		if r := recover(); r != nil {
			// 中途异常时无法确认仓位，按 UNRESOLVED 关闭
			log.Error("execution panicked, closing attempt as unresolved", zap.Any("panic", r))
			rep.Outcome = risk.OutcomeUnresolved
		}
		e.advance(att, StateClosed, log)
		rep.States = att.History()
		rep.ClosedAt = time.Now()
		if e.closer != nil {
			e.closer.RegisterClose(sig.Instrument, sig.Spread, rep.Outcome)
		}
		e.sink.Trade(rep.event())
	}()

	buyLeg, sellLeg := e.buildLegs(sig, id)
	legs := [2]LegResult{{Leg: buyLeg}, {Leg: sellLeg}}

	// 两腿同时下单，互不等待
	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(r *LegResult) {
			defer wg.Done()
			e.place(ctx, r, log)
		}(&legs[i])
	}
	wg.Wait()
	e.advance(att, StateLegsPlaced, log)

	for i := range legs {
		if legs[i].Status.Terminal() {
			continue
		}
		wg.Add(1)
		go func(r *LegResult) {
			defer wg.Done()
			e.await(ctx, r, e.cfg.LegTimeout)
		}(&legs[i])
	}
	wg.Wait()
	rep.Buy, rep.Sell = legs[0], legs[1]

	e.reportSlippage(id, sig, rep.Buy, sig.BuyPrice)
	e.reportSlippage(id, sig, rep.Sell, sig.SellPrice)

	switch {
	case rep.Buy.Filled() && rep.Sell.Filled():
		e.advance(att, StateBothFilled, log)
		rep.Outcome = risk.OutcomeSuccess
		log.Info("arbitrage filled on both legs",
			zap.Float64("buy_fill", rep.Buy.FilledPrice),
			zap.Float64("sell_fill", rep.Sell.FilledPrice),
			zap.Float64("spread", sig.Spread))

	case !rep.Buy.Filled() && !rep.Sell.Filled():
		e.advance(att, StateNoneFilled, log)
		rep.Outcome = risk.OutcomeNoFill
		log.Warn("neither leg filled, no exposure",
			zap.String("buy_status", string(rep.Buy.Status)),
			zap.String("sell_status", string(rep.Sell.Status)))

	default:
		e.advance(att, StateOneFilled, log)
		filled, failed := rep.Buy, rep.Sell
		if rep.Sell.Filled() {
			filled, failed = rep.Sell, rep.Buy
		}
		log.Error("one leg filled, other failed: triggering failsafe",
			zap.String("filled_leg", filled.Leg.String()),
			zap.String("failed_status", string(failed.Status)),
			zap.Error(failed.Err))
		fs := e.failsafe(ctx, filled, id, att, log)
		rep.Failsafe = &fs
		if fs.Filled() {
			rep.Outcome = risk.OutcomeFailsafeResolved
			log.Warn("failsafe order filled, position flattened",
				zap.String("order_id", fs.OrderID), zap.Float64("fill", fs.FilledPrice))
		} else {
			rep.Outcome = risk.OutcomeUnresolved
			log.Error("UNHEDGED POSITION: failsafe order not confirmed, operator action required",
				zap.String("venue", fs.Leg.Venue.String()),
				zap.String("side", fs.Leg.Side.String()),
				zap.Int64("quantity", fs.Leg.Quantity),
				zap.String("order_id", fs.OrderID),
				zap.String("status", string(fs.Status)),
				zap.Error(fs.Err))
		}
	}
	return rep
}

func (e *Executor) buildLegs(sig strategy.SpreadSignal, id string) (OrderLeg, OrderLeg) {
	tag := shortTag(id)
	buy := OrderLeg{
		Venue:      sig.BuyVenue,
		Instrument: sig.Instrument,
		Side:       SideBuy,
		Quantity:   sig.Quantity,
		Type:       e.cfg.OrderType,
		Product:    e.cfg.Product,
		Validity:   ValidityIOC,
		Tag:        tag + "B",
	}
	sell := buy
	sell.Venue = sig.SellVenue
	sell.Side = SideSell
	sell.Tag = tag + "S"

	if e.cfg.UseLimitOrders || e.cfg.OrderType == OrderTypeLimit {
		ask := sig.BuyAsk
		if ask <= 0 {
			ask = sig.BuyPrice
		}
		bid := sig.SellBid
		if bid <= 0 {
			bid = sig.SellPrice
		}
		buy.Type, sell.Type = OrderTypeLimit, OrderTypeLimit
		buy.Price = roundToTick(ask+e.cfg.LimitBuyBuffer, e.cfg.TickSize, true)
		sell.Price = roundToTick(bid-e.cfg.LimitSellBuffer, e.cfg.TickSize, false)
	}
	return buy, sell
}

// roundToTick 买单向上、卖单向下取整到最小价位。
func roundToTick(px, tick float64, up bool) float64 {
	// 先去掉浮点误差，避免 100.35 被当成 100.3499999 向下取整
	p := decimal.NewFromFloat(px).Round(6)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	f, _ := steps.Mul(t).Float64()
	return f
}

func shortTag(id string) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}

func (e *Executor) place(ctx context.Context, r *LegResult, log *zap.Logger) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PlaceTimeout)
	defer cancel()

	r.PlacedAt = time.Now()
	id, err := e.broker.Place(pctx, r.Leg)
	if err == nil && id == "" {
		err = ErrEmptyOrderID
	}
	if err != nil {
		r.Status = StatusError
		r.Err = err
		r.ResolvedAt = time.Now()
		log.Error("leg placement failed", zap.String("leg", r.Leg.String()), zap.Error(err))
		return
	}
	r.OrderID = id
	r.Status = StatusPending
	log.Info("leg placed", zap.String("leg", r.Leg.String()), zap.String("order_id", id))
}

func (e *Executor) await(ctx context.Context, r *LegResult, timeout time.Duration) {
	st := awaitTerminal(ctx, e.broker, r.OrderID, e.cfg.PollInterval, timeout, e.log)
	r.Status = st.Status
	r.FilledPrice = st.FilledPrice
	r.ResolvedAt = time.Now()
	if !r.Filled() && st.Message != "" && r.Err == nil {
		r.Err = legError{status: st.Status, msg: st.Message}
	}
}

// failsafe 对已成交腿下反向市价单。忽略上游取消，只受 FailsafeTimeout 约束。
func (e *Executor) failsafe(ctx context.Context, filled LegResult, id string, att *Attempt, log *zap.Logger) LegResult {
	leg := OrderLeg{
		Venue:      filled.Leg.Venue,
		Instrument: filled.Leg.Instrument,
		Side:       filled.Leg.Side.Opposite(),
		Quantity:   filled.Leg.Quantity,
		Type:       OrderTypeMarket,
		Product:    filled.Leg.Product,
		Validity:   ValidityIOC,
		Tag:        shortTag(id) + "F",
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FailsafeTimeout)
	defer cancel()

	res := LegResult{Leg: leg, PlacedAt: time.Now()}
	oid, err := e.broker.Place(fctx, leg)
	if err == nil && oid == "" {
		err = ErrEmptyOrderID
	}
	if err != nil {
		res.Status = StatusError
		res.Err = err
		res.ResolvedAt = time.Now()
		e.advance(att, StateFailsafeFailed, log)
		return res
	}
	res.OrderID = oid
	e.advance(att, StateFailsafePlaced, log)
	log.Warn("failsafe order placed", zap.String("leg", leg.String()), zap.String("order_id", oid))

	e.await(fctx, &res, e.cfg.FailsafeTimeout)
	if res.Filled() {
		e.advance(att, StateFailsafeFilled, log)
	} else {
		e.advance(att, StateFailsafeFailed, log)
	}
	return res
}

func (e *Executor) reportSlippage(id string, sig strategy.SpreadSignal, r LegResult, expected float64) {
	if !r.Filled() || r.FilledPrice <= 0 || expected <= 0 {
		return
	}
	slip := r.FilledPrice - expected
	if r.Leg.Side == SideSell {
		slip = expected - r.FilledPrice
	}
	e.sink.Slippage(telemetry.SlippageEvent{
		TradeID:    id,
		Instrument: sig.Instrument,
		Venue:      r.Leg.Venue.String(),
		Side:       r.Leg.Side.String(),
		Expected:   expected,
		Filled:     r.FilledPrice,
		Slippage:   slip,
		At:         time.Now(),
	})
}

// advance 非法转换说明执行流程有缺陷，记日志但不中断关闭流程。
func (e *Executor) advance(att *Attempt, to AttemptState, log *zap.Logger) {
	if err := att.Transition(to); err != nil {
		log.Error("attempt state machine violation", zap.Error(err))
	}
}

func (r TradeReport) event() telemetry.TradeEvent {
	ev := telemetry.TradeEvent{
		TradeID:       r.ID,
		Instrument:    r.Signal.Instrument,
		BuyVenue:      r.Signal.BuyVenue.String(),
		SellVenue:     r.Signal.SellVenue.String(),
		Quantity:      r.Signal.Quantity,
		Spread:        r.Signal.Spread,
		Outcome:       r.Outcome.String(),
		BuyStatus:     string(r.Buy.Status),
		SellStatus:    string(r.Sell.Status),
		BuyFillPrice:  r.Buy.FilledPrice,
		SellFillPrice: r.Sell.FilledPrice,
		Duration:      r.ClosedAt.Sub(r.StartedAt),
		At:            r.ClosedAt,
	}
	if r.Failsafe != nil {
		ev.FailsafeStatus = string(r.Failsafe.Status)
	}
	return ev
}
