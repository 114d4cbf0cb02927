package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-arb-go/infrastructure/logger"
	"market-arb-go/market"
	"market-arb-go/order"
	"market-arb-go/risk"
	"market-arb-go/strategy"
	"market-arb-go/telemetry"
)

// EngineState 引擎状态
type EngineState int32

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopping 停止中，不再接受新信号，等待在途执行结束
	StateStopping
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// SymbolParams 单个标的的覆盖参数，零值表示沿用全局设置。
type SymbolParams struct {
	Quantity  int64
	MinSpread float64
}

// Thresholds 可热更新的信号阈值。
type Thresholds struct {
	MinSpread       float64
	DefaultQuantity int64
	Symbols         map[string]SymbolParams
}

// For 返回标的的有效阈值：价差取全局与标的设置中较大者，数量优先取标的设置。
func (t Thresholds) For(instrument string) (minSpread float64, qty int64) {
	minSpread, qty = t.MinSpread, t.DefaultQuantity
	if p, ok := t.Symbols[instrument]; ok {
		minSpread = math.Max(minSpread, p.MinSpread)
		if p.Quantity > 0 {
			qty = p.Quantity
		}
	}
	return minSpread, qty
}

// Config 引擎配置
type Config struct {
	Thresholds
	HeartbeatInterval time.Duration // 心跳日志间隔
	ShutdownTimeout   time.Duration // 停止时等待在途执行的上限
}

// Gate 风控闸门，由 risk.SafetyManager 实现。
type Gate interface {
	Admit(instrument string) error
	RegisterOpen(instrument string)
	Shutdown()
}

// TradeExecutor 执行一个已接受的信号，由 order.Executor 实现。
type TradeExecutor interface {
	Execute(ctx context.Context, sig strategy.SpreadSignal) order.TradeReport
}

// Components 引擎依赖组件
type Components struct {
	Detector strategy.Detector
	Safety   Gate
	Executor TradeExecutor
	Session  risk.MarketGate
	Sink     telemetry.Sink
	Clock    risk.Clock
	Logger   *logger.Logger
	// Store 可选，便于纸面撮合共享同一份行情
	Store *market.Store
}

// Engine 决策引擎：单 goroutine 处理行情，每个被接受的信号在独立 goroutine 中执行。
type Engine struct {
	config     Config
	thresholds atomic.Pointer[Thresholds]

	detector strategy.Detector
	safety   Gate
	executor TradeExecutor
	session  risk.MarketGate
	sink     telemetry.Sink
	clock    risk.Clock
	logger   *logger.Logger
	store    *market.Store

	state atomic.Int32

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}

	inflight sync.WaitGroup
	active   atomic.Int64

	// lastSpread 只在主循环 goroutine 中读写
	lastSpread map[string]float64

	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime    time.Time
	State        string
	TotalTicks   int64
	Dropped      int64
	Evaluations  int64
	Signals      int64
	Blocked      int64
	OutsideHours int64
	Executions   int64
	InFlight     int64
	LastTickTime time.Time
	LastSignal   time.Time
	mu           sync.RWMutex
}

// New 创建决策引擎
func New(cfg Config, c Components) (*Engine, error) {
	if c.Safety == nil {
		return nil, errors.New("safety gate is required")
	}
	if c.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg.DefaultQuantity <= 0 {
		return nil, fmt.Errorf("default quantity must be positive, got %d", cfg.DefaultQuantity)
	}
	if cfg.MinSpread < 0 {
		return nil, fmt.Errorf("min spread must be non-negative, got %v", cfg.MinSpread)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if c.Session == nil {
		c.Session = risk.DefaultSession()
	}
	if c.Sink == nil {
		c.Sink = telemetry.Nop{}
	}
	if c.Clock == nil {
		c.Clock = risk.SystemClock
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	if c.Store == nil {
		c.Store = market.NewStore()
	}

	e := &Engine{
		config:     cfg,
		detector:   c.Detector,
		safety:     c.Safety,
		executor:   c.Executor,
		session:    c.Session,
		sink:       c.Sink,
		clock:      c.Clock,
		logger:     c.Logger.Named("engine"),
		store:      c.Store,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		lastSpread: make(map[string]float64),
	}
	th := cloneThresholds(cfg.Thresholds)
	e.thresholds.Store(&th)
	return e, nil
}

// Store 引擎维护的行情快照存储
func (e *Engine) Store() *market.Store { return e.store }

// State 当前状态
func (e *Engine) State() EngineState { return EngineState(e.state.Load()) }

// UpdateThresholds 热更新阈值，下一条行情生效
func (e *Engine) UpdateThresholds(th Thresholds) error {
	if th.DefaultQuantity <= 0 {
		return fmt.Errorf("default quantity must be positive, got %d", th.DefaultQuantity)
	}
	if th.MinSpread < 0 {
		return fmt.Errorf("min spread must be non-negative, got %v", th.MinSpread)
	}
	c := cloneThresholds(th)
	e.thresholds.Store(&c)
	e.logger.Info("thresholds updated",
		zap.Float64("min_spread", th.MinSpread),
		zap.Int64("default_quantity", th.DefaultQuantity),
		zap.Int("symbol_overrides", len(th.Symbols)))
	return nil
}

func cloneThresholds(th Thresholds) Thresholds {
	out := th
	out.Symbols = make(map[string]SymbolParams, len(th.Symbols))
	for k, v := range th.Symbols {
		out.Symbols[k] = v
	}
	return out
}

// Run 消费行情直到 ctx 取消、Stop 被调用或 ticks 关闭。
// 返回前拒绝新信号并等待在途执行结束（最多 ShutdownTimeout）。
func (e *Engine) Run(ctx context.Context, ticks <-chan market.Tick) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("engine already started (state: %s)", e.State())
	}
	defer close(e.doneChan)

	e.stats.mu.Lock()
	e.stats.StartTime = e.clock.Now()
	e.stats.mu.Unlock()

	// 执行 goroutine 的 ctx 与 Run 的 ctx 解耦，停止时先等待再取消
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	th := e.thresholds.Load()
	e.logger.Info("Decision engine starting",
		zap.Float64("min_spread", th.MinSpread),
		zap.Int64("default_quantity", th.DefaultQuantity),
		zap.String("spread_basis", e.detector.Basis.String()),
		zap.Duration("heartbeat", e.config.HeartbeatInterval))

	heartbeat := time.NewTicker(e.config.HeartbeatInterval)
	defer heartbeat.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine")
			break loop
		case <-e.stopChan:
			e.logger.Info("Stop signal received")
			break loop
		case t, ok := <-ticks:
			if !ok {
				e.logger.Info("Tick stream closed")
				break loop
			}
			e.onTick(execCtx, t)
		case <-heartbeat.C:
			e.onHeartbeat()
		}
	}

	e.shutdown(cancelExec)
	return nil
}

// Stop 请求停止并等待 Run 返回
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	if e.State() == StateIdle {
		return
	}
	select {
	case <-e.doneChan:
	case <-time.After(e.config.ShutdownTimeout + time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}
}

func (e *Engine) shutdown(cancelExec context.CancelFunc) {
	e.state.Store(int32(StateStopping))
	e.safety.Shutdown()

	n := e.active.Load()
	e.logger.Info("Decision engine stopping", zap.Int64("in_flight", n))

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.config.ShutdownTimeout / 2):
		// 先给在途执行正常收尾的机会，再取消以结束轮询；平仓单不受取消影响
		cancelExec()
		select {
		case <-done:
		case <-time.After(e.config.ShutdownTimeout / 2):
			e.logger.Error("in-flight executions did not finish before shutdown timeout",
				zap.Int64("in_flight", e.active.Load()))
		}
	}
	e.state.Store(int32(StateStopped))
	e.logger.Info("Decision engine stopped")
}

// onTick 处理一条行情：更新快照、时段检查、价差评估、风控准入、派发执行
func (e *Engine) onTick(execCtx context.Context, t market.Tick) {
	now := e.clock.Now()
	e.stats.mu.Lock()
	e.stats.TotalTicks++
	e.stats.LastTickTime = now
	e.stats.mu.Unlock()

	if err := e.store.Update(t); err != nil {
		e.bump(&e.stats.Dropped)
		e.logger.Debug("dropping invalid tick", zap.Error(err))
		return
	}
	snap, ok := e.store.Snapshot(t.Instrument)
	if !ok {
		return
	}
	e.lastSpread[t.Instrument] = snap.LTPSpread()

	if !e.session.IsMarketOpen(now) {
		e.bump(&e.stats.OutsideHours)
		return
	}

	minSpread, qty := e.thresholds.Load().For(t.Instrument)
	sig, ok := e.detector.Evaluate(snap, minSpread, qty)
	e.bump(&e.stats.Evaluations)
	e.sink.Evaluation(telemetry.EvaluationEvent{
		Instrument: t.Instrument,
		NSELTP:     snap.NSE.LTP,
		BSELTP:     snap.BSE.LTP,
		Spread:     snap.LTPSpread(),
		SpreadPct:  spreadPct(snap),
		Signaled:   ok,
		QuoteAge:   snap.Age(now),
		At:         now,
	})
	if !ok {
		return
	}

	if e.State() != StateRunning {
		return
	}
	if err := e.safety.Admit(sig.Instrument); err != nil {
		e.bump(&e.stats.Blocked)
		e.sink.Blocked(telemetry.BlockEvent{
			Instrument: sig.Instrument,
			Spread:     sig.Spread,
			Code:       risk.BlockReason(err),
			Reason:     err.Error(),
			At:         now,
		})
		e.logger.Debug("signal blocked by safety manager",
			zap.String("instrument", sig.Instrument), zap.Float64("spread", sig.Spread), zap.Error(err))
		return
	}

	sig.ID = uuid.NewString()
	sig.DetectedAt = now
	e.safety.RegisterOpen(sig.Instrument)

	e.stats.mu.Lock()
	e.stats.Signals++
	e.stats.LastSignal = now
	e.stats.mu.Unlock()

	e.logger.Info("arbitrage signal",
		zap.String("trade_id", sig.ID),
		zap.String("instrument", sig.Instrument),
		zap.String("buy", fmt.Sprintf("%s@%.2f", sig.BuyVenue, sig.BuyPrice)),
		zap.String("sell", fmt.Sprintf("%s@%.2f", sig.SellVenue, sig.SellPrice)),
		zap.Float64("spread", sig.Spread),
		zap.Float64("spread_pct", sig.SpreadPct),
		zap.Int64("quantity", sig.Quantity))

	e.dispatch(execCtx, sig)
}

// dispatch 每个信号一个 goroutine，不阻塞行情处理
func (e *Engine) dispatch(ctx context.Context, sig strategy.SpreadSignal) {
	e.inflight.Add(1)
	e.active.Add(1)
	e.bump(&e.stats.Executions)
	go func() {
		defer e.inflight.Done()
		defer e.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("executor panicked", zap.String("trade_id", sig.ID), zap.Any("panic", r))
			}
		}()
		e.executor.Execute(ctx, sig)
	}()
}

// onHeartbeat 输出当前最大价差，确认引擎仍在处理行情
func (e *Engine) onHeartbeat() {
	best, bestSpread := "", -1.0
	for inst, s := range e.lastSpread {
		if s > bestSpread {
			best, bestSpread = inst, s
		}
	}
	st := e.Stats()
	if best == "" {
		e.logger.Info("heartbeat: waiting for data", zap.Int64("ticks", st.TotalTicks))
		return
	}
	e.logger.Info("heartbeat",
		zap.String("best_instrument", best),
		zap.Float64("best_spread", bestSpread),
		zap.Int64("ticks", st.TotalTicks),
		zap.Int64("signals", st.Signals),
		zap.Int64("blocked", st.Blocked),
		zap.Int64("in_flight", st.InFlight))
}

func (e *Engine) bump(field *int64) {
	e.stats.mu.Lock()
	*field++
	e.stats.mu.Unlock()
}

// Stats 获取统计信息
func (e *Engine) Stats() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Statistics{
		StartTime:    e.stats.StartTime,
		State:        e.State().String(),
		TotalTicks:   e.stats.TotalTicks,
		Dropped:      e.stats.Dropped,
		Evaluations:  e.stats.Evaluations,
		Signals:      e.stats.Signals,
		Blocked:      e.stats.Blocked,
		OutsideHours: e.stats.OutsideHours,
		Executions:   e.stats.Executions,
		InFlight:     e.active.Load(),
		LastTickTime: e.stats.LastTickTime,
		LastSignal:   e.stats.LastSignal,
	}
}

func spreadPct(s market.QuoteSnapshot) float64 {
	mid := (s.NSE.LTP + s.BSE.LTP) / 2
	if mid <= 0 {
		return 0
	}
	return s.LTPSpread() / mid * 100
}
