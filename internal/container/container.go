package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-arb-go/config"
	"market-arb-go/gateway"
	"market-arb-go/infrastructure/alert"
	"market-arb-go/infrastructure/logger"
	"market-arb-go/infrastructure/monitor"
	"market-arb-go/internal/engine"
	"market-arb-go/internal/journal"
	"market-arb-go/market"
	"market-arb-go/order"
	"market-arb-go/risk"
	"market-arb-go/sim"
	"market-arb-go/strategy"
	"market-arb-go/telemetry"
)

// worker 后台投递协程，ctx 取消后排空队列再返回
type worker interface {
	Run(ctx context.Context) error
}

// tickSource 实时行情或录制回放
type tickSource interface {
	Run(ctx context.Context, out chan<- market.Tick) error
	Stats() gateway.FeedStats
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfgPath  string
	envFiles []string

	mu  sync.RWMutex
	cfg config.AppConfig

	// 基础设施
	logger    *logger.Logger
	monitor   *monitor.Monitor
	alerts    *alert.Manager
	alertSink *alert.TradeSink

	// 可选遥测出口
	redis     *redis.Client
	redisSink *telemetry.RedisSink
	pool      *pgxpool.Pool
	journal   *journal.Journal
	sink      *telemetry.Multi

	// 行情与券商
	instruments *gateway.InstrumentBook
	store       *market.Store
	feed        tickSource
	broker      order.Broker

	// 核心服务
	safety   *risk.SafetyManager
	executor *order.Executor
	engine   *engine.Engine

	metricsServer *httpServerComponent
	lifecycle     *LifecycleManager
	workers       []worker
}

// New 加载配置（含 .env 与 ARB_* 环境变量覆盖）并创建 Container
func New(configPath string, envFiles ...string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return &Container{
		cfgPath:   configPath,
		envFiles:  envFiles,
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}, nil
}

// Config 当前生效的配置
func (c *Container) Config() config.AppConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg := c.cfg
	cfg.Symbols = maps.Clone(c.cfg.Symbols)
	return cfg
}

// Build 构建所有组件；失败时释放已建立的外部连接
func (c *Container) Build(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.releaseResources()
		}
	}()

	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildTelemetry(ctx); err != nil {
		return fmt.Errorf("build telemetry failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.String("env", c.cfg.Env),
		zap.String("broker", c.cfg.Broker.Mode),
		zap.Int("symbols", len(c.cfg.Symbols)))
	return nil
}

func (c *Container) buildInfrastructure() error {
	lg, err := logger.New(loggerConfig(c.cfg.Log))
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = lg
	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	if url := c.cfg.Telemetry.Alerts.WebhookURL; url != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", url, nil, c.logger.Logger))
	}
	throttle := time.Duration(c.cfg.Telemetry.Alerts.ThrottleSec) * time.Second
	c.alerts = alert.NewManager(channels, throttle)
	c.alertSink = alert.NewTradeSink(c.alerts, 64, c.logger.Logger)
	c.workers = append(c.workers, c.alertSink)
	return nil
}

func (c *Container) buildTelemetry(ctx context.Context) error {
	sinks := []telemetry.Sink{telemetry.NewLogSink(c.logger), c.monitor, c.alertSink}

	if rc := c.cfg.Telemetry.Redis; rc.Enabled {
		rcfg := telemetry.RedisConfig{
			Addr:               rc.Addr,
			Password:           rc.Password,
			DB:                 rc.DB,
			Prefix:             rc.Prefix,
			PublishEvaluations: rc.PublishEvaluations,
		}
		rdb, err := telemetry.NewRedisClient(ctx, rcfg)
		if err != nil {
			return err
		}
		c.redis = rdb
		c.redisSink = telemetry.NewRedisSink(rdb, rcfg, c.logger.Logger)
		c.workers = append(c.workers, c.redisSink)
		sinks = append(sinks, c.redisSink)
		c.monitor.RegisterCounterFunc("redis", "published_total", "已发布到 Redis 的事件数",
			func() float64 { return float64(c.redisSink.Stats().Published) })
		c.monitor.RegisterCounterFunc("redis", "dropped_total", "队列满丢弃的事件数",
			func() float64 { return float64(c.redisSink.Stats().Dropped) })
	}

	if jc := c.cfg.Telemetry.Journal; jc.Enabled {
		jcfg := journal.Config{DSN: jc.DSN, MaxConns: jc.MaxConns}
		pool, err := journal.Open(ctx, jcfg)
		if err != nil {
			return err
		}
		c.pool = pool
		c.journal = journal.New(pool, jcfg, c.logger.Logger)
		c.workers = append(c.workers, c.journal)
		sinks = append(sinks, c.journal)
		c.monitor.RegisterCounterFunc("journal", "written_total", "已写入的记录数",
			func() float64 { return float64(c.journal.Stats().Written) })
		c.monitor.RegisterCounterFunc("journal", "failed_total", "写入失败的记录数",
			func() float64 { return float64(c.journal.Stats().Failed) })
	}

	c.sink = telemetry.NewMulti(c.logger.Logger, sinks...)
	return nil
}

func (c *Container) buildGateway() error {
	book, err := instrumentBook(c.cfg.Symbols)
	if err != nil {
		return err
	}
	c.instruments = book

	fc := c.cfg.Feed
	if fc.ReplayFile != "" {
		r := sim.NewRunner(fc.ReplayFile, book, c.logger.Logger)
		r.Speed = fc.ReplaySpeed
		c.feed = r
	} else {
		ws := gateway.NewWSFeed(fc.URL, book, c.logger.Logger)
		ws.Header = feedHeader(c.cfg.Broker, fc)
		if fc.ReadTimeoutMs > 0 {
			ws.ReadTimeout = time.Duration(fc.ReadTimeoutMs) * time.Millisecond
		}
		if fc.PingIntervalMs > 0 {
			ws.PingInterval = time.Duration(fc.PingIntervalMs) * time.Millisecond
		}
		c.feed = ws
	}
	c.monitor.RegisterCounterFunc("feed", "ticks_received_total", "已接收的行情数",
		func() float64 { return float64(c.feed.Stats().Received) })
	c.monitor.RegisterCounterFunc("feed", "ticks_dropped_total", "解析失败或下游阻塞丢弃的行情数",
		func() float64 { return float64(c.feed.Stats().Dropped) })
	c.monitor.RegisterCounterFunc("feed", "reconnects_total", "行情连接重连次数",
		func() float64 { return float64(c.feed.Stats().Reconnects) })

	// 纸面撮合与引擎共用同一份行情
	c.store = market.NewStore()
	bc := c.cfg.Broker
	switch bc.Mode {
	case "smartapi":
		c.broker = &gateway.SmartAPIClient{
			BaseURL:     bc.BaseURL,
			APIKey:      bc.APIKey,
			ClientCode:  bc.ClientCode,
			AccessToken: bc.AccessToken,
			HTTPClient:  gateway.NewDefaultHTTPClient(),
			Limiter:     gateway.NewTokenBucketLimiter(bc.RateLimitPerSec, bc.RateBurst),
			Instruments: book,
		}
	default:
		c.broker = gateway.NewPaperBroker(c.store, time.Duration(bc.PaperFillDelayMs)*time.Millisecond)
	}
	return nil
}

func (c *Container) buildCoreServices() error {
	c.safety = risk.NewSafetyManager(riskLimits(c.cfg.Risk), risk.SystemClock, c.logger.Logger)
	c.safety.SetTripHandler(c.alertSink.CircuitTripped)
	c.monitor.ObserveSafety(c.safety)

	ocfg, err := orderConfig(c.cfg.Execution)
	if err != nil {
		return err
	}
	c.executor = order.NewExecutor(ocfg, c.broker, c.safety, c.sink, c.logger.Logger)

	session, err := marketSession(c.cfg.Session)
	if err != nil {
		return err
	}
	basis, err := strategy.ParseBasis(c.cfg.SpreadBasis)
	if err != nil {
		return err
	}

	c.engine, err = engine.New(engine.Config{
		Thresholds:        thresholds(c.cfg),
		HeartbeatInterval: time.Duration(c.cfg.HeartbeatMs) * time.Millisecond,
	}, engine.Components{
		Detector: strategy.NewDetector(basis),
		Safety:   c.safety,
		Executor: c.executor,
		Session:  session,
		Sink:     c.sink,
		Clock:    risk.SystemClock,
		Logger:   c.logger,
		Store:    c.store,
	})
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}
	return nil
}

// routes 运维端点：指标、健康检查、统计与熔断人工复位。
func (c *Container) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.HandleFunc("/healthz", c.serveHealth)
	mux.HandleFunc("/stats", c.serveStats)
	mux.HandleFunc("POST /breaker/reset", c.serveBreakerReset)
	return mux
}

func (c *Container) registerLifecycleComponents() {
	mux := c.routes()

	if addr := c.cfg.Telemetry.MetricsAddr; addr != "" {
		c.metricsServer = &httpServerComponent{
			name:    "metrics_server",
			handler: mux,
			addr:    addr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.metricsServer)
	}
	if c.redis != nil {
		rdb := c.redis
		c.lifecycle.Register(&resourceComponent{
			name:  "redis",
			ping:  func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			close: rdb.Close,
		})
	}
	if c.pool != nil {
		pool := c.pool
		c.lifecycle.Register(&resourceComponent{
			name:  "postgres",
			ping:  pool.Ping,
			close: func() error { pool.Close(); return nil },
		})
	}
}

// Run 启动 HTTP 服务与后台投递，然后并发运行行情、引擎和配置监听，直到 ctx 取消或回放结束。
// 引擎退出后关闭行情；遥测出口在引擎收尾后才停止，保证在途交易的结果能送达。
func (c *Container) Run(ctx context.Context) error {
	if c.engine == nil {
		return errors.New("container not built")
	}
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	defer func() {
		if err := c.lifecycle.StopAll(); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		}
	}()

	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()
	var sinks errgroup.Group
	for _, w := range c.workers {
		sinks.Go(func() error { return w.Run(sinkCtx) })
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	ticks := make(chan market.Tick, c.cfg.Feed.Buffer)
	g.Go(func() error { return c.feed.Run(gctx, ticks) })
	g.Go(func() error {
		defer cancel()
		return c.engine.Run(gctx, ticks)
	})
	if c.cfgPath != "" {
		w := config.Watcher{Path: c.cfgPath, EnvFiles: c.envFiles, Logger: c.logger.Logger}
		g.Go(func() error { return w.Run(gctx, c.ApplyConfig) })
	}
	c.logger.Info("container started")

	err := g.Wait()
	stopSinks()
	if werr := sinks.Wait(); werr != nil {
		c.logger.Warn("telemetry worker exited with error", zap.Error(werr))
	}
	c.logger.Info("container stopped", zap.Error(err))
	return err
}

// ApplyConfig 热更新阈值与风控限额。连接、券商、执行参数的改动需要重启，只记录告警。
func (c *Container) ApplyConfig(next config.AppConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if changed := restartRequired(c.cfg, next); len(changed) > 0 {
		c.logger.Warn("config changes require restart and were not applied", zap.Strings("sections", changed))
	}
	if err := c.engine.UpdateThresholds(thresholds(next)); err != nil {
		c.logger.Error("threshold update rejected", zap.Error(err))
		return
	}
	c.safety.SetLimits(riskLimits(next.Risk))

	c.cfg.MinSpread = next.MinSpread
	c.cfg.DefaultQuantity = next.DefaultQuantity
	c.cfg.Risk = next.Risk
	// 新建映射再替换，已交出的快照不受影响
	symbols := maps.Clone(c.cfg.Symbols)
	for sym, sc := range next.Symbols {
		if cur, ok := symbols[sym]; ok {
			cur.Quantity, cur.MinSpread = sc.Quantity, sc.MinSpread
			symbols[sym] = cur
		}
	}
	c.cfg.Symbols = symbols
	c.logger.Info("config applied",
		zap.Float64("min_spread", next.MinSpread),
		zap.Int64("default_quantity", next.DefaultQuantity),
		zap.Int("max_trades_per_minute", next.Risk.MaxTradesPerMinute))
}

// HealthCheck 组件健康且引擎在运行
func (c *Container) HealthCheck() error {
	if err := c.lifecycle.CheckHealth(); err != nil {
		return err
	}
	if c.engine == nil {
		return errors.New("engine not built")
	}
	if st := c.engine.State(); st != engine.StateRunning {
		return fmt.Errorf("engine %s", st)
	}
	return nil
}

// MetricsAddr 指标服务实际监听地址，未启动时为空
func (c *Container) MetricsAddr() string {
	if c.metricsServer == nil {
		return ""
	}
	return c.metricsServer.Addr()
}

// Logger 容器日志器，Build 之后可用
func (c *Container) Logger() *logger.Logger { return c.logger }

// Engine 决策引擎
func (c *Container) Engine() *engine.Engine { return c.engine }

// Safety 风控管理器
func (c *Container) Safety() *risk.SafetyManager { return c.safety }

// Alerts 告警管理器
func (c *Container) Alerts() *alert.Manager { return c.alerts }

// Close 刷新日志
func (c *Container) Close() error {
	if c.logger == nil {
		return nil
	}
	return c.logger.Close()
}

func (c *Container) releaseResources() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
}

func (c *Container) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if err := c.HealthCheck(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

type statsView struct {
	Engine engine.Statistics `json:"engine"`
	Safety risk.Stats        `json:"safety"`
	Feed   gateway.FeedStats `json:"feed"`
}

func (c *Container) serveStats(w http.ResponseWriter, _ *http.Request) {
	view := &statsView{
		Engine: c.engine.Stats(),
		Safety: c.safety.Stats(),
		Feed:   c.feed.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

// serveBreakerReset 清零连续失败计数，返回复位后的风控统计。
func (c *Container) serveBreakerReset(w http.ResponseWriter, r *http.Request) {
	before := c.safety.Stats()
	c.safety.ResetFailures()
	c.logger.Warn("circuit breaker reset via http",
		zap.Int("previous_streak", before.ConsecutiveFailure),
		zap.Bool("was_open", before.CircuitOpen),
		zap.String("remote", r.RemoteAddr))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.safety.Stats())
}

func loggerConfig(lc config.LogConfig) logger.Config {
	return logger.Config{
		Level:      lc.Level,
		Outputs:    lc.Outputs,
		OutputFile: lc.File,
		ErrorFile:  lc.ErrorFile,
		Format:     lc.Format,
	}
}

func riskLimits(rc config.RiskConfig) risk.Limits {
	l := risk.DefaultLimits()
	l.MaxTradesPerMinute = rc.MaxTradesPerMinute
	l.MaxConcurrentExposure = rc.MaxConcurrentExposure
	l.MaxConsecutiveFailures = rc.MaxConsecutiveFailures
	l.MaxOpenPerInstrument = rc.MaxOpenPerInstrument
	return l
}

func thresholds(cfg config.AppConfig) engine.Thresholds {
	th := engine.Thresholds{
		MinSpread:       cfg.MinSpread,
		DefaultQuantity: cfg.DefaultQuantity,
		Symbols:         make(map[string]engine.SymbolParams, len(cfg.Symbols)),
	}
	for sym, sc := range cfg.Symbols {
		if sc.Quantity > 0 || sc.MinSpread > 0 {
			th.Symbols[strings.ToUpper(sym)] = engine.SymbolParams{Quantity: sc.Quantity, MinSpread: sc.MinSpread}
		}
	}
	return th
}

func orderConfig(ec config.ExecutionConfig) (order.Config, error) {
	ot, err := order.ParseOrderType(ec.OrderType)
	if err != nil {
		return order.Config{}, err
	}
	pt, err := order.ParseProductType(ec.Product)
	if err != nil {
		return order.Config{}, err
	}
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return order.Config{
		PlaceTimeout:    ms(ec.PlaceTimeoutMs),
		LegTimeout:      ms(ec.LegTimeoutMs),
		PollInterval:    ms(ec.PollIntervalMs),
		FailsafeTimeout: ms(ec.FailsafeTimeoutMs),
		OrderType:       ot,
		Product:         pt,
		UseLimitOrders:  ec.UseLimitOrders,
		LimitBuyBuffer:  ec.LimitBuyBuffer,
		LimitSellBuffer: ec.LimitSellBuffer,
		TickSize:        ec.TickSize,
	}, nil
}

func marketSession(sc config.SessionConfig) (risk.MarketGate, error) {
	if sc.IgnoreHours {
		return risk.GateFunc(func(time.Time) bool { return true }), nil
	}
	return risk.NewSession(sc.TradingStart, sc.TradingEnd, sc.Timezone)
}

func instrumentBook(symbols map[string]config.SymbolConfig) (*gateway.InstrumentBook, error) {
	names := make([]string, 0, len(symbols))
	for sym := range symbols {
		names = append(names, sym)
	}
	sort.Strings(names)

	items := make([]gateway.Instrument, 0, 2*len(names))
	for _, sym := range names {
		sc := symbols[sym]
		upper := strings.ToUpper(sym)
		items = append(items,
			gateway.Instrument{Symbol: upper, Venue: market.VenueNSE, Token: sc.NSEToken, TradingSymbol: sc.NSESymbol},
			gateway.Instrument{Symbol: upper, Venue: market.VenueBSE, Token: sc.BSEToken, TradingSymbol: sc.BSESymbol},
		)
	}
	return gateway.NewInstrumentBook(items...)
}

func feedHeader(bc config.BrokerConfig, fc config.FeedConfig) http.Header {
	h := http.Header{}
	if bc.AccessToken != "" {
		h.Set("Authorization", "Bearer "+bc.AccessToken)
	}
	if bc.APIKey != "" {
		h.Set("x-api-key", bc.APIKey)
	}
	if bc.ClientCode != "" {
		h.Set("x-client-code", bc.ClientCode)
	}
	if fc.FeedToken != "" {
		h.Set("x-feed-token", fc.FeedToken)
	}
	return h
}

// restartRequired 列出热更新无法生效的配置段
func restartRequired(cur, next config.AppConfig) []string {
	var changed []string
	if cur.SpreadBasis != next.SpreadBasis {
		changed = append(changed, "spreadBasis")
	}
	if cur.Execution != next.Execution {
		changed = append(changed, "execution")
	}
	if cur.Session != next.Session {
		changed = append(changed, "session")
	}
	if cur.Broker != next.Broker {
		changed = append(changed, "broker")
	}
	if cur.Feed != next.Feed {
		changed = append(changed, "feed")
	}
	if cur.Telemetry != next.Telemetry {
		changed = append(changed, "telemetry")
	}
	if !sameInstruments(cur.Symbols, next.Symbols) {
		changed = append(changed, "symbols")
	}
	return changed
}

func sameInstruments(a, b map[string]config.SymbolConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for sym, x := range a {
		y, ok := b[sym]
		if !ok || x.NSEToken != y.NSEToken || x.BSEToken != y.BSEToken ||
			x.NSESymbol != y.NSESymbol || x.BSESymbol != y.BSESymbol {
			return false
		}
	}
	return true
}
