package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market-arb-go/risk"
	"market-arb-go/telemetry"
)

// Monitor Prometheus监控指标收集器，同时实现 telemetry.Sink
type Monitor struct {
	cfg      Config
	registry *prometheus.Registry
	factory  promauto.Factory

	// 评估指标
	evaluations *prometheus.CounterVec
	signals     *prometheus.CounterVec
	spread      *prometheus.GaugeVec

	// 风控指标
	blocks *prometheus.CounterVec

	// 交易指标
	trades        *prometheus.CounterVec
	tradeDuration prometheus.Histogram
	slippage      *prometheus.HistogramVec
	failsafes     *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "arb",
		Subsystem: "engine",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		cfg:      cfg,
		registry: reg,
		factory:  factory,

		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "evaluations_total",
			Help:      "快照评估次数",
		}, []string{"instrument"}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "signals_total",
			Help:      "通过价差评估的信号数",
		}, []string{"instrument"}),
		spread: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ltp_spread",
			Help:      "两所最新成交价差（绝对值）",
		}, []string{"instrument"}),

		blocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "admission_blocks_total",
			Help:      "风控拦截次数",
		}, []string{"reason"}),

		trades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "trades_total",
			Help:      "已关闭的套利尝试",
		}, []string{"instrument", "outcome"}),
		tradeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "trade_duration_seconds",
			Help:      "从信号到关闭的耗时（秒）",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		slippage: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "leg_slippage",
			Help:      "单腿滑点（价格单位，正值为不利）",
			Buckets:   []float64{-0.5, -0.2, -0.1, -0.05, 0, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"venue", "side"}),
		failsafes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "failsafe_orders_total",
			Help:      "平仓单结果",
		}, []string{"status"}),
	}

	return m
}

// Evaluation 记录评估与当前价差
func (m *Monitor) Evaluation(ev telemetry.EvaluationEvent) {
	m.evaluations.WithLabelValues(ev.Instrument).Inc()
	m.spread.WithLabelValues(ev.Instrument).Set(ev.Spread)
	if ev.Signaled {
		m.signals.WithLabelValues(ev.Instrument).Inc()
	}
}

// Blocked 按原因代码计数
func (m *Monitor) Blocked(ev telemetry.BlockEvent) {
	code := ev.Code
	if code == "" {
		code = "other"
	}
	m.blocks.WithLabelValues(code).Inc()
}

// Trade 记录结果与耗时
func (m *Monitor) Trade(ev telemetry.TradeEvent) {
	m.trades.WithLabelValues(ev.Instrument, ev.Outcome).Inc()
	m.tradeDuration.Observe(ev.Duration.Seconds())
	if ev.FailsafeStatus != "" {
		m.failsafes.WithLabelValues(ev.FailsafeStatus).Inc()
	}
}

// Slippage 记录单腿滑点
func (m *Monitor) Slippage(ev telemetry.SlippageEvent) {
	m.slippage.WithLabelValues(ev.Venue, ev.Side).Observe(ev.Slippage)
}

// SafetySource 提供风控状态快照，risk.SafetyManager 满足该接口
type SafetySource interface {
	Stats() risk.Stats
}

// ObserveSafety 以 GaugeFunc 方式在抓取时读取风控状态
func (m *Monitor) ObserveSafety(src SafetySource) {
	gauge := func(name, help string, fn func(risk.Stats) float64) {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.cfg.Namespace,
			Subsystem: "safety",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(src.Stats()) })
	}
	gauge("open_exposure", "在途套利数（含已预占）", func(s risk.Stats) float64 {
		return float64(s.OpenExposure + s.PendingAdmissions)
	})
	gauge("trades_in_window", "滚动窗口内的下单次数", func(s risk.Stats) float64 {
		return float64(s.TradesInWindow)
	})
	gauge("consecutive_failures", "连续失败次数", func(s risk.Stats) float64 {
		return float64(s.ConsecutiveFailure)
	})
	gauge("circuit_open", "熔断状态(0=正常,1=熔断)", func(s risk.Stats) float64 {
		if s.CircuitOpen {
			return 1
		}
		return 0
	})
	gauge("success_rate", "历史成功率", func(s risk.Stats) float64 {
		return s.SuccessRate()
	})
}

// RegisterCounterFunc 暴露外部维护的单调计数，例如行情连接的接收与重连次数
func (m *Monitor) RegisterCounterFunc(subsystem, name, help string, fn func() float64) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
