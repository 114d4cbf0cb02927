package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limits 风控阈值。
type Limits struct {
	MaxTradesPerMinute     int
	MaxConcurrentExposure  int
	MaxConsecutiveFailures int
	// MaxOpenPerInstrument 同一标的同时在途的尝试数上限，0 表示不限制。
	MaxOpenPerInstrument int
	// Window 滚动计数窗口，默认 60 秒。
	Window time.Duration
}

// DefaultLimits 每分钟 4 笔、单一敞口、连续失败 2 次熔断。
func DefaultLimits() Limits {
	return Limits{
		MaxTradesPerMinute:     4,
		MaxConcurrentExposure:  1,
		MaxConsecutiveFailures: 2,
		MaxOpenPerInstrument:   1,
		Window:                 time.Minute,
	}
}

// Stats 台账统计快照。
type Stats struct {
	TotalTrades        int
	SuccessfulTrades   int
	FailedTrades       int
	UnresolvedTrades   int
	TradesInWindow     int
	OpenExposure       int
	PendingAdmissions  int
	ConsecutiveFailure int
	CircuitOpen        bool
}

// SuccessRate 成功率，没有成交记录时为 0。
func (s Stats) SuccessRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.SuccessfulTrades) / float64(s.TotalTrades)
}

// SafetyManager 进程级风控闸门与成交台账。
// 所有共享计数（在途敞口、滚动成交时间戳、连续失败数）只在 mu 保护下修改，
// 每次调用的临界区为 O(1)（滚动窗口修剪按摊还计）。
//
// Admit 通过时会预占一个名额（pending），随后 RegisterOpen 将其转为在途敞口；
// 预占的名额同样计入敞口和频率检查，保证并发准入不会超限。
// 信号在 RegisterOpen 之前被放弃时需调用 Release 归还名额。
type SafetyManager struct {
	mu sync.Mutex

	limits Limits
	clock  Clock
	logger *zap.Logger

	open         map[string]int
	openTotal    int
	pending      map[string]int
	pendingTotal int

	// 成交下单时间戳，按时间递增
	placed []time.Time

	failStreak int
	// tripped 熔断打开后置位，复位前不重复告警
	tripped    bool
	ledger     *ledger
	total      int
	succeeded  int
	unresolved int

	closed bool
	onTrip func(streak int)
}

// NewSafetyManager 创建风控管理器；clock 为 nil 时使用系统时间。
func NewSafetyManager(limits Limits, clock Clock, logger *zap.Logger) *SafetyManager {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafetyManager{
		limits:  normalize(limits),
		clock:   clock,
		logger:  logger.Named("safety"),
		open:    make(map[string]int),
		pending: make(map[string]int),
		placed:  make([]time.Time, 0, 16),
		ledger:  newLedger(defaultLedgerSize),
	}
}

func normalize(l Limits) Limits {
	if l.Window <= 0 {
		l.Window = time.Minute
	}
	return l
}

// SetTripHandler 连续失败达到阈值时回调，在锁外执行。
func (m *SafetyManager) SetTripHandler(fn func(streak int)) {
	m.mu.Lock()
	m.onTrip = fn
	m.mu.Unlock()
}

// SetLimits 热更新阈值；不会重置敞口与连续失败计数。
// 收紧阈值使当前连续失败数越线时同样触发熔断回调。
func (m *SafetyManager) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = normalize(l)
	tripped := m.checkTripLocked()
	streak := m.failStreak
	onTrip := m.onTrip
	m.mu.Unlock()
	m.logger.Info("risk limits updated",
		zap.Int("max_trades_per_minute", l.MaxTradesPerMinute),
		zap.Int("max_concurrent_exposure", l.MaxConcurrentExposure),
		zap.Int("max_consecutive_failures", l.MaxConsecutiveFailures),
		zap.Int("max_open_per_instrument", l.MaxOpenPerInstrument))
	if tripped {
		m.logger.Error("circuit breaker tripped by tightened limit, blocking new trades",
			zap.Int("consecutive_failures", streak))
		if onTrip != nil {
			onTrip(streak)
		}
	}
}

// checkTripLocked 连续失败数首次达到阈值时返回 true；阈值放宽后解除锁存。
func (m *SafetyManager) checkTripLocked() bool {
	open := m.failStreak >= m.limits.MaxConsecutiveFailures
	if !open {
		m.tripped = false
		return false
	}
	if m.tripped || m.failStreak == 0 {
		return false
	}
	m.tripped = true
	return true
}

// Limits 当前阈值。
func (m *SafetyManager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Admit 准入检查，任一条件不满足即拒绝（fail closed）。nil 表示通过并已预占名额。
func (m *SafetyManager) Admit(instrument string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrShuttingDown
	}
	now := m.clock.Now()
	m.trimLocked(now)

	inWindow := len(m.placed) + m.pendingTotal
	if inWindow >= m.limits.MaxTradesPerMinute {
		return fmt.Errorf("%w: %d in last %s (max %d)", ErrRateLimited, inWindow, m.limits.Window, m.limits.MaxTradesPerMinute)
	}
	exposure := m.openTotal + m.pendingTotal
	if exposure >= m.limits.MaxConcurrentExposure {
		return fmt.Errorf("%w: %d open (max %d)", ErrExposureLimit, exposure, m.limits.MaxConcurrentExposure)
	}
	if m.failStreak >= m.limits.MaxConsecutiveFailures {
		return fmt.Errorf("%w: %d consecutive failures (max %d)", ErrCircuitOpen, m.failStreak, m.limits.MaxConsecutiveFailures)
	}
	if per := m.limits.MaxOpenPerInstrument; per > 0 {
		if n := m.open[instrument] + m.pending[instrument]; n >= per {
			return fmt.Errorf("%w: %s has %d open", ErrInstrumentBusy, instrument, n)
		}
	}

	m.pending[instrument]++
	m.pendingTotal++
	return nil
}

// RegisterOpen 每个被接受的信号在执行前调用一次：在途敞口加一并记录下单时间。
func (m *SafetyManager) RegisterOpen(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending[instrument] > 0 {
		m.decPendingLocked(instrument)
	}
	m.open[instrument]++
	m.openTotal++
	m.placed = append(m.placed, m.clock.Now())
}

// Release 归还 Admit 预占但最终未执行的名额。
func (m *SafetyManager) Release(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[instrument] > 0 {
		m.decPendingLocked(instrument)
	}
}

func (m *SafetyManager) decPendingLocked(instrument string) {
	m.pending[instrument]--
	m.pendingTotal--
	if m.pending[instrument] <= 0 {
		delete(m.pending, instrument)
	}
}

// RegisterClose 每个被接受的信号无论结果如何都恰好调用一次：
// 敞口减一、追加台账、SUCCESS 清零连续失败，否则加一。
func (m *SafetyManager) RegisterClose(instrument string, spread float64, outcome Outcome) {
	m.mu.Lock()

	if m.open[instrument] > 0 {
		m.open[instrument]--
		m.openTotal--
		if m.open[instrument] == 0 {
			delete(m.open, instrument)
		}
	} else {
		m.logger.Warn("close without open position", zap.String("instrument", instrument))
	}

	now := m.clock.Now()
	m.ledger.append(TradeRecord{
		Instrument: instrument,
		Spread:     spread,
		Success:    outcome.Success(),
		Outcome:    outcome,
		Timestamp:  now,
	})
	m.total++
	if outcome == OutcomeUnresolved {
		m.unresolved++
	}

	var tripped bool
	if outcome.Success() {
		m.succeeded++
		m.failStreak = 0
		m.tripped = false
	} else {
		m.failStreak++
		tripped = m.checkTripLocked()
	}
	streak := m.failStreak
	onTrip := m.onTrip
	m.mu.Unlock()

	if tripped {
		m.logger.Error("circuit breaker tripped, blocking new trades",
			zap.Int("consecutive_failures", streak),
			zap.String("last_instrument", instrument),
			zap.String("last_outcome", outcome.String()))
		if onTrip != nil {
			onTrip(streak)
		}
	}
}

// ResetFailures 人工复位熔断。
func (m *SafetyManager) ResetFailures() {
	m.mu.Lock()
	prev := m.failStreak
	m.failStreak = 0
	m.tripped = false
	m.mu.Unlock()
	m.logger.Warn("consecutive failure counter reset by operator", zap.Int("previous", prev))
}

// Shutdown 之后 Admit 一律拒绝。
func (m *SafetyManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Stats 返回统计快照。
func (m *SafetyManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked(m.clock.Now())
	return Stats{
		TotalTrades:        m.total,
		SuccessfulTrades:   m.succeeded,
		FailedTrades:       m.total - m.succeeded,
		UnresolvedTrades:   m.unresolved,
		TradesInWindow:     len(m.placed),
		OpenExposure:       m.openTotal,
		PendingAdmissions:  m.pendingTotal,
		ConsecutiveFailure: m.failStreak,
		CircuitOpen:        m.failStreak >= m.limits.MaxConsecutiveFailures,
	}
}

// Records 返回最近的台账条目（按时间顺序）。
func (m *SafetyManager) Records() []TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.records()
}

// OpenFor 某标的当前在途尝试数。
func (m *SafetyManager) OpenFor(instrument string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[instrument]
}

// trimLocked 丢弃滚动窗口之外的时间戳，距今满一个窗口即过期。
func (m *SafetyManager) trimLocked(now time.Time) {
	cutoff := now.Add(-m.limits.Window)
	i := 0
	for ; i < len(m.placed); i++ {
		if m.placed[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.placed = m.placed[i:]
	}
}
