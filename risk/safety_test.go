package risk

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration, base time.Time) {
	c.mu.Lock()
	c.now = base.Add(d)
	c.mu.Unlock()
}

func wideLimits() Limits {
	return Limits{
		MaxTradesPerMinute:     100,
		MaxConcurrentExposure:  100,
		MaxConsecutiveFailures: 100,
		MaxOpenPerInstrument:   0,
	}
}

func TestSafetyManager_ConcurrentAdmitRespectsExposure(t *testing.T) {
	const limit = 3
	l := wideLimits()
	l.MaxConcurrentExposure = limit
	m := NewSafetyManager(l, newFakeClock(), nil)

	var admitted int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			inst := string(rune('A' + i%26))
			if i >= 26 {
				inst += "X"
			}
			if err := m.Admit(inst); err == nil {
				atomic.AddInt32(&admitted, 1)
				m.RegisterOpen(inst)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if admitted > limit {
		t.Fatalf("admitted %d, limit %d", admitted, limit)
	}
	if admitted != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, admitted)
	}
	if st := m.Stats(); st.OpenExposure != limit {
		t.Fatalf("open exposure %d, want %d", st.OpenExposure, limit)
	}
}

func TestSafetyManager_PendingCountsTowardExposure(t *testing.T) {
	l := wideLimits()
	l.MaxConcurrentExposure = 1
	m := NewSafetyManager(l, newFakeClock(), nil)

	if err := m.Admit("INFY"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := m.Admit("TCS"); !errors.Is(err, ErrExposureLimit) {
		t.Fatalf("expected ErrExposureLimit, got %v", err)
	}
	m.Release("INFY")
	if err := m.Admit("TCS"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
}

func TestSafetyManager_RollingWindow(t *testing.T) {
	clk := newFakeClock()
	base := clk.Now()
	l := wideLimits()
	l.MaxTradesPerMinute = 6
	m := NewSafetyManager(l, clk, nil)

	for i := 0; i < 6; i++ {
		clk.Set(time.Duration(i)*time.Second, base)
		if err := m.Admit("INFY"); err != nil {
			t.Fatalf("trade %d blocked: %v", i, err)
		}
		m.RegisterOpen("INFY")
		m.RegisterClose("INFY", 0.5, OutcomeSuccess)
	}

	clk.Set(6*time.Second, base)
	if err := m.Admit("INFY"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("7th trade at t=6s should be rate limited, got %v", err)
	}

	clk.Set(61*time.Second, base)
	if err := m.Admit("INFY"); err != nil {
		t.Fatalf("7th trade at t=61s should be admitted: %v", err)
	}
	if st := m.Stats(); st.TradesInWindow != 4 {
		t.Fatalf("trades in window %d, want 4", st.TradesInWindow)
	}
}

func TestSafetyManager_WindowBoundaryIsExclusive(t *testing.T) {
	clk := newFakeClock()
	base := clk.Now()
	l := wideLimits()
	l.MaxTradesPerMinute = 1
	m := NewSafetyManager(l, clk, nil)

	_ = m.Admit("INFY")
	m.RegisterOpen("INFY")
	m.RegisterClose("INFY", 1, OutcomeSuccess)

	clk.Set(59*time.Second, base)
	if err := m.Admit("INFY"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit inside window, got %v", err)
	}
	clk.Set(60*time.Second, base)
	if err := m.Admit("INFY"); err != nil {
		t.Fatalf("trade exactly 60s old should have left the window: %v", err)
	}
}

func TestSafetyManager_CircuitBreaker(t *testing.T) {
	l := wideLimits()
	l.MaxConsecutiveFailures = 2
	m := NewSafetyManager(l, newFakeClock(), nil)

	var trips int32
	m.SetTripHandler(func(streak int) {
		atomic.AddInt32(&trips, 1)
		if streak != 2 {
			t.Errorf("trip streak %d, want 2", streak)
		}
	})

	for _, o := range []Outcome{OutcomeFailsafeResolved, OutcomeUnresolved} {
		if err := m.Admit("INFY"); err != nil {
			t.Fatalf("admit before breaker: %v", err)
		}
		m.RegisterOpen("INFY")
		m.RegisterClose("INFY", 0.5, o)
	}

	for _, inst := range []string{"INFY", "TCS", "SBIN"} {
		if err := m.Admit(inst); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("%s: expected ErrCircuitOpen, got %v", inst, err)
		}
	}
	if atomic.LoadInt32(&trips) != 1 {
		t.Fatalf("trip handler calls %d, want 1", trips)
	}
	st := m.Stats()
	if !st.CircuitOpen || st.UnresolvedTrades != 1 || st.FailedTrades != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}

	m.ResetFailures()
	if err := m.Admit("INFY"); err != nil {
		t.Fatalf("admit after reset: %v", err)
	}
}

func TestSafetyManager_SuccessResetsStreak(t *testing.T) {
	l := wideLimits()
	l.MaxConsecutiveFailures = 2
	m := NewSafetyManager(l, newFakeClock(), nil)

	for _, o := range []Outcome{OutcomeNoFill, OutcomeSuccess, OutcomeNoFill} {
		if err := m.Admit("INFY"); err != nil {
			t.Fatalf("admit: %v", err)
		}
		m.RegisterOpen("INFY")
		m.RegisterClose("INFY", 0.5, o)
	}
	if st := m.Stats(); st.ConsecutiveFailure != 1 || st.CircuitOpen {
		t.Fatalf("streak should be 1 after reset, got %+v", st)
	}
	if got := len(m.Records()); got != 3 {
		t.Fatalf("ledger length %d, want 3", got)
	}
	if !m.Records()[1].Success {
		t.Fatal("second record should be a success")
	}
}

func TestSafetyManager_PerInstrumentLimit(t *testing.T) {
	l := wideLimits()
	l.MaxOpenPerInstrument = 1
	m := NewSafetyManager(l, newFakeClock(), nil)

	if err := m.Admit("INFY"); err != nil {
		t.Fatal(err)
	}
	m.RegisterOpen("INFY")
	if err := m.Admit("INFY"); !errors.Is(err, ErrInstrumentBusy) {
		t.Fatalf("expected ErrInstrumentBusy, got %v", err)
	}
	if err := m.Admit("TCS"); err != nil {
		t.Fatalf("other instrument should be admitted: %v", err)
	}
	m.RegisterClose("INFY", 0.2, OutcomeSuccess)
	if m.OpenFor("INFY") != 0 {
		t.Fatalf("open for INFY should be 0")
	}
}

func TestSafetyManager_ZeroLimitsFailClosed(t *testing.T) {
	m := NewSafetyManager(Limits{}, newFakeClock(), nil)
	if err := m.Admit("INFY"); err == nil {
		t.Fatal("zero limits must block")
	}
}

func TestSafetyManager_Shutdown(t *testing.T) {
	m := NewSafetyManager(wideLimits(), newFakeClock(), nil)
	m.Shutdown()
	if err := m.Admit("INFY"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestSafetyManager_SetLimitsKeepsState(t *testing.T) {
	l := wideLimits()
	l.MaxConsecutiveFailures = 5
	m := NewSafetyManager(l, newFakeClock(), nil)
	var trips int32
	m.SetTripHandler(func(int) { atomic.AddInt32(&trips, 1) })
	_ = m.Admit("INFY")
	m.RegisterOpen("INFY")
	m.RegisterClose("INFY", 0, OutcomeNoFill)

	l.MaxConsecutiveFailures = 1
	m.SetLimits(l)
	if err := m.Admit("INFY"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("tightened breaker should block, got %v", err)
	}
	if m.Limits().MaxConsecutiveFailures != 1 {
		t.Fatal("limits not applied")
	}
	if atomic.LoadInt32(&trips) != 1 {
		t.Fatalf("trip handler calls %d, want 1", trips)
	}
}

func TestSafetyManager_TripFiresAfterLimitLowered(t *testing.T) {
	l := wideLimits()
	l.MaxConsecutiveFailures = 5
	m := NewSafetyManager(l, newFakeClock(), nil)
	var trips []int
	var mu sync.Mutex
	m.SetTripHandler(func(streak int) {
		mu.Lock()
		trips = append(trips, streak)
		mu.Unlock()
	})

	fail := func() {
		m.RegisterOpen("INFY")
		m.RegisterClose("INFY", 0, OutcomeNoFill)
	}
	fail()
	fail()
	fail()

	// 放宽后再收紧到低于当前连续失败数
	l.MaxConsecutiveFailures = 10
	m.SetLimits(l)
	l.MaxConsecutiveFailures = 2
	m.SetLimits(l)
	fail()
	// 同一次熔断内重复越线只告警一次
	m.SetLimits(l)

	mu.Lock()
	got := append([]int(nil), trips...)
	mu.Unlock()
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("trips = %v, want [3]", got)
	}

	m.ResetFailures()
	fail()
	fail()
	mu.Lock()
	defer mu.Unlock()
	if len(trips) != 2 || trips[1] != 2 {
		t.Fatalf("trips after reset = %v, want second trip at 2", trips)
	}
}

func TestLedger_RingBuffer(t *testing.T) {
	l := newLedger(3)
	for i := 0; i < 5; i++ {
		l.append(TradeRecord{Spread: float64(i)})
	}
	recs := l.records()
	if len(recs) != 3 || l.len() != 3 {
		t.Fatalf("ledger length %d", len(recs))
	}
	for i, want := range []float64{2, 3, 4} {
		if recs[i].Spread != want {
			t.Fatalf("record %d spread %v, want %v", i, recs[i].Spread, want)
		}
	}
}
