package market

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store 保存每个 (instrument, venue) 的最新 Tick。
// 每个标的一个槽位，槽位内按交易所使用原子指针，不同标的之间没有锁竞争。
type Store struct {
	slots sync.Map // instrument -> *slot
	now   func() time.Time
}

type slot struct {
	ticks [venueCount]atomic.Pointer[Tick]
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

func (s *Store) slotFor(instrument string) *slot {
	if v, ok := s.slots.Load(instrument); ok {
		return v.(*slot)
	}
	v, _ := s.slots.LoadOrStore(instrument, &slot{})
	return v.(*slot)
}

// Update 覆盖该 key 的上一条 Tick（后写覆盖，不按时间戳拒绝旧数据）。
func (s *Store) Update(t Tick) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cp := t
	s.slotFor(t.Instrument).ticks[t.Venue].Store(&cp)
	return nil
}

// Latest 返回某个 key 的最新 Tick。
func (s *Store) Latest(instrument string, v Venue) (Tick, bool) {
	if !v.Valid() {
		return Tick{}, false
	}
	raw, ok := s.slots.Load(instrument)
	if !ok {
		return Tick{}, false
	}
	p := raw.(*slot).ticks[v].Load()
	if p == nil {
		return Tick{}, false
	}
	return *p, true
}

// Snapshot 两边都有行情时构造 QuoteSnapshot，否则返回 false。
func (s *Store) Snapshot(instrument string) (QuoteSnapshot, bool) {
	raw, ok := s.slots.Load(instrument)
	if !ok {
		return QuoteSnapshot{}, false
	}
	sl := raw.(*slot)
	nse := sl.ticks[VenueNSE].Load()
	bse := sl.ticks[VenueBSE].Load()
	if nse == nil || bse == nil {
		return QuoteSnapshot{}, false
	}
	return QuoteSnapshot{
		Instrument: instrument,
		NSE:        *nse,
		BSE:        *bse,
		BuiltAt:    s.now(),
	}, true
}

// Instruments 返回已收到过行情的标的（排序后）。
func (s *Store) Instruments() []string {
	var out []string
	s.slots.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}
