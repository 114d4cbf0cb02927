package risk

import "time"

// TradeRecord 只追加的成交台账条目，写入后不再修改。
type TradeRecord struct {
	Instrument string
	Spread     float64
	Success    bool
	Outcome    Outcome
	Timestamp  time.Time
}

// defaultLedgerSize 只保留最近 1000 条。
const defaultLedgerSize = 1000

// ledger 固定容量环形缓冲。调用方负责加锁。
type ledger struct {
	buf  []TradeRecord
	next int
	full bool
}

func newLedger(size int) *ledger {
	if size <= 0 {
		size = defaultLedgerSize
	}
	return &ledger{buf: make([]TradeRecord, size)}
}

func (l *ledger) append(r TradeRecord) {
	l.buf[l.next] = r
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

func (l *ledger) len() int {
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// records 按写入顺序返回副本。
func (l *ledger) records() []TradeRecord {
	out := make([]TradeRecord, 0, l.len())
	if l.full {
		out = append(out, l.buf[l.next:]...)
	}
	out = append(out, l.buf[:l.next]...)
	return out
}
