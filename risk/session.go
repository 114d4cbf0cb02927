package risk

import (
	"fmt"
	"time"
)

// TimeOfDay 一天内的时刻（分钟精度）。
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay 解析 "HH:MM"。
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) offset() time.Duration {
	return time.Duration(t.minutes()) * time.Minute
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Session 交易时段闸门，两端均包含。
type Session struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// DefaultSession NSE/BSE 现货连续竞价时段 09:15-15:30 IST。
func DefaultSession() Session {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return Session{
		Start:    TimeOfDay{Hour: 9, Minute: 15},
		End:      TimeOfDay{Hour: 15, Minute: 30},
		Location: loc,
	}
}

// NewSession 由配置字符串构造；timezone 为空时使用 Asia/Kolkata。
func NewSession(start, end, timezone string) (Session, error) {
	s := DefaultSession()
	var err error
	if start != "" {
		if s.Start, err = ParseTimeOfDay(start); err != nil {
			return Session{}, err
		}
	}
	if end != "" {
		if s.End, err = ParseTimeOfDay(end); err != nil {
			return Session{}, err
		}
	}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return Session{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		s.Location = loc
	}
	if s.End.minutes() <= s.Start.minutes() {
		return Session{}, fmt.Errorf("trading end %s must be after start %s", s.End, s.Start)
	}
	return s, nil
}

// IsMarketOpen 判断 now 是否处于 [Start, End] 内，End 即 15:30:00 整，之后任何时刻都已收盘。
// 周末不做判断，由交易所推送为准。
func (s Session) IsMarketOpen(now time.Time) bool {
	if s.Location != nil {
		now = now.In(s.Location)
	}
	d := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second +
		time.Duration(now.Nanosecond())
	return d >= s.Start.offset() && d <= s.End.offset()
}

// MarketGate 交易时段查询接口。
type MarketGate interface {
	IsMarketOpen(now time.Time) bool
}

// GateFunc 将函数适配为 MarketGate。
type GateFunc func(now time.Time) bool

func (f GateFunc) IsMarketOpen(now time.Time) bool { return f(now) }

// AlwaysOpen 不限制交易时段（仿真/纸面交易）。
var AlwaysOpen MarketGate = GateFunc(func(time.Time) bool { return true })
