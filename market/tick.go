package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Venue 交易所标识，封闭枚举。
type Venue int

const (
	VenueUnknown Venue = iota
	VenueNSE
	VenueBSE
)

// venueCount 为 Store 槽位数组长度。
const venueCount = 3

func (v Venue) String() string {
	switch v {
	case VenueNSE:
		return "NSE"
	case VenueBSE:
		return "BSE"
	default:
		return "UNKNOWN"
	}
}

// Counterpart 返回配对的另一家交易所。
func (v Venue) Counterpart() Venue {
	switch v {
	case VenueNSE:
		return VenueBSE
	case VenueBSE:
		return VenueNSE
	default:
		return VenueUnknown
	}
}

// Valid 是否为已知交易所。
func (v Venue) Valid() bool {
	return v == VenueNSE || v == VenueBSE
}

// ParseVenue 解析交易所代码（大小写不敏感）。
func ParseVenue(s string) (Venue, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NSE":
		return VenueNSE, nil
	case "BSE":
		return VenueBSE, nil
	default:
		return VenueUnknown, fmt.Errorf("unknown venue %q", s)
	}
}

// MarshalText 让 Venue 在 JSON/YAML 中以代码形式出现。
func (v Venue) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Venue) UnmarshalText(b []byte) error {
	parsed, err := ParseVenue(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// DepthLevel 一档盘口。
type DepthLevel struct {
	Price    float64
	Quantity int64
	Orders   int
}

// Tick 单个交易所对单个标的的最新行情。构造后不可修改，由下一条同 key 的 Tick 覆盖。
type Tick struct {
	Instrument string
	Venue      Venue
	LTP        float64
	BidPrice   float64
	BidQty     int64
	AskPrice   float64
	AskQty     int64
	Bids       []DepthLevel
	Asks       []DepthLevel
	Timestamp  time.Time
}

var ErrInvalidTick = errors.New("invalid tick")

// Validate 检查 Tick 是否完整；不完整的行情直接丢弃。
func (t Tick) Validate() error {
	if t.Instrument == "" {
		return fmt.Errorf("%w: empty instrument", ErrInvalidTick)
	}
	if !t.Venue.Valid() {
		return fmt.Errorf("%w: %s unknown venue", ErrInvalidTick, t.Instrument)
	}
	if t.LTP <= 0 {
		return fmt.Errorf("%w: %s/%s ltp %.4f", ErrInvalidTick, t.Instrument, t.Venue, t.LTP)
	}
	if t.BidPrice < 0 || t.AskPrice < 0 || t.BidQty < 0 || t.AskQty < 0 {
		return fmt.Errorf("%w: %s/%s negative quote", ErrInvalidTick, t.Instrument, t.Venue)
	}
	return nil
}

// Key 返回 (instrument, venue) 键。
func (t Tick) Key() Key {
	return Key{Instrument: t.Instrument, Venue: t.Venue}
}

// Key 行情槽位键。
type Key struct {
	Instrument string
	Venue      Venue
}

func (k Key) String() string {
	return k.Instrument + "@" + k.Venue.String()
}
