package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"market-arb-go/market"
)

// Side 买卖方向。
type Side int

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 反向，用于平仓单。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型。
type OrderType int

const (
	OrderTypeMarket OrderType = iota + 1
	OrderTypeLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderType 空字符串视为 MARKET。
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "MARKET":
		return OrderTypeMarket, nil
	case "LIMIT":
		return OrderTypeLimit, nil
	default:
		return 0, fmt.Errorf("unknown order type %q", s)
	}
}

// ProductType 产品类型。
type ProductType int

const (
	ProductIntraday ProductType = iota + 1
	ProductDelivery
	ProductCarryForward
)

func (p ProductType) String() string {
	switch p {
	case ProductIntraday:
		return "INTRADAY"
	case ProductDelivery:
		return "DELIVERY"
	case ProductCarryForward:
		return "CARRYFORWARD"
	default:
		return "UNKNOWN"
	}
}

// ParseProductType 兼容 MIS/CNC 别名，空字符串视为 INTRADAY。
func ParseProductType(s string) (ProductType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INTRADAY", "MIS":
		return ProductIntraday, nil
	case "DELIVERY", "CNC":
		return ProductDelivery, nil
	case "CARRYFORWARD", "NRML":
		return ProductCarryForward, nil
	default:
		return 0, fmt.Errorf("unknown product type %q", s)
	}
}

// Validity 有效期。
type Validity int

const (
	ValidityIOC Validity = iota + 1
	ValidityDay
)

func (v Validity) String() string {
	switch v {
	case ValidityIOC:
		return "IOC"
	case ValidityDay:
		return "DAY"
	default:
		return "UNKNOWN"
	}
}

// OrderLeg 套利对中的一条腿。两条腿总是一起创建，只由 Executor 下发。
type OrderLeg struct {
	Venue      market.Venue
	Instrument string
	Side       Side
	Quantity   int64
	Type       OrderType
	Product    ProductType
	Validity   Validity
	// Price 仅限价单使用
	Price float64
	// Tag 透传给券商的客户端标识
	Tag string
}

func (l OrderLeg) String() string {
	if l.Type == OrderTypeLimit {
		return fmt.Sprintf("%s %s %s x%d @%.2f %s", l.Side, l.Instrument, l.Venue, l.Quantity, l.Price, l.Validity)
	}
	return fmt.Sprintf("%s %s %s x%d %s %s", l.Side, l.Instrument, l.Venue, l.Quantity, l.Type, l.Validity)
}

// Status 券商侧订单状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOpen      Status = "OPEN"
	StatusFilled    Status = "FILLED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusError     Status = "ERROR"
)

// Terminal 是否终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusTimedOut, StatusError:
		return true
	default:
		return false
	}
}

// StatusReport 一次状态查询的结果。
type StatusReport struct {
	Status      Status
	FilledPrice float64
	FilledQty   int64
	Message     string
}

// LegResult 单腿最终结果，终态后不再修改。
type LegResult struct {
	Leg         OrderLeg
	OrderID     string
	Status      Status
	FilledPrice float64
	Err         error
	PlacedAt    time.Time
	ResolvedAt  time.Time
}

// Filled 是否已成交。
func (r LegResult) Filled() bool { return r.Status == StatusFilled }

// Latency 下单到终态的耗时。
func (r LegResult) Latency() time.Duration {
	if r.PlacedAt.IsZero() || r.ResolvedAt.IsZero() {
		return 0
	}
	return r.ResolvedAt.Sub(r.PlacedAt)
}

// Broker 下单与查单服务。两个调用都可能失败且有延迟。
type Broker interface {
	Place(ctx context.Context, leg OrderLeg) (string, error)
	Status(ctx context.Context, orderID string) (StatusReport, error)
}
