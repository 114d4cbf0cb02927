package order

import (
	"errors"
	"fmt"
)

// ErrEmptyOrderID 券商返回成功但没有订单号。
var ErrEmptyOrderID = errors.New("broker returned empty order id")

// legError 轮询结束但未成交的原因。
type legError struct {
	status Status
	msg    string
}

func (e legError) Error() string { return fmt.Sprintf("leg %s: %s", e.status, e.msg) }
