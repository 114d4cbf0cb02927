package risk

import "errors"

// 准入失败原因；Admit 返回的错误均包装其中之一。
var (
	ErrRateLimited    = errors.New("trade rate limit reached")
	ErrExposureLimit  = errors.New("concurrent exposure limit reached")
	ErrInstrumentBusy = errors.New("instrument already has an open trade")
	ErrCircuitOpen    = errors.New("consecutive failure circuit breaker open")
	ErrShuttingDown   = errors.New("safety manager shutting down")
)

// BlockReason 把 Admit 错误归类为稳定的短代码，用作指标标签。
func BlockReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShuttingDown):
		return "shutdown"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	case errors.Is(err, ErrExposureLimit):
		return "exposure"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrInstrumentBusy):
		return "instrument_busy"
	default:
		return "other"
	}
}
