package risk

// Outcome 单次套利尝试的最终结果。
type Outcome int

const (
	// OutcomeSuccess 两腿均成交。
	OutcomeSuccess Outcome = iota
	// OutcomeFailsafeResolved 单腿成交，反向平仓单已确认成交。
	OutcomeFailsafeResolved
	// OutcomeUnresolved 反向平仓单未能确认，存在未对冲仓位，最严重。
	OutcomeUnresolved
	// OutcomeNoFill 两腿都未成交，无敞口，但仍计为一次失败。
	OutcomeNoFill
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailsafeResolved:
		return "FAILSAFE_RESOLVED"
	case OutcomeUnresolved:
		return "UNRESOLVED"
	case OutcomeNoFill:
		return "NO_FILL"
	default:
		return "UNKNOWN"
	}
}

// Success 仅 SUCCESS 视为成功。
func (o Outcome) Success() bool {
	return o == OutcomeSuccess
}
