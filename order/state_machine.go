package order

import (
	"errors"
	"fmt"
	"sync"
)

// ErrIllegalTransition 非法状态转换。
var ErrIllegalTransition = errors.New("illegal attempt state transition")

// AttemptState 单次套利尝试的状态。
type AttemptState int

const (
	StateSignaled AttemptState = iota
	StateLegsPlaced
	StateBothFilled
	StateOneFilled
	StateNoneFilled
	StateFailsafePlaced
	StateFailsafeFilled
	StateFailsafeFailed
	StateClosed
)

func (s AttemptState) String() string {
	switch s {
	case StateSignaled:
		return "SIGNALED"
	case StateLegsPlaced:
		return "LEGS_PLACED"
	case StateBothFilled:
		return "BOTH_FILLED"
	case StateOneFilled:
		return "ONE_FILLED_ONE_FAILED"
	case StateNoneFilled:
		return "NONE_FILLED"
	case StateFailsafePlaced:
		return "FAILSAFE_PLACED"
	case StateFailsafeFilled:
		return "FAILSAFE_FILLED"
	case StateFailsafeFailed:
		return "FAILSAFE_FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateTransition 状态转换
type StateTransition struct {
	From AttemptState
	To   AttemptState
}

// 合法转换表
var legalTransitions = map[StateTransition]bool{
	{StateSignaled, StateLegsPlaced}: true,

	{StateLegsPlaced, StateBothFilled}: true,
	{StateLegsPlaced, StateOneFilled}:  true,
	{StateLegsPlaced, StateNoneFilled}: true,

	{StateOneFilled, StateFailsafePlaced}: true,
	// 平仓单下单本身失败
	{StateOneFilled, StateFailsafeFailed}: true,

	{StateFailsafePlaced, StateFailsafeFilled}: true,
	{StateFailsafePlaced, StateFailsafeFailed}: true,

	{StateBothFilled, StateClosed}:     true,
	{StateNoneFilled, StateClosed}:     true,
	{StateFailsafeFilled, StateClosed}: true,
	{StateFailsafeFailed, StateClosed}: true,

	// 执行中途退出（如 panic 恢复）时任何非终态都可以直接关闭
	{StateSignaled, StateClosed}:       true,
	{StateLegsPlaced, StateClosed}:     true,
	{StateOneFilled, StateClosed}:      true,
	{StateFailsafePlaced, StateClosed}: true,
}

// ValidateTransition 验证状态转换是否合法
func ValidateTransition(from, to AttemptState) error {
	if !legalTransitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Attempt 记录一次尝试的状态轨迹。CLOSED 为终态。
type Attempt struct {
	mu      sync.Mutex
	state   AttemptState
	history []AttemptState
}

func newAttempt() *Attempt {
	return &Attempt{
		state:   StateSignaled,
		history: []AttemptState{StateSignaled},
	}
}

// State 当前状态。
func (a *Attempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Transition 推进状态，非法转换返回 ErrIllegalTransition 且状态不变。
func (a *Attempt) Transition(to AttemptState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ValidateTransition(a.state, to); err != nil {
		return err
	}
	a.state = to
	a.history = append(a.history, to)
	return nil
}

// History 状态轨迹副本。
func (a *Attempt) History() []AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AttemptState, len(a.history))
	copy(out, a.history)
	return out
}
