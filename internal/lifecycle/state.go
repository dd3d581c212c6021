package lifecycle

import "fmt"

// State 描述控制器实例所处的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// transitions 列出合法的状态迁移；redundant 为终态。
var transitions = map[State][]State{
	StateInstalling: {StateWaiting, StateRedundant},
	StateWaiting:    {StateActive, StateRedundant},
	StateActive:     {StateRedundant},
}

// CanTransition 判断 s → to 是否合法。
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError 表示一次不被允许的状态迁移。
type TransitionError struct {
	From State
	To   State
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
