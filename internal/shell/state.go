package shell

import (
	"fmt"
	"sync"
	"time"

	"prhealth/internal/common"
)

// State 生命周期状态
type State int

const (
	StateBuilding State = iota
	StateReadyToStart
	StateRunning
	StateStopped
	StateFailed
)

// String 返回状态字符串
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateReadyToStart:
		return "READY_TO_START"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终止状态
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions 合法的状态迁移
var validTransitions = map[State][]State{
	StateBuilding:     {StateReadyToStart, StateFailed},
	StateReadyToStart: {StateRunning, StateFailed},
	StateRunning:      {StateStopped, StateFailed},
}

// Transition 一次状态迁移记录
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Observer 状态迁移观察者
type Observer func(Transition)

// StateMachine 生命周期状态机，由唯一的监督例程持有
type StateMachine struct {
	mu        sync.RWMutex
	state     State
	history   []Transition
	observers []Observer
}

// NewStateMachine 创建处于 BUILDING 的状态机
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateBuilding}
}

// Current 当前状态
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// History 迁移历史副本
func (sm *StateMachine) History() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]Transition, len(sm.history))
	copy(out, sm.history)
	return out
}

// Observe 注册观察者
func (sm *StateMachine) Observe(o Observer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observers = append(sm.observers, o)
}

// Transition 迁移到目标状态，非法迁移返回 ErrInvalidTransition
func (sm *StateMachine) Transition(to State, reason string) error {
	sm.mu.Lock()
	from := sm.state
	if !canTransition(from, to) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, from, to)
	}
	t := Transition{From: from, To: to, At: time.Now(), Reason: reason}
	sm.state = to
	sm.history = append(sm.history, t)
	observers := append([]Observer(nil), sm.observers...)
	sm.mu.Unlock()

	for _, o := range observers {
		o(t)
	}
	return nil
}

func canTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
