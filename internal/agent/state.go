package agent

import (
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	StateIdle State = iota
	StateOpening
	StateMonitoring
	StateClosing
	StateRebalancing
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOpening:
		return "Opening"
	case StateMonitoring:
		return "Monitoring"
	case StateClosing:
		return "Closing"
	case StateRebalancing:
		return "Rebalancing"
	case StatePaused:
		return "Paused"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

type event int

const (
	evOpen event = iota
	evOpenOK
	evClose
	evCloseOK
	evRebalance
	evAdjustOK
	evPause
	evResume
	evFatal
	evReset
)

func (e event) String() string {
	switch e {
	case evOpen:
		return "open"
	case evOpenOK:
		return "open_ok"
	case evClose:
		return "close"
	case evCloseOK:
		return "close_ok"
	case evRebalance:
		return "rebalance"
	case evAdjustOK:
		return "adjust_ok"
	case evPause:
		return "pause"
	case evResume:
		return "resume"
	case evFatal:
		return "gateway_fatal"
	case evReset:
		return "reset"
	default:
		return "unknown"
	}
}

// ErrStateViolation marks a transition outside the lifecycle graph.
// It indicates a bug, not an operational condition.
var ErrStateViolation = errors.New("illegal state transition")

// StateMachine serializes lifecycle transitions. Pause is legal from
// every state.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// rollback force-sets the state after a violation was tolerated in
// paper mode.
func (s *StateMachine) rollback(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

func (s *StateMachine) Apply(ev event) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := nextState(s.state, ev)
	if err != nil {
		return s.state, err
	}
	s.state = next
	return next, nil
}

func nextState(current State, ev event) (State, error) {
	if ev == evPause {
		return StatePaused, nil
	}
	switch current {
	case StateIdle:
		if ev == evOpen {
			return StateOpening, nil
		}
	case StateOpening:
		switch ev {
		case evOpenOK:
			return StateMonitoring, nil
		case evFatal:
			return StateError, nil
		}
	case StateMonitoring:
		switch ev {
		case evClose:
			return StateClosing, nil
		case evRebalance:
			return StateRebalancing, nil
		}
	case StateClosing:
		switch ev {
		case evCloseOK:
			return StateIdle, nil
		case evFatal:
			return StateError, nil
		}
	case StateRebalancing:
		switch ev {
		case evAdjustOK:
			return StateMonitoring, nil
		case evFatal:
			return StateError, nil
		}
	case StatePaused:
		if ev == evResume {
			return StateIdle, nil
		}
	case StateError:
		if ev == evReset {
			return StateIdle, nil
		}
	}
	return current, fmt.Errorf("%w: %v in %v", ErrStateViolation, ev, current)
}
