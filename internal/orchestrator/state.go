package orchestrator

import (
	"errors"
	"fmt"
)

// State is a step of the processing state machine.
type State string

const (
	StateIdle               State = "idle"
	StateDetecting          State = "detecting"
	StateSelectingCandidate State = "selecting-candidate"
	StateLoadingAddon       State = "loading-addon"
	StateConfiguring        State = "configuring"
	StateRunning            State = "running"
	StateRecoveringFailure  State = "recovering-failure"
	StateCompleted          State = "completed"
	StateTerminallyFailed   State = "terminally-failed"
	StateCancelled          State = "cancelled"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the allowed moves. Running has no edge to Cancelled:
// a started native call is always waited for.
var transitions = map[State][]State{
	StateIdle:               {StateDetecting},
	StateDetecting:          {StateSelectingCandidate},
	StateSelectingCandidate: {StateLoadingAddon, StateTerminallyFailed, StateCancelled},
	StateLoadingAddon:       {StateConfiguring, StateRecoveringFailure, StateCancelled},
	StateConfiguring:        {StateRunning, StateRecoveringFailure, StateCancelled},
	StateRunning:            {StateCompleted, StateRecoveringFailure},
	StateRecoveringFailure:  {StateSelectingCandidate, StateLoadingAddon, StateTerminallyFailed, StateCancelled},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminallyFailed || s == StateCancelled
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes state changes.
type TransitionFunc func(requestID string, from, to State)

type machine struct {
	requestID string
	state     State
	path      []State
	observe   TransitionFunc
}

func newMachine(requestID string, observe TransitionFunc) *machine {
	return &machine{requestID: requestID, state: StateIdle, path: []State{StateIdle}, observe: observe}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	prev := m.state
	m.state = next
	m.path = append(m.path, next)
	if m.observe != nil {
		m.observe(m.requestID, prev, next)
	}
	return nil
}
