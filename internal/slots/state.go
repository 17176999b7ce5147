package slots

import "fmt"

// State represents the lifecycle state of a slot.
type State int

// Slot states.
const (
	StateIdle           State = iota // Free for a new session
	StateInitializing                // Claimed, instance booting
	StateRunning                     // Instance passed the readiness handshake
	StateDeinitializing              // Stop requested or instance exiting
)

// StatusInvalid is the status reported for ids outside the table.
// It is never stored in a slot.
const StatusInvalid = "INVALID"

// transitions is the complete set of permitted edges.
var transitions = map[State][]State{
	StateIdle:           {StateInitializing},
	StateInitializing:   {StateRunning, StateDeinitializing},
	StateRunning:        {StateDeinitializing},
	StateDeinitializing: {StateIdle},
}

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateDeinitializing:
		return "DEINITIALIZING"
	default:
		return StatusInvalid
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a slot in this state counts against capacity.
func (s State) Active() bool {
	return s != StateIdle
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState converts a wire name back into a State.
func ParseState(name string) (State, error) {
	for _, s := range []State{StateIdle, StateInitializing, StateRunning, StateDeinitializing} {
		if s.String() == name {
			return s, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown state %q", name)
}
