package session

import "time"

// State is the lifecycle state of the avatar session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateConnected
	StateDisconnected
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitializing:
		return "INITIALIZING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Mode reports what a connected session can do.
type Mode int

const (
	ModeNone Mode = iota
	// ModeVoice means automatic listening started after voice chat opened.
	ModeVoice
	// ModeText means listening could not be started; only text prompts work.
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModeVoice:
		return "voice"
	case ModeText:
		return "text"
	default:
		return "none"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function into a StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:         {StateInitializing, StateDisconnected},
	StateInitializing: {StateConnected, StateIdle, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateInitializing},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
