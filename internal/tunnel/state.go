package tunnel

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a tunnel session.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateNone; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel state %q", b)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var allowedTransitions = map[State][]State{
	StateNone:       {StateConnecting},
	StateConnecting: {StateActive, StateClosing, StateFailed},
	StateActive:     {StateClosing, StateFailed},
	StateClosing:    {StateClosed, StateFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionBufferSize is the number of transitions kept per session.
const transitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// transitionLog is a fixed-size ring buffer of transitions.
type transitionLog struct {
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (l *transitionLog) record(t Transition) {
	l.entries[l.head] = t
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// history returns the transitions oldest first.
func (l *transitionLog) history() []Transition {
	if l.count == 0 {
		return nil
	}
	out := make([]Transition, l.count)
	if l.count < transitionBufferSize {
		copy(out, l.entries[:l.count])
	} else {
		n := copy(out, l.entries[l.head:])
		copy(out[n:], l.entries[:l.head])
	}
	return out
}
