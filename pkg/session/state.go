package session

import (
	"time"
)

// State is the lifecycle state of a session
type State int

const (
	Idle State = iota
	Discovering
	PendingAuth
	Authenticating
	Connecting
	LoadingCapabilities
	Ready
	Failed
)

var stateNames = [...]string{
	Idle:                "idle",
	Discovering:         "discovering",
	PendingAuth:         "pending_auth",
	Authenticating:      "authenticating",
	Connecting:          "connecting",
	LoadingCapabilities: "loading",
	Ready:               "ready",
	Failed:              "failed",
}

// String returns the lower-case name rendered by status badges
func (s State) String() string {
	if s < Idle || s > Failed {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InProgress reports whether s is one of the states between Idle and Ready
func (s State) InProgress() bool {
	switch s {
	case Discovering, PendingAuth, Authenticating, Connecting, LoadingCapabilities:
		return true
	}
	return false
}

// transitions lists the allowed targets for each state. Any state other
// than Idle may also return to Idle through Disconnect.
var transitions = map[State][]State{
	Idle:                {Discovering},
	Discovering:         {PendingAuth, Connecting, Failed},
	PendingAuth:         {Authenticating},
	Authenticating:      {Connecting, Failed},
	Connecting:          {LoadingCapabilities, Failed},
	LoadingCapabilities: {Ready, Failed},
	Ready:               {LoadingCapabilities, Failed},
	Failed:              {Discovering},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	if to == Idle {
		return from != Idle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is delivered to watchers for every applied transition
type StateChange struct {
	From State
	To   State
	// Err is the failure that caused a transition to Failed
	Err error
	At  time.Time
}
