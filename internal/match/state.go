package match

import "fmt"

// State is a stage of a single match attempt.
type State int

const (
	StateInit State = iota
	StateServerStarting
	StateClientsConnecting
	StateInProgress
	StateCompleted
	StateTimedOut
	StateCrashed
)

var stateNames = map[State]string{
	StateInit:              "INIT",
	StateServerStarting:    "SERVER_STARTING",
	StateClientsConnecting: "CLIENTS_CONNECTING",
	StateInProgress:        "IN_PROGRESS",
	StateCompleted:         "COMPLETED",
	StateTimedOut:          "TIMED_OUT",
	StateCrashed:           "CRASHED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateCrashed
}

// stateTransitions is the closed set of legal moves. Every non-terminal state may
// fail (CRASHED) or run out of time (TIMED_OUT); only IN_PROGRESS may complete.
var stateTransitions = map[State][]State{
	StateInit:              {StateServerStarting, StateCrashed, StateTimedOut},
	StateServerStarting:    {StateClientsConnecting, StateCrashed, StateTimedOut},
	StateClientsConnecting: {StateInProgress, StateCrashed, StateTimedOut},
	StateInProgress:        {StateCompleted, StateCrashed, StateTimedOut},
}

func canTransition(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
