package worklist

import (
	"fmt"
	"strings"
)

// Status is the evaluation status of a single submission.
type Status string

const (
	// StatusPending means the submission has not been attempted in any run yet
	StatusPending Status = "PENDING"

	// StatusRunning means a match for the submission currently occupies a slot
	StatusRunning Status = "RUNNING"

	// StatusCompleted means the match finished and produced a parseable outcome
	StatusCompleted Status = "COMPLETED"

	// StatusError means the match failed (crash, launch failure, unparseable outcome)
	StatusError Status = "ERROR"

	// StatusTimeout means the match was killed at its deadline
	StatusTimeout Status = "TIMEOUT"

	// StatusSkipped means the submission was ineligible and never played
	StatusSkipped Status = "SKIPPED"
)

// transitions lists every legal status change. Anything else is rejected.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusSkipped},
	// RUNNING -> PENDING happens when an attempt is abandoned without a result
	// (operator cancel, fatal pool error, result store unavailable).
	StatusRunning:   {StatusCompleted, StatusError, StatusTimeout, StatusPending},
	StatusCompleted: {},
	StatusError:     {StatusPending},
	StatusTimeout:   {StatusPending},
	StatusSkipped:   {},
}

// ParseStatus converts a stored status string into a Status.
// Empty strings are treated as PENDING so that fresh worklists need no status column.
func ParseStatus(s string) (Status, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return StatusPending, nil
	}
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether the status is a final outcome of an attempt.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
