package worklist

import (
	"fmt"
	"sync"
)

// Item is one submission to evaluate.
// Identity and program fields are fixed at load time; only Status changes during a run.
type Item struct {
	ID          string
	StudentID   string
	Type        string
	ProgramPath string
	BoardSize   string

	// Eligible is decided by the external cataloger (or derived from its columns).
	Eligible         bool
	IneligibleReason string

	mu     sync.Mutex
	status Status
}

// NewItem creates an item in the given status.
func NewItem(id, programPath, boardSize string, eligible bool, status Status) *Item {
	return &Item{
		ID:          id,
		ProgramPath: programPath,
		BoardSize:   boardSize,
		Eligible:    eligible,
		status:      status,
	}
}

// Status returns the current status.
func (i *Item) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Transition moves the item to next, rejecting transitions outside the status table.
func (i *Item) Transition(next Status) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.status.CanTransition(next) {
		return fmt.Errorf("item %s: illegal status transition %s -> %s", i.ID, i.status, next)
	}
	i.status = next
	return nil
}
