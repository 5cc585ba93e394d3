package match

import (
	"sync"

	"github.com/dyluth/gauntlet/internal/process"
)

// Slot is one unit of match concurrency. It hosts at most one match at a time;
// while busy it records the port and the processes the match owns.
type Slot struct {
	Index int

	mu      sync.Mutex
	itemID  string
	port    int
	handles []*process.Handle
}

// NewSlot creates an idle slot.
func NewSlot(index int) *Slot {
	return &Slot{Index: index}
}

// Port returns the port of the running match, or 0 while idle.
func (s *Slot) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ItemID returns the item the slot is running, or "" while idle.
func (s *Slot) ItemID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemID
}

// Handles returns the processes the running match has started.
func (s *Slot) Handles() []*process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*process.Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

func (s *Slot) assign(itemID string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemID = itemID
	s.port = port
	s.handles = nil
}

func (s *Slot) track(h *process.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, h)
}

func (s *Slot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemID = ""
	s.port = 0
	s.handles = nil
}
