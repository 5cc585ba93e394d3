package scheduler

import (
	"sort"
	"time"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/worklist"
)

// Failure is a recorded item that did not complete.
type Failure struct {
	ID     string
	Status worklist.Status
	Reason string
}

// Summary describes one scheduler run.
type Summary struct {
	// Counts holds recorded results per status
	Counts map[worklist.Status]int

	// Winners counts completed matches per winner
	Winners map[match.Winner]int

	// Failures lists recorded non-COMPLETED items in the order they finished
	Failures []Failure

	// Abandoned items finished without a result and went back to PENDING
	Abandoned []string

	// Unrecorded items have a result that could not be written; they went back to PENDING
	Unrecorded []string

	Elapsed time.Duration
	started time.Time
}

func newSummary() *Summary {
	return &Summary{
		Counts:  make(map[worklist.Status]int),
		Winners: make(map[match.Winner]int),
		started: time.Now(),
	}
}

func (s *Summary) add(res *match.Result) {
	s.Counts[res.Status]++
	if res.Status == worklist.StatusCompleted {
		s.Winners[res.Winner]++
		return
	}
	s.Failures = append(s.Failures, Failure{ID: res.ID, Status: res.Status, Reason: res.Reason()})
}

// Recorded is the number of results written during the run.
func (s *Summary) Recorded() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// SortedFailures returns Failures ordered by identifier.
func (s *Summary) SortedFailures() []Failure {
	out := make([]Failure, len(s.Failures))
	copy(out, s.Failures)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
