package filter

import (
	"fmt"
	"path/filepath"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/dyluth/gauntlet/internal/worklist"
)

// Criteria defines filtering criteria for stored results.
// All filters are ANDed together - a record must match ALL criteria to pass.
type Criteria struct {
	IDGlob string          // Glob pattern for the identifier, empty = no filter
	Status worklist.Status // Exact status, empty = no filter
	Winner match.Winner    // Exact winner, empty = no filter
}

// Validate rejects malformed glob patterns up front.
func (c *Criteria) Validate() error {
	if c.IDGlob != "" {
		if _, err := filepath.Match(c.IDGlob, ""); err != nil {
			return fmt.Errorf("invalid identifier pattern %q: %w", c.IDGlob, err)
		}
	}
	return nil
}

// Matches returns true if the record matches all filter criteria.
func (c *Criteria) Matches(r results.Record) bool {
	if c.IDGlob != "" {
		matched, err := filepath.Match(c.IDGlob, r.ID)
		if err != nil || !matched {
			return false
		}
	}

	if c.Status != "" && r.Status != c.Status {
		return false
	}

	if c.Winner != "" && r.Winner != c.Winner {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.IDGlob != "" || c.Status != "" || c.Winner != ""
}

// Apply returns the records that match, keyed as in the input.
func (c *Criteria) Apply(records map[string]results.Record) map[string]results.Record {
	if !c.HasFilters() {
		return records
	}
	out := make(map[string]results.Record)
	for id, r := range records {
		if c.Matches(r) {
			out[id] = r
		}
	}
	return out
}
