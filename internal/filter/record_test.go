package filter

import (
	"testing"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/dyluth/gauntlet/internal/worklist"
	"github.com/stretchr/testify/assert"
)

func TestCriteriaMatches(t *testing.T) {
	won := results.Record{ID: "s001", Status: worklist.StatusCompleted, Winner: match.WinnerSubmission}
	lost := results.Record{ID: "s002", Status: worklist.StatusCompleted, Winner: match.WinnerReference}
	crashed := results.Record{ID: "t003", Status: worklist.StatusError}

	tests := []struct {
		name     string
		criteria Criteria
		record   results.Record
		want     bool
	}{
		{"no filters", Criteria{}, crashed, true},
		{"glob match", Criteria{IDGlob: "s*"}, won, true},
		{"glob miss", Criteria{IDGlob: "s*"}, crashed, false},
		{"status match", Criteria{Status: worklist.StatusError}, crashed, true},
		{"status miss", Criteria{Status: worklist.StatusError}, won, false},
		{"winner match", Criteria{Winner: match.WinnerReference}, lost, true},
		{"winner miss", Criteria{Winner: match.WinnerReference}, won, false},
		{"all must match", Criteria{IDGlob: "s00?", Status: worklist.StatusCompleted, Winner: match.WinnerSubmission}, lost, false},
		{"bad pattern matches nothing", Criteria{IDGlob: "["}, won, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(tt.record))
		})
	}
}

func TestCriteriaValidate(t *testing.T) {
	assert.NoError(t, (&Criteria{IDGlob: "s0*"}).Validate())
	assert.Error(t, (&Criteria{IDGlob: "["}).Validate())
}

func TestCriteriaApply(t *testing.T) {
	records := map[string]results.Record{
		"a": {ID: "a", Status: worklist.StatusCompleted},
		"b": {ID: "b", Status: worklist.StatusTimeout},
	}

	all := (&Criteria{}).Apply(records)
	assert.Len(t, all, 2)

	timeouts := (&Criteria{Status: worklist.StatusTimeout}).Apply(records)
	assert.Len(t, timeouts, 1)
	assert.Contains(t, timeouts, "b")
}
