package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/gauntlet/internal/worklist"
)

// ExportColumns is the header of the compact export.
var ExportColumns = []string{"identifier", "status", "winner", "student_score", "reference_score", "turns", "score_vs_reference", "errors"}

// Export writes one row per identifier, sorted, with a combined score_vs_reference column.
func Export(w io.Writer, records map[string]Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return err
	}
	for _, id := range SortedIDs(records) {
		r := records[id]
		row := r.Row()
		row = append(row[:6:6], ScoreVsReference(r), r.Error)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to export %s: %w", id, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ScoreVsReference renders a completed match as winner|S:<submission>|R:<reference>|T:<turns>.
func ScoreVsReference(r Record) string {
	if r.Status != worklist.StatusCompleted {
		return ""
	}
	return fmt.Sprintf("%s|S:%s|R:%s|T:%s", r.Winner, orDash(formatFloat(r.SubmissionScore)),
		orDash(formatFloat(r.ReferenceScore)), orDash(formatInt(r.Turns)))
}

// SortedIDs returns the identifiers of records in lexical order.
func SortedIDs(records map[string]Record) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
