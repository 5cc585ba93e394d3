package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/printer"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/dyluth/gauntlet/internal/scheduler"
	"github.com/dyluth/gauntlet/internal/worklist"
)

var summaryStatuses = []worklist.Status{
	worklist.StatusCompleted,
	worklist.StatusError,
	worklist.StatusTimeout,
	worklist.StatusSkipped,
}

var summaryWinners = []match.Winner{
	match.WinnerSubmission,
	match.WinnerReference,
	match.WinnerDraw,
}

// printSummary writes the end of run report: status counts, winners and failure reasons.
func printSummary(w io.Writer, sum *scheduler.Summary) error {
	fmt.Fprintf(w, "\nRun finished in %s, %d results recorded\n\n", sum.Elapsed.Round(time.Second), sum.Recorded())

	rows := make([][]string, 0, len(summaryStatuses))
	for _, status := range summaryStatuses {
		rows = append(rows, []string{string(status), strconv.Itoa(sum.Counts[status])})
	}
	if err := printer.Table(w, []string{"status", "count"}, rows); err != nil {
		return err
	}

	if sum.Counts[worklist.StatusCompleted] > 0 {
		rows = rows[:0]
		for _, winner := range summaryWinners {
			rows = append(rows, []string{string(winner), strconv.Itoa(sum.Winners[winner])})
		}
		fmt.Fprintln(w)
		if err := printer.Table(w, []string{"winner", "matches"}, rows); err != nil {
			return err
		}
	}

	if failures := sum.SortedFailures(); len(failures) > 0 {
		rows = rows[:0]
		for _, f := range failures {
			rows = append(rows, []string{f.ID, string(f.Status), f.Reason})
		}
		fmt.Fprintln(w)
		if err := printer.Table(w, []string{"identifier", "status", "reason"}, rows); err != nil {
			return err
		}
	}

	if n := len(sum.Abandoned) + len(sum.Unrecorded); n > 0 {
		fmt.Fprintln(w)
		printer.Warning("%d submissions have no result yet and stay pending\n", n)
	}
	return nil
}

// printRecords writes stored results as a table, sorted by identifier.
func printRecords(w io.Writer, records map[string]results.Record) error {
	var rows [][]string
	for _, id := range results.SortedIDs(records) {
		rows = append(rows, records[id].Row())
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No results")
		return nil
	}
	return printer.Table(w, results.Columns, rows)
}
