// Package results persists match results so an interrupted batch can resume.
//
// Every store is keyed by submission identifier and keeps only the latest result for each.
// Writes are durable before Update returns.
package results

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/worklist"
)

// Columns is the header of the result journal.
var Columns = []string{"identifier", "status", "winner", "student_score", "reference_score", "turns", "errors"}

// Store is a durable result sink.
type Store interface {
	// Update records res as the latest result for its identifier.
	Update(ctx context.Context, res *match.Result) error

	// Load returns the latest record per identifier.
	Load(ctx context.Context) (map[string]Record, error)

	Close() error
}

// Record is the persisted form of a match result.
type Record struct {
	ID              string
	Status          worklist.Status
	Winner          match.Winner
	SubmissionScore *float64
	ReferenceScore  *float64
	Turns           *int
	Error           string
}

// FromResult converts a match result to its persisted form.
func FromResult(res *match.Result) Record {
	return Record{
		ID:              res.ID,
		Status:          res.Status,
		Winner:          res.Winner,
		SubmissionScore: res.SubmissionScore,
		ReferenceScore:  res.ReferenceScore,
		Turns:           res.Turns,
		Error:           oneLine(res.Reason()),
	}
}

// oneLine keeps every journal record on a single physical line.
func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// Statuses reduces records to the status map the worklist resumes from.
func Statuses(records map[string]Record) map[string]worklist.Status {
	out := make(map[string]worklist.Status, len(records))
	for id, r := range records {
		out[id] = r.Status
	}
	return out
}

// Row returns the record in Columns order.
func (r Record) Row() []string {
	return []string{
		r.ID,
		string(r.Status),
		string(r.Winner),
		formatFloat(r.SubmissionScore),
		formatFloat(r.ReferenceScore),
		formatInt(r.Turns),
		r.Error,
	}
}

func recordFromRow(row []string) (Record, error) {
	if len(row) != len(Columns) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(Columns), len(row))
	}
	status, err := worklist.ParseStatus(row[1])
	if err != nil {
		return Record{}, err
	}
	winner, err := parseWinner(row[2])
	if err != nil {
		return Record{}, err
	}
	sub, err := parseFloat(row[3])
	if err != nil {
		return Record{}, fmt.Errorf("student_score: %w", err)
	}
	ref, err := parseFloat(row[4])
	if err != nil {
		return Record{}, fmt.Errorf("reference_score: %w", err)
	}
	turns, err := parseInt(row[5])
	if err != nil {
		return Record{}, fmt.Errorf("turns: %w", err)
	}
	return Record{
		ID:              row[0],
		Status:          status,
		Winner:          winner,
		SubmissionScore: sub,
		ReferenceScore:  ref,
		Turns:           turns,
		Error:           row[6],
	}, nil
}

func parseWinner(s string) (match.Winner, error) {
	switch w := match.Winner(s); w {
	case match.WinnerSubmission, match.WinnerReference, match.WinnerDraw, match.WinnerNone:
		return w, nil
	}
	return match.WinnerNone, fmt.Errorf("unknown winner %q", s)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func parseFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
