package match

import (
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/gauntlet/internal/worklist"
)

// Pool-level failures. These abort the whole run rather than a single match.
var (
	// ErrScratchUnavailable means a match directory could not be created
	ErrScratchUnavailable = errors.New("scratch directory unavailable")

	// ErrCanceled means the run was interrupted; the attempt produced no result
	ErrCanceled = errors.New("match canceled")
)

// Winner is the side that won a match.
type Winner string

const (
	WinnerSubmission Winner = "submission"
	WinnerReference  Winner = "reference"
	WinnerDraw       Winner = "draw"
	WinnerNone       Winner = ""
)

// ErrorKind classifies why a match did not complete.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindServerStartFailure ErrorKind = "ServerStartFailure"
	KindClientConnect      ErrorKind = "ClientConnectFailure"
	KindProcessCrash       ErrorKind = "ProcessCrash"
	KindTimeout            ErrorKind = "Timeout"
	KindResultParse        ErrorKind = "ResultParseFailure"
	KindSubmissionMissing  ErrorKind = "SubmissionMissing"
	KindNoPortsAvailable   ErrorKind = "NoPortsAvailable"
	KindResultStoreWrite   ErrorKind = "ResultStoreWriteFailure"
	KindSkipped            ErrorKind = "Ineligible"
)

// Error is a per-match failure. It ends up in the result row rather than aborting the run.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Result is the immutable outcome of one match attempt.
type Result struct {
	ID              string
	Status          worklist.Status
	Winner          Winner
	SubmissionScore *float64
	ReferenceScore  *float64
	Turns           *int
	Duration        time.Duration
	ErrorKind       ErrorKind
	Error           string

	BoardSize  string
	Port       int
	LogDir     string
	FinishedAt time.Time
}

// Skipped builds the result recorded for an ineligible item.
func Skipped(id, reason string) *Result {
	return &Result{
		ID:         id,
		Status:     worklist.StatusSkipped,
		ErrorKind:  KindSkipped,
		Error:      reason,
		FinishedAt: time.Now(),
	}
}

// Reason returns a human readable explanation for a non-completed result.
func (r *Result) Reason() string {
	if r.Status == worklist.StatusCompleted {
		return ""
	}
	if r.ErrorKind == KindNone || r.ErrorKind == KindSkipped {
		return r.Error
	}
	return (&Error{Kind: r.ErrorKind, Detail: r.Error}).Error()
}
