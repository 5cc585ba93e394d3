package match

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoOutcome means the server log holds no recognisable game result.
var ErrNoOutcome = errors.New("no game outcome found in server log")

var (
	winnerRe  = regexp.MustCompile(`(?i)\bwinner\s*[:=]\s*([a-z0-9_]+)`)
	winsRe    = regexp.MustCompile(`(?i)\b([a-z][a-z0-9_]*)\s+wins?\b`)
	scoresRe  = regexp.MustCompile(`(?i)final\s+scores?\s*[-:]\s*([a-z0-9_]+)\s*[:=]\s*(-?\d+(?:\.\d+)?)\s*,\s*([a-z0-9_]+)\s*[:=]\s*(-?\d+(?:\.\d+)?)`)
	turnsRe   = regexp.MustCompile(`(?i)\b(?:total\s+)?turns?\s*[:=]\s*(\d+)`)
	invalidRe = regexp.MustCompile(`(?i)invalid\s+move\s+by\s+([a-z0-9_]+)`)
)

// Seat names a server may use instead of role names. The submission client is always
// launched first.
const (
	seatFirst  = "player1"
	seatSecond = "player2"
)

// Outcome is what the game server reported, keyed by role name (lower case).
type Outcome struct {
	// Winner is a role name, "draw", or empty when the log names none
	Winner string
	Scores map[string]float64
	Turns  *int
}

// ParseOutcome extracts the game result from server output. When a line appears more
// than once, the last occurrence wins since servers print running totals.
//
// Recognised lines:
//
//	Winner: circle
//	circle wins / player2 wins the game
//	Final Scores - Circle: 12.5, Square: 3
//	Turns: 87
//	INVALID MOVE by square
//
// A "Winner:" line takes precedence over a "<role> wins" line, and an invalid move
// overrides both. player1 and player2 stand for the submission and the reference.
func ParseOutcome(log string) (*Outcome, error) {
	out := &Outcome{Scores: make(map[string]float64)}

	if m := lastMatch(winnerRe, log); m != nil {
		out.Winner = normaliseWinner(m[1])
	} else if m := lastMatch(winsRe, log); m != nil {
		out.Winner = normaliseWinner(m[1])
	}

	if m := lastMatch(scoresRe, log); m != nil {
		for _, pair := range [][2]string{{m[1], m[2]}, {m[3], m[4]}} {
			score, err := strconv.ParseFloat(pair[1], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid score %q: %w", pair[1], err)
			}
			out.Scores[strings.ToLower(pair[0])] = score
		}
	}

	if m := lastMatch(turnsRe, log); m != nil {
		turns, err := strconv.Atoi(m[1])
		if err == nil {
			out.Turns = &turns
		}
	}

	if m := lastMatch(invalidRe, log); m != nil {
		out.Winner = "!" + strings.ToLower(m[1])
	}

	if out.Winner == "" && len(out.Scores) == 0 {
		return nil, ErrNoOutcome
	}
	return out, nil
}

func normaliseWinner(w string) string {
	w = strings.ToLower(w)
	switch w {
	case "tie", "draw":
		return "draw"
	}
	return w
}

func lastMatch(re *regexp.Regexp, s string) []string {
	all := re.FindAllStringSubmatch(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// Resolve maps role names onto the submission and reference sides.
// A winner of "!role" means role forfeited by an invalid move.
func (o *Outcome) Resolve(submissionRole, referenceRole string) (Winner, *float64, *float64, error) {
	sub := strings.ToLower(submissionRole)
	ref := strings.ToLower(referenceRole)

	seat := func(name string) string {
		switch name {
		case seatFirst:
			return sub
		case seatSecond:
			return ref
		}
		return name
	}
	score := func(role, alias string) *float64 {
		if s, ok := o.Scores[role]; ok {
			return &s
		}
		if s, ok := o.Scores[alias]; ok {
			return &s
		}
		return nil
	}
	subScore := score(sub, seatFirst)
	refScore := score(ref, seatSecond)

	winner := seat(o.Winner)
	if forfeit, ok := strings.CutPrefix(o.Winner, "!"); ok {
		winner = "!" + seat(forfeit)
	}

	switch winner {
	case sub, "!" + ref:
		return WinnerSubmission, subScore, refScore, nil
	case ref, "!" + sub:
		return WinnerReference, subScore, refScore, nil
	case "draw":
		return WinnerDraw, subScore, refScore, nil
	case "":
		if subScore == nil || refScore == nil {
			return WinnerNone, subScore, refScore, fmt.Errorf("scores name neither %q nor %q", sub, ref)
		}
		switch {
		case *subScore > *refScore:
			return WinnerSubmission, subScore, refScore, nil
		case *refScore > *subScore:
			return WinnerReference, subScore, refScore, nil
		default:
			return WinnerDraw, subScore, refScore, nil
		}
	}
	return WinnerNone, subScore, refScore, fmt.Errorf("winner %q is neither %q nor %q", strings.TrimPrefix(winner, "!"), sub, ref)
}
