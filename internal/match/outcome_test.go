package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name    string
		log     string
		winner  Winner
		sub     *float64
		ref     *float64
		turns   *int
		wantErr bool
	}{
		{
			name:   "winner and scores",
			log:    "Move 1\nFinal Scores - Circle: 12.5, Square: 3\nWinner: circle\nTurns: 87\n",
			winner: WinnerSubmission,
			sub:    f64(12.5),
			ref:    f64(3),
			turns:  intp(87),
		},
		{
			name:   "reference wins",
			log:    "Winner: SQUARE\nFinal Scores - Circle: 1, Square: 30\n",
			winner: WinnerReference,
			sub:    f64(1),
			ref:    f64(30),
		},
		{
			name:   "scores only, higher wins",
			log:    "final score: square=7, circle=9\ntotal turns = 12",
			winner: WinnerSubmission,
			sub:    f64(9),
			ref:    f64(7),
			turns:  intp(12),
		},
		{
			name:   "scores only, equal is a draw",
			log:    "Final Scores - Circle: 5, Square: 5",
			winner: WinnerDraw,
			sub:    f64(5),
			ref:    f64(5),
		},
		{
			name:   "tie",
			log:    "Winner: tie",
			winner: WinnerDraw,
		},
		{
			name:   "last running total wins",
			log:    "Final Scores - Circle: 1, Square: 0\nFinal Scores - Circle: 2, Square: 6\n",
			winner: WinnerReference,
			sub:    f64(2),
			ref:    f64(6),
		},
		{
			name:   "invalid move forfeits",
			log:    "INVALID MOVE by circle: (3, 4) occupied\n",
			winner: WinnerReference,
		},
		{
			name:   "invalid move by reference",
			log:    "invalid move by square",
			winner: WinnerSubmission,
		},
		{
			name:   "role wins line",
			log:    "Game Over\ncircle wins\n",
			winner: WinnerSubmission,
		},
		{
			name:   "seat wins line",
			log:    "Final Scores - Player1: 2, Player2: 8\nplayer2 wins the game\n",
			winner: WinnerReference,
			sub:    f64(2),
			ref:    f64(8),
		},
		{
			name:   "winner line beats wins line",
			log:    "square wins round 1\nWinner: circle\n",
			winner: WinnerSubmission,
		},
		{
			name:   "invalid move overrides winner line",
			log:    "INVALID MOVE by circle\nWinner: circle\n",
			winner: WinnerReference,
		},
		{
			name:   "invalid move by seat",
			log:    "invalid move by player2",
			winner: WinnerSubmission,
		},
		{
			name:    "nothing recognisable",
			log:     "Traceback (most recent call last):\n",
			wantErr: true,
		},
		{
			name:    "unknown winner role",
			log:     "Winner: triangle",
			wantErr: true,
		},
		{
			name:    "scores for other roles",
			log:     "Final Scores - Red: 1, Blue: 2",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ParseOutcome(tt.log)
			if err != nil {
				require.True(t, tt.wantErr, "unexpected error: %v", err)
				assert.ErrorIs(t, err, ErrNoOutcome)
				return
			}

			winner, sub, ref, err := out.Resolve("circle", "square")
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, WinnerNone, winner)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.winner, winner)
			assert.Equal(t, tt.sub, sub)
			assert.Equal(t, tt.ref, ref)
			assert.Equal(t, tt.turns, out.Turns)
		})
	}
}

func TestResolveSwappedRoles(t *testing.T) {
	out, err := ParseOutcome("Final Scores - Circle: 4, Square: 9\nWinner: square")
	require.NoError(t, err)

	winner, sub, ref, err := out.Resolve("Square", "Circle")
	require.NoError(t, err)
	assert.Equal(t, WinnerSubmission, winner)
	assert.Equal(t, 9.0, *sub)
	assert.Equal(t, 4.0, *ref)
}

func f64(v float64) *float64 { return &v }

func intp(v int) *int { return &v }
