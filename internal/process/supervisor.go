// Package process supervises the external processes that make up a match.
//
// A Supervisor starts a process with its output drained straight to a log file,
// waits for it with an explicit deadline, and kills it together with everything it
// spawned. Callers never block on a process except through Wait, so every
// suspension point carries a deadline chosen by the caller.
package process

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout is returned by Wait when the deadline passes before the process exits.
var ErrWaitTimeout = errors.New("process still running at deadline")

// ErrUnknownHandle is returned for handles the supervisor did not create.
var ErrUnknownHandle = errors.New("unknown process handle")

// Role tags which side of a match a process plays.
type Role string

const (
	RoleServer     Role = "server"
	RoleSubmission Role = "submission"
	RoleReference  Role = "reference"
)

// Spec describes a process to start.
type Spec struct {
	Role    Role
	Command string
	Args    []string
	Dir     string
	// Env is the complete environment of the child; nothing is inherited implicitly.
	Env []string
	// LogPath receives the combined stdout and stderr of the process.
	LogPath string
}

// Handle identifies a started process. It is owned by the match that spawned it.
type Handle struct {
	ID        string
	PID       int
	Role      Role
	StartedAt time.Time
	LogPath   string
}

// Supervisor starts, waits for and kills processes.
type Supervisor interface {
	// Spawn starts the process and returns as soon as it exists.
	Spawn(ctx context.Context, spec Spec) (*Handle, error)

	// Wait blocks until the process exits, the deadline passes (ErrWaitTimeout) or ctx is done.
	// It returns the exit code; -1 means the process was terminated by a signal.
	// Wait may be called any number of times on the same handle.
	Wait(ctx context.Context, h *Handle, deadline time.Time) (int, error)

	// Kill terminates the process and every process it started. Killing a dead process is a no-op.
	Kill(h *Handle) error

	// Release forgets h once Wait has reported its exit. Later calls with h return
	// ErrUnknownHandle.
	Release(h *Handle)
}
