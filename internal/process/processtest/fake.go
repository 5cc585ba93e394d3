// Package processtest provides an in-memory process.Supervisor for tests.
// Behaviours (crash, hang, slow start, never binding a port) are scripted per spawn.
package processtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dyluth/gauntlet/internal/process"
	"github.com/google/uuid"
)

// Behaviour scripts what a fake process does.
type Behaviour struct {
	// SpawnErr makes Spawn fail
	SpawnErr error

	// ExitAfter is how long the process runs before exiting with ExitCode
	ExitAfter time.Duration
	ExitCode  int

	// Hang keeps the process alive until killed
	Hang bool

	// Listen makes a server accept connections on its port (first argument) while alive
	Listen bool

	// ListenAfter delays accepting connections (slow start)
	ListenAfter time.Duration

	// Log is written to the process log file at spawn
	Log string
}

// Script decides the behaviour for each spawned process.
type Script func(spec process.Spec) Behaviour

type fakeProc struct {
	spec    process.Spec
	handle  *process.Handle
	beh     Behaviour
	done    chan struct{}
	code    int
	started time.Time
}

// Supervisor is a fake process.Supervisor. It is safe for concurrent use.
type Supervisor struct {
	script Script

	mu     sync.Mutex
	procs  map[string]*fakeProc
	alive  map[process.Role]int
	peak   map[process.Role]int
	spawns []process.Spec

	// server port -> live server count, to detect two matches on one port
	serverPorts   map[string]int
	portConflicts int
}

// NewSupervisor creates a fake supervisor driven by script.
func NewSupervisor(script Script) *Supervisor {
	return &Supervisor{
		script:      script,
		procs:       make(map[string]*fakeProc),
		alive:       make(map[process.Role]int),
		peak:        make(map[process.Role]int),
		serverPorts: make(map[string]int),
	}
}

// Spawn starts a fake process.
func (s *Supervisor) Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	beh := s.script(spec)

	s.mu.Lock()
	s.spawns = append(s.spawns, spec)
	pid := 100000 + len(s.spawns)
	s.mu.Unlock()

	if beh.SpawnErr != nil {
		return nil, beh.SpawnErr
	}

	if spec.LogPath != "" {
		if err := os.WriteFile(spec.LogPath, []byte(beh.Log), 0644); err != nil {
			return nil, fmt.Errorf("fake: write log: %w", err)
		}
	}

	h := &process.Handle{
		ID:        uuid.New().String(),
		PID:       pid,
		Role:      spec.Role,
		StartedAt: time.Now(),
		LogPath:   spec.LogPath,
	}
	p := &fakeProc{
		spec:    spec,
		handle:  h,
		beh:     beh,
		done:    make(chan struct{}),
		started: h.StartedAt,
	}

	s.mu.Lock()
	s.procs[h.ID] = p
	s.alive[spec.Role]++
	if s.alive[spec.Role] > s.peak[spec.Role] {
		s.peak[spec.Role] = s.alive[spec.Role]
	}
	if spec.Role == process.RoleServer && len(spec.Args) > 0 {
		port := spec.Args[0]
		if s.serverPorts[port] > 0 {
			s.portConflicts++
		}
		s.serverPorts[port]++
	}
	s.mu.Unlock()

	if !beh.Hang {
		time.AfterFunc(beh.ExitAfter, func() {
			s.exit(p, beh.ExitCode)
		})
	}

	return h, nil
}

func (s *Supervisor) exit(p *fakeProc, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	p.code = code
	s.alive[p.spec.Role]--
	if p.spec.Role == process.RoleServer && len(p.spec.Args) > 0 {
		s.serverPorts[p.spec.Args[0]]--
	}
	close(p.done)
}

// Wait blocks until the fake process exits or the deadline passes.
func (s *Supervisor) Wait(ctx context.Context, h *process.Handle, deadline time.Time) (int, error) {
	p, err := s.lookup(h)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-p.done:
		return s.exitCode(p), nil
	default:
	}

	select {
	case <-p.done:
		return s.exitCode(p), nil
	case <-timer.C:
		return 0, process.ErrWaitTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Supervisor) exitCode(p *fakeProc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.code
}

// Kill terminates the fake process with exit code -1.
func (s *Supervisor) Kill(h *process.Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}
	s.exit(p, -1)
	return nil
}

// Release forgets the process behind h.
func (s *Supervisor) Release(h *process.Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, h.ID)
}

func (s *Supervisor) lookup(h *process.Handle) (*fakeProc, error) {
	if h == nil {
		return nil, process.ErrUnknownHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[h.ID]
	if !ok {
		return nil, process.ErrUnknownHandle
	}
	return p, nil
}

// Dial is a readiness check: it succeeds when a live fake server listens on addr's port.
func (s *Supervisor) Dial(ctx context.Context, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.procs {
		if p.spec.Role != process.RoleServer || len(p.spec.Args) == 0 || p.spec.Args[0] != port {
			continue
		}
		select {
		case <-p.done:
			continue
		default:
		}
		if p.beh.Listen && time.Since(p.started) >= p.beh.ListenAfter {
			return nil
		}
	}
	return errors.New("connection refused")
}

// Alive returns the number of live processes in role.
func (s *Supervisor) Alive(role process.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[role]
}

// Peak returns the highest number of simultaneously live processes seen for role.
func (s *Supervisor) Peak(role process.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak[role]
}

// PortConflicts counts server spawns on a port another live server was using.
func (s *Supervisor) PortConflicts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portConflicts
}

// Spawns returns a copy of every spec passed to Spawn, in order.
func (s *Supervisor) Spawns() []process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]process.Spec, len(s.spawns))
	copy(out, s.spawns)
	return out
}

// Tracked returns the number of handles the fake still remembers.
func (s *Supervisor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
