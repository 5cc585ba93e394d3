package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	ps "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "process")

// OSSupervisor runs processes on the host, each in its own process group.
type OSSupervisor struct {
	mu    sync.Mutex
	procs map[string]*osProc
}

type osProc struct {
	cmd  *exec.Cmd
	done chan struct{}

	// set before done is closed
	exitCode int

	// mu orders group kills against reaping: once reaped is set the pid may belong to
	// an unrelated process.
	mu     sync.Mutex
	reaped bool
}

// NewOSSupervisor creates a supervisor for host processes.
func NewOSSupervisor() *OSSupervisor {
	return &OSSupervisor{
		procs: make(map[string]*osProc),
	}
}

// Spawn starts the process with stdout and stderr written directly to spec.LogPath.
// Writing to a file rather than a pipe means a chatty process can never block on a full buffer.
func (s *OSSupervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%s: command is empty", spec.Role)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logFile, err := openLog(spec.LogPath)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open log: %w", spec.Role, err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("%s: failed to start process: %w", spec.Role, err)
	}

	p := &osProc{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	h := &Handle{
		ID:        uuid.New().String(),
		PID:       cmd.Process.Pid,
		Role:      spec.Role,
		StartedAt: time.Now(),
		LogPath:   spec.LogPath,
	}

	s.mu.Lock()
	s.procs[h.ID] = p
	s.mu.Unlock()

	go func() {
		err := p.reap(h.PID)
		logFile.Close()

		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		p.exitCode = code
		close(p.done)

		log.WithFields(logrus.Fields{
			"role":      h.Role,
			"pid":       h.PID,
			"exit_code": code,
			"runtime":   time.Since(h.StartedAt).Round(time.Millisecond),
		}).Debug("Process exited")
	}()

	log.WithFields(logrus.Fields{
		"role":    h.Role,
		"pid":     h.PID,
		"command": spec.Command,
		"args":    spec.Args,
		"dir":     spec.Dir,
	}).Debug("Process started")

	return h, nil
}

// Wait blocks until the process exits or the deadline passes.
func (s *OSSupervisor) Wait(ctx context.Context, h *Handle, deadline time.Time) (int, error) {
	p, err := s.lookup(h)
	if err != nil {
		return 0, err
	}

	select {
	case <-p.done:
		return p.exitCode, nil
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-p.done:
		return p.exitCode, nil
	case <-timer.C:
		return 0, ErrWaitTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill sends SIGKILL to the process group and to any descendant that left the group.
// Once the leader has been reaped Kill does nothing: its pid and group id may already
// have been handed to an unrelated process.
func (s *OSSupervisor) Kill(h *Handle) error {
	p, err := s.lookup(h)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return nil
	}

	// An exited but unreaped leader has no children left to discover.
	descendants := collectDescendants(int32(h.PID))

	if err := killProcessGroup(h.PID); err != nil {
		log.WithFields(logrus.Fields{"role": h.Role, "pid": h.PID}).WithError(err).Warn("Failed to kill process group")
	}

	for _, d := range descendants {
		alive, err := ps.PidExists(d.Pid)
		if err != nil || !alive {
			continue
		}
		if err := d.Kill(); err != nil {
			log.WithFields(logrus.Fields{"role": h.Role, "pid": d.Pid}).WithError(err).Debug("Failed to kill descendant")
		}
	}

	return nil
}

// Release forgets h. The process must already have been reaped.
func (s *OSSupervisor) Release(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, h.ID)
}

// reap waits for the leader to exit and collects it. Where the platform can observe the
// exit without collecting it, the group is swept while the zombie leader still pins its
// pid, so children the leader left behind die with it.
func (p *osProc) reap(pid int) error {
	if awaitExit(pid) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := killProcessGroup(pid); err != nil {
			log.WithField("pid", pid).WithError(err).Debug("Failed to sweep process group")
		}
		err := p.cmd.Wait()
		p.reaped = true
		return err
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()
	return err
}

func (s *OSSupervisor) lookup(h *Handle) (*osProc, error) {
	if h == nil {
		return nil, ErrUnknownHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	return p, nil
}

// collectDescendants walks the process tree below pid.
func collectDescendants(pid int32) []*ps.Process {
	root, err := ps.NewProcess(pid)
	if err != nil {
		return nil
	}

	var out []*ps.Process
	queue := []*ps.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		children, err := p.Children()
		if err != nil {
			// gopsutil reports "no children" as an error
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}
