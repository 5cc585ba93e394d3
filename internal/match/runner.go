// Package match runs a single game between a submission and the reference opponent.
//
// A match is three processes sharing one port: the game server and two clients. The Runner
// drives them through a fixed state machine, always kills every process it started and
// returns exactly one Result per finished attempt.
package match

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/gauntlet/internal/process"
	"github.com/dyluth/gauntlet/internal/worklist"
	"github.com/sirupsen/logrus"
	"github.com/viant/afs"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "match")

// threadVars pin numeric libraries in client processes to a fixed thread count.
var threadVars = []string{
	"OMP_NUM_THREADS",
	"MKL_NUM_THREADS",
	"OPENBLAS_NUM_THREADS",
	"NUMEXPR_NUM_THREADS",
	"VECLIB_MAXIMUM_THREADS",
}

// PortPool hands out match ports. *ports.Allocator satisfies it.
type PortPool interface {
	Acquire() (int, error)
	Release(port int)
}

// ReadyCheck checks whether a server accepts connections on addr.
type ReadyCheck func(ctx context.Context, addr string) error

// Observer is notified of every state change of every match.
type Observer interface {
	StateChanged(id string, from, to State)
}

// Config controls how matches are launched.
type Config struct {
	// ServerCommand is run as <cmd...> <port> <board-size> <time-per-player>
	ServerCommand []string
	// ClientCommand is run as <cmd...> <server-address> <role> <program-path>
	ClientCommand []string

	// ReferenceDir is copied into every match directory; ReferenceProgram is relative to it
	ReferenceDir     string
	ReferenceProgram string

	SubmissionRole string
	ReferenceRole  string

	// TimePerPlayer is the per-board clock handed to the server, in seconds
	TimePerPlayer map[string]int

	Timeout       time.Duration
	BoardTimeouts map[string]time.Duration

	ServerStartTimeout time.Duration
	PollInterval       time.Duration
	ClientGrace        time.Duration
	KillGrace          time.Duration

	ScratchRoot string
	// KeepScratch keeps the directories of completed matches; failed ones are always kept
	KeepScratch bool

	Threads int
	Device  string
	Host    string

	// BaseEnv is the environment every process starts from; nil means the current process env
	BaseEnv []string
}

func (c *Config) withDefaults() {
	if c.SubmissionRole == "" {
		c.SubmissionRole = "circle"
	}
	if c.ReferenceRole == "" {
		c.ReferenceRole = "square"
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.ServerStartTimeout <= 0 {
		c.ServerStartTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ClientGrace <= 0 {
		c.ClientGrace = 2 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ScratchRoot == "" {
		c.ScratchRoot = filepath.Join(os.TempDir(), "gauntlet")
	}
	if c.BaseEnv == nil {
		c.BaseEnv = os.Environ()
	}
}

// Runner executes matches. One Runner is shared by all slots and is safe for concurrent use.
type Runner struct {
	cfg      Config
	sup      process.Supervisor
	ports    PortPool
	fs       afs.Service
	ready    ReadyCheck
	observer Observer
	runID    string
}

// Option customises a Runner.
type Option func(*Runner)

// WithReadyCheck replaces the TCP readiness check.
func WithReadyCheck(p ReadyCheck) Option {
	return func(r *Runner) {
		r.ready = p
	}
}

// WithObserver registers a state change observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

// WithFS replaces the file service used to stage match directories.
func WithFS(fs afs.Service) Option {
	return func(r *Runner) {
		r.fs = fs
	}
}

// NewRunner creates a Runner. runID groups the scratch directories of one batch.
func NewRunner(cfg Config, sup process.Supervisor, ports PortPool, runID string, opts ...Option) (*Runner, error) {
	if len(cfg.ServerCommand) == 0 {
		return nil, errors.New("server command is required")
	}
	if len(cfg.ClientCommand) == 0 {
		return nil, errors.New("client command is required")
	}
	if cfg.ReferenceProgram == "" {
		return nil, errors.New("reference program is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	cfg.withDefaults()

	r := &Runner{
		cfg:   cfg,
		sup:   sup,
		ports: ports,
		fs:    afs.New(),
		ready: dialReady,
		runID: runID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run plays one match for item on slot. It returns a Result for every finished attempt.
// A nil Result comes with a pool-level error (ports.ErrNoPortsAvailable,
// ErrScratchUnavailable) or ErrCanceled when ctx was cancelled.
func (r *Runner) Run(ctx context.Context, item *worklist.Item, slot *Slot) (*Result, error) {
	m := &attempt{
		r:     r,
		item:  item,
		slot:  slot,
		state: StateInit,
		start: time.Now(),
		log:   log.WithField("id", item.ID),
	}
	return m.run(ctx)
}

// Timeout returns the overall match deadline for a board size.
func (r *Runner) Timeout(boardSize string) time.Duration {
	if d, ok := r.cfg.BoardTimeouts[boardSize]; ok && d > 0 {
		return d
	}
	return r.cfg.Timeout
}

func (r *Runner) environment() []string {
	env := make([]string, 0, len(r.cfg.BaseEnv)+len(threadVars)+4)
	env = append(env, r.cfg.BaseEnv...)

	threads := strconv.Itoa(r.cfg.Threads)
	for _, k := range threadVars {
		env = setEnv(env, k, threads)
	}
	env = setEnv(env, "PYTHONUNBUFFERED", "1")
	env = setEnv(env, "PYTHONHASHSEED", "0")
	env = setEnv(env, "DISPLAY", "")
	env = setEnv(env, "CUDA_VISIBLE_DEVICES", r.cfg.Device)
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func dialReady(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// attempt is the state of one Run call.
type attempt struct {
	r     *Runner
	item  *worklist.Item
	slot  *Slot
	state State
	start time.Time
	log   *logrus.Entry

	port      int
	ws        *workspace
	server    *process.Handle
	clients   map[process.Role]*process.Handle
	handles   []*process.Handle
	deadline  time.Time
	parentCtx context.Context
}

// clientExit is reported by the goroutines watching processes during IN_PROGRESS.
type clientExit struct {
	role process.Role
	code int
	err  error
}

func (m *attempt) to(next State) error {
	if !canTransition(m.state, next) {
		return fmt.Errorf("match %s: illegal state transition %s -> %s", m.item.ID, m.state, next)
	}
	m.log.WithFields(logrus.Fields{"from": m.state, "state": next}).Debug("match state change")
	if m.r.observer != nil {
		m.r.observer.StateChanged(m.item.ID, m.state, next)
	}
	m.state = next
	return nil
}

func (m *attempt) run(ctx context.Context) (*Result, error) {
	m.parentCtx = ctx
	if err := ctx.Err(); err != nil {
		return nil, ErrCanceled
	}

	port, err := m.r.ports.Acquire()
	if err != nil {
		return nil, err
	}
	m.port = port
	m.log = m.log.WithField("port", port)
	if m.slot != nil {
		m.slot.assign(m.item.ID, port)
	}

	m.deadline = m.start.Add(m.r.Timeout(m.item.BoardSize))
	mctx, cancel := context.WithDeadline(ctx, m.deadline)
	defer cancel()

	res, err := m.play(mctx)
	quarantined := m.cleanup(res)
	if quarantined {
		m.log.Error("processes survived kill, port quarantined")
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// play walks the state machine. It returns a Result for a finished match, or an error
// for outcomes that must not be recorded.
func (m *attempt) play(ctx context.Context) (*Result, error) {
	cfg := m.r.cfg

	ws, err := prepareWorkspace(ctx, m.r.fs, cfg.ScratchRoot, m.r.runID, m.item.ID, m.port, cfg.ReferenceDir, m.item.ProgramPath)
	m.ws = ws
	if err != nil {
		var merr *Error
		if errors.As(err, &merr) {
			return m.finish(StateCrashed, worklist.StatusError, merr.Kind, merr.Detail)
		}
		if errors.Is(err, ErrScratchUnavailable) {
			return nil, err
		}
		return m.interrupted(err)
	}

	env := m.r.environment()

	// SERVER_STARTING
	if err := m.to(StateServerStarting); err != nil {
		return nil, err
	}
	args := append([]string{}, cfg.ServerCommand[1:]...)
	args = append(args, strconv.Itoa(m.port), m.item.BoardSize, strconv.Itoa(m.timePerPlayer()))
	m.server, err = m.spawn(ctx, process.Spec{
		Role:    process.RoleServer,
		Command: cfg.ServerCommand[0],
		Args:    args,
		Dir:     ws.dir,
		Env:     env,
		LogPath: ws.logPath("server"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return m.interrupted(ctx.Err())
		}
		return m.finish(StateCrashed, worklist.StatusError, KindServerStartFailure, err.Error())
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(m.port))
	if err := m.waitReady(ctx, addr); err != nil {
		if ctx.Err() != nil {
			return m.interrupted(ctx.Err())
		}
		detail := err.Error()
		if tail := logTail(m.server.LogPath, 512); tail != "" {
			detail += "; server log: " + tail
		}
		return m.finish(StateCrashed, worklist.StatusError, KindServerStartFailure, detail)
	}

	// CLIENTS_CONNECTING
	if err := m.to(StateClientsConnecting); err != nil {
		return nil, err
	}
	subErr, refErr := m.launchClients(ctx, addr, env)
	if ctx.Err() != nil {
		return m.interrupted(ctx.Err())
	}
	switch {
	case subErr != nil && refErr != nil:
		return m.finish(StateCrashed, worklist.StatusError, KindClientConnect,
			fmt.Sprintf("both clients failed: submission: %v; reference: %v", subErr, refErr))
	case refErr != nil:
		return m.finish(StateCrashed, worklist.StatusError, KindClientConnect,
			fmt.Sprintf("reference client failed (infrastructure): %v", refErr))
	case subErr != nil:
		return m.finish(StateCrashed, worklist.StatusError, KindClientConnect,
			fmt.Sprintf("submission client failed: %v", subErr))
	}

	// IN_PROGRESS
	if err := m.to(StateInProgress); err != nil {
		return nil, err
	}
	return m.watch(ctx)
}

func (m *attempt) timePerPlayer() int {
	if t, ok := m.r.cfg.TimePerPlayer[m.item.BoardSize]; ok && t > 0 {
		return t
	}
	return int(m.r.Timeout(m.item.BoardSize) / time.Second)
}

func (m *attempt) spawn(ctx context.Context, spec process.Spec) (*process.Handle, error) {
	h, err := m.r.sup.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	m.handles = append(m.handles, h)
	if m.slot != nil {
		m.slot.track(h)
	}
	m.log.WithFields(logrus.Fields{"role": h.Role, "pid": h.PID}).Debug("process started")
	return h, nil
}

// waitReady polls the server port at a constant interval until it accepts a connection.
// The server exiting first is a permanent failure.
func (m *attempt) waitReady(ctx context.Context, addr string) error {
	cfg := m.r.cfg
	retries := uint64(cfg.ServerStartTimeout / cfg.PollInterval)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.PollInterval), retries),
		ctx,
	)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if code, err := m.r.sup.Wait(ctx, m.server, time.Now()); err == nil {
			return backoff.Permanent(fmt.Errorf("server exited with code %d before accepting connections", code))
		}
		return m.r.ready(ctx, addr)
	}, b)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("server not accepting connections on %s after %d attempts: %w", addr, attempts, err)
	}
	m.log.WithField("attempts", attempts).Debug("server ready")
	return nil
}

// launchClients starts both clients concurrently and watches them for the grace period.
// It returns the launch failure of each side, nil when that side is up.
func (m *attempt) launchClients(ctx context.Context, addr string, env []string) (subErr, refErr error) {
	cfg := m.r.cfg
	sides := []struct {
		role     process.Role
		gameRole string
		program  string
		err      *error
	}{
		{process.RoleSubmission, cfg.SubmissionRole, m.ws.programPath, &subErr},
		{process.RoleReference, cfg.ReferenceRole, m.referenceProgram(), &refErr},
	}

	handles := make([]*process.Handle, len(sides))
	var g errgroup.Group
	for i, side := range sides {
		i, side := i, side
		args := append([]string{}, cfg.ClientCommand[1:]...)
		args = append(args, addr, side.gameRole, side.program)
		spec := process.Spec{
			Role:    side.role,
			Command: cfg.ClientCommand[0],
			Args:    args,
			Dir:     m.ws.dir,
			Env:     env,
			LogPath: m.ws.logPath(string(side.role)),
		}
		g.Go(func() error {
			h, err := m.r.sup.Spawn(ctx, spec)
			if err != nil {
				*side.err = fmt.Errorf("spawn: %w", err)
				return nil
			}
			handles[i] = h
			return nil
		})
	}
	_ = g.Wait()

	m.clients = make(map[process.Role]*process.Handle)
	for _, h := range handles {
		if h == nil {
			continue
		}
		m.handles = append(m.handles, h)
		m.clients[h.Role] = h
		if m.slot != nil {
			m.slot.track(h)
		}
		m.log.WithFields(logrus.Fields{"role": h.Role, "pid": h.PID}).Debug("process started")
	}

	grace := time.Now().Add(cfg.ClientGrace)
	if grace.After(m.deadline) {
		grace = m.deadline
	}
	var wg errgroup.Group
	for i, side := range sides {
		h := handles[i]
		if h == nil {
			continue
		}
		side := side
		wg.Go(func() error {
			code, err := m.r.sup.Wait(ctx, h, grace)
			if err == nil && code != 0 {
				*side.err = fmt.Errorf("exited with code %d during startup", code)
			}
			return nil
		})
	}
	_ = wg.Wait()
	return subErr, refErr
}

func (m *attempt) referenceProgram() string {
	p := m.r.cfg.ReferenceProgram
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.ws.dir, p)
}

// watch waits for the game to end. The server is the authority on the outcome: a client
// exiting non-zero only counts as a crash when the server has not finished by the time the
// client grace period elapses.
func (m *attempt) watch(ctx context.Context) (*Result, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exits := make(chan clientExit, 1+len(m.clients))
	watchProc := func(h *process.Handle) {
		code, err := m.r.sup.Wait(wctx, h, m.deadline)
		exits <- clientExit{role: h.Role, code: code, err: err}
	}
	go watchProc(m.server)
	for _, h := range m.clients {
		go watchProc(h)
	}

	for {
		ev := <-exits
		if ev.role == process.RoleServer {
			return m.serverExited(ctx, ev.code, ev.err)
		}
		if ev.err != nil || ev.code == 0 {
			continue
		}

		settle := time.Now().Add(m.r.cfg.ClientGrace)
		if settle.After(m.deadline) {
			settle = m.deadline
		}
		code, err := m.r.sup.Wait(ctx, m.server, settle)
		if err == nil {
			return m.serverExited(ctx, code, nil)
		}
		if ctx.Err() != nil {
			return m.interrupted(ctx.Err())
		}
		return m.finish(StateCrashed, worklist.StatusError, KindProcessCrash,
			fmt.Sprintf("%s client exited with code %d", ev.role, ev.code))
	}
}

func (m *attempt) serverExited(ctx context.Context, code int, err error) (*Result, error) {
	if err != nil {
		if errors.Is(err, process.ErrWaitTimeout) {
			return m.interrupted(context.DeadlineExceeded)
		}
		return m.interrupted(err)
	}
	if code != 0 {
		return m.finish(StateCrashed, worklist.StatusError, KindProcessCrash,
			fmt.Sprintf("server exited with code %d", code))
	}

	data, err := os.ReadFile(m.server.LogPath)
	if err != nil {
		return m.finish(StateCompleted, worklist.StatusError, KindResultParse, fmt.Sprintf("read server log: %v", err))
	}
	outcome, err := ParseOutcome(string(data))
	if err != nil {
		return m.finish(StateCompleted, worklist.StatusError, KindResultParse, err.Error())
	}
	winner, sub, ref, err := outcome.Resolve(m.r.cfg.SubmissionRole, m.r.cfg.ReferenceRole)
	if err != nil {
		return m.finish(StateCompleted, worklist.StatusError, KindResultParse, err.Error())
	}

	res, ferr := m.finish(StateCompleted, worklist.StatusCompleted, KindNone, "")
	if ferr != nil {
		return nil, ferr
	}
	res.Winner = winner
	res.SubmissionScore = sub
	res.ReferenceScore = ref
	res.Turns = outcome.Turns
	return res, nil
}

// interrupted handles a context error: operator cancellation yields no result,
// the match deadline yields TIMEOUT.
func (m *attempt) interrupted(err error) (*Result, error) {
	if m.parentCtx.Err() != nil {
		m.log.Info("match canceled")
		return nil, ErrCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || !time.Now().Before(m.deadline) {
		return m.finish(StateTimedOut, worklist.StatusTimeout, KindTimeout,
			fmt.Sprintf("no result within %s", m.r.Timeout(m.item.BoardSize)))
	}
	return m.finish(StateCrashed, worklist.StatusError, KindProcessCrash, err.Error())
}

func (m *attempt) finish(state State, status worklist.Status, kind ErrorKind, detail string) (*Result, error) {
	if err := m.to(state); err != nil {
		return nil, err
	}
	res := &Result{
		ID:         m.item.ID,
		Status:     status,
		Winner:     WinnerNone,
		Duration:   time.Since(m.start),
		ErrorKind:  kind,
		Error:      detail,
		BoardSize:  m.item.BoardSize,
		Port:       m.port,
		FinishedAt: time.Now(),
	}
	if m.ws != nil {
		res.LogDir = m.ws.dir
	}
	return res, nil
}

// cleanup kills every process, waits for each to be reaped and releases the port only when
// all of them are gone. It reports whether the port had to be quarantined.
func (m *attempt) cleanup(res *Result) bool {
	grace := time.Now().Add(m.r.cfg.KillGrace)
	survivors := 0
	for _, h := range m.handles {
		if err := m.r.sup.Kill(h); err != nil {
			m.log.WithFields(logrus.Fields{"role": h.Role, "pid": h.PID}).WithError(err).Warn("kill failed")
		}
		if _, err := m.r.sup.Wait(context.Background(), h, grace); err != nil {
			survivors++
			m.log.WithFields(logrus.Fields{"role": h.Role, "pid": h.PID}).WithError(err).Error("process not reaped")
			continue
		}
		m.r.sup.Release(h)
	}

	if m.slot != nil {
		m.slot.clear()
	}
	if survivors == 0 && m.port != 0 {
		m.r.ports.Release(m.port)
	}

	if m.ws != nil && res != nil && res.Status == worklist.StatusCompleted && !m.r.cfg.KeepScratch {
		if err := m.ws.remove(); err != nil {
			m.log.WithError(err).Warn("failed to remove match directory")
		} else {
			res.LogDir = ""
		}
	}
	return survivors > 0
}

func logTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(buf), "\n", " | "))
}
