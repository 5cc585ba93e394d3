package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/ports"
	"github.com/dyluth/gauntlet/internal/process"
	"github.com/dyluth/gauntlet/internal/process/processtest"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/dyluth/gauntlet/internal/worklist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finishedLog = "Final Scores - Circle: 7, Square: 3\nWinner: circle\nTurns: 30\n"

var (
	finishes = processtest.Behaviour{Listen: true, ExitAfter: 80 * time.Millisecond, Log: finishedLog}
	hang     = processtest.Behaviour{Hang: true}
)

// perItem scripts server behaviour by item identifier; clients always hang until killed.
func perItem(servers map[string]processtest.Behaviour) processtest.Script {
	return func(spec process.Spec) processtest.Behaviour {
		if spec.Role != process.RoleServer {
			return hang
		}
		base := filepath.Base(spec.Dir)
		id := base[:strings.LastIndex(base, "_p")]
		if b, ok := servers[id]; ok {
			return b
		}
		return finishes
	}
}

type pool struct {
	t      *testing.T
	sup    *processtest.Supervisor
	alloc  *ports.Allocator
	store  *results.CSVStore
	sched  *Scheduler
	rec    *fakeRecorder
	subDir string
}

type poolOptions struct {
	parallel  int
	portRange int
	timeout   time.Duration
	// noPorts makes every port fail the bind check
	noPorts bool
	store   results.Store
}

func newPool(t *testing.T, script processtest.Script, opts poolOptions) *pool {
	t.Helper()

	if opts.parallel == 0 {
		opts.parallel = 4
	}
	if opts.portRange == 0 {
		opts.portRange = opts.parallel
	}
	if opts.timeout == 0 {
		opts.timeout = 2 * time.Second
	}

	refDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(refDir, "reference_agent.py"), []byte("# reference\n"), 0644))

	sup := processtest.NewSupervisor(script)
	alloc, err := ports.New(9500, opts.portRange, ports.WithBindCheck(func(int) bool { return !opts.noPorts }))
	require.NoError(t, err)

	runner, err := match.NewRunner(match.Config{
		ServerCommand:      []string{"game-server"},
		ClientCommand:      []string{"python3", "client.py"},
		ReferenceDir:       refDir,
		ReferenceProgram:   "reference_agent.py",
		TimePerPlayer:      map[string]int{"small": 120},
		Timeout:            opts.timeout,
		ServerStartTimeout: 150 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		ClientGrace:        20 * time.Millisecond,
		KillGrace:          200 * time.Millisecond,
		ScratchRoot:        t.TempDir(),
		BaseEnv:            []string{"PATH=/usr/bin"},
	}, sup, alloc, "run-1", match.WithReadyCheck(sup.Dial))
	require.NoError(t, err)

	csvStore, err := results.OpenCSV(filepath.Join(t.TempDir(), "results.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { csvStore.Close() })

	var store results.Store = csvStore
	if opts.store != nil {
		store = opts.store
	}

	rec := newFakeRecorder()
	sched, err := New(Config{Parallel: opts.parallel, StoreRetryDelay: time.Millisecond}, runner, store,
		WithRecorder(rec), WithPortUsage(alloc))
	require.NoError(t, err)

	return &pool{
		t:      t,
		sup:    sup,
		alloc:  alloc,
		store:  csvStore,
		sched:  sched,
		rec:    rec,
		subDir: t.TempDir(),
	}
}

// items creates n eligible PENDING items s001..s00n, each with a program on disk.
func (p *pool) items(n int) []*worklist.Item {
	p.t.Helper()
	out := make([]*worklist.Item, n)
	for i := range out {
		out[i] = p.item(fmt.Sprintf("s%03d", i+1), worklist.StatusPending)
	}
	return out
}

func (p *pool) item(id string, status worklist.Status) *worklist.Item {
	p.t.Helper()
	program := filepath.Join(p.subDir, id, "agent.py")
	require.NoError(p.t, os.MkdirAll(filepath.Dir(program), 0755))
	require.NoError(p.t, os.WriteFile(program, []byte("# agent\n"), 0644))
	return worklist.NewItem(id, program, "small", true, status)
}

func (p *pool) records() map[string]results.Record {
	p.t.Helper()
	records, err := p.store.Load(context.Background())
	require.NoError(p.t, err)
	return records
}

func (p *pool) assertIdle() {
	p.t.Helper()
	assert.Zero(p.t, p.sup.Alive(process.RoleServer), "server left running")
	assert.Zero(p.t, p.sup.Alive(process.RoleSubmission), "submission left running")
	assert.Zero(p.t, p.sup.Alive(process.RoleReference), "reference left running")
	assert.Empty(p.t, p.alloc.InUse(), "ports still held")
}

type fakeRecorder struct {
	mu            sync.Mutex
	started       int
	finished      int
	abandoned     int
	skipped       int
	storeFailures int
	pending       []int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{}
}

func (r *fakeRecorder) MatchStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *fakeRecorder) MatchFinished(res *match.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res == nil {
		r.abandoned++
		return
	}
	r.finished++
}

func (r *fakeRecorder) Skipped(*match.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

func (r *fakeRecorder) StoreFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeFailures++
}

func (r *fakeRecorder) SetPending(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, n)
}

func (r *fakeRecorder) SetPortsInUse(int) {}

func TestNewValidation(t *testing.T) {
	store, err := results.OpenCSV(filepath.Join(t.TempDir(), "results.csv"))
	require.NoError(t, err)
	defer store.Close()

	_, err = New(Config{Parallel: 0}, &match.Runner{}, store)
	assert.ErrorContains(t, err, "parallel must be >= 1")

	_, err = New(Config{Parallel: 1}, nil, store)
	assert.ErrorContains(t, err, "runner is required")

	_, err = New(Config{Parallel: 1}, &match.Runner{}, nil)
	assert.ErrorContains(t, err, "result store is required")
}

func TestRunCompletesEveryItemWithinParallelLimit(t *testing.T) {
	p := newPool(t, perItem(nil), poolOptions{parallel: 4})
	items := p.items(10)

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 10, sum.Counts[worklist.StatusCompleted])
	assert.Equal(t, 10, sum.Winners[match.WinnerSubmission])
	assert.Empty(t, sum.Failures)
	assert.Empty(t, sum.Abandoned)
	assert.Equal(t, 10, sum.Recorded())
	assert.Greater(t, sum.Elapsed, time.Duration(0))

	for _, item := range items {
		assert.Equal(t, worklist.StatusCompleted, item.Status(), item.ID)
	}

	assert.Equal(t, 4, p.sup.Peak(process.RoleServer), "never more than parallel servers")
	assert.LessOrEqual(t, p.sup.Peak(process.RoleSubmission), 4)
	assert.Zero(t, p.sup.PortConflicts(), "two live servers shared a port")

	records := p.records()
	assert.Len(t, records, 10)
	for _, item := range items {
		assert.Equal(t, worklist.StatusCompleted, records[item.ID].Status)
	}

	assert.Equal(t, 10, p.rec.started)
	assert.Equal(t, 10, p.rec.finished)
	p.assertIdle()
}

func TestRunOneResultRowPerItem(t *testing.T) {
	p := newPool(t, perItem(map[string]processtest.Behaviour{
		"s002": {ExitAfter: 5 * time.Millisecond, ExitCode: 1},
	}), poolOptions{parallel: 3})

	_, err := p.sched.Run(context.Background(), p.items(6))
	require.NoError(t, err)

	data, err := os.ReadFile(p.store.Path())
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		assert.Equal(t, 1, strings.Count(string(data), fmt.Sprintf("\ns%03d,", i)), "s%03d", i)
	}
}

func TestRunServerNeverBinds(t *testing.T) {
	p := newPool(t, perItem(map[string]processtest.Behaviour{
		"s003": hang,
	}), poolOptions{parallel: 4})
	items := p.items(10)

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 9, sum.Counts[worklist.StatusCompleted])
	assert.Equal(t, 1, sum.Counts[worklist.StatusError])
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "s003", sum.Failures[0].ID)
	assert.True(t, strings.HasPrefix(sum.Failures[0].Reason, string(match.KindServerStartFailure)), sum.Failures[0].Reason)

	assert.Equal(t, worklist.StatusError, items[2].Status())
	assert.True(t, strings.HasPrefix(p.records()["s003"].Error, string(match.KindServerStartFailure)+": "))
	p.assertIdle()
}

func TestRunTimeoutFreesPortForNextMatch(t *testing.T) {
	p := newPool(t, perItem(map[string]processtest.Behaviour{
		"s001": {Listen: true, Hang: true},
	}), poolOptions{parallel: 1, portRange: 1, timeout: 300 * time.Millisecond})
	items := p.items(2)

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, worklist.StatusTimeout, items[0].Status())
	assert.Equal(t, worklist.StatusCompleted, items[1].Status())
	assert.Equal(t, 1, sum.Counts[worklist.StatusTimeout])
	assert.Equal(t, 1, sum.Counts[worklist.StatusCompleted])

	servers := 0
	for _, spec := range p.sup.Spawns() {
		if spec.Role == process.RoleServer {
			servers++
			assert.Equal(t, "9500", spec.Args[0])
		}
	}
	assert.Equal(t, 2, servers, "second match reused the freed port")
	assert.Zero(t, p.sup.PortConflicts())
	p.assertIdle()
}

func TestRunCrashIsIsolated(t *testing.T) {
	p := newPool(t, perItem(map[string]processtest.Behaviour{
		"s002": {Listen: true, ExitAfter: 100 * time.Millisecond, ExitCode: 139},
	}), poolOptions{parallel: 3})
	items := p.items(5)

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Counts[worklist.StatusCompleted])
	assert.Equal(t, 1, sum.Counts[worklist.StatusError])
	assert.Equal(t, worklist.StatusError, items[1].Status())
	assert.Contains(t, p.records()["s002"].Error, string(match.KindProcessCrash))
	p.assertIdle()
}

func TestRunResumeSkipsFinishedItems(t *testing.T) {
	p := newPool(t, perItem(nil), poolOptions{parallel: 2})
	items := []*worklist.Item{
		p.item("s001", worklist.StatusCompleted),
		p.item("s002", worklist.StatusPending),
		p.item("s003", worklist.StatusError),
		p.item("s004", worklist.StatusSkipped),
		p.item("s005", worklist.StatusPending),
	}

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Recorded())

	servers := 0
	for _, spec := range p.sup.Spawns() {
		if spec.Role == process.RoleServer {
			servers++
		}
	}
	assert.Equal(t, 2, servers, "only pending items are played")

	records := p.records()
	assert.Len(t, records, 2)
	assert.Contains(t, records, "s002")
	assert.Contains(t, records, "s005")
	assert.Equal(t, worklist.StatusError, items[2].Status(), "not retried without --retry-failed")
}

func TestRunRecordsIneligibleItemsOnce(t *testing.T) {
	p := newPool(t, perItem(nil), poolOptions{parallel: 2})
	items := p.items(3)
	items[1].Eligible = false
	items[1].IneligibleReason = "duplicate of s001"

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, worklist.StatusSkipped, items[1].Status())
	assert.Equal(t, 1, sum.Counts[worklist.StatusSkipped])
	assert.Equal(t, 2, sum.Counts[worklist.StatusCompleted])
	assert.Equal(t, 1, p.rec.skipped)

	rec := p.records()["s002"]
	assert.Equal(t, worklist.StatusSkipped, rec.Status)
	assert.Equal(t, "duplicate of s001", rec.Error)

	// a second run over the same items does nothing
	sum, err = p.sched.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Zero(t, sum.Recorded())
}

func TestRunStopsOnFatalError(t *testing.T) {
	p := newPool(t, perItem(nil), poolOptions{parallel: 2, noPorts: true})
	items := p.items(5)

	sum, err := p.sched.Run(context.Background(), items)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrNoPortsAvailable)

	assert.Zero(t, sum.Recorded())
	assert.Len(t, sum.Abandoned, 2, "only the first wave was dispatched")
	for _, item := range items {
		assert.Equal(t, worklist.StatusPending, item.Status(), item.ID)
	}
	assert.Empty(t, p.sup.Spawns())
}

func TestRunCancel(t *testing.T) {
	p := newPool(t, perItem(map[string]processtest.Behaviour{
		"s001": {Listen: true, Hang: true},
		"s002": {Listen: true, Hang: true},
	}), poolOptions{parallel: 2})
	items := p.items(4)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	sum, err := p.sched.Run(ctx, items)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, sum.Recorded())
	assert.ElementsMatch(t, []string{"s001", "s002"}, sum.Abandoned)
	for _, item := range items {
		assert.Equal(t, worklist.StatusPending, item.Status(), item.ID)
	}
	assert.Empty(t, p.records(), "abandoned matches leave no result")
	assert.Equal(t, 2, p.rec.abandoned)
	p.assertIdle()
}

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	stored   []*match.Result
}

func (s *flakyStore) Update(ctx context.Context, res *match.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("disk full")
	}
	s.stored = append(s.stored, res)
	return nil
}

func (s *flakyStore) Load(ctx context.Context) (map[string]results.Record, error) {
	return nil, nil
}

func (s *flakyStore) Close() error {
	return nil
}

func TestRunRetriesResultWriteOnce(t *testing.T) {
	store := &flakyStore{failures: 1}
	p := newPool(t, perItem(nil), poolOptions{parallel: 1, store: store})
	items := p.items(1)

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, store.calls)
	assert.Len(t, store.stored, 1)
	assert.Equal(t, worklist.StatusCompleted, items[0].Status())
	assert.Empty(t, sum.Unrecorded)
	assert.Zero(t, p.rec.storeFailures)
}

func TestRunStoreFailureReturnsItemToPending(t *testing.T) {
	store := &flakyStore{failures: 100}
	p := newPool(t, perItem(nil), poolOptions{parallel: 1, store: store})
	items := p.items(2)

	sum, err := p.sched.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 4, store.calls, "one write and one retry per item")
	assert.Equal(t, []string{"s001", "s002"}, sum.Unrecorded)
	assert.Zero(t, sum.Recorded())
	for _, item := range items {
		assert.Equal(t, worklist.StatusPending, item.Status())
	}
	assert.Equal(t, 2, p.rec.storeFailures)
}

func TestSummarySortedFailures(t *testing.T) {
	sum := newSummary()
	sum.add(&match.Result{ID: "b", Status: worklist.StatusTimeout, ErrorKind: match.KindTimeout, Error: "no result within 1s"})
	sum.add(&match.Result{ID: "a", Status: worklist.StatusError, ErrorKind: match.KindProcessCrash, Error: "server exited with code 1"})
	sum.add(&match.Result{ID: "c", Status: worklist.StatusCompleted, Winner: match.WinnerDraw})

	failures := sum.SortedFailures()
	require.Len(t, failures, 2)
	assert.Equal(t, "a", failures[0].ID)
	assert.Equal(t, "ProcessCrash: server exited with code 1", failures[0].Reason)
	assert.Equal(t, "b", sum.Failures[0].ID, "original order kept")
	assert.Equal(t, 1, sum.Winners[match.WinnerDraw])
	assert.Equal(t, 3, sum.Recorded())
}
