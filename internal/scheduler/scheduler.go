// Package scheduler runs a worklist through a fixed number of match slots.
//
// The scheduler is the only writer of item status during a run. It dispatches eligible
// PENDING items in worklist order, records every finished match exactly once and keeps
// at most one match per slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/ports"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/dyluth/gauntlet/internal/worklist"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "scheduler")

// Runner plays a single match. *match.Runner implements it.
type Runner interface {
	Run(ctx context.Context, item *worklist.Item, slot *match.Slot) (*match.Result, error)
}

// Recorder receives run progress. *monitor.Metrics implements it.
type Recorder interface {
	MatchStarted()
	MatchFinished(res *match.Result)
	Skipped(res *match.Result)
	StoreFailed()
	SetPending(n int)
	SetPortsInUse(n int)
}

// PortUsage reports the ports currently held. *ports.Allocator implements it.
type PortUsage interface {
	InUse() []int
}

// Config controls the pool.
type Config struct {
	// Parallel is the number of slots
	Parallel int

	// StoreRetryDelay is the pause before the single retry of a failed result write
	StoreRetryDelay time.Duration

	// StoreTimeout bounds each result write
	StoreTimeout time.Duration
}

// Scheduler is the worker pool.
type Scheduler struct {
	cfg      Config
	runner   Runner
	store    results.Store
	recorder Recorder
	ports    PortUsage
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder reports progress to rec.
func WithRecorder(rec Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = rec
	}
}

// WithPortUsage lets the recorder follow the allocator.
func WithPortUsage(p PortUsage) Option {
	return func(s *Scheduler) {
		s.ports = p
	}
}

// New creates a scheduler with cfg.Parallel slots.
func New(cfg Config, runner Runner, store results.Store, opts ...Option) (*Scheduler, error) {
	if cfg.Parallel < 1 {
		return nil, fmt.Errorf("parallel must be >= 1, got %d", cfg.Parallel)
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if store == nil {
		return nil, errors.New("result store is required")
	}
	if cfg.StoreRetryDelay <= 0 {
		cfg.StoreRetryDelay = 500 * time.Millisecond
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}

	s := &Scheduler{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// completion is what a slot goroutine reports back to the dispatch loop.
type completion struct {
	item *worklist.Item
	slot *match.Slot
	res  *match.Result
	err  error
}

// Run blocks until every eligible PENDING item has been attempted, ctx is cancelled or a
// fatal error stops dispatch. Running matches always finish (or are killed on cancel)
// before Run returns. The summary covers everything that happened, including on error.
func (s *Scheduler) Run(ctx context.Context, items []*worklist.Item) (*Summary, error) {
	sum := newSummary()
	defer func() { sum.Elapsed = time.Since(sum.started) }()

	var queue []*worklist.Item
	for _, item := range items {
		if item.Status() != worklist.StatusPending {
			continue
		}
		if !item.Eligible {
			s.skip(ctx, item, sum)
			continue
		}
		queue = append(queue, item)
	}

	log.WithFields(logrus.Fields{"queued": len(queue), "parallel": s.cfg.Parallel}).Info("dispatching matches")

	free := make([]*match.Slot, 0, s.cfg.Parallel)
	for i := s.cfg.Parallel - 1; i >= 0; i-- {
		free = append(free, match.NewSlot(i))
	}

	done := make(chan completion)
	running := 0
	next := 0
	var fatal error

	for {
		for fatal == nil && ctx.Err() == nil && next < len(queue) && len(free) > 0 {
			item := queue[next]
			next++

			slot := free[len(free)-1]
			free = free[:len(free)-1]

			if err := item.Transition(worklist.StatusRunning); err != nil {
				log.WithField("id", item.ID).WithError(err).Error("cannot start match")
				free = append(free, slot)
				continue
			}

			running++
			s.recorder.MatchStarted()
			s.recorder.SetPending(len(queue) - next)
			log.WithFields(logrus.Fields{"id": item.ID, "slot": slot.Index}).Debug("match dispatched")

			go func() {
				res, err := s.runner.Run(ctx, item, slot)
				done <- completion{item: item, slot: slot, res: res, err: err}
			}()
		}

		if running == 0 {
			break
		}

		c := <-done
		running--
		free = append(free, c.slot)
		if err := s.complete(ctx, c, sum); err != nil && fatal == nil {
			fatal = err
			log.WithError(err).Error("stopping dispatch")
		}
		s.portsChanged()
	}

	if fatal != nil {
		return sum, fatal
	}
	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("run interrupted: %w", err)
	}
	return sum, nil
}

// complete records a finished match and returns a fatal error when dispatch must stop.
func (s *Scheduler) complete(ctx context.Context, c completion, sum *Summary) error {
	entry := log.WithFields(logrus.Fields{"id": c.item.ID, "slot": c.slot.Index})

	if c.err != nil {
		s.recorder.MatchFinished(nil)
		s.abandon(c.item)
		sum.Abandoned = append(sum.Abandoned, c.item.ID)

		switch {
		case errors.Is(c.err, match.ErrCanceled):
			entry.Info("match abandoned")
			return nil
		case errors.Is(c.err, ports.ErrNoPortsAvailable), errors.Is(c.err, match.ErrScratchUnavailable):
			return c.err
		default:
			entry.WithError(c.err).Error("match failed without a result")
			return nil
		}
	}

	s.recorder.MatchFinished(c.res)
	entry = entry.WithFields(logrus.Fields{"port": c.res.Port, "status": c.res.Status})

	if err := s.record(ctx, c.res); err != nil {
		entry.WithError(err).Error("failed to store result, item returns to pending")
		s.recorder.StoreFailed()
		s.abandon(c.item)
		sum.Unrecorded = append(sum.Unrecorded, c.item.ID)
		return nil
	}

	if err := c.item.Transition(c.res.Status); err != nil {
		entry.WithError(err).Error("cannot record status")
		return nil
	}
	sum.add(c.res)

	if c.res.Status == worklist.StatusCompleted {
		entry.WithFields(logrus.Fields{"winner": c.res.Winner, "duration": c.res.Duration.Round(time.Millisecond)}).Info("match completed")
	} else {
		entry.WithField("reason", c.res.Reason()).Warn("match failed")
	}
	return nil
}

// skip records an ineligible item as SKIPPED.
func (s *Scheduler) skip(ctx context.Context, item *worklist.Item, sum *Summary) {
	reason := item.IneligibleReason
	if reason == "" {
		reason = "ineligible"
	}
	res := match.Skipped(item.ID, reason)

	if err := s.record(ctx, res); err != nil {
		log.WithField("id", item.ID).WithError(err).Error("failed to store skipped item")
		s.recorder.StoreFailed()
		sum.Unrecorded = append(sum.Unrecorded, item.ID)
		return
	}
	if err := item.Transition(worklist.StatusSkipped); err != nil {
		log.WithField("id", item.ID).WithError(err).Error("cannot skip item")
		return
	}
	s.recorder.Skipped(res)
	sum.add(res)
	log.WithFields(logrus.Fields{"id": item.ID, "reason": reason}).Info("item skipped")
}

// record writes res, retrying once. Writes outlive operator cancellation so a finished
// match is never lost to Ctrl-C.
func (s *Scheduler) record(ctx context.Context, res *match.Result) error {
	ctx = context.WithoutCancel(ctx)
	attempt := 0

	op := func() error {
		attempt++
		wctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()
		err := s.store.Update(wctx, res)
		if err != nil && attempt == 1 {
			log.WithField("id", res.ID).WithError(err).Warn("result write failed, retrying")
		}
		return err
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.StoreRetryDelay), 1))
}

func (s *Scheduler) abandon(item *worklist.Item) {
	if err := item.Transition(worklist.StatusPending); err != nil {
		log.WithField("id", item.ID).WithError(err).Error("cannot return item to pending")
	}
}

func (s *Scheduler) portsChanged() {
	if s.ports != nil {
		s.recorder.SetPortsInUse(len(s.ports.InUse()))
	}
}

type noopRecorder struct{}

func (noopRecorder) MatchStarted() {}
func (noopRecorder) MatchFinished(*match.Result) {}
func (noopRecorder) Skipped(*match.Result) {}
func (noopRecorder) StoreFailed() {}
func (noopRecorder) SetPending(int) {}
func (noopRecorder) SetPortsInUse(int) {}
