package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/gauntlet/internal/config"
	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/monitor"
	"github.com/dyluth/gauntlet/internal/ports"
	"github.com/dyluth/gauntlet/internal/printer"
	"github.com/dyluth/gauntlet/internal/process"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/dyluth/gauntlet/internal/scheduler"
	"github.com/dyluth/gauntlet/internal/worklist"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	retryFailed bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play every pending submission against the reference",
	Long: `Play every pending submission in the worklist against the reference agent.

Results already in the results store are honoured: COMPLETED and SKIPPED items are
never replayed, and ERROR or TIMEOUT items are only replayed with --retry-failed.
Ineligible submissions are recorded as SKIPPED without being played.

Ctrl-C stops dispatch and kills running matches. Their items stay pending and are
played by the next run.

Examples:
  # Run with the settings in gauntlet.yml
  gauntlet run

  # Sixteen matches at a time with a ten minute cap per game
  gauntlet run --parallel 16 --timeout-per-game 10m

  # Replay matches that crashed or timed out last time
  gauntlet run --retry-failed`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntP("parallel", "p", 0, "Number of matches to run at once (overrides parallel)")
	runCmd.Flags().Int("base-port", 0, "First port of the server port range (overrides base_port)")
	runCmd.Flags().Duration("timeout-per-game", 0, "Hard deadline for every match, replacing per-board timeouts")
	runCmd.Flags().StringP("worklist", "w", "", "Worklist CSV (overrides worklist.path)")
	runCmd.Flags().StringP("results", "r", "", "Results journal (overrides results.path and disables Redis)")
	runCmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Replay items whose stored result is ERROR or TIMEOUT")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	items, err := worklist.LoadFile(cfg.Worklist.Path, worklist.Options{
		SubmissionsDir: cfg.Worklist.SubmissionsDir,
		ProgramFile:    cfg.Worklist.ProgramFile,
		EligibleTypes:  cfg.Worklist.EligibleTypes,
		BoardSizes:     cfg.Worklist.BoardSizes,
	})
	if err != nil {
		return printer.ErrorWithContext(
			"cannot load worklist",
			err.Error(),
			map[string]string{"Worklist": cfg.Worklist.Path},
			[]string{"Check worklist.path in gauntlet.yml or pass --worklist"},
		)
	}

	// Cancel on SIGINT/SIGTERM; running matches are killed and their items stay pending
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			printer.Warning("Received %v, stopping running matches...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	store, check, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stored, err := store.Load(ctx)
	if err != nil {
		return printer.Error("cannot read existing results", err.Error(), nil)
	}
	reset := worklist.ApplyStored(items, results.Statuses(stored), retryFailed)
	counts := worklist.Counts(items)

	printer.Step("Loaded %d submissions: %d pending, %d completed, %d failed, %d skipped\n",
		len(items), counts[worklist.StatusPending], counts[worklist.StatusCompleted],
		counts[worklist.StatusError]+counts[worklist.StatusTimeout], counts[worklist.StatusSkipped])
	if reset > 0 {
		printer.Info("  %d failed items will be retried\n", reset)
	}
	if counts[worklist.StatusPending] == 0 {
		printer.Success("Nothing to do, every submission already has a result\n")
		return nil
	}

	alloc, err := ports.New(cfg.BasePort, cfg.PortRange)
	if err != nil {
		return printer.Error("invalid port range", err.Error(), nil)
	}

	metrics := monitor.NewMetrics()
	if cfg.Monitor.Addr != "" {
		srv := monitor.NewServer(cfg.Monitor.Addr, metrics, check)
		if err := srv.Start(); err != nil {
			return printer.Error("cannot start monitor server", err.Error(),
				[]string{"Change monitor.addr in gauntlet.yml or remove it to disable the endpoint"})
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
		printer.Info("  Metrics on http://%s/metrics\n", srv.Addr())
	}

	runID := newRunID(time.Now())
	runner, err := match.NewRunner(runnerConfig(cfg), process.NewOSSupervisor(), alloc, runID,
		match.WithObserver(metrics))
	if err != nil {
		return printer.Error("invalid match configuration", err.Error(), nil)
	}

	sched, err := scheduler.New(scheduler.Config{Parallel: cfg.Parallel}, runner, store,
		scheduler.WithRecorder(metrics), scheduler.WithPortUsage(alloc))
	if err != nil {
		return printer.Error("invalid scheduler configuration", err.Error(), nil)
	}

	low, high := alloc.Range()
	logrus.WithFields(logrus.Fields{"run_id": runID, "parallel": cfg.Parallel, "ports": fmt.Sprintf("%d-%d", low, high)}).Info("run starting")
	printer.Step("Running with %d slots on ports %d-%d (run %s)\n\n", cfg.Parallel, low, high, runID)

	sum, runErr := sched.Run(ctx, items)
	if sum != nil {
		if err := printSummary(printer.Out, sum); err != nil {
			return err
		}
	}

	return runFailure(runErr, cfg)
}

// runFailure turns a scheduler error into the user facing report.
func runFailure(err error, cfg *config.Config) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return printer.Error(
			"run interrupted",
			"Running matches were stopped; their submissions are still pending.",
			[]string{"Resume with:\n  gauntlet run"},
		)
	case errors.Is(err, ports.ErrNoPortsAvailable):
		return printer.ErrorWithContext(
			"no free ports",
			err.Error(),
			map[string]string{
				"Base port":  fmt.Sprintf("%d", cfg.BasePort),
				"Port range": fmt.Sprintf("%d", cfg.PortRange),
			},
			[]string{
				"Pick a free range with --base-port",
				"Increase port_range in gauntlet.yml",
			},
		)
	case errors.Is(err, match.ErrScratchUnavailable):
		return printer.ErrorWithContext(
			"scratch directory unavailable",
			err.Error(),
			map[string]string{"Scratch root": cfg.Runtime.ScratchRoot},
			[]string{"Check free disk space and permissions, or set runtime.scratch_root"},
		)
	default:
		return printer.Error("run failed", err.Error(), nil)
	}
}

// newRunID names the scratch directory of one run: sortable by start time, unique across hosts.
func newRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.Format("20060102-150405"), uuid.NewString()[:8])
}
