package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dyluth/gauntlet/internal/filter"
	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/printer"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/dyluth/gauntlet/internal/worklist"
	"github.com/spf13/cobra"
)

var (
	resultsStatus string
	resultsID     string
	resultsWinner string
	exportOutput  string
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show stored match results",
	Long: `Show the latest stored result for every submission.

Examples:
  # Everything
  gauntlet results

  # Only timeouts
  gauntlet results --status TIMEOUT

  # Matches the reference won, for one cohort
  gauntlet results --id '2024*' --winner reference`,
	RunE: runResults,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write one compact CSV row per submission",
	Long: `Write the latest result of every submission as CSV, sorted by identifier, with a
score_vs_reference column (winner|S:score|R:score|T:turns) for completed matches.`,
	RunE: runExport,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream results as matches finish (Redis store only)",
	RunE:  runWatch,
}

func init() {
	resultsCmd.PersistentFlags().StringP("results", "r", "", "Results journal (overrides results.path and disables Redis)")
	resultsCmd.Flags().StringVarP(&resultsStatus, "status", "s", "", "Only show results with this status")
	resultsCmd.Flags().StringVar(&resultsID, "id", "", "Only show identifiers matching this glob pattern")
	resultsCmd.Flags().StringVar(&resultsWinner, "winner", "", "Only show matches won by: submission, reference or draw")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")

	resultsCmd.AddCommand(exportCmd)
	resultsCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(resultsCmd)
}

func loadRecords(cmd *cobra.Command) (map[string]results.Record, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	store, _, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	records, err := store.Load(ctx)
	if err != nil {
		return nil, printer.Error("cannot read results", err.Error(), nil)
	}
	return records, nil
}

func runResults(cmd *cobra.Command, args []string) error {
	criteria, err := resultsCriteria(resultsID, resultsStatus, resultsWinner)
	if err != nil {
		return err
	}

	records, err := loadRecords(cmd)
	if err != nil {
		return err
	}
	return printRecords(printer.Out, criteria.Apply(records))
}

// resultsCriteria validates the filter flags.
func resultsCriteria(id, status, winner string) (*filter.Criteria, error) {
	criteria := &filter.Criteria{IDGlob: id}

	if status != "" {
		st, err := worklist.ParseStatus(status)
		if err != nil {
			return nil, printer.Error("invalid status", err.Error(),
				[]string{"Valid statuses: COMPLETED, ERROR, TIMEOUT, SKIPPED"})
		}
		criteria.Status = st
	}

	if winner != "" {
		w := match.Winner(strings.ToLower(winner))
		switch w {
		case match.WinnerSubmission, match.WinnerReference, match.WinnerDraw:
			criteria.Winner = w
		default:
			return nil, printer.Error("invalid winner", fmt.Sprintf("Unknown winner: %s", winner),
				[]string{"Valid winners: submission, reference, draw"})
		}
	}

	if err := criteria.Validate(); err != nil {
		return nil, printer.Error("invalid identifier pattern", err.Error(), nil)
	}
	return criteria, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	records, err := loadRecords(cmd)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		return results.Export(printer.Out, records)
	}

	f, err := os.Create(exportOutput)
	if err != nil {
		return printer.Error("cannot create export file", err.Error(), nil)
	}
	if err := results.Export(f, records); err != nil {
		f.Close()
		return printer.Error("export failed", err.Error(), nil)
	}
	if err := f.Close(); err != nil {
		return printer.Error("export failed", err.Error(), nil)
	}
	printer.Success("Exported %d results to %s\n", len(records), exportOutput)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Results.Redis == nil {
		return printer.Error(
			"watch needs the Redis result store",
			"Results are journaled to a local CSV file, which has no event stream.",
			[]string{"Configure results.redis in gauntlet.yml"},
		)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rs, ok := store.(*results.RedisStore)
	if !ok {
		return printer.Error("watch needs the Redis result store", "The configured store has no event stream.", nil)
	}
	events, err := rs.Subscribe(ctx)
	if err != nil {
		return printer.Error("subscription failed", err.Error(), nil)
	}

	printer.Step("Watching namespace %s (Ctrl-C to stop)\n", cfg.Results.Redis.Namespace)
	for event := range events {
		printer.Println(formatEvent(event))
	}
	return nil
}

// formatEvent renders one result event as a single line.
func formatEvent(e results.Event) string {
	ts := time.UnixMilli(e.FinishedAt).Format("15:04:05")
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-24s %s", ts, e.ID, printer.Status(e.Status))
	if e.Winner != "" {
		fmt.Fprintf(&b, "  winner=%s", e.Winner)
	}
	if e.Port != 0 {
		fmt.Fprintf(&b, "  port=%d", e.Port)
	}
	fmt.Fprintf(&b, "  %.1fs", e.DurationS)
	if e.Error != "" {
		fmt.Fprintf(&b, "  %s", e.Error)
	}
	return b.String()
}
