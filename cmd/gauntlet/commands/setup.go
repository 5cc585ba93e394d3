package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dyluth/gauntlet/internal/config"
	"github.com/dyluth/gauntlet/internal/match"
	"github.com/dyluth/gauntlet/internal/monitor"
	"github.com/dyluth/gauntlet/internal/printer"
	"github.com/dyluth/gauntlet/internal/results"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// loadConfig reads gauntlet.yml, applies any command line overrides the command
// defines, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Parse(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, printer.Error(
				fmt.Sprintf("%s not found", configPath),
				"No gauntlet configuration found.",
				[]string{
					"Create a new project:\n  gauntlet init",
					"Point at an existing configuration:\n  gauntlet --config path/to/gauntlet.yml " + cmd.Name(),
				},
			)
		}
		return nil, printer.Error("failed to read configuration", err.Error(), nil)
	}

	if err := applyOverrides(cmd.Flags(), cfg); err != nil {
		return nil, printer.Error("invalid flag", err.Error(), nil)
	}

	if err := cfg.Validate(); err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Fix the configuration and try again"},
		)
	}

	// The flag replaces every per-board timeout, so it is applied after board defaults exist
	if flags := cmd.Flags(); changed(flags, "timeout-per-game") {
		d, err := flags.GetDuration("timeout-per-game")
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, printer.Error("invalid flag", "--timeout-per-game must be positive", nil)
		}
		cfg.OverrideTimeout(d)
	}
	return cfg, nil
}

// applyOverrides copies set flags onto cfg. Commands without a given flag ignore it.
func applyOverrides(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	if changed(flags, "parallel") {
		if cfg.Parallel, err = flags.GetInt("parallel"); err != nil {
			return err
		}
		if cfg.Parallel < 1 {
			return fmt.Errorf("--parallel must be >= 1, got %d", cfg.Parallel)
		}
		if cfg.PortRange != 0 && cfg.PortRange < cfg.Parallel {
			cfg.PortRange = 0
		}
	}
	if changed(flags, "base-port") {
		if cfg.BasePort, err = flags.GetInt("base-port"); err != nil {
			return err
		}
	}
	if changed(flags, "worklist") {
		if cfg.Worklist.Path, err = flags.GetString("worklist"); err != nil {
			return err
		}
	}
	if changed(flags, "results") {
		if cfg.Results.Path, err = flags.GetString("results"); err != nil {
			return err
		}
		// An explicit journal path selects the file store
		cfg.Results.Redis = nil
	}
	return nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

// openStore opens the configured result store. The returned health check is nil
// for the file store.
func openStore(ctx context.Context, cfg *config.Config) (results.Store, monitor.HealthCheck, error) {
	if r := cfg.Results.Redis; r != nil {
		store, err := results.NewRedisStore(&redis.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
		}, r.Namespace)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, printer.ErrorWithContext(
				"Redis connection failed",
				fmt.Sprintf("Could not connect to Redis at %s", r.Addr),
				map[string]string{"Namespace": r.Namespace, "Error": err.Error()},
				[]string{
					"Check that Redis is running and reachable",
					"Remove results.redis from gauntlet.yml to use the CSV journal",
				},
			)
		}
		return store, store.Ping, nil
	}

	store, err := results.OpenCSV(cfg.Results.Path)
	if err != nil {
		return nil, nil, printer.ErrorWithContext(
			"cannot open results file",
			err.Error(),
			map[string]string{"Results": cfg.Results.Path},
			[]string{"Check the directory exists and is writable"},
		)
	}
	return store, nil, nil
}

// runnerConfig maps gauntlet.yml onto the match runner settings.
func runnerConfig(cfg *config.Config) match.Config {
	return match.Config{
		ServerCommand:      cfg.Server.Command,
		ClientCommand:      cfg.Client.Command,
		ReferenceDir:       cfg.Reference.Dir,
		ReferenceProgram:   cfg.Reference.Program,
		SubmissionRole:     cfg.Submission.Role,
		ReferenceRole:      cfg.Reference.Role,
		TimePerPlayer:      cfg.TimePerPlayer(),
		Timeout:            cfg.TimeoutPerGame.Std(),
		BoardTimeouts:      cfg.BoardTimeouts(),
		ServerStartTimeout: cfg.Server.StartTimeout.Std(),
		PollInterval:       cfg.Server.PollInterval.Std(),
		ClientGrace:        cfg.Client.GracePeriod.Std(),
		KillGrace:          cfg.Runtime.KillGracePeriod.Std(),
		ScratchRoot:        cfg.Runtime.ScratchRoot,
		KeepScratch:        cfg.Runtime.KeepScratch,
		Threads:            cfg.Runtime.Threads,
		Device:             cfg.Runtime.Device,
	}
}
