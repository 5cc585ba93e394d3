package commands

import (
	"github.com/dyluth/gauntlet/internal/printer"
	"github.com/dyluth/gauntlet/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new gauntlet project",
	Long: `Initialize a new gauntlet project with a commented configuration and an example worklist.

Creates:
  • gauntlet.yml - Batch configuration file
  • worklist.csv - Example worklist (kept if it already exists)
  • reference/ - Directory for the reference agent
  • submissions/ - Directory for submission folders

Use --force to reinitialize an existing project (WARNING: replaces gauntlet.yml and reference/).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Force reinitialization (removes existing gauntlet.yml and reference/)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check for existing files (unless --force)
	if !forceInit {
		if err := scaffold.CheckExisting(); err != nil {
			return printer.Error("cannot initialize", err.Error(), nil)
		}
	}

	if err := scaffold.Initialize(forceInit); err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	scaffold.PrintSuccess()
	return nil
}
