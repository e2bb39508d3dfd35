// Package cmd wires the maestro CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates the root cobra command for maestro.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maestro",
		Short: "Card-driven multi-agent coding orchestrator",
		Long: `Maestro turns a Trello card into a dependency graph of coding
subtasks, executes them in parallel Claude Code agents (each in its own
git worktree), merges the results into a parent branch, and opens a
pull request.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewOrchestrateCommand())
	cmd.AddCommand(NewCleanupCommand())

	return cmd
}
