package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/maestro/internal/config"
	"github.com/harrison/maestro/internal/gitvcs"
	"github.com/harrison/maestro/internal/logger"
)

// NewCleanupCommand creates the cleanup subcommand, which prunes git
// worktrees whose directory no longer exists.
func NewCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale worktrees left behind by interrupted runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RepoPath == "" {
				return fmt.Errorf("GIT_REPO_PATH must be set")
			}

			log := logger.NewConsole(logger.LevelInfo)
			git, err := gitvcs.New(cfg.RepoPath, cfg.WorktreeDir(), nil)
			if err != nil {
				return err
			}

			pruned, err := git.CleanupStaleWorktrees(cmd.Context())
			if err != nil {
				return err
			}
			for _, path := range pruned {
				log.Infof("removed orphaned worktree: %s", path)
			}
			log.Infof("cleanup complete, %d worktree(s) pruned", len(pruned))
			return nil
		},
	}
}
