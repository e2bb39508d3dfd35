package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/maestro/internal/agent"
	"github.com/harrison/maestro/internal/bitbucket"
	"github.com/harrison/maestro/internal/config"
	"github.com/harrison/maestro/internal/gitvcs"
	"github.com/harrison/maestro/internal/logger"
	"github.com/harrison/maestro/internal/orchestrator"
	"github.com/harrison/maestro/internal/state"
	"github.com/harrison/maestro/internal/trello"
)

// NewOrchestrateCommand creates the orchestrate subcommand.
func NewOrchestrateCommand() *cobra.Command {
	var (
		cardID       string
		watch        bool
		maxAgents    int
		pollInterval int
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Decompose a card into parallel coding agents and drive it to a PR",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (cardID == "") == (!watch) {
				return fmt.Errorf("exactly one of --card-id or --watch is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-agents") {
				cfg.MaxAgents = maxAgents
			}
			if cmd.Flags().Changed("poll-interval") {
				cfg.PollInterval = time.Duration(pollInterval) * time.Second
			}
			cfg.Debug = debug

			if err := cfg.Validate(); err != nil {
				return err
			}
			if watch && cfg.TriggerListID == "" {
				return fmt.Errorf("TRELLO_ORCHESTRATOR_LIST_ID must be set for --watch mode")
			}

			level := logger.LevelInfo
			if debug {
				level = logger.LevelDebug
			}
			fileLog, err := logger.NewFile(cfg.LogDir(), level)
			if err != nil {
				return err
			}
			defer fileLog.Close()
			log := logger.NewMulti(logger.NewConsole(level), fileLog)

			store, err := state.NewStore(cfg.OrchestratorStateDir())
			if err != nil {
				return err
			}

			var debugf func(string, ...interface{})
			if debug {
				debugf = log.Debugf
			}
			git, err := gitvcs.New(cfg.RepoPath, cfg.WorktreeDir(), debugf)
			if err != nil {
				return err
			}

			items := trello.NewClient(cfg.TrelloAPIKey, cfg.TrelloToken)
			host := bitbucket.NewClient(cfg.BitbucketToken, cfg.BitbucketWorkspace, cfg.BitbucketRepoSlug)

			orch := orchestrator.New(cfg, items, host, git, agent.NewRunner(), store, log)

			if watch {
				return orch.Watch(cmd.Context())
			}
			return orch.Orchestrate(cmd.Context(), cardID)
		},
	}

	cmd.Flags().StringVar(&cardID, "card-id", "", "Orchestrate a specific card")
	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the orchestrator list for cards")
	cmd.Flags().IntVar(&maxAgents, "max-agents", config.DefaultMaxAgents, "Max parallel agents")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", int(config.DefaultPollInterval/time.Second), "Seconds between poll cycles")
	cmd.Flags().BoolVar(&debug, "debug", false, "Verbose output")

	return cmd
}
