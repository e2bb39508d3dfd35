// Package config builds the orchestrator configuration once at startup.
// Values are resolved from CLI flags, environment variables (with .env
// support), an optional YAML file in the state directory, and defaults —
// in that priority order. Nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxAgents bounds concurrently running worker processes.
	DefaultMaxAgents = 3
	// DefaultPollInterval is the scheduler cycle period.
	DefaultPollInterval = 30 * time.Second
	// DefaultAgentTimeout bounds a single worker invocation.
	DefaultAgentTimeout = 900 * time.Second
	// DefaultAgentLimit is the approval-gate threshold on total workers
	// ever spawned.
	DefaultAgentLimit = 10
)

// Config holds every externally supplied setting. It is constructed once
// in the CLI layer and passed explicitly; no package reads environment
// variables at use sites.
type Config struct {
	// Trello credentials and board topology.
	TrelloAPIKey  string `yaml:"trello_api_key"`
	TrelloToken   string `yaml:"trello_token"`
	BoardID       string `yaml:"board_id"`
	TriggerListID string `yaml:"trigger_list_id"`
	ParkingListID string `yaml:"parking_list_id"`

	// Bitbucket credentials for pull-request creation. An empty token
	// skips PR creation.
	BitbucketToken     string `yaml:"bitbucket_token"`
	BitbucketWorkspace string `yaml:"bitbucket_workspace"`
	BitbucketRepoSlug  string `yaml:"bitbucket_repo_slug"`

	// Filesystem layout.
	RepoPath string `yaml:"repo_path"`
	StateDir string `yaml:"state_dir"`

	// Orchestration knobs.
	MaxAgents    int           `yaml:"max_agents"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	AgentLimit   int           `yaml:"agent_limit"`
	Debug        bool          `yaml:"debug"`
}

// Default returns a Config with documented defaults and the state
// directory under the user's home.
func Default() *Config {
	stateDir := ".maestro"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".maestro")
	}
	return &Config{
		StateDir:     stateDir,
		MaxAgents:    DefaultMaxAgents,
		PollInterval: DefaultPollInterval,
		AgentTimeout: DefaultAgentTimeout,
		AgentLimit:   DefaultAgentLimit,
	}
}

// Load resolves the configuration: defaults, then the optional YAML file
// at <stateDir>/config.yaml, then environment variables. A .env file in
// the working directory is loaded first if present.
func Load() (*Config, error) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()

	cfg := Default()

	if dir := os.Getenv("MAESTRO_STATE_DIR"); dir != "" {
		cfg.StateDir = dir
	}

	if err := cfg.mergeFile(filepath.Join(cfg.StateDir, "config.yaml")); err != nil {
		return nil, err
	}
	cfg.mergeEnv()

	return cfg, nil
}

// mergeFile overlays non-zero values from a YAML config file. A missing
// file is not an error; a malformed one is.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	merge := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	merge(&c.TrelloAPIKey, file.TrelloAPIKey)
	merge(&c.TrelloToken, file.TrelloToken)
	merge(&c.BoardID, file.BoardID)
	merge(&c.TriggerListID, file.TriggerListID)
	merge(&c.ParkingListID, file.ParkingListID)
	merge(&c.BitbucketToken, file.BitbucketToken)
	merge(&c.BitbucketWorkspace, file.BitbucketWorkspace)
	merge(&c.BitbucketRepoSlug, file.BitbucketRepoSlug)
	merge(&c.RepoPath, file.RepoPath)
	if file.MaxAgents > 0 {
		c.MaxAgents = file.MaxAgents
	}
	if file.PollInterval > 0 {
		c.PollInterval = file.PollInterval
	}
	if file.AgentTimeout > 0 {
		c.AgentTimeout = file.AgentTimeout
	}
	if file.AgentLimit > 0 {
		c.AgentLimit = file.AgentLimit
	}
	return nil
}

// mergeEnv overlays environment variables. Env values win over the file.
func (c *Config) mergeEnv() {
	env := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	env(&c.TrelloAPIKey, "TRELLO_API_KEY")
	env(&c.TrelloToken, "TRELLO_TOKEN")
	env(&c.BoardID, "TRELLO_BOARD_ID")
	env(&c.TriggerListID, "TRELLO_ORCHESTRATOR_LIST_ID")
	env(&c.ParkingListID, "TRELLO_LIST_ID")
	env(&c.BitbucketToken, "BITBUCKET_ACCESS_TOKEN")
	env(&c.BitbucketWorkspace, "BITBUCKET_WORKSPACE")
	env(&c.BitbucketRepoSlug, "BITBUCKET_REPO_SLUG")
	env(&c.RepoPath, "GIT_REPO_PATH")

	if v := os.Getenv("ORCH_AGENT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.AgentLimit = n
		}
	}
	if v := os.Getenv("ORCH_AGENT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.AgentTimeout = time.Duration(n) * time.Second
		}
	}
}

// WorktreeDir returns the base directory for subtask worktrees.
func (c *Config) WorktreeDir() string {
	return filepath.Join(c.StateDir, "worktrees")
}

// OrchestratorStateDir returns the directory holding one state document
// per run.
func (c *Config) OrchestratorStateDir() string {
	return filepath.Join(c.StateDir, "orchestrator")
}

// LogDir returns the directory for run logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// Validate checks the settings an orchestration run cannot start without.
func (c *Config) Validate() error {
	if c.TrelloAPIKey == "" || c.TrelloToken == "" {
		return fmt.Errorf("TRELLO_API_KEY and TRELLO_TOKEN must be set")
	}
	if c.RepoPath == "" {
		return fmt.Errorf("GIT_REPO_PATH must be set")
	}
	if c.MaxAgents <= 0 {
		return fmt.Errorf("max agents must be > 0, got %d", c.MaxAgents)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0, got %v", c.PollInterval)
	}
	if c.AgentLimit <= 0 {
		return fmt.Errorf("agent limit must be > 0, got %d", c.AgentLimit)
	}
	return nil
}
