package models

import "time"

// resultSummaryLimit caps the stored output excerpt for a completed
// subtask; the child card receives a longer excerpt (up to 2000 bytes).
const resultSummaryLimit = 500

// Subtask is one unit of coding work assigned to one worker. Dependencies
// reference sibling subtasks by title.
type Subtask struct {
	ID             string     `yaml:"id"`
	Title          string     `yaml:"title"`
	Description    string     `yaml:"description"`
	Dependencies   []string   `yaml:"dependencies,omitempty"`
	EstimatedFiles []string   `yaml:"estimated_files,omitempty"`
	Priority       int        `yaml:"priority"`
	Status         TaskStatus `yaml:"status"`
	CardID         string     `yaml:"card_id,omitempty"`
	Branch         string     `yaml:"branch,omitempty"`
	WorktreePath   string     `yaml:"worktree_path,omitempty"`
	StartedAt      *time.Time `yaml:"started_at,omitempty"`
	CompletedAt    *time.Time `yaml:"completed_at,omitempty"`
	ResultSummary  string     `yaml:"result_summary,omitempty"`
	Error          string     `yaml:"error,omitempty"`
	Merged         bool       `yaml:"merged,omitempty"`
	// Replanned is set the first time this subtask's failure is handed to
	// the re-planner and is never cleared, so a second failure of the same
	// subtask is not re-planned again.
	Replanned bool `yaml:"replanned,omitempty"`
}

// SetResultSummary stores a truncated excerpt of the worker output.
func (s *Subtask) SetResultSummary(output string) {
	if len(output) > resultSummaryLimit {
		output = output[:resultSummaryLimit]
	}
	s.ResultSummary = output
}
