package models

import (
	"sort"
	"time"
)

// Run is the persistent state document for one orchestration of a parent
// card. It is owned exclusively by the supervisor and saved after every
// mutation; the state file doubles as the audit trail and is never
// deleted.
type Run struct {
	ID             string `yaml:"id"`
	ParentCardID   string `yaml:"parent_card_id"`
	ParentCardName string `yaml:"parent_card_name"`
	ParentBranch   string `yaml:"parent_branch"`
	// OriginalListID is the list the card came from, used to return it
	// when the run completes.
	OriginalListID  string     `yaml:"original_list_id,omitempty"`
	SubtaskListID   string     `yaml:"subtask_list_id,omitempty"`
	Phase           Phase      `yaml:"phase"`
	Subtasks        []*Subtask `yaml:"subtasks"`
	CreatedAt       time.Time  `yaml:"created_at"`
	UpdatedAt       time.Time  `yaml:"updated_at"`
	LastStatusPost  *time.Time `yaml:"last_status_post,omitempty"`
	StatusPostCount int        `yaml:"status_post_count"`
	// TotalAgentsSpawned counts every pending->running transition over the
	// run's lifetime; it drives the human approval gate.
	TotalAgentsSpawned int `yaml:"total_agents_spawned"`
	// ReviewPerformed bounds the post-execution self-review to once per run.
	ReviewPerformed bool `yaml:"review_performed,omitempty"`
}

// Subtask returns the subtask with the given id, or nil.
func (r *Run) Subtask(id string) *Subtask {
	for _, s := range r.Subtasks {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SubtaskByTitle returns the subtask with the given title, or nil.
func (r *Run) SubtaskByTitle(title string) *Subtask {
	for _, s := range r.Subtasks {
		if s.Title == title {
			return s
		}
	}
	return nil
}

// CompletedTitles returns the titles of all complete subtasks.
func (r *Run) CompletedTitles() map[string]bool {
	done := make(map[string]bool)
	for _, s := range r.Subtasks {
		if s.Status == StatusComplete {
			done[s.Title] = true
		}
	}
	return done
}

// ReadySubtasks returns pending subtasks whose every dependency title is
// complete, sorted by ascending priority; ties keep insertion order.
func (r *Run) ReadySubtasks() []*Subtask {
	done := r.CompletedTitles()
	var ready []*Subtask
	for _, s := range r.Subtasks {
		if s.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority < ready[j].Priority
	})
	return ready
}

// RunningCount returns the number of subtasks currently running.
func (r *Run) RunningCount() int {
	n := 0
	for _, s := range r.Subtasks {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// AllTerminal reports whether every subtask is in a terminal status.
// An empty subtask set is not terminal; the planner rejects empty plans
// before the scheduler ever runs.
func (r *Run) AllTerminal() bool {
	if len(r.Subtasks) == 0 {
		return false
	}
	for _, s := range r.Subtasks {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// CountsByStatus returns the number of subtasks per status.
func (r *Run) CountsByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, s := range r.Subtasks {
		counts[s.Status]++
	}
	return counts
}

// BlockDependents marks every pending subtask that transitively depends
// on the named subtask as blocked. Blocking propagates: a subtask whose
// dependency became blocked is itself blocked.
func (r *Run) BlockDependents(failedTitle string) {
	unavailable := map[string]bool{failedTitle: true}
	for changed := true; changed; {
		changed = false
		for _, s := range r.Subtasks {
			if s.Status != StatusPending && s.Status != StatusReady {
				continue
			}
			for _, dep := range s.Dependencies {
				if unavailable[dep] {
					s.Status = StatusBlocked
					unavailable[s.Title] = true
					changed = true
					break
				}
			}
		}
	}
}

// Touch updates the modification timestamp.
func (r *Run) Touch(now time.Time) {
	r.UpdatedAt = now
}
