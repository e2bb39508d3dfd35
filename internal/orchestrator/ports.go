// Package orchestrator contains the orchestration engine: a supervisor
// that decomposes a parent card into a dependency graph of subtasks,
// executes them through parallel coding workers in isolated git
// worktrees, re-plans failures, self-reviews the combined result, merges
// completed branches, and opens a pull request.
//
// The package depends on its collaborators through narrow interfaces so
// the scheduler can be exercised end to end with in-memory fakes:
//
//	Card → Planner → Run state → scheduler loop → workers → Re-Planner
//	     → Reviewer → Merger → pull request → card returned
package orchestrator

import (
	"context"
	"time"

	"github.com/harrison/maestro/internal/agent"
	"github.com/harrison/maestro/internal/gitvcs"
	"github.com/harrison/maestro/internal/models"
	"github.com/harrison/maestro/internal/trello"
)

// WorkItems is the work-item port over the card tracker. Calls are not
// retried here; a failed poll is tolerated and retried next cycle.
type WorkItems interface {
	GetCard(ctx context.Context, cardID string) (*trello.Card, error)
	GetCardsOnList(ctx context.Context, listID string) ([]trello.Card, error)
	GetAttachments(ctx context.Context, cardID string) ([]trello.Attachment, error)
	AddComment(ctx context.Context, cardID, text string) error
	GetComments(ctx context.Context, cardID string) ([]trello.Comment, error)
	MoveCard(ctx context.Context, cardID, listID string) error
	CreateList(ctx context.Context, boardID, name string) (*trello.List, error)
	CreateCard(ctx context.Context, listID, name, desc string) (*trello.Card, error)
}

// CodeHost is the code-hosting port, reduced to pull-request creation.
type CodeHost interface {
	Configured() bool
	CreatePullRequest(ctx context.Context, title, description, sourceBranch string) (string, error)
}

// VCS is the version-control port.
type VCS interface {
	RepoPath() string
	Fetch(ctx context.Context) error
	CreateBranch(ctx context.Context, name, start string) error
	DeleteBranch(ctx context.Context, name string)
	CreateWorktree(ctx context.Context, branch, label string) (string, error)
	RemoveWorktree(ctx context.Context, path string)
	MergeBranch(ctx context.Context, branch, worktree string) (gitvcs.CmdResult, error)
	HasConflicts(ctx context.Context, worktree string) (bool, error)
	AbortMerge(ctx context.Context, worktree string)
	CheckoutTheirs(ctx context.Context, worktree string) error
	CommitAll(ctx context.Context, worktree, message string) error
	Push(ctx context.Context, branch, worktree string) error
	Pull(ctx context.Context, branch, worktree string)
}

// WorkerRunner is the worker port: spawn one opaque coding worker
// process in a directory and report how it exited.
type WorkerRunner interface {
	Run(ctx context.Context, dir, prompt string, timeout time.Duration) agent.Result
}

// StateStore persists one Run document per parent card.
type StateStore interface {
	Load(parentCardID string) (*models.Run, error)
	Save(run *models.Run) error
}
