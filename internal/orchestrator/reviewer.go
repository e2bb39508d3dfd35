package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/maestro/internal/models"
	"github.com/harrison/maestro/internal/parser"
)

// reviewTimeout bounds the review worker.
const reviewTimeout = 300 * time.Second

// reviewWork merges every completed branch into a throwaway review
// branch and delegates a critical-defects-only review to a worker.
// Returns true when critical issues were converted into new pending
// subtasks and the scheduling loop should continue. The review fires at
// most once per run; every parse or worker failure counts as acceptance
// so a flaky reviewer never blocks the merge.
func (o *Orchestrator) reviewWork(ctx context.Context, run *models.Run) bool {
	if run.ReviewPerformed {
		return false
	}

	var completed []*models.Subtask
	for _, s := range run.Subtasks {
		if s.Status == models.StatusComplete {
			completed = append(completed, s)
		}
	}
	if len(completed) == 0 {
		return false
	}

	run.ReviewPerformed = true

	reviewBranch := fmt.Sprintf("orch/review-%s-%s", run.ID[:8], uuid.NewString()[:4])
	if err := o.git.Fetch(ctx); err != nil {
		o.log.Warnf("fetch before review failed: %v", err)
	}
	if err := o.git.CreateBranch(ctx, reviewBranch, run.ParentBranch); err != nil {
		o.log.Warnf("could not create review branch: %v", err)
		return false
	}
	worktree, err := o.git.CreateWorktree(ctx, reviewBranch, "review-"+run.ID[:8])
	if err != nil {
		o.log.Warnf("could not create review worktree: %v", err)
		o.git.DeleteBranch(ctx, reviewBranch)
		return false
	}

	// This merge is discarded, so conflicts are auto-resolved with
	// "theirs" as a last resort rather than delegated to a worker.
	for _, s := range completed {
		if s.Branch == "" {
			continue
		}
		if _, err := o.git.MergeBranch(ctx, s.Branch, worktree); err != nil {
			o.log.Warnf("review merge of %s errored: %v", s.Branch, err)
		}
		if conflicted, err := o.git.HasConflicts(ctx, worktree); err == nil && conflicted {
			if err := o.git.CheckoutTheirs(ctx, worktree); err != nil {
				o.log.Warnf("review conflict auto-resolution failed: %v", err)
			}
			if err := o.git.CommitAll(ctx, worktree,
				fmt.Sprintf("Auto-resolved conflicts for review of %s", s.Branch)); err != nil {
				o.log.Warnf("review conflict commit failed: %v", err)
			}
		}
	}

	o.log.Infof("delegating post-execution review to agent")
	result := o.runner.Run(ctx, worktree, reviewPrompt(run, completed), reviewTimeout)

	o.git.RemoveWorktree(ctx, worktree)
	o.git.DeleteBranch(ctx, reviewBranch)

	if !result.Success {
		o.log.Warnf("review agent failed, proceeding to merge anyway")
		return false
	}

	verdict, err := parser.ParseReviewVerdict(result.Output)
	if err != nil {
		o.log.Warnf("review agent returned no usable JSON (%v), proceeding to merge", err)
		return false
	}
	if !verdict.Critical {
		o.log.Infof("review passed, no critical issues found")
		return false
	}
	if len(verdict.Issues) == 0 {
		o.log.Warnf("review flagged critical but gave no issues, proceeding to merge")
		return false
	}

	o.log.Infof("review found %d critical issue(s), creating fix subtasks", len(verdict.Issues))
	for _, issue := range verdict.Issues {
		title := issue.Title
		if title == "" {
			title = uuid.NewString()[:6]
		}
		priority := 1
		if issue.Priority != nil {
			priority = *issue.Priority
		}
		fix := &models.Subtask{
			ID:             "fix-" + title,
			Title:          title,
			Description:    issue.Description,
			EstimatedFiles: issue.EstimatedFiles,
			Priority:       priority,
			Status:         models.StatusPending,
		}
		run.Subtasks = append(run.Subtasks, fix)
		o.createSubtaskCard(ctx, run, fix)
	}

	o.postStatus(ctx, run, fmt.Sprintf(
		"**Post-execution review found %d critical issue(s).** Spawning fix agents…", len(verdict.Issues)))
	if err := o.store.Save(run); err != nil {
		o.log.Errorf("failed to persist review fixes: %v", err)
	}
	return true
}
