package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/harrison/maestro/internal/models"
)

// resolveTimeout bounds the conflict-resolution worker during merge.
const resolveTimeout = 300 * time.Second

// mergeAll merges every completed, unmerged subtask branch into the
// parent branch in ascending priority order, so foundational changes
// land before the integration tasks that expect them. A branch whose
// conflicts cannot be cleared is skipped: the subtask stays complete
// with merged=false and is never re-queued — the run proceeds with
// partial results.
func (o *Orchestrator) mergeAll(ctx context.Context, run *models.Run) error {
	run.Phase = models.PhaseMerging
	if err := o.store.Save(run); err != nil {
		return err
	}

	worktree, err := o.git.CreateWorktree(ctx, run.ParentBranch, "merge-"+run.ID[:8])
	if err != nil {
		return fmt.Errorf("failed to create merge worktree: %w", err)
	}
	o.git.Pull(ctx, run.ParentBranch, worktree)

	var pending []*models.Subtask
	for _, s := range run.Subtasks {
		if s.Status == models.StatusComplete && s.Branch != "" && !s.Merged {
			pending = append(pending, s)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority < pending[j].Priority
	})

	for _, sub := range pending {
		o.log.Infof("merging branch %s", sub.Branch)
		if _, err := o.git.MergeBranch(ctx, sub.Branch, worktree); err != nil {
			o.log.Errorf("merge of %s errored: %v", sub.Branch, err)
			continue
		}

		conflicted, err := o.git.HasConflicts(ctx, worktree)
		if err != nil {
			o.log.Errorf("conflict check for %s errored: %v", sub.Branch, err)
			o.git.AbortMerge(ctx, worktree)
			continue
		}

		if conflicted {
			o.log.Warnf("merge conflict on %s, attempting auto-resolution", sub.Branch)
			result := o.runner.Run(ctx, worktree, resolveConflictsPrompt, resolveTimeout)
			stillConflicted := true
			if result.Success {
				if c, err := o.git.HasConflicts(ctx, worktree); err == nil {
					stillConflicted = c
				}
			}
			if stillConflicted {
				o.git.AbortMerge(ctx, worktree)
				o.log.Warnf("could not resolve conflicts for %s, skipping", sub.Branch)
				continue
			}
			if err := o.git.CommitAll(ctx, worktree,
				fmt.Sprintf("Resolved merge conflicts for %s", sub.Branch)); err != nil {
				o.log.Errorf("conflict commit for %s failed: %v", sub.Branch, err)
				o.git.AbortMerge(ctx, worktree)
				continue
			}
			o.log.Infof("conflicts resolved for %s", sub.Branch)
		} else {
			o.log.Infof("merged %s cleanly", sub.Branch)
		}

		sub.Merged = true
		if sub.WorktreePath != "" {
			o.git.RemoveWorktree(ctx, sub.WorktreePath)
		}
		if err := o.store.Save(run); err != nil {
			o.log.Errorf("failed to persist merge progress: %v", err)
		}
	}

	if err := o.git.Push(ctx, run.ParentBranch, worktree); err != nil {
		o.log.Errorf("failed to push parent branch: %v", err)
	}
	o.git.RemoveWorktree(ctx, worktree)
	return o.store.Save(run)
}
