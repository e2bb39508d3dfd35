package orchestrator

import (
	"context"
	"time"

	"github.com/harrison/maestro/internal/models"
	"github.com/harrison/maestro/internal/parser"
)

// replanTimeout bounds the re-planning worker.
const replanTimeout = 300 * time.Second

// maxBridgeTasks caps how many bridging subtasks one failure may add.
const maxBridgeTasks = 2

// replanOnFailure delegates the retry / bridge / cancel decision for a
// failed subtask to a worker. Any worker failure, missing JSON, or
// schema violation defaults to cancel: the failed task's transitive
// dependents are blocked and the run proceeds with what remains. The
// caller has already set the subtask's replanned flag, so a second
// failure of the same subtask is cancelled implicitly.
func (o *Orchestrator) replanOnFailure(ctx context.Context, run *models.Run, failed *models.Subtask) {
	dir := failed.WorktreePath
	if dir == "" {
		dir = o.git.RepoPath()
	}

	o.log.Infof("delegating re-plan for %q to agent", failed.Title)
	result := o.runner.Run(ctx, dir, replanPrompt(run, failed), replanTimeout)
	if !result.Success {
		o.log.Warnf("re-plan agent failed, cancelling dependents of %q", failed.Title)
		run.BlockDependents(failed.Title)
		return
	}

	decision, err := parser.ParseReplanDecision(result.Output)
	if err != nil {
		o.log.Warnf("could not parse re-plan response (%v), cancelling dependents", err)
		run.BlockDependents(failed.Title)
		return
	}

	switch decision.Action {
	case models.ReplanRetry:
		if decision.ModifiedInstructions != "" {
			failed.Description = decision.ModifiedInstructions
		}
		failed.Status = models.StatusPending
		failed.Error = ""
		o.log.Infof("retrying task %q with modified instructions", failed.Title)

	case models.ReplanBridge:
		o.applyBridge(ctx, run, failed, decision)

	default: // cancel
		run.BlockDependents(failed.Title)
		o.log.Infof("cancelled dependents of %q", failed.Title)
	}
}

// applyBridge appends validated bridging subtasks to the DAG and blocks
// the failed task's dependents. A bridge set that breaks DAG validity
// degrades to cancel.
func (o *Orchestrator) applyBridge(ctx context.Context, run *models.Run, failed *models.Subtask, decision *parser.ReplanDecision) {
	newTasks := decision.NewTasks
	if len(newTasks) > maxBridgeTasks {
		o.log.Warnf("re-plan proposed %d bridge tasks, keeping %d", len(newTasks), maxBridgeTasks)
		newTasks = newTasks[:maxBridgeTasks]
	}
	if len(newTasks) == 0 {
		run.BlockDependents(failed.Title)
		return
	}

	var bridges []*models.Subtask
	for i := range newTasks {
		bridges = append(bridges, newTasks[i].ToSubtask())
	}

	candidate := append(append([]*models.Subtask{}, run.Subtasks...), bridges...)
	if err := models.ValidateSubtasks(candidate); err != nil {
		o.log.Warnf("bridge tasks invalid (%v), cancelling dependents instead", err)
		run.BlockDependents(failed.Title)
		return
	}

	run.Subtasks = candidate
	for _, b := range bridges {
		o.createSubtaskCard(ctx, run, b)
	}
	run.BlockDependents(failed.Title)
	o.log.Infof("added %d bridging tasks, blocked dependents of %q", len(bridges), failed.Title)
}
