package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/maestro/internal/config"
	"github.com/harrison/maestro/internal/filelock"
	"github.com/harrison/maestro/internal/logger"
	"github.com/harrison/maestro/internal/models"
)

// BotTag marks every comment the orchestrator posts. Comment scans skip
// anything carrying it, so the orchestrator never reads its own output
// as human input.
const BotTag = "[orchestrator-bot]"

// statusEveryNCycles is how often the periodic status comment is posted.
const statusEveryNCycles = 5

// stopDrainGrace is added to the worker timeout when waiting for
// in-flight workers after a stop request.
const stopDrainGrace = 60 * time.Second

var slugPattern = regexp.MustCompile(`[^a-z0-9-]+`)

// slugify reduces text to a branch-safe lowercase slug.
func slugify(text string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(text), "-"), "-")
}

// Orchestrator is the supervisor for orchestration runs. One instance
// drives one run at a time; all state mutation happens on the calling
// goroutine, so the persisted document is the single source of truth.
type Orchestrator struct {
	cfg    *config.Config
	items  WorkItems
	host   CodeHost
	git    VCS
	runner WorkerRunner
	store  StateStore
	log    logger.Logger

	pool *workerPool

	stopRequested atomic.Bool
	gate          approvalGate

	// now and sleep are injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New wires an Orchestrator from its ports.
func New(cfg *config.Config, items WorkItems, host CodeHost, git VCS, runner WorkerRunner, store StateStore, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		items:  items,
		host:   host,
		git:    git,
		runner: runner,
		store:  store,
		log:    log,
		pool:   newWorkerPool(),
		now:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// RequestStop asks the supervisor to stop at the next cycle boundary.
// Safe to call from signal handlers and other goroutines.
func (o *Orchestrator) RequestStop() {
	o.stopRequested.Store(true)
}

// RunLocker is implemented by stores that can enforce the
// one-supervisor-per-run rule with an advisory lock.
type RunLocker interface {
	AcquireRunLock(parentCardID string) (*filelock.FileLock, error)
}

// Orchestrate runs the full lifecycle for one parent card: plan,
// execute, merge, open a pull request, and return the card. A persisted
// run for the same card resumes where it left off.
func (o *Orchestrator) Orchestrate(ctx context.Context, cardID string) error {
	if locker, ok := o.store.(RunLocker); ok {
		lock, err := locker.AcquireRunLock(cardID)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				o.log.Warnf("failed to release run lock: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			o.log.Warnf("received signal %v, requesting graceful stop", sig)
			o.RequestStop()
		case <-ctx.Done():
		}
	}()

	run, err := o.store.Load(cardID)
	if err != nil {
		return err
	}

	if run == nil {
		run, err = o.startRun(ctx, cardID)
		if err != nil {
			return err
		}
		if run.Phase == models.PhaseFailed {
			// Planning failed; the run document records why.
			return fmt.Errorf("planning failed for card %s", cardID)
		}
	} else {
		o.log.Infof("resuming orchestration for card %s, phase=%s", cardID, run.Phase)
		if run.Phase.IsAbsorbing() && run.Phase != models.PhaseStopped {
			o.log.Infof("run for card %s is already %s, nothing to do", cardID, run.Phase)
			return nil
		}
		if len(run.Subtasks) == 0 {
			err := fmt.Errorf("resumed run for card %s has no subtasks; planning never finished", cardID)
			o.failRun(ctx, run, err)
			return err
		}
	}

	run.Phase = models.PhaseExecuting
	if err := o.store.Save(run); err != nil {
		return err
	}

	stopped, err := o.executeLoop(ctx, run)
	if err != nil {
		o.failRun(ctx, run, err)
		return err
	}
	if stopped {
		return nil
	}

	o.log.Infof("all subtasks reached terminal state, starting merge")
	if err := o.mergeAll(ctx, run); err != nil {
		// Partial merges are acceptable; record and continue to the PR.
		o.log.Errorf("merge phase error: %v", err)
	}

	prURL := o.createPullRequest(ctx, run)

	o.completeRun(ctx, run)
	if prURL != "" {
		o.postComment(ctx, run.ParentCardID, fmt.Sprintf("**Pull Request created:** %s", prURL))
	}

	o.log.Infof("orchestration complete for %q", run.ParentCardName)
	return nil
}

// startRun creates a new run for a card: plans the subtask DAG, creates
// the parent branch, and materialises the subtask list and cards.
func (o *Orchestrator) startRun(ctx context.Context, cardID string) (*models.Run, error) {
	card, err := o.items.GetCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch parent card %s: %w", cardID, err)
	}

	runID := uuid.NewString()[:12]
	nameFrag := card.Name
	if len(nameFrag) > 30 {
		nameFrag = nameFrag[:30]
	}
	parentBranch := fmt.Sprintf("orch/%s-%s", slugify(nameFrag), runID)

	originalList := card.ListID
	if originalList == o.cfg.TriggerListID {
		originalList = o.cfg.ParkingListID
	}

	now := o.now()
	run := &models.Run{
		ID:             runID,
		ParentCardID:   cardID,
		ParentCardName: card.Name,
		ParentBranch:   parentBranch,
		OriginalListID: originalList,
		Phase:          models.PhasePlanning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Save(run); err != nil {
		return nil, err
	}

	o.log.Infof("decomposing task: %s", card.Name)
	subtasks, err := o.planSubtasks(ctx, card)
	if err != nil {
		run.Phase = models.PhaseFailed
		if saveErr := o.store.Save(run); saveErr != nil {
			o.log.Errorf("failed to persist failed run: %v", saveErr)
		}
		o.postStatus(ctx, run, fmt.Sprintf("**Orchestration error:** %v", err))
		return run, nil
	}
	run.Subtasks = subtasks
	if err := o.store.Save(run); err != nil {
		return nil, err
	}
	o.log.Infof("created %d subtasks", len(subtasks))

	if err := o.git.Fetch(ctx); err != nil {
		o.log.Warnf("fetch before branching failed: %v", err)
	}
	if err := o.git.CreateBranch(ctx, parentBranch, ""); err != nil {
		return nil, fmt.Errorf("failed to create parent branch: %w", err)
	}
	if err := o.git.Push(ctx, parentBranch, ""); err != nil {
		o.log.Warnf("failed to push parent branch %s: %v", parentBranch, err)
	}

	o.createSubtaskCards(ctx, run)
	if err := o.store.Save(run); err != nil {
		return nil, err
	}
	return run, nil
}

// executeLoop is the scheduler: one synchronous poll loop performing a
// fixed sequence of steps each cycle. Returns stopped=true when the run
// ended via a stop request rather than terminal completion.
func (o *Orchestrator) executeLoop(ctx context.Context, run *models.Run) (stopped bool, err error) {
	cycle := 0
	for {
		cycle++
		o.log.Debugf("poll cycle %d", cycle)

		// 1. Stop check.
		if o.shouldStop(ctx, run) {
			o.handleStop(ctx, run)
			return true, nil
		}

		// 2. Harvest completed workers.
		o.harvestWorkers(ctx, run)
		if err := o.store.Save(run); err != nil {
			return false, err
		}

		// 3. Re-plan fresh failures, once per failure. A repeat failure of
		// an already re-planned subtask is cancelled: its dependents block.
		for _, sub := range run.Subtasks {
			if sub.Status != models.StatusFailed {
				continue
			}
			if sub.Replanned {
				run.BlockDependents(sub.Title)
			} else {
				sub.Replanned = true
				o.replanOnFailure(ctx, run, sub)
			}
			if err := o.store.Save(run); err != nil {
				return false, err
			}
		}

		// 4. Terminal check; the self-review may re-open the loop once.
		if run.AllTerminal() {
			if o.reviewWork(ctx, run) {
				o.log.Infof("critical fixes queued, continuing execution loop")
				continue
			}
			return false, nil
		}

		// 5. Approval gate, then 6. fill worker slots.
		if !o.gatePaused(ctx, run) {
			o.fillSlots(ctx, run)
		}

		// 7. Periodic status.
		if cycle%statusEveryNCycles == 0 {
			o.postStatus(ctx, run, "")
			if err := o.store.Save(run); err != nil {
				return false, err
			}
		}

		// 8. Sleep one poll interval.
		o.sleep(ctx, o.cfg.PollInterval)
		if ctx.Err() != nil {
			o.RequestStop()
		}
	}
}

// shouldStop checks the two stop channels: the signal flag and the card
// having been moved off the trigger list. A failed card fetch is not a
// stop; the next cycle retries.
func (o *Orchestrator) shouldStop(ctx context.Context, run *models.Run) bool {
	if o.stopRequested.Load() {
		return true
	}
	if o.cfg.TriggerListID == "" {
		return false
	}
	card, err := o.items.GetCard(ctx, run.ParentCardID)
	if err != nil {
		o.log.Warnf("could not check card list: %v", err)
		return false
	}
	if card.ListID != o.cfg.TriggerListID {
		o.log.Infof("card moved off orchestrator list, stopping")
		return true
	}
	return false
}

// fillSlots starts workers for ready subtasks up to the concurrency cap.
func (o *Orchestrator) fillSlots(ctx context.Context, run *models.Run) {
	slots := o.cfg.MaxAgents - run.RunningCount()
	if slots <= 0 {
		return
	}
	ready := run.ReadySubtasks()
	for _, sub := range ready {
		if slots == 0 {
			break
		}
		// The spawn limit binds mid-fill too: the worker that reaches it
		// is the last one started until a human approves more.
		if !o.gate.approved && run.TotalAgentsSpawned >= o.cfg.AgentLimit {
			break
		}
		if err := o.startWorker(ctx, run, sub); err != nil {
			o.log.Errorf("failed to start worker for %q: %v", sub.Title, err)
			sub.Status = models.StatusFailed
			sub.Error = err.Error()
		}
		slots--
		if err := o.store.Save(run); err != nil {
			o.log.Errorf("failed to persist state after starting worker: %v", err)
		}
	}
}

// startWorker branches off the parent, creates the subtask worktree, and
// submits the worker process to the pool.
func (o *Orchestrator) startWorker(ctx context.Context, run *models.Run, sub *models.Subtask) error {
	branch := fmt.Sprintf("orch/%s-%s", slugify(sub.ID), run.ID[:6])
	if len(branch) > 50 {
		branch = branch[:50]
	}

	if err := o.git.Fetch(ctx); err != nil {
		o.log.Warnf("fetch before subtask branch failed: %v", err)
	}
	if err := o.git.CreateBranch(ctx, branch, run.ParentBranch); err != nil {
		return err
	}
	worktree, err := o.git.CreateWorktree(ctx, branch, sub.ID)
	if err != nil {
		return err
	}

	now := o.now()
	sub.Status = models.StatusRunning
	sub.Branch = branch
	sub.WorktreePath = worktree
	sub.StartedAt = &now
	run.TotalAgentsSpawned++

	o.pool.Submit(o.runner, sub.ID, worktree, subtaskPrompt(run, sub), o.cfg.AgentTimeout)
	o.log.Infof("started agent for %q on %s", sub.Title, branch)
	return nil
}

// harvestWorkers applies the results of finished workers: running →
// complete or failed, branch push and child-card summary on success,
// error report on failure. Worktrees stay for the merger.
func (o *Orchestrator) harvestWorkers(ctx context.Context, run *models.Run) {
	for _, f := range o.pool.HarvestDone() {
		sub := run.Subtask(f.subtaskID)
		if sub == nil {
			continue
		}

		now := o.now()
		sub.CompletedAt = &now

		if f.result.Success {
			sub.Status = models.StatusComplete
			sub.SetResultSummary(f.result.Output)
			o.log.Infof("agent completed: %q", sub.Title)

			if sub.Branch != "" && sub.WorktreePath != "" {
				if err := o.git.Push(ctx, sub.Branch, sub.WorktreePath); err != nil {
					o.log.Warnf("failed to push %s: %v", sub.Branch, err)
				} else {
					o.log.Infof("pushed branch %s", sub.Branch)
				}
			}
			if sub.CardID != "" {
				excerpt := f.result.Output
				if len(excerpt) > 2000 {
					excerpt = excerpt[:2000]
				}
				o.postComment(ctx, sub.CardID,
					fmt.Sprintf("**Agent completed successfully.**\n\n```\n%s\n```", excerpt))
			}
		} else {
			sub.Status = models.StatusFailed
			sub.Error = orUnknown(f.result.Error)
			o.log.Errorf("agent failed: %q: %s", sub.Title, sub.Error)

			if sub.CardID != "" {
				excerpt := f.result.Output
				if len(excerpt) > 2000 {
					excerpt = excerpt[:2000]
				}
				o.postComment(ctx, sub.CardID,
					fmt.Sprintf("**Agent FAILED.**\n\nError: %s\n\n```\n%s\n```", sub.Error, excerpt))
			}
		}
	}
}

// handleStop drains in-flight workers (bounded), harvests one last time,
// and leaves worktrees intact for inspection.
func (o *Orchestrator) handleStop(ctx context.Context, run *models.Run) {
	run.Phase = models.PhaseStopped
	if err := o.store.Save(run); err != nil {
		o.log.Errorf("failed to persist stopped run: %v", err)
	}

	if o.pool.Len() > 0 {
		o.log.Infof("waiting for %d active agents to finish", o.pool.Len())
		o.pool.Wait(o.cfg.AgentTimeout + stopDrainGrace)
		o.harvestWorkers(ctx, run)
		if err := o.store.Save(run); err != nil {
			o.log.Errorf("failed to persist state after drain: %v", err)
		}
	}

	o.postStatus(ctx, run,
		"**Orchestration stopped by user.** Worktrees left intact for manual inspection.")
}

// failRun transitions the run to the absorbing failed phase.
func (o *Orchestrator) failRun(ctx context.Context, run *models.Run, cause error) {
	run.Phase = models.PhaseFailed
	if err := o.store.Save(run); err != nil {
		o.log.Errorf("failed to persist failed run: %v", err)
	}
	o.log.Errorf("orchestration failed: %v", cause)
	o.postStatus(ctx, run, fmt.Sprintf("**Orchestration error:** %v", cause))
}

// completeRun posts the final summary and returns the card to its
// original list.
func (o *Orchestrator) completeRun(ctx context.Context, run *models.Run) {
	run.Phase = models.PhaseComplete
	if err := o.store.Save(run); err != nil {
		o.log.Errorf("failed to persist completed run: %v", err)
	}

	counts := run.CountsByStatus()
	final := fmt.Sprintf(`## Orchestration Complete

- **Completed subtasks:** %d
- **Failed subtasks:** %d
- **Total agents spawned:** %d
- **Branch:** `+"`%s`",
		counts[models.StatusComplete], counts[models.StatusFailed],
		run.TotalAgentsSpawned, run.ParentBranch)
	o.postStatus(ctx, run, final)

	if run.OriginalListID != "" {
		if err := o.items.MoveCard(ctx, run.ParentCardID, run.OriginalListID); err != nil {
			o.log.Warnf("could not move card back: %v", err)
		} else {
			o.log.Infof("moved card back to list %s", run.OriginalListID)
		}
	}
}

// createPullRequest opens the PR for the parent branch; without a
// configured code host it logs and skips.
func (o *Orchestrator) createPullRequest(ctx context.Context, run *models.Run) string {
	run.Phase = models.PhaseReviewing
	if err := o.store.Save(run); err != nil {
		o.log.Errorf("failed to persist reviewing phase: %v", err)
	}

	if !o.host.Configured() {
		o.log.Infof("no code host token configured, skipping PR creation")
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Orchestrated Implementation: %s\n\n### Completed Subtasks\n", run.ParentCardName)
	for _, s := range run.Subtasks {
		if s.Merged {
			fmt.Fprintf(&sb, "- %s\n", s.Title)
		}
	}
	fmt.Fprintf(&sb, "\n*Auto-generated by the orchestrator. Run ID: %s*", run.ID)

	title := run.ParentCardName
	if len(title) > 60 {
		title = title[:60]
	}
	url, err := o.host.CreatePullRequest(ctx, "[Orchestrated] "+title, sb.String(), run.ParentBranch)
	if err != nil {
		o.log.Errorf("PR creation error: %v", err)
		return ""
	}
	o.log.Infof("PR created: %s", url)
	return url
}

// postComment posts a bot-tagged markdown comment. Posting is best
// effort; failures are logged and the caller proceeds.
func (o *Orchestrator) postComment(ctx context.Context, cardID, body string) {
	if cardID == "" {
		return
	}
	if err := o.items.AddComment(ctx, cardID, BotTag+"\n"+body); err != nil {
		o.log.Warnf("failed to post comment to card %s: %v", cardID, err)
	}
}
