package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/harrison/maestro/internal/models"
)

// continuePattern matches the human approval keyword. Deliberately
// permissive: the comment's author is not verified, so anyone with write
// access to the card can resume a paused run.
var continuePattern = regexp.MustCompile(`(?i)\bcontinue\b`)

// limitNoticeHeading identifies the pause notice among the card's
// comments so its id can be recorded.
const limitNoticeHeading = "Agent Limit Reached"

// approvalGate tracks the in-memory pause state. After a restart the
// gate re-arms on the first cycle because the spawn counter is
// persisted, so a lost notice id only means a duplicate notice. Once a
// human approves, the gate stays open for the rest of the process.
type approvalGate struct {
	paused         bool
	approved       bool
	pauseCommentID string
}

// gatePaused enforces the worker limit: once TotalAgentsSpawned reaches
// the configured limit, a one-time notice is posted and no new workers
// start until a human posts a comment containing "continue" after the
// notice. Already-running workers keep executing. Returns true while
// paused.
func (o *Orchestrator) gatePaused(ctx context.Context, run *models.Run) bool {
	if o.gate.approved {
		return false
	}
	if o.gate.paused {
		return !o.humanApprovedContinue(ctx, run)
	}

	if run.TotalAgentsSpawned < o.cfg.AgentLimit {
		return false
	}

	o.gate.paused = true
	notice := fmt.Sprintf(`## %s

The orchestrator has spawned **%d** agents (limit: **%d**).

No new agents will be started until a human replies to this card with a comment containing the word **continue**.

Already-running agents will keep executing.`,
		limitNoticeHeading, run.TotalAgentsSpawned, o.cfg.AgentLimit)
	o.postComment(ctx, run.ParentCardID, notice)

	// Record the posted notice's id so only newer comments count as
	// approval. Comments arrive newest first.
	if comments, err := o.items.GetComments(ctx, run.ParentCardID); err == nil {
		for _, c := range comments {
			if strings.Contains(c.Text, limitNoticeHeading) {
				o.gate.pauseCommentID = c.ID
				break
			}
		}
	} else {
		o.log.Warnf("could not locate pause notice comment: %v", err)
	}

	o.log.Infof("paused: waiting for human 'continue' comment (limit %d reached)", o.cfg.AgentLimit)
	return true
}

// humanApprovedContinue scans comments newer than the pause notice for
// the continue keyword, skipping the orchestrator's own comments.
func (o *Orchestrator) humanApprovedContinue(ctx context.Context, run *models.Run) bool {
	comments, err := o.items.GetComments(ctx, run.ParentCardID)
	if err != nil {
		return false
	}

	for _, c := range comments {
		if c.ID == o.gate.pauseCommentID {
			break
		}
		if strings.Contains(c.Text, BotTag) {
			continue
		}
		if continuePattern.MatchString(c.Text) {
			o.log.Infof("human approved continuation, resuming")
			o.gate.paused = false
			o.gate.approved = true
			o.gate.pauseCommentID = ""
			return true
		}
	}
	return false
}
