package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/maestro/internal/models"
	"github.com/harrison/maestro/internal/parser"
	"github.com/harrison/maestro/internal/trello"
)

// plannerTimeout bounds the decomposition worker.
const plannerTimeout = 300 * time.Second

// fixerTimeout bounds the second, JSON-repair worker call.
const fixerTimeout = 120 * time.Second

// planSubtasks produces the validated subtask DAG for a card. A fenced
// JSON plan embedded in the card description wins over delegating to a
// planning worker. Validation failures are not repaired silently; the
// run fails with the reason.
func (o *Orchestrator) planSubtasks(ctx context.Context, card *trello.Card) ([]*models.Subtask, error) {
	if raw, ok := parser.InlinePlan(card.Desc); ok {
		o.log.Infof("card carries an inline plan, skipping decomposition agent")
		subtasks, err := parser.ParseSubtaskArray(raw)
		if err != nil {
			return nil, fmt.Errorf("inline plan is invalid: %w", err)
		}
		if err := models.ValidateSubtasks(subtasks); err != nil {
			return nil, fmt.Errorf("inline plan is invalid: %w", err)
		}
		return subtasks, nil
	}

	attachments := o.attachmentsSummary(ctx, card.ID)

	o.log.Infof("delegating task decomposition to agent")
	result := o.runner.Run(ctx, o.git.RepoPath(),
		decompositionPrompt(card.Name, card.Desc, attachments), plannerTimeout)
	if !result.Success {
		return nil, fmt.Errorf("decomposition agent failed: %s", orUnknown(result.Error))
	}

	subtasks, err := parser.ParseSubtaskArray(result.Output)
	if err != nil {
		// One repair attempt: a second worker whose only job is to return
		// valid JSON for the malformed output.
		o.log.Warnf("planner output malformed (%v), delegating JSON repair", err)
		fixed := o.runner.Run(ctx, o.git.RepoPath(), fixJSONPrompt(result.Output), fixerTimeout)
		if !fixed.Success {
			return nil, fmt.Errorf("JSON repair agent failed: %s", orUnknown(fixed.Error))
		}
		subtasks, err = parser.ParseSubtaskArray(fixed.Output)
		if err != nil {
			return nil, fmt.Errorf("planner output unparseable after repair: %w", err)
		}
	}

	if err := models.ValidateSubtasks(subtasks); err != nil {
		return nil, fmt.Errorf("planner output invalid: %w", err)
	}
	return subtasks, nil
}

// attachmentsSummary returns one "- name (mimeType)" line per attachment
// for the decomposition prompt. Attachment bodies are never fetched.
func (o *Orchestrator) attachmentsSummary(ctx context.Context, cardID string) string {
	atts, err := o.items.GetAttachments(ctx, cardID)
	if err != nil {
		o.log.Warnf("could not fetch attachments: %v", err)
		return ""
	}
	var lines []string
	for _, a := range atts {
		mime := a.MimeType
		if mime == "" {
			mime = "?"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s)", a.Name, mime))
	}
	return strings.Join(lines, "\n")
}

// createSubtaskCards creates the run's child list and one card per
// subtask, then posts the plan summary to the parent card. Card creation
// failures are logged; scheduling does not depend on child cards.
func (o *Orchestrator) createSubtaskCards(ctx context.Context, run *models.Run) {
	name := run.ParentCardName
	if len(name) > 40 {
		name = name[:40]
	}
	list, err := o.items.CreateList(ctx, o.cfg.BoardID, "🤖 Agents: "+name)
	if err != nil {
		o.log.Warnf("could not create subtask list: %v", err)
	} else {
		run.SubtaskListID = list.ID
		for _, sub := range run.Subtasks {
			o.createSubtaskCard(ctx, run, sub)
		}
	}

	var sb strings.Builder
	sb.WriteString("## 🤖 Orchestration Plan\n\n")
	for i, sub := range run.Subtasks {
		deps := strings.Join(sub.Dependencies, ", ")
		if deps == "" {
			deps = "none"
		}
		fmt.Fprintf(&sb, "%d. **%s** (priority %d, deps: %s)\n", i+1, sub.Title, sub.Priority, deps)
	}
	sb.WriteString("\n> Move this card off the orchestrator list to halt execution.")
	o.postComment(ctx, run.ParentCardID, sb.String())
}

// createSubtaskCard materialises one subtask as a child card.
func (o *Orchestrator) createSubtaskCard(ctx context.Context, run *models.Run, sub *models.Subtask) {
	if run.SubtaskListID == "" {
		return
	}
	deps := strings.Join(sub.Dependencies, ", ")
	if deps == "" {
		deps = "None"
	}
	files := strings.Join(sub.EstimatedFiles, ", ")
	if files == "" {
		files = "TBD"
	}
	body := fmt.Sprintf("**Subtask:** %s\n\n**Priority:** %d\n**Dependencies:** %s\n**Target files:** %s\n\n---\n\n%s",
		sub.Title, sub.Priority, deps, files, sub.Description)

	card, err := o.items.CreateCard(ctx, run.SubtaskListID, sub.Title, body)
	if err != nil {
		o.log.Warnf("could not create card for subtask %q: %v", sub.Title, err)
		return
	}
	sub.CardID = card.ID
}
