package orchestrator

import (
	"fmt"
	"strings"

	"github.com/harrison/maestro/internal/models"
)

// decompositionPrompt asks a worker to split the parent card into 3-8
// subtasks that parallel workers can implement on independent branches.
func decompositionPrompt(cardName, cardDesc, attachmentsInfo string) string {
	var sb strings.Builder
	sb.WriteString("You are a software architect. Decompose the following task ")
	sb.WriteString("into 3-8 independently executable subtasks for parallel coding agents.\n\n")
	fmt.Fprintf(&sb, "TASK TITLE: %s\n\n", cardName)
	fmt.Fprintf(&sb, "TASK DESCRIPTION:\n%s\n\n", cardDesc)
	if attachmentsInfo != "" {
		fmt.Fprintf(&sb, "ATTACHMENTS INFO:\n%s\n\n", attachmentsInfo)
	}
	sb.WriteString(`Return ONLY a JSON array of subtask objects. Each object must have these fields:
- "id": a short unique slug (e.g. "setup-auth")
- "title": concise subtask title
- "description": a complete, standalone prompt for a coding agent — include ALL context needed so the agent can work without seeing other subtasks
- "dependencies": list of other subtask titles this depends on (empty list if none)
- "estimated_files": list of file paths this subtask will likely touch
- "priority": integer (1 = highest). Same priority means tasks can run in parallel.

Rules:
- Make each subtask independently implementable in its own git branch
- Minimise file overlap between subtasks to avoid merge conflicts
- Include concrete file paths and clear acceptance criteria in each description
- Specify dependencies between subtasks by title
- Always include a final integration/testing subtask that depends on all others
- Return ONLY the JSON array, no markdown fences, no explanation`)
	return sb.String()
}

// fixJSONPrompt asks a second worker to repair malformed planner output.
func fixJSONPrompt(raw string) string {
	return "The following text was supposed to be a JSON array of subtask objects " +
		"but it has syntax errors. Fix it and return ONLY the corrected JSON array, " +
		"nothing else:\n\n" + raw
}

// subtaskPrompt is the full prompt handed to a coding worker for one
// subtask. The description is standalone; the surrounding sections add
// the parent context and the branch discipline.
func subtaskPrompt(run *models.Run, sub *models.Subtask) string {
	files := strings.Join(sub.EstimatedFiles, ", ")
	if files == "" {
		files = "Determine from the description."
	}
	return fmt.Sprintf(`You are one of several coding agents working on a larger task.

## Parent Task
**%s**

## Your Subtask: %s

%s

## Target Files
%s

## Instructions
- Only implement what is described above.
- Commit your changes with a message prefixed with [%s].
- Do NOT push to remote.
`, run.ParentCardName, sub.Title, sub.Description, files, sub.Title)
}

// replanPrompt summarises the run for the re-planning worker deciding
// retry / bridge / cancel for a failed subtask.
func replanPrompt(run *models.Run, failed *models.Subtask) string {
	var completed, pending []string
	for _, s := range run.Subtasks {
		switch s.Status {
		case models.StatusComplete:
			completed = append(completed, s.Title)
		case models.StatusPending, models.StatusReady:
			pending = append(pending, s.Title)
		}
	}
	join := func(items []string) string {
		if len(items) == 0 {
			return "none"
		}
		return strings.Join(items, ", ")
	}

	return fmt.Sprintf(`A subtask in an automated code orchestration failed.

Completed tasks: %s
Failed task: %s
Error: %s
Pending tasks: %s

Original parent task: %s

Decide ONE of:
1. RETRY — provide modified instructions for the failed task
2. BRIDGE — provide 1-2 new bridging subtasks that work around the failure
3. CANCEL — cancel all downstream dependents of the failed task

Return ONLY a JSON object (no markdown fences) with:
- "action": "retry" | "bridge" | "cancel"
- "modified_instructions": string (only for retry)
- "new_tasks": array of subtask objects (only for bridge). Each object needs: "id", "title", "description", "dependencies", "estimated_files", "priority"
- "reason": brief explanation`,
		join(completed), failed.Title, orUnknown(failed.Error), join(pending), run.ParentCardName)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// resolveConflictsPrompt drives the worker that clears merge conflict
// markers during the merge phase.
const resolveConflictsPrompt = "Resolve ALL git merge conflict markers in this repository. " +
	"Look at every file with conflict markers (<<<<<<< ======= >>>>>>>) " +
	"and produce a clean resolution that preserves the intent of both sides. " +
	"Stage the resolved files with git add."

// reviewPrompt restricts the post-execution review to critical defects
// only; style and minor issues are explicitly out of scope.
func reviewPrompt(run *models.Run, completed []*models.Subtask) string {
	var lines []string
	for _, s := range completed {
		lines = append(lines, fmt.Sprintf("- %s: branch=%s, files=%s",
			s.Title, s.Branch, strings.Join(s.EstimatedFiles, ", ")))
	}

	return fmt.Sprintf(`You are a senior code reviewer. You are inside a git worktree that contains the merged output of several coding agents.

## Parent Task
%s

## Completed Subtasks
%s

## Your Job
1. Use `+"`git log --oneline`"+` and `+"`git diff HEAD~%d`"+` to inspect what the agents changed.
2. Look for VERY CRITICAL problems ONLY:
   - Broken imports or syntax errors that prevent the project from running
   - Security vulnerabilities (credentials leaked, SQL injection, etc.)
   - Completely missing implementations (function stubs left empty when they should have been filled)
   - Logic that is the exact opposite of what was requested
3. Do NOT flag style issues, minor bugs, missing tests, or improvements. Those are not critical.

## Output
Return ONLY a JSON object (no markdown fences):
{"critical": false} if no very critical problems were found.
OR
{"critical": true, "issues": [{"title": "short-slug", "description": "Complete standalone prompt for a coding agent to fix this issue. Include file paths and exact problem.", "estimated_files": ["path/to/file"], "priority": 1}]}
Remember: only VERY CRITICAL issues. When in doubt, it is fine.`,
		run.ParentCardName, strings.Join(lines, "\n"), len(completed))
}
