package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/maestro/internal/agent"
	"github.com/harrison/maestro/internal/models"
)

// TestLinearPlanRunsToCompletion covers the happy path: a two-task chain
// is planned, executed in dependency order, merged low priority first,
// and finished with a pull request.
func TestLinearPlanRunsToCompletion(t *testing.T) {
	env := newTestEnv(t, "build the exporter")
	plan := planJSON(
		subtaskJSON("a", "A", 1),
		subtaskJSON("b", "B", 2, "A"),
	)
	env.runner.handler = defaultHandler(plan)

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.PhaseComplete, run.Phase)

	// Subtask order respects the dependency: A ran before B.
	subtaskRuns := env.runner.kindCalls("subtask")
	require.Len(t, subtaskRuns, 2)
	assert.Equal(t, "A", subtaskRuns[0].title)
	assert.Equal(t, "B", subtaskRuns[1].title)
	assert.Equal(t, 2, run.TotalAgentsSpawned)

	for _, sub := range run.Subtasks {
		assert.Equal(t, models.StatusComplete, sub.Status)
		assert.True(t, sub.Merged, "subtask %s should be merged", sub.Title)
		assert.NotEmpty(t, sub.Branch)
	}

	// Merge order is ascending priority.
	merges := env.vcs.mergerMerges()
	require.Len(t, merges, 2)
	assert.Equal(t, run.Subtask("a").Branch, merges[0])
	assert.Equal(t, run.Subtask("b").Branch, merges[1])

	// Parent branch pushed and PR posted.
	var parentPushed bool
	for _, p := range env.vcs.pushes {
		if p.branch == run.ParentBranch {
			parentPushed = true
		}
	}
	assert.True(t, parentPushed)
	require.Len(t, env.host.created, 1)
	assert.Contains(t, env.host.created[0], run.ParentBranch)

	var prComment bool
	for _, c := range env.items.parentComments() {
		if strings.Contains(c.Text, "Pull Request created") {
			prComment = true
		}
	}
	assert.True(t, prComment)

	// Card returned to its original list.
	assert.Contains(t, env.items.moves, testCardID+"->list-parking")
}

// TestEveryBotCommentCarriesMarker asserts the bot marker leads every
// comment the orchestrator posts.
func TestEveryBotCommentCarriesMarker(t *testing.T) {
	env := newTestEnv(t, "desc")
	env.runner.handler = defaultHandler(planJSON(subtaskJSON("a", "A", 1)))

	require.NoError(t, runOrchestrate(t, env))

	comments := env.items.parentComments()
	require.NotEmpty(t, comments)
	for _, c := range comments {
		assert.True(t, strings.HasPrefix(c.Text, BotTag+"\n"),
			"comment does not start with the bot marker: %.60s", c.Text)
	}
}

// TestRetryAfterFailure covers the re-planner's retry path: the failed
// task's prompt is replaced and it runs again.
func TestRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t, "desc")
	plan := planJSON(subtaskJSON("a", "A", 1), subtaskJSON("b", "B", 2, "A"))

	attempts := map[string]int{}
	env.runner.handler = func(call runnerCall) agent.Result {
		switch call.kind {
		case "plan":
			return agent.Result{Success: true, Output: plan}
		case "replan":
			return agent.Result{Success: true, Output: `{"action":"retry","modified_instructions":"X","reason":"transient"}`}
		case "review":
			return agent.Result{Success: true, Output: `{"critical": false}`}
		case "subtask":
			attempts[call.title]++
			if call.title == "A" && attempts["A"] == 1 {
				return agent.Result{Success: false, Error: "exit status 1"}
			}
			return agent.Result{Success: true, Output: "done"}
		}
		return agent.Result{Success: true}
	}

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)

	a := run.Subtask("a")
	assert.Equal(t, models.StatusComplete, a.Status)
	assert.Equal(t, "X", a.Description, "retry replaces the prompt")
	assert.True(t, a.Replanned)
	assert.Empty(t, a.Error)
	assert.Equal(t, 2, attempts["A"])

	assert.Equal(t, models.StatusComplete, run.Subtask("b").Status)
	assert.Equal(t, 3, run.TotalAgentsSpawned, "spawn counter counts the retry")
}

// TestCancelBlocksDependents covers the cancel path: the failed task's
// dependents are blocked and the merge proceeds over the survivors.
func TestCancelBlocksDependents(t *testing.T) {
	env := newTestEnv(t, "desc")
	plan := planJSON(
		subtaskJSON("a", "A", 1),
		subtaskJSON("b", "B", 1),
		subtaskJSON("c", "C", 2, "A", "B"),
	)
	env.runner.handler = func(call runnerCall) agent.Result {
		switch call.kind {
		case "plan":
			return agent.Result{Success: true, Output: plan}
		case "replan":
			return agent.Result{Success: true, Output: `{"action":"cancel","reason":"not worth it"}`}
		case "review":
			return agent.Result{Success: true, Output: `{"critical": false}`}
		case "subtask":
			if call.title == "B" {
				return agent.Result{Success: false, Error: "boom"}
			}
			return agent.Result{Success: true, Output: "done"}
		}
		return agent.Result{Success: true}
	}

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
	assert.Equal(t, models.StatusComplete, run.Subtask("a").Status)
	assert.Equal(t, models.StatusFailed, run.Subtask("b").Status)
	assert.Equal(t, models.StatusBlocked, run.Subtask("c").Status)

	merges := env.vcs.mergerMerges()
	require.Len(t, merges, 1, "only the completed subtask is merged")
	assert.Equal(t, run.Subtask("a").Branch, merges[0])
}

// TestBridgeAddsTasksAndBlocksDependents covers the bridge path.
func TestBridgeAddsTasksAndBlocksDependents(t *testing.T) {
	env := newTestEnv(t, "desc")
	plan := planJSON(
		subtaskJSON("a", "A", 1),
		subtaskJSON("c", "C", 2, "A"),
	)
	env.runner.handler = func(call runnerCall) agent.Result {
		switch call.kind {
		case "plan":
			return agent.Result{Success: true, Output: plan}
		case "replan":
			return agent.Result{Success: true, Output: `{"action":"bridge","new_tasks":[` +
				subtaskJSON("shim", "Shim", 3) + `],"reason":"route around"}`}
		case "review":
			return agent.Result{Success: true, Output: `{"critical": false}`}
		case "subtask":
			if call.title == "A" {
				return agent.Result{Success: false, Error: "broken"}
			}
			return agent.Result{Success: true, Output: "done"}
		}
		return agent.Result{Success: true}
	}

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
	assert.Equal(t, models.StatusFailed, run.Subtask("a").Status)
	assert.Equal(t, models.StatusBlocked, run.Subtask("c").Status)

	shim := run.Subtask("shim")
	require.NotNil(t, shim, "bridge task joined the DAG")
	assert.Equal(t, models.StatusComplete, shim.Status)
	assert.NotEmpty(t, shim.CardID, "bridge task got a child card")
}

// TestEqualPriorityTasksRunConcurrently covers the slot cap: three
// independent equal-priority tasks on two slots peak at two concurrent
// workers.
func TestEqualPriorityTasksRunConcurrently(t *testing.T) {
	env := newTestEnv(t, "desc")
	plan := planJSON(
		subtaskJSON("a", "A", 1),
		subtaskJSON("b", "B", 1),
		subtaskJSON("c", "C", 1),
	)
	env.runner.handler = defaultHandler(plan)
	env.runner.workDelay = 30 * time.Millisecond

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
	assert.Equal(t, 2, env.runner.maxConcurrent, "cap is two and equal priorities fill both slots")
}

// TestExternalStopDrainsWorkers covers the card being moved off the
// trigger list mid-run: no new workers, in-flight ones drained, state
// preserved, worktrees left intact.
func TestExternalStopDrainsWorkers(t *testing.T) {
	env := newTestEnv(t, "desc")
	plan := planJSON(subtaskJSON("a", "A", 1), subtaskJSON("b", "B", 1))
	env.runner.handler = defaultHandler(plan)
	env.runner.workDelay = 30 * time.Millisecond
	// Call 1 creates the run; call 2 is cycle 1's stop check; from call 3
	// on the card reports a foreign list.
	env.items.moveOffAfter = 3

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStopped, run.Phase)

	// In-flight workers were awaited and harvested.
	for _, sub := range run.Subtasks {
		assert.NotEqual(t, models.StatusRunning, sub.Status)
	}

	var stopComment bool
	for _, c := range env.items.parentComments() {
		if strings.Contains(c.Text, "stopped by user") {
			stopComment = true
		}
	}
	assert.True(t, stopComment)

	assert.Empty(t, env.vcs.mergerMerges(), "a stopped run does not merge")
	assert.Empty(t, env.vcs.removedWorktrees, "worktrees stay for inspection")
}

// TestSignalStop covers the cooperative signal path via RequestStop.
func TestSignalStop(t *testing.T) {
	env := newTestEnv(t, "desc")
	plan := planJSON(subtaskJSON("a", "A", 1))
	env.runner.handler = defaultHandler(plan)
	env.orch.RequestStop()

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseStopped, run.Phase)
	assert.Empty(t, env.runner.kindCalls("subtask"), "no workers start after a stop request")
}

// TestReviewInjectsFixesOnce covers the self-review loop: critical
// issues become new subtasks, the loop re-opens, and the review never
// fires a second time.
func TestReviewInjectsFixesOnce(t *testing.T) {
	env := newTestEnv(t, "desc")
	plan := planJSON(subtaskJSON("a", "A", 1))
	env.runner.handler = func(call runnerCall) agent.Result {
		switch call.kind {
		case "plan":
			return agent.Result{Success: true, Output: plan}
		case "review":
			return agent.Result{Success: true, Output: `{"critical": true, "issues": [
				{"title":"fix-import","description":"Fix the broken import","priority":1}]}`}
		case "subtask":
			return agent.Result{Success: true, Output: "done"}
		}
		return agent.Result{Success: true}
	}

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
	assert.True(t, run.ReviewPerformed)

	require.Len(t, env.runner.kindCalls("review"), 1, "the review fires at most once per run")

	fix := run.SubtaskByTitle("fix-import")
	require.NotNil(t, fix)
	assert.Equal(t, models.StatusComplete, fix.Status)
	assert.True(t, fix.Merged)

	// The review worktree and branch were discarded.
	var reviewRemoved bool
	for _, path := range env.vcs.removedWorktrees {
		if strings.Contains(path, "review-") {
			reviewRemoved = true
		}
	}
	assert.True(t, reviewRemoved)
	assert.NotEmpty(t, env.vcs.deletedBranches)
}

// TestResumeStoppedRun covers resumption: a stopped run picks up its
// remaining work and converges to the same final state as an
// uninterrupted execution.
func TestResumeStoppedRun(t *testing.T) {
	env := newTestEnv(t, "desc")
	env.runner.handler = defaultHandler("unused")

	seed := &models.Run{
		ID:             "abcdef123456",
		ParentCardID:   testCardID,
		ParentCardName: "Add exporter",
		ParentBranch:   "orch/add-exporter-abcdef",
		OriginalListID: "list-parking",
		SubtaskListID:  "list-agents",
		Phase:          models.PhaseStopped,
		CreatedAt:      time.Now(),
		Subtasks: []*models.Subtask{
			{ID: "a", Title: "A", Description: "Do A", Priority: 1,
				Status: models.StatusComplete, Branch: "orch/a-abcdef", WorktreePath: "/wt/a"},
			{ID: "b", Title: "B", Description: "Do B", Priority: 2,
				Dependencies: []string{"A"}, Status: models.StatusPending},
		},
		TotalAgentsSpawned: 1,
		ReviewPerformed:    true,
	}
	require.NoError(t, env.store.Save(seed))

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
	assert.Equal(t, models.StatusComplete, run.Subtask("b").Status)
	assert.True(t, run.Subtask("a").Merged)
	assert.True(t, run.Subtask("b").Merged)
	assert.Equal(t, 2, run.TotalAgentsSpawned)

	subtaskRuns := env.runner.kindCalls("subtask")
	require.Len(t, subtaskRuns, 1, "only the remaining subtask runs")
	assert.Equal(t, "B", subtaskRuns[0].title)
	assert.Empty(t, env.runner.kindCalls("plan"), "resume never re-plans")
}

// TestAllCompleteIsNoOpToMerger covers the already-complete resume: no
// workers start and control falls through to the merger.
func TestAllCompleteIsNoOpToMerger(t *testing.T) {
	env := newTestEnv(t, "desc")
	env.runner.handler = defaultHandler("unused")

	seed := &models.Run{
		ID:             "abcdef123456",
		ParentCardID:   testCardID,
		ParentCardName: "Add exporter",
		ParentBranch:   "orch/add-exporter-abcdef",
		OriginalListID: "list-parking",
		Phase:          models.PhaseStopped,
		CreatedAt:      time.Now(),
		Subtasks: []*models.Subtask{
			{ID: "a", Title: "A", Description: "Do A", Priority: 1,
				Status: models.StatusComplete, Branch: "orch/a-abcdef"},
			{ID: "b", Title: "B", Description: "Do B", Priority: 2,
				Status: models.StatusComplete, Branch: "orch/b-abcdef"},
		},
		TotalAgentsSpawned: 2,
		ReviewPerformed:    true,
	}
	require.NoError(t, env.store.Save(seed))

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
	assert.Empty(t, env.runner.kindCalls("subtask"))
	assert.Equal(t, []string{"orch/a-abcdef", "orch/b-abcdef"}, env.vcs.mergerMerges())
}

// TestPlannerFailures covers the malformed-plan boundary cases: zero
// subtasks, unknown dependency titles, cycles, and unparseable JSON all
// fail the run.
func TestPlannerFailures(t *testing.T) {
	tests := []struct {
		name       string
		planOutput string
		fixOutput  string
		wantFixer  bool
	}{
		{name: "zero subtasks", planOutput: "[]"},
		{name: "unknown dependency", planOutput: planJSON(subtaskJSON("a", "A", 1, "Ghost"))},
		{name: "cycle", planOutput: planJSON(subtaskJSON("a", "A", 1, "B"), subtaskJSON("b", "B", 1, "A"))},
		{name: "unparseable twice", planOutput: "no json here", fixOutput: "still no json", wantFixer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "desc")
			env.runner.handler = func(call runnerCall) agent.Result {
				switch call.kind {
				case "plan":
					return agent.Result{Success: true, Output: tt.planOutput}
				case "fix-json":
					return agent.Result{Success: true, Output: tt.fixOutput}
				}
				return agent.Result{Success: true, Output: "done"}
			}

			err := runOrchestrate(t, env)
			require.Error(t, err)

			run, loadErr := env.store.Load(testCardID)
			require.NoError(t, loadErr)
			assert.Equal(t, models.PhaseFailed, run.Phase)
			assert.Empty(t, env.runner.kindCalls("subtask"))

			fixerCalls := env.runner.kindCalls("fix-json")
			if tt.wantFixer {
				assert.Len(t, fixerCalls, 1, "exactly one repair attempt")
			} else {
				assert.Empty(t, fixerCalls)
			}
		})
	}
}

// TestInlinePlanSkipsPlanningWorker covers the fenced-JSON plan embedded
// in the card description.
func TestInlinePlanSkipsPlanningWorker(t *testing.T) {
	desc := "Pre-planned work.\n\n```json\n" +
		planJSON(subtaskJSON("a", "A", 1)) + "\n```\n"
	env := newTestEnv(t, desc)
	env.runner.handler = defaultHandler("should never be asked")

	require.NoError(t, runOrchestrate(t, env))

	assert.Empty(t, env.runner.kindCalls("plan"), "inline plan bypasses the planning worker")
	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
}

// TestSpawnLimitGateEndToEnd covers the approval gate across a large
// plan: the limit pauses spawning, a human continue resumes it, and the
// notice is posted exactly once.
func TestSpawnLimitGateEndToEnd(t *testing.T) {
	env := newTestEnv(t, "desc")
	env.cfg.MaxAgents = 3
	env.cfg.AgentLimit = 10

	var entries []string
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10", "t11", "t12"} {
		entries = append(entries, subtaskJSON(id, strings.ToUpper(id), 1))
	}
	env.runner.handler = defaultHandler(planJSON(entries...))

	// A human replies "please continue" as soon as the notice appears.
	env.items.onBotComment = func(f *fakeItems, cardID, text string) {
		if strings.Contains(text, "Agent Limit Reached") {
			f.addHumanComment(cardID, "please continue", "Ada")
		}
	}

	require.NoError(t, runOrchestrate(t, env))

	run, err := env.store.Load(testCardID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, run.Phase)
	assert.Equal(t, 12, run.TotalAgentsSpawned)
	for _, sub := range run.Subtasks {
		assert.Equal(t, models.StatusComplete, sub.Status)
	}
	assert.LessOrEqual(t, env.runner.maxConcurrent, 3)

	var notices int
	for _, c := range env.items.parentComments() {
		if strings.Contains(c.Text, "Agent Limit Reached") {
			notices++
		}
	}
	assert.Equal(t, 1, notices, "the limit notice is one-time")
}
