package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrison/maestro/internal/agent"
	"github.com/harrison/maestro/internal/config"
	"github.com/harrison/maestro/internal/gitvcs"
	"github.com/harrison/maestro/internal/logger"
	"github.com/harrison/maestro/internal/state"
	"github.com/harrison/maestro/internal/trello"
)

// --- work-item fake ---------------------------------------------------------

type fakeItems struct {
	mu         sync.Mutex
	cards      map[string]*trello.Card
	comments   map[string][]trello.Comment // newest first
	commentSeq int
	moves      []string

	// onBotComment fires after the orchestrator posts a comment, letting
	// scenarios inject human replies.
	onBotComment func(f *fakeItems, cardID, text string)

	// getCardCalls counts GetCard invocations; when moveOffAfter > 0 the
	// parent card reports a foreign list from that call on.
	getCardCalls int
	moveOffAfter int
	parentCardID string
}

func newFakeItems(parentCardID, name, desc, listID string) *fakeItems {
	return &fakeItems{
		cards: map[string]*trello.Card{
			parentCardID: {ID: parentCardID, Name: name, Desc: desc, ListID: listID, BoardID: "board-1"},
		},
		comments:     make(map[string][]trello.Comment),
		parentCardID: parentCardID,
	}
}

func (f *fakeItems) GetCard(_ context.Context, cardID string) (*trello.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return nil, fmt.Errorf("no such card %s", cardID)
	}
	copied := *card
	if cardID == f.parentCardID {
		f.getCardCalls++
		if f.moveOffAfter > 0 && f.getCardCalls >= f.moveOffAfter {
			copied.ListID = "somewhere-else"
		}
	}
	return &copied, nil
}

func (f *fakeItems) GetCardsOnList(_ context.Context, listID string) ([]trello.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cards []trello.Card
	for _, c := range f.cards {
		if c.ListID == listID {
			cards = append(cards, *c)
		}
	}
	return cards, nil
}

func (f *fakeItems) GetAttachments(context.Context, string) ([]trello.Attachment, error) {
	return []trello.Attachment{{Name: "spec.pdf", MimeType: "application/pdf"}}, nil
}

func (f *fakeItems) AddComment(_ context.Context, cardID, text string) error {
	f.mu.Lock()
	f.commentSeq++
	comment := trello.Comment{ID: fmt.Sprintf("c%d", f.commentSeq), Text: text, Author: "maestro"}
	f.comments[cardID] = append([]trello.Comment{comment}, f.comments[cardID]...)
	hook := f.onBotComment
	f.mu.Unlock()
	if hook != nil {
		hook(f, cardID, text)
	}
	return nil
}

// addHumanComment injects a user-authored comment (newest first).
func (f *fakeItems) addHumanComment(cardID, text, author string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentSeq++
	comment := trello.Comment{ID: fmt.Sprintf("c%d", f.commentSeq), Text: text, Author: author}
	f.comments[cardID] = append([]trello.Comment{comment}, f.comments[cardID]...)
}

func (f *fakeItems) GetComments(_ context.Context, cardID string) ([]trello.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]trello.Comment, len(f.comments[cardID]))
	copy(out, f.comments[cardID])
	return out, nil
}

func (f *fakeItems) MoveCard(_ context.Context, cardID, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if card, ok := f.cards[cardID]; ok {
		card.ListID = listID
	}
	f.moves = append(f.moves, cardID+"->"+listID)
	return nil
}

func (f *fakeItems) CreateList(_ context.Context, _, name string) (*trello.List, error) {
	return &trello.List{ID: "list-agents", Name: name}, nil
}

func (f *fakeItems) CreateCard(_ context.Context, listID, name, desc string) (*trello.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentSeq++
	card := &trello.Card{ID: fmt.Sprintf("sub-card-%d", f.commentSeq), Name: name, Desc: desc, ListID: listID}
	f.cards[card.ID] = card
	return card, nil
}

// parentComments returns the parent card's comments, newest first.
func (f *fakeItems) parentComments() []trello.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]trello.Comment, len(f.comments[f.parentCardID]))
	copy(out, f.comments[f.parentCardID])
	return out
}

// --- VCS fake ---------------------------------------------------------------

type mergeCall struct {
	branch   string
	worktree string
}

type fakeVCS struct {
	mu               sync.Mutex
	branches         []string
	merges           []mergeCall
	pushes           []mergeCall
	removedWorktrees []string
	deletedBranches  []string
	// conflictBranches marks branches whose merge leaves conflicts.
	conflictBranches map[string]bool
	conflictActive   bool
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{conflictBranches: make(map[string]bool)}
}

func (v *fakeVCS) RepoPath() string           { return "/repo" }
func (v *fakeVCS) Fetch(context.Context) error { return nil }

func (v *fakeVCS) CreateBranch(_ context.Context, name, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.branches = append(v.branches, name)
	return nil
}

func (v *fakeVCS) DeleteBranch(_ context.Context, name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deletedBranches = append(v.deletedBranches, name)
}

func (v *fakeVCS) CreateWorktree(_ context.Context, _, label string) (string, error) {
	return "/wt/" + label, nil
}

func (v *fakeVCS) RemoveWorktree(_ context.Context, path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removedWorktrees = append(v.removedWorktrees, path)
}

func (v *fakeVCS) MergeBranch(_ context.Context, branch, worktree string) (gitvcs.CmdResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.merges = append(v.merges, mergeCall{branch, worktree})
	if v.conflictBranches[branch] {
		v.conflictActive = true
		return gitvcs.CmdResult{ExitCode: 1, Stderr: "CONFLICT"}, nil
	}
	return gitvcs.CmdResult{}, nil
}

func (v *fakeVCS) HasConflicts(context.Context, string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conflictActive, nil
}

func (v *fakeVCS) AbortMerge(context.Context, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conflictActive = false
}

func (v *fakeVCS) CheckoutTheirs(context.Context, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conflictActive = false
	return nil
}

func (v *fakeVCS) CommitAll(context.Context, string, string) error { return nil }

func (v *fakeVCS) Push(_ context.Context, branch, worktree string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pushes = append(v.pushes, mergeCall{branch, worktree})
	return nil
}

func (v *fakeVCS) Pull(context.Context, string, string) {}

// clearConflict is called by scripted conflict-resolution workers.
func (v *fakeVCS) clearConflict() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conflictActive = false
}

// mergerMerges returns the merge calls made into the merge-phase
// worktree, in order.
func (v *fakeVCS) mergerMerges() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for _, m := range v.merges {
		if strings.Contains(m.worktree, "merge-") {
			out = append(out, m.branch)
		}
	}
	return out
}

// --- worker runner fake -----------------------------------------------------

// promptKind classifies a worker prompt by its distinctive text.
func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "Decompose the following task"):
		return "plan"
	case strings.Contains(prompt, "supposed to be a JSON array"):
		return "fix-json"
	case strings.Contains(prompt, "code orchestration failed"):
		return "replan"
	case strings.Contains(prompt, "senior code reviewer"):
		return "review"
	case strings.Contains(prompt, "merge conflict markers"):
		return "resolve"
	default:
		return "subtask"
	}
}

// subtaskTitle extracts the subtask title from a worker prompt.
func subtaskTitle(prompt string) string {
	const marker = "## Your Subtask: "
	idx := strings.Index(prompt, marker)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(marker):]
	if end := strings.Index(rest, "\n"); end >= 0 {
		return rest[:end]
	}
	return rest
}

type runnerCall struct {
	dir    string
	prompt string
	kind   string
	title  string
}

type fakeRunner struct {
	mu            sync.Mutex
	handler       func(call runnerCall) agent.Result
	calls         []runnerCall
	concurrent    int
	maxConcurrent int
	// workDelay makes subtask workers take real time so concurrency and
	// stop draining are observable.
	workDelay time.Duration
}

func (r *fakeRunner) Run(_ context.Context, dir, prompt string, _ time.Duration) agent.Result {
	call := runnerCall{dir: dir, prompt: prompt, kind: promptKind(prompt), title: subtaskTitle(prompt)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	if call.kind == "subtask" {
		r.concurrent++
		if r.concurrent > r.maxConcurrent {
			r.maxConcurrent = r.concurrent
		}
	}
	handler := r.handler
	delay := r.workDelay
	r.mu.Unlock()

	if call.kind == "subtask" && delay > 0 {
		time.Sleep(delay)
	}

	result := handler(call)

	if call.kind == "subtask" {
		r.mu.Lock()
		r.concurrent--
		r.mu.Unlock()
	}
	return result
}

// kindCalls returns the recorded calls of one kind.
func (r *fakeRunner) kindCalls(kind string) []runnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []runnerCall
	for _, c := range r.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// --- code host fake ---------------------------------------------------------

type fakeHost struct {
	configured bool
	url        string
	created    []string
}

func (h *fakeHost) Configured() bool { return h.configured }

func (h *fakeHost) CreatePullRequest(_ context.Context, title, _, branch string) (string, error) {
	h.created = append(h.created, title+" from "+branch)
	return h.url, nil
}

// --- environment ------------------------------------------------------------

type testEnv struct {
	orch   *Orchestrator
	items  *fakeItems
	vcs    *fakeVCS
	runner *fakeRunner
	host   *fakeHost
	store  *state.Store
	cfg    *config.Config
}

const testCardID = "card-parent"

func newTestEnv(t *testing.T, desc string) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.TrelloAPIKey = "k"
	cfg.TrelloToken = "tok"
	cfg.BoardID = "board-1"
	cfg.TriggerListID = "list-orch"
	cfg.ParkingListID = "list-parking"
	cfg.RepoPath = "/repo"
	cfg.MaxAgents = 2
	cfg.PollInterval = time.Millisecond
	cfg.AgentTimeout = 5 * time.Second

	store, err := state.NewStore(cfg.OrchestratorStateDir())
	require.NoError(t, err)

	items := newFakeItems(testCardID, "Add exporter", desc, cfg.TriggerListID)
	vcs := newFakeVCS()
	runner := &fakeRunner{}
	host := &fakeHost{configured: true, url: "https://bb.example/pr/1"}

	log := logger.NewConsoleWithWriter(nopWriter{}, logger.LevelError)

	orch := New(cfg, items, host, vcs, runner, store, log)
	orch.sleep = func(ctx context.Context, _ time.Duration) {
		select {
		case <-ctx.Done():
		case <-time.After(200 * time.Microsecond):
		}
	}

	return &testEnv{orch: orch, items: items, vcs: vcs, runner: runner, host: host, store: store, cfg: cfg}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// runOrchestrate bounds a scenario so a scripting mistake fails the test
// instead of hanging it.
func runOrchestrate(t *testing.T, env *testEnv) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- env.orch.Orchestrate(context.Background(), testCardID) }()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("orchestration did not finish within 30s")
		return nil
	}
}

// planJSON builds planner output for the given subtask specs.
func planJSON(entries ...string) string {
	return "[" + strings.Join(entries, ",") + "]"
}

func subtaskJSON(id, title string, priority int, deps ...string) string {
	depList := "[]"
	if len(deps) > 0 {
		depList = `["` + strings.Join(deps, `","`) + `"]`
	}
	return fmt.Sprintf(`{"id":%q,"title":%q,"description":"Implement %s","dependencies":%s,"estimated_files":[],"priority":%d}`,
		id, title, title, depList, priority)
}

// defaultHandler succeeds everywhere: plan from planOutput, clean review,
// successful subtasks.
func defaultHandler(planOutput string) func(runnerCall) agent.Result {
	return func(call runnerCall) agent.Result {
		switch call.kind {
		case "plan":
			return agent.Result{Success: true, Output: planOutput}
		case "review":
			return agent.Result{Success: true, Output: `{"critical": false}`}
		case "replan":
			return agent.Result{Success: true, Output: `{"action":"cancel","reason":"give up"}`}
		case "resolve":
			return agent.Result{Success: true, Output: "resolved"}
		default:
			return agent.Result{Success: true, Output: "did " + call.title}
		}
	}
}
