// Package gitvcs is the version-control port: a thin driver over spawned
// git commands. Every invocation is bounded by a 120 second deadline and
// returns exit status, stdout, and stderr so callers can classify
// failures instead of guessing from error strings.
package gitvcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// commandTimeout bounds every git invocation.
const commandTimeout = 120 * time.Second

// CmdResult carries the raw outcome of one git command.
type CmdResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports a zero exit status.
func (r CmdResult) Ok() bool {
	return r.ExitCode == 0
}

// Git drives one repository and a base directory for worktrees.
type Git struct {
	repoPath     string
	worktreeBase string
	debugf       func(format string, args ...interface{})
}

// New creates a Git driver. The worktree base directory is created
// eagerly so worktree paths can be handed out without checks.
func New(repoPath, worktreeBase string, debugf func(format string, args ...interface{})) (*Git, error) {
	if err := os.MkdirAll(worktreeBase, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base %s: %w", worktreeBase, err)
	}
	if debugf == nil {
		debugf = func(string, ...interface{}) {}
	}
	return &Git{repoPath: repoPath, worktreeBase: worktreeBase, debugf: debugf}, nil
}

// RepoPath returns the main repository working tree.
func (g *Git) RepoPath() string {
	return g.repoPath
}

// run executes one git command in cwd (the repo when empty) and returns
// its result. A nonzero exit is not an error at this layer.
func (g *Git) run(ctx context.Context, cwd string, args ...string) (CmdResult, error) {
	if cwd == "" {
		cwd = g.repoPath
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	g.debugf("git %s (cwd=%s)", strings.Join(args, " "), cwd)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CmdResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("git %s failed to run: %w", strings.Join(args, " "), err)
	}
	return result, nil
}

// runChecked runs a git command and converts a nonzero exit into an
// error carrying stderr.
func (g *Git) runChecked(ctx context.Context, cwd string, args ...string) (CmdResult, error) {
	result, err := g.run(ctx, cwd, args...)
	if err != nil {
		return result, err
	}
	if !result.Ok() {
		return result, fmt.Errorf("git %s exited %d: %s",
			strings.Join(args, " "), result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

// Fetch updates remote tracking refs from origin.
func (g *Git) Fetch(ctx context.Context) error {
	_, err := g.runChecked(ctx, "", "fetch", "origin")
	return err
}

// CurrentBranch returns the checked-out branch of the main working tree.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	result, err := g.runChecked(ctx, "", "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// CreateBranch creates a branch at start (HEAD when empty). An existing
// branch of the same name is not an error; resumed runs recreate their
// branches idempotently.
func (g *Git) CreateBranch(ctx context.Context, name, start string) error {
	if start == "" {
		start = "HEAD"
	}
	_, err := g.run(ctx, "", "branch", name, start)
	return err
}

// DeleteBranch force-deletes a local branch. Best effort.
func (g *Git) DeleteBranch(ctx context.Context, name string) {
	_, _ = g.run(ctx, "", "branch", "-D", name)
}

// CreateWorktree adds a worktree for a branch and returns its path. The
// label joins the path so several worktrees for one run never collide.
// An already-existing worktree path is reused.
func (g *Git) CreateWorktree(ctx context.Context, branch, label string) (string, error) {
	dirName := fmt.Sprintf("wt_%s_%s", label, strings.ReplaceAll(branch, "/", "_"))
	path := filepath.Join(g.worktreeBase, dirName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if _, err := g.runChecked(ctx, "", "worktree", "add", path, branch); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveWorktree force-removes a worktree. Missing paths are ignored.
func (g *Git) RemoveWorktree(ctx context.Context, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	_, _ = g.run(ctx, "", "worktree", "remove", "--force", path)
}

// MergeBranch merges a branch into the given worktree with --no-ff so
// the subtask-branch structure survives in history. A conflicted merge
// exits nonzero; callers must consult HasConflicts.
func (g *Git) MergeBranch(ctx context.Context, branch, worktree string) (CmdResult, error) {
	return g.run(ctx, worktree, "merge", "--no-ff", branch,
		"-m", fmt.Sprintf("Merge subtask branch %s", branch))
}

// HasConflicts reports whether the worktree has unresolved conflict
// entries.
func (g *Git) HasConflicts(ctx context.Context, worktree string) (bool, error) {
	result, err := g.run(ctx, worktree, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) != "", nil
}

// AbortMerge aborts an in-progress merge in the worktree. Best effort.
func (g *Git) AbortMerge(ctx context.Context, worktree string) {
	_, _ = g.run(ctx, worktree, "merge", "--abort")
}

// CheckoutTheirs resolves every conflict in favor of the incoming side.
// Only the throwaway review merge uses this.
func (g *Git) CheckoutTheirs(ctx context.Context, worktree string) error {
	_, err := g.runChecked(ctx, worktree, "checkout", "--theirs", ".")
	return err
}

// CommitAll stages everything in the worktree and commits. An empty
// commit is not an error.
func (g *Git) CommitAll(ctx context.Context, worktree, message string) error {
	if _, err := g.runChecked(ctx, worktree, "add", "-A"); err != nil {
		return err
	}
	_, err := g.run(ctx, worktree, "commit", "-m", message)
	return err
}

// Push pushes a branch to origin with upstream tracking, from the given
// worktree (the repo when empty).
func (g *Git) Push(ctx context.Context, branch, worktree string) error {
	result, err := g.run(ctx, worktree, "push", "-u", "origin", branch)
	if err != nil {
		return err
	}
	if !result.Ok() {
		return fmt.Errorf("git push %s exited %d: %s", branch, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// Pull fast-forwards a branch from origin inside the worktree. Best
// effort: a failed pull leaves the local branch usable.
func (g *Git) Pull(ctx context.Context, branch, worktree string) {
	_, _ = g.run(ctx, worktree, "pull", "origin", branch)
}
