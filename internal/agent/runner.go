// Package agent is the worker port. A worker is the opaque Claude Code
// binary spawned as a separate OS process inside a git worktree — crash
// isolation of the external binary is the reason these are processes and
// not goroutines doing in-process work. Workers are stateless per
// invocation; nothing resumes a previous session.
package agent

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of one worker invocation. TimedOut keeps a
// deadline expiry distinguishable from a nonzero exit even though the
// re-planner currently treats the two identically.
type Result struct {
	Success  bool
	Output   string
	Error    string
	TimedOut bool
}

// Runner spawns coding workers.
type Runner struct {
	// Binary is the worker executable, "claude" by default.
	Binary string
}

// NewRunner creates a Runner for the default worker binary.
func NewRunner() *Runner {
	return &Runner{Binary: "claude"}
}

// Run executes a worker in the given directory with the prompt, bounded
// by timeout. Whatever the worker leaves uncommitted is staged and
// committed afterwards so its branch always captures the work; a commit
// with nothing to commit is not an error.
func (r *Runner) Run(ctx context.Context, dir, prompt string, timeout time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	binary := r.Binary
	if binary == "" {
		binary = "claude"
	}

	cmd := exec.CommandContext(runCtx, binary,
		"--dangerously-skip-permissions",
		"-p", prompt,
		"--allowedTools", "Bash", "Read", "Write", "Edit", "MultiEdit",
	)
	cmd.Dir = dir
	// Once the deadline kills the worker, stop waiting on output pipes that
	// its own child processes may still hold open.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	// Commit leftovers regardless of how the worker exited.
	commitLeftovers(ctx, dir)

	output := stdout.String()
	if s := strings.TrimSpace(stderr.String()); s != "" {
		output += "\n---STDERR---\n" + s
	}

	if err == nil {
		return Result{Success: true, Output: output}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{
			Output:   output,
			Error:    "worker timed out after " + timeout.String(),
			TimedOut: true,
		}
	}
	return Result{Output: output, Error: err.Error()}
}

// commitLeftovers stages and commits any remaining changes in dir.
func commitLeftovers(ctx context.Context, dir string) {
	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = dir
	_ = add.Run()

	commit := exec.CommandContext(ctx, "git", "commit", "-m", "Agent work completed")
	commit.Dir = dir
	_ = commit.Run()
}
