package gitvcs

import (
	"context"
	"os"
	"strings"
)

// CleanupStaleWorktrees removes registered worktrees whose directory no
// longer exists on disk, which git leaves behind after manual deletion.
// Returns the paths that were pruned.
func (g *Git) CleanupStaleWorktrees(ctx context.Context) ([]string, error) {
	result, err := g.runChecked(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if path == g.repoPath {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			_, _ = g.run(ctx, "", "worktree", "remove", path)
			pruned = append(pruned, path)
		}
	}
	return pruned, nil
}
