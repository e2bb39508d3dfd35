package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/maestro/internal/models"
)

// statusComment renders the periodic status for the parent card and
// advances the run's publication counters.
func (o *Orchestrator) statusComment(run *models.Run, extra string) string {
	counts := run.CountsByStatus()
	var running []string
	for _, s := range run.Subtasks {
		if s.Status == models.StatusRunning {
			running = append(running, s.Title)
		}
	}

	run.StatusPostCount++
	now := o.now()
	run.LastStatusPost = &now

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Orchestrator Status #%d\n", run.StatusPostCount)
	fmt.Fprintf(&sb, "**Time:** %s\n", now.Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&sb, "**Phase:** %s\n", run.Phase)
	fmt.Fprintf(&sb, "**Agents:** %d/%d active, %d total spawned\n",
		len(running), o.cfg.MaxAgents, run.TotalAgentsSpawned)
	sb.WriteString("\n### Task Counts\n")
	for _, status := range models.AllStatuses {
		if c := counts[status]; c > 0 {
			fmt.Fprintf(&sb, "- **%s**: %d\n", status, c)
		}
	}

	if len(running) > 0 {
		sb.WriteString("\n### Currently Running\n")
		for _, title := range running {
			fmt.Fprintf(&sb, "- %s\n", title)
		}
	}

	if extra != "" {
		sb.WriteString("\n")
		sb.WriteString(extra)
	}
	return sb.String()
}

// postStatus publishes a status comment to the parent card. Best effort.
func (o *Orchestrator) postStatus(ctx context.Context, run *models.Run, extra string) {
	o.postComment(ctx, run.ParentCardID, o.statusComment(run, extra))
}
