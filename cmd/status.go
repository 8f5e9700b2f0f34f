package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
	"github.com/joescharf/taskrun/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task and worktree status per project",
	Long: `Show an overview of every project with tasks: its current branch,
whether the checkout is dirty, open tasks, and worktrees in use against the
configured limit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusOverviewRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// projectStatus summarizes one project's tasks.
type projectStatus struct {
	path      string
	open      int
	active    int
	done      int
	updatedAt time.Time
}

func statusOverviewRun() error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	ctx := context.Background()

	projects, err := summarizeProjects(ctx, eng)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		ui.Info("No tasks yet. Use 'taskrun task add <title>' to get started.")
		return nil
	}

	settings, err := eng.store.GetSettings(ctx)
	if err != nil {
		return err
	}

	gc := git.NewClient()
	table := ui.Table([]string{"Project", "Branch", "Checkout", "Tasks", "Worktrees", "Activity"})
	for _, p := range projects {
		worktrees := "-"
		if ws, err := eng.wt.ListWorkspaces(ctx, p.path); err == nil {
			worktrees = fmt.Sprintf("%d/%d", len(ws), settings.Limit())
		}
		_ = table.Append([]string{
			output.Cyan(p.path),
			getBranch(ctx, gc, p.path),
			getCheckoutStatus(ctx, gc, p.path),
			fmt.Sprintf("%d open, %d active, %d done", p.open, p.active, p.done),
			worktrees,
			timeAgo(p.updatedAt),
		})
	}
	_ = table.Render()

	// Live sessions belong to a running server; their records show here.
	sessions, err := eng.store.ListAgentSessions(ctx, "", 0)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status.Terminal() {
			continue
		}
		ui.Info("Agent %s %s in %s", sess.AgentID, output.SessionColor(string(sess.Status)), sess.WorkDir)
	}
	return nil
}

// summarizeProjects groups tasks by project, most recently updated first.
func summarizeProjects(ctx context.Context, eng *engine) ([]*projectStatus, error) {
	tasks, err := eng.store.ListTasks(ctx, store.TaskListFilter{})
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*projectStatus)
	for _, t := range tasks {
		p := byPath[t.ProjectPath]
		if p == nil {
			p = &projectStatus{path: t.ProjectPath}
			byPath[t.ProjectPath] = p
		}
		switch t.State {
		case models.TaskStateDone:
			p.done++
		case models.TaskStateActive, models.TaskStateInProgress:
			p.active++
		default:
			p.open++
		}
		if t.UpdatedAt.After(p.updatedAt) {
			p.updatedAt = t.UpdatedAt
		}
	}

	out := make([]*projectStatus, 0, len(byPath))
	for _, p := range byPath {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].updatedAt.After(out[j].updatedAt) })
	return out, nil
}

func getBranch(ctx context.Context, gc git.Client, path string) string {
	branch, err := gc.CurrentBranch(ctx, path)
	if err != nil {
		return "?"
	}
	return branch
}

func getCheckoutStatus(ctx context.Context, gc git.Client, path string) string {
	dirty, err := gc.IsDirty(ctx, path)
	if err != nil {
		return output.Yellow("missing")
	}
	if dirty {
		return output.Red("dirty")
	}
	return output.Green("clean")
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
