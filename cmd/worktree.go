package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
)

var (
	worktreeProject string
	worktreeOrphans bool
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage task worktrees",
	Long:    "List, inspect, and remove the git worktrees tasks are implemented in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worktrees, least recently used first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeCleanupCmd = &cobra.Command{
	Use:   "cleanup [path...]",
	Short: "Remove worktrees",
	Long: `Remove the named worktrees, or with --orphans every worktree whose
task is done or no longer exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeCleanupRun(args)
	},
}

var worktreeDiffCmd = &cobra.Command{
	Use:   "diff <task-id>",
	Short: "Show the changes in a task's worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeDiffRun(args[0])
	},
}

func init() {
	worktreeCmd.PersistentFlags().StringVar(&worktreeProject, "project", "", "project repository path (default: current directory)")
	worktreeCleanupCmd.Flags().BoolVar(&worktreeOrphans, "orphans", false, "remove worktrees of done or deleted tasks")

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeCleanupCmd)
	worktreeCmd.AddCommand(worktreeDiffCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun() error {
	repo, err := projectPath(worktreeProject)
	if err != nil {
		return err
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ws, err := eng.wt.GetLRUWorkspaces(context.Background(), repo, 0)
	if err != nil {
		return err
	}
	if len(ws) == 0 {
		ui.Info("No worktrees for %s.", repo)
		return nil
	}
	printWorkspaces(ws)
	return nil
}

func printWorkspaces(ws []models.Workspace) {
	table := ui.Table([]string{"Task", "Branch", "Base", "Last Modified", "Path"})
	for _, w := range ws {
		_ = table.Append([]string{
			shortID(w.TaskID),
			w.Branch,
			w.BaseBranch,
			timeAgo(w.LastModified),
			w.Path,
		})
	}
	_ = table.Render()
}

func worktreeCleanupRun(paths []string) error {
	if len(paths) == 0 && !worktreeOrphans {
		return fmt.Errorf("name worktree paths to remove or pass --orphans")
	}
	repo, err := projectPath(worktreeProject)
	if err != nil {
		return err
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	ctx := context.Background()

	if worktreeOrphans {
		active, err := activeTaskIDs(ctx, eng.store, repo)
		if err != nil {
			return err
		}
		if dryRun {
			ui.DryRunMsg("Would remove worktrees in %s not owned by %d active task(s)", repo, len(active))
			return nil
		}
		removed, err := eng.wt.CleanupOrphans(ctx, repo, active)
		if err != nil {
			return err
		}
		for _, w := range removed {
			ui.Success("Removed %s (%s)", w.Path, w.Branch)
		}
		if len(removed) == 0 {
			ui.Info("No orphaned worktrees.")
		}
		return nil
	}

	all, err := eng.wt.ListWorkspaces(ctx, repo)
	if err != nil {
		return err
	}
	byPath := make(map[string]models.Workspace, len(all))
	for _, w := range all {
		byPath[w.Path] = w
	}
	var selected []models.Workspace
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		w, ok := byPath[abs]
		if !ok {
			return fmt.Errorf("no worktree at %s", p)
		}
		selected = append(selected, w)
	}

	if dryRun {
		for _, w := range selected {
			ui.DryRunMsg("Would remove %s (%s)", w.Path, w.Branch)
		}
		return nil
	}
	if err := eng.wt.CleanupWorkspaces(ctx, selected); err != nil {
		return err
	}
	for _, w := range selected {
		ui.Success("Removed %s (%s)", w.Path, w.Branch)
	}
	return nil
}

func worktreeDiffRun(id string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	ctx := context.Background()

	t, err := findTask(ctx, eng.store, id)
	if err != nil {
		return err
	}
	if t.WorkspacePath == "" {
		return fmt.Errorf("task %s has no worktree", shortID(t.ID))
	}

	summary, err := eng.wt.GetDiffSummary(ctx, t.WorkspacePath)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, summary)
	if !verbose {
		return nil
	}
	diff, err := eng.wt.GetDiff(ctx, t.WorkspacePath)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, diff)
	return nil
}

// activeTaskIDs returns the ids of repo's tasks that are not done.
func activeTaskIDs(ctx context.Context, s store.Store, repo string) ([]string, error) {
	tasks, err := s.ListTasks(ctx, store.TaskListFilter{ProjectPath: repo})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.IsActive() {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}
