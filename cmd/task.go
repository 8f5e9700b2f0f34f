package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/output"
	"github.com/joescharf/taskrun/internal/runner"
	"github.com/joescharf/taskrun/internal/store"
)

var (
	taskProject  string
	taskKind     string
	taskListKind string
	taskDesc     string
	taskState    string
	taskAgent    string
	taskBase     string
	taskFeedback string
	taskEvict    []string
	taskYes      bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage and run tasks",
	Long:  "Create tasks, research them with an agent, and implement them in isolated worktrees.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a new task",
	Long:  "Add a task to a project. Without --project, uses the current directory.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAddRun(strings.Join(args, " "))
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

var taskResearchCmd = &cobra.Command{
	Use:   "research <task-id>",
	Short: "Have an agent write the task's research document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()
		return taskResearchRun(ctx, args[0])
	},
}

var taskReviseCmd = &cobra.Command{
	Use:   "revise <task-id>",
	Short: "Revise the task's research document with feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()
		return taskReviseRun(ctx, args[0])
	},
}

var taskImplementCmd = &cobra.Command{
	Use:   "implement <task-id>",
	Short: "Implement the task in its own worktree and open a pull request",
	Long: `Implement a task with an agent.

The agent works in a dedicated git worktree (unless worktree isolation is
off). Its changes are committed, pushed, and opened as a pull request.
When the repository is at its worktree limit you are asked which
worktrees to remove; pass --evict to name them up front.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()
		return taskImplementRun(ctx, args[0])
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskDeleteRun(args[0])
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskProject, "project", "", "project repository path (default: current directory)")
	taskAddCmd.Flags().StringVar(&taskKind, "kind", "feature", "task kind (feature, bug, chore, spike)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "task description")

	taskListCmd.Flags().StringVar(&taskProject, "project", "", "filter by project path")
	taskListCmd.Flags().StringVar(&taskState, "state", "", "filter by state (new, in_progress, active, blocked, done)")
	taskListCmd.Flags().StringVar(&taskListKind, "kind", "", "filter by kind")

	taskResearchCmd.Flags().StringVar(&taskAgent, "agent", "", "agent to research with")

	taskReviseCmd.Flags().StringVar(&taskAgent, "agent", "", "agent to revise with")
	taskReviseCmd.Flags().StringVar(&taskFeedback, "feedback", "", "what to change in the research document")
	_ = taskReviseCmd.MarkFlagRequired("feedback")

	taskImplementCmd.Flags().StringVar(&taskAgent, "agent", "", "agent to implement with")
	taskImplementCmd.Flags().StringVar(&taskBase, "base", "", "base branch for the new worktree")
	taskImplementCmd.Flags().StringSliceVar(&taskEvict, "evict", nil, "worktree paths to remove if the limit is reached")
	taskImplementCmd.Flags().BoolVarP(&taskYes, "yes", "y", false, "evict the least recently used worktree without asking")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskResearchCmd)
	taskCmd.AddCommand(taskReviseCmd)
	taskCmd.AddCommand(taskImplementCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}

func validKind(k models.TaskKind) bool {
	switch k {
	case models.TaskKindFeature, models.TaskKindBug, models.TaskKindChore, models.TaskKindSpike:
		return true
	}
	return false
}

// projectPath resolves ref, or the current directory, to an absolute path.
func projectPath(ref string) (string, error) {
	if ref == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		ref = cwd
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	return abs, nil
}

func taskAddRun(title string) error {
	kind := models.TaskKind(taskKind)
	if !validKind(kind) {
		return fmt.Errorf("invalid kind %q (use feature, bug, chore, or spike)", taskKind)
	}
	project, err := projectPath(taskProject)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would add %s task %q to %s", kind, title, project)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	task := &models.Task{
		ProjectPath: project,
		Title:       title,
		Description: taskDesc,
		Kind:        kind,
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		return err
	}
	ui.Success("Added task %s: %s", output.Cyan(shortID(task.ID)), task.Title)
	return nil
}

func taskListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	filter := store.TaskListFilter{
		State: models.TaskState(taskState),
		Kind:  models.TaskKind(taskListKind),
	}
	if taskProject != "" {
		if filter.ProjectPath, err = projectPath(taskProject); err != nil {
			return err
		}
	}

	tasks, err := s.ListTasks(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		ui.Info("No tasks found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Project", "Title", "Kind", "State", "Branch", "PR"})
	for _, t := range tasks {
		pr := ""
		if t.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", t.PRNumber)
		}
		_ = table.Append([]string{
			shortID(t.ID),
			filepath.Base(t.ProjectPath),
			t.Title,
			string(t.Kind),
			output.StateColor(string(t.State)),
			t.BranchName,
			pr,
		})
	}
	_ = table.Render()
	return nil
}

func taskShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	t, err := findTask(context.Background(), s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(t.ID)), t.Title)
	fmt.Fprintf(ui.Out, "  Project:    %s\n", t.ProjectPath)
	fmt.Fprintf(ui.Out, "  Kind:       %s\n", t.Kind)
	fmt.Fprintf(ui.Out, "  State:      %s\n", output.StateColor(string(t.State)))
	if t.CloseReason != models.CloseReasonNone {
		fmt.Fprintf(ui.Out, "  Closed as:  %s\n", t.CloseReason)
	}
	if t.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", t.Description)
	}
	if t.ResearchPath != "" {
		fmt.Fprintf(ui.Out, "  Research:   %s\n", t.ResearchPath)
	}
	if t.ImplementingAgentID != "" {
		fmt.Fprintf(ui.Out, "  Agent:      %s\n", t.ImplementingAgentID)
	}
	if t.WorkspacePath != "" {
		fmt.Fprintf(ui.Out, "  Worktree:   %s\n", t.WorkspacePath)
	}
	if t.BranchName != "" {
		fmt.Fprintf(ui.Out, "  Branch:     %s\n", t.BranchName)
	}
	if t.PRURL != "" {
		fmt.Fprintf(ui.Out, "  PR:         %s\n", t.PRURL)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.ClosedAt != nil {
		fmt.Fprintf(ui.Out, "  Closed:     %s\n", t.ClosedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", t.ID)
	return nil
}

func taskResearchRun(ctx context.Context, id string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	t, err := findTask(ctx, eng.store, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would research task %s", shortID(t.ID))
		return nil
	}

	p := watchProgress(ctx, eng, t.ID, verbose)
	res, err := eng.runner.RunResearch(ctx, runner.RunRequest{TaskID: t.ID, AgentID: taskAgent})
	p.Stop()
	if err != nil {
		return err
	}
	printResearch(res)
	return nil
}

func taskReviseRun(ctx context.Context, id string) error {
	if strings.TrimSpace(taskFeedback) == "" {
		return fmt.Errorf("--feedback is required")
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	t, err := findTask(ctx, eng.store, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would revise research for task %s", shortID(t.ID))
		return nil
	}

	p := watchProgress(ctx, eng, t.ID, verbose)
	res, err := eng.runner.ReviseResearch(ctx, runner.RunRequest{TaskID: t.ID, AgentID: taskAgent}, taskFeedback)
	p.Stop()
	if err != nil {
		return err
	}
	printResearch(res)
	if res.Diff != "" {
		fmt.Fprintln(ui.Out, res.Diff)
	}
	return nil
}

func printResearch(res *runner.ResearchResult) {
	for _, w := range res.Warnings {
		ui.Warning("%s", w)
	}
	if !res.Written {
		ui.Warning("Agent did not write %s", res.Path)
		if res.Reply != nil && res.Reply.Content != "" {
			fmt.Fprintln(ui.Out, res.Reply.Content)
		}
		return
	}
	ui.Success("Research written to %s", res.Path)
	ui.VerboseLog("%s", res.Content)
}

func taskImplementRun(ctx context.Context, id string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	t, err := findTask(ctx, eng.store, id)
	if err != nil {
		return err
	}
	req := runner.RunRequest{
		TaskID:     t.ID,
		AgentID:    taskAgent,
		BaseBranch: taskBase,
		Evict:      taskEvict,
	}

	if dryRun {
		ui.DryRunMsg("Would implement task %s in a new worktree", shortID(t.ID))
		return nil
	}

	run, err := eng.runner.PrepareImplementation(ctx, req)
	var evict *runner.EvictionNeededError
	if errors.As(err, &evict) {
		paths, ok := chooseEvictions(evict)
		if !ok {
			return fmt.Errorf("worktree limit of %d reached; nothing evicted", evict.Limit)
		}
		req.Evict = paths
		run, err = eng.runner.PrepareImplementation(ctx, req)
	}
	if err != nil {
		return err
	}

	ui.Info("Working in %s", run.WorkDir())
	p := watchProgress(ctx, eng, t.ID, verbose)
	res, err := run.Execute(ctx)
	p.Stop()
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		ui.Warning("%s", w)
	}
	switch {
	case res.PR != nil && res.PR.Success:
		ui.Success("Opened pull request %s", res.PR.URL)
	case res.Committed:
		ui.Success("Changes committed on %s", res.Branch)
	default:
		ui.Info("No changes to commit")
	}
	return nil
}

// chooseEvictions shows the eviction candidates and asks which to remove.
// With --yes the least recently used one is picked.
func chooseEvictions(e *runner.EvictionNeededError) ([]string, bool) {
	if len(e.Candidates) == 0 {
		return nil, false
	}
	if taskYes {
		ui.Info("Evicting %s", e.Candidates[0].Path)
		return []string{e.Candidates[0].Path}, true
	}
	if !interactive() {
		return nil, false
	}

	ui.Warning("Worktree limit of %d reached for %s", e.Limit, e.RepoPath)
	printWorkspaces(e.Candidates)
	if !confirm(fmt.Sprintf("Remove the least recently used worktree %s?", filepath.Base(e.Candidates[0].Path))) {
		return nil, false
	}
	return []string{e.Candidates[0].Path}, true
}

func taskDeleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	t, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete task %s: %s", shortID(t.ID), t.Title)
		return nil
	}
	if err := s.DeleteTask(ctx, t.ID); err != nil {
		return err
	}
	ui.Success("Deleted task %s: %s", shortID(t.ID), t.Title)
	if t.WorkspacePath != "" {
		ui.Info("Worktree %s is left in place; 'taskrun worktree cleanup --orphans' removes it", t.WorkspacePath)
	}
	return nil
}

// findTask looks up a task by full ID or unique ID prefix.
func findTask(ctx context.Context, s store.Store, id string) (*models.Task, error) {
	if t, err := s.GetTask(ctx, id); err == nil {
		return t, nil
	}

	tasks, err := s.ListTasks(ctx, store.TaskListFilter{})
	if err != nil {
		return nil, err
	}
	prefix := strings.ToUpper(id)
	var matches []*models.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("task not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous task ID %s matches %d tasks", id, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
