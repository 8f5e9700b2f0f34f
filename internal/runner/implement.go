package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/wt"
)

// Result reports a finished implementation run.
type Result struct {
	TaskID    string          `json:"taskId"`
	AgentID   string          `json:"agentId"`
	WorkDir   string          `json:"workDir"`
	Branch    string          `json:"branch,omitempty"`
	Reply     *models.Message `json:"reply,omitempty"`
	Committed bool            `json:"committed"`
	PR        *wt.PRResult    `json:"pr,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// Run is a prepared implementation run. Execute it exactly once.
type Run struct {
	c         *Coordinator
	task      *models.Task
	agentID   string
	workDir   string
	workspace *models.Workspace
	// created is set when this run allocated the workspace rather than
	// reusing the task's live one.
	created   bool
	settings  models.Settings
	release   func()
}

// Task returns the task being run.
func (r *Run) Task() *models.Task { return r.task }

// WorkDir is the directory the agent works in.
func (r *Run) WorkDir() string { return r.workDir }

// Workspace is the isolated workspace, nil when isolation is disabled.
func (r *Run) Workspace() *models.Workspace { return r.workspace }

// Abort releases a prepared run that will not be executed.
func (r *Run) Abort() { r.release() }

// PrepareImplementation allocates the task's workspace. Approved evictions
// in req.Evict are removed first. When the repository is at its ceiling the
// error is an *EvictionNeededError and nothing has changed.
func (c *Coordinator) PrepareImplementation(ctx context.Context, req RunRequest) (*Run, error) {
	task, agentID, err := c.loadTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if task.ProjectPath == "" {
		return nil, fmt.Errorf("task %s has no project path", task.ID)
	}
	release, err := c.acquire(task.ID, agentID)
	if err != nil {
		return nil, err
	}

	r := &Run{
		c:        c,
		task:     task,
		agentID:  agentID,
		workDir:  task.ProjectPath,
		settings: c.settings(ctx),
		release:  release,
	}
	if !r.settings.WorktreeIsolation {
		return r, nil
	}

	if len(req.Evict) > 0 {
		if err := c.evict(ctx, task.ProjectPath, req.Evict); err != nil {
			release()
			return nil, err
		}
	}

	live, err := c.workspaces.ListWorkspaces(ctx, task.ProjectPath)
	if err != nil {
		release()
		return nil, err
	}
	reused := false
	for _, ws := range live {
		if ws.TaskID == task.ID {
			reused = true
			break
		}
	}
	if limit := r.settings.Limit(); !reused && len(live) >= limit {
		release()
		return nil, c.evictionNeeded(ctx, &wt.LimitReachedError{RepoPath: task.ProjectPath, Limit: limit, Count: len(live)})
	}

	c.phase(task, agentID, events.PhaseCreatingWorktree, "")
	ws, err := c.workspaces.CreateWorkspace(ctx, wt.CreateRequest{
		RepoPath:   task.ProjectPath,
		TaskID:     task.ID,
		Title:      task.Title,
		Kind:       task.Kind,
		BaseBranch: req.BaseBranch,
	})
	if err != nil {
		release()
		var limit *wt.LimitReachedError
		if errors.As(err, &limit) {
			return nil, c.evictionNeeded(ctx, limit)
		}
		return nil, err
	}
	r.workspace = ws
	r.workDir = ws.Path
	r.created = !reused
	return r, nil
}

// evictionNeeded lists the repository's workspaces, least recently used
// first, as candidates for the operator to evict.
func (c *Coordinator) evictionNeeded(ctx context.Context, limit *wt.LimitReachedError) error {
	candidates, err := c.workspaces.GetLRUWorkspaces(ctx, limit.RepoPath, 0)
	if err != nil {
		return fmt.Errorf("list eviction candidates: %w", err)
	}
	return &EvictionNeededError{
		RepoPath:   limit.RepoPath,
		Limit:      limit.Limit,
		Candidates: candidates,
		Err:        limit,
	}
}

// evict removes the approved workspaces of a repository.
func (c *Coordinator) evict(ctx context.Context, repoPath string, paths []string) error {
	live, err := c.workspaces.ListWorkspaces(ctx, repoPath)
	if err != nil {
		return err
	}
	approved := make(map[string]bool, len(paths))
	for _, p := range paths {
		approved[filepath.Clean(p)] = true
	}
	var victims []models.Workspace
	for _, ws := range live {
		if approved[filepath.Clean(ws.Path)] {
			victims = append(victims, ws)
		}
	}
	if len(victims) == 0 {
		return ErrUnknownEvicts
	}
	c.logger.Info("evicting workspaces", "repo", repoPath, "count", len(victims))
	return c.workspaces.CleanupWorkspaces(ctx, victims)
}

// Execute binds the agent to the workspace, sends the implementation
// prompt, and lands the result. Dependency install, commit, and pull request
// failures are warnings; the task is marked done regardless.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	defer r.release()
	c, task := r.c, r.task

	res := &Result{TaskID: task.ID, AgentID: r.agentID, WorkDir: r.workDir}
	prev := *task
	if r.workspace != nil {
		res.Branch = r.workspace.Branch
		task.WorkspacePath = r.workspace.Path
		task.BranchName = r.workspace.Branch
	}
	task.ImplementingAgentID = r.agentID
	task.State = models.TaskStateInProgress
	if err := c.saveTask(ctx, task); err != nil {
		return nil, err
	}

	if r.workspace != nil && r.settings.AutoInstallDeps && c.workspaces.NeedsDependencyInstall(r.workDir) {
		c.phase(task, r.agentID, events.PhaseInstallingDeps, "")
		if err := c.workspaces.InstallDependencies(ctx, r.workDir); err != nil {
			c.warn(task, r.agentID, &res.Warnings, "dependency install failed: %v", err)
		}
	}

	research := ""
	if task.ResearchPath != "" {
		var err error
		if research, err = readIfExists(filepath.Join(task.ProjectPath, task.ResearchPath)); err != nil {
			c.warn(task, r.agentID, &res.Warnings, "read research: %v", err)
		}
	}

	c.phase(task, r.agentID, events.PhaseImplementing, "")
	reply, err := c.prompt(ctx, task, r.agentID, r.workDir, BuildImplementationPrompt(task, task.ResearchPath, research))
	if err != nil {
		c.bus.Publish(events.New(events.TypeError, events.Error{AgentID: r.agentID, Error: err.Error()}))
		if errors.Is(err, ErrSessionStart) {
			r.undo(ctx, prev)
		}
		return nil, fmt.Errorf("implement task %s: %w", task.ID, err)
	}
	res.Reply = reply

	if r.workspace != nil {
		r.land(ctx, res)
	}

	task.State = models.TaskStateDone
	task.CloseReason = models.CloseReasonCompleted
	if task.Kind == models.TaskKindBug {
		task.CloseReason = models.CloseReasonFixed
	}
	now := time.Now().UTC()
	task.ClosedAt = &now
	if err := c.saveTask(ctx, task); err != nil {
		return nil, err
	}
	c.phase(task, r.agentID, events.PhaseDone, "")
	return res, nil
}

// undo puts the task back as it was before the run and removes a workspace
// the run allocated. Used when the agent never got the prompt.
func (r *Run) undo(ctx context.Context, prev models.Task) {
	c := r.c
	*r.task = prev
	if err := c.saveTask(ctx, r.task); err != nil {
		c.logger.Warn("restore task", "task", prev.ID, "error", err)
	}
	if r.workspace != nil && r.created {
		if err := c.workspaces.CleanupWorkspaces(ctx, []models.Workspace{*r.workspace}); err != nil {
			c.logger.Warn("remove workspace", "task", prev.ID, "path", r.workspace.Path, "error", err)
		}
	}
}

// land commits leftover changes and opens a pull request when the branch
// has anything to offer.
func (r *Run) land(ctx context.Context, res *Result) {
	c, task := r.c, r.task

	c.phase(task, r.agentID, events.PhaseCommitting, "")
	committed, err := c.workspaces.CommitChanges(ctx, r.workDir, CommitMessage(task))
	if err != nil {
		c.warn(task, r.agentID, &res.Warnings, "auto-commit failed: %v", err)
	}
	res.Committed = committed

	ahead := committed
	if !ahead {
		if ahead, err = c.workspaces.HasCommitsAhead(ctx, r.workDir); err != nil {
			c.warn(task, r.agentID, &res.Warnings, "check branch: %v", err)
		}
	}
	if !ahead {
		return
	}

	c.phase(task, r.agentID, events.PhaseCreatingPR, "")
	summary, err := c.workspaces.GetDiffSummary(ctx, r.workDir)
	if err != nil {
		c.logger.Warn("diff summary", "task", task.ID, "error", err)
	}
	body := TemplatePRBody(task, summary)
	if c.drafter != nil {
		if drafted, err := c.drafter.DraftPRBody(ctx, task, summary); err != nil {
			c.logger.Warn("draft PR body, using template", "task", task.ID, "error", err)
		} else if drafted != "" {
			body = drafted
		}
	}

	pr := c.workspaces.PushAndCreatePR(ctx, r.workDir, wt.PROptions{
		Title: PRTitle(task),
		Body:  body,
		Draft: r.settings.DraftPR,
	})
	res.PR = &pr
	if !pr.Success {
		c.warn(task, r.agentID, &res.Warnings, "pull request failed: %s", pr.Error)
		return
	}
	task.PRURL = pr.URL
	task.PRNumber = pr.Number
	task.PRState = "open"
	if r.settings.DraftPR {
		task.PRState = "draft"
	}
}

// Implement prepares and executes an implementation run.
func (c *Coordinator) Implement(ctx context.Context, req RunRequest) (*Result, error) {
	run, err := c.PrepareImplementation(ctx, req)
	if err != nil {
		return nil, err
	}
	return run.Execute(ctx)
}
