package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
)

// ResearchResult reports a research or revision run.
type ResearchResult struct {
	TaskID string `json:"taskId"`
	// Path is the document path relative to the project root.
	Path       string          `json:"path"`
	Written    bool            `json:"written"`
	FollowedUp bool            `json:"followedUp"`
	Reply      *models.Message `json:"reply,omitempty"`
	Content    string          `json:"content,omitempty"`
	// Diff is the unified diff of a revision; empty for first runs.
	Diff     string   `json:"diff,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (c *Coordinator) researchPath(ctx context.Context, task *models.Task) string {
	if task.ResearchPath != "" {
		return task.ResearchPath
	}
	return ArtifactPath(task.Kind, c.slug(ctx, task))
}

// RunResearch has the agent investigate a task in the project directory and
// write its findings to the task's research document.
func (c *Coordinator) RunResearch(ctx context.Context, req RunRequest) (*ResearchResult, error) {
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
	defer release()

	rel := c.researchPath(ctx, task)
	abs := filepath.Join(task.ProjectPath, rel)
	prior, err := readIfExists(abs)
	if err != nil {
		return nil, fmt.Errorf("read research: %w", err)
	}

	c.phase(task, agentID, events.PhaseResearching, rel)
	return c.research(ctx, task, agentID, rel, prior, BuildResearchPrompt(task, rel, prior))
}

// ReviseResearch has the agent rework the task's research document according
// to feedback. The result carries a unified diff of the document.
func (c *Coordinator) ReviseResearch(ctx context.Context, req RunRequest, feedback string) (*ResearchResult, error) {
	task, agentID, err := c.loadTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if task.ProjectPath == "" {
		return nil, fmt.Errorf("task %s has no project path", task.ID)
	}
	rel := c.researchPath(ctx, task)
	current, err := readIfExists(filepath.Join(task.ProjectPath, rel))
	if err != nil {
		return nil, fmt.Errorf("read research: %w", err)
	}
	if current == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoResearch, task.ID)
	}

	release, err := c.acquire(task.ID, agentID)
	if err != nil {
		return nil, err
	}
	defer release()

	c.phase(task, agentID, events.PhaseResearching, "revising "+rel)
	return c.research(ctx, task, agentID, rel, current, BuildRevisionPrompt(task, rel, current, feedback))
}

func (c *Coordinator) research(ctx context.Context, task *models.Task, agentID, rel, before, prompt string) (*ResearchResult, error) {
	reply, written, followedUp, err := c.promptForArtifact(ctx, task, agentID, task.ProjectPath, rel, prompt)
	if err != nil {
		c.bus.Publish(events.New(events.TypeError, events.Error{AgentID: agentID, Error: err.Error()}))
		return nil, err
	}

	res := &ResearchResult{
		TaskID:     task.ID,
		Path:       rel,
		Written:    written,
		FollowedUp: followedUp,
		Reply:      reply,
	}
	after, err := readIfExists(filepath.Join(task.ProjectPath, rel))
	if err != nil {
		return nil, fmt.Errorf("read research: %w", err)
	}
	res.Content = after
	if !written {
		c.warn(task, agentID, &res.Warnings, "research document %s was not written", rel)
	}
	if before != "" && after != before {
		res.Diff = unifiedDiff(rel, before, after)
	}

	if written && task.ResearchPath != rel {
		task.ResearchPath = rel
		if err := c.saveTask(ctx, task); err != nil {
			return nil, err
		}
	}
	c.phase(task, agentID, events.PhaseDone, rel)
	return res, nil
}

func unifiedDiff(name, before, after string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + filepath.ToSlash(name),
		ToFile:   "b/" + filepath.ToSlash(name),
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}
