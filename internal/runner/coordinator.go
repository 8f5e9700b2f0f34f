// Package runner coordinates task runs: research, research revisions, and
// implementation in isolated workspaces.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/sessions"
	"github.com/joescharf/taskrun/internal/wt"
)

// Store is the task and settings persistence the coordinator uses.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	GetSettings(ctx context.Context) (models.Settings, error)
}

// Workspaces is the workspace allocator surface a run drives.
type Workspaces interface {
	CreateWorkspace(ctx context.Context, req wt.CreateRequest) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context, repoPath string) ([]models.Workspace, error)
	GetLRUWorkspaces(ctx context.Context, repoPath string, n int) ([]models.Workspace, error)
	CleanupWorkspaces(ctx context.Context, workspaces []models.Workspace) error
	NeedsDependencyInstall(path string) bool
	InstallDependencies(ctx context.Context, path string) error
	CommitChanges(ctx context.Context, path, message string) (bool, error)
	HasCommitsAhead(ctx context.Context, path string) (bool, error)
	PushAndCreatePR(ctx context.Context, path string, opts wt.PROptions) wt.PRResult
	GetDiffSummary(ctx context.Context, path string) (string, error)
}

// Sessions sends a prompt to an agent bound to workDir and waits for its
// reply. Prompt wraps failures to start the session in ErrSessionStart.
type Sessions interface {
	HasAgent(agentID string) bool
	Prompt(ctx context.Context, agentID, workDir, content string) (*models.Message, error)
}

// PRDrafter writes a pull request body from a task and its diff summary.
type PRDrafter interface {
	DraftPRBody(ctx context.Context, task *models.Task, diffSummary string) (string, error)
}

// Coordinator runs tasks end to end.
type Coordinator struct {
	store      Store
	workspaces Workspaces
	sessions   Sessions
	bus        events.Publisher
	drafter    PRDrafter
	translator wt.Translator
	templates  func(agentID string) string
	logger     *slog.Logger

	mu     sync.Mutex
	tasks  map[string]bool
	agents map[string]string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDrafter sets the pull request body drafter.
func WithDrafter(d PRDrafter) Option {
	return func(c *Coordinator) { c.drafter = d }
}

// WithTranslator sets the English slug source used for research paths.
func WithTranslator(t wt.Translator) Option {
	return func(c *Coordinator) { c.translator = t }
}

// WithPromptTemplates sets the lookup of an agent's prompt template.
func WithPromptTemplates(f func(agentID string) string) Option {
	return func(c *Coordinator) { c.templates = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator.
func New(store Store, workspaces Workspaces, sess Sessions, bus events.Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		workspaces: workspaces,
		sessions:   sess,
		bus:        bus,
		logger:     slog.Default(),
		tasks:      make(map[string]bool),
		agents:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "runner")
	return c
}

// RunRequest selects the task and agent of a run.
type RunRequest struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	// BaseBranch overrides the configured base branch for a new workspace.
	BaseBranch string `json:"baseBranch,omitempty"`
	// Evict lists workspace paths the operator approved for removal when the
	// repository is at its workspace ceiling.
	Evict []string `json:"evict,omitempty"`
}

// acquire marks the task and agent as running. The returned func releases
// them.
func (c *Coordinator) acquire(taskID, agentID string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tasks[taskID] {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	if other, ok := c.agents[agentID]; ok {
		return nil, fmt.Errorf("%w: %s is on task %s", ErrAgentBusy, agentID, other)
	}
	c.tasks[taskID] = true
	c.agents[agentID] = taskID
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.tasks, taskID)
			delete(c.agents, agentID)
			c.mu.Unlock()
		})
	}, nil
}

// Running reports whether a run of the task is in flight.
func (c *Coordinator) Running(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[taskID]
}

func (c *Coordinator) loadTask(ctx context.Context, req RunRequest) (*models.Task, string, error) {
	task, err := c.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, "", err
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = task.ImplementingAgentID
	}
	if agentID == "" {
		return nil, "", ErrNoAgent
	}
	if !c.sessions.HasAgent(agentID) {
		return nil, "", fmt.Errorf("%w: %s", sessions.ErrUnknownAgent, agentID)
	}
	return task, agentID, nil
}

// Validate checks that req names an existing task and a known agent without
// starting anything.
func (c *Coordinator) Validate(ctx context.Context, req RunRequest) error {
	_, _, err := c.loadTask(ctx, req)
	return err
}

func (c *Coordinator) settings(ctx context.Context) models.Settings {
	s, err := c.store.GetSettings(ctx)
	if err != nil {
		c.logger.Warn("load settings, using defaults", "error", err)
		return models.DefaultSettings()
	}
	return s
}

func (c *Coordinator) phase(task *models.Task, agentID string, phase events.Phase, msg string) {
	c.bus.Publish(events.New(events.TypeLifecycle, events.Lifecycle{
		TaskID:    task.ID,
		AgentID:   agentID,
		TaskTitle: task.Title,
		Phase:     phase,
		Message:   msg,
	}))
}

// warn publishes a warning phase and records it on the result.
func (c *Coordinator) warn(task *models.Task, agentID string, warnings *[]string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	*warnings = append(*warnings, msg)
	c.logger.Warn(msg, "task", task.ID)
	c.phase(task, agentID, events.PhaseWarning, msg)
}

// prompt renders content through the agent's template and sends it.
func (c *Coordinator) prompt(ctx context.Context, task *models.Task, agentID, workDir, content string) (*models.Message, error) {
	if c.templates != nil {
		rendered, err := applyTemplate(c.templates(agentID), task, content)
		if err != nil {
			return nil, err
		}
		content = rendered
	}
	return c.sessions.Prompt(ctx, agentID, workDir, content)
}

// promptForArtifact sends content and, when the run ends without writing
// artifact, sends exactly one follow-up asking for it. The second reply is
// accepted whatever it yields.
func (c *Coordinator) promptForArtifact(ctx context.Context, task *models.Task, agentID, workDir, artifact, content string) (reply *models.Message, written, followedUp bool, err error) {
	abs := filepath.Join(workDir, artifact)
	w := WatchArtifact(abs, c.logger)
	defer w.Close()

	reply, err = c.prompt(ctx, task, agentID, workDir, content)
	if err != nil {
		return nil, false, false, err
	}
	if w.Written() {
		return reply, true, false, nil
	}

	c.logger.Info("artifact not written, sending follow-up", "task", task.ID, "path", artifact)
	followUp, err := c.prompt(ctx, task, agentID, workDir, BuildFollowUpPrompt(artifact))
	if err != nil {
		return reply, false, true, err
	}
	return followUp, w.Written(), true, nil
}

// slug is the file name stem of a task's research document.
func (c *Coordinator) slug(ctx context.Context, task *models.Task) string {
	if s := wt.TitleSlug(ctx, c.translator, task.Title); s != "" {
		return s
	}
	return wt.Slugify(task.ID, 0)
}

func readIfExists(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Coordinator) saveTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// SessionPrompter adapts a session manager to Sessions.
type SessionPrompter struct {
	Manager *sessions.Manager
}

// HasAgent reports whether agentID is registered.
func (p SessionPrompter) HasAgent(agentID string) bool {
	_, ok := p.Manager.Registry().Get(agentID)
	return ok
}

// Prompt sends content and waits for the turn to complete.
func (p SessionPrompter) Prompt(ctx context.Context, agentID, workDir, content string) (*models.Message, error) {
	turn, err := p.Manager.SendToAgent(ctx, agentID, workDir, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionStart, err)
	}
	select {
	case <-turn.Done():
		return turn.Result()
	case <-ctx.Done():
		_ = p.Manager.CancelMessage(agentID)
		return nil, ctx.Err()
	}
}
