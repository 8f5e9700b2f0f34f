package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/git"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/permission"
	"github.com/joescharf/taskrun/internal/runner"
	"github.com/joescharf/taskrun/internal/sessions"
	"github.com/joescharf/taskrun/internal/store"
	"github.com/joescharf/taskrun/internal/wt"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// echoProcess answers every prompt with its content.
type echoProcess struct{}

func (echoProcess) Start(context.Context, agent.StartOptions) (string, error) { return "", nil }
func (echoProcess) Cancel() error                                            { return nil }
func (echoProcess) Close() error                                             { return nil }

func (echoProcess) Prompt(_ context.Context, content string) (<-chan agent.Update, error) {
	out := make(chan agent.Update, 2)
	out <- agent.Update{Kind: agent.UpdateChunk, Text: "echo: " + content}
	out <- agent.Update{Kind: agent.UpdateDone}
	close(out)
	return out, nil
}

type noGitHub struct{}

func (noGitHub) CreatePR(context.Context, string, git.PROptions) (*git.PullRequest, error) {
	return nil, errors.New("gh unavailable")
}

// failingStore fails task listing.
type failingStore struct {
	store.Store
}

func (failingStore) ListTasks(context.Context, store.TaskListFilter) ([]*models.Task, error) {
	return nil, errors.New("disk on fire")
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(models.AgentIdentity{ID: "coder", Command: "fake"}))
	factory := agent.FactoryFunc(func(models.AgentIdentity) (agent.Process, error) {
		return echoProcess{}, nil
	})

	rec := &events.Recorder{}
	sm := sessions.NewManager(reg, factory, s, permission.NewGate(s), rec)
	t.Cleanup(sm.Shutdown)
	alloc := wt.NewAllocator(git.NewClient(), noGitHub{}, s)
	rc := runner.New(s, alloc, runner.SessionPrompter{Manager: sm}, rec)

	return NewServer(s, alloc, sm, rc, "test"), s
}

// callToolReq builds a CallToolRequest for the given tool name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	cmds := [][]string{
		{"git", "-C", dir, "init"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
		{"git", "-C", dir, "symbolic-ref", "HEAD", "refs/heads/main"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "init").Run())
}

// ---------------------------------------------------------------------------
// Tests: registration
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
	assert.Equal(t, "test", srv.version)
}

// ---------------------------------------------------------------------------
// Tests: tasks
// ---------------------------------------------------------------------------

func TestHandleCreateAndListTasks(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleCreateTask(ctx, callToolReq("taskrun_create_task", map[string]any{
		"project": "/tmp/proj/",
		"title":   "Crash on login",
		"kind":    "bug",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var created models.Task
	resultJSON(t, result, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "/tmp/proj", created.ProjectPath)
	assert.Equal(t, models.TaskKindBug, created.Kind)

	result, err = srv.handleListTasks(ctx, callToolReq("taskrun_list_tasks", map[string]any{"kind": "bug"}))
	require.NoError(t, err)
	var tasks []models.Task
	resultJSON(t, result, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, created.ID, tasks[0].ID)

	result, err = srv.handleListTasks(ctx, callToolReq("taskrun_list_tasks", map[string]any{"kind": "chore"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleCreateTask_Validation(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing project", map[string]any{"title": "x"}, "project"},
		{"missing title", map[string]any{"project": "/tmp/p"}, "title"},
		{"relative project", map[string]any{"project": "proj", "title": "x"}, "absolute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := srv.handleCreateTask(ctx, callToolReq("taskrun_create_task", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleListTasks_StoreError(t *testing.T) {
	srv, s := newTestServer(t)
	srv.store = failingStore{Store: s}

	result, err := srv.handleListTasks(context.Background(), callToolReq("taskrun_list_tasks", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "disk on fire")
}

func TestHandleResearchTask(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	task := &models.Task{Title: "Explore caching", ProjectPath: t.TempDir()}
	require.NoError(t, s.CreateTask(ctx, task))

	result, err := srv.handleResearchTask(ctx, callToolReq("taskrun_research_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "no agent given and none assigned")

	result, err = srv.handleResearchTask(ctx, callToolReq("taskrun_research_task", map[string]any{
		"task_id":  task.ID,
		"agent_id": "coder",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var res runner.ResearchResult
	resultJSON(t, result, &res)
	// The echo agent never writes the document, so one follow-up is sent.
	assert.False(t, res.Written)
	assert.True(t, res.FollowedUp)
	assert.Equal(t, filepath.Join("research", "explore-caching.md"), res.Path)
	assert.NotEmpty(t, res.Warnings)

	result, err = srv.handleResearchTask(ctx, callToolReq("taskrun_research_task", map[string]any{
		"task_id":  task.ID,
		"agent_id": "coder",
		"feedback": "go deeper",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "nothing to revise yet")
}

func TestHandleImplementTask_EvictionNeeded(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "repo")
	initTestRepo(t, repo)

	settings := models.DefaultSettings()
	settings.WorktreeLimit = 1
	require.NoError(t, s.UpdateSettings(ctx, settings))

	existing, err := srv.wt.CreateWorkspace(ctx, wt.CreateRequest{
		RepoPath: repo, TaskID: "01JTASK0000000000000OLD000", Title: "old work",
	})
	require.NoError(t, err)

	task := &models.Task{Title: "New work", ProjectPath: repo, ImplementingAgentID: "coder"}
	require.NoError(t, s.CreateTask(ctx, task))

	result, err := srv.handleImplementTask(ctx, callToolReq("taskrun_implement_task", map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "choose workspaces to evict")
	assert.Contains(t, text, existing.Path)
}

// ---------------------------------------------------------------------------
// Tests: workspaces
// ---------------------------------------------------------------------------

func TestHandleWorkspaces(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "repo")
	initTestRepo(t, repo)

	ws, err := srv.wt.CreateWorkspace(ctx, wt.CreateRequest{
		RepoPath: repo, TaskID: "01JTASK0000000000000ABC123", Title: "Some work",
	})
	require.NoError(t, err)

	result, err := srv.handleListWorkspaces(ctx, callToolReq("taskrun_list_workspaces", map[string]any{"repo": repo}))
	require.NoError(t, err)
	var list []models.Workspace
	resultJSON(t, result, &list)
	require.Len(t, list, 1)
	assert.Equal(t, ws.Branch, list[0].Branch)

	result, err = srv.handleCleanupWorkspaces(ctx, callToolReq("taskrun_cleanup_workspaces", map[string]any{
		"repo":  repo,
		"paths": "/elsewhere",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// No task owns the workspace, so orphan cleanup removes it.
	result, err = srv.handleCleanupWorkspaces(ctx, callToolReq("taskrun_cleanup_workspaces", map[string]any{"repo": repo}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), `"removed":1`)
	assert.NoDirExists(t, ws.Path)
}

// ---------------------------------------------------------------------------
// Tests: agents and grants
// ---------------------------------------------------------------------------

func TestHandleSendMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleSendMessage(ctx, callToolReq("taskrun_send_message", map[string]any{
		"agent_id": "coder",
		"content":  "hello",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "no session and no work_dir")

	result, err = srv.handleSendMessage(ctx, callToolReq("taskrun_send_message", map[string]any{
		"agent_id": "coder",
		"content":  "hello",
		"work_dir": t.TempDir(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, "echo: hello", resultText(t, result))
}

func TestHandleGrants(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	bad := []map[string]any{
		{"project": "/p", "tool_kind": "execute", "scope_type": "bogus", "scope_value": "git"},
		{"project": "/p", "tool_kind": "execute", "scope_type": "command_prefix"},
		{"project": "/p", "tool_kind": "execute", "scope_type": "any", "decision": "maybe"},
	}
	for _, args := range bad {
		result, err := srv.handleGrantPermission(ctx, callToolReq("taskrun_grant_permission", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, "%v", args)
	}

	result, err := srv.handleGrantPermission(ctx, callToolReq("taskrun_grant_permission", map[string]any{
		"project":     "/p",
		"tool_kind":   "execute",
		"scope_type":  "command_prefix",
		"scope_value": "rm",
		"decision":    "deny",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	result, err = srv.handleListGrants(ctx, callToolReq("taskrun_list_grants", map[string]any{"project": "/p"}))
	require.NoError(t, err)
	var grants []models.PermissionGrant
	resultJSON(t, result, &grants)
	require.Len(t, grants, 1)
	assert.False(t, grants[0].Granted)
	assert.Equal(t, models.ScopeCommandPrefix, grants[0].ScopeType)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}
