package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

// ===========================================================================
// scriptedProcess: an agent that edits its work dir and answers in one turn
// ===========================================================================

type scriptedProcess struct {
	mu      sync.Mutex
	workDir string
	cancel  chan struct{}
}

func (p *scriptedProcess) Start(_ context.Context, opts agent.StartOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workDir = opts.WorkDir
	return "tok-1", nil
}

func (p *scriptedProcess) Prompt(_ context.Context, content string) (<-chan agent.Update, error) {
	out := make(chan agent.Update, 8)
	cancel := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	dir := p.workDir
	p.mu.Unlock()

	go func() {
		defer close(out)
		switch {
		case content == "ask":
			reply := make(chan string, 1)
			out <- agent.Update{Kind: agent.UpdatePermission, Permission: &agent.PermissionAsk{
				RequestID: "req-1",
				ToolCall: models.ToolCall{
					ID:       "tc-1",
					Kind:     models.ToolKindExecute,
					RawInput: map[string]any{"command": "make test"},
				},
				Options: models.DefaultPermissionOptions(),
				Reply:   reply,
			}}
			select {
			case opt := <-reply:
				out <- agent.Update{Kind: agent.UpdateDone, Text: opt}
			case <-cancel:
				out <- agent.Update{Kind: agent.UpdateDone, StopReason: "cancelled"}
			}
		case content == "wait":
			<-cancel
			out <- agent.Update{Kind: agent.UpdateDone, StopReason: "cancelled"}
		case strings.HasPrefix(content, "Implement") || strings.HasPrefix(content, "Fix"):
			_ = os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("implemented\n"), 0o644)
			out <- agent.Update{Kind: agent.UpdateChunk, Text: "implemented"}
			out <- agent.Update{Kind: agent.UpdateDone}
		default:
			out <- agent.Update{Kind: agent.UpdateChunk, Text: "echo: " + content}
			out <- agent.Update{Kind: agent.UpdateDone}
		}
	}()
	return out, nil
}

func (p *scriptedProcess) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		close(p.cancel)
		p.cancel = nil
	}
	return nil
}

func (p *scriptedProcess) Close() error { return nil }

type noGitHub struct{}

func (noGitHub) CreatePR(context.Context, string, git.PROptions) (*git.PullRequest, error) {
	return nil, errors.New("gh unavailable")
}

func setupTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(models.AgentIdentity{ID: "coder", Name: "Coder", Command: "fake"}))
	factory := agent.FactoryFunc(func(models.AgentIdentity) (agent.Process, error) {
		return &scriptedProcess{}, nil
	})

	bus := events.NewBus()
	sm := sessions.NewManager(reg, factory, s, permission.NewGate(s), bus,
		sessions.WithProjectResolver(wt.ProjectForPath))
	alloc := wt.NewAllocator(git.NewClient(), noGitHub{}, s)
	rc := runner.New(s, alloc, runner.SessionPrompter{Manager: sm}, bus)

	srv := NewServer(s, alloc, sm, rc, bus)
	t.Cleanup(func() {
		srv.Close()
		sm.Shutdown()
	})
	return srv, s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
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

// ===========================================================================
// Tasks
// ===========================================================================

func TestListTasks_Empty(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv.Router(), "GET", "/api/v1/tasks", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestTaskCRUD_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	// Create
	w := do(t, router, "POST", "/api/v1/tasks", `{"title":"Add export","projectPath":"/tmp/proj","kind":"bug"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.TaskKindBug, created.Kind)
	assert.Equal(t, models.TaskStateNew, created.State)

	// Get
	w = do(t, router, "GET", "/api/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Filtered list
	w = do(t, router, "GET", "/api/v1/tasks?project=/tmp/proj&kind=bug", "")
	var tasks []*models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 1)

	w = do(t, router, "GET", "/api/v1/tasks?project=/tmp/other", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Empty(t, tasks)

	// Partial update keeps omitted and empty fields
	w = do(t, router, "PUT", "/api/v1/tasks/"+created.ID, `{"state":"blocked","title":""}`)
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, models.TaskStateBlocked, updated.State)
	assert.Equal(t, "Add export", updated.Title)

	// Delete
	w = do(t, router, "DELETE", "/api/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, "GET", "/api/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTask_Validation(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	assert.Equal(t, http.StatusBadRequest, do(t, router, "POST", "/api/v1/tasks", `{"title":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, "POST", "/api/v1/tasks", `not json`).Code)
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv.Router(), "OPTIONS", "/api/v1/tasks", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{sessions.ErrUnknownAgent, http.StatusNotFound},
		{sessions.ErrNoWorkDir, http.StatusBadRequest},
		{runner.ErrNoResearch, http.StatusBadRequest},
		{sessions.ErrSessionBusy, http.StatusConflict},
		{runner.ErrTaskRunning, http.StatusConflict},
		{&wt.LimitReachedError{Limit: 1, Count: 1}, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

// ===========================================================================
// Grants and settings
// ===========================================================================

func TestGrants_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "GET", "/api/v1/grants", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/grants",
		`{"projectPath":"/proj","toolKind":"execute","scopeType":"nope","scopeValue":"git","granted":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/grants",
		`{"projectPath":"/proj","toolKind":"execute","scopeType":"command_prefix","scopeValue":"git","granted":true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var g models.PermissionGrant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &g))
	assert.NotEmpty(t, g.ID)

	w = do(t, router, "GET", "/api/v1/grants?project=/proj", "")
	var grants []*models.PermissionGrant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grants))
	assert.Len(t, grants, 1)

	assert.Equal(t, http.StatusNoContent, do(t, router, "DELETE", "/api/v1/grants/"+g.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, "DELETE", "/api/v1/grants/"+g.ID, "").Code)
}

func TestSettings_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "PUT", "/api/v1/settings", `{"worktreeLimit":2}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "GET", "/api/v1/settings", "")
	var got models.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 2, got.WorktreeLimit)
	assert.True(t, got.WorktreeIsolation, "absent keys keep their value")

	assert.Equal(t, http.StatusBadRequest, do(t, router, "PUT", "/api/v1/settings", `{"worktreeLimit":-1}`).Code)
}

// ===========================================================================
// Agents and sessions
// ===========================================================================

func TestListAgents(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv.Router(), "GET", "/api/v1/agents", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var agents []models.AgentIdentity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "coder", agents[0].ID)
}

func TestSessionLifecycle_API(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	dir := t.TempDir()

	w := do(t, router, "GET", "/api/v1/agents/coder/session", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "POST", "/api/v1/agents/ghost/session", `{"workDir":"`+dir+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "POST", "/api/v1/agents/coder/session", `{"workDir":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/agents/coder/session", `{"workDir":"`+dir+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var sess models.AgentSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, dir, sess.WorkDir)
	assert.Equal(t, models.SessionStatusReady, sess.Status)

	// Send and wait for the reply
	w = do(t, router, "POST", "/api/v1/agents/coder/messages", `{"content":"hi","wait":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var reply models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, "echo: hi", reply.Content)

	// History is persisted in order
	msgs, err := s.ListMessages(context.Background(), "coder", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)

	w = do(t, router, "GET", "/api/v1/sessions", "")
	var live []models.AgentSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &live))
	assert.Len(t, live, 1)

	w = do(t, router, "DELETE", "/api/v1/agents/coder/session", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, "GET", "/api/v1/sessions?history=1&agent=coder", "")
	var recorded []models.AgentSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recorded))
	require.NotEmpty(t, recorded)
	assert.Equal(t, models.SessionStatusStopped, recorded[0].Status)
}

func TestSendMessage_Validation(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	assert.Equal(t, http.StatusBadRequest, do(t, router, "POST", "/api/v1/agents/coder/messages", `{"content":""}`).Code)
	// No session and no workDir
	assert.Equal(t, http.StatusBadRequest, do(t, router, "POST", "/api/v1/agents/coder/messages", `{"content":"hi"}`).Code)
}

func TestCancelMessage_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()
	dir := t.TempDir()

	w := do(t, router, "POST", "/api/v1/agents/coder/messages", `{"content":"wait","workDir":"`+dir+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		sess, ok := srv.sessions.GetSession("coder")
		return ok && sess.Status == models.SessionStatusBusy
	}, 5*time.Second, 10*time.Millisecond)

	w = do(t, router, "POST", "/api/v1/agents/coder/cancel", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.Eventually(t, func() bool {
		sess, ok := srv.sessions.GetSession("coder")
		return !ok || sess.Status != models.SessionStatusBusy
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPermission_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()
	dir := t.TempDir()

	w := do(t, router, "POST", "/api/v1/agents/coder/messages", `{"content":"ask","workDir":"`+dir+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var pending []events.PermissionRequest
	require.Eventually(t, func() bool {
		w := do(t, router, "GET", "/api/v1/agents/coder/permissions", "")
		_ = json.Unmarshal(w.Body.Bytes(), &pending)
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	reqID := pending[0].RequestID
	assert.Equal(t, http.StatusBadRequest,
		do(t, router, "POST", "/api/v1/agents/coder/permissions/"+reqID, `{}`).Code)
	assert.Equal(t, http.StatusNotFound,
		do(t, router, "POST", "/api/v1/agents/coder/permissions/nope", `{"optionId":"allow_once"}`).Code)

	w = do(t, router, "POST", "/api/v1/agents/coder/permissions/"+reqID, `{"optionId":"allow_once"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.Eventually(t, func() bool {
		w := do(t, router, "GET", "/api/v1/agents/coder/permissions", "")
		_ = json.Unmarshal(w.Body.Bytes(), &pending)
		return len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// ===========================================================================
// Workspaces and task runs
// ===========================================================================

func TestWorkspaces_API(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	repo := filepath.Join(t.TempDir(), "repo")
	initTestRepo(t, repo)

	settings := models.DefaultSettings()
	settings.WorktreeLimit = 1
	require.NoError(t, s.UpdateSettings(context.Background(), settings))

	w := do(t, router, "POST", "/api/v1/workspaces",
		`{"repoPath":"`+repo+`","taskId":"01JTASK0000000000000AAAAAA","title":"First task"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))
	assert.Equal(t, "feature/first-task-aaaaaa", ws.Branch)
	assert.DirExists(t, ws.Path)

	// Ceiling reached: 409 with eviction candidates
	w = do(t, router, "POST", "/api/v1/workspaces",
		`{"repoPath":"`+repo+`","taskId":"01JTASK0000000000000BBBBBB","title":"Second task"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict EvictionConflict
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, 1, conflict.Limit)
	require.Len(t, conflict.Candidates, 1)
	assert.Equal(t, ws.Path, conflict.Candidates[0].Path)

	w = do(t, router, "GET", "/api/v1/workspaces?repo="+repo+"&sort=lru", "")
	var list []models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = do(t, router, "POST", "/api/v1/workspaces/cleanup", `{"repoPath":"`+repo+`","paths":["/not/a/workspace"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/workspaces/cleanup", `{"repoPath":"`+repo+`","paths":["`+ws.Path+`"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoDirExists(t, ws.Path)
}

func TestCleanupOrphans_API(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "repo")
	initTestRepo(t, repo)

	live := &models.Task{Title: "Live", ProjectPath: repo}
	require.NoError(t, s.CreateTask(ctx, live))

	for _, id := range []string{live.ID, "01JTASK0000000000000GONE00"} {
		w := do(t, router, "POST", "/api/v1/workspaces",
			`{"repoPath":"`+repo+`","taskId":"`+id+`","title":"x"}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := do(t, router, "POST", "/api/v1/workspaces/cleanup", `{"repoPath":"`+repo+`","orphans":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var removed []models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &removed))
	require.Len(t, removed, 1)
	assert.Equal(t, "01JTASK0000000000000GONE00", removed[0].TaskID)
	assert.DirExists(t, wt.WorkspacePath(repo, live.ID))
}

func TestImplementTask_API(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "repo")
	initTestRepo(t, repo)

	task := &models.Task{Title: "Add feature", ProjectPath: repo}
	require.NoError(t, s.CreateTask(ctx, task))

	w := do(t, router, "POST", "/api/v1/tasks/"+task.ID+"/implement", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "no agent")

	w = do(t, router, "POST", "/api/v1/tasks/"+task.ID+"/implement", `{"agentId":"coder"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started RunStarted
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.Equal(t, wt.WorkspacePath(repo, task.ID), started.WorkDir)
	assert.True(t, strings.HasPrefix(started.Branch, "feature/add-feature-"))

	var got *models.Task
	require.Eventually(t, func() bool {
		var err error
		got, err = s.GetTask(ctx, task.ID)
		return err == nil && got.State == models.TaskStateDone
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, models.CloseReasonCompleted, got.CloseReason)
	assert.Equal(t, started.Branch, got.BranchName)
	assert.FileExists(t, filepath.Join(started.WorkDir, "feature.txt"))

	w = do(t, router, "GET", "/api/v1/tasks/"+task.ID+"/diff", "")
	require.Equal(t, http.StatusOK, w.Code)
	var diff DiffResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &diff))
	assert.Contains(t, diff.Diff, "feature.txt")
}

func TestImplementTask_UnknownAgentChangesNothing(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()
	repo := filepath.Join(t.TempDir(), "repo")
	initTestRepo(t, repo)

	task := &models.Task{Title: "Add feature", ProjectPath: repo}
	require.NoError(t, s.CreateTask(ctx, task))

	w := do(t, router, "POST", "/api/v1/tasks/"+task.ID+"/implement", `{"agentId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateNew, got.State)
	assert.Empty(t, got.ImplementingAgentID)
	assert.Empty(t, got.WorkspacePath)
	assert.NoDirExists(t, wt.WorkspacePath(repo, task.ID))

	w = do(t, router, "POST", "/api/v1/tasks/"+task.ID+"/research", `{"agentId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReviseTask_RequiresFeedback(t *testing.T) {
	srv, s := setupTestServer(t)
	task := &models.Task{Title: "x", ProjectPath: t.TempDir()}
	require.NoError(t, s.CreateTask(context.Background(), task))

	w := do(t, srv.Router(), "POST", "/api/v1/tasks/"+task.ID+"/revise", `{"agentId":"coder"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv.Router(), "POST", "/api/v1/tasks/nope/research", `{"agentId":"coder"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ===========================================================================
// Event stream
// ===========================================================================

func TestEventStream(t *testing.T) {
	srv, s := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := &models.Task{Title: "Explore", ProjectPath: t.TempDir()}
	require.NoError(t, s.CreateTask(context.Background(), task))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.bus.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/v1/tasks/"+task.ID+"/research", "application/json",
		bytes.NewBufferString(`{"agentId":"coder"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var phases []events.Phase
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var e struct {
			Type    events.Type      `json:"type"`
			Payload events.Lifecycle `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&e))
		if e.Type != events.TypeLifecycle {
			continue
		}
		assert.Equal(t, task.ID, e.Payload.TaskID)
		phases = append(phases, e.Payload.Phase)
		if e.Payload.Phase == events.PhaseDone {
			break
		}
	}
	assert.Equal(t, events.PhaseResearching, phases[0])
	// The scripted agent never writes the research file.
	assert.Contains(t, phases, events.PhaseWarning)
}
