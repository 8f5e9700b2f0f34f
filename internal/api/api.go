package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sourcegraph/conc"

	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/runner"
	"github.com/joescharf/taskrun/internal/sessions"
	"github.com/joescharf/taskrun/internal/store"
	"github.com/joescharf/taskrun/internal/wt"
)

// Server provides the REST API handlers and the event stream.
type Server struct {
	store    store.Store
	wt       *wt.Allocator
	sessions *sessions.Manager
	runner   *runner.Coordinator
	bus      *events.Bus
	logger   *slog.Logger

	// runs tracks background task runs; ctx outlives any single request.
	ctx    context.Context
	cancel context.CancelFunc
	runs   conc.WaitGroup
}

// NewServer creates a new API server.
func NewServer(s store.Store, alloc *wt.Allocator, sm *sessions.Manager, rc *runner.Coordinator, bus *events.Bus) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:    s,
		wt:       alloc,
		sessions: sm,
		runner:   rc,
		bus:      bus,
		logger:   slog.Default().With("component", "api"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels background runs and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.runs.Wait()
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.createTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("PUT /api/v1/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.deleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/research", s.researchTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/revise", s.reviseTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/implement", s.implementTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/diff", s.taskDiff)

	mux.HandleFunc("GET /api/v1/agents", s.listAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}/session", s.getAgentSession)
	mux.HandleFunc("POST /api/v1/agents/{id}/session", s.startAgentSession)
	mux.HandleFunc("DELETE /api/v1/agents/{id}/session", s.stopAgentSession)
	mux.HandleFunc("GET /api/v1/agents/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/agents/{id}/messages", s.sendMessage)
	mux.HandleFunc("POST /api/v1/agents/{id}/cancel", s.cancelMessage)
	mux.HandleFunc("GET /api/v1/agents/{id}/permissions", s.listPendingPermissions)
	mux.HandleFunc("POST /api/v1/agents/{id}/permissions/{requestId}", s.respondToPermission)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)

	mux.HandleFunc("GET /api/v1/workspaces", s.listWorkspaces)
	mux.HandleFunc("POST /api/v1/workspaces", s.createWorkspace)
	mux.HandleFunc("POST /api/v1/workspaces/cleanup", s.cleanupWorkspaces)

	mux.HandleFunc("GET /api/v1/grants", s.listGrants)
	mux.HandleFunc("POST /api/v1/grants", s.createGrant)
	mux.HandleFunc("DELETE /api/v1/grants/{id}", s.deleteGrant)

	mux.HandleFunc("GET /api/v1/settings", s.getSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.updateSettings)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps an engine error to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, sessions.ErrUnknownAgent),
		errors.Is(err, sessions.ErrUnknownSession),
		errors.Is(err, sessions.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrNoWorkDir),
		errors.Is(err, runner.ErrNoAgent),
		errors.Is(err, runner.ErrNoResearch),
		errors.Is(err, runner.ErrUnknownEvicts):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionBusy),
		errors.Is(err, sessions.ErrSessionClosed),
		errors.Is(err, runner.ErrTaskRunning),
		errors.Is(err, runner.ErrAgentBusy),
		errors.Is(err, wt.ErrLimitReached):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// patchString applies a string value from a JSON patch map to the target if the key is present and non-empty.
func patchString(patch map[string]any, key string, target *string) {
	if v, ok := patch[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			*target = str
		}
	}
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.store.ListTasks(r.Context(), store.TaskListFilter{
		ProjectPath: q.Get("project"),
		State:       models.TaskState(q.Get("state")),
		Kind:        models.TaskKind(q.Get("kind")),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var t models.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if t.Title == "" || t.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "title and projectPath are required")
		return
	}
	if err := s.store.CreateTask(r.Context(), &t); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Empty strings are treated as "not provided".
	patchString(patch, "title", &existing.Title)
	patchString(patch, "description", &existing.Description)
	var kind, state string
	patchString(patch, "kind", &kind)
	patchString(patch, "state", &state)
	if kind != "" {
		existing.Kind = models.TaskKind(kind)
	}
	if state != "" {
		existing.State = models.TaskState(state)
	}

	if err := s.store.UpdateTask(r.Context(), existing); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runner.Running(id) {
		writeError(w, http.StatusConflict, runner.ErrTaskRunning.Error())
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunTaskRequest is the body of the research, revise, and implement routes.
type RunTaskRequest struct {
	AgentID    string   `json:"agentId"`
	BaseBranch string   `json:"baseBranch,omitempty"`
	Evict      []string `json:"evict,omitempty"`
	Feedback   string   `json:"feedback,omitempty"`
}

// RunStarted acknowledges a run that continues in the background. Progress
// arrives on the event stream.
type RunStarted struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId,omitempty"`
	WorkDir string `json:"workDir,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// EvictionConflict is the 409 body when a workspace must be evicted first.
type EvictionConflict struct {
	Error      string             `json:"error"`
	Limit      int                `json:"limit"`
	Candidates []models.Workspace `json:"candidates"`
}

func decodeRunRequest(r *http.Request) (RunTaskRequest, error) {
	var req RunTaskRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

func (s *Server) researchTask(w http.ResponseWriter, r *http.Request) {
	s.startResearch(w, r, false)
}

func (s *Server) reviseTask(w http.ResponseWriter, r *http.Request) {
	s.startResearch(w, r, true)
}

func (s *Server) startResearch(w http.ResponseWriter, r *http.Request, revise bool) {
	body, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if revise && body.Feedback == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	id := r.PathValue("id")
	req := runner.RunRequest{TaskID: id, AgentID: body.AgentID}
	if err := s.runner.Validate(r.Context(), req); err != nil {
		writeErr(w, err)
		return
	}
	if s.runner.Running(id) {
		writeError(w, http.StatusConflict, runner.ErrTaskRunning.Error())
		return
	}

	s.runs.Go(func() {
		var err error
		if revise {
			_, err = s.runner.ReviseResearch(s.ctx, req, body.Feedback)
		} else {
			_, err = s.runner.RunResearch(s.ctx, req)
		}
		if err != nil {
			s.logger.Warn("research run failed", "task", id, "error", err)
			s.bus.Emit(events.TypeError, events.Error{AgentID: body.AgentID, Error: err.Error()})
		}
	})
	writeJSON(w, http.StatusAccepted, RunStarted{TaskID: id, AgentID: body.AgentID})
}

func (s *Server) implementTask(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := r.PathValue("id")

	run, err := s.runner.PrepareImplementation(r.Context(), runner.RunRequest{
		TaskID:     id,
		AgentID:    body.AgentID,
		BaseBranch: body.BaseBranch,
		Evict:      body.Evict,
	})
	if err != nil {
		var evict *runner.EvictionNeededError
		if errors.As(err, &evict) {
			writeJSON(w, http.StatusConflict, EvictionConflict{
				Error:      err.Error(),
				Limit:      evict.Limit,
				Candidates: evict.Candidates,
			})
			return
		}
		writeErr(w, err)
		return
	}

	started := RunStarted{TaskID: id, AgentID: body.AgentID, WorkDir: run.WorkDir()}
	if ws := run.Workspace(); ws != nil {
		started.Branch = ws.Branch
	}
	s.runs.Go(func() {
		if _, err := run.Execute(s.ctx); err != nil {
			s.logger.Warn("implementation run failed", "task", id, "error", err)
		}
	})
	writeJSON(w, http.StatusAccepted, started)
}

// DiffResponse is the read-only preview of a task's workspace.
type DiffResponse struct {
	Path    string `json:"path"`
	Summary string `json:"summary"`
	Diff    string `json:"diff"`
}

func (s *Server) taskDiff(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if task.WorkspacePath == "" {
		writeError(w, http.StatusNotFound, "task has no workspace")
		return
	}
	summary, err := s.wt.GetDiffSummary(r.Context(), task.WorkspacePath)
	if err != nil {
		writeErr(w, err)
		return
	}
	diff, err := s.wt.GetDiff(r.Context(), task.WorkspacePath)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DiffResponse{Path: task.WorkspacePath, Summary: summary, Diff: diff})
}

// --- Grants ---

func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, http.StatusBadRequest, "project is required")
		return
	}
	grants, err := s.store.ListPermissionGrants(r.Context(), project)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (s *Server) createGrant(w http.ResponseWriter, r *http.Request) {
	var g models.PermissionGrant
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if g.ProjectPath == "" || g.ToolKind == "" {
		writeError(w, http.StatusBadRequest, "projectPath and toolKind are required")
		return
	}
	if !g.ScopeType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid scopeType")
		return
	}
	if err := s.store.SavePermissionGrant(r.Context(), &g); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) deleteGrant(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePermissionGrant(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Settings ---

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	// Decoding over the current values leaves absent keys unchanged.
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if settings.WorktreeLimit < 0 {
		writeError(w, http.StatusBadRequest, "worktreeLimit must not be negative")
		return
	}
	if err := s.store.UpdateSettings(r.Context(), settings); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}
