package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/runner"
	"github.com/joescharf/taskrun/internal/sessions"
	"github.com/joescharf/taskrun/internal/store"
	"github.com/joescharf/taskrun/internal/wt"
)

// Server exposes the task engine as MCP tools.
type Server struct {
	store    store.Store
	wt       *wt.Allocator
	sessions *sessions.Manager
	runner   *runner.Coordinator
	version  string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, alloc *wt.Allocator, sm *sessions.Manager, rc *runner.Coordinator, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		store:    s,
		wt:       alloc,
		sessions: sm,
		runner:   rc,
		version:  version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("taskrun", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.createTaskTool())
	srv.AddTool(s.researchTaskTool())
	srv.AddTool(s.implementTaskTool())
	srv.AddTool(s.listWorkspacesTool())
	srv.AddTool(s.cleanupWorkspacesTool())
	srv.AddTool(s.sendMessageTool())
	srv.AddTool(s.listGrantsTool())
	srv.AddTool(s.grantPermissionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// splitList parses a comma-separated argument, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// taskrun_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_list_tasks",
		mcp.WithDescription("List tasks. Returns a JSON array of tasks with id, title, kind, state, workspace, branch, and pull request."),
		mcp.WithString("project", mcp.Description("Filter by project path")),
		mcp.WithString("state", mcp.Description("Filter by state: new, in_progress, active, blocked, done")),
		mcp.WithString("kind", mcp.Description("Filter by kind: feature, bug, chore, spike")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskListFilter{
		ProjectPath: request.GetString("project", ""),
		State:       models.TaskState(request.GetString("state", "")),
		Kind:        models.TaskKind(request.GetString("kind", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return jsonResult(tasks, "tasks")
}

// taskrun_create_task
func (s *Server) createTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_create_task",
		mcp.WithDescription("Create a task in a project repository."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Absolute path of the project repository")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithString("kind", mcp.Description("feature (default), bug, chore, or spike")),
	)
	return tool, s.handleCreateTask
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	if !filepath.IsAbs(project) {
		return mcp.NewToolResultError(fmt.Sprintf("project must be an absolute path: %s", project)), nil
	}

	task := &models.Task{
		ProjectPath: filepath.Clean(project),
		Title:       title,
		Description: request.GetString("description", ""),
		Kind:        models.TaskKind(request.GetString("kind", "")),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	return jsonResult(task, "task")
}

// taskrun_research_task
func (s *Server) researchTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_research_task",
		mcp.WithDescription("Run the research phase of a task: an agent investigates the project and writes a research document. With feedback, revises the existing document instead. Blocks until the agent replies."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("agent_id", mcp.Description("Agent to run (defaults to the task's implementing agent)")),
		mcp.WithString("feedback", mcp.Description("Revision feedback for an existing research document")),
	)
	return tool, s.handleResearchTask
}

func (s *Server) handleResearchTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	req := runner.RunRequest{TaskID: taskID, AgentID: request.GetString("agent_id", "")}

	var res *runner.ResearchResult
	if feedback := request.GetString("feedback", ""); feedback != "" {
		res, err = s.runner.ReviseResearch(ctx, req, feedback)
	} else {
		res, err = s.runner.RunResearch(ctx, req)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("research failed: %v", err)), nil
	}
	return jsonResult(res, "research result")
}

// taskrun_implement_task
func (s *Server) implementTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_implement_task",
		mcp.WithDescription("Implement a task end to end: allocate an isolated workspace, run the agent, commit, push, and open a pull request. Blocks until done. If the project is at its workspace limit, returns the eviction candidates; call again with evict set to approve removing them."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("agent_id", mcp.Description("Agent to run (defaults to the task's implementing agent)")),
		mcp.WithString("base_branch", mcp.Description("Branch to start from (defaults to settings, then the repository default)")),
		mcp.WithString("evict", mcp.Description("Comma-separated workspace paths approved for removal")),
	)
	return tool, s.handleImplementTask
}

func (s *Server) handleImplementTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	res, err := s.runner.Implement(ctx, runner.RunRequest{
		TaskID:     taskID,
		AgentID:    request.GetString("agent_id", ""),
		BaseBranch: request.GetString("base_branch", ""),
		Evict:      splitList(request.GetString("evict", "")),
	})
	if err != nil {
		var evict *runner.EvictionNeededError
		if errors.As(err, &evict) {
			paths := make([]string, len(evict.Candidates))
			for i, c := range evict.Candidates {
				paths[i] = c.Path
			}
			return mcp.NewToolResultError(fmt.Sprintf(
				"%v\nleast recently used first:\n%s", err, strings.Join(paths, "\n"))), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("implementation failed: %v", err)), nil
	}
	return jsonResult(res, "implementation result")
}

// ---------------------------------------------------------------------------
// Workspaces
// ---------------------------------------------------------------------------

// taskrun_list_workspaces
func (s *Server) listWorkspacesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_list_workspaces",
		mcp.WithDescription("List a repository's task workspaces, least recently used first."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository path")),
	)
	return tool, s.handleListWorkspaces
}

func (s *Server) handleListWorkspaces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo"), nil
	}
	list, err := s.wt.GetLRUWorkspaces(ctx, repo, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list workspaces: %v", err)), nil
	}
	if list == nil {
		list = []models.Workspace{}
	}
	return jsonResult(list, "workspaces")
}

// taskrun_cleanup_workspaces
func (s *Server) cleanupWorkspacesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_cleanup_workspaces",
		mcp.WithDescription("Remove task workspaces. Branches are kept. Without paths, removes workspaces whose task is done or deleted."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository path")),
		mcp.WithString("paths", mcp.Description("Comma-separated workspace paths to remove")),
	)
	return tool, s.handleCleanupWorkspaces
}

func (s *Server) handleCleanupWorkspaces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo"), nil
	}

	paths := splitList(request.GetString("paths", ""))
	if len(paths) == 0 {
		tasks, err := s.store.ListTasks(ctx, store.TaskListFilter{ProjectPath: repo})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		var active []string
		for _, t := range tasks {
			if t.IsActive() {
				active = append(active, t.ID)
			}
		}
		removed, err := s.wt.CleanupOrphans(ctx, repo, active)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", err)), nil
		}
		return jsonResult(map[string]any{"removed": len(removed), "workspaces": removed}, "cleanup result")
	}

	all, err := s.wt.ListWorkspaces(ctx, repo)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list workspaces: %v", err)), nil
	}
	byPath := make(map[string]models.Workspace, len(all))
	for _, ws := range all {
		byPath[filepath.Clean(ws.Path)] = ws
	}
	var selected []models.Workspace
	for _, p := range paths {
		ws, ok := byPath[filepath.Clean(p)]
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("not a workspace of %s: %s", repo, p)), nil
		}
		selected = append(selected, ws)
	}
	if err := s.wt.CleanupWorkspaces(ctx, selected); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"removed": len(selected), "workspaces": selected}, "cleanup result")
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// taskrun_send_message
func (s *Server) sendMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_send_message",
		mcp.WithDescription("Send a message to an agent and wait for its reply. Starts a session in work_dir when the agent has none."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("work_dir", mcp.Description("Working directory for the session")),
	)
	return tool, s.handleSendMessage
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := request.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent_id"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}

	msg, err := runner.SessionPrompter{Manager: s.sessions}.Prompt(ctx, agentID, request.GetString("work_dir", ""), content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("message failed: %v", err)), nil
	}
	return mcp.NewToolResultText(msg.Content), nil
}

// ---------------------------------------------------------------------------
// Permission grants
// ---------------------------------------------------------------------------

// taskrun_list_grants
func (s *Server) listGrantsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_list_grants",
		mcp.WithDescription("List the persisted permission grants of a project."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project path")),
	)
	return tool, s.handleListGrants
}

func (s *Server) handleListGrants(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	grants, err := s.store.ListPermissionGrants(ctx, project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list grants: %v", err)), nil
	}
	if grants == nil {
		grants = []*models.PermissionGrant{}
	}
	return jsonResult(grants, "grants")
}

// taskrun_grant_permission
func (s *Server) grantPermissionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskrun_grant_permission",
		mcp.WithDescription("Persist a permission grant so matching agent tool calls are decided without asking."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project path")),
		mcp.WithString("tool_kind", mcp.Required(), mcp.Description("read, edit, delete, move, search, execute, think, fetch, or other")),
		mcp.WithString("scope_type", mcp.Required(), mcp.Description("command, command_prefix, path, path_prefix, glob, domain, url_prefix, or any")),
		mcp.WithString("scope_value", mcp.Description("Value the scope matches against")),
		mcp.WithString("decision", mcp.Description("allow (default) or deny")),
	)
	return tool, s.handleGrantPermission
}

func (s *Server) handleGrantPermission(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	kind, err := request.RequireString("tool_kind")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: tool_kind"), nil
	}
	scope, err := request.RequireString("scope_type")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: scope_type"), nil
	}

	g := &models.PermissionGrant{
		ProjectPath: project,
		ToolKind:    models.ToolKind(kind),
		ScopeType:   models.ScopeType(scope),
		ScopeValue:  request.GetString("scope_value", ""),
	}
	switch d := request.GetString("decision", "allow"); d {
	case "allow":
		g.Granted = true
	case "deny":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("invalid decision %q: use allow or deny", d)), nil
	}
	if !g.ScopeType.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid scope_type: %s", scope)), nil
	}
	if g.ScopeType != models.ScopeAny && g.ScopeValue == "" {
		return mcp.NewToolResultError("scope_value is required unless scope_type is any"), nil
	}

	if err := s.store.SavePermissionGrant(ctx, g); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save grant: %v", err)), nil
	}
	return jsonResult(g, "grant")
}
