package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/store"
	"github.com/joescharf/taskrun/internal/wt"
)

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	var (
		list []models.Workspace
		err  error
	)
	if r.URL.Query().Get("sort") == "lru" {
		list, err = s.wt.GetLRUWorkspaces(r.Context(), repo, 0)
	} else {
		list, err = s.wt.ListWorkspaces(r.Context(), repo)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []models.Workspace{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateWorkspaceRequest is the body of POST /api/v1/workspaces.
type CreateWorkspaceRequest struct {
	RepoPath   string          `json:"repoPath"`
	TaskID     string          `json:"taskId"`
	Title      string          `json:"title"`
	Kind       models.TaskKind `json:"kind,omitempty"`
	BaseBranch string          `json:"baseBranch,omitempty"`
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RepoPath == "" || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "repoPath and taskId are required")
		return
	}
	ws, err := s.wt.CreateWorkspace(r.Context(), wt.CreateRequest{
		RepoPath:   req.RepoPath,
		TaskID:     req.TaskID,
		Title:      req.Title,
		Kind:       req.Kind,
		BaseBranch: req.BaseBranch,
	})
	if err != nil {
		var limit *wt.LimitReachedError
		if errors.As(err, &limit) {
			candidates, _ := s.wt.GetLRUWorkspaces(r.Context(), req.RepoPath, 0)
			writeJSON(w, http.StatusConflict, EvictionConflict{
				Error:      err.Error(),
				Limit:      limit.Limit,
				Candidates: candidates,
			})
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// CleanupRequest names workspaces of one repository to remove. An empty
// Paths list with Orphans set removes workspaces whose task is gone or done.
type CleanupRequest struct {
	RepoPath string   `json:"repoPath"`
	Paths    []string `json:"paths,omitempty"`
	Orphans  bool     `json:"orphans,omitempty"`
}

func (s *Server) cleanupWorkspaces(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "repoPath is required")
		return
	}

	if req.Orphans {
		active, err := s.activeTaskIDs(r, req.RepoPath)
		if err != nil {
			writeErr(w, err)
			return
		}
		removed, err := s.wt.CleanupOrphans(r.Context(), req.RepoPath, active)
		if err != nil {
			writeErr(w, err)
			return
		}
		if removed == nil {
			removed = []models.Workspace{}
		}
		writeJSON(w, http.StatusOK, removed)
		return
	}

	all, err := s.wt.ListWorkspaces(r.Context(), req.RepoPath)
	if err != nil {
		writeErr(w, err)
		return
	}
	want := make(map[string]bool, len(req.Paths))
	for _, p := range req.Paths {
		want[filepath.Clean(p)] = true
	}
	selected := []models.Workspace{}
	for _, ws := range all {
		if want[filepath.Clean(ws.Path)] {
			selected = append(selected, ws)
		}
	}
	if len(selected) != len(want) {
		writeError(w, http.StatusBadRequest, "unknown workspace path")
		return
	}
	if err := s.wt.CleanupWorkspaces(r.Context(), selected); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, selected)
}

// activeTaskIDs returns the ids of the repository's tasks that are not done.
func (s *Server) activeTaskIDs(r *http.Request, repo string) ([]string, error) {
	tasks, err := s.store.ListTasks(r.Context(), store.TaskListFilter{ProjectPath: repo})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, t := range tasks {
		if t.IsActive() {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}
