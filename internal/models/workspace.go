package models

import "time"

// Workspace is a git worktree owned by a single task.
type Workspace struct {
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"baseBranch,omitempty"`
	RepoPath     string    `json:"repoPath"`
	TaskID       string    `json:"taskId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}
