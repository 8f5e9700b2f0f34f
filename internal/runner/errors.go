package runner

import (
	"errors"
	"fmt"

	"github.com/joescharf/taskrun/internal/models"
)

var (
	ErrNoAgent       = errors.New("no agent selected for task")
	ErrTaskRunning   = errors.New("task run already in progress")
	ErrAgentBusy     = errors.New("agent is running another task")
	ErrNoResearch    = errors.New("task has no research document")
	ErrUnknownEvicts = errors.New("eviction list names no workspace of this repository")
	// ErrSessionStart wraps failures to bind an agent session before any
	// prompt was delivered.
	ErrSessionStart = errors.New("start agent session")
)

// EvictionNeededError is returned when the repository is at its workspace
// ceiling. Candidates are the live workspaces, least recently used first;
// the caller retries with RunRequest.Evict naming the ones to remove.
type EvictionNeededError struct {
	RepoPath   string
	Limit      int
	Candidates []models.Workspace
	Err        error
}

func (e *EvictionNeededError) Error() string {
	return fmt.Sprintf("workspace limit of %d reached for %s: choose workspaces to evict", e.Limit, e.RepoPath)
}

func (e *EvictionNeededError) Unwrap() error { return e.Err }
