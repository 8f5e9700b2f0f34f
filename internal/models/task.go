package models

import "time"

// TaskState represents where a task is in its lifecycle.
type TaskState string

const (
	TaskStateNew        TaskState = "new"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateActive     TaskState = "active"
	TaskStateBlocked    TaskState = "blocked"
	TaskStateDone       TaskState = "done"
)

// TaskKind represents the kind of work a task tracks.
type TaskKind string

const (
	TaskKindFeature TaskKind = "feature"
	TaskKindBug     TaskKind = "bug"
	TaskKindChore   TaskKind = "chore"
	TaskKindSpike   TaskKind = "spike"
)

// BranchPrefix returns the git branch prefix used for workspaces of this kind.
func (k TaskKind) BranchPrefix() string {
	switch k {
	case TaskKindBug:
		return "fix"
	case TaskKindChore:
		return "chore"
	case TaskKindSpike:
		return "spike"
	default:
		return "feature"
	}
}

// CloseReason records why a task reached the done state.
type CloseReason string

const (
	CloseReasonNone      CloseReason = ""
	CloseReasonFixed     CloseReason = "fixed"
	CloseReasonCompleted CloseReason = "completed"
)

// Task is a unit of work assigned to an agent. Only the execution fields
// (workspace, branch, PR, implementing agent) and State are written during runs.
type Task struct {
	ID          string      `json:"id"`
	ProjectPath string      `json:"projectPath"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Kind        TaskKind    `json:"kind"`
	State       TaskState   `json:"state"`
	CloseReason CloseReason `json:"closeReason,omitempty"`

	WorkspacePath       string `json:"workspacePath,omitempty"`
	BranchName          string `json:"branchName,omitempty"`
	ResearchPath        string `json:"researchPath,omitempty"`
	PRURL               string `json:"prUrl,omitempty"`
	PRNumber            int    `json:"prNumber,omitempty"`
	PRState             string `json:"prState,omitempty"`
	ImplementingAgentID string `json:"implementingAgentId,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// IsActive reports whether the task still owns execution resources.
func (t *Task) IsActive() bool {
	return t.State != TaskStateDone
}
