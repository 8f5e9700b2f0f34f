// Package events carries engine events to presentation and transport layers.
package events

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/taskrun/internal/models"
)

// Type identifies the payload an Event carries.
type Type string

const (
	TypeLifecycle         Type = "lifecycle"
	TypeChunk             Type = "chunk"
	TypeCompletion        Type = "completion"
	TypePermissionRequest Type = "permission_request"
	TypeError             Type = "error"
	TypeSessionStatus     Type = "session_status"
)

// Phase is a checkpoint of a task run.
type Phase string

const (
	PhaseCreatingWorktree Phase = "creating_worktree"
	PhaseInstallingDeps   Phase = "installing_deps"
	PhaseResearching      Phase = "researching"
	PhaseImplementing     Phase = "implementing"
	PhaseCommitting       Phase = "committing"
	PhaseCreatingPR       Phase = "creating_pr"
	PhaseDone             Phase = "done"
	PhaseWarning          Phase = "warning"
)

// Event is the envelope published on the Bus.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Lifecycle reports a task run phase.
type Lifecycle struct {
	TaskID    string `json:"taskId"`
	AgentID   string `json:"agentId,omitempty"`
	TaskTitle string `json:"taskTitle"`
	Phase     Phase  `json:"phase"`
	Message   string `json:"message,omitempty"`
}

// Chunk is partial agent output.
type Chunk struct {
	AgentID   string            `json:"agentId"`
	SessionID string            `json:"sessionId,omitempty"`
	Content   string            `json:"content,omitempty"`
	Thinking  string            `json:"thinking,omitempty"`
	ToolCalls []models.ToolCall `json:"toolCalls,omitempty"`
	TodoItems []models.TodoItem `json:"todoItems,omitempty"`
}

// PermissionRequest asks the operator to decide a tool call.
type PermissionRequest struct {
	RequestID string                    `json:"requestId"`
	AgentID   string                    `json:"agentId"`
	ToolCall  models.ToolCall           `json:"toolCall"`
	Options   []models.PermissionOption `json:"options"`
}

// Error is a failure scoped to one agent, or global when AgentID is empty.
type Error struct {
	AgentID string `json:"agentId,omitempty"`
	Error   string `json:"error"`
}

// SessionStatus reports an agent session state transition.
type SessionStatus struct {
	SessionID string               `json:"sessionId"`
	AgentID   string               `json:"agentId"`
	WorkDir   string               `json:"workDir"`
	Status    models.SessionStatus `json:"status"`
}

// New wraps a payload in an Event with a fresh id and timestamp.
func New(t Type, payload any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Completion returns the completion event for a finished assistant message.
func Completion(msg models.Message) Event {
	return New(TypeCompletion, msg)
}
