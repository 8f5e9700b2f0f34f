// Package agent defines agent identities and the processes that run them.
package agent

import (
	"context"
	"errors"

	"github.com/joescharf/taskrun/internal/models"
)

// ErrNotStarted is returned by Prompt before Start succeeded.
var ErrNotStarted = errors.New("agent process not started")

// UpdateKind identifies the content of an Update.
type UpdateKind string

const (
	UpdateChunk      UpdateKind = "chunk"
	UpdateThought    UpdateKind = "thought"
	UpdateToolCall   UpdateKind = "tool_call"
	UpdatePlan       UpdateKind = "plan"
	UpdatePermission UpdateKind = "permission"
	UpdateDone       UpdateKind = "done"
	UpdateError      UpdateKind = "error"
)

// PermissionAsk is a tool call the agent will not run until Reply receives
// the id of one of Options.
type PermissionAsk struct {
	RequestID string
	ToolCall  models.ToolCall
	Options   []models.PermissionOption
	Reply     chan<- string
}

// Update is one item of a prompt's output stream. A stream ends with exactly
// one UpdateDone or UpdateError and is then closed.
type Update struct {
	Kind       UpdateKind
	Text       string
	ToolCall   *models.ToolCall
	Todos      []models.TodoItem
	Permission *PermissionAsk
	StopReason string
	// ResumeToken is set on UpdateDone when the backend assigned or rotated
	// its protocol session id.
	ResumeToken string
	Err         error
}

// StartOptions configures the protocol session a Process opens.
type StartOptions struct {
	WorkDir     string
	ResumeToken string
}

// Process is one agent protocol session bound to a working directory.
type Process interface {
	// Start opens the protocol session, resuming ResumeToken when set, and
	// returns the token that resumes it later.
	Start(ctx context.Context, opts StartOptions) (string, error)
	// Prompt sends content and streams the agent's output.
	Prompt(ctx context.Context, content string) (<-chan Update, error)
	// Cancel aborts the in-flight prompt. It is a no-op when idle.
	Cancel() error
	// Close terminates the process.
	Close() error
}

// Factory builds a Process for an identity.
type Factory interface {
	New(identity models.AgentIdentity) (Process, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(identity models.AgentIdentity) (Process, error)

func (f FactoryFunc) New(identity models.AgentIdentity) (Process, error) { return f(identity) }

const (
	BackendJSONL  = "jsonl"
	BackendClaude = "claude"
)

// DefaultFactory builds processes by identity backend.
type DefaultFactory struct{}

func (DefaultFactory) New(identity models.AgentIdentity) (Process, error) {
	switch identity.Backend {
	case BackendClaude:
		return NewClaudeProcess(identity), nil
	case BackendJSONL, "":
		return NewJSONLProcess(identity), nil
	default:
		return nil, errors.New("unknown agent backend: " + identity.Backend)
	}
}
