package models

import "time"

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a persisted conversation entry for an agent.
type Message struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agentId"`
	SessionID string      `json:"sessionId,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ToolCall is a tool invocation reported by an agent while streaming.
type ToolCall struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Kind      ToolKind `json:"kind"`
	Status    string   `json:"status,omitempty"`
	Locations []string `json:"locations,omitempty"`
	RawInput  any      `json:"rawInput,omitempty"`
}

// TodoItem is one entry of an agent's plan.
type TodoItem struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}
