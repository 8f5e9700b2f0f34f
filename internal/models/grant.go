package models

import "time"

// ToolKind classifies what a tool call does.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindExecute ToolKind = "execute"
	ToolKindThink   ToolKind = "think"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindOther   ToolKind = "other"
)

// ScopeType is the shape of a grant's scope value.
type ScopeType string

const (
	ScopeCommand       ScopeType = "command"
	ScopeCommandPrefix ScopeType = "command_prefix"
	ScopePath          ScopeType = "path"
	ScopePathPrefix    ScopeType = "path_prefix"
	ScopeGlob          ScopeType = "glob"
	ScopeDomain        ScopeType = "domain"
	ScopeURLPrefix     ScopeType = "url_prefix"
	ScopeAny           ScopeType = "any"
)

// Valid reports whether s is a known scope type.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeCommand, ScopeCommandPrefix, ScopePath, ScopePathPrefix,
		ScopeGlob, ScopeDomain, ScopeURLPrefix, ScopeAny:
		return true
	}
	return false
}

// PermissionGrant is a persisted allow or reject decision for a class of tool calls.
type PermissionGrant struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"projectPath"`
	ToolKind    ToolKind  `json:"toolKind"`
	ScopeType   ScopeType `json:"scopeType"`
	ScopeValue  string    `json:"scopeValue"`
	Granted     bool      `json:"granted"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ToolCallRequest is a single authorization question raised by an agent.
type ToolCallRequest struct {
	RequestID string   `json:"requestId"`
	AgentID   string   `json:"agentId"`
	ToolKind  ToolKind `json:"toolKind"`
	Locations []string `json:"locations,omitempty"`
	RawInput  any      `json:"rawInput,omitempty"`
}

// PermissionOptionKind identifies the operator's answer to a permission request.
type PermissionOptionKind string

const (
	OptionAllowOnce    PermissionOptionKind = "allow_once"
	OptionAllowAlways  PermissionOptionKind = "allow_always"
	OptionRejectOnce   PermissionOptionKind = "reject_once"
	OptionRejectAlways PermissionOptionKind = "reject_always"
)

// PermissionOption is one choice offered with a permission request.
type PermissionOption struct {
	ID   string               `json:"optionId"`
	Name string               `json:"name"`
	Kind PermissionOptionKind `json:"kind"`
}

// Allows reports whether choosing this option lets the tool call proceed.
func (o PermissionOption) Allows() bool {
	return o.Kind == OptionAllowOnce || o.Kind == OptionAllowAlways
}

// Persists reports whether choosing this option records a grant.
func (o PermissionOption) Persists() bool {
	return o.Kind == OptionAllowAlways || o.Kind == OptionRejectAlways
}

// DefaultPermissionOptions returns the options offered with every request.
func DefaultPermissionOptions() []PermissionOption {
	return []PermissionOption{
		{ID: string(OptionAllowOnce), Name: "Allow once", Kind: OptionAllowOnce},
		{ID: string(OptionAllowAlways), Name: "Always allow", Kind: OptionAllowAlways},
		{ID: string(OptionRejectOnce), Name: "Reject", Kind: OptionRejectOnce},
		{ID: string(OptionRejectAlways), Name: "Always reject", Kind: OptionRejectAlways},
	}
}
