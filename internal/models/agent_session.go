package models

import "time"

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusReady    SessionStatus = "ready"
	SessionStatusBusy     SessionStatus = "busy"
	SessionStatusStopped  SessionStatus = "stopped"
	SessionStatusError    SessionStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusStopped || s == SessionStatusError
}

// AgentIdentity is a discovered agent definition. It is immutable once registered.
type AgentIdentity struct {
	ID             string            `json:"id" yaml:"id" mapstructure:"id"`
	Name           string            `json:"name" yaml:"name" mapstructure:"name"`
	Backend        string            `json:"backend" yaml:"backend" mapstructure:"backend"`
	Command        string            `json:"command" yaml:"command" mapstructure:"command"`
	Args           []string          `json:"args,omitempty" yaml:"args" mapstructure:"args"`
	Env            map[string]string `json:"env,omitempty" yaml:"env" mapstructure:"env"`
	PromptTemplate string            `json:"promptTemplate,omitempty" yaml:"prompt_template" mapstructure:"prompt_template"`
	PermissionMode string            `json:"permissionMode,omitempty" yaml:"permission_mode" mapstructure:"permission_mode"`
}

// AgentSession is one running conversation between the engine and an agent
// process, bound to a single working directory.
type AgentSession struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agentId"`
	WorkDir        string        `json:"workDir"`
	Status         SessionStatus `json:"status"`
	ResumeToken    string        `json:"resumeToken,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}
