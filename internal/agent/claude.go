package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/joescharf/taskrun/internal/models"
)

// claudeToolKinds maps Claude Code tool names onto tool kinds.
var claudeToolKinds = map[string]models.ToolKind{
	"Read":         models.ToolKindRead,
	"Glob":         models.ToolKindSearch,
	"Grep":         models.ToolKindSearch,
	"WebSearch":    models.ToolKindFetch,
	"WebFetch":     models.ToolKindFetch,
	"Edit":         models.ToolKindEdit,
	"MultiEdit":    models.ToolKindEdit,
	"Write":        models.ToolKindEdit,
	"NotebookEdit": models.ToolKindEdit,
	"Bash":         models.ToolKindExecute,
	"Task":         models.ToolKindThink,
	"TodoWrite":    models.ToolKindThink,
}

// ClaudeToolCall describes a Claude Code tool invocation as a ToolCall.
func ClaudeToolCall(toolName string, input map[string]any) models.ToolCall {
	kind, ok := claudeToolKinds[toolName]
	if !ok {
		kind = models.ToolKindOther
	}
	tc := models.ToolCall{
		ID:       uuid.NewString(),
		Title:    toolName,
		Kind:     kind,
		Status:   "pending",
		RawInput: input,
	}
	for _, key := range []string{"file_path", "notebook_path", "path"} {
		if v, ok := input[key].(string); ok && v != "" {
			tc.Locations = append(tc.Locations, v)
		}
	}
	if v, ok := input["url"].(string); ok && v != "" {
		tc.Locations = append(tc.Locations, v)
	}
	if cmd, ok := input["command"].(string); ok && kind == models.ToolKindExecute {
		tc.Title = cmd
	}
	return tc
}

// ClaudeProcess runs prompts through the Claude Agent SDK. Each prompt is one
// RunQuerySync call that resumes the previous one.
type ClaudeProcess struct {
	identity models.AgentIdentity
	logger   *slog.Logger

	mu      sync.Mutex
	workDir string
	token   string
	started bool
	cancel  context.CancelFunc
}

// NewClaudeProcess returns an unstarted Claude-backed process.
func NewClaudeProcess(identity models.AgentIdentity) *ClaudeProcess {
	return &ClaudeProcess{
		identity: identity,
		logger:   slog.Default().With("component", "agent", "agent", identity.ID),
	}
}

// Start records the working directory; the SDK session opens on first prompt.
func (p *ClaudeProcess) Start(_ context.Context, opts StartOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workDir = opts.WorkDir
	p.token = opts.ResumeToken
	p.started = true
	return p.token, nil
}

func (p *ClaudeProcess) permissionMode() claudeagent.PermissionMode {
	switch p.identity.PermissionMode {
	case "acceptEdits":
		return claudeagent.PermissionModeAcceptEdits
	case "bypassPermissions":
		return claudeagent.PermissionModeBypassPermissions
	default:
		return claudeagent.PermissionModeDefault
	}
}

func (p *ClaudeProcess) Prompt(ctx context.Context, content string) (<-chan Update, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	if p.cancel != nil {
		p.mu.Unlock()
		return nil, errors.New("prompt already in flight")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	workDir, token := p.workDir, p.token
	p.mu.Unlock()

	ch := make(chan Update, 64)
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   p.identity.PromptTemplate,
		Cwd:            workDir,
		PermissionMode: p.permissionMode(),
		CanUseTool: func(toolName string, input map[string]any, _ claudeagent.ToolPermissionContext) (claudeagent.PermissionResult, error) {
			return p.askPermission(runCtx, ch, toolName, input)
		},
		StderrCallback: func(line string) {
			p.logger.Debug("claude stderr", "line", line)
		},
	}
	if token != "" {
		opts.Resume = token
	}

	go func() {
		defer close(ch)
		defer func() {
			p.mu.Lock()
			p.cancel = nil
			p.mu.Unlock()
			cancel()
		}()

		result, err := claudeagent.RunQuerySync(runCtx, content, opts)
		if err != nil {
			ch <- Update{Kind: UpdateError, Err: fmt.Errorf("claude query: %w", err)}
			return
		}
		if result.Result == nil {
			ch <- Update{Kind: UpdateError, Err: errors.New("claude returned no result")}
			return
		}
		if result.Result.SessionID != "" {
			p.mu.Lock()
			p.token = result.Result.SessionID
			p.mu.Unlock()
		}
		if result.Result.IsError {
			msg := result.Result.Result
			if msg == "" {
				msg = "claude returned an error"
			}
			ch <- Update{Kind: UpdateError, Err: errors.New(msg)}
			return
		}
		ch <- Update{Kind: UpdateDone, Text: result.Result.Result, StopReason: "end_turn", ResumeToken: result.Result.SessionID}
	}()
	return ch, nil
}

func (p *ClaudeProcess) askPermission(ctx context.Context, ch chan<- Update, toolName string, input map[string]any) (claudeagent.PermissionResult, error) {
	tc := ClaudeToolCall(toolName, input)
	reply := make(chan string, 1)
	opts := models.DefaultPermissionOptions()
	ch <- Update{Kind: UpdatePermission, Permission: &PermissionAsk{
		RequestID: tc.ID,
		ToolCall:  tc,
		Options:   opts,
		Reply:     reply,
	}}

	select {
	case <-ctx.Done():
		return claudeagent.PermissionResultDeny{Message: "cancelled"}, nil
	case optionID := <-reply:
		for _, o := range opts {
			if o.ID == optionID && o.Allows() {
				return claudeagent.PermissionResultAllow{}, nil
			}
		}
		return claudeagent.PermissionResultDeny{Message: "permission denied by operator"}, nil
	}
}

func (p *ClaudeProcess) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *ClaudeProcess) Close() error {
	return p.Cancel()
}
