package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/taskrun/internal/models"
)

// wireMessage is one line of the JSON-lines agent protocol, in either direction.
type wireMessage struct {
	Type       string                    `json:"type"`
	ID         string                    `json:"id,omitempty"`
	SessionID  string                    `json:"sessionId,omitempty"`
	Cwd        string                    `json:"cwd,omitempty"`
	Content    string                    `json:"content,omitempty"`
	Text       string                    `json:"text,omitempty"`
	ToolCall   *models.ToolCall          `json:"toolCall,omitempty"`
	Entries    []models.TodoItem         `json:"entries,omitempty"`
	RequestID  string                    `json:"requestId,omitempty"`
	OptionID   string                    `json:"optionId,omitempty"`
	Options    []models.PermissionOption `json:"options,omitempty"`
	StopReason string                    `json:"stopReason,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

const (
	msgSessionNew   = "session.new"
	msgSessionLoad  = "session.load"
	msgSession      = "session"
	msgPrompt       = "prompt"
	msgCancel       = "cancel"
	msgPermRequest  = "permission.request"
	msgPermResponse = "permission.response"
	msgChunk        = "chunk"
	msgThought      = "thought"
	msgToolCall     = "tool_call"
	msgPlan         = "plan"
	msgDone         = "done"
	msgError        = "error"
)

// JSONLProcess runs an agent as a subprocess speaking JSON lines on stdin
// and stdout.
type JSONLProcess struct {
	identity models.AgentIdentity
	logger   *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	handshake chan wireMessage
	current   chan Update
	exited    chan struct{}
	exitErr   error
}

// NewJSONLProcess returns an unstarted process for identity.
func NewJSONLProcess(identity models.AgentIdentity) *JSONLProcess {
	return &JSONLProcess{
		identity:  identity,
		logger:    slog.Default().With("component", "agent", "agent", identity.ID),
		handshake: make(chan wireMessage, 1),
	}
}

func (p *JSONLProcess) Start(ctx context.Context, opts StartOptions) (string, error) {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return "", errors.New("agent process already started")
	}
	cmd := exec.Command(p.identity.Command, p.identity.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()
	for k, v := range p.identity.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("start %s: %w", p.identity.Command, err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.exited = make(chan struct{})
	p.mu.Unlock()

	go p.readStderr(stderr)
	go p.readLoop(stdout)

	hello := wireMessage{Type: msgSessionNew, Cwd: opts.WorkDir}
	if opts.ResumeToken != "" {
		hello = wireMessage{Type: msgSessionLoad, SessionID: opts.ResumeToken, Cwd: opts.WorkDir}
	}
	if err := p.send(hello); err != nil {
		_ = p.Close()
		return "", err
	}

	select {
	case msg := <-p.handshake:
		if msg.Type == msgError {
			_ = p.Close()
			return "", fmt.Errorf("agent %s: %s", hello.Type, msg.Error)
		}
		return msg.SessionID, nil
	case <-p.exited:
		return "", fmt.Errorf("agent exited during handshake: %v", p.exitErr)
	case <-ctx.Done():
		_ = p.Close()
		return "", ctx.Err()
	}
}

func (p *JSONLProcess) Prompt(ctx context.Context, content string) (<-chan Update, error) {
	p.mu.Lock()
	if p.cmd == nil {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	select {
	case <-p.exited:
		p.mu.Unlock()
		return nil, fmt.Errorf("agent process exited: %v", p.exitErr)
	default:
	}
	if p.current != nil {
		p.mu.Unlock()
		return nil, errors.New("prompt already in flight")
	}
	ch := make(chan Update, 64)
	p.current = ch
	p.mu.Unlock()

	if err := p.send(wireMessage{Type: msgPrompt, ID: uuid.NewString(), Content: content}); err != nil {
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

func (p *JSONLProcess) Cancel() error {
	p.mu.Lock()
	busy := p.current != nil
	p.mu.Unlock()
	if !busy {
		return nil
	}
	return p.send(wireMessage{Type: msgCancel})
}

func (p *JSONLProcess) Close() error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = p.stdin.Close()

	select {
	case <-exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
	return nil
}

func (p *JSONLProcess) send(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (p *JSONLProcess) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

func (p *JSONLProcess) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.logger.Warn("malformed agent message", "error", err)
			continue
		}
		p.dispatch(msg)
	}

	err := p.cmd.Wait()
	p.exitErr = err
	p.finish(Update{Kind: UpdateError, Err: fmt.Errorf("agent process exited: %v", err)})
	close(p.exited)
}

func (p *JSONLProcess) dispatch(msg wireMessage) {
	switch msg.Type {
	case msgSession:
		p.deliverHandshake(msg)
	case msgChunk:
		p.emit(Update{Kind: UpdateChunk, Text: msg.Text})
	case msgThought:
		p.emit(Update{Kind: UpdateThought, Text: msg.Text})
	case msgToolCall:
		p.emit(Update{Kind: UpdateToolCall, ToolCall: msg.ToolCall})
	case msgPlan:
		p.emit(Update{Kind: UpdatePlan, Todos: msg.Entries})
	case msgPermRequest:
		p.askPermission(msg)
	case msgDone:
		p.finish(Update{Kind: UpdateDone, Text: msg.Text, StopReason: msg.StopReason, ResumeToken: msg.SessionID})
	case msgError:
		if !p.finish(Update{Kind: UpdateError, Err: errors.New(msg.Error)}) {
			p.deliverHandshake(msg)
		}
	default:
		p.logger.Debug("ignoring agent message", "type", msg.Type)
	}
}

func (p *JSONLProcess) deliverHandshake(msg wireMessage) {
	select {
	case p.handshake <- msg:
	default:
	}
}

func (p *JSONLProcess) stream() chan Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *JSONLProcess) emit(u Update) {
	if ch := p.stream(); ch != nil {
		ch <- u
	}
}

// finish delivers the terminal update and closes the stream. It reports
// whether a prompt was in flight.
func (p *JSONLProcess) finish(u Update) bool {
	p.mu.Lock()
	ch := p.current
	p.current = nil
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- u
	close(ch)
	return true
}

func (p *JSONLProcess) askPermission(msg wireMessage) {
	ch := p.stream()
	if ch == nil || msg.ToolCall == nil {
		return
	}
	opts := msg.Options
	if len(opts) == 0 {
		opts = models.DefaultPermissionOptions()
	}
	reply := make(chan string, 1)
	ch <- Update{Kind: UpdatePermission, Permission: &PermissionAsk{
		RequestID: msg.RequestID,
		ToolCall:  *msg.ToolCall,
		Options:   opts,
		Reply:     reply,
	}}
	go func() {
		select {
		case optionID := <-reply:
			if err := p.send(wireMessage{Type: msgPermResponse, RequestID: msg.RequestID, OptionID: optionID}); err != nil {
				p.logger.Warn("send permission response", "error", err)
			}
		case <-p.exited:
		}
	}()
}
