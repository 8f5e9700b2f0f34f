package sessions

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/permission"
)

// prompt is the inbound command a session goroutine consumes.
type prompt struct {
	content string
	turn    *Turn
}

type session struct {
	id   string
	proc agent.Process
	cmds chan prompt

	mu         sync.Mutex
	info       models.AgentSession
	turn       *Turn
	cancelled  bool
	cmdsClosed bool
}

func (s *session) snapshot() models.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) agentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.AgentID
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// closeCmds ends the session goroutine once it drains. Callers hold s.mu.
func (s *session) closeCmds() {
	if !s.cmdsClosed {
		s.cmdsClosed = true
		close(s.cmds)
	}
}

// Turn is one prompt and its eventual reply.
type Turn struct {
	done chan struct{}
	once sync.Once
	msg  *models.Message
	err  error
}

func newTurn() *Turn {
	return &Turn{done: make(chan struct{})}
}

// Done is closed when the turn completes.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Result blocks until the turn completes. It returns ErrCancelled for a
// cancelled prompt.
func (t *Turn) Result() (*models.Message, error) {
	<-t.done
	return t.msg, t.err
}

func (t *Turn) finish(msg *models.Message, err error) {
	t.once.Do(func() {
		t.msg, t.err = msg, err
		close(t.done)
	})
}

func (t *Turn) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// run is the session goroutine: it takes prompts from cmds and publishes the
// agent's output in the order the agent produced it.
func (m *Manager) run(s *session) {
	for p := range s.cmds {
		var pc panics.Catcher
		pc.Try(func() { m.handlePrompt(s, p) })
		if err := pc.Recovered().AsError(); err != nil {
			m.fail(s, p.turn, fmt.Errorf("session panic: %w", err))
		}
	}
	if err := s.proc.Close(); err != nil {
		m.logger.Warn("close agent process", "session", s.id, "error", err)
	}
}

func (m *Manager) handlePrompt(s *session, p prompt) {
	agentID := s.agentID()
	updates, err := s.proc.Prompt(m.ctx, p.content)
	if err != nil {
		m.fail(s, p.turn, err)
		return
	}

	var text strings.Builder
	for u := range updates {
		switch u.Kind {
		case agent.UpdateChunk:
			text.WriteString(u.Text)
			m.publishChunk(s, events.Chunk{AgentID: agentID, SessionID: s.id, Content: u.Text})
		case agent.UpdateThought:
			m.publishChunk(s, events.Chunk{AgentID: agentID, SessionID: s.id, Thinking: u.Text})
		case agent.UpdateToolCall:
			if u.ToolCall != nil {
				m.publishChunk(s, events.Chunk{AgentID: agentID, SessionID: s.id, ToolCalls: []models.ToolCall{*u.ToolCall}})
			}
		case agent.UpdatePlan:
			m.publishChunk(s, events.Chunk{AgentID: agentID, SessionID: s.id, TodoItems: u.Todos})
		case agent.UpdatePermission:
			if u.Permission != nil {
				m.handlePermission(s, agentID, u.Permission)
			}
		case agent.UpdateDone:
			content := u.Text
			if content == "" {
				content = text.String()
			}
			m.complete(s, p.turn, content, u.ResumeToken)
			return
		case agent.UpdateError:
			m.fail(s, p.turn, u.Err)
			return
		}
	}
	m.fail(s, p.turn, errors.New("agent stream ended without completion"))
}

// publishChunk drops output of a cancelled prompt.
func (m *Manager) publishChunk(s *session, c events.Chunk) {
	if s.isCancelled() {
		return
	}
	m.bus.Publish(events.New(events.TypeChunk, c))
}

func (m *Manager) complete(s *session, turn *Turn, content, token string) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		turn.finish(nil, ErrCancelled)
		return
	}
	s.info.Status = models.SessionStatusReady
	s.info.LastActivityAt = time.Now().UTC()
	if token != "" {
		s.info.ResumeToken = token
	}
	info := s.info
	s.mu.Unlock()

	msg := &models.Message{
		AgentID:   info.AgentID,
		SessionID: info.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := m.store.AppendMessage(m.ctx, msg); err != nil {
		m.logger.Warn("persist assistant message", "error", err)
	}
	if msg.ID == "" {
		msg.ID = newRequestID()
	}
	m.persist(info)
	m.bus.Publish(events.Completion(*msg))
	m.publishStatus(info)
	m.logger.Debug("prompt completed", "agent", info.AgentID, "reply", trimmed(content, 80))
	turn.finish(msg, nil)
}

// fail moves the session to error unless the prompt was cancelled, in which
// case the turn reports ErrCancelled and nothing is published.
func (m *Manager) fail(s *session, turn *Turn, err error) {
	s.mu.Lock()
	if s.cancelled || s.info.Status.Terminal() {
		s.mu.Unlock()
		turn.finish(nil, ErrCancelled)
		return
	}
	s.info.Status = models.SessionStatusError
	s.info.LastError = err.Error()
	s.info.LastActivityAt = time.Now().UTC()
	info := s.info
	s.closeCmds()
	s.mu.Unlock()

	m.rejectPending(info.AgentID)
	m.persist(info)
	m.bus.Publish(events.New(events.TypeError, events.Error{AgentID: info.AgentID, Error: err.Error()}))
	m.publishStatus(info)
	m.logger.Warn("session failed", "agent", info.AgentID, "session", info.ID, "error", err)
	turn.finish(nil, err)
}

// handlePermission answers from stored grants when one applies and
// otherwise asks the operator.
func (m *Manager) handlePermission(s *session, agentID string, ask *agent.PermissionAsk) {
	if s.isCancelled() {
		ask.Reply <- optionIDOfKind(ask.Options, models.OptionRejectOnce)
		return
	}
	if ask.RequestID == "" {
		ask.RequestID = newRequestID()
	}
	info := s.snapshot()
	project := m.projectFor(info.WorkDir)
	// Grants are kept per project, so workspace paths are matched and
	// recorded as the same paths in the project.
	req := permission.RebaseRequest(&models.ToolCallRequest{
		RequestID: ask.RequestID,
		AgentID:   agentID,
		ToolKind:  ask.ToolCall.Kind,
		Locations: ask.ToolCall.Locations,
		RawInput:  ask.ToolCall.RawInput,
	}, info.WorkDir, project)

	if m.gate != nil {
		d, ok, err := m.gate.Check(m.ctx, project, req)
		if err != nil {
			m.logger.Warn("permission check", "agent", agentID, "error", err)
		}
		if ok {
			kind := models.OptionRejectOnce
			if d.Allowed {
				kind = models.OptionAllowOnce
			}
			ask.Reply <- optionIDOfKind(ask.Options, kind)
			return
		}
	}

	m.mu.Lock()
	m.pending[pendingKey(agentID, ask.RequestID)] = &pendingPermission{
		agentID: agentID,
		project: project,
		ask:     ask,
		req:     req,
	}
	m.mu.Unlock()

	m.bus.Publish(events.New(events.TypePermissionRequest, events.PermissionRequest{
		RequestID: ask.RequestID,
		AgentID:   agentID,
		ToolCall:  ask.ToolCall,
		Options:   ask.Options,
	}))
}
