// Package sessions manages one long-running agent session per agent identity.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/permission"
	"github.com/joescharf/taskrun/internal/wt"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrUnknownSession = errors.New("unknown session")
	ErrNoWorkDir      = errors.New("no working directory selected")
	ErrSessionBusy    = errors.New("session is busy")
	ErrSessionClosed  = errors.New("session is closed")
	ErrCancelled      = errors.New("prompt cancelled")
	ErrUnknownRequest = errors.New("unknown permission request")
)

// cancelGrace is how long a cancelled prompt may take to wind down before
// its process is closed.
const cancelGrace = 3 * time.Second

// Store is the persistence the manager records sessions and messages in.
type Store interface {
	SaveAgentSession(ctx context.Context, session *models.AgentSession) error
	ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*models.AgentSession, error)
	LatestResumableSession(ctx context.Context, agentID string) (*models.AgentSession, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
}

// Authorizer decides tool calls from stored grants and records operator answers.
type Authorizer interface {
	Check(ctx context.Context, projectPath string, req *models.ToolCallRequest) (permission.Decision, bool, error)
	Resolve(ctx context.Context, projectPath string, req *models.ToolCallRequest, opt models.PermissionOption) (permission.Decision, error)
}

// Manager owns the agent sessions.
type Manager struct {
	registry *agent.Registry
	factory  agent.Factory
	store    Store
	gate     Authorizer
	bus      events.Publisher
	logger   *slog.Logger

	projectFor func(workDir string) string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	byAgent  map[string]*session
	starting map[string]*startCall
	pending  map[string]*pendingPermission
}

type startCall struct {
	workDir string
	done    chan struct{}
	sess    *session
	err     error
}

type pendingPermission struct {
	agentID string
	project string
	ask     *agent.PermissionAsk
	req     *models.ToolCallRequest
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithProjectResolver overrides how a working directory maps to the project
// whose grants apply.
func WithProjectResolver(f func(workDir string) string) Option {
	return func(m *Manager) { m.projectFor = f }
}

// NewManager creates a session manager. gate may be nil, in which case every
// tool call is put to the operator.
func NewManager(registry *agent.Registry, factory agent.Factory, store Store, gate Authorizer, bus events.Publisher, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:   registry,
		factory:    factory,
		store:      store,
		gate:       gate,
		bus:        bus,
		logger:     slog.Default(),
		projectFor: wt.ProjectForPath,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
		byAgent:    make(map[string]*session),
		starting:   make(map[string]*startCall),
		pending:    make(map[string]*pendingPermission),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "sessions")
	return m
}

// Registry returns the agent registry the manager resolves identities from.
func (m *Manager) Registry() *agent.Registry {
	return m.registry
}

// StartSession returns the agent's session bound to workDir, starting one if
// needed. A live session bound to another directory is stopped first.
// Concurrent calls for the same agent share one start.
func (m *Manager) StartSession(ctx context.Context, agentID, workDir string) (*models.AgentSession, error) {
	if workDir == "" {
		return nil, ErrNoWorkDir
	}
	identity, ok := m.registry.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	for {
		m.mu.Lock()
		if s := m.byAgent[agentID]; s != nil {
			snap := s.snapshot()
			if !snap.Status.Terminal() {
				m.mu.Unlock()
				if snap.WorkDir == workDir {
					return &snap, nil
				}
				m.logger.Info("stopping session bound to another directory", "agent", agentID, "from", snap.WorkDir, "to", workDir)
				m.stop(s, "working directory changed")
				continue
			}
		}
		if call := m.starting[agentID]; call != nil {
			m.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if call.workDir == workDir {
				if call.err != nil {
					return nil, call.err
				}
				snap := call.sess.snapshot()
				return &snap, nil
			}
			continue
		}
		call := &startCall{workDir: workDir, done: make(chan struct{})}
		m.starting[agentID] = call
		m.mu.Unlock()

		call.sess, call.err = m.launch(ctx, identity, workDir)

		m.mu.Lock()
		delete(m.starting, agentID)
		if call.err == nil {
			m.sessions[call.sess.id] = call.sess
			m.byAgent[agentID] = call.sess
		}
		m.mu.Unlock()
		close(call.done)

		if call.err != nil {
			return nil, call.err
		}
		snap := call.sess.snapshot()
		return &snap, nil
	}
}

// launch starts the agent process, resuming the agent's last recorded
// protocol session for the same directory when there is one.
func (m *Manager) launch(ctx context.Context, identity models.AgentIdentity, workDir string) (*session, error) {
	now := time.Now().UTC()
	info := models.AgentSession{
		ID:             ulid.Make().String(),
		AgentID:        identity.ID,
		WorkDir:        workDir,
		Status:         models.SessionStatusStarting,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.persist(info)
	m.publishStatus(info)

	resume := ""
	if prev, err := m.store.LatestResumableSession(ctx, identity.ID); err == nil && prev.WorkDir == workDir {
		resume = prev.ResumeToken
	}

	proc, token, err := m.startProcess(ctx, identity, workDir, resume)
	if err != nil && resume != "" {
		m.logger.Warn("resume failed, starting fresh session", "agent", identity.ID, "error", err)
		proc, token, err = m.startProcess(ctx, identity, workDir, "")
	}
	if err != nil {
		info.Status = models.SessionStatusError
		info.LastError = err.Error()
		m.persist(info)
		m.publishStatus(info)
		m.bus.Publish(events.New(events.TypeError, events.Error{AgentID: identity.ID, Error: err.Error()}))
		return nil, fmt.Errorf("start agent %s: %w", identity.ID, err)
	}

	info.ResumeToken = token
	info.Status = models.SessionStatusReady
	info.LastActivityAt = time.Now().UTC()

	s := &session{
		id:   info.ID,
		info: info,
		proc: proc,
		cmds: make(chan prompt, 1),
	}
	m.persist(info)
	m.publishStatus(info)
	go m.run(s)
	m.logger.Info("session started", "agent", identity.ID, "session", info.ID, "dir", workDir, "resumed", resume != "" && token == resume)
	return s, nil
}

func (m *Manager) startProcess(ctx context.Context, identity models.AgentIdentity, workDir, resume string) (agent.Process, string, error) {
	proc, err := m.factory.New(identity)
	if err != nil {
		return nil, "", err
	}
	token, err := proc.Start(ctx, agent.StartOptions{WorkDir: workDir, ResumeToken: resume})
	if err != nil {
		_ = proc.Close()
		return nil, "", err
	}
	return proc, token, nil
}

// SendMessage sends content to a ready session. The returned Turn completes
// with the assistant's reply.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (*Turn, error) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	msg := &models.Message{
		AgentID:   s.agentID(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	switch {
	case s.info.Status.Terminal():
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.info.Status != models.SessionStatusReady:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	// The user message is recorded before the prompt is queued so it always
	// precedes the reply.
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		m.logger.Warn("persist user message", "error", err)
	}
	turn := newTurn()
	s.turn = turn
	s.cancelled = false
	s.info.Status = models.SessionStatusBusy
	s.info.LastActivityAt = time.Now().UTC()
	info := s.info
	s.cmds <- prompt{content: content, turn: turn}
	s.mu.Unlock()

	m.persist(info)
	m.publishStatus(info)
	return turn, nil
}

// SendToAgent sends content to the agent's session, starting one in workDir
// when needed. An empty workDir reuses the live session's directory.
func (m *Manager) SendToAgent(ctx context.Context, agentID, workDir, content string) (*Turn, error) {
	if _, ok := m.registry.Get(agentID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if workDir == "" {
		if snap, ok := m.GetSession(agentID); ok && !snap.Status.Terminal() {
			workDir = snap.WorkDir
		}
	}
	if workDir == "" {
		return nil, ErrNoWorkDir
	}
	sess, err := m.StartSession(ctx, agentID, workDir)
	if err != nil {
		return nil, err
	}
	return m.SendMessage(ctx, sess.ID, content)
}

// CancelMessage aborts the agent's in-flight prompt and stops the session.
// It is a no-op when nothing is in flight.
func (m *Manager) CancelMessage(agentID string) error {
	m.mu.Lock()
	s := m.byAgent[agentID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.info.Status != models.SessionStatusBusy {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.info.Status = models.SessionStatusStopped
	s.info.LastActivityAt = time.Now().UTC()
	info := s.info
	turn := s.turn
	s.closeCmds()
	s.mu.Unlock()

	m.rejectPending(agentID)
	if err := s.proc.Cancel(); err != nil {
		m.logger.Warn("cancel agent prompt", "agent", agentID, "error", err)
	}
	time.AfterFunc(cancelGrace, func() {
		if turn != nil && !turn.finished() {
			_ = s.proc.Close()
		}
	})
	m.persist(info)
	m.publishStatus(info)
	m.logger.Info("prompt cancelled", "agent", agentID, "session", info.ID)
	return nil
}

// RespondToPermission answers a pending tool-call authorization.
func (m *Manager) RespondToPermission(ctx context.Context, agentID, requestID, optionID string) error {
	key := pendingKey(agentID, requestID)
	m.mu.Lock()
	p := m.pending[key]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	var chosen *models.PermissionOption
	for i := range p.ask.Options {
		if p.ask.Options[i].ID == optionID {
			chosen = &p.ask.Options[i]
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("unknown option %q for request %s", optionID, requestID)
	}

	m.mu.Lock()
	if m.pending[key] != p {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(m.pending, key)
	m.mu.Unlock()

	if m.gate != nil {
		if _, err := m.gate.Resolve(ctx, p.project, p.req, *chosen); err != nil {
			m.logger.Warn("record permission grant", "agent", agentID, "error", err)
		}
	}
	p.ask.Reply <- chosen.ID
	return nil
}

// PendingPermissions returns the unanswered requests of an agent.
func (m *Manager) PendingPermissions(agentID string) []events.PermissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.PermissionRequest
	for _, p := range m.pending {
		if p.agentID == agentID {
			out = append(out, events.PermissionRequest{
				RequestID: p.ask.RequestID,
				AgentID:   agentID,
				ToolCall:  p.ask.ToolCall,
				Options:   p.ask.Options,
			})
		}
	}
	return out
}

// StopSession stops the agent's session. Stopping an agent with no live
// session is a no-op.
func (m *Manager) StopSession(agentID string) error {
	m.mu.Lock()
	s := m.byAgent[agentID]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.stop(s, "")
	return nil
}

func (m *Manager) stop(s *session, reason string) {
	s.mu.Lock()
	if s.info.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.info.Status == models.SessionStatusBusy {
		s.cancelled = true
	}
	s.info.Status = models.SessionStatusStopped
	s.info.LastActivityAt = time.Now().UTC()
	info := s.info
	s.closeCmds()
	s.mu.Unlock()

	m.rejectPending(info.AgentID)
	_ = s.proc.Cancel()
	if err := s.proc.Close(); err != nil {
		m.logger.Warn("close agent process", "agent", info.AgentID, "error", err)
	}
	m.persist(info)
	m.publishStatus(info)
	m.logger.Info("session stopped", "agent", info.AgentID, "session", info.ID, "reason", reason)
}

// GetSession returns the agent's current session.
func (m *Manager) GetSession(agentID string) (models.AgentSession, bool) {
	m.mu.Lock()
	s := m.byAgent[agentID]
	m.mu.Unlock()
	if s == nil {
		return models.AgentSession{}, false
	}
	return s.snapshot(), true
}

// ListSessions returns the current session of every agent that has one.
func (m *Manager) ListSessions() []models.AgentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AgentSession, 0, len(m.byAgent))
	for _, s := range m.byAgent {
		out = append(out, s.snapshot())
	}
	return out
}

// Shutdown stops every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.byAgent))
	for _, s := range m.byAgent {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.stop(s, "shutdown")
	}
	m.cancel()
}

// ReconcileSessions marks sessions recorded as live by a previous process as
// stopped, since their agent processes are gone. Resume tokens are kept.
func (m *Manager) ReconcileSessions(ctx context.Context) (int, error) {
	recorded, err := m.store.ListAgentSessions(ctx, "", 0)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for _, sess := range recorded {
		if sess.Status.Terminal() {
			continue
		}
		m.mu.Lock()
		_, live := m.sessions[sess.ID]
		m.mu.Unlock()
		if live {
			continue
		}
		sess.Status = models.SessionStatusStopped
		if err := m.store.SaveAgentSession(ctx, sess); err == nil {
			cleaned++
		}
	}
	return cleaned, nil
}

func (m *Manager) rejectPending(agentID string) {
	m.mu.Lock()
	var asks []*agent.PermissionAsk
	for key, p := range m.pending {
		if p.agentID == agentID {
			asks = append(asks, p.ask)
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()
	for _, ask := range asks {
		select {
		case ask.Reply <- optionIDOfKind(ask.Options, models.OptionRejectOnce):
		default:
		}
	}
}

func (m *Manager) persist(info models.AgentSession) {
	if err := m.store.SaveAgentSession(m.ctx, &info); err != nil {
		m.logger.Warn("persist session", "session", info.ID, "error", err)
	}
}

func (m *Manager) publishStatus(info models.AgentSession) {
	m.bus.Publish(events.New(events.TypeSessionStatus, events.SessionStatus{
		SessionID: info.ID,
		AgentID:   info.AgentID,
		WorkDir:   info.WorkDir,
		Status:    info.Status,
	}))
}

func pendingKey(agentID, requestID string) string {
	return agentID + "/" + requestID
}

func optionIDOfKind(opts []models.PermissionOption, kind models.PermissionOptionKind) string {
	for _, o := range opts {
		if o.Kind == kind {
			return o.ID
		}
	}
	return string(kind)
}

// trimmed is used in log lines.
func trimmed(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func newRequestID() string {
	return uuid.NewString()
}
