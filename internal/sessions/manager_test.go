package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/agent"
	"github.com/joescharf/taskrun/internal/events"
	"github.com/joescharf/taskrun/internal/models"
	"github.com/joescharf/taskrun/internal/permission"
	"github.com/joescharf/taskrun/internal/store"
)

// --- fakes ---

type memStore struct {
	mu       sync.Mutex
	sessions map[string]models.AgentSession
	messages []models.Message
	grants   []*models.PermissionGrant
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]models.AgentSession)}
}

func (s *memStore) SaveAgentSession(_ context.Context, sess *models.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *memStore) ListAgentSessions(_ context.Context, agentID string, _ int) ([]*models.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AgentSession
	for _, sess := range s.sessions {
		if agentID == "" || sess.AgentID == agentID {
			cp := sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) LatestResumableSession(_ context.Context, agentID string) (*models.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.AgentSession
	for _, sess := range s.sessions {
		if sess.AgentID != agentID || sess.ResumeToken == "" {
			continue
		}
		if best == nil || sess.LastActivityAt.After(best.LastActivityAt) {
			cp := sess
			best = &cp
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *memStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = fmt.Sprintf("m%d", len(s.messages)+1)
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *memStore) ListPermissionGrants(_ context.Context, projectPath string) ([]*models.PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PermissionGrant
	for _, g := range s.grants {
		if g.ProjectPath == projectPath {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memStore) SavePermissionGrant(_ context.Context, g *models.PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, g)
	return nil
}

func (s *memStore) allMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *memStore) status(id string) models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Status
}

// script drives a fake prompt: it writes updates to out and may wait on cancel.
type script func(content string, out chan<- agent.Update, cancel <-chan struct{})

type fakeProcess struct {
	mu       sync.Mutex
	workDir  string
	resume   string
	script   script
	cancelCh chan struct{}
	closed   bool
	badToken string
}

func (p *fakeProcess) Start(_ context.Context, opts agent.StartOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if opts.ResumeToken != "" && opts.ResumeToken == p.badToken {
		return "", errors.New("unknown session")
	}
	p.workDir = opts.WorkDir
	p.resume = opts.ResumeToken
	if opts.ResumeToken != "" {
		return opts.ResumeToken, nil
	}
	return "tok-" + opts.WorkDir, nil
}

func (p *fakeProcess) Prompt(_ context.Context, content string) (<-chan agent.Update, error) {
	if content == "panic" {
		panic("agent exploded")
	}
	out := make(chan agent.Update, 16)
	cancel := make(chan struct{})
	p.mu.Lock()
	p.cancelCh = cancel
	p.mu.Unlock()
	go func() {
		defer close(out)
		p.script(content, out, cancel)
	}()
	return out, nil
}

func (p *fakeProcess) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelCh != nil {
		close(p.cancelCh)
		p.cancelCh = nil
	}
	return nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProcess) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeProcess) resumedWith() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resume
}

type fakeFactory struct {
	mu       sync.Mutex
	created  atomic.Int32
	delay    time.Duration
	script   script
	badToken string
	procs    []*fakeProcess
}

func (f *fakeFactory) New(models.AgentIdentity) (agent.Process, error) {
	f.created.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	p := &fakeProcess{script: f.script, badToken: f.badToken}
	f.mu.Lock()
	f.procs = append(f.procs, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func echoScript(content string, out chan<- agent.Update, _ <-chan struct{}) {
	out <- agent.Update{Kind: agent.UpdateThought, Text: "hmm"}
	for _, r := range content {
		out <- agent.Update{Kind: agent.UpdateChunk, Text: string(r)}
	}
	out <- agent.Update{Kind: agent.UpdateDone}
}

type harness struct {
	m       *Manager
	store   *memStore
	factory *fakeFactory
	rec     *events.Recorder
}

func newHarness(t *testing.T, s script) *harness {
	t.Helper()
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(models.AgentIdentity{ID: "a1", Command: "fake"}))
	require.NoError(t, reg.Register(models.AgentIdentity{ID: "a2", Command: "fake"}))

	st := newMemStore()
	f := &fakeFactory{script: s}
	rec := &events.Recorder{}
	m := NewManager(reg, f, st, permission.NewGate(st), rec)
	t.Cleanup(m.Shutdown)
	return &harness{m: m, store: st, factory: f, rec: rec}
}

func waitTurn(t *testing.T, turn *Turn) (*models.Message, error) {
	t.Helper()
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not complete")
	}
	return turn.Result()
}

// --- tests ---

func TestStartSession_Validation(t *testing.T) {
	h := newHarness(t, echoScript)
	ctx := context.Background()

	_, err := h.m.StartSession(ctx, "nope", "/repo")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = h.m.StartSession(ctx, "a1", "")
	assert.ErrorIs(t, err, ErrNoWorkDir)

	_, err = h.m.SendToAgent(ctx, "a1", "", "hi")
	assert.ErrorIs(t, err, ErrNoWorkDir)
	assert.Empty(t, h.m.ListSessions())
	assert.Equal(t, int32(0), h.factory.created.Load())
}

func TestStartSession_IdempotentSameDir(t *testing.T) {
	h := newHarness(t, echoScript)
	ctx := context.Background()

	s1, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusReady, s1.Status)
	assert.Equal(t, "tok-/repo", s1.ResumeToken)

	s2, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, int32(1), h.factory.created.Load())
}

func TestStartSession_DifferentDirRestarts(t *testing.T) {
	h := newHarness(t, echoScript)
	ctx := context.Background()

	s1, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	s2, err := h.m.StartSession(ctx, "a1", "/repo.worktrees/T1")
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, "/repo.worktrees/T1", s2.WorkDir)
	assert.Equal(t, models.SessionStatusStopped, h.store.status(s1.ID))
	assert.True(t, h.factory.proc(0).isClosed())

	cur, ok := h.m.GetSession("a1")
	require.True(t, ok)
	assert.Equal(t, s2.ID, cur.ID)
}

func TestStartSession_ConcurrentCallsShareOneStart(t *testing.T) {
	h := newHarness(t, echoScript)
	h.factory.delay = 50 * time.Millisecond
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.m.StartSession(ctx, "a1", "/repo")
			if assert.NoError(t, err) {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.factory.created.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSendMessage_StreamsThenCompletes(t *testing.T) {
	h := newHarness(t, echoScript)
	ctx := context.Background()

	turn, err := h.m.SendToAgent(ctx, "a1", "/repo", "abc")
	require.NoError(t, err)
	msg, err := waitTurn(t, turn)
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.Content)
	assert.Equal(t, models.RoleAssistant, msg.Role)

	var order []string
	for _, e := range h.rec.Events() {
		switch p := e.Payload.(type) {
		case events.Chunk:
			if p.Thinking != "" {
				order = append(order, "think")
			} else {
				order = append(order, p.Content)
			}
		case models.Message:
			order = append(order, "done:"+p.Content)
		}
	}
	assert.Equal(t, []string{"think", "a", "b", "c", "done:abc"}, order)

	cur, _ := h.m.GetSession("a1")
	assert.Equal(t, models.SessionStatusReady, cur.Status)

	msgs := h.store.allMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "abc", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)

	// Without a directory the live session's directory is reused.
	turn, err = h.m.SendToAgent(ctx, "a1", "", "x")
	require.NoError(t, err)
	_, err = waitTurn(t, turn)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.factory.created.Load())
}

func blockingScript(content string, out chan<- agent.Update, cancel <-chan struct{}) {
	out <- agent.Update{Kind: agent.UpdateChunk, Text: "working"}
	<-cancel
	out <- agent.Update{Kind: agent.UpdateChunk, Text: "late"}
	out <- agent.Update{Kind: agent.UpdateDone, Text: "finished anyway"}
}

func TestSendMessage_BusyRejected(t *testing.T) {
	h := newHarness(t, blockingScript)
	ctx := context.Background()

	s, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	_, err = h.m.SendMessage(ctx, s.ID, "one")
	require.NoError(t, err)
	_, err = h.m.SendMessage(ctx, s.ID, "two")
	assert.ErrorIs(t, err, ErrSessionBusy)

	_, err = h.m.SendMessage(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCancelMessage(t *testing.T) {
	h := newHarness(t, blockingScript)
	ctx := context.Background()

	require.NoError(t, h.m.CancelMessage("a1"), "cancel without a session is a no-op")

	s, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	require.NoError(t, h.m.CancelMessage("a1"), "cancel while ready is a no-op")
	cur, _ := h.m.GetSession("a1")
	assert.Equal(t, models.SessionStatusReady, cur.Status)

	turn, err := h.m.SendMessage(ctx, s.ID, "go")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rec.OfType(events.TypeChunk)) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.CancelMessage("a1"))
	require.NoError(t, h.m.CancelMessage("a1"))

	_, err = waitTurn(t, turn)
	assert.ErrorIs(t, err, ErrCancelled)

	cur, _ = h.m.GetSession("a1")
	assert.Equal(t, models.SessionStatusStopped, cur.Status)
	assert.Empty(t, h.rec.OfType(events.TypeCompletion), "no completion after cancel")
	assert.Len(t, h.rec.OfType(events.TypeChunk), 1, "no chunks after cancel")

	_, err = h.m.SendMessage(ctx, s.ID, "again")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func askScript(content string, out chan<- agent.Update, _ <-chan struct{}) {
	reply := make(chan string, 1)
	out <- agent.Update{Kind: agent.UpdatePermission, Permission: &agent.PermissionAsk{
		RequestID: "req-1",
		ToolCall: models.ToolCall{
			ID:       "tc-1",
			Kind:     models.ToolKindExecute,
			RawInput: content,
		},
		Options: models.DefaultPermissionOptions(),
		Reply:   reply,
	}}
	answer := <-reply
	out <- agent.Update{Kind: agent.UpdateDone, Text: answer}
}

func TestPermission_AskedAndAnswered(t *testing.T) {
	h := newHarness(t, askScript)
	ctx := context.Background()

	turn, err := h.m.SendToAgent(ctx, "a1", "/proj.worktrees/T1", "cd /tmp && git log")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.rec.OfType(events.TypePermissionRequest)) == 1 }, 2*time.Second, 5*time.Millisecond)
	req := h.rec.OfType(events.TypePermissionRequest)[0].Payload.(events.PermissionRequest)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "a1", req.AgentID)
	assert.Len(t, h.m.PendingPermissions("a1"), 1)

	err = h.m.RespondToPermission(ctx, "a1", "nope", "allow_once")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	err = h.m.RespondToPermission(ctx, "a1", "req-1", "bogus")
	assert.Error(t, err)

	require.NoError(t, h.m.RespondToPermission(ctx, "a1", "req-1", string(models.OptionAllowAlways)))
	msg, err := waitTurn(t, turn)
	require.NoError(t, err)
	assert.Equal(t, "allow_always", msg.Content)
	assert.Empty(t, h.m.PendingPermissions("a1"))

	// The "always" answer recorded a git grant for the project, not the worktree.
	grants, err := h.store.ListPermissionGrants(ctx, "/proj")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	g := grants[0]
	assert.Equal(t, "/proj", g.ProjectPath)
	assert.Equal(t, models.ScopeCommandPrefix, g.ScopeType)
	assert.Equal(t, "git", g.ScopeValue)
	assert.True(t, g.Granted)

	// The next identical request is decided by the grant without asking.
	turn, err = h.m.SendToAgent(ctx, "a1", "", "git status")
	require.NoError(t, err)
	msg, err = waitTurn(t, turn)
	require.NoError(t, err)
	assert.Equal(t, "allow_once", msg.Content)
	assert.Len(t, h.rec.OfType(events.TypePermissionRequest), 1)
}

func TestPermission_RejectGrantAnswersReject(t *testing.T) {
	h := newHarness(t, askScript)
	h.store.grants = append(h.store.grants, &models.PermissionGrant{
		ProjectPath: "/proj", ToolKind: models.ToolKindExecute,
		ScopeType: models.ScopeCommandPrefix, ScopeValue: "rm", Granted: false,
	})
	turn, err := h.m.SendToAgent(context.Background(), "a1", "/proj", "rm -rf build")
	require.NoError(t, err)
	msg, err := waitTurn(t, turn)
	require.NoError(t, err)
	assert.Equal(t, "reject_once", msg.Content)
}

func editScript(content string, out chan<- agent.Update, _ <-chan struct{}) {
	reply := make(chan string, 1)
	out <- agent.Update{Kind: agent.UpdatePermission, Permission: &agent.PermissionAsk{
		RequestID: "req-edit",
		ToolCall: models.ToolCall{
			ID:        "tc-edit",
			Kind:      models.ToolKindEdit,
			Locations: []string{content},
		},
		Options: models.DefaultPermissionOptions(),
		Reply:   reply,
	}}
	out <- agent.Update{Kind: agent.UpdateDone, Text: <-reply}
}

func TestPermission_ProjectGrantCoversWorkspacePaths(t *testing.T) {
	h := newHarness(t, editScript)
	h.store.grants = append(h.store.grants, &models.PermissionGrant{
		ProjectPath: "/proj", ToolKind: models.ToolKindEdit,
		ScopeType: models.ScopePathPrefix, ScopeValue: "src", Granted: true,
	})
	ctx := context.Background()

	for _, loc := range []string{"/proj.worktrees/T1/src/a.go", "src/b.go"} {
		turn, err := h.m.SendToAgent(ctx, "a1", "/proj.worktrees/T1", loc)
		require.NoError(t, err)
		msg, err := waitTurn(t, turn)
		require.NoError(t, err)
		assert.Equal(t, "allow_once", msg.Content, loc)
	}
	assert.Empty(t, h.rec.OfType(events.TypePermissionRequest))
}

func TestProcessFailureIsScopedToSession(t *testing.T) {
	failing := func(content string, out chan<- agent.Update, _ <-chan struct{}) {
		if content == "boom" {
			out <- agent.Update{Kind: agent.UpdateError, Err: errors.New("protocol violation")}
			return
		}
		echoScript(content, out, nil)
	}
	h := newHarness(t, failing)
	ctx := context.Background()

	bad, err := h.m.SendToAgent(ctx, "a1", "/one", "boom")
	require.NoError(t, err)
	good, err := h.m.SendToAgent(ctx, "a2", "/two", "ok")
	require.NoError(t, err)

	_, err = waitTurn(t, bad)
	assert.EqualError(t, err, "protocol violation")
	msg, err := waitTurn(t, good)
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)

	s1, _ := h.m.GetSession("a1")
	s2, _ := h.m.GetSession("a2")
	assert.Equal(t, models.SessionStatusError, s1.Status)
	assert.Equal(t, "protocol violation", s1.LastError)
	assert.Equal(t, models.SessionStatusReady, s2.Status)

	errs := h.rec.OfType(events.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "a1", errs[0].Payload.(events.Error).AgentID)

	// A new message starts a fresh session for the failed agent.
	turn, err := h.m.SendToAgent(ctx, "a1", "/one", "again")
	require.NoError(t, err)
	_, err = waitTurn(t, turn)
	require.NoError(t, err)
}

func TestPanicInPromptBecomesSessionError(t *testing.T) {
	h := newHarness(t, echoScript)
	turn, err := h.m.SendToAgent(context.Background(), "a1", "/repo", "panic")
	require.NoError(t, err)
	_, err = waitTurn(t, turn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent exploded")

	s, _ := h.m.GetSession("a1")
	assert.Equal(t, models.SessionStatusError, s.Status)
}

func TestResume(t *testing.T) {
	h := newHarness(t, echoScript)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, h.store.SaveAgentSession(ctx, &models.AgentSession{
		ID: "old", AgentID: "a1", WorkDir: "/repo", Status: models.SessionStatusStopped,
		ResumeToken: "tok-prev", LastActivityAt: old,
	}))

	s, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "tok-prev", s.ResumeToken)
	assert.Equal(t, "tok-prev", h.factory.proc(0).resumedWith())
}

func TestResume_FallsBackToFresh(t *testing.T) {
	h := newHarness(t, echoScript)
	h.factory.badToken = "tok-stale"
	ctx := context.Background()
	require.NoError(t, h.store.SaveAgentSession(ctx, &models.AgentSession{
		ID: "old", AgentID: "a1", WorkDir: "/repo", Status: models.SessionStatusStopped,
		ResumeToken: "tok-stale", LastActivityAt: time.Now().Add(-time.Hour),
	}))

	s, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusReady, s.Status)
	assert.Equal(t, "tok-/repo", s.ResumeToken)
	assert.Equal(t, int32(2), h.factory.created.Load())
}

func TestStopSessionAndReconcile(t *testing.T) {
	h := newHarness(t, echoScript)
	ctx := context.Background()

	require.NoError(t, h.m.StopSession("a1"), "stopping nothing is a no-op")
	s, err := h.m.StartSession(ctx, "a1", "/repo")
	require.NoError(t, err)
	require.NoError(t, h.m.StopSession("a1"))
	assert.Equal(t, models.SessionStatusStopped, h.store.status(s.ID))

	require.NoError(t, h.store.SaveAgentSession(ctx, &models.AgentSession{
		ID: "ghost", AgentID: "a2", WorkDir: "/x", Status: models.SessionStatusBusy,
	}))
	n, err := h.m.ReconcileSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.SessionStatusStopped, h.store.status("ghost"))
}

func TestListSessions(t *testing.T) {
	h := newHarness(t, echoScript)
	ctx := context.Background()
	_, err := h.m.StartSession(ctx, "a1", "/one")
	require.NoError(t, err)
	_, err = h.m.StartSession(ctx, "a2", "/two")
	require.NoError(t, err)

	list := h.m.ListSessions()
	sort.Slice(list, func(i, j int) bool { return list[i].AgentID < list[j].AgentID })
	require.Len(t, list, 2)
	assert.Equal(t, "/one", list[0].WorkDir)
	assert.Equal(t, "/two", list[1].WorkDir)
}
