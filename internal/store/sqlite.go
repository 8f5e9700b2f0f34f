package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/taskrun/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

const taskColumns = `id, project_path, title, description, kind, state, close_reason, workspace_path, branch_name, research_path, pr_url, pr_number, pr_state, implementing_agent_id, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var kind, state, closeReason string
	var closedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ProjectPath, &t.Title, &t.Description, &kind, &state, &closeReason,
		&t.WorkspacePath, &t.BranchName, &t.ResearchPath, &t.PRURL, &t.PRNumber, &t.PRState,
		&t.ImplementingAgentID, &t.CreatedAt, &t.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = models.TaskKind(kind)
	t.State = models.TaskState(state)
	t.CloseReason = models.CloseReason(closeReason)
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return t, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = newULID()
	}
	if task.Kind == "" {
		task.Kind = models.TaskKindFeature
	}
	if task.State == "" {
		task.State = models.TaskStateNew
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectPath, task.Title, task.Description, string(task.Kind), string(task.State),
		string(task.CloseReason), task.WorkspacePath, task.BranchName, task.ResearchPath,
		task.PRURL, task.PRNumber, task.PRState, task.ImplementingAgentID,
		task.CreatedAt, task.UpdatedAt, task.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conditions []string
	var args []any

	if filter.ProjectPath != "" {
		conditions = append(conditions, "project_path = ?")
		args = append(args, filter.ProjectPath)
	}
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY
		CASE state WHEN 'in_progress' THEN 0 WHEN 'active' THEN 1 WHEN 'new' THEN 2 WHEN 'blocked' THEN 3 WHEN 'done' THEN 4 ELSE 5 END,
		created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	if task.State == models.TaskStateDone && task.ClosedAt == nil {
		closed := task.UpdatedAt
		task.ClosedAt = &closed
	}
	if task.State != models.TaskStateDone {
		task.ClosedAt = nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET project_path=?, title=?, description=?, kind=?, state=?, close_reason=?, workspace_path=?, branch_name=?, research_path=?, pr_url=?, pr_number=?, pr_state=?, implementing_agent_id=?, updated_at=?, closed_at=?
		WHERE id=?`,
		task.ProjectPath, task.Title, task.Description, string(task.Kind), string(task.State),
		string(task.CloseReason), task.WorkspacePath, task.BranchName, task.ResearchPath,
		task.PRURL, task.PRNumber, task.PRState, task.ImplementingAgentID,
		task.UpdatedAt, task.ClosedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("task", task.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("task", id)
	}
	return nil
}

// --- Permission grants ---

func (s *SQLiteStore) ListPermissionGrants(ctx context.Context, projectPath string) ([]*models.PermissionGrant, error) {
	query := `SELECT id, project_path, tool_kind, scope_type, scope_value, granted, created_at FROM permission_grants`
	var args []any
	if projectPath != "" {
		query += " WHERE project_path = ?"
		args = append(args, projectPath)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list permission grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var grants []*models.PermissionGrant
	for rows.Next() {
		g := &models.PermissionGrant{}
		var toolKind, scopeType string
		if err := rows.Scan(&g.ID, &g.ProjectPath, &toolKind, &scopeType, &g.ScopeValue, &g.Granted, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission grant: %w", err)
		}
		g.ToolKind = models.ToolKind(toolKind)
		g.ScopeType = models.ScopeType(scopeType)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *SQLiteStore) SavePermissionGrant(ctx context.Context, grant *models.PermissionGrant) error {
	if !grant.ScopeType.Valid() {
		return fmt.Errorf("invalid scope type: %q", grant.ScopeType)
	}
	if grant.ID == "" {
		grant.ID = newULID()
	}
	grant.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_grants (id, project_path, tool_kind, scope_type, scope_value, granted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		grant.ID, grant.ProjectPath, string(grant.ToolKind), string(grant.ScopeType),
		grant.ScopeValue, boolToInt(grant.Granted), grant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save permission grant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeletePermissionGrant(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM permission_grants WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete permission grant: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("permission grant", id)
	}
	return nil
}

// --- Settings ---

const (
	settingWorktreeLimit     = "worktree_limit"
	settingWorktreeIsolation = "worktree_isolation"
	settingAutoInstallDeps   = "auto_install_deps"
	settingDraftPR           = "draft_pr"
	settingDefaultBaseBranch = "default_base_branch"
)

// GetSettings returns the stored settings layered over models.DefaultSettings.
func (s *SQLiteStore) GetSettings(ctx context.Context) (models.Settings, error) {
	settings := models.DefaultSettings()

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return settings, fmt.Errorf("get settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("scan setting: %w", err)
		}
		switch key {
		case settingWorktreeLimit:
			if n, err := strconv.Atoi(value); err == nil {
				settings.WorktreeLimit = n
			}
		case settingWorktreeIsolation:
			settings.WorktreeIsolation = value == "true"
		case settingAutoInstallDeps:
			settings.AutoInstallDeps = value == "true"
		case settingDraftPR:
			settings.DraftPR = value == "true"
		case settingDefaultBaseBranch:
			settings.DefaultBaseBranch = value
		}
	}
	return settings, rows.Err()
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, settings models.Settings) error {
	values := map[string]string{
		settingWorktreeLimit:     strconv.Itoa(settings.WorktreeLimit),
		settingWorktreeIsolation: strconv.FormatBool(settings.WorktreeIsolation),
		settingAutoInstallDeps:   strconv.FormatBool(settings.AutoInstallDeps),
		settingDraftPR:           strconv.FormatBool(settings.DraftPR),
		settingDefaultBaseBranch: settings.DefaultBaseBranch,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("update setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// --- Agent sessions ---

const sessionColumns = `id, agent_id, work_dir, status, resume_token, last_error, created_at, last_activity_at`

func scanSession(row rowScanner) (*models.AgentSession, error) {
	sess := &models.AgentSession{}
	var status string
	if err := row.Scan(&sess.ID, &sess.AgentID, &sess.WorkDir, &status, &sess.ResumeToken,
		&sess.LastError, &sess.CreatedAt, &sess.LastActivityAt); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	return sess, nil
}

// SaveAgentSession inserts the session or overwrites the stored row with the same id.
func (s *SQLiteStore) SaveAgentSession(ctx context.Context, session *models.AgentSession) error {
	if session.ID == "" {
		session.ID = newULID()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_dir = excluded.work_dir,
			status = excluded.status,
			resume_token = excluded.resume_token,
			last_error = excluded.last_error,
			last_activity_at = excluded.last_activity_at`,
		session.ID, session.AgentID, session.WorkDir, string(session.Status), session.ResumeToken,
		session.LastError, session.CreatedAt, session.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("save agent session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*models.AgentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions`
	var args []any
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY last_activity_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// LatestResumableSession returns the most recent session for the agent that
// recorded a protocol resume token.
func (s *SQLiteStore) LatestResumableSession(ctx context.Context, agentID string) (*models.AgentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		WHERE agent_id = ? AND resume_token != ''
		ORDER BY last_activity_at DESC LIMIT 1`, agentID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("resumable session for agent", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest resumable session: %w", err)
	}
	return sess, nil
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = newULID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, agent_id, session_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.AgentID, msg.SessionID, string(msg.Role), msg.Content, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the newest limit messages for the agent in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, agentID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, agent_id, session_id, role, content, timestamp FROM messages WHERE agent_id = ? ORDER BY timestamp DESC, id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.AgentID, &m.SessionID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
