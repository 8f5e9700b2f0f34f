package store

import (
	"context"
	"errors"

	"github.com/joescharf/taskrun/internal/models"
)

// ErrNotFound is matched by every lookup that finds no row.
var ErrNotFound = errors.New("not found")

type notFoundError struct {
	entity string
	id     string
}

func (e *notFoundError) Error() string { return e.entity + " not found: " + e.id }

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(entity, id string) error {
	return &notFoundError{entity: entity, id: id}
}

// TaskListFilter specifies filters for listing tasks.
type TaskListFilter struct {
	ProjectPath string
	State       models.TaskState
	Kind        models.TaskKind
}

// Store defines the persistence interface for taskrun.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error

	// Permission grants
	ListPermissionGrants(ctx context.Context, projectPath string) ([]*models.PermissionGrant, error)
	SavePermissionGrant(ctx context.Context, grant *models.PermissionGrant) error
	DeletePermissionGrant(ctx context.Context, id string) error

	// Settings
	GetSettings(ctx context.Context) (models.Settings, error)
	UpdateSettings(ctx context.Context, settings models.Settings) error

	// Agent sessions
	SaveAgentSession(ctx context.Context, session *models.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error)
	ListAgentSessions(ctx context.Context, agentID string, limit int) ([]*models.AgentSession, error)
	LatestResumableSession(ctx context.Context, agentID string) (*models.AgentSession, error)

	// Messages
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, agentID string, limit int) ([]*models.Message, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
