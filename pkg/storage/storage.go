package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tb0hdan/toolgate-mcp/pkg/models"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// SessionFilter narrows QuerySessions. Zero values match everything.
type SessionFilter struct {
	ProjectID string
	Scope     string
	Since     time.Time
}

type Storage interface {
	// Session operations
	InsertSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	FindActiveSession(ctx context.Context, scope string) (*models.Session, error)
	// CompleteSession transitions an active session; it reports false when the
	// session was already completed.
	CompleteSession(ctx context.Context, id string, endedAt time.Time, score float64, reason string) (bool, error)
	AddSessionTokens(ctx context.Context, id string, input, output int64) error
	QuerySessions(ctx context.Context, filter SessionFilter) ([]models.Session, error)

	// Operation events; the counter delta is applied in the same transaction.
	InsertOperationEvent(ctx context.Context, event *models.OperationEvent, delta models.CounterDelta) error
	GetOperationEvents(ctx context.Context, sessionID string) ([]models.OperationEvent, error)
	CountOperationsByType(ctx context.Context, filter SessionFilter) (map[string]int64, error)

	// Project directory
	CreateProject(ctx context.Context, project *models.Project) error
	FindProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)

	// Domain records
	CreateContextEntry(ctx context.Context, entry *models.ContextEntry) error
	CreateDecision(ctx context.Context, decision *models.Decision) error

	// Tool execution operations
	CreateToolExecution(ctx context.Context, exec *models.ToolExecution) error
	GetToolExecution(ctx context.Context, id uint) (*models.ToolExecution, error)
	GetToolExecutions(ctx context.Context, limit, offset int) ([]models.ToolExecution, int64, error)
	GetToolExecutionsBySession(ctx context.Context, sessionID string) ([]models.ToolExecution, error)
	DeleteToolExecution(ctx context.Context, id uint) error
	DeleteAllToolExecutions(ctx context.Context) error

	// Lifecycle
	Close() error
}
