package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type SQLiteStorage struct {
	db *gorm.DB
}

type Config struct {
	DatabasePath string
	Debug        bool
}

func NewSQLiteStorage(cfg Config) (*SQLiteStorage, error) {
	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}

	database, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:" databases shared.
	sqlDB.SetMaxOpenConns(1)

	// Auto-migrate schema
	if err := database.AutoMigrate(
		&models.Session{},
		&models.OperationEvent{},
		&models.Project{},
		&models.ContextEntry{},
		&models.Decision{},
		&models.ToolExecution{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLiteStorage{db: database}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStorage) InsertSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(session).Error
}

// UpdateSession persists the descriptive fields of a session. Counters and
// lifecycle columns are only changed through their dedicated operations.
func (s *SQLiteStorage) UpdateSession(ctx context.Context, session *models.Session) error {
	res := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", session.ID).
		Select("project_id", "title").
		Updates(session)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (s *SQLiteStorage) FindActiveSession(ctx context.Context, scope string) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).
		Where("scope = ? AND status = ? AND ended_at IS NULL", scope, models.SessionActive).
		Order("started_at DESC").
		First(&session).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (s *SQLiteStorage) CompleteSession(ctx context.Context, id string, endedAt time.Time, score float64, reason string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]any{
			"status":             models.SessionCompleted,
			"ended_at":           endedAt,
			"ended_reason":       reason,
			"productivity_score": score,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLiteStorage) AddSessionTokens(ctx context.Context, id string, input, output int64) error {
	res := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"tokens_input":  gorm.Expr("tokens_input + ?", input),
			"tokens_output": gorm.Expr("tokens_output + ?", output),
			"tokens_total":  gorm.Expr("tokens_total + ?", input+output),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) sessionQuery(ctx context.Context, filter SessionFilter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Session{})
	if filter.ProjectID != "" {
		query = query.Where("project_id = ?", filter.ProjectID)
	}
	if filter.Scope != "" {
		query = query.Where("scope = ?", filter.Scope)
	}
	if !filter.Since.IsZero() {
		query = query.Where("started_at >= ?", filter.Since)
	}
	return query
}

func (s *SQLiteStorage) QuerySessions(ctx context.Context, filter SessionFilter) ([]models.Session, error) {
	var sessions []models.Session
	err := s.sessionQuery(ctx, filter).Order("started_at ASC").Find(&sessions).Error
	return sessions, err
}

// InsertOperationEvent stores the event and applies delta to the session
// counters. Counters of a completed session are frozen with its score, so a
// late event is kept in the log without changing them.
func (s *SQLiteStorage) InsertOperationEvent(ctx context.Context, event *models.OperationEvent, delta models.CounterDelta) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", event.SessionID, models.SessionActive).
			Updates(map[string]any{
				"operations_count":  gorm.Expr("operations_count + ?", delta.Operations),
				"contexts_created":  gorm.Expr("contexts_created + ?", delta.Contexts),
				"decisions_created": gorm.Expr("decisions_created + ?", delta.Decisions),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Session{}).Where("id = ?", event.SessionID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("session %s: %w", event.SessionID, ErrNotFound)
			}
		}
		return tx.Create(event).Error
	})
}

func (s *SQLiteStorage) GetOperationEvents(ctx context.Context, sessionID string) ([]models.OperationEvent, error) {
	var events []models.OperationEvent
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("occurred_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (s *SQLiteStorage) CountOperationsByType(ctx context.Context, filter SessionFilter) (map[string]int64, error) {
	var rows []struct {
		Type  string
		Count int64
	}
	sessionIDs := s.sessionQuery(ctx, filter).Select("id")
	err := s.db.WithContext(ctx).
		Model(&models.OperationEvent{}).
		Select("type, COUNT(*) AS count").
		Where("session_id IN (?)", sessionIDs).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}

func (s *SQLiteStorage) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	project.Name = strings.TrimSpace(project.Name)
	return s.db.WithContext(ctx).Create(project).Error
}

func (s *SQLiteStorage) FindProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).
		Where("LOWER(name) = LOWER(?)", strings.TrimSpace(name)).
		First(&project).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &project, nil
}

func (s *SQLiteStorage) ListProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	err := s.db.WithContext(ctx).Order("name ASC").Find(&projects).Error
	return projects, err
}

func (s *SQLiteStorage) CreateContextEntry(ctx context.Context, entry *models.ContextEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *SQLiteStorage) CreateDecision(ctx context.Context, decision *models.Decision) error {
	return s.db.WithContext(ctx).Create(decision).Error
}

func (s *SQLiteStorage) CreateToolExecution(ctx context.Context, exec *models.ToolExecution) error {
	return s.db.WithContext(ctx).Create(exec).Error
}

func (s *SQLiteStorage) GetToolExecution(ctx context.Context, id uint) (*models.ToolExecution, error) {
	var exec models.ToolExecution
	if err := s.db.WithContext(ctx).First(&exec, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &exec, nil
}

func (s *SQLiteStorage) GetToolExecutions(ctx context.Context, limit, offset int) ([]models.ToolExecution, int64, error) {
	var executions []models.ToolExecution
	var total int64

	if err := s.db.WithContext(ctx).Model(&models.ToolExecution{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	err := query.Find(&executions).Error
	return executions, total, err
}

func (s *SQLiteStorage) GetToolExecutionsBySession(ctx context.Context, sessionID string) ([]models.ToolExecution, error) {
	var executions []models.ToolExecution
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Find(&executions).Error
	return executions, err
}

func (s *SQLiteStorage) DeleteToolExecution(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&models.ToolExecution{}, id).Error
}

func (s *SQLiteStorage) DeleteAllToolExecutions(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&models.ToolExecution{}).Error
}

func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
