// Package session owns the session lifecycle: at most one active session per
// scope, operation accounting and the terminal transition that freezes the
// productivity score.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/analytics"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/types"
)

// AutoTitle is the title given to sessions created implicitly by Resolve.
const AutoTitle = "auto"

type StartOptions struct {
	Scope     string
	ProjectID string
	Title     string
}

// Status is an active session together with its current score. Active
// sessions are scored with the unknown-duration default.
type Status struct {
	Session   *models.Session `json:"session"`
	Score     float64         `json:"productivityScore"`
	ElapsedMs int64           `json:"elapsedMs"`
}

// scopeState holds the active-session pointer of one scope. warm is false
// until the pointer has been loaded from the store.
type scopeState struct {
	mu       sync.Mutex
	activeID string
	warm     bool
}

type Ledger struct {
	store   storage.Storage
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	scopes map[string]*scopeState
	active map[string]struct{}
}

func NewLedger(store storage.Storage, logger zerolog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With().Str("component", "session").Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		scopes:  make(map[string]*scopeState),
		active:  make(map[string]struct{}),
	}
}

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return types.DefaultScope
	}
	return scope
}

func (l *Ledger) scope(name string) *scopeState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.scopes[name]
	if !ok {
		st = &scopeState{}
		l.scopes[name] = st
	}
	return st
}

// setActive moves the scope pointer and refreshes the active-scope gauge.
// Caller holds st.mu.
func (l *Ledger) setActive(scope string, st *scopeState, id string) {
	st.activeID = id

	l.mu.Lock()
	if id == "" {
		delete(l.active, scope)
	} else {
		l.active[scope] = struct{}{}
	}
	n := len(l.active)
	l.mu.Unlock()

	l.metrics.SetActiveScopes(n)
}

// loadLocked makes the scope pointer warm. Caller holds st.mu.
func (l *Ledger) loadLocked(ctx context.Context, scope string, st *scopeState) error {
	if st.warm {
		return nil
	}
	active, err := l.store.FindActiveSession(ctx, scope)
	switch {
	case err == nil:
		l.setActive(scope, st, active.ID)
	case errors.Is(err, storage.ErrNotFound):
		l.setActive(scope, st, "")
	default:
		return fmt.Errorf("failed to load active session: %w", err)
	}
	st.warm = true
	return nil
}

// verifyLocked drops a warm pointer whose session is gone from the store or
// no longer active, so the scope behaves as if it had no active session.
// Caller holds st.mu.
func (l *Ledger) verifyLocked(ctx context.Context, scope string, st *scopeState) error {
	if st.activeID == "" {
		return nil
	}
	current, err := l.store.GetSession(ctx, st.activeID)
	switch {
	case err == nil && current.IsActive():
		return nil
	case err == nil, errors.Is(err, storage.ErrNotFound):
		l.logger.Warn().Str("session_id", st.activeID).Str("scope", scope).Msg("Active session pointer is stale")
		l.setActive(scope, st, "")
		return nil
	default:
		return fmt.Errorf("failed to get session %s: %w", st.activeID, err)
	}
}

// completeLocked ends a session, freezing its score. Caller holds the scope lock.
func (l *Ledger) completeLocked(ctx context.Context, id, reason string) (*models.Session, error) {
	current, err := l.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	if !current.IsActive() {
		return current, nil
	}

	endedAt := l.now()
	frozen := *current
	frozen.EndedAt = &endedAt
	score := analytics.SessionScore(&frozen)

	changed, err := l.store.CompleteSession(ctx, id, endedAt, score, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to complete session %s: %w", id, err)
	}
	if changed {
		l.metrics.RecordSessionEnded(reason)
		l.logger.Info().Str("session_id", id).Str("reason", reason).Float64("score", score).Msg("Session completed")
	}

	final, err := l.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload session %s: %w", id, err)
	}
	return final, nil
}

func (l *Ledger) createLocked(ctx context.Context, scope string, opts StartOptions) (*models.Session, error) {
	s := &models.Session{
		ID:        uuid.NewString(),
		Scope:     scope,
		Title:     strings.TrimSpace(opts.Title),
		StartedAt: l.now(),
		Status:    models.SessionActive,
	}
	if pid := strings.TrimSpace(opts.ProjectID); pid != "" {
		s.ProjectID = &pid
	}
	if err := l.store.InsertSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	l.metrics.RecordSessionStarted()
	l.logger.Info().Str("session_id", s.ID).Str("scope", scope).Msg("Session started")
	return s, nil
}

// Start begins a new session in the scope, superseding any active one.
func (l *Ledger) Start(ctx context.Context, opts StartOptions) (*models.Session, error) {
	scope := normalizeScope(opts.Scope)
	st := l.scope(scope)

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.loadLocked(ctx, scope, st); err != nil {
		return nil, err
	}
	if err := l.verifyLocked(ctx, scope, st); err != nil {
		return nil, err
	}
	if st.activeID != "" {
		if _, err := l.completeLocked(ctx, st.activeID, models.EndedSuperseded); err != nil {
			return nil, err
		}
		l.setActive(scope, st, "")
	}

	s, err := l.createLocked(ctx, scope, opts)
	if err != nil {
		return nil, err
	}
	l.setActive(scope, st, s.ID)
	return s, nil
}

// GetActive returns the active session id of the scope, or "" when there is
// none or the store cannot be reached.
func (l *Ledger) GetActive(ctx context.Context, scope string) string {
	scope = normalizeScope(scope)
	st := l.scope(scope)

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.loadLocked(ctx, scope, st); err != nil {
		l.logger.Warn().Err(err).Str("scope", scope).Msg("Active session lookup failed")
		return ""
	}
	return st.activeID
}

// Resolve returns the active session id of the scope, creating a session
// when there is none.
func (l *Ledger) Resolve(ctx context.Context, scope string) (string, error) {
	scope = normalizeScope(scope)
	st := l.scope(scope)

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := l.loadLocked(ctx, scope, st); err != nil {
		return "", err
	}
	if err := l.verifyLocked(ctx, scope, st); err != nil {
		return "", err
	}
	if st.activeID != "" {
		return st.activeID, nil
	}

	s, err := l.createLocked(ctx, scope, StartOptions{Title: AutoTitle})
	if err != nil {
		return "", err
	}
	l.setActive(scope, st, s.ID)
	return s.ID, nil
}

// RecordOperation appends an operation event and applies its counter
// increments. Failures are logged and counted, never returned.
func (l *Ledger) RecordOperation(ctx context.Context, sessionID, opType string) {
	if sessionID == "" || opType == "" {
		return
	}
	event := &models.OperationEvent{
		SessionID:  sessionID,
		Type:       opType,
		OccurredAt: l.now(),
	}
	if err := l.store.InsertOperationEvent(ctx, event, models.DeltaFor(opType)); err != nil {
		l.metrics.RecordRecordingFailure()
		l.logger.Warn().Err(err).Str("session_id", sessionID).Str("type", opType).Msg("Failed to record operation")
	}
}

// AddTokens adds token usage to a session.
func (l *Ledger) AddTokens(ctx context.Context, sessionID string, input, output int64) error {
	if input < 0 || output < 0 {
		return fmt.Errorf("token counts must not be negative")
	}
	if err := l.store.AddSessionTokens(ctx, sessionID, input, output); err != nil {
		return fmt.Errorf("failed to add tokens to session %s: %w", sessionID, err)
	}
	return nil
}

// End completes a session and freezes its score. Ending a completed session
// returns its frozen state unchanged.
func (l *Ledger) End(ctx context.Context, sessionID string) (*models.Session, error) {
	current, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	if !current.IsActive() {
		return current, nil
	}

	st := l.scope(current.Scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	final, err := l.completeLocked(ctx, sessionID, models.EndedCompleted)
	if err != nil {
		return nil, err
	}
	if st.activeID == sessionID {
		l.setActive(current.Scope, st, "")
	}
	return final, nil
}

// EndActive ends the active session of the scope.
func (l *Ledger) EndActive(ctx context.Context, scope string) (*models.Session, error) {
	id := l.GetActive(ctx, scope)
	if id == "" {
		return nil, ErrNoActiveSession
	}
	return l.End(ctx, id)
}

// LookupProject resolves a project by name, case-insensitively. An unknown
// name yields a *ProjectNotFoundError listing the available projects.
func (l *Ledger) LookupProject(ctx context.Context, name string) (*models.Project, error) {
	project, err := l.store.FindProjectByName(ctx, name)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up project: %w", err)
	}
	notFound := &ProjectNotFoundError{Name: name}
	if projects, listErr := l.store.ListProjects(ctx); listErr == nil {
		for _, p := range projects {
			notFound.Available = append(notFound.Available, p.Name)
		}
	}
	return nil, notFound
}

// AssignToProject attaches the scope's active session to a named project.
func (l *Ledger) AssignToProject(ctx context.Context, scope, projectName string) (*models.Session, error) {
	project, err := l.LookupProject(ctx, projectName)
	if err != nil {
		return nil, err
	}

	id := l.GetActive(ctx, scope)
	if id == "" {
		return nil, ErrNoActiveSession
	}
	current, err := l.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	current.ProjectID = &project.ID
	if err := l.store.UpdateSession(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return current, nil
}

// Status returns the scope's active session with its live score.
func (l *Ledger) Status(ctx context.Context, scope string) (*Status, error) {
	id := l.GetActive(ctx, scope)
	if id == "" {
		return nil, ErrNoActiveSession
	}
	current, err := l.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	elapsed := l.now().Sub(current.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return &Status{
		Session:   current,
		Score:     analytics.SessionScore(current),
		ElapsedMs: elapsed.Milliseconds(),
	}, nil
}
