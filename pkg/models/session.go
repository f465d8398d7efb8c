package models

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Reasons recorded when a session reaches SessionCompleted.
const (
	EndedCompleted  = "completed"
	EndedSuperseded = "superseded"
)

// Reserved operation types that feed the derived session counters.
const (
	OpContextCreation  = "context_creation"
	OpDecisionCreation = "decision_creation"
)

type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Session is a bounded span of work. EndedAt is set iff Status is SessionCompleted.
type Session struct {
	ID                string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	Scope             string        `gorm:"type:varchar(255);index;not null" json:"scope"`
	ProjectID         *string       `gorm:"type:varchar(36);index" json:"project_id,omitempty"`
	Title             string        `gorm:"type:varchar(255)" json:"title,omitempty"`
	StartedAt         time.Time     `gorm:"index;not null" json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	EndedReason       string        `gorm:"type:varchar(32)" json:"ended_reason,omitempty"`
	Status            SessionStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	OperationsCount   int64         `gorm:"not null;default:0" json:"operations_count"`
	ContextsCreated   int64         `gorm:"not null;default:0" json:"contexts_created"`
	DecisionsCreated  int64         `gorm:"not null;default:0" json:"decisions_created"`
	Tokens            TokenUsage    `gorm:"embedded;embeddedPrefix:tokens_" json:"tokens"`
	ProductivityScore float64       `gorm:"not null;default:0" json:"productivity_score"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Duration returns the wall-clock length of a completed session.
// The second value is false when the duration is unknown.
func (s *Session) Duration() (time.Duration, bool) {
	if s.EndedAt == nil || s.StartedAt.IsZero() {
		return 0, false
	}
	d := s.EndedAt.Sub(s.StartedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// OperationEvent is an append-only record of one unit of work in a session.
type OperationEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"type:varchar(36);index;not null" json:"session_id"`
	Type       string    `gorm:"type:varchar(255);index;not null" json:"type"`
	OccurredAt time.Time `gorm:"index;not null" json:"occurred_at"`
}

// CounterDelta describes the counter increments applied with an operation event.
type CounterDelta struct {
	Operations int64
	Contexts   int64
	Decisions  int64
}

// DeltaFor returns the counter increments implied by an operation type.
func DeltaFor(opType string) CounterDelta {
	delta := CounterDelta{Operations: 1}
	switch opType {
	case OpContextCreation:
		delta.Contexts = 1
	case OpDecisionCreation:
		delta.Decisions = 1
	}
	return delta
}
