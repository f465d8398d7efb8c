// Package analytics scores sessions and aggregates session statistics.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
)

const (
	contextWeight  = 2
	decisionWeight = 3
	// unknownHours is used when a session has no measurable duration yet.
	unknownHours = 1
	dayLayout    = "2006-01-02"
)

// Score computes (contexts*2 + decisions*3) / (hours + 1).
// Negative inputs are clamped to zero; non-finite hours count as unknown.
func Score(contexts, decisions int64, hours float64) float64 {
	if contexts < 0 {
		contexts = 0
	}
	if decisions < 0 {
		decisions = 0
	}
	if math.IsNaN(hours) || math.IsInf(hours, 0) {
		hours = unknownHours
	}
	if hours < 0 {
		hours = 0
	}
	return float64(contexts*contextWeight+decisions*decisionWeight) / (hours + 1)
}

// SessionScore scores a session using its measured duration, or one hour
// when the session has not ended.
func SessionScore(s *models.Session) float64 {
	if s == nil {
		return 0
	}
	hours := float64(unknownHours)
	if d, ok := s.Duration(); ok {
		hours = d.Hours()
	}
	return Score(s.ContextsCreated, s.DecisionsCreated, hours)
}

type DayCount struct {
	Date  string `json:"date" yaml:"date"`
	Count int    `json:"count" yaml:"count"`
}

type SessionStats struct {
	TotalSessions     int              `json:"totalSessions"`
	CompletedSessions int              `json:"completedSessions"`
	ActiveSessions    int              `json:"activeSessions"`
	AvgDurationMs     float64          `json:"avgDurationMs"`
	RetentionRate     float64          `json:"retentionRate"`
	ProductivityScore float64          `json:"productivityScore"`
	TotalOperations   int64            `json:"totalOperations"`
	SessionsByDay     []DayCount       `json:"sessionsByDay"`
	OperationsByType  map[string]int64 `json:"operationsByType"`
}

// Aggregate derives statistics from a set of sessions. OperationsByType is
// left empty; it comes from the event log.
func Aggregate(sessions []models.Session) SessionStats {
	stats := SessionStats{
		TotalSessions:    len(sessions),
		SessionsByDay:    []DayCount{},
		OperationsByType: map[string]int64{},
	}
	if len(sessions) == 0 {
		return stats
	}

	var (
		durationSum time.Duration
		scoreSum    float64
		days        = map[string]int{}
	)
	for i := range sessions {
		s := &sessions[i]
		stats.TotalOperations += s.OperationsCount
		days[s.StartedAt.UTC().Format(dayLayout)]++

		if s.Status == models.SessionCompleted {
			stats.CompletedSessions++
			if d, ok := s.Duration(); ok {
				durationSum += d
			}
			scoreSum += s.ProductivityScore
			continue
		}
		stats.ActiveSessions++
		scoreSum += SessionScore(s)
	}

	if stats.CompletedSessions > 0 {
		stats.AvgDurationMs = float64(durationSum.Milliseconds()) / float64(stats.CompletedSessions)
	}
	stats.RetentionRate = float64(stats.CompletedSessions) / float64(stats.TotalSessions)
	stats.ProductivityScore = scoreSum / float64(stats.TotalSessions)

	for day, count := range days {
		stats.SessionsByDay = append(stats.SessionsByDay, DayCount{Date: day, Count: count})
	}
	sort.Slice(stats.SessionsByDay, func(i, j int) bool {
		return stats.SessionsByDay[i].Date < stats.SessionsByDay[j].Date
	})
	return stats
}

// Aggregator reads session data from the store on demand.
type Aggregator struct {
	store  storage.Storage
	logger zerolog.Logger
}

func NewAggregator(store storage.Storage, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger.With().Str("component", "analytics").Logger(),
	}
}

// GetSessionStats returns statistics for one project, or for all sessions
// when projectID is empty.
func (a *Aggregator) GetSessionStats(ctx context.Context, projectID string) (SessionStats, error) {
	filter := storage.SessionFilter{ProjectID: projectID}

	sessions, err := a.store.QuerySessions(ctx, filter)
	if err != nil {
		return Aggregate(nil), fmt.Errorf("failed to query sessions: %w", err)
	}
	stats := Aggregate(sessions)

	byType, err := a.store.CountOperationsByType(ctx, filter)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to count operations by type")
		return stats, nil
	}
	stats.OperationsByType = byType
	return stats, nil
}
