// Package sessions exposes the session ledger as a tool.
package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/analytics"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

const Name = "session"

type Input struct {
	Action       string `json:"action"`
	Title        string `json:"title,omitempty"`
	Project      string `json:"project,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

type Tool struct {
	logger zerolog.Logger
	ledger *session.Ledger
	stats  *analytics.Aggregator
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Manage the work session of the caller's scope. Actions: start, end, status, assign (to a project by name), tokens (add usage), stats."
}

func (t *Tool) Shape() schema.Shape {
	return schema.Shape{
		Description: t.Description(),
		Fields: []schema.Field{
			{Name: "action", Kind: schema.KindString, Required: true, Rules: "oneof=start end status assign tokens stats", Description: "Operation to perform"},
			{Name: "title", Kind: schema.KindString, Rules: "max=255", Description: "Title for a new session"},
			{Name: "project", Kind: schema.KindString, Rules: "max=255", Description: "Project name for start and assign"},
			{Name: "project_id", Kind: schema.KindString, Rules: "max=36", Description: "Restrict stats to one project"},
			{Name: "input_tokens", Kind: schema.KindInteger, Rules: "min=0", Description: "Input tokens to add"},
			{Name: "output_tokens", Kind: schema.KindInteger, Rules: "min=0", Description: "Output tokens to add"},
		},
	}
}

// Unattributed marks session management calls as outside session accounting.
func (t *Tool) Unattributed() {}

func (t *Tool) Handle(ctx context.Context, args map[string]any) (any, error) {
	var input Input
	if err := tools.Decode(args, &input); err != nil {
		return nil, err
	}
	scope := session.ScopeFrom(ctx)

	switch input.Action {
	case "start":
		opts := session.StartOptions{Scope: scope, Title: input.Title}
		if strings.TrimSpace(input.Project) != "" {
			project, err := t.ledger.LookupProject(ctx, input.Project)
			if err != nil {
				return nil, err
			}
			opts.ProjectID = project.ID
		}
		s, err := t.ledger.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		t.logger.Debug().Str("session_id", s.ID).Msg("Session started")
		return s, nil

	case "end":
		return t.ledger.EndActive(ctx, scope)

	case "status":
		return t.ledger.Status(ctx, scope)

	case "assign":
		if strings.TrimSpace(input.Project) == "" {
			return nil, fmt.Errorf("project is required for assign action")
		}
		return t.ledger.AssignToProject(ctx, scope, input.Project)

	case "tokens":
		id := t.ledger.GetActive(ctx, scope)
		if id == "" {
			return nil, session.ErrNoActiveSession
		}
		if err := t.ledger.AddTokens(ctx, id, input.InputTokens, input.OutputTokens); err != nil {
			return nil, err
		}
		return t.ledger.Status(ctx, scope)

	case "stats":
		stats, err := t.stats.GetSessionStats(ctx, input.ProjectID)
		if err != nil {
			return nil, err
		}
		return stats, nil
	}

	return nil, fmt.Errorf("unsupported action: %s", input.Action)
}

func New(deps tools.Deps) tools.Tool {
	return &Tool{
		logger: deps.Logger.With().Str("tool", Name).Logger(),
		ledger: deps.Ledger,
		stats:  deps.Stats,
	}
}
