package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

const Name = "decision_record"

type Input struct {
	Title     string `json:"title"`
	Rationale string `json:"rationale,omitempty"`
	Status    string `json:"status,omitempty"`
}

type Tool struct {
	logger zerolog.Logger
	store  storage.Storage
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Record an architectural or implementation decision with its rationale."
}

func (t *Tool) Shape() schema.Shape {
	return schema.Shape{
		Description: t.Description(),
		Fields: []schema.Field{
			{Name: "title", Kind: schema.KindString, Required: true, Rules: "min=1,max=255", Description: "Short decision title"},
			{Name: "rationale", Kind: schema.KindString, Rules: "max=65536", Description: "Why the decision was made"},
			{Name: "status", Kind: schema.KindString, Rules: "oneof=proposed accepted rejected superseded", Description: "Decision status"},
		},
	}
}

func (t *Tool) OperationType() string { return models.OpDecisionCreation }

func (t *Tool) Handle(ctx context.Context, args map[string]any) (any, error) {
	var input Input
	if err := tools.Decode(args, &input); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("title must not be blank")
	}
	if input.Status == "" {
		input.Status = "accepted"
	}

	d := &models.Decision{
		SessionID: session.SessionIDFrom(ctx),
		Title:     title,
		Rationale: input.Rationale,
		Status:    input.Status,
	}
	if err := t.store.CreateDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	t.logger.Debug().Uint("id", d.ID).Msg("Decision recorded")
	return d, nil
}

func New(deps tools.Deps) tools.Tool {
	return &Tool{
		logger: deps.Logger.With().Str("tool", Name).Logger(),
		store:  deps.Store,
	}
}
