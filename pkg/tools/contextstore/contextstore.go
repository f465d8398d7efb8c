package contextstore

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

const (
	Name        = "context_store"
	defaultType = "discussion"
)

type Input struct {
	Content string   `json:"content"`
	Type    string   `json:"type,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

type Tool struct {
	logger zerolog.Logger
	store  storage.Storage
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Store a piece of working context (code notes, errors, plans, milestones) in the current session."
}

func (t *Tool) Shape() schema.Shape {
	return schema.Shape{
		Description: t.Description(),
		Fields: []schema.Field{
			{Name: "content", Kind: schema.KindString, Required: true, Rules: "min=1,max=65536", Description: "Context text"},
			{Name: "type", Kind: schema.KindString, Rules: "oneof=code decision error discussion planning completion milestone", Description: "Kind of context"},
			{Name: "tags", Kind: schema.KindArray, Rules: "max=20", Description: "Free-form string tags"},
		},
	}
}

func (t *Tool) OperationType() string { return models.OpContextCreation }

func (t *Tool) Handle(ctx context.Context, args map[string]any) (any, error) {
	if raw, ok := args["tags"].([]any); ok {
		for i, tag := range raw {
			if _, isString := tag.(string); !isString {
				return nil, fmt.Errorf("tags[%d] must be a string", i)
			}
		}
	}

	var input Input
	if err := tools.Decode(args, &input); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("content must not be blank")
	}
	if input.Type == "" {
		input.Type = defaultType
	}

	entry := &models.ContextEntry{
		SessionID: session.SessionIDFrom(ctx),
		Type:      input.Type,
		Content:   input.Content,
		Tags:      strings.Join(input.Tags, ","),
	}
	if err := t.store.CreateContextEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to store context: %w", err)
	}
	t.logger.Debug().Uint("id", entry.ID).Str("type", entry.Type).Msg("Context stored")
	return entry, nil
}

func New(deps tools.Deps) tools.Tool {
	return &Tool{
		logger: deps.Logger.With().Str("tool", Name).Logger(),
		store:  deps.Store,
	}
}
