package history

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
	"github.com/tb0hdan/toolgate-mcp/pkg/types"
)

const Name = "history"

type Input struct {
	Action    string `json:"action"`
	ID        uint   `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type Tool struct {
	logger zerolog.Logger
	store  storage.Storage
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Browse and manage tool execution history. Actions: list (paginated, optionally by session_id), get (by ID), delete (by ID), clear (all)."
}

func (t *Tool) Shape() schema.Shape {
	return schema.Shape{
		Description: t.Description(),
		Fields: []schema.Field{
			{Name: "action", Kind: schema.KindString, Required: true, Rules: "oneof=list get delete clear", Description: "Operation to perform"},
			{Name: "id", Kind: schema.KindInteger, Rules: "min=1", Description: "Execution ID for get and delete"},
			{Name: "session_id", Kind: schema.KindString, Rules: "max=64", Description: "Restrict list to one session"},
			{Name: "limit", Kind: schema.KindInteger, Rules: fmt.Sprintf("min=0,max=%d", types.MaxHistoryLimit), Description: "Page size for list"},
			{Name: "offset", Kind: schema.KindInteger, Rules: "min=0", Description: "Page offset for list"},
		},
	}
}

func (t *Tool) Handle(ctx context.Context, args map[string]any) (any, error) {
	var input Input
	if err := tools.Decode(args, &input); err != nil {
		return nil, err
	}

	switch input.Action {
	case "list":
		if input.SessionID != "" {
			executions, err := t.store.GetToolExecutionsBySession(ctx, input.SessionID)
			if err != nil {
				return nil, fmt.Errorf("failed to list executions: %w", err)
			}
			return map[string]any{
				"session_id": input.SessionID,
				"total":      len(executions),
				"executions": executions,
			}, nil
		}

		limit := input.Limit
		if limit == 0 {
			limit = types.DefaultHistoryLimit
		}
		executions, total, err := t.store.GetToolExecutions(ctx, limit, input.Offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}
		return map[string]any{
			"total":      total,
			"limit":      limit,
			"offset":     input.Offset,
			"executions": executions,
		}, nil

	case "get":
		if input.ID == 0 {
			return nil, fmt.Errorf("id is required for get action")
		}
		exec, err := t.store.GetToolExecution(ctx, input.ID)
		if err != nil {
			return nil, fmt.Errorf("execution not found: %w", err)
		}
		return exec, nil

	case "delete":
		if input.ID == 0 {
			return nil, fmt.Errorf("id is required for delete action")
		}
		if err := t.store.DeleteToolExecution(ctx, input.ID); err != nil {
			return nil, fmt.Errorf("failed to delete execution: %w", err)
		}
		t.logger.Debug().Uint("id", input.ID).Msg("Execution deleted")
		return map[string]any{"message": fmt.Sprintf("Execution %d deleted successfully", input.ID)}, nil

	case "clear":
		if err := t.store.DeleteAllToolExecutions(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear executions: %w", err)
		}
		t.logger.Debug().Msg("Execution history cleared")
		return map[string]any{"message": "All execution history cleared"}, nil
	}

	return nil, fmt.Errorf("unsupported action: %s", input.Action)
}

func New(deps tools.Deps) tools.Tool {
	return &Tool{
		logger: deps.Logger.With().Str("tool", Name).Logger(),
		store:  deps.Store,
	}
}
