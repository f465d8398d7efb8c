package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

const Name = "project"

type Input struct {
	Action      string `json:"action"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type Tool struct {
	logger zerolog.Logger
	store  storage.Storage
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Manage the project directory sessions are assigned to. Actions: create, list."
}

func (t *Tool) Shape() schema.Shape {
	return schema.Shape{
		Description: t.Description(),
		Fields: []schema.Field{
			{Name: "action", Kind: schema.KindString, Required: true, Rules: "oneof=create list", Description: "Operation to perform"},
			{Name: "name", Kind: schema.KindString, Rules: "max=255", Description: "Project name for create"},
			{Name: "description", Kind: schema.KindString, Rules: "max=4096", Description: "Project description"},
		},
	}
}

func (t *Tool) Handle(ctx context.Context, args map[string]any) (any, error) {
	var input Input
	if err := tools.Decode(args, &input); err != nil {
		return nil, err
	}

	switch input.Action {
	case "create":
		name := strings.TrimSpace(input.Name)
		if name == "" {
			return nil, fmt.Errorf("name is required for create action")
		}
		if existing, err := t.store.FindProjectByName(ctx, name); err == nil {
			return nil, fmt.Errorf("project %q already exists", existing.Name)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up project: %w", err)
		}
		p := &models.Project{Name: name, Description: input.Description}
		if err := t.store.CreateProject(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to create project: %w", err)
		}
		t.logger.Debug().Str("project_id", p.ID).Str("name", name).Msg("Project created")
		return p, nil

	case "list":
		projects, err := t.store.ListProjects(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}
		if projects == nil {
			projects = []models.Project{}
		}
		return map[string]any{"total": len(projects), "projects": projects}, nil
	}

	return nil, fmt.Errorf("unsupported action: %s", input.Action)
}

func New(deps tools.Deps) tools.Tool {
	return &Tool{
		logger: deps.Logger.With().Str("tool", Name).Logger(),
		store:  deps.Store,
	}
}
