package history

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

func setupTestTool(t *testing.T) (*Tool, storage.Storage, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "history-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()

	cfg := storage.Config{
		DatabasePath: tmpFile.Name(),
		Debug:        false,
	}

	store, err := storage.NewSQLiteStorage(cfg)
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to create storage: %v", err)
	}

	tool := New(tools.Deps{Logger: zerolog.Nop(), Store: store}).(*Tool)

	cleanup := func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}

	return tool, store, cleanup
}

func seed(t *testing.T, store storage.Storage, n int, sessionID string) {
	t.Helper()
	for i := 0; i < n; i++ {
		exec := &models.ToolExecution{
			SessionID: sessionID,
			ToolName:  "context_store",
			InputJSON: `{"content":"x"}`,
			Success:   true,
		}
		if err := store.CreateToolExecution(context.Background(), exec); err != nil {
			t.Fatalf("failed to seed execution: %v", err)
		}
	}
}

func TestNew(t *testing.T) {
	tool := New(tools.Deps{Logger: zerolog.Nop()})

	if tool == nil {
		t.Fatal("expected non-nil tool")
	}
	if tool.Name() != Name {
		t.Errorf("expected name %q, got %q", Name, tool.Name())
	}
	if tools.IsUnattributed(tool) {
		t.Error("history calls should be attributed to a session")
	}
}

func TestShapeRegisters(t *testing.T) {
	tool := New(tools.Deps{Logger: zerolog.Nop()})
	v := schema.New()
	if err := v.Register(tool.Name(), tool.Shape()); err != nil {
		t.Fatalf("failed to register shape: %v", err)
	}

	outcome := v.Validate(Name, map[string]any{"action": "purge"})
	if outcome.OK {
		t.Fatal("expected unsupported action to be rejected")
	}
}

func TestHandle_ListEmpty(t *testing.T) {
	tool, _, cleanup := setupTestTool(t)
	defer cleanup()

	result, err := tool.Handle(context.Background(), map[string]any{"action": "list"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page := result.(map[string]any)
	if page["total"].(int64) != 0 {
		t.Errorf("expected total 0, got %v", page["total"])
	}
	if page["limit"].(int) != 10 {
		t.Errorf("expected default limit 10, got %v", page["limit"])
	}
}

func TestHandle_ListPaginated(t *testing.T) {
	tool, store, cleanup := setupTestTool(t)
	defer cleanup()
	seed(t, store, 5, "s1")

	result, err := tool.Handle(context.Background(), map[string]any{"action": "list", "limit": 2, "offset": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page := result.(map[string]any)
	if page["total"].(int64) != 5 {
		t.Errorf("expected total 5, got %v", page["total"])
	}
	if got := len(page["executions"].([]models.ToolExecution)); got != 2 {
		t.Errorf("expected 2 executions, got %d", got)
	}
}

func TestHandle_ListBySession(t *testing.T) {
	tool, store, cleanup := setupTestTool(t)
	defer cleanup()
	seed(t, store, 2, "s1")
	seed(t, store, 3, "s2")

	result, err := tool.Handle(context.Background(), map[string]any{"action": "list", "session_id": "s2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := result.(map[string]any)["total"].(int); got != 3 {
		t.Errorf("expected 3 executions for s2, got %d", got)
	}
}

func TestHandle_GetAndDelete(t *testing.T) {
	tool, store, cleanup := setupTestTool(t)
	defer cleanup()
	seed(t, store, 1, "s1")
	ctx := context.Background()

	result, err := tool.Handle(ctx, map[string]any{"action": "get", "id": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec := result.(*models.ToolExecution); exec.ToolName != "context_store" {
		t.Errorf("unexpected tool name %q", exec.ToolName)
	}

	if _, err := tool.Handle(ctx, map[string]any{"action": "delete", "id": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tool.Handle(ctx, map[string]any{"action": "get", "id": 1}); err == nil {
		t.Fatal("expected error for deleted execution")
	}
}

func TestHandle_MissingID(t *testing.T) {
	tool, _, cleanup := setupTestTool(t)
	defer cleanup()

	for _, action := range []string{"get", "delete"} {
		if _, err := tool.Handle(context.Background(), map[string]any{"action": action}); err == nil {
			t.Errorf("expected error for %s without id", action)
		}
	}
}

func TestHandle_Clear(t *testing.T) {
	tool, store, cleanup := setupTestTool(t)
	defer cleanup()
	seed(t, store, 3, "s1")
	ctx := context.Background()

	if _, err := tool.Handle(ctx, map[string]any{"action": "clear"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, total, err := store.GetToolExecutions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 {
		t.Errorf("expected empty history, got %d", total)
	}
}
