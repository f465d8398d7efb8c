package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/session"
)

type cyclic struct {
	Self *cyclic `json:"self"`
}

func TestAuditorWrap_Success(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	auditor := NewAuditor(store, zerolog.Nop())
	handler := func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"stored": args["content"]}, nil
	}
	wrapped := auditor.Wrap("test-tool", handler)

	ctx := session.WithSessionID(context.Background(), "session-1")
	ctx = WithCallInfo(ctx, CallInfo{RequestID: "req-1", Transport: "http"})

	result, err := wrapped(ctx, map[string]any{"content": "note"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}

	auditor.Wait()

	execs, total, err := store.GetToolExecutions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("failed to get executions: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 execution, got %d", total)
	}

	exec := execs[0]
	if exec.ToolName != "test-tool" {
		t.Errorf("expected tool name 'test-tool', got '%s'", exec.ToolName)
	}
	if exec.SessionID != "session-1" || exec.RequestID != "req-1" || exec.Transport != "http" {
		t.Errorf("unexpected call metadata: %+v", exec)
	}
	if !exec.Success {
		t.Error("expected success to be true")
	}
	if exec.InputJSON != `{"content":"note"}` {
		t.Errorf("unexpected input JSON: %s", exec.InputJSON)
	}
	if exec.OutputJSON != `{"stored":"note"}` {
		t.Errorf("unexpected output JSON: %s", exec.OutputJSON)
	}
}

func TestAuditorWrap_Error(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	auditor := NewAuditor(store, zerolog.Nop())
	expectedErr := errors.New("test error")
	wrapped := auditor.Wrap("error-tool", func(context.Context, map[string]any) (any, error) {
		return nil, expectedErr
	})

	_, err := wrapped(context.Background(), map[string]any{})
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}

	auditor.Wait()

	execs, _, err := store.GetToolExecutions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("failed to get executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if execs[0].Success {
		t.Error("expected success to be false")
	}
	if execs[0].ErrorMessage != "test error" {
		t.Errorf("expected error message 'test error', got '%s'", execs[0].ErrorMessage)
	}
}

func TestAuditorWrap_UnencodableOutput(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	auditor := NewAuditor(store, zerolog.Nop())
	loop := &cyclic{}
	loop.Self = loop
	wrapped := auditor.Wrap("cyclic-tool", func(context.Context, map[string]any) (any, error) {
		return loop, nil
	})

	if _, err := wrapped(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	auditor.Wait()

	execs, _, err := store.GetToolExecutions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("failed to get executions: %v", err)
	}
	if len(execs) != 1 || !strings.HasPrefix(execs[0].OutputJSON, "<unencodable output") {
		t.Fatalf("expected unencodable marker, got %+v", execs)
	}
}

func TestEncodeOutputTruncates(t *testing.T) {
	out := encodeOutput(strings.Repeat("a", maxAuditOutput*2))
	if !strings.HasSuffix(out, "...(truncated)") {
		t.Fatal("expected truncated output")
	}
	if len(out) > maxAuditOutput+len("...(truncated)") {
		t.Fatalf("output too long: %d", len(out))
	}
}

func TestDecode(t *testing.T) {
	var in struct {
		Name  string `json:"name"`
		Limit int    `json:"limit"`
	}
	if err := Decode(map[string]any{"name": "x", "limit": 5}, &in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Name != "x" || in.Limit != 5 {
		t.Fatalf("unexpected decode result: %+v", in)
	}
	if err := Decode(map[string]any{"limit": "five"}, &in); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestCallInfoFrom(t *testing.T) {
	if info := CallInfoFrom(context.Background()); info != (CallInfo{}) {
		t.Fatalf("expected empty call info, got %+v", info)
	}
}

func TestAuditor_CloseStopsRecording(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	auditor := NewAuditor(store, zerolog.Nop())
	wrapped := auditor.Wrap("test-tool", func(ctx context.Context, args map[string]any) (any, error) {
		return "done", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := wrapped(context.Background(), nil); err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				auditor.Wait()
			}
		}()
	}
	wg.Wait()
	auditor.Close()

	_, total, err := store.GetToolExecutions(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("failed to get executions: %v", err)
	}
	if total != 80 {
		t.Fatalf("expected 80 executions before close, got %d", total)
	}

	result, err := wrapped(context.Background(), nil)
	if err != nil || result != "done" {
		t.Fatalf("closed auditor must still run the handler, got %v, %v", result, err)
	}
	auditor.Wait()

	_, total, err = store.GetToolExecutions(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("failed to get executions: %v", err)
	}
	if total != 80 {
		t.Errorf("expected no execution recorded after close, got %d", total)
	}
}
