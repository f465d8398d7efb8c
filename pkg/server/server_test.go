package server

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tb0hdan/toolgate-mcp/pkg/analytics"
	"github.com/tb0hdan/toolgate-mcp/pkg/dispatch"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/catalog"
)

func setupTestStorage(t *testing.T) (storage.Storage, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "server-test-*.db")
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

	cleanup := func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}

	return store, cleanup
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	store, cleanup := setupTestStorage(t)
	logger := zerolog.Nop()
	m := metrics.NewIsolated()
	ledger := session.NewLedger(store, logger, m)

	d := dispatch.New(dispatch.Config{
		Logger:  logger,
		Metrics: m,
		Ledger:  ledger,
		Auditor: tools.NewAuditor(store, logger),
	})
	deps := tools.Deps{Logger: logger, Store: store, Ledger: ledger, Stats: analytics.NewAggregator(store, logger)}
	for _, tool := range catalog.All(deps) {
		require.NoError(t, d.Register(tool))
	}

	impl := &mcp.Implementation{
		Name:    "test-server",
		Version: "1.0.0",
	}
	srv := NewServer(impl, d, store, logger, m)
	require.NoError(t, srv.RegisterTools())

	t.Cleanup(func() {
		d.Close()
		cleanup()
	})
	return srv
}

func TestNewServer(t *testing.T) {
	srv := setupTestServer(t)

	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	if srv.Storage() == nil {
		t.Fatal("expected non-nil storage in server")
	}
	if srv.MCP() == nil {
		t.Fatal("expected non-nil MCP server")
	}
}

func TestShutdown_NilCollaborators(t *testing.T) {
	srv := NewServer(&mcp.Implementation{Name: "t", Version: "0"}, nil, nil, zerolog.Nop(), nil)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestShutdown_ClosesStorage(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	d := dispatch.New(dispatch.Config{Logger: zerolog.Nop()})
	srv := NewServer(&mcp.Implementation{Name: "t", Version: "0"}, d, store, zerolog.Nop(), nil)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := d.Invoke(context.Background(), dispatch.Request{ToolName: "history"})
	if env.Success {
		t.Fatal("expected closed dispatcher to refuse calls")
	}
}

func connectClient(t *testing.T, srv *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientSession.Close() })
	return clientSession
}

func TestMCP_ListTools(t *testing.T) {
	srv := setupTestServer(t)
	cs := connectClient(t, srv)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
		assert.NotNil(t, tool.InputSchema, tool.Name)
	}
	for _, want := range []string{"session", "project", "context_store", "decision_record", "history"} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func envelopeFrom(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &env))
	return env
}

func TestMCP_CallTool(t *testing.T) {
	srv := setupTestServer(t)
	cs := connectClient(t, srv)
	ctx := context.Background()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "context_store",
		Arguments: map[string]any{"content": "wired the MCP transport", "type": "milestone"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	env := envelopeFrom(t, res)
	assert.Equal(t, true, env["success"])
	assert.Contains(t, env, "result")

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "session",
		Arguments: map[string]any{"action": "status"},
	})
	require.NoError(t, err)
	env = envelopeFrom(t, res)
	assert.Equal(t, true, env["success"], "context_store opened a session implicitly")
}

func TestMCP_CallToolFailure(t *testing.T) {
	srv := setupTestServer(t)
	cs := connectClient(t, srv)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "context_store",
		Arguments: map[string]any{"type": "gossip"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	env := envelopeFrom(t, res)
	assert.Equal(t, false, env["success"])
	assert.Contains(t, env["error"], "Validation failed: ")
	assert.Contains(t, env["error"], "content: is required")
	assert.Len(t, env, 2)
}
