package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tb0hdan/toolgate-mcp/pkg/flags"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

type fakeTool struct {
	name   string
	shape  schema.Shape
	handle tools.HandlerFunc
	calls  atomic.Int32
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool " + f.name }
func (f *fakeTool) Shape() schema.Shape { return f.shape }
func (f *fakeTool) Handle(ctx context.Context, args map[string]any) (any, error) {
	f.calls.Add(1)
	return f.handle(ctx, args)
}

type taggedTool struct {
	*fakeTool
	op string
}

func (t *taggedTool) OperationType() string { return t.op }

type adminTool struct {
	*fakeTool
}

func (adminTool) Unattributed() {}

var noteShape = schema.Shape{
	Fields: []schema.Field{
		{Name: "content", Kind: schema.KindString, Required: true, Rules: "min=1"},
		{Name: "type", Kind: schema.KindString, Rules: "oneof=code decision"},
	},
}

func echo(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args["content"]}, nil
}

type fixture struct {
	d      *Dispatcher
	store  storage.Storage
	ledger *session.Ledger
	notes  *fakeTool
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "dispatch-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()

	store, err := storage.NewSQLiteStorage(storage.Config{DatabasePath: tmpFile.Name()})
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to create storage: %v", err)
	}

	logger := zerolog.Nop()
	m := metrics.NewIsolated()
	ledger := session.NewLedger(store, logger, m)
	cfg := Config{
		Logger:  logger,
		Metrics: m,
		Ledger:  ledger,
		Auditor: tools.NewAuditor(store, logger),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d := New(cfg)
	t.Cleanup(func() {
		d.Close()
		store.Close()
		os.Remove(tmpFile.Name())
	})

	notes := &fakeTool{name: "notes", shape: noteShape, handle: echo}
	require.NoError(t, d.Register(&taggedTool{fakeTool: notes, op: models.OpContextCreation}))

	return &fixture{d: d, store: store, ledger: ledger, notes: notes}
}

func (f *fixture) register(t *testing.T, name string, h tools.HandlerFunc) *fakeTool {
	t.Helper()
	tool := &fakeTool{name: name, shape: schema.Shape{AllowUnknown: true}, handle: h}
	require.NoError(t, f.d.Register(tool))
	return tool
}

func mustJSON(t *testing.T, env Envelope) string {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return string(data)
}

func TestInvoke_Success(t *testing.T) {
	f := newFixture(t, nil)

	env := f.d.Invoke(context.Background(), Request{
		ToolName:  "notes",
		Arguments: json.RawMessage(`{"content":"hello","type":"code"}`),
		Transport: TransportHTTP,
	})

	require.True(t, env.Success, env.Error)
	assert.Equal(t, http.StatusOK, env.HTTPStatus())
	assert.JSONEq(t, `{"success":true,"result":{"echo":"hello"}}`, mustJSON(t, env))
}

func TestInvoke_UnknownTool(t *testing.T) {
	f := newFixture(t, nil)

	env := f.d.Invoke(context.Background(), Request{ToolName: "nope", Arguments: json.RawMessage(`{}`)})

	require.False(t, env.Success)
	assert.Equal(t, KindUnknownTool, env.Kind)
	assert.Equal(t, http.StatusNotFound, env.HTTPStatus())
	assert.Contains(t, env.Error, "unknown tool: nope")
	assert.True(t, strings.HasPrefix(env.Error, "Validation failed: "))
	assert.Empty(t, f.ledger.GetActive(context.Background(), ""), "unknown tools do not open sessions")
}

func TestInvoke_ValidationAggregates(t *testing.T) {
	f := newFixture(t, nil)

	env := f.d.Invoke(context.Background(), Request{
		ToolName:  "notes",
		Arguments: json.RawMessage(`{"type":"poetry"}`),
	})

	require.False(t, env.Success)
	assert.Equal(t, KindValidation, env.Kind)
	assert.Equal(t, http.StatusBadRequest, env.HTTPStatus())
	assert.Contains(t, env.Error, "content: is required")
	assert.Contains(t, env.Error, "type: must be one of: code, decision")
	assert.Zero(t, f.notes.calls.Load(), "handler must not run")
	assert.JSONEq(t, `{"success":false,"error":"`+env.Error+`"}`, mustJSON(t, env))
}

func TestInvoke_GuardRejections(t *testing.T) {
	f := newFixture(t, nil)

	inputs := []string{
		`{"content":`,
		strings.Repeat(`{"a":`, 500) + `1` + strings.Repeat(`}`, 500),
		"\xff\xfe",
		`[1,2,3]`,
		`"just a string"`,
	}
	for _, raw := range inputs {
		env := f.d.Invoke(context.Background(), Request{ToolName: "notes", Arguments: json.RawMessage(raw)})
		assert.False(t, env.Success)
		assert.Equal(t, KindValidation, env.Kind)
		assert.NotEmpty(t, env.Error)
	}
	assert.Zero(t, f.notes.calls.Load())
}

func TestInvoke_ReservedKeysStripped(t *testing.T) {
	f := newFixture(t, nil)
	var seen map[string]any
	f.register(t, "inspect", func(_ context.Context, args map[string]any) (any, error) {
		seen = args
		return "ok", nil
	})

	env := f.d.Invoke(context.Background(), Request{
		ToolName:  "inspect",
		Arguments: json.RawMessage(`{"a":1,"__proto__":{"isAdmin":true}}`),
	})
	require.True(t, env.Success, env.Error)
	assert.NotContains(t, seen, "__proto__")
	assert.Contains(t, seen, "a")
}

func TestInvoke_PlainStringResult(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "greet", func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	})
	f.register(t, "braces", func(context.Context, map[string]any) (any, error) {
		return `{"a":`, nil
	})

	env := f.d.Invoke(context.Background(), Request{ToolName: "greet"})
	require.True(t, env.Success, env.Error)
	assert.Equal(t, http.StatusOK, env.HTTPStatus())
	assert.JSONEq(t, `{"success":true,"result":"ok"}`, mustJSON(t, env))

	env = f.d.Invoke(context.Background(), Request{ToolName: "braces"})
	require.True(t, env.Success, env.Error)
	assert.Equal(t, `{"a":`, env.Result)
}

func TestInvoke_HandlerFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "fails", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream unavailable")
	})
	f.register(t, "panics", func(context.Context, map[string]any) (any, error) {
		var m map[string]int
		m["boom"] = 1
		return nil, nil
	})
	f.register(t, "polluted", func(context.Context, map[string]any) (any, error) {
		return json.RawMessage(`{"constructor":{"prototype":{}}}`), nil
	})
	f.register(t, "unencodable", func(context.Context, map[string]any) (any, error) {
		return make(chan int), nil
	})

	cases := map[string]string{
		"fails":       "upstream unavailable",
		"panics":      "internal error",
		"polluted":    "reserved key",
		"unencodable": "cannot be encoded",
	}
	for name, want := range cases {
		env := f.d.Invoke(context.Background(), Request{ToolName: name})
		require.False(t, env.Success, name)
		assert.Equal(t, KindHandler, env.Kind, name)
		assert.Equal(t, http.StatusInternalServerError, env.HTTPStatus(), name)
		assert.Contains(t, env.Error, want, name)
	}
}

func TestInvoke_RecordsOnSuccessOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "fails", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("nope")
	})

	for i := 0; i < 3; i++ {
		env := f.d.Invoke(ctx, Request{ToolName: "notes", Arguments: json.RawMessage(`{"content":"x"}`)})
		require.True(t, env.Success)
	}
	f.d.Invoke(ctx, Request{ToolName: "notes", Arguments: json.RawMessage(`{}`)})
	f.d.Invoke(ctx, Request{ToolName: "fails"})
	f.d.Flush()

	id := f.ledger.GetActive(ctx, "")
	require.NotEmpty(t, id)
	s, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.AutoTitle, s.Title)
	assert.Equal(t, int64(3), s.OperationsCount)
	assert.Equal(t, int64(3), s.ContextsCreated)

	execs, err := f.store.GetToolExecutionsBySession(ctx, id)
	require.NoError(t, err)
	assert.Len(t, execs, 4, "handler calls are audited, guard rejections are not")
}

func TestInvoke_UnattributedTool(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var sawSession string
	admin := &fakeTool{name: "admin", shape: schema.Shape{AllowUnknown: true}, handle: func(ctx context.Context, _ map[string]any) (any, error) {
		sawSession = session.SessionIDFrom(ctx)
		return "done", nil
	}}
	require.NoError(t, f.d.Register(adminTool{fakeTool: admin}))

	env := f.d.Invoke(ctx, Request{ToolName: "admin", Scope: "ops"})
	require.True(t, env.Success)
	f.d.Flush()

	assert.Empty(t, sawSession)
	assert.Empty(t, f.ledger.GetActive(ctx, "ops"))
}

func TestInvoke_ScopesSeparateSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.d.Invoke(ctx, Request{ToolName: "notes", Scope: "a", Arguments: json.RawMessage(`{"content":"x"}`)})
	f.d.Invoke(ctx, Request{ToolName: "notes", Scope: "b", Arguments: json.RawMessage(`{"content":"x"}`)})
	f.d.Flush()

	a := f.ledger.GetActive(ctx, "a")
	b := f.ledger.GetActive(ctx, "b")
	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}

func TestInvoke_DisabledByFlag(t *testing.T) {
	provider := flags.NewStatic(map[string]bool{"tool.notes": false})
	f := newFixture(t, func(cfg *Config) { cfg.Flags = provider })

	env := f.d.Invoke(context.Background(), Request{ToolName: "notes", Arguments: json.RawMessage(`{"content":"x"}`)})
	require.False(t, env.Success)
	assert.Equal(t, KindDisabled, env.Kind)
	assert.Equal(t, http.StatusForbidden, env.HTTPStatus())

	provider.Set("tool.notes", true)
	env = f.d.Invoke(context.Background(), Request{ToolName: "notes", Arguments: json.RawMessage(`{"content":"x"}`)})
	assert.True(t, env.Success)
}

func TestInvoke_RateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RateLimit = RateLimit{RPS: 0.001, Burst: 1}
	})

	req := Request{ToolName: "notes", Arguments: json.RawMessage(`{"content":"x"}`)}
	assert.True(t, f.d.Invoke(context.Background(), req).Success)

	env := f.d.Invoke(context.Background(), req)
	require.False(t, env.Success)
	assert.Equal(t, KindRateLimited, env.Kind)
	assert.Equal(t, http.StatusTooManyRequests, env.HTTPStatus())
}

func TestInvoke_Concurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const calls = 64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := f.d.Invoke(ctx, Request{ToolName: "notes", Scope: "shared", Arguments: json.RawMessage(`{"content":"x"}`)})
			assert.True(t, env.Success)
		}()
	}
	wg.Wait()
	f.d.Flush()

	sessions, err := f.store.QuerySessions(ctx, storage.SessionFilter{Scope: "shared"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(calls), sessions[0].OperationsCount)
	assert.Equal(t, int64(calls), sessions[0].ContextsCreated)
}

func TestInvoke_AfterClose(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.d.Close())

	env := f.d.Invoke(context.Background(), Request{ToolName: "notes", Arguments: json.RawMessage(`{"content":"x"}`)})
	require.False(t, env.Success)
	assert.Equal(t, ErrClosed.Error(), env.Error)
}

func TestClose_ConcurrentWithInvoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 20; j++ {
				env := f.d.Invoke(ctx, Request{ToolName: "notes", Arguments: json.RawMessage(`{"content":"x"}`)})
				if env.Success {
					succeeded.Add(1)
				}
			}
		}()
	}

	close(start)
	assert.NotPanics(t, func() { require.NoError(t, f.d.Close()) })
	wg.Wait()

	// Nothing is queued once Close has returned.
	_, total, err := f.store.GetToolExecutions(ctx, 1, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, succeeded.Load())
	assert.NotPanics(t, f.d.Flush)

	_, after, err := f.store.GetToolExecutions(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, total, after)
}

func TestRegister_Errors(t *testing.T) {
	f := newFixture(t, nil)

	assert.Error(t, f.d.Register(&fakeTool{name: "notes", handle: echo}))
	assert.Error(t, f.d.Register(&fakeTool{name: "", handle: echo}))
	assert.Error(t, f.d.Register(&fakeTool{name: "bad", handle: echo, shape: schema.Shape{
		Fields: []schema.Field{{Name: "x", Kind: schema.KindString, Rules: "no_such_rule"}},
	}}))

	names := []string{}
	for _, tool := range f.d.Tools() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"notes"}, names)
}

func TestInvoke_WithoutLedger(t *testing.T) {
	d := New(Config{Logger: zerolog.Nop()})
	defer d.Close()
	require.NoError(t, d.Register(&fakeTool{name: "notes", shape: noteShape, handle: echo}))

	env := d.Invoke(context.Background(), Request{ToolName: "notes", Arguments: json.RawMessage(`{"content":"x"}`)})
	assert.True(t, env.Success)
}
