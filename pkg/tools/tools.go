package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/analytics"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
)

// Tool is a named capability the dispatcher can invoke. Handle receives
// arguments that already passed the tool's Shape.
type Tool interface {
	Name() string
	Description() string
	Shape() schema.Shape
	Handle(ctx context.Context, args map[string]any) (any, error)
}

// OperationTagger is implemented by tools whose successful calls are
// recorded under an operation type other than the tool name.
type OperationTagger interface {
	OperationType() string
}

// Unattributed is implemented by tools that manage sessions themselves.
// Their calls neither resolve nor record against a session.
type Unattributed interface {
	Unattributed()
}

// HandlerFunc is the signature of Tool.Handle.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Deps carries the collaborators tools are built from.
type Deps struct {
	Logger zerolog.Logger
	Store  storage.Storage
	Ledger *session.Ledger
	Stats  *analytics.Aggregator
}

// OperationType returns the type recorded for a successful call of t.
func OperationType(t Tool) string {
	if tagger, ok := t.(OperationTagger); ok {
		if op := tagger.OperationType(); op != "" {
			return op
		}
	}
	return t.Name()
}

func IsUnattributed(t Tool) bool {
	_, ok := t.(Unattributed)
	return ok
}

// Decode copies validated arguments into a typed input struct.
func Decode(args map[string]any, out any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}

// CallInfo describes the inbound request a handler runs for.
type CallInfo struct {
	RequestID string
	Transport string
}

type callInfoKey struct{}

func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(CallInfo)
	return info
}
