package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/dispatch"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
)

type Server struct {
	mcp        *mcp.Server
	impl       *mcp.Implementation
	dispatcher *dispatch.Dispatcher
	storage    storage.Storage
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	// mcpTransport labels invocations arriving over MCP.
	mcpTransport string
}

func NewServer(impl *mcp.Implementation, d *dispatch.Dispatcher, store storage.Storage, logger zerolog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		mcp:          mcp.NewServer(impl, nil),
		impl:         impl,
		dispatcher:   d,
		storage:      store,
		metrics:      m,
		logger:       logger.With().Str("component", "server").Logger(),
		mcpTransport: dispatch.TransportMCP,
	}
}

func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func (s *Server) Storage() storage.Storage {
	return s.storage
}

// RegisterTools exposes every dispatcher tool over MCP with its JSON Schema.
func (s *Server) RegisterTools() error {
	var result *multierror.Error
	for _, t := range s.dispatcher.Tools() {
		tool := &mcp.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Shape().JSONSchema(),
		}
		if err := s.addTool(tool); err != nil {
			result = multierror.Append(result, fmt.Errorf("tool %s: %w", t.Name(), err))
			continue
		}
		s.logger.Debug().Str("tool", t.Name()).Msg("MCP tool registered")
	}
	return result.ErrorOrNil()
}

func (s *Server) addTool(tool *mcp.Tool) (err error) {
	// AddTool panics on an unusable input schema.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid tool definition: %v", r)
		}
	}()
	s.mcp.AddTool(tool, s.toolHandler(tool.Name))
	return nil
}

func (s *Server) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		invocation := dispatch.Request{ToolName: name, Transport: s.mcpTransport}
		if req != nil {
			if req.Params != nil {
				invocation.Arguments = req.Params.Arguments
			}
			if req.Session != nil {
				invocation.Scope = req.Session.ID()
			}
		}

		env := s.dispatcher.Invoke(ctx, invocation)
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to encode envelope: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: string(data)},
			},
			IsError: !env.Success,
		}, nil
	}
}

// RunStdio serves MCP over stdin/stdout until ctx is done or the peer disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	s.mcpTransport = dispatch.TransportStdio
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// Shutdown drains pending dispatcher work and closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	done := make(chan error, 1)
	go func() {
		if s.dispatcher != nil {
			done <- s.dispatcher.Close()
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			result = multierror.Append(result, err)
		}
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("dispatcher drain: %w", ctx.Err()))
	}

	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
