package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tb0hdan/toolgate-mcp/pkg/dispatch"
)

const (
	ScopeHeader     = "X-Session-Scope"
	RequestIDHeader = "X-Request-ID"
	// bodyOverhead is allowed on top of the guard limit for the request wrapper.
	bodyOverhead = 4 << 10
)

type invokeBody struct {
	Arguments json.RawMessage `json:"arguments"`
}

// Handler returns the HTTP API: REST invocation, MCP, health, metrics and
// service info.
func (s *Server) Handler(serviceName string) http.Handler {
	r := mux.NewRouter()

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	})

	r.HandleFunc("/tools/{toolName}", s.handleInvoke).Methods(http.MethodPost)
	r.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/mcp", s.limitBody(mcpHandler))
	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": serviceName,
			"version": s.impl.Version,
			"endpoints": map[string]string{
				"invoke":  "/tools/{toolName}",
				"tools":   "/tools",
				"mcp":     "/mcp",
				"health":  "/health",
				"metrics": "/metrics",
			},
		})
	}).Methods(http.MethodGet)

	return r
}

// bodyLimit is the largest request body accepted on any endpoint.
func (s *Server) bodyLimit() int64 {
	return int64(s.dispatcher.GuardOptions().MaxBytes) + bodyOverhead
}

// limitBody caps the request body before next reads or parses any of it.
// Declared oversize bodies are refused without being read.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.bodyLimit()
		if r.ContentLength > limit {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error": fmt.Sprintf("request body exceeds limit of %d bytes", limit),
			})
			return
		}
		http.MaxBytesHandler(next, limit).ServeHTTP(w, r)
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.bodyLimit()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeEnvelope(w, dispatch.Failure(dispatch.KindValidation,
				fmt.Sprintf("Validation failed: request body exceeds limit of %d bytes", tooLarge.Limit)))
			return
		}
		writeEnvelope(w, dispatch.Failure(dispatch.KindValidation, "Invalid request body: "+err.Error()))
		return
	}

	var body invokeBody
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeEnvelope(w, dispatch.Failure(dispatch.KindValidation, "Invalid request body: "+err.Error()))
			return
		}
	}

	env := s.dispatcher.Invoke(r.Context(), dispatch.Request{
		ToolName:  mux.Vars(r)["toolName"],
		Arguments: body.Arguments,
		RequestID: requestID,
		Transport: dispatch.TransportHTTP,
		Scope:     r.Header.Get(ScopeHeader),
	})
	writeEnvelope(w, env)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	type toolInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		InputSchema any    `json:"inputSchema"`
	}
	list := []toolInfo{}
	for _, t := range s.dispatcher.Tools() {
		list = append(list, toolInfo{Name: t.Name(), Description: t.Description(), InputSchema: t.Shape().JSONSchema()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": list})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tools":  len(s.dispatcher.Tools()),
	})
}

func writeEnvelope(w http.ResponseWriter, env dispatch.Envelope) {
	writeJSON(w, env.HTTPStatus(), env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
