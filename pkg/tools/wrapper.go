package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/storage"
)

// maxAuditOutput caps the stored output of one execution.
const maxAuditOutput = 64 << 10

// Auditor writes a ToolExecution record for every wrapped call. Calls made
// after Close run unaudited.
type Auditor struct {
	store  storage.Storage
	logger zerolog.Logger
	wg     sync.WaitGroup

	// mu orders wg.Add against wg.Wait.
	mu     sync.RWMutex
	closed bool
}

func NewAuditor(store storage.Storage, logger zerolog.Logger) *Auditor {
	return &Auditor{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Wrap wraps a tool handler to add execution logging.
func (a *Auditor) Wrap(toolName string, handler HandlerFunc) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		startTime := time.Now()

		// Marshal input for logging
		inputJSON, _ := json.Marshal(args)

		// Execute the actual handler
		result, err := handler(ctx, args)

		info := CallInfoFrom(ctx)
		exec := &models.ToolExecution{
			RequestID:  info.RequestID,
			Transport:  info.Transport,
			SessionID:  session.SessionIDFrom(ctx),
			ToolName:   toolName,
			InputJSON:  string(inputJSON),
			DurationMs: time.Since(startTime).Milliseconds(),
			Success:    err == nil,
		}
		if err != nil {
			exec.ErrorMessage = err.Error()
		}

		a.mu.RLock()
		defer a.mu.RUnlock()
		if a.closed {
			a.logger.Debug().Str("tool", toolName).Msg("Auditor closed, execution not recorded")
			return result, err
		}

		// Log execution asynchronously to avoid blocking.
		// Using background context intentionally - logging should complete even if request is cancelled.
		a.wg.Add(1)
		go func() { //nolint:contextcheck
			defer a.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error().Str("tool", toolName).Msgf("Audit record panicked: %v", r)
				}
			}()
			if err == nil && result != nil {
				exec.OutputJSON = encodeOutput(result)
			}
			if storeErr := a.store.CreateToolExecution(context.Background(), exec); storeErr != nil {
				a.logger.Warn().Err(storeErr).Str("tool", toolName).Msg("Failed to store tool execution")
			}
		}()

		return result, err
	}
}

// Wait blocks until all pending audit records are written. Wrapped calls
// finishing meanwhile wait for it before queueing their record.
func (a *Auditor) Wait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wg.Wait()
}

// Close stops recording new executions and waits for pending ones.
func (a *Auditor) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.wg.Wait()
}

func encodeOutput(result any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("<unencodable output: %v>", r)
		}
	}()
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("<unencodable output: %v>", err)
	}
	if len(data) > maxAuditOutput {
		return string(data[:maxAuditOutput]) + "...(truncated)"
	}
	return string(data)
}
