// Package dispatch runs tool invocations through flag and rate-limit gates,
// session resolution, the ingress guard, the handler and the response
// normalizer, and wraps every outcome in an Envelope.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tb0hdan/toolgate-mcp/pkg/flags"
	"github.com/tb0hdan/toolgate-mcp/pkg/guard"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/normalize"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/session"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
	TransportMCP   = "mcp"
)

// ErrClosed is reported by Invoke after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Request is one inbound tool call.
type Request struct {
	ToolName  string
	Arguments json.RawMessage
	RequestID string
	Transport string
	Scope     string
}

// RateLimit configures a token bucket per tool. Zero RPS disables limiting.
type RateLimit struct {
	RPS     float64
	Burst   int
	PerTool map[string]float64
}

func (r RateLimit) limiter(tool string) *rate.Limiter {
	rps := r.RPS
	if v, ok := r.PerTool[tool]; ok {
		rps = v
	}
	if rps <= 0 {
		return nil
	}
	burst := r.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type Config struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Ledger is optional; without it calls are not attributed to sessions.
	Ledger *session.Ledger
	// Auditor is optional; with it every handler call is written to the
	// tool execution log.
	Auditor   *tools.Auditor
	Flags     flags.Provider
	Guard     guard.Options
	Normalize normalize.Options
	RateLimit RateLimit
}

type entry struct {
	tool         tools.Tool
	handler      tools.HandlerFunc
	opType       string
	unattributed bool
	limiter      *rate.Limiter
}

type Dispatcher struct {
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	validator  *schema.Validator
	guard      *guard.Guard
	normalizer *normalize.Normalizer
	ledger     *session.Ledger
	auditor    *tools.Auditor
	flags      flags.Provider
	rateLimit  RateLimit

	mu      sync.RWMutex
	entries map[string]*entry

	closeMu sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	v := schema.New()
	return &Dispatcher{
		logger:     cfg.Logger.With().Str("component", "dispatch").Logger(),
		metrics:    cfg.Metrics,
		validator:  v,
		guard:      guard.New(v, cfg.Guard, cfg.Logger, cfg.Metrics),
		normalizer: normalize.New(cfg.Normalize),
		ledger:     cfg.Ledger,
		auditor:    cfg.Auditor,
		flags:      cfg.Flags,
		rateLimit:  cfg.RateLimit,
		entries:    make(map[string]*entry),
	}
}

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

func recoverHandler(h tools.HandlerFunc) tools.HandlerFunc {
	return func(ctx context.Context, args map[string]any) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				result, err = nil, &PanicError{Value: r}
			}
		}()
		return h(ctx, args)
	}
}

// Register adds a tool. Names must be unique.
func (d *Dispatcher) Register(t tools.Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if err := d.validator.Register(name, t.Shape()); err != nil {
		return fmt.Errorf("failed to register shape for %s: %w", name, err)
	}

	handler := recoverHandler(t.Handle)
	if d.auditor != nil {
		handler = d.auditor.Wrap(name, handler)
	}
	d.entries[name] = &entry{
		tool:         t,
		handler:      handler,
		opType:       tools.OperationType(t),
		unattributed: tools.IsUnattributed(t),
		limiter:      d.rateLimit.limiter(name),
	}
	d.logger.Debug().Str("tool", name).Msg("Tool registered")
	return nil
}

// GuardOptions returns the effective ingress guard limits.
func (d *Dispatcher) GuardOptions() guard.Options {
	return d.guard.Options()
}

// Tools returns registered tools ordered by name.
func (d *Dispatcher) Tools() []tools.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := make([]tools.Tool, 0, len(d.entries))
	for _, e := range d.entries {
		list = append(list, e.tool)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

func (d *Dispatcher) lookup(name string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[name]
	return e, ok
}

// Invoke runs one request. It never panics and always returns a well-formed
// envelope.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (env Envelope) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	metricTool := req.ToolName

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("tool", req.ToolName).Str("request_id", req.RequestID).Msgf("Dispatch panicked: %v", r)
			env = Failure(KindInternal, normalize.Recovered(r).Message)
		}
		status := "success"
		if !env.Success {
			status = string(env.Kind)
		}
		d.metrics.RecordToolCall(metricTool, status, time.Since(start))
	}()

	d.closeMu.RLock()
	closed := d.closed
	d.closeMu.RUnlock()
	if closed {
		return Failure(KindInternal, ErrClosed.Error())
	}

	e, known := d.lookup(req.ToolName)
	if !known {
		metricTool = "unknown"
		return Failure(KindUnknownTool, "Validation failed: "+d.validator.Validate(req.ToolName, nil).Summary())
	}

	if d.flags != nil && !d.flags.Enabled(flags.ToolKey(req.ToolName)) {
		return Failure(KindDisabled, fmt.Sprintf("Tool %s is disabled", req.ToolName))
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return Failure(KindRateLimited, fmt.Sprintf("Rate limit exceeded for tool %s", req.ToolName))
	}

	ctx = session.WithScope(ctx, req.Scope)
	ctx = tools.WithCallInfo(ctx, tools.CallInfo{RequestID: req.RequestID, Transport: req.Transport})

	sessionID := ""
	if !e.unattributed && d.ledger != nil {
		id, err := d.ledger.Resolve(ctx, req.Scope)
		if err != nil {
			d.logger.Warn().Err(err).Str("tool", req.ToolName).Msg("Session resolution failed, continuing unattributed")
		} else {
			sessionID = id
			ctx = session.WithSessionID(ctx, id)
		}
	}

	meta := guard.Meta{RequestID: req.RequestID, SessionID: sessionID, Transport: req.Transport}
	outcome := d.guard.Check(ctx, req.ToolName, req.Arguments, meta)
	if !outcome.OK {
		return Failure(KindValidation, "Validation failed: "+outcome.Summary())
	}

	raw, err := e.handler(ctx, outcome.Sanitized)
	var res normalize.Result
	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		d.logger.Error().Str("tool", req.ToolName).Str("request_id", req.RequestID).Msgf("Handler panicked: %v", panicErr.Value)
		res = normalize.Recovered(panicErr.Value)
	case err != nil:
		res = d.normalizer.NormalizeError(err)
	default:
		res = d.normalizer.Normalize(raw)
	}
	if !res.Success {
		return Failure(KindHandler, res.Message)
	}

	if sessionID != "" {
		d.record(ctx, sessionID, e.opType)
	}
	return Success(res.Data)
}

// record appends the operation event without blocking the caller.
func (d *Dispatcher) record(ctx context.Context, sessionID, opType string) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				d.metrics.RecordRecordingFailure()
				d.logger.Error().Str("session_id", sessionID).Msgf("Recording panicked: %v", r)
			}
		}()
		d.ledger.RecordOperation(context.WithoutCancel(ctx), sessionID, opType)
	}()
}

// Flush waits for pending recordings and audit records. New recordings are
// held back until it returns.
func (d *Dispatcher) Flush() {
	d.closeMu.Lock()
	d.pending.Wait()
	d.closeMu.Unlock()

	if d.auditor != nil {
		d.auditor.Wait()
	}
}

// Close stops accepting invocations and drains background work.
func (d *Dispatcher) Close() error {
	d.closeMu.Lock()
	d.closed = true
	d.pending.Wait()
	d.closeMu.Unlock()

	if d.auditor != nil {
		d.auditor.Close()
	}
	return nil
}
