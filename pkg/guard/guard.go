// Package guard screens raw tool arguments before they reach schema validation.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tb0hdan/toolgate-mcp/pkg/jsonsafe"
	"github.com/tb0hdan/toolgate-mcp/pkg/metrics"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/types"
)

// Rejection reasons, used for audit records and metrics labels.
const (
	ReasonSize        = "size"
	ReasonEncoding    = "encoding"
	ReasonDepth       = "depth"
	ReasonSyntax      = "syntax"
	ReasonReservedKey = "reserved_key"
	ReasonSchema      = "schema"
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonInternal    = "internal"
)

type Options struct {
	MaxBytes           int
	MaxDepth           int
	Timeout            time.Duration
	RejectReservedKeys bool
	Audit              AuditFunc
}

func DefaultOptions() Options {
	return Options{
		MaxBytes: types.MaxPayloadBytes,
		MaxDepth: types.MaxNestingDepth,
		Timeout:  types.GuardTimeout,
	}
}

// Meta identifies the call being checked.
type Meta struct {
	RequestID string
	SessionID string
	Transport string
}

type AuditRecord struct {
	Tool       string
	Meta       Meta
	OK         bool
	Reason     string
	Violations []schema.Violation
	Duration   time.Duration
}

// AuditFunc receives one record per check. It runs on its own goroutine and
// a panic inside it is discarded.
type AuditFunc func(AuditRecord)

type Guard struct {
	validator *schema.Validator
	opts      Options
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(v *schema.Validator, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Guard {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Guard{
		validator: v,
		opts:      opts,
		logger:    logger.With().Str("component", "guard").Logger(),
		metrics:   m,
	}
}

func (g *Guard) Options() Options {
	return g.opts
}

type checkResult struct {
	outcome schema.Outcome
	reason  string
}

// Check validates raw JSON arguments for toolName. It always returns a
// well-formed outcome within the configured timeout.
func (g *Guard) Check(ctx context.Context, toolName string, raw []byte, meta Meta) schema.Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	done := make(chan checkResult, 1)
	go func() {
		done <- g.run(ctx, toolName, raw)
	}()

	var res checkResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res = checkResult{
				outcome: schema.Fail("", fmt.Sprintf("timeout: validation exceeded %s", g.opts.Timeout)),
				reason:  ReasonTimeout,
			}
		} else {
			res = checkResult{outcome: schema.Fail("", "request canceled"), reason: ReasonCanceled}
		}
	}

	if res.outcome.Violations == nil {
		res.outcome.Violations = []schema.Violation{}
	}
	g.report(toolName, meta, res, time.Since(start))
	return res.outcome
}

// run stops early once ctx is done so a timed-out check does not keep
// working after Check has returned.
func (g *Guard) run(ctx context.Context, toolName string, raw []byte) (res checkResult) {
	defer func() {
		if r := recover(); r != nil {
			res = checkResult{outcome: schema.Fail("", "internal validation error"), reason: ReasonInternal}
		}
	}()

	if len(raw) > g.opts.MaxBytes {
		return checkResult{
			outcome: schema.Fail("arguments", fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", len(raw), g.opts.MaxBytes)),
			reason:  ReasonSize,
		}
	}

	value, err := jsonsafe.DecodeContext(ctx, raw, g.opts.MaxDepth)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return g.abandoned(ctxErr)
		}
		return checkResult{outcome: schema.Fail("arguments", err.Error()), reason: decodeReason(err)}
	}
	if value == nil {
		value = map[string]any{}
	}

	sanitized, found, err := jsonsafe.StripReservedContext(ctx, value)
	if err != nil {
		return g.abandoned(err)
	}
	if len(found) > 0 && g.opts.RejectReservedKeys {
		violations := make([]schema.Violation, 0, len(found))
		for _, path := range found {
			violations = append(violations, schema.Violation{Field: path, Message: "reserved key not allowed"})
		}
		return checkResult{outcome: schema.Outcome{Violations: violations}, reason: ReasonReservedKey}
	}

	out := g.validator.ValidateContext(ctx, toolName, sanitized)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return g.abandoned(ctxErr)
	}
	if !out.OK {
		return checkResult{outcome: out, reason: ReasonSchema}
	}
	return checkResult{outcome: out}
}

func (g *Guard) abandoned(err error) checkResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return checkResult{
			outcome: schema.Fail("", fmt.Sprintf("timeout: validation exceeded %s", g.opts.Timeout)),
			reason:  ReasonTimeout,
		}
	}
	return checkResult{outcome: schema.Fail("", "request canceled"), reason: ReasonCanceled}
}

func decodeReason(err error) string {
	var depthErr *jsonsafe.DepthError
	switch {
	case errors.Is(err, jsonsafe.ErrInvalidUTF8):
		return ReasonEncoding
	case errors.As(err, &depthErr):
		return ReasonDepth
	}
	return ReasonSyntax
}

func (g *Guard) report(toolName string, meta Meta, res checkResult, elapsed time.Duration) {
	if !res.outcome.OK {
		g.metrics.RecordGuardRejection(res.reason)
		g.logger.Debug().
			Str("tool", toolName).
			Str("request_id", meta.RequestID).
			Str("reason", res.reason).
			Int("violations", len(res.outcome.Violations)).
			Msg("arguments rejected")
	}

	if g.opts.Audit == nil {
		return
	}
	record := AuditRecord{
		Tool:       toolName,
		Meta:       meta,
		OK:         res.outcome.OK,
		Reason:     res.reason,
		Violations: res.outcome.Violations,
		Duration:   elapsed,
	}
	audit := g.opts.Audit
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Warn().Msgf("audit hook panicked: %v", r)
			}
		}()
		audit(record)
	}()
}
