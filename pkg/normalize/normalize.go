// Package normalize converts arbitrary handler and upstream payloads into
// canonical JSON values or a classified failure. It never panics.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/tb0hdan/toolgate-mcp/pkg/jsonsafe"
	"github.com/tb0hdan/toolgate-mcp/pkg/types"
)

type Kind string

const (
	KindNone        Kind = ""
	KindParse       Kind = "parse"
	KindDepth       Kind = "depth_exceeded"
	KindResource    Kind = "resource_exhausted"
	KindReservedKey Kind = "reserved_key"
	KindUnsupported Kind = "unsupported"
	KindHandler     Kind = "handler"
	KindPanic       Kind = "panic"
)

// Result is the normalized view of a payload. Message is non-empty whenever
// Success is false.
type Result struct {
	Success bool
	Data    any
	Kind    Kind
	Message string
}

type Options struct {
	MaxBytes int
	MaxDepth int
}

type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = types.MaxPayloadBytes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = types.MaxNestingDepth
	}
	return &Normalizer{opts: opts}
}

func failure(kind Kind, message string) Result {
	if message == "" {
		message = string(kind) + " failure"
	}
	return Result{Kind: kind, Message: message}
}

// Normalize accepts any value. Byte slices and json.RawMessage are parsed as
// JSON text and errors become handler failures. Everything else, strings
// included, is encoded and decoded again so callers only ever see plain JSON
// values.
func (n *Normalizer) Normalize(raw any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Recovered(r)
		}
	}()

	switch v := raw.(type) {
	case nil:
		return Result{Success: true}
	case error:
		return n.NormalizeError(v)
	case json.RawMessage:
		return n.parse(v)
	case []byte:
		return n.parse(v)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return failure(KindUnsupported, "result cannot be encoded: "+err.Error())
	}
	return n.parse(data)
}

// NormalizeError classifies a handler error.
func (n *Normalizer) NormalizeError(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "handler failed"
	}
	var depthErr *jsonsafe.DepthError
	if errors.As(err, &depthErr) {
		return failure(KindDepth, msg)
	}
	return failure(KindHandler, msg)
}

func (n *Normalizer) parse(data []byte) Result {
	if len(data) > n.opts.MaxBytes {
		return failure(KindResource, fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", len(data), n.opts.MaxBytes))
	}

	value, err := jsonsafe.Decode(data, n.opts.MaxDepth)
	if err != nil {
		var depthErr *jsonsafe.DepthError
		if errors.As(err, &depthErr) {
			return failure(KindDepth, err.Error())
		}
		return failure(KindParse, err.Error())
	}
	if jsonsafe.ContainsReserved(value) {
		return failure(KindReservedKey, "payload contains a reserved key")
	}
	return Result{Success: true, Data: value}
}

// Recovered classifies a value obtained from recover().
func Recovered(r any) Result {
	if err, ok := r.(runtime.Error); ok {
		msg := err.Error()
		if strings.Contains(msg, "stack") {
			return failure(KindDepth, "recursion limit exceeded")
		}
		if strings.Contains(msg, "out of memory") || strings.Contains(msg, "makeslice") {
			return failure(KindResource, "memory limit exceeded")
		}
		return failure(KindPanic, "internal error: "+msg)
	}
	return failure(KindPanic, fmt.Sprintf("internal error: %v", r))
}
