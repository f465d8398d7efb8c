// Package jsonsafe decodes untrusted JSON without unbounded recursion and
// screens decoded values for reserved object keys.
package jsonsafe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"unicode/utf8"
)

var ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

type DepthError struct {
	Limit   int
	Reached int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("nesting depth exceeds limit of %d (reached %d)", e.Limit, e.Reached)
}

type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return "malformed JSON: " + e.Err.Error()
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// IsReservedKey reports whether key may never reach object construction.
func IsReservedKey(key string) bool {
	return reservedKeys[key]
}

// ScanDepth walks raw JSON text without recursion and reports the maximum
// container depth reached, stopping as soon as limit is exceeded.
func ScanDepth(data []byte, limit int) (int, bool) {
	depth, ok, _ := ScanDepthContext(context.Background(), data, limit)
	return depth, ok
}

// Bytes scanned and values visited between context checks.
const (
	checkEvery     = 64 << 10
	nodeCheckEvery = 4096
)

// ScanDepthContext is ScanDepth that stops with ctx.Err() once ctx is done.
func ScanDepthContext(ctx context.Context, data []byte, limit int) (int, bool, error) {
	depth, maxDepth := 0, 0
	inString, escaped := false, false
	for i, c := range data {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return maxDepth, false, err
			}
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			if depth > limit {
				return maxDepth, false, nil
			}
		case '}', ']':
			if depth > 0 {
				depth--
			}
		}
	}
	return maxDepth, true, nil
}

// Decode parses exactly one JSON value, keeping numbers as json.Number.
// Whitespace-only input decodes to nil.
func Decode(data []byte, maxDepth int) (any, error) {
	return DecodeContext(context.Background(), data, maxDepth)
}

// ctxReader fails reads once its context is done, which aborts a decoder
// between buffer refills.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > checkEvery {
		p = p[:checkEvery]
	}
	return c.r.Read(p)
}

// DecodeContext is Decode that gives up with ctx.Err() once ctx is done.
func DecodeContext(ctx context.Context, data []byte, maxDepth int) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !utf8.Valid(trimmed) {
		return nil, ErrInvalidUTF8
	}
	reached, ok, err := ScanDepthContext(ctx, trimmed, maxDepth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DepthError{Limit: maxDepth, Reached: reached}
	}

	dec := json.NewDecoder(ctxReader{ctx: ctx, r: bytes.NewReader(trimmed)})
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SyntaxError{Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SyntaxError{Err: errors.New("unexpected data after value")}
	}
	return value, nil
}

// StripReserved returns a copy of v without reserved keys, along with the
// sorted paths of the keys removed. Callers bound the depth of v beforehand.
func StripReserved(v any) (any, []string) {
	out, found, _ := StripReservedContext(context.Background(), v)
	return out, found
}

// StripReservedContext is StripReserved that stops with ctx.Err() once ctx
// is done.
func StripReservedContext(ctx context.Context, v any) (any, []string, error) {
	st := &stripper{ctx: ctx}
	out := st.strip(v, "")
	if st.err != nil {
		return nil, nil, st.err
	}
	sort.Strings(st.found)
	return out, st.found, nil
}

type stripper struct {
	ctx   context.Context
	found []string
	nodes int
	err   error
}

// ContainsReserved reports whether any object key in v is reserved.
func ContainsReserved(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			if IsReservedKey(key) || ContainsReserved(child) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if ContainsReserved(child) {
				return true
			}
		}
	}
	return false
}

func (st *stripper) strip(v any, path string) any {
	if st.err != nil {
		return nil
	}
	st.nodes++
	if st.nodes%nodeCheckEvery == 0 {
		if st.err = st.ctx.Err(); st.err != nil {
			return nil
		}
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, child := range val {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if IsReservedKey(key) {
				st.found = append(st.found, childPath)
				continue
			}
			out[key] = st.strip(child, childPath)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = st.strip(child, path+"["+strconv.Itoa(i)+"]")
		}
		return out
	}
	return v
}
