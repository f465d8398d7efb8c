package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

// HostileToolName is the tool the harness registers to drive handler-shaped
// results through the dispatcher.
const HostileToolName = "harness_hostile"

type hostileVariant struct {
	name  string
	build func() any
}

type panickingMarshaler struct{}

func (panickingMarshaler) MarshalJSON() ([]byte, error) {
	panic("marshaler exploded")
}

type failingMarshaler struct{}

func (failingMarshaler) MarshalJSON() ([]byte, error) {
	return nil, errors.New("marshaler refused")
}

type badJSONMarshaler struct{}

func (badJSONMarshaler) MarshalJSON() ([]byte, error) {
	return []byte(`{"unterminated":`), nil
}

func deepMap(depth int) any {
	var v any = "leaf"
	for i := 0; i < depth; i++ {
		v = map[string]any{"n": v}
	}
	return v
}

func cyclicMap() any {
	m := map[string]any{"name": "loop"}
	m["self"] = m
	return m
}

type node struct {
	Name string `json:"name"`
	Next *node  `json:"next"`
}

func cyclicPointer() any {
	n := &node{Name: "a"}
	n.Next = &node{Name: "b", Next: n}
	return n
}

var hostileVariants = []hostileVariant{
	{"plain-object", func() any { return map[string]any{"ok": true, "items": []any{1, "two", 3.5}} }},
	{"plain-struct", func() any { return struct{ ID int }{ID: 7} }},
	{"nil", func() any { return nil }},
	{"plain-string", func() any { return "done" }},
	{"json-text", func() any { return []byte(`{"a":[1,2,3]}`) }},
	{"raw-message", func() any { return json.RawMessage(`{"b":null}`) }},
	{"invalid-json-text", func() any { return json.RawMessage(`{"a":`) }},
	{"invalid-utf8-bytes", func() any { return []byte("\"\xff\xfe\"") }},
	{"invalid-utf8-string-field", func() any { return map[string]any{"s": "a\xc3\x28b"} }},
	{"channel", func() any { return map[string]any{"ch": make(chan int)} }},
	{"func", func() any { return map[string]any{"fn": func() {}} }},
	{"complex", func() any { return complex(1, 2) }},
	{"nan", func() any { return map[string]any{"v": math.NaN()} }},
	{"inf", func() any { return []any{math.Inf(1), math.Inf(-1)} }},
	{"cyclic-map", cyclicMap},
	{"cyclic-pointer", cyclicPointer},
	{"panicking-marshaler", func() any { return map[string]any{"x": panickingMarshaler{}} }},
	{"failing-marshaler", func() any { return failingMarshaler{} }},
	{"bad-json-marshaler", func() any { return []any{badJSONMarshaler{}} }},
	{"reserved-top", func() any { return map[string]any{"__proto__": map[string]any{"admin": true}} }},
	{"reserved-nested", func() any {
		return map[string]any{"a": []any{map[string]any{"constructor": map[string]any{"prototype": 1}}}}
	}},
	{"reserved-text", func() any { return json.RawMessage(`{"x":{"__proto__":{}}}`) }},
	{"deep-within-limit", func() any { return deepMap(50) }},
	{"deep-beyond-limit", func() any { return deepMap(500) }},
	{"large-string", func() any { return map[string]any{"s": strings.Repeat("z", 1<<20)} }},
	{"error", func() any { return errors.New("hostile handler failed") }},
	{"blank-error", func() any { return errors.New("   ") }},
	{"handler-error", nil},
	{"handler-panic-string", nil},
	{"handler-panic-error", nil},
	{"handler-panic-nil-map", nil},
	{"handler-panic-index", nil},
}

// HostilePayload returns the variant name and the value a handler would produce
// for it. Variants that fail or panic inside the handler yield a nil payload.
func HostilePayload(variant int64) (string, any) {
	if variant < 0 {
		variant = -variant
	}
	v := hostileVariants[variant%int64(len(hostileVariants))]
	if v.build == nil {
		return v.name, nil
	}
	return v.name, v.build()
}

// HostileTool returns deliberately hostile results. It is only registered by the
// fuzz harness.
type HostileTool struct{}

func NewHostileTool() *HostileTool {
	return &HostileTool{}
}

func (p *HostileTool) Name() string {
	return HostileToolName
}

func (p *HostileTool) Description() string {
	return "Returns a hostile handler result selected by variant"
}

func (p *HostileTool) Shape() schema.Shape {
	return schema.Shape{
		Description: p.Description(),
		Fields: []schema.Field{
			{Name: "variant", Kind: schema.KindInteger, Required: true, Rules: "min=0", Description: "Result variant"},
		},
	}
}

func (p *HostileTool) Handle(_ context.Context, args map[string]any) (any, error) {
	var input struct {
		Variant int64 `json:"variant"`
	}
	if err := tools.Decode(args, &input); err != nil {
		return nil, err
	}

	name, payload := HostilePayload(input.Variant)
	switch name {
	case "handler-error":
		return nil, fmt.Errorf("hostile variant %d failed", input.Variant)
	case "handler-panic-string":
		panic("hostile panic")
	case "handler-panic-error":
		panic(errors.New("hostile panic error"))
	case "handler-panic-nil-map":
		var m map[string]int
		m["boom"]++
	case "handler-panic-index":
		var s []int
		_ = s[input.Variant]
	}
	return payload, nil
}
