// Package schema checks tool arguments against declarative per-tool shapes.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

type Kind string

const (
	KindAny     Kind = ""
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBool    Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// Field declares one argument. Rules is a go-playground/validator tag applied to
// the decoded value, e.g. "min=1,max=200" or "oneof=code decision".
type Field struct {
	Name        string
	Kind        Kind
	Required    bool
	Rules       string
	Description string
}

type Shape struct {
	Description  string
	Fields       []Field
	AllowUnknown bool
}

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// Outcome is the result of validating one set of arguments.
type Outcome struct {
	OK         bool           `json:"ok"`
	Sanitized  map[string]any `json:"sanitized_arguments,omitempty"`
	Violations []Violation    `json:"violations"`
}

// Fail returns a rejected outcome with a single violation.
func Fail(field, message string) Outcome {
	return Outcome{Violations: []Violation{{Field: field, Message: message}}}
}

// Summary joins all violations into one line.
func (o Outcome) Summary() string {
	parts := make([]string, 0, len(o.Violations))
	for _, v := range o.Violations {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}

// Err returns the violations as an aggregated error, or nil when the outcome is OK.
func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	var result *multierror.Error
	for _, v := range o.Violations {
		result = multierror.Append(result, fmt.Errorf("%s", v.String()))
	}
	if result == nil {
		return fmt.Errorf("validation failed")
	}
	result.ErrorFormat = func(errs []error) string {
		parts := make([]string, len(errs))
		for i, err := range errs {
			parts[i] = err.Error()
		}
		return strings.Join(parts, "; ")
	}
	return result
}

// Validator holds the registered tool shapes. It is safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	shapes   map[string]Shape
	validate *validator.Validate
}

func New() *Validator {
	return &Validator{
		shapes:   make(map[string]Shape),
		validate: validator.New(),
	}
}

// Register adds or replaces the shape for a tool. Rule tags are checked against a
// zero value so a malformed tag fails here rather than on the request path.
func (v *Validator) Register(tool string, shape Shape) error {
	if tool == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	seen := make(map[string]bool, len(shape.Fields))
	for _, f := range shape.Fields {
		if f.Name == "" {
			return fmt.Errorf("tool %s: field name cannot be empty", tool)
		}
		if seen[f.Name] {
			return fmt.Errorf("tool %s: duplicate field %s", tool, f.Name)
		}
		seen[f.Name] = true
		if err := v.checkRules(f); err != nil {
			return fmt.Errorf("tool %s: field %s: %w", tool, f.Name, err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.shapes[tool] = shape
	return nil
}

func (v *Validator) checkRules(f Field) (err error) {
	if f.Rules == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rules %q: %v", f.Rules, r)
		}
	}()
	var zero any
	switch f.Kind {
	case KindString:
		zero = ""
	case KindNumber:
		zero = float64(0)
	case KindInteger:
		zero = int64(0)
	case KindBool:
		zero = false
	case KindArray:
		zero = []any{}
	case KindObject:
		zero = map[string]any{}
	default:
		zero = ""
	}
	_ = v.validate.Var(zero, f.Rules)
	return nil
}

func (v *Validator) Shape(tool string) (Shape, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	shape, ok := v.shapes[tool]
	return shape, ok
}

// Tools returns the registered tool names in sorted order.
func (v *Validator) Tools() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.shapes))
	for name := range v.shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks args against the tool's shape and reports every violation found.
func (v *Validator) Validate(toolName string, args any) Outcome {
	return v.ValidateContext(context.Background(), toolName, args)
}

// ValidateContext is Validate that stops with a single violation once ctx is done.
func (v *Validator) ValidateContext(ctx context.Context, toolName string, args any) Outcome {
	shape, ok := v.Shape(toolName)
	if !ok {
		return Fail("tool", "unknown tool: "+toolName)
	}
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}

	var m map[string]any
	switch a := args.(type) {
	case nil:
		m = map[string]any{}
	case map[string]any:
		m = a
	default:
		return Fail("arguments", "expected object, got "+string(kindOf(args)))
	}

	var violations []Violation
	for _, f := range shape.Fields {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		value, present := m[f.Name]
		if !present || value == nil {
			if f.Required {
				violations = append(violations, Violation{Field: f.Name, Message: "is required"})
			}
			continue
		}
		violations = append(violations, v.checkField(f, value)...)
	}

	if !shape.AllowUnknown {
		known := make(map[string]bool, len(shape.Fields))
		for _, f := range shape.Fields {
			known[f.Name] = true
		}
		var unknown []string
		seen := 0
		for key := range m {
			seen++
			if seen%1024 == 0 && ctx.Err() != nil {
				return interrupted(ctx.Err())
			}
			if !known[key] {
				unknown = append(unknown, key)
			}
		}
		sort.Strings(unknown)
		for _, key := range unknown {
			violations = append(violations, Violation{Field: key, Message: "unknown field"})
		}
	}

	if len(violations) > 0 {
		return Outcome{Violations: violations}
	}
	return Outcome{OK: true, Sanitized: m, Violations: []Violation{}}
}

func interrupted(err error) Outcome {
	return Fail("", "validation interrupted: "+err.Error())
}

func (v *Validator) checkField(f Field, value any) (violations []Violation) {
	defer func() {
		if r := recover(); r != nil {
			violations = append(violations, Violation{Field: f.Name, Message: fmt.Sprintf("rule evaluation failed: %v", r)})
		}
	}()

	typed, ok := coerce(f.Kind, value)
	if !ok {
		return []Violation{{Field: f.Name, Message: fmt.Sprintf("expected %s, got %s", f.Kind, kindOf(value))}}
	}
	if f.Rules == "" {
		return nil
	}

	err := v.validate.Var(typed, f.Rules)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Violation{{Field: f.Name, Message: err.Error()}}
	}
	for _, fe := range fieldErrs {
		violations = append(violations, Violation{Field: f.Name, Message: describe(f.Kind, fe)})
	}
	return violations
}

// coerce converts a decoded JSON value to the Go type the rules are evaluated against.
func coerce(kind Kind, value any) (any, bool) {
	switch kind {
	case KindAny:
		return value, true
	case KindString:
		s, ok := value.(string)
		return s, ok
	case KindBool:
		b, ok := value.(bool)
		return b, ok
	case KindNumber:
		f, ok := toFloat(value)
		return f, ok
	case KindInteger:
		f, ok := toFloat(value)
		if !ok || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, false
		}
		return int64(f), true
	case KindArray:
		a, ok := value.([]any)
		return a, ok
	case KindObject:
		o, ok := value.(map[string]any)
		return o, ok
	}
	return nil, false
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func kindOf(value any) Kind {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return KindString
	case bool:
		return KindBool
	case json.Number, float64, int, int64:
		return KindNumber
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	}
	return Kind(fmt.Sprintf("%T", value))
}

func describe(kind Kind, fe validator.FieldError) string {
	param := fe.Param()
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.Join(strings.Fields(param), ", ")
	case "min", "gte":
		switch kind {
		case KindString:
			return "must be at least " + param + " characters"
		case KindArray, KindObject:
			return "must contain at least " + param + " items"
		}
		return "must be >= " + param
	case "max", "lte":
		switch kind {
		case KindString:
			return "must be at most " + param + " characters"
		case KindArray, KindObject:
			return "must contain at most " + param + " items"
		}
		return "must be <= " + param
	case "len":
		return "must have length " + param
	}
	if param != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), param)
	}
	return "must be a valid " + fe.Tag()
}
