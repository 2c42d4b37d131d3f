// Package variables defines the typed variable schema attached to agent
// definitions and the validation pass applied to caller inputs before a run
// is prepared. Validation is exhaustive: every violated field is reported,
// not just the first.
package variables

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Type enumerates the supported variable value types.
	Type string

	// Source records who supplies a variable's value.
	Source string

	// Visibility controls where a variable's value may be surfaced.
	Visibility string

	// Meta describes one variable: its type, requirements and constraints.
	Meta struct {
		// Name is the variable key.
		Name string `json:"name" yaml:"name"`
		// Type is the expected value type.
		Type Type `json:"type" yaml:"type"`
		// Required marks variables that must have a value. A required
		// variable with no default must be supplied by the caller.
		Required bool `json:"required,omitempty" yaml:"required,omitempty"`
		// Default fills the value when the caller omits it.
		Default any `json:"default,omitempty" yaml:"default,omitempty"`
		// Min and Max bound numeric values when set.
		Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
		Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
		// Pattern is a regular expression string values must match.
		Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
		// AllowedValues restricts the value to a fixed set when non-empty.
		AllowedValues []any `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
		// Schema is an optional JSON Schema applied to object values.
		Schema json.RawMessage `json:"schema,omitempty" yaml:"schema,omitempty"`
		// Source records who supplies the value (user/admin/system).
		Source Source `json:"source,omitempty" yaml:"source,omitempty"`
		// Visibility controls exposure (public/internal/private).
		Visibility Visibility `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	}

	// FieldError describes one violated field.
	FieldError struct {
		// Name is the variable name.
		Name string
		// Reason is a human-readable description of the violation.
		Reason string
	}

	// ValidationError aggregates every violated field from one validation
	// pass. It is the only error ValidateInputs returns.
	ValidationError struct {
		Fields []FieldError
	}

	// Registry holds globally defined variables merged into every agent's
	// schema. Safe for concurrent use.
	Registry struct {
		mu      sync.RWMutex
		globals map[string]Meta
	}
)

// Supported variable types.
const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeArray  Type = "array"
	TypeObject Type = "object"
)

// Variable sources.
const (
	SourceUser   Source = "user"
	SourceAdmin  Source = "admin"
	SourceSystem Source = "system"
)

// Visibility levels.
const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
	VisibilityPrivate  Visibility = "private"
)

// ErrVariableCollision reports agent-specific variable names that collide
// with global definitions. The source system silently overlaid them; here the
// collision is an explicit error so schema authors namespace deliberately.
var ErrVariableCollision = errors.New("variables: name collides with global definition")

// Error lists every violated field.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "variables: validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Name, f.Reason)
	}
	return "variables: " + strings.Join(parts, "; ")
}

// NewRegistry constructs an empty global-variable registry.
func NewRegistry() *Registry {
	return &Registry{globals: make(map[string]Meta)}
}

// DefineGlobal registers a variable available to every agent. Redefining an
// existing global replaces it.
func (r *Registry) DefineGlobal(meta Meta) error {
	if meta.Name == "" {
		return errors.New("variables: global name is required")
	}
	if !validType(meta.Type) {
		return fmt.Errorf("variables: global %q has unknown type %q", meta.Name, meta.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globals[meta.Name] = meta
	return nil
}

// Globals returns the global definitions in name order.
func (r *Registry) Globals() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metas := make([]Meta, 0, len(r.globals))
	for _, meta := range r.globals {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}

// Merge combines the global definitions with an agent's own variables. A name
// defined in both places is an error wrapping ErrVariableCollision that names
// every colliding variable.
func (r *Registry) Merge(agentVars []Meta) ([]Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var collisions []string
	merged := r.Globals()
	for _, meta := range agentVars {
		if _, ok := r.globals[meta.Name]; ok {
			collisions = append(collisions, meta.Name)
			continue
		}
		merged = append(merged, meta)
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		return nil, fmt.Errorf("%w: %s", ErrVariableCollision, strings.Join(collisions, ", "))
	}
	return merged, nil
}

// ValidateInputs checks caller inputs against the variable schema and returns
// the validated map. Missing required variables fall back to their default
// when one exists; a required variable with neither value nor default is a
// violation. All violations are collected before returning.
func ValidateInputs(metas []Meta, inputs map[string]any) (map[string]any, error) {
	validated := make(map[string]any, len(metas))
	var fields []FieldError
	for _, meta := range metas {
		value, present := inputs[meta.Name]
		if !present {
			if meta.Default != nil {
				validated[meta.Name] = meta.Default
				continue
			}
			if meta.Required {
				fields = append(fields, FieldError{Name: meta.Name, Reason: "required and not supplied"})
			}
			continue
		}
		coerced, errs := checkValue(meta, value)
		if len(errs) > 0 {
			fields = append(fields, errs...)
			continue
		}
		validated[meta.Name] = coerced
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return validated, nil
}

// CoerceDefaults fills unset optional variables from their defaults without
// validating already-present values.
func CoerceDefaults(metas []Meta, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(metas))
	for k, v := range inputs {
		out[k] = v
	}
	for _, meta := range metas {
		if _, ok := out[meta.Name]; !ok && meta.Default != nil {
			out[meta.Name] = meta.Default
		}
	}
	return out
}

// checkValue validates one value against its meta and returns the coerced
// value. Multiple violations on the same field are all reported.
func checkValue(meta Meta, value any) (any, []FieldError) {
	var errs []FieldError
	fail := func(reason string) {
		errs = append(errs, FieldError{Name: meta.Name, Reason: reason})
	}
	coerced, ok := coerceType(meta.Type, value)
	if !ok {
		fail(fmt.Sprintf("expected %s, got %T", meta.Type, value))
		return nil, errs
	}
	switch meta.Type {
	case TypeInt, TypeFloat:
		num := asFloat(coerced)
		if meta.Min != nil && num < *meta.Min {
			fail(fmt.Sprintf("value %v below minimum %v", coerced, *meta.Min))
		}
		if meta.Max != nil && num > *meta.Max {
			fail(fmt.Sprintf("value %v above maximum %v", coerced, *meta.Max))
		}
	case TypeString:
		if meta.Pattern != "" {
			re, err := regexp.Compile(meta.Pattern)
			if err != nil {
				fail(fmt.Sprintf("invalid pattern %q: %v", meta.Pattern, err))
			} else if !re.MatchString(coerced.(string)) {
				fail(fmt.Sprintf("value %q does not match pattern %q", coerced, meta.Pattern))
			}
		}
	case TypeObject:
		if len(meta.Schema) > 0 {
			if err := validateSchema(meta.Name, meta.Schema, coerced); err != nil {
				fail(err.Error())
			}
		}
	}
	if len(meta.AllowedValues) > 0 && !allowed(meta.AllowedValues, coerced) {
		fail(fmt.Sprintf("value %v not in allowed values", coerced))
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return coerced, nil
}

// coerceType checks and normalizes a value for the given type. JSON decoding
// yields float64 for all numbers, so integral floats coerce to int.
func coerceType(t Type, value any) (any, bool) {
	switch t {
	case TypeString:
		s, ok := value.(string)
		return s, ok
	case TypeBool:
		b, ok := value.(bool)
		return b, ok
	case TypeInt:
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			if v == math.Trunc(v) {
				return int(v), true
			}
		}
		return nil, false
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
		return nil, false
	case TypeArray:
		a, ok := value.([]any)
		return a, ok
	case TypeObject:
		m, ok := value.(map[string]any)
		return m, ok
	}
	return nil, false
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// allowed compares the value against the allowed set, normalizing numbers so
// 2 and 2.0 compare equal regardless of decoding.
func allowed(set []any, value any) bool {
	for _, candidate := range set {
		if equalValue(candidate, value) {
			return true
		}
	}
	return false
}

func equalValue(a, b any) bool {
	if na, ok := numeric(a); ok {
		if nb, ok := numeric(b); ok {
			return na == nb
		}
		return false
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// validateSchema applies the meta's JSON Schema to an object value.
func validateSchema(name string, schema json.RawMessage, value any) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("invalid schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("invalid schema: %v", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("invalid schema: %v", err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("schema violation: %v", err)
	}
	return nil
}

func validType(t Type) bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeArray, TypeObject:
		return true
	}
	return false
}
