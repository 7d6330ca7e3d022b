// Package state owns the workflow-scoped mutable state of one execution,
// kept apart from the input and from step outputs.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// Type tags accepted in a state schema.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

// ValueValidator validates a value against a JSON Schema document.
// Implemented by validation.JSONSchemaValidator.
type ValueValidator interface {
	ValidateValue(value any, valueSchema []byte) error
}

// Manager holds the state of a single execution. Writes are immediately
// visible to subsequent reads. It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	values map[string]any

	fields     map[string]string
	schemaJSON []byte
	strict     bool
	validator  ValueValidator
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStrict rejects writes that violate the declared schema. The schema is
// compiled to JSON Schema and checked with v.
func WithStrict(v ValueValidator) Option {
	return func(m *Manager) {
		m.strict = true
		m.validator = v
	}
}

// WithLogger sets the logger used for non-strict schema warnings.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager seeded with cfg.Initial. A nil cfg yields an empty,
// schemaless state.
func New(cfg *schema.StateConfig, opts ...Option) (*Manager, error) {
	m := &Manager{
		values: make(map[string]any),
		fields: make(map[string]string),
	}
	if cfg != nil {
		for field, tag := range cfg.Schema {
			m.fields[field] = tag
		}
		for k, v := range cfg.Initial {
			m.values[k] = expressions.DeepCopy(v)
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	if len(m.fields) > 0 {
		doc, err := CompileSchema(m.fields, m.strict)
		if err != nil {
			return nil, err
		}
		m.schemaJSON = doc
	}
	if m.strict && m.validator == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "strict state requires a schema validator")
	}
	if m.strict {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Strict reports whether writes are enforced against the schema.
func (m *Manager) Strict() bool {
	return m.strict
}

// Read returns a copy of the value at a dotted path.
func (m *Manager) Read(path string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := expressions.LookupPath(m.values, path)
	if !ok {
		return nil, false
	}
	return expressions.DeepCopy(v), true
}

// Write stores value at a dotted path, creating intermediate objects.
// In strict mode a write that would violate the schema is rejected and the
// state is left unchanged.
func (m *Manager) Write(path string, value any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return schema.NewError(schema.ErrCodeValidation, "state path is empty")
	}
	value = expressions.DeepCopy(value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strict {
		candidate := expressions.DeepCopyMap(m.values)
		if !expressions.SetPath(candidate, path, value) {
			return schema.NewErrorf(schema.ErrCodeValidation, "state path %q crosses a non-object value", path)
		}
		if err := m.validateLocked(candidate); err != nil {
			return err
		}
		m.values = candidate
		return nil
	}

	if !expressions.SetPath(m.values, path, value) {
		return schema.NewErrorf(schema.ErrCodeValidation, "state path %q crosses a non-object value", path)
	}
	field, _, _ := strings.Cut(path, ".")
	if tag, ok := m.fields[field]; ok && !TypeMatches(tag, m.values[field]) {
		m.logger.Warn("state write does not match declared type",
			slog.String("field", field),
			slog.String("declared", tag),
			slog.String("actual", typeName(m.values[field])),
		)
	}
	return nil
}

// Snapshot returns a deep copy of the whole state.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return expressions.DeepCopyMap(m.values)
}

// Restore replaces the state with a previously taken snapshot.
func (m *Manager) Restore(snapshot map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = expressions.DeepCopyMap(snapshot)
	if m.values == nil {
		m.values = make(map[string]any)
	}
}

// Validate checks the current state against the declared schema. Without a
// JSON Schema validator it falls back to per-field type checks.
func (m *Manager) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked(m.values)
}

func (m *Manager) validateLocked(values map[string]any) error {
	if len(m.fields) == 0 {
		return nil
	}
	if m.validator != nil {
		return m.validator.ValidateValue(values, m.schemaJSON)
	}

	result := &schema.ValidationResult{}
	for _, field := range sortedKeys(values) {
		tag, declared := m.fields[field]
		if declared && !TypeMatches(tag, values[field]) {
			result.AddError("state."+field, schema.ErrCodeValidation,
				fmt.Sprintf("expected %s, got %s", tag, typeName(values[field])))
		}
	}
	return result.ToError()
}

// CompileSchema renders field type tags as a JSON Schema object. Closed
// schemas reject undeclared fields.
func CompileSchema(fields map[string]string, closed bool) ([]byte, error) {
	props := make(map[string]any, len(fields))
	for field, tag := range fields {
		switch tag {
		case TypeAny:
			props[field] = map[string]any{}
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
			props[field] = map[string]any{"type": []string{tag, "null"}}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "state field %q has unknown type %q", field, tag)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if closed {
		doc["additionalProperties"] = false
	}
	return json.Marshal(doc)
}

// TypeMatches reports whether v conforms to a schema type tag. nil matches
// every tag.
func TypeMatches(tag string, v any) bool {
	if v == nil || tag == TypeAny || tag == "" {
		return true
	}
	switch tag {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == float64(int64(f))
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	}
	if f, ok := toFloat(v); ok {
		if f == float64(int64(f)) {
			return TypeInteger
		}
		return TypeNumber
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
