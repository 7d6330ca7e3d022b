package expressions

import (
	"context"
	"reflect"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

// ConditionEvaluator decides branch, while, breakWhen and when guards.
// A condition containing ${...} is interpolated and tested for truthiness.
// A bare string is treated as a CEL expression over the same variables.
// Non-string conditions (YAML booleans, numbers) are tested directly.
type ConditionEvaluator struct {
	interp *Interpolator
	cel    Engine
}

// NewConditionEvaluator creates a ConditionEvaluator. cel may be nil, in which
// case bare strings are tested for truthiness as literals.
func NewConditionEvaluator(interp *Interpolator, cel Engine) *ConditionEvaluator {
	return &ConditionEvaluator{interp: interp, cel: cel}
}

// Evaluate resolves condition against vars and reports its truthiness.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, condition any, vars map[string]any) (bool, error) {
	s, ok := condition.(string)
	if !ok {
		return Truthy(c.interp.Interpolate(ctx, condition, vars)), nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	if HasReferences(s) || c.cel == nil || IsLiteral(s) {
		return Truthy(c.interp.Interpolate(ctx, s, vars)), nil
	}

	out, err := c.cel.Evaluate(ctx, s, vars)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q: %s", s, err.Error()).WithCause(err)
	}
	return Truthy(out), nil
}

// IsLiteral reports whether a bare condition is a boolean literal rather
// than an expression.
func IsLiteral(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "yes", "no", "0", "1":
		return true
	}
	return false
}

// Truthy applies loose boolean semantics: nil, false, zero numbers, empty
// strings, "false", "0" and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "0", "no", "null":
			return false
		}
		return true
	case float64:
		return val != 0
	case float32:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case int32:
		return val != 0
	case uint64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
