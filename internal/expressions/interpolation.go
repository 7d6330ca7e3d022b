package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Resolver is one link of the interpolation chain. The first resolver whose
// CanResolve returns true handles the template; nested values are handed back
// to the interpolator through recurse.
type Resolver interface {
	CanResolve(template any) bool
	Resolve(ctx context.Context, template any, vars map[string]any, recurse func(any) any) any
}

// Interpolator resolves ${path} references in arbitrary JSON-like values.
// Unresolvable references never produce errors: a full-match reference becomes
// nil and a reference embedded in a larger string is left untouched.
type Interpolator struct {
	resolvers []Resolver
	engine    Engine
}

// InterpolatorOption configures an Interpolator.
type InterpolatorOption func(*Interpolator)

// WithExpressionEngine evaluates ${...} contents that are not plain paths
// (e.g. ${input.count > 3}) with the given engine.
func WithExpressionEngine(engine Engine) InterpolatorOption {
	return func(i *Interpolator) { i.engine = engine }
}

// NewInterpolator creates an Interpolator with the default resolver chain:
// string, array, object, passthrough.
func NewInterpolator(opts ...InterpolatorOption) *Interpolator {
	interp := &Interpolator{}
	for _, opt := range opts {
		opt(interp)
	}
	interp.resolvers = []Resolver{
		&stringResolver{interp: interp},
		arrayResolver{},
		objectResolver{},
		passthroughResolver{},
	}
	return interp
}

// Interpolate returns template with every ${...} reference resolved against vars.
// The template is never mutated.
func (interp *Interpolator) Interpolate(ctx context.Context, template any, vars map[string]any) any {
	var recurse func(any) any
	recurse = func(v any) any {
		for _, r := range interp.resolvers {
			if r.CanResolve(v) {
				return r.Resolve(ctx, v, vars, recurse)
			}
		}
		return v
	}
	return recurse(template)
}

// InterpolateString resolves a single string template.
func (interp *Interpolator) InterpolateString(ctx context.Context, template string, vars map[string]any) any {
	return interp.Interpolate(ctx, template, vars)
}

// Lookup resolves one reference body (the text between ${ and }).
// found is false when the value is undefined.
func (interp *Interpolator) Lookup(ctx context.Context, ref string, vars map[string]any) (value any, found bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}
	if IsPath(ref) {
		return lookupVar(vars, ref)
	}
	if interp.engine == nil {
		return nil, false
	}
	out, err := interp.engine.Evaluate(ctx, ref, vars)
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// lookupVar resolves a dotted path against the variable roots. A root that is
// not a variable falls back to the step results, so ${fetch.output} reads the
// same value as ${steps.fetch.output}.
func lookupVar(vars map[string]any, path string) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	if _, ok := vars[root]; !ok {
		if steps, ok := vars["steps"].(map[string]any); ok {
			if _, ok := steps[root]; ok {
				return LookupPath(steps, path)
			}
		}
		return nil, false
	}
	if rest == "" {
		return vars[root], true
	}
	return LookupPath(vars[root], rest)
}

// HasReferences reports whether s contains a ${...} reference.
func HasReferences(s string) bool {
	i := strings.Index(s, "${")
	return i >= 0 && strings.IndexByte(s[i:], '}') > 0
}

// --- string resolver ---

type stringResolver struct {
	interp *Interpolator
}

func (r *stringResolver) CanResolve(template any) bool {
	_, ok := template.(string)
	return ok
}

func (r *stringResolver) Resolve(ctx context.Context, template any, vars map[string]any, _ func(any) any) any {
	s := template.(string)
	if !strings.Contains(s, "${") {
		return s
	}

	if ref, ok := fullReference(s); ok {
		v, _ := r.interp.Lookup(ctx, ref, vars)
		return v
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		ref := rest[start+2 : end]
		if strings.TrimSpace(ref) != "" {
			if v, found := r.interp.Lookup(ctx, ref, vars); found {
				b.WriteString(Stringify(v))
			} else {
				b.WriteString(rest[start : end+1])
			}
		}
		rest = rest[end+1:]
	}
	return b.String()
}

// fullReference reports whether the trimmed string is exactly one ${...}.
func fullReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${") || !strings.HasSuffix(t, "}") {
		return "", false
	}
	body := t[2 : len(t)-1]
	if strings.ContainsAny(body, "}") || strings.Contains(body, "${") {
		return "", false
	}
	return body, true
}

// Stringify renders a resolved value for partial interpolation.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.RawMessage:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// --- array resolver ---

type arrayResolver struct{}

func (arrayResolver) CanResolve(template any) bool {
	switch template.(type) {
	case []any, []string, []map[string]any:
		return true
	}
	return false
}

func (arrayResolver) Resolve(_ context.Context, template any, _ map[string]any, recurse func(any) any) any {
	switch arr := template.(type) {
	case []any:
		out := make([]any, len(arr))
		for i, v := range arr {
			out[i] = recurse(v)
		}
		return out
	case []string:
		out := make([]any, len(arr))
		for i, v := range arr {
			out[i] = recurse(v)
		}
		return out
	case []map[string]any:
		out := make([]any, len(arr))
		for i, v := range arr {
			out[i] = recurse(v)
		}
		return out
	}
	return template
}

// --- object resolver ---

type objectResolver struct{}

func (objectResolver) CanResolve(template any) bool {
	switch template.(type) {
	case map[string]any, map[string]string:
		return true
	}
	return false
}

func (objectResolver) Resolve(_ context.Context, template any, _ map[string]any, recurse func(any) any) any {
	switch obj := template.(type) {
	case map[string]any:
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			out[k] = recurse(v)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			out[k] = recurse(v)
		}
		return out
	}
	return template
}

// --- passthrough resolver ---

type passthroughResolver struct{}

func (passthroughResolver) CanResolve(any) bool { return true }

func (passthroughResolver) Resolve(_ context.Context, template any, _ map[string]any, _ func(any) any) any {
	return template
}
