package expressions

import (
	"context"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// Engine evaluates expressions against execution variables. CEL backs bare
// conditions, Expr inline ${...} expressions and jq the transform agent.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; a failed compilation is not cached.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
	compile  func(string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{programs: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(source string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[source]; ok {
		return p, nil
	}
	p, err := c.compile(source)
	if err != nil {
		return p, err
	}
	c.programs[source] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileError reports an expression that cannot be compiled. It is a
// definition problem, so it carries VALIDATION_ERROR.
func compileError(engine, expression string, err error) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// evalError reports a runtime evaluation failure.
func evalError(engine, expression string, err error) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s: evaluating %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", engine)
}
