package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Variables visible to CEL conditions.
var (
	celMapVars     = []string{"input", "state", "steps", "env"}
	celBindingVars = []string{"item", "index", "result", "results", "output", "error", "resume"}
)

// CELEngine evaluates bare (non-interpolated) conditions of branch, while,
// breakWhen and when guards. Every variable is dynamically typed.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celMapVars)+len(celBindingVars))
	for _, name := range celMapVars {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	for _, name := range celBindingVars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile checks that an expression compiles without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression against data. Missing map roots are bound to
// empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("cel")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("cel", src, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("cel", src, err)
	}
	return prg, nil
}

// buildActivation binds every declared variable, defaulting map roots to
// empty maps so has() checks work before anything is written.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celMapVars)+len(celBindingVars))
	for _, key := range celMapVars {
		if v, ok := data[key].(map[string]any); ok {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	for _, key := range celBindingVars {
		activation[key] = data[key]
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
