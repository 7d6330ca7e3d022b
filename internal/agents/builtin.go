package agents

import (
	"context"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// BuiltinConfig configures the built-in agents.
type BuiltinConfig struct {
	HTTP HTTPConfig
}

// Builtins returns the built-in agents: echo, expr, transform, http and assert.
func Builtins(cfg BuiltinConfig) []Agent {
	return []Agent{
		Func("echo", func(_ context.Context, in Input) (*schema.AgentResult, error) {
			return schema.Succeeded(in.Input), nil
		}).Describe("Return the interpolated input unchanged."),
		&ExprAgent{engine: expressions.NewExprEngine()},
		&TransformAgent{engine: expressions.NewGoJQEngine()},
		NewHTTPAgent(cfg.HTTP),
		&AssertAgent{},
	}
}

// RegisterBuiltins registers all built-in agents in reg.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	for _, a := range Builtins(cfg) {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// ExprAgent evaluates an Expr expression. Config: expression (required) and
// data (optional, bound as data). Execution variables are in scope.
type ExprAgent struct {
	engine *expressions.ExprEngine
}

func (a *ExprAgent) Name() string { return "expr" }

func (a *ExprAgent) Description() string {
	return "Evaluate an Expr expression over the execution variables."
}

func (a *ExprAgent) Execute(ctx context.Context, in Input) (*schema.AgentResult, error) {
	params := in.Params()
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr requires a non-empty 'expression'")
	}

	scope := make(map[string]any)
	if in.Context != nil {
		for k, v := range in.Context.Vars {
			scope[k] = v
		}
	}
	if data, ok := params["data"]; ok {
		scope["data"] = data
	}

	out, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	return schema.Succeeded(out), nil
}

// TransformAgent runs a jq program. Config: query (required) and data (the
// program input; defaults to the execution variables).
type TransformAgent struct {
	engine *expressions.GoJQEngine
}

func (a *TransformAgent) Name() string { return "transform" }

func (a *TransformAgent) Description() string {
	return "Reshape data with a jq program."
}

func (a *TransformAgent) Execute(ctx context.Context, in Input) (*schema.AgentResult, error) {
	params := in.Params()
	query := stringParam(params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform requires a non-empty 'query'")
	}

	data, ok := params["data"]
	if !ok && in.Context != nil {
		data = in.Context.Vars
	}

	out, err := a.engine.Run(ctx, query, data)
	if err != nil {
		return nil, err
	}
	return schema.Succeeded(out), nil
}
