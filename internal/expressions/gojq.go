package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs for the transform agent, typically to reshape
// step outputs or reduce map-reduce results. Programs cannot read the
// process environment.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func compileJQ(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, compileError("jq", src, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", src, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program with data as its input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Run(ctx, expression, data)
}

// Run runs a jq program over any JSON-like input. One output is returned as
// is, several are collected into a slice, none yields nil.
func (e *GoJQEngine) Run(ctx context.Context, expression string, input any) (any, error) {
	results, err := e.RunAll(ctx, expression, input)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// RunAll is Run returning every output. The input is normalized to plain
// JSON types first.
func (e *GoJQEngine) RunAll(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	doc, err := Normalize(input)
	if err != nil {
		return nil, evalError("jq", expression, err)
	}

	var results []any
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}
}

var _ Engine = (*GoJQEngine)(nil)
