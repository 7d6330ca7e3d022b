package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates Expr expressions for inline ${...} references that are
// not plain paths and for the expr agent. Undefined variables are nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	// Compiled without a typed env so one program serves any variable shapes.
	return &ExprEngine{programs: newProgramCache(func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError("expr", src, err)
		}
		return prg, nil
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
