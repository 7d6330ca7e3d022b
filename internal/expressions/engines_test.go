package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngines_ImplementEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
	var _ Engine = (*ExprEngine)(nil)
	var _ Engine = (*GoJQEngine)(nil)
}

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{
		"input": map[string]any{"enabled": true, "count": int64(5)},
		"item":  map[string]any{"score": 0.9},
		"index": int64(2),
	}

	out, err := e.Evaluate(context.Background(), "input.enabled && input.count > 3", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "item.score >= 0.8 && index == 2", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "size(steps)", data)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out)
}

func TestCELEngine_CompileErrors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile("input.count >")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = e.Compile("unknownvar == 1")
	require.Error(t, err, "only declared variables are visible")

	require.NoError(t, e.Compile("state.count < 3"))

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCELEngine_ConcurrentEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "index % 2 == 0", map[string]any{"index": int64(i)})
			assert.NoError(t, err)
			assert.Equal(t, i%2 == 0, out)
		}(i)
	}
	wg.Wait()
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	data := map[string]any{
		"results": []any{1, 2, 3, 4},
		"input":   map[string]any{"name": "ada"},
	}

	out, err := e.Evaluate(context.Background(), "sum(results)", data)
	require.NoError(t, err)
	assert.EqualValues(t, 10, out)

	out, err = e.Evaluate(context.Background(), "upper(input.name)", data)
	require.NoError(t, err)
	assert.Equal(t, "ADA", out)

	out, err = e.Evaluate(context.Background(), "missing ?? 'fallback'", data)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	_, err = e.Evaluate(context.Background(), "1 +", data)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExprEngine_CacheIsShapeIndependent(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "input.v", map[string]any{"input": map[string]any{"v": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = e.Evaluate(context.Background(), "input.v", map[string]any{"input": map[string]any{"v": "text"}})
	require.NoError(t, err)
	assert.Equal(t, "text", out)
}

func TestGoJQEngine_Run(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	out, err := e.Run(context.Background(), "map(.count) | add", []any{
		map[string]any{"count": 2},
		map[string]any{"count": 3},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, out)

	out, err = e.Run(context.Background(), ".[]", []any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Run(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Run(context.Background(), ".[", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Run(context.Background(), `error("boom")`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = e.Run(context.Background(), "$ENV.HOME", nil)
	require.NoError(t, err, "environment access is sandboxed, not an error")
}
