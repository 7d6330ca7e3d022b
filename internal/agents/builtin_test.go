package agents

import (
	"context"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinAdapter(t *testing.T) *Adapter {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	return NewAdapter(reg, nil)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	for _, name := range []string{"echo", "expr", "transform", "http", "assert"} {
		assert.True(t, reg.Has(name), name)
	}
	assert.Error(t, RegisterBuiltins(reg, BuiltinConfig{}), "second registration conflicts")
}

func TestEchoAgent(t *testing.T) {
	a := builtinAdapter(t)
	res, err := a.Invoke(context.Background(), Call{
		Agent:  "echo",
		Config: map[string]any{"msg": "Hello ${input.name}!"},
		Vars:   map[string]any{"input": map[string]any{"name": "Ada"}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"msg": "Hello Ada!"}, res.Data)
}

func TestExprAgent(t *testing.T) {
	a := builtinAdapter(t)
	vars := map[string]any{"input": map[string]any{"price": 10, "qty": 3}}

	res, err := a.Invoke(context.Background(), Call{
		Agent:  "expr",
		Config: map[string]any{"expression": "input.price * input.qty"},
		Vars:   vars,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.EqualValues(t, 30, res.Data)

	res, err = a.Invoke(context.Background(), Call{
		Agent:  "expr",
		Config: map[string]any{"expression": "len(data)", "data": []any{1, 2, 3}},
		Vars:   vars,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Data)

	res, err = a.Invoke(context.Background(), Call{Agent: "expr", Config: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeValidation, res.Code)
}

func TestTransformAgent(t *testing.T) {
	a := builtinAdapter(t)

	res, err := a.Invoke(context.Background(), Call{
		Agent: "transform",
		Config: map[string]any{
			"query": "map(.score) | add",
			"data":  "${results}",
		},
		Vars: map[string]any{"results": []any{
			map[string]any{"score": 1},
			map[string]any{"score": 2},
		}},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.EqualValues(t, 3, res.Data)

	res, err = a.Invoke(context.Background(), Call{
		Agent:  "transform",
		Config: map[string]any{"query": ".input.name"},
		Vars:   map[string]any{"input": map[string]any{"name": "Ada"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada", res.Data, "defaults to execution variables")

	res, err = a.Invoke(context.Background(), Call{Agent: "transform", Config: map[string]any{"query": ".["}})
	require.NoError(t, err)
	assert.False(t, res.Success)
}
