package expressions

import (
	"context"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConditionEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	cel, err := NewCELEngine()
	require.NoError(t, err)
	return NewConditionEvaluator(NewInterpolator(WithExpressionEngine(NewExprEngine())), cel)
}

func TestConditionEvaluator(t *testing.T) {
	ev := newTestConditionEvaluator(t)
	vars := map[string]any{
		"input": map[string]any{"approved": true, "tier": "gold", "limit": int64(5)},
		"state": map[string]any{"count": int64(2)},
	}

	tests := []struct {
		name      string
		condition any
		want      bool
	}{
		{"interpolated bool", "${input.approved}", true},
		{"interpolated missing", "${input.nope}", false},
		{"interpolated expression", "${state.count < input.limit}", true},
		{"cel comparison", "state.count < 3", true},
		{"cel string equality", `input.tier == "silver"`, false},
		{"cel has on empty state", "has(state.done)", false},
		{"literal true", "true", true},
		{"literal false", "false", false},
		{"yaml bool", true, true},
		{"yaml zero", 0, false},
		{"nil", nil, false},
		{"empty string", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Evaluate(context.Background(), tt.condition, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_CELErrors(t *testing.T) {
	ev := newTestConditionEvaluator(t)

	_, err := ev.Evaluate(context.Background(), "state.count <", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = ev.Evaluate(context.Background(), "state.missing > 1", map[string]any{})
	require.Error(t, err, "missing keys are runtime errors in CEL")
}

func TestConditionEvaluator_WithoutCEL(t *testing.T) {
	ev := NewConditionEvaluator(NewInterpolator(), nil)
	got, err := ev.Evaluate(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.True(t, got, "non-empty literal strings are truthy")
}

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, 0, int64(0), 0.0, "", "false", "FALSE", "0", "no", "null", []any{}, map[string]any{}, []string{}}
	for _, v := range falsy {
		assert.False(t, Truthy(v), "%#v should be falsy", v)
	}
	truthy := []any{true, 1, -1, 0.5, "yes", "anything", []any{0}, map[string]any{"k": nil}, []int{1}, struct{}{}}
	for _, v := range truthy {
		assert.True(t, Truthy(v), "%#v should be truthy", v)
	}
}
